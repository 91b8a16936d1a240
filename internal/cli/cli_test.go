package cli

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	method string
	path   string
	query  string
	body   string
	trace  string
}

func newOpsServer(t *testing.T, status int, reply string) (*httptest.Server, *[]recorded) {
	t.Helper()
	var calls []recorded
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		calls = append(calls, recorded{
			method: r.Method,
			path:   r.URL.EscapedPath(),
			query:  r.URL.RawQuery,
			body:   string(body),
			trace:  r.Header.Get("X-Trace-ID"),
		})
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func run(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	opts := &RootOptions{HTTPClient: srv.Client()}
	cmd := newRootCommand(opts)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--server", srv.URL}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestImport_PostsPayload(t *testing.T) {
	srv, calls := newOpsServer(t, http.StatusAccepted, `{"event_id":"e-1","execution_id":"DispatchLetters:e-1"}`)

	out, err := run(t, srv, "import", "--bucket", "superpost-bucket", "--batch", "week-42.yaml")
	require.NoError(t, err)

	require.Len(t, *calls, 1)
	c := (*calls)[0]
	assert.Equal(t, http.MethodPost, c.method)
	assert.Equal(t, "/imports", c.path)
	var sent map[string]any
	require.NoError(t, json.Unmarshal([]byte(c.body), &sent))
	assert.Equal(t, "superpost-bucket", sent["bucket"])
	assert.Equal(t, "week-42.yaml", sent["batch"])
	assert.NotEmpty(t, c.trace)
	assert.Equal(t, "event_id: e-1\nexecution_id: DispatchLetters:e-1\n", out)
}

func TestCommands_Routes(t *testing.T) {
	cases := []struct {
		args   []string
		method string
		path   string
		query  string
	}{
		{[]string{"letter", "get", "abc"}, http.MethodGet, "/letters/abc", ""},
		{[]string{"execution", "describe", "DispatchLetters:e-1"}, http.MethodGet, "/executions/DispatchLetters:e-1", ""},
		{[]string{"exec", "resume", "DispatchLetters:e-1"}, http.MethodPost, "/executions/DispatchLetters:e-1/resume", ""},
		{[]string{"execution", "stop", "CollectLetters:e-2"}, http.MethodPost, "/executions/CollectLetters:e-2/stop", ""},
		{[]string{"deadletters", "list", "--limit", "5"}, http.MethodGet, "/deadletters", "limit=5"},
		{[]string{"dlq", "replay"}, http.MethodPost, "/deadletters/replay", "limit=100"},
		{[]string{"deadletters", "replay", "dl-7"}, http.MethodPost, "/deadletters/dl-7/replay", ""},
		{[]string{"scoreboard", "get", "hearts"}, http.MethodGet, "/scoreboard/hearts", ""},
		{[]string{"outbox", "replay", "--limit", "3"}, http.MethodPost, "/outbox/replay", "limit=3"},
		{[]string{"outbox", "replay", "m-1"}, http.MethodPost, "/outbox/m-1/replay", ""},
	}

	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			srv, calls := newOpsServer(t, http.StatusOK, `{}`)
			_, err := run(t, srv, tc.args...)
			require.NoError(t, err)
			require.Len(t, *calls, 1)
			assert.Equal(t, tc.method, (*calls)[0].method)
			assert.Equal(t, tc.path, (*calls)[0].path)
			assert.Equal(t, tc.query, (*calls)[0].query)
		})
	}
}

func TestExecutionStop_SendsCause(t *testing.T) {
	srv, calls := newOpsServer(t, http.StatusOK, `{"id":"DispatchLetters:e-1","status":"STOPPED"}`)

	_, err := run(t, srv, "execution", "stop", "DispatchLetters:e-1", "--cause", "maintenance")
	require.NoError(t, err)
	assert.JSONEq(t, `{"cause":"maintenance"}`, (*calls)[0].body)
}

func TestAPIError(t *testing.T) {
	srv, _ := newOpsServer(t, http.StatusConflict, `{"error":"failed to resume execution","kind":"conflict","details":"execution already succeeded"}`)

	_, err := run(t, srv, "execution", "resume", "DispatchLetters:e-1")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Contains(t, err.Error(), "execution already succeeded")
}

func TestJSONFormat(t *testing.T) {
	srv, _ := newOpsServer(t, http.StatusOK, `{"counter":"hearts","value":3}`)

	out, err := run(t, srv, "--format", "json", "scoreboard", "get", "hearts")
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"counter\": \"hearts\",\n  \"value\": 3\n}\n", out)
}

func TestInvalidFormat(t *testing.T) {
	srv, calls := newOpsServer(t, http.StatusOK, `{}`)

	_, err := run(t, srv, "--format", "xml", "scoreboard", "get", "hearts")
	require.Error(t, err)
	assert.Empty(t, *calls)
}

func TestTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	opts := &RootOptions{}
	cmd := newRootCommand(opts)
	cmd.SetOut(io.Discard)
	cmd.SetArgs([]string{"--server", srv.URL, "--timeout", "50ms", "letter", "get", "x"})
	require.Error(t, cmd.Execute())
}
