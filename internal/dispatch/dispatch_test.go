package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	contracts "superpost/contracts/mq"
	"superpost/internal/docstore"
	"superpost/internal/eventbus"
	"superpost/internal/mailbox"
	"superpost/internal/model"
	"superpost/internal/paramstore"
	"superpost/internal/workflow"
	"superpost/pkg/backoff"
	"superpost/pkg/errkind"
)

const scenarioBatch = `[{"letterId": "L1", "sender": "Mario", "recipient": "Luigi", "message": {"topic": "greeting"}}]`

type published struct {
	mu     sync.Mutex
	events []eventbus.Event
	// seen holds the mailbox status of each letter at publish time.
	seen map[string]model.Status
	mb   mailbox.Store
}

func (p *published) PublishEvent(ctx context.Context, e eventbus.Event) error {
	var payload contracts.NewLetterPayload
	if err := e.DecodeDetail(&payload); err != nil {
		return err
	}
	rec, err := p.mb.Get(ctx, payload.LetterID)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seen == nil {
		p.seen = make(map[string]model.Status)
	}
	if err == nil {
		p.seen[payload.LetterID] = rec.Status
	}
	p.events = append(p.events, e)
	return nil
}

func (p *published) Events() []eventbus.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]eventbus.Event(nil), p.events...)
}

type fixture struct {
	d      *Dispatcher
	docs   *docstore.MemoryStore
	params *paramstore.MemoryStore
	mb     *mailbox.MemoryStore
	events *published
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		docs:   docstore.NewMemoryStore(),
		params: paramstore.NewMemoryStore(),
		mb:     mailbox.NewMemoryStore("primary"),
	}
	f.events = &published{mb: f.mb}
	require.NoError(t, paramstore.Seed(context.Background(), f.params, map[string]string{
		paramstore.ParamBucketName:    "superpost-bucket",
		paramstore.ParamDocumentsFile: "superpost-documents.json",
	}))
	f.docs.Put("superpost-bucket/superpost-documents.json", []byte(scenarioBatch))

	f.d = New(Config{
		Timeout: 5 * time.Second,
		Retry:   backoff.Policy{Attempts: 3, Base: time.Millisecond, Max: 2 * time.Millisecond},
	}, f.docs, f.params, f.mb, f.events, workflow.NewMemoryStore(), nil)
	return f
}

func (f *fixture) run(t *testing.T, trigger string, p contracts.ImportLettersPayload) *workflow.Execution {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := f.d.Start(ctx, trigger, p)
	require.NoError(t, err)
	exec, err := f.d.Runner().Wait(ctx, workflow.ExecutionID(WorkflowName, trigger))
	require.NoError(t, err)
	return exec
}

func TestDispatch_ScenarioA(t *testing.T) {
	f := newFixture(t)

	exec := f.run(t, "evt-1", contracts.ImportLettersPayload{})
	require.Equal(t, workflow.StatusSucceeded, exec.Status, "%+v", exec.Error)

	rec, err := f.mb.Get(context.Background(), "L1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDispatched, rec.Status)
	assert.Equal(t, "Mario", rec.Sender.Name)
	assert.Equal(t, "Luigi", rec.Recipient.Name)
	assert.False(t, rec.UpdatedAt.IsZero())

	events := f.events.Events()
	require.Len(t, events, 1)
	assert.Equal(t, contracts.Source, events[0].Source)
	assert.Equal(t, contracts.DetailNewLetters, events[0].DetailType)
	var p contracts.NewLetterPayload
	require.NoError(t, events[0].DecodeDetail(&p))
	assert.Equal(t, "L1", p.LetterID)
	assert.Equal(t, "greeting", p.Message.Topic)
	assert.Equal(t, "superpost-bucket/superpost-documents.json", p.BatchRef)

	var states []workflow.State
	for _, tr := range exec.History {
		states = append(states, tr.To)
	}
	assert.Equal(t, []workflow.State{StateStamped, StatePublished, workflow.StateDone}, states)
}

func TestDispatch_WriteBeforePublish(t *testing.T) {
	f := newFixture(t)
	f.docs.Put("b/three.json", []byte(`{"letters": [
		{"sender": "Mario", "recipient": "Luigi", "message": {"topic": "greeting"}},
		{"sender": "Peach", "recipient": "Toad", "message": {"topic": "party"}, "documentType": "invitation"},
		{"sender": "Bowser", "recipient": "Kamek", "message": {"topic": "plans"}, "documentType": "parcel"}
	]}`))

	exec := f.run(t, "evt-1", contracts.ImportLettersPayload{Bucket: "b", Batch: "three.json"})
	require.Equal(t, workflow.StatusSucceeded, exec.Status)

	events := f.events.Events()
	require.Len(t, events, 3)
	f.events.mu.Lock()
	defer f.events.mu.Unlock()
	for _, e := range events {
		var p contracts.NewLetterPayload
		require.NoError(t, e.DecodeDetail(&p))
		assert.Equal(t, model.StatusDispatched, f.events.seen[p.LetterID], "letter %s published before its write", p.LetterID)
	}
	assert.Equal(t, 3, f.mb.Len())
}

func TestDispatch_AssignsStableLetterIDs(t *testing.T) {
	f := newFixture(t)
	f.docs.Put("b/anon.json", []byte(`[{"sender": "Mario", "recipient": "Luigi", "message": {"topic": "greeting"}}]`))

	f.run(t, "evt-1", contracts.ImportLettersPayload{Bucket: "b", Batch: "anon.json"})
	f.run(t, "evt-2", contracts.ImportLettersPayload{Bucket: "b", Batch: "anon.json"})

	all := f.mb.All()
	require.Len(t, all, 1)
	assert.Equal(t, model.DeriveLetterID("b/anon.json", 0), all[0].LetterID)
}

func TestDispatch_DuplicateTriggerRunsOnce(t *testing.T) {
	f := newFixture(t)

	first := f.run(t, "evt-1", contracts.ImportLettersPayload{})
	second := f.run(t, "evt-1", contracts.ImportLettersPayload{})

	assert.Equal(t, first.StartedAt, second.StartedAt)
	assert.Len(t, f.events.Events(), 1)
	assert.Equal(t, 1, f.mb.Writes())
}

func TestDispatch_ScenarioD_DuplicateImportOfCollectedBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.run(t, "evt-1", contracts.ImportLettersPayload{})
	// The secondary region's progress has replicated back.
	rec, err := f.mb.Get(ctx, "L1")
	require.NoError(t, err)
	rec.Status = model.StatusCollected
	rec.Reaction = "💜"
	rec.UpdatedAt = rec.UpdatedAt.Add(time.Second)
	_, err = f.mb.Put(ctx, rec)
	require.NoError(t, err)

	exec := f.run(t, "evt-2", contracts.ImportLettersPayload{})
	require.Equal(t, workflow.StatusSucceeded, exec.Status)

	assert.Equal(t, 1, f.mb.Len(), "no new records")
	got, err := f.mb.Get(ctx, "L1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCollected, got.Status)
	assert.Equal(t, "💜", got.Reaction)
	assert.Len(t, f.events.Events(), 1, "no NewLetters for a letter past dispatched")
}

func TestDispatch_TransientReadRetries(t *testing.T) {
	f := newFixture(t)
	key := "superpost-bucket/superpost-documents.json"
	f.docs.FailNext(key,
		errkind.Transient("s3", errors.New("slow down")),
		errkind.Transient("s3", errors.New("slow down")),
	)

	exec := f.run(t, "evt-1", contracts.ImportLettersPayload{})
	assert.Equal(t, workflow.StatusSucceeded, exec.Status)
	assert.Equal(t, 3, f.docs.Reads(key))
	assert.Equal(t, 3, exec.History[0].Attempts)
}

func TestDispatch_ReadRetriesExhausted(t *testing.T) {
	f := newFixture(t)
	key := "superpost-bucket/superpost-documents.json"
	boom := errkind.Transient("s3", errors.New("slow down"))
	f.docs.FailNext(key, boom, boom, boom)

	exec := f.run(t, "evt-1", contracts.ImportLettersPayload{})
	assert.Equal(t, workflow.StatusFailed, exec.Status)
	require.NotNil(t, exec.Error)
	assert.Equal(t, "ExhaustedRetriesError", exec.Error.Kind)
	assert.Equal(t, StateImporting, exec.Error.State)
	assert.Equal(t, key, exec.Error.LetterID)
	assert.Equal(t, 0, f.mb.Len())
	assert.Empty(t, f.events.Events())
}

func TestDispatch_MissingDocumentIsNotRetried(t *testing.T) {
	f := newFixture(t)

	exec := f.run(t, "evt-1", contracts.ImportLettersPayload{Bucket: "b", Batch: "nope.json"})
	assert.Equal(t, workflow.StatusFailed, exec.Status)
	assert.Equal(t, "NotFoundError", exec.Error.Kind)
	assert.Equal(t, "b/nope.json", exec.Error.LetterID)
	assert.Equal(t, 1, f.docs.Reads("b/nope.json"))
}

func TestDispatch_InvalidLetterFailsBatch(t *testing.T) {
	f := newFixture(t)
	f.docs.Put("b/bad.json", []byte(`[{"letterId": "L9", "sender": "Mario", "message": {"topic": "greeting"}}]`))

	exec := f.run(t, "evt-1", contracts.ImportLettersPayload{Bucket: "b", Batch: "bad.json"})
	assert.Equal(t, workflow.StatusFailed, exec.Status)
	assert.Equal(t, "ValidationError", exec.Error.Kind)
	assert.Equal(t, "L9", exec.Error.LetterID)
	assert.Equal(t, 0, f.mb.Len())
}

func TestDispatch_TargetStartsExecution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e, err := eventbus.NewEvent(contracts.Source, contracts.DetailImportLetters, contracts.ImportLettersPayload{})
	require.NoError(t, err)
	target := f.d.Target()
	require.NoError(t, target.Deliver(ctx, e))
	require.NoError(t, target.Deliver(ctx, e))

	exec, err := f.d.Runner().Wait(ctx, workflow.ExecutionID(WorkflowName, e.ID))
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusSucceeded, exec.Status)
	assert.Len(t, f.events.Events(), 1)
}

func TestNewLettersEventID(t *testing.T) {
	assert.Equal(t, NewLettersEventID("evt-1", "L1"), NewLettersEventID("evt-1", "L1"))
	assert.NotEqual(t, NewLettersEventID("evt-1", "L1"), NewLettersEventID("evt-2", "L1"))
}
