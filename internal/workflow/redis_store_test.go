package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"superpost/pkg/errkind"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(rdb, ""), mr
}

func TestRedisStore_CreateIsIdempotent(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	exec := &Execution{ID: "Dispatch:evt-1", Workflow: "Dispatch", Status: StatusRunning, State: "Importing", Data: []byte(`{"a":1}`), StartedAt: start}
	got, created, err := s.Create(ctx, exec)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, exec.ID, got.ID)

	again := exec.Clone()
	again.State = "Other"
	got, created, err = s.Create(ctx, again)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, State("Importing"), got.State)

	assert.True(t, mr.Exists("workflow:execution:Dispatch:evt-1"))
	members, err := mr.ZMembers("workflow:index:Dispatch")
	require.NoError(t, err)
	assert.Equal(t, []string{"Dispatch:evt-1"}, members)
}

func TestRedisStore_SaveGetList(t *testing.T) {
	s, _ := newRedisStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		_, _, err := s.Create(ctx, &Execution{ID: id, Workflow: "Collect", Status: StatusRunning, State: "Received", StartedAt: base.Add(time.Duration(i) * time.Second)})
		require.NoError(t, err)
	}
	done, err := s.Get(ctx, "b")
	require.NoError(t, err)
	done.Status = StatusSucceeded
	done.State = StateDone
	done.History = []Transition{{From: "Received", To: StateDone, At: base, Attempts: 2}}
	require.NoError(t, s.Save(ctx, done))

	got, err := s.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, got.Status)
	require.Len(t, got.History, 1)
	assert.Equal(t, 2, got.History[0].Attempts)

	running, err := s.List(ctx, "Collect", StatusRunning, 0)
	require.NoError(t, err)
	require.Len(t, running, 2)
	assert.Equal(t, "a", running[0].ID)
	assert.Equal(t, "c", running[1].ID)

	limited, err := s.List(ctx, "Collect", StatusRunning, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	none, err := s.List(ctx, "Dispatch", StatusRunning, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRedisStore_GetMissing(t *testing.T) {
	s, _ := newRedisStore(t)
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrExecutionNotFound)
	assert.Equal(t, errkind.KindNotFound, errkind.KindOf(err))
}

func TestRedisStore_UnavailableIsTransient(t *testing.T) {
	s, mr := newRedisStore(t)
	mr.Close()
	_, err := s.Get(context.Background(), "x")
	require.Error(t, err)
	assert.True(t, errkind.IsRetryable(err))
}

func TestRunner_WithRedisCheckpoints(t *testing.T) {
	s, _ := newRedisStore(t)
	r := NewRunner(testDefinition(hooks{}), s, nil)

	exec := runToEnd(t, r, "e1", job{LetterID: "L1"})
	assert.Equal(t, StatusSucceeded, exec.Status)
	assert.Equal(t, []string{"fetch", "write"}, decodeJob(t, exec).Steps)
}
