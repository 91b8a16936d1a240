package collect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	contracts "superpost/contracts/mq"
	"superpost/internal/eventbus"
	"superpost/internal/mailbox"
	"superpost/internal/model"
	"superpost/internal/paramstore"
	"superpost/internal/vault"
	"superpost/internal/workflow"
	"superpost/pkg/backoff"
	"superpost/pkg/errkind"
)

type sink struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (s *sink) PublishEvent(ctx context.Context, e eventbus.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *sink) Events() []eventbus.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]eventbus.Event(nil), s.events...)
}

// flakyVault fails the first n lookups, or blocks them until released.
// missing makes the first lookups report the bundle as absent instead.
type flakyVault struct {
	inner   vault.Vault
	fails   int32
	missing int32
	calls   int32

	block   atomic.Bool
	entered chan struct{}
}

func (v *flakyVault) GetSecretBundle(ctx context.Context, name string) (map[string]string, error) {
	n := atomic.AddInt32(&v.calls, 1)
	if v.block.Load() {
		v.entered <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if n <= atomic.LoadInt32(&v.missing) {
		return nil, errkind.NotFound("vault.get_bundle", fmt.Errorf("bundle %q: %w", name, vault.ErrNotFound))
	}
	if n <= atomic.LoadInt32(&v.fails) {
		return nil, errkind.Transient("vault.get_bundle", errors.New("throttled"))
	}
	return v.inner.GetSecretBundle(ctx, name)
}

// lossyParams applies the first IncrementOnce but reports a failure, the
// way a lost reply looks to the caller.
type lossyParams struct {
	paramstore.Store
	lost atomic.Bool
}

func (p *lossyParams) IncrementOnce(ctx context.Context, counter, key string, delta int64) (int64, bool, error) {
	v, applied, err := p.Store.IncrementOnce(ctx, counter, key, delta)
	if err == nil && p.lost.CompareAndSwap(false, true) {
		return 0, false, errkind.Transient("paramstore.increment_once", errors.New("connection reset"))
	}
	return v, applied, err
}

type fixture struct {
	c      *Collector
	mb     *mailbox.MemoryStore
	params paramstore.Store
	vault  *flakyVault
	events *sink
}

func newFixture(t *testing.T, params paramstore.Store) *fixture {
	t.Helper()
	if params == nil {
		params = paramstore.NewMemoryStore()
	}
	mv := vault.NewMemoryVault()
	mv.Put(vault.DefaultBundle, vault.DefaultReactions())
	f := &fixture{
		mb:     mailbox.NewMemoryStore("secondary"),
		params: params,
		vault:  &flakyVault{inner: mv, entered: make(chan struct{}, 1)},
		events: &sink{},
	}
	reactions := vault.NewReactions(f.vault, vault.NewSelector(vault.DefaultSelectorConfig()))
	f.c = New(Config{
		Timeout: 5 * time.Second,
		Retry:   backoff.Policy{Attempts: 3, Base: time.Millisecond, Max: 2 * time.Millisecond},
	}, f.mb, reactions, f.params, f.events, workflow.NewMemoryStore(), nil)
	return f
}

func newLetters(letterID string) contracts.NewLetterPayload {
	p := contracts.NewLetterPayload{
		Letter: model.Letter{
			LetterID:  letterID,
			Sender:    model.Identity{Name: "Mario"},
			Recipient: model.Identity{Name: "Luigi"},
			Message:   model.Message{Topic: "greeting"},
			Status:    model.StatusDispatched,
			UpdatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		},
		BatchRef: "superpost-bucket/superpost-documents.json",
	}
	p.Flatten()
	return p
}

func (f *fixture) run(t *testing.T, trigger string, p contracts.NewLetterPayload) *workflow.Execution {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := f.c.Start(ctx, trigger, p)
	require.NoError(t, err)
	exec, err := f.c.Runner().Wait(ctx, workflow.ExecutionID(WorkflowName, trigger))
	require.NoError(t, err)
	return exec
}

func (f *fixture) hearts(t *testing.T) int64 {
	t.Helper()
	v, err := paramstore.ReadCounter(context.Background(), f.params, "hearts")
	require.NoError(t, err)
	return v
}

func TestCollect_ScenarioB(t *testing.T) {
	f := newFixture(t, nil)

	exec := f.run(t, "evt-1", newLetters("L1"))
	require.Equal(t, workflow.StatusSucceeded, exec.Status, "%+v", exec.Error)

	rec, err := f.mb.Get(context.Background(), "L1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCollected, rec.Status)
	assert.Equal(t, "💜", rec.Reaction)
	assert.Equal(t, int64(1), f.hearts(t))

	events := f.events.Events()
	require.Len(t, events, 1)
	assert.Equal(t, contracts.DetailLetterCollected, events[0].DetailType)
	var p contracts.LetterCollectedPayload
	require.NoError(t, events[0].DecodeDetail(&p))
	assert.Equal(t, "L1", p.LetterID)
	assert.Equal(t, model.StatusCollected, p.Status)
	assert.Equal(t, "💜", p.Reaction)
	assert.Equal(t, "hearts", p.Counter)
	assert.Equal(t, workflow.ExecutionID(WorkflowName, "evt-1"), p.ExecutionID)

	var states []workflow.State
	for _, tr := range exec.History {
		states = append(states, tr.To)
	}
	assert.Equal(t, []workflow.State{StateRecorded, StateReacted, StateReported, workflow.StateDone}, states)
}

func TestCollect_ScenarioB_RedisCounters(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	f := newFixture(t, paramstore.NewRedisStore(rdb, ""))

	f.run(t, "evt-1", newLetters("L1"))
	f.run(t, "evt-2", newLetters("L1"))

	assert.Equal(t, int64(1), f.hearts(t))
	v, err := mr.Get("param:/superPost/scoreboard/hearts")
	require.NoError(t, err)
	assert.Equal(t, "1", v)
}

func TestCollect_ScenarioC_VaultRecovers(t *testing.T) {
	f := newFixture(t, nil)
	f.vault.fails = 2

	exec := f.run(t, "evt-1", newLetters("L1"))
	require.Equal(t, workflow.StatusSucceeded, exec.Status)
	assert.Equal(t, int32(3), atomic.LoadInt32(&f.vault.calls))

	rec, err := f.mb.Get(context.Background(), "L1")
	require.NoError(t, err)
	assert.Equal(t, "💜", rec.Reaction)
	assert.Equal(t, int64(1), f.hearts(t))
}

func TestCollect_RotatedSecretRecovers(t *testing.T) {
	f := newFixture(t, nil)
	f.vault.missing = 2

	exec := f.run(t, "evt-1", newLetters("L1"))
	require.Equal(t, workflow.StatusSucceeded, exec.Status, "%+v", exec.Error)
	assert.Equal(t, int32(3), atomic.LoadInt32(&f.vault.calls))

	rec, err := f.mb.Get(context.Background(), "L1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCollected, rec.Status)
	assert.Equal(t, "💜", rec.Reaction)
	assert.Equal(t, int64(1), f.hearts(t))
}

func TestCollect_MissingSecretExhaustsBudget(t *testing.T) {
	f := newFixture(t, nil)
	f.vault.missing = 100

	exec := f.run(t, "evt-1", newLetters("L1"))
	assert.Equal(t, workflow.StatusFailed, exec.Status)
	require.NotNil(t, exec.Error)
	assert.Equal(t, "ExhaustedRetriesError", exec.Error.Kind)
	assert.Equal(t, StateReacted, exec.Error.State)
	assert.Equal(t, int32(3), atomic.LoadInt32(&f.vault.calls))
	assert.Equal(t, int64(0), f.hearts(t))
}

func TestCollect_VaultExhaustedLeavesLetterReceived(t *testing.T) {
	f := newFixture(t, nil)
	f.vault.fails = 100

	exec := f.run(t, "evt-1", newLetters("L1"))
	assert.Equal(t, workflow.StatusFailed, exec.Status)
	require.NotNil(t, exec.Error)
	assert.Equal(t, "ExhaustedRetriesError", exec.Error.Kind)
	assert.Equal(t, StateReacted, exec.Error.State)
	assert.Equal(t, "L1", exec.Error.LetterID)
	assert.Equal(t, string(model.StatusReceived), exec.Error.Status)

	rec, err := f.mb.Get(context.Background(), "L1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusReceived, rec.Status)
	assert.Empty(t, rec.Reaction)
	assert.Equal(t, int64(0), f.hearts(t))
	assert.Empty(t, f.events.Events())
}

func TestCollect_DuplicateNewLettersCountOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	triggers := []string{"evt-1", "evt-2", "evt-3"}

	for _, trigger := range triggers {
		_, err := f.c.Start(ctx, trigger, newLetters("L1"))
		require.NoError(t, err)
	}
	for _, trigger := range triggers {
		exec, err := f.c.Runner().Wait(ctx, workflow.ExecutionID(WorkflowName, trigger))
		require.NoError(t, err)
		assert.Equal(t, workflow.StatusSucceeded, exec.Status)
	}

	assert.Equal(t, 1, f.mb.Len())
	rec, err := f.mb.Get(ctx, "L1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCollected, rec.Status)
	assert.Equal(t, int64(1), f.hearts(t))
}

func TestCollect_StopMidReactedThenResume(t *testing.T) {
	f := newFixture(t, nil)
	f.vault.block.Store(true)
	ctx := context.Background()
	id := workflow.ExecutionID(WorkflowName, "evt-1")

	_, err := f.c.Start(ctx, "evt-1", newLetters("L1"))
	require.NoError(t, err)
	<-f.vault.entered

	stopped, err := f.c.Runner().Stop(ctx, id, "operator")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusAborted, stopped.Status)
	assert.Equal(t, StateReacted, stopped.State)

	rec, err := f.mb.Get(ctx, "L1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusReceived, rec.Status, "stop leaves the last durable status")

	f.vault.block.Store(false)
	_, err = f.c.Runner().Resume(ctx, id)
	require.NoError(t, err)
	exec, err := f.c.Runner().Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusSucceeded, exec.Status)
	assert.Equal(t, int64(1), f.hearts(t))
}

func TestCollect_RedeliveredAfterStopCompletes(t *testing.T) {
	f := newFixture(t, nil)
	f.vault.block.Store(true)
	ctx := context.Background()
	id := workflow.ExecutionID(WorkflowName, "evt-1")

	_, err := f.c.Start(ctx, "evt-1", newLetters("L1"))
	require.NoError(t, err)
	<-f.vault.entered
	stopped, err := f.c.Runner().Stop(ctx, id, "operator")
	require.NoError(t, err)
	require.Equal(t, workflow.StatusAborted, stopped.Status)

	f.vault.block.Store(false)
	exec := f.run(t, "evt-1", newLetters("L1"))
	require.Equal(t, workflow.StatusSucceeded, exec.Status, "%+v", exec.Error)

	rec, err := f.mb.Get(ctx, "L1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCollected, rec.Status)
	assert.Equal(t, int64(1), f.hearts(t))
	require.Len(t, f.events.Events(), 1)
}

func TestCollect_ReactedRerunDoesNotDoubleCount(t *testing.T) {
	params := &lossyParams{Store: paramstore.NewMemoryStore()}
	f := newFixture(t, params)

	exec := f.run(t, "evt-1", newLetters("L1"))
	require.Equal(t, workflow.StatusSucceeded, exec.Status)
	assert.Equal(t, int64(1), f.hearts(t))

	// Resolving the same letter again in a later execution does not count either.
	f.run(t, "evt-2", newLetters("L1"))
	assert.Equal(t, int64(1), f.hearts(t))
}

func TestCollect_LateDuplicateDoesNotRegress(t *testing.T) {
	f := newFixture(t, nil)
	f.run(t, "evt-1", newLetters("L1"))

	f.run(t, "evt-2", newLetters("L1"))
	rec, err := f.mb.Get(context.Background(), "L1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCollected, rec.Status)
	assert.Equal(t, "💜", rec.Reaction)
}

func TestCollect_FlattenedTopicOnly(t *testing.T) {
	f := newFixture(t, nil)
	p := newLetters("L2")
	p.Message.Topic = ""
	p.Topic = "greeting"

	exec := f.run(t, "evt-1", p)
	require.Equal(t, workflow.StatusSucceeded, exec.Status)
	rec, err := f.mb.Get(context.Background(), "L2")
	require.NoError(t, err)
	assert.Equal(t, "greeting", rec.Message.Topic)
}

func TestCollect_MissingIDFails(t *testing.T) {
	f := newFixture(t, nil)
	exec := f.run(t, "evt-1", newLetters(""))
	assert.Equal(t, workflow.StatusFailed, exec.Status)
	assert.Equal(t, "ValidationError", exec.Error.Kind)
	assert.Equal(t, 0, f.mb.Len())
}

func TestCollect_TargetRejectsBadDetail(t *testing.T) {
	f := newFixture(t, nil)
	err := f.c.Target().Deliver(context.Background(), eventbus.Event{ID: "x", Detail: []byte(`{"letterId": 7}`)})
	require.Error(t, err)
	assert.Equal(t, errkind.KindValidation, errkind.KindOf(err))
}
