package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"superpost/pkg/errkind"
	"superpost/pkg/trace"
)

func clockedStore(at *time.Time) *MemoryStore {
	s := NewMemoryStore()
	s.now = func() time.Time { return *at }
	return s
}

func insert(t *testing.T, s Store, id string) {
	t.Helper()
	m, err := NewMessage(id, "superpost.NewLetters", map[string]string{"id": id})
	require.NoError(t, err)
	require.NoError(t, s.Insert(context.Background(), m))
}

func TestMemoryStore_InsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	insert(t, s, "m1")
	require.NoError(t, s.MarkSent(ctx, "m1"))
	insert(t, s, "m1")

	m, err := s.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, StatusSent, m.Status)
}

func TestMemoryStore_RetryBudget(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := clockedStore(&now)
	insert(t, s, "m1")

	require.NoError(t, s.MarkFailed(ctx, "m1", "peer down", 2, time.Minute))
	pending, err := s.Pending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending, "not due before the backoff elapses")

	now = now.Add(time.Minute)
	pending, err = s.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].RetryCount)
	assert.Equal(t, "peer down", pending[0].LastError)

	require.NoError(t, s.MarkFailed(ctx, "m1", "peer down", 2, time.Minute))
	failed, err := s.Failed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Nil(t, failed[0].NextRetryAt)

	_, err = s.Get(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, errkind.KindNotFound, errkind.KindOf(err))
}

func TestDispatcher_ProcessPending(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	insert(t, s, "ok")
	insert(t, s, "bad")

	var traces []string
	send := func(ctx context.Context, m *Message) error {
		traces = append(traces, trace.FromContext(ctx))
		if m.ID == "bad" {
			return errors.New("peer unreachable")
		}
		return nil
	}
	d := NewDispatcher(s, send, nil).WithMaxRetries(1)

	assert.Equal(t, 1, d.ProcessPending(ctx))
	assert.Len(t, traces, 2)

	ok, err := s.Get(ctx, "ok")
	require.NoError(t, err)
	assert.Equal(t, StatusSent, ok.Status)

	bad, err := s.Get(ctx, "bad")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, bad.Status)
	assert.Equal(t, "peer unreachable", bad.LastError)

	// Nothing left to do until a replay.
	assert.Equal(t, 0, d.ProcessPending(ctx))

	n, err := NewReplayService(s, nil).ReplayFailed(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	bad, err = s.Get(ctx, "bad")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, bad.Status)
	assert.Zero(t, bad.RetryCount)
}

func TestDispatcher_StartStops(t *testing.T) {
	defer leaktest.Check(t)()

	s := NewMemoryStore()
	insert(t, s, "m1")
	sent := make(chan string, 1)
	d := NewDispatcher(s, func(ctx context.Context, m *Message) error {
		sent <- m.ID
		return nil
	}, nil).WithInterval(5 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.Start(ctx)
	}()

	select {
	case id := <-sent:
		assert.Equal(t, "m1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("message not dispatched")
	}
	cancel()
	wg.Wait()
}

func TestReplayService_Missing(t *testing.T) {
	err := NewReplayService(NewMemoryStore(), nil).Replay(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

// scriptedDB answers the two statements of MarkFailed.
type scriptedDB struct {
	retryCount int
	missing    bool
	execArgs   []any
}

func (d *scriptedDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if sql != markFailedSQL {
		return pgconn.CommandTag{}, fmt.Errorf("unexpected exec %q", sql)
	}
	d.execArgs = args
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (d *scriptedDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, fmt.Errorf("unexpected query %q", sql)
}

func (d *scriptedDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return countRow{d: d}
}

func (d *scriptedDB) Begin(ctx context.Context) (pgx.Tx, error) { return scriptedTx{d: d}, nil }

type scriptedTx struct {
	pgx.Tx
	d *scriptedDB
}

func (t scriptedTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.d.QueryRow(ctx, sql, args...)
}

func (t scriptedTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.d.Exec(ctx, sql, args...)
}

func (t scriptedTx) Commit(ctx context.Context) error   { return nil }
func (t scriptedTx) Rollback(ctx context.Context) error { return pgx.ErrTxClosed }

type countRow struct{ d *scriptedDB }

func (r countRow) Scan(dest ...any) error {
	if r.d.missing {
		return pgx.ErrNoRows
	}
	*dest[0].(*int) = r.d.retryCount
	return nil
}

func TestRepository_MarkFailed(t *testing.T) {
	ctx := context.Background()

	db := &scriptedDB{retryCount: 1}
	require.NoError(t, NewRepository(db).MarkFailed(ctx, "m1", "boom", 5, time.Second))
	require.Len(t, db.execArgs, 5)
	assert.Equal(t, StatusPending, db.execArgs[0])
	assert.Equal(t, 2, db.execArgs[1])
	assert.NotNil(t, db.execArgs[2])
	assert.Equal(t, "boom", db.execArgs[3])

	db = &scriptedDB{retryCount: 4}
	require.NoError(t, NewRepository(db).MarkFailed(ctx, "m1", "boom", 5, time.Second))
	assert.Equal(t, StatusFailed, db.execArgs[0])
	assert.Nil(t, db.execArgs[2])

	err := NewRepository(&scriptedDB{missing: true}).MarkFailed(ctx, "m1", "boom", 5, time.Second)
	assert.True(t, errors.Is(err, ErrNotFound))
}
