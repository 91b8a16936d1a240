package util

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"superpost/pkg/errkind"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestIsRetryableError(t *testing.T) {
	cases := []struct {
		err       error
		retryable bool
		errType   string
	}{
		{nil, false, ""},
		{pgx.ErrNoRows, false, "row_not_found"},
		{redis.Nil, false, "key_not_found"},
		{fmt.Errorf("open: %w", os.ErrNotExist), false, "file_not_found"},
		{errors.New(`duplicate key value violates unique constraint "mailbox_pkey"`), false, "duplicate_key"},
		{context.DeadlineExceeded, true, "timeout"},
		{context.Canceled, false, "context_canceled"},
		{amqp.ErrClosed, true, "mq_connection_closed"},
		{&amqp.Error{Code: 320, Reason: "CONNECTION_FORCED", Recover: true}, true, "mq_error"},
		{errors.New("dial tcp 10.0.0.1:5432: connection refused"), true, "connection_error"},
		{errors.New("something odd"), false, "unknown_error"},
		{errkind.Transient("op", errors.New("x")), true, "transientioerror"},
	}
	for _, tc := range cases {
		retryable, errType := IsRetryableError(tc.err)
		assert.Equal(t, tc.retryable, retryable, "%v", tc.err)
		assert.Equal(t, tc.errType, errType, "%v", tc.err)
	}
}

func TestClassify(t *testing.T) {
	assert.NoError(t, Classify("op", nil))
	assert.Equal(t, errkind.KindNotFound, errkind.KindOf(Classify("mailbox.get", pgx.ErrNoRows)))
	assert.Equal(t, errkind.KindTransient, errkind.KindOf(Classify("mailbox.put", errors.New("connection reset by peer"))))
	assert.Equal(t, errkind.KindUnknown, errkind.KindOf(Classify("op", errors.New("weird"))))
	assert.ErrorIs(t, Classify("op", context.Canceled), context.Canceled)

	already := errkind.Validationf("op", "bad")
	assert.Same(t, already, Classify("other", already))
}

func TestShouldRetry(t *testing.T) {
	assert.True(t, ShouldRetry(1, 3, true))
	assert.True(t, ShouldRetry(3, 3, true))
	assert.False(t, ShouldRetry(4, 3, true))
	assert.False(t, ShouldRetry(0, 3, false))
}

func TestDeduper_AcquireOnce(t *testing.T) {
	mr, rdb := newRedis(t)
	d := NewDeduper(rdb, time.Minute)
	ctx := context.Background()

	assert.True(t, d.AcquireOnce(ctx, "LetterCollected", "evt-1"))
	assert.False(t, d.AcquireOnce(ctx, "LetterCollected", "evt-1"))
	assert.True(t, d.AcquireOnce(ctx, "LetterCollected", "evt-2"))
	assert.True(t, d.AcquireOnce(ctx, "other", "evt-1"))

	mr.FastForward(2 * time.Minute)
	assert.True(t, d.AcquireOnce(ctx, "LetterCollected", "evt-1"))
}

func TestDeduper_RedisDownAllows(t *testing.T) {
	mr, rdb := newRedis(t)
	d := NewDeduper(rdb, time.Minute)
	mr.Close()

	assert.True(t, d.AcquireOnce(context.Background(), "h", "k"))
	assert.True(t, d.AcquireOnce(context.Background(), "h", "k"))
}

func TestRetryCounter(t *testing.T) {
	mr, rdb := newRedis(t)
	rc := NewRetryCounter(rdb, time.Minute)
	ctx := context.Background()
	key := FormatRetryKey("ReceiveLetters", "evt-9")
	assert.Equal(t, "retry:ReceiveLetters:evt-9", key)

	n, err := rc.Get(ctx, key)
	require.NoError(t, err)
	assert.Zero(t, n)

	for want := int64(1); want <= 3; want++ {
		n, err = rc.IncrementAndGet(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
	assert.True(t, mr.TTL(key) > 0)

	require.NoError(t, rc.Reset(ctx, key))
	n, err = rc.Get(ctx, key)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRetryCounter_Prefix(t *testing.T) {
	mr, rdb := newRedis(t)
	rc := NewRetryCounterWithPrefix(rdb, time.Minute, "superpost:eu-west-1")

	_, err := rc.IncrementAndGet(context.Background(), FormatRetryKey("superpost.ingress.q", "evt-1"))
	require.NoError(t, err)
	assert.True(t, mr.Exists("superpost:eu-west-1:retry:superpost.ingress.q:evt-1"))
}

func TestRetryCounter_RedisDownIsTransient(t *testing.T) {
	mr, rdb := newRedis(t)
	rc := NewRetryCounter(rdb, time.Minute)
	mr.Close()

	_, err := rc.IncrementAndGet(context.Background(), "k")
	require.Error(t, err)
	assert.Equal(t, errkind.KindTransient, errkind.KindOf(err))
}
