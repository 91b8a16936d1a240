package backoff

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponential(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, Exponential(100*time.Millisecond, 0))
	assert.Equal(t, 800*time.Millisecond, Exponential(100*time.Millisecond, 3))
	assert.Equal(t, 100*time.Millisecond, Exponential(100*time.Millisecond, -1))
	assert.Equal(t, time.Duration(0), Exponential(0, 5))
	assert.Equal(t, time.Duration(math.MaxInt64), Exponential(time.Hour, 80))
}

func TestPolicy_Delay(t *testing.T) {
	p := Policy{Base: time.Second, Max: 5 * time.Second}
	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 5*time.Second, p.Delay(10))

	p.Jitter = true
	for i := 0; i < 50; i++ {
		d := p.Delay(3)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.Less(t, d, 5*time.Second)
	}
}

func TestRetry_TransientThenSuccess(t *testing.T) {
	calls := 0
	n, err := Retry(context.Background(), Policy{Attempts: 3, Base: time.Millisecond}, nil, func(int) error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestRetry_StopsOnNonRetryable(t *testing.T) {
	fatal := errors.New("not found")
	n, err := Retry(context.Background(), Policy{Attempts: 5, Base: time.Millisecond},
		func(err error) bool { return !errors.Is(err, fatal) },
		func(int) error { return fatal })
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, n)
}

func TestRetry_Exhausted(t *testing.T) {
	flaky := errors.New("flaky")
	n, err := Retry(context.Background(), Policy{Attempts: 2, Base: time.Millisecond}, nil, func(int) error { return flaky })
	assert.ErrorIs(t, err, flaky)
	assert.Equal(t, 2, n)
}

func TestRetry_ContextCancelledDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	flaky := errors.New("flaky")
	n, err := Retry(ctx, Policy{Attempts: 5, Base: time.Hour}, nil, func(int) error { return flaky })
	assert.ErrorIs(t, err, flaky)
	assert.Equal(t, 1, n)
}

func TestSleepWithContext(t *testing.T) {
	assert.NoError(t, SleepWithContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, SleepWithContext(ctx, time.Hour), context.Canceled)
}
