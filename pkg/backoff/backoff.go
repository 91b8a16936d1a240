// Package backoff provides exponential backoff with full jitter and a
// bounded retry loop used by the router, the workflow runner and replication.
package backoff

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

const maxShift = 62

// Policy bounds a retry loop. Attempts counts every call, the first included.
type Policy struct {
	Attempts int           `yaml:"attempts"`
	Base     time.Duration `yaml:"base"`
	Max      time.Duration `yaml:"max"`
	Jitter   bool          `yaml:"jitter"`
}

// DefaultPolicy is three attempts starting at 200ms, capped at 5s.
func DefaultPolicy() Policy {
	return Policy{Attempts: 3, Base: 200 * time.Millisecond, Max: 5 * time.Second, Jitter: true}
}

// Exponential calculates base * 2^attempt with overflow protection.
func Exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	} else if attempt > maxShift {
		attempt = maxShift
	}

	multiplier := int64(1) << attempt
	if int64(base) > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(int64(base) * multiplier)
}

// FullJitter returns a random duration in [0, delay).
func FullJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(delay)))
}

// Delay returns the wait before retry number attempt (0-based).
func (p Policy) Delay(attempt int) time.Duration {
	d := Exponential(p.Base, attempt)
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	if p.Jitter {
		d = FullJitter(d)
	}
	return d
}

// SleepWithContext sleeps for d but returns early when ctx is done.
func SleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context done: %w", ctx.Err())
	}
}

// Retry calls fn until it succeeds, returns an error retryable rejects, or
// the policy runs out of attempts. It returns the number of calls made and
// the last error.
func Retry(ctx context.Context, p Policy, retryable func(error) bool, fn func(attempt int) error) (int, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(i); err == nil {
			return i + 1, nil
		}
		if retryable != nil && !retryable(err) {
			return i + 1, err
		}
		if i == attempts-1 {
			break
		}
		if sleepErr := SleepWithContext(ctx, p.Delay(i)); sleepErr != nil {
			return i + 1, err
		}
	}
	return attempts, err
}
