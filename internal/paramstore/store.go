// Package paramstore is the parameter store: plain configuration values and
// the scoreboard counters the workflows increment.
package paramstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"superpost/pkg/errkind"
)

// Well-known parameter names.
const (
	ParamBucketName    = "/superPost/config/bucketName"
	ParamDocumentsFile = "/superPost/config/documentsFile"

	scoreboardPrefix = "/superPost/scoreboard/"
)

// ErrNotFound is wrapped by Get when the parameter does not exist.
var ErrNotFound = errors.New("parameter not found")

// Store reads parameters and updates counters. Counters are independent:
// nothing is atomic across two counters.
type Store interface {
	Get(ctx context.Context, name string) (string, error)
	Set(ctx context.Context, name, value string) error
	Increment(ctx context.Context, counter string, delta int64) (int64, error)
	// IncrementOnce adds delta to counter only the first time it is called
	// with a given key. applied is false for repeats, and value is then the
	// current counter value.
	IncrementOnce(ctx context.Context, counter, key string, delta int64) (value int64, applied bool, err error)
}

// CounterParam returns the parameter name holding a scoreboard counter.
// Names that are already absolute are returned unchanged.
func CounterParam(counter string) string {
	if strings.HasPrefix(counter, "/") {
		return counter
	}
	return scoreboardPrefix + counter
}

// Seed sets every parameter in defaults that is not set yet.
func Seed(ctx context.Context, s Store, defaults map[string]string) error {
	for name, value := range defaults {
		_, err := s.Get(ctx, name)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		if err := s.Set(ctx, name, value); err != nil {
			return err
		}
	}
	return nil
}

// ReadCounter returns a scoreboard counter, zero when it was never set.
func ReadCounter(ctx context.Context, s Store, counter string) (int64, error) {
	raw, err := s.Get(ctx, CounterParam(counter))
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, errkind.Validation("paramstore.read_counter", fmt.Errorf("%s is not a counter: %w", counter, err))
	}
	return v, nil
}
