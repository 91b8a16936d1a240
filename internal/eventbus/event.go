// Package eventbus is the per-region publish/subscribe bus. Rules match
// events on (source, detail-type) and deliver them asynchronously, at least
// once and in no particular order, to their targets.
package eventbus

import (
	"context"
	stdjson "encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"superpost/pkg/errkind"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Event is the envelope carried by the bus and by the cross-region transport.
type Event struct {
	ID         string             `json:"id"`
	Source     string             `json:"source"`
	DetailType string             `json:"detail-type"`
	Detail     stdjson.RawMessage `json:"detail"`
	Time       time.Time          `json:"time"`
	Region     string             `json:"region,omitempty"`
	TraceID    string             `json:"traceId,omitempty"`
}

// NewEvent marshals detail into a fresh event.
func NewEvent(source, detailType string, detail any) (Event, error) {
	raw, err := json.Marshal(detail)
	if err != nil {
		return Event{}, errkind.Validation("eventbus.new_event", fmt.Errorf("marshal %s detail: %w", detailType, err))
	}
	return Event{
		ID:         uuid.NewString(),
		Source:     source,
		DetailType: detailType,
		Detail:     raw,
		Time:       time.Now().UTC(),
	}, nil
}

// DecodeDetail unmarshals the event detail into out.
func (e Event) DecodeDetail(out any) error {
	if err := json.Unmarshal(e.Detail, out); err != nil {
		return errkind.Validation("eventbus.decode_detail", fmt.Errorf("event %s (%s): %w", e.ID, e.DetailType, err))
	}
	return nil
}

// Pattern matches by exact-set membership. An empty list matches anything.
type Pattern struct {
	Sources     []string `json:"source,omitempty" yaml:"source"`
	DetailTypes []string `json:"detailType,omitempty" yaml:"detail_type"`
}

func (p Pattern) Matches(e Event) bool {
	return contains(p.Sources, e.Source) && contains(p.DetailTypes, e.DetailType)
}

func contains(set []string, v string) bool {
	if len(set) == 0 {
		return true
	}
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// Target receives matching events. Deliveries may repeat.
type Target interface {
	Deliver(ctx context.Context, e Event) error
}

// TargetFunc adapts a function to Target.
type TargetFunc func(ctx context.Context, e Event) error

func (f TargetFunc) Deliver(ctx context.Context, e Event) error { return f(ctx, e) }

// Rule binds a pattern to a target.
type Rule struct {
	Name    string
	Pattern Pattern
	Target  Target
}
