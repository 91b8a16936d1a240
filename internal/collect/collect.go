// Package collect implements the secondary-region Collect workflow:
// Received → Recorded → Reacted → Reported → Done.
package collect

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	contracts "superpost/contracts/mq"
	"superpost/internal/eventbus"
	"superpost/internal/mailbox"
	"superpost/internal/model"
	"superpost/internal/paramstore"
	"superpost/internal/vault"
	"superpost/internal/workflow"
	"superpost/pkg/backoff"
	"superpost/pkg/errkind"
	"superpost/pkg/logger"
)

const WorkflowName = "CollectLetters"

const (
	StateReceived workflow.State = "Received"
	StateRecorded workflow.State = "Recorded"
	StateReacted  workflow.State = "Reacted"
	StateReported workflow.State = "Reported"
)

// Data is the checkpointed state of one Collect execution.
type Data struct {
	Trigger  string       `json:"trigger"`
	Letter   model.Letter `json:"letter"`
	Topic    string       `json:"topic,omitempty"`
	BatchRef string       `json:"batchRef,omitempty"`

	Token        string `json:"token,omitempty"`
	Counter      string `json:"counter,omitempty"`
	CounterValue int64  `json:"counterValue,omitempty"`
	// Counted is true when this execution applied the increment.
	Counted bool `json:"counted,omitempty"`
}

type Config struct {
	Timeout time.Duration
	Retry   backoff.Policy
}

// Collector owns the Collect runner and its collaborators.
type Collector struct {
	mailbox   mailbox.Store
	reactions *vault.Reactions
	params    paramstore.Store
	events    eventbus.Publisher
	logger    *zap.Logger
	now       func() time.Time

	runner *workflow.Runner[Data]
}

func New(cfg Config, mb mailbox.Store, reactions *vault.Reactions, params paramstore.Store, events eventbus.Publisher, store workflow.CheckpointStore, l *zap.Logger) *Collector {
	if l == nil {
		l = zap.NewNop()
	}
	c := &Collector{
		mailbox:   mb,
		reactions: reactions,
		params:    params,
		events:    events,
		logger:    l,
		now:       func() time.Time { return time.Now().UTC() },
	}
	c.runner = workflow.NewRunner(workflow.Definition[Data]{
		Name:  WorkflowName,
		Start: StateReceived,
		Steps: map[workflow.State]workflow.Step[Data]{
			StateReceived: c.received,
			StateRecorded: c.record,
			StateReacted:  c.react,
			StateReported: c.report,
		},
		Retry:   cfg.Retry,
		Timeout: cfg.Timeout,
		Subject: func(data *Data) (string, string) {
			return data.Letter.LetterID, string(data.Letter.Status)
		},
	}, store, l)
	return c
}

func (c *Collector) Runner() *workflow.Runner[Data] { return c.runner }

// Start begins the Collect execution for one forwarded NewLetters event.
func (c *Collector) Start(ctx context.Context, triggerID string, p contracts.NewLetterPayload) (*workflow.Execution, error) {
	return c.runner.Start(ctx, workflow.ExecutionID(WorkflowName, triggerID), Data{
		Trigger:  triggerID,
		Letter:   p.Letter,
		Topic:    p.Topic,
		BatchRef: p.BatchRef,
	})
}

// Target is the ReceiveLetters rule target. The event detail is the
// execution input.
func (c *Collector) Target() eventbus.Target {
	return eventbus.TargetFunc(func(ctx context.Context, e eventbus.Event) error {
		var p contracts.NewLetterPayload
		if err := e.DecodeDetail(&p); err != nil {
			return err
		}
		_, err := c.Start(ctx, e.ID, p)
		return err
	})
}

func (c *Collector) received(ctx context.Context, data *Data) (workflow.State, error) {
	l := &data.Letter
	if l.LetterID == "" {
		return "", errkind.Validationf("collect.received", "letter without id in event %s", data.Trigger)
	}
	// Forwarding across regions lifts topic to the top level.
	if l.Message.Topic == "" {
		l.Message.Topic = data.Topic
	}
	if err := l.Validate(); err != nil {
		return "", err
	}
	return StateRecorded, nil
}

func (c *Collector) record(ctx context.Context, data *Data) (workflow.State, error) {
	l := data.Letter
	l.Status = model.StatusReceived
	l.UpdatedAt = c.now()

	out, err := c.mailbox.Put(ctx, &l)
	if err != nil {
		return "", errkind.WithLetter(err, l.LetterID, string(data.Letter.Status))
	}
	data.Letter = *out.Current
	if !out.Applied {
		logger.WithLetter(c.logger, l.LetterID, string(out.Current.Status)).Debug("Receive skipped by write rule")
	}
	return StateReacted, nil
}

// react decodes the reaction, marks the letter collected and counts it.
// The count is keyed by letter id, so a re-run of this state or a
// duplicate execution never counts the same letter twice.
func (c *Collector) react(ctx context.Context, data *Data) (workflow.State, error) {
	l := data.Letter
	reaction, sel, err := c.reactions.Resolve(ctx, &l)
	if err != nil {
		return "", err
	}
	data.Token, data.Counter = sel.Token, sel.Counter

	l.Reaction = reaction
	l.Status = model.StatusCollected
	l.UpdatedAt = c.now()
	out, err := c.mailbox.Put(ctx, &l)
	if err != nil {
		return "", errkind.WithLetter(err, l.LetterID, string(data.Letter.Status))
	}

	if out.Transitioned(model.StatusCollected) {
		logger.WithLetter(c.logger, l.LetterID, string(out.Current.Status)).Info("Letter collected",
			zap.String("reaction", out.Current.Reaction),
			zap.String("counter", sel.Counter),
		)
	}
	if out.Current.Status == model.StatusCollected {
		value, applied, err := c.params.IncrementOnce(ctx, sel.Counter, l.LetterID, 1)
		if err != nil {
			return "", errkind.WithLetter(err, l.LetterID, string(out.Current.Status))
		}
		data.CounterValue = value
		data.Counted = data.Counted || applied
		if applied {
			c.logger.Debug("Counter incremented",
				zap.String("letter_id", l.LetterID),
				zap.String("counter", sel.Counter),
				zap.Int64("value", value),
			)
		}
	}
	data.Letter = *out.Current
	return StateReported, nil
}

func (c *Collector) report(ctx context.Context, data *Data) (workflow.State, error) {
	ev, err := eventbus.NewEvent(contracts.Source, contracts.DetailLetterCollected, contracts.LetterCollectedPayload{
		Letter:      data.Letter,
		Topic:       data.Letter.Message.Topic,
		ExecutionID: workflow.ExecutionID(WorkflowName, data.Trigger),
		Counter:     data.Counter,
	})
	if err != nil {
		return "", errkind.WithLetter(err, data.Letter.LetterID, string(data.Letter.Status))
	}
	ev.ID = LetterCollectedEventID(data.Trigger, data.Letter.LetterID)
	if err := c.events.PublishEvent(ctx, ev); err != nil {
		return "", errkind.WithLetter(err, data.Letter.LetterID, string(data.Letter.Status))
	}
	return workflow.StateDone, nil
}

var eventNamespace = uuid.MustParse("4e0f6a51-93c2-4d8e-8f0c-2b7d9e6a1c34")

// LetterCollectedEventID is stable per trigger and letter.
func LetterCollectedEventID(trigger, letterID string) string {
	return uuid.NewSHA1(eventNamespace, []byte(fmt.Sprintf("%s/%s/%s", contracts.DetailLetterCollected, trigger, letterID))).String()
}
