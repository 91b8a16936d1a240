// Package dispatch implements the primary-region Dispatch workflow:
// Importing → Stamped → Published → Done.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	contracts "superpost/contracts/mq"
	"superpost/internal/docstore"
	"superpost/internal/eventbus"
	"superpost/internal/mailbox"
	"superpost/internal/model"
	"superpost/internal/paramstore"
	"superpost/internal/workflow"
	"superpost/pkg/backoff"
	"superpost/pkg/errkind"
	"superpost/pkg/logger"
)

// WorkflowName names Dispatch executions and their ids.
const WorkflowName = "DispatchLetters"

const (
	StateImporting workflow.State = "Importing"
	StateStamped   workflow.State = "Stamped"
	StatePublished workflow.State = "Published"
)

// Entry is one letter of the batch and how far it got.
type Entry struct {
	Letter model.Letter `json:"letter"`
	// Pending is set once the mailbox holds the letter as dispatched and it
	// still has to be announced.
	Pending   bool `json:"pending,omitempty"`
	Published bool `json:"published,omitempty"`
}

// Data is the checkpointed state of one Dispatch execution.
type Data struct {
	Trigger  string  `json:"trigger"`
	Bucket   string  `json:"bucket,omitempty"`
	Batch    string  `json:"batch,omitempty"`
	BatchRef string  `json:"batchRef,omitempty"`
	Letters  []Entry `json:"letters,omitempty"`
}

// Config tunes the workflow.
type Config struct {
	Timeout time.Duration
	Retry   backoff.Policy
}

// Dispatcher owns the Dispatch runner and its collaborators.
type Dispatcher struct {
	docs    docstore.Store
	params  paramstore.Store
	mailbox mailbox.Store
	events  eventbus.Publisher
	logger  *zap.Logger
	now     func() time.Time

	runner *workflow.Runner[Data]
}

func New(cfg Config, docs docstore.Store, params paramstore.Store, mb mailbox.Store, events eventbus.Publisher, store workflow.CheckpointStore, l *zap.Logger) *Dispatcher {
	if l == nil {
		l = zap.NewNop()
	}
	d := &Dispatcher{
		docs:    docs,
		params:  params,
		mailbox: mb,
		events:  events,
		logger:  l,
		now:     func() time.Time { return time.Now().UTC() },
	}
	d.runner = workflow.NewRunner(workflow.Definition[Data]{
		Name:  WorkflowName,
		Start: StateImporting,
		Steps: map[workflow.State]workflow.Step[Data]{
			StateImporting: d.importing,
			StateStamped:   d.stamp,
			StatePublished: d.publish,
		},
		Retry:   cfg.Retry,
		Timeout: cfg.Timeout,
		Subject: func(data *Data) (string, string) {
			if data.BatchRef != "" {
				return data.BatchRef, ""
			}
			return docstore.Key(data.Bucket, data.Batch), ""
		},
	}, store, l)
	return d
}

// Runner exposes execution control.
func (d *Dispatcher) Runner() *workflow.Runner[Data] { return d.runner }

// Start begins the Dispatch execution for one ImportLetters trigger.
func (d *Dispatcher) Start(ctx context.Context, triggerID string, p contracts.ImportLettersPayload) (*workflow.Execution, error) {
	return d.runner.Start(ctx, workflow.ExecutionID(WorkflowName, triggerID), Data{
		Trigger: triggerID,
		Bucket:  p.Bucket,
		Batch:   p.Batch,
	})
}

// Target is the ImportLetters rule target. A redelivered trigger maps to
// the same execution id and does not start a second execution.
func (d *Dispatcher) Target() eventbus.Target {
	return eventbus.TargetFunc(func(ctx context.Context, e eventbus.Event) error {
		var p contracts.ImportLettersPayload
		if len(e.Detail) > 0 && string(e.Detail) != "null" {
			if err := e.DecodeDetail(&p); err != nil {
				return err
			}
		}
		_, err := d.Start(ctx, e.ID, p)
		return err
	})
}

// importing reads the batch document and parses its letters.
func (d *Dispatcher) importing(ctx context.Context, data *Data) (workflow.State, error) {
	if data.BatchRef == "" {
		ref, err := d.resolveBatch(ctx, data.Bucket, data.Batch)
		if err != nil {
			return "", err
		}
		data.BatchRef = ref
	}

	raw, err := d.docs.Get(ctx, data.BatchRef)
	if err != nil {
		return "", errkind.WithLetter(err, data.BatchRef, "")
	}
	letters, err := docstore.ParseBatch(data.BatchRef, raw)
	if err != nil {
		return "", errkind.WithLetter(err, data.BatchRef, "")
	}

	entries := make([]Entry, 0, len(letters))
	for i := range letters {
		l := letters[i]
		if l.LetterID == "" {
			l.LetterID = model.DeriveLetterID(data.BatchRef, i)
		}
		if err := l.Validate(); err != nil {
			return "", errkind.WithLetter(err, l.LetterID, string(l.Status))
		}
		entries = append(entries, Entry{Letter: l})
	}
	data.Letters = entries

	d.logger.Info("Batch imported",
		zap.String("batch", data.BatchRef),
		zap.Int("letters", len(entries)),
	)
	return StateStamped, nil
}

// resolveBatch falls back to the configured documents file.
func (d *Dispatcher) resolveBatch(ctx context.Context, bucket, batch string) (string, error) {
	var err error
	if bucket == "" {
		if bucket, err = d.params.Get(ctx, paramstore.ParamBucketName); err != nil {
			return "", err
		}
	}
	if batch == "" {
		if batch, err = d.params.Get(ctx, paramstore.ParamDocumentsFile); err != nil {
			return "", err
		}
	}
	return docstore.Key(bucket, batch), nil
}

// stamp writes every letter as dispatched. Letters whose record already
// moved past dispatched are left alone by the write rule and are not
// announced again.
func (d *Dispatcher) stamp(ctx context.Context, data *Data) (workflow.State, error) {
	for i := range data.Letters {
		e := &data.Letters[i]
		if e.Pending || e.Published {
			continue
		}
		l := e.Letter
		l.Status = model.StatusDispatched
		l.UpdatedAt = d.now()

		out, err := d.mailbox.Put(ctx, &l)
		if err != nil {
			return "", errkind.WithLetter(err, l.LetterID, string(e.Letter.Status))
		}
		e.Letter = *out.Current
		e.Pending = out.Current.Status == model.StatusDispatched
		if !out.Applied {
			logger.WithLetter(d.logger, out.Current.LetterID, string(out.Current.Status)).
				Debug("Stamp skipped by write rule")
		}
	}
	return StatePublished, nil
}

// publish announces each stamped letter. Runs only after its write was acknowledged.
func (d *Dispatcher) publish(ctx context.Context, data *Data) (workflow.State, error) {
	for i := range data.Letters {
		e := &data.Letters[i]
		if !e.Pending || e.Published {
			continue
		}
		ev, err := eventbus.NewEvent(contracts.Source, contracts.DetailNewLetters, contracts.NewLetterPayload{
			Letter:   e.Letter,
			BatchRef: data.BatchRef,
		})
		if err != nil {
			return "", errkind.WithLetter(err, e.Letter.LetterID, string(e.Letter.Status))
		}
		ev.ID = NewLettersEventID(data.Trigger, e.Letter.LetterID)
		if err := d.events.PublishEvent(ctx, ev); err != nil {
			return "", errkind.WithLetter(err, e.Letter.LetterID, string(e.Letter.Status))
		}
		e.Published = true
	}
	d.logger.Info("Letters published", zap.String("batch", data.BatchRef), zap.Int("letters", countPublished(data.Letters)))
	return workflow.StateDone, nil
}

func countPublished(entries []Entry) int {
	n := 0
	for _, e := range entries {
		if e.Published {
			n++
		}
	}
	return n
}

var eventNamespace = uuid.MustParse("0b9d8c3e-2f55-4f0e-b1b6-7a4a3d5c9e21")

// NewLettersEventID is stable per trigger and letter, so a Published state
// that runs again republishes under the same id.
func NewLettersEventID(trigger, letterID string) string {
	return uuid.NewSHA1(eventNamespace, []byte(fmt.Sprintf("%s/%s/%s", contracts.DetailNewLetters, trigger, letterID))).String()
}
