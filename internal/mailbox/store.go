// Package mailbox holds letter records keyed by letter id.
//
// Every write goes through the idempotent write rule (model.Letter.Supersedes):
// a write that does not advance the record is a successful no-op. This rule
// is the only conflict resolution between workflows, retries and the two
// replicated regions; nothing here takes a lock across calls.
package mailbox

import (
	"context"
	"errors"

	"superpost/internal/model"
	"superpost/pkg/errkind"
)

// ErrNotFound is returned by Get when no record exists for the id.
var ErrNotFound = errors.New("letter not found")

// Store is a regional view of the mailbox table.
type Store interface {
	// Get returns the current record, or an errkind NotFoundError wrapping ErrNotFound.
	Get(ctx context.Context, letterID string) (*model.Letter, error)
	// Put applies the idempotent write rule atomically per letter.
	Put(ctx context.Context, letter *model.Letter) (Outcome, error)
}

// Outcome describes what a Put did. Previous is the record seen under the
// same atomic step that decided the write, nil when none existed.
type Outcome struct {
	Applied  bool
	Previous *model.Letter
	Current  *model.Letter
}

// Transitioned reports whether this write moved the record into status to
// from a lower status. At most one concurrent writer observes this for a
// given letter and status, which is what makes it usable as a guard for
// once-only side effects.
func (o Outcome) Transitioned(to model.Status) bool {
	if !o.Applied || o.Current == nil || o.Current.Status != to {
		return false
	}
	return o.Previous == nil || o.Previous.Status.Rank() < to.Rank()
}

// IsNotFound reports whether err means the letter does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errkind.KindOf(err) == errkind.KindNotFound
}

func notFound(letterID string) error {
	return &errkind.Error{Kind: errkind.KindNotFound, Op: "mailbox.get", LetterID: letterID, Err: ErrNotFound}
}

// ValidateWrite rejects a letter no Store implementation may persist: one
// without an id, with an unknown status or without updatedAt.
func ValidateWrite(letter *model.Letter) error {
	if letter == nil {
		return errkind.Validationf("mailbox.put", "nil letter")
	}
	if letter.LetterID == "" {
		return errkind.Validationf("mailbox.put", "letter has no id")
	}
	if !letter.Status.Valid() {
		return errkind.Validationf("mailbox.put", "letter %q has unknown status %q", letter.LetterID, letter.Status)
	}
	if letter.UpdatedAt.IsZero() {
		return errkind.Validationf("mailbox.put", "letter %q has no updatedAt", letter.LetterID)
	}
	return nil
}
