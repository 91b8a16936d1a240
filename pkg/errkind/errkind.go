// Package errkind classifies failures inside the SuperPost workflows.
//
// Every error that crosses a workflow state boundary carries a Kind. The
// workflow runner retries KindTransient locally and fails the execution for
// everything else, reporting the letter id and its last known status.
package errkind

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the failure taxonomy shared by stores, the router and the workflows.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransient
	KindNotFound
	KindValidation
	KindTimeout
	KindExhausted
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "TransientIOError"
	case KindNotFound:
		return "NotFoundError"
	case KindValidation:
		return "ValidationError"
	case KindTimeout:
		return "TimeoutError"
	case KindExhausted:
		return "ExhaustedRetriesError"
	default:
		return "UnknownError"
	}
}

// Error is a classified failure. LetterID and Status are filled in when the
// failure concerns a single letter.
type Error struct {
	Kind     Kind
	Op       string
	LetterID string
	Status   string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Op != "" {
		b.WriteString(" in ")
		b.WriteString(e.Op)
	}
	if e.LetterID != "" {
		fmt.Fprintf(&b, " (letter %s", e.LetterID)
		if e.Status != "" {
			fmt.Fprintf(&b, ", status %s", e.Status)
		}
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match on kind alone: errors.Is(err, &Error{Kind: KindNotFound}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

func newError(k Kind, op string, err error) *Error {
	return &Error{Kind: k, Op: op, Err: err}
}

func Transient(op string, err error) *Error  { return newError(KindTransient, op, err) }
func NotFound(op string, err error) *Error   { return newError(KindNotFound, op, err) }
func Validation(op string, err error) *Error { return newError(KindValidation, op, err) }
func Timeout(op string, err error) *Error    { return newError(KindTimeout, op, err) }
func Exhausted(op string, err error) *Error  { return newError(KindExhausted, op, err) }

// Validationf builds a ValidationError from a format string.
func Validationf(op, format string, args ...any) *Error {
	return Validation(op, fmt.Errorf(format, args...))
}

// KindOf returns the kind of the outermost classified error in the chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether err should be retried inside the originating state.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}

// WithLetter annotates err with the letter it concerns. Unclassified errors
// are wrapped as KindUnknown so the annotation is never lost.
func WithLetter(err error, letterID, status string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		cp := *e
		if cp.LetterID == "" {
			cp.LetterID = letterID
		}
		if cp.Status == "" {
			cp.Status = status
		}
		return &cp
	}
	return &Error{Kind: KindUnknown, LetterID: letterID, Status: status, Err: err}
}
