package errkind

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Message(t *testing.T) {
	err := &Error{Kind: KindNotFound, Op: "mailbox.get", LetterID: "L1", Status: "received", Err: errors.New("letter not found")}
	assert.Equal(t, "NotFoundError in mailbox.get (letter L1, status received): letter not found", err.Error())

	assert.Equal(t, "TransientIOError in docstore.get: boom", Transient("docstore.get", errors.New("boom")).Error())
}

func TestKindOf_ThroughWrapping(t *testing.T) {
	base := Timeout("workflow.run", errors.New("deadline"))
	wrapped := fmt.Errorf("dispatch: %w", base)

	assert.Equal(t, KindTimeout, KindOf(wrapped))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, KindUnknown, KindOf(nil))
	assert.True(t, errors.Is(wrapped, &Error{Kind: KindTimeout}))
	assert.False(t, errors.Is(wrapped, &Error{Kind: KindTransient}))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(Transient("op", errors.New("x"))))
	for _, err := range []error{
		NotFound("op", errors.New("x")),
		Validationf("op", "bad %s", "input"),
		Timeout("op", errors.New("x")),
		Exhausted("op", errors.New("x")),
		errors.New("raw"),
	} {
		assert.False(t, IsRetryable(err), err.Error())
	}
}

func TestWithLetter(t *testing.T) {
	assert.NoError(t, WithLetter(nil, "L1", "dispatched"))

	sentinel := errors.New("vault down")
	err := WithLetter(Exhausted("collect.reacted", sentinel), "L1", "received")

	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, KindExhausted, e.Kind)
	assert.Equal(t, "L1", e.LetterID)
	assert.Equal(t, "received", e.Status)
	assert.ErrorIs(t, err, sentinel)

	// an existing annotation is kept
	again := WithLetter(err, "L2", "collected")
	require.ErrorAs(t, again, &e)
	assert.Equal(t, "L1", e.LetterID)
	assert.Equal(t, "received", e.Status)

	raw := WithLetter(sentinel, "L3", "imported")
	require.ErrorAs(t, raw, &e)
	assert.Equal(t, KindUnknown, e.Kind)
	assert.Equal(t, "L3", e.LetterID)
}
