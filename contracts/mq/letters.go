package mq

import (
	"time"

	"superpost/internal/model"
)

// Source is the event source every SuperPost rule matches on.
const Source = "SuperPost"

// Detail types carried on the SuperPost buses.
const (
	DetailImportLetters   = "ImportLetters"
	DetailNewLetters      = "NewLetters"
	DetailLetterCollected = "LetterCollected"
)

// ImportLettersPayload starts a Dispatch execution. An empty Batch means
// "use the configured documents file".
type ImportLettersPayload struct {
	Bucket      string    `json:"bucket,omitempty"`
	Batch       string    `json:"batch,omitempty"`
	RequestedAt time.Time `json:"requestedAt,omitempty"`
}

// NewLetterPayload is one dispatched letter. Topic duplicates
// message.topic at the top level; the cross-region forwarder fills it so
// secondary-region rules can match on detail.topic.
type NewLetterPayload struct {
	model.Letter
	Topic    string `json:"topic,omitempty"`
	BatchRef string `json:"batchRef,omitempty"`
}

// Flatten fills the secondary-region topic field.
func (p *NewLetterPayload) Flatten() {
	if p.Topic == "" {
		p.Topic = p.Message.Topic
	}
}

// LetterCollectedPayload reports the final state of a collected letter.
type LetterCollectedPayload struct {
	model.Letter
	Topic       string `json:"topic,omitempty"`
	ExecutionID string `json:"executionId,omitempty"`
	Counter     string `json:"counter,omitempty"`
}
