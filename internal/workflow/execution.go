// Package workflow runs explicit, checkpointed state machines. A definition
// maps each state to a step function; the runner executes steps strictly in
// sequence, retries transient step failures in place and checkpoints the
// execution after every transition so that it can be resumed after a stop,
// a timeout or a crash.
package workflow

import (
	stdjson "encoding/json"
	"errors"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// State is a workflow state name.
type State string

// Terminal states shared by every workflow.
const (
	StateDone   State = "Done"
	StateFailed State = "Failed"
)

// Status is the lifecycle of an execution as a whole.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusTimedOut  Status = "TIMED_OUT"
	StatusAborted   Status = "ABORTED"
)

// Terminal reports whether an execution in this status will not progress
// without an explicit resume.
func (s Status) Terminal() bool {
	return s != StatusRunning
}

var (
	ErrExecutionNotFound = errors.New("execution not found")
	ErrAlreadyRunning    = errors.New("execution already running")
	ErrNotResumable      = errors.New("execution cannot be resumed")
	ErrUnknownWorkflow   = errors.New("unknown workflow")

	errStopped  = errors.New("execution stopped")
	errShutdown = errors.New("runner shutting down")
	errTimedOut = errors.New("execution timed out")
)

// ErrorInfo is the failure report of an execution: the error kind, where it
// happened and the letter it concerned.
type ErrorInfo struct {
	Kind     string `json:"kind"`
	Message  string `json:"message"`
	State    State  `json:"state"`
	LetterID string `json:"letterId,omitempty"`
	Status   string `json:"status,omitempty"`
}

// Transition is one entry of the execution history.
type Transition struct {
	From     State     `json:"from"`
	To       State     `json:"to"`
	At       time.Time `json:"at"`
	Attempts int       `json:"attempts"`
}

// Execution is the persisted checkpoint of one workflow run.
type Execution struct {
	ID        string             `json:"id"`
	Workflow  string             `json:"workflow"`
	Status    Status             `json:"status"`
	State     State              `json:"state"`
	Input     stdjson.RawMessage `json:"input"`
	Data      stdjson.RawMessage `json:"data"`
	Error     *ErrorInfo         `json:"error,omitempty"`
	History   []Transition       `json:"history,omitempty"`
	Resumes   int                `json:"resumes"`
	StartedAt time.Time          `json:"startedAt"`
	UpdatedAt time.Time          `json:"updatedAt"`
	StoppedAt *time.Time         `json:"stoppedAt,omitempty"`
}

// Clone returns a deep enough copy for callers to hold on to.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Input = append(stdjson.RawMessage(nil), e.Input...)
	cp.Data = append(stdjson.RawMessage(nil), e.Data...)
	cp.History = append([]Transition(nil), e.History...)
	if e.Error != nil {
		ei := *e.Error
		cp.Error = &ei
	}
	if e.StoppedAt != nil {
		t := *e.StoppedAt
		cp.StoppedAt = &t
	}
	return &cp
}

// ExecutionID derives the execution id from the triggering event, so a
// redelivered trigger maps onto the execution it already started.
func ExecutionID(workflow, eventID string) string {
	return workflow + ":" + eventID
}
