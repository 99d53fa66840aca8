package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// State is a proxy's lifecycle state.
type State int

const (
	StateStarting State = iota
	StateFree
	StateReserved
	StateWorking
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateFree:
		return "free"
	case StateReserved:
		return "reserved"
	case StateWorking:
		return "working"
	case StateExhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Task pairs a request payload with optional completion callbacks.
// It is settled exactly once, by the proxy holding it.
type Task struct {
	ID       string
	Request  json.RawMessage
	Accept   func(result json.RawMessage)
	Reject   func(err error)
	QueuedAt time.Time

	// Started runs once the task is handed to a worker, before the worker
	// can report an outcome.
	Started func()

	// Set by the proxy when the task is dispatched.
	WorkerID  int
	StartedAt time.Time
}

func (t *Task) started() {
	if t.Started != nil {
		t.Started()
	}
}

func (t *Task) accept(result json.RawMessage) {
	if t.Accept != nil {
		t.Accept(result)
	}
}

func (t *Task) reject(err error) {
	if t.Reject != nil {
		t.Reject(err)
	}
}

// ErrNotReserved is returned by StartTask on a proxy that was not reserved.
var ErrNotReserved = errors.New("worker is not reserved")

// ExitError reports that a worker's unit failed or exited unexpectedly.
type ExitError struct {
	WorkerID int
	Code     int
	Cause    error
}

func (e *ExitError) Error() string {
	switch {
	case e.Cause != nil && e.Code >= 0:
		return fmt.Sprintf("worker %d exited with code %d: %v", e.WorkerID, e.Code, e.Cause)
	case e.Cause != nil:
		return fmt.Sprintf("worker %d failed: %v", e.WorkerID, e.Cause)
	default:
		return fmt.Sprintf("worker %d exited with code %d", e.WorkerID, e.Code)
	}
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}
