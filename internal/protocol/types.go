package protocol

import (
	"encoding/json"
	"errors"
)

// ParentMessageType discriminates messages sent from the coordinator to a worker.
type ParentMessageType string

const (
	StartTask ParentMessageType = "START_TASK"
)

// WorkerMessageType discriminates messages sent from a worker to the coordinator.
type WorkerMessageType string

const (
	Started      WorkerMessageType = "STARTED"
	TaskFinished WorkerMessageType = "TASK_FINISHED"
	TaskFailed   WorkerMessageType = "TASK_FAILED"
)

// ParentMessage is the envelope written to a worker's stdin.
type ParentMessage struct {
	Type ParentMessageType `json:"type"`
	Data json.RawMessage   `json:"data,omitempty"`
}

// WorkerMessage is the envelope a worker writes to its stdout.
type WorkerMessage struct {
	Message WorkerMessageType `json:"message"`
	Data    json.RawMessage   `json:"data,omitempty"`
}

// TaskError is the error payload of a TASK_FAILED message. On the coordinator
// side it is also the error a task's future is rejected with.
type TaskError struct {
	Message string `json:"message"`
}

func (e *TaskError) Error() string {
	return e.Message
}

// StartTaskMessage builds a dispatch message carrying the request payload.
func StartTaskMessage(data json.RawMessage) ParentMessage {
	return ParentMessage{Type: StartTask, Data: data}
}

// StartedMessage builds the handshake message.
func StartedMessage() WorkerMessage {
	return WorkerMessage{Message: Started}
}

// FinishedMessage builds a success report carrying the callback result.
func FinishedMessage(result json.RawMessage) WorkerMessage {
	return WorkerMessage{Message: TaskFinished, Data: result}
}

// FailedMessage builds a failure report from a callback error.
func FailedMessage(err error) WorkerMessage {
	msg := "task failed"
	if err != nil && err.Error() != "" {
		msg = err.Error()
	}
	data, _ := json.Marshal(TaskError{Message: msg})
	return WorkerMessage{Message: TaskFailed, Data: data}
}

// TaskErrorFrom extracts the error carried by a TASK_FAILED message.
func (m *WorkerMessage) TaskErrorFrom() *TaskError {
	var te TaskError
	if err := json.Unmarshal(m.Data, &te); err != nil || te.Message == "" {
		return &TaskError{Message: "task failed"}
	}
	return &te
}

// IsTaskError reports whether err originated from a failed callback.
func IsTaskError(err error) bool {
	var te *TaskError
	return errors.As(err, &te)
}
