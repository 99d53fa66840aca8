package unit

import (
	"context"
	"os"
	"strconv"

	"github.com/mattjoyce/taskpool/internal/protocol"
)

//go:generate mockgen -destination=mocks/mock_unit.go -package=mocks github.com/mattjoyce/taskpool/internal/unit Spawner,Unit

// Spawn-time context is handed to process units through these variables.
const (
	EnvQueueName = "TASKPOOL_QUEUE_NAME"
	EnvWorkerID  = "TASKPOOL_WORKER_ID"
)

// SpawnData is the initial context an execution unit is created with.
type SpawnData struct {
	QueueName string `json:"queue_name"`
	WorkerID  int    `json:"worker_id"`
}

// Environ renders the spawn data as environment entries.
func (d SpawnData) Environ() []string {
	return []string{
		EnvQueueName + "=" + d.QueueName,
		EnvWorkerID + "=" + strconv.Itoa(d.WorkerID),
	}
}

// IsWorkerProcess reports whether the current process was spawned as an
// execution unit.
func IsWorkerProcess() bool {
	_, ok := os.LookupEnv(EnvQueueName)
	return ok
}

// SpawnDataFromEnv reads the spawn data of the current process.
func SpawnDataFromEnv() (SpawnData, bool) {
	name, ok := os.LookupEnv(EnvQueueName)
	if !ok {
		return SpawnData{}, false
	}
	id, _ := strconv.Atoi(os.Getenv(EnvWorkerID))
	return SpawnData{QueueName: name, WorkerID: id}, true
}

// Exit describes how a unit terminated.
type Exit struct {
	// Code is the exit status, or -1 when the unit did not exit normally.
	Code int
	// Err is set when the unit failed rather than simply exiting.
	Err error
}

// Event is either a protocol message from the unit or its termination.
// Exactly one event with Exit set is delivered, last.
type Event struct {
	Message *protocol.WorkerMessage
	Exit    *Exit
}

// Unit is the coordinator-side handle on one isolated execution unit.
type Unit interface {
	// ID returns the worker id the unit was spawned with.
	ID() int
	// Send writes a message to the unit.
	Send(msg protocol.ParentMessage) error
	// Events yields the unit's messages in order, then its exit, then closes.
	Events() <-chan Event
	// Close ends the unit's input; a well-behaved runtime drains and exits.
	Close() error
	// Kill terminates the unit.
	Kill() error
}

// Spawner creates execution units.
type Spawner interface {
	Spawn(ctx context.Context, data SpawnData) (Unit, error)
}
