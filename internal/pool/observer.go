package pool

import "time"

// Lifecycle event types reported to an Observer.
const (
	EventTaskQueued      = "task.queued"
	EventTaskStarted     = "task.started"
	EventTaskFinished    = "task.finished"
	EventTaskFailed      = "task.failed"
	EventWorkerSpawned   = "worker.spawned"
	EventWorkerExhausted = "worker.exhausted"
	EventWorkerReplaced  = "worker.replaced"
)

// Event describes one pool lifecycle change.
type Event struct {
	Type     string    `json:"type"`
	Queue    string    `json:"queue"`
	TaskID   string    `json:"task_id,omitempty"`
	WorkerID int       `json:"worker_id,omitempty"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`

	// Wait is the time a task spent pending before dispatch.
	Wait time.Duration `json:"wait_ns,omitempty"`
	// Duration is the time from dispatch to settlement.
	Duration time.Duration `json:"duration_ns,omitempty"`
}

// Observer receives pool events. Observe is called synchronously from the
// goroutine that caused the event and must not block.
type Observer interface {
	Observe(ev Event)
}

// ObserverFunc adapts a function to an Observer.
type ObserverFunc func(ev Event)

func (f ObserverFunc) Observe(ev Event) { f(ev) }

// Observers fans events out to every non-nil observer in order.
func Observers(obs ...Observer) Observer {
	var out multiObserver
	for _, o := range obs {
		if o != nil {
			out = append(out, o)
		}
	}
	return out
}

type multiObserver []Observer

func (m multiObserver) Observe(ev Event) {
	for _, o := range m {
		o.Observe(ev)
	}
}
