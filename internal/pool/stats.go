package pool

import "github.com/mattjoyce/taskpool/internal/worker"

// WorkerStats is a point-in-time view of one slot.
type WorkerStats struct {
	Slot   int    `json:"slot"`
	ID     int    `json:"id"`
	State  string `json:"state"`
	TaskID string `json:"task_id,omitempty"`
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Queue   string        `json:"queue"`
	Closed  bool          `json:"closed"`
	Pending int           `json:"pending"`
	Workers []WorkerStats `json:"workers"`

	Submitted  int64 `json:"submitted"`
	Dispatched int64 `json:"dispatched"`
	Finished   int64 `json:"finished"`
	Failed     int64 `json:"failed"`
	Replaced   int64 `json:"replaced"`
}

// Busy counts workers that hold or are about to hold a task.
func (s Stats) Busy() int {
	n := 0
	for _, w := range s.Workers {
		if w.State == worker.StateWorking.String() || w.State == worker.StateReserved.String() {
			n++
		}
	}
	return n
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	st := Stats{
		Queue:   p.opts.Name,
		Closed:  p.closed,
		Pending: len(p.pending),
	}
	p.mu.Unlock()

	p.slotsMu.RLock()
	st.Workers = make([]WorkerStats, 0, len(p.slots))
	for i, px := range p.slots {
		state, taskID := px.Snapshot()
		st.Workers = append(st.Workers, WorkerStats{
			Slot:   i,
			ID:     px.ID(),
			State:  state.String(),
			TaskID: taskID,
		})
	}
	p.slotsMu.RUnlock()

	st.Submitted = p.submitted.Load()
	st.Dispatched = p.dispatched.Load()
	st.Finished = p.finished.Load()
	st.Failed = p.failed.Load()
	st.Replaced = p.replaced.Load()
	return st
}
