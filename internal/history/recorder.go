package history

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/taskpool/internal/log"
	"github.com/mattjoyce/taskpool/internal/pool"
)

// Recorder is a pool observer that journals settled tasks. Observe never
// blocks: records are handed to Run through a buffer and dropped when it is
// full.
type Recorder struct {
	store  *Store
	ch     chan Record
	logger *slog.Logger

	mu     sync.Mutex
	queued map[string]time.Time

	dropped atomic.Int64
}

// NewRecorder returns a recorder writing to store with room for buffer
// unwritten records.
func NewRecorder(store *Store, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Recorder{
		store:  store,
		ch:     make(chan Record, buffer),
		logger: log.WithComponent("history"),
		queued: make(map[string]time.Time),
	}
}

// Observe implements pool.Observer.
func (r *Recorder) Observe(ev pool.Event) {
	switch ev.Type {
	case pool.EventTaskQueued:
		r.mu.Lock()
		r.queued[ev.TaskID] = ev.At
		r.mu.Unlock()
		return
	case pool.EventTaskFinished, pool.EventTaskFailed:
	default:
		return
	}

	rec := Record{
		TaskID:      ev.TaskID,
		Queue:       ev.Queue,
		WorkerID:    ev.WorkerID,
		Status:      StatusSucceeded,
		Error:       ev.Error,
		CompletedAt: ev.At,
	}
	if ev.Type == pool.EventTaskFailed {
		rec.Status = StatusFailed
	}
	if ev.Duration > 0 {
		started := ev.At.Add(-ev.Duration)
		rec.StartedAt = &started
	}

	r.mu.Lock()
	if queuedAt, ok := r.queued[ev.TaskID]; ok {
		rec.QueuedAt = &queuedAt
		delete(r.queued, ev.TaskID)
	}
	r.mu.Unlock()

	select {
	case r.ch <- rec:
	default:
		r.dropped.Add(1)
	}
}

// Dropped returns the number of records lost to a full buffer.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Run writes records until ctx ends, then flushes what is buffered.
func (r *Recorder) Run(ctx context.Context) {
	r.logger.Debug("history recorder started")
	defer r.logger.Debug("history recorder stopped")

	for {
		select {
		case rec := <-r.ch:
			r.write(ctx, rec)
		case <-ctx.Done():
			r.flush()
			return
		}
	}
}

func (r *Recorder) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case rec := <-r.ch:
			r.write(ctx, rec)
		default:
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, rec Record) {
	if err := r.store.Record(ctx, rec); err != nil {
		r.logger.Error("failed to record task", "task_id", rec.TaskID, "error", err)
	}
}
