// Package pool is the queue controller: it owns the pending task list and a
// fixed arena of worker proxies, and runs the loop that pairs the two.
package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/taskpool/internal/log"
	"github.com/mattjoyce/taskpool/internal/unit"
	"github.com/mattjoyce/taskpool/internal/worker"
)

const (
	DefaultWorkers      = 4
	DefaultPollInterval = 250 * time.Millisecond
)

// ErrClosed rejects tasks that are pending when the pool closes or that are
// submitted afterwards.
var ErrClosed = errors.New("queue is closed")

// Options configures a Pool.
type Options struct {
	Name    string
	Workers int
	// PollInterval is the dispatch loop period. The loop is also woken when a
	// worker frees up or a task is submitted.
	PollInterval time.Duration
	// StartupTimeout bounds each worker handshake. Zero waits indefinitely.
	StartupTimeout time.Duration
	Spawner        unit.Spawner

	// OnError receives failures that have no caller to report to: rejected
	// Push tasks and failed replacements. Nil logs them.
	OnError func(error)
	// OnFatal receives a failure to build the initial pool. Nil logs it and
	// exits the process.
	OnFatal func(error)

	Observer Observer
	Logger   *slog.Logger
}

// Pool dispatches tasks to a fixed number of workers.
type Pool struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	pending  []*worker.Task
	closed   bool
	started  bool
	cancel   context.CancelFunc
	loopDone chan struct{}

	slotsMu sync.RWMutex
	slots   []*worker.Proxy

	wake chan struct{}

	submitted  atomic.Int64
	dispatched atomic.Int64
	finished   atomic.Int64
	failed     atomic.Int64
	replaced   atomic.Int64
}

// New validates opts and returns an idle pool. Tasks may be submitted before
// Start; they are dispatched once the pool is built.
func New(opts Options) (*Pool, error) {
	if opts.Name == "" {
		return nil, errors.New("queue name is required")
	}
	if opts.Spawner == nil {
		return nil, errors.New("spawner is required")
	}
	if opts.Workers < 0 {
		return nil, fmt.Errorf("workers must be positive, got %d", opts.Workers)
	}
	if opts.Workers == 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}

	logger := log.WithQueue(opts.Name).With("component", "pool")
	if opts.Logger != nil {
		logger = opts.Logger.With("queue", opts.Name)
	}

	return &Pool{
		opts:   opts,
		logger: logger,
		wake:   make(chan struct{}, 1),
	}, nil
}

// Name returns the queue name.
func (p *Pool) Name() string { return p.opts.Name }

// Start spawns the workers and runs the dispatch loop in the background until
// Close is called or ctx ends. A failure to build the pool is passed to the
// fatal handler and returned.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	switch {
	case p.closed:
		p.mu.Unlock()
		return ErrClosed
	case p.started:
		p.mu.Unlock()
		return errors.New("pool already started")
	}
	p.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()

	if err := p.buildPool(loopCtx); err != nil {
		cancel()
		if p.isClosed() {
			// Close interrupted the build; that is a shutdown, not a failure.
			return ErrClosed
		}
		p.fatal(err)
		return err
	}

	p.logger.Info("queue started", "workers", p.opts.Workers, "poll_interval", p.opts.PollInterval)

	done := make(chan struct{})
	p.mu.Lock()
	p.loopDone = done
	p.mu.Unlock()
	go p.loop(loopCtx, done)
	return nil
}

func (p *Pool) buildPool(ctx context.Context) error {
	proxies := make([]*worker.Proxy, p.opts.Workers)

	g, gctx := errgroup.WithContext(ctx)
	for i := range proxies {
		g.Go(func() error {
			px, err := p.spawn(gctx)
			if err != nil {
				return err
			}
			proxies[i] = px
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		for _, px := range proxies {
			if px != nil {
				_ = px.Kill()
			}
		}
		return fmt.Errorf("build pool for queue %q: %w", p.opts.Name, err)
	}

	p.slotsMu.Lock()
	p.slots = proxies
	p.slotsMu.Unlock()
	return nil
}

func (p *Pool) spawn(ctx context.Context) (*worker.Proxy, error) {
	px, err := worker.Spawn(ctx, worker.SpawnOptions{
		QueueName:      p.opts.Name,
		Spawner:        p.opts.Spawner,
		StartupTimeout: p.opts.StartupTimeout,
		OnState:        p.onState,
		Logger:         p.logger,
	})
	if err != nil {
		return nil, err
	}
	p.emit(Event{Type: EventWorkerSpawned, WorkerID: px.ID()})
	return px, nil
}

func (p *Pool) onState(px *worker.Proxy, from, to worker.State) {
	switch to {
	case worker.StateFree:
		p.signal()
	case worker.StateExhausted:
		if from != worker.StateStarting {
			p.emit(Event{Type: EventWorkerExhausted, WorkerID: px.ID()})
		}
		p.signal()
	}
}

func (p *Pool) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pool) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	p.logger.Debug("dispatch loop started")
	defer p.logger.Debug("dispatch loop stopped")

	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		p.dispatch(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.wake:
		}
	}
}

// dispatch hands pending tasks to workers, earliest first, until either runs out.
func (p *Pool) dispatch(ctx context.Context) {
	for ctx.Err() == nil && p.hasPending() {
		px := p.reserveWorker(ctx)
		if px == nil {
			return
		}

		t := p.popPending()
		if t == nil {
			px.Release()
			return
		}

		err := px.StartTask(t)
		if errors.Is(err, worker.ErrNotReserved) {
			// The worker died between reservation and dispatch; the task was
			// never handed over.
			p.requeue(t)
			continue
		}

		p.dispatched.Add(1)
		taskLog := log.WithTask(t.ID).With("queue", p.opts.Name, "worker_id", px.ID())
		if err != nil {
			taskLog.Warn("dispatch failed", "error", err)
			continue
		}
		taskLog.Debug("task dispatched", "wait", t.StartedAt.Sub(t.QueuedAt))
	}
}

// reserveWorker scans the slots in order and reserves the first free worker.
// An exhausted slot met on the way is repaired with a fresh worker, which is
// reserved and returned. It returns nil when no worker can be reserved.
func (p *Pool) reserveWorker(ctx context.Context) *worker.Proxy {
	p.slotsMu.RLock()
	n := len(p.slots)
	p.slotsMu.RUnlock()

	for i := 0; i < n; i++ {
		px := p.slot(i)
		if px.TryReserve() {
			return px
		}
		if px.State() != worker.StateExhausted || p.isClosed() {
			continue
		}

		replacement, err := p.spawn(ctx)
		if err != nil {
			p.reportError(fmt.Errorf("replace worker %d: %w", px.ID(), err))
			continue
		}
		p.slotsMu.Lock()
		p.slots[i] = replacement
		p.slotsMu.Unlock()

		p.replaced.Add(1)
		p.logger.Info("worker replaced", "old_worker_id", px.ID(), "worker_id", replacement.ID())
		p.emit(Event{Type: EventWorkerReplaced, WorkerID: replacement.ID()})

		if replacement.TryReserve() {
			return replacement
		}
	}
	return nil
}

func (p *Pool) slot(i int) *worker.Proxy {
	p.slotsMu.RLock()
	defer p.slotsMu.RUnlock()
	return p.slots[i]
}

// Enqueue appends a task to the pending list and returns its id. Exactly one
// of accept or reject is eventually called, from a pool goroutine. After
// Close the task is rejected with ErrClosed.
func (p *Pool) Enqueue(request json.RawMessage, accept func(json.RawMessage), reject func(error)) string {
	t := &worker.Task{
		ID:       uuid.NewString(),
		Request:  request,
		QueuedAt: time.Now(),
	}
	// Emitted by the worker before it sends the task, so observers never see
	// the outcome first, and never for a hand-over that did not happen.
	t.Started = func() {
		p.emit(Event{Type: EventTaskStarted, TaskID: t.ID, WorkerID: t.WorkerID, Wait: t.StartedAt.Sub(t.QueuedAt)})
	}
	t.Accept = func(result json.RawMessage) {
		p.finished.Add(1)
		p.emit(Event{Type: EventTaskFinished, TaskID: t.ID, WorkerID: t.WorkerID, Duration: since(t.StartedAt)})
		if accept != nil {
			accept(result)
		}
	}
	t.Reject = func(err error) {
		p.failed.Add(1)
		p.emit(Event{Type: EventTaskFailed, TaskID: t.ID, WorkerID: t.WorkerID, Error: err.Error(), Duration: since(t.StartedAt)})
		if reject != nil {
			reject(err)
		}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		go t.Reject(ErrClosed)
		return t.ID
	}
	p.pending = append(p.pending, t)
	p.mu.Unlock()

	p.submitted.Add(1)
	p.emit(Event{Type: EventTaskQueued, TaskID: t.ID})
	p.signal()
	return t.ID
}

// Push enqueues a fire-and-forget task. Its failure goes to the error handler.
func (p *Pool) Push(request json.RawMessage) string {
	return p.Enqueue(request, nil, p.reportError)
}

// Await enqueues a task and waits for its outcome. ctx bounds the wait only;
// the task stays queued and runs regardless.
func (p *Pool) Await(ctx context.Context, request json.RawMessage) (json.RawMessage, error) {
	type outcome struct {
		result json.RawMessage
		err    error
	}
	ch := make(chan outcome, 1)
	p.Enqueue(request,
		func(result json.RawMessage) { ch <- outcome{result: result} },
		func(err error) { ch <- outcome{err: err} },
	)

	select {
	case o := <-ch:
		return o.result, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) hasPending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending) > 0
}

func (p *Pool) popPending() *worker.Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 {
		return nil
	}
	t := p.pending[0]
	p.pending[0] = nil
	p.pending = p.pending[1:]
	return t
}

func (p *Pool) requeue(t *worker.Task) {
	p.mu.Lock()
	if !p.closed {
		p.pending = append([]*worker.Task{t}, p.pending...)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	t.Reject(ErrClosed)
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close stops dispatching, rejects pending tasks with ErrClosed and shuts the
// workers down. Tasks already running finish first. Workers still alive when
// ctx ends are killed.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	pending := p.pending
	p.pending = nil
	cancel, done := p.cancel, p.loopDone
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	for _, t := range pending {
		t.Reject(ErrClosed)
	}

	p.slotsMu.RLock()
	proxies := append([]*worker.Proxy(nil), p.slots...)
	p.slotsMu.RUnlock()

	var g errgroup.Group
	for _, px := range proxies {
		g.Go(func() error {
			if err := px.Close(ctx); err != nil {
				return fmt.Errorf("close worker %d: %w", px.ID(), err)
			}
			return nil
		})
	}
	err := g.Wait()

	p.logger.Info("queue closed", "rejected", len(pending))
	return err
}

func (p *Pool) emit(ev Event) {
	if p.opts.Observer == nil {
		return
	}
	ev.Queue = p.opts.Name
	ev.At = time.Now()
	p.opts.Observer.Observe(ev)
}

func (p *Pool) reportError(err error) {
	if p.opts.OnError != nil {
		p.opts.OnError(err)
		return
	}
	p.logger.Error("queue error", "error", err)
}

func (p *Pool) fatal(err error) {
	if p.opts.OnFatal != nil {
		p.opts.OnFatal(err)
		return
	}
	p.logger.Error("queue fatal error", "error", err)
	os.Exit(1)
}

func since(t time.Time) time.Duration {
	if t.IsZero() {
		return 0
	}
	return time.Since(t)
}
