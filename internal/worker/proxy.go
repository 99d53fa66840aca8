package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/taskpool/internal/log"
	"github.com/mattjoyce/taskpool/internal/protocol"
	"github.com/mattjoyce/taskpool/internal/unit"
)

var lastWorkerID atomic.Int64

// NextID returns a process-wide unique worker id.
func NextID() int {
	return int(lastWorkerID.Add(1))
}

// SpawnOptions configures Spawn.
type SpawnOptions struct {
	QueueName string
	Spawner   unit.Spawner
	// StartupTimeout bounds the wait for the handshake. Zero waits indefinitely.
	StartupTimeout time.Duration
	// OnState is called after every state transition, outside the proxy lock.
	OnState func(p *Proxy, from, to State)
	Logger  *slog.Logger
}

// Proxy is the coordinator-side handle on one execution unit.
type Proxy struct {
	id      int
	unit    unit.Unit
	onState func(p *Proxy, from, to State)
	logger  *slog.Logger

	ready   chan error
	done    chan struct{}
	closing atomic.Bool

	mu    sync.Mutex
	state State
	task  *Task
}

// Spawn creates an execution unit and waits for its handshake. It fails if
// the unit errors or exits first, if ctx ends, or if the startup timeout
// elapses; in the last two cases the unit is killed.
func Spawn(ctx context.Context, opts SpawnOptions) (*Proxy, error) {
	if opts.Spawner == nil {
		return nil, errors.New("no spawner configured")
	}

	data := unit.SpawnData{QueueName: opts.QueueName, WorkerID: NextID()}
	logger := opts.Logger
	if logger == nil {
		logger = log.WithComponent("worker")
	}
	logger = logger.With("worker_id", data.WorkerID)

	u, err := opts.Spawner.Spawn(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("spawn worker %d: %w", data.WorkerID, err)
	}

	p := &Proxy{
		id:      data.WorkerID,
		unit:    u,
		onState: opts.OnState,
		logger:  logger,
		ready:   make(chan error, 1),
		done:    make(chan struct{}),
		state:   StateStarting,
	}
	go p.listen()

	var timeout <-chan time.Time
	if opts.StartupTimeout > 0 {
		timer := time.NewTimer(opts.StartupTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case err := <-p.ready:
		if err != nil {
			return nil, err
		}
		logger.Debug("worker ready")
		return p, nil
	case <-ctx.Done():
		p.abandon()
		return nil, fmt.Errorf("worker %d handshake: %w", p.id, ctx.Err())
	case <-timeout:
		p.abandon()
		return nil, fmt.Errorf("worker %d did not start within %s", p.id, opts.StartupTimeout)
	}
}

func (p *Proxy) abandon() {
	p.closing.Store(true)
	go func() {
		if err := p.unit.Kill(); err != nil {
			p.logger.Error("failed to kill abandoned worker", "error", err)
		}
	}()
}

// ID returns the worker id.
func (p *Proxy) ID() int { return p.id }

// State returns the current lifecycle state.
func (p *Proxy) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Snapshot returns the state and the id of the task in flight, if any.
func (p *Proxy) Snapshot() (State, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.task != nil {
		return p.state, p.task.ID
	}
	return p.state, ""
}

// Done is closed once the unit has terminated and its events are drained.
func (p *Proxy) Done() <-chan struct{} { return p.done }

// TryReserve moves a free proxy to reserved.
func (p *Proxy) TryReserve() bool {
	p.mu.Lock()
	if p.state != StateFree {
		p.mu.Unlock()
		return false
	}
	p.state = StateReserved
	p.mu.Unlock()

	p.transition(StateFree, StateReserved)
	return true
}

// Release returns a reserved proxy to free without running a task.
func (p *Proxy) Release() {
	p.mu.Lock()
	if p.state != StateReserved {
		p.mu.Unlock()
		return
	}
	p.state = StateFree
	p.mu.Unlock()

	p.transition(StateReserved, StateFree)
}

// StartTask dispatches t to a reserved proxy. If the message cannot be
// delivered the unit is killed and t is rejected through exhaustion.
func (p *Proxy) StartTask(t *Task) error {
	p.mu.Lock()
	if p.state != StateReserved {
		state := p.state
		p.mu.Unlock()
		return fmt.Errorf("%w: worker %d is %s", ErrNotReserved, p.id, state)
	}
	p.state = StateWorking
	p.task = t
	t.WorkerID = p.id
	t.StartedAt = time.Now()
	p.mu.Unlock()

	p.transition(StateReserved, StateWorking)
	t.started()
	taskLog := log.WithTask(t.ID).With("worker_id", p.id)
	taskLog.Debug("task started")

	if err := p.unit.Send(protocol.StartTaskMessage(t.Request)); err != nil {
		taskLog.Warn("failed to send task, killing worker", "error", err)
		go func() { _ = p.unit.Kill() }()
		return fmt.Errorf("send task to worker %d: %w", p.id, err)
	}
	return nil
}

// Close ends the unit's input and waits for it to drain and exit. When ctx
// ends first the unit is killed.
func (p *Proxy) Close(ctx context.Context) error {
	p.closing.Store(true)
	if err := p.unit.Close(); err != nil {
		p.logger.Debug("close worker input", "error", err)
	}

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return p.Kill()
	}
}

// Kill terminates the unit.
func (p *Proxy) Kill() error {
	p.closing.Store(true)
	return p.unit.Kill()
}

func (p *Proxy) listen() {
	defer close(p.done)

	for ev := range p.unit.Events() {
		switch {
		case ev.Message != nil:
			p.handle(ev.Message)
		case ev.Exit != nil:
			p.exhausted(&ExitError{WorkerID: p.id, Code: ev.Exit.Code, Cause: ev.Exit.Err})
		}
	}
	p.exhausted(&ExitError{WorkerID: p.id, Code: -1, Cause: errors.New("event stream closed")})
}

func (p *Proxy) handle(msg *protocol.WorkerMessage) {
	switch msg.Message {
	case protocol.Started:
		p.mu.Lock()
		if p.state != StateStarting {
			state := p.state
			p.mu.Unlock()
			p.logger.Warn("ignoring repeated handshake", "state", state)
			return
		}
		p.state = StateFree
		p.mu.Unlock()

		p.ready <- nil
		p.transition(StateStarting, StateFree)

	case protocol.TaskFinished:
		if t := p.settle(); t != nil {
			log.WithTask(t.ID).Debug("task finished", "worker_id", p.id)
			t.accept(msg.Data)
			p.transition(StateWorking, StateFree)
		}

	case protocol.TaskFailed:
		if t := p.settle(); t != nil {
			taskErr := msg.TaskErrorFrom()
			log.WithTask(t.ID).Debug("task failed", "worker_id", p.id, "error", taskErr)
			t.reject(taskErr)
			p.transition(StateWorking, StateFree)
		}
	}
}

// settle detaches the in-flight task and frees the proxy.
func (p *Proxy) settle() *Task {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateWorking || p.task == nil {
		p.logger.Warn("ignoring task outcome with no task in flight", "state", p.state)
		return nil
	}
	t := p.task
	p.task = nil
	p.state = StateFree
	return t
}

func (p *Proxy) exhausted(err *ExitError) {
	p.mu.Lock()
	if p.state == StateExhausted {
		p.mu.Unlock()
		return
	}
	from := p.state
	t := p.task
	p.task = nil
	p.state = StateExhausted
	p.mu.Unlock()

	if p.closing.Load() {
		p.logger.Debug("worker stopped", "code", err.Code)
	} else {
		p.logger.Warn("worker exhausted", "error", err, "state", from)
	}

	if from == StateStarting {
		p.ready <- err
	}
	p.transition(from, StateExhausted)
	if t != nil {
		t.reject(err)
	}
}

func (p *Proxy) transition(from, to State) {
	if p.onState != nil {
		p.onState(p, from, to)
	}
}
