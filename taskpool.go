// Package taskpool is a bounded worker-pool task queue. A coordinator
// process accepts requests and hands them, earliest first, to a fixed number
// of isolated execution units that run the queue's callback in parallel.
//
// The same binary plays both roles. Worker processes are re-executions of
// the coordinator's entry point that find their queue name in the
// environment; they must call ServeWorker (or Queue.Serve) instead of running
// the coordinator's main logic:
//
//	q, err := taskpool.New(taskpool.Options[In, Out]{Name: "fib", Callback: fib})
//	if !taskpool.IsCoordinator() {
//		if err := q.Serve(ctx); err != nil {
//			os.Exit(1)
//		}
//		return
//	}
//	if err := q.Start(ctx); err != nil { ... }
//	out, err := q.Await(ctx, In{N: 30})
//
// There is no persistence, priority, cancellation or per-task timeout.
package taskpool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/mattjoyce/taskpool/internal/log"
	"github.com/mattjoyce/taskpool/internal/pool"
	"github.com/mattjoyce/taskpool/internal/protocol"
	"github.com/mattjoyce/taskpool/internal/runner"
	"github.com/mattjoyce/taskpool/internal/unit"
	"github.com/mattjoyce/taskpool/internal/worker"
)

type (
	// SpawnData is the context a worker is created with.
	SpawnData = unit.SpawnData
	// Spawner creates execution units.
	Spawner = unit.Spawner
	// TaskError is the rejection of a task whose callback returned an error.
	TaskError = protocol.TaskError
	// ExitError is the rejection of a task whose worker died while running it.
	ExitError = worker.ExitError
	// Stats is a snapshot of a queue.
	Stats = pool.Stats
	// Event is a queue lifecycle event.
	Event = pool.Event
	// Observer receives queue lifecycle events.
	Observer = pool.Observer
)

var (
	// ErrClosed rejects tasks pending at Close or submitted after it.
	ErrClosed = pool.ErrClosed
	// ErrQueueMismatch is returned by Serve in a worker spawned for another queue.
	ErrQueueMismatch = runner.ErrQueueMismatch
)

// Options configures a Queue. Only Name and Callback are required.
type Options[TIn, TOut any] struct {
	// Name identifies the queue. Workers serve only the queue they were
	// spawned for, so several queues can share one binary.
	Name string
	// WorkerEntry is the binary run for each worker. Empty means the current
	// executable.
	WorkerEntry string
	WorkerArgs  []string
	// Workers is the pool size. Zero means 4.
	Workers int
	// PollInterval is the dispatch loop period. Zero means 250ms.
	PollInterval time.Duration
	// StartupTimeout bounds each worker handshake. Zero waits indefinitely.
	StartupTimeout time.Duration

	// Startup runs once inside each worker before it accepts tasks.
	Startup func(ctx context.Context, data SpawnData) error
	// Callback runs inside a worker for every task.
	Callback func(ctx context.Context, request TIn) (TOut, error)

	// Error receives failures nobody waits for, such as failed Push tasks.
	// Nil logs them.
	Error func(error)
	// Fatal receives a failure to start the pool. Nil logs it and exits.
	Fatal func(error)

	// Spawner overrides how workers are created.
	Spawner Spawner
	// InProcess runs workers as goroutines in the coordinator. They share
	// its memory and cannot be killed, so it suits tests and small tools.
	// IsCoordinator reports true inside them; callbacks that need to know
	// they run in a worker use WorkerFromContext.
	InProcess bool

	Observer Observer
	Logger   *slog.Logger
}

// Queue is a typed task queue.
type Queue[TIn, TOut any] struct {
	opts   Options[TIn, TOut]
	pool   *pool.Pool
	logger *slog.Logger
}

// IsCoordinator reports whether the current process owns queues, as opposed
// to being one of their worker processes.
func IsCoordinator() bool {
	return !unit.IsWorkerProcess()
}

// WorkerSpawnData returns the spawn data of a worker process. It reports
// false in the coordinator.
func WorkerSpawnData() (SpawnData, bool) {
	return unit.SpawnDataFromEnv()
}

// WorkerFromContext returns the spawn data of the worker running a startup
// hook or callback, in process and in-process workers alike. It reports
// false for any other context.
func WorkerFromContext(ctx context.Context) (SpawnData, bool) {
	return runner.SpawnDataFromContext(ctx)
}

// New builds a queue. Call Start in the coordinator to spawn its workers, or
// Serve in a worker process.
func New[TIn, TOut any](opts Options[TIn, TOut]) (*Queue[TIn, TOut], error) {
	if opts.Callback == nil {
		return nil, fmt.Errorf("queue %q: callback is required", opts.Name)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithComponent("taskpool")
	}

	q := &Queue[TIn, TOut]{opts: opts, logger: logger.With("queue", opts.Name)}

	spawner := opts.Spawner
	switch {
	case spawner != nil:
	case opts.InProcess:
		spawner = &unit.InProcSpawner{Run: q.serveUnit}
	default:
		spawner = &unit.ProcessSpawner{Path: opts.WorkerEntry, Args: opts.WorkerArgs}
	}

	p, err := pool.New(pool.Options{
		Name:           opts.Name,
		Workers:        opts.Workers,
		PollInterval:   opts.PollInterval,
		StartupTimeout: opts.StartupTimeout,
		Spawner:        spawner,
		OnError:        opts.Error,
		OnFatal:        opts.Fatal,
		Observer:       opts.Observer,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	q.pool = p
	return q, nil
}

// Name returns the queue name.
func (q *Queue[TIn, TOut]) Name() string { return q.opts.Name }

// Start spawns the workers and starts dispatching. It returns once every
// worker has completed its handshake.
func (q *Queue[TIn, TOut]) Start(ctx context.Context) error {
	return q.pool.Start(ctx)
}

// Push enqueues a request nobody waits for. It never fails synchronously:
// encoding and execution failures go to the error handler.
func (q *Queue[TIn, TOut]) Push(request TIn) {
	raw, err := json.Marshal(request)
	if err != nil {
		q.reportError(fmt.Errorf("encode request: %w", err))
		return
	}
	q.pool.Push(raw)
}

// Submit enqueues a request and returns its future.
func (q *Queue[TIn, TOut]) Submit(request TIn) *Future[TOut] {
	f := newFuture[TOut]()

	raw, err := json.Marshal(request)
	if err != nil {
		f.reject(fmt.Errorf("encode request: %w", err))
		return f
	}

	q.pool.Enqueue(raw,
		func(result json.RawMessage) {
			var out TOut
			if err := json.Unmarshal(result, &out); err != nil {
				f.reject(fmt.Errorf("decode result: %w", err))
				return
			}
			f.resolve(out)
		},
		f.reject,
	)
	return f
}

// Await submits a request and waits for its result. ctx bounds the wait
// only; the task is not withdrawn when it ends.
func (q *Queue[TIn, TOut]) Await(ctx context.Context, request TIn) (TOut, error) {
	return q.Submit(request).Wait(ctx)
}

// Stats returns a snapshot of the queue.
func (q *Queue[TIn, TOut]) Stats() Stats { return q.pool.Stats() }

// Pool exposes the untyped queue, for transports that carry raw JSON.
func (q *Queue[TIn, TOut]) Pool() *pool.Pool { return q.pool }

// Close rejects pending tasks, lets running ones finish and stops the
// workers, killing those still alive when ctx ends.
func (q *Queue[TIn, TOut]) Close(ctx context.Context) error {
	return q.pool.Close(ctx)
}

// Serve runs this process as one of the queue's workers. It returns
// ErrQueueMismatch without touching stdin or stdout when the process was
// spawned for another queue.
func (q *Queue[TIn, TOut]) Serve(ctx context.Context) error {
	return runner.ServeProcess(ctx, q.runnerConfig())
}

func (q *Queue[TIn, TOut]) queueName() string { return q.opts.Name }

func (q *Queue[TIn, TOut]) serveUnit(ctx context.Context, data SpawnData, r io.Reader, w io.Writer) error {
	return runner.Serve(ctx, q.runnerConfig(), data, r, w)
}

func (q *Queue[TIn, TOut]) runnerConfig() runner.Config {
	return runner.Config{
		QueueName: q.opts.Name,
		Startup:   q.opts.Startup,
		Callback:  q.execute,
		Logger:    q.logger,
	}
}

func (q *Queue[TIn, TOut]) execute(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var in TIn
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	out, err := q.opts.Callback(ctx, in)
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

func (q *Queue[TIn, TOut]) reportError(err error) {
	if q.opts.Error != nil {
		q.opts.Error(err)
		return
	}
	q.logger.Error("queue error", "error", err)
}

// Servable is a queue that can run as a worker process.
type Servable interface {
	queueName() string
	runnerConfig() runner.Config
}

// ServeWorker serves whichever of queues this worker process was spawned
// for. Queues with other names stay inert.
func ServeWorker(ctx context.Context, queues ...Servable) error {
	data, ok := unit.SpawnDataFromEnv()
	if !ok {
		return errors.New("not running as a worker process")
	}
	for _, q := range queues {
		if q.queueName() == data.QueueName {
			return runner.ServeProcess(ctx, q.runnerConfig())
		}
	}
	return fmt.Errorf("no queue named %q in this binary", data.QueueName)
}
