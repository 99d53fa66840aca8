package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattjoyce/taskpool"
	"github.com/mattjoyce/taskpool/internal/config"
	"github.com/mattjoyce/taskpool/internal/log"
)

// maxFibN is the largest n whose value fits in a uint64.
const maxFibN = 92

type fibRequest struct {
	N int `json:"n"`
}

type fibResult struct {
	N         int     `json:"n"`
	Value     uint64  `json:"value"`
	ElapsedMS float64 `json:"elapsed_ms"`
}

type (
	fibQueue  = taskpool.Queue[fibRequest, fibResult]
	fibFuture = taskpool.Future[fibResult]
)

// fibonacci is deliberately naive so each task burns CPU.
func fibonacci(n int) uint64 {
	if n < 2 {
		return uint64(n)
	}
	return fibonacci(n-1) + fibonacci(n-2)
}

func timeFibonacci(n int) (uint64, time.Duration) {
	start := time.Now()
	v := fibonacci(n)
	return v, time.Since(start)
}

func fibCallback(_ context.Context, req fibRequest) (fibResult, error) {
	if req.N < 0 || req.N > maxFibN {
		return fibResult{}, fmt.Errorf("n must be between 0 and %d, got %d", maxFibN, req.N)
	}
	v, elapsed := timeFibonacci(req.N)
	return fibResult{N: req.N, Value: v, ElapsedMS: ms(elapsed)}, nil
}

func fibStartup(_ context.Context, data taskpool.SpawnData) error {
	log.WithWorker(data.WorkerID).Info("fibonacci worker ready", "queue", data.QueueName, "pid", os.Getpid())
	return nil
}

type queueSetup struct {
	InProcess bool
	Observer  taskpool.Observer
	Fatal     func(error)
}

// newFibQueue builds the fibonacci queue described by cfg. Unless cfg names
// another entry binary, workers re-execute this one with the coordinator's
// queue name and log settings.
func newFibQueue(cfg *config.Config, setup queueSetup) (*fibQueue, error) {
	args := cfg.Queue.Args
	if cfg.Queue.Entry == "" {
		args = workerArgs(cfg)
	}

	return taskpool.New(taskpool.Options[fibRequest, fibResult]{
		Name:           cfg.Queue.Name,
		WorkerEntry:    cfg.Queue.Entry,
		WorkerArgs:     args,
		Workers:        cfg.Queue.Workers,
		PollInterval:   cfg.Queue.PollInterval,
		StartupTimeout: cfg.Queue.StartupTimeout,
		Startup:        fibStartup,
		Callback:       fibCallback,
		InProcess:      setup.InProcess,
		Observer:       setup.Observer,
		Fatal:          setup.Fatal,
		Logger:         log.WithComponent("queue"),
	})
}

func workerArgs(cfg *config.Config) []string {
	return []string{
		"--queue", cfg.Queue.Name,
		"--log-level", cfg.Service.LogLevel,
		"--log-format", cfg.Service.LogFormat,
	}
}

// runWorker is the entry point of a re-executed worker process. It serves
// the queue named by --queue until the coordinator closes stdin. A process
// spawned for any other queue exits before the handshake.
func runWorker(args []string) int {
	defaults := config.Defaults()

	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	queueName := fs.String("queue", defaults.Queue.Name, "Queue this worker serves")
	logLevel := fs.String("log-level", "info", "Log level")
	logFormat := fs.String("log-format", "json", "Log format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	log.Setup(*logLevel, *logFormat)

	data, ok := taskpool.WorkerSpawnData()
	if !ok {
		fmt.Fprintln(os.Stderr, "not running as a worker process")
		return 1
	}

	cfg := defaults
	cfg.Queue.Name = *queueName
	q, err := newFibQueue(cfg, queueSetup{})
	if err != nil {
		log.Error("failed to build worker queue", "error", err)
		return 1
	}

	// The coordinator owns shutdown; a terminal interrupt must not kill a
	// worker mid-task before its parent decides to.
	signal.Ignore(syscall.SIGINT)

	err = q.Serve(context.Background())
	if errors.Is(err, taskpool.ErrQueueMismatch) {
		log.Error("worker spawned for another queue", "queue", *queueName, "spawned_for", data.QueueName)
		return 1
	}
	if err != nil {
		log.Error("worker failed", "queue", data.QueueName, "worker_id", data.WorkerID, "error", err)
		return 1
	}
	return 0
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
