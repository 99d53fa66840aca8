// Package runner is the worker side of the protocol: it runs inside each
// execution unit, performs the handshake and serves dispatched tasks one at
// a time.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattjoyce/taskpool/internal/log"
	"github.com/mattjoyce/taskpool/internal/protocol"
	"github.com/mattjoyce/taskpool/internal/unit"
)

// ErrQueueMismatch is returned when the unit was spawned for another queue.
// Nothing has been read or written in that case.
var ErrQueueMismatch = errors.New("spawned for a different queue")

type spawnDataKey struct{}

// SpawnDataFromContext returns the spawn data of the unit serving ctx. It
// reports false outside the startup hook and callbacks of a runtime.
func SpawnDataFromContext(ctx context.Context) (unit.SpawnData, bool) {
	data, ok := ctx.Value(spawnDataKey{}).(unit.SpawnData)
	return data, ok
}

// StartupFunc runs once per unit before it reports ready.
type StartupFunc func(ctx context.Context, data unit.SpawnData) error

// CallbackFunc executes one request.
type CallbackFunc func(ctx context.Context, request json.RawMessage) (json.RawMessage, error)

// Config describes the queue a runtime serves.
type Config struct {
	QueueName string
	Startup   StartupFunc
	Callback  CallbackFunc
	Logger    *slog.Logger
}

// Serve runs the worker side of the protocol over r and w until r is
// exhausted. A panic in the callback is not recovered: it takes the unit
// down, which the coordinator treats as exhaustion.
func Serve(ctx context.Context, cfg Config, data unit.SpawnData, r io.Reader, w io.Writer) error {
	if data.QueueName != cfg.QueueName {
		return ErrQueueMismatch
	}
	if cfg.Callback == nil {
		return fmt.Errorf("queue %q has no callback", cfg.QueueName)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.WithComponent("runner")
	}
	logger = logger.With("queue", data.QueueName, "worker_id", data.WorkerID)
	ctx = context.WithValue(ctx, spawnDataKey{}, data)

	if cfg.Startup != nil {
		if err := cfg.Startup(ctx, data); err != nil {
			return fmt.Errorf("startup hook: %w", err)
		}
	}

	enc := protocol.NewEncoder(w)
	if err := enc.EncodeWorker(protocol.StartedMessage()); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	logger.Debug("worker started")

	dec := protocol.NewDecoder(r)
	for {
		msg, err := dec.DecodeParent()
		if errors.Is(err, io.EOF) {
			logger.Debug("input closed, worker exiting")
			return nil
		}
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		switch msg.Type {
		case protocol.StartTask:
			if err := enc.EncodeWorker(execute(ctx, cfg.Callback, msg.Data)); err != nil {
				return fmt.Errorf("report outcome: %w", err)
			}
		default:
			logger.Warn("ignoring unknown message", "type", msg.Type)
		}
	}
}

// ServeProcess serves the current worker process over stdin/stdout. Once the
// protocol stream is captured os.Stdout is pointed at stderr, so stray
// prints from callbacks cannot corrupt the protocol.
func ServeProcess(ctx context.Context, cfg Config) error {
	data, ok := unit.SpawnDataFromEnv()
	if !ok {
		return errors.New("not running as a worker process")
	}
	if data.QueueName != cfg.QueueName {
		return ErrQueueMismatch
	}

	out := os.Stdout
	os.Stdout = os.Stderr
	return Serve(ctx, cfg, data, os.Stdin, out)
}

func execute(ctx context.Context, callback CallbackFunc, request json.RawMessage) protocol.WorkerMessage {
	result, err := callback(ctx, request)
	if err != nil {
		return protocol.FailedMessage(err)
	}
	return protocol.FinishedMessage(result)
}
