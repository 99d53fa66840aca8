package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/mattjoyce/taskpool/internal/api"
	"github.com/mattjoyce/taskpool/internal/config"
	"github.com/mattjoyce/taskpool/internal/events"
	"github.com/mattjoyce/taskpool/internal/history"
	"github.com/mattjoyce/taskpool/internal/lock"
	"github.com/mattjoyce/taskpool/internal/log"
	"github.com/mattjoyce/taskpool/internal/metrics"
	"github.com/mattjoyce/taskpool/internal/pool"
)

const pruneInterval = time.Hour

// service is a running fibonacci queue with its observers and API.
type service struct {
	cfg    *config.Config
	logger *slog.Logger

	queue    *fibQueue
	hub      *events.Hub
	metrics  *metrics.Metrics
	store    *history.Store
	recorder *history.Recorder
	lock     *lock.PIDLock
	api      *api.Server
}

// newService wires the queue to its observers. Nothing is started.
func newService(cfg *config.Config, inProcess bool) (*service, error) {
	s := &service{
		cfg:    cfg,
		logger: log.WithComponent("main"),
		hub:    events.NewHub(events.DefaultCapacity),
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.metrics = metrics.New(registry)

	observers := []pool.Observer{s.hub, s.metrics}
	if cfg.History.Enabled {
		lockPath := filepath.Join(filepath.Dir(cfg.History.Path), "fibpool.lock")
		l, err := lock.Acquire(lockPath)
		if err != nil {
			return nil, fmt.Errorf("lock %s: %w", lockPath, err)
		}
		s.lock = l

		store, err := history.Open(context.Background(), cfg.History.Path)
		if err != nil {
			_ = l.Release()
			return nil, err
		}
		s.store = store
		s.recorder = history.NewRecorder(store, 0)
		observers = append(observers, s.recorder)
	}

	q, err := newFibQueue(cfg, queueSetup{
		InProcess: inProcess,
		Observer:  pool.Observers(observers...),
		Fatal:     func(error) {},
	})
	if err != nil {
		s.release()
		return nil, err
	}
	s.queue = q
	s.metrics.RegisterQueue(q.Name(), q.Stats)

	if cfg.API.Enabled {
		opts := api.Options{Events: s.hub, Metrics: s.metrics, Loaded: cfg}
		if s.store != nil {
			opts.History = s.store
		}
		s.api = api.New(api.Config{Listen: cfg.API.Listen, Token: cfg.API.Token}, q.Pool(), opts, log.WithComponent("api"))
	}
	return s, nil
}

// run starts the queue and serves until ctx ends or a component fails, then
// shuts everything down.
func (s *service) run(ctx context.Context) error {
	defer s.release()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The recorder outlives ctx: tasks settled while the queue closes must
	// still reach the journal.
	recCtx, stopRecorder := context.WithCancel(context.Background())
	defer stopRecorder()
	recorderDone := make(chan struct{})
	if s.recorder != nil {
		go func() {
			s.recorder.Run(recCtx)
			close(recorderDone)
		}()
		go s.pruneLoop(ctx)
	} else {
		close(recorderDone)
	}

	if err := s.queue.Start(ctx); err != nil {
		cancel()
		stopRecorder()
		<-recorderDone
		return fmt.Errorf("start queue: %w", err)
	}
	s.logger.Info("queue started", "queue", s.queue.Name(), "workers", len(s.queue.Stats().Workers))

	errCh := make(chan error, 1)
	if s.api != nil {
		go func() {
			if err := s.api.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		s.logger.Info("API server enabled", "listen", s.cfg.API.Listen)
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		s.logger.Error("component failed", "error", runErr)
	}
	cancel()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	if err := s.queue.Close(closeCtx); err != nil {
		s.logger.Warn("queue did not close cleanly", "error", err)
	}
	stopRecorder()
	<-recorderDone
	if s.recorder != nil && s.recorder.Dropped() > 0 {
		s.logger.Warn("history records dropped", "count", s.recorder.Dropped())
	}
	return runErr
}

func (s *service) pruneLoop(ctx context.Context) {
	if s.cfg.History.Retention <= 0 {
		return
	}
	s.prune(ctx)
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.prune(ctx)
		}
	}
}

func (s *service) prune(ctx context.Context) {
	n, err := s.store.Prune(ctx, time.Now().Add(-s.cfg.History.Retention))
	if err != nil {
		s.logger.Error("failed to prune history", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("pruned history", "removed", n)
	}
}

func (s *service) release() {
	if s.store != nil {
		_ = s.store.Close()
		s.store = nil
	}
	if s.lock != nil {
		_ = s.lock.Release()
		s.lock = nil
	}
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("fibpool starting", "version", currentVersionInfo().Version, "config", cfg.Path, "fingerprint", cfg.Fingerprint)

	svc, err := newService(cfg, false)
	if err != nil {
		logger.Error("failed to build service", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("fibpool running (press Ctrl+C to stop)")
	if err := svc.run(ctx); err != nil {
		logger.Error("fibpool stopped with error", "error", err)
		return 1
	}
	logger.Info("fibpool stopped")
	return 0
}
