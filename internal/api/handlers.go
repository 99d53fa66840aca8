package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/taskpool/internal/history"
	"github.com/mattjoyce/taskpool/internal/log"
	"github.com/mattjoyce/taskpool/internal/pool"
	"github.com/mattjoyce/taskpool/internal/protocol"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	stats := s.queue.Stats()
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Queue:         stats.Queue,
		Pending:       stats.Pending,
		Workers:       len(stats.Workers),
		Busy:          stats.Busy(),
		StartedAt:     s.startedAt.UTC(),
	}
	if stats.Closed {
		resp.Status = "closed"
	}

	if cfg := s.opts.Loaded; cfg != nil {
		resp.ConfigFingerprint = cfg.Fingerprint
		stale, err := cfg.Changed()
		if err != nil {
			s.logger.Warn("failed to fingerprint config", "path", cfg.Path, "error", err)
			stale = true
		}
		resp.ConfigStale = stale
	}

	respondJSON(w, http.StatusOK, resp)
}

// handleStats handles GET /stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.queue.Stats()
	respondJSON(w, http.StatusOK, StatsResponse{Stats: stats, Busy: stats.Busy()})
}

// handleSubmit handles POST /tasks. By default it waits for the outcome;
// ?async=true enqueues and returns immediately.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Payload) == 0 {
		s.writeError(w, http.StatusBadRequest, "payload is required")
		return
	}

	if r.URL.Query().Get("async") == "true" {
		taskID := s.queue.Push(req.Payload)
		s.logger.Info("task enqueued via API", "task_id", taskID)
		respondJSON(w, http.StatusAccepted, SubmitResponse{
			TaskID: taskID,
			Queue:  s.queue.Name(),
			Status: StatusQueued,
		})
		return
	}

	select {
	case s.syncSemaphore <- struct{}{}:
		defer func() { <-s.syncSemaphore }()
	default:
		s.writeError(w, http.StatusServiceUnavailable, "too many concurrent synchronous requests")
		return
	}

	type outcome struct {
		result json.RawMessage
		err    error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	taskID := s.queue.Enqueue(req.Payload,
		func(result json.RawMessage) { done <- outcome{result: result} },
		func(err error) { done <- outcome{err: err} },
	)

	ctx := r.Context()
	if s.config.SyncTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.SyncTimeout)
		defer cancel()
	}

	resp := SubmitResponse{TaskID: taskID, Queue: s.queue.Name()}
	select {
	case o := <-done:
		resp.DurationMs = time.Since(start).Milliseconds()
		code := http.StatusOK
		switch {
		case errors.Is(o.err, pool.ErrClosed):
			s.writeError(w, http.StatusServiceUnavailable, o.err.Error())
			return
		case protocol.IsTaskError(o.err):
			resp.Status = StatusFailed
			resp.Error = o.err.Error()
		case o.err != nil:
			// The worker died under the task.
			log.WithTask(taskID).Warn("task lost its worker", "queue", s.queue.Name(), "error", o.err)
			code = http.StatusBadGateway
			resp.Status = StatusFailed
			resp.Error = o.err.Error()
		default:
			resp.Status = StatusSucceeded
			resp.Result = o.result
		}
		respondJSON(w, code, resp)
	case <-ctx.Done():
		if r.Context().Err() != nil {
			// Client went away; the task still runs.
			return
		}
		resp.Status = StatusRunning
		respondJSON(w, http.StatusAccepted, resp)
	}
}

// handleHistory handles GET /history?queue=&limit=.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		s.writeError(w, http.StatusNotFound, "history is disabled")
		return
	}

	queue := r.URL.Query().Get("queue")
	if queue == "" {
		queue = s.queue.Name()
	}
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	records, err := s.opts.History.Recent(r.Context(), queue, limit)
	if err != nil {
		s.logger.Error("failed to read history", "queue", queue, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	summary, err := s.opts.History.Summarize(r.Context(), queue)
	if err != nil {
		s.logger.Error("failed to summarize history", "queue", queue, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	if records == nil {
		records = []history.Record{}
	}

	respondJSON(w, http.StatusOK, HistoryResponse{Queue: queue, Summary: summary, Records: records})
}

// handleHistoryRecord handles GET /history/{taskID}.
func (s *Server) handleHistoryRecord(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		s.writeError(w, http.StatusNotFound, "history is disabled")
		return
	}

	taskID := chi.URLParam(r, "taskID")
	rec, err := s.opts.History.Get(r.Context(), taskID)
	if errors.Is(err, history.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to read history", "task_id", taskID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
