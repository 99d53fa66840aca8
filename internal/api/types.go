package api

import (
	"encoding/json"
	"time"

	"github.com/mattjoyce/taskpool/internal/history"
	"github.com/mattjoyce/taskpool/internal/pool"
)

// SubmitRequest is the JSON body for POST /tasks
type SubmitRequest struct {
	Payload json.RawMessage `json:"payload"`
}

// SubmitResponse is returned by POST /tasks.
type SubmitResponse struct {
	TaskID     string          `json:"task_id"`
	Queue      string          `json:"queue"`
	Status     string          `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"duration_ms,omitempty"`
}

// Task statuses reported by POST /tasks.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// HistoryResponse is returned by GET /history.
type HistoryResponse struct {
	Queue   string           `json:"queue"`
	Summary history.Summary  `json:"summary"`
	Records []history.Record `json:"records"`
}

// StatsResponse is returned by GET /stats.
type StatsResponse struct {
	pool.Stats
	Busy int `json:"busy"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Queue         string `json:"queue"`
	Pending       int    `json:"pending"`
	Workers       int    `json:"workers"`
	Busy          int    `json:"busy"`
	// ConfigFingerprint is the BLAKE3 hash of the config file at load time.
	ConfigFingerprint string `json:"config_fingerprint,omitempty"`
	// ConfigStale is set when the file on disk no longer matches.
	ConfigStale bool      `json:"config_stale,omitempty"`
	StartedAt   time.Time `json:"started_at"`
}
