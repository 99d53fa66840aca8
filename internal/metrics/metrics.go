// Package metrics exports queue and HTTP metrics to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mattjoyce/taskpool/internal/pool"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	registry *prometheus.Registry

	// Queue metrics
	TasksTotal          *prometheus.CounterVec
	TaskWaitSeconds     *prometheus.HistogramVec
	TaskDurationSeconds *prometheus.HistogramVec
	WorkerEventsTotal   *prometheus.CounterVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates and registers all Prometheus metrics
func New(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: registry,

		TasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskpool_tasks_total",
				Help: "Total number of task lifecycle transitions",
			},
			[]string{"queue", "event"},
		),
		TaskWaitSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskpool_task_wait_seconds",
				Help:    "Time tasks spent pending before dispatch",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
			},
			[]string{"queue"},
		),
		TaskDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskpool_task_duration_seconds",
				Help:    "Time from dispatch to settlement",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
			},
			[]string{"queue", "status"},
		),
		WorkerEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskpool_worker_events_total",
				Help: "Total number of worker lifecycle events",
			},
			[]string{"queue", "event"},
		),

		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskpool_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskpool_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}

	registry.MustRegister(
		m.TasksTotal,
		m.TaskWaitSeconds,
		m.TaskDurationSeconds,
		m.WorkerEventsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)
	return m
}

// Observe implements pool.Observer.
func (m *Metrics) Observe(ev pool.Event) {
	switch ev.Type {
	case pool.EventTaskQueued:
		m.TasksTotal.WithLabelValues(ev.Queue, "queued").Inc()
	case pool.EventTaskStarted:
		m.TasksTotal.WithLabelValues(ev.Queue, "started").Inc()
		m.TaskWaitSeconds.WithLabelValues(ev.Queue).Observe(ev.Wait.Seconds())
	case pool.EventTaskFinished:
		m.TasksTotal.WithLabelValues(ev.Queue, "succeeded").Inc()
		m.TaskDurationSeconds.WithLabelValues(ev.Queue, "succeeded").Observe(ev.Duration.Seconds())
	case pool.EventTaskFailed:
		m.TasksTotal.WithLabelValues(ev.Queue, "failed").Inc()
		if ev.Duration > 0 {
			m.TaskDurationSeconds.WithLabelValues(ev.Queue, "failed").Observe(ev.Duration.Seconds())
		}
	case pool.EventWorkerSpawned:
		m.WorkerEventsTotal.WithLabelValues(ev.Queue, "spawned").Inc()
	case pool.EventWorkerExhausted:
		m.WorkerEventsTotal.WithLabelValues(ev.Queue, "exhausted").Inc()
	case pool.EventWorkerReplaced:
		m.WorkerEventsTotal.WithLabelValues(ev.Queue, "replaced").Inc()
	}
}

// RegisterQueue exports the live pending depth and worker occupancy of a
// queue, read from stats at scrape time.
func (m *Metrics) RegisterQueue(name string, stats func() pool.Stats) {
	labels := prometheus.Labels{"queue": name}
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "taskpool_pending_tasks",
			Help:        "Tasks waiting for a worker",
			ConstLabels: labels,
		}, func() float64 { return float64(stats().Pending) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "taskpool_busy_workers",
			Help:        "Workers reserved or running a task",
			ConstLabels: labels,
		}, func() float64 { return float64(stats().Busy()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "taskpool_workers",
			Help:        "Worker slots in the pool",
			ConstLabels: labels,
		}, func() float64 { return float64(len(stats().Workers)) }),
	)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming handlers working behind the middleware.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware instruments HTTP requests. Paths are labelled with the chi route
// pattern so path parameters do not explode cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		m.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
