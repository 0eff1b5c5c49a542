// Package prometheus exports coordinator activity as Prometheus metrics.
package prometheus

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/crabzie/fog-render-farm/internal/core/domain"
	"github.com/crabzie/fog-render-farm/internal/core/port"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "farm"

// Metrics implements port.Metrics on its own registry
type Metrics struct {
	registry *prometheus.Registry

	lockAttempts      *prometheus.CounterVec
	tasksFinished     *prometheus.CounterVec
	taskDuration      *prometheus.HistogramVec
	foldersFinished   *prometheus.CounterVec
	heartbeatFailures prometheus.Counter
	tasksInFlight     prometheus.Gauge
}

var _ port.Metrics = (*Metrics)(nil)

// NewMetrics registers the coordinator collectors plus the Go and process collectors.
// nodeID is attached to every series as a constant label.
func NewMetrics(nodeID string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	labels := prometheus.Labels{"node_id": nodeID}

	return &Metrics{
		registry: reg,

		lockAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "lock",
			Name:        "attempts_total",
			Help:        "Lock acquisition attempts, labelled by outcome.",
			ConstLabels: labels,
		}, []string{"result"}),

		tasksFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "node",
			Name:        "tasks_finished_total",
			Help:        "Tasks this node moved to a terminal status.",
			ConstLabels: labels,
		}, []string{"type", "status"}),

		taskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "node",
			Name:        "task_duration_seconds",
			Help:        "Local execution time of a task in seconds.",
			ConstLabels: labels,
			Buckets:     []float64{0.1, 1, 5, 30, 60, 300, 900, 1800, 3600, 7200},
		}, []string{"type"}),

		foldersFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "folder",
			Name:        "finished_total",
			Help:        "Folders this node finished, labelled by terminal status.",
			ConstLabels: labels,
		}, []string{"status"}),

		heartbeatFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "node",
			Name:        "heartbeat_failures_total",
			Help:        "Heartbeats that did not reach the registry.",
			ConstLabels: labels,
		}),

		tasksInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "node",
			Name:        "tasks_inflight",
			Help:        "Tasks currently executing on this node.",
			ConstLabels: labels,
		}),
	}
}

func (m *Metrics) LockAttempt(acquired bool) {
	result := "busy"
	if acquired {
		result = "acquired"
	}
	m.lockAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) TaskFinished(taskType domain.TaskType, status domain.TaskStatus, elapsed time.Duration) {
	m.tasksFinished.WithLabelValues(string(taskType), string(status)).Inc()
	m.taskDuration.WithLabelValues(string(taskType)).Observe(elapsed.Seconds())
}

func (m *Metrics) FolderFinished(status domain.FolderStatus) {
	m.foldersFinished.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) HeartbeatFailed() {
	m.heartbeatFailures.Inc()
}

func (m *Metrics) TasksInFlight(n int) {
	m.tasksInFlight.Set(float64(n))
}

// Registry exposes the underlying registry, mostly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves /metrics, /healthz and /readyz
func (m *Metrics) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// Serve runs the metrics endpoint in the background until ctx is cancelled
func (m *Metrics) Serve(ctx context.Context, addr string, log *zap.Logger) {
	srv := &http.Server{
		Addr:         addr,
		Handler:      m.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("Metrics server starting", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server error", zap.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()
}
