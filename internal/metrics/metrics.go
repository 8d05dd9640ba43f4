// Package metrics exposes the routing engine's Prometheus metrics and the
// small HTTP server that serves them. Grounded on the teacher's
// internal/metrics/metrics.go (promauto-registered global vars, the
// safeRegister-on-first-use pattern, MetricsServer's promhttp wiring) —
// trimmed from the teacher's ~85 log-tailing/container-stream/position-
// checkpoint metrics down to the counters and histograms this engine's own
// components actually update, and renamed from the log_capturer_ prefix to
// mercutio_route_.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	// SeriesRoutedTotal counts series the dispatch fan-out routed to at
	// least one target.
	SeriesRoutedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mercutio_route_series_routed_total",
		Help: "Total number of series routed to at least one target.",
	}, []string{"target"})

	// SeriesDiscardedTotal counts series the rule matcher discarded, or
	// that matched no rule at all.
	SeriesDiscardedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mercutio_route_series_discarded_total",
		Help: "Total number of series discarded (explicit discard rule or no match).",
	})

	// SeriesErroredTotal counts RouteSeries invocations that returned an
	// unrecoverable error.
	SeriesErroredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mercutio_route_series_errored_total",
		Help: "Total number of RouteSeries invocations that failed.",
	})

	// RuleEvaluationsTotal counts individual rule expression evaluations,
	// split by whether the rule triggered.
	RuleEvaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mercutio_route_rule_evaluations_total",
		Help: "Total number of rule expression evaluations.",
	}, []string{"rule", "triggered"})

	// DispatchStageDuration times each fan-out stage (discard,
	// study_staging, series_routing, series_processing,
	// series_notification).
	DispatchStageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mercutio_route_dispatch_duration_seconds",
		Help:    "Time spent in each dispatch fan-out stage.",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})

	// WebhookAttemptsTotal counts notify attempts per target and outcome.
	WebhookAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mercutio_route_webhook_attempts_total",
		Help: "Total number of webhook notification attempts.",
	}, []string{"target", "outcome"})

	// CircuitBreakerState reports each target breaker's current state
	// (0=closed, 1=half-open, 2=open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mercutio_route_circuit_breaker_state",
		Help: "Current circuit breaker state per notify target (0=closed, 1=half-open, 2=open).",
	}, []string{"target"})

	// DeadLetterQueueDepth reports how many notifications are parked per
	// target after exhausting retries.
	DeadLetterQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mercutio_route_dlq_depth",
		Help: "Current number of webhook payloads parked in the dead letter queue per target.",
	}, []string{"target"})

	// SweepDuration times a full retention sweep pass.
	SweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mercutio_route_sweep_duration_seconds",
		Help:    "Time spent in a retention/error sweep pass.",
		Buckets: prometheus.DefBuckets,
	}, []string{"sweeper"})

	// FilesSweptTotal counts files removed or relocated by a sweep pass.
	FilesSweptTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mercutio_route_files_swept_total",
		Help: "Total number of files removed or relocated by a sweep pass.",
	}, []string{"sweeper", "folder"})

	// FreeDiskBytes reports free space on the spool's filesystem, sampled
	// ahead of staging-folder creation and on each cleanup tick.
	FreeDiskBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mercutio_route_free_disk_bytes",
		Help: "Free bytes on the spool filesystem, last sampled.",
	})

	// DeduplicationCacheEvictions counts entries evicted from the series
	// trigger de-duplication cache.
	DeduplicationCacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mercutio_route_deduplication_cache_evictions_total",
		Help: "Total number of entries evicted from the de-duplication cache.",
	})

	// DeduplicationCacheSize reports the current de-duplication cache size.
	DeduplicationCacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mercutio_route_deduplication_cache_size",
		Help: "Current number of entries held in the de-duplication cache.",
	})

	// DeduplicationCacheHitRate reports the cache's rolling hit rate.
	DeduplicationCacheHitRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mercutio_route_deduplication_cache_hit_rate",
		Help: "Rolling hit rate of the de-duplication cache (0.0 to 1.0).",
	})

	// DeduplicationDuplicateRate reports the fraction of RouteSeries calls
	// suppressed as duplicates.
	DeduplicationDuplicateRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mercutio_route_deduplication_duplicate_rate",
		Help: "Rolling fraction of RouteSeries invocations suppressed as duplicates.",
	})

	// TaskHeartbeats counts heartbeats recorded by the background task
	// manager (sweeper pass, hot-reload watch, worker pool collector).
	TaskHeartbeats = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mercutio_route_task_heartbeats_total",
		Help: "Total number of heartbeats recorded per background task.",
	}, []string{"task"})

	// ActiveTasks reports the number of background tasks currently
	// running under the task manager.
	ActiveTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mercutio_route_active_tasks",
		Help: "Current number of running background tasks.",
	})

	// WorkerPoolQueueDepth reports the per-series worker pool's queue
	// depth.
	WorkerPoolQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mercutio_route_worker_pool_queue_depth",
		Help: "Current number of queued series awaiting a worker.",
	})

	// BackpressureLevel reports the ingest backpressure manager's current
	// shed level (backpressure.Level: 0=none, 1=low, 2=medium, 3=high,
	// 4=critical).
	BackpressureLevel = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mercutio_route_backpressure_level",
		Help: "Current ingest backpressure level (0=none, 1=low, 2=medium, 3=high, 4=critical).",
	})

	// Goroutines reports the daemon's live goroutine count.
	Goroutines = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mercutio_route_goroutines",
		Help: "Current number of goroutines.",
	})

	// MemoryUsage reports the daemon's heap-in-use bytes.
	MemoryUsage = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mercutio_route_memory_usage_bytes",
		Help: "Current heap memory in use, bytes.",
	})
)

// RuntimeSampler periodically samples process-level gauges (goroutines,
// heap usage) that have no natural call site of their own. Grounded on the
// teacher's EnhancedMetrics background collector in
// internal/metrics/metrics.go, trimmed to the two signals this daemon's
// ops surface actually needs — the teacher's connection-pool/compression-
// ratio/batching gauges described an HTTP log-shipping sink this engine
// doesn't have.
type RuntimeSampler struct {
	interval time.Duration
	logger   *logrus.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewRuntimeSampler builds a sampler that updates Goroutines/MemoryUsage
// every interval.
func NewRuntimeSampler(interval time.Duration, logger *logrus.Logger) *RuntimeSampler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &RuntimeSampler{interval: interval, logger: logger, done: make(chan struct{})}
}

// Start runs the sample loop until ctx is cancelled or Stop is called.
func (r *RuntimeSampler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sample()
			}
		}
	}()
}

// Stop cancels the sample loop and waits for it to exit.
func (r *RuntimeSampler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	<-r.done
}

func (r *RuntimeSampler) sample() {
	Goroutines.Set(float64(runtime.NumGoroutine()))
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	MemoryUsage.Set(float64(ms.HeapInuse))
}

var registerOnce sync.Once

// safeRegister registers collector with the default registry, tolerating a
// second registration attempt (tests construct more than one MetricsServer
// in the same process).
func safeRegister(collector prometheus.Collector) {
	defer func() {
		_ = recover()
	}()
	prometheus.Register(collector)
}

// Register is idempotent and registers every package-level collector with
// the default Prometheus registry. promauto already registers on
// declaration for the default registerer, so this mainly guards tests that
// construct collectors against a custom registry; kept as a single
// predictable entry point the daemon calls once at startup.
func Register() {
	registerOnce.Do(func() {
		safeRegister(SeriesRoutedTotal)
		safeRegister(SeriesDiscardedTotal)
		safeRegister(SeriesErroredTotal)
		safeRegister(RuleEvaluationsTotal)
		safeRegister(DispatchStageDuration)
		safeRegister(WebhookAttemptsTotal)
		safeRegister(CircuitBreakerState)
		safeRegister(DeadLetterQueueDepth)
		safeRegister(SweepDuration)
		safeRegister(FilesSweptTotal)
		safeRegister(FreeDiskBytes)
		safeRegister(DeduplicationCacheEvictions)
		safeRegister(DeduplicationCacheSize)
		safeRegister(DeduplicationCacheHitRate)
		safeRegister(DeduplicationDuplicateRate)
		safeRegister(TaskHeartbeats)
		safeRegister(ActiveTasks)
		safeRegister(WorkerPoolQueueDepth)
		safeRegister(BackpressureLevel)
		safeRegister(Goroutines)
		safeRegister(MemoryUsage)
	})
}

// Server serves /metrics on its own listener. Grounded on the teacher's
// MetricsServer (internal/metrics/metrics.go).
type Server struct {
	server *http.Server
	logger *logrus.Logger
}

// NewServer builds a metrics server bound to addr, not yet listening.
func NewServer(addr string, logger *logrus.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{
		server: &http.Server{Addr: addr, Handler: mux},
		logger: logger,
	}
}

// Start begins serving in the background. A bind failure is logged, not
// returned, matching the ops surface's "metrics is best-effort" posture —
// it must never be the reason routing itself can't start.
func (s *Server) Start() {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("metrics server error")
		}
	}()
}

// Stop shuts the metrics server down within a 5s grace period.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics: shutdown: %w", err)
	}
	return nil
}
