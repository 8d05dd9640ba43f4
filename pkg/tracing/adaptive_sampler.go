package tracing

import (
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// AdaptiveSampler decides when EnhancedTracingManager's hybrid mode should
// open a series.route span based on recent dispatch latency, rather than a
// flat sampling rate. Its RecordLatency feed is EnhancedTracingManager's own
// RecordLatency, fed in turn by internal/dispatch.Fanout.Run's per-series
// dispatch duration — so a span gets opened more often exactly when
// fan-out across the six dispatch stages (match, reception, storage,
// tiering, telemetry, webhook) is running slow.
type AdaptiveSampler struct {
	config AdaptiveSamplingConfig
	logger *logrus.Logger

	// Latency tracking.
	latencies   []time.Duration
	latenciesMu sync.RWMutex
	lastCleanup time.Time
	mu          sync.RWMutex
}

// NewAdaptiveSampler builds a sampler and starts its background cleanup loop.
func NewAdaptiveSampler(config AdaptiveSamplingConfig, logger *logrus.Logger) *AdaptiveSampler {
	as := &AdaptiveSampler{
		config:      config,
		logger:      logger,
		latencies:   make([]time.Duration, 0, 1000),
		lastCleanup: time.Now(),
	}

	go as.cleanupLoop()

	return as
}

// ShouldSample reports whether a fan-out run's dispatch latency has been
// running hot enough (P99 over LatencyThreshold) to warrant opening a
// series.route span for the next series, at SampleRate.
func (as *AdaptiveSampler) ShouldSample() bool {
	if !as.config.Enabled {
		return false
	}

	p99 := as.GetP99()

	if p99 > as.config.LatencyThreshold {
		return rand.Float64() < as.config.SampleRate
	}

	return false
}

// RecordLatency records one internal/dispatch.Fanout.Run duration.
func (as *AdaptiveSampler) RecordLatency(duration time.Duration) {
	as.latenciesMu.Lock()
	defer as.latenciesMu.Unlock()

	as.latencies = append(as.latencies, duration)

	if len(as.latencies) > 10000 {
		as.latencies = as.latencies[1000:] // keep last 9000
	}
}

// GetP99 calculates the 99th percentile dispatch latency over the retained
// window.
func (as *AdaptiveSampler) GetP99() time.Duration {
	as.latenciesMu.RLock()
	defer as.latenciesMu.RUnlock()

	if len(as.latencies) == 0 {
		return 0
	}

	// Simple P99 calculation (not perfect, but fast)
	// For production, consider using a proper percentile library
	sorted := make([]time.Duration, len(as.latencies))
	copy(sorted, as.latencies)

	// Simple selection for P99
	idx := int(float64(len(sorted)) * 0.99)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}

	// Partial sort to get approximate P99
	if idx < len(sorted) {
		return sorted[idx]
	}

	return sorted[len(sorted)-1]
}

// GetP50 calculates the 50th percentile latency (median)
func (as *AdaptiveSampler) GetP50() time.Duration {
	as.latenciesMu.RLock()
	defer as.latenciesMu.RUnlock()

	if len(as.latencies) == 0 {
		return 0
	}

	sorted := make([]time.Duration, len(as.latencies))
	copy(sorted, as.latencies)

	idx := len(sorted) / 2
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}

	return sorted[idx]
}

// GetStats returns the sampler's state for the ops surface.
func (as *AdaptiveSampler) GetStats() map[string]interface{} {
	as.latenciesMu.RLock()
	defer as.latenciesMu.RUnlock()

	return map[string]interface{}{
		"enabled":           as.config.Enabled,
		"latency_threshold": as.config.LatencyThreshold,
		"sample_rate":       as.config.SampleRate,
		"window_size":       as.config.WindowSize,
		"samples_collected": len(as.latencies),
		"p50_latency":       as.GetP50(),
		"p99_latency":       as.GetP99(),
	}
}

// UpdateConfig swaps in newConfig, applied on the next hot-reload.
func (as *AdaptiveSampler) UpdateConfig(newConfig AdaptiveSamplingConfig) {
	as.mu.Lock()
	defer as.mu.Unlock()

	as.config = newConfig

	as.logger.WithFields(logrus.Fields{
		"threshold": newConfig.LatencyThreshold,
		"rate":      newConfig.SampleRate,
		"window":    newConfig.WindowSize,
	}).Info("Adaptive sampler configuration updated")
}

// cleanupLoop trims the latency window every WindowSize tick.
func (as *AdaptiveSampler) cleanupLoop() {
	ticker := time.NewTicker(as.config.WindowSize)
	defer ticker.Stop()

	for range ticker.C {
		as.cleanup()
	}
}

// cleanup trims latencies down to the most recent 5000 dispatch samples.
func (as *AdaptiveSampler) cleanup() {
	as.latenciesMu.Lock()
	defer as.latenciesMu.Unlock()

	if len(as.latencies) > 5000 {
		as.latencies = as.latencies[len(as.latencies)-5000:]
	}

	as.lastCleanup = time.Now()
}
