package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// AdaptiveRateLimiter throttles outbound webhook attempts per destination host,
// easing off when a target's response latency creeps up and recovering the
// rate once it settles back down. internal/notify.Sender keeps one instance
// per host alongside its per-host circuit breaker.
type AdaptiveRateLimiter struct {
	config Config
	logger *logrus.Logger

	// Current state
	currentRPS       float64
	currentBurst     int
	tokens           float64
	lastRefill       time.Time
	latencyHistory   *LatencyWindow

	// Statistics
	stats Stats
	mutex sync.RWMutex

	// Adaptation control
	lastAdaptation    time.Time
	adaptationCooldown time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// Config configures the adaptive rate limiter
type Config struct {
	// Enable rate limiting
	Enabled bool `yaml:"enabled"`

	// Initial requests per second
	InitialRPS float64 `yaml:"initial_rps"`

	// Minimum requests per second
	MinRPS float64 `yaml:"min_rps"`

	// Maximum requests per second
	MaxRPS float64 `yaml:"max_rps"`

	// Initial burst size
	InitialBurst int `yaml:"initial_burst"`

	// Minimum burst size
	MinBurst int `yaml:"min_burst"`

	// Maximum burst size
	MaxBurst int `yaml:"max_burst"`

	// Target latency (ms) — a webhook target's acceptable response time
	LatencyTargetMS int `yaml:"latency_target_ms"`

	// Latency tolerance (% above target) before throttling back
	LatencyTolerance float64 `yaml:"latency_tolerance"`

	// Bytes per token (for payload-size-based limiting)
	BytesPerToken int64 `yaml:"bytes_per_token"`

	// Adaptation interval
	AdaptationInterval time.Duration `yaml:"adaptation_interval"`

	// Latency measurement window
	LatencyWindowSize int `yaml:"latency_window_size"`

	// Adaptation aggressiveness factor
	AdaptationFactor float64 `yaml:"adaptation_factor"`

	// Adaptation smoothing
	SmoothingFactor float64 `yaml:"smoothing_factor"`
}

// Stats reports the rate limiter's current counters
type Stats struct {
	TotalRequests     int64   `json:"total_requests"`
	AllowedRequests   int64   `json:"allowed_requests"`
	BlockedRequests   int64   `json:"blocked_requests"`
	BytesProcessed    int64   `json:"bytes_processed"`
	CurrentRPS        float64 `json:"current_rps"`
	CurrentBurst      int     `json:"current_burst"`
	AverageLatencyMS  float64 `json:"average_latency_ms"`
	AdaptationCount   int64   `json:"adaptation_count"`
	LastAdaptation    time.Time `json:"last_adaptation"`
}

// LatencyWindow keeps a sliding window of webhook response latencies
type LatencyWindow struct {
	samples []time.Duration
	index   int
	size    int
	mutex   sync.Mutex
}

// NewLatencyWindow creates a new latency window
func NewLatencyWindow(size int) *LatencyWindow {
	return &LatencyWindow{
		samples: make([]time.Duration, size),
		size:    size,
	}
}

// Add records a latency sample
func (lw *LatencyWindow) Add(latency time.Duration) {
	lw.mutex.Lock()
	defer lw.mutex.Unlock()

	lw.samples[lw.index] = latency
	lw.index = (lw.index + 1) % lw.size
}

// Average computes the mean latency
func (lw *LatencyWindow) Average() time.Duration {
	lw.mutex.Lock()
	defer lw.mutex.Unlock()

	var total time.Duration
	count := 0

	for _, sample := range lw.samples {
		if sample > 0 {
			total += sample
			count++
		}
	}

	if count == 0 {
		return 0
	}

	return total / time.Duration(count)
}

// NewAdaptiveRateLimiter creates a new adaptive rate limiter
func NewAdaptiveRateLimiter(config Config, logger *logrus.Logger) *AdaptiveRateLimiter {
	ctx, cancel := context.WithCancel(context.Background())

	// Defaults
	if config.InitialRPS == 0 {
		config.InitialRPS = 10
	}
	if config.MinRPS == 0 {
		config.MinRPS = 1
	}
	if config.MaxRPS == 0 {
		config.MaxRPS = 1000
	}
	if config.InitialBurst == 0 {
		config.InitialBurst = int(config.InitialRPS * 2)
	}
	if config.MinBurst == 0 {
		config.MinBurst = 1
	}
	if config.MaxBurst == 0 {
		config.MaxBurst = int(config.MaxRPS * 2)
	}
	if config.LatencyTargetMS == 0 {
		config.LatencyTargetMS = 500
	}
	if config.LatencyTolerance == 0 {
		config.LatencyTolerance = 0.2 // 20%
	}
	if config.BytesPerToken == 0 {
		config.BytesPerToken = 65536 // 64KB
	}
	if config.AdaptationInterval == 0 {
		config.AdaptationInterval = 30 * time.Second
	}
	if config.LatencyWindowSize == 0 {
		config.LatencyWindowSize = 100
	}
	if config.AdaptationFactor == 0 {
		config.AdaptationFactor = 0.1 // 10% change per adaptation
	}
	if config.SmoothingFactor == 0 {
		config.SmoothingFactor = 0.8 // exponential smoothing
	}

	rl := &AdaptiveRateLimiter{
		config:             config,
		logger:             logger,
		currentRPS:         config.InitialRPS,
		currentBurst:       config.InitialBurst,
		tokens:             float64(config.InitialBurst),
		lastRefill:         time.Now(),
		latencyHistory:     NewLatencyWindow(config.LatencyWindowSize),
		adaptationCooldown: config.AdaptationInterval,
		ctx:                ctx,
		cancel:             cancel,
	}

	// Start the adaptation loop
	go rl.adaptationLoop()

	return rl
}

// Allow reports whether one webhook attempt is permitted right now
func (rl *AdaptiveRateLimiter) Allow() bool {
	if !rl.config.Enabled {
		return true
	}

	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	rl.stats.TotalRequests++

	// Refill tokens based on elapsed time
	now := time.Now()
	elapsed := now.Sub(rl.lastRefill).Seconds()
	rl.lastRefill = now

	// Compute tokens to add
	tokensToAdd := elapsed * rl.currentRPS
	rl.tokens = math.Min(rl.tokens+tokensToAdd, float64(rl.currentBurst))

	// Check whether a token is available
	if rl.tokens >= 1 {
		rl.tokens--
		rl.stats.AllowedRequests++
		return true
	}

	rl.stats.BlockedRequests++
	return false
}

// AllowN reports whether n webhook attempts are permitted right now
func (rl *AdaptiveRateLimiter) AllowN(n int) bool {
	if !rl.config.Enabled {
		return true
	}

	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	rl.stats.TotalRequests += int64(n)

	// Refill tokens
	now := time.Now()
	elapsed := now.Sub(rl.lastRefill).Seconds()
	rl.lastRefill = now

	tokensToAdd := elapsed * rl.currentRPS
	rl.tokens = math.Min(rl.tokens+tokensToAdd, float64(rl.currentBurst))

	// Check whether enough tokens are available
	if rl.tokens >= float64(n) {
		rl.tokens -= float64(n)
		rl.stats.AllowedRequests += int64(n)
		return true
	}

	rl.stats.BlockedRequests += int64(n)
	return false
}

// AllowBytes reports whether a payload of the given size is permitted,
// converting it to tokens via BytesPerToken
func (rl *AdaptiveRateLimiter) AllowBytes(bytes int64) bool {
	if !rl.config.Enabled || rl.config.BytesPerToken == 0 {
		return true
	}

	tokens := int(math.Ceil(float64(bytes) / float64(rl.config.BytesPerToken)))
	if rl.AllowN(tokens) {
		rl.mutex.Lock()
		rl.stats.BytesProcessed += bytes
		rl.mutex.Unlock()
		return true
	}

	return false
}

// RecordLatency records a webhook response latency sample for adaptation
func (rl *AdaptiveRateLimiter) RecordLatency(latency time.Duration) {
	if !rl.config.Enabled {
		return
	}

	rl.latencyHistory.Add(latency)
}

// adaptationLoop runs the periodic RPS adaptation
func (rl *AdaptiveRateLimiter) adaptationLoop() {
	ticker := time.NewTicker(rl.config.AdaptationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.ctx.Done():
			return
		case <-ticker.C:
			rl.performAdaptation()
		}
	}
}

// performAdaptation adjusts RPS/burst based on observed latency
func (rl *AdaptiveRateLimiter) performAdaptation() {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	avgLatency := rl.latencyHistory.Average()
	if avgLatency == 0 {
		// No latency data yet, nothing to adapt
		return
	}

	targetLatency := time.Duration(rl.config.LatencyTargetMS) * time.Millisecond
	toleranceThreshold := float64(targetLatency) * (1 + rl.config.LatencyTolerance)

	rl.logger.WithFields(logrus.Fields{
		"avg_latency_ms":    avgLatency.Milliseconds(),
		"target_latency_ms": targetLatency.Milliseconds(),
		"current_rps":       rl.currentRPS,
		"current_burst":     rl.currentBurst,
	}).Debug("Performing rate limit adaptation")

	var adaptationNeeded bool
	var newRPS float64
	var newBurst int

	if float64(avgLatency) > toleranceThreshold {
		// Target responding slowly — back off
		reductionFactor := 1 - rl.config.AdaptationFactor
		newRPS = rl.currentRPS * reductionFactor
		adaptationNeeded = true

		rl.logger.WithFields(logrus.Fields{
			"reason":       "high_latency",
			"avg_latency":  avgLatency.Milliseconds(),
			"target":       targetLatency.Milliseconds(),
			"old_rps":      rl.currentRPS,
			"new_rps":      newRPS,
		}).Info("Reducing RPS due to high latency")

	} else if float64(avgLatency) < float64(targetLatency)*0.8 {
		// Target responding quickly — ease back up
		increaseFactor := 1 + rl.config.AdaptationFactor
		newRPS = rl.currentRPS * increaseFactor
		adaptationNeeded = true

		rl.logger.WithFields(logrus.Fields{
			"reason":       "low_latency",
			"avg_latency":  avgLatency.Milliseconds(),
			"target":       targetLatency.Milliseconds(),
			"old_rps":      rl.currentRPS,
			"new_rps":      newRPS,
		}).Info("Increasing RPS due to low latency")
	}

	if adaptationNeeded {
		// Clamp to configured bounds
		newRPS = math.Max(newRPS, rl.config.MinRPS)
		newRPS = math.Min(newRPS, rl.config.MaxRPS)

		// Scale burst proportionally to the new RPS
		burstRatio := float64(rl.currentBurst) / rl.currentRPS
		newBurst = int(newRPS * burstRatio)
		newBurst = int(math.Max(float64(newBurst), float64(rl.config.MinBurst)))
		newBurst = int(math.Min(float64(newBurst), float64(rl.config.MaxBurst)))

		// Apply exponential smoothing
		if rl.stats.AdaptationCount > 0 {
			newRPS = rl.currentRPS*rl.config.SmoothingFactor + newRPS*(1-rl.config.SmoothingFactor)
		}

		// Commit the new values
		rl.currentRPS = newRPS
		rl.currentBurst = newBurst
		rl.stats.AdaptationCount++
		rl.stats.LastAdaptation = time.Now()

		rl.logger.WithFields(logrus.Fields{
			"new_rps":          rl.currentRPS,
			"new_burst":        rl.currentBurst,
			"adaptation_count": rl.stats.AdaptationCount,
		}).Info("Rate limits adapted")
	}

	// Update stats
	rl.stats.CurrentRPS = rl.currentRPS
	rl.stats.CurrentBurst = rl.currentBurst
	rl.stats.AverageLatencyMS = float64(avgLatency.Milliseconds())
}

// Wait blocks until a webhook attempt is permitted or ctx is cancelled
func (rl *AdaptiveRateLimiter) Wait(ctx context.Context) error {
	if !rl.config.Enabled {
		return nil
	}

	for {
		if rl.Allow() {
			return nil
		}

		// Compute wait time from the current token deficit
		rl.mutex.RLock()
		waitTime := time.Duration(1000/rl.currentRPS) * time.Millisecond
		rl.mutex.RUnlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(waitTime):
			continue
		}
	}
}

// GetCurrentLimits returns the current RPS/burst
func (rl *AdaptiveRateLimiter) GetCurrentLimits() (rps float64, burst int) {
	rl.mutex.RLock()
	defer rl.mutex.RUnlock()
	return rl.currentRPS, rl.currentBurst
}

// GetStats returns the current statistics
func (rl *AdaptiveRateLimiter) GetStats() Stats {
	rl.mutex.RLock()
	defer rl.mutex.RUnlock()

	stats := rl.stats
	stats.CurrentRPS = rl.currentRPS
	stats.CurrentBurst = rl.currentBurst
	stats.AverageLatencyMS = float64(rl.latencyHistory.Average().Milliseconds())

	return stats
}

// GetInfo returns a detailed status report
func (rl *AdaptiveRateLimiter) GetInfo() map[string]interface{} {
	stats := rl.GetStats()

	allowRate := float64(0)
	if stats.TotalRequests > 0 {
		allowRate = float64(stats.AllowedRequests) / float64(stats.TotalRequests) * 100
	}

	return map[string]interface{}{
		"enabled":                rl.config.Enabled,
		"current_rps":            stats.CurrentRPS,
		"current_burst":          stats.CurrentBurst,
		"min_rps":                rl.config.MinRPS,
		"max_rps":                rl.config.MaxRPS,
		"latency_target_ms":      rl.config.LatencyTargetMS,
		"latency_tolerance":      rl.config.LatencyTolerance,
		"bytes_per_token":        rl.config.BytesPerToken,
		"adaptation_interval":    rl.config.AdaptationInterval.String(),
		"total_requests":         stats.TotalRequests,
		"allowed_requests":       stats.AllowedRequests,
		"blocked_requests":       stats.BlockedRequests,
		"bytes_processed":        stats.BytesProcessed,
		"average_latency_ms":     stats.AverageLatencyMS,
		"adaptation_count":       stats.AdaptationCount,
		"last_adaptation":        stats.LastAdaptation,
		"allow_rate_percent":     allowRate,
	}
}

// Reset restores the rate limiter to its initial configuration
func (rl *AdaptiveRateLimiter) Reset() {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	rl.currentRPS = rl.config.InitialRPS
	rl.currentBurst = rl.config.InitialBurst
	rl.tokens = float64(rl.config.InitialBurst)
	rl.lastRefill = time.Now()
	rl.stats = Stats{}
	rl.latencyHistory = NewLatencyWindow(rl.config.LatencyWindowSize)

	rl.logger.Info("Rate limiter reset to initial configuration")
}

// Stop halts the adaptation loop
func (rl *AdaptiveRateLimiter) Stop() {
	rl.cancel()
}