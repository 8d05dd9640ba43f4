package backpressure

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"mercutio-route/internal/metrics"
)

// Level is how aggressively the daemon should shed new series submissions.
type Level int

const (
	LevelNone Level = iota
	LevelLow
	LevelMedium
	LevelHigh
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelLow:
		return "low"
	case LevelMedium:
		return "medium"
	case LevelHigh:
		return "high"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Config tunes the thresholds and reduction factors applied as the worker
// pool's queue fills up. Thresholds are scored against a weighted blend of
// queue/memory/CPU/IO utilization and error rate (see evaluateLevel).
type Config struct {
	// Score thresholds for each level, 0.0-1.0.
	LowThreshold      float64 `yaml:"low_threshold"`      // 0.6 = 60%
	MediumThreshold   float64 `yaml:"medium_threshold"`   // 0.75 = 75%
	HighThreshold     float64 `yaml:"high_threshold"`     // 0.9 = 90%
	CriticalThreshold float64 `yaml:"critical_threshold"` // 0.95 = 95%

	// Timing.
	CheckInterval time.Duration `yaml:"check_interval"` // how often Start re-evaluates
	StabilizeTime time.Duration `yaml:"stabilize_time"` // hold a new level before allowing another change
	CooldownTime  time.Duration `yaml:"cooldown_time"`  // minimum gap between level changes

	// Reduction factor applied at each level (multiplied against nominal
	// ingest capacity by the caller — this package only reports the factor).
	LowReduction      float64 `yaml:"low_reduction"`      // 0.9 = 90% of capacity
	MediumReduction   float64 `yaml:"medium_reduction"`   // 0.7 = 70% of capacity
	HighReduction     float64 `yaml:"high_reduction"`     // 0.5 = 50% of capacity
	CriticalReduction float64 `yaml:"critical_reduction"` // 0.2 = 20% of capacity
}

// Metrics is the load snapshot evaluateLevel scores. QueueUtilization is
// fed from internal/app's worker pool depth (QueuedTasks/QueueSize); the
// others are optional inputs a caller may leave at zero.
type Metrics struct {
	QueueUtilization  float64 // 0.0 - 1.0
	MemoryUtilization float64 // 0.0 - 1.0
	CPUUtilization    float64 // 0.0 - 1.0
	IOUtilization     float64 // 0.0 - 1.0
	ErrorRate         float64 // 0.0 - 1.0
}

// Manager tracks ingest load and decides when internal/app's watcher should
// shed new series submissions (ShouldReject) rather than grow the worker
// pool's queue without bound.
type Manager struct {
	config Config
	logger *logrus.Logger

	// Current state.
	currentLevel    Level
	currentFactor   float64
	lastLevelChange time.Time
	lastCheck       time.Time
	stabilizeUntil  time.Time

	// Callbacks.
	onLevelChange func(Level, Level, float64)

	// Most recently reported metrics.
	metrics Metrics

	mu sync.RWMutex
}

// NewManager builds a Manager with defaulted thresholds/reductions.
func NewManager(config Config, logger *logrus.Logger) *Manager {
	// Defaults.
	if config.LowThreshold == 0 {
		config.LowThreshold = 0.6
	}
	if config.MediumThreshold == 0 {
		config.MediumThreshold = 0.75
	}
	if config.HighThreshold == 0 {
		config.HighThreshold = 0.9
	}
	if config.CriticalThreshold == 0 {
		config.CriticalThreshold = 0.95
	}
	if config.CheckInterval == 0 {
		config.CheckInterval = 5 * time.Second
	}
	if config.StabilizeTime == 0 {
		config.StabilizeTime = 30 * time.Second
	}
	if config.CooldownTime == 0 {
		config.CooldownTime = 10 * time.Second
	}
	if config.LowReduction == 0 {
		config.LowReduction = 0.9
	}
	if config.MediumReduction == 0 {
		config.MediumReduction = 0.7
	}
	if config.HighReduction == 0 {
		config.HighReduction = 0.5
	}
	if config.CriticalReduction == 0 {
		config.CriticalReduction = 0.2
	}

	return &Manager{
		config:        config,
		logger:        logger,
		currentLevel:  LevelNone,
		currentFactor: 1.0,
	}
}

// UpdateMetrics records a new load snapshot — internal/app calls this from
// its watcher's route callback with the worker pool's current queue
// utilization — and re-evaluates the current level.
func (m *Manager) UpdateMetrics(metrics Metrics) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.metrics = metrics
	m.lastCheck = time.Now()

	m.evaluateLevel()
}

// evaluateLevel scores the current metrics and, once cooldown/stabilize
// windows allow it, moves to the resulting level.
func (m *Manager) evaluateLevel() {
	overallScore := (m.metrics.QueueUtilization * 0.3) +
		(m.metrics.MemoryUtilization * 0.25) +
		(m.metrics.CPUUtilization * 0.2) +
		(m.metrics.IOUtilization * 0.15) +
		(m.metrics.ErrorRate * 0.1)

	newLevel := m.calculateLevel(overallScore)

	if time.Since(m.lastLevelChange) < m.config.CooldownTime {
		return
	}

	if time.Now().Before(m.stabilizeUntil) && newLevel != m.currentLevel {
		return
	}

	if newLevel != m.currentLevel {
		m.changeLevel(newLevel)
	}
}

// calculateLevel maps a 0.0-1.0 load score to a Level via the configured
// thresholds.
func (m *Manager) calculateLevel(score float64) Level {
	switch {
	case score >= m.config.CriticalThreshold:
		return LevelCritical
	case score >= m.config.HighThreshold:
		return LevelHigh
	case score >= m.config.MediumThreshold:
		return LevelMedium
	case score >= m.config.LowThreshold:
		return LevelLow
	default:
		return LevelNone
	}
}

// changeLevel applies newLevel, recomputes the reduction factor, and fires
// the level-change callback.
func (m *Manager) changeLevel(newLevel Level) {
	oldLevel := m.currentLevel
	m.currentLevel = newLevel
	m.lastLevelChange = time.Now()
	m.stabilizeUntil = time.Now().Add(m.config.StabilizeTime)

	switch newLevel {
	case LevelNone:
		m.currentFactor = 1.0
	case LevelLow:
		m.currentFactor = m.config.LowReduction
	case LevelMedium:
		m.currentFactor = m.config.MediumReduction
	case LevelHigh:
		m.currentFactor = m.config.HighReduction
	case LevelCritical:
		m.currentFactor = m.config.CriticalReduction
	}

	metrics.BackpressureLevel.Set(float64(newLevel))

	m.logger.WithFields(logrus.Fields{
		"old_level":    oldLevel.String(),
		"new_level":    newLevel.String(),
		"factor":       m.currentFactor,
		"queue_util":   m.metrics.QueueUtilization,
		"memory_util":  m.metrics.MemoryUtilization,
		"cpu_util":     m.metrics.CPUUtilization,
		"io_util":      m.metrics.IOUtilization,
		"error_rate":   m.metrics.ErrorRate,
	}).Info("Backpressure level changed")

	if m.onLevelChange != nil {
		m.onLevelChange(oldLevel, newLevel, m.currentFactor)
	}
}

// GetLevel returns the current backpressure level.
func (m *Manager) GetLevel() Level {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentLevel
}

// GetFactor returns the current capacity reduction factor.
func (m *Manager) GetFactor() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentFactor
}

// IsActive reports whether any backpressure is currently applied.
func (m *Manager) IsActive() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentLevel != LevelNone
}

// ShouldThrottle reports whether the caller should slow down its own pace
// (e.g. internal/notify's rate limiter adapting downward).
func (m *Manager) ShouldThrottle() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentLevel >= LevelMedium
}

// ShouldReject reports whether new series submissions should be rejected
// outright — internal/app's watcher checks this before enqueuing a route.
func (m *Manager) ShouldReject() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentLevel >= LevelCritical
}

// ShouldDegrade reports whether non-essential functionality should be
// skipped to protect routing throughput.
func (m *Manager) ShouldDegrade() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentLevel >= LevelHigh
}

// GetMetrics returns the most recently recorded load snapshot.
func (m *Manager) GetMetrics() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics
}

// SetLevelChangeCallback registers fn to be called whenever the level changes.
func (m *Manager) SetLevelChangeCallback(fn func(Level, Level, float64)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLevelChange = fn
}

// Start runs a ticker that re-evaluates the level on CheckInterval, in case
// no caller has pushed fresh metrics via UpdateMetrics recently.
func (m *Manager) Start(ctx context.Context) error {
	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	m.logger.Info("Starting backpressure manager")

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Stopping backpressure manager")
			return ctx.Err()
		case <-ticker.C:
			m.mu.Lock()
			if time.Since(m.lastCheck) > m.config.CheckInterval {
				m.evaluateLevel()
			}
			m.mu.Unlock()
		}
	}
}

// ForceLevel overrides the computed level, bypassing cooldown/stabilize —
// used in tests and the ops surface's manual override.
func (m *Manager) ForceLevel(level Level) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changeLevel(level)
}

// Reset clears backpressure back to LevelNone.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changeLevel(LevelNone)
}

// GetStats returns a snapshot of the manager's state for the ops surface.
func (m *Manager) GetStats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]interface{}{
		"current_level":      m.currentLevel.String(),
		"current_factor":     m.currentFactor,
		"last_level_change":  m.lastLevelChange,
		"last_check":         m.lastCheck,
		"stabilize_until":    m.stabilizeUntil,
		"is_active":          m.currentLevel != LevelNone,
		"should_throttle":    m.currentLevel >= LevelMedium,
		"should_reject":      m.currentLevel >= LevelCritical,
		"should_degrade":     m.currentLevel >= LevelHigh,
		"metrics":            m.metrics,
	}
}