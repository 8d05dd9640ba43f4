package backpressure

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testConfig() Config {
	return Config{
		LowThreshold:      0.5,
		MediumThreshold:   0.7,
		HighThreshold:     0.85,
		CriticalThreshold: 0.95,
		CheckInterval:     time.Second,
		StabilizeTime:     0,
		CooldownTime:      0,
	}
}

func TestUpdateMetricsWithLowQueueUtilizationStaysNone(t *testing.T) {
	m := NewManager(testConfig(), testLogger())
	m.UpdateMetrics(Metrics{QueueUtilization: 0.1})
	assert.Equal(t, LevelNone, m.GetLevel())
	assert.False(t, m.IsActive())
}

func TestUpdateMetricsWithSaturatedQueueTriggersReject(t *testing.T) {
	m := NewManager(testConfig(), testLogger())
	m.UpdateMetrics(Metrics{QueueUtilization: 0.99})
	assert.Equal(t, LevelCritical, m.GetLevel())
	assert.True(t, m.ShouldReject())
	assert.True(t, m.ShouldDegrade())
	assert.True(t, m.ShouldThrottle())
}

func TestUpdateMetricsAtMediumLevelThrottlesButDoesNotReject(t *testing.T) {
	m := NewManager(testConfig(), testLogger())
	m.UpdateMetrics(Metrics{QueueUtilization: 0.75})
	assert.Equal(t, LevelMedium, m.GetLevel())
	assert.True(t, m.ShouldThrottle())
	assert.False(t, m.ShouldReject())
	assert.False(t, m.ShouldDegrade())
}

func TestCooldownBlocksRapidLevelChanges(t *testing.T) {
	cfg := testConfig()
	cfg.CooldownTime = time.Hour
	m := NewManager(cfg, testLogger())

	m.UpdateMetrics(Metrics{QueueUtilization: 0.1})
	require := assert.New(t)
	require.Equal(LevelNone, m.GetLevel())

	// First change is allowed since lastLevelChange is zero-valued.
	m.UpdateMetrics(Metrics{QueueUtilization: 0.99})
	require.Equal(LevelCritical, m.GetLevel())

	// A second change within the cooldown window should be suppressed.
	m.UpdateMetrics(Metrics{QueueUtilization: 0.1})
	require.Equal(LevelCritical, m.GetLevel(), "level should not drop back during cooldown")
}

func TestLevelChangeCallbackFires(t *testing.T) {
	m := NewManager(testConfig(), testLogger())

	var gotOld, gotNew Level
	var gotFactor float64
	m.SetLevelChangeCallback(func(oldLevel, newLevel Level, factor float64) {
		gotOld, gotNew, gotFactor = oldLevel, newLevel, factor
	})

	m.UpdateMetrics(Metrics{QueueUtilization: 0.99})

	assert.Equal(t, LevelNone, gotOld)
	assert.Equal(t, LevelCritical, gotNew)
	assert.Equal(t, m.config.CriticalReduction, gotFactor)
}

func TestForceLevelBypassesCooldown(t *testing.T) {
	cfg := testConfig()
	cfg.CooldownTime = time.Hour
	m := NewManager(cfg, testLogger())

	m.UpdateMetrics(Metrics{QueueUtilization: 0.99})
	assert.Equal(t, LevelCritical, m.GetLevel())

	m.ForceLevel(LevelLow)
	assert.Equal(t, LevelLow, m.GetLevel())
}

func TestResetReturnsToLevelNone(t *testing.T) {
	m := NewManager(testConfig(), testLogger())
	m.UpdateMetrics(Metrics{QueueUtilization: 0.99})
	assert.Equal(t, LevelCritical, m.GetLevel())

	m.Reset()
	assert.Equal(t, LevelNone, m.GetLevel())
	assert.Equal(t, 1.0, m.GetFactor())
}

func TestGetStatsReflectsCurrentState(t *testing.T) {
	m := NewManager(testConfig(), testLogger())
	m.UpdateMetrics(Metrics{QueueUtilization: 0.75})

	stats := m.GetStats()
	assert.Equal(t, "medium", stats["current_level"])
	assert.Equal(t, true, stats["should_throttle"])
	assert.Equal(t, false, stats["should_reject"])
}
