// Package deduplication suppresses redundant route_series invocations that
// arrive for the same series UID within a short window — the daemon's
// fsnotify watcher can fire more than once while a series' slices trickle
// in. This is purely an optimization layered ahead of the series lock
// (SPEC_FULL.md §4.G); it is never the thing correctness depends on.
package deduplication

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"
	"mercutio-route/internal/metrics"
)

// DeduplicationManager is an LRU+TTL cache of recently-seen (sourceID,
// message) pairs.
type DeduplicationManager struct {
	config Config
	logger *logrus.Logger

	cache   map[string]*CacheEntry
	lruHead *CacheEntry
	lruTail *CacheEntry
	mutex   sync.RWMutex

	stats Stats

	ctx    context.Context
	cancel context.CancelFunc
}

// Config configures the deduplication manager.
type Config struct {
	// Enabled gates IsDuplicate: when false every call reports "not a
	// duplicate" and no cache is populated.
	Enabled bool `yaml:"enabled"`

	// MaxCacheSize bounds the number of tracked entries.
	MaxCacheSize int `yaml:"max_cache_size"`

	// TTL is how long an entry suppresses a repeat call.
	TTL time.Duration `yaml:"ttl"`

	// CleanupInterval is how often the background sweep runs.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	// CleanupThreshold is the cache-usage fraction above which the sweep
	// also evicts by LRU, not just by TTL.
	CleanupThreshold float64 `yaml:"cleanup_threshold"`

	// HashAlgorithm selects the cache-key hash (xxhash or sha256).
	HashAlgorithm string `yaml:"hash_algorithm"`

	// IncludeTimestamp folds a second-truncated timestamp into the hash.
	IncludeTimestamp bool `yaml:"include_timestamp"`

	// IncludeSourceID folds sourceID into the hash in addition to keying
	// the cache entry by it.
	IncludeSourceID bool `yaml:"include_source_id"`
}

// CacheEntry is one LRU+TTL cache entry.
type CacheEntry struct {
	Key       string
	Hash      string
	CreatedAt time.Time
	LastSeen  time.Time
	HitCount  int64

	// Doubly-linked LRU list pointers.
	prev *CacheEntry
	next *CacheEntry
}

// Stats is a point-in-time snapshot of cache activity.
type Stats struct {
	TotalChecks    int64
	CacheHits      int64
	CacheMisses    int64
	Duplicates     int64
	CacheSize      int
	EvictedEntries int64
	CleanupRuns    int64
}

// NewDeduplicationManager builds a DeduplicationManager.
func NewDeduplicationManager(config Config, logger *logrus.Logger) *DeduplicationManager {
	ctx, cancel := context.WithCancel(context.Background())

	if config.MaxCacheSize == 0 {
		config.MaxCacheSize = 100000
	}
	if config.TTL == 0 {
		config.TTL = time.Hour
	}
	if config.CleanupInterval == 0 {
		config.CleanupInterval = 10 * time.Minute
	}
	if config.CleanupThreshold == 0 {
		config.CleanupThreshold = 0.8
	}
	if config.HashAlgorithm == "" {
		config.HashAlgorithm = "xxhash"
	}

	dm := &DeduplicationManager{
		config: config,
		logger: logger,
		cache:  make(map[string]*CacheEntry),
		ctx:    ctx,
		cancel: cancel,
	}

	dm.lruHead = &CacheEntry{}
	dm.lruTail = &CacheEntry{}
	dm.lruHead.next = dm.lruTail
	dm.lruTail.prev = dm.lruHead

	return dm
}

// Start launches the background TTL/LRU sweep.
func (dm *DeduplicationManager) Start() error {
	dm.logger.WithFields(logrus.Fields{
		"enabled":           dm.config.Enabled,
		"max_cache_size":    dm.config.MaxCacheSize,
		"ttl":               dm.config.TTL,
		"cleanup_interval":  dm.config.CleanupInterval,
		"hash_algorithm":    dm.config.HashAlgorithm,
		"include_timestamp": dm.config.IncludeTimestamp,
		"include_source_id": dm.config.IncludeSourceID,
	}).Info("starting deduplication manager")

	go dm.cleanupLoop()

	return nil
}

// Stop cancels the background sweep.
func (dm *DeduplicationManager) Stop() error {
	dm.logger.Info("stopping deduplication manager")
	dm.cancel()
	return nil
}

// IsDuplicate reports whether (sourceID, message) was already seen within
// TTL, recording it for future checks if not. Always returns false when the
// manager is disabled.
func (dm *DeduplicationManager) IsDuplicate(sourceID, message string, timestamp time.Time) bool {
	if !dm.config.Enabled {
		return false
	}

	dm.mutex.Lock()
	defer dm.mutex.Unlock()

	dm.stats.TotalChecks++

	hash := dm.generateHash(sourceID, message, timestamp)
	key := fmt.Sprintf("%s_%s", sourceID, hash)

	entry, exists := dm.cache[key]
	if exists {
		dm.stats.CacheHits++

		if time.Since(entry.CreatedAt) > dm.config.TTL {
			dm.removeEntry(entry)
			dm.stats.CacheMisses++
			dm.addEntry(key, hash)
			return false
		}

		entry.LastSeen = time.Now()
		entry.HitCount++
		dm.moveToFront(entry)

		dm.stats.Duplicates++
		dm.logger.WithFields(logrus.Fields{
			"source_id": sourceID,
			"hash":      hash[:8],
			"hit_count": entry.HitCount,
		}).Debug("duplicate call suppressed")

		return true
	}

	dm.stats.CacheMisses++

	if len(dm.cache) >= dm.config.MaxCacheSize {
		dm.evictLeastRecentlyUsed()
	}

	dm.addEntry(key, hash)

	return false
}

// generateHash computes the cache key's hash component for one check.
func (dm *DeduplicationManager) generateHash(sourceID, message string, timestamp time.Time) string {
	var input string

	input = message

	if dm.config.IncludeSourceID {
		input = sourceID + "_" + input
	}

	if dm.config.IncludeTimestamp {
		truncated := timestamp.Truncate(time.Second)
		input = input + "_" + truncated.Format(time.RFC3339)
	}

	switch dm.config.HashAlgorithm {
	case "xxhash":
		h := xxhash.New()
		h.Write([]byte(input))
		return strconv.FormatUint(h.Sum64(), 16)
	case "sha256":
		hash := sha256.Sum256([]byte(input))
		return fmt.Sprintf("%x", hash)
	default:
		h := xxhash.New()
		h.Write([]byte(input))
		return strconv.FormatUint(h.Sum64(), 16)
	}
}

// addEntry inserts a fresh cache entry at the front of the LRU list.
func (dm *DeduplicationManager) addEntry(key, hash string) {
	entry := &CacheEntry{
		Key:       key,
		Hash:      hash,
		CreatedAt: time.Now(),
		LastSeen:  time.Now(),
		HitCount:  1,
	}

	dm.cache[key] = entry
	dm.addToFront(entry)
}

// removeEntry evicts one entry from both the map and the LRU list.
func (dm *DeduplicationManager) removeEntry(entry *CacheEntry) {
	delete(dm.cache, entry.Key)
	dm.removeFromList(entry)
	dm.stats.EvictedEntries++
	metrics.DeduplicationCacheEvictions.Inc()
}

// addToFront inserts entry at the head of the LRU list.
func (dm *DeduplicationManager) addToFront(entry *CacheEntry) {
	entry.prev = dm.lruHead
	entry.next = dm.lruHead.next
	dm.lruHead.next.prev = entry
	dm.lruHead.next = entry
}

// removeFromList unlinks entry from the LRU list without touching the map.
func (dm *DeduplicationManager) removeFromList(entry *CacheEntry) {
	entry.prev.next = entry.next
	entry.next.prev = entry.prev
}

// moveToFront promotes entry to the head of the LRU list.
func (dm *DeduplicationManager) moveToFront(entry *CacheEntry) {
	dm.removeFromList(entry)
	dm.addToFront(entry)
}

// evictLeastRecentlyUsed drops the coldest entry.
func (dm *DeduplicationManager) evictLeastRecentlyUsed() {
	if dm.lruTail.prev != dm.lruHead {
		dm.removeEntry(dm.lruTail.prev)
	}
}

// cleanupLoop periodically sweeps expired entries and refreshes metrics.
func (dm *DeduplicationManager) cleanupLoop() {
	ticker := time.NewTicker(dm.config.CleanupInterval)
	defer ticker.Stop()

	metricsTicker := time.NewTicker(10 * time.Second)
	defer metricsTicker.Stop()

	for {
		select {
		case <-dm.ctx.Done():
			return
		case <-ticker.C:
			dm.performCleanup()
		case <-metricsTicker.C:
			dm.updateMetrics()
		}
	}
}

// performCleanup removes expired entries, then evicts by LRU if usage is
// still above CleanupThreshold.
func (dm *DeduplicationManager) performCleanup() {
	dm.mutex.Lock()
	defer dm.mutex.Unlock()

	dm.stats.CleanupRuns++
	now := time.Now()
	expiredCount := 0
	thresholdEvicted := 0

	// Collect expired keys first to avoid mutating dm.cache mid-range.
	expiredKeys := make([]string, 0)
	for key, entry := range dm.cache {
		if now.Sub(entry.CreatedAt) > dm.config.TTL {
			expiredKeys = append(expiredKeys, key)
		}
	}

	for _, key := range expiredKeys {
		if entry, exists := dm.cache[key]; exists {
			delete(dm.cache, key)
			dm.removeFromList(entry)
			expiredCount++
			dm.stats.EvictedEntries++
		}
	}

	currentUsage := float64(len(dm.cache)) / float64(dm.config.MaxCacheSize)
	if currentUsage > dm.config.CleanupThreshold {
		targetSize := int(float64(dm.config.MaxCacheSize) * (dm.config.CleanupThreshold - 0.1))

		current := dm.lruTail.prev
		for len(dm.cache) > targetSize && current != dm.lruHead {
			next := current.prev
			dm.removeEntry(current)
			thresholdEvicted++
			current = next
		}
	}

	if expiredCount > 0 || thresholdEvicted > 0 {
		dm.logger.WithFields(logrus.Fields{
			"expired_entries":   expiredCount,
			"threshold_evicted": thresholdEvicted,
			"cache_size":        len(dm.cache),
			"cache_usage_pct":   currentUsage * 100,
		}).Debug("cache cleanup completed")
	}

	dm.stats.CacheSize = len(dm.cache)
}

// GetStats returns a snapshot of cache activity.
func (dm *DeduplicationManager) GetStats() Stats {
	dm.mutex.RLock()
	defer dm.mutex.RUnlock()

	stats := dm.stats
	stats.CacheSize = len(dm.cache)

	return stats
}

// GetCacheInfo returns a detailed, loggable snapshot of cache state.
func (dm *DeduplicationManager) GetCacheInfo() map[string]interface{} {
	dm.mutex.RLock()
	defer dm.mutex.RUnlock()

	stats := dm.GetStats()
	hitRate := float64(0)
	if stats.TotalChecks > 0 {
		hitRate = float64(stats.CacheHits) / float64(stats.TotalChecks) * 100
	}

	duplicateRate := float64(0)
	if stats.TotalChecks > 0 {
		duplicateRate = float64(stats.Duplicates) / float64(stats.TotalChecks) * 100
	}

	usage := float64(0)
	if dm.config.MaxCacheSize > 0 {
		usage = float64(len(dm.cache)) / float64(dm.config.MaxCacheSize) * 100
	}

	return map[string]interface{}{
		"cache_size":         len(dm.cache),
		"max_cache_size":     dm.config.MaxCacheSize,
		"cache_usage_pct":    usage,
		"total_checks":       stats.TotalChecks,
		"cache_hits":         stats.CacheHits,
		"cache_misses":       stats.CacheMisses,
		"hit_rate_pct":       hitRate,
		"duplicates":         stats.Duplicates,
		"duplicate_rate_pct": duplicateRate,
		"evicted_entries":    stats.EvictedEntries,
		"cleanup_runs":       stats.CleanupRuns,
		"ttl":                dm.config.TTL.String(),
		"hash_algorithm":     dm.config.HashAlgorithm,
	}
}

// Clear empties the cache.
func (dm *DeduplicationManager) Clear() {
	dm.mutex.Lock()
	defer dm.mutex.Unlock()

	dm.cache = make(map[string]*CacheEntry)
	dm.lruHead.next = dm.lruTail
	dm.lruTail.prev = dm.lruHead

	dm.logger.Info("deduplication cache cleared")
}

// updateMetrics refreshes the Prometheus gauges; eviction counts are
// incremented directly in removeEntry since Counter has no Set.
func (dm *DeduplicationManager) updateMetrics() {
	stats := dm.GetStats()

	metrics.DeduplicationCacheSize.Set(float64(stats.CacheSize))

	if stats.TotalChecks > 0 {
		hitRate := float64(stats.CacheHits) / float64(stats.TotalChecks)
		metrics.DeduplicationCacheHitRate.Set(hitRate)

		duplicateRate := float64(stats.Duplicates) / float64(stats.TotalChecks)
		metrics.DeduplicationDuplicateRate.Set(duplicateRate)
	}
}