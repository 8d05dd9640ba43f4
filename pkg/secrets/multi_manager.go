package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// SecretManager is implemented by each secrets backend (env, vault, aws, k8s).
type SecretManager interface {
	GetSecret(ctx context.Context, key string) (string, error)
	SetSecret(ctx context.Context, key, value string) error
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
	IsHealthy() bool
	Close() error
}

// MultiSecretsManager resolves the secret references the engine's notify and
// telemetry paths carry: a target's webhook bearer token (types.Target.
// SecretRef) and a Kafka SASL password (types.KafkaTelemetryConfig.
// SASLSecret). It tries the default backend first, falls back through
// FallbackOrder if configured, and caches resolved values for CacheTTL so a
// slow vault/AWS round trip isn't paid on every webhook attempt.
type MultiSecretsManager struct {
	config   Config
	logger   *logrus.Logger
	backends map[string]SecretManager

	// cache holds resolved secret values, keyed by the full (prefixed) key
	cache      map[string]*CachedSecret
	cacheMutex sync.RWMutex

	stats Stats
	mutex sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
}

// Config configures MultiSecretsManager.
type Config struct {
	// DefaultBackend selects which configured backend resolves a secret first.
	DefaultBackend string `yaml:"default_backend"`

	// Backends maps a backend name to its configuration.
	Backends map[string]BackendConfig `yaml:"backends"`

	// CacheEnabled toggles the in-memory resolved-value cache.
	CacheEnabled bool          `yaml:"cache_enabled"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
	CacheSize    int           `yaml:"cache_size"`

	// RotationEnabled periodically invalidates the cache so a rotated
	// webhook token or SASL password is re-fetched instead of served stale.
	RotationEnabled  bool          `yaml:"rotation_enabled"`
	RotationInterval time.Duration `yaml:"rotation_interval"`

	// FallbackEnabled tries FallbackOrder's backends in turn when the
	// default backend doesn't have a key.
	FallbackEnabled bool     `yaml:"fallback_enabled"`
	FallbackOrder   []string `yaml:"fallback_order"`

	// Prefixes namespaces lookups by caller: "webhook" for notify targets,
	// "kafka" for telemetry SASL credentials.
	Prefixes map[string]string `yaml:"prefixes"`
}

// BackendConfig configures one named backend.
type BackendConfig struct {
	Type     string            `yaml:"type"`
	Enabled  bool              `yaml:"enabled"`
	Options  map[string]string `yaml:"options"`
	Priority int               `yaml:"priority"`
}

// CachedSecret is one resolved value held in the cache.
type CachedSecret struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
	Backend   string    `json:"backend"`
}

// Stats reports resolution counters, split out by backend.
type Stats struct {
	TotalRequests    int64             `json:"total_requests"`
	CacheHits        int64             `json:"cache_hits"`
	CacheMisses      int64             `json:"cache_misses"`
	BackendRequests  map[string]int64  `json:"backend_requests"`
	BackendErrors    map[string]int64  `json:"backend_errors"`
	LastRotation     time.Time         `json:"last_rotation"`
	RotationCount    int64             `json:"rotation_count"`
}

// NewMultiSecretsManager builds a MultiSecretsManager and starts its cache
// cleanup and (if enabled) rotation loops.
func NewMultiSecretsManager(config Config, logger *logrus.Logger) (*MultiSecretsManager, error) {
	ctx, cancel := context.WithCancel(context.Background())

	// Defaults
	if config.DefaultBackend == "" {
		config.DefaultBackend = "env"
	}
	if config.CacheTTL == 0 {
		config.CacheTTL = 5 * time.Minute
	}
	if config.CacheSize == 0 {
		config.CacheSize = 1000
	}
	if config.RotationInterval == 0 {
		config.RotationInterval = 24 * time.Hour
	}

	msm := &MultiSecretsManager{
		config:   config,
		logger:   logger,
		backends: make(map[string]SecretManager),
		cache:    make(map[string]*CachedSecret),
		stats: Stats{
			BackendRequests: make(map[string]int64),
			BackendErrors:   make(map[string]int64),
		},
		ctx:    ctx,
		cancel: cancel,
	}

	// Initialize backends
	if err := msm.initializeBackends(); err != nil {
		return nil, err
	}

	// Start maintenance loops
	go msm.cacheCleanupLoop()
	if config.RotationEnabled {
		go msm.rotationLoop()
	}

	return msm, nil
}

// initializeBackends initializes every enabled backend from config.
func (msm *MultiSecretsManager) initializeBackends() error {
	for name, backendConfig := range msm.config.Backends {
		if !backendConfig.Enabled {
			continue
		}

		backend, err := msm.createBackend(backendConfig)
		if err != nil {
			msm.logger.WithError(err).WithField("backend", name).Error("Failed to create backend")
			continue
		}

		msm.backends[name] = backend
		msm.logger.WithField("backend", name).Info("Secret backend initialized")
	}

	if len(msm.backends) == 0 {
		return fmt.Errorf("no secret backends available")
	}

	return nil
}

// createBackend builds one backend by its configured type.
func (msm *MultiSecretsManager) createBackend(config BackendConfig) (SecretManager, error) {
	switch config.Type {
	case "env":
		return NewEnvBackend(config.Options, msm.logger), nil
	case "vault":
		return NewVaultBackend(config.Options, msm.logger)
	case "aws":
		return NewAWSBackend(config.Options, msm.logger)
	case "k8s":
		return NewK8sBackend(config.Options, msm.logger)
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", config.Type)
	}
}

// GetSecret resolves key against the default backend, falling back through
// FallbackOrder if FallbackEnabled and the default backend misses.
func (msm *MultiSecretsManager) GetSecret(ctx context.Context, key string) (string, error) {
	msm.mutex.Lock()
	msm.stats.TotalRequests++
	msm.mutex.Unlock()

	// Check the cache first
	if msm.config.CacheEnabled {
		if cached := msm.getFromCache(key); cached != nil {
			msm.mutex.Lock()
			msm.stats.CacheHits++
			msm.mutex.Unlock()
			return cached.Value, nil
		}
		msm.mutex.Lock()
		msm.stats.CacheMisses++
		msm.mutex.Unlock()
	}

	// Try the default backend first
	if backend, exists := msm.backends[msm.config.DefaultBackend]; exists {
		if value, err := msm.getFromBackend(ctx, backend, msm.config.DefaultBackend, key); err == nil {
			msm.addToCache(key, value, msm.config.DefaultBackend)
			return value, nil
		}
	}

	// Fall back to other backends if enabled
	if msm.config.FallbackEnabled {
		for _, backendName := range msm.config.FallbackOrder {
			if backend, exists := msm.backends[backendName]; exists && backendName != msm.config.DefaultBackend {
				if value, err := msm.getFromBackend(ctx, backend, backendName, key); err == nil {
					msm.addToCache(key, value, backendName)
					return value, nil
				}
			}
		}
	}

	return "", fmt.Errorf("secret not found in any backend: %s", key)
}

// getFromBackend resolves key from one named backend, tracking its
// request/error counters.
func (msm *MultiSecretsManager) getFromBackend(ctx context.Context, backend SecretManager, backendName, key string) (string, error) {
	msm.mutex.Lock()
	msm.stats.BackendRequests[backendName]++
	msm.mutex.Unlock()

	value, err := backend.GetSecret(ctx, key)
	if err != nil {
		msm.mutex.Lock()
		msm.stats.BackendErrors[backendName]++
		msm.mutex.Unlock()
		return "", err
	}

	return value, nil
}

// SetSecret writes key to the default backend and invalidates its cache entry.
func (msm *MultiSecretsManager) SetSecret(ctx context.Context, key, value string) error {
	backend, exists := msm.backends[msm.config.DefaultBackend]
	if !exists {
		return fmt.Errorf("default backend not available: %s", msm.config.DefaultBackend)
	}

	if err := backend.SetSecret(ctx, key, value); err != nil {
		msm.mutex.Lock()
		msm.stats.BackendErrors[msm.config.DefaultBackend]++
		msm.mutex.Unlock()
		return err
	}

	// Invalidate cache
	msm.removeFromCache(key)

	return nil
}

// DeleteSecret removes key from the default backend and invalidates its cache entry.
func (msm *MultiSecretsManager) DeleteSecret(ctx context.Context, key string) error {
	backend, exists := msm.backends[msm.config.DefaultBackend]
	if !exists {
		return fmt.Errorf("default backend not available: %s", msm.config.DefaultBackend)
	}

	if err := backend.DeleteSecret(ctx, key); err != nil {
		return err
	}

	// Invalidate cache
	msm.removeFromCache(key)

	return nil
}

// GetSecretWithPrefix resolves key under a namespace prefix, e.g.
// "webhook/<ref>" or "kafka/<ref>".
func (msm *MultiSecretsManager) GetSecretWithPrefix(ctx context.Context, prefix, key string) (string, error) {
	fullKey := fmt.Sprintf("%s/%s", prefix, key)
	return msm.GetSecret(ctx, fullKey)
}

// GetWebhookSecret resolves a notification target's bearer token, as
// referenced by types.Target.SecretRef and consumed by internal/notify.Sender.
func (msm *MultiSecretsManager) GetWebhookSecret(ctx context.Context, key string) (string, error) {
	if prefix, exists := msm.config.Prefixes["webhook"]; exists {
		return msm.GetSecretWithPrefix(ctx, prefix, key)
	}
	return msm.GetSecret(ctx, "webhook/"+key)
}

// GetKafkaSecret resolves a telemetry sink's SASL password, as referenced
// by types.KafkaTelemetryConfig.SASLSecret and consumed by
// internal/telemetry.NewKafkaSink.
func (msm *MultiSecretsManager) GetKafkaSecret(ctx context.Context, key string) (string, error) {
	if prefix, exists := msm.config.Prefixes["kafka"]; exists {
		return msm.GetSecretWithPrefix(ctx, prefix, key)
	}
	return msm.GetSecret(ctx, "kafka/"+key)
}

// getFromCache returns the cached value for key, or nil if absent or expired.
func (msm *MultiSecretsManager) getFromCache(key string) *CachedSecret {
	msm.cacheMutex.RLock()
	defer msm.cacheMutex.RUnlock()

	cached, exists := msm.cache[key]
	if !exists {
		return nil
	}

	if time.Now().After(cached.ExpiresAt) {
		// expired
		return nil
	}

	return cached
}

// addToCache stores value for key, evicting the soonest-to-expire entry if
// the cache is at CacheSize.
func (msm *MultiSecretsManager) addToCache(key, value, backend string) {
	if !msm.config.CacheEnabled {
		return
	}

	msm.cacheMutex.Lock()
	defer msm.cacheMutex.Unlock()

	// Enforce the cache size limit
	if len(msm.cache) >= msm.config.CacheSize {
		msm.evictOldestFromCache()
	}

	msm.cache[key] = &CachedSecret{
		Value:     value,
		ExpiresAt: time.Now().Add(msm.config.CacheTTL),
		Backend:   backend,
	}
}

// removeFromCache deletes key from the cache, if present.
func (msm *MultiSecretsManager) removeFromCache(key string) {
	msm.cacheMutex.Lock()
	defer msm.cacheMutex.Unlock()
	delete(msm.cache, key)
}

// evictOldestFromCache removes the entry with the nearest expiry.
func (msm *MultiSecretsManager) evictOldestFromCache() {
	var oldestKey string
	var oldestTime time.Time

	for key, cached := range msm.cache {
		if oldestKey == "" || cached.ExpiresAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = cached.ExpiresAt
		}
	}

	if oldestKey != "" {
		delete(msm.cache, oldestKey)
	}
}

// cacheCleanupLoop periodically sweeps expired cache entries.
func (msm *MultiSecretsManager) cacheCleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-msm.ctx.Done():
			return
		case <-ticker.C:
			msm.cleanupExpiredCache()
		}
	}
}

// cleanupExpiredCache deletes every cache entry past its ExpiresAt.
func (msm *MultiSecretsManager) cleanupExpiredCache() {
	msm.cacheMutex.Lock()
	defer msm.cacheMutex.Unlock()

	now := time.Now()
	expiredKeys := make([]string, 0)

	for key, cached := range msm.cache {
		if now.After(cached.ExpiresAt) {
			expiredKeys = append(expiredKeys, key)
		}
	}

	for _, key := range expiredKeys {
		delete(msm.cache, key)
	}

	if len(expiredKeys) > 0 {
		msm.logger.WithField("expired_count", len(expiredKeys)).Debug("Cleaned up expired cache entries")
	}
}

// rotationLoop periodically forces a re-fetch of every cached secret, so a
// rotated webhook token or SASL password in the backing store is picked up
// without restarting the engine.
func (msm *MultiSecretsManager) rotationLoop() {
	ticker := time.NewTicker(msm.config.RotationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-msm.ctx.Done():
			return
		case <-ticker.C:
			msm.performRotation()
		}
	}
}

// performRotation clears the cache and records the rotation in Stats.
func (msm *MultiSecretsManager) performRotation() {
	msm.logger.Info("Starting secret rotation")

	// Invalidate the whole cache to force a re-fetch
	msm.cacheMutex.Lock()
	msm.cache = make(map[string]*CachedSecret)
	msm.cacheMutex.Unlock()

	msm.mutex.Lock()
	msm.stats.RotationCount++
	msm.stats.LastRotation = time.Now()
	msm.mutex.Unlock()

	msm.logger.Info("Secret rotation completed")
}

// IsHealthy reports true if at least one backend is healthy.
func (msm *MultiSecretsManager) IsHealthy() bool {
	healthyBackends := 0
	for _, backend := range msm.backends {
		if backend.IsHealthy() {
			healthyBackends++
		}
	}

	// At least one backend must be healthy
	return healthyBackends > 0
}

// GetStats returns the current resolution counters.
func (msm *MultiSecretsManager) GetStats() Stats {
	msm.mutex.RLock()
	defer msm.mutex.RUnlock()
	return msm.stats
}

// GetInfo returns a detailed status report.
func (msm *MultiSecretsManager) GetInfo() map[string]interface{} {
	stats := msm.GetStats()

	cacheHitRate := float64(0)
	if stats.TotalRequests > 0 {
		cacheHitRate = float64(stats.CacheHits) / float64(stats.TotalRequests) * 100
	}

	msm.cacheMutex.RLock()
	cacheSize := len(msm.cache)
	msm.cacheMutex.RUnlock()

	backendHealth := make(map[string]bool)
	for name, backend := range msm.backends {
		backendHealth[name] = backend.IsHealthy()
	}

	return map[string]interface{}{
		"default_backend":     msm.config.DefaultBackend,
		"cache_enabled":       msm.config.CacheEnabled,
		"cache_ttl":           msm.config.CacheTTL.String(),
		"cache_size":          cacheSize,
		"cache_max_size":      msm.config.CacheSize,
		"rotation_enabled":    msm.config.RotationEnabled,
		"rotation_interval":   msm.config.RotationInterval.String(),
		"fallback_enabled":    msm.config.FallbackEnabled,
		"fallback_order":      msm.config.FallbackOrder,
		"total_requests":      stats.TotalRequests,
		"cache_hits":          stats.CacheHits,
		"cache_misses":        stats.CacheMisses,
		"cache_hit_rate_pct":  cacheHitRate,
		"backend_requests":    stats.BackendRequests,
		"backend_errors":      stats.BackendErrors,
		"backend_health":      backendHealth,
		"last_rotation":       stats.LastRotation,
		"rotation_count":      stats.RotationCount,
	}
}

// Close stops the maintenance loops and closes every backend.
func (msm *MultiSecretsManager) Close() error {
	msm.cancel()

	var lastError error
	for name, backend := range msm.backends {
		if err := backend.Close(); err != nil {
			msm.logger.WithError(err).WithField("backend", name).Error("Failed to close backend")
			lastError = err
		}
	}

	return lastError
}

// EnvBackend resolves secrets from environment variables — the default
// backend, suitable when webhook tokens and SASL passwords are injected by
// the deployment environment rather than a vault.
type EnvBackend struct {
	prefix string
	logger *logrus.Logger
}

// NewEnvBackend builds an EnvBackend. options["prefix"] defaults to
// "SECRET_".
func NewEnvBackend(options map[string]string, logger *logrus.Logger) *EnvBackend {
	prefix := options["prefix"]
	if prefix == "" {
		prefix = "SECRET_"
	}

	return &EnvBackend{
		prefix: prefix,
		logger: logger,
	}
}

// GetSecret reads envKey = prefix + upper-snake-cased key.
func (eb *EnvBackend) GetSecret(ctx context.Context, key string) (string, error) {
	envKey := eb.prefix + strings.ToUpper(strings.ReplaceAll(key, "/", "_"))
	value := os.Getenv(envKey)
	if value == "" {
		return "", fmt.Errorf("environment variable not found: %s", envKey)
	}
	return value, nil
}

// SetSecret sets the process environment variable — not persisted across restarts.
func (eb *EnvBackend) SetSecret(ctx context.Context, key, value string) error {
	envKey := eb.prefix + strings.ToUpper(strings.ReplaceAll(key, "/", "_"))
	return os.Setenv(envKey, value)
}

// DeleteSecret unsets the process environment variable.
func (eb *EnvBackend) DeleteSecret(ctx context.Context, key string) error {
	envKey := eb.prefix + strings.ToUpper(strings.ReplaceAll(key, "/", "_"))
	return os.Unsetenv(envKey)
}

// ListSecrets returns every key (with prefix stripped) whose environment
// variable name starts with prefix.
func (eb *EnvBackend) ListSecrets(ctx context.Context) ([]string, error) {
	var secrets []string
	for _, env := range os.Environ() {
		if strings.HasPrefix(env, eb.prefix) {
			key := strings.SplitN(env, "=", 2)[0]
			secrets = append(secrets, strings.TrimPrefix(key, eb.prefix))
		}
	}
	return secrets, nil
}

// IsHealthy always reports true: environment variables are always available.
func (eb *EnvBackend) IsHealthy() bool {
	return true
}

// Close is a no-op: EnvBackend holds no resources.
func (eb *EnvBackend) Close() error {
	return nil
}

// Stub implementations for the remaining backend types (Vault, AWS, K8s).
// A deployment that needs one of these wires a real client in its place —
// the engine itself only depends on the SecretManager interface.

// NewVaultBackend is a stub: no HashiCorp Vault client is wired yet.
func NewVaultBackend(options map[string]string, logger *logrus.Logger) (SecretManager, error) {
	return nil, fmt.Errorf("vault backend not implemented")
}

// NewAWSBackend is a stub: no AWS Secrets Manager client is wired yet.
func NewAWSBackend(options map[string]string, logger *logrus.Logger) (SecretManager, error) {
	return nil, fmt.Errorf("aws backend not implemented")
}

// NewK8sBackend is a stub: no Kubernetes Secret client is wired yet.
func NewK8sBackend(options map[string]string, logger *logrus.Logger) (SecretManager, error) {
	return nil, fmt.Errorf("k8s backend not implemented")
}