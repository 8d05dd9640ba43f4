// Package config loads the routing engine's configuration: the folder
// layout, rule and target tables, and the ambient stack knobs (telemetry,
// notify, cleanup, server, dispatch). Grounded on the teacher's LoadConfig/
// ValidateConfig split (YAML first, then environment overrides, then
// validate) in internal/config/config.go, trimmed to the fields this engine
// actually reads and adapted for yaml.v2's lack of a native "string or bool"
// unmarshaler (spec.md's Disabled "True"/"False" artifact).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	apperrors "mercutio-route/pkg/errors"
	"mercutio-route/pkg/security"
	"mercutio-route/pkg/types"
)

// rawRule mirrors types.Rule but accepts the source's "True"/"False" string
// literals for Disabled in addition to a real YAML bool (spec.md §8:
// "string-typed flags... are a source artifact; a rewrite should normalize
// to a boolean at load time while tolerating both literal forms on input").
type rawRule struct {
	Disabled            flexBool `yaml:"disabled"`
	Expression          string   `yaml:"rule"`
	Action              string   `yaml:"action"`
	ActionTrigger       string   `yaml:"action_trigger"`
	Target              string   `yaml:"target"`
	NotificationWebhook string   `yaml:"notification_webhook"`
	NotificationPayload string   `yaml:"notification_payload"`
}

// flexBool unmarshals from a YAML bool or from the strings "True"/"False"
// (any case), matching the source configuration's literal flag values.
type flexBool bool

func (b *flexBool) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw interface{}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case bool:
		*b = flexBool(v)
	case string:
		parsed, err := strconv.ParseBool(strings.ToLower(v))
		if err != nil {
			return fmt.Errorf("disabled: invalid boolean string %q", v)
		}
		*b = flexBool(parsed)
	default:
		return fmt.Errorf("disabled: unsupported type %T", raw)
	}
	return nil
}

// rawConfig is the literal YAML document shape. Rules are decoded through
// rawRule so Disabled tolerates both forms before being normalized into
// types.Rule.
type rawConfig struct {
	Folders types.Folders             `yaml:"folders"`
	Rules   map[string]rawRule        `yaml:"rules"`
	Targets map[string]types.Target   `yaml:"targets"`

	Telemetry types.TelemetryConfig `yaml:"telemetry"`
	Notify    types.NotifyConfig    `yaml:"notify"`
	Cleanup   types.CleanupConfig   `yaml:"cleanup"`
	Server    types.ServerConfig    `yaml:"server"`
	Dispatch  types.DispatchConfig  `yaml:"dispatch"`
}

// LoadConfig reads configFile (YAML), applies defaults and environment
// overrides, validates the result, and returns an immutable snapshot
// (Design Notes: "snapshot per invocation" — callers never mutate the
// returned value; pkg/hotreload produces a fresh one on change).
func LoadConfig(configFile string) (*types.Config, error) {
	raw := &rawConfig{}
	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, apperrors.ConfigError("load", fmt.Sprintf("failed to read config file %s: %v", configFile, err))
		}
		if err := yaml.Unmarshal(data, raw); err != nil {
			return nil, apperrors.ConfigError("load", fmt.Sprintf("failed to parse config file %s: %v", configFile, err))
		}
	}

	cfg := &types.Config{
		Folders:   raw.Folders,
		Rules:     normalizeRules(raw.Rules),
		Targets:   raw.Targets,
		Telemetry: raw.Telemetry,
		Notify:    raw.Notify,
		Cleanup:   raw.Cleanup,
		Server:    raw.Server,
		Dispatch:  raw.Dispatch,
	}

	applyDefaults(cfg)
	applyEnvironmentOverrides(cfg)

	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// normalizeRules converts the tolerant YAML shape into types.Rule, carrying
// the map key through as Rule.Name so callers don't need the map alongside
// the value.
func normalizeRules(raw map[string]rawRule) map[string]types.Rule {
	if raw == nil {
		return nil
	}
	rules := make(map[string]types.Rule, len(raw))
	for name, r := range raw {
		rules[name] = types.Rule{
			Name:                name,
			Disabled:            bool(r.Disabled),
			Expression:          r.Expression,
			Action:              types.ActionKind(r.Action),
			ActionTrigger:       types.ActionTrigger(r.ActionTrigger),
			Target:              r.Target,
			NotificationWebhook: r.NotificationWebhook,
			NotificationPayload: r.NotificationPayload,
		}
	}
	return rules
}

// applyDefaults fills in the knobs an operator is allowed to omit. Folders,
// rules, and targets have no sane default — an operator must name them
// explicitly, so validation (not defaulting) is what catches their absence.
func applyDefaults(cfg *types.Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8401
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}

	if cfg.Dispatch.Workers == 0 {
		cfg.Dispatch.Workers = 4
	}
	if cfg.Dispatch.QueueSize == 0 {
		cfg.Dispatch.QueueSize = 1000
	}

	if cfg.Notify.Timeout == 0 {
		cfg.Notify.Timeout = 10 * time.Second
	}
	if cfg.Notify.MaxRetries == 0 {
		cfg.Notify.MaxRetries = 3
	}
	if cfg.Notify.RateLimitRPS == 0 {
		cfg.Notify.RateLimitRPS = 5
	}
	if cfg.Notify.BreakerFailN == 0 {
		cfg.Notify.BreakerFailN = 5
	}
	if cfg.Notify.BreakerReset == 0 {
		cfg.Notify.BreakerReset = 30 * time.Second
	}

	if cfg.Cleanup.Interval == 0 {
		cfg.Cleanup.Interval = 5 * time.Minute
	}
	if cfg.Cleanup.DiscardTTL == 0 {
		cfg.Cleanup.DiscardTTL = 7 * 24 * time.Hour
	}
	if cfg.Cleanup.ProcessingTTL == 0 {
		cfg.Cleanup.ProcessingTTL = 7 * 24 * time.Hour
	}
	if cfg.Cleanup.ErrorTTL == 0 {
		cfg.Cleanup.ErrorTTL = 30 * 24 * time.Hour
	}

	if cfg.Telemetry.Kafka.Compression == "" {
		cfg.Telemetry.Kafka.Compression = "none"
	}
}

// applyEnvironmentOverrides applies MERCUTIO_-prefixed overrides, matching
// the teacher's getEnv* helpers and SSW_-prefix convention (rewired to this
// engine's folder/rule/target configuration surface).
func applyEnvironmentOverrides(cfg *types.Config) {
	cfg.Folders.Incoming = getEnvString("MERCUTIO_INCOMING_DIR", cfg.Folders.Incoming)
	cfg.Folders.Outgoing = getEnvString("MERCUTIO_OUTGOING_DIR", cfg.Folders.Outgoing)
	cfg.Folders.Processing = getEnvString("MERCUTIO_PROCESSING_DIR", cfg.Folders.Processing)
	cfg.Folders.Discard = getEnvString("MERCUTIO_DISCARD_DIR", cfg.Folders.Discard)
	cfg.Folders.Studies = getEnvString("MERCUTIO_STUDIES_DIR", cfg.Folders.Studies)
	cfg.Folders.Error = getEnvString("MERCUTIO_ERROR_DIR", cfg.Folders.Error)

	cfg.Server.Enabled = getEnvBool("MERCUTIO_SERVER_ENABLED", cfg.Server.Enabled)
	cfg.Server.Host = getEnvString("MERCUTIO_SERVER_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvInt("MERCUTIO_SERVER_PORT", cfg.Server.Port)

	cfg.Dispatch.Workers = getEnvInt("MERCUTIO_DISPATCH_WORKERS", cfg.Dispatch.Workers)
	cfg.Dispatch.QueueSize = getEnvInt("MERCUTIO_DISPATCH_QUEUE_SIZE", cfg.Dispatch.QueueSize)
	cfg.Dispatch.DedupeWindow = getEnvDuration("MERCUTIO_DISPATCH_DEDUPE_WINDOW", cfg.Dispatch.DedupeWindow)

	cfg.Telemetry.Kafka.Enabled = getEnvBool("MERCUTIO_KAFKA_ENABLED", cfg.Telemetry.Kafka.Enabled)
	if brokers := getEnvString("MERCUTIO_KAFKA_BROKERS", ""); brokers != "" {
		cfg.Telemetry.Kafka.Brokers = strings.Split(brokers, ",")
	}
	cfg.Telemetry.Kafka.Topic = getEnvString("MERCUTIO_KAFKA_TOPIC", cfg.Telemetry.Kafka.Topic)
	cfg.Telemetry.Kafka.SASLUser = getEnvString("MERCUTIO_KAFKA_SASL_USER", cfg.Telemetry.Kafka.SASLUser)
	cfg.Telemetry.Kafka.SASLSecret = getEnvString("MERCUTIO_KAFKA_SASL_SECRET_REF", cfg.Telemetry.Kafka.SASLSecret)

	cfg.Notify.DLQDirectory = getEnvString("MERCUTIO_NOTIFY_DLQ_DIR", cfg.Notify.DLQDirectory)
	cfg.Notify.Timeout = getEnvDuration("MERCUTIO_NOTIFY_TIMEOUT", cfg.Notify.Timeout)

	cfg.Cleanup.Enabled = getEnvBool("MERCUTIO_CLEANUP_ENABLED", cfg.Cleanup.Enabled)
	cfg.Cleanup.MinFreeBytes = getEnvUint64("MERCUTIO_CLEANUP_MIN_FREE_BYTES", cfg.Cleanup.MinFreeBytes)
	cfg.Cleanup.ArchiveOverBytes = getEnvInt64("MERCUTIO_CLEANUP_ARCHIVE_OVER_BYTES", cfg.Cleanup.ArchiveOverBytes)
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvUint64(key string, defaultValue uint64) uint64 {
	if value := os.Getenv(key); value != "" {
		if uintValue, err := strconv.ParseUint(value, 10, 64); err == nil {
			return uintValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// ValidateConfig performs structural validation the way the teacher's
// ConfigValidator does: accumulate every violation, then report them
// together rather than failing on the first.
func ValidateConfig(cfg *types.Config) error {
	v := &ConfigValidator{
		config:    cfg,
		validator: security.NewInputValidator(security.DefaultValidationConfig()),
	}
	return v.Validate()
}

// ConfigValidator accumulates configuration errors across every section
// before reporting, matching the teacher's all-at-once validation report.
type ConfigValidator struct {
	config    *types.Config
	validator *security.InputValidator
	errors    []error
}

func (v *ConfigValidator) Validate() error {
	v.validateFolders()
	v.validateRules()
	v.validateServer()
	v.validateDispatch()
	v.validateNotify()
	v.validateCleanup()

	if len(v.errors) > 0 {
		return v.buildValidationError()
	}
	return nil
}

func (v *ConfigValidator) addError(component, operation, message string) {
	err := apperrors.ConfigError(operation, message).WithMetadata("component", component)
	v.errors = append(v.errors, err)
}

func (v *ConfigValidator) validateFolders() {
	folders := map[string]string{
		"incoming":   v.config.Folders.Incoming,
		"outgoing":   v.config.Folders.Outgoing,
		"processing": v.config.Folders.Processing,
		"discard":    v.config.Folders.Discard,
		"studies":    v.config.Folders.Studies,
		"error":      v.config.Folders.Error,
	}
	for name, path := range folders {
		if path == "" {
			v.addError("folders", "validate_"+name, fmt.Sprintf("%s folder path cannot be empty", name))
			continue
		}
		if err := v.validator.ValidatePath(path); err != nil {
			v.addError("folders", "validate_"+name, fmt.Sprintf("%s folder path %q: %v", name, path, err))
		}
	}
}

func (v *ConfigValidator) validateRules() {
	for name, rule := range v.config.Rules {
		if rule.Disabled {
			continue
		}
		if rule.Expression == "" {
			v.addError("rules", "validate_expression", fmt.Sprintf("rule %s: expression cannot be empty", name))
		}
		switch rule.Action {
		case types.ActionRoute, types.ActionProcess, types.ActionBoth, types.ActionNotification, types.ActionDiscard:
		default:
			v.addError("rules", "validate_action", fmt.Sprintf("rule %s: invalid action %q", name, rule.Action))
		}
		if (rule.Action == types.ActionRoute || rule.Action == types.ActionBoth) && rule.Target == "" {
			v.addError("rules", "validate_target", fmt.Sprintf("rule %s: target required for action %q", name, rule.Action))
			continue
		}
		if rule.Target != "" {
			if _, ok := v.config.Targets[rule.Target]; !ok {
				v.addError("rules", "validate_target", fmt.Sprintf("rule %s: target %q is not configured", name, rule.Target))
			}
			// The rule name and target both end up as Prometheus label
			// values (RuleEvaluationsTotal, SeriesRoutedTotal) — reject
			// control characters, null bytes, and shell metacharacters in
			// either now, rather than at the first series that matches the
			// rule.
			if _, err := v.validator.ValidateLabels(map[string]string{"rule": name, "target": rule.Target}); err != nil {
				v.addError("rules", "validate_target", fmt.Sprintf("rule %s: %v", name, err))
			}
		}
	}
}

func (v *ConfigValidator) validateServer() {
	if !v.config.Server.Enabled {
		return
	}
	if v.config.Server.Port <= 0 || v.config.Server.Port > 65535 {
		v.addError("server", "validate_port", fmt.Sprintf("invalid server port: %d", v.config.Server.Port))
	}
	if v.config.Server.Host == "" {
		v.addError("server", "validate_host", "server host cannot be empty when enabled")
	}
}

func (v *ConfigValidator) validateDispatch() {
	if v.config.Dispatch.Workers <= 0 {
		v.addError("dispatch", "validate_workers", "worker count must be positive")
	}
	if v.config.Dispatch.QueueSize <= 0 {
		v.addError("dispatch", "validate_queue_size", "queue size must be positive")
	}
	if v.config.Dispatch.Workers > 256 {
		v.addError("dispatch", "validate_workers", "worker count too large (max 256)")
	}
}

func (v *ConfigValidator) validateNotify() {
	if v.config.Notify.RateLimitRPS < 0 {
		v.addError("notify", "validate_rate_limit", "rate limit RPS cannot be negative")
	}
	if v.config.Notify.MaxRetries < 0 {
		v.addError("notify", "validate_max_retries", "max retries cannot be negative")
	}
}

func (v *ConfigValidator) validateCleanup() {
	if !v.config.Cleanup.Enabled {
		return
	}
	if v.config.Cleanup.Interval <= 0 {
		v.addError("cleanup", "validate_interval", "interval must be positive when cleanup is enabled")
	}
}

func (v *ConfigValidator) buildValidationError() error {
	if len(v.errors) == 1 {
		return v.errors[0]
	}
	var messages []string
	for _, err := range v.errors {
		messages = append(messages, err.Error())
	}
	return apperrors.ConfigError("validate", fmt.Sprintf("multiple validation errors: %s", strings.Join(messages, "; ")))
}
