// Package notify sends the RECEPTION/ROUTE/DISCARD webhook notifications a
// triggered rule's NotificationWebhook asks for (spec.md §6). Grounded on
// the teacher's Splunk HEC sink for the HTTP-POST-with-retry shape, wrapped
// with a per-host circuit breaker, an adaptive rate limiter, and a
// dead-letter park for notifications that exhaust their retry budget.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"mercutio-route/internal/metrics"
	"mercutio-route/pkg/circuit"
	"mercutio-route/pkg/dlq"
	"mercutio-route/pkg/ratelimit"
	"mercutio-route/pkg/secrets"
	"mercutio-route/pkg/security"
	"mercutio-route/pkg/types"
)

// Sender implements types.WebhookSender.
type Sender struct {
	config    types.NotifyConfig
	logger    *logrus.Logger
	client    *http.Client
	dlq       *dlq.DeadLetterQueue
	validator *security.InputValidator
	secrets   *secrets.MultiSecretsManager

	mu       sync.Mutex
	breakers map[string]*circuit.Breaker
	limiters map[string]*ratelimit.AdaptiveRateLimiter
}

// New builds a Sender. dlqConfig.Directory defaults to config.DLQDirectory
// when set. secretManager resolves a target's SecretRef (types.Target.
// SecretRef) into the bearer token SendWebhook attaches to the request; it
// may be nil, in which case a non-empty secretRef is sent through
// SendWebhook unresolved as a literal token.
func New(config types.NotifyConfig, logger *logrus.Logger, secretManager *secrets.MultiSecretsManager) (*Sender, error) {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.BreakerFailN <= 0 {
		config.BreakerFailN = 5
	}
	if config.BreakerReset <= 0 {
		config.BreakerReset = 30 * time.Second
	}

	parkQueue, err := dlq.NewDeadLetterQueue(dlq.Config{
		Enabled:   config.DLQDirectory != "",
		Directory: config.DLQDirectory,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("notify: failed to open dead-letter queue: %w", err)
	}

	validationCfg := security.DefaultValidationConfig()
	// Webhook targets are routinely the hospital's own PACS/RIS boxes on a
	// private subnet, so (unlike the general-purpose default) private hosts
	// are allowed here; scheme and host well-formedness are still enforced.
	validationCfg.AllowPrivateHosts = true

	return &Sender{
		config:    config,
		logger:    logger,
		client:    &http.Client{Timeout: config.Timeout},
		dlq:       parkQueue,
		validator: security.NewInputValidator(validationCfg),
		secrets:   secretManager,
		breakers:  make(map[string]*circuit.Breaker),
		limiters:  make(map[string]*ratelimit.AdaptiveRateLimiter),
	}, nil
}

func (s *Sender) hostKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Host
}

func (s *Sender) breakerFor(host string) *circuit.Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[host]; ok {
		return b
	}
	b := circuit.NewBreaker(circuit.BreakerConfig{
		Name:             "notify-" + host,
		FailureThreshold: s.config.BreakerFailN,
		Timeout:          s.config.BreakerReset,
	}, s.logger)
	s.breakers[host] = b
	return b
}

func (s *Sender) limiterFor(host string) *ratelimit.AdaptiveRateLimiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.limiters[host]; ok {
		return l
	}
	rps := s.config.RateLimitRPS
	if rps <= 0 {
		rps = 0 // disabled
	}
	l = ratelimit.NewAdaptiveRateLimiter(ratelimit.Config{
		Enabled:    rps > 0,
		InitialRPS: rps,
		MinRPS:     rps,
		MaxRPS:     rps,
	}, s.logger)
	s.limiters[host] = l
	return l
}

// SendWebhook posts payload as JSON to url, retrying transient failures up
// to MaxRetries with linear backoff. A target whose breaker is open fails
// fast without making a request. Exhausted retries park the notification in
// the dead-letter queue and return the last error. secretRef, when non-empty,
// names a bearer token to resolve via pkg/secrets (types.Target.SecretRef)
// and attach as the request's Authorization header.
func (s *Sender) SendWebhook(ctx context.Context, targetURL string, payload interface{}, eventKind, secretRef string) error {
	if _, err := s.validator.ValidateURL(targetURL); err != nil {
		return fmt.Errorf("notify: rejected webhook target: %w", err)
	}

	host := s.hostKey(targetURL)
	breaker := s.breakerFor(host)
	limiter := s.limiterFor(host)

	bearer := ""
	if secretRef != "" {
		bearer = secretRef
		if s.secrets != nil {
			if resolved, err := s.secrets.GetWebhookSecret(ctx, secretRef); err == nil {
				bearer = resolved
			} else {
				s.logger.WithError(err).WithField("ref", secretRef).Warn("notify: failed to resolve webhook secret, using raw ref")
			}
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("notify: failed to marshal payload: %w", err)
	}

	var lastErr error
retryLoop:
	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}

		attemptStart := time.Now()
		lastErr = breaker.Execute(func() error {
			return s.postOnce(ctx, targetURL, body, bearer)
		})
		limiter.RecordLatency(time.Since(attemptStart))
		metrics.CircuitBreakerState.WithLabelValues(host).Set(float64(breaker.State()))
		if lastErr == nil {
			metrics.WebhookAttemptsTotal.WithLabelValues(host, "success").Inc()
			return nil
		}
		metrics.WebhookAttemptsTotal.WithLabelValues(host, "failure").Inc()

		s.logger.WithFields(logrus.Fields{
			"url":     s.validator.SanitizeForLogging(targetURL),
			"attempt": attempt,
			"event":   eventKind,
		}).WithError(lastErr).Warn("notify: webhook attempt failed")

		if attempt < s.config.MaxRetries {
			select {
			case <-time.After(time.Duration(attempt+1) * time.Second):
			case <-ctx.Done():
				lastErr = ctx.Err()
				break retryLoop
			}
		}
	}

	s.dlq.Park(dlq.Entry{
		Target:    host,
		URL:       targetURL,
		EventKind: eventKind,
		Payload:   payload,
		Error:     lastErr.Error(),
	})
	metrics.DeadLetterQueueDepth.WithLabelValues(host).Set(float64(s.dlq.GetStats().EntriesWritten))
	return lastErr
}

func (s *Sender) postOnce(ctx context.Context, targetURL string, body []byte, bearer string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("notify: webhook returned status %s", resp.Status)
}

// Close releases background resources (rate limiter adaptation loops, the
// dead-letter queue's open file).
func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.limiters {
		l.Stop()
	}
	return s.dlq.Close()
}
