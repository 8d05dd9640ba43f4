// Package routing implements the routing controller (spec.md §4.G): the
// entry point a receiver or watcher calls once a series' files have landed
// in incoming. It wires together the series lock, the tag/header readers,
// the rule matcher, and the dispatch fan-out under a single per-series
// critical section. Grounded on the source's route_series entry function
// and, for the ambient concerns layered on top of it, on
// internal/dispatcher/dispatcher.go's structured-logging and
// stats-counting conventions.
package routing

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"mercutio-route/internal/dispatch"
	"mercutio-route/internal/lock"
	"mercutio-route/internal/rules"
	"mercutio-route/internal/tagreader"
	"mercutio-route/pkg/deduplication"
	apperrors "mercutio-route/pkg/errors"
	"mercutio-route/pkg/security"
	"mercutio-route/pkg/types"
)

// Controller holds everything RouteSeries needs across invocations:
// where the spool lives, the matcher and fan-out it hands classified series
// to, and the supporting de-duplication/validation/redaction layer.
type Controller struct {
	folders   types.Folders
	matcher   *rules.Matcher
	fanout    *dispatch.Fanout
	telemetry types.TelemetrySink
	logger    *logrus.Logger

	dedup     *deduplication.DeduplicationManager
	validator *security.InputValidator
	sanitizer *security.Sanitizer
}

// New builds a Controller. dedupeWindow of zero disables de-duplication
// (every call reaches the series lock).
func New(folders types.Folders, matcher *rules.Matcher, fanout *dispatch.Fanout, telemetry types.TelemetrySink, logger *logrus.Logger, dedupeWindow time.Duration) *Controller {
	dedup := deduplication.NewDeduplicationManager(deduplication.Config{
		Enabled: dedupeWindow > 0,
		TTL:     dedupeWindow,
	}, logger)
	_ = dedup.Start()

	return &Controller{
		folders:   folders,
		matcher:   matcher,
		fanout:    fanout,
		telemetry: telemetry,
		logger:    logger,
		dedup:     dedup,
		validator: security.NewInputValidator(security.DefaultValidationConfig()),
		sanitizer: security.NewSanitizer(security.DefaultSanitizerConfig()),
	}
}

// Close stops the de-duplication manager's background sweep.
func (c *Controller) Close() error {
	return c.dedup.Stop()
}

// RouteSeries runs the 8-step contract of spec.md §4.G for one seriesUID.
// It returns nil both when the series was fully routed and when nothing
// needed to happen (lock already held, zero files found) — only an
// unrecoverable failure (bad tags, lock creation failing for a reason other
// than "already exists") produces an error, and even then the lock is
// released at scope exit unless its own creation is what failed.
func (c *Controller) RouteSeries(ctx context.Context, seriesUID string) error {
	if err := c.validateSeriesUID(seriesUID); err != nil {
		c.telemetry.SendEvent("routing", types.SeverityError, "rejected series uid: "+err.Error())
		return err
	}

	if c.dedup.IsDuplicate(seriesUID, "route_series", time.Now()) {
		c.logger.WithField("series_uid", seriesUID).Debug("suppressing duplicate route_series invocation")
		return nil
	}

	// Step 1: acquire the series lock.
	lockPath := filepath.Join(c.folders.Incoming, seriesUID+".lock")
	lk, err := lock.Acquire(lockPath)
	if err != nil {
		if lock.IsAlreadyLocked(err) {
			return nil
		}
		c.telemetry.SendEvent("routing", types.SeverityError, "failed to acquire series lock: "+err.Error())
		return fmt.Errorf("routing: %w", err)
	}
	defer func() {
		if rerr := lk.Release(); rerr != nil {
			c.logger.WithError(rerr).WithField("series_uid", seriesUID).Warn("routing: failed to release series lock")
		}
	}()

	// Step 2: collect the series' file stems.
	stems, err := tagreader.ScanSeriesStems(c.folders.Incoming, seriesUID)
	if err != nil {
		c.telemetry.SendEvent("routing", types.SeverityError, "failed to scan incoming: "+err.Error())
		return fmt.Errorf("routing: %w", err)
	}
	if len(stems) == 0 {
		c.logger.WithField("series_uid", seriesUID).Debug("routing: no files found for series")
		return nil
	}

	// Step 3: parse the vendor header from the representative payload.
	// Non-fatal: a parser failure is logged and routing proceeds.
	representative := stems[0]
	payloadPath := filepath.Join(c.folders.Incoming, representative+".dcm")
	if parsed, perr := tagreader.ParseASCCONV(payloadPath); perr != nil {
		c.logger.WithError(perr).WithField("series_uid", seriesUID).Warn("routing: vendor header parse failed")
	} else {
		c.telemetry.SendSeriesSequenceData(seriesUID, parsed)
	}

	// Step 4: load the representative tag document. Fatal on failure.
	doc, err := tagreader.ReadTagDocument(filepath.Join(c.folders.Incoming, representative+".tags"))
	if err != nil {
		c.telemetry.SendEvent("routing", types.SeverityError, "failed to load tag document: "+err.Error())
		return fmt.Errorf("routing: %w", err)
	}

	// Step 5: emit REGISTERED. The sink only ever sees redacted PHI.
	c.telemetry.SendRegisterSeries(c.redact(doc))

	// Step 6: run the rule matcher.
	result := c.matcher.Match(ctx, doc)

	// Step 7: execute the dispatch fan-out.
	if err := c.fanout.Run(ctx, seriesUID, stems, doc, result); err != nil {
		c.telemetry.SendEvent("routing", types.SeverityError, "dispatch fan-out failed: "+err.Error())
		return fmt.Errorf("routing: %w", err)
	}

	// Step 8: release the series lock (deferred above).
	return nil
}

// validateSeriesUID rejects a seriesUID that would escape the incoming
// folder or carry control characters once interpolated into a filename or a
// lock path (SPEC_FULL.md §4.G).
func (c *Controller) validateSeriesUID(seriesUID string) error {
	if seriesUID == "" {
		return apperrors.SecurityError("validate-series-uid", "series uid is empty")
	}
	if _, err := c.validator.ValidateString(seriesUID, "series_uid"); err != nil {
		return err
	}
	if strings.ContainsAny(seriesUID, "/\\") {
		return apperrors.SecurityError("validate-series-uid", "series uid contains a path separator").
			WithMetadata("series_uid", seriesUID)
	}
	return nil
}

// redact returns a copy of doc with patient-identifying values run through
// the sanitizer before it is handed to telemetry, one level of nesting deep
// (tag documents from the source are at most shallowly nested JSON).
func (c *Controller) redact(doc types.TagDocument) types.TagDocument {
	out := make(types.TagDocument, len(doc))
	for k, v := range doc {
		out[k] = c.redactValue(v)
	}
	return out
}

func (c *Controller) redactValue(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return c.sanitizer.Sanitize(val)
	case map[string]interface{}:
		nested := make(map[string]interface{}, len(val))
		for k, nv := range val {
			nested[k] = c.redactValue(nv)
		}
		return nested
	default:
		return v
	}
}
