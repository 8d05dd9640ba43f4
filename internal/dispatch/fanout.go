// Package dispatch implements the dispatch fan-out (spec.md §4.E): the
// routing controller's decision tree over a matched rule set — discard,
// study-level staging, series-level routing, series-level processing,
// series-level notification, and final cleanup. Grounded on the stage
// ordering and per-stage structured logging of
// internal/dispatcher/dispatcher.go, reduced from its generic multi-sink
// batching loop to the fixed six-stage tree the source's route_series
// function runs.
package dispatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	oteltrace "go.opentelemetry.io/otel/trace"

	"mercutio-route/internal/metrics"
	"mercutio-route/internal/rules"
	"mercutio-route/internal/stager"
	"mercutio-route/internal/taskfile"
	"mercutio-route/pkg/tracing"
	"mercutio-route/pkg/types"
)

// Fanout holds the ambient dependencies dispatch needs: where things live on
// disk, what targets are valid, how to stage files, and where to send
// telemetry/webhook events.
type Fanout struct {
	folders   types.Folders
	targets   map[string]types.Target
	stager    *stager.Stager
	telemetry types.TelemetrySink
	notifier  types.WebhookSender
	tracer    *tracing.EnhancedTracingManager
	logger    *logrus.Logger
}

// New builds a Fanout. tracer may be a disabled manager (tracing.
// NewEnhancedTracingManager with Enabled: false) — CreateSeriesSpan then
// always returns a nil span and every stage span is skipped.
func New(folders types.Folders, targets map[string]types.Target, st *stager.Stager, telemetry types.TelemetrySink, notifier types.WebhookSender, tracer *tracing.EnhancedTracingManager, logger *logrus.Logger) *Fanout {
	return &Fanout{
		folders:   folders,
		targets:   targets,
		stager:    st,
		telemetry: telemetry,
		notifier:  notifier,
		tracer:    tracer,
		logger:    logger,
	}
}

// startStage opens a child span named "dispatch."+name under seriesSpan, the
// per-series span Run opened. If seriesSpan is nil (the series wasn't
// sampled, or tracing is disabled), this is a no-op and ctx is returned
// unchanged.
func (f *Fanout) startStage(ctx context.Context, seriesSpan oteltrace.Span, name string) (context.Context, oteltrace.Span) {
	if seriesSpan == nil {
		return ctx, nil
	}
	return f.tracer.GetTracer().Start(ctx, "dispatch."+name)
}

// observeStage records how long stage took in DispatchStageDuration.
func observeStage(stage string, start time.Time) {
	metrics.DispatchStageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// transferMode is shared across every non-discard stage: a lone triggered
// rule moves its files (nothing else needs them); more than one copies (each
// destination needs its own copy, and 4.E.vi removes the originals once
// every destination has received one).
func transferMode(triggeredCount int) stager.TransferMode {
	if triggeredCount == 1 {
		return stager.Move
	}
	return stager.Copy
}

// Run executes the fan-out for one series: seriesUID identifies the series,
// stems are the file-stem prefixes (without extension) found under incoming,
// doc is the representative tag document, and result is the rule matcher's
// verdict.
func (f *Fanout) Run(ctx context.Context, seriesUID string, stems []string, doc types.TagDocument, result rules.Result) error {
	runStart := time.Now()
	// Feeds pkg/tracing's adaptive sampler: a slow fan-out across the
	// discard/stage/route/process/notify/cleanup tree raises the sampled
	// fraction of subsequent series until latency recovers.
	defer func() { f.tracer.RecordLatency(time.Since(runStart)) }()

	targetHint := "discard"
	if len(result.Triggered) > 0 {
		targetHint = result.Triggered[0].Rule.Target
		if targetHint == "" {
			targetHint = string(result.Triggered[0].Rule.Action)
		}
	}
	ctx, seriesSpan := f.tracer.CreateSeriesSpan(ctx, seriesUID, targetHint)
	if seriesSpan != nil {
		defer seriesSpan.End()
	}

	if len(result.Triggered) == 0 || result.Discard != "" {
		stageCtx, stageSpan := f.startStage(ctx, seriesSpan, "discard")
		start := time.Now()
		err := f.discardPath(stageCtx, seriesUID, stems, doc, result.Discard)
		observeStage("discard", start)
		if stageSpan != nil {
			stageSpan.End()
		}
		if err != nil {
			metrics.SeriesErroredTotal.Inc()
		} else {
			metrics.SeriesDiscardedTotal.Inc()
		}
		return err
	}

	mode := transferMode(len(result.Triggered))

	stageCtx, stageSpan := f.startStage(ctx, seriesSpan, "study_staging")
	start := time.Now()
	err := f.studyStaging(stageCtx, seriesUID, stems, doc, result.Triggered, mode)
	observeStage("study_staging", start)
	if stageSpan != nil {
		stageSpan.End()
	}
	if err != nil {
		f.logger.WithError(err).WithField("series_uid", seriesUID).Error("study staging failed")
	}

	stageCtx, stageSpan = f.startStage(ctx, seriesSpan, "series_routing")
	start = time.Now()
	err = f.seriesRouting(stageCtx, seriesUID, stems, doc, result.Triggered, mode)
	observeStage("series_routing", start)
	if stageSpan != nil {
		stageSpan.End()
	}
	if err != nil {
		f.logger.WithError(err).WithField("series_uid", seriesUID).Error("series routing failed")
		metrics.SeriesErroredTotal.Inc()
	}

	stageCtx, stageSpan = f.startStage(ctx, seriesSpan, "series_processing")
	start = time.Now()
	err = f.seriesProcessing(stageCtx, seriesUID, stems, doc, result.Triggered, mode)
	observeStage("series_processing", start)
	if stageSpan != nil {
		stageSpan.End()
	}
	if err != nil {
		f.logger.WithError(err).WithField("series_uid", seriesUID).Error("series processing failed")
	}

	stageCtx, stageSpan = f.startStage(ctx, seriesSpan, "series_notification")
	start = time.Now()
	err = f.seriesNotification(stageCtx, seriesUID, stems, doc, result.Triggered)
	observeStage("series_notification", start)
	if stageSpan != nil {
		stageSpan.End()
	}
	if err != nil {
		f.logger.WithError(err).WithField("series_uid", seriesUID).Error("series notification failed")
	}

	for _, t := range result.Triggered {
		if t.Rule.Action == types.ActionRoute {
			metrics.SeriesRoutedTotal.WithLabelValues(t.Rule.Target).Inc()
		}
	}

	if len(result.Triggered) > 1 {
		f.removeOriginals(stems)
	}

	return nil
}

// discardPath is spec.md §4.E.i.
func (f *Fanout) discardPath(ctx context.Context, seriesUID string, stems []string, doc types.TagDocument, reason string) error {
	name := stager.NewFolderName()
	folderPath, _, err := f.stager.EnsureFolder(f.folders.Discard, name)
	if err != nil {
		return fmt.Errorf("discard: %w", err)
	}

	lk, err := f.stager.Lock(folderPath)
	if err != nil {
		return fmt.Errorf("discard: %w", err)
	}
	defer func() {
		if rerr := lk.Release(); rerr != nil {
			f.logger.WithError(rerr).Warn("discard: failed to release lock")
		}
	}()

	info := "discarded"
	if reason != "" {
		info = "discarded by rule " + reason
	}
	f.telemetry.SendSeriesEvent(types.EventDiscard, seriesUID, len(stems), reason, info)

	if err := f.stager.WriteDescriptor(folderPath, taskfile.Discard(seriesUID, reason, doc)); err != nil {
		return fmt.Errorf("discard: %w", err)
	}

	results := f.stager.Transfer(f.folders.Incoming, folderPath, stems, stager.Move)
	for _, r := range results {
		f.logger.WithError(r.Err).WithField("stem", r.Stem).Warn("discard: transfer failed")
	}

	f.telemetry.SendSeriesEvent(types.EventMove, seriesUID, len(stems), folderPath, "moved to discard")
	return nil
}

// studyStaging is spec.md §4.E.ii.
func (f *Fanout) studyStaging(ctx context.Context, seriesUID string, stems []string, doc types.TagDocument, triggered []types.TriggeredRule, mode stager.TransferMode) error {
	studyUID := doc.StudyInstanceUID()

	var firstErr error
	for _, t := range triggered {
		if t.Rule.EffectiveActionTrigger() != types.TriggerStudy {
			continue
		}

		name := studyUID + "#" + t.Name
		folderPath, created, err := f.stager.EnsureFolder(f.folders.Studies, name)
		if err != nil {
			f.logger.WithError(err).WithField("rule", t.Name).Error("study staging: ensure folder failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		lk, err := f.stager.Lock(folderPath)
		if err != nil {
			f.logger.WithError(err).WithField("rule", t.Name).Error("study staging: lock failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		if created {
			if err := f.stager.WriteDescriptor(folderPath, taskfile.Study(studyUID, t.Name, doc)); err != nil {
				f.logger.WithError(err).WithField("rule", t.Name).Error("study staging: write descriptor failed")
			}
		}

		results := f.stager.Transfer(f.folders.Incoming, folderPath, stems, mode)
		for _, r := range results {
			f.logger.WithError(r.Err).WithField("stem", r.Stem).Warn("study staging: transfer failed")
		}

		if rerr := lk.Release(); rerr != nil {
			f.logger.WithError(rerr).Warn("study staging: failed to release lock")
		}
	}
	return firstErr
}

// seriesRouting is spec.md §4.E.iii.
func (f *Fanout) seriesRouting(ctx context.Context, seriesUID string, stems []string, doc types.TagDocument, triggered []types.TriggeredRule, mode stager.TransferMode) error {
	targetRule := make(map[string]string) // target name -> last matching rule name

	for _, t := range triggered {
		if t.Rule.EffectiveActionTrigger() != types.TriggerSeries || t.Rule.Action != types.ActionRoute {
			continue
		}
		targetRule[t.Rule.Target] = t.Name
		f.fireReception(ctx, seriesUID, doc, t, t.Rule.Target)
	}

	for target, ruleName := range targetRule {
		if _, ok := f.targets[target]; !ok {
			f.telemetry.SendEvent("routing", types.SeverityError, "unknown target: "+target)
			f.logger.WithField("target", target).Error("series routing: unknown target")
			continue
		}

		name := stager.NewFolderName()
		folderPath, _, err := f.stager.EnsureFolder(f.folders.Outgoing, name)
		if err != nil {
			f.logger.WithError(err).WithField("target", target).Error("series routing: ensure folder failed")
			continue
		}
		lk, err := f.stager.Lock(folderPath)
		if err != nil {
			f.logger.WithError(err).WithField("target", target).Error("series routing: lock failed")
			continue
		}
		if err := f.stager.WriteDescriptor(folderPath, taskfile.Route(seriesUID, target, ruleName, doc)); err != nil {
			f.logger.WithError(err).WithField("target", target).Error("series routing: write descriptor failed")
		}

		results := f.stager.Transfer(f.folders.Incoming, folderPath, stems, mode)
		for _, r := range results {
			f.logger.WithError(r.Err).WithField("stem", r.Stem).Warn("series routing: transfer failed")
		}

		if rerr := lk.Release(); rerr != nil {
			f.logger.WithError(rerr).Warn("series routing: failed to release lock")
		}

		f.telemetry.SendSeriesEvent(types.EventRoute, seriesUID, len(stems), target, "routed to "+target)
		f.telemetry.SendSeriesEvent(types.EventMove, seriesUID, len(stems), folderPath, "staged for "+target)
	}
	return nil
}

// seriesProcessing is spec.md §4.E.iv.
func (f *Fanout) seriesProcessing(ctx context.Context, seriesUID string, stems []string, doc types.TagDocument, triggered []types.TriggeredRule, mode stager.TransferMode) error {
	for _, t := range triggered {
		if t.Rule.EffectiveActionTrigger() != types.TriggerSeries {
			continue
		}
		if t.Rule.Action != types.ActionProcess && t.Rule.Action != types.ActionBoth {
			continue
		}

		name := stager.NewFolderName()
		folderPath, _, err := f.stager.EnsureFolder(f.folders.Processing, name)
		if err != nil {
			f.logger.WithError(err).WithField("rule", t.Name).Error("series processing: ensure folder failed")
			continue
		}
		lk, err := f.stager.Lock(folderPath)
		if err != nil {
			f.logger.WithError(err).WithField("rule", t.Name).Error("series processing: lock failed")
			continue
		}
		if err := f.stager.WriteDescriptor(folderPath, taskfile.Processing(seriesUID, t.Name, doc)); err != nil {
			f.logger.WithError(err).WithField("rule", t.Name).Error("series processing: write descriptor failed")
		}

		results := f.stager.Transfer(f.folders.Incoming, folderPath, stems, mode)
		for _, r := range results {
			f.logger.WithError(r.Err).WithField("stem", r.Stem).Warn("series processing: transfer failed")
		}

		if rerr := lk.Release(); rerr != nil {
			f.logger.WithError(rerr).Warn("series processing: failed to release lock")
		}

		f.fireReception(ctx, seriesUID, doc, t, folderPath)
	}
	return nil
}

// seriesNotification is spec.md §4.E.v.
func (f *Fanout) seriesNotification(ctx context.Context, seriesUID string, stems []string, doc types.TagDocument, triggered []types.TriggeredRule) error {
	for _, t := range triggered {
		if t.Rule.EffectiveActionTrigger() != types.TriggerSeries || t.Rule.Action != types.ActionNotification {
			continue
		}
		f.fireReception(ctx, seriesUID, doc, t, "")
	}

	if len(triggered) == 1 && triggered[0].Rule.Action == types.ActionNotification {
		f.removeOriginals(stems)
	}
	return nil
}

func (f *Fanout) fireReception(ctx context.Context, seriesUID string, doc types.TagDocument, t types.TriggeredRule, extra string) {
	if t.Rule.NotificationWebhook == "" || f.notifier == nil {
		return
	}
	payload := map[string]interface{}{
		"series_uid": seriesUID,
		"study_uid":  doc.StudyInstanceUID(),
		"rule":       t.Name,
		"target":     extra,
		"payload":    t.Rule.NotificationPayload,
	}
	secretRef := f.targets[t.Rule.Target].SecretRef
	if err := f.notifier.SendWebhook(ctx, t.Rule.NotificationWebhook, payload, types.NotificationEventReception, secretRef); err != nil {
		f.logger.WithError(err).WithField("rule", t.Name).Warn("reception webhook failed")
	}
}

// removeOriginals deletes the `.dcm`/`.tags` pair for every stem from the
// incoming folder (spec.md §4.E.v and §4.E.vi).
func (f *Fanout) removeOriginals(stems []string) {
	for _, stem := range stems {
		for _, ext := range []string{".dcm", ".tags"} {
			path := filepath.Join(f.folders.Incoming, stem+ext)
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				f.logger.WithError(err).WithField("path", path).Warn("failed to remove original")
			}
		}
	}
}
