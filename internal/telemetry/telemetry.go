// Package telemetry implements the bookkeeper/monitor event sink
// (types.TelemetrySink): a logrus-backed sink that is always present, and an
// optional Kafka fan-out for downstream consumption by the hospital's
// archival/audit pipeline.
package telemetry

import (
	"time"

	"github.com/sirupsen/logrus"

	"mercutio-route/pkg/security"
	"mercutio-route/pkg/types"
)

// LogrusSink is the default, always-on telemetry sink. It never returns an
// error and never blocks the caller beyond the cost of a structured log
// write, matching the "fire-and-forget" contract of types.TelemetrySink.
type LogrusSink struct {
	logger *logrus.Logger
}

// NewLogrusSink builds a LogrusSink.
func NewLogrusSink(logger *logrus.Logger) *LogrusSink {
	return &LogrusSink{logger: logger}
}

func (s *LogrusSink) level(severity types.EventSeverity) logrus.Level {
	if severity == types.SeverityError {
		return logrus.ErrorLevel
	}
	return logrus.InfoLevel
}

func (s *LogrusSink) SendEvent(channel string, severity types.EventSeverity, message string) {
	s.logger.WithField("channel", channel).Log(s.level(severity), message)
}

func (s *LogrusSink) SendSeriesEvent(kind types.SeriesEventKind, seriesUID string, fileCount int, context, info string) {
	s.logger.WithFields(logrus.Fields{
		"event":      string(kind),
		"series_uid": seriesUID,
		"file_count": fileCount,
		"context":    context,
	}).Info(info)
}

func (s *LogrusSink) SendRegisterSeries(doc types.TagDocument) {
	s.logger.WithFields(logrus.Fields{
		"event":      string(types.EventRegistered),
		"study_uid":  doc.StudyInstanceUID(),
		"tag_count":  len(doc),
	}).Info("series registered")
}

func (s *LogrusSink) SendSeriesSequenceData(seriesUID string, sequence map[string]interface{}) {
	s.logger.WithFields(logrus.Fields{
		"series_uid": seriesUID,
		"sequence":   sequence,
	}).Debug("series sequence data")
}

// Fanout broadcasts every call to all of its sinks. A sink's call never
// blocks another's — each is invoked in turn, on the same goroutine as the
// caller, matching the source's synchronous-but-best-effort bookkeeper
// calls.
type Fanout struct {
	sinks     []types.TelemetrySink
	validator *security.InputValidator
}

// NewFanout builds a Fanout over the given sinks, dropping any nil entry
// (the Kafka sink is nil when it is not configured).
func NewFanout(sinks ...types.TelemetrySink) *Fanout {
	f := &Fanout{validator: security.NewInputValidator(security.DefaultValidationConfig())}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// sanitizeMessage screens a free-form event message — often built from a
// tag-parse error or a webhook response body, neither of which this engine
// controls — before it reaches every sink, including the Kafka fan-out the
// hospital's archival pipeline consumes. A message that trips the injection
// check is replaced outright rather than forwarded partially cleaned.
func (f *Fanout) sanitizeMessage(message string) string {
	cleaned, err := f.validator.ValidateLogMessage(message)
	if err != nil {
		return "[redacted: " + err.Error() + "]"
	}
	return f.validator.SanitizeForLogging(cleaned)
}

func (f *Fanout) SendEvent(channel string, severity types.EventSeverity, message string) {
	message = f.sanitizeMessage(message)
	for _, s := range f.sinks {
		s.SendEvent(channel, severity, message)
	}
}

func (f *Fanout) SendSeriesEvent(kind types.SeriesEventKind, seriesUID string, fileCount int, context, info string) {
	for _, s := range f.sinks {
		s.SendSeriesEvent(kind, seriesUID, fileCount, context, info)
	}
}

func (f *Fanout) SendRegisterSeries(doc types.TagDocument) {
	for _, s := range f.sinks {
		s.SendRegisterSeries(doc)
	}
}

func (f *Fanout) SendSeriesSequenceData(seriesUID string, sequence map[string]interface{}) {
	for _, s := range f.sinks {
		s.SendSeriesSequenceData(seriesUID, sequence)
	}
}

// envelope is the JSON payload published to Kafka for every telemetry call.
type envelope struct {
	Timestamp time.Time   `json:"timestamp"`
	Kind      string      `json:"kind"`
	Channel   string      `json:"channel,omitempty"`
	Severity  string      `json:"severity,omitempty"`
	SeriesUID string      `json:"series_uid,omitempty"`
	StudyUID  string      `json:"study_uid,omitempty"`
	FileCount int         `json:"file_count,omitempty"`
	Context   string      `json:"context,omitempty"`
	Message   string      `json:"message,omitempty"`
	Sequence  interface{} `json:"sequence,omitempty"`
}
