package telemetry

import (
	"bytes"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"mercutio-route/pkg/types"
)

type recordingSink struct {
	events []string
}

func (r *recordingSink) SendEvent(channel string, severity types.EventSeverity, message string) {
	r.events = append(r.events, "event:"+message)
}
func (r *recordingSink) SendSeriesEvent(kind types.SeriesEventKind, seriesUID string, fileCount int, context, info string) {
	r.events = append(r.events, "series:"+string(kind))
}
func (r *recordingSink) SendRegisterSeries(doc types.TagDocument) {
	r.events = append(r.events, "register")
}
func (r *recordingSink) SendSeriesSequenceData(seriesUID string, sequence map[string]interface{}) {
	r.events = append(r.events, "sequence")
}

func TestLogrusSinkWritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})

	sink := NewLogrusSink(logger)
	sink.SendSeriesEvent(types.EventRoute, "series-1", 3, "pacs-a", "routed to pacs-a")

	assert.Contains(t, buf.String(), "series-1")
	assert.Contains(t, buf.String(), "ROUTE")
}

func TestLogrusSinkSeverityControlsLevel(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	sink := NewLogrusSink(logger)

	assert.Equal(t, logrus.ErrorLevel, sink.level(types.SeverityError))
	assert.Equal(t, logrus.InfoLevel, sink.level(types.SeverityInfo))
}

func TestFanoutBroadcastsToAllSinks(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{}
	f := NewFanout(a, b, nil)

	f.SendEvent("ops", types.SeverityInfo, "hello")
	f.SendRegisterSeries(types.TagDocument{"StudyInstanceUID": "1.2.3"})

	assert.Equal(t, []string{"event:hello", "register"}, a.events)
	assert.Equal(t, []string{"event:hello", "register"}, b.events)
}

func TestFanoutSkipsNilSinks(t *testing.T) {
	f := NewFanout(nil, nil)
	assert.NotPanics(t, func() {
		f.SendEvent("ops", types.SeverityInfo, "hello")
	})
}

func TestFanoutRedactsInjectionAttemptInMessage(t *testing.T) {
	a := &recordingSink{}
	f := NewFanout(a)

	f.SendEvent("ops", types.SeverityError, `tag parse failed: <script>alert(1)</script>`)

	assert.Len(t, a.events, 1)
	assert.NotContains(t, a.events[0], "<script")
	assert.Contains(t, a.events[0], "redacted")
}

func TestFanoutStripsSecretLikeContentFromMessage(t *testing.T) {
	a := &recordingSink{}
	f := NewFanout(a)

	f.SendEvent("ops", types.SeverityInfo, `upstream responded: token=abc123xyz`)

	assert.NotContains(t, a.events[0], "abc123xyz")
	assert.Contains(t, a.events[0], "REDACTED")
}
