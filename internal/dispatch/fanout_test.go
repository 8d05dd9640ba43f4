package dispatch

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mercutio-route/internal/rules"
	"mercutio-route/internal/stager"
	"mercutio-route/pkg/tracing"
	"mercutio-route/pkg/types"
)

func testTracer(t *testing.T) *tracing.EnhancedTracingManager {
	t.Helper()
	tm, err := tracing.NewEnhancedTracingManager(tracing.EnhancedTracingConfig{Enabled: false, Mode: tracing.ModeOff}, testLogger())
	require.NoError(t, err)
	return tm
}

type recordingTelemetry struct {
	events []string
}

func (r *recordingTelemetry) SendEvent(channel string, severity types.EventSeverity, message string) {
	r.events = append(r.events, "event:"+message)
}
func (r *recordingTelemetry) SendSeriesEvent(kind types.SeriesEventKind, seriesUID string, fileCount int, context, info string) {
	r.events = append(r.events, "series:"+string(kind))
}
func (r *recordingTelemetry) SendRegisterSeries(doc types.TagDocument) {}
func (r *recordingTelemetry) SendSeriesSequenceData(seriesUID string, sequence map[string]interface{}) {
}

type recordingNotifier struct {
	calls      []string
	secretRefs []string
}

func (n *recordingNotifier) SendWebhook(ctx context.Context, url string, payload interface{}, eventKind, secretRef string) error {
	n.calls = append(n.calls, url)
	n.secretRefs = append(n.secretRefs, secretRef)
	return nil
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func writePair(t *testing.T, dir, stem string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, stem+".dcm"), []byte("payload"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, stem+".tags"), []byte(`{"StudyInstanceUID":"1.2.3"}`), 0o644))
}

func newTestFanout(t *testing.T) (*Fanout, types.Folders, *recordingTelemetry, *recordingNotifier) {
	root := t.TempDir()
	folders := types.Folders{
		Incoming:   filepath.Join(root, "incoming"),
		Outgoing:   filepath.Join(root, "outgoing"),
		Processing: filepath.Join(root, "processing"),
		Discard:    filepath.Join(root, "discard"),
		Studies:    filepath.Join(root, "studies"),
		Error:      filepath.Join(root, "error"),
	}
	for _, d := range []string{folders.Incoming, folders.Outgoing, folders.Processing, folders.Discard, folders.Studies, folders.Error} {
		require.NoError(t, os.MkdirAll(d, 0o755))
	}

	telemetry := &recordingTelemetry{}
	notifier := &recordingNotifier{}
	st := stager.New(testLogger(), 0)
	targets := map[string]types.Target{"pacs-a": {Name: "pacs-a", SecretRef: "pacs-a-token"}}

	return New(folders, targets, st, telemetry, notifier, testTracer(t), testLogger()), folders, telemetry, notifier
}

func TestRunDiscardsOnEmptyTriggeredSet(t *testing.T) {
	f, folders, telemetry, _ := newTestFanout(t)
	writePair(t, folders.Incoming, "series-1#a")

	doc := types.TagDocument{"StudyInstanceUID": "1.2.3"}
	err := f.Run(context.Background(), "series-1", []string{"series-1#a"}, doc, rules.Result{})
	require.NoError(t, err)

	assert.NoFileExists(t, filepath.Join(folders.Incoming, "series-1#a.dcm"))
	entries, err := os.ReadDir(folders.Discard)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, telemetry.events, "series:DISCARD")
}

func TestRunRoutesToKnownTargetAndSkipsUnknown(t *testing.T) {
	f, folders, telemetry, notifier := newTestFanout(t)
	writePair(t, folders.Incoming, "series-1#a")

	doc := types.TagDocument{"StudyInstanceUID": "1.2.3"}
	triggered := []types.TriggeredRule{
		{Name: "route-known", Rule: types.Rule{Action: types.ActionRoute, Target: "pacs-a", NotificationWebhook: "http://hook/a"}},
		{Name: "route-unknown", Rule: types.Rule{Action: types.ActionRoute, Target: "pacs-ghost"}},
	}
	result := rules.Result{Triggered: triggered}

	err := f.Run(context.Background(), "series-1", []string{"series-1#a"}, doc, result)
	require.NoError(t, err)

	entries, err := os.ReadDir(folders.Outgoing)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "only the known target should have staged a folder")
	assert.Contains(t, telemetry.events, "event:unknown target: pacs-ghost")
	assert.Len(t, notifier.calls, 1)
	assert.Equal(t, []string{"pacs-a-token"}, notifier.secretRefs, "the known target's SecretRef should be forwarded to the notifier")

	// Triggered set size is 2, so the copies were routed and the final
	// cleanup stage (4.E.vi) then removed the originals from incoming.
	assert.NoFileExists(t, filepath.Join(folders.Incoming, "series-1#a.dcm"))
}

func TestRunRemovesOriginalsWhenSoleOutcomeIsNotification(t *testing.T) {
	f, folders, _, notifier := newTestFanout(t)
	writePair(t, folders.Incoming, "series-1#a")

	doc := types.TagDocument{"StudyInstanceUID": "1.2.3"}
	result := rules.Result{Triggered: []types.TriggeredRule{
		{Name: "notify-only", Rule: types.Rule{Action: types.ActionNotification, NotificationWebhook: "http://hook/a"}},
	}}

	err := f.Run(context.Background(), "series-1", []string{"series-1#a"}, doc, result)
	require.NoError(t, err)

	assert.NoFileExists(t, filepath.Join(folders.Incoming, "series-1#a.dcm"))
	assert.Len(t, notifier.calls, 1)
}

func TestRunFinalCleanupRemovesOriginalsWhenMultipleTriggered(t *testing.T) {
	f, folders, _, _ := newTestFanout(t)
	writePair(t, folders.Incoming, "series-1#a")

	doc := types.TagDocument{"StudyInstanceUID": "1.2.3"}
	result := rules.Result{Triggered: []types.TriggeredRule{
		{Name: "process-a", Rule: types.Rule{Action: types.ActionProcess}},
		{Name: "process-b", Rule: types.Rule{Action: types.ActionProcess}},
	}}

	err := f.Run(context.Background(), "series-1", []string{"series-1#a"}, doc, result)
	require.NoError(t, err)

	assert.NoFileExists(t, filepath.Join(folders.Incoming, "series-1#a.dcm"))
	entries, err := os.ReadDir(folders.Processing)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
