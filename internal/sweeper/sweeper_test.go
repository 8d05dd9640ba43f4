package sweeper

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mercutio-route/pkg/types"
)

type recordingTelemetry struct {
	events []string
}

func (r *recordingTelemetry) SendEvent(channel string, severity types.EventSeverity, message string) {
	r.events = append(r.events, message)
}
func (r *recordingTelemetry) SendSeriesEvent(kind types.SeriesEventKind, seriesUID string, fileCount int, context, info string) {
}
func (r *recordingTelemetry) SendRegisterSeries(doc types.TagDocument) {}
func (r *recordingTelemetry) SendSeriesSequenceData(seriesUID string, sequence map[string]interface{}) {
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestFolders(t *testing.T) types.Folders {
	t.Helper()
	root := t.TempDir()
	folders := types.Folders{
		Incoming: filepath.Join(root, "incoming"),
		Error:    filepath.Join(root, "error"),
	}
	require.NoError(t, os.MkdirAll(folders.Incoming, 0o755))
	require.NoError(t, os.MkdirAll(folders.Error, 0o755))
	return folders
}

func TestSweepErrorsRelocatesMarkerAndPayload(t *testing.T) {
	folders := newTestFolders(t)
	telemetry := &recordingTelemetry{}
	s := New(folders, telemetry, testLogger(), 0)

	payload := "series-1#a.dcm"
	require.NoError(t, os.WriteFile(filepath.Join(folders.Incoming, payload), []byte("bad payload"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(folders.Incoming, payload+".error"), nil, 0o644))

	require.NoError(t, s.SweepErrors(context.Background()))

	assert.NoFileExists(t, filepath.Join(folders.Incoming, payload))
	assert.NoFileExists(t, filepath.Join(folders.Incoming, payload+".error"))
	assert.FileExists(t, filepath.Join(folders.Error, payload))
	assert.FileExists(t, filepath.Join(folders.Error, payload+".error"))

	foundAggregate := false
	for _, e := range telemetry.events {
		if strings.Contains(e, "relocated 1 error file") {
			foundAggregate = true
		}
	}
	assert.True(t, foundAggregate, "expected a single aggregate relocation event")
}

func TestSweepErrorsSkipsLockedSeries(t *testing.T) {
	folders := newTestFolders(t)
	telemetry := &recordingTelemetry{}
	s := New(folders, telemetry, testLogger(), 0)

	payload := "series-1#a.dcm"
	require.NoError(t, os.WriteFile(filepath.Join(folders.Incoming, payload), []byte("bad payload"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(folders.Incoming, payload+".error"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(folders.Incoming, "series-1.lock"), nil, 0o644))

	require.NoError(t, s.SweepErrors(context.Background()))

	assert.FileExists(t, filepath.Join(folders.Incoming, payload), "a series actively being routed must not be touched")
	assert.FileExists(t, filepath.Join(folders.Incoming, payload+".error"))
	assert.Empty(t, telemetry.events)
}

func TestSweepErrorsIsNoOpWithNoMarkers(t *testing.T) {
	folders := newTestFolders(t)
	telemetry := &recordingTelemetry{}
	s := New(folders, telemetry, testLogger(), 0)

	require.NoError(t, os.WriteFile(filepath.Join(folders.Incoming, "series-1#a.dcm"), []byte("fine"), 0o644))

	require.NoError(t, s.SweepErrors(context.Background()))
	assert.Empty(t, telemetry.events)
	assert.FileExists(t, filepath.Join(folders.Incoming, "series-1#a.dcm"))
}

func TestSweepErrorsArchivesOversizedPayload(t *testing.T) {
	folders := newTestFolders(t)
	telemetry := &recordingTelemetry{}
	s := New(folders, telemetry, testLogger(), 10) // any payload over 10 bytes gets gzipped

	payload := "series-1#a.dcm"
	require.NoError(t, os.WriteFile(filepath.Join(folders.Incoming, payload), []byte("this payload is well over ten bytes long"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(folders.Incoming, payload+".error"), nil, 0o644))

	require.NoError(t, s.SweepErrors(context.Background()))

	assert.NoFileExists(t, filepath.Join(folders.Incoming, payload))
	assert.NoFileExists(t, filepath.Join(folders.Error, payload), "oversized payload should be archived, not copied raw")
	assert.FileExists(t, filepath.Join(folders.Error, payload+".gz"))
}

func TestSweepErrorsToleratesMissingPayload(t *testing.T) {
	folders := newTestFolders(t)
	telemetry := &recordingTelemetry{}
	s := New(folders, telemetry, testLogger(), 0)

	payload := "series-1#a.dcm"
	require.NoError(t, os.WriteFile(filepath.Join(folders.Incoming, payload+".error"), nil, 0o644))

	require.NoError(t, s.SweepErrors(context.Background()))

	assert.NoFileExists(t, filepath.Join(folders.Incoming, payload+".error"))
	assert.FileExists(t, filepath.Join(folders.Error, payload+".error"))
	foundAggregate := false
	for _, e := range telemetry.events {
		if strings.Contains(e, "relocated 1 error file") {
			foundAggregate = true
		}
	}
	assert.True(t, foundAggregate)
}
