package dlq

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestDisabledQueueParkIsNoOp(t *testing.T) {
	d, err := NewDeadLetterQueue(Config{Enabled: false}, testLogger())
	require.NoError(t, err)

	d.Park(Entry{Target: "pacs-a", Error: "timeout"})
	assert.Equal(t, int64(0), d.GetStats().EntriesWritten)
}

func TestParkWritesJSONLine(t *testing.T) {
	dir := t.TempDir()
	d, err := NewDeadLetterQueue(Config{Enabled: true, Directory: dir}, testLogger())
	require.NoError(t, err)
	defer d.Close()

	d.Park(Entry{Target: "pacs-a", URL: "https://pacs-a.example/hook", EventKind: "RECEPTION", Error: "connection refused"})

	assert.Equal(t, int64(1), d.GetStats().EntriesWritten)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	raw, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "pacs-a")
	assert.Contains(t, string(raw), "connection refused")
}

func TestParkRotatesFileOnceMaxSizeExceeded(t *testing.T) {
	dir := t.TempDir()
	d, err := NewDeadLetterQueue(Config{Enabled: true, Directory: dir, MaxFileSize: 10}, testLogger())
	require.NoError(t, err)
	defer d.Close()

	d.Park(Entry{Target: "pacs-a", Error: "first"})
	d.Park(Entry{Target: "pacs-b", Error: "second"})

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(entries), 2, "tiny max size should force a rotation across two parks")
}

func TestParkErrorsAreCountedNotReturned(t *testing.T) {
	dir := t.TempDir()
	d, err := NewDeadLetterQueue(Config{Enabled: true, Directory: dir}, testLogger())
	require.NoError(t, err)

	require.NoError(t, d.Close())
	assert.NotPanics(t, func() {
		d.Park(Entry{Target: "pacs-a", Error: "file already closed"})
	})
	assert.Equal(t, int64(1), d.GetStats().WriteErrors)
}

func TestParkLineIsValidJSONL(t *testing.T) {
	dir := t.TempDir()
	d, err := NewDeadLetterQueue(Config{Enabled: true, Directory: dir}, testLogger())
	require.NoError(t, err)
	defer d.Close()

	d.Park(Entry{Target: "pacs-a", Error: "boom"})
	d.Park(Entry{Target: "pacs-b", Error: "boom2"})

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	raw, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)

	scanner := bufio.NewScanner(strings.NewReader(string(raw)))
	lines := 0
	for scanner.Scan() {
		lines++
	}
	assert.Equal(t, 2, lines)
}
