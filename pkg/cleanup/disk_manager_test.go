package cleanup

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewManager(t *testing.T) {
	config := Config{
		CheckInterval: 30 * time.Second,
		Directories: []DirectoryConfig{
			{Path: "/tmp/test", MaxAge: 24 * time.Hour},
		},
	}
	m := NewManager(config, logrus.New())
	assert.NotNil(t, m)
	assert.Equal(t, config, m.config)
}

func TestSweepDirectoryRemovesAgedUnlockedFolder(t *testing.T) {
	root := t.TempDir()
	old := filepath.Join(root, "old-uuid")
	fresh := filepath.Join(root, "fresh-uuid")
	require.NoError(t, os.MkdirAll(old, 0o755))
	require.NoError(t, os.MkdirAll(fresh, 0o755))

	pastTime := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(old, pastTime, pastTime))

	m := NewManager(Config{Directories: []DirectoryConfig{{Path: root, MaxAge: time.Hour}}}, logrus.New())
	m.Sweep()

	_, err := os.Stat(old)
	assert.True(t, os.IsNotExist(err), "aged folder should have been pruned")
	_, err = os.Stat(fresh)
	assert.NoError(t, err, "fresh folder should remain")
}

func TestSweepDirectorySkipsLockedFolder(t *testing.T) {
	root := t.TempDir()
	locked := filepath.Join(root, "locked-uuid")
	require.NoError(t, os.MkdirAll(locked, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(locked, ".lock"), nil, 0o644))

	pastTime := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(locked, pastTime, pastTime))

	m := NewManager(Config{Directories: []DirectoryConfig{{Path: root, MaxAge: time.Hour}}}, logrus.New())
	m.Sweep()

	_, err := os.Stat(locked)
	assert.NoError(t, err, "locked folder must survive the sweep")
}

func TestMatchesPattern(t *testing.T) {
	m := NewManager(Config{}, logrus.New())

	cases := []struct {
		name     string
		patterns []string
		want     bool
	}{
		{"abc-123", nil, true},
		{"abc-123", []string{"abc-*"}, true},
		{"xyz-123", []string{"abc-*"}, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, m.matchesPattern(c.name, c.patterns))
	}
}

func TestFreeBytesReportsPositiveValue(t *testing.T) {
	free, err := FreeBytes(t.TempDir())
	require.NoError(t, err)
	assert.Greater(t, free, uint64(0))
}

func TestStartStop(t *testing.T) {
	root := t.TempDir()
	m := NewManager(Config{
		CheckInterval: 50 * time.Millisecond,
		Directories:   []DirectoryConfig{{Path: root, MaxAge: time.Hour}},
	}, logrus.New())

	done := make(chan struct{})
	go func() {
		m.Start()
		close(done)
	}()

	time.Sleep(120 * time.Millisecond)
	require.NoError(t, m.Stop())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}
}
