package app

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"mercutio-route/pkg/types"
)

func writeTestConfig(t *testing.T, dir string) string {
	t.Helper()

	incoming := filepath.Join(dir, "incoming")
	outgoing := filepath.Join(dir, "outgoing")
	processing := filepath.Join(dir, "processing")
	discard := filepath.Join(dir, "discard")
	studies := filepath.Join(dir, "studies")
	errDir := filepath.Join(dir, "error")
	for _, d := range []string{incoming, outgoing, processing, discard, studies, errDir} {
		require.NoError(t, os.MkdirAll(d, 0o755))
	}

	configContent := fmt.Sprintf(`
folders:
  incoming: %q
  outgoing: %q
  processing: %q
  discard: %q
  studies: %q
  error: %q

targets:
  pacs:
    name: "pacs"

rules:
  route-all:
    rule: "true"
    action: "route"
    target: "pacs"

server:
  enabled: false

dispatch:
  workers: 2
  queue_size: 10

cleanup:
  enabled: false
`, incoming, outgoing, processing, discard, studies, errDir)

	configFile := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte(configContent), 0o644))
	return configFile
}

func TestNewBuildsEveryComponent(t *testing.T) {
	dir := t.TempDir()
	configFile := writeTestConfig(t, dir)

	a, err := New(configFile)
	require.NoError(t, err)
	require.NotNil(t, a)

	assert.NotNil(t, a.currentController())
	assert.NotNil(t, a.telemetry)
	assert.NotNil(t, a.notifier)
	assert.NotNil(t, a.tracer)
	assert.NotNil(t, a.evaluator)
	assert.NotNil(t, a.stager)
	assert.NotNil(t, a.sweeper)
	assert.NotNil(t, a.cleanupMgr)
	assert.NotNil(t, a.workerPool)
	assert.NotNil(t, a.backpressureMgr)
	assert.NotNil(t, a.taskMgr)
	assert.NotNil(t, a.goroutineTracker)
	assert.NotNil(t, a.watcher)
	assert.NotNil(t, a.reloader)
	assert.Nil(t, a.httpServer, "server.enabled is false, no ops HTTP server should be built")
}

func TestStartStopLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t,
		goleak.IgnoreTopFunction("github.com/fsnotify/fsnotify.(*Watcher).readEvents"),
		goleak.IgnoreTopFunction("github.com/sirupsen/logrus.(*Entry).log"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)

	dir := t.TempDir()
	configFile := writeTestConfig(t, dir)

	a, err := New(configFile)
	require.NoError(t, err)

	require.NoError(t, a.Start())
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, a.Stop())
}

func TestRuleOrderIsDeterministic(t *testing.T) {
	table := map[string]types.Rule{
		"zeta":  {Name: "zeta"},
		"alpha": {Name: "alpha"},
		"mu":    {Name: "mu"},
	}
	order := ruleOrder(table)
	assert.Equal(t, []string{"alpha", "mu", "zeta"}, order)
}
