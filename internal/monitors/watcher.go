// Package monitors turns "a file appeared in incoming" into a RouteSeries
// call. It is the small adapter a runnable daemon needs even though the
// DICOM receiver that actually writes into incoming is out of scope: fsnotify
// watches the folder, debounces bursts of sidecar writes for the same
// series, and calls back once a write settles. Grounded on
// pkg/hotreload/config_reloader.go's fsnotify-watcher-plus-debounce shape
// (this module's own use of the library) and, for the per-path debounce
// timer map specifically, on the "sentinel" file-watch pattern retrieved
// alongside the teacher.
package monitors

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// RouteFunc is called once a series' sidecar write has settled. Injected by
// the caller (internal/app) rather than imported directly, so this package
// never needs to know about internal/routing's Controller type.
type RouteFunc func(ctx context.Context, seriesUID string)

// Watcher watches the incoming folder for new `.tags` sidecars and schedules
// a RouteFunc call for the series they belong to, once writes to that
// series settle.
type Watcher struct {
	incomingDir string
	debounce    time.Duration
	route       RouteFunc
	logger      *logrus.Logger

	watcher *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// New builds a Watcher. debounce of zero uses a 200ms default — bursts of
// `.dcm`/`.tags` writes for the same series routinely land within
// milliseconds of each other.
func New(incomingDir string, debounce time.Duration, route RouteFunc, logger *logrus.Logger) *Watcher {
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	return &Watcher{
		incomingDir: incomingDir,
		debounce:    debounce,
		route:       route,
		logger:      logger,
		pending:     make(map[string]*time.Timer),
	}
}

// Run scans the incoming folder for sidecars already present, then watches
// for new ones until ctx is cancelled. It blocks until ctx.Done() or an
// unrecoverable watcher setup error.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = watcher
	defer watcher.Close()

	if err := watcher.Add(w.incomingDir); err != nil {
		return err
	}

	w.scanExisting(ctx)

	w.logger.WithField("incoming_dir", w.incomingDir).Info("monitors: watching incoming folder")

	for {
		select {
		case <-ctx.Done():
			w.cancelPending()
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			w.handleEvent(ctx, event.Name)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Warn("monitors: watcher error")
		}
	}
}

// scanExisting schedules a route call for every sidecar already present at
// startup, so a restart doesn't strand series that landed while the daemon
// was down.
func (w *Watcher) scanExisting(ctx context.Context) {
	entries, err := os.ReadDir(w.incomingDir)
	if err != nil {
		w.logger.WithError(err).Warn("monitors: failed to scan incoming at startup")
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		w.handleEvent(ctx, filepath.Join(w.incomingDir, entry.Name()))
	}
}

// handleEvent extracts a seriesUID from a `.tags` sidecar path and debounces
// a RouteFunc call for it. Anything else (the `.dcm` pair, `.lock` sentinels,
// `.error` markers) is ignored here — routing itself discovers every stem
// once it acquires the series lock.
func (w *Watcher) handleEvent(ctx context.Context, path string) {
	name := filepath.Base(path)
	if !strings.HasSuffix(name, ".tags") {
		return
	}
	seriesUID := seriesUIDFromSidecar(name)
	if seriesUID == "" {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if t, exists := w.pending[seriesUID]; exists {
		t.Stop()
	}
	w.pending[seriesUID] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, seriesUID)
		w.mu.Unlock()
		w.route(ctx, seriesUID)
	})
}

func (w *Watcher) cancelPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, t := range w.pending {
		t.Stop()
	}
	w.pending = make(map[string]*time.Timer)
}

// seriesUIDFromSidecar extracts the seriesUID prefix from a
// "<seriesUID>#<slice>.tags" sidecar name, matching internal/tagreader's
// ScanSeriesStems prefix convention. Returns "" for a name with no "#".
func seriesUIDFromSidecar(name string) string {
	stem := strings.TrimSuffix(name, ".tags")
	idx := strings.IndexByte(stem, '#')
	if idx < 0 {
		return ""
	}
	return stem[:idx]
}
