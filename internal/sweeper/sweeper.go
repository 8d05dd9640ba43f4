// Package sweeper implements the error-marker relocation operation (spec.md
// §4.F): a standalone scan of the incoming folder for `.error` markers left
// behind by a failed routing attempt, moving each one — and its payload —
// into the error folder under the series' lock. Grounded on
// pkg/cleanup/disk_manager.go's sweepDirectory for the scan-and-isolate
// shape (os.ReadDir, skip what's still locked, one bad entry never aborts
// the rest) rather than internal/monitors/file_monitor.go, whose tailing
// machinery has nothing in common with a directory sweep.
package sweeper

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"mercutio-route/internal/lock"
	"mercutio-route/internal/metrics"
	"mercutio-route/pkg/compression"
	"mercutio-route/pkg/types"
)

const errorSuffix = ".error"

// Sweeper runs the error-marker relocation pass. It is stateless between
// runs; callers schedule SweepErrors on whatever interval the config names.
type Sweeper struct {
	folders          types.Folders
	telemetry        types.TelemetrySink
	logger           *logrus.Logger
	archiveOverBytes int64 // payloads larger than this are gzipped; 0 disables archiving
}

// New builds a Sweeper. archiveOverBytes of zero never archives — every
// payload is moved as-is.
func New(folders types.Folders, telemetry types.TelemetrySink, logger *logrus.Logger, archiveOverBytes int64) *Sweeper {
	return &Sweeper{
		folders:          folders,
		telemetry:        telemetry,
		logger:           logger,
		archiveOverBytes: archiveOverBytes,
	}
}

// SweepErrors scans the incoming folder for `.error` markers and relocates
// each one, along with its payload, into the error folder. It never returns
// an error for a single bad entry — those are logged and skipped so the
// rest of the sweep still runs — only a failure to even list the incoming
// folder is returned to the caller.
func (s *Sweeper) SweepErrors(ctx context.Context) error {
	start := time.Now()
	defer func() {
		metrics.SweepDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
	}()

	entries, err := os.ReadDir(s.folders.Incoming)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("sweeper: list incoming: %w", err)
	}

	relocated := 0
	for _, entry := range entries {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if entry.IsDir() || !strings.HasSuffix(entry.Name(), errorSuffix) {
			continue
		}
		if s.relocateOne(entry.Name()) {
			relocated++
		}
	}

	if relocated > 0 {
		metrics.FilesSweptTotal.WithLabelValues("error", "incoming").Add(float64(relocated))
		s.telemetry.SendEvent("sweeper", types.SeverityInfo, fmt.Sprintf("relocated %d error file(s) to the error folder", relocated))
	}
	return nil
}

// relocateOne handles a single `.error` marker: acquire the series' lock,
// move the marker and its payload into the error folder, release the lock.
// Returns false (and leaves everything where it was) if the series is
// currently locked by a routing attempt, or if relocation fails partway.
func (s *Sweeper) relocateOne(markerName string) bool {
	payloadName := strings.TrimSuffix(markerName, errorSuffix)
	seriesUID := seriesUIDFromPayload(payloadName)

	lockPath := filepath.Join(s.folders.Incoming, seriesUID+".lock")
	lk, err := lock.Acquire(lockPath)
	if err != nil {
		if lock.IsAlreadyLocked(err) {
			return false
		}
		s.logger.WithError(err).WithField("marker", markerName).Warn("sweeper: failed to acquire series lock")
		return false
	}
	defer func() {
		if rerr := lk.Release(); rerr != nil {
			s.logger.WithError(rerr).WithField("marker", markerName).Warn("sweeper: failed to release series lock")
		}
	}()

	markerSrc := filepath.Join(s.folders.Incoming, markerName)
	markerDst := filepath.Join(s.folders.Error, markerName)
	if err := os.Rename(markerSrc, markerDst); err != nil {
		s.logger.WithError(err).WithField("marker", markerName).Warn("sweeper: failed to relocate error marker")
		return false
	}

	if err := s.relocatePayload(payloadName); err != nil {
		s.logger.WithError(err).WithField("payload", payloadName).Warn("sweeper: failed to relocate error payload")
	}

	return true
}

// relocatePayload moves the payload named by an `.error` marker into the
// error folder, gzipping it first if it exceeds the configured threshold. A
// payload that's already gone (routing cleaned it up before crashing) is not
// an error — the marker alone is still worth relocating.
func (s *Sweeper) relocatePayload(payloadName string) error {
	payloadSrc := filepath.Join(s.folders.Incoming, payloadName)
	info, err := os.Stat(payloadSrc)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	payloadDst := filepath.Join(s.folders.Error, payloadName)
	if s.archiveOverBytes > 0 && info.Size() > s.archiveOverBytes {
		return compression.ArchiveFile(payloadSrc, payloadDst+".gz")
	}
	return os.Rename(payloadSrc, payloadDst)
}

// seriesUIDFromPayload extracts the seriesUID prefix a payload file name
// carries ("<seriesUID>#<slice>.dcm"), matching the lock path routing itself
// acquires (internal/routing, internal/dispatch). A payload name with no
// "#" is used as-is — it can only collide with a lock that never existed.
func seriesUIDFromPayload(payloadName string) string {
	if idx := strings.IndexByte(payloadName, '#'); idx >= 0 {
		return payloadName[:idx]
	}
	return payloadName
}
