// Package stager implements the staging-folder lifecycle (spec.md §4.D):
// create, verify, lock, write a task.json descriptor, transfer file pairs
// in, release. It is used both for the always-fresh UUID-named folders
// (outgoing/processing/discard) and, by internal/dispatch, for the
// natural-key study folders that may already exist.
package stager

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"mercutio-route/internal/lock"
	"mercutio-route/internal/taskfile"
	"mercutio-route/pkg/cleanup"
	apperrors "mercutio-route/pkg/errors"
	"mercutio-route/pkg/types"
)

// TransferMode selects move-vs-copy semantics for a Transfer call (spec.md
// invariant 3: single triggered rule moves, more than one copies).
type TransferMode int

const (
	Move TransferMode = iota
	Copy
)

// Stager holds the ambient dependencies every staging operation needs.
type Stager struct {
	logger       *logrus.Logger
	minFreeBytes uint64
}

// New builds a Stager. minFreeBytes of 0 disables the disk-space gate.
func New(logger *logrus.Logger, minFreeBytes uint64) *Stager {
	return &Stager{logger: logger, minFreeBytes: minFreeBytes}
}

// NewFolderName returns a fresh UUID folder name for outgoing/processing/
// discard staging (spec.md §5: "uniquely generated names").
func NewFolderName() string {
	return uuid.NewString()
}

// EnsureFolder creates parent/name if it does not already exist (spec.md
// §4.D steps 1–2: create, then verify). created reports whether this call
// is the one that created it, which callers use to decide whether to write
// a task descriptor for natural-key study folders (spec.md §4.E.ii).
func (s *Stager) EnsureFolder(parent, name string) (path string, created bool, err error) {
	path = filepath.Join(parent, name)

	if free, ferr := cleanup.FreeBytes(parent); ferr == nil && s.minFreeBytes > 0 && free < s.minFreeBytes {
		return "", false, apperrors.StagingError(apperrors.CodeDiskLow, "ensure-folder", path)
	}

	if _, statErr := os.Stat(path); statErr == nil {
		return path, false, nil
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", false, apperrors.StagingError(apperrors.CodeFolderFailed, "mkdir", path).Wrap(err)
	}
	if _, statErr := os.Stat(path); statErr != nil {
		return "", false, apperrors.StagingError(apperrors.CodeFolderFailed, "verify", path).Wrap(statErr)
	}
	return path, true, nil
}

// Lock acquires the staging folder's `.lock` sentinel (spec.md §4.D step 3).
func (s *Stager) Lock(folderPath string) (*lock.Lock, error) {
	return lock.Acquire(filepath.Join(folderPath, ".lock"))
}

// WriteDescriptor stamps CreatedAt and writes task.json into folderPath
// (spec.md §4.D step 4).
func (s *Stager) WriteDescriptor(folderPath string, d types.StagingDescriptor) error {
	d.CreatedAt = time.Now()
	raw, err := taskfile.Marshal(d)
	if err != nil {
		return apperrors.StagingError(apperrors.CodeFolderFailed, "marshal-task", folderPath).Wrap(err)
	}
	path := filepath.Join(folderPath, "task.json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return apperrors.StagingError(apperrors.CodeFolderFailed, "write-task", path).Wrap(err)
	}
	return nil
}

// TransferResult reports per-stem outcomes of a Transfer call. A non-nil
// entry does not abort the remaining stems (spec.md §4.D step 5).
type TransferResult struct {
	Stem string
	Err  error
}

// Transfer moves or copies each stem's `.dcm` and `.tags` pair from
// incomingDir into folderPath (spec.md §4.D step 5). A per-file error is
// collected and reported but never aborts the remaining transfers.
func (s *Stager) Transfer(incomingDir, folderPath string, stems []string, mode TransferMode) []TransferResult {
	var results []TransferResult
	for _, stem := range stems {
		if err := s.transferStem(incomingDir, folderPath, stem, mode); err != nil {
			results = append(results, TransferResult{Stem: stem, Err: err})
		}
	}
	return results
}

func (s *Stager) transferStem(incomingDir, folderPath, stem string, mode TransferMode) error {
	var firstErr error
	for _, ext := range []string{".dcm", ".tags"} {
		src := filepath.Join(incomingDir, stem+ext)
		dst := filepath.Join(folderPath, stem+ext)
		var err error
		if mode == Move {
			err = moveFile(src, dst)
		} else {
			err = copyFile(src, dst)
		}
		if err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{"stem": stem, "ext": ext}).Error("failed to transfer file")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// moveFile renames src to dst, falling back to copy+remove on EXDEV — the
// cross-filesystem case os.Rename cannot handle directly, matching
// shutil.move's fallback semantics in the source.
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	var linkErr *os.LinkError
	if errors.As(err, &linkErr) && errors.Is(linkErr.Err, syscall.EXDEV) {
		if cerr := copyFile(src, dst); cerr != nil {
			return cerr
		}
		return os.Remove(src)
	}
	return err
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

// Fresh runs the full 6-step contract for an always-new, UUID-named staging
// folder: ensure, lock, write descriptor, transfer, release. It is the
// shape used by discard/outgoing/processing staging (spec.md §4.E.i,
// §4.E.iii, §4.E.iv); study-level staging (§4.E.ii) composes the
// lower-level methods directly since it must skip the descriptor write on
// non-first arrivals.
func (s *Stager) Fresh(_ context.Context, parent, incomingDir string, stems []string, mode TransferMode, d types.StagingDescriptor) (folderPath string, results []TransferResult, err error) {
	name := NewFolderName()
	folderPath, _, err = s.EnsureFolder(parent, name)
	if err != nil {
		return "", nil, err
	}

	l, err := s.Lock(folderPath)
	if err != nil {
		return folderPath, nil, err
	}
	defer func() {
		if rerr := l.Release(); rerr != nil {
			s.logger.WithError(rerr).WithField("folder", folderPath).Warn("failed to release staging lock")
		}
	}()

	if err := s.WriteDescriptor(folderPath, d); err != nil {
		return folderPath, nil, err
	}

	results = s.Transfer(incomingDir, folderPath, stems, mode)
	return folderPath, results, nil
}
