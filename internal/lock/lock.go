// Package lock implements the spool-lock primitive (spec.md §4.A): a scoped
// guard around a "mere existence" sentinel file, created atomically and
// released on every exit path of its holder's scope.
package lock

import (
	"errors"
	"io/fs"
	"os"

	apperrors "mercutio-route/pkg/errors"
)

// Lock is a held `.lock` sentinel. Release is idempotent-safe to call once;
// callers defer it immediately after a successful Acquire.
type Lock struct {
	path string
}

// Acquire atomically creates path, failing if it already exists. A
// pre-existing lock is reported via ErrLocked so callers can distinguish
// "another worker owns it" (silent return, per spec.md §7) from a hard
// creation failure (log + telemetry + abort).
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, apperrors.LockError(apperrors.CodeLockExists, "acquire", path)
		}
		return nil, apperrors.LockError(apperrors.CodeLockFailed, "acquire", path).Wrap(err)
	}
	if cerr := f.Close(); cerr != nil {
		// The file was still created; closing it failing doesn't change
		// lock ownership, so don't fail acquisition over it.
		_ = cerr
	}
	return &Lock{path: path}, nil
}

// Exists reports whether the lock sentinel is currently present, without
// attempting to acquire it.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Release removes the sentinel file. A removal failure is reported but is
// never fatal for dispatch work already completed (spec.md §7).
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return apperrors.LockError(apperrors.CodeLockRelease, "release", l.path).Wrap(err)
	}
	return nil
}

// Path returns the sentinel's filesystem path.
func (l *Lock) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// IsAlreadyLocked reports whether err is the "already locked" sentinel
// (spec.md §7: "Lock-already-exists on series" → silent return).
func IsAlreadyLocked(err error) bool {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr.Code == apperrors.CodeLockExists
	}
	return false
}
