// Package cleanup prunes aged-out staging folders and reports free disk
// space on the spool filesystems. It never touches a folder that currently
// holds a `.lock` sentinel — a folder mid-dispatch must survive a retention
// sweep regardless of age.
package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/sirupsen/logrus"

	"mercutio-route/internal/metrics"
)

// DirectoryConfig is one spool subtree this manager prunes.
type DirectoryConfig struct {
	Path         string        `yaml:"path"`
	MaxAge       time.Duration `yaml:"max_age"`
	FilePatterns []string      `yaml:"file_patterns"` // glob against the entry's base name; empty matches everything
}

// Config configures the retention sweep.
type Config struct {
	Directories   []DirectoryConfig `yaml:"directories"`
	CheckInterval time.Duration     `yaml:"check_interval"`
}

// Manager periodically prunes aged-out, unlocked entries from a set of
// spool directories. Grounded on the teacher's disk-space-manager polling
// loop, adapted from log-rotation cleanup to locked-folder-aware staging
// retention (SPEC_FULL.md §4.F supplement).
type Manager struct {
	config Config
	logger *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager builds a Manager. It does not start the background loop.
func NewManager(config Config, logger *logrus.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{config: config, logger: logger, ctx: ctx, cancel: cancel}
}

// Start runs the periodic sweep until Stop is called. Intended to be run in
// its own goroutine by the caller.
func (m *Manager) Start() error {
	if m.config.CheckInterval <= 0 {
		m.config.CheckInterval = time.Minute
	}

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	m.Sweep()

	for {
		select {
		case <-m.ctx.Done():
			return nil
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Stop ends the background loop.
func (m *Manager) Stop() error {
	m.cancel()
	return nil
}

// Sweep runs one retention pass over every configured directory.
func (m *Manager) Sweep() {
	start := time.Now()
	defer func() {
		metrics.SweepDuration.WithLabelValues("retention").Observe(time.Since(start).Seconds())
	}()

	for _, dir := range m.config.Directories {
		if dir.MaxAge <= 0 {
			continue
		}
		if err := m.sweepDirectory(dir); err != nil {
			m.logger.WithError(err).WithField("directory", dir.Path).Warn("retention sweep failed")
		}
	}

	if free, err := FreeBytes(m.spoolRoot()); err == nil {
		metrics.FreeDiskBytes.Set(float64(free))
	}
}

// spoolRoot returns the first configured directory's path as the
// representative filesystem to sample free space from — every staging
// subtree configured here lives on the same spool volume.
func (m *Manager) spoolRoot() string {
	if len(m.config.Directories) == 0 {
		return "."
	}
	return m.config.Directories[0].Path
}

func (m *Manager) sweepDirectory(dir DirectoryConfig) error {
	entries, err := os.ReadDir(dir.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	cutoff := time.Now().Add(-dir.MaxAge)
	removed := 0

	for _, entry := range entries {
		if !m.matchesPattern(entry.Name(), dir.FilePatterns) {
			continue
		}
		path := filepath.Join(dir.Path, entry.Name())

		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if m.isLocked(path, entry.IsDir()) {
			continue
		}

		if entry.IsDir() {
			err = os.RemoveAll(path)
		} else {
			err = os.Remove(path)
		}
		if err != nil {
			m.logger.WithError(err).WithField("path", path).Warn("failed to prune aged entry")
			continue
		}
		removed++
	}

	if removed > 0 {
		metrics.FilesSweptTotal.WithLabelValues("retention", dir.Path).Add(float64(removed))
		m.logger.WithFields(logrus.Fields{
			"directory": dir.Path,
			"removed":   removed,
			"max_age":   dir.MaxAge,
		}).Info("retention sweep pruned aged entries")
	}
	return nil
}

// isLocked reports whether a staging folder still carries a `.lock`
// sentinel. A bare file (not a staging folder) is never considered locked.
func (m *Manager) isLocked(path string, isDir bool) bool {
	if !isDir {
		return false
	}
	_, err := os.Stat(filepath.Join(path, ".lock"))
	return err == nil
}

func (m *Manager) matchesPattern(name string, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}

// FreeBytes reports bytes free on the filesystem hosting path, via
// gopsutil so the same dependency backs both the ops-surface disk metric
// and the stager's pre-creation space gate.
func FreeBytes(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}
