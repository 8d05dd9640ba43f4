// Package dlq parks notifications that exhausted their retry budget to a
// JSON-lines file for later manual inspection, instead of dropping them
// silently. Adapted from the teacher's log dead-letter queue: trimmed of its
// reprocessing/alerting subsystems, which have no counterpart in the webhook
// retry contract this serves (retry and backoff already live in
// internal/notify, wrapped around pkg/circuit and pkg/ratelimit).
package dlq

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Config configures where parked entries are written and how files rotate.
type Config struct {
	Enabled     bool  `yaml:"enabled"`
	Directory   string `yaml:"directory"`
	MaxFileSize int64 `yaml:"max_file_size_bytes"`
}

// Entry is one parked notification.
type Entry struct {
	Timestamp time.Time   `json:"timestamp"`
	Target    string      `json:"target"`
	URL       string      `json:"url"`
	EventKind string      `json:"event_kind"`
	Payload   interface{} `json:"payload"`
	Error     string      `json:"error"`
}

// Stats reports cumulative DLQ activity.
type Stats struct {
	EntriesWritten int64
	WriteErrors    int64
	LastWrite      time.Time
}

// DeadLetterQueue appends parked entries to a rotating JSON-lines file.
type DeadLetterQueue struct {
	config Config
	logger *logrus.Logger

	mu       sync.Mutex
	file     *os.File
	fileSize int64
	seq      int
	stats    Stats
}

// NewDeadLetterQueue builds a DeadLetterQueue and opens its current file. A
// disabled config returns a queue whose Park calls are no-ops.
func NewDeadLetterQueue(config Config, logger *logrus.Logger) (*DeadLetterQueue, error) {
	if config.MaxFileSize <= 0 {
		config.MaxFileSize = 10 * 1024 * 1024
	}
	d := &DeadLetterQueue{config: config, logger: logger}
	if !config.Enabled {
		return d, nil
	}
	if err := os.MkdirAll(config.Directory, 0o755); err != nil {
		return nil, fmt.Errorf("dlq: failed to create directory: %w", err)
	}
	if err := d.openFile(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *DeadLetterQueue) openFile() error {
	name := filepath.Join(d.config.Directory, fmt.Sprintf("notify-dlq-%d.jsonl", time.Now().UnixNano()))
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("dlq: failed to open file: %w", err)
	}
	d.file = f
	d.fileSize = 0
	return nil
}

// Park writes entry as one JSON line, rotating the backing file once it
// crosses MaxFileSize. A failure to park is logged, never returned to the
// caller — the notify path's failure handling ends here.
func (d *DeadLetterQueue) Park(entry Entry) {
	if !d.config.Enabled {
		return
	}

	entry.Timestamp = time.Now()
	raw, err := json.Marshal(entry)
	if err != nil {
		d.logger.WithError(err).Warn("dlq: failed to marshal entry")
		return
	}
	raw = append(raw, '\n')

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.fileSize+int64(len(raw)) > d.config.MaxFileSize {
		d.file.Close()
		if err := d.openFile(); err != nil {
			d.stats.WriteErrors++
			d.logger.WithError(err).Error("dlq: failed to rotate file")
			return
		}
	}

	n, err := d.file.Write(raw)
	if err != nil {
		d.stats.WriteErrors++
		d.logger.WithError(err).Error("dlq: failed to write entry")
		return
	}
	d.fileSize += int64(n)
	d.stats.EntriesWritten++
	d.stats.LastWrite = time.Now()
}

// GetStats returns a snapshot of cumulative activity.
func (d *DeadLetterQueue) GetStats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Close closes the current backing file, if any.
func (d *DeadLetterQueue) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return nil
	}
	return d.file.Close()
}
