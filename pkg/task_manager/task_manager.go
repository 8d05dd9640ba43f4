// Package task_manager runs the daemon's background tasks (the sweeper's
// periodic pass, the hot-reload watch, the worker pool's metrics collector)
// under a shared heartbeat/timeout contract instead of bare goroutines, so a
// wedged background loop is detected the same way a wedged task would be.
package task_manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"mercutio-route/internal/metrics"
)

// Config tunes heartbeat timeout and task cleanup cadence.
type Config struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	TaskTimeout       time.Duration `yaml:"task_timeout"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
}

// Status is a task's point-in-time state.
type Status struct {
	ID            string
	State         string // "running", "completed", "failed", "stopped", "not_found"
	StartedAt     time.Time
	LastHeartbeat time.Time
	ErrorCount    int64
	LastError     string
}

// Manager starts named background tasks and tracks their heartbeat.
type Manager interface {
	StartTask(ctx context.Context, taskID string, fn func(context.Context) error) error
	StopTask(taskID string) error
	Heartbeat(taskID string) error
	GetTaskStatus(taskID string) Status
	GetAllTasks() map[string]Status
	Cleanup()
}

type manager struct {
	config Config
	tasks  map[string]*task
	mutex  sync.RWMutex
	logger *logrus.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type task struct {
	ID            string
	Fn            func(context.Context) error
	State         string
	StartedAt     time.Time
	LastHeartbeat time.Time
	ErrorCount    int64
	LastError     string
	Context       context.Context
	Cancel        context.CancelFunc
	Done          chan struct{}
}

// New builds a Manager and starts its cleanup loop.
func New(config Config, logger *logrus.Logger) Manager {
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = 30 * time.Second
	}
	if config.TaskTimeout == 0 {
		config.TaskTimeout = 5 * time.Minute
	}
	if config.CleanupInterval == 0 {
		config.CleanupInterval = 1 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())

	tm := &manager{
		config: config,
		tasks:  make(map[string]*task),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	tm.wg.Add(1)
	go func() {
		defer tm.wg.Done()
		tm.cleanupLoop()
	}()

	return tm
}

// StartTask runs fn in its own goroutine under taskID, replacing any
// existing task of the same ID that isn't currently running.
func (tm *manager) StartTask(ctx context.Context, taskID string, fn func(context.Context) error) error {
	tm.mutex.Lock()
	defer tm.mutex.Unlock()

	if existing, exists := tm.tasks[taskID]; exists {
		if existing.State == "running" {
			return fmt.Errorf("task %s is already running", taskID)
		}
		existing.Cancel()
		<-existing.Done
	}

	taskCtx, taskCancel := context.WithCancel(ctx)

	newTask := &task{
		ID:            taskID,
		Fn:            fn,
		State:         "running",
		StartedAt:     time.Now(),
		LastHeartbeat: time.Now(),
		Context:       taskCtx,
		Cancel:        taskCancel,
		Done:          make(chan struct{}),
	}

	tm.tasks[taskID] = newTask
	go tm.runTask(newTask)

	metrics.ActiveTasks.Set(float64(len(tm.tasks)))
	tm.logger.WithField("task_id", taskID).Info("task started")
	return nil
}

func (tm *manager) runTask(t *task) {
	defer close(t.Done)

	defer func() {
		if r := recover(); r != nil {
			tm.mutex.Lock()
			t.State = "failed"
			t.ErrorCount++
			t.LastError = fmt.Sprintf("panic: %v", r)
			tm.mutex.Unlock()

			tm.logger.WithFields(logrus.Fields{
				"task_id": t.ID,
				"error":   r,
			}).Error("task panicked")
		}
	}()

	err := t.Fn(t.Context)

	tm.mutex.Lock()
	if err != nil {
		t.State = "failed"
		t.ErrorCount++
		t.LastError = err.Error()
		tm.mutex.Unlock()

		tm.logger.WithFields(logrus.Fields{
			"task_id": t.ID,
			"error":   err,
		}).Error("task failed")
		return
	}

	t.State = "completed"
	t.LastError = ""
	tm.mutex.Unlock()

	tm.logger.WithField("task_id", t.ID).Info("task completed")
}

// StopTask cancels taskID's context and waits up to 10s for it to exit.
func (tm *manager) StopTask(taskID string) error {
	tm.mutex.Lock()
	defer tm.mutex.Unlock()

	t, exists := tm.tasks[taskID]
	if !exists {
		return fmt.Errorf("task %s not found", taskID)
	}
	if t.State != "running" {
		return fmt.Errorf("task %s is not running", taskID)
	}

	t.Cancel()

	select {
	case <-t.Done:
		t.State = "stopped"
		tm.logger.WithField("task_id", taskID).Info("task stopped")
	case <-time.After(10 * time.Second):
		t.State = "failed"
		t.LastError = "stop timeout"
		tm.logger.WithField("task_id", taskID).Warn("task stop timeout")
	}

	return nil
}

// Heartbeat marks taskID as alive, resetting its timeout clock.
func (tm *manager) Heartbeat(taskID string) error {
	tm.mutex.Lock()
	defer tm.mutex.Unlock()

	t, exists := tm.tasks[taskID]
	if !exists {
		return fmt.Errorf("task %s not found", taskID)
	}
	t.LastHeartbeat = time.Now()
	metrics.TaskHeartbeats.WithLabelValues(taskID).Inc()
	return nil
}

// GetTaskStatus returns taskID's current status, or State "not_found".
func (tm *manager) GetTaskStatus(taskID string) Status {
	tm.mutex.RLock()
	defer tm.mutex.RUnlock()

	t, exists := tm.tasks[taskID]
	if !exists {
		return Status{ID: taskID, State: "not_found"}
	}
	return t.status()
}

// GetAllTasks returns every tracked task's status.
func (tm *manager) GetAllTasks() map[string]Status {
	tm.mutex.RLock()
	defer tm.mutex.RUnlock()

	result := make(map[string]Status, len(tm.tasks))
	for id, t := range tm.tasks {
		result[id] = t.status()
	}
	return result
}

func (t *task) status() Status {
	return Status{
		ID:            t.ID,
		State:         t.State,
		StartedAt:     t.StartedAt,
		LastHeartbeat: t.LastHeartbeat,
		ErrorCount:    t.ErrorCount,
		LastError:     t.LastError,
	}
}

func (tm *manager) cleanupLoop() {
	ticker := time.NewTicker(tm.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-tm.ctx.Done():
			return
		case <-ticker.C:
			tm.cleanupTasks()
		}
	}
}

// cleanupTasks fails a task whose heartbeat has gone silent past
// TaskTimeout, and forgets tasks that finished more than an hour ago.
func (tm *manager) cleanupTasks() {
	tm.mutex.Lock()
	defer tm.mutex.Unlock()

	now := time.Now()
	var toDelete []string

	for id, t := range tm.tasks {
		if t.State == "running" && now.Sub(t.LastHeartbeat) > tm.config.TaskTimeout {
			tm.logger.WithField("task_id", id).Warn("task heartbeat timeout, stopping")
			t.Cancel()
			t.State = "failed"
			t.LastError = "heartbeat timeout"
		}
		if t.State != "running" && now.Sub(t.StartedAt) > time.Hour {
			toDelete = append(toDelete, id)
		}
	}

	for _, id := range toDelete {
		delete(tm.tasks, id)
		tm.logger.WithField("task_id", id).Debug("task cleaned up")
	}
	metrics.ActiveTasks.Set(float64(len(tm.tasks)))
}

// Cleanup cancels every running task and stops the cleanup loop, blocking
// up to 10s for the cleanup loop and up to 5s per running task.
func (tm *manager) Cleanup() {
	tm.mutex.Lock()
	tm.cancel()
	tm.mutex.Unlock()

	done := make(chan struct{})
	go func() {
		tm.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		tm.logger.Info("all task manager goroutines stopped cleanly")
	case <-time.After(10 * time.Second):
		tm.logger.Warn("timeout waiting for task manager goroutines to stop")
	}

	tm.mutex.Lock()
	defer tm.mutex.Unlock()

	for id, t := range tm.tasks {
		if t.State == "running" {
			t.Cancel()
			select {
			case <-t.Done:
			case <-time.After(5 * time.Second):
				tm.logger.WithField("task_id", id).Warn("task cleanup timeout")
			}
		}
	}

	tm.logger.Info("task manager cleanup completed")
}
