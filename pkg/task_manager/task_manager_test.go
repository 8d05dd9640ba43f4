package task_manager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

// retentionCleanup and errorSweeper mirror the two named background tasks
// internal/app.App.Start registers on the shared Manager ("retention-cleanup"
// and "error-sweeper").

func testManager(t *testing.T) Manager {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	config := Config{
		HeartbeatInterval: 30 * time.Second,
		TaskTimeout:       5 * time.Minute,
		CleanupInterval:   1 * time.Minute,
	}

	tm := New(config, logger)
	t.Cleanup(tm.Cleanup)
	return tm
}

func TestStartTaskRunsRetentionCleanupToCompletion(t *testing.T) {
	tm := testManager(t)
	ctx := context.Background()
	done := make(chan bool, 1)

	err := tm.StartTask(ctx, "retention-cleanup", func(ctx context.Context) error {
		done <- true
		return nil
	})
	if err != nil {
		t.Fatalf("Failed to start task: %v", err)
	}

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Error("retention-cleanup was not executed within timeout")
	}

	status := tm.GetTaskStatus("retention-cleanup")
	if status.State != "completed" {
		t.Errorf("Expected state 'completed', got '%s'", status.State)
	}
}

func TestStartTaskRecoversPanicFromErrorSweeper(t *testing.T) {
	tm := testManager(t)
	ctx := context.Background()

	err := tm.StartTask(ctx, "error-sweeper", func(ctx context.Context) error {
		panic("incoming folder vanished mid-sweep")
	})
	if err != nil {
		t.Fatalf("Failed to start task: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	status := tm.GetTaskStatus("error-sweeper")
	if status.State != "failed" {
		t.Errorf("Expected state 'failed' after panic, got '%s'", status.State)
	}

	if status.LastError == "" || status.LastError[:5] != "panic" {
		t.Errorf("Expected panic error message, got '%s'", status.LastError)
	}

	if status.ErrorCount != 1 {
		t.Errorf("Expected error count 1, got %d", status.ErrorCount)
	}
}

func TestStartTaskRunsRetentionCleanupAndErrorSweeperConcurrently(t *testing.T) {
	tm := testManager(t)
	ctx := context.Background()
	names := []string{"retention-cleanup", "error-sweeper"}

	var wg sync.WaitGroup
	wg.Add(len(names))

	for _, name := range names {
		go func(taskID string) {
			defer wg.Done()
			tm.StartTask(ctx, taskID, func(ctx context.Context) error {
				time.Sleep(10 * time.Millisecond)
				return nil
			})
		}(name)
	}

	wg.Wait()
	time.Sleep(200 * time.Millisecond)

	allTasks := tm.GetAllTasks()
	completedCount := 0
	for _, status := range allTasks {
		if status.State == "completed" {
			completedCount++
		}
	}

	if completedCount != len(names) {
		t.Errorf("Expected %d completed tasks, got %d", len(names), completedCount)
	}
}

func TestStartTaskReportsSweepLoopError(t *testing.T) {
	tm := testManager(t)
	ctx := context.Background()
	testErr := errors.New("incoming folder unreadable")

	err := tm.StartTask(ctx, "error-sweeper", func(ctx context.Context) error {
		return testErr
	})
	if err != nil {
		t.Fatalf("Failed to start task: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	status := tm.GetTaskStatus("error-sweeper")
	if status.State != "failed" {
		t.Errorf("Expected state 'failed', got '%s'", status.State)
	}

	if status.LastError != testErr.Error() {
		t.Errorf("Expected error '%s', got '%s'", testErr.Error(), status.LastError)
	}

	if status.ErrorCount != 1 {
		t.Errorf("Expected error count 1, got %d", status.ErrorCount)
	}
}

func TestStartTaskRestartingSameIDIsRaceFree(t *testing.T) {
	tm := testManager(t)
	ctx := context.Background()
	const goroutines = 20
	const iterations = 50

	var wg sync.WaitGroup
	wg.Add(goroutines)

	for g := 0; g < goroutines; g++ {
		go func(gid int) {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				// Every goroutine restarts one of two real task IDs, simulating
				// a config hot-reload repeatedly restarting the same
				// background task under load.
				taskID := "retention-cleanup"
				if gid%2 == 0 {
					taskID = "error-sweeper"
				}
				tm.StartTask(ctx, taskID, func(ctx context.Context) error {
					time.Sleep(time.Millisecond)
					if i%5 == 0 {
						return errors.New("periodic sweep error")
					}
					return nil
				})

				// Also exercise concurrent reads.
				tm.GetTaskStatus(taskID)
				tm.GetAllTasks()
			}
		}(g)
	}

	wg.Wait()
}
