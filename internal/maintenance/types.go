package maintenance

import (
	"context"
	"time"
)

// Task is a unit of periodic background work.
type Task interface {
	// Name identifies the task in status output and RunTask.
	Name() string

	// Description is a human-readable summary of what the task does.
	Description() string

	// Schedule is a cron expression (seconds field optional) or a
	// descriptor such as "@every 5m".
	Schedule() string

	// Execute runs the task once.
	Execute(ctx context.Context) TaskResult
}

// TaskResult represents the result of executing a task
type TaskResult struct {
	Success          bool          `json:"success"`
	Duration         time.Duration `json:"duration"`
	Message          string        `json:"message"`
	RecordsProcessed int           `json:"records_processed,omitempty"`
	Error            error         `json:"-"`
}

// TaskStatus represents the status of a registered task
type TaskStatus struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Schedule    string     `json:"schedule"`
	LastRun     time.Time  `json:"last_run"`
	NextRun     time.Time  `json:"next_run"`
	Runs        int        `json:"runs"`
	Failures    int        `json:"failures"`
	LastResult  TaskResult `json:"last_result"`
}
