// Package maintenance runs periodic background tasks (cache eviction,
// registry pruning) on cron schedules and records their outcome.
package maintenance

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// stopTimeout bounds how long Stop waits for running tasks.
const stopTimeout = 30 * time.Second

// Scheduler manages and executes tasks on their schedules
type Scheduler struct {
	cron    *cron.Cron
	tasks   map[string]Task
	entries map[string]cron.EntryID
	status  map[string]TaskStatus
	mu      sync.RWMutex
	running bool
	logger  *log.Logger
}

// NewScheduler creates a new scheduler
func NewScheduler(logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.Default()
	}

	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	// A sweep that outlives its interval must not start a second copy.
	chain := cron.WithChain(
		cron.Recover(cron.PrintfLogger(logger)),
		cron.SkipIfStillRunning(cron.PrintfLogger(logger)),
	)

	return &Scheduler{
		cron:    cron.New(cron.WithParser(parser), chain),
		tasks:   make(map[string]Task),
		entries: make(map[string]cron.EntryID),
		status:  make(map[string]TaskStatus),
		logger:  logger,
	}
}

// RegisterTask adds a task. Its schedule is validated immediately, and the
// task starts firing right away when the scheduler is already running.
func (s *Scheduler) RegisterTask(task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := task.Name()
	if _, exists := s.tasks[name]; exists {
		return fmt.Errorf("task %s already registered", name)
	}

	id, err := s.cron.AddFunc(task.Schedule(), func() {
		s.executeTask(context.Background(), name, task)
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q for task %s: %w", task.Schedule(), name, err)
	}

	s.tasks[name] = task
	s.entries[name] = id
	s.status[name] = TaskStatus{
		Name:        name,
		Description: task.Description(),
		Schedule:    task.Schedule(),
	}

	s.logger.Printf("[Maintenance] Registered task %s (%s)", name, task.Schedule())
	return nil
}

// Start begins running scheduled tasks
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}

	s.cron.Start()
	s.running = true

	s.logger.Printf("[Maintenance] Scheduler started with %d tasks", len(s.tasks))
	return nil
}

// Stop stops the scheduler and waits for running tasks to finish
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	ctx := s.cron.Stop()
	s.running = false
	s.mu.Unlock()

	// Running tasks take s.mu to record their status, so wait unlocked.
	select {
	case <-ctx.Done():
		s.logger.Println("[Maintenance] Scheduler stopped gracefully")
	case <-time.After(stopTimeout):
		s.logger.Println("[Maintenance] Scheduler stop timed out")
	}
	return nil
}

// RunNow executes every task immediately, in name order
func (s *Scheduler) RunNow(ctx context.Context) error {
	s.mu.RLock()
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)

	s.logger.Printf("[Maintenance] Running %d tasks immediately", len(names))

	for _, name := range names {
		if err := s.RunTask(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// RunTask executes a specific task by name
func (s *Scheduler) RunTask(ctx context.Context, taskName string) error {
	s.mu.RLock()
	task, exists := s.tasks[taskName]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("task %s not found", taskName)
	}

	s.executeTask(ctx, taskName, task)
	return nil
}

// GetStatus returns the current status of all tasks
func (s *Scheduler) GetStatus() map[string]TaskStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := make(map[string]TaskStatus, len(s.status))
	for name, stat := range s.status {
		if id, ok := s.entries[name]; ok && s.running {
			stat.NextRun = s.cron.Entry(id).Next
		}
		status[name] = stat
	}
	return status
}

// IsRunning returns true if the scheduler is currently running
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// executeTask runs a single task and updates its status
func (s *Scheduler) executeTask(ctx context.Context, name string, task Task) {
	start := time.Now()
	result := task.Execute(ctx)
	result.Duration = time.Since(start)

	s.mu.Lock()
	status := s.status[name]
	status.LastRun = start
	status.Runs++
	if !result.Success || result.Error != nil {
		status.Failures++
	}
	status.LastResult = result
	s.status[name] = status
	s.mu.Unlock()

	if result.Success {
		if result.RecordsProcessed > 0 {
			s.logger.Printf("[Maintenance] Task %s completed in %v: %s", name, result.Duration, result.Message)
		}
	} else {
		s.logger.Printf("[Maintenance] Task %s failed after %v: %s", name, result.Duration, result.Message)
	}
	if result.Error != nil {
		s.logger.Printf("[Maintenance] Task %s error: %v", name, result.Error)
	}
}
