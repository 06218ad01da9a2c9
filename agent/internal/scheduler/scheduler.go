// Package scheduler runs the agent's periodic tasks such as heartbeats and
// block-request polls.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/edamame-systems/edamame-stack/common/logging"
)

// Task is one periodic job.
type Task struct {
	Name     string
	Interval time.Duration
	// RunAtStart runs the task once before the first tick.
	RunAtStart bool
	Run        func(ctx context.Context)
}

// Scheduler runs each task on its own ticker. Task runs of the same task
// never overlap.
type Scheduler struct {
	tasks    []Task
	logger   *slog.Logger
	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

func New(logger *slog.Logger, tasks ...Task) *Scheduler {
	return &Scheduler{
		tasks:   tasks,
		logger:  logging.OrDefault(logger),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Add registers a task. It must be called before Start.
func (s *Scheduler) Add(task Task) {
	s.tasks = append(s.tasks, task)
}

// Start runs all tasks until Stop is called or ctx is done. This should be
// called in a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	defer close(s.stopped)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for _, task := range s.tasks {
		if task.Interval <= 0 || task.Run == nil {
			s.logger.Warn("Skipping task without interval", slog.String("task", task.Name))
			continue
		}
		wg.Add(1)
		go func(task Task) {
			defer wg.Done()
			s.loop(ctx, task)
		}(task)
	}
	s.logger.Info("Scheduler started", logging.Count(len(s.tasks)))

	select {
	case <-s.stop:
		s.logger.Info("Scheduler stopped")
	case <-ctx.Done():
		s.logger.Info("Scheduler context cancelled")
	}
	cancel()
	wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, task Task) {
	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	s.logger.Debug("Task scheduled", slog.String("task", task.Name), logging.Duration(task.Interval))
	if task.RunAtStart {
		task.Run(ctx)
	}
	for {
		select {
		case <-ticker.C:
			task.Run(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Stop signals the scheduler to stop and waits for running tasks to return.
// It is safe to call more than once, but only after Start.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.stopped
}

// Done is closed once Start has returned.
func (s *Scheduler) Done() <-chan struct{} {
	return s.stopped
}
