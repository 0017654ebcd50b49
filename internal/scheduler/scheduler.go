// Package scheduler runs the agent's periodic protocol duties: pulse
// emission, heartbeats, outbox draining, and housekeeping.
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"
)

// Task is one named periodic duty. Fn runs a single iteration; errors
// are logged and the next tick still fires.
type Task struct {
	Name     string
	Interval time.Duration
	Fn       func(ctx context.Context) error
}

// Scheduler drives registered tasks on independent tickers.
type Scheduler struct {
	tasks []Task
	wg    sync.WaitGroup
}

func New() *Scheduler {
	return &Scheduler{}
}

// Add registers a periodic task. Must be called before Run.
func (s *Scheduler) Add(name string, interval time.Duration, fn func(ctx context.Context) error) {
	s.tasks = append(s.tasks, Task{Name: name, Interval: interval, Fn: fn})
}

// Run starts every registered task and blocks until the context is
// cancelled and all tasks have stopped.
func (s *Scheduler) Run(ctx context.Context) {
	log.Printf("[Scheduler] Starting %d periodic tasks...", len(s.tasks))
	for _, task := range s.tasks {
		s.wg.Add(1)
		go s.runTask(ctx, task)
	}
	s.wg.Wait()
	log.Println("[Scheduler] All tasks stopped")
}

func (s *Scheduler) runTask(ctx context.Context, task Task) {
	defer s.wg.Done()

	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[Scheduler] Stopping task %s...", task.Name)
			return
		case <-ticker.C:
			if err := task.Fn(ctx); err != nil {
				log.Printf("[Scheduler] Task %s failed: %v", task.Name, err)
			}
		}
	}
}
