// Package scheduler fires registered tasks on fixed intervals with at most one
// run of each task in flight.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"github.com/RezaEskandarii/rollqueue/internal/logging"
	"github.com/RezaEskandarii/rollqueue/types/config"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"sync"
	"time"
)

// Task is one scheduled run. ctx is cancelled when the scheduler stops.
type Task func(ctx context.Context)

type entry struct {
	name     string
	interval time.Duration
	task     Task
}

type Scheduler struct {
	policy config.OverlapPolicy
	logger logrus.FieldLogger

	mu      sync.Mutex
	entries []entry
	running bool
}

func New(policy config.OverlapPolicy, logger logrus.FieldLogger) *Scheduler {
	return &Scheduler{policy: policy, logger: logger}
}

// Every registers task to run each interval, starting one interval after Run.
func (s *Scheduler) Every(name string, interval time.Duration, task Task) error {
	if interval <= 0 {
		return fmt.Errorf("scheduler: interval of %q must be positive", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("scheduler: already running")
	}
	s.entries = append(s.entries, entry{name: name, interval: interval, task: task})
	return nil
}

// Run starts all registered tasks and blocks until ctx is done. It then stops
// firing new runs and waits for the runs already in flight before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("scheduler: already running")
	}
	s.running = true
	entries := append([]entry(nil), s.entries...)
	s.mu.Unlock()

	cronLogger := logging.NewCronLogger(s.logger)
	c := cron.New(
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), s.overlapWrapper(cronLogger)),
	)

	for _, e := range entries {
		e := e
		c.Schedule(fixedInterval(e.interval), cron.FuncJob(func() {
			// A run queued behind a slow one must not start after shutdown.
			if ctx.Err() != nil {
				return
			}
			e.task(ctx)
		}))
		s.logger.WithFields(logrus.Fields{"task": e.name, "interval": e.interval}).Info("task scheduled")
	}

	c.Start()
	<-ctx.Done()

	s.logger.Info("scheduler stopping, waiting for running tasks")
	<-c.Stop().Done()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) overlapWrapper(logger cron.Logger) cron.JobWrapper {
	if s.policy == config.DelayOverlap {
		return cron.DelayIfStillRunning(logger)
	}
	return cron.SkipIfStillRunning(logger)
}

// fixedInterval is a cron.Schedule with sub-second resolution.
type fixedInterval time.Duration

func (f fixedInterval) Next(t time.Time) time.Time {
	return t.Add(time.Duration(f))
}
