// Package scheduler is the shared cron scheduler every recurring
// controller activity registers jobs on, rather than each subsystem
// rolling its own ticker: the Controller's config-poll cadence (spec
// §4.8) and any future one-shot submission both go through one
// gocron.Scheduler instance.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"podrunner/internal/logging"
)

// Scheduler wraps a gocron.Scheduler with a name-keyed job registry so
// callers can add, replace, and remove recurring jobs by name.
type Scheduler struct {
	mu     sync.Mutex
	gs     gocron.Scheduler
	jobs   map[string]gocron.Job
	logger *slog.Logger
}

// New creates and starts a Scheduler. The scheduler runs until Stop is
// called; there is no separate Start step, matching the eager-start
// convention jobs submitted before an explicit Start would otherwise miss.
func New(logger *slog.Logger) (*Scheduler, error) {
	gs, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("scheduler: create gocron scheduler: %w", err)
	}
	s := &Scheduler{
		gs:     gs,
		jobs:   make(map[string]gocron.Job),
		logger: logging.Default(logger).With("component", "scheduler"),
	}
	gs.Start()
	return s, nil
}

// AddRecurring registers a named job that runs fn every interval,
// starting immediately. If a job with the same name already exists it
// is replaced (spec §4.8: the controller rebuilds its poll job whenever
// the poll interval derived from the endpoint's cache TTL changes).
func (s *Scheduler) AddRecurring(name string, interval time.Duration, fn func(context.Context)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j, ok := s.jobs[name]; ok {
		if err := s.gs.RemoveJob(j.ID()); err != nil {
			s.logger.Warn("failed to remove previous job before re-adding", "name", name, "error", err)
		}
		delete(s.jobs, name)
	}

	ctx := context.Background()
	j, err := s.gs.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() { fn(ctx) }),
		gocron.WithName(name),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return fmt.Errorf("scheduler: add job %q: %w", name, err)
	}
	s.jobs[name] = j
	s.logger.Info("recurring job added", "name", name, "interval", interval)
	return nil
}

// RemoveJob stops and removes a named job. No-op if the job doesn't exist.
func (s *Scheduler) RemoveJob(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[name]
	if !ok {
		return
	}
	if err := s.gs.RemoveJob(j.ID()); err != nil {
		s.logger.Warn("failed to remove job", "name", name, "error", err)
	}
	delete(s.jobs, name)
}

// HasJob reports whether a job with the given name is currently registered.
func (s *Scheduler) HasJob(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[name]
	return ok
}

// RunOnce schedules fn to run once, immediately, under a generated name
// so the caller doesn't need to track one-shot job identity.
func (s *Scheduler) RunOnce(fn func(context.Context)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := context.Background()
	name := "oneshot-" + uuid.NewString()
	j, err := s.gs.NewJob(
		gocron.OneTimeJob(gocron.OneTimeJobStartImmediately()),
		gocron.NewTask(func() { fn(ctx) }),
		gocron.WithName(name),
	)
	if err != nil {
		return fmt.Errorf("scheduler: run once: %w", err)
	}
	s.jobs[name] = j
	return nil
}

// Stop shuts down the scheduler, waiting for in-flight jobs to finish.
func (s *Scheduler) Stop() error {
	return s.gs.Shutdown()
}
