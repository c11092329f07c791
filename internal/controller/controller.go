// Package controller implements the Controller (spec §4.8): the
// top-level supervisor that, on a cadence derived from the endpoint's
// config-cache TTL, re-reads the endpoint, re-fetches and parses the
// job configuration blob, and dispatches each job to the queue worker,
// task scheduler, or one-shot runner — starting each queue or task job
// at most once per process lifetime (dedup by `name:type`), per the "no
// forcible cancellation" design note in §9. Setup/onetime jobs are
// dispatched again on every poll and rely on their own lockfile.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"podrunner/internal/digest"
	"podrunner/internal/endpoint"
	"podrunner/internal/executor"
	"podrunner/internal/jobconfig"
	"podrunner/internal/logging"
	"podrunner/internal/oneshot"
	"podrunner/internal/queueworker"
	"podrunner/internal/scheduler"
	"podrunner/internal/taskworker"
)

const configFetchRetryDelay = 60 * time.Second

// PodClient is the subset of podclient.Client the Controller depends on
// directly (ClearCache, config-blob fetch) plus what it hands down to
// queueworker/taskworker/oneshot (FetchWithLookback, FetchByID). A
// single concrete *podclient.Client satisfies this and all three
// narrower worker-package interfaces.
type PodClient interface {
	ClearCache()
	FetchByID(ctx context.Context, digestID string, searchTags []string, useCache bool, cacheTTL time.Duration, cacheForever bool) (string, error)
	FetchWithLookback(ctx context.Context, tags []string, lookback time.Duration) []digest.Digest
}

// LockStore is the union of every worker package's lockstore dependency.
type LockStore interface {
	Exists(jobName, key string) bool
	Claim(jobName, key string, info map[string]any) (bool, error)
	ReadAge(jobName, key string) time.Duration
	Overwrite(jobName, key string, info map[string]any) error
}

// Publisher is the subset of publisher.Publisher every dispatcher depends on.
type Publisher interface {
	PostDigest(ctx context.Context, ep endpoint.Config, content, tagsCSV, filename, contextPrompt string) bool
}

// Config configures a Controller.
type Config struct {
	Endpoint endpoint.Provider

	// NewPodClient builds a fresh PodClient bound to the given endpoint
	// (spec §4.8 step 1: "re-initialize the Pod Fetcher from the current
	// endpoint"). Required.
	NewPodClient func(endpoint.Config) PodClient

	Locks     LockStore
	Executors map[string]executor.Executor
	Pub       Publisher
	Scheduler *scheduler.Scheduler

	Now    func() time.Time
	Sleep  func(context.Context, time.Duration)
	Logger *slog.Logger
}

const pollJobName = "controller-poll"

// Controller is the top-level supervisor.
type Controller struct {
	cfg Config

	pod             PodClient
	lastEndpointURL string
	currentInterval time.Duration
	lastConfigFetch time.Time

	running map[string]context.CancelFunc
	logger  *slog.Logger
}

// New validates cfg and returns a ready Controller.
func New(cfg Config) (*Controller, error) {
	if cfg.NewPodClient == nil {
		return nil, fmt.Errorf("controller: NewPodClient is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	return &Controller{
		cfg:     cfg,
		running: make(map[string]context.CancelFunc),
		logger:  logging.Default(cfg.Logger).With("component", "controller"),
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Run registers the controller's poll job and blocks until ctx is
// cancelled, then stops the scheduler.
func (c *Controller) Run(ctx context.Context) error {
	c.poll(ctx)
	if err := c.cfg.Scheduler.AddRecurring(pollJobName, c.currentInterval, c.poll); err != nil {
		return fmt.Errorf("controller: register poll job: %w", err)
	}
	<-ctx.Done()
	return c.cfg.Scheduler.Stop()
}

// pollInterval maps CacheMinutes to the outer loop cadence (spec §4.8
// intro: 0 ⇒ 30s, -1 ⇒ hourly, N>0 ⇒ every minute with an inner
// cache-age gate).
func pollInterval(cacheMinutes int) time.Duration {
	switch {
	case cacheMinutes == 0:
		return 30 * time.Second
	case cacheMinutes < 0:
		return time.Hour
	default:
		return time.Minute
	}
}

// poll runs one iteration of §4.8 steps 1-5. It is re-registered on the
// scheduler under a new interval whenever the endpoint's CacheMinutes
// crosses into a different cadence class.
func (c *Controller) poll(ctx context.Context) {
	ep := c.cfg.Endpoint.Current()

	if interval := pollInterval(ep.CacheMinutes); interval != c.currentInterval {
		c.currentInterval = interval
		if c.cfg.Scheduler.HasJob(pollJobName) {
			if err := c.cfg.Scheduler.AddRecurring(pollJobName, interval, c.poll); err != nil {
				c.logger.Error("failed to reschedule poll job", "error", err)
			}
		}
	}

	// Step 4's positive-N gate: the outer loop ticks every minute, but
	// the fetch-and-dispatch work below only runs once cache age >= N.
	if ep.CacheMinutes > 0 && !c.lastConfigFetch.IsZero() {
		age := c.cfg.Now().Sub(c.lastConfigFetch)
		if age < time.Duration(ep.CacheMinutes)*time.Minute {
			return
		}
	}

	// Step 1: re-initialize the Pod Fetcher whenever the endpoint changed.
	if c.pod == nil || ep.PodURL != c.lastEndpointURL {
		c.pod = c.cfg.NewPodClient(ep)
		c.lastEndpointURL = ep.PodURL
	}

	// Step 2: clear the single-digest cache.
	c.pod.ClearCache()

	// Step 3: fetch the config digest, retrying on failure.
	ttl, _, forever := endpoint.CacheTTL(ep.CacheMinutes)
	var content string
	for {
		var err error
		content, err = c.pod.FetchByID(ctx, ep.ConfigDigestID, ep.ConfigTags, true, ttl, forever)
		if err == nil {
			break
		}
		c.logger.Error("failed to fetch configuration digest, retrying", "error", err)
		select {
		case <-ctx.Done():
			return
		default:
		}
		c.cfg.Sleep(ctx, configFetchRetryDelay)
		if ctx.Err() != nil {
			return
		}
	}
	c.lastConfigFetch = c.cfg.Now()

	jobs, parseErrs, err := jobconfig.Parse([]byte(content))
	if err != nil {
		c.logger.Error("configuration blob is not valid YAML", "error", err)
		return
	}
	for name, jerr := range parseErrs {
		c.logger.Error("job configuration invalid, not starting", "job", name, "error", jerr)
	}

	c.dispatchNew(ctx, ep, jobs)
	c.warnRemoved(jobs)
}

func runningKey(name string, typ jobconfig.Type) string {
	return name + ":" + string(typ)
}

// dispatchNew starts every job in jobs not already in the running set
// (spec §4.8 step 4).
func (c *Controller) dispatchNew(ctx context.Context, ep endpoint.Config, jobs map[string]jobconfig.Job) {
	for name, job := range jobs {
		key := runningKey(name, job.Type)
		if _, ok := c.running[key]; ok {
			continue
		}

		if _, ok := c.cfg.Executors[job.Language]; !ok {
			c.logger.Error("unsupported executor language, skipping job", "job", name, "language", job.Language)
			continue
		}
		if job.Type == jobconfig.TypeQueue && !ep.Configured() {
			c.logger.Error("queue job requires a configured pod, skipping", "job", name)
			continue
		}

		switch job.Type {
		case jobconfig.TypeQueue:
			c.startQueue(ctx, name, job, ep, key)
		case jobconfig.TypeTask:
			c.startTask(ctx, name, job, ep, key)
		case jobconfig.TypeSetup, jobconfig.TypeOnetime:
			// Re-entrant against their own lockfile: never added to the
			// running set, so every poll tick dispatches again and relies
			// on oneshot.Run's lockfile check to make repeats a no-op.
			c.startOneshot(ctx, name, job, ep)
		default:
			c.logger.Error("unknown job type, skipping", "job", name, "type", job.Type)
		}
	}
}

func (c *Controller) startQueue(ctx context.Context, name string, job jobconfig.Job, ep endpoint.Config, key string) {
	runCtx, cancel := context.WithCancel(ctx)
	pool, err := queueworker.NewPool(queueworker.Config{
		JobName:          name,
		Job:              job,
		ConfigSearchTags: ep.ConfigTags,
		Device:           ep.Device,
		Pod:              c.pod,
		Locks:            c.cfg.Locks,
		Executors:        c.cfg.Executors,
		Pub:              c.cfg.Pub,
		Endpoint:         func() endpoint.Config { return ep },
		Logger:           c.logger,
	})
	if err != nil {
		c.logger.Error("failed to create queue worker pool", "job", name, "error", err)
		cancel()
		return
	}
	c.running[key] = cancel
	go func() {
		if err := pool.Run(runCtx); err != nil {
			c.logger.Error("queue worker pool exited with error", "job", name, "error", err)
		}
	}()
	c.logger.Info("queue job started", "job", name)
}

func (c *Controller) startTask(ctx context.Context, name string, job jobconfig.Job, ep endpoint.Config, key string) {
	runCtx, cancel := context.WithCancel(ctx)
	pool, err := taskworker.NewPool(taskworker.Config{
		JobName:          name,
		Job:              job,
		ConfigSearchTags: ep.ConfigTags,
		Pod:              c.pod,
		Locks:            c.cfg.Locks,
		Executors:        c.cfg.Executors,
		Pub:              c.cfg.Pub,
		Endpoint:         func() endpoint.Config { return ep },
		Logger:           c.logger,
	})
	if err != nil {
		c.logger.Error("failed to create task worker pool", "job", name, "error", err)
		cancel()
		return
	}
	c.running[key] = cancel
	go func() {
		if err := pool.Run(runCtx); err != nil {
			c.logger.Error("task worker pool exited with error", "job", name, "error", err)
		}
	}()
	c.logger.Info("task job started", "job", name)
}

func (c *Controller) startOneshot(ctx context.Context, name string, job jobconfig.Job, ep endpoint.Config) {
	cfg := oneshot.Config{
		JobName:          name,
		Job:              job,
		ConfigSearchTags: ep.ConfigTags,
		Device:           ep.Device,
		Pod:              c.pod,
		Locks:            c.cfg.Locks,
		Executors:        c.cfg.Executors,
		Pub:              c.cfg.Pub,
		Endpoint:         func() endpoint.Config { return ep },
		Logger:           c.logger,
	}
	go func() {
		if err := oneshot.Run(ctx, cfg); err != nil {
			c.logger.Error("one-shot job failed", "job", name, "error", err)
		}
	}()
}

// warnRemoved logs a warning for every running job whose name:type key
// no longer appears in the freshly parsed config (spec §4.8 step 5).
// Nothing is cancelled — see the package doc.
func (c *Controller) warnRemoved(jobs map[string]jobconfig.Job) {
	current := make(map[string]bool, len(jobs))
	for name, job := range jobs {
		current[runningKey(name, job.Type)] = true
	}
	for key := range c.running {
		if !current[key] {
			c.logger.Warn("job removed from configuration but still running", "job", key)
		}
	}
}
