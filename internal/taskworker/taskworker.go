// Package taskworker implements the Task Scheduler (spec §4.6): per-job
// worker pools that run on a timer, with no fleet coordination — unlike
// queueworker, a task job's lockfile is a single-host timing marker,
// not a claim registry.
package taskworker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"podrunner/internal/digest"
	"podrunner/internal/endpoint"
	"podrunner/internal/executor"
	"podrunner/internal/jobconfig"
	"podrunner/internal/logging"
)

// LockStore is the subset of lockstore.Store a task worker depends on.
type LockStore interface {
	ReadAge(jobName, key string) time.Duration
	Overwrite(jobName, key string, info map[string]any) error
}

// Publisher is the subset of publisher.Publisher a task worker depends on.
type Publisher interface {
	PostDigest(ctx context.Context, ep endpoint.Config, content, tagsCSV, filename, contextPrompt string) bool
}

// PodFetcher is the subset of podclient.Client a task worker depends on.
type PodFetcher interface {
	FetchByID(ctx context.Context, digestID string, searchTags []string, useCache bool, cacheTTL time.Duration, cacheForever bool) (string, error)
}

// Config configures one task worker pool for a single job.
type Config struct {
	JobName          string
	Job              jobconfig.Job
	ConfigSearchTags []string

	Pod       PodFetcher
	Locks     LockStore
	Executors map[string]executor.Executor
	Pub       Publisher
	Endpoint  func() endpoint.Config

	Sleep  func(context.Context, time.Duration)
	Logger *slog.Logger
}

// Pool runs Job.Threads independent task workers.
type Pool struct {
	cfg Config
}

// NewPool validates cfg and returns a runnable Pool.
func NewPool(cfg Config) (*Pool, error) {
	if cfg.Job.Timing <= 0 {
		return nil, fmt.Errorf("taskworker: job %q has no timing interval", cfg.JobName)
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	cfg.Logger = logging.Default(cfg.Logger).With("component", "task-worker", "job", cfg.JobName)
	return &Pool{cfg: cfg}, nil
}

// Run spawns Job.Threads workers and blocks until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Job.Threads; i++ {
		idx := i
		g.Go(func() error {
			runWorker(ctx, p.cfg, idx)
			return nil
		})
	}
	return g.Wait()
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func runWorker(ctx context.Context, cfg Config, workerIndex int) {
	logger := cfg.Logger.With("worker", workerIndex)

	initialLo := time.Duration(2*(workerIndex+1)) * time.Second
	initialHi := time.Duration(3*(workerIndex+1)) * time.Second
	cfg.Sleep(ctx, initialLo+time.Duration(rand.Int64N(int64(initialHi)+1)))

	key := fmt.Sprintf("task-thread-%d", workerIndex)
	for {
		if ctx.Err() != nil {
			return
		}
		runIteration(ctx, cfg, key, logger)

		jitter := time.Duration(rand.Int64N(int64(4*time.Second))) + time.Second
		cfg.Sleep(ctx, cfg.Job.Timing+jitter)
	}
}

func runIteration(ctx context.Context, cfg Config, key string, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("task worker iteration panicked", "panic", r)
		}
	}()

	if age := cfg.Locks.ReadAge(cfg.JobName, key); age < cfg.Job.Timing {
		return
	}
	if err := cfg.Locks.Overwrite(cfg.JobName, key, map[string]any{"thread": key}); err != nil {
		logger.Error("failed to overwrite timing lockfile", "error", err)
		return
	}

	script, err := cfg.Pod.FetchByID(ctx, cfg.Job.LogicDigestID, cfg.ConfigSearchTags, false, 0, false)
	if err != nil {
		logger.Error("failed to fetch job script", "error", err)
		return
	}

	exec, ok := cfg.Executors[cfg.Job.Language]
	if !ok {
		logger.Error("unknown executor language", "language", cfg.Job.Language)
		return
	}

	result := exec.Run(ctx, script, "", executor.JobInfo{
		Name:    cfg.JobName,
		Type:    string(jobconfig.TypeTask),
		Timeout: cfg.Job.Timeout,
	})

	body, tags := interpretResult(cfg, result)
	if !cfg.Pub.PostDigest(ctx, cfg.Endpoint(), body, digest.JoinTags(tags), "", "") {
		logger.Warn("failed to publish task result digest")
	}
}

type scriptOutput struct {
	Tags    string `json:"tags"`
	Content string `json:"content"`
}

// interpretResult mirrors queueworker's result interpretation (spec
// §4.6: "publish the result with tags (success ? done_tags :
// fail_tags) ∪ parse_tags(output.tags) ∪ {job_name}") minus the
// processed-id tag, which only applies to queue-class digests.
func interpretResult(cfg Config, result executor.Result) (body string, tags []string) {
	var out scriptOutput
	parseErr := json.Unmarshal([]byte(strings.TrimSpace(result.Stdout)), &out)
	success := result.Retcode == 0 && parseErr == nil && out.Content != ""

	baseTags := cfg.Job.FailTags
	if success {
		baseTags = cfg.Job.DoneTags
	}
	tags = append(append([]string{}, baseTags...), digest.ParseTags(out.Tags)...)
	tags = append(tags, cfg.JobName)

	if success {
		decoded, err := base64.StdEncoding.DecodeString(out.Content)
		if err != nil {
			body = result.Stdout
		} else {
			body = string(decoded)
		}
	} else {
		body = result.Stdout
		if body == "" {
			body = "(no output)"
		}
	}
	return body, tags
}
