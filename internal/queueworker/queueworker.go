// Package queueworker implements the Queue Worker (spec §4.5), the
// coordination core of the agent: each worker observes queue
// candidates, filters them against remote lock/done exclusion sets and
// the local lockfile, claims one via the two-tier mutual-exclusion
// scheme, executes its script, and publishes a result.
package queueworker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"podrunner/internal/digest"
	"podrunner/internal/endpoint"
	"podrunner/internal/executor"
	"podrunner/internal/jobconfig"
	"podrunner/internal/logging"
)

const (
	exclusionWindow   = 24 * time.Hour
	emptyPollSleep    = 3 * time.Second
	errorSleep        = 5 * time.Second
	shortReRaceWindow = 60 * time.Second
)

// DigestStore is the subset of podclient.Client the Queue Worker
// depends on. Abstracted so tests can substitute an in-memory fake
// (spec §9: "abstract both behind injected interfaces").
type DigestStore interface {
	FetchWithLookback(ctx context.Context, tags []string, lookback time.Duration) []digest.Digest
	FetchByID(ctx context.Context, digestID string, searchTags []string, useCache bool, cacheTTL time.Duration, cacheForever bool) (string, error)
}

// LockStore is the subset of lockstore.Store the Queue Worker depends on.
type LockStore interface {
	Exists(jobName, key string) bool
	Claim(jobName, key string, info map[string]any) (bool, error)
	ReadAge(jobName, key string) time.Duration
}

// Publisher is the subset of publisher.Publisher the Queue Worker depends on.
type Publisher interface {
	PostDigest(ctx context.Context, ep endpoint.Config, content, tagsCSV, filename, contextPrompt string) bool
}

// Config configures one Queue Worker pool for a single job.
type Config struct {
	JobName          string
	Job              jobconfig.Job
	ConfigSearchTags []string
	Device           string

	Pod       DigestStore
	Locks     LockStore
	Executors map[string]executor.Executor
	Pub       Publisher
	Endpoint  func() endpoint.Config

	Now    func() time.Time
	Sleep  func(context.Context, time.Duration)
	Logger *slog.Logger
}

// Pool runs Job.Threads independent workers for one queue job.
type Pool struct {
	cfg Config
}

// NewPool validates cfg and returns a runnable Pool.
func NewPool(cfg Config) (*Pool, error) {
	if cfg.Job.QueueTag == "" {
		return nil, fmt.Errorf("queueworker: job %q has no queue_tag", cfg.JobName)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	cfg.Logger = logging.Default(cfg.Logger).With("component", "queue-worker", "job", cfg.JobName)
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
	for {
		if ctx.Err() != nil {
			return
		}
		didWork := step(ctx, cfg, workerIndex, logger)
		if !didWork {
			cfg.Sleep(ctx, emptyPollSleep)
			continue
		}
		stagger := time.Duration(2*(workerIndex+1)) * time.Second
		jitterRange := time.Duration(3*(workerIndex+1)) * time.Second
		if jitterRange > 0 {
			stagger += time.Duration(rand.Int64N(int64(jitterRange)))
		}
		cfg.Sleep(ctx, stagger)
	}
}

// step runs one iteration of the worker loop (spec §4.5 steps 1-11),
// returning whether it found and acted on a candidate.
func step(ctx context.Context, cfg Config, workerIndex int, logger *slog.Logger) bool {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("queue worker iteration panicked", "panic", r)
			cfg.Sleep(ctx, errorSleep)
		}
	}()

	candidates := cfg.Pod.FetchWithLookback(ctx, []string{cfg.Job.QueueTag}, cfg.Job.Lookback)
	if len(candidates) == 0 {
		return false
	}

	window := cfg.Job.Lookback
	if window < exclusionWindow {
		window = exclusionWindow
	}
	lockedByID, doneIDs := buildExclusionSets(ctx, cfg, window)
	if !cfg.Job.RetryFailed {
		addFailedAsDone(ctx, cfg, window, doneIDs)
	}

	for _, cand := range candidates {
		if doneIDs[cand.ID] {
			continue
		}
		if lock, ok := lockedByID[cand.ID]; ok {
			age := cfg.Now().Sub(lock.CreatedAt)
			if age < cfg.Job.Timeout {
				continue
			}
			// stale: fall through, do not delete the remote lock.
		}
		if cfg.Locks.Exists(cfg.JobName, cand.ID) {
			continue
		}

		ok, err := cfg.Locks.Claim(cfg.JobName, cand.ID, map[string]any{"digest_id": cand.ID})
		if err != nil {
			logger.Error("local claim failed", "digest_id", cand.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}

		if raced(ctx, cfg, cand.ID) {
			logger.Debug("claim raced by another agent, keeping local lockfile", "digest_id", cand.ID)
			continue
		}

		processCandidate(ctx, cfg, cand, logger)
		return true
	}
	return false
}

type remoteLock struct {
	DigestID  string
	CreatedAt time.Time
}

// buildExclusionSets fetches the lock and done digest lists over
// `window` and returns lockedByID (digest id → its lock) and doneIDs.
func buildExclusionSets(ctx context.Context, cfg Config, window time.Duration) (map[string]remoteLock, map[string]bool) {
	locks := cfg.Pod.FetchWithLookback(ctx, []string{cfg.Job.LockTag}, window)
	lockedByID := make(map[string]remoteLock, len(locks))
	for _, l := range locks {
		id := strings.TrimSpace(l.Content)
		if id == "" {
			continue
		}
		createdAt := l.CreatedAt
		if !l.HasCreatedAt {
			// A lock digest with no parseable creation time is treated as
			// infinitely stale, not freshly held, mirroring the original's
			// _lock_digest_age_sec returning a sentinel "ancient" age for a
			// missing/unparseable timestamp: such a lock is immediately
			// reclaimable rather than blocking reclaim like a fresh one.
			createdAt = cfg.Now().Add(-(cfg.Job.Timeout + time.Hour))
		}
		lockedByID[id] = remoteLock{DigestID: id, CreatedAt: createdAt}
	}

	doneTag := cfg.Job.DoneTags[0]
	doneDigests := cfg.Pod.FetchWithLookback(ctx, []string{doneTag}, window)
	doneIDs := make(map[string]bool)
	for _, d := range doneDigests {
		if id, ok := d.ProcessedID(); ok {
			doneIDs[id] = true
		}
	}
	return lockedByID, doneIDs
}

// addFailedAsDone merges fail-tagged processed ids into doneIDs so a
// worker with retry_failed=false permanently skips items that already
// failed, instead of re-attempting them every lookback cycle.
func addFailedAsDone(ctx context.Context, cfg Config, window time.Duration, doneIDs map[string]bool) {
	if len(cfg.Job.FailTags) == 0 {
		return
	}
	failDigests := cfg.Pod.FetchWithLookback(ctx, []string{cfg.Job.FailTags[0]}, window)
	for _, d := range failDigests {
		if id, ok := d.ProcessedID(); ok {
			doneIDs[id] = true
		}
	}
}

// raced re-fetches a short window of lock/done digests to check for an
// agent that claimed the same candidate concurrently (spec §4.5 step 4b).
func raced(ctx context.Context, cfg Config, candidateID string) bool {
	locks := cfg.Pod.FetchWithLookback(ctx, []string{cfg.Job.LockTag}, shortReRaceWindow)
	for _, l := range locks {
		if strings.TrimSpace(l.Content) == candidateID {
			return true
		}
	}
	doneDigests := cfg.Pod.FetchWithLookback(ctx, []string{cfg.Job.DoneTags[0]}, shortReRaceWindow)
	for _, d := range doneDigests {
		if id, ok := d.ProcessedID(); ok && id == candidateID {
			return true
		}
	}
	return false
}

// scriptOutput is the JSON object a script prints to stdout on success
// (spec §6 "Script output protocol").
type scriptOutput struct {
	Tags    string `json:"tags"`
	Content string `json:"content"`
}

func processCandidate(ctx context.Context, cfg Config, cand digest.Digest, logger *slog.Logger) {
	lockTags := digest.JoinTags(appendDeviceTag(cfg, []string{cfg.Job.LockTag, cfg.JobName}))
	if !cfg.Pub.PostDigest(ctx, cfg.Endpoint(), cand.ID, lockTags, "", "") {
		logger.Warn("failed to publish lock digest, local lockfile still prevents reprocessing", "digest_id", cand.ID)
	}

	script, err := cfg.Pod.FetchByID(ctx, cfg.Job.LogicDigestID, cfg.ConfigSearchTags, false, 0, false)
	if err != nil {
		logger.Error("failed to fetch job script, local lockfile retained", "digest_id", cand.ID, "error", err)
		return
	}

	exec, ok := cfg.Executors[cfg.Job.Language]
	if !ok {
		logger.Error("unknown executor language, local lockfile retained", "language", cfg.Job.Language)
		return
	}

	var inputPath string
	if cand.Content != "" {
		inputPath, err = writeTempInput(cand.Content)
		if err != nil {
			logger.Error("failed to write input file", "error", err)
		} else {
			defer os.Remove(inputPath)
		}
	}

	result := exec.Run(ctx, script, inputPath, executor.JobInfo{
		Name:      cfg.JobName,
		Type:      string(jobconfig.TypeQueue),
		Timeout:   cfg.Job.Timeout,
		DigestID:  cand.ID,
		TagValues: tagsToAny(cand.Tags),
	})

	body, resultTags, _ := interpretResult(cfg, cand.ID, result)
	if !cfg.Pub.PostDigest(ctx, cfg.Endpoint(), body, digest.JoinTags(resultTags), "", "") {
		logger.Warn("failed to publish result digest", "digest_id", cand.ID)
	}
}

// interpretResult implements spec §4.5 step 8.
func interpretResult(cfg Config, digestID string, result executor.Result) (body string, tags []string, success bool) {
	var out scriptOutput
	parseErr := json.Unmarshal([]byte(strings.TrimSpace(result.Stdout)), &out)
	success = result.Retcode == 0 && parseErr == nil && out.Content != ""

	baseTags := cfg.Job.FailTags
	if success {
		baseTags = cfg.Job.DoneTags
	}
	tags = append(append([]string{}, baseTags...), "processed-"+digestID)
	tags = append(tags, digest.ParseTags(out.Tags)...)
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
	return body, tags, success
}

func appendDeviceTag(cfg Config, tags []string) []string {
	if cfg.Device != "" {
		return append(tags, cfg.Device)
	}
	return tags
}

func tagsToAny(tags []string) []any {
	out := make([]any, len(tags))
	for i, t := range tags {
		out[i] = t
	}
	return out
}

func writeTempInput(content string) (string, error) {
	f, err := os.CreateTemp("", "podrunner-input-*")
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}
