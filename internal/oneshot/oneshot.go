// Package oneshot implements the One-shot Runner (spec §4.7): setup and
// onetime jobs run at most once per lockfile lifetime. Unlike task jobs
// (and like queue items), the lockfile here is permanent — there is no
// age check, no re-run, ever, until an operator removes the lockfile by
// hand.
package oneshot

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"podrunner/internal/digest"
	"podrunner/internal/endpoint"
	"podrunner/internal/executor"
	"podrunner/internal/jobconfig"
	"podrunner/internal/logging"
)

// lockKey is the fixed lockfile key every setup/onetime job shares,
// matching the original's queue_lockfile_exists(job_name, "setup").
const lockKey = "setup"

// LockStore is the subset of lockstore.Store a one-shot runner depends on.
type LockStore interface {
	Exists(jobName, key string) bool
	Claim(jobName, key string, info map[string]any) (bool, error)
}

// Publisher is the subset of publisher.Publisher a one-shot runner depends on.
type Publisher interface {
	PostDigest(ctx context.Context, ep endpoint.Config, content, tagsCSV, filename, contextPrompt string) bool
}

// PodFetcher is the subset of podclient.Client a one-shot runner depends on.
type PodFetcher interface {
	FetchByID(ctx context.Context, digestID string, searchTags []string, useCache bool, cacheTTL time.Duration, cacheForever bool) (string, error)
}

// Config configures a single setup or onetime job run.
type Config struct {
	JobName          string
	Job              jobconfig.Job
	ConfigSearchTags []string
	Device           string

	Pod       PodFetcher
	Locks     LockStore
	Executors map[string]executor.Executor
	Pub       Publisher
	Endpoint  func() endpoint.Config

	Logger *slog.Logger
}

// Run executes a setup or onetime job exactly once: if its lockfile
// already exists the run is skipped, otherwise the lockfile is claimed
// before the script runs so a crash mid-run never causes a retry (spec
// §4.7: "the lockfile is written before execution, not after").
func Run(ctx context.Context, cfg Config) error {
	logger := logging.Default(cfg.Logger).With("component", "one-shot", "job", cfg.JobName, "type", string(cfg.Job.Type))

	if cfg.Locks.Exists(cfg.JobName, lockKey) {
		logger.Debug("lockfile exists, skipping")
		return nil
	}

	lockTags := []string{cfg.Job.LockTag, cfg.JobName, "setup"}
	if cfg.Device != "" {
		lockTags = append(lockTags, cfg.Device)
	}
	if !cfg.Pub.PostDigest(ctx, cfg.Endpoint(), "setup", digest.JoinTags(lockTags), "", "") {
		logger.Warn("failed to publish lock digest")
	}

	claimed, err := cfg.Locks.Claim(cfg.JobName, lockKey, map[string]any{"job_type": string(cfg.Job.Type)})
	if err != nil {
		return fmt.Errorf("oneshot: claim lockfile for job %q: %w", cfg.JobName, err)
	}
	if !claimed {
		logger.Debug("lost race to claim lockfile, skipping")
		return nil
	}

	script, err := cfg.Pod.FetchByID(ctx, cfg.Job.LogicDigestID, cfg.ConfigSearchTags, false, 0, false)
	if err != nil {
		logger.Error("failed to fetch job script, lockfile already claimed", "error", err)
		return nil
	}

	exec, ok := cfg.Executors[cfg.Job.Language]
	if !ok {
		logger.Error("unknown executor language, lockfile already claimed", "language", cfg.Job.Language)
		return nil
	}

	result := exec.Run(ctx, script, "", executor.JobInfo{
		Name:    cfg.JobName,
		Type:    string(cfg.Job.Type),
		Timeout: cfg.Job.Timeout,
	})

	body, tags, success := interpretResult(cfg, result)
	if !cfg.Pub.PostDigest(ctx, cfg.Endpoint(), body, digest.JoinTags(tags), "", "") {
		logger.Warn("failed to publish result digest")
	}
	logger.Info("one-shot job finished", "success", success)
	return nil
}

type scriptOutput struct {
	Tags    string `json:"tags"`
	Content string `json:"content"`
}

// interpretResult mirrors queueworker/taskworker's result interpretation
// minus the processed-id tag: a setup/onetime run has no queue digest.
func interpretResult(cfg Config, result executor.Result) (body string, tags []string, success bool) {
	var out scriptOutput
	parseErr := json.Unmarshal([]byte(strings.TrimSpace(result.Stdout)), &out)
	success = result.Retcode == 0 && parseErr == nil && out.Content != ""

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
	return body, tags, success
}
