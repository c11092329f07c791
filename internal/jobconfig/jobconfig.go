// Package jobconfig decodes the YAML configuration blob (spec §3, §6)
// into typed job entries, applying the tag defaulting rules and
// validating the invariants the dispatcher depends on.
package jobconfig

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"podrunner/internal/digest"
)

// Type is one of the four job classes.
type Type string

const (
	TypeSetup   Type = "setup"
	TypeOnetime Type = "onetime"
	TypeTask    Type = "task"
	TypeQueue   Type = "queue"
)

// rawEntry mirrors the YAML shape { type, job } before defaults and
// duration parsing are applied.
type rawEntry struct {
	Type Type   `yaml:"type"`
	Job  rawJob `yaml:"job"`
}

type rawJob struct {
	Language      string `yaml:"language"`
	LogicDigestID string `yaml:"logic_digest_id"`
	Timeout       int    `yaml:"timeout"`
	Threads       int    `yaml:"threads"`

	QueueTag    string   `yaml:"queue_tag"`
	Lookback    string   `yaml:"lookback"`
	LockTag     string   `yaml:"lock_tag"`
	DoneTags    []string `yaml:"done_tags"`
	FailTags    []string `yaml:"fail_tags"`
	RetryFailed *bool    `yaml:"retry_failed"`

	Timing string `yaml:"timing"`
}

// Job is one fully-resolved job configuration: defaults applied,
// durations parsed, ready for a dispatcher to consume.
type Job struct {
	Name          string
	Type          Type
	Language      string
	LogicDigestID string
	Timeout       time.Duration
	Threads       int

	// Result tagging, defaulted identically for every job class.
	LockTag  string
	DoneTags []string
	FailTags []string

	// Queue-class fields.
	QueueTag    string
	Lookback    time.Duration
	RetryFailed bool

	// Task-class field.
	Timing time.Duration
}

const (
	defaultQueueTimeout = 300 * time.Second
	defaultTaskTimeout  = 300 * time.Second
	maxTimeout          = 900 * time.Second
	defaultThreads      = 1
)

// Parse decodes a YAML config blob into a name-keyed map of resolved
// Jobs. A job whose invariants are violated (queue job with no
// queue_tag; unparseable duration) is omitted from the result and
// reported in errs, keyed by job name, so the caller can start every
// valid job while logging the rest (spec §3: "absence is a
// configuration error and the job is not started", not a fatal parse
// error for the whole blob).
func Parse(raw []byte) (jobs map[string]Job, errs map[string]error, err error) {
	var entries map[string]rawEntry
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return nil, nil, fmt.Errorf("jobconfig: parse yaml: %w", err)
	}

	jobs = make(map[string]Job, len(entries))
	errs = make(map[string]error)

	for name, entry := range entries {
		job, verr := resolve(name, entry)
		if verr != nil {
			errs[name] = verr
			continue
		}
		jobs[name] = job
	}
	return jobs, errs, nil
}

func resolve(name string, e rawEntry) (Job, error) {
	job := Job{
		Name:          name,
		Type:          e.Type,
		Language:      e.Job.Language,
		LogicDigestID: e.Job.LogicDigestID,
		Threads:       e.Job.Threads,
	}
	if job.Threads <= 0 {
		job.Threads = defaultThreads
	}

	maxTimeoutForType := defaultQueueTimeout
	if e.Type == TypeTask {
		maxTimeoutForType = defaultTaskTimeout
	}
	job.Timeout = maxTimeoutForType
	if e.Job.Timeout > 0 {
		t := time.Duration(e.Job.Timeout) * time.Second
		if t > maxTimeout {
			t = maxTimeout
		}
		job.Timeout = t
	}

	// lock_tag/done_tags/fail_tags default identically across every job
	// class (confirmed in original_source/queue_boss.py: process_queue_job,
	// schedule_task_job, and run_setup_or_onetime all apply the same
	// f"{job_name}-lock"/"-done"/"-fail" formula), so resolve them once
	// here rather than duplicating the defaulting per class below.
	job.LockTag = e.Job.LockTag
	if job.LockTag == "" {
		job.LockTag = name + "-lock"
	}
	job.DoneTags = e.Job.DoneTags
	if len(job.DoneTags) == 0 {
		job.DoneTags = []string{name + "-done"}
	}
	job.FailTags = e.Job.FailTags
	if len(job.FailTags) == 0 {
		job.FailTags = []string{name + "-fail"}
	}

	switch e.Type {
	case TypeQueue:
		if e.Job.QueueTag == "" {
			return Job{}, fmt.Errorf("jobconfig: queue job %q missing queue_tag", name)
		}
		job.QueueTag = e.Job.QueueTag

		// lookback is optional, like a task's timing; when omitted,
		// Lookback stays zero (an empty lookback window).
		if e.Job.Lookback != "" {
			lookback, err := digest.ParseDuration(e.Job.Lookback)
			if err != nil {
				return Job{}, fmt.Errorf("jobconfig: queue job %q has invalid lookback %q: %w", name, e.Job.Lookback, err)
			}
			job.Lookback = lookback
		}
		job.RetryFailed = e.Job.RetryFailed == nil || *e.Job.RetryFailed

	case TypeTask:
		if e.Job.Timing != "" {
			timing, err := digest.ParseDuration(e.Job.Timing)
			if err != nil {
				return Job{}, fmt.Errorf("jobconfig: task job %q has invalid timing %q: %w", name, e.Job.Timing, err)
			}
			job.Timing = timing
		}

	case TypeSetup, TypeOnetime:
		// No class-specific fields beyond language/logic_digest_id/timeout.

	default:
		return Job{}, fmt.Errorf("jobconfig: job %q has unknown type %q", name, e.Type)
	}

	return job, nil
}
