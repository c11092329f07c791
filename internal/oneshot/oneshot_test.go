package oneshot

import (
	"context"
	"strings"
	"testing"
	"time"

	"podrunner/internal/endpoint"
	"podrunner/internal/executor"
	"podrunner/internal/jobconfig"
	"podrunner/internal/lockstore"
)

type fakePodFetcher struct {
	scripts map[string]string
}

func (f *fakePodFetcher) FetchByID(ctx context.Context, digestID string, searchTags []string, useCache bool, cacheTTL time.Duration, cacheForever bool) (string, error) {
	return f.scripts[digestID], nil
}

type postedDigest struct {
	content string
	tags    string
}

type fakePublisher struct {
	posted []postedDigest
}

func (f *fakePublisher) PostDigest(ctx context.Context, ep endpoint.Config, content, tagsCSV, filename, contextPrompt string) bool {
	f.posted = append(f.posted, postedDigest{content: content, tags: tagsCSV})
	return true
}

type scriptedExecutor struct {
	result executor.Result
}

func (s scriptedExecutor) Run(ctx context.Context, scriptBody, inputPath string, job executor.JobInfo) executor.Result {
	return s.result
}

func baseJob(typ jobconfig.Type) jobconfig.Job {
	return jobconfig.Job{
		Type:          typ,
		Language:      "bash",
		LogicDigestID: "42",
		Timeout:       30 * time.Second,
		LockTag:       "bootstrap-lock",
		DoneTags:      []string{"bootstrap-done"},
		FailTags:      []string{"bootstrap-fail"},
	}
}

func testConfig(t *testing.T, job jobconfig.Job, result executor.Result) (Config, *fakePublisher) {
	t.Helper()
	locks, err := lockstore.New(lockstore.Config{Root: t.TempDir(), Now: time.Now})
	if err != nil {
		t.Fatalf("lockstore.New: %v", err)
	}
	pub := &fakePublisher{}
	cfg := Config{
		JobName:   "bootstrap",
		Job:       job,
		Pod:       &fakePodFetcher{scripts: map[string]string{"42": "#!/bin/sh\necho hi"}},
		Locks:     locks,
		Executors: map[string]executor.Executor{"bash": scriptedExecutor{result: result}},
		Pub:       pub,
		Endpoint:  func() endpoint.Config { return endpoint.Config{PodURL: "x", PodKey: "y"} },
	}
	return cfg, pub
}

func containsTag(csv, tag string) bool {
	for _, t := range strings.Split(csv, ",") {
		if t == tag {
			return true
		}
	}
	return false
}

func TestRunPublishesLockThenResult(t *testing.T) {
	cfg, pub := testConfig(t, baseJob(jobconfig.TypeSetup), executor.Result{
		Retcode: 0,
		Stdout:  `{"tags":"extra","content":"aGVsbG8="}`,
	})

	if err := Run(context.Background(), cfg); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(pub.posted) != 2 {
		t.Fatalf("posted %d digests, want 2 (lock + result)", len(pub.posted))
	}
	lock := pub.posted[0]
	if lock.content != "setup" {
		t.Errorf("lock content = %q, want setup", lock.content)
	}
	if !containsTag(lock.tags, "bootstrap-lock") || !containsTag(lock.tags, "setup") {
		t.Errorf("lock tags = %q, missing lock_tag/setup", lock.tags)
	}

	res := pub.posted[1]
	if res.content != "hello" {
		t.Errorf("result content = %q, want hello", res.content)
	}
	if !containsTag(res.tags, "bootstrap-done") || !containsTag(res.tags, "extra") || !containsTag(res.tags, "bootstrap") {
		t.Errorf("result tags = %q", res.tags)
	}
	if !cfg.Locks.Exists("bootstrap", lockKey) {
		t.Error("lockfile should exist after a successful run")
	}
}

func TestRunSkipsWhenLockfileExists(t *testing.T) {
	cfg, pub := testConfig(t, baseJob(jobconfig.TypeOnetime), executor.Result{Retcode: 0})
	if _, err := cfg.Locks.Claim("bootstrap", lockKey, nil); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	if err := Run(context.Background(), cfg); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(pub.posted) != 0 {
		t.Fatalf("posted %d digests, want 0 when already locked", len(pub.posted))
	}
}

func TestRunIsIdempotentAcrossCalls(t *testing.T) {
	cfg, pub := testConfig(t, baseJob(jobconfig.TypeSetup), executor.Result{
		Retcode: 0,
		Stdout:  `{"content":"aGVsbG8="}`,
	})

	if err := Run(context.Background(), cfg); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	firstCount := len(pub.posted)

	if err := Run(context.Background(), cfg); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if len(pub.posted) != firstCount {
		t.Fatalf("second run posted more digests (%d -> %d), want no-op", firstCount, len(pub.posted))
	}
}

func TestRunMalformedOutputPublishesFail(t *testing.T) {
	cfg, pub := testConfig(t, baseJob(jobconfig.TypeSetup), executor.Result{
		Retcode: 0,
		Stdout:  "not json",
	})

	if err := Run(context.Background(), cfg); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(pub.posted) != 2 {
		t.Fatalf("posted %d digests, want 2", len(pub.posted))
	}
	res := pub.posted[1]
	if !containsTag(res.tags, "bootstrap-fail") {
		t.Errorf("result tags = %q, want bootstrap-fail on malformed output", res.tags)
	}
	if res.content != "not json" {
		t.Errorf("result content = %q, want raw stdout fallback", res.content)
	}
}

func TestRunUnknownLanguageLeavesLockfileClaimed(t *testing.T) {
	job := baseJob(jobconfig.TypeSetup)
	job.Language = "rust"
	cfg, pub := testConfig(t, job, executor.Result{Retcode: 0})

	if err := Run(context.Background(), cfg); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(pub.posted) != 1 {
		t.Fatalf("posted %d digests, want 1 (lock only, no result)", len(pub.posted))
	}
	if !cfg.Locks.Exists("bootstrap", lockKey) {
		t.Error("lockfile should stay claimed even when the language is unsupported")
	}
}
