// Package lockstore is the Local Lock Store (spec §4.4): a cheap,
// atomic, durable claim registry keyed by (jobName, key), backed by
// one file per claim under a configurable root directory. The only
// acquisition primitive is atomic exclusive-create; a check-then-create
// pair is never correct here and this package does not expose one.
package lockstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"podrunner/internal/logging"
)

// InfiniteAge is returned by ReadAge for a missing, unreadable, or
// corrupt lockfile — "stale/expired" per spec §4.4.
const InfiniteAge = time.Duration(math.MaxInt64)

// record is the JSON body written into a claimed lockfile.
type record struct {
	Created time.Time      `json:"created"`
	Info    map[string]any `json:"info,omitempty"`
}

// Store is a filesystem-backed LockStore rooted at one directory.
type Store struct {
	root   string
	now    func() time.Time
	logger *slog.Logger
}

// Config configures a Store.
type Config struct {
	Root   string
	Now    func() time.Time
	Logger *slog.Logger
}

// New creates a Store. The root directory is created if absent.
func New(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, errors.New("lockstore: root is required")
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("lockstore: create root %s: %w", cfg.Root, err)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		root:   cfg.Root,
		now:    now,
		logger: logging.Default(cfg.Logger).With("component", "lockstore"),
	}, nil
}

func (s *Store) path(jobName, key string) string {
	return filepath.Join(s.root, fmt.Sprintf("%s-%s.lock", jobName, key))
}

// Exists reports whether a lockfile for (jobName, key) is present,
// without regard to age.
func (s *Store) Exists(jobName, key string) bool {
	_, err := os.Stat(s.path(jobName, key))
	return err == nil
}

// Claim atomically creates the lockfile for (jobName, key) iff it does
// not already exist, using O_CREATE|O_EXCL so the check-and-create is a
// single syscall — the only acquisition method spec §4.4 permits. info
// is recorded for diagnostics only and is never read back by Claim
// itself.
func (s *Store) Claim(jobName, key string, info map[string]any) (bool, error) {
	f, err := os.OpenFile(s.path(jobName, key), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("lockstore: claim %s/%s: %w", jobName, key, err)
	}
	defer f.Close()

	rec := record{Created: s.now().UTC(), Info: info}
	enc := json.NewEncoder(f)
	if err := enc.Encode(rec); err != nil {
		s.logger.Warn("lockstore: failed to write claim record, claim still holds", "job", jobName, "key", key, "error", err)
	}
	return true, nil
}

// Overwrite unconditionally (re)writes the lockfile for (jobName, key).
// Task jobs use this for timing markers, which spec §4.5 describes as
// "not an atomic claim — tasks are single-host, not fleet-coordinated".
func (s *Store) Overwrite(jobName, key string, info map[string]any) error {
	rec := record{Created: s.now().UTC(), Info: info}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("lockstore: marshal record: %w", err)
	}
	if err := os.WriteFile(s.path(jobName, key), raw, 0o644); err != nil {
		return fmt.Errorf("lockstore: overwrite %s/%s: %w", jobName, key, err)
	}
	return nil
}

// Release deletes the lockfile for (jobName, key), best-effort; absence
// is not an error. Spec §4.4: never called for queue-class items on
// any path — queue lockfiles are permanent. This exists for task-job
// and setup-job callers that may need to clear a marker explicitly.
func (s *Store) Release(jobName, key string) {
	if err := os.Remove(s.path(jobName, key)); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("lockstore: release failed", "job", jobName, "key", key, "error", err)
	}
}

// ReadAge returns the elapsed time since the lockfile for (jobName,
// key) was created. A missing file, unreadable file, or corrupt record
// all report infinite age — treated as "stale/expired" by every caller
// (spec §4.4, §7 "Corrupt lockfile content").
func (s *Store) ReadAge(jobName, key string) time.Duration {
	raw, err := os.ReadFile(s.path(jobName, key))
	if err != nil {
		return InfiniteAge
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil || rec.Created.IsZero() {
		return InfiniteAge
	}
	age := s.now().Sub(rec.Created)
	if age < 0 {
		return 0
	}
	return age
}
