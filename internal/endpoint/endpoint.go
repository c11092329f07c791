// Package endpoint describes the agent's bind to a single pod and a
// file-backed way to obtain it. The desktop UI (out of scope here) is
// the thing that actually writes the endpoint file; this package only
// reads it, live-reloading on change so the Controller's next poll
// picks up an endpoint swap without a restart.
package endpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"podrunner/internal/logging"
)

// Config is the agent's bind to a single pod (spec §3).
type Config struct {
	PodURL  string `json:"pod_url"`
	PodKey  string `json:"pod_key"`
	Device  string `json:"device"`

	// Ingest route identifiers (§6): POST https://probes-{NodeName}.../api/probes/{ProbeID}/run
	NodeName string `json:"node_name"`
	ProbeID  string `json:"probe_id"`
	ProbeKey string `json:"probe_key"`

	ConfigDigestID string   `json:"config_digest_id"`
	ConfigTags     []string `json:"config_tags"`

	// CacheMinutes: 0 = never cache, -1 = cache permanently, N>0 = minutes.
	CacheMinutes int `json:"cache_minutes"`
}

// Configured reports whether enough of the endpoint is set to talk to a
// pod at all. Controller uses this to decide whether a queue job (which
// requires a pod) can be dispatched (§4.8 step 4: "queue without pod
// configured ⇒ skip+log").
func (c Config) Configured() bool {
	return c.PodURL != "" && c.PodKey != ""
}

// Provider supplies the current endpoint Config. Implementations may
// read a static value or watch an external file for live updates.
type Provider interface {
	Current() Config
}

// Static is a Provider that always returns the same Config, useful for
// tests and for CLI-flag-only deployments with no desktop UI present.
type Static struct{ Config Config }

func (s Static) Current() Config { return s.Config }

// FileProvider reads Config from a JSON file on disk and keeps an
// in-memory copy fresh via fsnotify, the same watch-reload shape the
// teacher's certificate manager uses for PEM files.
type FileProvider struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	current Config

	watcher *fsnotify.Watcher
	stop    chan struct{}
}

// NewFileProvider reads path once synchronously, then starts a
// background fsnotify watch that reloads on every write/create event.
// If the file does not exist yet, Current returns a zero Config until
// the file appears (the watch is still established on the parent
// directory so a later write is picked up).
func NewFileProvider(path string, logger *slog.Logger) (*FileProvider, error) {
	logger = logging.Default(logger).With("component", "endpoint-provider")

	fp := &FileProvider{path: path, logger: logger, stop: make(chan struct{})}
	loadErr := fp.reload()
	if loadErr != nil && !errors.Is(loadErr, os.ErrNotExist) {
		return nil, fmt.Errorf("load endpoint file %s: %w", path, loadErr)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("fsnotify unavailable, endpoint file will not hot-reload", "error", err)
		return fp, nil
	}
	fp.watcher = watcher
	watchPath := path
	if loadErr != nil {
		watchPath = filepath.Dir(path)
	}
	if err := watcher.Add(watchPath); err != nil {
		logger.Warn("could not watch endpoint file", "path", watchPath, "error", err)
	}
	go fp.watchLoop()
	return fp, nil
}

func (fp *FileProvider) watchLoop() {
	for {
		select {
		case ev, ok := <-fp.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := fp.reload(); err != nil {
				fp.logger.Warn("endpoint reload failed", "error", err)
				continue
			}
			fp.logger.Info("endpoint file reloaded", "path", fp.path)
		case err, ok := <-fp.watcher.Errors:
			if !ok {
				return
			}
			fp.logger.Warn("endpoint watcher error", "error", err)
		case <-fp.stop:
			return
		}
	}
}

func (fp *FileProvider) reload() error {
	raw, err := os.ReadFile(fp.path)
	if err != nil {
		return err
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("parse endpoint file: %w", err)
	}
	fp.mu.Lock()
	fp.current = cfg
	fp.mu.Unlock()
	return nil
}

// Current returns the most recently loaded Config.
func (fp *FileProvider) Current() Config {
	fp.mu.RLock()
	defer fp.mu.RUnlock()
	return fp.current
}

// Close stops the background watch, if any.
func (fp *FileProvider) Close() error {
	close(fp.stop)
	if fp.watcher != nil {
		return fp.watcher.Close()
	}
	return nil
}

// CacheTTL converts CacheMinutes into the duration semantics used by
// podclient: neverCache=true (with a zero duration) means "never cache",
// forever=true (with a zero duration) means "cache forever", and
// otherwise the positive duration is the concrete TTL.
func CacheTTL(cacheMinutes int) (d time.Duration, neverCache bool, forever bool) {
	switch {
	case cacheMinutes == 0:
		return 0, true, false
	case cacheMinutes < 0:
		return 0, false, true
	default:
		return time.Duration(cacheMinutes) * time.Minute, false, false
	}
}
