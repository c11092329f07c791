// Package podclient is the only read path to the pod (spec §4.1). It
// pages through the tag query endpoint, filters by a lookback window,
// and caches single-digest lookups with a configurable TTL.
package podclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"podrunner/internal/digest"
	"podrunner/internal/logging"
)

const perPage = 100

// ErrNotFound is returned by FetchByID when digestId is not present in
// the search-tag result set.
type ErrNotFound struct {
	DigestID string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("digest %s not found in search tags", e.DigestID)
}

// Config configures a Client.
type Config struct {
	PodURL string
	PodKey string

	// HTTPClient is used for all requests. If nil, a client with a 30s
	// timeout is created.
	HTTPClient *http.Client

	// RequestsPerSecond throttles outbound pod calls; 0 disables
	// throttling (unlimited, minus the http.Client timeout).
	RequestsPerSecond float64

	Now    func() time.Time
	Logger *slog.Logger
}

// Client is the Pod Fetcher. One Client is owned by the Controller and
// re-created whenever the endpoint changes (§4.8 step 1); its
// single-digest cache is then explicitly cleared (§4.8 step 2), not
// recreated, so New callers should prefer ClearCache over discarding
// the client when only the cache needs resetting.
type Client struct {
	podURL string
	podKey string
	http   *http.Client
	limit  *rate.Limiter
	now    func() time.Time
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	content  string
	cachedAt time.Time
}

// New creates a Client bound to one pod.
func New(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &Client{
		podURL: strings.TrimRight(cfg.PodURL, "/"),
		podKey: cfg.PodKey,
		http:   httpClient,
		limit:  limiter,
		now:    now,
		logger: logging.Default(cfg.Logger).With("component", "pod-fetcher"),
		cache:  make(map[string]cacheEntry),
	}
}

// ClearCache empties the single-digest cache. The Controller calls this
// before every config refresh (§4.8 step 2); the cache cache discipline
// note in §4.1 explicitly permits stale reads between clears.
func (c *Client) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]cacheEntry)
}

// feedEntry is the wire shape of one digest in the pod's response (§6).
type feedEntry struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	Tags      []any  `json:"tags"`
	CreatedAt string `json:"created_at"`
}

type feedResponse struct {
	Entries []feedEntry `json:"feedentries"`
	Pages   int         `json:"pages"`
}

func toDigest(e feedEntry) digest.Digest {
	tags := make([]string, 0, len(e.Tags))
	for _, t := range e.Tags {
		if name := digest.ExtractTagName(t); name != "" {
			tags = append(tags, name)
		}
	}
	d := digest.Digest{ID: e.ID, Content: e.Content, Tags: tags}
	if t, err := time.Parse(time.RFC3339, e.CreatedAt); err == nil {
		d.CreatedAt = t
		d.HasCreatedAt = true
	}
	return d
}

// FetchByTags issues paged queries against the tag query endpoint,
// accumulating entries until the server reports no more pages or an
// empty page. Fails soft: on any page error, returns what was
// collected so far (spec §4.1).
func (c *Client) FetchByTags(ctx context.Context, tags []string, maxPages int) []digest.Digest {
	if maxPages <= 0 {
		maxPages = 10
	}
	var all []digest.Digest
	tagCSV := digest.JoinTags(tags)

	for page := 1; page <= maxPages; page++ {
		resp, err := c.fetchPage(ctx, tagCSV, page)
		if err != nil {
			c.logger.Warn("fetch page failed, returning partial results", "page", page, "error", err)
			break
		}
		if len(resp.Entries) == 0 {
			break
		}
		for _, e := range resp.Entries {
			all = append(all, toDigest(e))
		}
		if resp.Pages != 0 && page >= resp.Pages {
			break
		}
	}
	return all
}

func (c *Client) fetchPage(ctx context.Context, tagCSV string, page int) (*feedResponse, error) {
	if c.limit != nil {
		if err := c.limit.Wait(ctx); err != nil {
			return nil, err
		}
	}

	q := url.Values{}
	q.Set("tags", tagCSV)
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(perPage))

	reqURL := c.podURL + "/api/pods/digests?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-POD-KEY", c.podKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pod request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("pod returned status %d", resp.StatusCode)
	}

	var out feedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode pod response: %w", err)
	}
	return &out, nil
}

// FetchByID consults the single-digest cache keyed by digestId. On hit
// it returns cached content; on miss it calls FetchByTags(searchTags)
// and linearly finds the matching entry, then populates the cache iff
// cacheTTL says to cache at all (spec §4.1).
func (c *Client) FetchByID(ctx context.Context, digestID string, searchTags []string, useCache bool, cacheTTL time.Duration, cacheForever bool) (string, error) {
	if useCache {
		if content, ok := c.cacheGet(digestID, cacheTTL, cacheForever); ok {
			return content, nil
		}
	}

	entries := c.FetchByTags(ctx, searchTags, 10)
	for _, d := range entries {
		if d.ID == digestID {
			if useCache && (cacheForever || cacheTTL != 0) {
				c.cacheSet(digestID, d.Content)
			}
			return d.Content, nil
		}
	}
	return "", &ErrNotFound{DigestID: digestID}
}

func (c *Client) cacheGet(digestID string, ttl time.Duration, forever bool) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.cache[digestID]
	if !ok {
		return "", false
	}
	if forever {
		return entry.content, true
	}
	if c.now().Sub(entry.cachedAt) < ttl {
		return entry.content, true
	}
	return "", false
}

func (c *Client) cacheSet(digestID, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[digestID] = cacheEntry{content: content, cachedAt: c.now()}
}

// FetchWithLookback is FetchByTags filtered to entries whose creation
// timestamp is within the last lookback duration. Entries with a
// missing or unparseable timestamp are included (fail-open, spec §4.1).
func (c *Client) FetchWithLookback(ctx context.Context, tags []string, lookback time.Duration) []digest.Digest {
	all := c.FetchByTags(ctx, tags, 10)
	cutoff := c.now().Add(-lookback)

	out := make([]digest.Digest, 0, len(all))
	for _, d := range all {
		if !d.HasCreatedAt || !d.CreatedAt.Before(cutoff) {
			out = append(out, d)
		}
	}
	return out
}
