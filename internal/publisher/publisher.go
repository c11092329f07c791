// Package publisher is the agent's only write path to the pod: one
// operation, postDigest, that wraps a result as base64 and POSTs it to
// the node's ingest route (spec §4.3, §6).
package publisher

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"podrunner/internal/endpoint"
	"podrunner/internal/logging"
)

const postTimeout = 15 * time.Second

type fileEnvelope struct {
	Content     string `json:"content"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
}

type postBody struct {
	File          fileEnvelope `json:"file"`
	Tags          string       `json:"tags"`
	Device        string       `json:"device"`
	ContextPrompt string       `json:"context_prompt"`
}

// Publisher posts job output back to the pod. A nil HTTPClient is
// replaced with one bound to a 15s timeout, matching the spec's single
// blocking call budget for this path.
type Publisher struct {
	http   *http.Client
	now    func() time.Time
	logger *slog.Logger
}

// Config configures a Publisher.
type Config struct {
	HTTPClient *http.Client
	Now        func() time.Time
	Logger     *slog.Logger
}

// New creates a Publisher.
func New(cfg Config) *Publisher {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: postTimeout}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Publisher{
		http:   httpClient,
		now:    now,
		logger: logging.Default(cfg.Logger).With("component", "publisher"),
	}
}

// PostDigest wraps content as a base64 file envelope and POSTs it to
// the endpoint's ingest route. filename and contextPrompt are
// optional; an empty filename defaults to
// agent_output_{YYYYMMDDTHHMMSS}.txt with content type text/plain.
//
// Non-2xx responses and transport failures are logged and reported as
// ok=false; the caller never retries (spec §4.3) — the work is either
// already durably recorded via a local lockfile (queue jobs) or will
// be reattempted on the next scheduler tick (task jobs).
func (p *Publisher) PostDigest(ctx context.Context, ep endpoint.Config, content, tagsCSV, filename, contextPrompt string) (ok bool) {
	url := fmt.Sprintf("https://probes-%s.xyzpulseinfra.com/api/probes/%s/run", ep.NodeName, ep.ProbeID)
	return p.postDigestTo(ctx, url, ep, content, tagsCSV, filename, contextPrompt)
}

// postDigestTo is PostDigest with the ingest URL taken as a parameter
// instead of derived from the endpoint, so tests can point it at an
// httptest server.
func (p *Publisher) postDigestTo(ctx context.Context, url string, ep endpoint.Config, content, tagsCSV, filename, contextPrompt string) (ok bool) {
	if !ep.Configured() {
		p.logger.Warn("postDigest called with unconfigured endpoint")
		return false
	}
	if filename == "" {
		filename = fmt.Sprintf("agent_output_%s.txt", p.now().UTC().Format("20060102T150405"))
	}

	body := postBody{
		File: fileEnvelope{
			Content:     base64.StdEncoding.EncodeToString([]byte(content)),
			Filename:    filename,
			ContentType: "text/plain",
		},
		Tags:          tagsCSV,
		Device:        ep.Device,
		ContextPrompt: contextPrompt,
	}
	raw, err := json.Marshal(body)
	if err != nil {
		p.logger.Error("marshal postDigest body", "error", err)
		return false
	}

	reqCtx, cancel := context.WithTimeout(ctx, postTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		p.logger.Error("build postDigest request", "error", err)
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-PROBE-KEY", ep.ProbeKey)

	resp, err := p.http.Do(req)
	if err != nil {
		p.logger.Warn("postDigest transport failure", "error", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		p.logger.Warn("postDigest non-2xx response", "status", resp.StatusCode)
		return false
	}
	return true
}
