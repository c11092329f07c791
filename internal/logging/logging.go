// Package logging provides the agent's structured logging conventions.
//
// Design principles:
//   - Logging is dependency-injected, never global
//   - Each component (queue worker, task scheduler, controller, ...) owns
//     its own scoped logger
//   - Logger scoping happens once at construction time
//   - slog.With() is used to attach default attributes
//   - If no logger is provided, a discard logger is used
//
// Global configuration (output format, level, destination) belongs only in main().
// Components must never call slog.SetDefault or access global loggers.
//
// Logging is intentionally sparse:
//   - The inner claim/filter loop of a worker iteration logs only at Debug
//     level, apart from errors
//   - Lifecycle boundaries (worker started, job claimed, digest published,
//     config reloaded) are the intended log points
package logging

import (
	"context"
	"log/slog"
)

// discardHandler is a handler that discards all log records.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Discard returns a logger that discards all output.
// Use this as a default when no logger is provided.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// Default returns the provided logger if non-nil, otherwise returns a discard logger.
// This is the standard pattern for optional logger parameters:
//
//	func NewPool(cfg Config) (*Pool, error) {
//	    cfg.Logger = logging.Default(cfg.Logger).With("component", "queue-worker")
//	    return &Pool{cfg: cfg}, nil
//	}
func Default(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return Discard()
}

// LevelHandler wraps an slog.Handler and overrides the minimum level for a
// fixed set of named components, identified by their "component" attribute.
// Components without an override use defaultLevel.
//
// Unlike a long-running service with an admin surface to flip verbosity at
// runtime, podrunner has no such surface: the override set comes from the
// --debug-component flags cmd/podrunner reads once at startup, so it is a
// plain map built at construction and never mutated afterward.
type LevelHandler struct {
	next         slog.Handler
	defaultLevel slog.Level
	overrides    map[string]slog.Level

	// preAttrs holds attributes added via WithAttrs before any group context.
	// These are checked for "component" in Handle().
	preAttrs []slog.Attr
}

// NewLevelHandler creates a handler that applies the level in overrides to
// each named component, leaving every other component at defaultLevel.
// overrides may be nil or empty.
func NewLevelHandler(next slog.Handler, defaultLevel slog.Level, overrides map[string]slog.Level) *LevelHandler {
	fixed := make(map[string]slog.Level, len(overrides))
	for k, v := range overrides {
		fixed[k] = v
	}
	return &LevelHandler{
		next:         next,
		defaultLevel: defaultLevel,
		overrides:    fixed,
	}
}

// Enabled returns true to defer filtering to Handle().
func (h *LevelHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return true
}

// Handle filters the record based on its component attribute and the
// configured overrides.
func (h *LevelHandler) Handle(ctx context.Context, r slog.Record) error {
	component := h.findComponent(r)

	minLevel := h.defaultLevel
	if component != "" {
		if level, ok := h.overrides[component]; ok {
			minLevel = level
		}
	}

	if r.Level < minLevel {
		return nil
	}
	if !h.next.Enabled(ctx, r.Level) {
		return nil
	}
	return h.next.Handle(ctx, r)
}

// findComponent extracts the "component" attribute value from preAttrs and record.
// Returns empty string if not found.
func (h *LevelHandler) findComponent(r slog.Record) string {
	for _, attr := range h.preAttrs {
		if attr.Key == "component" {
			if s, ok := attr.Value.Resolve().Any().(string); ok {
				return s
			}
		}
	}

	var component string
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			if s, ok := a.Value.Resolve().Any().(string); ok {
				component = s
				return false
			}
		}
		return true
	})
	return component
}

// WithAttrs returns a new handler with the given attributes.
func (h *LevelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	newPreAttrs := make([]slog.Attr, len(h.preAttrs), len(h.preAttrs)+len(attrs))
	copy(newPreAttrs, h.preAttrs)
	newPreAttrs = append(newPreAttrs, attrs...)

	return &LevelHandler{
		next:         h.next.WithAttrs(attrs),
		defaultLevel: h.defaultLevel,
		overrides:    h.overrides,
		preAttrs:     newPreAttrs,
	}
}

// WithGroup returns a new handler with the given group name.
func (h *LevelHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &LevelHandler{
		next:         h.next.WithGroup(name),
		defaultLevel: h.defaultLevel,
		overrides:    h.overrides,
		preAttrs:     h.preAttrs,
	}
}

// Level returns the configured minimum level for a component, or the
// default level if the component has no override.
func (h *LevelHandler) Level(component string) slog.Level {
	if level, ok := h.overrides[component]; ok {
		return level
	}
	return h.defaultLevel
}

// DefaultLevel returns the minimum level for components without an override.
func (h *LevelHandler) DefaultLevel() slog.Level {
	return h.defaultLevel
}
