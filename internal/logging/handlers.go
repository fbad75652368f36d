package logging

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
)

// MultiHandler writes each record to every sink that accepts its level:
// the session log file, Graylog and the OTel bridge. A failing sink does
// not keep the record from the others.
type MultiHandler struct {
	sinks    []slog.Handler
	failures *atomic.Int64
}

func NewMultiHandler(sinks ...slog.Handler) *MultiHandler {
	m := &MultiHandler{failures: new(atomic.Int64)}
	for _, h := range sinks {
		if h != nil {
			m.sinks = append(m.sinks, h)
		}
	}
	return m
}

func (m *MultiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.sinks {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *MultiHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range m.sinks {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			m.failures.Add(1)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Failures counts records a sink refused, across every derived handler.
func (m *MultiHandler) Failures() int64 {
	return m.failures.Load()
}

func (m *MultiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return m.derive(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (m *MultiHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return m
	}
	return m.derive(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

func (m *MultiHandler) derive(fn func(slog.Handler) slog.Handler) *MultiHandler {
	out := &MultiHandler{sinks: make([]slog.Handler, len(m.sinks)), failures: m.failures}
	for i, h := range m.sinks {
		out.sinks[i] = fn(h)
	}
	return out
}

// ContextProvider returns attributes that are evaluated per record, such as
// the current connection state and whether tracking is running.
type ContextProvider func() []slog.Attr

// ContextHandler stamps live host state onto every record it passes on.
type ContextHandler struct {
	next     slog.Handler
	provider ContextProvider
}

func NewContextHandler(next slog.Handler, provider ContextProvider) *ContextHandler {
	return &ContextHandler{next: next, provider: provider}
}

func (h *ContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.provider != nil {
		if attrs := h.provider(); len(attrs) > 0 {
			r.AddAttrs(attrs...)
		}
	}
	return h.next.Handle(ctx, r)
}

func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return NewContextHandler(h.next.WithAttrs(attrs), h.provider)
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return NewContextHandler(h.next.WithGroup(name), h.provider)
}
