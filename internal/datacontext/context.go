// Package datacontext serves reads from the live Hub first and falls back to
// the indexed store.
package datacontext

import (
	"context"
	"errors"
	"log/slog"

	"github.com/emperorhan/hub-indexer/internal/domain/model"
	"github.com/emperorhan/hub-indexer/internal/metrics"
)

type Options struct {
	// FallbackOnNotFound lets a not-found (or empty) answer from one source
	// fall through to the next instead of being final.
	FallbackOnNotFound bool
	Logger             *slog.Logger
}

// Context is an ordered fallback over data sources. It holds no state of its own.
type Context struct {
	sources            []DataSource
	fallbackOnNotFound bool
	logger             *slog.Logger
}

// New builds a Context that tries sources in order. Nil sources are skipped.
func New(opts Options, sources ...DataSource) *Context {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Context{fallbackOnNotFound: opts.FallbackOnNotFound, logger: logger.With("component", "datacontext")}
	for _, s := range sources {
		if s != nil {
			c.sources = append(c.sources, s)
		}
	}
	return c
}

// Sources returns the configured source names in lookup order.
func (c *Context) Sources() []string {
	names := make([]string, len(c.sources))
	for i, s := range c.sources {
		names[i] = s.Name()
	}
	return names
}

// Get returns the live message stored under key. A tombstone from the first
// answering source is reported as ErrNotFound.
func (c *Context) Get(ctx context.Context, key model.MessageKey) (*model.Message, error) {
	if len(c.sources) == 0 {
		return nil, &UnavailableError{Reason: ReasonNoBackends}
	}

	var (
		causes   []SourceError
		notFound bool
	)
	for _, src := range c.sources {
		msg, err := src.Get(ctx, key)
		switch {
		case err == nil && !msg.Removed():
			metrics.DataContextFetches.WithLabelValues(src.Name(), "hit").Inc()
			return msg, nil
		case err == nil:
			// Tombstones are authoritative; an older source may still hold the add.
			metrics.DataContextFetches.WithLabelValues(src.Name(), "removed").Inc()
			return nil, ErrNotFound
		case errors.Is(err, ErrNotFound):
			metrics.DataContextFetches.WithLabelValues(src.Name(), "not_found").Inc()
			if !c.fallbackOnNotFound {
				return nil, ErrNotFound
			}
			notFound = true
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			metrics.DataContextFetches.WithLabelValues(src.Name(), "error").Inc()
			c.logger.Warn("data source failed, falling back", "source", src.Name(), "fid", key.Fid, "type", key.Type, "error", err)
			causes = append(causes, SourceError{Source: src.Name(), Err: err})
		}
	}
	if notFound {
		return nil, ErrNotFound
	}
	return nil, &UnavailableError{Reason: ReasonAllFailed, Causes: causes}
}

// Query returns up to limit matching messages, newest first, from the first
// source that answers.
func (c *Context) Query(ctx context.Context, sel model.Selector, limit int) ([]*model.Message, error) {
	if len(c.sources) == 0 {
		return nil, &UnavailableError{Reason: ReasonNoBackends}
	}

	var (
		causes   []SourceError
		answered bool
	)
	for _, src := range c.sources {
		msgs, err := src.Query(ctx, sel, limit)
		switch {
		case err == nil && (len(msgs) > 0 || !c.fallbackOnNotFound):
			metrics.DataContextFetches.WithLabelValues(src.Name(), "hit").Inc()
			return msgs, nil
		case err == nil:
			metrics.DataContextFetches.WithLabelValues(src.Name(), "not_found").Inc()
			answered = true
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			metrics.DataContextFetches.WithLabelValues(src.Name(), "error").Inc()
			c.logger.Warn("data source failed, falling back", "source", src.Name(), "fid", sel.Fid, "type", sel.Type, "error", err)
			causes = append(causes, SourceError{Source: src.Name(), Err: err})
		}
	}
	if answered {
		return nil, nil
	}
	return nil, &UnavailableError{Reason: ReasonAllFailed, Causes: causes}
}
