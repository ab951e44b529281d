package datacontext

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/codes"
	otelTrace "go.opentelemetry.io/otel/trace"

	"github.com/emperorhan/hub-indexer/internal/circuitbreaker"
	"github.com/emperorhan/hub-indexer/internal/domain/model"
	"github.com/emperorhan/hub-indexer/internal/hub"
	"github.com/emperorhan/hub-indexer/internal/store"
	"github.com/emperorhan/hub-indexer/internal/tracing"
)

// DataSource is one backend the Context can read from. Get returns
// ErrNotFound when the source has no message for key. Both methods may return
// tombstones; the Context decides what they mean.
type DataSource interface {
	Name() string
	Get(ctx context.Context, key model.MessageKey) (*model.Message, error)
	Query(ctx context.Context, sel model.Selector, limit int) ([]*model.Message, error)
}

// HubSource reads from the live Hub behind a circuit breaker so an
// unreachable Hub fails fast instead of stalling every request.
type HubSource struct {
	client  hub.Client
	breaker *circuitbreaker.Breaker
}

func NewHubSource(client hub.Client, breaker *circuitbreaker.Breaker) *HubSource {
	if breaker == nil {
		breaker = circuitbreaker.New(circuitbreaker.Config{Name: "hub"})
	}
	return &HubSource{client: client, breaker: breaker}
}

func (s *HubSource) Name() string { return "hub" }

// hubFailure reports whether err says something about Hub health.
// Not-found answers and caller cancellation do not.
func hubFailure(err error) bool {
	return !errors.Is(err, hub.ErrNotFound) && !errors.Is(err, context.Canceled)
}

func (s *HubSource) Get(ctx context.Context, key model.MessageKey) (*model.Message, error) {
	var page hub.Page
	err := s.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		page, err = s.client.Fetch(ctx, hub.Query{
			Selector: model.Selector{Fid: key.Fid, Type: key.Type, IncludeRemoved: true},
			Key:      key.Key,
		})
		return err
	}, hubFailure)
	if errors.Is(err, hub.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(page.Messages) == 0 {
		return nil, ErrNotFound
	}
	return page.Messages[0], nil
}

// Query pages the Hub newest first and stops once limit matching messages
// are in hand. Pages can come back short after selector filtering, so it
// keeps paging until the range is exhausted. A non-positive limit reads the
// whole range.
func (s *HubSource) Query(ctx context.Context, sel model.Selector, limit int) ([]*model.Message, error) {
	ctx, span := tracing.Tracer("datacontext").Start(ctx, "hub.query",
		otelTrace.WithAttributes(tracing.SelectorAttributes(sel, limit)...),
	)
	defer span.End()

	var out []*model.Message
	pages := 0
	err := s.breaker.Do(ctx, func(ctx context.Context) error {
		q := hub.Query{Selector: sel, PageSize: limit, Reverse: true}
		seen := make(map[string]struct{})
		for limit <= 0 || len(out) < limit {
			page, err := s.client.Fetch(ctx, q)
			if err != nil {
				return err
			}
			pages++
			out = append(out, page.Messages...)
			if page.NextPageToken == "" {
				return nil
			}
			if _, dup := seen[page.NextPageToken]; dup {
				return fmt.Errorf("hub %s query: page token %q repeated", sel.Type, page.NextPageToken)
			}
			seen[page.NextPageToken] = struct{}{}
			q.PageToken = page.NextPageToken
		}
		return nil
	}, hubFailure)
	span.SetAttributes(tracing.AttrQueryPages.Int(pages))
	if errors.Is(err, hub.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return newestFirst(out, limit), nil
}

func newestFirst(msgs []*model.Message, limit int) []*model.Message {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].Timestamp != msgs[j].Timestamp {
			return msgs[i].Timestamp > msgs[j].Timestamp
		}
		return msgs[i].Hash > msgs[j].Hash
	})
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs
}

// StoreSource reads what the pipelines persisted.
type StoreSource struct {
	repo store.MessageRepository
}

func NewStoreSource(repo store.MessageRepository) *StoreSource {
	return &StoreSource{repo: repo}
}

func (s *StoreSource) Name() string { return "store" }

func (s *StoreSource) Get(ctx context.Context, key model.MessageKey) (*model.Message, error) {
	msg, err := s.repo.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, ErrNotFound
	}
	return msg, nil
}

func (s *StoreSource) Query(ctx context.Context, sel model.Selector, limit int) ([]*model.Message, error) {
	return s.repo.Query(ctx, sel, limit)
}
