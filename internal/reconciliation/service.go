package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/emperorhan/hub-indexer/internal/domain/model"
	"github.com/emperorhan/hub-indexer/internal/hub"
	"github.com/emperorhan/hub-indexer/internal/metrics"
	"github.com/emperorhan/hub-indexer/internal/store"
)

// TypeResult counts what one (fid, type) reconciliation did.
type TypeResult struct {
	Type    model.MessageType `json:"type"`
	Fetched int               `json:"fetched"`
	Applied int               `json:"applied"`
	Stale   int               `json:"stale"`
}

// RunResult aggregates the reconciliation of one FID.
type RunResult struct {
	Fid        model.Fid    `json:"fid"`
	Types      []TypeResult `json:"types"`
	Fetched    int          `json:"fetched"`
	Applied    int          `json:"applied"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
}

// Service copies Hub state for a FID into the store. Every write goes
// through the repository's conflict rule, so re-running is always safe.
type Service struct {
	hub      hub.Client
	repo     store.MessageRepository
	pageSize int
	logger   *slog.Logger
}

func NewService(client hub.Client, repo store.MessageRepository, pageSize int, logger *slog.Logger) *Service {
	if pageSize <= 0 {
		pageSize = hub.DefaultPageSize
	}
	return &Service{
		hub:      client,
		repo:     repo,
		pageSize: pageSize,
		logger:   logger.With("component", "reconciliation"),
	}
}

// Reconcile fetches every message of types for fid from the Hub, removes
// included, and upserts each. The first failure aborts the run.
func (s *Service) Reconcile(ctx context.Context, fid model.Fid, types []model.MessageType) (*RunResult, error) {
	if len(types) == 0 {
		types = model.AllMessageTypes()
	}
	result := &RunResult{Fid: fid, StartedAt: time.Now()}

	for _, t := range types {
		tr, err := s.reconcileType(ctx, fid, t)
		if err != nil {
			return nil, err
		}
		result.Types = append(result.Types, tr)
		result.Fetched += tr.Fetched
		result.Applied += tr.Applied
	}

	result.FinishedAt = time.Now()
	s.logger.Debug("fid reconciled",
		"fid", fid,
		"fetched", result.Fetched,
		"applied", result.Applied,
		"duration", result.FinishedAt.Sub(result.StartedAt),
	)
	return result, nil
}

func (s *Service) reconcileType(ctx context.Context, fid model.Fid, t model.MessageType) (TypeResult, error) {
	tr := TypeResult{Type: t}
	msgs, err := hub.FetchAll(ctx, s.hub, hub.Query{
		Selector: model.Selector{Fid: fid, Type: t, IncludeRemoved: true},
		PageSize: s.pageSize,
	})
	if err != nil {
		return tr, fmt.Errorf("fetch %s for fid %d: %w", t, fid, err)
	}
	tr.Fetched = len(msgs)

	for _, m := range msgs {
		res, err := s.repo.Upsert(ctx, m)
		if err != nil {
			return tr, fmt.Errorf("upsert %s fid=%d key=%s: %w", t, fid, m.Key, err)
		}
		if res.Applied {
			tr.Applied++
		} else {
			tr.Stale++
		}
	}
	metrics.BackfillMessagesReconciled.WithLabelValues(t.String()).Add(float64(tr.Fetched))
	return tr, nil
}
