// Package backfill replays full Hub history into the store: a queue service
// cuts the FID space into leased jobs, and any number of workers reconcile them.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/emperorhan/hub-indexer/internal/domain/model"
	"github.com/emperorhan/hub-indexer/internal/hub"
	"github.com/emperorhan/hub-indexer/internal/metrics"
	"github.com/emperorhan/hub-indexer/internal/queue"
)

const DefaultBatchSize = 100

// QueueConfig bounds the identity space. A zero ToFid means "up to the
// Hub's highest registered FID".
type QueueConfig struct {
	FromFid model.Fid
	ToFid   model.Fid
	Types   []model.MessageType
}

type QueueService struct {
	hub    hub.Client
	jobs   queue.JobQueue
	cfg    QueueConfig
	logger *slog.Logger
	nowFn  func() time.Time
	newID  func() string
}

func NewQueueService(client hub.Client, jobs queue.JobQueue, cfg QueueConfig, logger *slog.Logger) *QueueService {
	if cfg.FromFid == 0 {
		cfg.FromFid = 1
	}
	return &QueueService{
		hub:    client,
		jobs:   jobs,
		cfg:    cfg,
		logger: logger.With("component", "backfill_queue"),
		nowFn:  time.Now,
		newID:  func() string { return uuid.NewString() },
	}
}

// EnqueueAll splits [FromFid, ToFid] into contiguous batches of at most
// batchSize FIDs and enqueues one job per batch. It returns the number of
// jobs enqueued, which is also accurate when it fails part way.
func (s *QueueService) EnqueueAll(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		return 0, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	to := s.cfg.ToFid
	if to == 0 {
		maxFid, err := s.hub.MaxFid(ctx)
		if err != nil {
			return 0, fmt.Errorf("read max fid: %w", err)
		}
		to = maxFid
	}
	if to < s.cfg.FromFid {
		s.logger.Info("nothing to enqueue", "from_fid", s.cfg.FromFid, "to_fid", to)
		return 0, nil
	}

	enqueued := 0
	for _, fids := range Batches(s.cfg.FromFid, to, batchSize) {
		if err := ctx.Err(); err != nil {
			return enqueued, err
		}
		job := &model.BackfillJob{
			ID:         s.newID(),
			Fids:       fids,
			Types:      s.cfg.Types,
			Status:     model.JobStatusQueued,
			EnqueuedAt: s.nowFn(),
		}
		if err := s.jobs.EnqueueJob(ctx, job); err != nil {
			return enqueued, fmt.Errorf("enqueue job for fids %d-%d: %w", fids[0], fids[len(fids)-1], err)
		}
		enqueued++
		metrics.BackfillJobsEnqueued.Inc()
	}

	s.logger.Info("backfill jobs enqueued",
		"jobs", enqueued,
		"from_fid", s.cfg.FromFid,
		"to_fid", to,
		"batch_size", batchSize,
	)
	return enqueued, nil
}

// EnqueueFids enqueues a single job for an explicit FID set.
func (s *QueueService) EnqueueFids(ctx context.Context, fids []model.Fid) (string, error) {
	if len(fids) == 0 {
		return "", errors.New("no fids to enqueue")
	}
	job := &model.BackfillJob{
		ID:         s.newID(),
		Fids:       append([]model.Fid(nil), fids...),
		Types:      s.cfg.Types,
		Status:     model.JobStatusQueued,
		EnqueuedAt: s.nowFn(),
	}
	if err := s.jobs.EnqueueJob(ctx, job); err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	metrics.BackfillJobsEnqueued.Inc()
	return job.ID, nil
}

// Batches partitions [from, to] into contiguous runs of at most size FIDs.
func Batches(from, to model.Fid, size int) [][]model.Fid {
	if size <= 0 || to < from {
		return nil
	}
	var out [][]model.Fid
	for start := from; start <= to; {
		end := start + model.Fid(size) - 1
		if end > to || end < start {
			end = to
		}
		batch := make([]model.Fid, 0, int(end-start)+1)
		for f := start; f <= end; f++ {
			batch = append(batch, f)
		}
		out = append(out, batch)
		if end == to {
			break
		}
		start = end + 1
	}
	return out
}
