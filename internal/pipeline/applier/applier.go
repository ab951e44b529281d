package applier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/codes"
	otelTrace "go.opentelemetry.io/otel/trace"

	"github.com/emperorhan/hub-indexer/internal/domain/model"
	"github.com/emperorhan/hub-indexer/internal/metrics"
	"github.com/emperorhan/hub-indexer/internal/pipeline/retry"
	"github.com/emperorhan/hub-indexer/internal/queue"
	"github.com/emperorhan/hub-indexer/internal/store"
	"github.com/emperorhan/hub-indexer/internal/tracing"
)

// Entry results recorded in metrics.
const (
	resultApplied   = "applied"
	resultStale     = "stale"
	resultMalformed = "malformed"
	resultError     = "error"
)

// Applier persists queue entries on behalf of one consumer of a group.
type Applier struct {
	groups   queue.ConsumerGroups
	repo     store.MessageRepository
	group    string
	consumer string
	logger   *slog.Logger
}

func NewApplier(groups queue.ConsumerGroups, repo store.MessageRepository, group, consumer string, logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Applier{
		groups:   groups,
		repo:     repo,
		group:    group,
		consumer: consumer,
		logger:   logger.With("component", "applier", "consumer", consumer),
	}
}

func (a *Applier) Consumer() string { return a.consumer }

// Apply decodes entry, upserts it and acknowledges it.
//
// A malformed payload can never succeed, so it is acknowledged and dropped.
// A store failure leaves the entry pending for redelivery and returns a
// transient error. An ack rejected after a successful write means another
// consumer reclaimed the entry; the write is idempotent, so that is only logged.
func (a *Applier) Apply(ctx context.Context, entry queue.Entry) (err error) {
	start := time.Now()
	ctx, span := tracing.Tracer("applier").Start(ctx, "hub.message.apply",
		otelTrace.WithAttributes(
			tracing.AttrPartition.String(entry.Partition),
			tracing.AttrEntryID.String(entry.ID.String()),
			tracing.AttrDeliveries.Int64(entry.Deliveries),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		metrics.ApplierLatency.WithLabelValues(entry.Partition).Observe(time.Since(start).Seconds())
	}()

	msg, err := model.DecodeHubMessage(entry.Payload)
	if err != nil {
		a.logger.Error("dropping malformed entry",
			"partition", entry.Partition,
			"entry_id", entry.ID.String(),
			"error", err,
		)
		metrics.ApplierEntries.WithLabelValues(entry.Partition, resultMalformed).Inc()
		return a.ack(ctx, entry)
	}

	span.SetAttributes(tracing.MessageAttributes(msg)...)

	res, err := a.repo.Upsert(ctx, msg)
	if err != nil {
		metrics.ApplierEntries.WithLabelValues(entry.Partition, resultError).Inc()
		return retry.Transient(fmt.Errorf("upsert %s fid=%d key=%s: %w", msg.Type, msg.Fid, msg.Key, err))
	}
	result := resultApplied
	if !res.Applied {
		result = resultStale
	}
	metrics.ApplierEntries.WithLabelValues(entry.Partition, result).Inc()

	return a.ack(ctx, entry)
}

func (a *Applier) ack(ctx context.Context, entry queue.Entry) error {
	err := a.groups.Ack(ctx, entry.Partition, a.group, a.consumer, entry.ID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, queue.ErrNotOwner):
		a.lateAck(entry, "not_owner", err)
		return nil
	case errors.Is(err, queue.ErrUnknownEntry):
		a.lateAck(entry, "unknown_entry", err)
		return nil
	default:
		return retry.Transient(fmt.Errorf("ack %s/%s: %w", entry.Partition, entry.ID, err))
	}
}

func (a *Applier) lateAck(entry queue.Entry, reason string, err error) {
	metrics.ApplierLateAcks.WithLabelValues(entry.Partition, reason).Inc()
	a.logger.Warn("ack rejected after write, entry moved to another consumer",
		"partition", entry.Partition,
		"entry_id", entry.ID.String(),
		"reason", reason,
		"error", err,
	)
}
