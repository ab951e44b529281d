package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/emperorhan/hub-indexer/internal/domain/model"
	"github.com/emperorhan/hub-indexer/internal/metrics"
	"github.com/emperorhan/hub-indexer/internal/pipeline/retry"
	"github.com/emperorhan/hub-indexer/internal/queue"
)

const (
	defaultBackoffInitial = 50 * time.Millisecond
	defaultBackoffMax     = 2 * time.Second
)

type Config struct {
	Namespace      string
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// Publisher appends routed messages to their type partition. A full partition
// is waited out; messages are never dropped.
type Publisher struct {
	queue   queue.Publisher
	cfg     Config
	backoff retry.Backoff
	logger  *slog.Logger
	sleepFn func(ctx context.Context, d time.Duration) error
}

type Option func(*Publisher)

func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Publisher) { p.sleepFn = fn }
}

func New(q queue.Publisher, cfg Config, logger *slog.Logger, opts ...Option) *Publisher {
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = defaultBackoffInitial
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = defaultBackoffMax
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{
		queue:   q,
		cfg:     cfg,
		backoff: retry.Backoff{Initial: cfg.BackoffInitial, Max: cfg.BackoffMax},
		logger:  logger.With("component", "publisher"),
		sleepFn: retry.Sleep,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Partition returns the partition name for messages of type t.
func (p *Publisher) Partition(t model.MessageType) string {
	return queue.PartitionName(p.cfg.Namespace, t)
}

// Publish appends payload (the raw Hub message) to the partition for t and
// returns its entry id. It blocks while the partition is saturated.
func (p *Publisher) Publish(ctx context.Context, t model.MessageType, payload []byte) (queue.ID, error) {
	if !t.Valid() {
		return queue.ID{}, fmt.Errorf("publish: unknown message type %q", t)
	}
	partition := p.Partition(t)
	start := time.Now()

	for attempt := 1; ; attempt++ {
		id, err := p.queue.Publish(ctx, partition, payload)
		if err == nil {
			metrics.PublisherPublished.WithLabelValues(t.String()).Inc()
			metrics.PublisherLatency.WithLabelValues(t.String()).Observe(time.Since(start).Seconds())
			return id, nil
		}
		if !errors.Is(err, queue.ErrBackpressure) {
			return queue.ID{}, fmt.Errorf("publish to %s: %w", partition, err)
		}

		metrics.PublisherBackpressureWaits.WithLabelValues(t.String()).Inc()
		delay := p.backoff.Delay(attempt)
		if attempt == 1 || attempt%20 == 0 {
			p.logger.Warn("partition saturated, waiting for consumers",
				"partition", partition,
				"attempt", attempt,
				"retry_in", delay,
			)
		}
		if err := p.sleepFn(ctx, delay); err != nil {
			return queue.ID{}, fmt.Errorf("publish to %s: %w", partition, err)
		}
	}
}
