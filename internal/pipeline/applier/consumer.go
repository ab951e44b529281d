package applier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/emperorhan/hub-indexer/internal/domain/model"
	"github.com/emperorhan/hub-indexer/internal/metrics"
	"github.com/emperorhan/hub-indexer/internal/pipeline/retry"
	"github.com/emperorhan/hub-indexer/internal/queue"
	"github.com/emperorhan/hub-indexer/internal/store"
)

const (
	DefaultGroup = "persist"

	defaultConcurrency    = 2
	defaultReadCount      = 32
	defaultReadBlock      = 2 * time.Second
	defaultReclaimAfter   = time.Minute
	defaultTrimInterval   = 30 * time.Second
	defaultApplyAttempts  = 3
	defaultBackoffInitial = 100 * time.Millisecond
	defaultBackoffMax     = 5 * time.Second
)

type ConsumerConfig struct {
	Namespace string
	Group     string
	// Types selects the partitions to consume; empty consumes all.
	Types        []model.MessageType
	Concurrency  int // workers per partition
	ReadCount    int
	ReadBlock    time.Duration
	ReclaimAfter time.Duration
	TrimInterval time.Duration
	// ApplyAttempts bounds in-place retries of a failing entry before it is
	// left pending for a later reclaim.
	ApplyAttempts  int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// HealthReporter receives per-batch outcomes.
type HealthReporter interface {
	RecordSuccess()
	RecordFailure() bool
}

type noopHealth struct{}

func (noopHealth) RecordSuccess()      {}
func (noopHealth) RecordFailure() bool { return false }

// Consumer runs a pool of appliers over the message partitions of one
// consumer group.
type Consumer struct {
	groups  queue.ConsumerGroups
	repo    store.MessageRepository
	cfg     ConsumerConfig
	logger  *slog.Logger
	health  HealthReporter
	backoff retry.Backoff
	sleepFn func(ctx context.Context, d time.Duration) error
	newID   func() string
}

type Option func(*Consumer)

func WithHealth(h HealthReporter) Option {
	return func(c *Consumer) { c.health = h }
}

func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Consumer) { c.sleepFn = fn }
}

// WithConsumerIDs overrides consumer id generation.
func WithConsumerIDs(fn func() string) Option {
	return func(c *Consumer) { c.newID = fn }
}

func NewConsumer(groups queue.ConsumerGroups, repo store.MessageRepository, cfg ConsumerConfig, logger *slog.Logger, opts ...Option) *Consumer {
	if cfg.Group == "" {
		cfg.Group = DefaultGroup
	}
	if len(cfg.Types) == 0 {
		cfg.Types = model.AllMessageTypes()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.ReadCount <= 0 {
		cfg.ReadCount = defaultReadCount
	}
	if cfg.ReadBlock <= 0 {
		cfg.ReadBlock = defaultReadBlock
	}
	if cfg.ReclaimAfter <= 0 {
		cfg.ReclaimAfter = defaultReclaimAfter
	}
	if cfg.TrimInterval <= 0 {
		cfg.TrimInterval = defaultTrimInterval
	}
	if cfg.ApplyAttempts <= 0 {
		cfg.ApplyAttempts = defaultApplyAttempts
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = defaultBackoffInitial
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = defaultBackoffMax
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Consumer{
		groups:  groups,
		repo:    repo,
		cfg:     cfg,
		logger:  logger.With("component", "consumer", "group", cfg.Group),
		health:  noopHealth{},
		backoff: retry.Backoff{Initial: cfg.BackoffInitial, Max: cfg.BackoffMax},
		sleepFn: retry.Sleep,
		newID:   defaultConsumerID,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func defaultConsumerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "consumer"
	}
	return host + "-" + uuid.NewString()
}

// Partitions lists the partitions this consumer reads.
func (c *Consumer) Partitions() []string {
	out := make([]string, 0, len(c.cfg.Types))
	for _, t := range c.cfg.Types {
		out = append(out, queue.PartitionName(c.cfg.Namespace, t))
	}
	return out
}

// Run consumes until ctx is cancelled. Entries in flight at shutdown stay
// pending and are reclaimed by the next consumer after ReclaimAfter.
func (c *Consumer) Run(ctx context.Context) error {
	partitions := c.Partitions()
	for _, p := range partitions {
		if err := c.groups.EnsureGroup(ctx, p, c.cfg.Group); err != nil {
			return fmt.Errorf("ensure group %s on %s: %w", c.cfg.Group, p, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range partitions {
		for i := 0; i < c.cfg.Concurrency; i++ {
			a := NewApplier(c.groups, c.repo, c.cfg.Group, c.newID(), c.logger)
			g.Go(func() error { return c.work(gctx, p, a) })
		}
	}
	g.Go(func() error { return c.maintain(gctx, partitions) })

	c.logger.Info("consumer started",
		"partitions", len(partitions),
		"workers_per_partition", c.cfg.Concurrency,
	)
	return g.Wait()
}

func (c *Consumer) work(ctx context.Context, partition string, a *Applier) error {
	log := c.logger.With("partition", partition, "consumer", a.Consumer())
	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		entries, err := c.next(ctx, partition, a.Consumer())
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			c.health.RecordFailure()
			log.Warn("read from partition failed", "error", err, "failures", failures)
			if err := c.sleepFn(ctx, c.backoff.Delay(failures)); err != nil {
				return err
			}
			continue
		}
		if len(entries) == 0 {
			continue
		}

		ok := true
		for _, entry := range entries {
			if err := c.applyWithRetry(ctx, a, entry); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				ok = false
				log.Error("entry left pending after repeated failures",
					"entry_id", entry.ID.String(),
					"deliveries", entry.Deliveries,
					"error", err,
				)
			}
		}
		if ok {
			failures = 0
			c.health.RecordSuccess()
		} else {
			c.health.RecordFailure()
		}
	}
}

// next prefers entries abandoned by other consumers over new ones.
func (c *Consumer) next(ctx context.Context, partition, consumer string) ([]queue.Entry, error) {
	reclaimed, err := c.groups.Reclaim(ctx, partition, c.cfg.Group, consumer, c.cfg.ReclaimAfter, c.cfg.ReadCount)
	if err != nil {
		return nil, fmt.Errorf("reclaim: %w", err)
	}
	if len(reclaimed) > 0 {
		metrics.ApplierReclaimed.WithLabelValues(partition).Add(float64(len(reclaimed)))
		return reclaimed, nil
	}
	entries, err := c.groups.Read(ctx, partition, c.cfg.Group, consumer, c.cfg.ReadCount, c.cfg.ReadBlock)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	return entries, nil
}

func (c *Consumer) applyWithRetry(ctx context.Context, a *Applier, entry queue.Entry) error {
	var err error
	for attempt := 1; attempt <= c.cfg.ApplyAttempts; attempt++ {
		if err = a.Apply(ctx, entry); err == nil {
			return nil
		}
		if !retry.IsTransient(err) || attempt == c.cfg.ApplyAttempts {
			break
		}
		if sleepErr := c.sleepFn(ctx, c.backoff.Delay(attempt)); sleepErr != nil {
			return errors.Join(err, sleepErr)
		}
	}
	return err
}

func (c *Consumer) maintain(ctx context.Context, partitions []string) error {
	ticker := time.NewTicker(c.cfg.TrimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.trim(ctx, partitions)
		}
	}
}

func (c *Consumer) trim(ctx context.Context, partitions []string) {
	for _, p := range partitions {
		n, err := c.groups.Trim(ctx, p)
		if err != nil {
			c.logger.Warn("trim failed", "partition", p, "error", err)
			continue
		}
		if n > 0 {
			metrics.ApplierTrimmed.WithLabelValues(p).Add(float64(n))
		}
		if summary, err := c.groups.Pending(ctx, p, c.cfg.Group); err == nil {
			metrics.ApplierPending.WithLabelValues(p).Set(float64(summary.Count))
		}
	}
}
