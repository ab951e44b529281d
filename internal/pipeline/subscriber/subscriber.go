package subscriber

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/emperorhan/hub-indexer/internal/domain/event"
	"github.com/emperorhan/hub-indexer/internal/domain/model"
	"github.com/emperorhan/hub-indexer/internal/hub"
	"github.com/emperorhan/hub-indexer/internal/metrics"
	"github.com/emperorhan/hub-indexer/internal/pipeline/retry"
	"github.com/emperorhan/hub-indexer/internal/store"
)

// ErrFatal is returned by Run once the Hub has failed too many times in a row.
var ErrFatal = errors.New("subscriber: too many consecutive failures")

const (
	defaultCursorName             = "hub-events"
	defaultCheckpointEvery        = 100
	defaultCheckpointInterval     = 5 * time.Second
	defaultBackoffInitial         = 250 * time.Millisecond
	defaultBackoffMax             = 30 * time.Second
	defaultMaxConsecutiveFailures = 10
)

type Config struct {
	CursorName             string
	CheckpointEvery        int
	CheckpointInterval     time.Duration
	BackoffInitial         time.Duration
	BackoffMax             time.Duration
	MaxConsecutiveFailures int
}

// Sink receives every event in log order. It blocks while downstream is
// saturated; a returned error ends the current session.
type Sink func(ctx context.Context, ev event.HubEvent) error

// Subscriber follows the Hub event log from the last durable cursor.
type Subscriber struct {
	client  hub.Client
	cursors store.CursorStore
	cfg     Config
	backoff retry.Backoff
	logger  *slog.Logger

	sleepFn func(ctx context.Context, d time.Duration) error
	nowFn   func() time.Time
}

type Option func(*Subscriber)

// WithSleep replaces the backoff sleep, for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Subscriber) { s.sleepFn = fn }
}

func WithClock(now func() time.Time) Option {
	return func(s *Subscriber) { s.nowFn = now }
}

func New(client hub.Client, cursors store.CursorStore, cfg Config, logger *slog.Logger, opts ...Option) *Subscriber {
	if cfg.CursorName == "" {
		cfg.CursorName = defaultCursorName
	}
	if cfg.CheckpointEvery <= 0 {
		cfg.CheckpointEvery = defaultCheckpointEvery
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = defaultCheckpointInterval
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = defaultBackoffInitial
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = defaultBackoffMax
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = defaultMaxConsecutiveFailures
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Subscriber{
		client:  client,
		cursors: cursors,
		cfg:     cfg,
		backoff: retry.Backoff{Initial: cfg.BackoffInitial, Max: cfg.BackoffMax},
		logger:  logger.With("component", "subscriber"),
		sleepFn: retry.Sleep,
		nowFn:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run streams events into sink until ctx is cancelled or the failure budget is
// exhausted. Every (re)connect resumes from the durably saved cursor, so events
// after the last checkpoint may be delivered again.
func (s *Subscriber) Run(ctx context.Context, sink Sink) error {
	failures := 0
	for {
		delivered, err := s.session(ctx, sink)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if delivered > 0 {
			failures = 0
		}
		failures++
		metrics.SubscriberConsecutiveFailures.Set(float64(failures))

		if failures >= s.cfg.MaxConsecutiveFailures {
			s.logger.Error("giving up on hub event stream", "failures", failures, "error", err)
			return fmt.Errorf("%w: %d attempts, last: %v", ErrFatal, failures, err)
		}

		delay := s.backoff.Delay(failures)
		s.logger.Warn("hub event stream interrupted, reconnecting",
			"error", err,
			"delivered", delivered,
			"failures", failures,
			"retry_in", delay,
		)
		if err := s.sleepFn(ctx, delay); err != nil {
			return err
		}
		metrics.SubscriberReconnects.Inc()
	}
}

// session runs one connection and returns how many events the sink accepted.
// The error is never nil.
func (s *Subscriber) session(ctx context.Context, sink Sink) (int, error) {
	from, _, err := s.cursors.Load(ctx, s.cfg.CursorName)
	if err != nil {
		return 0, fmt.Errorf("load cursor: %w", err)
	}

	stream, err := s.client.Subscribe(ctx, from)
	if err != nil {
		return 0, fmt.Errorf("subscribe from %d: %w", from, err)
	}
	defer stream.Close()

	s.logger.Info("subscribed to hub events", "from", uint64(from))

	cp := checkpointer{saved: from, last: from, lastSave: s.nowFn()}
	delivered := 0
	for {
		ev, err := stream.Recv()
		if err != nil {
			// Events the sink already accepted are safe to skip on reconnect.
			if flushErr := s.flush(ctx, &cp); flushErr != nil {
				err = errors.Join(err, flushErr)
			}
			return delivered, fmt.Errorf("receive: %w", err)
		}
		metrics.SubscriberEventsReceived.WithLabelValues(string(ev.Type)).Inc()

		if err := sink(ctx, ev); err != nil {
			if flushErr := s.flush(ctx, &cp); flushErr != nil {
				err = errors.Join(err, flushErr)
			}
			return delivered, fmt.Errorf("sink event %d: %w", ev.ID, err)
		}
		delivered++
		cp.advance(ev.Cursor())

		if cp.due(s.cfg.CheckpointEvery, s.cfg.CheckpointInterval, s.nowFn()) {
			if err := s.flush(ctx, &cp); err != nil {
				return delivered, err
			}
		}
	}
}

func (s *Subscriber) flush(ctx context.Context, cp *checkpointer) error {
	if cp.last == cp.saved {
		return nil
	}
	// A cancelled ctx must not lose the progress made so far.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.cursors.Save(saveCtx, s.cfg.CursorName, cp.last); err != nil {
		return fmt.Errorf("save cursor %d: %w", cp.last, err)
	}
	cp.saved = cp.last
	cp.pending = 0
	cp.lastSave = s.nowFn()
	metrics.SubscriberCursor.Set(float64(cp.last))
	return nil
}

type checkpointer struct {
	saved    model.HubCursor
	last     model.HubCursor
	pending  int
	lastSave time.Time
}

func (c *checkpointer) advance(to model.HubCursor) {
	if to > c.last {
		c.last = to
	}
	c.pending++
}

func (c *checkpointer) due(every int, interval time.Duration, now time.Time) bool {
	if c.pending == 0 {
		return false
	}
	return c.pending >= every || now.Sub(c.lastSave) >= interval
}
