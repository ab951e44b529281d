package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/emperorhan/hub-indexer/internal/alert"
	"github.com/emperorhan/hub-indexer/internal/domain/event"
	"github.com/emperorhan/hub-indexer/internal/hub"
	"github.com/emperorhan/hub-indexer/internal/metrics"
	"github.com/emperorhan/hub-indexer/internal/pipeline/applier"
	"github.com/emperorhan/hub-indexer/internal/pipeline/publisher"
	"github.com/emperorhan/hub-indexer/internal/pipeline/router"
	"github.com/emperorhan/hub-indexer/internal/pipeline/subscriber"
	"github.com/emperorhan/hub-indexer/internal/queue"
	"github.com/emperorhan/hub-indexer/internal/store"
)

// Mode selects which half of the streaming pipeline a process runs.
type Mode string

const (
	ModeProducer Mode = "producer"
	ModeConsumer Mode = "consumer"
	ModeBoth     Mode = "both"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeProducer, ModeConsumer, ModeBoth:
		return m, nil
	default:
		return "", fmt.Errorf("unknown mode %q (want producer, consumer or both)", s)
	}
}

func (m Mode) Produces() bool { return m == ModeProducer || m == ModeBoth }
func (m Mode) Consumes() bool { return m == ModeConsumer || m == ModeBoth }

// Component names used for health tracking and alerts.
const (
	ComponentProducer = "producer"
	ComponentConsumer = "consumer"
)

type Config struct {
	Mode               Mode
	Subscriber         subscriber.Config
	Publisher          publisher.Config
	Consumer           applier.ConsumerConfig
	UnhealthyThreshold int
}

// Deps are the process-wide resources the pipeline runs on. Hub and Cursors
// are required to produce; Repo is required to consume.
type Deps struct {
	Hub      hub.Client
	Stream   queue.Stream
	Repo     store.MessageRepository
	Cursors  store.CursorStore
	Router   *router.Router
	Alerter  alert.Alerter
	Registry *Registry
}

// Pipeline runs Hub → router → partitions (producer) and partitions → store
// (consumer) in one process, as selected by Mode.
type Pipeline struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	producerHealth *ComponentHealth
	consumerHealth *ComponentHealth
}

func New(cfg Config, deps Deps, logger *slog.Logger) (*Pipeline, error) {
	if _, err := ParseMode(string(cfg.Mode)); err != nil {
		return nil, err
	}
	if deps.Stream == nil {
		return nil, errors.New("pipeline: stream is required")
	}
	if cfg.Mode.Produces() && (deps.Hub == nil || deps.Cursors == nil || deps.Router == nil) {
		return nil, errors.New("pipeline: producer needs a hub client, cursor store and router")
	}
	if cfg.Mode.Consumes() && deps.Repo == nil {
		return nil, errors.New("pipeline: consumer needs a message repository")
	}
	if deps.Alerter == nil {
		deps.Alerter = &alert.NoopAlerter{}
	}
	if deps.Registry == nil {
		deps.Registry = NewRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	// Producer and consumer share the publisher's namespace.
	cfg.Consumer.Namespace = cfg.Publisher.Namespace

	p := &Pipeline{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("component", "pipeline", "mode", string(cfg.Mode)),
	}
	notify := AlertOnTransition(deps.Alerter, p.logger)
	if cfg.Mode.Produces() {
		p.producerHealth = NewComponentHealth(ComponentProducer, cfg.UnhealthyThreshold)
		p.producerHealth.OnTransition(notify)
		deps.Registry.Register(p.producerHealth)
	}
	if cfg.Mode.Consumes() {
		p.consumerHealth = NewComponentHealth(ComponentConsumer, cfg.UnhealthyThreshold)
		p.consumerHealth.OnTransition(notify)
		deps.Registry.Register(p.consumerHealth)
	}
	return p, nil
}

func (p *Pipeline) Mode() Mode { return p.cfg.Mode }

// Run blocks until ctx is cancelled (nil) or a stage fails fatally.
func (p *Pipeline) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline panic: %v\n%s", r, debug.Stack())
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	if p.cfg.Mode.Produces() {
		g.Go(func() error { return p.runProducer(gctx) })
	}
	if p.cfg.Mode.Consumes() {
		g.Go(func() error { return p.runConsumer(gctx) })
	}

	p.logger.Info("pipeline starting")
	err = g.Wait()
	if err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil {
		p.logger.Info("pipeline stopped")
		return nil
	}
	return err
}

func (p *Pipeline) runProducer(ctx context.Context) error {
	pub := publisher.New(p.deps.Stream, p.cfg.Publisher, p.logger)
	sub := subscriber.New(p.deps.Hub, p.deps.Cursors, p.cfg.Subscriber, p.logger)

	err := sub.Run(ctx, p.Dispatch(pub))
	if errors.Is(err, subscriber.ErrFatal) {
		p.producerHealth.SetStatus(HealthStatusUnhealthy)
		p.sendAlert(alert.Alert{
			Type:      alert.AlertTypeSubscriberFatal,
			Component: ComponentProducer,
			Title:     "Hub event stream lost",
			Message:   err.Error(),
		})
	}
	return err
}

func (p *Pipeline) runConsumer(ctx context.Context) error {
	c := applier.NewConsumer(p.deps.Stream, p.deps.Repo, p.cfg.Consumer, p.logger, applier.WithHealth(p.consumerHealth))
	err := c.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		p.consumerHealth.SetStatus(HealthStatusUnhealthy)
	}
	return err
}

// Dispatch returns the subscriber sink: classify, then publish routed
// messages. It blocks while the destination partition is saturated.
func (p *Pipeline) Dispatch(pub *publisher.Publisher) subscriber.Sink {
	return func(ctx context.Context, ev event.HubEvent) error {
		d := p.deps.Router.Classify(ev)
		if d.Discard {
			metrics.RouterDecisions.WithLabelValues("discard", d.Reason).Inc()
			p.logger.Debug("event discarded", "event_id", ev.ID, "type", ev.Type, "reason", d.Reason)
			return nil
		}
		metrics.RouterDecisions.WithLabelValues("route", d.Reason).Inc()

		start := time.Now()
		if _, err := pub.Publish(ctx, d.Type, ev.Message); err != nil {
			if ctx.Err() == nil && p.producerHealth != nil {
				p.producerHealth.RecordFailure()
			}
			return err
		}
		if p.producerHealth != nil {
			p.producerHealth.RecordSuccess()
			p.producerHealth.RecordLatency(time.Since(start))
		}
		return nil
	}
}

func (p *Pipeline) sendAlert(a alert.Alert) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.deps.Alerter.Send(ctx, a); err != nil {
		p.logger.Warn("alert delivery failed", "type", a.Type, "error", err)
	}
}

// AlertOnTransition turns health transitions into UNHEALTHY / RECOVERY alerts,
// sent from their own goroutine.
func AlertOnTransition(alerter alert.Alerter, logger *slog.Logger) TransitionFunc {
	return func(component string, from, to HealthStatus, failures int) {
		a := alert.Alert{
			Type:      alert.AlertTypeUnhealthy,
			Component: component,
			Title:     component + " is unhealthy",
			Message:   strconv.Itoa(failures) + " consecutive failures",
			Fields:    map[string]string{"from": string(from), "to": string(to)},
		}
		if to != HealthStatusUnhealthy {
			a.Type = alert.AlertTypeRecovery
			a.Title = component + " recovered"
			a.Message = "status " + string(to)
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := alerter.Send(ctx, a); err != nil {
				logger.Warn("alert delivery failed", "type", a.Type, "component", component, "error", err)
			}
		}()
	}
}
