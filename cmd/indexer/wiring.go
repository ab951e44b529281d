package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/emperorhan/hub-indexer/internal/alert"
	"github.com/emperorhan/hub-indexer/internal/circuitbreaker"
	"github.com/emperorhan/hub-indexer/internal/config"
	"github.com/emperorhan/hub-indexer/internal/datacontext"
	"github.com/emperorhan/hub-indexer/internal/hub"
	"github.com/emperorhan/hub-indexer/internal/pipeline"
	"github.com/emperorhan/hub-indexer/internal/pipeline/router"
	"github.com/emperorhan/hub-indexer/internal/queue"
	"github.com/emperorhan/hub-indexer/internal/queue/memory"
	"github.com/emperorhan/hub-indexer/internal/store"
	"github.com/emperorhan/hub-indexer/internal/store/memstore"
	"github.com/emperorhan/hub-indexer/internal/store/pebblestore"
	"github.com/emperorhan/hub-indexer/internal/store/postgres"
	redisstore "github.com/emperorhan/hub-indexer/internal/store/redis"
	"github.com/emperorhan/hub-indexer/internal/tracing"
)

// runtime owns the process-wide resources a command opens lazily. Close
// releases them in reverse order of opening.
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *pipeline.Registry
	alerter  alert.Alerter

	redis   *goredis.Client
	db      *postgres.DB
	mem     *memstore.Store
	hub     hub.Client
	jobs    queue.JobQueue
	closers []io.Closer
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func newRuntime(cfg *config.Config, logger *slog.Logger) *runtime {
	return &runtime{
		cfg:      cfg,
		logger:   logger,
		registry: pipeline.NewRegistry(),
		alerter:  alert.FromConfig(cfg.Alert.SlackWebhookURL, cfg.Alert.WebhookURL, cfg.Alert.Cooldown, logger),
	}
}

func (r *runtime) onClose(c io.Closer) { r.closers = append(r.closers, c) }

func (r *runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

// initTracing installs the tracer provider; shutdown is registered with Close.
func (r *runtime) initTracing(ctx context.Context) error {
	endpoint := ""
	if r.cfg.Tracing.Enabled {
		endpoint = r.cfg.Tracing.Endpoint
	}
	shutdown, err := tracing.Init(ctx, tracing.Config{
		ServiceName:     r.cfg.Tracing.ServiceName,
		Endpoint:        endpoint,
		Insecure:        r.cfg.Tracing.Insecure,
		SampleRatio:     r.cfg.Tracing.SampleRatio,
		HubAddress:      r.cfg.Hub.Address,
		StreamNamespace: r.cfg.Stream.Namespace,
	})
	if err != nil {
		return fmt.Errorf("initialize tracing: %w", err)
	}
	r.onClose(closerFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdown(ctx)
	}))
	if r.cfg.Tracing.Enabled {
		r.logger.Info("tracing enabled", "endpoint", endpoint, "sample_ratio", r.cfg.Tracing.SampleRatio)
	}
	return nil
}

func (r *runtime) redisClient(ctx context.Context) (*goredis.Client, error) {
	if r.redis != nil {
		return r.redis, nil
	}
	client, err := redisstore.NewClient(ctx, r.cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	r.redis = client
	r.onClose(client)
	r.logger.Info("connected to redis")
	return client, nil
}

func (r *runtime) database(ctx context.Context) (*postgres.DB, error) {
	if r.db != nil {
		return r.db, nil
	}
	db, err := postgres.New(ctx, postgres.Config{
		URL:                r.cfg.DB.URL,
		MaxOpenConns:       r.cfg.DB.MaxOpenConns,
		MaxIdleConns:       r.cfg.DB.MaxIdleConns,
		ConnMaxLifetime:    r.cfg.DB.ConnMaxLifetime,
		ConnMaxIdleTime:    r.cfg.DB.ConnMaxIdleTime,
		StatementTimeoutMS: r.cfg.DB.StatementTimeoutMS,
	})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	r.onClose(db)
	if r.cfg.DB.RunMigrations {
		if err := db.RunMigrations(ctx, postgres.Migrations()); err != nil {
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}
	r.db = db
	r.logger.Info("connected to database")
	return db, nil
}

func (r *runtime) memStore() *memstore.Store {
	if r.mem == nil {
		r.mem = memstore.New()
	}
	return r.mem
}

func (r *runtime) stream(ctx context.Context) (queue.Stream, error) {
	if r.cfg.Stream.Transport == config.TransportMemory {
		r.logger.Warn("memory stream transport: partitions are not durable and not shared between processes")
		return memory.NewStream(memory.WithMaxLen(int(r.cfg.Stream.MaxLen))), nil
	}
	client, err := r.redisClient(ctx)
	if err != nil {
		return nil, err
	}
	r.logger.Info("redis stream transport enabled", "namespace", r.cfg.Stream.Namespace, "max_len", r.cfg.Stream.MaxLen)
	return redisstore.NewStream(client, r.cfg.Stream.MaxLen), nil
}

func (r *runtime) jobQueue(ctx context.Context) (queue.JobQueue, error) {
	if r.jobs != nil {
		return r.jobs, nil
	}
	if r.cfg.Stream.Transport == config.TransportMemory {
		r.jobs = memory.NewJobQueue(time.Now)
		return r.jobs, nil
	}
	client, err := r.redisClient(ctx)
	if err != nil {
		return nil, err
	}
	r.jobs = redisstore.NewJobQueue(client, r.cfg.Stream.Namespace)
	return r.jobs, nil
}

func (r *runtime) repository(ctx context.Context) (store.MessageRepository, error) {
	if r.cfg.DB.Backend == config.StoreMemory {
		return r.memStore(), nil
	}
	db, err := r.database(ctx)
	if err != nil {
		return nil, err
	}
	return postgres.NewMessageRepo(db), nil
}

func (r *runtime) cursors(ctx context.Context) (store.CursorStore, error) {
	switch r.cfg.Cursor.Backend {
	case config.CursorMemory:
		return r.memStore(), nil
	case config.CursorPebble:
		cs, err := pebblestore.Open(r.cfg.Cursor.PebbleDir)
		if err != nil {
			return nil, fmt.Errorf("open pebble cursor store: %w", err)
		}
		r.onClose(cs)
		return cs, nil
	case config.CursorRedis:
		client, err := r.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		return redisstore.NewCursorStore(client, r.cfg.Stream.Namespace), nil
	default:
		db, err := r.database(ctx)
		if err != nil {
			return nil, err
		}
		return postgres.NewCursorRepo(db), nil
	}
}

func (r *runtime) hubClient() (hub.Client, error) {
	if r.hub != nil {
		return r.hub, nil
	}
	client, err := hub.NewGRPCClient(hub.Config{
		Address:     r.cfg.Hub.Address,
		TLS:         r.cfg.Hub.TLS,
		RPS:         r.cfg.Hub.RPS,
		Burst:       r.cfg.Hub.Burst,
		CallTimeout: r.cfg.Hub.CallTimeout,
	}, r.logger)
	if err != nil {
		return nil, err
	}
	r.hub = client
	r.onClose(client)
	return client, nil
}

func buildRouter(cfg config.RouterConfig) (*router.Router, error) {
	rules := router.DefaultRules()
	if cfg.RulesFile != "" {
		loaded, err := router.LoadRules(cfg.RulesFile)
		if err != nil {
			return nil, err
		}
		rules = loaded
	}
	if cfg.MinAccountAge > 0 {
		rules.MinAccountAge = cfg.MinAccountAge
	}
	return router.New(rules)
}

// dataContext reads the Hub first and the store second. The Hub is optional:
// an API process without one serves from the store alone.
func (r *runtime) dataContext(ctx context.Context) (*datacontext.Context, error) {
	repo, err := r.repository(ctx)
	if err != nil {
		return nil, err
	}
	var hubSource datacontext.DataSource
	if client, err := r.hubClient(); err != nil {
		r.logger.Warn("hub client unavailable, serving from the store only", "error", err)
	} else {
		breaker := circuitbreaker.New(circuitbreaker.Config{
			Name:             "hub",
			FailureThreshold: r.cfg.DataContext.BreakerFailures,
			OpenTimeout:      r.cfg.DataContext.BreakerOpenTimeout,
			OnStateChange:    hubBreakerStateChange(r.alerter, r.logger),
		})
		hubSource = datacontext.NewHubSource(client, breaker)
	}
	dc := datacontext.New(datacontext.Options{
		FallbackOnNotFound: r.cfg.DataContext.FallbackOnNotFound,
		Logger:             r.logger,
	}, hubSource, datacontext.NewStoreSource(repo))
	r.logger.Info("data context ready", "sources", dc.Sources())
	return dc, nil
}

// hubBreakerStateChange logs every Hub breaker transition and alerts when the
// breaker opens and when it closes again. The breaker calls it under its lock,
// so delivery runs on its own goroutine.
func hubBreakerStateChange(alerter alert.Alerter, logger *slog.Logger) func(from, to circuitbreaker.State) {
	return func(from, to circuitbreaker.State) {
		logger.Warn("hub circuit breaker state change", "from", from.String(), "to", to.String())

		a := alert.Alert{
			Component: "hub",
			Fields:    map[string]string{"from": from.String(), "to": to.String()},
		}
		switch {
		case to == circuitbreaker.StateOpen:
			a.Type = alert.AlertTypeHubUnavailable
			a.Title = "hub unavailable"
			a.Message = "hub circuit breaker opened, reads fall back to the store"
		case to == circuitbreaker.StateClosed && from != circuitbreaker.StateClosed:
			a.Type = alert.AlertTypeRecovery
			a.Title = "hub recovered"
			a.Message = "hub circuit breaker closed"
		default:
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := alerter.Send(ctx, a); err != nil {
				logger.Warn("alert delivery failed", "type", a.Type, "component", a.Component, "error", err)
			}
		}()
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
