package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/emperorhan/hub-indexer/internal/api"
	"github.com/emperorhan/hub-indexer/internal/backfill"
	"github.com/emperorhan/hub-indexer/internal/config"
	"github.com/emperorhan/hub-indexer/internal/domain/model"
	"github.com/emperorhan/hub-indexer/internal/pipeline"
	"github.com/emperorhan/hub-indexer/internal/pipeline/applier"
	"github.com/emperorhan/hub-indexer/internal/pipeline/publisher"
	"github.com/emperorhan/hub-indexer/internal/pipeline/subscriber"
	"github.com/emperorhan/hub-indexer/internal/reconciliation"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		slog.Error("indexer exited with error", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "indexer",
		Short:         "Farcaster Hub event indexer",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newBackfillCmd(), newAPICmd())
	return root
}

// setup loads the environment config, lets override adjust it, and returns
// the runtime every command builds on.
func setup(ctx context.Context, override func(*config.Config) error) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if override != nil {
		if err := override(cfg); err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	rt := newRuntime(cfg, logger)
	if err := rt.initTracing(ctx); err != nil {
		return nil, err
	}
	return rt, nil
}

// runWithHealth runs fn next to the health server. The health server stops
// when fn returns.
func runWithHealth(ctx context.Context, rt *runtime, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runHealthServer(gCtx, rt.cfg.Server.HealthPort, rt.registry, rt.logger)
	})
	g.Go(func() error {
		defer cancel()
		return fn(gCtx)
	})
	if rt.db != nil {
		startDBPoolStatsPump(gCtx, rt.db, rt.cfg.DB.PoolStatsInterval, rt.logger)
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newRunCmd() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the streaming pipeline (producer, consumer or both)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := pipeline.ParseMode(mode)
			if err != nil {
				return err
			}
			rt, err := setup(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer closeRuntime(rt)
			return runPipeline(cmd.Context(), rt, m)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(pipeline.ModeBoth), "producer, consumer or both")
	return cmd
}

func pipelineConfig(cfg *config.Config, mode pipeline.Mode) pipeline.Config {
	return pipeline.Config{
		Mode: mode,
		Subscriber: subscriber.Config{
			CursorName:             cfg.Cursor.Name,
			CheckpointEvery:        cfg.Subscriber.CheckpointEvery,
			CheckpointInterval:     cfg.Subscriber.CheckpointInterval,
			BackoffInitial:         cfg.Subscriber.BackoffInitial,
			BackoffMax:             cfg.Subscriber.BackoffMax,
			MaxConsecutiveFailures: cfg.Subscriber.MaxConsecutiveFailures,
		},
		Publisher: publisher.Config{
			Namespace:      cfg.Stream.Namespace,
			BackoffInitial: cfg.Publisher.BackoffInitial,
			BackoffMax:     cfg.Publisher.BackoffMax,
		},
		Consumer: applier.ConsumerConfig{
			Namespace:      cfg.Stream.Namespace,
			Group:          cfg.Consumer.Group,
			Types:          cfg.ConsumerTypes(),
			Concurrency:    cfg.Consumer.Concurrency,
			ReadCount:      cfg.Consumer.ReadCount,
			ReadBlock:      cfg.Consumer.ReadBlock,
			ReclaimAfter:   cfg.Consumer.ReclaimAfter,
			TrimInterval:   cfg.Consumer.TrimInterval,
			ApplyAttempts:  cfg.Consumer.ApplyAttempts,
			BackoffInitial: cfg.Consumer.BackoffInitial,
			BackoffMax:     cfg.Consumer.BackoffMax,
		},
		UnhealthyThreshold: cfg.Server.UnhealthyThreshold,
	}
}

func runPipeline(ctx context.Context, rt *runtime, mode pipeline.Mode) error {
	stream, err := rt.stream(ctx)
	if err != nil {
		return err
	}
	deps := pipeline.Deps{
		Stream:   stream,
		Alerter:  rt.alerter,
		Registry: rt.registry,
	}
	if mode.Produces() {
		if deps.Hub, err = rt.hubClient(); err != nil {
			return err
		}
		if deps.Cursors, err = rt.cursors(ctx); err != nil {
			return err
		}
		if deps.Router, err = buildRouter(rt.cfg.Router); err != nil {
			return err
		}
	}
	if mode.Consumes() {
		if deps.Repo, err = rt.repository(ctx); err != nil {
			return err
		}
	}

	p, err := pipeline.New(pipelineConfig(rt.cfg, mode), deps, rt.logger)
	if err != nil {
		return err
	}
	rt.logger.Info("starting hub indexer",
		"mode", string(mode),
		"hub", rt.cfg.Hub.Address,
		"transport", rt.cfg.Stream.Transport,
		"store", rt.cfg.DB.Backend,
		"cursor", rt.cfg.Cursor.Backend,
	)
	return runWithHealth(ctx, rt, p.Run)
}

func newBackfillCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Enqueue and work historical backfill jobs",
	}
	cmd.AddCommand(newBackfillEnqueueCmd(), newBackfillWorkerCmd())
	return cmd
}

type enqueueFlags struct {
	batchSize int
	fromFid   uint64
	toFid     uint64
	types     []string
	fids      []uint
}

func (f enqueueFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("batch-size") {
		cfg.Backfill.BatchSize = f.batchSize
	}
	if cmd.Flags().Changed("from-fid") {
		cfg.Backfill.FromFid = f.fromFid
	}
	if cmd.Flags().Changed("to-fid") {
		cfg.Backfill.ToFid = f.toFid
	}
	if cmd.Flags().Changed("types") {
		cfg.Backfill.Types = f.types
	}
}

func bindEnqueueFlags(cmd *cobra.Command, f *enqueueFlags) {
	cmd.Flags().IntVar(&f.batchSize, "batch-size", backfill.DefaultBatchSize, "FIDs per job")
	cmd.Flags().Uint64Var(&f.fromFid, "from-fid", 1, "first FID to enqueue")
	cmd.Flags().Uint64Var(&f.toFid, "to-fid", 0, "last FID to enqueue (0 = the Hub's highest FID)")
	cmd.Flags().StringSliceVar(&f.types, "types", nil, "message types to reconcile (default all)")
	cmd.Flags().UintSliceVar(&f.fids, "fids", nil, "explicit FIDs to enqueue instead of the --from-fid/--to-fid range")
}

func newBackfillEnqueueCmd() *cobra.Command {
	var flags enqueueFlags
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Split the FID space into backfill jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := setup(cmd.Context(), func(cfg *config.Config) error {
				flags.apply(cmd, cfg)
				return nil
			})
			if err != nil {
				return err
			}
			defer closeRuntime(rt)
			if rt.cfg.Stream.Transport == config.TransportMemory {
				return errors.New("backfill enqueue needs a shared job queue; use STREAM_TRANSPORT=redis or backfill worker --enqueue")
			}
			n, err := enqueueJobs(cmd.Context(), rt, flags.fids)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued %d jobs\n", n)
			return nil
		},
	}
	bindEnqueueFlags(cmd, &flags)
	return cmd
}

func queueService(ctx context.Context, rt *runtime) (*backfill.QueueService, error) {
	client, err := rt.hubClient()
	if err != nil {
		return nil, err
	}
	jobs, err := rt.jobQueue(ctx)
	if err != nil {
		return nil, err
	}
	return backfill.NewQueueService(client, jobs, backfill.QueueConfig{
		FromFid: model.Fid(rt.cfg.Backfill.FromFid),
		ToFid:   model.Fid(rt.cfg.Backfill.ToFid),
		Types:   rt.cfg.BackfillTypes(),
	}, rt.logger), nil
}

// enqueueJobs enqueues the configured FID range, or only fids when given,
// in jobs of at most the configured batch size.
func enqueueJobs(ctx context.Context, rt *runtime, fids []uint) (int, error) {
	svc, err := queueService(ctx, rt)
	if err != nil {
		return 0, err
	}
	if len(fids) == 0 {
		return svc.EnqueueAll(ctx, rt.cfg.Backfill.BatchSize)
	}
	explicit := make([]model.Fid, 0, len(fids))
	for _, f := range fids {
		if f == 0 {
			return 0, errors.New("fid 0 is not a valid account")
		}
		explicit = append(explicit, model.Fid(f))
	}
	size := rt.cfg.Backfill.BatchSize
	if size <= 0 {
		size = backfill.DefaultBatchSize
	}
	enqueued := 0
	for start := 0; start < len(explicit); start += size {
		end := min(start+size, len(explicit))
		id, err := svc.EnqueueFids(ctx, explicit[start:end])
		if err != nil {
			return enqueued, err
		}
		rt.logger.Debug("enqueued backfill job", "job_id", id, "fids", end-start)
		enqueued++
	}
	return enqueued, nil
}

type workerFlags struct {
	enqueueFlags
	exitOnComplete bool
	idleTimeout    int
	workers        int
	enqueue        bool
}

func newBackfillWorkerCmd() *cobra.Command {
	var flags workerFlags
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Lease backfill jobs and reconcile their FIDs into the store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := setup(cmd.Context(), func(cfg *config.Config) error {
				flags.enqueueFlags.apply(cmd, cfg)
				if cmd.Flags().Changed("exit-on-complete") {
					cfg.Backfill.ExitOnComplete = flags.exitOnComplete
				}
				if cmd.Flags().Changed("idle-timeout") {
					cfg.Backfill.IdleTimeout = time.Duration(flags.idleTimeout) * time.Second
				}
				if cmd.Flags().Changed("workers") {
					cfg.Backfill.Workers = flags.workers
				}
				return nil
			})
			if err != nil {
				return err
			}
			defer closeRuntime(rt)
			return runBackfillWorkers(cmd.Context(), rt, flags.enqueue, flags.fids)
		},
	}
	bindEnqueueFlags(cmd, &flags.enqueueFlags)
	cmd.Flags().BoolVar(&flags.exitOnComplete, "exit-on-complete", false, "stop once the queue stays empty for the idle timeout")
	cmd.Flags().IntVar(&flags.idleTimeout, "idle-timeout", 30, "seconds of empty queue before an exit-on-complete worker stops")
	cmd.Flags().IntVar(&flags.workers, "workers", 1, "concurrent workers in this process")
	cmd.Flags().BoolVar(&flags.enqueue, "enqueue", false, "enqueue every FID before working (single-process memory mode)")
	return cmd
}

func runBackfillWorkers(ctx context.Context, rt *runtime, enqueueFirst bool, fids []uint) error {
	client, err := rt.hubClient()
	if err != nil {
		return err
	}
	repo, err := rt.repository(ctx)
	if err != nil {
		return err
	}
	jobs, err := rt.jobQueue(ctx)
	if err != nil {
		return err
	}
	if enqueueFirst {
		n, err := enqueueJobs(ctx, rt, fids)
		if err != nil {
			return err
		}
		rt.logger.Info("enqueued backfill jobs", "jobs", n)
	}

	health := pipeline.NewComponentHealth("backfill", rt.cfg.Server.UnhealthyThreshold)
	health.OnTransition(pipeline.AlertOnTransition(rt.alerter, rt.logger))
	rt.registry.Register(health)

	rec := reconciliation.NewService(client, repo, rt.cfg.Backfill.PageSize, rt.logger)
	workerCfg := backfill.WorkerConfig{
		Lease:          rt.cfg.Backfill.Lease,
		PollInterval:   rt.cfg.Backfill.PollInterval,
		IdleTimeout:    rt.cfg.Backfill.IdleTimeout,
		ExitOnComplete: rt.cfg.Backfill.ExitOnComplete,
		MaxAttempts:    rt.cfg.Backfill.MaxAttempts,
	}
	rt.logger.Info("starting backfill workers",
		"workers", max(rt.cfg.Backfill.Workers, 1),
		"exit_on_complete", workerCfg.ExitOnComplete,
		"idle_timeout", workerCfg.IdleTimeout,
	)

	return runWithHealth(ctx, rt, func(ctx context.Context) error {
		g, gCtx := errgroup.WithContext(ctx)
		for range max(rt.cfg.Backfill.Workers, 1) {
			w := backfill.NewWorker(jobs, rec, workerCfg, rt.logger,
				backfill.WithAlerter(rt.alerter),
				backfill.WithHealth(health),
			)
			g.Go(func() error { return w.Run(gCtx) })
		}
		return g.Wait()
	})
}

func newAPICmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "api",
		Short: "Serve the read-only REST API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := setup(cmd.Context(), func(cfg *config.Config) error {
				if cmd.Flags().Changed("port") {
					cfg.API.Port = port
				}
				return nil
			})
			if err != nil {
				return err
			}
			defer closeRuntime(rt)
			return runAPI(cmd.Context(), rt)
		},
	}
	cmd.Flags().IntVar(&port, "port", 3000, "API listen port")
	return cmd
}

func apiHandler(rt *runtime, reader api.Reader) (http.Handler, func()) {
	srv := api.NewServer(reader, rt.logger,
		api.WithMaxLimit(rt.cfg.API.MaxLimit),
		api.WithRequestTimeout(rt.cfg.API.RequestTimeout),
		api.WithUsernameCache(rt.cfg.API.UsernameCacheSize, rt.cfg.API.UsernameCacheTTL),
	)
	limiter := api.NewRateLimiter(rt.cfg.API.RateLimitRPS, rt.cfg.API.RateLimitBurst, rt.logger)
	return api.AccessLog(rt.logger, limiter.Wrap(srv.Handler())), limiter.Stop
}

func runAPI(ctx context.Context, rt *runtime) error {
	dc, err := rt.dataContext(ctx)
	if err != nil {
		return err
	}
	handler, stop := apiHandler(rt, dc)
	defer stop()

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", rt.cfg.API.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return runWithHealth(ctx, rt, func(ctx context.Context) error {
		return serveHTTP(ctx, server, "api", rt.logger)
	})
}

func closeRuntime(rt *runtime) {
	if err := rt.Close(); err != nil {
		rt.logger.Warn("shutdown error", "error", err)
	}
	rt.logger.Info("indexer shut down gracefully")
}
