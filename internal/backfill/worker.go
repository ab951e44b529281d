package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	otelTrace "go.opentelemetry.io/otel/trace"

	"github.com/emperorhan/hub-indexer/internal/alert"
	"github.com/emperorhan/hub-indexer/internal/domain/model"
	"github.com/emperorhan/hub-indexer/internal/metrics"
	"github.com/emperorhan/hub-indexer/internal/pipeline/retry"
	"github.com/emperorhan/hub-indexer/internal/queue"
	"github.com/emperorhan/hub-indexer/internal/reconciliation"
	"github.com/emperorhan/hub-indexer/internal/tracing"
)

// State is the worker's position in its job loop.
type State string

const (
	StateIdle        State = "idle"
	StateLeasing     State = "leasing"
	StateReconciling State = "reconciling"
	StateCompleting  State = "completing"
	StateStopped     State = "stopped"
)

const (
	resultDone      = "done"
	resultRequeued  = "requeued"
	resultFailed    = "failed"
	resultLeaseLost = "lease_lost"

	finishTimeout = 10 * time.Second
)

// Reconciler brings the store up to date with the Hub for one FID.
type Reconciler interface {
	Reconcile(ctx context.Context, fid model.Fid, types []model.MessageType) (*reconciliation.RunResult, error)
}

// HealthReporter receives one signal per finished job.
type HealthReporter interface {
	RecordSuccess()
	RecordFailure() bool
}

type noopHealth struct{}

func (noopHealth) RecordSuccess()      {}
func (noopHealth) RecordFailure() bool { return false }

type WorkerConfig struct {
	// Owner identifies this worker in job leases. Defaults to <host>-<uuid>.
	Owner        string
	Lease        time.Duration
	PollInterval time.Duration
	// IdleTimeout is how long an exit-on-complete worker waits on an empty
	// queue before stopping. Service-mode workers poll forever.
	IdleTimeout    time.Duration
	ExitOnComplete bool
	// MaxAttempts is how many leases a job gets before it is marked failed.
	MaxAttempts int
}

type Worker struct {
	jobs    queue.JobQueue
	rec     Reconciler
	cfg     WorkerConfig
	logger  *slog.Logger
	alerter alert.Alerter
	health  HealthReporter
	nowFn   func() time.Time
	sleepFn func(context.Context, time.Duration) error

	mu    sync.RWMutex
	state State
}

type WorkerOption func(*Worker)

func WithAlerter(a alert.Alerter) WorkerOption {
	return func(w *Worker) { w.alerter = a }
}

func WithHealth(h HealthReporter) WorkerOption {
	return func(w *Worker) { w.health = h }
}

func WithClock(now func() time.Time) WorkerOption {
	return func(w *Worker) { w.nowFn = now }
}

func WithSleep(fn func(context.Context, time.Duration) error) WorkerOption {
	return func(w *Worker) { w.sleepFn = fn }
}

func NewWorker(jobs queue.JobQueue, rec Reconciler, cfg WorkerConfig, logger *slog.Logger, opts ...WorkerOption) *Worker {
	if cfg.Owner == "" {
		cfg.Owner = defaultOwner()
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 5 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.IdleTimeout < 0 {
		cfg.IdleTimeout = 0
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	w := &Worker{
		jobs:    jobs,
		rec:     rec,
		cfg:     cfg,
		logger:  logger.With("component", "backfill_worker", "owner", cfg.Owner),
		alerter: &alert.NoopAlerter{},
		health:  noopHealth{},
		nowFn:   time.Now,
		sleepFn: retry.Sleep,
		state:   StateIdle,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()
}

func (w *Worker) Owner() string { return w.cfg.Owner }

func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Run leases and reconciles jobs until ctx is cancelled or, in
// exit-on-complete mode, the queue has stayed empty for IdleTimeout.
// A job in flight at cancellation is requeued before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	defer w.setState(StateStopped)
	w.logger.Info("backfill worker started",
		"exit_on_complete", w.cfg.ExitOnComplete,
		"idle_timeout", w.cfg.IdleTimeout,
		"lease", w.cfg.Lease,
	)

	idleSince := w.nowFn()
	for {
		if ctx.Err() != nil {
			return nil
		}

		w.setState(StateLeasing)
		job, err := w.jobs.PopJob(ctx, w.cfg.Owner, w.cfg.Lease)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Warn("pop job failed", "error", err)
			w.health.RecordFailure()
			w.setState(StateIdle)
			if w.sleepFn(ctx, w.cfg.PollInterval) != nil {
				return nil
			}
			continue
		}

		if job == nil {
			w.setState(StateIdle)
			w.refreshDepth(ctx)
			if w.cfg.ExitOnComplete && w.nowFn().Sub(idleSince) >= w.cfg.IdleTimeout {
				w.logger.Info("backfill queue drained, stopping")
				return nil
			}
			if w.sleepFn(ctx, w.cfg.PollInterval) != nil {
				return nil
			}
			continue
		}

		w.process(ctx, job)
		w.setState(StateIdle)
		idleSince = w.nowFn()
	}
}

func (w *Worker) process(ctx context.Context, job *model.BackfillJob) {
	start := w.nowFn()
	ctx, span := tracing.Tracer("backfill").Start(ctx, "hub.backfill.job",
		otelTrace.WithAttributes(
			tracing.AttrJobID.String(job.ID),
			tracing.AttrJobFids.Int(len(job.Fids)),
			tracing.AttrJobAttempt.Int(job.Attempts),
		),
	)
	defer span.End()

	log := w.logger.With("job_id", job.ID, "attempt", job.Attempts, "fids", len(job.Fids))
	log.Info("job leased")

	jobCtx, cancel := context.WithCancelCause(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		w.heartbeat(jobCtx, job, cancel, log)
	}()

	w.setState(StateReconciling)
	err := w.reconcile(jobCtx, job)
	cause := context.Cause(jobCtx)
	cancel(nil)
	<-hbDone

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	// Finish on a context that survives shutdown so the job is never left
	// leased by a worker that is going away.
	finishCtx, cancelFinish := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancelFinish()

	switch {
	case errors.Is(cause, queue.ErrLeaseLost):
		log.Warn("lease lost during reconciliation, abandoning job")
		metrics.BackfillJobsFinished.WithLabelValues(resultLeaseLost).Inc()

	case err == nil:
		w.setState(StateCompleting)
		if cerr := w.jobs.CompleteJob(finishCtx, job.ID, w.cfg.Owner); cerr != nil {
			log.Warn("complete job failed", "error", cerr)
			metrics.BackfillJobsFinished.WithLabelValues(resultLeaseLost).Inc()
			return
		}
		metrics.BackfillJobsFinished.WithLabelValues(resultDone).Inc()
		w.health.RecordSuccess()
		log.Info("job completed", "duration", w.nowFn().Sub(start))

	case ctx.Err() != nil:
		w.requeue(finishCtx, job, "worker shutdown", log)

	case job.Attempts >= w.cfg.MaxAttempts:
		w.health.RecordFailure()
		if ferr := w.jobs.FailJob(finishCtx, job.ID, w.cfg.Owner, err.Error()); ferr != nil {
			log.Warn("fail job failed", "error", ferr)
			return
		}
		metrics.BackfillJobsFinished.WithLabelValues(resultFailed).Inc()
		log.Error("job failed permanently", "error", err)
		w.sendAlert(finishCtx, alert.Alert{
			Type:      alert.AlertTypeJobFailed,
			Component: "backfill",
			Title:     "Backfill job failed",
			Message:   err.Error(),
			Fields: map[string]string{
				"job_id":   job.ID,
				"attempts": strconv.Itoa(job.Attempts),
				"fids":     fidRange(job.Fids),
			},
		})

	default:
		w.health.RecordFailure()
		log.Warn("reconciliation failed, requeueing job", "error", err)
		w.requeue(finishCtx, job, err.Error(), log)
	}
}

func (w *Worker) reconcile(ctx context.Context, job *model.BackfillJob) error {
	for i, fid := range job.Fids {
		if _, err := w.rec.Reconcile(ctx, fid, job.Types); err != nil {
			return fmt.Errorf("reconcile fid %d (%d/%d): %w", fid, i+1, len(job.Fids), err)
		}
	}
	return nil
}

func (w *Worker) requeue(ctx context.Context, job *model.BackfillJob, reason string, log *slog.Logger) {
	if err := w.jobs.RequeueJob(ctx, job.ID, w.cfg.Owner, reason); err != nil {
		log.Warn("requeue job failed, lease will expire", "error", err)
		return
	}
	metrics.BackfillJobsFinished.WithLabelValues(resultRequeued).Inc()
}

// heartbeat extends the lease every Lease/3 until ctx ends. Losing the lease
// cancels ctx with queue.ErrLeaseLost.
func (w *Worker) heartbeat(ctx context.Context, job *model.BackfillJob, cancel context.CancelCauseFunc, log *slog.Logger) {
	interval := w.cfg.Lease / 3
	if interval <= 0 {
		interval = w.cfg.Lease
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.jobs.ExtendLease(ctx, job.ID, w.cfg.Owner, w.cfg.Lease)
			switch {
			case err == nil:
			case errors.Is(err, queue.ErrLeaseLost), errors.Is(err, queue.ErrJobNotFound):
				cancel(queue.ErrLeaseLost)
				return
			case ctx.Err() != nil:
				return
			default:
				log.Warn("extend lease failed", "error", err)
			}
		}
	}
}

func (w *Worker) refreshDepth(ctx context.Context) {
	st, err := w.jobs.Stats(ctx)
	if err != nil {
		return
	}
	metrics.BackfillQueueDepth.WithLabelValues(string(model.JobStatusQueued)).Set(float64(st.Queued))
	metrics.BackfillQueueDepth.WithLabelValues(string(model.JobStatusLeased)).Set(float64(st.Leased))
	metrics.BackfillQueueDepth.WithLabelValues(string(model.JobStatusFailed)).Set(float64(st.Failed))
}

func (w *Worker) sendAlert(ctx context.Context, a alert.Alert) {
	if err := w.alerter.Send(ctx, a); err != nil {
		w.logger.Warn("alert delivery failed", "type", a.Type, "error", err)
	}
}

func fidRange(fids []model.Fid) string {
	if len(fids) == 0 {
		return ""
	}
	return fids[0].String() + "-" + fids[len(fids)-1].String()
}
