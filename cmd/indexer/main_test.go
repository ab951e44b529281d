package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emperorhan/hub-indexer/internal/alert"
	"github.com/emperorhan/hub-indexer/internal/circuitbreaker"
	"github.com/emperorhan/hub-indexer/internal/config"
	"github.com/emperorhan/hub-indexer/internal/datacontext"
	"github.com/emperorhan/hub-indexer/internal/domain/model"
	"github.com/emperorhan/hub-indexer/internal/hub/hubtest"
	"github.com/emperorhan/hub-indexer/internal/metrics"
	"github.com/emperorhan/hub-indexer/internal/pipeline"
	"github.com/emperorhan/hub-indexer/internal/queue/memory"
	"github.com/emperorhan/hub-indexer/internal/store/memstore"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func memoryConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("STREAM_TRANSPORT", "memory")
	t.Setenv("DB_BACKEND", "memory")
	t.Setenv("CURSOR_BACKEND", "memory")
	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

func TestNewLogger_Levels(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			l := newLogger(tt.level)
			assert.True(t, l.Enabled(ctx, tt.want))
			assert.False(t, l.Enabled(ctx, tt.want-1))
		})
	}
}

func TestPipelineConfig_MapsSettings(t *testing.T) {
	t.Setenv("STREAM_NAMESPACE", "farcaster")
	t.Setenv("CONSUMER_TYPES", "cast,reaction")
	t.Setenv("CONSUMER_CONCURRENCY", "3")
	t.Setenv("CURSOR_NAME", "events-a")
	t.Setenv("SUBSCRIBER_BACKOFF_MAX", "45s")
	t.Setenv("PUBLISHER_BACKOFF_INITIAL", "20ms")
	t.Setenv("PUBLISHER_BACKOFF_MAX", "1s")
	cfg, err := config.Load()
	require.NoError(t, err)

	pc := pipelineConfig(cfg, pipeline.ModeConsumer)
	assert.Equal(t, pipeline.ModeConsumer, pc.Mode)
	assert.Equal(t, "events-a", pc.Subscriber.CursorName)
	assert.Equal(t, "farcaster", pc.Publisher.Namespace)
	assert.Equal(t, 20*time.Millisecond, pc.Publisher.BackoffInitial)
	assert.Equal(t, time.Second, pc.Publisher.BackoffMax)
	assert.Equal(t, 45*time.Second, pc.Subscriber.BackoffMax)
	assert.Equal(t, "farcaster", pc.Consumer.Namespace)
	assert.Equal(t, cfg.Consumer.Group, pc.Consumer.Group)
	assert.Equal(t, 3, pc.Consumer.Concurrency)
	assert.Equal(t, cfg.ConsumerTypes(), pc.Consumer.Types)
	assert.Equal(t, cfg.Server.UnhealthyThreshold, pc.UnhealthyThreshold)
}

func TestBuildRouter(t *testing.T) {
	_, err := buildRouter(config.RouterConfig{})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("spam_fids: [666]\nexpr: 'mentions < 10'\n"), 0o600))
	_, err = buildRouter(config.RouterConfig{RulesFile: path, MinAccountAge: time.Hour})
	require.NoError(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("types: [poll]\n"), 0o600))
	_, err = buildRouter(config.RouterConfig{RulesFile: bad})
	require.ErrorContains(t, err, "unknown message type")

	_, err = buildRouter(config.RouterConfig{RulesFile: filepath.Join(t.TempDir(), "missing.yaml")})
	require.Error(t, err)
}

func TestRuntime_MemoryBackends(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(memoryConfig(t), quietLogger())
	defer func() { require.NoError(t, rt.Close()) }()

	stream, err := rt.stream(ctx)
	require.NoError(t, err)
	assert.IsType(t, &memory.Stream{}, stream)

	jobs, err := rt.jobQueue(ctx)
	require.NoError(t, err)
	again, err := rt.jobQueue(ctx)
	require.NoError(t, err)
	assert.Same(t, jobs, again, "enqueue and workers must share one in-process queue")

	repo, err := rt.repository(ctx)
	require.NoError(t, err)
	cursors, err := rt.cursors(ctx)
	require.NoError(t, err)
	assert.IsType(t, &memstore.Store{}, repo)
	assert.Same(t, repo, cursors)
	assert.Nil(t, rt.db)
	assert.Nil(t, rt.redis)
}

func TestRuntime_HubClientIsReplaceable(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(memoryConfig(t), quietLogger())
	defer func() { require.NoError(t, rt.Close()) }()
	fake := hubtest.NewClient()
	fake.AddMessages(hubtest.CastAdd(7, "0x0701", 100))
	rt.hub = fake

	client, err := rt.hubClient()
	require.NoError(t, err)
	assert.Same(t, fake, client)

	dc, err := rt.dataContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"hub", "store"}, dc.Sources())
	msgs, err := dc.Query(ctx, model.Selector{Fid: 7, Type: model.MessageTypeCast}, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, 1, fake.Fetches(), "reads go through the injected client")
}

func TestRuntime_CloseReverseOrder(t *testing.T) {
	rt := newRuntime(memoryConfig(t), quietLogger())
	var order []string
	rt.onClose(closerFunc(func() error { order = append(order, "first"); return nil }))
	rt.onClose(closerFunc(func() error { order = append(order, "second"); return assert.AnError }))

	err := rt.Close()
	require.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, []string{"second", "first"}, order)
	require.NoError(t, rt.Close(), "closers run once")
}

func TestHealthHandler(t *testing.T) {
	registry := pipeline.NewRegistry()
	h := pipeline.NewComponentHealth("consumer", 1)
	h.RecordSuccess()
	registry.Register(h)
	handler := healthHandler(registry, quietLogger())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Components, 1)

	h.RecordFailure()
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "unhealthy", resp.Status)
}

func TestHealthMux_ServesMetrics(t *testing.T) {
	mux := healthMux(pipeline.NewRegistry(), quietLogger())
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

type fakeDBStatsProvider struct {
	stats sql.DBStats
}

func (p fakeDBStatsProvider) Stats() sql.DBStats { return p.stats }

type panicDBStatsProvider struct{}

func (panicDBStatsProvider) Stats() sql.DBStats { panic("pool closed") }

func TestCollectDBPoolStats(t *testing.T) {
	err := collectDBPoolStats(fakeDBStatsProvider{stats: sql.DBStats{
		OpenConnections: 7,
		InUse:           4,
		Idle:            3,
		WaitCount:       11,
		WaitDuration:    1500 * time.Millisecond,
	}})
	require.NoError(t, err)

	assert.Equal(t, 7.0, testutil.ToFloat64(metrics.DBPoolConnections.WithLabelValues("open")))
	assert.Equal(t, 4.0, testutil.ToFloat64(metrics.DBPoolConnections.WithLabelValues("in_use")))
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.DBPoolConnections.WithLabelValues("idle")))
	assert.Equal(t, 11.0, testutil.ToFloat64(metrics.DBPoolWaitCount))
	assert.InDelta(t, 1.5, testutil.ToFloat64(metrics.DBPoolWaitDuration), 1e-9)
}

func TestCollectDBPoolStats_RecoversPanic(t *testing.T) {
	err := collectDBPoolStats(panicDBStatsProvider{})
	require.ErrorContains(t, err, "panicked")

	require.Error(t, collectDBPoolStats(nil))
}

func TestAPIHandler_ServesFromStore(t *testing.T) {
	t.Setenv("API_RATE_LIMIT_RPS", "0")
	rt := newRuntime(memoryConfig(t), quietLogger())
	ctx := context.Background()

	repo, err := rt.repository(ctx)
	require.NoError(t, err)
	_, err = repo.Upsert(ctx, hubtest.MustDecode(hubtest.CastAdd(7, "0x0701", 100)))
	require.NoError(t, err)

	dc := datacontext.New(datacontext.Options{Logger: rt.logger}, datacontext.NewStoreSource(repo))
	handler, stop := apiHandler(rt, dc)
	defer stop()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/casts/7/0x0701", nil)
	req.Header.Set("X-Request-ID", "req-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "req-1", rec.Header().Get("X-Request-ID"))
}

func TestWorkerCmd_FlagOverrides(t *testing.T) {
	cfg := memoryConfig(t)
	cmd := newBackfillWorkerCmd()
	require.NoError(t, cmd.Flags().Parse([]string{"--batch-size", "25", "--to-fid", "900", "--types", "cast,link"}))

	var flags enqueueFlags
	flags.batchSize, _ = cmd.Flags().GetInt("batch-size")
	flags.toFid, _ = cmd.Flags().GetUint64("to-fid")
	flags.types, _ = cmd.Flags().GetStringSlice("types")
	flags.apply(cmd, cfg)

	assert.Equal(t, 25, cfg.Backfill.BatchSize)
	assert.Equal(t, uint64(900), cfg.Backfill.ToFid)
	assert.Equal(t, uint64(1), cfg.Backfill.FromFid, "unchanged flags keep the env value")
	assert.Equal(t, []string{"cast", "link"}, cfg.Backfill.Types)
	require.NoError(t, cfg.Validate())
}

func TestEnqueueJobs_ExplicitFids(t *testing.T) {
	ctx := context.Background()
	t.Setenv("BACKFILL_BATCH_SIZE", "2")
	rt := newRuntime(memoryConfig(t), quietLogger())
	defer func() { require.NoError(t, rt.Close()) }()
	rt.hub = hubtest.NewClient()

	cmd := newBackfillEnqueueCmd()
	require.NoError(t, cmd.Flags().Parse([]string{"--fids", "5,9", "--fids", "11"}))
	fids, err := cmd.Flags().GetUintSlice("fids")
	require.NoError(t, err)

	n, err := enqueueJobs(ctx, rt, fids)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	jobs, err := rt.jobQueue(ctx)
	require.NoError(t, err)
	var got [][]model.Fid
	for {
		job, err := jobs.PopJob(ctx, "test", time.Minute)
		require.NoError(t, err)
		if job == nil {
			break
		}
		got = append(got, job.Fids)
	}
	assert.ElementsMatch(t, [][]model.Fid{{5, 9}, {11}}, got)

	_, err = enqueueJobs(ctx, rt, []uint{4, 0})
	require.ErrorContains(t, err, "fid 0")
}

func TestRootCmd_Commands(t *testing.T) {
	root := newRootCmd()
	for _, path := range [][]string{{"run"}, {"backfill", "enqueue"}, {"backfill", "worker"}, {"api"}} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (r *recordingAlerter) Send(_ context.Context, a alert.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *recordingAlerter) snapshot() []alert.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]alert.Alert(nil), r.alerts...)
}

func TestHubBreakerStateChange_AlertsOnOpenAndRecovery(t *testing.T) {
	ctx := context.Background()
	rec := &recordingAlerter{}
	now := time.Unix(1_700_000_000, 0)
	breaker := circuitbreaker.New(circuitbreaker.Config{
		Name:             "hub-alerts",
		FailureThreshold: 2,
		SuccessThreshold: 1,
		OpenTimeout:      time.Minute,
		OnStateChange:    hubBreakerStateChange(rec, quietLogger()),
		Now:              func() time.Time { return now },
	})
	fail := func(context.Context) error { return assert.AnError }
	ok := func(context.Context) error { return nil }

	require.Error(t, breaker.Do(ctx, fail, nil))
	assert.Empty(t, rec.snapshot(), "one failure stays below the threshold")

	require.Error(t, breaker.Do(ctx, fail, nil))
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	opened := rec.snapshot()[0]
	assert.Equal(t, alert.AlertTypeHubUnavailable, opened.Type)
	assert.Equal(t, "hub", opened.Component)
	assert.Equal(t, "open", opened.Fields["to"])

	now = now.Add(time.Minute)
	require.NoError(t, breaker.Do(ctx, ok, nil))
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	recovered := rec.snapshot()[1]
	assert.Equal(t, alert.AlertTypeRecovery, recovered.Type)
	assert.Equal(t, "half-open", recovered.Fields["from"])

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, rec.snapshot(), 2, "entering half-open does not alert")
}
