package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emperorhan/hub-indexer/internal/alert"
	"github.com/emperorhan/hub-indexer/internal/domain/event"
	"github.com/emperorhan/hub-indexer/internal/domain/model"
	"github.com/emperorhan/hub-indexer/internal/hub/hubtest"
	"github.com/emperorhan/hub-indexer/internal/pipeline/applier"
	"github.com/emperorhan/hub-indexer/internal/pipeline/publisher"
	"github.com/emperorhan/hub-indexer/internal/pipeline/router"
	"github.com/emperorhan/hub-indexer/internal/pipeline/subscriber"
	"github.com/emperorhan/hub-indexer/internal/queue"
	"github.com/emperorhan/hub-indexer/internal/queue/memory"
	"github.com/emperorhan/hub-indexer/internal/store/memstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
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

func (r *recordingAlerter) types() []alert.AlertType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]alert.AlertType, 0, len(r.alerts))
	for _, a := range r.alerts {
		out = append(out, a.Type)
	}
	return out
}

func fastConfig(mode Mode) Config {
	return Config{
		Mode: mode,
		Subscriber: subscriber.Config{
			CheckpointEvery: 1,
			BackoffInitial:  time.Millisecond,
			BackoffMax:      2 * time.Millisecond,
		},
		Publisher: publisher.Config{Namespace: "it"},
		Consumer: applier.ConsumerConfig{
			Concurrency:  1,
			ReadBlock:    10 * time.Millisecond,
			ReclaimAfter: 30 * time.Millisecond,
			TrimInterval: 10 * time.Millisecond,
		},
	}
}

type harness struct {
	hub     *hubtest.Client
	stream  *memory.Stream
	store   *memstore.Store
	alerter *recordingAlerter
	reg     *Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return &harness{
		hub:     hubtest.NewClient(),
		stream:  memory.NewStream(),
		store:   memstore.New(),
		alerter: &recordingAlerter{},
		reg:     NewRegistry(),
	}
}

func (h *harness) deps(t *testing.T) Deps {
	t.Helper()
	r, err := router.New(router.DefaultRules())
	require.NoError(t, err)
	return Deps{
		Hub:      h.hub,
		Stream:   h.stream,
		Repo:     h.store,
		Cursors:  h.store,
		Router:   r,
		Alerter:  h.alerter,
		Registry: h.reg,
	}
}

func (h *harness) start(t *testing.T, cfg Config) (context.CancelFunc, <-chan error) {
	t.Helper()
	p, err := New(cfg, h.deps(t), testLogger())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	return cancel, done
}

func castKey(fid model.Fid, hash string) model.MessageKey {
	return model.MessageKey{Fid: fid, Type: model.MessageTypeCast, Key: hash}
}

func TestParseMode(t *testing.T) {
	for _, s := range []string{"producer", "consumer", "both"} {
		m, err := ParseMode(s)
		require.NoError(t, err)
		assert.Equal(t, Mode(s), m)
	}
	_, err := ParseMode("all")
	require.Error(t, err)

	assert.True(t, ModeBoth.Produces())
	assert.True(t, ModeBoth.Consumes())
	assert.False(t, ModeProducer.Consumes())
	assert.False(t, ModeConsumer.Produces())
}

func TestNew_ValidatesDepsPerMode(t *testing.T) {
	h := newHarness(t)

	deps := h.deps(t)
	deps.Hub = nil
	_, err := New(fastConfig(ModeProducer), deps, testLogger())
	require.Error(t, err)

	_, err = New(fastConfig(ModeConsumer), deps, testLogger())
	require.NoError(t, err, "a consumer does not need the hub")

	deps = h.deps(t)
	deps.Repo = nil
	_, err = New(fastConfig(ModeConsumer), deps, testLogger())
	require.Error(t, err)

	deps = h.deps(t)
	deps.Stream = nil
	_, err = New(fastConfig(ModeBoth), deps, testLogger())
	require.Error(t, err)

	_, err = New(Config{Mode: "sideways"}, h.deps(t), testLogger())
	require.Error(t, err)
}

func TestPipeline_AddThenRemoveEndsRemoved(t *testing.T) {
	h := newHarness(t)
	h.hub.AddEvents(
		hubtest.MergeEvent(1, hubtest.CastAdd(3, "0xa1", 1)),
		hubtest.MergeEvent(2, hubtest.CastRemove(3, "0xa2", 2, "0xa1")),
	)

	cancel, done := h.start(t, fastConfig(ModeBoth))

	require.Eventually(t, func() bool {
		m, err := h.store.Get(context.Background(), castKey(3, "0xa1"))
		return err == nil && m != nil && m.Removed()
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestPipeline_RemoveDeliveredBeforeAddStillEndsRemoved(t *testing.T) {
	h := newHarness(t)
	h.hub.AddEvents(
		hubtest.MergeEvent(1, hubtest.CastRemove(3, "0xa2", 2, "0xa1")),
		hubtest.MergeEvent(2, hubtest.CastAdd(3, "0xa1", 1)),
	)
	cancel, done := h.start(t, fastConfig(ModeBoth))

	require.Eventually(t, func() bool {
		cursor, ok, _ := h.store.Load(context.Background(), "hub-events")
		return ok && cursor == 2 && h.stream.Len(queue.PartitionName("it", model.MessageTypeCast)) == 0
	}, 5*time.Second, 10*time.Millisecond)

	m, err := h.store.Get(context.Background(), castKey(3, "0xa1"))
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.True(t, m.Removed())

	cancel()
	require.NoError(t, <-done)
}

func TestPipeline_SpamIsNotPublished(t *testing.T) {
	h := newHarness(t)
	spam := hubtest.MergeEvent(1, hubtest.CastAdd(4, "0xb1", 10))
	spam.Meta.SignerValid = false
	onchain := event.HubEvent{ID: 2, Type: event.HubEventMergeOnChainEvent}
	h.hub.AddEvents(spam, onchain, hubtest.MergeEvent(3, hubtest.CastAdd(4, "0xb2", 11)))

	cancel, done := h.start(t, fastConfig(ModeProducer))

	partition := queue.PartitionName("it", model.MessageTypeCast)
	require.Eventually(t, func() bool {
		cursor, _, _ := h.store.Load(context.Background(), "hub-events")
		return cursor == 3
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.stream.Len(partition), "only the legitimate cast is routed")

	cancel()
	require.NoError(t, <-done)
	assert.Zero(t, h.store.Len(), "producer mode never writes messages")
}

func TestPipeline_ConsumerReclaimsAfterCrash(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	partition := queue.PartitionName("it", model.MessageTypeCast)
	require.NoError(t, h.stream.EnsureGroup(ctx, partition, applier.DefaultGroup))

	id, err := h.stream.Publish(ctx, partition, hubtest.CastAdd(42, "0x42", 42))
	require.NoError(t, err)

	// A consumer reads the entry and crashes before acking.
	crashed, err := h.stream.Read(ctx, partition, applier.DefaultGroup, "crashed", 1, -1)
	require.NoError(t, err)
	require.Len(t, crashed, 1)
	require.Equal(t, id, crashed[0].ID)

	cancel, done := h.start(t, fastConfig(ModeConsumer))

	require.Eventually(t, func() bool {
		s, err := h.stream.Pending(ctx, partition, applier.DefaultGroup)
		return err == nil && s.Count == 0
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, h.store.Len())
	m, err := h.store.Get(ctx, castKey(42, "0x42"))
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, uint64(42), m.Timestamp)

	cancel()
	require.NoError(t, <-done)
}

func TestPipeline_SubscriberFatalAlertsAndReportsUnhealthy(t *testing.T) {
	h := newHarness(t)
	h.hub.SubscribeErr = errors.New("connection refused")
	cfg := fastConfig(ModeProducer)
	cfg.Subscriber.MaxConsecutiveFailures = 2

	_, done := h.start(t, cfg)

	select {
	case err := <-done:
		require.ErrorIs(t, err, subscriber.ErrFatal)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not give up")
	}

	assert.Contains(t, h.alerter.types(), alert.AlertTypeSubscriberFatal)
	assert.False(t, h.reg.Healthy())
	assert.Equal(t, string(HealthStatusUnhealthy), h.reg.Get(ComponentProducer).Snapshot().Status)
}

func TestAlertOnTransition(t *testing.T) {
	rec := &recordingAlerter{}
	h := NewComponentHealth("consumer", 1)
	h.OnTransition(AlertOnTransition(rec, testLogger()))

	h.RecordFailure()
	require.Eventually(t, func() bool { return len(rec.types()) == 1 }, time.Second, 5*time.Millisecond)
	h.RecordSuccess()
	require.Eventually(t, func() bool { return len(rec.types()) == 2 }, time.Second, 5*time.Millisecond)

	assert.ElementsMatch(t, []alert.AlertType{alert.AlertTypeUnhealthy, alert.AlertTypeRecovery}, rec.types())
}
