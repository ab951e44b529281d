package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/emperorhan/hub-indexer/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

const (
	testPartition = "hub:stream:cast"
	testGroup     = "persist"
)

func publishN(t *testing.T, s *Stream, n int) []queue.ID {
	t.Helper()
	ids := make([]queue.ID, 0, n)
	for i := 0; i < n; i++ {
		id, err := s.Publish(context.Background(), testPartition, []byte(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func TestStream_IDsStrictlyIncreaseWithinSameMillisecond(t *testing.T) {
	clock := newFakeClock()
	s := NewStream(WithClock(clock.Now))

	ids := publishN(t, s, 5)
	for i := 1; i < len(ids); i++ {
		assert.True(t, ids[i-1].Less(ids[i]), "ids must increase: %s then %s", ids[i-1], ids[i])
	}
}

func TestStream_GroupDeliversInOrderWithoutOverlap(t *testing.T) {
	ctx := context.Background()
	s := NewStream()
	require.NoError(t, s.EnsureGroup(ctx, testPartition, testGroup))
	ids := publishN(t, s, 6)

	first, err := s.Read(ctx, testPartition, testGroup, "a", 4, 0)
	require.NoError(t, err)
	second, err := s.Read(ctx, testPartition, testGroup, "b", 4, 0)
	require.NoError(t, err)

	require.Len(t, first, 4)
	require.Len(t, second, 2)
	got := append(first, second...)
	for i, e := range got {
		assert.Equal(t, ids[i], e.ID)
	}

	empty, err := s.Read(ctx, testPartition, testGroup, "a", 4, 0)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestStream_ReadBlocksUntilPublish(t *testing.T) {
	ctx := context.Background()
	s := NewStream()
	require.NoError(t, s.EnsureGroup(ctx, testPartition, testGroup))

	done := make(chan []queue.Entry, 1)
	go func() {
		entries, _ := s.Read(ctx, testPartition, testGroup, "a", 1, 2*time.Second)
		done <- entries
	}()

	time.Sleep(20 * time.Millisecond)
	_, err := s.Publish(ctx, testPartition, []byte("late"))
	require.NoError(t, err)

	select {
	case entries := <-done:
		require.Len(t, entries, 1)
		assert.Equal(t, []byte("late"), entries[0].Payload)
	case <-time.After(time.Second):
		t.Fatal("blocked read was not woken by publish")
	}
}

func TestStream_AckSemantics(t *testing.T) {
	ctx := context.Background()
	s := NewStream()
	require.NoError(t, s.EnsureGroup(ctx, testPartition, testGroup))
	ids := publishN(t, s, 1)

	_, err := s.Read(ctx, testPartition, testGroup, "a", 1, 0)
	require.NoError(t, err)

	assert.ErrorIs(t, s.Ack(ctx, testPartition, testGroup, "b", ids[0]), queue.ErrNotOwner)
	require.NoError(t, s.Ack(ctx, testPartition, testGroup, "a", ids[0]))
	assert.ErrorIs(t, s.Ack(ctx, testPartition, testGroup, "a", ids[0]), queue.ErrUnknownEntry)
	assert.ErrorIs(t, s.Ack(ctx, testPartition, "other-group", "a", ids[0]), queue.ErrUnknownEntry)
}

func TestStream_ReclaimTransfersOwnership(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := NewStream(WithClock(clock.Now))
	require.NoError(t, s.EnsureGroup(ctx, testPartition, testGroup))
	ids := publishN(t, s, 2)

	_, err := s.Read(ctx, testPartition, testGroup, "a", 2, 0)
	require.NoError(t, err)

	none, err := s.Reclaim(ctx, testPartition, testGroup, "b", time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, none, "entries younger than the deadline stay with their owner")

	clock.Advance(2 * time.Minute)
	reclaimed, err := s.Reclaim(ctx, testPartition, testGroup, "b", time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, reclaimed, 2)
	assert.Equal(t, ids[0], reclaimed[0].ID)
	assert.Equal(t, int64(2), reclaimed[0].Deliveries)

	assert.ErrorIs(t, s.Ack(ctx, testPartition, testGroup, "a", ids[0]), queue.ErrNotOwner)
	require.NoError(t, s.Ack(ctx, testPartition, testGroup, "b", ids[0]))

	sum, err := s.Pending(ctx, testPartition, testGroup)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sum.Count)
	assert.Equal(t, int64(1), sum.ByConsumer["b"])
	assert.Equal(t, ids[1], sum.Lowest)
}

func TestStream_Backpressure(t *testing.T) {
	ctx := context.Background()
	s := NewStream(WithMaxLen(2))
	require.NoError(t, s.EnsureGroup(ctx, testPartition, testGroup))
	publishN(t, s, 2)

	_, err := s.Publish(ctx, testPartition, []byte("overflow"))
	assert.ErrorIs(t, err, queue.ErrBackpressure)

	entries, err := s.Read(ctx, testPartition, testGroup, "a", 2, 0)
	require.NoError(t, err)
	for _, e := range entries {
		require.NoError(t, s.Ack(ctx, testPartition, testGroup, "a", e.ID))
	}
	removed, err := s.Trim(ctx, testPartition)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	_, err = s.Publish(ctx, testPartition, []byte("fits again"))
	require.NoError(t, err)
}

func TestStream_TrimKeepsPendingAndUndelivered(t *testing.T) {
	ctx := context.Background()
	s := NewStream()
	require.NoError(t, s.EnsureGroup(ctx, testPartition, "g1"))
	require.NoError(t, s.EnsureGroup(ctx, testPartition, "g2"))
	ids := publishN(t, s, 4)

	// g1 acks everything, g2 only consumed the first two and acked one.
	e1, err := s.Read(ctx, testPartition, "g1", "a", 4, 0)
	require.NoError(t, err)
	for _, e := range e1 {
		require.NoError(t, s.Ack(ctx, testPartition, "g1", "a", e.ID))
	}
	_, err = s.Read(ctx, testPartition, "g2", "a", 2, 0)
	require.NoError(t, err)
	require.NoError(t, s.Ack(ctx, testPartition, "g2", "a", ids[0]))

	removed, err := s.Trim(ctx, testPartition)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
	assert.Equal(t, 3, s.Len(testPartition))
}
