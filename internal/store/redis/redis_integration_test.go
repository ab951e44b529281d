//go:build integration

package redis

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/emperorhan/hub-indexer/internal/domain/model"
	"github.com/emperorhan/hub-indexer/internal/queue"
)

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "6379")
	require.NoError(t, err)

	client, err := NewClient(ctx, fmt.Sprintf("redis://%s:%s/0", host, port.Port()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestStream_DeliveryAckReclaim(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()
	s := NewStream(client, 0)

	const p, g = "hub:stream:cast", "indexer"
	require.NoError(t, s.EnsureGroup(ctx, p, g))
	require.NoError(t, s.EnsureGroup(ctx, p, g))

	var ids []queue.ID
	for i := 0; i < 3; i++ {
		id, err := s.Publish(ctx, p, []byte(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	assert.True(t, ids[0].Less(ids[1]))
	assert.True(t, ids[1].Less(ids[2]))

	a, err := s.Read(ctx, p, g, "A", 2, 0)
	require.NoError(t, err)
	require.Len(t, a, 2)
	b, err := s.Read(ctx, p, g, "B", 10, 0)
	require.NoError(t, err)
	require.Len(t, b, 1)
	assert.Equal(t, "m2", string(b[0].Payload))

	require.NoError(t, s.Ack(ctx, p, g, "B", b[0].ID))
	assert.ErrorIs(t, s.Ack(ctx, p, g, "B", b[0].ID), queue.ErrUnknownEntry)

	time.Sleep(20 * time.Millisecond)
	claimed, err := s.Reclaim(ctx, p, g, "B", 10*time.Millisecond, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, int64(2), claimed[0].Deliveries)

	assert.ErrorIs(t, s.Ack(ctx, p, g, "A", a[0].ID), queue.ErrNotOwner)
	for _, e := range claimed {
		require.NoError(t, s.Ack(ctx, p, g, "B", e.ID))
	}

	sum, err := s.Pending(ctx, p, g)
	require.NoError(t, err)
	assert.Zero(t, sum.Count)

	removed, err := s.Trim(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)
}

func TestStream_Backpressure(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()
	s := NewStream(client, 2)

	const p, g = "hub:stream:link", "indexer"
	require.NoError(t, s.EnsureGroup(ctx, p, g))
	_, err := s.Publish(ctx, p, []byte("1"))
	require.NoError(t, err)
	_, err = s.Publish(ctx, p, []byte("2"))
	require.NoError(t, err)
	_, err = s.Publish(ctx, p, []byte("3"))
	require.ErrorIs(t, err, queue.ErrBackpressure)

	entries, err := s.Read(ctx, p, g, "c", 10, 0)
	require.NoError(t, err)
	for _, e := range entries {
		require.NoError(t, s.Ack(ctx, p, g, "c", e.ID))
	}
	_, err = s.Trim(ctx, p)
	require.NoError(t, err)

	_, err = s.Publish(ctx, p, []byte("3"))
	require.NoError(t, err)
}

func TestJobQueue_Lifecycle(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()
	q := NewJobQueue(client, "hub")

	require.NoError(t, q.EnqueueJob(ctx, &model.BackfillJob{ID: "j1", Fids: []model.Fid{1, 2}}))
	require.NoError(t, q.EnqueueJob(ctx, &model.BackfillJob{ID: "j2", Fids: []model.Fid{3}}))

	job, err := q.PopJob(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "j1", job.ID)
	assert.Equal(t, []model.Fid{1, 2}, job.Fids)
	assert.Equal(t, 1, job.Attempts)

	assert.ErrorIs(t, q.CompleteJob(ctx, "j1", "w2"), queue.ErrLeaseLost)
	assert.ErrorIs(t, q.CompleteJob(ctx, "missing", "w1"), queue.ErrJobNotFound)
	require.NoError(t, q.ExtendLease(ctx, "j1", "w1", time.Minute))
	require.NoError(t, q.RequeueJob(ctx, "j1", "w1", "hub down"))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.JobStats{Queued: 2}, stats)

	job, err = q.PopJob(ctx, "w1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "j2", job.ID)
	require.NoError(t, q.CompleteJob(ctx, "j2", "w1"))

	job, err = q.PopJob(ctx, "w1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "j1", job.ID)
	assert.Equal(t, 2, job.Attempts)
	assert.Equal(t, "hub down", job.LastError)
	require.NoError(t, q.FailJob(ctx, "j1", "w1", "gave up"))

	stored, err := q.Job(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, stored.Status)

	job, err = q.PopJob(ctx, "w1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestJobQueue_ExpiredLeaseIsReleased(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()
	q := NewJobQueue(client, "hub")

	require.NoError(t, q.EnqueueJob(ctx, &model.BackfillJob{ID: "j1", Fids: []model.Fid{7}}))
	_, err := q.PopJob(ctx, "w1", 10*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)

	job, err := q.PopJob(ctx, "w2", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "w2", job.Owner)
	assert.ErrorIs(t, q.CompleteJob(ctx, "j1", "w1"), queue.ErrLeaseLost)
}

func TestJobQueue_ConcurrentPopIsExclusive(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()
	q := NewJobQueue(client, "hub")

	for i := 0; i < 20; i++ {
		require.NoError(t, q.EnqueueJob(ctx, &model.BackfillJob{ID: fmt.Sprintf("j%d", i), Fids: []model.Fid{model.Fid(i + 1)}}))
	}

	var (
		mu   sync.Mutex
		seen = map[string]string{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			for {
				job, err := q.PopJob(ctx, owner, time.Minute)
				if err != nil || job == nil {
					return
				}
				mu.Lock()
				_, dup := seen[job.ID]
				seen[job.ID] = owner
				mu.Unlock()
				assert.False(t, dup, "job %s leased twice", job.ID)
			}
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()
	assert.Len(t, seen, 20)
}

func TestCursorStore_Roundtrip(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()
	c := NewCursorStore(client, "hub")

	_, ok, err := c.Load(ctx, "subscriber")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Save(ctx, "subscriber", 42))
	got, ok, err := c.Load(ctx, "subscriber")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, model.HubCursor(42), got)
}
