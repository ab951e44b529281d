package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/emperorhan/hub-indexer/internal/domain/model"
	"github.com/emperorhan/hub-indexer/internal/queue"
	"github.com/redis/go-redis/v9"
)

const defaultDoneTTL = 24 * time.Hour

// popScript returns expired leases to the tail of the queue, then leases the
// head. KEYS: queued list, lease zset. ARGV: now ms, expiry ms, owner, job key prefix.
var popScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(expired) do
	redis.call('ZREM', KEYS[2], id)
	redis.call('HSET', ARGV[4] .. id, 'status', 'queued', 'owner', '', 'lease_expiry_ms', 0)
	redis.call('RPUSH', KEYS[1], id)
end
while true do
	local id = redis.call('LPOP', KEYS[1])
	if not id then
		return false
	end
	local key = ARGV[4] .. id
	if redis.call('HGET', key, 'status') == 'queued' then
		local attempts = redis.call('HINCRBY', key, 'attempts', 1)
		redis.call('HSET', key, 'status', 'leased', 'owner', ARGV[3], 'lease_expiry_ms', ARGV[2])
		redis.call('ZADD', KEYS[2], ARGV[2], id)
		return {id, redis.call('HGET', key, 'payload'), attempts, redis.call('HGET', key, 'last_error') or ''}
	end
end
`)

// heldScript mutates a job only for its current lease holder.
// KEYS: job hash, lease zset, queued list, failed set.
// ARGV: id, owner, op, expiry ms, reason, done ttl seconds.
var heldScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
local st = redis.call('HMGET', KEYS[1], 'status', 'owner')
if st[1] ~= 'leased' or st[2] ~= ARGV[2] then
	return -2
end
if ARGV[3] == 'extend' then
	redis.call('HSET', KEYS[1], 'lease_expiry_ms', ARGV[4])
	redis.call('ZADD', KEYS[2], ARGV[4], ARGV[1])
	return 1
end
redis.call('ZREM', KEYS[2], ARGV[1])
if ARGV[3] == 'complete' then
	redis.call('HSET', KEYS[1], 'status', 'done', 'owner', '', 'lease_expiry_ms', 0)
	redis.call('EXPIRE', KEYS[1], ARGV[6])
elseif ARGV[3] == 'requeue' then
	redis.call('HSET', KEYS[1], 'status', 'queued', 'owner', '', 'lease_expiry_ms', 0, 'last_error', ARGV[5])
	redis.call('RPUSH', KEYS[3], ARGV[1])
elseif ARGV[3] == 'fail' then
	redis.call('HSET', KEYS[1], 'status', 'failed', 'owner', '', 'lease_expiry_ms', 0, 'last_error', ARGV[5])
	redis.call('SADD', KEYS[4], ARGV[1])
end
return 1
`)

// JobQueue implements queue.JobQueue with a list of queued ids, a sorted set
// of lease expiries and one hash per job. Every transition runs as a single
// Lua script.
type JobQueue struct {
	client  *redis.Client
	prefix  string
	doneTTL time.Duration
	nowFn   func() time.Time
}

var _ queue.JobQueue = (*JobQueue)(nil)

// jobPayload is the immutable part of a job stored in the hash.
type jobPayload struct {
	ID         string              `json:"id"`
	Fids       []model.Fid         `json:"fids"`
	Types      []model.MessageType `json:"types,omitempty"`
	EnqueuedAt time.Time           `json:"enqueued_at"`
}

func NewJobQueue(client *redis.Client, namespace string) *JobQueue {
	prefix := "backfill:"
	if namespace != "" {
		prefix = namespace + ":" + prefix
	}
	return &JobQueue{client: client, prefix: prefix, doneTTL: defaultDoneTTL, nowFn: time.Now}
}

func (q *JobQueue) queuedKey() string       { return q.prefix + "queued" }
func (q *JobQueue) leasesKey() string       { return q.prefix + "leases" }
func (q *JobQueue) failedKey() string       { return q.prefix + "failed" }
func (q *JobQueue) jobKeyPrefix() string    { return q.prefix + "job:" }
func (q *JobQueue) jobKey(id string) string { return q.jobKeyPrefix() + id }

func (q *JobQueue) EnqueueJob(ctx context.Context, job *model.BackfillJob) error {
	enqueuedAt := job.EnqueuedAt
	if enqueuedAt.IsZero() {
		enqueuedAt = q.nowFn()
	}
	payload, err := json.Marshal(jobPayload{ID: job.ID, Fids: job.Fids, Types: job.Types, EnqueuedAt: enqueuedAt})
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(job.ID),
		"payload", payload,
		"status", string(model.JobStatusQueued),
		"owner", "",
		"lease_expiry_ms", 0,
		"attempts", job.Attempts,
	)
	pipe.RPush(ctx, q.queuedKey(), job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	return nil
}

func (q *JobQueue) PopJob(ctx context.Context, owner string, lease time.Duration) (*model.BackfillJob, error) {
	now := q.nowFn()
	expiry := now.Add(lease)
	res, err := popScript.Run(ctx, q.client,
		[]string{q.queuedKey(), q.leasesKey()},
		now.UnixMilli(), expiry.UnixMilli(), owner, q.jobKeyPrefix(),
	).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop job: %w", err)
	}
	if len(res) != 4 {
		return nil, fmt.Errorf("pop job: unexpected reply length %d", len(res))
	}

	id, _ := res[0].(string)
	raw, _ := res[1].(string)
	attempts, _ := res[2].(int64)
	lastErr, _ := res[3].(string)

	var p jobPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &model.BackfillJob{
		ID:          id,
		Fids:        p.Fids,
		Types:       p.Types,
		Status:      model.JobStatusLeased,
		Owner:       owner,
		LeaseExpiry: time.UnixMilli(expiry.UnixMilli()),
		Attempts:    int(attempts),
		EnqueuedAt:  p.EnqueuedAt,
		LastError:   lastErr,
	}, nil
}

func (q *JobQueue) held(ctx context.Context, op, jobID, owner string, expiry time.Time, reason string) error {
	res, err := heldScript.Run(ctx, q.client,
		[]string{q.jobKey(jobID), q.leasesKey(), q.queuedKey(), q.failedKey()},
		jobID, owner, op, expiry.UnixMilli(), reason, int64(q.doneTTL/time.Second),
	).Int64()
	if err != nil {
		return fmt.Errorf("%s job %s: %w", op, jobID, err)
	}
	switch res {
	case -1:
		return fmt.Errorf("%s job %s: %w", op, jobID, queue.ErrJobNotFound)
	case -2:
		return fmt.Errorf("%s job %s: %w", op, jobID, queue.ErrLeaseLost)
	}
	return nil
}

func (q *JobQueue) ExtendLease(ctx context.Context, jobID, owner string, lease time.Duration) error {
	return q.held(ctx, "extend", jobID, owner, q.nowFn().Add(lease), "")
}

func (q *JobQueue) CompleteJob(ctx context.Context, jobID, owner string) error {
	return q.held(ctx, "complete", jobID, owner, time.Time{}, "")
}

func (q *JobQueue) RequeueJob(ctx context.Context, jobID, owner, reason string) error {
	return q.held(ctx, "requeue", jobID, owner, time.Time{}, reason)
}

func (q *JobQueue) FailJob(ctx context.Context, jobID, owner, reason string) error {
	return q.held(ctx, "fail", jobID, owner, time.Time{}, reason)
}

func (q *JobQueue) Stats(ctx context.Context) (queue.JobStats, error) {
	pipe := q.client.Pipeline()
	queued := pipe.LLen(ctx, q.queuedKey())
	leased := pipe.ZCard(ctx, q.leasesKey())
	failed := pipe.SCard(ctx, q.failedKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return queue.JobStats{}, fmt.Errorf("job stats: %w", err)
	}
	return queue.JobStats{Queued: queued.Val(), Leased: leased.Val(), Failed: failed.Val()}, nil
}

// Job loads one job's current state.
func (q *JobQueue) Job(ctx context.Context, jobID string) (*model.BackfillJob, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		return nil, queue.ErrJobNotFound
	}
	var p jobPayload
	if err := json.Unmarshal([]byte(fields["payload"]), &p); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	attempts, _ := strconv.Atoi(fields["attempts"])
	job := &model.BackfillJob{
		ID:         jobID,
		Fids:       p.Fids,
		Types:      p.Types,
		Status:     model.JobStatus(fields["status"]),
		Owner:      fields["owner"],
		Attempts:   attempts,
		EnqueuedAt: p.EnqueuedAt,
		LastError:  fields["last_error"],
	}
	if ms, _ := strconv.ParseInt(fields["lease_expiry_ms"], 10, 64); ms > 0 {
		job.LeaseExpiry = time.UnixMilli(ms)
	}
	return job, nil
}
