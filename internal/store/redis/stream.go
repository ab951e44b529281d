package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emperorhan/hub-indexer/internal/queue"
	"github.com/redis/go-redis/v9"
)

const (
	fieldPayload    = "payload"
	fieldEnqueuedAt = "enqueued_at"
)

// NewClient parses url, connects and pings Redis.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}

// publishScript appends only while the backlog is below the bound so the
// length check and the append cannot interleave with other producers.
var publishScript = redis.NewScript(`
local maxlen = tonumber(ARGV[1])
if maxlen > 0 and redis.call('XLEN', KEYS[1]) >= maxlen then
	return redis.error_reply('BACKPRESSURE partition backlog full')
end
return redis.call('XADD', KEYS[1], '*', 'payload', ARGV[2], 'enqueued_at', ARGV[3])
`)

// ackScript acknowledges an entry only for the consumer that currently owns it.
var ackScript = redis.NewScript(`
local p = redis.call('XPENDING', KEYS[1], ARGV[1], ARGV[3], ARGV[3], 1)
if #p == 0 then
	return -1
end
if p[1][2] ~= ARGV[2] then
	return -2
end
return redis.call('XACK', KEYS[1], ARGV[1], ARGV[3])
`)

// Stream implements queue.Stream on Redis Streams. Each partition is one
// stream key; consumer groups, pending entries and reclaim map directly onto
// XREADGROUP, XPENDING and XAUTOCLAIM.
type Stream struct {
	client *redis.Client
	maxLen int64
	nowFn  func() time.Time
}

var _ queue.Stream = (*Stream)(nil)

// NewStream wraps client. maxLen bounds each partition's retained backlog (0 = unbounded).
func NewStream(client *redis.Client, maxLen int64) *Stream {
	return &Stream{client: client, maxLen: maxLen, nowFn: time.Now}
}

func (s *Stream) Close() error {
	return s.client.Close()
}

func (s *Stream) Client() *redis.Client {
	return s.client
}

func (s *Stream) Publish(ctx context.Context, partition string, payload []byte) (queue.ID, error) {
	raw, err := publishScript.Run(ctx, s.client, []string{partition},
		s.maxLen, payload, strconv.FormatInt(s.nowFn().UnixMilli(), 10),
	).Text()
	if err != nil {
		if strings.HasPrefix(err.Error(), "BACKPRESSURE") {
			return queue.ID{}, queue.ErrBackpressure
		}
		return queue.ID{}, fmt.Errorf("xadd %s: %w", partition, err)
	}
	return queue.ParseID(raw)
}

func (s *Stream) EnsureGroup(ctx context.Context, partition, group string) error {
	err := s.client.XGroupCreateMkStream(ctx, partition, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", group, partition, err)
	}
	return nil
}

func (s *Stream) Read(ctx context.Context, partition, group, consumer string, count int, block time.Duration) ([]queue.Entry, error) {
	if count <= 0 {
		count = 1
	}
	// go-redis sends BLOCK for any non-negative value and BLOCK 0 waits forever.
	if block <= 0 {
		block = -1
	}
	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{partition, ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup %s/%s: %w", partition, group, err)
	}

	var out []queue.Entry
	for _, st := range streams {
		for _, msg := range st.Messages {
			e, err := toEntry(partition, msg)
			if err != nil {
				return nil, err
			}
			e.Deliveries = 1
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Stream) Ack(ctx context.Context, partition, group, consumer string, id queue.ID) error {
	res, err := ackScript.Run(ctx, s.client, []string{partition}, group, consumer, id.String()).Int64()
	if err != nil {
		if strings.Contains(err.Error(), "NOGROUP") {
			return fmt.Errorf("%w: %v", queue.ErrUnknownEntry, err)
		}
		return fmt.Errorf("xack %s/%s %s: %w", partition, group, id, err)
	}
	switch res {
	case -1, 0:
		return queue.ErrUnknownEntry
	case -2:
		return queue.ErrNotOwner
	}
	return nil
}

func (s *Stream) Reclaim(ctx context.Context, partition, group, consumer string, minIdle time.Duration, count int) ([]queue.Entry, error) {
	if count <= 0 {
		count = 1
	}
	var out []queue.Entry
	start := "0-0"
	for len(out) < count {
		msgs, next, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   partition,
			Group:    group,
			Consumer: consumer,
			MinIdle:  minIdle,
			Start:    start,
			Count:    int64(count - len(out)),
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("xautoclaim %s/%s: %w", partition, group, err)
		}
		for _, msg := range msgs {
			// Entries trimmed after delivery come back without a body; XAUTOCLAIM
			// already dropped them from the pending list.
			if len(msg.Values) == 0 {
				continue
			}
			e, err := toEntry(partition, msg)
			if err != nil {
				return nil, err
			}
			out = append(out, e)
		}
		if next == "0-0" || next == "" {
			break
		}
		start = next
	}

	if len(out) > 0 {
		s.fillDeliveries(ctx, partition, group, consumer, out)
	}
	return out, nil
}

// fillDeliveries annotates reclaimed entries with their delivery counts. The
// counts are informational, so lookup errors are ignored.
func (s *Stream) fillDeliveries(ctx context.Context, partition, group, consumer string, entries []queue.Entry) {
	pending, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream:   partition,
		Group:    group,
		Start:    entries[0].ID.String(),
		End:      entries[len(entries)-1].ID.String(),
		Count:    int64(len(entries)),
		Consumer: consumer,
	}).Result()
	if err != nil {
		return
	}
	counts := make(map[string]int64, len(pending))
	for _, p := range pending {
		counts[p.ID] = p.RetryCount
	}
	for i := range entries {
		entries[i].Deliveries = counts[entries[i].ID.String()]
	}
}

func (s *Stream) Pending(ctx context.Context, partition, group string) (queue.PendingSummary, error) {
	res, err := s.client.XPending(ctx, partition, group).Result()
	if err != nil {
		return queue.PendingSummary{}, fmt.Errorf("xpending %s/%s: %w", partition, group, err)
	}
	sum := queue.PendingSummary{Count: res.Count, ByConsumer: res.Consumers}
	if res.Count > 0 {
		if sum.Lowest, err = queue.ParseID(res.Lower); err != nil {
			return queue.PendingSummary{}, err
		}
		if sum.Highest, err = queue.ParseID(res.Higher); err != nil {
			return queue.PendingSummary{}, err
		}
	}
	return sum, nil
}

// Trim removes entries below the lowest id any group still needs: its oldest
// pending entry, or the first entry it has not been delivered yet.
func (s *Stream) Trim(ctx context.Context, partition string) (int64, error) {
	groups, err := s.client.XInfoGroups(ctx, partition).Result()
	if err != nil {
		return 0, fmt.Errorf("xinfo groups %s: %w", partition, err)
	}
	if len(groups) == 0 {
		return 0, nil
	}

	var minKeep queue.ID
	for i, g := range groups {
		last, err := queue.ParseID(g.LastDeliveredID)
		if err != nil {
			return 0, err
		}
		keep := last.Next()
		if g.Pending > 0 {
			sum, err := s.Pending(ctx, partition, g.Name)
			if err != nil {
				return 0, err
			}
			if sum.Count > 0 && sum.Lowest.Less(keep) {
				keep = sum.Lowest
			}
		}
		if i == 0 || keep.Less(minKeep) {
			minKeep = keep
		}
	}

	removed, err := s.client.XTrimMinID(ctx, partition, minKeep.String()).Result()
	if err != nil {
		return 0, fmt.Errorf("xtrim %s: %w", partition, err)
	}
	return removed, nil
}

func toEntry(partition string, msg redis.XMessage) (queue.Entry, error) {
	id, err := queue.ParseID(msg.ID)
	if err != nil {
		return queue.Entry{}, err
	}
	e := queue.Entry{Partition: partition, ID: id}
	if v, ok := msg.Values[fieldPayload].(string); ok {
		e.Payload = []byte(v)
	}
	enqueuedMS := int64(id.Ms)
	if v, ok := msg.Values[fieldEnqueuedAt].(string); ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			enqueuedMS = ms
		}
	}
	e.EnqueuedAt = time.UnixMilli(enqueuedMS)
	return e, nil
}
