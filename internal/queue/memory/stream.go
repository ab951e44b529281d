// Package memory is an in-process implementation of the queue interfaces.
// It keeps the exact delivery, ownership and lease semantics of the Redis
// backend but nothing survives a restart; use it for tests and single-process runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/emperorhan/hub-indexer/internal/queue"
)

type storedEntry struct {
	id         queue.ID
	payload    []byte
	enqueuedAt time.Time
}

type pendingEntry struct {
	consumer    string
	deliveredAt time.Time
	deliveries  int64
}

type consumerGroup struct {
	lastDelivered queue.ID
	pending       map[queue.ID]*pendingEntry
}

type partition struct {
	entries []storedEntry
	lastID  queue.ID
	groups  map[string]*consumerGroup
}

// Stream implements queue.Stream in memory.
type Stream struct {
	mu         sync.Mutex
	maxLen     int
	nowFn      func() time.Time
	partitions map[string]*partition
	published  chan struct{}
}

// Option configures a Stream.
type Option func(*Stream)

// WithMaxLen bounds every partition's backlog; Publish returns
// queue.ErrBackpressure when it is reached. Zero disables the bound.
func WithMaxLen(n int) Option {
	return func(s *Stream) { s.maxLen = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Stream) { s.nowFn = now }
}

// NewStream returns an empty in-memory stream.
func NewStream(opts ...Option) *Stream {
	s := &Stream{
		nowFn:      time.Now,
		partitions: make(map[string]*partition),
		published:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ queue.Stream = (*Stream)(nil)

func (s *Stream) partitionLocked(name string) *partition {
	p, ok := s.partitions[name]
	if !ok {
		p = &partition{groups: make(map[string]*consumerGroup)}
		s.partitions[name] = p
	}
	return p
}

func (s *Stream) Publish(ctx context.Context, name string, payload []byte) (queue.ID, error) {
	if err := ctx.Err(); err != nil {
		return queue.ID{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.partitionLocked(name)
	if s.maxLen > 0 && len(p.entries) >= s.maxLen {
		return queue.ID{}, queue.ErrBackpressure
	}

	now := s.nowFn()
	ms := uint64(now.UnixMilli())
	id := queue.ID{Ms: ms}
	if ms <= p.lastID.Ms {
		id = p.lastID.Next()
	}
	p.lastID = id
	p.entries = append(p.entries, storedEntry{
		id:         id,
		payload:    append([]byte(nil), payload...),
		enqueuedAt: now,
	})

	close(s.published)
	s.published = make(chan struct{})
	return id, nil
}

func (s *Stream) EnsureGroup(ctx context.Context, name, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.partitionLocked(name)
	if _, ok := p.groups[group]; !ok {
		p.groups[group] = &consumerGroup{pending: make(map[queue.ID]*pendingEntry)}
	}
	return nil
}

func (s *Stream) groupLocked(name, group string) (*partition, *consumerGroup, error) {
	p, ok := s.partitions[name]
	if !ok {
		return nil, nil, fmt.Errorf("partition %s: group %s does not exist", name, group)
	}
	g, ok := p.groups[group]
	if !ok {
		return nil, nil, fmt.Errorf("partition %s: group %s does not exist", name, group)
	}
	return p, g, nil
}

func (s *Stream) Read(ctx context.Context, name, group, consumer string, count int, block time.Duration) ([]queue.Entry, error) {
	if count <= 0 {
		count = 1
	}
	deadline := time.Now().Add(block)
	for {
		s.mu.Lock()
		p, g, err := s.groupLocked(name, group)
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		out := s.deliverLocked(name, p, g, consumer, count)
		wait := s.published
		s.mu.Unlock()

		if len(out) > 0 || block <= 0 {
			return out, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-wait:
			timer.Stop()
		}
	}
}

func (s *Stream) deliverLocked(name string, p *partition, g *consumerGroup, consumer string, count int) []queue.Entry {
	start := sort.Search(len(p.entries), func(i int) bool {
		return g.lastDelivered.Less(p.entries[i].id)
	})
	now := s.nowFn()
	var out []queue.Entry
	for i := start; i < len(p.entries) && len(out) < count; i++ {
		e := p.entries[i]
		g.pending[e.id] = &pendingEntry{consumer: consumer, deliveredAt: now, deliveries: 1}
		g.lastDelivered = e.id
		out = append(out, queue.Entry{
			Partition:  name,
			ID:         e.id,
			Payload:    append([]byte(nil), e.payload...),
			EnqueuedAt: e.enqueuedAt,
			Deliveries: 1,
		})
	}
	return out
}

func (s *Stream) Ack(ctx context.Context, name, group, consumer string, id queue.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, g, err := s.groupLocked(name, group)
	if err != nil {
		return fmt.Errorf("%w: %v", queue.ErrUnknownEntry, err)
	}
	pe, ok := g.pending[id]
	if !ok {
		return queue.ErrUnknownEntry
	}
	if pe.consumer != consumer {
		return queue.ErrNotOwner
	}
	delete(g.pending, id)
	return nil
}

func (s *Stream) Reclaim(ctx context.Context, name, group, consumer string, minIdle time.Duration, count int) ([]queue.Entry, error) {
	if count <= 0 {
		count = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, g, err := s.groupLocked(name, group)
	if err != nil {
		return nil, err
	}

	ids := make([]queue.ID, 0, len(g.pending))
	for id := range g.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })

	now := s.nowFn()
	var out []queue.Entry
	for _, id := range ids {
		if len(out) >= count {
			break
		}
		pe := g.pending[id]
		if now.Sub(pe.deliveredAt) < minIdle {
			continue
		}
		e, ok := findEntry(p, id)
		if !ok {
			// Trimmed underneath the group; nothing left to redeliver.
			delete(g.pending, id)
			continue
		}
		pe.consumer = consumer
		pe.deliveredAt = now
		pe.deliveries++
		out = append(out, queue.Entry{
			Partition:  name,
			ID:         id,
			Payload:    append([]byte(nil), e.payload...),
			EnqueuedAt: e.enqueuedAt,
			Deliveries: pe.deliveries,
		})
	}
	return out, nil
}

func findEntry(p *partition, id queue.ID) (storedEntry, bool) {
	i := sort.Search(len(p.entries), func(i int) bool { return !p.entries[i].id.Less(id) })
	if i < len(p.entries) && p.entries[i].id == id {
		return p.entries[i], true
	}
	return storedEntry{}, false
}

func (s *Stream) Pending(ctx context.Context, name, group string) (queue.PendingSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, g, err := s.groupLocked(name, group)
	if err != nil {
		return queue.PendingSummary{}, err
	}
	sum := queue.PendingSummary{ByConsumer: make(map[string]int64)}
	first := true
	for id, pe := range g.pending {
		sum.Count++
		sum.ByConsumer[pe.consumer]++
		if first || id.Less(sum.Lowest) {
			sum.Lowest = id
		}
		if first || sum.Highest.Less(id) {
			sum.Highest = id
		}
		first = false
	}
	return sum, nil
}

func (s *Stream) Trim(ctx context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.partitions[name]
	if !ok || len(p.groups) == 0 {
		return 0, nil
	}

	var minKeep queue.ID
	first := true
	for _, g := range p.groups {
		keep := g.lastDelivered.Next()
		for id := range g.pending {
			if id.Less(keep) {
				keep = id
			}
		}
		if first || keep.Less(minKeep) {
			minKeep = keep
		}
		first = false
	}

	cut := sort.Search(len(p.entries), func(i int) bool { return !p.entries[i].id.Less(minKeep) })
	if cut == 0 {
		return 0, nil
	}
	p.entries = append([]storedEntry(nil), p.entries[cut:]...)
	return int64(cut), nil
}

// Len returns the number of retained entries in a partition.
func (s *Stream) Len(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.partitions[name]; ok {
		return len(p.entries)
	}
	return 0
}

func (s *Stream) Close() error { return nil }
