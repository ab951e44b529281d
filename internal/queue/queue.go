// Package queue defines the durable queue the pipelines share: one ordered,
// consumer-grouped log per message type plus a leased work queue for
// backfill jobs. Implementations live in the redis and memory subpackages.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emperorhan/hub-indexer/internal/domain/model"
)

var (
	// ErrBackpressure is returned by Publish when the partition backlog is full.
	ErrBackpressure = errors.New("queue: partition backlog full")
	// ErrUnknownEntry is returned by Ack for an id not pending in the group.
	ErrUnknownEntry = errors.New("queue: entry not pending in group")
	// ErrNotOwner is returned by Ack when the entry was reclaimed by another consumer.
	ErrNotOwner = errors.New("queue: entry pending for another consumer")
	// ErrLeaseLost is returned when a job mutation comes from a worker that no
	// longer holds the job's lease.
	ErrLeaseLost = errors.New("queue: job lease not held by caller")
	// ErrJobNotFound is returned for unknown job ids.
	ErrJobNotFound = errors.New("queue: job not found")
)

// ID is a partition-scoped sequence id in stream form "<ms>-<seq>".
// Ids are strictly increasing per partition and never reused.
type ID struct {
	Ms  uint64
	Seq uint64
}

func (id ID) String() string {
	return strconv.FormatUint(id.Ms, 10) + "-" + strconv.FormatUint(id.Seq, 10)
}

// Less reports whether id sorts before other.
func (id ID) Less(other ID) bool {
	if id.Ms != other.Ms {
		return id.Ms < other.Ms
	}
	return id.Seq < other.Seq
}

// IsZero reports whether id is the zero id "0-0".
func (id ID) IsZero() bool {
	return id.Ms == 0 && id.Seq == 0
}

// Next returns the smallest id greater than id.
func (id ID) Next() ID {
	return ID{Ms: id.Ms, Seq: id.Seq + 1}
}

// ParseID parses "<ms>-<seq>" or a bare "<ms>".
func ParseID(raw string) (ID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ID{}, fmt.Errorf("parse stream id: empty")
	}
	msPart, seqPart, hasSeq := strings.Cut(raw, "-")
	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("parse stream id %q: %w", raw, err)
	}
	var seq uint64
	if hasSeq {
		seq, err = strconv.ParseUint(seqPart, 10, 64)
		if err != nil {
			return ID{}, fmt.Errorf("parse stream id %q: %w", raw, err)
		}
	}
	return ID{Ms: ms, Seq: seq}, nil
}

// Entry is one message in a partition.
type Entry struct {
	Partition  string
	ID         ID
	Payload    []byte
	EnqueuedAt time.Time
	// Deliveries counts how often the entry was handed to a consumer,
	// including the current delivery. Zero when the backend does not track it.
	Deliveries int64
}

// PendingSummary describes the unacknowledged entries of a group.
type PendingSummary struct {
	Count      int64
	Lowest     ID
	Highest    ID
	ByConsumer map[string]int64
}

// Publisher appends payloads to partitions.
type Publisher interface {
	Publish(ctx context.Context, partition string, payload []byte) (ID, error)
}

// ConsumerGroups gives cooperating consumers shared, at-least-once access to a partition.
type ConsumerGroups interface {
	// EnsureGroup creates the group (and partition) if missing. Idempotent.
	EnsureGroup(ctx context.Context, partition, group string) error
	// Read delivers up to count never-delivered entries, marking each pending
	// for consumer. It waits up to block for entries when none are ready.
	Read(ctx context.Context, partition, group, consumer string, count int, block time.Duration) ([]Entry, error)
	// Ack removes id from the pending set. It fails with ErrUnknownEntry when
	// id is not pending in the group and with ErrNotOwner when another
	// consumer owns it.
	Ack(ctx context.Context, partition, group, consumer string, id ID) error
	// Reclaim transfers entries pending longer than minIdle to consumer and
	// returns them. The transfer is atomic per entry.
	Reclaim(ctx context.Context, partition, group, consumer string, minIdle time.Duration, count int) ([]Entry, error)
	// Pending summarizes the group's pending entries.
	Pending(ctx context.Context, partition, group string) (PendingSummary, error)
	// Trim drops entries every group has acknowledged and returns how many were removed.
	Trim(ctx context.Context, partition string) (int64, error)
}

// Stream is a full partitioned log: publish side plus consumer groups.
type Stream interface {
	Publisher
	ConsumerGroups
	Close() error
}

// JobStats counts jobs by status.
type JobStats struct {
	Queued int64
	Leased int64
	Failed int64
}

// JobQueue is the backfill work queue. Every method is atomic with respect to
// concurrent workers.
type JobQueue interface {
	EnqueueJob(ctx context.Context, job *model.BackfillJob) error
	// PopJob leases the oldest queued job to owner for lease. Expired leases are
	// returned to the queue first. It returns (nil, nil) when nothing is queued.
	PopJob(ctx context.Context, owner string, lease time.Duration) (*model.BackfillJob, error)
	ExtendLease(ctx context.Context, jobID, owner string, lease time.Duration) error
	CompleteJob(ctx context.Context, jobID, owner string) error
	RequeueJob(ctx context.Context, jobID, owner, reason string) error
	FailJob(ctx context.Context, jobID, owner, reason string) error
	Stats(ctx context.Context) (JobStats, error)
}

// PartitionName returns the partition that carries messages of type t.
func PartitionName(namespace string, t model.MessageType) string {
	if namespace == "" {
		return "stream:" + t.String()
	}
	return namespace + ":stream:" + t.String()
}
