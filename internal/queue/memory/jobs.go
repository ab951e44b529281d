package memory

import (
	"context"
	"sync"
	"time"

	"github.com/emperorhan/hub-indexer/internal/domain/model"
	"github.com/emperorhan/hub-indexer/internal/queue"
)

// JobQueue implements queue.JobQueue in memory. A single mutex makes every
// operation atomic, mirroring the single-script guarantee of the Redis backend.
type JobQueue struct {
	mu     sync.Mutex
	nowFn  func() time.Time
	queued []string
	jobs   map[string]*model.BackfillJob
}

// NewJobQueue returns an empty job queue. now may be nil.
func NewJobQueue(now func() time.Time) *JobQueue {
	if now == nil {
		now = time.Now
	}
	return &JobQueue{nowFn: now, jobs: make(map[string]*model.BackfillJob)}
}

var _ queue.JobQueue = (*JobQueue)(nil)

func cloneJob(j *model.BackfillJob) *model.BackfillJob {
	c := *j
	c.Fids = append([]model.Fid(nil), j.Fids...)
	c.Types = append([]model.MessageType(nil), j.Types...)
	return &c
}

func (q *JobQueue) EnqueueJob(ctx context.Context, job *model.BackfillJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	stored := cloneJob(job)
	stored.Status = model.JobStatusQueued
	stored.Owner = ""
	stored.LeaseExpiry = time.Time{}
	if stored.EnqueuedAt.IsZero() {
		stored.EnqueuedAt = q.nowFn()
	}
	q.jobs[stored.ID] = stored
	q.queued = append(q.queued, stored.ID)
	return nil
}

func (q *JobQueue) PopJob(ctx context.Context, owner string, lease time.Duration) (*model.BackfillJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.nowFn()
	q.reapExpiredLocked(now)

	for len(q.queued) > 0 {
		id := q.queued[0]
		q.queued = q.queued[1:]
		job, ok := q.jobs[id]
		if !ok || job.Status != model.JobStatusQueued {
			continue
		}
		job.Status = model.JobStatusLeased
		job.Owner = owner
		job.LeaseExpiry = now.Add(lease)
		job.Attempts++
		return cloneJob(job), nil
	}
	return nil, nil
}

func (q *JobQueue) reapExpiredLocked(now time.Time) {
	for id, job := range q.jobs {
		if job.Status == model.JobStatusLeased && !now.Before(job.LeaseExpiry) {
			job.Status = model.JobStatusQueued
			job.Owner = ""
			job.LeaseExpiry = time.Time{}
			q.queued = append(q.queued, id)
		}
	}
}

func (q *JobQueue) heldLocked(jobID, owner string) (*model.BackfillJob, error) {
	job, ok := q.jobs[jobID]
	if !ok {
		return nil, queue.ErrJobNotFound
	}
	if job.Status != model.JobStatusLeased || job.Owner != owner {
		return nil, queue.ErrLeaseLost
	}
	return job, nil
}

func (q *JobQueue) ExtendLease(ctx context.Context, jobID, owner string, lease time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, err := q.heldLocked(jobID, owner)
	if err != nil {
		return err
	}
	job.LeaseExpiry = q.nowFn().Add(lease)
	return nil
}

func (q *JobQueue) CompleteJob(ctx context.Context, jobID, owner string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, err := q.heldLocked(jobID, owner)
	if err != nil {
		return err
	}
	job.Status = model.JobStatusDone
	job.Owner = ""
	job.LeaseExpiry = time.Time{}
	return nil
}

func (q *JobQueue) RequeueJob(ctx context.Context, jobID, owner, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, err := q.heldLocked(jobID, owner)
	if err != nil {
		return err
	}
	job.Status = model.JobStatusQueued
	job.Owner = ""
	job.LeaseExpiry = time.Time{}
	job.LastError = reason
	q.queued = append(q.queued, jobID)
	return nil
}

func (q *JobQueue) FailJob(ctx context.Context, jobID, owner, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, err := q.heldLocked(jobID, owner)
	if err != nil {
		return err
	}
	job.Status = model.JobStatusFailed
	job.Owner = ""
	job.LeaseExpiry = time.Time{}
	job.LastError = reason
	return nil
}

func (q *JobQueue) Stats(ctx context.Context) (queue.JobStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var st queue.JobStats
	for _, job := range q.jobs {
		switch job.Status {
		case model.JobStatusQueued:
			st.Queued++
		case model.JobStatusLeased:
			st.Leased++
		case model.JobStatusFailed:
			st.Failed++
		}
	}
	return st, nil
}

// Job returns a snapshot of a job, for inspection.
func (q *JobQueue) Job(jobID string) (*model.BackfillJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok {
		return nil, false
	}
	return cloneJob(job), true
}
