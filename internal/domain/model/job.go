package model

import "time"

// JobStatus is the lifecycle state of a backfill job.
type JobStatus string

const (
	JobStatusQueued JobStatus = "queued"
	JobStatusLeased JobStatus = "leased"
	JobStatusDone   JobStatus = "done"
	JobStatusFailed JobStatus = "failed"
)

// BackfillJob asks a worker to replay full Hub history for a batch of FIDs.
// Types narrows the replay; empty means every message type.
type BackfillJob struct {
	ID          string        `json:"id"`
	Fids        []Fid         `json:"fids"`
	Types       []MessageType `json:"types,omitempty"`
	Status      JobStatus     `json:"status"`
	Owner       string        `json:"owner,omitempty"`
	LeaseExpiry time.Time     `json:"lease_expiry,omitempty"`
	Attempts    int           `json:"attempts"`
	EnqueuedAt  time.Time     `json:"enqueued_at"`
	LastError   string        `json:"last_error,omitempty"`
}

// EffectiveTypes returns the types the job reconciles.
func (j *BackfillJob) EffectiveTypes() []MessageType {
	if len(j.Types) == 0 {
		return AllMessageTypes()
	}
	return j.Types
}

// HubCursor is the resumable position in the Hub event log (the Hub event id).
type HubCursor uint64
