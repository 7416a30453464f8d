package repository

import (
	"context"
	"time"

	"media-fetch-service/internal/domain/model"
)

// JobStore is the durable queue of download jobs.
//
// Every mutation made while a job is active is guarded by the lease token handed out by Claim;
// a stale token yields domain.ErrLeaseLost and leaves the record untouched.
type JobStore interface {
	// Enqueue stores a new job in the waiting state. A reused id fails with domain.ErrAlreadyExists.
	Enqueue(ctx context.Context, job *model.Job) error
	Get(ctx context.Context, id string) (*model.Job, error)

	// Claim promotes due delayed jobs, then atomically moves the oldest waiting job to active.
	// Returns domain.ErrNotFound when nothing is eligible.
	Claim(ctx context.Context, leaseToken string, leaseTTL time.Duration) (*model.Job, error)
	RenewLease(ctx context.Context, id, leaseToken string, leaseTTL time.Duration) error

	// UpdateProgress only ever raises the stored value.
	UpdateProgress(ctx context.Context, id, leaseToken string, progress float64) error
	Complete(ctx context.Context, id, leaseToken string, result model.JobResult) error
	Retry(ctx context.Context, id, leaseToken string, attempts int, lastError string, delay time.Duration) error
	Fail(ctx context.Context, id, leaseToken string, attempts int, reason string) error

	// RequeueStalled moves active jobs whose lease expired before now back to delayed.
	RequeueStalled(ctx context.Context, now time.Time) ([]string, error)
	// PurgeCompleted drops completed jobs finished before olderThan and returns their artifact paths.
	PurgeCompleted(ctx context.Context, olderThan time.Time) ([]string, error)
	// ArtifactPaths lists the artifacts still owned by completed jobs.
	ArtifactPaths(ctx context.Context) ([]string, error)
	Counts(ctx context.Context) (map[model.JobState]int64, error)

	Ping(ctx context.Context) error
	Close() error
}
