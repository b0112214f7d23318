// Package store implements the Job Store (C3): durable persistence for
// jobs, their tasks, exchanged messages, and the audit trail, behind one
// Store interface with interchangeable sqlite, postgres, and in-memory
// implementations.
package store

import (
	"context"

	v1 "github.com/kandev/orbital/pkg/api/v1"
)

// ListFilter narrows a job listing. Zero values mean "no filter" /
// "no limit" respectively.
type ListFilter struct {
	Status v1.JobStatus
	Limit  int
	Offset int
}

// Store defines the persistence operations every backend (memory, sqlite,
// postgres) must provide. All operations are safe for concurrent use.
type Store interface {
	// SaveJob creates or idempotently updates a job by ID.
	SaveJob(ctx context.Context, job *v1.Job) error
	// GetJob retrieves a job (with its tasks) by ID.
	GetJob(ctx context.Context, id string) (*v1.Job, error)
	// ListJobs returns jobs newest-first, filtered and paginated by filter.
	ListJobs(ctx context.Context, filter ListFilter) ([]*v1.Job, error)
	// UpdateJobStatus transitions a job's status, stamping StartedAt on the
	// first transition to running and CompletedAt on any terminal status.
	UpdateJobStatus(ctx context.Context, id string, status v1.JobStatus) error

	// SaveTask creates or idempotently updates a task under its job.
	SaveTask(ctx context.Context, jobID string, task *v1.Task) error
	// UpdateTaskStatus transitions a task's status; per-job, updates are
	// serialized so two dispatches for the same job never race.
	UpdateTaskStatus(ctx context.Context, jobID, taskID string, status v1.TaskStatus) error

	// AppendAuditEntry appends an entry to the audit log.
	AppendAuditEntry(ctx context.Context, entry *v1.AuditEntry) error
	// ListAuditEntries returns every entry for jobID in time order.
	ListAuditEntries(ctx context.Context, jobID string) ([]*v1.AuditEntry, error)

	// Close releases any underlying connection.
	Close() error
}
