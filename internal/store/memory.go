package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	v1 "github.com/kandev/orbital/pkg/api/v1"
)

// MemoryStore is an in-process Store backed by maps, useful for tests and
// single-process deployments that don't need durability across restarts.
type MemoryStore struct {
	mu          sync.RWMutex
	jobs        map[string]*v1.Job
	audit       map[string][]*v1.AuditEntry
	nextAuditID int64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:  make(map[string]*v1.Job),
		audit: make(map[string][]*v1.AuditEntry),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) SaveJob(ctx context.Context, job *v1.Job) error {
	if job.ID == "" {
		return fmt.Errorf("store: job id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.jobs[job.ID]; ok && job.CreatedAt.IsZero() {
		job.CreatedAt = existing.CreatedAt
	} else if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, id string) (*v1.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("store: job %q not found", id)
	}
	return cloneJob(job), nil
}

func (s *MemoryStore) ListJobs(ctx context.Context, filter ListFilter) ([]*v1.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*v1.Job
	for _, j := range s.jobs {
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		matched = append(matched, cloneJob(j))
	}

	sort.Slice(matched, func(i, k int) bool {
		return matched[i].CreatedAt.After(matched[k].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []*v1.Job{}, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (s *MemoryStore) UpdateJobStatus(ctx context.Context, id string, status v1.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("store: job %q not found", id)
	}

	now := time.Now().UTC()
	if status == v1.JobRunning && job.StartedAt == nil {
		job.StartedAt = &now
	}
	if isTerminalJobStatus(status) && job.CompletedAt == nil {
		job.CompletedAt = &now
	}
	job.Status = status
	return nil
}

func (s *MemoryStore) SaveTask(ctx context.Context, jobID string, task *v1.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("store: job %q not found", jobID)
	}
	if job.Tasks == nil {
		job.Tasks = make(map[string]*v1.Task)
	}
	job.Tasks[task.ID] = task
	return nil
}

func (s *MemoryStore) UpdateTaskStatus(ctx context.Context, jobID, taskID string, status v1.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("store: job %q not found", jobID)
	}
	task, ok := job.Tasks[taskID]
	if !ok {
		return fmt.Errorf("store: task %q not found in job %q", taskID, jobID)
	}
	task.Status = status
	return nil
}

func (s *MemoryStore) AppendAuditEntry(ctx context.Context, entry *v1.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextAuditID++
	entry.ID = s.nextAuditID
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	s.audit[entry.JobID] = append(s.audit[entry.JobID], entry)
	return nil
}

func (s *MemoryStore) ListAuditEntries(ctx context.Context, jobID string) ([]*v1.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.audit[jobID]
	result := make([]*v1.AuditEntry, len(entries))
	copy(result, entries)
	return result, nil
}

func cloneJob(j *v1.Job) *v1.Job {
	c := *j
	if j.Tasks != nil {
		c.Tasks = make(map[string]*v1.Task, len(j.Tasks))
		for id, t := range j.Tasks {
			tc := *t
			c.Tasks[id] = &tc
		}
	}
	return &c
}
