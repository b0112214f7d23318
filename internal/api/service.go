// Package api implements the Intake API (C10): the HTTP surface
// external callers use to submit jobs, inspect their progress, cancel
// or retry them, and deliver asynchronous agent replies (spec.md §4.10).
package api

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/orbital/internal/common/errors"
	"github.com/kandev/orbital/internal/common/logger"
	"github.com/kandev/orbital/internal/planner"
	"github.com/kandev/orbital/internal/protocol"
	"github.com/kandev/orbital/internal/store"
	v1 "github.com/kandev/orbital/pkg/api/v1"
)

// Planner plans a job's intent into a task graph. internal/planner.Planner
// satisfies this.
type Planner interface {
	Plan(ctx context.Context, req planner.PlanRequest, knownAgents []v1.AgentDescriptor) (*planner.Plan, error)
}

// AgentLister supplies the currently known agent roster a plan is
// validated against. The Agent Registry (C2) satisfies this.
type AgentLister interface {
	ListAll() []v1.AgentDescriptor
}

// Driver starts and stops per-job orchestration. The Orchestrator Loop
// (C9) satisfies this.
type Driver interface {
	Drive(ctx context.Context, jobID string)
	Cancel(jobID string)
}

// ReplyHandler applies an out-of-band agent reply to a dispatched task.
// The Dispatcher (C8) satisfies this.
type ReplyHandler interface {
	HandleAsyncReply(ctx context.Context, jobID, taskID string, reply *protocol.Envelope) error
}

// EvidenceStore holds the content-addressed evidence blobs (screenshots,
// transcripts, tool output) a task's result or an audit entry can
// reference. The Audit Log (C11) satisfies this.
type EvidenceStore interface {
	Attach(content []byte, ext string) (string, error)
	Evidence(ref string) ([]byte, error)
}

// Service holds the Intake API's dependencies and implements its
// use-cases independently of the HTTP transport, so handlers stay thin.
type Service struct {
	store        store.Store
	planner      Planner
	registry     AgentLister
	driver       Driver
	replyHandler ReplyHandler
	evidence     EvidenceStore
	logger       *logger.Logger
}

// NewService wires the Intake API's use-cases to their dependencies.
// evidence may be nil, in which case the evidence endpoints reject every
// request.
func NewService(st store.Store, pl Planner, reg AgentLister, driver Driver, replies ReplyHandler, evidence EvidenceStore, log *logger.Logger) *Service {
	return &Service{
		store:        st,
		planner:      pl,
		registry:     reg,
		driver:       driver,
		replyHandler: replies,
		evidence:     evidence,
		logger:       log.WithFields(zap.String("component", "intake-api")),
	}
}

// SubmitJob plans and persists a new job, then starts its orchestrator
// driver. The job is returned with its initial task graph attached.
func (s *Service) SubmitJob(ctx context.Context, intentLabel string, params map[string]any, maxRetries int) (*v1.Job, error) {
	plan, err := s.planner.Plan(ctx, planner.PlanRequest{IntentLabel: intentLabel, Params: params}, s.registry.ListAll())
	if err != nil {
		return nil, errors.Wrap(err, "failed to plan job")
	}

	tasks := make(map[string]*v1.Task, len(plan.Tasks))
	for _, t := range plan.Tasks {
		tasks[t.ID] = t
	}

	job := &v1.Job{
		ID:           uuid.New().String(),
		IntentLabel:  intentLabel,
		Params:       params,
		Status:       v1.JobPending,
		CreatedAt:    time.Now().UTC(),
		MaxRetries:   maxRetries,
		WorkflowMode: plan.WorkflowMode,
		Tasks:        tasks,
		Reasoning:    plan.Reasoning,
	}

	if err := s.store.SaveJob(ctx, job); err != nil {
		return nil, errors.Wrap(err, "failed to save job")
	}
	s.appendAudit(ctx, job.ID, v1.AuditActionSubmit, map[string]any{"intent_label": intentLabel})
	s.appendAudit(ctx, job.ID, v1.AuditActionPlan, map[string]any{"task_count": len(tasks), "reasoning": plan.Reasoning})

	s.driver.Drive(ctx, job.ID)
	return job, nil
}

// GetJob retrieves a job by id.
func (s *Service) GetJob(ctx context.Context, id string) (*v1.Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, errors.NotFound("job", id)
	}
	return job, nil
}

// ListJobs returns jobs matching filter.
func (s *Service) ListJobs(ctx context.Context, filter store.ListFilter) ([]*v1.Job, error) {
	jobs, err := s.store.ListJobs(ctx, filter)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	return jobs, nil
}

// CancelJob requests cooperative cancellation of a running job.
func (s *Service) CancelJob(ctx context.Context, id string) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return errors.NotFound("job", id)
	}
	if job.Status == v1.JobDone || job.Status == v1.JobFailed || job.Status == v1.JobCancelled {
		return errors.Conflict(fmt.Sprintf("job %q has already reached a terminal status (%s)", id, job.Status))
	}
	s.driver.Cancel(id)
	return nil
}

// RetryJob resets a failed job's failed and skipped tasks to pending and restarts
// its driver, so long as job-level retries remain (spec.md §4.9's
// "failed -> pending (operator-triggered, if retry_count < max_retries)"
// transition).
func (s *Service) RetryJob(ctx context.Context, id string) (*v1.Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, errors.NotFound("job", id)
	}
	if job.Status != v1.JobFailed {
		return nil, errors.Conflict(fmt.Sprintf("job %q is not in a failed state (status %s)", id, job.Status))
	}
	if job.RetryCount >= job.MaxRetries {
		return nil, errors.Conflict(fmt.Sprintf("job %q has exhausted its %d allowed retries", id, job.MaxRetries))
	}

	job.RetryCount++
	job.Status = v1.JobPending
	job.ErrorCode = ""
	job.ErrorMsg = ""
	for _, task := range job.Tasks {
		if task.Status == v1.TaskFailed || task.Status == v1.TaskSkipped {
			task.Status = v1.TaskPending
			task.ErrorCode = ""
			task.ErrorMsg = ""
			if err := s.store.SaveTask(ctx, id, task); err != nil {
				s.logger.WithJobID(id).WithError(err).Warn("failed to reset task for retry")
			}
		}
	}
	if err := s.store.SaveJob(ctx, job); err != nil {
		return nil, errors.Wrap(err, "failed to save retried job")
	}
	s.appendAudit(ctx, id, v1.AuditActionRetry, map[string]any{"retry_count": job.RetryCount})

	s.driver.Drive(ctx, id)
	return job, nil
}

// SubmitReply delivers an out-of-band agent reply to the task it
// answers, for agents that cannot hold the original HTTP connection
// open for the duration of their work (spec.md §4.8, §4.10).
func (s *Service) SubmitReply(ctx context.Context, jobID, taskID string, reply *protocol.Envelope) error {
	if err := reply.Validate(); err != nil {
		return errors.BadRequest(err.Error())
	}
	if err := s.replyHandler.HandleAsyncReply(ctx, jobID, taskID, reply); err != nil {
		return errors.Wrap(err, "failed to apply agent reply")
	}
	return nil
}

// SubmitEvidence stores content as an evidence blob attached to jobID,
// recording it in the audit trail, and returns the reference string a
// caller can hand back in a task result's EvidenceRef.
func (s *Service) SubmitEvidence(ctx context.Context, jobID string, content []byte, ext string) (string, error) {
	if s.evidence == nil {
		return "", errors.BadRequest("evidence storage is not configured")
	}
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return "", errors.NotFound("job", jobID)
	}

	ref, err := s.evidence.Attach(content, ext)
	if err != nil {
		return "", errors.Wrap(err, "failed to store evidence")
	}
	entry := &v1.AuditEntry{JobID: jobID, Action: v1.AuditActionEvidence, Status: "ok", EvidenceRef: ref}
	if err := s.store.AppendAuditEntry(ctx, entry); err != nil {
		s.logger.WithJobID(jobID).WithError(err).Warn("failed to append evidence audit entry")
	}
	return ref, nil
}

// GetEvidence reads back a previously attached evidence blob by its
// reference string.
func (s *Service) GetEvidence(ctx context.Context, ref string) ([]byte, error) {
	if s.evidence == nil {
		return nil, errors.BadRequest("evidence storage is not configured")
	}
	data, err := s.evidence.Evidence(ref)
	if err != nil {
		return nil, errors.NotFound("evidence", ref)
	}
	return data, nil
}

// AuditHistory returns a job's full audit trail.
func (s *Service) AuditHistory(ctx context.Context, jobID string) ([]*v1.AuditEntry, error) {
	entries, err := s.store.ListAuditEntries(ctx, jobID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list audit entries")
	}
	return entries, nil
}

func (s *Service) appendAudit(ctx context.Context, jobID, action string, detail map[string]any) {
	entry := &v1.AuditEntry{JobID: jobID, Action: action, Detail: detail}
	if err := s.store.AppendAuditEntry(ctx, entry); err != nil {
		s.logger.WithJobID(jobID).WithError(err).Warn("failed to append audit entry")
	}
}
