// Package orchestrator implements the Orchestrator Loop (C9): one driver
// per active job that advances its task graph batch by batch, handing
// ready tasks to the Dispatcher and reacting to the job's terminal
// conditions (spec.md §4.9).
package orchestrator

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/orbital/internal/common/errors"
	"github.com/kandev/orbital/internal/common/logger"
	"github.com/kandev/orbital/internal/events/bus"
	"github.com/kandev/orbital/internal/graph"
	"github.com/kandev/orbital/internal/store"
	v1 "github.com/kandev/orbital/pkg/api/v1"
)

// Recorder is the subset of the Context Memory component (C12) a job
// driver needs: a place to file a finished job's text away for later
// semantic recall. Optional — Orchestrator works with a nil Recorder.
type Recorder interface {
	StoreLongTerm(ctx context.Context, text string, metadata map[string]any) (string, error)
}

// TaskDispatcher is the subset of the Dispatcher a job driver needs:
// carry a ready batch of tasks through agent selection, policy
// validation, and HTTP delivery, mutating each task's status in place.
type TaskDispatcher interface {
	DispatchBatch(ctx context.Context, jobID string, tasks []*v1.Task)
}

// Config tunes the loop's polling cadence and retry backoff. It mirrors
// the Dispatcher's configuration shape (internal/common/config.DispatchConfig)
// without importing it directly, so this package stays free to run with
// hand-built configs in tests.
type Config struct {
	// PollInterval is how often an idle driver re-checks job state
	// between dispatch batches.
	PollInterval time.Duration
	// RetryBaseDelay and RetryMaxDelay bound the exponential backoff
	// applied before a task put back to pending for retry is dispatched
	// again.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// DefaultConfig returns sane polling and backoff defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:   250 * time.Millisecond,
		RetryBaseDelay: 500 * time.Millisecond,
		RetryMaxDelay:  30 * time.Second,
	}
}

// Orchestrator owns one driver goroutine per active job.
type Orchestrator struct {
	store      store.Store
	dispatcher TaskDispatcher
	bus        bus.EventBus
	recorder   Recorder
	logger     *logger.Logger
	config     Config

	mu      sync.Mutex
	drivers map[string]*jobDriver
}

// New creates an Orchestrator.
func New(cfg Config, st store.Store, dispatcher TaskDispatcher, eventBus bus.EventBus, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		store:      st,
		dispatcher: dispatcher,
		bus:        eventBus,
		logger:     log.WithFields(zap.String("component", "orchestrator")),
		config:     cfg,
		drivers:    make(map[string]*jobDriver),
	}
}

// SetRecorder attaches a Context Memory recorder so completed jobs are
// filed away for later semantic recall. Must be called before Drive is
// first invoked for a given job to take effect for that job.
func (o *Orchestrator) SetRecorder(r Recorder) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.recorder = r
}

// Drive starts (or returns the existing) driver coroutine for jobID. It
// is idempotent: calling it twice for the same job is a no-op the
// second time, so the Intake API can call it unconditionally after
// persisting a freshly submitted job.
func (o *Orchestrator) Drive(ctx context.Context, jobID string) {
	o.mu.Lock()
	if _, exists := o.drivers[jobID]; exists {
		o.mu.Unlock()
		return
	}
	d := &jobDriver{
		jobID:      jobID,
		store:      o.store,
		dispatcher: o.dispatcher,
		bus:        o.bus,
		recorder:   o.recorder,
		logger:     o.logger.WithJobID(jobID),
		config:     o.config,
		stopCh:     make(chan struct{}),
		cancelCh:   make(chan struct{}),
	}
	o.drivers[jobID] = d
	o.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(ctx)
		o.mu.Lock()
		delete(o.drivers, jobID)
		o.mu.Unlock()
	}()
}

// Cancel requests cooperative cancellation of jobID's driver. The driver
// acts on it at its next step, after any batch already handed to the
// Dispatcher has returned: it dispatches nothing further, marks every
// task not yet done, failed or skipped as failed(cancelled), and moves
// the job to cancelled. Tasks of that in-flight batch keep the outcome
// their replies gave them. Cancel itself returns immediately, and does
// nothing when jobID has no running driver.
func (o *Orchestrator) Cancel(jobID string) {
	o.mu.Lock()
	d, ok := o.drivers[jobID]
	o.mu.Unlock()
	if !ok {
		return
	}
	select {
	case <-d.cancelCh:
	default:
		close(d.cancelCh)
	}
}

// Stop signals every running driver to exit and waits for them to
// finish their current iteration.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	drivers := make([]*jobDriver, 0, len(o.drivers))
	for _, d := range o.drivers {
		drivers = append(drivers, d)
	}
	o.mu.Unlock()

	for _, d := range drivers {
		select {
		case <-d.stopCh:
		default:
			close(d.stopCh)
		}
	}
	for _, d := range drivers {
		d.wg.Wait()
	}
}

// jobDriver advances a single job's task graph until it reaches a
// terminal state: a ticker-driven loop scoped to one job's tasks instead
// of one shared queue.
type jobDriver struct {
	jobID      string
	store      store.Store
	dispatcher TaskDispatcher
	bus        bus.EventBus
	recorder   Recorder
	logger     *logger.Logger
	config     Config

	wg       sync.WaitGroup
	stopCh   chan struct{}
	cancelCh chan struct{}
}

func (d *jobDriver) run(ctx context.Context) {
	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			terminal := d.step(ctx)
			if terminal {
				return
			}
		}
	}
}

// step runs one iteration of the loop body described in spec.md §4.9:
// read job state, branch on terminal conditions, else compute and
// dispatch the next ready batch. It returns true once the job has
// reached a terminal status and the driver should exit.
func (d *jobDriver) step(ctx context.Context) bool {
	job, err := d.store.GetJob(ctx, d.jobID)
	if err != nil {
		d.logger.WithError(err).Error("failed to load job")
		return true
	}
	if job == nil {
		return true
	}

	if isCancelRequested(d.cancelCh) && job.Status != v1.JobCancelled {
		d.cancelJob(ctx, job)
		return true
	}

	if job.WorkflowMode == v1.WorkflowAgentChained && hasStarted(job) {
		return d.stepAgentChained(ctx, job)
	}

	tasks := make([]*v1.Task, 0, len(job.Tasks))
	for _, t := range job.Tasks {
		tasks = append(tasks, t)
	}

	statusByID := make(map[string]v1.TaskStatus, len(tasks))
	for _, t := range tasks {
		statusByID[t.ID] = t.Status
	}

	if denied, reason := policyCheckDenied(job); denied {
		d.failJob(ctx, job, errors.PolicyDenied(reason))
		return true
	}

	g, err := graph.New(tasks)
	if err != nil {
		d.failJob(ctx, job, errors.InternalError("invalid task graph", err))
		return true
	}

	allDone := true
	anyFailed := false
	for _, t := range tasks {
		switch t.Status {
		case v1.TaskDone, v1.TaskSkipped:
		case v1.TaskFailed:
			anyFailed = true
			allDone = false
		default:
			allDone = false
		}
	}

	if allDone {
		d.finishJob(ctx, job)
		return true
	}

	ready, skipped := g.ReadyTasks(statusByID)
	for _, id := range skipped {
		task := job.Tasks[id]
		task.Status = v1.TaskSkipped
		if err := d.store.SaveTask(ctx, d.jobID, task); err != nil {
			d.logger.WithTaskID(id).WithError(err).Warn("failed to persist skipped task")
		}
		d.appendAudit(ctx, v1.AuditActionTaskSkipped, id, nil)
		d.publish(ctx, bus.SubjectTaskSkipped, id, nil)
	}

	if anyFailed {
		d.failJob(ctx, job, errors.InternalError("one or more tasks failed", nil))
		return true
	}

	if len(ready) == 0 {
		return false
	}

	if job.Status == v1.JobPending {
		job.Status = v1.JobRunning
		if err := d.store.UpdateJobStatus(ctx, d.jobID, v1.JobRunning); err != nil {
			d.logger.WithError(err).Warn("failed to persist job running transition")
		}
		d.publish(ctx, bus.SubjectJobRunning, "", nil)
	}

	batch := make([]*v1.Task, 0, len(ready))
	for _, id := range ready {
		task := job.Tasks[id]
		d.applyRetryBackoff(task)
		batch = append(batch, task)
	}

	d.dispatcher.DispatchBatch(ctx, d.jobID, batch)
	return false
}

// stepAgentChained handles the agent-chained workflow mode: the
// orchestrator already dispatched the first step (which embedded a
// WorkflowContext) and does not drive subsequent steps itself. It only
// watches for the chain's terminal reply, recorded in the first task's
// WorkflowContext.Trace by the agents as they hand off to each other.
func (d *jobDriver) stepAgentChained(ctx context.Context, job *v1.Job) bool {
	var lead *v1.Task
	for _, t := range job.Tasks {
		if t.WorkflowContext != nil {
			lead = t
			break
		}
	}
	if lead == nil {
		d.failJob(ctx, job, errors.InternalError("agent-chained job has no workflow-context task", nil))
		return true
	}

	switch lead.Status {
	case v1.TaskDone:
		d.finishJob(ctx, job)
		return true
	case v1.TaskFailed:
		d.failJob(ctx, job, errors.InternalError("agent-chained workflow failed", nil))
		return true
	default:
		return false
	}
}

// applyRetryBackoff sleeps out an exponential-backoff-with-jitter delay
// before a task that has already been attempted (one put back to pending
// after a retryable failure) is dispatched again, so repeated agent
// failures don't hammer the same endpoint. It does not change the task.
func (d *jobDriver) applyRetryBackoff(task *v1.Task) {
	if task.Attempt == 0 {
		return
	}
	delay := backoffDelay(task.Attempt, d.config.RetryBaseDelay, d.config.RetryMaxDelay)
	time.Sleep(delay)
}

// backoffDelay computes 2^attempt * base, capped at max, with up to
// +/-10% jitter so concurrently retried tasks don't all wake in lockstep.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	delay := base
	for i := 0; i < attempt && delay < max; i++ {
		delay *= 2
	}
	if delay > max {
		delay = max
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/5+1)) - delay/10
	delay += jitter
	if delay < 0 {
		delay = 0
	}
	return delay
}

func (d *jobDriver) finishJob(ctx context.Context, job *v1.Job) {
	now := time.Now().UTC()
	job.Status = v1.JobDone
	job.CompletedAt = &now
	job.Result = sinkTaskResults(job)
	if err := d.store.SaveJob(ctx, job); err != nil {
		d.logger.WithError(err).Warn("failed to persist job done state")
	}
	d.appendAudit(ctx, v1.AuditActionJobDone, "", nil)
	d.publish(ctx, bus.SubjectJobDone, "", nil)
	d.recordMemory(ctx, job)
}

// recordMemory files a completed job's intent away in Context Memory
// (C12) for later semantic recall by the Intent Planner, if a recorder
// was attached. Best-effort: a failure here never affects job status.
func (d *jobDriver) recordMemory(ctx context.Context, job *v1.Job) {
	if d.recorder == nil {
		return
	}
	text := job.IntentLabel
	if job.Reasoning != "" {
		text = text + ": " + job.Reasoning
	}
	if _, err := d.recorder.StoreLongTerm(ctx, text, map[string]any{
		"job_id":       job.ID,
		"intent_label": job.IntentLabel,
	}); err != nil {
		d.logger.WithError(err).Warn("failed to record job in context memory")
	}
}

// sinkTaskResults collects the Result of every task no other task
// depends on (the plan's terminal steps) into the job-level result the
// Intake API returns to callers, keyed in ascending task-id order so a
// plan with a single sink task — the common case — surfaces that task's
// result map unchanged.
func sinkTaskResults(job *v1.Job) map[string]any {
	hasDependent := make(map[string]bool, len(job.Tasks))
	for _, t := range job.Tasks {
		for _, dep := range t.DependsOn {
			hasDependent[dep] = true
		}
	}

	ids := make([]string, 0, len(job.Tasks))
	for id, t := range job.Tasks {
		if !hasDependent[id] && t.Status == v1.TaskDone {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	result := make(map[string]any)
	for _, id := range ids {
		for k, v := range job.Tasks[id].Result {
			result[k] = v
		}
	}
	return result
}

func (d *jobDriver) failJob(ctx context.Context, job *v1.Job, cause error) {
	job.Status = v1.JobFailed
	job.ErrorMsg = cause.Error()
	if err := d.store.UpdateJobStatus(ctx, d.jobID, v1.JobFailed); err != nil {
		d.logger.WithError(err).Warn("failed to persist job failed state")
	}
	d.appendAudit(ctx, v1.AuditActionJobFailed, "", map[string]any{"reason": cause.Error()})
	d.publish(ctx, bus.SubjectJobFailed, "", map[string]any{"reason": cause.Error()})
}

// cancelJob marks every task not yet done, failed or skipped as
// failed(cancelled) and transitions the job to cancelled. It runs between
// batches, so a task whose reply arrived while its batch was in flight
// keeps that reply's outcome rather than being marked cancelled.
func (d *jobDriver) cancelJob(ctx context.Context, job *v1.Job) {
	for _, task := range job.Tasks {
		if task.Status == v1.TaskDone || task.Status == v1.TaskFailed || task.Status == v1.TaskSkipped {
			continue
		}
		task.Status = v1.TaskFailed
		task.ErrorCode = errors.ErrCodeCancelled
		task.ErrorMsg = "job cancelled"
		if err := d.store.SaveTask(ctx, d.jobID, task); err != nil {
			d.logger.WithTaskID(task.ID).WithError(err).Warn("failed to persist cancelled task")
		}
	}
	job.Status = v1.JobCancelled
	if err := d.store.UpdateJobStatus(ctx, d.jobID, v1.JobCancelled); err != nil {
		d.logger.WithError(err).Warn("failed to persist job cancelled state")
	}
	d.appendAudit(ctx, v1.AuditActionCancel, "", nil)
	d.publish(ctx, bus.SubjectJobCancelled, "", nil)
}

func (d *jobDriver) appendAudit(ctx context.Context, action, taskID string, detail map[string]any) {
	merged := make(map[string]any, len(detail)+1)
	for k, v := range detail {
		merged[k] = v
	}
	if taskID != "" {
		merged["task_id"] = taskID
	}
	entry := &v1.AuditEntry{JobID: d.jobID, Action: action, Detail: merged}
	if err := d.store.AppendAuditEntry(ctx, entry); err != nil {
		d.logger.WithError(err).Warn("failed to append audit entry")
	}
}

func (d *jobDriver) publish(ctx context.Context, subject, taskID string, data map[string]any) {
	if d.bus == nil {
		return
	}
	payload := make(map[string]any, len(data)+2)
	for k, v := range data {
		payload[k] = v
	}
	payload["job_id"] = d.jobID
	if taskID != "" {
		payload["task_id"] = taskID
	}
	event := bus.NewEvent(subject, "orchestrator", payload)
	if err := d.bus.Publish(ctx, subject, event); err != nil {
		d.logger.WithError(err).Warn("failed to publish event")
	}
}

func isCancelRequested(cancelCh chan struct{}) bool {
	select {
	case <-cancelCh:
		return true
	default:
		return false
	}
}

func hasStarted(job *v1.Job) bool {
	return job.Status == v1.JobRunning || job.Status == v1.JobDone || job.Status == v1.JobFailed
}

// policyCheckDenied inspects the synthetic policy-check task the Intent
// Planner prepends to multi-agent plans (planner.insertPolicyCheckIfNeeded).
// An ethics agent records its verdict in the task's done-reply payload as
// {"allowed": false, "violations": [...]}; per spec.md §4.6/§4.7 that
// verdict terminates the whole job before any other task is dispatched,
// rather than being treated as an ordinary completed task.
func policyCheckDenied(job *v1.Job) (bool, string) {
	task, ok := job.Tasks["policy-check"]
	if !ok || task.Status != v1.TaskDone || task.Result == nil {
		return false, ""
	}
	allowed, ok := task.Result["allowed"].(bool)
	if !ok || allowed {
		return false, ""
	}
	if violations, ok := task.Result["violations"]; ok {
		return true, fmt.Sprintf("ethics check denied the request: %v", violations)
	}
	return true, "ethics check denied the request"
}
