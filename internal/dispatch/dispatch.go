// Package dispatch implements the Dispatcher (C8): it carries a ready
// task through agent selection, policy validation, request-envelope
// construction, audit persistence, HTTP delivery, and reply handling
// (spec.md §4.8).
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/orbital/internal/common/errors"
	"github.com/kandev/orbital/internal/common/logger"
	"github.com/kandev/orbital/internal/events/bus"
	"github.com/kandev/orbital/internal/policy"
	"github.com/kandev/orbital/internal/protocol"
	"github.com/kandev/orbital/internal/store"
	v1 "github.com/kandev/orbital/pkg/api/v1"
)

// AgentResolver looks up an agent able to serve a capability. The
// Registry (C2) satisfies this; tests use a stub.
type AgentResolver interface {
	LookupByCapability(tag string) (v1.AgentDescriptor, bool)
	ListAll() []v1.AgentDescriptor
}

// PolicyValidator is the pure allow/deny predicate the Policy Engine
// (C7) exposes.
type PolicyValidator interface {
	Validate(task *v1.Task, sender policy.SenderContext) (ok bool, reason string)
}

// HTTPDoer is the subset of *http.Client the Dispatcher needs, so tests
// can substitute a fake transport.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Dispatcher carries ready tasks through selection, policy, delivery,
// and reply handling. One Dispatcher is shared by every job's
// Orchestrator Loop driver.
type Dispatcher struct {
	senderURI string
	registry  AgentResolver
	policy    PolicyValidator
	store     store.Store
	bus       bus.EventBus
	http      HTTPDoer
	logger    *logger.Logger

	discoverTimeout time.Duration
}

// Config configures a Dispatcher.
type Config struct {
	SenderURI       string
	DiscoverTimeout time.Duration
}

// New builds a Dispatcher.
func New(cfg Config, reg AgentResolver, pol PolicyValidator, st store.Store, eventBus bus.EventBus, httpClient HTTPDoer, log *logger.Logger) *Dispatcher {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	discoverTimeout := cfg.DiscoverTimeout
	if discoverTimeout <= 0 {
		discoverTimeout = 3 * time.Second
	}
	return &Dispatcher{
		senderURI:       cfg.SenderURI,
		registry:        reg,
		policy:          pol,
		store:           st,
		bus:             eventBus,
		http:            httpClient,
		logger:          log.WithFields(zap.String("component", "dispatch")),
		discoverTimeout: discoverTimeout,
	}
}

// DispatchBatch dispatches every task in taskIDs concurrently and
// returns once every one of them has reached a terminal per-attempt
// outcome (done, pending-for-retry, failed, or skipped). Per spec.md
// §4.8, concurrent dispatch within a batch is expected; completions are
// serialized back into the job's task map by the store.
func (d *Dispatcher) DispatchBatch(ctx context.Context, jobID string, tasks []*v1.Task) {
	var wg sync.WaitGroup
	for _, task := range tasks {
		task := task
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.dispatchOne(ctx, jobID, task)
		}()
	}
	wg.Wait()
}

// dispatchOne runs the 8-step algorithm of spec.md §4.8 for a single
// task.
func (d *Dispatcher) dispatchOne(ctx context.Context, jobID string, task *v1.Task) {
	log := d.logger.WithJobID(jobID).WithTaskID(task.ID)

	agent, err := d.resolveAgent(ctx, jobID, task)
	if err != nil {
		d.failTask(ctx, jobID, task, errors.AgentUnavailable(task.AgentType))
		return
	}

	sender := policy.SenderContext{SenderURI: d.senderURI, Capability: task.AgentType}
	if ok, reason := d.policy.Validate(task, sender); !ok {
		log.Info("policy denied task", zap.String("reason", reason))
		d.appendAudit(ctx, jobID, v1.AuditActionPolicyDeny, task.ID, map[string]any{"reason": reason})
		d.failTask(ctx, jobID, task, errors.PolicyDenied(reason))
		return
	}

	req := protocol.NewRequest(d.senderURI, agent.ID, string(task.Action), jobID, map[string]any{
		"target":  task.Target,
		"text":    task.Text,
		"payload": task.Payload,
	})

	d.appendAudit(ctx, jobID, v1.AuditActionDispatch, task.ID, map[string]any{"agent_id": agent.ID, "intent": req.Intent})

	task.Status = v1.TaskRunning
	task.Attempt++
	if err := d.store.SaveTask(ctx, jobID, task); err != nil {
		log.WithError(err).Warn("failed to persist task running state")
	}
	d.publish(ctx, bus.SubjectTaskDispatched, task.ID, jobID, map[string]any{"agent_id": agent.ID})

	timeout := time.Duration(task.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	reply, err := d.send(ctx, agent.Endpoint, req, timeout)
	if err != nil {
		d.handleReply(ctx, jobID, task, nil, errors.Transport(err))
		return
	}
	d.handleReply(ctx, jobID, task, reply, nil)
}

// HandleAsyncReply applies a reply envelope that arrived out-of-band
// through the Intake API's message endpoint instead of as the synchronous
// HTTP response to the original dispatch. Per spec.md §4.8, the two
// delivery paths are handled identically once the envelope is in hand.
func (d *Dispatcher) HandleAsyncReply(ctx context.Context, jobID, taskID string, reply *protocol.Envelope) error {
	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("dispatch: load job %q: %w", jobID, err)
	}
	task, ok := job.Tasks[taskID]
	if !ok {
		return fmt.Errorf("dispatch: job %q has no task %q", jobID, taskID)
	}
	if task.Status != v1.TaskRunning {
		return fmt.Errorf("dispatch: task %q is not awaiting a reply (status %q)", taskID, task.Status)
	}
	d.handleReply(ctx, jobID, task, reply, nil)
	return nil
}

// resolveAgent looks the task's declared capability up in the
// registry, falling back to a discover/offer/assign broadcast across
// every known agent endpoint when no static registration advertises it
// directly.
func (d *Dispatcher) resolveAgent(ctx context.Context, jobID string, task *v1.Task) (v1.AgentDescriptor, error) {
	if task.AgentType == "" {
		return v1.AgentDescriptor{}, fmt.Errorf("dispatch: task %q has no agent capability", task.ID)
	}
	if agent, ok := d.registry.LookupByCapability(task.AgentType); ok {
		return agent, nil
	}
	return d.discoverAndAssign(ctx, jobID, task)
}

// discoverAndAssign implements spec.md §4's supplemental discover/offer/
// assign handshake: broadcast a discover envelope to every known agent
// endpoint, collect offers within discoverTimeout, and assign the
// cheapest responder.
func (d *Dispatcher) discoverAndAssign(ctx context.Context, jobID string, task *v1.Task) (v1.AgentDescriptor, error) {
	candidates := d.registry.ListAll()
	if len(candidates) == 0 {
		return v1.AgentDescriptor{}, fmt.Errorf("dispatch: no agents registered at all")
	}

	discoverCtx, cancel := context.WithTimeout(ctx, d.discoverTimeout)
	defer cancel()

	discoverEnv := protocol.NewDiscover(d.senderURI, []string{task.AgentType}, jobID)

	type offerResult struct {
		agent v1.AgentDescriptor
		offer *protocol.Envelope
	}
	results := make(chan offerResult, len(candidates))

	var wg sync.WaitGroup
	for _, agent := range candidates {
		agent := agent
		wg.Add(1)
		go func() {
			defer wg.Done()
			reply, err := d.send(discoverCtx, agent.Endpoint, discoverEnv, d.discoverTimeout)
			if err != nil || reply == nil || reply.Type != protocol.TypeOffer {
				return
			}
			results <- offerResult{agent: agent, offer: reply}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var best *offerResult
	for r := range results {
		r := r
		if best == nil || offerPrice(r.offer) < offerPrice(best.offer) {
			best = &r
		}
	}
	if best == nil {
		return v1.AgentDescriptor{}, fmt.Errorf("dispatch: no agent offered capability %q", task.AgentType)
	}

	assignEnv := protocol.NewAssign(best.offer, d.senderURI)
	_, _ = d.send(ctx, best.agent.Endpoint, assignEnv, d.discoverTimeout)
	return best.agent, nil
}

func offerPrice(offer *protocol.Envelope) float64 {
	if offer == nil || offer.Payload == nil {
		return 0
	}
	if v, ok := offer.Payload["unit_price"]; ok {
		if f, ok := v.(float64); ok {
			return f
		}
	}
	return 0
}

// handleReply applies spec.md §4.8's reply-branching rules.
func (d *Dispatcher) handleReply(ctx context.Context, jobID string, task *v1.Task, reply *protocol.Envelope, transportErr error) {
	log := d.logger.WithJobID(jobID).WithTaskID(task.ID)

	if transportErr != nil {
		d.retryOrFail(ctx, jobID, task, transportErr)
		return
	}

	switch reply.Type {
	case protocol.TypeInform, protocol.TypeDone:
		task.Status = v1.TaskDone
		task.Result = reply.Payload
		if err := d.store.SaveTask(ctx, jobID, task); err != nil {
			log.WithError(err).Warn("failed to persist task done state")
		}
		d.appendAudit(ctx, jobID, v1.AuditActionTaskDone, task.ID, map[string]any{"result": reply.Payload})
		d.publish(ctx, bus.SubjectTaskDone, task.ID, jobID, reply.Payload)

	case protocol.TypeFailure:
		d.retryOrFail(ctx, jobID, task, errors.AgentFailure(reply.Status.Reason))

	case protocol.TypeRefuse:
		d.failTask(ctx, jobID, task, errors.AgentRefused(reply.Status.Reason))

	default:
		d.failTask(ctx, jobID, task, errors.AgentFailure(fmt.Sprintf("unexpected reply type %q", reply.Type)))
	}
}

// retryOrFail increments the attempt count and either resets the task
// to pending for the orchestrator's next loop iteration, or marks it
// failed once the retry limit is exhausted.
func (d *Dispatcher) retryOrFail(ctx context.Context, jobID string, task *v1.Task, cause error) {
	log := d.logger.WithJobID(jobID).WithTaskID(task.ID)

	if task.Attempt < task.RetryLimit {
		task.Status = v1.TaskPending
		task.ErrorMsg = cause.Error()
		if err := d.store.SaveTask(ctx, jobID, task); err != nil {
			log.WithError(err).Warn("failed to persist task retry state")
		}
		d.appendAudit(ctx, jobID, v1.AuditActionRetry, task.ID, map[string]any{"reason": cause.Error(), "attempt": task.Attempt})
		return
	}
	d.failTask(ctx, jobID, task, cause)
}

// failTask marks task failed (terminal, no further retries) and
// records why.
func (d *Dispatcher) failTask(ctx context.Context, jobID string, task *v1.Task, cause error) {
	log := d.logger.WithJobID(jobID).WithTaskID(task.ID)

	task.Status = v1.TaskFailed
	task.ErrorMsg = cause.Error()
	var appErr *errors.AppError
	if as, ok := cause.(*errors.AppError); ok {
		appErr = as
		task.ErrorCode = appErr.Code
	}
	if err := d.store.SaveTask(ctx, jobID, task); err != nil {
		log.WithError(err).Warn("failed to persist task failed state")
	}
	d.appendAudit(ctx, jobID, v1.AuditActionTaskFailed, task.ID, map[string]any{"reason": cause.Error()})
	d.publish(ctx, bus.SubjectTaskFailed, task.ID, jobID, map[string]any{"reason": cause.Error()})
}

// send POSTs env to endpoint and parses the response body as a reply
// envelope. A non-2xx status or a malformed body both surface as a
// transport error, matching spec.md §4.8's "HTTP transport error: same
// as timeout" rule.
func (d *Dispatcher) send(ctx context.Context, endpoint string, env *protocol.Envelope, timeout time.Duration) (*protocol.Envelope, error) {
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("dispatch: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(sendCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("dispatch: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := d.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("dispatch: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("dispatch: agent returned status %d", resp.StatusCode)
	}

	reply, err := protocol.Parse(respBody)
	if err != nil {
		return nil, fmt.Errorf("dispatch: malformed reply: %w", err)
	}
	return reply, nil
}

func (d *Dispatcher) appendAudit(ctx context.Context, jobID, action, taskID string, detail map[string]any) {
	entry := &v1.AuditEntry{
		JobID:  jobID,
		Action: action,
		Detail: mergeDetail(taskID, detail),
	}
	if err := d.store.AppendAuditEntry(ctx, entry); err != nil {
		d.logger.WithJobID(jobID).WithError(err).Warn("failed to append audit entry")
		return
	}
	d.publish(ctx, bus.SubjectAuditAppended, taskID, jobID, detail)
}

func mergeDetail(taskID string, detail map[string]any) map[string]any {
	merged := make(map[string]any, len(detail)+1)
	for k, v := range detail {
		merged[k] = v
	}
	merged["task_id"] = taskID
	return merged
}

func (d *Dispatcher) publish(ctx context.Context, subject, taskID, jobID string, data map[string]any) {
	if d.bus == nil {
		return
	}
	payload := make(map[string]any, len(data)+2)
	for k, v := range data {
		payload[k] = v
	}
	payload["job_id"] = jobID
	payload["task_id"] = taskID
	event := bus.NewEvent(subject, d.senderURI, payload)
	if err := d.bus.Publish(ctx, subject, event); err != nil {
		d.logger.WithJobID(jobID).WithError(err).Warn("failed to publish event")
	}
}
