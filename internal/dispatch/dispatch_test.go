package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/kandev/orbital/internal/common/logger"
	"github.com/kandev/orbital/internal/policy"
	"github.com/kandev/orbital/internal/protocol"
	"github.com/kandev/orbital/internal/store"
	v1 "github.com/kandev/orbital/pkg/api/v1"
)

func testLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

// stubRegistry is a minimal AgentResolver for tests.
type stubRegistry struct {
	agents map[string]v1.AgentDescriptor
}

func (s *stubRegistry) LookupByCapability(tag string) (v1.AgentDescriptor, bool) {
	a, ok := s.agents[tag]
	return a, ok
}

func (s *stubRegistry) ListAll() []v1.AgentDescriptor {
	out := make([]v1.AgentDescriptor, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a)
	}
	return out
}

// allowPolicy always allows.
type allowPolicy struct{}

func (allowPolicy) Validate(task *v1.Task, sender policy.SenderContext) (bool, string) {
	return true, ""
}

// denyPolicy always denies with reason.
type denyPolicy struct{ reason string }

func (d denyPolicy) Validate(task *v1.Task, sender policy.SenderContext) (bool, string) {
	return false, d.reason
}

// memStore is a minimal in-memory store.Store stub sufficient for dispatch tests.
type memStore struct {
	mu     sync.Mutex
	tasks  map[string]*v1.Task
	audits []*v1.AuditEntry
}

func newMemStore() *memStore {
	return &memStore{tasks: make(map[string]*v1.Task)}
}

func (m *memStore) SaveJob(ctx context.Context, job *v1.Job) error { return nil }
func (m *memStore) GetJob(ctx context.Context, id string) (*v1.Job, error) {
	return nil, nil
}
func (m *memStore) ListJobs(ctx context.Context, filter store.ListFilter) ([]*v1.Job, error) {
	return nil, nil
}
func (m *memStore) UpdateJobStatus(ctx context.Context, id string, status v1.JobStatus) error {
	return nil
}
func (m *memStore) SaveTask(ctx context.Context, jobID string, task *v1.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *task
	m.tasks[task.ID] = &cp
	return nil
}
func (m *memStore) UpdateTaskStatus(ctx context.Context, jobID, taskID string, status v1.TaskStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[taskID]; ok {
		t.Status = status
	}
	return nil
}
func (m *memStore) AppendAuditEntry(ctx context.Context, entry *v1.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, entry)
	return nil
}
func (m *memStore) ListAuditEntries(ctx context.Context, jobID string) ([]*v1.AuditEntry, error) {
	return m.audits, nil
}
func (m *memStore) Close() error { return nil }

func newTestDispatcher(t *testing.T, reg AgentResolver, pol PolicyValidator, st *memStore) *Dispatcher {
	return New(Config{SenderURI: "orbital://orchestrator", DiscoverTimeout: 200 * time.Millisecond}, reg, pol, st, nil, http.DefaultClient, testLogger(t))
}

func TestDispatchOneSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req protocol.Envelope
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		reply := protocol.Reply(&req, protocol.TypeDone, "agent://calc", map[string]any{"sum": 4})
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(reply)
	}))
	defer server.Close()

	reg := &stubRegistry{agents: map[string]v1.AgentDescriptor{
		"calculator": {ID: "agent://calc", Endpoint: server.URL, Status: v1.AgentAvailable},
	}}
	st := newMemStore()
	d := newTestDispatcher(t, reg, allowPolicy{}, st)

	task := &v1.Task{ID: "t1", Action: v1.ActionGenericTool, AgentType: "calculator", RetryLimit: 2, TimeoutSec: 2}
	d.DispatchBatch(context.Background(), "job-1", []*v1.Task{task})

	if task.Status != v1.TaskDone {
		t.Fatalf("expected task done, got %s", task.Status)
	}
	if task.Result["sum"] != float64(4) {
		t.Fatalf("expected result sum=4, got %v", task.Result)
	}
}

func TestDispatchPolicyDenied(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("agent should not be contacted when policy denies")
	}))
	defer server.Close()

	reg := &stubRegistry{agents: map[string]v1.AgentDescriptor{
		"desktop": {ID: "agent://desktop", Endpoint: server.URL, Status: v1.AgentAvailable},
	}}
	st := newMemStore()
	d := newTestDispatcher(t, reg, denyPolicy{reason: "blocked action"}, st)

	task := &v1.Task{ID: "t1", Action: v1.ActionUIAutomation, AgentType: "desktop", RetryLimit: 2}
	d.DispatchBatch(context.Background(), "job-1", []*v1.Task{task})

	if task.Status != v1.TaskFailed {
		t.Fatalf("expected task failed, got %s", task.Status)
	}
	if task.ErrorCode != "POLICY_DENIED" {
		t.Fatalf("expected POLICY_DENIED error code, got %s", task.ErrorCode)
	}
}

func TestDispatchAgentRefuseFailsWithoutRetry(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req protocol.Envelope
		json.NewDecoder(r.Body).Decode(&req)
		reply := protocol.Reply(&req, protocol.TypeRefuse, "agent://calc", nil)
		reply.Status = protocol.Status{Code: "refuse", Reason: "out of scope"}
		json.NewEncoder(w).Encode(reply)
	}))
	defer server.Close()

	reg := &stubRegistry{agents: map[string]v1.AgentDescriptor{
		"calculator": {ID: "agent://calc", Endpoint: server.URL, Status: v1.AgentAvailable},
	}}
	st := newMemStore()
	d := newTestDispatcher(t, reg, allowPolicy{}, st)

	task := &v1.Task{ID: "t1", Action: v1.ActionGenericTool, AgentType: "calculator", RetryLimit: 3}
	d.DispatchBatch(context.Background(), "job-1", []*v1.Task{task})

	if task.Status != v1.TaskFailed {
		t.Fatalf("expected task failed, got %s", task.Status)
	}
	if task.Attempt != 1 {
		t.Fatalf("expected exactly one attempt on refuse, got %d", task.Attempt)
	}
}

func TestDispatchAgentFailureRetriesThenFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req protocol.Envelope
		json.NewDecoder(r.Body).Decode(&req)
		reply := protocol.NewFailure(&req, "agent://calc", "transient error")
		json.NewEncoder(w).Encode(reply)
	}))
	defer server.Close()

	reg := &stubRegistry{agents: map[string]v1.AgentDescriptor{
		"calculator": {ID: "agent://calc", Endpoint: server.URL, Status: v1.AgentAvailable},
	}}
	st := newMemStore()
	d := newTestDispatcher(t, reg, allowPolicy{}, st)

	task := &v1.Task{ID: "t1", Action: v1.ActionGenericTool, AgentType: "calculator", RetryLimit: 2}
	d.DispatchBatch(context.Background(), "job-1", []*v1.Task{task})

	if task.Status != v1.TaskPending {
		t.Fatalf("expected task reset to pending for retry, got %s", task.Status)
	}

	d.DispatchBatch(context.Background(), "job-1", []*v1.Task{task})
	if task.Status != v1.TaskFailed {
		t.Fatalf("expected task failed once retry limit exhausted, got %s", task.Status)
	}
}

func TestDispatchNoAgentAvailable(t *testing.T) {
	reg := &stubRegistry{agents: map[string]v1.AgentDescriptor{}}
	st := newMemStore()
	d := newTestDispatcher(t, reg, allowPolicy{}, st)

	task := &v1.Task{ID: "t1", Action: v1.ActionGenericTool, AgentType: "nonexistent", RetryLimit: 1}
	d.DispatchBatch(context.Background(), "job-1", []*v1.Task{task})

	if task.Status != v1.TaskFailed {
		t.Fatalf("expected task failed, got %s", task.Status)
	}
	if task.ErrorCode != "AGENT_UNAVAILABLE" {
		t.Fatalf("expected AGENT_UNAVAILABLE, got %s", task.ErrorCode)
	}
}

func TestDispatchTransportErrorTreatedAsRetryable(t *testing.T) {
	reg := &stubRegistry{agents: map[string]v1.AgentDescriptor{
		"calculator": {ID: "agent://calc", Endpoint: "http://127.0.0.1:1", Status: v1.AgentAvailable},
	}}
	st := newMemStore()
	d := newTestDispatcher(t, reg, allowPolicy{}, st)

	task := &v1.Task{ID: "t1", Action: v1.ActionGenericTool, AgentType: "calculator", RetryLimit: 2, TimeoutSec: 1}
	d.DispatchBatch(context.Background(), "job-1", []*v1.Task{task})

	if task.Status != v1.TaskPending {
		t.Fatalf("expected task pending for retry after transport error, got %s", task.Status)
	}
}

func TestDispatchBatchRunsConcurrently(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req protocol.Envelope
		json.NewDecoder(r.Body).Decode(&req)
		reply := protocol.Reply(&req, protocol.TypeDone, "agent://calc", map[string]any{"ok": true})
		json.NewEncoder(w).Encode(reply)
	}))
	defer server.Close()

	reg := &stubRegistry{agents: map[string]v1.AgentDescriptor{
		"calculator": {ID: "agent://calc", Endpoint: server.URL, Status: v1.AgentAvailable},
	}}
	st := newMemStore()
	d := newTestDispatcher(t, reg, allowPolicy{}, st)

	tasks := []*v1.Task{
		{ID: "t1", Action: v1.ActionGenericTool, AgentType: "calculator", RetryLimit: 1},
		{ID: "t2", Action: v1.ActionGenericTool, AgentType: "calculator", RetryLimit: 1},
		{ID: "t3", Action: v1.ActionGenericTool, AgentType: "calculator", RetryLimit: 1},
	}
	d.DispatchBatch(context.Background(), "job-1", tasks)

	for _, task := range tasks {
		if task.Status != v1.TaskDone {
			t.Fatalf("expected task %s done, got %s", task.ID, task.Status)
		}
	}
}
