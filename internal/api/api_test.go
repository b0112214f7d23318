package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	gorillaws "github.com/gorilla/websocket"

	"github.com/kandev/orbital/internal/audit"
	"github.com/kandev/orbital/internal/common/logger"
	"github.com/kandev/orbital/internal/events/bus"
	"github.com/kandev/orbital/internal/planner"
	"github.com/kandev/orbital/internal/protocol"
	"github.com/kandev/orbital/internal/store"
	v1 "github.com/kandev/orbital/pkg/api/v1"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

// stubPlanner returns a fixed single-task plan for every request.
type stubPlanner struct{}

func (stubPlanner) Plan(ctx context.Context, req planner.PlanRequest, agents []v1.AgentDescriptor) (*planner.Plan, error) {
	return &planner.Plan{
		Tasks: []*v1.Task{
			{ID: "t1", Action: v1.ActionGenericTool, Status: v1.TaskPending, AgentType: "calculator", RetryLimit: 1},
		},
		Reasoning:    "stub plan",
		WorkflowMode: v1.WorkflowOrchestratorDriven,
	}, nil
}

type stubRegistry struct{}

func (stubRegistry) ListAll() []v1.AgentDescriptor { return nil }

// stubDriver records Drive/Cancel calls without running a real loop.
type stubDriver struct {
	driven    []string
	cancelled []string
}

func (d *stubDriver) Drive(ctx context.Context, jobID string) {
	d.driven = append(d.driven, jobID)
}

func (d *stubDriver) Cancel(jobID string) {
	d.cancelled = append(d.cancelled, jobID)
}

type stubReplyHandler struct {
	lastJobID, lastTaskID string
	lastReply             *protocol.Envelope
}

func (s *stubReplyHandler) HandleAsyncReply(ctx context.Context, jobID, taskID string, reply *protocol.Envelope) error {
	s.lastJobID = jobID
	s.lastTaskID = taskID
	s.lastReply = reply
	return nil
}

func newTestRouter(t *testing.T) (*gin.Engine, *stubDriver, store.Store) {
	st := store.NewMemoryStore()
	driver := &stubDriver{}
	service := NewService(st, stubPlanner{}, stubRegistry{}, driver, &stubReplyHandler{}, nil, testLogger(t))
	return NewRouter(service, testLogger(t), 0, nil, ""), driver, st
}

func TestSubmitJobCreatesJobAndDrivesIt(t *testing.T) {
	router, driver, _ := newTestRouter(t)

	body, _ := json.Marshal(SubmitJobRequest{IntentLabel: "add 2 and 2", MaxRetries: 1})
	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var job v1.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if job.ID == "" {
		t.Fatal("expected job id to be set")
	}
	if len(job.Tasks) != 1 {
		t.Fatalf("expected 1 task from stub plan, got %d", len(job.Tasks))
	}
	if len(driver.driven) != 1 || driver.driven[0] != job.ID {
		t.Fatalf("expected driver to be started for %s, got %v", job.ID, driver.driven)
	}
}

func TestSubmitJobRejectsMissingIntentLabel(t *testing.T) {
	router, _, _ := newTestRouter(t)

	body, _ := json.Marshal(map[string]any{})
	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGetJobNotFound(t *testing.T) {
	router, _, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/jobs/does-not-exist", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGetJobReturnsSubmittedJob(t *testing.T) {
	router, _, _ := newTestRouter(t)

	body, _ := json.Marshal(SubmitJobRequest{IntentLabel: "add 2 and 2"})
	submitReq := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader(body))
	submitReq.Header.Set("Content-Type", "application/json")
	submitRec := httptest.NewRecorder()
	router.ServeHTTP(submitRec, submitReq)

	var job v1.Job
	json.Unmarshal(submitRec.Body.Bytes(), &job)

	getReq := httptest.NewRequest(http.MethodGet, "/jobs/"+job.ID, nil)
	getRec := httptest.NewRecorder()
	router.ServeHTTP(getRec, getReq)

	if getRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", getRec.Code, getRec.Body.String())
	}
}

func TestCancelJobOnTerminalJobConflicts(t *testing.T) {
	st := store.NewMemoryStore()
	driver := &stubDriver{}
	service := NewService(st, stubPlanner{}, stubRegistry{}, driver, &stubReplyHandler{}, nil, testLogger(t))
	router := NewRouter(service, testLogger(t), 0, nil, "")

	ctx := context.Background()
	if err := st.SaveJob(ctx, &v1.Job{ID: "job-done", Status: v1.JobDone}); err != nil {
		t.Fatalf("save job: %v", err)
	}

	req := httptest.NewRequest(http.MethodDelete, "/jobs/job-done", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRetryJobResetsFailedTasks(t *testing.T) {
	st := store.NewMemoryStore()
	driver := &stubDriver{}
	service := NewService(st, stubPlanner{}, stubRegistry{}, driver, &stubReplyHandler{}, nil, testLogger(t))
	router := NewRouter(service, testLogger(t), 0, nil, "")

	ctx := context.Background()
	job := &v1.Job{
		ID:         "job-failed",
		Status:     v1.JobFailed,
		MaxRetries: 2,
		Tasks: map[string]*v1.Task{
			"t1": {ID: "t1", Status: v1.TaskFailed, ErrorMsg: "boom"},
		},
	}
	if err := st.SaveJob(ctx, job); err != nil {
		t.Fatalf("save job: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/jobs/job-failed/retry", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	reloaded, err := st.GetJob(ctx, "job-failed")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if reloaded.Status != v1.JobPending {
		t.Fatalf("expected job reset to pending, got %s", reloaded.Status)
	}
	if reloaded.Tasks["t1"].Status != v1.TaskPending {
		t.Fatalf("expected task reset to pending, got %s", reloaded.Tasks["t1"].Status)
	}
	if len(driver.driven) != 1 {
		t.Fatalf("expected driver restarted once, got %d", len(driver.driven))
	}
}

func TestRetryJobExhaustedRetriesConflicts(t *testing.T) {
	st := store.NewMemoryStore()
	driver := &stubDriver{}
	service := NewService(st, stubPlanner{}, stubRegistry{}, driver, &stubReplyHandler{}, nil, testLogger(t))
	router := NewRouter(service, testLogger(t), 0, nil, "")

	ctx := context.Background()
	job := &v1.Job{ID: "job-exhausted", Status: v1.JobFailed, MaxRetries: 1, RetryCount: 1, Tasks: map[string]*v1.Task{}}
	if err := st.SaveJob(ctx, job); err != nil {
		t.Fatalf("save job: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/jobs/job-exhausted/retry", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSubmitReplyDeliversToHandler(t *testing.T) {
	st := store.NewMemoryStore()
	driver := &stubDriver{}
	replies := &stubReplyHandler{}
	service := NewService(st, stubPlanner{}, stubRegistry{}, driver, replies, nil, testLogger(t))
	router := NewRouter(service, testLogger(t), 0, nil, "")

	env := protocol.New(protocol.TypeDone, "agent://calc", "add", map[string]any{"sum": 4})
	body, _ := json.Marshal(env)
	req := httptest.NewRequest(http.MethodPost, "/jobs/job-1/tasks/t1/reply", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if replies.lastJobID != "job-1" || replies.lastTaskID != "t1" {
		t.Fatalf("expected reply routed to job-1/t1, got %s/%s", replies.lastJobID, replies.lastTaskID)
	}
}

func TestHealthReturnsOK(t *testing.T) {
	router, _, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestListJobsReturnsSubmittedJobs(t *testing.T) {
	router, _, st := newTestRouter(t)

	body, _ := json.Marshal(SubmitJobRequest{IntentLabel: "add 2 and 2"})
	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(httptest.NewRecorder(), req)

	listReq := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	listRec := httptest.NewRecorder()
	router.ServeHTTP(listRec, listReq)

	if listRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", listRec.Code)
	}

	jobs, err := st.ListJobs(context.Background(), store.ListFilter{})
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job stored, got %d", len(jobs))
	}
}

func TestSubmitAndGetEvidenceRoundTrips(t *testing.T) {
	st := store.NewMemoryStore()
	driver := &stubDriver{}
	auditLog, err := audit.New(st, t.TempDir(), testLogger(t))
	if err != nil {
		t.Fatalf("audit.New: %v", err)
	}
	service := NewService(st, stubPlanner{}, stubRegistry{}, driver, &stubReplyHandler{}, auditLog, testLogger(t))
	router := NewRouter(service, testLogger(t), 0, nil, "")

	body, _ := json.Marshal(SubmitJobRequest{IntentLabel: "add 2 and 2"})
	submitReq := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader(body))
	submitReq.Header.Set("Content-Type", "application/json")
	submitRec := httptest.NewRecorder()
	router.ServeHTTP(submitRec, submitReq)

	var job v1.Job
	json.Unmarshal(submitRec.Body.Bytes(), &job)

	content := []byte("screenshot-bytes")
	evReq := httptest.NewRequest(http.MethodPost, "/jobs/"+job.ID+"/evidence?ext=png", bytes.NewReader(content))
	evRec := httptest.NewRecorder()
	router.ServeHTTP(evRec, evReq)

	if evRec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", evRec.Code, evRec.Body.String())
	}
	var submitResp map[string]string
	json.Unmarshal(evRec.Body.Bytes(), &submitResp)
	ref := submitResp["evidence_ref"]
	if ref == "" {
		t.Fatal("expected a non-empty evidence ref")
	}

	getReq := httptest.NewRequest(http.MethodGet, "/evidence/"+ref, nil)
	getRec := httptest.NewRecorder()
	router.ServeHTTP(getRec, getReq)

	if getRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", getRec.Code)
	}
	if getRec.Body.String() != string(content) {
		t.Fatalf("expected evidence content %q, got %q", content, getRec.Body.String())
	}
}

func TestGetEvidenceUnknownRefNotFound(t *testing.T) {
	st := store.NewMemoryStore()
	driver := &stubDriver{}
	auditLog, err := audit.New(st, t.TempDir(), testLogger(t))
	if err != nil {
		t.Fatalf("audit.New: %v", err)
	}
	service := NewService(st, stubPlanner{}, stubRegistry{}, driver, &stubReplyHandler{}, auditLog, testLogger(t))
	router := NewRouter(service, testLogger(t), 0, nil, "")

	req := httptest.NewRequest(http.MethodGet, "/evidence/does-not-exist", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestJobRoutesRejectMissingBearerTokenWhenSecretConfigured(t *testing.T) {
	st := store.NewMemoryStore()
	driver := &stubDriver{}
	service := NewService(st, stubPlanner{}, stubRegistry{}, driver, &stubReplyHandler{}, nil, testLogger(t))
	router := NewRouter(service, testLogger(t), 0, nil, "test-secret")

	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestJobRoutesAcceptValidBearerToken(t *testing.T) {
	st := store.NewMemoryStore()
	driver := &stubDriver{}
	service := NewService(st, stubPlanner{}, stubRegistry{}, driver, &stubReplyHandler{}, nil, testLogger(t))
	router := NewRouter(service, testLogger(t), 0, nil, "test-secret")

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "operator"})
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHealthRouteBypassesAuth(t *testing.T) {
	st := store.NewMemoryStore()
	driver := &stubDriver{}
	service := NewService(st, stubPlanner{}, stubRegistry{}, driver, &stubReplyHandler{}, nil, testLogger(t))
	router := NewRouter(service, testLogger(t), 0, nil, "test-secret")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestJobStreamDeliversMatchingJobEvents(t *testing.T) {
	st := store.NewMemoryStore()
	driver := &stubDriver{}
	eventBus := bus.NewMemoryEventBus(testLogger(t))
	defer eventBus.Close()

	service := NewService(st, stubPlanner{}, stubRegistry{}, driver, &stubReplyHandler{}, nil, testLogger(t))
	router := NewRouter(service, testLogger(t), 0, eventBus, "")

	server := httptest.NewServer(router)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/jobs/job-1/stream"
	conn, _, err := gorillaws.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial stream: %v", err)
	}
	defer conn.Close()

	// Give the subscription time to register before publishing.
	time.Sleep(50 * time.Millisecond)

	published := bus.NewEvent(bus.SubjectJobDone, "test", map[string]interface{}{"job_id": "job-1"})
	if err := eventBus.Publish(context.Background(), bus.SubjectJobDone, published); err != nil {
		t.Fatalf("publish: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var received bus.Event
	if err := conn.ReadJSON(&received); err != nil {
		t.Fatalf("read stream event: %v", err)
	}

	if received.Data["job_id"] != "job-1" {
		t.Fatalf("expected job_id job-1, got %v", received.Data["job_id"])
	}
	if received.Type != bus.SubjectJobDone {
		t.Fatalf("expected type %s, got %s", bus.SubjectJobDone, received.Type)
	}
}

func TestJobStreamIgnoresOtherJobsEvents(t *testing.T) {
	st := store.NewMemoryStore()
	driver := &stubDriver{}
	eventBus := bus.NewMemoryEventBus(testLogger(t))
	defer eventBus.Close()

	service := NewService(st, stubPlanner{}, stubRegistry{}, driver, &stubReplyHandler{}, nil, testLogger(t))
	router := NewRouter(service, testLogger(t), 0, eventBus, "")

	server := httptest.NewServer(router)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/jobs/job-1/stream"
	conn, _, err := gorillaws.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial stream: %v", err)
	}
	defer conn.Close()

	time.Sleep(50 * time.Millisecond)

	other := bus.NewEvent(bus.SubjectJobDone, "test", map[string]interface{}{"job_id": "job-2"})
	if err := eventBus.Publish(context.Background(), bus.SubjectJobDone, other); err != nil {
		t.Fatalf("publish: %v", err)
	}
	mine := bus.NewEvent(bus.SubjectJobDone, "test", map[string]interface{}{"job_id": "job-1"})
	if err := eventBus.Publish(context.Background(), bus.SubjectJobDone, mine); err != nil {
		t.Fatalf("publish: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var received bus.Event
	if err := conn.ReadJSON(&received); err != nil {
		t.Fatalf("read stream event: %v", err)
	}

	if received.Data["job_id"] != "job-1" {
		t.Fatalf("expected only job-1's event to arrive, got job_id %v", received.Data["job_id"])
	}
}
