package store

import (
	"context"
	"path/filepath"
	"testing"

	v1 "github.com/kandev/orbital/pkg/api/v1"
)

func createTestSQLiteStore(t *testing.T) *sqlStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStoreSaveAndGetJobRoundTripsTasksAndResult(t *testing.T) {
	s := createTestSQLiteStore(t)
	ctx := context.Background()

	job := &v1.Job{
		ID:          "job-1",
		IntentLabel: "calculate",
		Params:      map[string]any{"num1": 45.0},
		Status:      v1.JobPending,
		Tasks: map[string]*v1.Task{
			"calc": {ID: "calc", Action: v1.ActionCallAgent, Status: v1.TaskPending, RetryLimit: 1},
		},
	}
	if err := s.SaveJob(ctx, job); err != nil {
		t.Fatalf("save job: %v", err)
	}

	got, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.IntentLabel != "calculate" || got.Params["num1"] != 45.0 {
		t.Errorf("expected round-tripped params, got %+v", got.Params)
	}
	if len(got.Tasks) != 1 || got.Tasks["calc"].Action != v1.ActionCallAgent {
		t.Errorf("expected round-tripped task, got %+v", got.Tasks)
	}

	got.Status = v1.JobDone
	got.Result = map[string]any{"sum": 123.0}
	if err := s.SaveJob(ctx, got); err != nil {
		t.Fatalf("save updated job: %v", err)
	}
	final, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("get updated job: %v", err)
	}
	if final.Result["sum"] != 123.0 {
		t.Errorf("expected result to round-trip, got %+v", final.Result)
	}
}

func TestSQLiteStoreGetJobNotFound(t *testing.T) {
	s := createTestSQLiteStore(t)
	if _, err := s.GetJob(context.Background(), "ghost"); err == nil {
		t.Error("expected error for unknown job")
	}
}

func TestSQLiteStoreUpdateJobStatusStampsTimestamps(t *testing.T) {
	s := createTestSQLiteStore(t)
	ctx := context.Background()

	if err := s.SaveJob(ctx, &v1.Job{ID: "job-1", Status: v1.JobPending}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.UpdateJobStatus(ctx, "job-1", v1.JobRunning); err != nil {
		t.Fatalf("update status running: %v", err)
	}
	job, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.StartedAt == nil {
		t.Fatal("expected started_at to be stamped on running transition")
	}

	if err := s.UpdateJobStatus(ctx, "job-1", v1.JobDone); err != nil {
		t.Fatalf("update status done: %v", err)
	}
	job, err = s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.CompletedAt == nil {
		t.Fatal("expected completed_at to be stamped on terminal transition")
	}
}

func TestSQLiteStoreListJobsFiltersAndPaginates(t *testing.T) {
	s := createTestSQLiteStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		status := v1.JobPending
		if id == "c" {
			status = v1.JobDone
		}
		if err := s.SaveJob(ctx, &v1.Job{ID: id, Status: status}); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}

	done, err := s.ListJobs(ctx, ListFilter{Status: v1.JobDone})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(done) != 1 || done[0].ID != "c" {
		t.Errorf("expected exactly job c, got %+v", done)
	}

	all, err := s.ListJobs(ctx, ListFilter{Limit: 2})
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 jobs with limit, got %d", len(all))
	}
}

func TestSQLiteStoreAuditTrailOrdersByTimestampThenID(t *testing.T) {
	s := createTestSQLiteStore(t)
	ctx := context.Background()

	if err := s.AppendAuditEntry(ctx, &v1.AuditEntry{JobID: "job-1", Action: v1.AuditActionSubmit}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.AppendAuditEntry(ctx, &v1.AuditEntry{JobID: "job-1", Action: v1.AuditActionPlan}); err != nil {
		t.Fatalf("append: %v", err)
	}

	entries, err := s.ListAuditEntries(ctx, "job-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Action != v1.AuditActionSubmit || entries[1].Action != v1.AuditActionPlan {
		t.Errorf("expected entries in append order, got %+v", entries)
	}
	if entries[0].ID == 0 {
		t.Error("expected audit entry id to be assigned")
	}
}
