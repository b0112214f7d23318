package policy

import (
	"testing"

	"github.com/kandev/orbital/internal/common/logger"
	v1 "github.com/kandev/orbital/pkg/api/v1"
)

func testLogger() *logger.Logger {
	l, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return l
}

func TestValidateAllowsUnrestrictedAction(t *testing.T) {
	e := New(Config{}, testLogger())
	ok, reason := e.Validate(&v1.Task{Action: v1.ActionCallAgent}, SenderContext{SenderURI: "user://alice"})
	if !ok {
		t.Fatalf("expected allow, got deny: %s", reason)
	}
}

func TestValidateDeniesBlockedAction(t *testing.T) {
	e := New(Config{BlockedActions: []v1.ActionKind{v1.ActionSendMail}}, testLogger())
	ok, reason := e.Validate(&v1.Task{Action: v1.ActionSendMail}, SenderContext{SenderURI: "user://alice"})
	if ok {
		t.Fatal("expected deny for blocked action")
	}
	if reason == "" {
		t.Error("expected non-empty deny reason")
	}
}

func TestValidateDeniesDisallowedApplication(t *testing.T) {
	e := New(Config{AllowedApplications: []string{"notes.app"}}, testLogger())
	ok, _ := e.Validate(&v1.Task{Action: v1.ActionOpenApp, Target: "mail.app"}, SenderContext{SenderURI: "user://alice"})
	if ok {
		t.Fatal("expected deny for application not in allow-list")
	}
}

func TestValidateAllowsListedApplication(t *testing.T) {
	e := New(Config{AllowedApplications: []string{"notes.app"}}, testLogger())
	ok, reason := e.Validate(&v1.Task{Action: v1.ActionOpenApp, Target: "notes.app"}, SenderContext{SenderURI: "user://alice"})
	if !ok {
		t.Fatalf("expected allow for listed application, got deny: %s", reason)
	}
}

func TestValidateIgnoresApplicationAllowListForNonDesktopActions(t *testing.T) {
	e := New(Config{AllowedApplications: []string{"notes.app"}}, testLogger())
	ok, reason := e.Validate(&v1.Task{Action: v1.ActionCallAgent, Target: "anything"}, SenderContext{SenderURI: "user://alice"})
	if !ok {
		t.Fatalf("expected allow-list to only gate desktop actions, got deny: %s", reason)
	}
}

func TestValidateEnforcesRateLimit(t *testing.T) {
	e := New(Config{RateLimitPerMinute: 2}, testLogger())
	sender := SenderContext{SenderURI: "user://alice", Capability: "scraper"}
	task := &v1.Task{Action: v1.ActionCallAgent}

	for i := 0; i < 2; i++ {
		if ok, reason := e.Validate(task, sender); !ok {
			t.Fatalf("call %d: expected allow, got deny: %s", i, reason)
		}
	}
	if ok, _ := e.Validate(task, sender); ok {
		t.Fatal("expected third call within the window to be denied")
	}
}

func TestValidateRateLimitIsPerSenderAndCapability(t *testing.T) {
	e := New(Config{RateLimitPerMinute: 1}, testLogger())
	task := &v1.Task{Action: v1.ActionCallAgent}

	if ok, reason := e.Validate(task, SenderContext{SenderURI: "user://alice", Capability: "scraper"}); !ok {
		t.Fatalf("expected allow: %s", reason)
	}
	if ok, reason := e.Validate(task, SenderContext{SenderURI: "user://bob", Capability: "scraper"}); !ok {
		t.Fatalf("expected different sender to have its own limit: %s", reason)
	}
	if ok, reason := e.Validate(task, SenderContext{SenderURI: "user://alice", Capability: "mailer"}); !ok {
		t.Fatalf("expected different capability to have its own limit: %s", reason)
	}
}
