package registry

import (
	"testing"
	"time"

	"github.com/kandev/orbital/internal/common/logger"
	v1 "github.com/kandev/orbital/pkg/api/v1"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	return log
}

func TestRegisterRequiresIDAndEndpoint(t *testing.T) {
	reg := New(newTestLogger())

	if err := reg.Register(v1.AgentDescriptor{Endpoint: "http://a"}); err == nil {
		t.Error("expected error for missing agent id")
	}
	if err := reg.Register(v1.AgentDescriptor{ID: "a"}); err == nil {
		t.Error("expected error for missing endpoint")
	}
}

func TestLookupByIDUnknown(t *testing.T) {
	reg := New(newTestLogger())
	if _, ok := reg.LookupByID("ghost"); ok {
		t.Error("expected ghost to be unknown")
	}
}

func TestLookupByCapabilityPrefersAvailable(t *testing.T) {
	reg := New(newTestLogger())

	if err := reg.Register(v1.AgentDescriptor{
		ID: "busy-agent", Endpoint: "http://busy",
		Capabilities: []string{"calculator"}, Status: v1.AgentBusy,
	}); err != nil {
		t.Fatalf("register busy: %v", err)
	}
	if err := reg.Register(v1.AgentDescriptor{
		ID: "free-agent", Endpoint: "http://free",
		Capabilities: []string{"calculator"}, Status: v1.AgentAvailable,
	}); err != nil {
		t.Fatalf("register free: %v", err)
	}

	got, ok := reg.LookupByCapability("calculator")
	if !ok {
		t.Fatal("expected a match for calculator")
	}
	if got.ID != "free-agent" {
		t.Errorf("expected free-agent to win over busy-agent, got %s", got.ID)
	}
}

func TestLookupByCapabilityTieBreaksByRecencyThenOrder(t *testing.T) {
	reg := New(newTestLogger())

	base := time.Now().UTC()
	if err := reg.Register(v1.AgentDescriptor{
		ID: "first", Endpoint: "http://first", Capabilities: []string{"x"},
		Status: v1.AgentAvailable, LastSeen: base,
	}); err != nil {
		t.Fatalf("register first: %v", err)
	}
	if err := reg.Register(v1.AgentDescriptor{
		ID: "second", Endpoint: "http://second", Capabilities: []string{"x"},
		Status: v1.AgentAvailable, LastSeen: base,
	}); err != nil {
		t.Fatalf("register second: %v", err)
	}

	got, ok := reg.LookupByCapability("x")
	if !ok {
		t.Fatal("expected a match")
	}
	if got.ID != "first" {
		t.Errorf("expected first registered agent to win the tie, got %s", got.ID)
	}
}

func TestReRegisterPreservesRegistrationOrder(t *testing.T) {
	reg := New(newTestLogger())

	if err := reg.Register(v1.AgentDescriptor{ID: "a", Endpoint: "http://a", Capabilities: []string{"x"}}); err != nil {
		t.Fatalf("register a: %v", err)
	}
	if err := reg.Register(v1.AgentDescriptor{ID: "b", Endpoint: "http://b", Capabilities: []string{"x"}}); err != nil {
		t.Fatalf("register b: %v", err)
	}
	// re-register a with a later last-seen; order should still favor a's
	// original slot when last-seen ties are broken elsewhere.
	if err := reg.Register(v1.AgentDescriptor{ID: "a", Endpoint: "http://a-v2", Capabilities: []string{"x"}}); err != nil {
		t.Fatalf("re-register a: %v", err)
	}

	d, ok := reg.LookupByID("a")
	if !ok {
		t.Fatal("expected a to still be registered")
	}
	if d.RegistrationOrder() != 0 {
		t.Errorf("expected re-registration to preserve order 0, got %d", d.RegistrationOrder())
	}
	if d.Endpoint != "http://a-v2" {
		t.Errorf("expected re-registration to update endpoint, got %s", d.Endpoint)
	}
}

func TestUnregisterRemovesAgent(t *testing.T) {
	reg := New(newTestLogger())
	if err := reg.Register(v1.AgentDescriptor{ID: "a", Endpoint: "http://a"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Unregister("a"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if _, ok := reg.LookupByID("a"); ok {
		t.Error("expected a to be gone after unregister")
	}
	if err := reg.Unregister("a"); err == nil {
		t.Error("expected error unregistering an already-removed agent")
	}
}

func TestUpdateStatus(t *testing.T) {
	reg := New(newTestLogger())
	if err := reg.Register(v1.AgentDescriptor{ID: "a", Endpoint: "http://a", Status: v1.AgentAvailable}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.UpdateStatus("a", v1.AgentOffline); err != nil {
		t.Fatalf("update status: %v", err)
	}
	d, _ := reg.LookupByID("a")
	if d.Status != v1.AgentOffline {
		t.Errorf("expected offline, got %s", d.Status)
	}
	if err := reg.UpdateStatus("ghost", v1.AgentOffline); err == nil {
		t.Error("expected error updating status of unknown agent")
	}
}

func TestListAll(t *testing.T) {
	reg := New(newTestLogger())
	if err := reg.Register(v1.AgentDescriptor{ID: "a", Endpoint: "http://a"}); err != nil {
		t.Fatalf("register a: %v", err)
	}
	if err := reg.Register(v1.AgentDescriptor{ID: "b", Endpoint: "http://b"}); err != nil {
		t.Fatalf("register b: %v", err)
	}
	if got := reg.ListAll(); len(got) != 2 {
		t.Errorf("expected 2 agents, got %d", len(got))
	}
}
