// Package bus provides the event bus Orbital's components use to
// broadcast job and task lifecycle changes: the Dispatcher publishes
// task dispatch/outcome and audit-appended events, the Orchestrator Loop
// publishes job transitions and skipped tasks, and the Intake API's job
// stream subscribes to relay them to an operator console. A NATS-backed
// implementation and an in-memory
// implementation share this interface so a single-node deployment
// doesn't need a broker.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Subject names for the domain events Orbital publishes. Components
// should use these constants rather than literal strings so a rename
// is a one-place edit.
const (
	SubjectJobSubmitted  = "orbital.job.submitted"
	SubjectJobRunning    = "orbital.job.running"
	SubjectJobDone       = "orbital.job.done"
	SubjectJobFailed     = "orbital.job.failed"
	SubjectJobCancelled  = "orbital.job.cancelled"
	SubjectTaskDispatched = "orbital.task.dispatched"
	SubjectTaskDone      = "orbital.task.done"
	SubjectTaskFailed    = "orbital.task.failed"
	SubjectTaskSkipped   = "orbital.task.skipped"
	SubjectAuditAppended = "orbital.audit.appended"
)

// Event is one message on the bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates a new event with a fresh id and the current timestamp.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler processes one event delivered to a subscription.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the transport-agnostic interface every component depends
// on instead of a concrete NATS or in-memory type.
type EventBus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern.
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// QueueSubscribe creates a queue subscription for load balancing
	// across multiple orchestrator instances.
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)

	// Close closes the connection.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}
