// Package v1 holds the wire-level types shared across Orbital's components:
// jobs, tasks, agent descriptors, and the enums that describe their state
// machines. Components depend on these types instead of each other's
// internal models, which keeps the store, queue, graph, and dispatcher
// free of import cycles.
package v1

import "time"

// JobStatus is the lifecycle state of a Job, per spec.md §4.9.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobDone      JobStatus = "done"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Job is the unit of work requested by a user.
type Job struct {
	ID          string         `json:"id"`
	IntentLabel string         `json:"intent_label"`
	Params      map[string]any `json:"params,omitempty"`
	Status      JobStatus      `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	RetryCount  int            `json:"retry_count"`
	MaxRetries  int            `json:"max_retries"`
	ErrorCode   string         `json:"error_code,omitempty"`
	ErrorMsg    string         `json:"error_message,omitempty"`
	Result      map[string]any `json:"result,omitempty"`

	// WorkflowMode declares how the plan's task graph advances once
	// dispatched: the orchestrator loop drives every step, or the first
	// agent receives a workflow context and chains the rest itself.
	WorkflowMode WorkflowMode `json:"workflow_mode"`

	// Tasks is the job's task graph, keyed by task-id. The Job Store owns
	// this map; the Job Queue only ever holds the Job's ID.
	Tasks map[string]*Task `json:"tasks"`

	// Reasoning is the planner's free-form explanation of how it derived
	// the task graph (rule name matched, or the LLM's rationale).
	Reasoning string `json:"reasoning,omitempty"`
}

// WorkflowMode selects between the two dispatch modes spec.md §4.9
// requires the orchestrator to support.
type WorkflowMode string

const (
	// WorkflowOrchestratorDriven is the default: the orchestrator loop
	// advances the task graph one ready batch at a time.
	WorkflowOrchestratorDriven WorkflowMode = "orchestrator-driven"
	// WorkflowAgentChained means the first step carries a workflow
	// context and subsequent agents hand off to each other directly.
	WorkflowAgentChained WorkflowMode = "agent-chained"
)

// TaskStatus is the lifecycle state of a Task, per spec.md §4.9.
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskReady   TaskStatus = "ready"
	TaskRunning TaskStatus = "running"
	TaskDone    TaskStatus = "done"
	TaskFailed  TaskStatus = "failed"
	TaskSkipped TaskStatus = "skipped"
)

// ActionKind is the enumerated, closed set of task action kinds
// spec.md §3 names. The executor/dispatcher uses this instead of an
// inheritance hierarchy of "executor" types (spec.md §9).
type ActionKind string

const (
	ActionOpenApp      ActionKind = "open-app"
	ActionClick        ActionKind = "click"
	ActionType         ActionKind = "type"
	ActionWaitFor      ActionKind = "wait-for"
	ActionWebScript    ActionKind = "web-script"
	ActionUIAutomation ActionKind = "ui-automation"
	ActionSendMail     ActionKind = "send-mail"
	ActionCallAgent    ActionKind = "call-agent"
	ActionGenericTool  ActionKind = "generic-tool"
)

// Task is one node in a job's task graph.
type Task struct {
	ID         string         `json:"id"`
	Action     ActionKind     `json:"action"`
	Target     string         `json:"target"`
	Text       string         `json:"text,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	TimeoutSec int            `json:"timeout_seconds"`
	DependsOn  []string       `json:"depends_on,omitempty"`
	Status     TaskStatus     `json:"status"`
	Result     map[string]any `json:"result,omitempty"`
	ErrorCode  string         `json:"error_code,omitempty"`
	ErrorMsg   string         `json:"error_message,omitempty"`
	Attempt    int            `json:"attempt"`
	RetryLimit int            `json:"retry_limit"`

	// AgentType, when set, pins dispatch to a capability tag instead of
	// letting the registry's selection policy pick one.
	AgentType string `json:"agent_type,omitempty"`

	// WorkflowContext is set on the first task of an agent-chained plan;
	// see WorkflowMode.
	WorkflowContext *WorkflowContext `json:"workflow_context,omitempty"`
}

// WorkflowContext is the embedded multi-agent handoff plan described in
// spec.md §3. An agent that receives a request carrying one is expected
// to invoke the next step directly rather than reply to the orchestrator.
type WorkflowContext struct {
	Steps       []WorkflowStep  `json:"steps"`
	CurrentStep int             `json:"current_step"`
	Trace       []WorkflowTrace `json:"trace,omitempty"`
}

// WorkflowStep names one planned hop in an agent-chained workflow.
type WorkflowStep struct {
	AgentURI string `json:"agent_uri"`
	Intent   string `json:"intent"`
}

// WorkflowTrace records the outcome of one hop, appended by each agent
// as it hands off to the next.
type WorkflowTrace struct {
	AgentURI  string         `json:"agent_uri"`
	Status    string         `json:"status"`
	Result    map[string]any `json:"result,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
