// Package planner implements the Intent Planner (C6): it decomposes a
// job's intent into a task graph, preferring a rule-based match and
// falling back to an LLM-assisted external collaborator when nothing
// matches (spec.md §4.6).
package planner

import (
	"context"
	"fmt"
	"regexp"

	"go.uber.org/zap"

	"github.com/kandev/orbital/internal/common/logger"
	v1 "github.com/kandev/orbital/pkg/api/v1"
)

// policyCheckTaskID is the conventional ID of the synthetic policy-check
// step every multi-agent plan is given as its first step (spec.md §4.6,
// §4.7). The Orchestrator Loop recognizes this ID specially: a denying
// verdict in its result fails the job before any other step runs.
const policyCheckTaskID = "policy-check"

// Collaborator is the external planning interface the LLM-assisted
// strategy calls through — the "call-agent" collaborator named in
// spec.md §4.6, which Orbital never talks to via a vendor SDK, only via
// the same agent protocol every other task uses.
type Collaborator interface {
	// Plan asks an agent advertising a planning capability to decompose
	// request given the currently known agents. It must return a plan
	// whose steps all name existing agents and intents; the caller
	// re-validates this regardless.
	Plan(ctx context.Context, request PlanRequest, knownAgents []v1.AgentDescriptor) (*Plan, error)
}

// PlanRequest is what gets planned: an intent label plus structured
// parameters, mirroring what the Intake API accepts.
type PlanRequest struct {
	IntentLabel string
	Params      map[string]any
}

// Plan is the Intent Planner's output: a task graph (as an ordered slice,
// so callers can feed it straight to internal/graph) plus the free-form
// reasoning string spec.md §4.6 requires alongside it, and the dispatch
// mode decided for it.
type Plan struct {
	Tasks        []*v1.Task
	Reasoning    string
	WorkflowMode v1.WorkflowMode
}

// Rule is one entry in the rule-based router: an input pattern and the
// template task graph it expands to.
type Rule struct {
	Pattern  string
	Tasks    []TaskTemplate
	compiled *regexp.Regexp
}

// TaskTemplate describes one task in a rule's template graph. Target and
// Text may reference request parameters with "{{param}}" placeholders,
// substituted at plan time.
type TaskTemplate struct {
	ID         string
	Action     v1.ActionKind
	Target     string
	Text       string
	AgentType  string
	DependsOn  []string
	TimeoutSec int
	RetryLimit int
}

// Planner holds the compiled rule set and, optionally, an LLM-assisted
// fallback collaborator.
type Planner struct {
	rules        []Rule
	collaborator Collaborator
	logger       *logger.Logger
}

// New compiles rules (in priority order — first match wins) into a
// Planner. An invalid regex pattern is rejected immediately rather than
// failing later at plan time.
func New(rules []Rule, collaborator Collaborator, log *logger.Logger) (*Planner, error) {
	compiled := make([]Rule, len(rules))
	for i, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("planner: invalid pattern %q: %w", r.Pattern, err)
		}
		r.compiled = re
		compiled[i] = r
	}
	return &Planner{
		rules:        compiled,
		collaborator: collaborator,
		logger:       log.WithFields(zap.String("component", "planner")),
	}, nil
}

// Plan decomposes req into a task graph, trying rule-based matching
// first and falling back to the external collaborator. Multi-agent plans
// are given a synthetic policy-check step as their first, ungated task.
func (p *Planner) Plan(ctx context.Context, req PlanRequest, knownAgents []v1.AgentDescriptor) (*Plan, error) {
	for _, rule := range p.rules {
		if rule.compiled.MatchString(req.IntentLabel) {
			tasks := instantiate(rule.Tasks, req.Params)
			plan := &Plan{
				Tasks:        tasks,
				Reasoning:    fmt.Sprintf("rule-based match on pattern %q for intent %q", rule.Pattern, req.IntentLabel),
				WorkflowMode: workflowModeFor(tasks),
			}
			p.insertPolicyCheckIfNeeded(plan)
			p.logger.Info("planned via rule", zap.String("intent", req.IntentLabel), zap.Int("tasks", len(plan.Tasks)))
			return plan, nil
		}
	}

	if p.collaborator == nil {
		return nil, fmt.Errorf("planner: no rule matched intent %q and no LLM-assisted collaborator is configured", req.IntentLabel)
	}

	plan, err := p.collaborator.Plan(ctx, req, knownAgents)
	if err != nil {
		return nil, fmt.Errorf("planner: LLM-assisted planning failed: %w", err)
	}
	if err := p.validatePlan(plan, knownAgents); err != nil {
		return nil, err
	}
	p.insertPolicyCheckIfNeeded(plan)
	p.logger.Info("planned via LLM-assisted collaborator", zap.String("intent", req.IntentLabel), zap.Int("tasks", len(plan.Tasks)))
	return plan, nil
}

// validatePlan checks spec.md §4.6's requirement that every step of an
// externally-proposed plan names an existing agent and intent.
func (p *Planner) validatePlan(plan *Plan, knownAgents []v1.AgentDescriptor) error {
	if len(plan.Tasks) == 0 {
		return fmt.Errorf("planner: collaborator returned an empty plan")
	}
	capabilities := make(map[string]bool)
	for _, a := range knownAgents {
		for _, c := range a.Capabilities {
			capabilities[c] = true
		}
	}
	for _, t := range plan.Tasks {
		if t.AgentType != "" && !capabilities[t.AgentType] {
			return fmt.Errorf("planner: collaborator plan references unknown agent capability %q in step %q", t.AgentType, t.ID)
		}
		if t.Action == "" {
			return fmt.Errorf("planner: collaborator plan step %q has no action/intent", t.ID)
		}
	}
	return nil
}

// insertPolicyCheckIfNeeded prepends a policy-check task to plans
// spanning more than one agent type, and makes every previously-rootless
// task depend on it so no other step can start before policy clears it
// (spec.md §4.6/§4.7).
func (p *Planner) insertPolicyCheckIfNeeded(plan *Plan) {
	if !isMultiAgent(plan.Tasks) {
		return
	}
	for _, id := range rootTaskIDs(plan.Tasks) {
		id := id
		for _, t := range plan.Tasks {
			if t.ID == id {
				t.DependsOn = append(t.DependsOn, policyCheckTaskID)
			}
		}
	}
	policyCheck := &v1.Task{
		ID:         policyCheckTaskID,
		Action:     v1.ActionCallAgent,
		AgentType:  "policy-check",
		Status:     v1.TaskPending,
		TimeoutSec: 10,
	}
	plan.Tasks = append([]*v1.Task{policyCheck}, plan.Tasks...)
}

func isMultiAgent(tasks []*v1.Task) bool {
	seen := make(map[string]bool)
	for _, t := range tasks {
		if t.AgentType != "" {
			seen[t.AgentType] = true
		}
	}
	return len(seen) > 1
}

func rootTaskIDs(tasks []*v1.Task) []string {
	var roots []string
	for _, t := range tasks {
		if len(t.DependsOn) == 0 {
			roots = append(roots, t.ID)
		}
	}
	return roots
}

func workflowModeFor(tasks []*v1.Task) v1.WorkflowMode {
	for _, t := range tasks {
		if t.WorkflowContext != nil {
			return v1.WorkflowAgentChained
		}
	}
	return v1.WorkflowOrchestratorDriven
}

// instantiate binds a template task graph to concrete parameters,
// substituting "{{param}}" placeholders in Target and Text.
func instantiate(templates []TaskTemplate, params map[string]any) []*v1.Task {
	tasks := make([]*v1.Task, 0, len(templates))
	for _, tpl := range templates {
		tasks = append(tasks, &v1.Task{
			ID:         tpl.ID,
			Action:     tpl.Action,
			Target:     substitute(tpl.Target, params),
			Text:       substitute(tpl.Text, params),
			Payload:    params,
			AgentType:  tpl.AgentType,
			DependsOn:  append([]string(nil), tpl.DependsOn...),
			TimeoutSec: tpl.TimeoutSec,
			RetryLimit: tpl.RetryLimit,
			Status:     v1.TaskPending,
		})
	}
	return tasks
}

var placeholderPattern = regexp.MustCompile(`\{\{(\w+)\}\}`)

func substitute(s string, params map[string]any) string {
	if s == "" {
		return s
	}
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		key := placeholderPattern.FindStringSubmatch(match)[1]
		if v, ok := params[key]; ok {
			return fmt.Sprintf("%v", v)
		}
		return match
	})
}
