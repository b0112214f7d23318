// Package policy implements the Policy Engine (C7): a pure, local
// allow/deny predicate the Dispatcher consults before sending any task
// to an agent. Ethics-agent delegation is not this package's concern —
// the Orchestrator Loop handles that by dispatching the policy-check
// step the Intent Planner embeds in multi-agent plans (spec.md §4.7).
package policy

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/orbital/internal/common/logger"
	v1 "github.com/kandev/orbital/pkg/api/v1"
)

// SenderContext identifies who is asking for a task to be dispatched,
// for rate-limiting and attribution.
type SenderContext struct {
	SenderURI  string
	Capability string
}

// Config is the on-disk policy rule set (PolicyConfig.RulesPath).
type Config struct {
	BlockedActions      []v1.ActionKind `yaml:"blocked_actions"`
	AllowedApplications []string        `yaml:"allowed_applications"`
	RateLimitPerMinute  int             `yaml:"rate_limit_per_minute"`
}

// Engine evaluates Config's rules against individual tasks. It keeps
// per-sender rate-limit counters, the one piece of engine state that
// isn't purely a function of its input.
type Engine struct {
	mu sync.Mutex

	blockedActions      map[v1.ActionKind]bool
	allowedApplications map[string]bool
	rateLimitPerMinute  int

	// recent holds, per (sender, capability) key, the timestamps of
	// dispatches within the last minute.
	recent map[string][]time.Time

	logger *logger.Logger
}

// New builds an Engine from cfg.
func New(cfg Config, log *logger.Logger) *Engine {
	blocked := make(map[v1.ActionKind]bool, len(cfg.BlockedActions))
	for _, a := range cfg.BlockedActions {
		blocked[a] = true
	}
	var allowed map[string]bool
	if len(cfg.AllowedApplications) > 0 {
		allowed = make(map[string]bool, len(cfg.AllowedApplications))
		for _, app := range cfg.AllowedApplications {
			allowed[app] = true
		}
	}
	return &Engine{
		blockedActions:       blocked,
		allowedApplications:  allowed,
		rateLimitPerMinute:   cfg.RateLimitPerMinute,
		recent:               make(map[string][]time.Time),
		logger:               log.WithFields(zap.String("component", "policy")),
	}
}

// Validate returns allow (ok=true) or deny (ok=false, reason) for task as
// requested by sender. It performs no I/O, per spec.md §4.7.
func (e *Engine) Validate(task *v1.Task, sender SenderContext) (ok bool, reason string) {
	if e.blockedActions[task.Action] {
		return false, fmt.Sprintf("action %q is on the blocked-action list", task.Action)
	}

	if isDesktopAction(task.Action) && e.allowedApplications != nil {
		if !e.allowedApplications[task.Target] {
			return false, fmt.Sprintf("target %q is not in the allowed-application list", task.Target)
		}
	}

	if e.rateLimitPerMinute > 0 {
		if !e.checkRateLimit(sender) {
			return false, fmt.Sprintf("rate limit of %d/min exceeded for sender %q capability %q", e.rateLimitPerMinute, sender.SenderURI, sender.Capability)
		}
	}

	return true, ""
}

func isDesktopAction(a v1.ActionKind) bool {
	switch a {
	case v1.ActionOpenApp, v1.ActionUIAutomation, v1.ActionClick, v1.ActionType:
		return true
	default:
		return false
	}
}

// checkRateLimit prunes timestamps older than a minute and reports
// whether sender is still under the configured limit, recording this
// call if so.
func (e *Engine) checkRateLimit(sender SenderContext) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := sender.SenderURI + "|" + sender.Capability
	now := time.Now()
	cutoff := now.Add(-time.Minute)

	kept := e.recent[key][:0]
	for _, ts := range e.recent[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= e.rateLimitPerMinute {
		e.recent[key] = kept
		return false
	}

	kept = append(kept, now)
	e.recent[key] = kept
	return true
}
