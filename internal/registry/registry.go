// Package registry implements the Agent Registry (C2): a directory of
// known agents, their capability tags, transport endpoints, and health.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/orbital/internal/common/logger"
	v1 "github.com/kandev/orbital/pkg/api/v1"
)

// Registry holds Agent Descriptors and answers capability-based lookups.
// It may be seeded from a static roster file (see roster.go) and mutated
// at runtime by discovery exchanges (spec.md §4.2).
type Registry struct {
	mu      sync.RWMutex
	agents  map[string]*v1.AgentDescriptor
	order   []string // registration order, for the lookup-by-capability tie-break
	logger  *logger.Logger
	nextSeq int
}

// New creates an empty registry.
func New(log *logger.Logger) *Registry {
	return &Registry{
		agents: make(map[string]*v1.AgentDescriptor),
		logger: log.WithFields(zap.String("component", "registry")),
	}
}

// Register adds or replaces a descriptor. Re-registering an existing
// agent-id updates its fields but keeps its original registration order,
// since that order is part of the tie-break contract and should not
// reward an agent for re-announcing itself.
func (r *Registry) Register(d v1.AgentDescriptor) error {
	if d.ID == "" {
		return fmt.Errorf("registry: agent-id is required")
	}
	if d.Endpoint == "" {
		return fmt.Errorf("registry: endpoint is required for agent %q", d.ID)
	}
	if d.LastSeen.IsZero() {
		d.LastSeen = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.agents[d.ID]; ok {
		d = d.WithRegistrationOrder(existing.RegistrationOrder())
	} else {
		d = d.WithRegistrationOrder(r.nextSeq)
		r.nextSeq++
		r.order = append(r.order, d.ID)
	}
	r.agents[d.ID] = &d
	r.logger.Info("registered agent", zap.String("agent_id", d.ID), zap.Strings("capabilities", d.Capabilities))
	return nil
}

// Unregister removes an agent-id from the directory.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[id]; !ok {
		return fmt.Errorf("registry: agent %q not found", id)
	}
	delete(r.agents, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.logger.Info("unregistered agent", zap.String("agent_id", id))
	return nil
}

// LookupByID returns the descriptor for id, if known.
func (r *Registry) LookupByID(id string) (v1.AgentDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.agents[id]
	if !ok {
		return v1.AgentDescriptor{}, false
	}
	return *d, true
}

// LookupByCapability returns the best match for tag per spec.md §4.2's
// selection policy: prefer available agents; within that, prefer the
// most recently seen; tie-break by registration order. Returns false if
// no agent advertises the tag at all.
func (r *Registry) LookupByCapability(tag string) (v1.AgentDescriptor, bool) {
	candidates := r.ListByCapability(tag)
	if len(candidates) == 0 {
		return v1.AgentDescriptor{}, false
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if (a.Status == v1.AgentAvailable) != (b.Status == v1.AgentAvailable) {
			return a.Status == v1.AgentAvailable
		}
		if !a.LastSeen.Equal(b.LastSeen) {
			return a.LastSeen.After(b.LastSeen)
		}
		return a.RegistrationOrder() < b.RegistrationOrder()
	})
	return candidates[0], true
}

// ListByCapability returns every agent advertising tag, in no particular
// order; LookupByCapability applies the selection policy on top of this.
func (r *Registry) ListByCapability(tag string) []v1.AgentDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []v1.AgentDescriptor
	for _, d := range r.agents {
		for _, c := range d.Capabilities {
			if c == tag {
				result = append(result, *d)
				break
			}
		}
	}
	return result
}

// UpdateStatus sets an agent's availability and bumps its last-seen
// timestamp; last-writer-wins, matching spec.md §5's resource model for
// the registry.
func (r *Registry) UpdateStatus(id string, status v1.AgentAvailability) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("registry: agent %q not found", id)
	}
	d.Status = status
	d.LastSeen = time.Now().UTC()
	return nil
}

// ListAll returns every known descriptor.
func (r *Registry) ListAll() []v1.AgentDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]v1.AgentDescriptor, 0, len(r.agents))
	for _, d := range r.agents {
		result = append(result, *d)
	}
	return result
}
