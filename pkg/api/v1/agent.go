package v1

import "time"

// AgentAvailability is the operational status of a registered agent.
type AgentAvailability string

const (
	AgentAvailable AgentAvailability = "available"
	AgentBusy      AgentAvailability = "busy"
	AgentOffline   AgentAvailability = "offline"
)

// EthicsMetadata carries the optional ethics-review properties of an
// agent descriptor: whether the agent itself performs ethics evaluation
// and any declared constraints it operates under. The registry stores it
// as given; no component reads it.
type EthicsMetadata struct {
	IsEthicsEvaluator bool     `json:"is_ethics_evaluator,omitempty"`
	Constraints       []string `json:"constraints,omitempty"`
}

// PricingMetadata is opaque cost information surfaced to planners that
// want to factor price into agent selection; the registry does not
// interpret it.
type PricingMetadata struct {
	Currency  string  `json:"currency,omitempty"`
	UnitPrice float64 `json:"unit_price,omitempty"`
	Unit      string  `json:"unit,omitempty"`
}

// AgentDescriptor is one record in the Agent Registry (C2).
type AgentDescriptor struct {
	// ID is the agent's URI, e.g. "agent://acme/calculator".
	ID           string            `json:"id"`
	Endpoint     string            `json:"endpoint"`
	Capabilities []string          `json:"capabilities"`
	Status       AgentAvailability `json:"status"`
	Pricing      *PricingMetadata  `json:"pricing,omitempty"`
	Ethics       *EthicsMetadata   `json:"ethics,omitempty"`
	LastSeen     time.Time         `json:"last_seen"`

	// registrationOrder is assigned by the registry on first register()
	// call and used as the final selection tie-break; it is not part of
	// the wire representation because it is a registry-local concept.
	registrationOrder int
}

// WithRegistrationOrder returns a copy of the descriptor stamped with
// the registry's insertion sequence number. Exported so the registry
// package (which lives alongside, not above, this package) can stamp
// copies without reaching into an unexported field from outside.
func (a AgentDescriptor) WithRegistrationOrder(n int) AgentDescriptor {
	a.registrationOrder = n
	return a
}

// RegistrationOrder returns the stamped insertion sequence number.
func (a AgentDescriptor) RegistrationOrder() int {
	return a.registrationOrder
}
