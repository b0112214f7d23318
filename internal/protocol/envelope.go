// Package protocol defines the twelve-type agent message envelope
// (spec.md §4.1, §6): its JSON wire shape, construction helpers, and
// parsing rules. It is the one vocabulary every other component speaks
// when it crosses the HTTP boundary to or from an external agent.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType is one of the twelve envelope types spec.md §4.1 defines.
type MessageType string

const (
	TypeRequest  MessageType = "request"
	TypeInform   MessageType = "inform"
	TypePropose  MessageType = "propose"
	TypeAgree    MessageType = "agree"
	TypeRefuse   MessageType = "refuse"
	TypeConfirm  MessageType = "confirm"
	TypeFailure  MessageType = "failure"
	TypeDone     MessageType = "done"
	TypeRoute    MessageType = "route"
	TypeDiscover MessageType = "discover"
	TypeOffer    MessageType = "offer"
	TypeAssign   MessageType = "assign"
)

var validTypes = map[MessageType]bool{
	TypeRequest: true, TypeInform: true, TypePropose: true, TypeAgree: true,
	TypeRefuse: true, TypeConfirm: true, TypeFailure: true, TypeDone: true,
	TypeRoute: true, TypeDiscover: true, TypeOffer: true, TypeAssign: true,
}

// Correlation links a reply envelope to its originating request.
type Correlation struct {
	ConversationID string `json:"conversation_id,omitempty"`
	InReplyTo      string `json:"in_reply_to,omitempty"`
}

// Status carries a terse machine-readable code/reason pair, used mostly
// by failure and refuse envelopes.
type Status struct {
	Code   string `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Security carries the bearer token and/or signature presented with the
// envelope. protocol only defines the shape; no component of Orbital
// verifies these fields.
type Security struct {
	Token string `json:"token,omitempty"`
	Sig   string `json:"sig,omitempty"`
}

// Envelope is the wire-level agent message defined in spec.md §6.
//
// Extra unmarshals as a catch-all for any field the sender included that
// this version of Orbital doesn't model by name. Parsing rules (spec.md
// §4.1) require unknown fields to be tolerated on receive and preserved
// on forward; Extra plus MarshalJSON/UnmarshalJSON below is how that
// round-trip is kept lossless without resorting to map[string]any for
// the whole envelope (which would throw away the typed fields every
// other component relies on).
type Envelope struct {
	ID             string         `json:"id"`
	Timestamp      time.Time      `json:"ts"`
	Type           MessageType    `json:"type"`
	Sender         string         `json:"sender"`
	To             []string       `json:"to,omitempty"`
	Intent         string         `json:"intent"`
	Payload        map[string]any `json:"payload,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
	Correlation    Correlation    `json:"correlation,omitempty"`
	Expected       map[string]any `json:"expected,omitempty"`
	Status         Status         `json:"status,omitempty"`
	SecurityFields Security       `json:"security,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// requiredFields names the fields parsing rules treat as mandatory;
// a message missing any of these is rejected at the boundary (spec.md
// §4.1) and never partially processed.
var requiredFields = []string{"id", "ts", "type", "sender", "intent"}

// MarshalJSON writes the envelope with its typed fields plus whatever
// unknown fields were preserved in Extra, so that unknown keys survive
// a parse-then-forward round trip unchanged.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	type alias Envelope
	base, err := json.Marshal((*alias)(e))
	if err != nil {
		return nil, err
	}
	if len(e.Extra) == 0 {
		return base, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range e.Extra {
		if _, known := merged[k]; !known {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON decodes the typed fields and stashes every other key in
// Extra so a later MarshalJSON can put it back.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	type alias Envelope
	if err := json.Unmarshal(data, (*alias)(e)); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	known := map[string]bool{
		"id": true, "ts": true, "type": true, "sender": true, "to": true,
		"intent": true, "payload": true, "context": true, "correlation": true,
		"expected": true, "status": true, "security": true,
	}
	extra := make(map[string]json.RawMessage)
	for k, v := range raw {
		if !known[k] {
			extra[k] = v
		}
	}
	if len(extra) > 0 {
		e.Extra = extra
	}
	return nil
}

// Parse decodes a raw JSON envelope and validates required fields,
// rejecting (rather than partially processing) anything malformed.
func Parse(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: malformed envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// Validate checks the envelope against the parsing rules of spec.md
// §4.1: every required field present, and the type drawn from the
// closed set of twelve.
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return missingField("id")
	}
	if e.Timestamp.IsZero() {
		return missingField("ts")
	}
	if e.Sender == "" {
		return missingField("sender")
	}
	if e.Intent == "" {
		return missingField("intent")
	}
	if e.Type == "" {
		return missingField("type")
	}
	if !validTypes[e.Type] {
		return fmt.Errorf("protocol: unknown message type %q", e.Type)
	}
	return nil
}

func missingField(name string) error {
	return fmt.Errorf("protocol: missing required field %q (required: %v)", name, requiredFields)
}

// IsReplyType reports whether t is one of the types a request must
// eventually be answered with (spec.md §4.1).
func IsReplyType(t MessageType) bool {
	switch t {
	case TypeInform, TypeFailure, TypeRefuse, TypeDone:
		return true
	default:
		return false
	}
}
