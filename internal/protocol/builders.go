package protocol

import (
	"time"

	"github.com/google/uuid"
)

// New creates an envelope with a fresh id and the current timestamp,
// so callers never have to stamp one by hand.
func New(t MessageType, sender, intent string, payload map[string]any) *Envelope {
	return &Envelope{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Type:      t,
		Sender:    sender,
		Intent:    intent,
		Payload:   payload,
	}
}

// NewRequest builds a request envelope addressed to recipient, tagged
// with the conversation id (the job id) dispatchers correlate replies
// against.
func NewRequest(sender, recipient, intent, conversationID string, payload map[string]any) *Envelope {
	env := New(TypeRequest, sender, intent, payload)
	env.To = []string{recipient}
	env.Correlation = Correlation{ConversationID: conversationID}
	return env
}

// Reply builds a reply envelope of type t that correlates back to req.
func Reply(req *Envelope, t MessageType, sender string, payload map[string]any) *Envelope {
	env := New(t, sender, req.Intent, payload)
	env.To = []string{req.Sender}
	env.Correlation = Correlation{
		ConversationID: req.Correlation.ConversationID,
		InReplyTo:      req.ID,
	}
	return env
}

// NewFailure builds a failure reply carrying a status reason.
func NewFailure(req *Envelope, sender, reason string) *Envelope {
	env := Reply(req, TypeFailure, sender, nil)
	env.Status = Status{Code: "failure", Reason: reason}
	return env
}

// NewDiscover builds a discover envelope broadcasting a capability need.
func NewDiscover(sender string, capabilities []string, conversationID string) *Envelope {
	env := New(TypeDiscover, sender, "discover", map[string]any{
		"capabilities": capabilities,
	})
	env.Correlation = Correlation{ConversationID: conversationID}
	return env
}

// NewOffer builds an offer envelope responding to a discover.
func NewOffer(discover *Envelope, sender string, price map[string]any) *Envelope {
	return Reply(discover, TypeOffer, sender, price)
}

// NewAssign builds an assign envelope selecting a winning offer.
func NewAssign(offer *Envelope, sender string) *Envelope {
	return Reply(offer, TypeAssign, sender, nil)
}
