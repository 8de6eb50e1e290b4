package outbox

import (
	"encoding/json"
	"time"
)

// ActorRef identifies who produced the event. Background flows leave it nil.
type ActorRef struct {
	OwnerID uint64 `json:"ownerId"`
	NodeID  uint64 `json:"nodeId,omitempty"`
}

// PayloadEnvelope is the stable payload structure stored in outbox_events.
type PayloadEnvelope struct {
	Version    int             `json:"version"`
	EventID    string          `json:"eventId"`
	OccurredAt time.Time       `json:"occurredAt"`
	Actor      *ActorRef       `json:"actor,omitempty"`
	Data       json.RawMessage `json:"data"`
}
