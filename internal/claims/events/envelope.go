// Package events serializes claim events for delivery outside the process.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"poe/internal/claims/models"
)

// Envelope is the wire form of a claim event. Every sink carries the same
// JSON so consumers do not care which transport delivered it.
type Envelope struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Caller     string    `json:"caller"`
	Claim      string    `json:"claim"`
	NewOwner   string    `json:"new_owner,omitempty"`
	Block      uint64    `json:"block"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewEnvelope assigns a fresh ID to event.
func NewEnvelope(event models.Event) Envelope {
	return Envelope{
		ID:         uuid.NewString(),
		Type:       string(event.Kind),
		Caller:     event.Caller.String(),
		Claim:      event.Claim.String(),
		NewOwner:   event.NewOwner.String(),
		Block:      uint64(event.Block),
		OccurredAt: event.OccurredAt.UTC(),
	}
}

// Encode wraps event in a new envelope and marshals it.
func Encode(event models.Event) (Envelope, []byte, error) {
	env := NewEnvelope(event)
	payload, err := json.Marshal(env)
	if err != nil {
		return Envelope{}, nil, fmt.Errorf("marshal claim event: %w", err)
	}
	return env, payload, nil
}

// Decode parses and checks an envelope.
func Decode(payload []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal claim event: %w", err)
	}
	if !models.EventKind(env.Type).IsValid() {
		return Envelope{}, fmt.Errorf("unknown claim event type %q", env.Type)
	}
	return env, nil
}

// Event converts the envelope back into a domain event.
func (e Envelope) Event() (models.Event, error) {
	claim, err := models.ParseClaim(e.Claim)
	if err != nil {
		return models.Event{}, err
	}
	return models.Event{
		Kind:       models.EventKind(e.Type),
		Caller:     models.AccountID(e.Caller),
		Claim:      claim,
		NewOwner:   models.AccountID(e.NewOwner),
		Block:      models.BlockNumber(e.Block),
		OccurredAt: e.OccurredAt,
	}, nil
}
