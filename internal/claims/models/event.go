package models

import "time"

// EventKind names the domain event a successful registry operation emits.
type EventKind string

const (
	EventClaimCreated  EventKind = "ClaimCreated"
	EventClaimTransfer EventKind = "ClaimTransfer"
	EventClaimRevoked  EventKind = "ClaimRevoked"
)

func (k EventKind) IsValid() bool {
	switch k {
	case EventClaimCreated, EventClaimTransfer, EventClaimRevoked:
		return true
	}
	return false
}

// Event is what the registry asks the host to deliver after a mutation.
// NewOwner is set only for ClaimTransfer. Block and OccurredAt are stamped by
// the dispatching service.
type Event struct {
	Kind       EventKind
	Caller     AccountID
	Claim      Claim
	NewOwner   AccountID
	Block      BlockNumber
	OccurredAt time.Time
}

func NewClaimCreated(caller AccountID, claim Claim) Event {
	return Event{Kind: EventClaimCreated, Caller: caller, Claim: claim.Clone()}
}

func NewClaimRevoked(caller AccountID, claim Claim) Event {
	return Event{Kind: EventClaimRevoked, Caller: caller, Claim: claim.Clone()}
}

func NewClaimTransfer(caller AccountID, claim Claim, newOwner AccountID) Event {
	return Event{Kind: EventClaimTransfer, Caller: caller, Claim: claim.Clone(), NewOwner: newOwner}
}
