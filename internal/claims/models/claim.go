package models

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
)

// Claim is the opaque byte string a proof of existence is registered over.
// The bytes are the registry key; equality is byte equality.
type Claim []byte

// ParseClaim decodes the hex form of a claim, with or without a 0x prefix.
func ParseClaim(s string) (Claim, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("claim must be hex encoded: %w", err)
	}
	return Claim(b), nil
}

// String renders the claim as 0x-prefixed lowercase hex.
func (c Claim) String() string {
	return "0x" + hex.EncodeToString(c)
}

// Key returns the claim as a comparable map key.
func (c Claim) Key() string {
	return string(c)
}

func (c Claim) Equal(other Claim) bool {
	return bytes.Equal(c, other)
}

// Clone returns a copy so callers cannot mutate a stored key.
func (c Claim) Clone() Claim {
	if c == nil {
		return nil
	}
	return append(Claim{}, c...)
}

// AccountID identifies an authenticated actor. It is opaque to the registry.
type AccountID string

func (a AccountID) String() string {
	return string(a)
}

func (a AccountID) IsZero() bool {
	return a == ""
}

// BlockNumber is the host's monotonically non-decreasing block counter.
type BlockNumber uint64

// Registration is the value bound to a claim.
//
// Invariants:
//   - Owner is the single account allowed to revoke or transfer the claim
//   - RegisteredAt is the block of the most recent create or transfer
type Registration struct {
	Owner        AccountID   `json:"owner"`
	RegisteredAt BlockNumber `json:"registered_at"`
}

// IsOwnedBy reports whether account holds the claim.
func (r *Registration) IsOwnedBy(account AccountID) bool {
	return r != nil && r.Owner == account
}
