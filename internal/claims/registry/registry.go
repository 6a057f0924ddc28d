// Package registry is the proof-of-existence state machine.
//
// A claim is either absent or owned by exactly one account. Registry applies
// CreateClaim, RevokeClaim and TransferClaim against a Store handle supplied
// per call; it holds no state of its own beyond MaxLength. Every check runs
// before the first write, so a rejected call never mutates the store.
//
// The registry does not log, retry, or lock. Callers serialize operations and
// deliver the returned Event.
package registry

import (
	"context"
	"errors"
	"fmt"

	"poe/internal/claims/models"
	dErrors "poe/pkg/domain-errors"
	"poe/pkg/platform/sentinel"
)

// DefaultMaxLength bounds claim length when no deployment value is configured.
const DefaultMaxLength = 64

// Store is the persisted claim map. Implementations return sentinel.ErrNotFound
// for missing keys and sentinel.ErrAlreadyUsed when Insert hits a bound key.
type Store interface {
	Find(ctx context.Context, claim models.Claim) (*models.Registration, error)
	Exists(ctx context.Context, claim models.Claim) (bool, error)
	Insert(ctx context.Context, claim models.Claim, reg models.Registration) error
	Update(ctx context.Context, claim models.Claim, reg models.Registration) error
	Delete(ctx context.Context, claim models.Claim) error
}

// Registry validates and applies claim state transitions.
type Registry struct {
	maxLength int
}

// New returns a Registry rejecting claims longer than maxLength bytes.
func New(maxLength int) (*Registry, error) {
	if maxLength < 0 {
		return nil, fmt.Errorf("max length must not be negative, got %d", maxLength)
	}
	return &Registry{maxLength: maxLength}, nil
}

// MaxLength returns the configured claim length bound.
func (r *Registry) MaxLength() int {
	return r.maxLength
}

// CreateClaim binds claim to caller at block.
func (r *Registry) CreateClaim(ctx context.Context, store Store, caller models.AccountID, claim models.Claim, block models.BlockNumber) (models.Event, error) {
	if len(claim) > r.maxLength {
		return models.Event{}, dErrors.New(dErrors.CodeOverFlow,
			fmt.Sprintf("claim is %d bytes, maximum is %d", len(claim), r.maxLength))
	}
	exists, err := store.Exists(ctx, claim)
	if err != nil {
		return models.Event{}, fmt.Errorf("check claim: %w", err)
	}
	if exists {
		return models.Event{}, errAlreadyClaimed()
	}

	err = store.Insert(ctx, claim, models.Registration{Owner: caller, RegisteredAt: block})
	if errors.Is(err, sentinel.ErrAlreadyUsed) {
		// Lost a race against another writer sharing the store.
		return models.Event{}, errAlreadyClaimed()
	}
	if err != nil {
		return models.Event{}, fmt.Errorf("insert claim: %w", err)
	}
	return models.NewClaimCreated(caller, claim), nil
}

// RevokeClaim deletes claim when caller owns it.
func (r *Registry) RevokeClaim(ctx context.Context, store Store, caller models.AccountID, claim models.Claim) (models.Event, error) {
	if _, err := r.ownedBy(ctx, store, caller, claim); err != nil {
		return models.Event{}, err
	}
	if err := store.Delete(ctx, claim); err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return models.Event{}, errNoSuchClaim()
		}
		return models.Event{}, fmt.Errorf("delete claim: %w", err)
	}
	return models.NewClaimRevoked(caller, claim), nil
}

// TransferClaim rebinds claim to newOwner at block when caller owns it.
// An absent claim is rejected with NoSuchClaim rather than compared against a
// zero-value owner.
func (r *Registry) TransferClaim(ctx context.Context, store Store, caller models.AccountID, claim models.Claim, newOwner models.AccountID, block models.BlockNumber) (models.Event, error) {
	if _, err := r.ownedBy(ctx, store, caller, claim); err != nil {
		return models.Event{}, err
	}
	if err := store.Update(ctx, claim, models.Registration{Owner: newOwner, RegisteredAt: block}); err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return models.Event{}, errNoSuchClaim()
		}
		return models.Event{}, fmt.Errorf("update claim: %w", err)
	}
	return models.NewClaimTransfer(caller, claim, newOwner), nil
}

// GetClaim returns the registration bound to claim.
func (r *Registry) GetClaim(ctx context.Context, store Store, claim models.Claim) (*models.Registration, error) {
	reg, err := store.Find(ctx, claim)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, errNoSuchClaim()
		}
		return nil, fmt.Errorf("find claim: %w", err)
	}
	return reg, nil
}

func (r *Registry) ownedBy(ctx context.Context, store Store, caller models.AccountID, claim models.Claim) (*models.Registration, error) {
	reg, err := r.GetClaim(ctx, store, claim)
	if err != nil {
		return nil, err
	}
	if !reg.IsOwnedBy(caller) {
		return nil, dErrors.New(dErrors.CodeNotClaimOwner, "caller does not own the claim")
	}
	return reg, nil
}

func errAlreadyClaimed() error {
	return dErrors.New(dErrors.CodeClaimAlreadyClaimed, "claim is already registered")
}

func errNoSuchClaim() error {
	return dErrors.New(dErrors.CodeNoSuchClaim, "claim does not exist")
}
