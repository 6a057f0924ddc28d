// Package staged buffers claim writes over a base store until they are
// applied as one batch. Stores without native transactions (memory, Redis)
// use it so a failed operation leaves the base untouched.
package staged

import (
	"context"

	"poe/internal/claims/models"
	"poe/pkg/platform/sentinel"
)

// Reader is the read side of a claim store.
type Reader interface {
	Find(ctx context.Context, claim models.Claim) (*models.Registration, error)
	Exists(ctx context.Context, claim models.Claim) (bool, error)
}

// Change is one pending write. A nil Registration deletes the claim.
type Change struct {
	Claim        models.Claim
	Registration *models.Registration
}

// IsDelete reports whether the change removes the claim.
func (c Change) IsDelete() bool {
	return c.Registration == nil
}

// Overlay satisfies registry.Store by reading through pending writes to the base.
type Overlay struct {
	base    Reader
	pending map[string]*models.Registration
	order   []string
	claims  map[string]models.Claim
}

func New(base Reader) *Overlay {
	return &Overlay{
		base:    base,
		pending: make(map[string]*models.Registration),
		claims:  make(map[string]models.Claim),
	}
}

func (o *Overlay) Find(ctx context.Context, claim models.Claim) (*models.Registration, error) {
	if reg, ok := o.pending[claim.Key()]; ok {
		if reg == nil {
			return nil, sentinel.ErrNotFound
		}
		cp := *reg
		return &cp, nil
	}
	return o.base.Find(ctx, claim)
}

func (o *Overlay) Exists(ctx context.Context, claim models.Claim) (bool, error) {
	if reg, ok := o.pending[claim.Key()]; ok {
		return reg != nil, nil
	}
	return o.base.Exists(ctx, claim)
}

func (o *Overlay) Insert(ctx context.Context, claim models.Claim, reg models.Registration) error {
	exists, err := o.Exists(ctx, claim)
	if err != nil {
		return err
	}
	if exists {
		return sentinel.ErrAlreadyUsed
	}
	o.stage(claim, &reg)
	return nil
}

func (o *Overlay) Update(ctx context.Context, claim models.Claim, reg models.Registration) error {
	exists, err := o.Exists(ctx, claim)
	if err != nil {
		return err
	}
	if !exists {
		return sentinel.ErrNotFound
	}
	o.stage(claim, &reg)
	return nil
}

func (o *Overlay) Delete(ctx context.Context, claim models.Claim) error {
	exists, err := o.Exists(ctx, claim)
	if err != nil {
		return err
	}
	if !exists {
		return sentinel.ErrNotFound
	}
	o.stage(claim, nil)
	return nil
}

// Changes returns pending writes in first-touch order, one per claim.
func (o *Overlay) Changes() []Change {
	changes := make([]Change, 0, len(o.order))
	for _, key := range o.order {
		changes = append(changes, Change{Claim: o.claims[key], Registration: o.pending[key]})
	}
	return changes
}

func (o *Overlay) stage(claim models.Claim, reg *models.Registration) {
	key := claim.Key()
	if _, seen := o.pending[key]; !seen {
		o.order = append(o.order, key)
		o.claims[key] = claim.Clone()
	}
	o.pending[key] = reg
}
