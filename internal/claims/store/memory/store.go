package memory

import (
	"context"
	"sync"

	"poe/internal/claims/models"
	"poe/internal/claims/store/staged"
	"poe/pkg/platform/sentinel"
)

// InMemory keeps the claim map in process. It favors clarity over
// performance and backs tests and single-node development runs.
type InMemory struct {
	mu     sync.RWMutex
	claims map[string]models.Registration
}

func NewInMemory() *InMemory {
	return &InMemory{claims: make(map[string]models.Registration)}
}

func (s *InMemory) Find(_ context.Context, claim models.Claim) (*models.Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if reg, ok := s.claims[claim.Key()]; ok {
		return &reg, nil
	}
	return nil, sentinel.ErrNotFound
}

func (s *InMemory) Exists(_ context.Context, claim models.Claim) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.claims[claim.Key()]
	return ok, nil
}

func (s *InMemory) Insert(_ context.Context, claim models.Claim, reg models.Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.claims[claim.Key()]; ok {
		return sentinel.ErrAlreadyUsed
	}
	s.claims[claim.Key()] = reg
	return nil
}

func (s *InMemory) Update(_ context.Context, claim models.Claim, reg models.Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.claims[claim.Key()]; !ok {
		return sentinel.ErrNotFound
	}
	s.claims[claim.Key()] = reg
	return nil
}

func (s *InMemory) Delete(_ context.Context, claim models.Claim) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.claims[claim.Key()]; !ok {
		return sentinel.ErrNotFound
	}
	delete(s.claims, claim.Key())
	return nil
}

// Apply writes a staged batch under a single lock.
func (s *InMemory) Apply(_ context.Context, changes []staged.Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range changes {
		if c.IsDelete() {
			delete(s.claims, c.Claim.Key())
			continue
		}
		s.claims[c.Claim.Key()] = *c.Registration
	}
	return nil
}

// MaxRegisteredAt returns the highest registered_at held, or 0 when empty.
func (s *InMemory) MaxRegisteredAt(_ context.Context) (models.BlockNumber, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var highest models.BlockNumber
	for _, reg := range s.claims {
		highest = max(highest, reg.RegisteredAt)
	}
	return highest, nil
}

// Snapshot returns a copy of every registration keyed by raw claim bytes.
func (s *InMemory) Snapshot() map[string]models.Registration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]models.Registration, len(s.claims))
	for k, v := range s.claims {
		out[k] = v
	}
	return out
}

// Len returns the number of registered claims.
func (s *InMemory) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.claims)
}
