package registry

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/suite"

	"poe/internal/claims/models"
	"poe/internal/claims/store/memory"
	dErrors "poe/pkg/domain-errors"
	"poe/pkg/platform/sentinel"
)

const (
	alice models.AccountID = "alice"
	bob   models.AccountID = "bob"
)

type RegistrySuite struct {
	suite.Suite
	registry *Registry
	store    *memory.InMemory
	ctx      context.Context
}

func TestRegistrySuite(t *testing.T) {
	suite.Run(t, new(RegistrySuite))
}

func (s *RegistrySuite) SetupTest() {
	var err error
	s.registry, err = New(4)
	s.Require().NoError(err)
	s.store = memory.NewInMemory()
	s.ctx = context.Background()
}

func (s *RegistrySuite) create(caller models.AccountID, claim models.Claim, block models.BlockNumber) {
	s.T().Helper()
	_, err := s.registry.CreateClaim(s.ctx, s.store, caller, claim, block)
	s.Require().NoError(err)
}

func (s *RegistrySuite) TestNew() {
	s.Run("negative max length is rejected", func() {
		_, err := New(-1)
		s.Error(err)
	})

	s.Run("zero max length only admits the empty claim", func() {
		r, err := New(0)
		s.Require().NoError(err)
		_, err = r.CreateClaim(s.ctx, memory.NewInMemory(), alice, models.Claim{}, 1)
		s.NoError(err)
		_, err = r.CreateClaim(s.ctx, memory.NewInMemory(), alice, models.Claim{1}, 1)
		s.True(dErrors.HasCode(err, dErrors.CodeOverFlow))
	})
}

func (s *RegistrySuite) TestCreateClaim() {
	claim := models.Claim{0, 1}

	s.Run("binds the caller at the current block", func() {
		event, err := s.registry.CreateClaim(s.ctx, s.store, alice, claim, 10)
		s.Require().NoError(err)
		s.Equal(models.NewClaimCreated(alice, claim), event)

		reg, err := s.registry.GetClaim(s.ctx, s.store, claim)
		s.Require().NoError(err)
		s.Equal(models.Registration{Owner: alice, RegisteredAt: 10}, *reg)
	})

	s.Run("second create fails with ClaimAlreadyClaimed and keeps state", func() {
		before := s.store.Snapshot()

		_, err := s.registry.CreateClaim(s.ctx, s.store, alice, claim, 11)
		s.True(dErrors.HasCode(err, dErrors.CodeClaimAlreadyClaimed))

		_, err = s.registry.CreateClaim(s.ctx, s.store, bob, claim, 12)
		s.True(dErrors.HasCode(err, dErrors.CodeClaimAlreadyClaimed))
		s.Equal(before, s.store.Snapshot())
	})

	s.Run("claim longer than max length fails with OverFlow", func() {
		before := s.store.Snapshot()

		_, err := s.registry.CreateClaim(s.ctx, s.store, alice, models.Claim{1, 2, 3, 4, 5}, 13)
		s.True(dErrors.HasCode(err, dErrors.CodeOverFlow))
		s.Equal(before, s.store.Snapshot())
	})

	// The bound is an upper limit: len > MaxLength is rejected and a claim of
	// exactly MaxLength bytes is accepted.
	s.Run("claim of exactly max length is accepted", func() {
		_, err := s.registry.CreateClaim(s.ctx, s.store, alice, models.Claim{1, 2, 3, 4}, 14)
		s.NoError(err)
	})

	s.Run("length is checked before existence", func() {
		long := models.Claim{9, 9, 9, 9, 9}
		_, err := s.registry.CreateClaim(s.ctx, s.store, alice, long, 15)
		s.True(dErrors.HasCode(err, dErrors.CodeOverFlow))
	})
}

func (s *RegistrySuite) TestRevokeClaim() {
	claim := models.Claim{0, 1}

	s.Run("missing claim fails with NoSuchClaim", func() {
		_, err := s.registry.RevokeClaim(s.ctx, s.store, alice, claim)
		s.True(dErrors.HasCode(err, dErrors.CodeNoSuchClaim))
	})

	s.Run("non-owner fails with NotClaimOwner", func() {
		s.create(alice, claim, 1)
		before := s.store.Snapshot()

		_, err := s.registry.RevokeClaim(s.ctx, s.store, bob, claim)
		s.True(dErrors.HasCode(err, dErrors.CodeNotClaimOwner))
		s.Equal(before, s.store.Snapshot())
	})

	s.Run("owner revokes and the entry is gone", func() {
		event, err := s.registry.RevokeClaim(s.ctx, s.store, alice, claim)
		s.Require().NoError(err)
		s.Equal(models.NewClaimRevoked(alice, claim), event)

		_, err = s.registry.GetClaim(s.ctx, s.store, claim)
		s.True(dErrors.HasCode(err, dErrors.CodeNoSuchClaim))
		s.Equal(0, s.store.Len())
	})

	s.Run("revoked claim can be created again with a fresh registration", func() {
		s.create(bob, claim, 42)

		reg, err := s.registry.GetClaim(s.ctx, s.store, claim)
		s.Require().NoError(err)
		s.Equal(models.Registration{Owner: bob, RegisteredAt: 42}, *reg)
	})
}

func (s *RegistrySuite) TestTransferClaim() {
	claim := models.Claim{0, 1}

	// An absent claim is rejected with NoSuchClaim instead of being compared
	// against a zero-value owner.
	s.Run("missing claim fails with NoSuchClaim", func() {
		_, err := s.registry.TransferClaim(s.ctx, s.store, alice, claim, bob, 5)
		s.True(dErrors.HasCode(err, dErrors.CodeNoSuchClaim))

		_, err = s.registry.TransferClaim(s.ctx, s.store, "", claim, bob, 5)
		s.True(dErrors.HasCode(err, dErrors.CodeNoSuchClaim), "empty caller must not match an absent owner")
		s.Equal(0, s.store.Len())
	})

	s.Run("non-owner fails with NotClaimOwner", func() {
		s.create(alice, claim, 5)
		before := s.store.Snapshot()

		_, err := s.registry.TransferClaim(s.ctx, s.store, bob, claim, bob, 6)
		s.True(dErrors.HasCode(err, dErrors.CodeNotClaimOwner))
		s.Equal(before, s.store.Snapshot())
	})

	s.Run("owner transfers and registered_at moves forward", func() {
		event, err := s.registry.TransferClaim(s.ctx, s.store, alice, claim, bob, 8)
		s.Require().NoError(err)
		s.Equal(models.NewClaimTransfer(alice, claim, bob), event)
		s.Equal(bob, event.NewOwner)

		reg, err := s.registry.GetClaim(s.ctx, s.store, claim)
		s.Require().NoError(err)
		s.Equal(models.Registration{Owner: bob, RegisteredAt: 8}, *reg)
		s.Equal(1, s.store.Len())
	})

	s.Run("previous owner loses rights", func() {
		_, err := s.registry.RevokeClaim(s.ctx, s.store, alice, claim)
		s.True(dErrors.HasCode(err, dErrors.CodeNotClaimOwner))
	})

	s.Run("transfer to self refreshes registered_at", func() {
		_, err := s.registry.TransferClaim(s.ctx, s.store, bob, claim, bob, 9)
		s.Require().NoError(err)

		reg, err := s.registry.GetClaim(s.ctx, s.store, claim)
		s.Require().NoError(err)
		s.Equal(models.BlockNumber(9), reg.RegisteredAt)
	})
}

func (s *RegistrySuite) TestEventClaimIsDetached() {
	claim := models.Claim{7, 7}
	event, err := s.registry.CreateClaim(s.ctx, s.store, alice, claim, 1)
	s.Require().NoError(err)

	claim[0] = 0
	s.True(bytes.Equal([]byte{7, 7}, event.Claim))
}

func (s *RegistrySuite) TestStoreFailuresAreNotDomainErrors() {
	failing := &failingStore{err: sentinel.ErrUnavailable}

	_, err := s.registry.CreateClaim(s.ctx, failing, alice, models.Claim{1}, 1)
	s.Require().Error(err)
	s.ErrorIs(err, sentinel.ErrUnavailable)
	s.Equal(dErrors.CodeInternal, dErrors.CodeOf(err))

	_, err = s.registry.RevokeClaim(s.ctx, failing, alice, models.Claim{1})
	s.ErrorIs(err, sentinel.ErrUnavailable)

	_, err = s.registry.TransferClaim(s.ctx, failing, alice, models.Claim{1}, bob, 1)
	s.ErrorIs(err, sentinel.ErrUnavailable)
}

func (s *RegistrySuite) TestInsertConflictMapsToAlreadyClaimed() {
	racing := &racingStore{InMemory: memory.NewInMemory()}

	_, err := s.registry.CreateClaim(s.ctx, racing, alice, models.Claim{3}, 1)
	s.True(dErrors.HasCode(err, dErrors.CodeClaimAlreadyClaimed))
}

type failingStore struct {
	err error
}

func (f *failingStore) Find(context.Context, models.Claim) (*models.Registration, error) {
	return nil, f.err
}

func (f *failingStore) Exists(context.Context, models.Claim) (bool, error) {
	return false, f.err
}

func (f *failingStore) Insert(context.Context, models.Claim, models.Registration) error {
	return f.err
}

func (f *failingStore) Update(context.Context, models.Claim, models.Registration) error {
	return f.err
}

func (f *failingStore) Delete(context.Context, models.Claim) error {
	return f.err
}

// racingStore reports the key as free but loses the insert, as a second
// writer committing between the check and the write would cause.
type racingStore struct {
	*memory.InMemory
}

func (r *racingStore) Exists(context.Context, models.Claim) (bool, error) {
	return false, nil
}

func (r *racingStore) Insert(context.Context, models.Claim, models.Registration) error {
	return fmt.Errorf("pq: duplicate key: %w", sentinel.ErrAlreadyUsed)
}
