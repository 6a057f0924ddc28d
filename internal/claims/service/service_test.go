package service

//go:generate mockgen -source=service.go -destination=mocks/mocks.go -package=mocks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	eventsmemory "poe/internal/claims/events/memory"
	"poe/internal/claims/metrics"
	"poe/internal/claims/models"
	"poe/internal/claims/registry"
	"poe/internal/claims/service/mocks"
	"poe/internal/claims/store/memory"
	"poe/internal/claims/store/staged"
	dErrors "poe/pkg/domain-errors"
	"poe/pkg/requestcontext"
)

const (
	alice models.AccountID = "alice"
	bob   models.AccountID = "bob"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type ServiceSuite struct {
	suite.Suite
	ctrl      *gomock.Controller
	blocks    *mocks.MockBlockSource
	publisher *mocks.MockEventPublisher
	store     *memory.InMemory
	metrics   *metrics.Metrics
	service   *Service
	ctx       context.Context
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.blocks = mocks.NewMockBlockSource(s.ctrl)
	s.publisher = mocks.NewMockEventPublisher(s.ctrl)
	s.store = memory.NewInMemory()
	s.metrics = metrics.New(prometheus.NewRegistry())
	s.ctx = context.Background()

	var err error
	s.service, err = New(NewShardedTx(s.store, 0), s.blocks, s.publisher,
		WithMetrics(s.metrics),
		WithMaxLength(4),
		WithClock(func() time.Time { return fixedNow }),
	)
	s.Require().NoError(err)
}

func (s *ServiceSuite) atBlock(block models.BlockNumber) {
	s.blocks.EXPECT().Current(gomock.Any()).Return(block, nil)
}

func (s *ServiceSuite) seed(claim models.Claim, owner models.AccountID, block models.BlockNumber) {
	s.Require().NoError(s.store.Insert(s.ctx, claim, models.Registration{Owner: owner, RegisteredAt: block}))
}

func (s *ServiceSuite) TestNew() {
	s.Run("requires a transaction runner", func() {
		_, err := New(nil, s.blocks, s.publisher)
		s.Require().ErrorContains(err, "claim transaction is required")
	})

	s.Run("requires a block source", func() {
		_, err := New(NewShardedTx(s.store, 0), nil, s.publisher)
		s.Require().ErrorContains(err, "block source is required")
	})

	s.Run("requires a publisher", func() {
		_, err := New(NewShardedTx(s.store, 0), s.blocks, nil)
		s.Require().ErrorContains(err, "event publisher is required")
	})

	s.Run("rejects a negative max length", func() {
		_, err := New(NewShardedTx(s.store, 0), s.blocks, s.publisher, WithMaxLength(-1))
		s.Require().Error(err)
	})

	s.Run("defaults the max length", func() {
		svc, err := New(NewShardedTx(s.store, 0), s.blocks, s.publisher)
		s.Require().NoError(err)
		s.Equal(64, svc.MaxLength())
	})
}

func (s *ServiceSuite) TestCreateClaim() {
	claim := models.Claim{0x01, 0x02}

	s.Run("registers the claim and publishes ClaimCreated", func() {
		s.SetupTest()
		s.atBlock(5)
		s.publisher.EXPECT().Publish(gomock.Any(), models.Event{
			Kind:       models.EventClaimCreated,
			Caller:     alice,
			Claim:      claim,
			Block:      5,
			OccurredAt: fixedNow,
		}).Return(nil)

		reg, err := s.service.CreateClaim(s.ctx, alice, claim)
		s.Require().NoError(err)
		s.Equal(models.Registration{Owner: alice, RegisteredAt: 5}, *reg)
		s.Equal(map[string]models.Registration{claim.Key(): {Owner: alice, RegisteredAt: 5}}, s.store.Snapshot())
		s.Equal(1.0, testutil.ToFloat64(s.metrics.Operations.WithLabelValues(metrics.OpCreate, "ok")))
	})

	s.Run("rejects a claim that is already registered", func() {
		s.SetupTest()
		s.seed(claim, alice, 5)
		s.atBlock(6)

		_, err := s.service.CreateClaim(s.ctx, bob, claim)
		s.Require().True(dErrors.HasCode(err, dErrors.CodeClaimAlreadyClaimed))
		s.Equal(models.Registration{Owner: alice, RegisteredAt: 5}, s.store.Snapshot()[claim.Key()])
		s.Equal(1.0, testutil.ToFloat64(s.metrics.Operations.WithLabelValues(metrics.OpCreate, string(dErrors.CodeClaimAlreadyClaimed))))
	})

	s.Run("rejects a claim longer than the bound", func() {
		s.SetupTest()
		s.atBlock(1)

		_, err := s.service.CreateClaim(s.ctx, alice, models.Claim{1, 2, 3, 4, 5})
		s.Require().True(dErrors.HasCode(err, dErrors.CodeOverFlow))
		s.Zero(s.store.Len())
	})

	s.Run("rejects an anonymous caller without reading the block", func() {
		s.SetupTest()

		_, err := s.service.CreateClaim(s.ctx, "", claim)
		s.Require().True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})

	s.Run("keeps the claim and counts the drop when the sink refuses the event", func() {
		s.SetupTest()
		s.atBlock(5)
		s.publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(errors.New("broker down"))

		reg, err := s.service.CreateClaim(s.ctx, alice, claim)
		s.Require().NoError(err)
		s.Equal(models.BlockNumber(5), reg.RegisteredAt)
		s.Equal(1, s.store.Len())
		s.Equal(1.0, testutil.ToFloat64(s.metrics.EventsDropped))
	})

	s.Run("fails when the block source fails", func() {
		s.SetupTest()
		s.blocks.EXPECT().Current(gomock.Any()).Return(models.BlockNumber(0), errors.New("ticker stopped"))

		_, err := s.service.CreateClaim(s.ctx, alice, claim)
		s.Require().True(dErrors.HasCode(err, dErrors.CodeInternal))
		s.Zero(s.store.Len())
	})
}

func (s *ServiceSuite) TestRevokeClaim() {
	claim := models.Claim{0xaa}

	s.Run("removes the claim and publishes ClaimRevoked", func() {
		s.SetupTest()
		s.seed(claim, alice, 5)
		s.atBlock(9)
		s.publisher.EXPECT().Publish(gomock.Any(), models.Event{
			Kind:       models.EventClaimRevoked,
			Caller:     alice,
			Claim:      claim,
			Block:      9,
			OccurredAt: fixedNow,
		}).Return(nil)

		s.Require().NoError(s.service.RevokeClaim(s.ctx, alice, claim))
		s.Zero(s.store.Len())
	})

	s.Run("rejects a caller who does not own the claim", func() {
		s.SetupTest()
		s.seed(claim, alice, 5)
		s.atBlock(9)

		err := s.service.RevokeClaim(s.ctx, bob, claim)
		s.Require().True(dErrors.HasCode(err, dErrors.CodeNotClaimOwner))
		s.Equal(1, s.store.Len())
	})

	s.Run("rejects an unknown claim", func() {
		s.SetupTest()
		s.atBlock(9)

		err := s.service.RevokeClaim(s.ctx, alice, claim)
		s.Require().True(dErrors.HasCode(err, dErrors.CodeNoSuchClaim))
	})

	s.Run("revocation stands when the sink refuses the event", func() {
		s.SetupTest()
		s.seed(claim, alice, 5)
		s.atBlock(9)
		s.publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(errors.New("broker down"))

		s.Require().NoError(s.service.RevokeClaim(s.ctx, alice, claim))
		s.Zero(s.store.Len())
		s.Equal(1.0, testutil.ToFloat64(s.metrics.EventsDropped))
	})
}

func (s *ServiceSuite) TestTransferClaim() {
	claim := models.Claim{0x0b, 0x0c}

	s.Run("moves ownership and restamps the block", func() {
		s.SetupTest()
		s.seed(claim, alice, 5)
		s.atBlock(12)
		s.publisher.EXPECT().Publish(gomock.Any(), models.Event{
			Kind:       models.EventClaimTransfer,
			Caller:     alice,
			Claim:      claim,
			NewOwner:   bob,
			Block:      12,
			OccurredAt: fixedNow,
		}).Return(nil)

		reg, err := s.service.TransferClaim(s.ctx, alice, claim, bob)
		s.Require().NoError(err)
		s.Equal(models.Registration{Owner: bob, RegisteredAt: 12}, *reg)
		s.Equal(models.Registration{Owner: bob, RegisteredAt: 12}, s.store.Snapshot()[claim.Key()])
	})

	s.Run("rejects a caller who does not own the claim", func() {
		s.SetupTest()
		s.seed(claim, alice, 5)
		s.atBlock(12)

		_, err := s.service.TransferClaim(s.ctx, bob, claim, bob)
		s.Require().True(dErrors.HasCode(err, dErrors.CodeNotClaimOwner))
		s.Equal(models.Registration{Owner: alice, RegisteredAt: 5}, s.store.Snapshot()[claim.Key()])
	})

	s.Run("rejects an unknown claim", func() {
		s.SetupTest()
		s.atBlock(12)

		_, err := s.service.TransferClaim(s.ctx, alice, claim, bob)
		s.Require().True(dErrors.HasCode(err, dErrors.CodeNoSuchClaim))
	})

	s.Run("requires a new owner", func() {
		s.SetupTest()

		_, err := s.service.TransferClaim(s.ctx, alice, claim, "")
		s.Require().True(dErrors.HasCode(err, dErrors.CodeValidation))
	})
}

func (s *ServiceSuite) TestGetClaim() {
	claim := models.Claim{0x42}

	s.Run("returns the registration", func() {
		s.SetupTest()
		s.seed(claim, alice, 3)

		reg, err := s.service.GetClaim(s.ctx, claim)
		s.Require().NoError(err)
		s.Equal(models.Registration{Owner: alice, RegisteredAt: 3}, *reg)
	})

	s.Run("reports an unknown claim", func() {
		s.SetupTest()

		_, err := s.service.GetClaim(s.ctx, claim)
		s.Require().True(dErrors.HasCode(err, dErrors.CodeNoSuchClaim))
		s.Equal(1.0, testutil.ToFloat64(s.metrics.Operations.WithLabelValues(metrics.OpGet, string(dErrors.CodeNoSuchClaim))))
	})
}

func (s *ServiceSuite) TestEventTimeFallsBackToRequestTime() {
	svc, err := New(NewShardedTx(s.store, 0), s.blocks, s.publisher)
	s.Require().NoError(err)

	requestTime := time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)
	ctx := requestcontext.WithTime(s.ctx, requestTime)

	s.atBlock(3)
	s.publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, event models.Event) error {
			s.Equal(requestTime, event.OccurredAt)
			return nil
		})

	_, err = svc.CreateClaim(ctx, alice, models.Claim{0x0f})
	s.Require().NoError(err)
}

func (s *ServiceSuite) TestConcurrentCreateHasOneWinner() {
	claim := models.Claim{0x07}
	callers := []models.AccountID{"a", "b", "c", "d", "e", "f", "g", "h"}
	s.blocks.EXPECT().Current(gomock.Any()).Return(models.BlockNumber(1), nil).Times(len(callers))
	s.publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(nil).Times(1)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for _, caller := range callers {
		wg.Add(1)
		go func(caller models.AccountID) {
			defer wg.Done()
			_, err := s.service.CreateClaim(s.ctx, caller, claim)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			s.True(dErrors.HasCode(err, dErrors.CodeClaimAlreadyClaimed))
		}(caller)
	}
	wg.Wait()

	s.Equal(1, wins)
	s.Equal(1, s.store.Len())
}

// outboxPublisher joins the claim transaction the way the outbox writer does.
type outboxPublisher struct {
	err    error
	events []models.Event
}

func (p *outboxPublisher) Transactional() bool { return true }

func (p *outboxPublisher) Publish(_ context.Context, event models.Event) error {
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

// brokenApplyStore stages writes normally but refuses to commit them.
type brokenApplyStore struct {
	*memory.InMemory
}

func (brokenApplyStore) Apply(context.Context, []staged.Change) error {
	return errors.New("EXECABORT")
}

func (s *ServiceSuite) TestTransactionalPublisher() {
	claim := models.Claim{0x0d}

	s.Run("publishes inside the transaction", func() {
		s.SetupTest()
		pub := &outboxPublisher{}
		svc, err := New(NewShardedTx(s.store, 0), s.blocks, pub, WithClock(func() time.Time { return fixedNow }))
		s.Require().NoError(err)
		s.atBlock(4)

		_, err = svc.CreateClaim(s.ctx, alice, claim)
		s.Require().NoError(err)
		s.Require().Len(pub.events, 1)
		s.Equal(models.BlockNumber(4), pub.events[0].Block)
	})

	s.Run("rolls the mutation back when the write fails", func() {
		s.SetupTest()
		pub := &outboxPublisher{err: errors.New("outbox insert failed")}
		svc, err := New(NewShardedTx(s.store, 0), s.blocks, pub)
		s.Require().NoError(err)
		s.atBlock(4)

		_, err = svc.CreateClaim(s.ctx, alice, claim)
		s.Require().True(dErrors.HasCode(err, dErrors.CodeInternal))
		s.Zero(s.store.Len())
	})
}

func (s *ServiceSuite) TestFailedCommitDeliversNothing() {
	claim := models.Claim{0x0e}
	broken := brokenApplyStore{InMemory: memory.NewInMemory()}
	recorder := eventsmemory.NewRecorder()
	svc, err := New(NewShardedTx(broken, 0), s.blocks, recorder)
	s.Require().NoError(err)

	s.Run("create", func() {
		s.atBlock(2)
		_, err := svc.CreateClaim(s.ctx, alice, claim)
		s.Require().True(dErrors.HasCode(err, dErrors.CodeInternal))
	})

	s.Run("revoke and transfer", func() {
		s.Require().NoError(broken.Insert(s.ctx, claim, models.Registration{Owner: alice, RegisteredAt: 1}))
		s.atBlock(3)
		s.Require().Error(svc.RevokeClaim(s.ctx, alice, claim))
		s.atBlock(3)
		_, err := svc.TransferClaim(s.ctx, alice, claim, bob)
		s.Require().Error(err)
		s.Equal(models.Registration{Owner: alice, RegisteredAt: 1}, broken.Snapshot()[claim.Key()])
	})

	s.Zero(recorder.Len())
}

func TestShardedTx_CancelledContext(t *testing.T) {
	tx := NewShardedTx(memory.NewInMemory(), 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := tx.RunInTx(ctx, func(context.Context, registry.Store) error {
		called = true
		return nil
	})
	if !dErrors.HasCode(err, dErrors.CodeTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if called {
		t.Fatal("fn must not run on a cancelled context")
	}
}

func TestHashClaimKey_Stable(t *testing.T) {
	if hashClaimKey("abc") != hashClaimKey("abc") {
		t.Fatal("hash must be deterministic")
	}
	if hashClaimKey("") != 2166136261 {
		t.Fatalf("empty key must hash to the FNV offset basis, got %d", hashClaimKey(""))
	}
}
