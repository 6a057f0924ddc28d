//go:build integration

package outbox_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	"poe/internal/claims/events"
	"poe/internal/claims/metrics"
	"poe/internal/claims/models"
	"poe/internal/claims/outbox"
	"poe/pkg/platform/circuit"
	txcontext "poe/pkg/platform/tx"
	"poe/pkg/testutil/containers"
)

type recordingSink struct {
	mu      sync.Mutex
	got     []events.Envelope
	failing bool
}

func (s *recordingSink) PublishEnvelope(_ context.Context, env events.Envelope, _ []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("sink unavailable")
	}
	s.got = append(s.got, env)
	return nil
}

func (s *recordingSink) envelopes() []events.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.Envelope(nil), s.got...)
}

type OutboxSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	writer   *outbox.Writer
}

func TestOutboxSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(OutboxSuite))
}

func (s *OutboxSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.postgres = mgr.GetPostgres(s.T())
	s.writer = outbox.NewWriter(s.postgres.DB)
}

func (s *OutboxSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(context.Background(), "outbox", "claims", "block_high_water"))
}

func (s *OutboxSuite) publishInTx(event models.Event, commit bool) {
	ctx := context.Background()
	tx, err := s.postgres.DB.BeginTx(ctx, nil)
	s.Require().NoError(err)
	s.Require().NoError(s.writer.Publish(txcontext.WithTx(ctx, tx), event))
	if commit {
		s.Require().NoError(tx.Commit())
		return
	}
	s.Require().NoError(tx.Rollback())
}

func (s *OutboxSuite) TestRolledBackEventIsNeverRelayed() {
	ctx := context.Background()
	s.publishInTx(models.NewClaimCreated("alice", models.Claim{0x01}), false)

	relay := outbox.NewRelay(s.postgres.DB, &recordingSink{})
	pending, err := relay.Pending(ctx)
	s.Require().NoError(err)
	s.Zero(pending)
}

func (s *OutboxSuite) TestRelayPublishesInOrderAndMarksRows() {
	ctx := context.Background()
	claim := models.Claim{0x02}
	s.publishInTx(models.NewClaimCreated("alice", claim), true)
	s.publishInTx(models.NewClaimTransfer("alice", claim, "bob"), true)
	s.publishInTx(models.NewClaimRevoked("bob", claim), true)

	sink := &recordingSink{}
	m := metrics.New(prometheus.NewRegistry())
	relay := outbox.NewRelay(s.postgres.DB, sink, outbox.WithBatchSize(2), outbox.WithMetrics(m))

	n, err := relay.RelayBatch(ctx)
	s.Require().NoError(err)
	s.Equal(2, n)
	n, err = relay.RelayBatch(ctx)
	s.Require().NoError(err)
	s.Equal(1, n)
	n, err = relay.RelayBatch(ctx)
	s.Require().NoError(err)
	s.Zero(n)

	got := sink.envelopes()
	s.Require().Len(got, 3)
	s.Equal("ClaimCreated", got[0].Type)
	s.Equal("ClaimTransfer", got[1].Type)
	s.Equal("ClaimRevoked", got[2].Type)
	s.Equal(3.0, testutil.ToFloat64(m.OutboxPublished))

	pending, err := relay.Pending(ctx)
	s.Require().NoError(err)
	s.Zero(pending)
}

func (s *OutboxSuite) TestFailedSinkKeepsRowsQueued() {
	ctx := context.Background()
	s.publishInTx(models.NewClaimCreated("alice", models.Claim{0x03}), true)

	sink := &recordingSink{failing: true}
	relay := outbox.NewRelay(s.postgres.DB, sink)

	_, err := relay.RelayBatch(ctx)
	s.Require().Error(err)

	pending, err := relay.Pending(ctx)
	s.Require().NoError(err)
	s.Equal(1, pending)

	sink.mu.Lock()
	sink.failing = false
	sink.mu.Unlock()

	n, err := relay.RelayBatch(ctx)
	s.Require().NoError(err)
	s.Equal(1, n)
}

func (s *OutboxSuite) TestRunRecoversAfterSinkOutage() {
	s.publishInTx(models.NewClaimCreated("alice", models.Claim{0x04}), true)

	sink := &recordingSink{failing: true}
	breaker := circuit.New("outbox-sink", circuit.WithFailureThreshold(1), circuit.WithSuccessThreshold(1))
	relay := outbox.NewRelay(s.postgres.DB, sink,
		outbox.WithInterval(10*time.Millisecond),
		outbox.WithBreaker(breaker),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()
	defer func() {
		cancel()
		s.NoError(<-done)
	}()

	s.Eventually(breaker.IsOpen, 5*time.Second, 10*time.Millisecond)

	sink.mu.Lock()
	sink.failing = false
	sink.mu.Unlock()

	s.Eventually(func() bool {
		return len(sink.envelopes()) == 1 && !breaker.IsOpen()
	}, 5*time.Second, 10*time.Millisecond)
}
