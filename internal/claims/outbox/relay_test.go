package outbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"poe/pkg/platform/circuit"
)

// RelayCircuitSuite drives the relay's tick loop with a scripted batch
// function and a manual clock.
type RelayCircuitSuite struct {
	suite.Suite
	relay   *Relay
	breaker *circuit.Breaker
	now     time.Time
	calls   int
	failing bool
}

func TestRelayCircuitSuite(t *testing.T) {
	suite.Run(t, new(RelayCircuitSuite))
}

func (s *RelayCircuitSuite) SetupTest() {
	s.now = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	s.calls = 0
	s.failing = true
	s.breaker = circuit.New("outbox-sink", circuit.WithFailureThreshold(2), circuit.WithSuccessThreshold(1))
	s.relay = NewRelay(nil, nil,
		WithInterval(time.Second),
		WithCooldown(10*time.Second),
		WithBreaker(s.breaker),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	s.relay.now = func() time.Time { return s.now }
	s.relay.batch = func(context.Context) (int, error) {
		s.calls++
		if s.failing {
			return 0, errors.New("sink unavailable")
		}
		return 0, nil
	}
}

func (s *RelayCircuitSuite) advance(d time.Duration) {
	s.now = s.now.Add(d)
}

func (s *RelayCircuitSuite) TestOpenCircuitSkipsTheSink() {
	ctx := context.Background()

	s.relay.tick(ctx)
	s.relay.tick(ctx)
	s.Require().True(s.breaker.IsOpen())
	s.Equal(2, s.calls)

	for i := 0; i < 5; i++ {
		s.advance(time.Second)
		s.relay.tick(ctx)
	}
	s.Equal(2, s.calls, "no batch may reach the sink during the cooldown")
}

func (s *RelayCircuitSuite) TestTrialBatchAfterCooldown() {
	ctx := context.Background()
	s.relay.tick(ctx)
	s.relay.tick(ctx)
	s.Require().True(s.breaker.IsOpen())

	s.Run("a failed trial batch restarts the cooldown", func() {
		s.advance(10 * time.Second)
		s.relay.tick(ctx)
		s.Equal(3, s.calls)
		s.True(s.breaker.IsOpen())

		s.advance(5 * time.Second)
		s.relay.tick(ctx)
		s.Equal(3, s.calls)
	})

	s.Run("a successful trial batch closes the circuit", func() {
		s.failing = false
		s.advance(5 * time.Second)
		s.relay.tick(ctx)
		s.Equal(4, s.calls)
		s.False(s.breaker.IsOpen())

		s.relay.tick(ctx)
		s.Equal(5, s.calls)
	})
}

func (s *RelayCircuitSuite) TestClosedCircuitRetriesEveryTick() {
	ctx := context.Background()
	s.relay.tick(ctx)
	s.False(s.breaker.IsOpen())
	s.relay.tick(ctx)
	s.Equal(2, s.calls)
}
