package blocks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"poe/internal/claims/metrics"
	"poe/internal/claims/models"
)

func TestTicker_StartsAtConfiguredBlock(t *testing.T) {
	ticker := NewTicker(42, time.Second)

	block, err := ticker.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.BlockNumber(42), block)
}

func TestTicker_AdvanceIsMonotonic(t *testing.T) {
	ticker := NewTicker(0, time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker.Advance()
		}()
	}
	wg.Wait()

	block, err := ticker.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.BlockNumber(100), block)
}

func TestTicker_ReportsGauge(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	ticker := NewTicker(7, time.Second, WithGauge(m))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.CurrentBlock))

	ticker.Advance()
	assert.Equal(t, 8.0, testutil.ToFloat64(m.CurrentBlock))
}

func TestTicker_RunAdvancesUntilCancelled(t *testing.T) {
	ticker := NewTicker(0, 5*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- ticker.Run(ctx) }()

	require.Eventually(t, func() bool {
		block, _ := ticker.Current(context.Background())
		return block >= 3
	}, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("ticker did not stop after cancel")
	}
}

func TestTicker_DefaultInterval(t *testing.T) {
	ticker := NewTicker(0, 0)
	assert.Equal(t, DefaultInterval, ticker.interval)
}

type fixedHighWater struct {
	block models.BlockNumber
	err   error
}

func (f fixedHighWater) MaxRegisteredAt(context.Context) (models.BlockNumber, error) {
	return f.block, f.err
}

func TestResume(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name  string
		start models.BlockNumber
		hw    HighWater
		want  models.BlockNumber
	}{
		{name: "no store keeps the configured start", start: 3, hw: nil, want: 3},
		{name: "persisted blocks win over a lower start", start: 0, hw: fixedHighWater{block: 5}, want: 5},
		{name: "a higher start wins over persisted blocks", start: 9, hw: fixedHighWater{block: 5}, want: 9},
		{name: "empty store", start: 0, hw: fixedHighWater{}, want: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Resume(ctx, tc.start, tc.hw)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	t.Run("store failure aborts startup", func(t *testing.T) {
		_, err := Resume(ctx, 0, fixedHighWater{err: errors.New("db down")})
		assert.ErrorContains(t, err, "read persisted block")
	})
}
