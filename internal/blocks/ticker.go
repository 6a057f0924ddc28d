// Package blocks produces the monotonic block counter claim registrations are
// stamped with.
package blocks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"poe/internal/claims/models"
)

// DefaultInterval is the block time used when none is configured.
const DefaultInterval = 6 * time.Second

// HighWater reports the highest block already persisted by a claim store.
type HighWater interface {
	MaxRegisteredAt(ctx context.Context) (models.BlockNumber, error)
}

// Resume returns the block a restarted counter starts from: start, or the
// persisted high water mark when that is further along. Registrations written
// before a restart are never newer than the blocks that follow it.
func Resume(ctx context.Context, start models.BlockNumber, hw HighWater) (models.BlockNumber, error) {
	if hw == nil {
		return start, nil
	}
	persisted, err := hw.MaxRegisteredAt(ctx)
	if err != nil {
		return 0, fmt.Errorf("read persisted block: %w", err)
	}
	return max(start, persisted), nil
}

// Gauge receives the latest block number.
type Gauge interface {
	SetCurrentBlock(block uint64)
}

// Ticker advances a block counter on a fixed interval. Reads are lock free and
// the counter never goes backwards.
type Ticker struct {
	current  atomic.Uint64
	interval time.Duration
	logger   *slog.Logger
	gauge    Gauge
}

type Option func(*Ticker)

func WithLogger(logger *slog.Logger) Option {
	return func(t *Ticker) {
		t.logger = logger
	}
}

// WithGauge reports every new block to g.
func WithGauge(g Gauge) Option {
	return func(t *Ticker) {
		t.gauge = g
	}
}

// NewTicker starts the counter at start. A non-positive interval uses DefaultInterval.
func NewTicker(start models.BlockNumber, interval time.Duration, opts ...Option) *Ticker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	t := &Ticker{interval: interval}
	t.current.Store(uint64(start))
	for _, opt := range opts {
		opt(t)
	}
	if t.gauge != nil {
		t.gauge.SetCurrentBlock(uint64(start))
	}
	return t
}

// Current returns the latest block.
func (t *Ticker) Current(_ context.Context) (models.BlockNumber, error) {
	return models.BlockNumber(t.current.Load()), nil
}

// Advance produces the next block and returns it.
func (t *Ticker) Advance() models.BlockNumber {
	next := t.current.Add(1)
	if t.gauge != nil {
		t.gauge.SetCurrentBlock(next)
	}
	return models.BlockNumber(next)
}

// Run advances the counter every interval until ctx is done. It returns nil
// on cancellation so it can run under an errgroup.
func (t *Ticker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	if t.logger != nil {
		t.logger.InfoContext(ctx, "block ticker started",
			"interval", t.interval.String(),
			"block", t.current.Load(),
		)
	}
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			block := t.Advance()
			if t.logger != nil {
				t.logger.DebugContext(ctx, "block produced", "block", uint64(block))
			}
		}
	}
}
