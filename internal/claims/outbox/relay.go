package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"poe/internal/claims/events"
	"poe/pkg/platform/circuit"
)

const (
	DefaultInterval  = time.Second
	DefaultBatchSize = 100
)

// Sink receives relayed envelopes. The Kafka and Redis publishers satisfy it.
type Sink interface {
	PublishEnvelope(ctx context.Context, env events.Envelope, payload []byte) error
}

// Metrics records relay throughput.
type Metrics interface {
	IncrementOutboxPublished(n int)
	IncrementOutboxFailures()
}

// Relay polls unpublished outbox rows in creation order, hands them to the
// sink and marks them published in the same transaction. Rows are locked with
// SKIP LOCKED so several relays can run side by side. Delivery is at least
// once: a crash after the sink accepted a batch but before commit resends it.
type Relay struct {
	db        *sql.DB
	sink      Sink
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
	metrics   Metrics
	breaker   *circuit.Breaker
	cooldown  time.Duration
	now       func() time.Time
	nextTrial time.Time
	batch     func(ctx context.Context) (int, error)
}

type RelayOption func(*Relay)

func WithInterval(d time.Duration) RelayOption {
	return func(r *Relay) {
		if d > 0 {
			r.interval = d
		}
	}
}

func WithBatchSize(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

func WithLogger(logger *slog.Logger) RelayOption {
	return func(r *Relay) {
		r.logger = logger
	}
}

func WithMetrics(m Metrics) RelayOption {
	return func(r *Relay) {
		r.metrics = m
	}
}

// WithBreaker replaces the sink circuit breaker.
func WithBreaker(b *circuit.Breaker) RelayOption {
	return func(r *Relay) {
		if b != nil {
			r.breaker = b
		}
	}
}

// WithCooldown sets how long an open circuit keeps the relay away from the
// sink before a trial batch. Defaults to five intervals.
func WithCooldown(d time.Duration) RelayOption {
	return func(r *Relay) {
		if d > 0 {
			r.cooldown = d
		}
	}
}

func NewRelay(db *sql.DB, sink Sink, opts ...RelayOption) *Relay {
	r := &Relay{
		db:        db,
		sink:      sink,
		interval:  DefaultInterval,
		batchSize: DefaultBatchSize,
		logger:    slog.Default(),
		breaker:   circuit.New("outbox-sink"),
		now:       time.Now,
	}
	r.batch = r.RelayBatch
	for _, opt := range opts {
		opt(r)
	}
	if r.cooldown == 0 {
		r.cooldown = 5 * r.interval
	}
	return r
}

// Run relays batches every interval until ctx is done. A failed batch is
// logged and retried on the next tick. While the sink circuit is open the
// relay leaves the sink alone until the cooldown passes, then sends a single
// trial batch; its outcome closes the circuit or restarts the cooldown.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.InfoContext(ctx, "outbox relay started",
		"interval", r.interval.String(),
		"batch_size", r.batchSize,
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.tick(ctx)
			if ctx.Err() != nil {
				return nil
			}
		}
	}
}

// tick runs one relay round, honoring the circuit.
func (r *Relay) tick(ctx context.Context) {
	if r.breaker.IsOpen() {
		if r.now().Before(r.nextTrial) {
			return
		}
		r.logger.InfoContext(ctx, "outbox sink circuit half-open, retrying sink", "breaker", r.breaker.Name())
	}
	_ = r.drain(ctx)
}

func (r *Relay) drain(ctx context.Context) error {
	for {
		n, err := r.batch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			r.recordFailure(ctx, err)
			return err
		}
		r.recordSuccess(ctx)
		// Drain backlogs without waiting a full interval per batch.
		if n < r.batchSize || r.breaker.IsOpen() {
			return nil
		}
	}
}

func (r *Relay) recordFailure(ctx context.Context, err error) {
	r.logger.ErrorContext(ctx, "outbox relay batch failed", "error", err)
	if r.metrics != nil {
		r.metrics.IncrementOutboxFailures()
	}
	if _, change := r.breaker.RecordFailure(); change.Opened {
		r.logger.WarnContext(ctx, "outbox sink circuit opened",
			"breaker", r.breaker.Name(),
			"cooldown", r.cooldown.String(),
		)
	}
	if r.breaker.IsOpen() {
		r.nextTrial = r.now().Add(r.cooldown)
	}
}

func (r *Relay) recordSuccess(ctx context.Context) {
	if _, change := r.breaker.RecordSuccess(); change.Closed {
		r.logger.InfoContext(ctx, "outbox sink circuit closed", "breaker", r.breaker.Name())
	}
}

// RelayBatch publishes at most one batch and returns how many rows it marked.
func (r *Relay) RelayBatch(ctx context.Context) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin outbox batch: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, payload
		FROM outbox
		WHERE published_at IS NULL
		ORDER BY created_at, id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("select outbox batch: %w", err)
	}

	type entry struct {
		id      uuid.UUID
		payload []byte
	}
	var batch []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.id, &e.payload); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan outbox entry: %w", err)
		}
		batch = append(batch, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("iterate outbox batch: %w", err)
	}
	rows.Close()

	if len(batch) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(batch))
	for _, e := range batch {
		env, err := events.Decode(e.payload)
		if err != nil {
			// A row that can never decode would block the queue forever.
			r.logger.ErrorContext(ctx, "dropping undecodable outbox entry",
				"outbox_id", e.id.String(),
				"error", err,
			)
			ids = append(ids, e.id.String())
			continue
		}
		if err := r.sink.PublishEnvelope(ctx, env, e.payload); err != nil {
			if len(ids) == 0 {
				return 0, err
			}
			// Keep what was delivered; the rest stays queued.
			return r.markPublished(ctx, tx, ids, err)
		}
		ids = append(ids, e.id.String())
	}
	return r.markPublished(ctx, tx, ids, nil)
}

func (r *Relay) markPublished(ctx context.Context, tx *sql.Tx, ids []string, sinkErr error) (int, error) {
	_, err := tx.ExecContext(ctx,
		`UPDATE outbox SET published_at = now() WHERE id = ANY($1::uuid[])`,
		pq.Array(ids),
	)
	if err != nil {
		return 0, fmt.Errorf("mark outbox published: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit outbox batch: %w", err)
	}
	if r.metrics != nil {
		r.metrics.IncrementOutboxPublished(len(ids))
	}
	if sinkErr != nil {
		return len(ids), sinkErr
	}
	return len(ids), nil
}

// Pending counts unpublished rows.
func (r *Relay) Pending(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM outbox WHERE published_at IS NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending outbox entries: %w", err)
	}
	return n, nil
}
