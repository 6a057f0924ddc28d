// Package outbox persists claim events next to the claim mutation and relays
// them to a sink afterwards, so a committed mutation never loses its event.
package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"poe/internal/claims/events"
	"poe/internal/claims/models"
	txcontext "poe/pkg/platform/tx"
)

const aggregateType = "claim"

// Writer implements the service's EventPublisher by inserting into the outbox
// table. With a transaction in context the row commits or rolls back together
// with the claim change.
type Writer struct {
	db  *sql.DB
	now func() time.Time
}

func NewWriter(db *sql.DB) *Writer {
	return &Writer{db: db, now: time.Now}
}

// Transactional reports that outbox rows join the claim transaction.
func (w *Writer) Transactional() bool {
	return true
}

func (w *Writer) Publish(ctx context.Context, event models.Event) error {
	env, payload, err := events.Encode(event)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(env.ID)
	if err != nil {
		return fmt.Errorf("parse event id: %w", err)
	}

	query := `
		INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = txcontext.ExecutorFrom(ctx, w.db).ExecContext(ctx, query,
		id,
		aggregateType,
		env.Claim,
		env.Type,
		string(payload),
		w.now(),
	)
	if err != nil {
		return fmt.Errorf("insert outbox entry: %w", err)
	}
	return nil
}
