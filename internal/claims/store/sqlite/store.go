// Package sqlite stores claim registrations in a local SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"poe/internal/claims/models"
	"poe/pkg/platform/sentinel"
	txcontext "poe/pkg/platform/tx"
)

// Store implements registry.Store over the claims table created by
// internal/platform/sqlite. The database is opened with a single connection,
// so a transaction in context already excludes every other writer.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Find(ctx context.Context, claim models.Claim) (*models.Registration, error) {
	var (
		owner        string
		registeredAt int64
	)
	err := txcontext.ExecutorFrom(ctx, s.db).QueryRowContext(ctx,
		`SELECT owner, registered_at FROM claims WHERE claim = ?`, claimArg(claim),
	).Scan(&owner, &registeredAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find claim: %w", err)
	}
	return &models.Registration{
		Owner:        models.AccountID(owner),
		RegisteredAt: models.BlockNumber(registeredAt),
	}, nil
}

func (s *Store) Exists(ctx context.Context, claim models.Claim) (bool, error) {
	var exists bool
	err := txcontext.ExecutorFrom(ctx, s.db).QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM claims WHERE claim = ?)`, claimArg(claim),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check claim: %w", err)
	}
	return exists, nil
}

func (s *Store) Insert(ctx context.Context, claim models.Claim, reg models.Registration) error {
	res, err := txcontext.ExecutorFrom(ctx, s.db).ExecContext(ctx,
		`INSERT INTO claims (claim, owner, registered_at) VALUES (?, ?, ?) ON CONFLICT (claim) DO NOTHING`,
		claimArg(claim), reg.Owner.String(), int64(reg.RegisteredAt))
	if err != nil {
		return fmt.Errorf("insert claim: %w", err)
	}
	if err := expectOneRow(res, sentinel.ErrAlreadyUsed, "insert claim"); err != nil {
		return err
	}
	return s.raiseHighWater(ctx, reg.RegisteredAt)
}

func (s *Store) Update(ctx context.Context, claim models.Claim, reg models.Registration) error {
	res, err := txcontext.ExecutorFrom(ctx, s.db).ExecContext(ctx,
		`UPDATE claims SET owner = ?, registered_at = ? WHERE claim = ?`,
		reg.Owner.String(), int64(reg.RegisteredAt), claimArg(claim))
	if err != nil {
		return fmt.Errorf("update claim: %w", err)
	}
	if err := expectOneRow(res, sentinel.ErrNotFound, "update claim"); err != nil {
		return err
	}
	return s.raiseHighWater(ctx, reg.RegisteredAt)
}

func (s *Store) Delete(ctx context.Context, claim models.Claim) error {
	res, err := txcontext.ExecutorFrom(ctx, s.db).ExecContext(ctx,
		`DELETE FROM claims WHERE claim = ?`, claimArg(claim))
	if err != nil {
		return fmt.Errorf("delete claim: %w", err)
	}
	return expectOneRow(res, sentinel.ErrNotFound, "delete claim")
}

// raiseHighWater records block in block_high_water unless a higher one is
// already there. Revoked claims keep counting after their row is deleted.
func (s *Store) raiseHighWater(ctx context.Context, block models.BlockNumber) error {
	_, err := txcontext.ExecutorFrom(ctx, s.db).ExecContext(ctx,
		`INSERT INTO block_high_water (id, registered_at) VALUES (1, ?)
		ON CONFLICT (id) DO UPDATE SET registered_at = MAX(registered_at, excluded.registered_at)`,
		int64(block))
	if err != nil {
		return fmt.Errorf("raise block high water: %w", err)
	}
	return nil
}

// MaxRegisteredAt returns the highest registered_at ever written, or 0 for a
// fresh database. The block counter resumes from it after a restart.
func (s *Store) MaxRegisteredAt(ctx context.Context) (models.BlockNumber, error) {
	var highest int64
	err := txcontext.ExecutorFrom(ctx, s.db).QueryRowContext(ctx, `
		SELECT MAX(
			COALESCE((SELECT MAX(registered_at) FROM claims), 0),
			COALESCE((SELECT registered_at FROM block_high_water WHERE id = 1), 0)
		)`,
	).Scan(&highest)
	if err != nil {
		return 0, fmt.Errorf("max registered_at: %w", err)
	}
	return models.BlockNumber(highest), nil
}

func expectOneRow(res sql.Result, none error, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", op, err)
	}
	if n == 0 {
		return none
	}
	return nil
}

func claimArg(claim models.Claim) []byte {
	if claim == nil {
		return []byte{}
	}
	return claim
}
