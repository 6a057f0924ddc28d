// Package redis stores claim registrations as Redis strings.
package redis

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"poe/internal/claims/models"
	"poe/internal/claims/store/staged"
	"poe/pkg/platform/sentinel"
)

const (
	keyPrefix = "poe:claim:"
	// highWaterKey holds the highest registered_at ever written, including
	// claims revoked since. ZADD GT keeps it from moving backwards.
	highWaterKey    = "poe:block:high_water"
	highWaterMember = "registered_at"
)

// Store implements registry.Store and the staging contract used by the
// sharded transaction. Single commands are atomic on their own; Apply writes a
// whole batch in one MULTI/EXEC.
type Store struct {
	client redis.UniversalClient
}

func New(client redis.UniversalClient) *Store {
	return &Store{client: client}
}

// Key returns the Redis key for claim.
func Key(claim models.Claim) string {
	return keyPrefix + hex.EncodeToString(claim)
}

func (s *Store) Find(ctx context.Context, claim models.Claim) (*models.Registration, error) {
	data, err := s.client.Get(ctx, Key(claim)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find claim: %w", err)
	}
	var reg models.Registration
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("decode claim %s: %w", Key(claim), err)
	}
	return &reg, nil
}

func (s *Store) Exists(ctx context.Context, claim models.Claim) (bool, error) {
	n, err := s.client.Exists(ctx, Key(claim)).Result()
	if err != nil {
		return false, fmt.Errorf("check claim: %w", err)
	}
	return n > 0, nil
}

func (s *Store) Insert(ctx context.Context, claim models.Claim, reg models.Registration) error {
	data, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("encode claim: %w", err)
	}
	ok, err := s.client.SetNX(ctx, Key(claim), data, 0).Result()
	if err != nil {
		return fmt.Errorf("insert claim: %w", err)
	}
	if !ok {
		return sentinel.ErrAlreadyUsed
	}
	return nil
}

func (s *Store) Update(ctx context.Context, claim models.Claim, reg models.Registration) error {
	data, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("encode claim: %w", err)
	}
	ok, err := s.client.SetXX(ctx, Key(claim), data, 0).Result()
	if err != nil {
		return fmt.Errorf("update claim: %w", err)
	}
	if !ok {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, claim models.Claim) error {
	n, err := s.client.Del(ctx, Key(claim)).Result()
	if err != nil {
		return fmt.Errorf("delete claim: %w", err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

// Apply writes a staged batch atomically.
func (s *Store) Apply(ctx context.Context, changes []staged.Change) error {
	if len(changes) == 0 {
		return nil
	}
	payloads := make([][]byte, len(changes))
	for i, c := range changes {
		if c.IsDelete() {
			continue
		}
		data, err := json.Marshal(c.Registration)
		if err != nil {
			return fmt.Errorf("encode claim: %w", err)
		}
		payloads[i] = data
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, c := range changes {
			if c.IsDelete() {
				pipe.Del(ctx, Key(c.Claim))
				continue
			}
			pipe.Set(ctx, Key(c.Claim), payloads[i], 0)
			pipe.ZAddGT(ctx, highWaterKey, redis.Z{
				Score:  float64(c.Registration.RegisteredAt),
				Member: highWaterMember,
			})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("apply claim batch: %w", err)
	}
	return nil
}

// MaxRegisteredAt returns the highest registered_at committed through Apply,
// or 0 before the first write.
func (s *Store) MaxRegisteredAt(ctx context.Context) (models.BlockNumber, error) {
	score, err := s.client.ZScore(ctx, highWaterKey, highWaterMember).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("read block high water: %w", err)
	}
	return models.BlockNumber(score), nil
}
