//go:build integration

package postgres_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"

	"poe/internal/platform/postgres"
	"poe/pkg/testutil/containers"
)

type WriterLockSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
}

func TestWriterLockSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(WriterLockSuite))
}

func (s *WriterLockSuite) SetupSuite() {
	s.postgres = containers.GetManager().GetPostgres(s.T())
}

func (s *WriterLockSuite) TestSecondInstanceIsRefused() {
	ctx := context.Background()

	first, err := postgres.AcquireWriterLock(ctx, s.postgres.DB)
	s.Require().NoError(err)

	_, err = postgres.AcquireWriterLock(ctx, s.postgres.DB)
	s.Require().ErrorIs(err, postgres.ErrWriterLocked)

	s.Require().NoError(first.Release(ctx))

	again, err := postgres.AcquireWriterLock(ctx, s.postgres.DB)
	s.Require().NoError(err)
	s.Require().NoError(again.Release(ctx))
}
