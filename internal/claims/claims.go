// Package claims exposes the proof-of-existence claim registry: a service that
// binds opaque claims to owners and an HTTP handler over it.
package claims

import (
	"log/slog"

	"poe/internal/claims/handler"
	"poe/internal/claims/service"
)

// Service exposes claim create, revoke, transfer and lookup.
type Service = service.Service

// Handler wires HTTP endpoints to the claim service.
type Handler = handler.Handler

// NewService constructs the claim service with required dependencies.
func NewService(tx service.ClaimTx, blocks service.BlockSource, publisher service.EventPublisher, opts ...service.Option) (*Service, error) {
	return service.New(tx, blocks, publisher, opts...)
}

// NewHandler constructs the HTTP handler for claim routes.
func NewHandler(s *Service, logger *slog.Logger) *Handler {
	return handler.New(s, logger)
}
