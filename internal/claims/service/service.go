package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"poe/internal/claims/metrics"
	"poe/internal/claims/models"
	"poe/internal/claims/registry"
	dErrors "poe/pkg/domain-errors"
	"poe/pkg/requestcontext"
)

var tracer = otel.Tracer("poe/internal/claims/service")

// BlockSource supplies the current block counter. It must never go backwards.
type BlockSource interface {
	Current(ctx context.Context) (models.BlockNumber, error)
}

// EventPublisher delivers claim events. Publishers run after the claim
// transaction commits, so delivery is at most once: a failed Publish is logged
// and counted but the mutation stands.
type EventPublisher interface {
	Publish(ctx context.Context, event models.Event) error
}

// TransactionalPublisher is a publisher whose writes join the claim
// transaction, like the outbox writer. It runs before commit and a failure
// rolls the mutation back.
type TransactionalPublisher interface {
	EventPublisher
	Transactional() bool
}

// Service is the dispatch layer around the claim registry. It reads the block
// once per call, runs the registry inside a transaction, hands the resulting
// event to the publisher, and records logs, metrics and spans.
type Service struct {
	registry  *registry.Registry
	tx        ClaimTx
	blocks    BlockSource
	publisher EventPublisher
	inTx      bool
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
	maxLength int
}

type Option func(s *Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithMaxLength sets the claim length bound. Defaults to registry.DefaultMaxLength.
func WithMaxLength(n int) Option {
	return func(s *Service) {
		s.maxLength = n
	}
}

// WithClock sets the wall clock used to stamp events. Without it events use
// the request-scoped time from requestcontext.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// New constructs a Service.
func New(tx ClaimTx, blocks BlockSource, publisher EventPublisher, opts ...Option) (*Service, error) {
	if tx == nil {
		return nil, errors.New("claim transaction is required")
	}
	if blocks == nil {
		return nil, errors.New("block source is required")
	}
	if publisher == nil {
		return nil, errors.New("event publisher is required")
	}
	s := &Service{
		tx:        tx,
		blocks:    blocks,
		publisher: publisher,
		maxLength: registry.DefaultMaxLength,
	}
	if tp, ok := publisher.(TransactionalPublisher); ok {
		s.inTx = tp.Transactional()
	}
	for _, opt := range opts {
		opt(s)
	}
	reg, err := registry.New(s.maxLength)
	if err != nil {
		return nil, err
	}
	s.registry = reg
	return s, nil
}

// MaxLength returns the configured claim length bound.
func (s *Service) MaxLength() int {
	return s.registry.MaxLength()
}

// CreateClaim registers claim for caller at the current block.
func (s *Service) CreateClaim(ctx context.Context, caller models.AccountID, claim models.Claim) (*models.Registration, error) {
	start := time.Now()
	ctx, span := startSpan(ctx, "claims.CreateClaim", caller, claim)
	defer span.End()

	reg, err := s.createClaim(ctx, caller, claim)
	s.finish(ctx, span, metrics.OpCreate, start, err)
	if err != nil {
		return nil, s.translate(err, "failed to create claim")
	}
	s.logAudit(ctx, models.EventClaimCreated,
		"caller", caller,
		"claim", claim.String(),
		"block", reg.RegisteredAt,
	)
	return reg, nil
}

func (s *Service) createClaim(ctx context.Context, caller models.AccountID, claim models.Claim) (*models.Registration, error) {
	if caller.IsZero() {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "caller is required")
	}
	block, err := s.currentBlock(ctx)
	if err != nil {
		return nil, err
	}
	err = s.mutate(ctx, claim, block, func(ctx context.Context, store registry.Store) (models.Event, error) {
		return s.registry.CreateClaim(ctx, store, caller, claim, block)
	})
	if err != nil {
		return nil, err
	}
	return &models.Registration{Owner: caller, RegisteredAt: block}, nil
}

// RevokeClaim removes claim when caller owns it.
func (s *Service) RevokeClaim(ctx context.Context, caller models.AccountID, claim models.Claim) error {
	start := time.Now()
	ctx, span := startSpan(ctx, "claims.RevokeClaim", caller, claim)
	defer span.End()

	block, err := s.revokeClaim(ctx, caller, claim)
	s.finish(ctx, span, metrics.OpRevoke, start, err)
	if err != nil {
		return s.translate(err, "failed to revoke claim")
	}
	s.logAudit(ctx, models.EventClaimRevoked,
		"caller", caller,
		"claim", claim.String(),
		"block", block,
	)
	return nil
}

func (s *Service) revokeClaim(ctx context.Context, caller models.AccountID, claim models.Claim) (models.BlockNumber, error) {
	if caller.IsZero() {
		return 0, dErrors.New(dErrors.CodeUnauthorized, "caller is required")
	}
	block, err := s.currentBlock(ctx)
	if err != nil {
		return 0, err
	}
	err = s.mutate(ctx, claim, block, func(ctx context.Context, store registry.Store) (models.Event, error) {
		return s.registry.RevokeClaim(ctx, store, caller, claim)
	})
	return block, err
}

// TransferClaim hands claim from caller to newOwner at the current block.
func (s *Service) TransferClaim(ctx context.Context, caller models.AccountID, claim models.Claim, newOwner models.AccountID) (*models.Registration, error) {
	start := time.Now()
	ctx, span := startSpan(ctx, "claims.TransferClaim", caller, claim)
	span.SetAttributes(attribute.String("claim.new_owner", newOwner.String()))
	defer span.End()

	reg, err := s.transferClaim(ctx, caller, claim, newOwner)
	s.finish(ctx, span, metrics.OpTransfer, start, err)
	if err != nil {
		return nil, s.translate(err, "failed to transfer claim")
	}
	s.logAudit(ctx, models.EventClaimTransfer,
		"caller", caller,
		"claim", claim.String(),
		"new_owner", newOwner,
		"block", reg.RegisteredAt,
	)
	return reg, nil
}

func (s *Service) transferClaim(ctx context.Context, caller models.AccountID, claim models.Claim, newOwner models.AccountID) (*models.Registration, error) {
	if caller.IsZero() {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "caller is required")
	}
	if newOwner.IsZero() {
		return nil, dErrors.New(dErrors.CodeValidation, "new_owner is required")
	}
	block, err := s.currentBlock(ctx)
	if err != nil {
		return nil, err
	}
	err = s.mutate(ctx, claim, block, func(ctx context.Context, store registry.Store) (models.Event, error) {
		return s.registry.TransferClaim(ctx, store, caller, claim, newOwner, block)
	})
	if err != nil {
		return nil, err
	}
	return &models.Registration{Owner: newOwner, RegisteredAt: block}, nil
}

// GetClaim returns the registration bound to claim.
func (s *Service) GetClaim(ctx context.Context, claim models.Claim) (*models.Registration, error) {
	start := time.Now()
	ctx, span := startSpan(ctx, "claims.GetClaim", "", claim)
	defer span.End()

	var reg *models.Registration
	err := s.tx.RunInTx(WithClaimKey(ctx, claim), func(ctx context.Context, store registry.Store) error {
		var err error
		reg, err = s.registry.GetClaim(ctx, store, claim)
		return err
	})
	s.finish(ctx, span, metrics.OpGet, start, err)
	if err != nil {
		return nil, s.translate(err, "failed to load claim")
	}
	return reg, nil
}

func (s *Service) currentBlock(ctx context.Context) (models.BlockNumber, error) {
	block, err := s.blocks.Current(ctx)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read current block")
	}
	return block, nil
}

// mutate runs op in a claim transaction and hands its event to the publisher.
// A transactional publisher writes inside the transaction; any other publisher
// only sees events whose mutation committed.
func (s *Service) mutate(ctx context.Context, claim models.Claim, block models.BlockNumber, op func(ctx context.Context, store registry.Store) (models.Event, error)) error {
	var event models.Event
	err := s.tx.RunInTx(WithClaimKey(ctx, claim), func(ctx context.Context, store registry.Store) error {
		var err error
		event, err = op(ctx, store)
		if err != nil {
			return err
		}
		s.stamp(ctx, &event, block)
		if !s.inTx {
			return nil
		}
		if err := s.publisher.Publish(ctx, event); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to publish claim event")
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !s.inTx {
		s.publishCommitted(ctx, event)
	}
	return nil
}

func (s *Service) stamp(ctx context.Context, event *models.Event, block models.BlockNumber) {
	event.Block = block
	if s.now != nil {
		event.OccurredAt = s.now()
	} else {
		event.OccurredAt = requestcontext.Now(ctx)
	}
}

// publishCommitted delivers the event of a committed mutation. The mutation
// cannot be undone here, so a failure is reported and dropped.
func (s *Service) publishCommitted(ctx context.Context, event models.Event) {
	err := s.publisher.Publish(ctx, event)
	if err == nil {
		return
	}
	if s.metrics != nil {
		s.metrics.IncrementEventsDropped()
	}
	if s.logger != nil {
		s.logger.ErrorContext(ctx, "claim event not delivered",
			"event", string(event.Kind),
			"claim", event.Claim.String(),
			"block", event.Block,
			"error", err,
			"request_id", requestcontext.RequestID(ctx),
		)
	}
}

// translate keeps coded errors and hides everything else behind an internal error.
func (s *Service) translate(err error, message string) error {
	var coded *dErrors.Error
	if errors.As(err, &coded) {
		return err
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, message)
}

func (s *Service) finish(ctx context.Context, span trace.Span, operation string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(dErrors.CodeOf(err))
		span.SetStatus(codes.Error, outcome)
		if dErrors.HasCode(err, dErrors.CodeInternal) {
			span.RecordError(err)
			if s.logger != nil {
				s.logger.ErrorContext(ctx, "claim operation failed",
					"operation", operation,
					"error", err,
					"request_id", requestcontext.RequestID(ctx),
				)
			}
		}
	}
	if s.metrics != nil {
		s.metrics.ObserveOperation(operation, outcome, start)
	}
}

func (s *Service) logAudit(ctx context.Context, event models.EventKind, attributes ...any) {
	if s.logger == nil {
		return
	}
	if requestID := requestcontext.RequestID(ctx); requestID != "" {
		attributes = append(attributes, "request_id", requestID)
	}
	if clientIP := requestcontext.ClientIP(ctx); clientIP != "" {
		attributes = append(attributes, "client_ip", clientIP, "user_agent", requestcontext.UserAgent(ctx))
	}
	if device := requestcontext.Device(ctx); device != "" {
		attributes = append(attributes, "device", device)
	}
	args := append(attributes, "event", string(event), "log_type", "audit")
	s.logger.InfoContext(ctx, string(event), args...)
}

func startSpan(ctx context.Context, name string, caller models.AccountID, claim models.Claim) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attribute.String("claim", claim.String())}
	if !caller.IsZero() {
		attrs = append(attrs, attribute.String("claim.caller", caller.String()))
	}
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}
