package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"poe/internal/claims/models"
	dErrors "poe/pkg/domain-errors"
	"poe/pkg/platform/httputil"
	"poe/pkg/requestcontext"
)

// Service defines the claim operations the handler needs.
type Service interface {
	CreateClaim(ctx context.Context, caller models.AccountID, claim models.Claim) (*models.Registration, error)
	RevokeClaim(ctx context.Context, caller models.AccountID, claim models.Claim) error
	TransferClaim(ctx context.Context, caller models.AccountID, claim models.Claim, newOwner models.AccountID) (*models.Registration, error)
	GetClaim(ctx context.Context, claim models.Claim) (*models.Registration, error)
}

// Handler wires claim endpoints to the claim service.
type Handler struct {
	service Service
	logger  *slog.Logger
}

// New constructs a claim handler with its dependencies.
func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger,
	}
}

// Register mounts claim endpoints on the router. Authentication is applied by
// the caller's middleware stack.
func (h *Handler) Register(r chi.Router) {
	r.Post("/claims", h.HandleCreateClaim)
	r.Get("/claims/{claim}", h.HandleGetClaim)
	r.Post("/claims/{claim}/transfer", h.HandleTransferClaim)
	r.Delete("/claims/{claim}", h.HandleRevokeClaim)
}

// HandleCreateClaim handles POST /claims.
func (h *Handler) HandleCreateClaim(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	start := time.Now()

	caller, ok := h.requireCaller(w, ctx)
	if !ok {
		return
	}

	req, ok := httputil.DecodeAndPrepare[CreateClaimRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	reg, err := h.service.CreateClaim(ctx, caller, req.ParsedClaim())
	if err != nil {
		h.logFailure(ctx, "create claim failed", caller, err)
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "claim created",
		"request_id", requestID,
		"caller", caller,
		"claim", req.ParsedClaim().String(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	httputil.WriteJSON(w, http.StatusCreated, toRegistrationResponse(req.ParsedClaim(), reg))
}

// HandleGetClaim handles GET /claims/{claim}.
func (h *Handler) HandleGetClaim(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if _, ok := h.requireCaller(w, ctx); !ok {
		return
	}
	claim, ok := h.claimFromPath(w, r)
	if !ok {
		return
	}

	reg, err := h.service.GetClaim(ctx, claim)
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeInternal) {
			h.logFailure(ctx, "get claim failed", "", err)
		}
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toRegistrationResponse(claim, reg))
}

// HandleTransferClaim handles POST /claims/{claim}/transfer.
func (h *Handler) HandleTransferClaim(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	start := time.Now()

	caller, ok := h.requireCaller(w, ctx)
	if !ok {
		return
	}
	claim, ok := h.claimFromPath(w, r)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[TransferClaimRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	reg, err := h.service.TransferClaim(ctx, caller, claim, req.ParsedNewOwner())
	if err != nil {
		h.logFailure(ctx, "transfer claim failed", caller, err)
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "claim transferred",
		"request_id", requestID,
		"caller", caller,
		"claim", claim.String(),
		"new_owner", req.NewOwner,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	httputil.WriteJSON(w, http.StatusOK, toRegistrationResponse(claim, reg))
}

// HandleRevokeClaim handles DELETE /claims/{claim}.
func (h *Handler) HandleRevokeClaim(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	start := time.Now()

	caller, ok := h.requireCaller(w, ctx)
	if !ok {
		return
	}
	claim, ok := h.claimFromPath(w, r)
	if !ok {
		return
	}

	if err := h.service.RevokeClaim(ctx, caller, claim); err != nil {
		h.logFailure(ctx, "revoke claim failed", caller, err)
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "claim revoked",
		"request_id", requestID,
		"caller", caller,
		"claim", claim.String(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) requireCaller(w http.ResponseWriter, ctx context.Context) (models.AccountID, bool) {
	caller := models.AccountID(requestcontext.AccountID(ctx))
	if caller.IsZero() {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "authentication required"))
		return "", false
	}
	return caller, true
}

func (h *Handler) claimFromPath(w http.ResponseWriter, r *http.Request) (models.Claim, bool) {
	claim, err := parseClaim(chi.URLParam(r, "claim"))
	if err != nil {
		httputil.WriteError(w, err)
		return nil, false
	}
	return claim, true
}

// logFailure logs rejected operations at warn and internal failures at error.
func (h *Handler) logFailure(ctx context.Context, msg string, caller models.AccountID, err error) {
	level := slog.LevelWarn
	if dErrors.HasCode(err, dErrors.CodeInternal) {
		level = slog.LevelError
	}
	h.logger.Log(ctx, level, msg,
		"request_id", requestcontext.RequestID(ctx),
		"caller", caller,
		"code", dErrors.CodeOf(err),
		"error", err,
	)
}
