package handler

import (
	"strings"

	"poe/internal/claims/models"
	dErrors "poe/pkg/domain-errors"
)

// CreateClaimRequest is the body of POST /claims.
type CreateClaimRequest struct {
	Claim string `json:"claim"`

	parsedClaim models.Claim
}

// Validate parses the hex claim. Length is left to the registry, which owns
// the bound.
func (r *CreateClaimRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	claim, err := parseClaim(r.Claim)
	if err != nil {
		return err
	}
	r.parsedClaim = claim
	return nil
}

// ParsedClaim returns the decoded claim bytes.
func (r *CreateClaimRequest) ParsedClaim() models.Claim {
	return r.parsedClaim
}

// TransferClaimRequest is the body of POST /claims/{claim}/transfer.
type TransferClaimRequest struct {
	NewOwner string `json:"new_owner"`
}

func (r *TransferClaimRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	r.NewOwner = strings.TrimSpace(r.NewOwner)
	if r.NewOwner == "" {
		return dErrors.New(dErrors.CodeValidation, "new_owner is required")
	}
	return nil
}

// ParsedNewOwner returns the target account.
func (r *TransferClaimRequest) ParsedNewOwner() models.AccountID {
	return models.AccountID(r.NewOwner)
}

func parseClaim(raw string) (models.Claim, error) {
	claim, err := models.ParseClaim(strings.TrimSpace(raw))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeValidation, "claim must be hex encoded")
	}
	return claim, nil
}
