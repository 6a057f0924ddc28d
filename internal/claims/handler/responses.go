package handler

import "poe/internal/claims/models"

// RegistrationResponse is the JSON view of a registration.
type RegistrationResponse struct {
	Claim        string `json:"claim"`
	Owner        string `json:"owner"`
	RegisteredAt uint64 `json:"registered_at"`
}

func toRegistrationResponse(claim models.Claim, reg *models.Registration) *RegistrationResponse {
	return &RegistrationResponse{
		Claim:        claim.String(),
		Owner:        reg.Owner.String(),
		RegisteredAt: uint64(reg.RegisteredAt),
	}
}
