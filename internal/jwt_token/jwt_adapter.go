package jwttoken

import (
	"poe/pkg/platform/middleware/auth"
)

func ToMiddlewareClaims(claims *Claims) *auth.JWTClaims {
	return &auth.JWTClaims{
		AccountID: claims.AccountID,
		JTI:       claims.ID,
	}
}

// JWTServiceAdapter satisfies auth.JWTValidator.
type JWTServiceAdapter struct {
	service *JWTService
}

func NewJWTServiceAdapter(service *JWTService) *JWTServiceAdapter {
	return &JWTServiceAdapter{service: service}
}

func (a *JWTServiceAdapter) ValidateToken(tokenString string) (*auth.JWTClaims, error) {
	claims, err := a.service.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}
	return ToMiddlewareClaims(claims), nil
}
