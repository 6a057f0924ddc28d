package models

import (
	"net/http"
	"time"
)

// EndpointClass categorizes endpoints for differentiated rate limiting.
type EndpointClass string

const (
	// ClassRead: claim lookups (GET /claims/{claim})
	ClassRead EndpointClass = "read"
	// ClassWrite: claim mutations (create, transfer, revoke)
	ClassWrite EndpointClass = "write"
)

// ClassForMethod maps an HTTP method onto its endpoint class.
func ClassForMethod(method string) EndpointClass {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return ClassRead
	default:
		return ClassWrite
	}
}

// Limit is a request budget over a sliding window.
type Limit struct {
	Requests int
	Window   time.Duration
}

// RateLimitResult represents the outcome of a rate limit check.
type RateLimitResult struct {
	Allowed    bool      `json:"allowed"`
	Limit      int       `json:"limit"`
	Remaining  int       `json:"remaining"`
	ResetAt    time.Time `json:"reset_at"`
	RetryAfter int       `json:"retry_after,omitempty"` // seconds, only set when not allowed
}

// RateLimitExceededResponse is the 429 body.
type RateLimitExceededResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	RetryAfter       int    `json:"retry_after"`
}

// RateLimitKey builds the bucket key for an account and class.
func RateLimitKey(class EndpointClass, subject string) string {
	return "poe:ratelimit:" + string(class) + ":" + subject
}
