package testutil

import (
	"net/http"

	"poe/pkg/requestcontext"
)

// WithAccount adds an authenticated account to the request context.
// This simulates what the auth middleware would do for authenticated requests.
func WithAccount(req *http.Request, accountID string) *http.Request {
	return req.WithContext(requestcontext.WithAccountID(req.Context(), accountID))
}

// WithRequestID adds a request ID to the request context.
func WithRequestID(req *http.Request, requestID string) *http.Request {
	return req.WithContext(requestcontext.WithRequestID(req.Context(), requestID))
}
