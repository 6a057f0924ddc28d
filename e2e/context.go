// Package e2e drives a running poe server through Gherkin scenarios.
package e2e

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TestContext holds the HTTP client and the last response of a scenario.
type TestContext struct {
	BaseURL    string
	SigningKey string
	Issuer     string

	nonce        string
	client       *http.Client
	lastStatus   int
	lastBody     []byte
	lastHeaders  http.Header
	savedResults map[string]any
}

// NewTestContext reads POE_E2E_BASE_URL, POE_E2E_JWT_SIGNING_KEY and
// POE_E2E_ISSUER. The signing key must match the server's.
func NewTestContext() *TestContext {
	return &TestContext{
		BaseURL:    envOr("POE_E2E_BASE_URL", "http://localhost:8080"),
		SigningKey: envOr("POE_E2E_JWT_SIGNING_KEY", "e2e-signing-key"),
		Issuer:     envOr("POE_E2E_ISSUER", "poe"),
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Reset clears per-scenario state and draws a fresh nonce so scenarios never
// collide on accounts or claims in a long-lived server.
func (tc *TestContext) Reset() {
	tc.nonce = rand.Text()
	tc.lastStatus = 0
	tc.lastBody = nil
	tc.lastHeaders = nil
	tc.savedResults = map[string]any{}
}

// TokenFor mints a bearer token for account.
func (tc *TestContext) TokenFor(account string) (string, error) {
	claims := jwt.MapClaims{
		"account_id": account,
		"sub":        account,
		"iss":        tc.Issuer,
		"iat":        time.Now().Unix(),
		"exp":        time.Now().Add(time.Hour).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(tc.SigningKey))
}

// Do sends method path as account. An empty account sends no token.
func (tc *TestContext) Do(ctx context.Context, method, path, account string, body any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, tc.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if account != "" {
		token, err := tc.TokenFor(account)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := tc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	tc.lastStatus = resp.StatusCode
	tc.lastHeaders = resp.Header
	tc.lastBody, err = io.ReadAll(resp.Body)
	return err
}

func (tc *TestContext) GetLastResponseStatus() int {
	return tc.lastStatus
}

func (tc *TestContext) GetLastResponseBody() []byte {
	return tc.lastBody
}

func (tc *TestContext) GetLastResponseHeader(name string) string {
	if tc.lastHeaders == nil {
		return ""
	}
	return tc.lastHeaders.Get(name)
}

// GetResponseField returns a top-level field of the last JSON response.
func (tc *TestContext) GetResponseField(field string) (any, error) {
	var body map[string]any
	if err := json.Unmarshal(tc.lastBody, &body); err != nil {
		return nil, fmt.Errorf("response is not a JSON object: %s", tc.lastBody)
	}
	v, ok := body[field]
	if !ok {
		return nil, fmt.Errorf("field %q not in response: %s", field, tc.lastBody)
	}
	return v, nil
}

func (tc *TestContext) Save(key string, value any) {
	tc.savedResults[key] = value
}

func (tc *TestContext) Saved(key string) (any, bool) {
	v, ok := tc.savedResults[key]
	return v, ok
}

// Account scopes a scenario account name to this run.
func (tc *TestContext) Account(name string) string {
	return name + "-" + tc.nonce
}

// ClaimHex derives a 32-byte claim from a scenario alias.
func (tc *TestContext) ClaimHex(alias string) string {
	sum := sha256.Sum256([]byte(alias + tc.nonce))
	return "0x" + hex.EncodeToString(sum[:])
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
