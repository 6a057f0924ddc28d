package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/cucumber/godog"
)

// TestContext interface defines the methods needed from the main test context
type TestContext interface {
	Do(ctx context.Context, method, path, account string, body any) error
	Account(name string) string
	ClaimHex(alias string) string
	GetLastResponseStatus() int
	GetLastResponseHeader(name string) string
}

// RegisterSteps registers rate-limiting step definitions. The scenarios assume
// the server runs with a small ratelimit.write_limit (see features/README).
func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	steps := &ratelimitSteps{tc: tc}

	ctx.Step(`^"([^"]*)" sends (\d+) claim writes$`, steps.sendWrites)
	ctx.Step(`^the last write should be rate limited$`, steps.lastWriteLimited)
	ctx.Step(`^the response should carry a Retry-After header$`, steps.hasRetryAfter)
}

type ratelimitSteps struct {
	tc TestContext
}

// sendWrites creates n distinct claims so only the limiter can reject them.
func (s *ratelimitSteps) sendWrites(ctx context.Context, account string, n int) error {
	for i := range n {
		err := s.tc.Do(ctx, http.MethodPost, "/claims", s.tc.Account(account), map[string]string{
			"claim": s.tc.ClaimHex("burst-" + strconv.Itoa(i)),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *ratelimitSteps) lastWriteLimited(context.Context) error {
	if got := s.tc.GetLastResponseStatus(); got != http.StatusTooManyRequests {
		return fmt.Errorf("expected status 429, got %d", got)
	}
	return nil
}

func (s *ratelimitSteps) hasRetryAfter(context.Context) error {
	if s.tc.GetLastResponseHeader("Retry-After") == "" {
		return fmt.Errorf("missing Retry-After header")
	}
	return nil
}
