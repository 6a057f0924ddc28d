package claims

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/cucumber/godog"
)

// TestContext interface defines the methods needed from the main test context
type TestContext interface {
	Do(ctx context.Context, method, path, account string, body any) error
	Account(name string) string
	ClaimHex(alias string) string
	GetLastResponseStatus() int
	GetLastResponseBody() []byte
	GetResponseField(field string) (any, error)
}

// RegisterSteps registers claim registry step definitions
func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	steps := &claimSteps{tc: tc}

	ctx.Step(`^"([^"]*)" creates claim "([^"]*)"$`, steps.createClaim)
	ctx.Step(`^"([^"]*)" creates a claim of (\d+) bytes$`, steps.createClaimOfLength)
	ctx.Step(`^"([^"]*)" revokes claim "([^"]*)"$`, steps.revokeClaim)
	ctx.Step(`^"([^"]*)" transfers claim "([^"]*)" to "([^"]*)"$`, steps.transferClaim)
	ctx.Step(`^"([^"]*)" looks up claim "([^"]*)"$`, steps.lookUpClaim)
	ctx.Step(`^an anonymous caller creates claim "([^"]*)"$`, steps.anonymousCreate)

	ctx.Step(`^the response status should be (\d+)$`, steps.statusShouldBe)
	ctx.Step(`^the response error should be "([^"]*)"$`, steps.errorShouldBe)
	ctx.Step(`^the claim owner should be "([^"]*)"$`, steps.ownerShouldBe)
}

type claimSteps struct {
	tc TestContext
}

func (s *claimSteps) createClaim(ctx context.Context, account, alias string) error {
	return s.tc.Do(ctx, http.MethodPost, "/claims", s.tc.Account(account), map[string]string{
		"claim": s.tc.ClaimHex(alias),
	})
}

func (s *claimSteps) createClaimOfLength(ctx context.Context, account string, n int) error {
	return s.tc.Do(ctx, http.MethodPost, "/claims", s.tc.Account(account), map[string]string{
		"claim": "0x" + strings.Repeat("ab", n),
	})
}

func (s *claimSteps) revokeClaim(ctx context.Context, account, alias string) error {
	return s.tc.Do(ctx, http.MethodDelete, "/claims/"+s.tc.ClaimHex(alias), s.tc.Account(account), nil)
}

func (s *claimSteps) transferClaim(ctx context.Context, account, alias, newOwner string) error {
	return s.tc.Do(ctx, http.MethodPost, "/claims/"+s.tc.ClaimHex(alias)+"/transfer", s.tc.Account(account), map[string]string{
		"new_owner": s.tc.Account(newOwner),
	})
}

func (s *claimSteps) lookUpClaim(ctx context.Context, account, alias string) error {
	return s.tc.Do(ctx, http.MethodGet, "/claims/"+s.tc.ClaimHex(alias), s.tc.Account(account), nil)
}

func (s *claimSteps) anonymousCreate(ctx context.Context, alias string) error {
	return s.tc.Do(ctx, http.MethodPost, "/claims", "", map[string]string{
		"claim": s.tc.ClaimHex(alias),
	})
}

func (s *claimSteps) statusShouldBe(_ context.Context, want int) error {
	if got := s.tc.GetLastResponseStatus(); got != want {
		return fmt.Errorf("expected status %d, got %d: %s", want, got, s.tc.GetLastResponseBody())
	}
	return nil
}

func (s *claimSteps) errorShouldBe(_ context.Context, want string) error {
	got, err := s.tc.GetResponseField("error")
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("expected error %q, got %v", want, got)
	}
	return nil
}

func (s *claimSteps) ownerShouldBe(_ context.Context, account string) error {
	got, err := s.tc.GetResponseField("owner")
	if err != nil {
		return err
	}
	if want := s.tc.Account(account); got != want {
		return fmt.Errorf("expected owner %q, got %v", want, got)
	}
	return nil
}
