package e2e

import (
	"github.com/cucumber/godog"

	"poe/e2e/steps/claims"
	"poe/e2e/steps/ratelimit"
)

// RegisterSteps registers all step definitions from modular packages
func RegisterSteps(ctx *godog.ScenarioContext, tc *TestContext) {
	claims.RegisterSteps(ctx, tc)
	ratelimit.RegisterSteps(ctx, tc)
}
