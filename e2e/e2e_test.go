package e2e

import (
	"context"
	"testing"

	"github.com/cucumber/godog"

	"shepherd/e2e/steps/common"
	"shepherd/e2e/steps/lockout"
)

func TestFeatures(t *testing.T) {
	tc, ok := NewTestContext()
	if !ok {
		t.Skip("SHEPHERD_E2E_URL not set")
	}
	if tc.AdminEmail == "" || tc.AdminPassword == "" {
		t.Fatal("SHEPHERD_E2E_ADMIN_EMAIL and SHEPHERD_E2E_ADMIN_PASSWORD are required")
	}

	suite := godog.TestSuite{
		Name: "shepherd",
		ScenarioInitializer: func(ctx *godog.ScenarioContext) {
			ctx.Before(func(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
				tc.Reset()
				return ctx, nil
			})
			common.RegisterSteps(ctx, tc)
			lockout.RegisterSteps(ctx, tc)
		},
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			Strict:   true,
			TestingT: t,
		},
	}
	if suite.Run() != 0 {
		t.Fatal("feature scenarios failed")
	}
}
