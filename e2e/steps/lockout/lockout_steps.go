package lockout

import (
	"context"
	"fmt"

	"github.com/cucumber/godog"

	"shepherd/e2e/steps/common"
)

type TestContext interface {
	Do(method, path string, body any) error
	LastStatus() int
	LastBody() []byte
	Expand(s string) string
	UseToken(token string)
}

// RegisterSteps registers login lockout steps.
func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	steps := &lockoutSteps{tc: tc}

	ctx.Step(`^I fail to log in as "([^"]*)" (\d+) times$`, steps.failLogins)
	ctx.Step(`^logging in as "([^"]*)" with the right password returns (\d+)$`, steps.loginReturns)
}

type lockoutSteps struct {
	tc TestContext
}

func (s *lockoutSteps) attempt(email, password string) error {
	s.tc.UseToken("")
	return s.tc.Do("POST", "/auth/login", map[string]string{
		"email":    s.tc.Expand(email),
		"password": password,
	})
}

func (s *lockoutSteps) failLogins(_ context.Context, email string, n int) error {
	for i := range n {
		if err := s.attempt(email, "definitely-not-the-password"); err != nil {
			return err
		}
		if got := s.tc.LastStatus(); got != 401 {
			return fmt.Errorf("attempt %d: expected 401, got %d: %s", i+1, got, s.tc.LastBody())
		}
	}
	return nil
}

func (s *lockoutSteps) loginReturns(_ context.Context, email string, want int) error {
	if err := s.attempt(email, common.StaffPassword); err != nil {
		return err
	}
	if got := s.tc.LastStatus(); got != want {
		return fmt.Errorf("expected %d, got %d: %s", want, got, s.tc.LastBody())
	}
	return nil
}
