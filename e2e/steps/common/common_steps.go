package common

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cucumber/godog"
)

// TestContext is the part of the scenario state these steps need.
type TestContext interface {
	Do(method, path string, body any) error
	LastStatus() int
	LastBody() []byte
	ResponseField(path string) (string, error)
	Save(name, value string)
	Expand(s string) string
	UseToken(token string)
	Token(role string) (string, bool)
	SetToken(role, token string)
	AdminCredentials() (email, password string)
}

// StaffPassword is used for every account the scenarios create.
const StaffPassword = "e2e-staff-password"

func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	steps := &commonSteps{tc: tc}

	ctx.Step(`^the shepherd API is healthy$`, steps.apiIsHealthy)
	ctx.Step(`^I am logged in as an? "([^"]*)"$`, steps.loggedInAs)
	ctx.Step(`^I am not logged in$`, steps.notLoggedIn)
	ctx.Step(`^I (GET|DELETE|POST|PUT) "([^"]*)"$`, steps.request)
	ctx.Step(`^I (POST|PUT) to "([^"]*)" with body:$`, steps.requestWithBody)
	ctx.Step(`^the response status should be (\d+)$`, steps.statusShouldBe)
	ctx.Step(`^the response field "([^"]*)" should equal "([^"]*)"$`, steps.fieldShouldEqual)
	ctx.Step(`^I save the response field "([^"]*)" as "([^"]*)"$`, steps.saveField)
}

type commonSteps struct {
	tc TestContext
}

func (s *commonSteps) apiIsHealthy(context.Context) error {
	if err := s.tc.Do("GET", "/healthz", nil); err != nil {
		return err
	}
	return s.statusShouldBe(context.Background(), 200)
}

// loggedInAs logs in the administrator, or creates a fresh account for any
// other role through the admin API and logs in with it.
func (s *commonSteps) loggedInAs(_ context.Context, role string) error {
	if token, ok := s.tc.Token(role); ok {
		s.tc.UseToken(token)
		return nil
	}
	email, password := s.tc.AdminCredentials()
	if role != "administrator" {
		admin, err := s.login(email, password)
		if err != nil {
			return fmt.Errorf("administrator login: %w", err)
		}
		s.tc.UseToken(admin)
		email = fmt.Sprintf("%s-%d@e2e.example", role, time.Now().UnixNano())
		password = StaffPassword
		if err := s.tc.Do("POST", "/admin/users", map[string]string{
			"email":    email,
			"name":     "E2E " + role,
			"role":     role,
			"password": password,
		}); err != nil {
			return err
		}
		if err := s.statusShouldBe(context.Background(), 201); err != nil {
			return fmt.Errorf("create %s: %w", role, err)
		}
	}
	token, err := s.login(email, password)
	if err != nil {
		return err
	}
	s.tc.SetToken(role, token)
	s.tc.Save(role+"_email", email)
	s.tc.UseToken(token)
	return nil
}

func (s *commonSteps) login(email, password string) (string, error) {
	s.tc.UseToken("")
	if err := s.tc.Do("POST", "/auth/login", map[string]string{"email": email, "password": password}); err != nil {
		return "", err
	}
	if err := s.statusShouldBe(context.Background(), 200); err != nil {
		return "", fmt.Errorf("login %s: %w", email, err)
	}
	return s.tc.ResponseField("token")
}

func (s *commonSteps) notLoggedIn(context.Context) error {
	s.tc.UseToken("")
	return nil
}

func (s *commonSteps) request(_ context.Context, method, path string) error {
	return s.tc.Do(method, path, nil)
}

func (s *commonSteps) requestWithBody(_ context.Context, method, path string, body *godog.DocString) error {
	return s.tc.Do(method, path, body.Content)
}

func (s *commonSteps) statusShouldBe(_ context.Context, want int) error {
	if got := s.tc.LastStatus(); got != want {
		return fmt.Errorf("expected status %d, got %d: %s", want, got, s.tc.LastBody())
	}
	return nil
}

func (s *commonSteps) fieldShouldEqual(_ context.Context, field, want string) error {
	got, err := s.tc.ResponseField(field)
	if err != nil {
		return err
	}
	if want = s.tc.Expand(want); got != want {
		return fmt.Errorf("field %s: expected %s, got %s", field, strconv.Quote(want), strconv.Quote(got))
	}
	return nil
}

func (s *commonSteps) saveField(_ context.Context, field, name string) error {
	v, err := s.tc.ResponseField(field)
	if err != nil {
		return err
	}
	s.tc.Save(name, v)
	return nil
}
