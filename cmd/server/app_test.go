package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shepherd/internal/auth/models"
	"shepherd/internal/platform/config"
	"shepherd/pkg/testutil"
)

func inMemoryConfig(t *testing.T) *config.Config {
	t.Helper()
	key := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x17}, 32))
	t.Setenv("SHEPHERD_AUTH_JWT_SIGNING_KEY", "app-test-signing-key-0123456789abcdef")
	t.Setenv("SHEPHERD_CIPHER_KEYS", "1:"+key)
	t.Setenv("SHEPHERD_AUTH_BOOTSTRAP_EMAIL", "admin@church.example")
	t.Setenv("SHEPHERD_AUTH_BOOTSTRAP_PASSWORD", "bootstrap-password")
	cfg, err := config.FromEnv()
	require.NoError(t, err)
	return cfg
}

func buildInMemory(t *testing.T) *app {
	t.Helper()
	cfg := inMemoryConfig(t)
	policy, err := config.DefaultPolicy()
	require.NoError(t, err)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	a, err := build(context.Background(), cfg, policy, log, prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(func() { a.close(log) })
	return a
}

func adminToken(t *testing.T, a *app) string {
	t.Helper()
	rr := testutil.DoRequest(a.router, testutil.NewJSONRequest(t, http.MethodPost, "/auth/login", models.LoginRequest{
		Email:    "admin@church.example",
		Password: "bootstrap-password",
	}))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	login := testutil.UnmarshalResponse[struct {
		Token string `json:"token"`
	}](t, rr)
	return login.Token
}

func TestBuildInMemory(t *testing.T) {
	a := buildInMemory(t)
	token := adminToken(t, a)

	rr := testutil.DoRequest(a.router, testutil.WithBearer(testutil.NewJSONRequest(t, http.MethodGet, "/admin/users", nil), token))
	testutil.AssertStatusOK(t, rr)
	assert.Contains(t, rr.Body.String(), "admin@church.example")

	a.maintain(context.Background(), time.Now().UTC())
}

func TestNewVisitorGetsFollowUpAndEngagesOnSecondVisit(t *testing.T) {
	a := buildInMemory(t)
	token := adminToken(t, a)
	do := func(method, path string, body any) *httptest.ResponseRecorder {
		return testutil.DoRequest(a.router, testutil.WithBearer(testutil.NewJSONRequest(t, method, path, body), token))
	}

	rr := do(http.MethodPost, "/people/", map[string]string{"name": "Ana"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.NotContains(t, rr.Body.String(), "family_id")
	person := testutil.UnmarshalResponse[struct {
		ID       string `json:"id"`
		Stage    string `json:"stage"`
		CheckIns int    `json:"check_ins"`
	}](t, rr)
	assert.Equal(t, "visitor", person.Stage)
	assert.Equal(t, 1, person.CheckIns)

	rr = do(http.MethodGet, "/follow-ups/?person_id="+person.ID, nil)
	testutil.AssertStatusOK(t, rr)
	tasks := testutil.UnmarshalResponse[struct {
		Items []struct {
			Reason       string `json:"reason"`
			Stage        string `json:"stage"`
			AssigneeRole string `json:"assignee_role"`
			Status       string `json:"status"`
		} `json:"items"`
	}](t, rr)
	require.Len(t, tasks.Items, 1)
	assert.Equal(t, "stage_entered", tasks.Items[0].Reason)
	assert.Equal(t, "visitor", tasks.Items[0].Stage)
	assert.Equal(t, "ministry_leader", tasks.Items[0].AssigneeRole)
	assert.Equal(t, "pending", tasks.Items[0].Status)

	rr = do(http.MethodPost, "/people/"+person.ID+"/check-ins", nil)
	testutil.AssertStatusOK(t, rr)
	visit := testutil.UnmarshalResponse[struct {
		Person struct {
			Stage string `json:"stage"`
		} `json:"person"`
		Event string `json:"event"`
	}](t, rr)
	assert.Equal(t, "repeat_check_in", visit.Event)
	assert.Equal(t, "engaged", visit.Person.Stage)
}

func TestBootstrapAdministratorRunsOnce(t *testing.T) {
	ctx := context.Background()
	cfg := inMemoryConfig(t)
	policy, err := config.DefaultPolicy()
	require.NoError(t, err)
	log := slog.New(slog.DiscardHandler)

	a, err := build(ctx, cfg, policy, log, prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(func() { a.close(log) })

	require.NoError(t, bootstrapAdministrator(ctx, a.auth, cfg.Auth, log))
	users, err := a.auth.Users(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 1)
}

func TestKeyProviderRejectsBadKeys(t *testing.T) {
	_, err := keyProvider(config.CipherConfig{Keys: "1:not-base64!"}, slog.New(slog.DiscardHandler))
	require.Error(t, err)
}
