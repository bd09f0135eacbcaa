// Package e2e runs the Gherkin scenarios under features/ against a live
// shepherd server. Set SHEPHERD_E2E_URL plus the bootstrap administrator
// credentials to enable it.
package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"
)

// TestContext carries one scenario's HTTP state: the last response, the
// staff tokens it logged in with, and values saved between steps.
type TestContext struct {
	BaseURL       string
	AdminEmail    string
	AdminPassword string

	client     *http.Client
	token      string
	tokens     map[string]string
	vars       map[string]string
	lastStatus int
	lastBody   []byte
}

// NewTestContext reads the target from the environment. ok is false when
// SHEPHERD_E2E_URL is unset.
func NewTestContext() (*TestContext, bool) {
	base := os.Getenv("SHEPHERD_E2E_URL")
	if base == "" {
		return nil, false
	}
	return &TestContext{
		BaseURL:       strings.TrimRight(base, "/"),
		AdminEmail:    os.Getenv("SHEPHERD_E2E_ADMIN_EMAIL"),
		AdminPassword: os.Getenv("SHEPHERD_E2E_ADMIN_PASSWORD"),
		client:        &http.Client{Timeout: 10 * time.Second},
	}, true
}

// Reset clears per-scenario state.
func (tc *TestContext) Reset() {
	tc.token = ""
	tc.tokens = make(map[string]string)
	tc.vars = make(map[string]string)
	tc.lastStatus = 0
	tc.lastBody = nil
}

var placeholder = regexp.MustCompile(`\{([a-z_]+)\}`)

// Expand substitutes saved values for {name} placeholders.
func (tc *TestContext) Expand(s string) string {
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		if v, ok := tc.vars[m[1:len(m)-1]]; ok {
			return v
		}
		return m
	})
}

func (tc *TestContext) Save(name, value string) { tc.vars[name] = value }

func (tc *TestContext) UseToken(token string) { tc.token = token }

func (tc *TestContext) Token(role string) (string, bool) {
	t, ok := tc.tokens[role]
	return t, ok
}

func (tc *TestContext) SetToken(role, token string) { tc.tokens[role] = token }

func (tc *TestContext) Do(method, path string, body any) error {
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(tc.Expand(b))
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, tc.BaseURL+tc.Expand(path), reader)
	if err != nil {
		return err
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tc.token != "" {
		req.Header.Set("Authorization", "Bearer "+tc.token)
	}
	resp, err := tc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	tc.lastStatus = resp.StatusCode
	tc.lastBody, err = io.ReadAll(resp.Body)
	return err
}

func (tc *TestContext) LastStatus() int { return tc.lastStatus }

func (tc *TestContext) LastBody() []byte { return tc.lastBody }

// ResponseField walks a dotted path ("items.0.status") through the last
// JSON body and returns the value formatted as a string.
func (tc *TestContext) ResponseField(path string) (string, error) {
	var doc any
	if err := json.Unmarshal(tc.lastBody, &doc); err != nil {
		return "", fmt.Errorf("response is not JSON: %w", err)
	}
	for _, part := range strings.Split(path, ".") {
		switch node := doc.(type) {
		case map[string]any:
			v, ok := node[part]
			if !ok {
				return "", fmt.Errorf("field %q not found in %s", path, tc.lastBody)
			}
			doc = v
		case []any:
			var i int
			if _, err := fmt.Sscanf(part, "%d", &i); err != nil || i < 0 || i >= len(node) {
				return "", fmt.Errorf("index %q out of range in %s", part, tc.lastBody)
			}
			doc = node[i]
		default:
			return "", fmt.Errorf("field %q not found in %s", path, tc.lastBody)
		}
	}
	if s, ok := doc.(string); ok {
		return s, nil
	}
	return fmt.Sprint(doc), nil
}

func (tc *TestContext) AdminCredentials() (email, password string) {
	return tc.AdminEmail, tc.AdminPassword
}
