package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"rolegate.org/internal/challenge"
	"rolegate.org/internal/config"
	"rolegate.org/internal/gate"
	"rolegate.org/internal/mapping"
	"rolegate.org/internal/resolve"
	"rolegate.org/internal/store"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
	vendor  *stubVendor
}

type stubVendor struct {
	lastReq gate.VendRequest
}

func (v *stubVendor) Vend(_ context.Context, req gate.VendRequest) (gate.Bundle, error) {
	v.lastReq = req
	return gate.Bundle{
		AccessKeyID:     "AKIATEST",
		SecretAccessKey: "secret",
		SessionToken:    "token",
		Expiration:      time.Now().Add(time.Hour),
		AssumedRoleARN:  "arn:aws:sts::111111111111:assumed-role/ops/alice",
	}, nil
}

type stubAccounts struct{}

func (stubAccounts) IDToName(context.Context) (map[string]string, error) {
	return map[string]string{"111111111111": "prod"}, nil
}

func (stubAccounts) NameToID(context.Context) (map[string]string, error) {
	return map[string]string{"prod": "111111111111"}, nil
}

const (
	opsARN      = "arn:aws:iam::111111111111:role/ops"
	readonlyARN = "arn:aws:iam::111111111111:role/readonly-cli"
)

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	tenantFn := func(string) config.Tenant {
		tn := config.DefaultTenant()
		tn.Generators = []string{"fixed"}
		return tn
	}

	adapter := store.NewAdapter(store.NewMemory(0))
	engine := mapping.NewEngine(adapter, tenantFn, &mapping.FuncGenerator{
		GeneratorName: "fixed",
		Fn: func(_ context.Context, _ string, acc mapping.ForwardMapping) (mapping.ForwardMapping, error) {
			out := acc.Clone()
			out.Add("alice@example.com", mapping.AuthorizedRoleSet{ConsoleRoles: []string{opsARN}})
			out.Add("alice@example.com", mapping.AuthorizedRoleSet{CLIOnlyRoles: []string{readonlyARN}})
			return out, nil
		},
	})
	if _, _, err := engine.Regenerate(context.Background(), "default"); err != nil {
		t.Fatalf("seed mapping: %v", err)
	}

	vendor := &stubVendor{}
	g := gate.New(nil, nil, vendor, nil, 24*time.Hour, time.Second)

	mgr, err := challenge.NewManager(adapter, tenantFn, []byte("test-key"), "rolegate_session")
	if err != nil {
		t.Fatalf("challenge manager: %v", err)
	}

	api := New(ReadyProbe{}, "test", Deps{
		Engine:     engine,
		Gate:       g,
		Challenges: mgr,
		Accounts:   stubAccounts{},
		AppRoles: func(_ context.Context, app string) ([]resolve.AppRole, error) {
			if app == "billing" {
				return []resolve.AppRole{{ARN: opsARN, AccountID: "111111111111"}}, nil
			}
			return nil, nil
		},
		CookieName: "rolegate_session",
	})
	api.SetRateLimit(100, 100)

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
		vendor:  vendor,
	}
}

func certHeaders(user string) map[string]string {
	return map[string]string{
		"X-Rolegate-User":        user,
		"X-Rolegate-Cert-Issued": time.Now().Add(-time.Hour).Format(time.RFC3339),
	}
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestCredentialsIssuedForAuthorizedRole(t *testing.T) {
	c := newTestAPI(t)

	resp := c.post("/v1/credentials", map[string]any{"role": "ops"}, certHeaders("alice@example.com"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	payload := decode[credentialsResponse](t, resp)
	if payload.Role != opsARN || payload.Credentials.AccessKeyID != "AKIATEST" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if c.vendor.lastReq.Identity != "alice@example.com" || !c.vendor.lastReq.EnforceIPRestriction {
		t.Fatalf("unexpected vend request: %+v", c.vendor.lastReq)
	}
}

func TestCredentialsUnauthenticated(t *testing.T) {
	c := newTestAPI(t)

	resp := c.post("/v1/credentials", map[string]any{"role": "ops"}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestCredentialsNoMatchReturnsNumberedCode(t *testing.T) {
	c := newTestAPI(t)

	resp := c.post("/v1/credentials", map[string]any{"role": "nonexistent"}, certHeaders("alice@example.com"))
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	payload := decode[map[string]any](t, resp)
	if code, _ := payload["code"].(float64); int(code) != int(gate.CodeNoMatchingRole) {
		t.Fatalf("unexpected error payload: %v", payload)
	}
}

func TestCredentialsMixedShapesRejected(t *testing.T) {
	c := newTestAPI(t)

	resp := c.post("/v1/credentials", map[string]any{"role": "ops", "app": "billing"}, certHeaders("alice@example.com"))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestCredentialsStaleCertificateRejected(t *testing.T) {
	c := newTestAPI(t)

	headers := map[string]string{
		"X-Rolegate-User":        "alice@example.com",
		"X-Rolegate-Cert-Issued": time.Now().Add(-48 * time.Hour).Format(time.RFC3339),
	}
	resp := c.post("/v1/credentials", map[string]any{"role": "ops"}, headers)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	payload := decode[map[string]any](t, resp)
	if code, _ := payload["code"].(float64); int(code) != int(gate.CodeCertificateTooOld) {
		t.Fatalf("unexpected error payload: %v", payload)
	}
}

func TestRolesListConsoleAndCLI(t *testing.T) {
	c := newTestAPI(t)

	resp := c.get("/v1/roles", nil, certHeaders("alice@example.com"))
	payload := decode[map[string]any](t, resp)
	if roles, _ := payload["roles"].([]any); len(roles) != 1 {
		t.Fatalf("console roles: %v", payload)
	}

	resp = c.get("/v1/roles", url.Values{"cli": {"true"}}, certHeaders("alice@example.com"))
	payload = decode[map[string]any](t, resp)
	if roles, _ := payload["roles"].([]any); len(roles) != 2 {
		t.Fatalf("cli-inclusive roles: %v", payload)
	}
}

// pollPayload mirrors the flat poll response body.
type pollPayload struct {
	Status     string `json:"status"`
	CookieName string `json:"cookie_name"`
	Encoded    string `json:"encoded_credential"`
	User       string `json:"user"`
}

func TestChallengeHandshakeEndToEnd(t *testing.T) {
	c := newTestAPI(t)

	created := decode[challengeCreateResponse](t, c.post("/v1/challenge", nil, nil))
	if created.Token == "" {
		t.Fatalf("empty challenge token")
	}

	// CLI polls while pending.
	poll := decode[pollPayload](t, c.get("/v1/challenge/poll", url.Values{"token": {created.Token}}, nil))
	if poll.Status != "pending" {
		t.Fatalf("expected pending, got %+v", poll)
	}

	// Browser visits and approves. httptest serves from 127.0.0.1, so the
	// IP binding holds across both legs.
	visited := decode[map[string]any](t, c.get("/v1/challenge/validate", url.Values{"token": {created.Token}}, certHeaders("alice@example.com")))
	nonce, _ := visited["nonce"].(string)
	if nonce == "" {
		t.Fatalf("no nonce issued: %v", visited)
	}

	resp := c.post("/v1/challenge/validate", map[string]any{"token": created.Token, "nonce": nonce}, certHeaders("alice@example.com"))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve failed: %d", resp.StatusCode)
	}

	// CLI collects the session credential exactly once. The success body
	// is flat: cookie_name, expiration, encoded_credential and user sit
	// next to status, not under a wrapper object.
	pollResp := c.get("/v1/challenge/poll", url.Values{"token": {created.Token}}, nil)
	var gotCookie bool
	for _, ck := range pollResp.Cookies() {
		if ck.Name == "rolegate_session" && ck.Value != "" {
			gotCookie = true
		}
	}
	success := decode[map[string]any](t, pollResp)
	if success["status"] != "success" || !gotCookie {
		t.Fatalf("expected success with cookie, got %v", success)
	}
	for _, key := range []string{"cookie_name", "expiration", "encoded_credential", "user"} {
		if _, ok := success[key]; !ok {
			t.Fatalf("poll body missing top-level %q: %v", key, success)
		}
	}
	encoded, _ := success["encoded_credential"].(string)
	if encoded == "" || success["user"] != "alice@example.com" {
		t.Fatalf("unexpected credential body: %v", success)
	}

	// Session cookie authenticates the roles endpoint with CLI roles.
	resp = c.get("/v1/roles", nil, map[string]string{
		"Cookie": "rolegate_session=" + encoded,
	})
	payload := decode[map[string]any](t, resp)
	if roles, _ := payload["roles"].([]any); len(roles) != 2 {
		t.Fatalf("session caller should see CLI roles: %v", payload)
	}

	// Token is gone.
	poll = decode[pollPayload](t, c.get("/v1/challenge/poll", url.Values{"token": {created.Token}}, nil))
	if poll.Status != "unknown" {
		t.Fatalf("consumed token should be unknown, got %+v", poll)
	}
}

func TestChallengeRevisitConflict(t *testing.T) {
	c := newTestAPI(t)

	created := decode[challengeCreateResponse](t, c.post("/v1/challenge", nil, nil))
	resp := c.get("/v1/challenge/validate", url.Values{"token": {created.Token}}, certHeaders("alice@example.com"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first visit: %d", resp.StatusCode)
	}

	resp = c.get("/v1/challenge/validate", url.Values{"token": {created.Token}}, certHeaders("alice@example.com"))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on revisit, got %d", resp.StatusCode)
	}
}

func TestRolesStaleMappingReadsAsAbsent(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	var stamp atomic.Int64
	stamp.Store(base.UnixNano())
	clock := func() time.Time { return time.Unix(0, stamp.Load()) }

	tenantFn := func(string) config.Tenant {
		tn := config.DefaultTenant()
		tn.Generators = []string{"fixed"}
		return tn
	}
	adapter := store.NewAdapter(store.NewMemory(0), store.WithClock(clock))
	engine := mapping.NewEngine(adapter, tenantFn, &mapping.FuncGenerator{
		GeneratorName: "fixed",
		Fn: func(_ context.Context, _ string, acc mapping.ForwardMapping) (mapping.ForwardMapping, error) {
			out := acc.Clone()
			out.Add("alice@example.com", mapping.AuthorizedRoleSet{ConsoleRoles: []string{opsARN}})
			return out, nil
		},
	})
	if _, _, err := engine.Regenerate(context.Background(), "default"); err != nil {
		t.Fatalf("seed mapping: %v", err)
	}

	mgr, err := challenge.NewManager(adapter, tenantFn, []byte("test-key"), "rolegate_session")
	if err != nil {
		t.Fatalf("challenge manager: %v", err)
	}
	api := New(ReadyProbe{}, "test", Deps{
		Engine:     engine,
		Gate:       gate.New(nil, nil, &stubVendor{}, nil, 24*time.Hour, time.Second),
		Challenges: mgr,
		Accounts:   stubAccounts{},
		CookieName: "rolegate_session",
		ReadMaxAge: func(string) time.Duration { return time.Minute },
	})
	api.SetRateLimit(100, 100)
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	c := &apiClient{baseURL: srv.URL, client: srv.Client(), t: t}

	payload := decode[map[string]any](t, c.get("/v1/roles", nil, certHeaders("alice@example.com")))
	if roles, _ := payload["roles"].([]any); len(roles) != 1 {
		t.Fatalf("fresh mapping not served: %v", payload)
	}

	// An hour without a regeneration pass exceeds the one-minute bound;
	// the snapshot must read as absent, not be served stale.
	stamp.Store(base.Add(time.Hour).UnixNano())
	payload = decode[map[string]any](t, c.get("/v1/roles", nil, certHeaders("alice@example.com")))
	if roles, _ := payload["roles"].([]any); len(roles) != 0 {
		t.Fatalf("stale mapping served: %v", payload)
	}
}

func TestHealthAndInfo(t *testing.T) {
	c := newTestAPI(t)

	resp := c.get("/healthz", nil, nil)
	payload := decode[map[string]any](t, resp)
	if payload["status"] != "ok" || payload["service"] != "rolegate-api" {
		t.Fatalf("unexpected health payload: %v", payload)
	}

	resp = c.get("/readyz", nil, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz: %d", resp.StatusCode)
	}
}
