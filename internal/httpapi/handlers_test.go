package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"gatehouse.org/internal/identity"
	"gatehouse.org/internal/token"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
}

func newTestAPI(t *testing.T, opts ...identity.ManagerOption) *apiClient {
	t.Helper()

	t.Setenv("GATEHOUSE_AUTH_SECRET", "test-secret")
	token.ResetSecretForTests()
	t.Cleanup(token.ResetSecretForTests)

	store := identity.NewInMemory()
	manager, err := identity.NewManager(store, opts...)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	api := New(ReadyProbe{}, "test", manager, store)
	api.rateBurst = 1000
	api.ratePerSec = 1000

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
	}
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	return c.do(http.MethodPost, path, body, headers)
}

func (c *apiClient) del(path string, headers map[string]string) *http.Response {
	return c.do(http.MethodDelete, path, nil, headers)
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

func (c *apiClient) register(username, password string) {
	c.t.Helper()
	resp := c.post("/v1/users", map[string]any{
		"username": username,
		"email":    username + "@example.com",
		"password": password,
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		c.t.Fatalf("register %s: unexpected status %d", username, resp.StatusCode)
	}
}

func (c *apiClient) obtainToken(username, password string) string {
	c.t.Helper()
	resp := c.post("/v1/auth/token", map[string]any{
		"username": username,
		"password": password,
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("unexpected token status: %d", resp.StatusCode)
	}
	var payload tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		c.t.Fatalf("decode token response: %v", err)
	}
	if payload.Token == "" {
		c.t.Fatalf("empty token issued")
	}
	if payload.TokenType != "bearer" {
		c.t.Fatalf("unexpected token type: %q", payload.TokenType)
	}
	return payload.Token
}

func bearerHeader(tok string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + tok}
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

func TestIdentityFlow(t *testing.T) {
	api := newTestAPI(t)

	// Register and authenticate the founding admin.
	resp := api.post("/v1/users", map[string]any{
		"username": "alice",
		"email":    "alice@example.com",
		"password": "pw-alice",
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register: unexpected status %d", resp.StatusCode)
	}
	created := decode[userResponse](t, resp)
	if created.Username != "alice" || created.ID == "" {
		t.Fatalf("unexpected register payload: %+v", created)
	}

	aliceAuth := bearerHeader(api.obtainToken("alice", "pw-alice"))

	// The service creator becomes its admin in the same call.
	resp = api.post("/v1/services", map[string]any{"name": "billing"}, aliceAuth)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create service: unexpected status %d", resp.StatusCode)
	}
	svc := decode[serviceResponse](t, resp)
	if svc.Name != "billing" {
		t.Fatalf("unexpected service payload: %+v", svc)
	}

	// Grant bob the member role.
	api.register("bob", "pw-bob")
	resp = api.post("/v1/assignments", map[string]any{
		"username": "bob",
		"service":  "billing",
		"role":     "member",
	}, aliceAuth)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("assign: unexpected status %d", resp.StatusCode)
	}
	assigned := decode[assignmentResponse](t, resp)
	if assigned.ServiceID != svc.ID {
		t.Fatalf("assignment references wrong service: %+v", assigned)
	}

	// Listing requires the admin role; order follows membership age.
	resp = api.get("/v1/services/billing/members", nil, aliceAuth)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list members: unexpected status %d", resp.StatusCode)
	}
	listing := decode[listMembersResponse](t, resp)
	if len(listing.Users) != 2 || listing.Users[0].Username != "alice" || listing.Users[1].Username != "bob" {
		t.Fatalf("unexpected members: %+v", listing.Users)
	}

	// bob is a member, not an admin.
	bobAuth := bearerHeader(api.obtainToken("bob", "pw-bob"))
	resp = api.get("/v1/services/billing/members", nil, bobAuth)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("member listing: expected 403, got %d", resp.StatusCode)
	}

	// Revoke bob's role, then verify the roster shrank.
	resp = api.del("/v1/services/billing/members/bob", aliceAuth)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("revoke: unexpected status %d", resp.StatusCode)
	}
	resp = api.get("/v1/services/billing/members", nil, aliceAuth)
	listing = decode[listMembersResponse](t, resp)
	if len(listing.Users) != 1 {
		t.Fatalf("expected one member after revoke, got %+v", listing.Users)
	}
}

func TestRegisterConflicts(t *testing.T) {
	api := newTestAPI(t)
	api.register("alice", "pw")

	resp := api.post("/v1/users", map[string]any{
		"username": "alice",
		"email":    "fresh@example.com",
		"password": "pw",
	}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate username: expected 409, got %d", resp.StatusCode)
	}

	resp = api.post("/v1/users", map[string]any{
		"username": "alice2",
		"email":    "alice@example.com",
		"password": "pw",
	}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate email: expected 409, got %d", resp.StatusCode)
	}
}

func TestTokenEndpointRejectsBadCredentials(t *testing.T) {
	api := newTestAPI(t)
	api.register("alice", "pw")

	for _, body := range []map[string]any{
		{"username": "alice", "password": "wrong"},
		{"username": "nobody", "password": "pw"},
	} {
		resp := api.post("/v1/auth/token", body, nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401 for %v, got %d", body, resp.StatusCode)
		}
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/services", map[string]any{"name": "billing"}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: expected 401, got %d", resp.StatusCode)
	}

	resp = api.post("/v1/services", map[string]any{"name": "billing"}, bearerHeader("not-a-token"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token: expected 401, got %d", resp.StatusCode)
	}
}

func TestStaleTokenAfterAccountDeletion(t *testing.T) {
	api := newTestAPI(t)
	api.register("bob", "pw-bob")
	bobAuth := bearerHeader(api.obtainToken("bob", "pw-bob"))

	resp := api.del("/v1/users/bob", bobAuth)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("self delete: unexpected status %d", resp.StatusCode)
	}

	// The still-valid JWT no longer maps to an account.
	resp = api.post("/v1/services", map[string]any{"name": "billing"}, bobAuth)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("stale token: expected 401, got %d", resp.StatusCode)
	}
}

func TestDeleteUserIsSelfOnly(t *testing.T) {
	api := newTestAPI(t)
	api.register("alice", "pw-alice")
	api.register("bob", "pw-bob")
	bobAuth := bearerHeader(api.obtainToken("bob", "pw-bob"))

	resp := api.del("/v1/users/alice", bobAuth)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("cross-account delete: expected 403, got %d", resp.StatusCode)
	}
}

func TestRoleRegistrationGate(t *testing.T) {
	api := newTestAPI(t)
	api.register("alice", "pw-alice")
	aliceAuth := bearerHeader(api.obtainToken("alice", "pw-alice"))

	// alice is not yet an admin anywhere.
	resp := api.post("/v1/roles", map[string]any{"name": "auditor"}, aliceAuth)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("pre-service role: expected 403, got %d", resp.StatusCode)
	}

	resp = api.post("/v1/services", map[string]any{"name": "billing"}, aliceAuth)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create service: unexpected status %d", resp.StatusCode)
	}

	resp = api.post("/v1/roles", map[string]any{"name": "Auditor"}, aliceAuth)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("role after admin: unexpected status %d", resp.StatusCode)
	}
	role := decode[roleResponse](t, resp)
	if role.Name != "auditor" {
		t.Fatalf("expected lowercased role name, got %q", role.Name)
	}
}

func TestListMembersPaging(t *testing.T) {
	api := newTestAPI(t)
	api.register("alice", "pw-alice")
	aliceAuth := bearerHeader(api.obtainToken("alice", "pw-alice"))
	resp := api.post("/v1/services", map[string]any{"name": "billing"}, aliceAuth)
	resp.Body.Close()

	for _, name := range []string{"bob", "carol", "dave"} {
		api.register(name, "pw")
		resp := api.post("/v1/assignments", map[string]any{
			"username": name,
			"service":  "billing",
			"role":     "member",
		}, aliceAuth)
		resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("assign %s: unexpected status %d", name, resp.StatusCode)
		}
	}

	page := decode[listMembersResponse](t, api.get("/v1/services/billing/members",
		url.Values{"limit": {"2"}, "offset": {"1"}}, aliceAuth))
	if len(page.Users) != 2 || page.Users[0].Username != "bob" || page.Users[1].Username != "carol" {
		t.Fatalf("unexpected page: %+v", page.Users)
	}

	// Malformed paging inputs fall back to defaults.
	resp = api.get("/v1/services/billing/members", url.Values{"limit": {"nan"}}, aliceAuth)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("malformed limit: unexpected status %d", resp.StatusCode)
	}
	all := decode[listMembersResponse](t, resp)
	if len(all.Users) != 4 {
		t.Fatalf("expected full roster, got %+v", all.Users)
	}
}

func TestUnknownResourcesReturn404(t *testing.T) {
	api := newTestAPI(t)
	api.register("alice", "pw-alice")
	aliceAuth := bearerHeader(api.obtainToken("alice", "pw-alice"))

	resp := api.get("/v1/services/ghost/members", nil, aliceAuth)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown service: expected 404, got %d", resp.StatusCode)
	}

	resp = api.post("/v1/assignments", map[string]any{
		"username": "ghost",
		"service":  "ghost",
		"role":     "member",
	}, aliceAuth)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown target: expected 404, got %d", resp.StatusCode)
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/users", map[string]any{
		"username": "alice",
		"email":    "alice@example.com",
		"password": "pw",
		"is_admin": true,
	}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown field: expected 400, got %d", resp.StatusCode)
	}

	resp = api.post("/v1/users", nil, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty body: expected 400, got %d", resp.StatusCode)
	}
}

func TestHealthAndInfoEndpoints(t *testing.T) {
	api := newTestAPI(t)

	resp := api.get("/healthz", nil, nil)
	health := decode[map[string]any](t, resp)
	if health["status"] != "ok" || health["service"] != "gatehouse-api" {
		t.Fatalf("unexpected health payload: %v", health)
	}

	resp = api.get("/readyz", nil, nil)
	ready := decode[map[string]any](t, resp)
	if ready["status"] != "ready" {
		t.Fatalf("unexpected ready payload: %v", ready)
	}

	resp = api.get("/v1/info", nil, nil)
	info := decode[map[string]any](t, resp)
	if info["name"] != "gatehouse-api" || info["version"] != "test" {
		t.Fatalf("unexpected info payload: %v", info)
	}
}
