package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/and161185/keyward/internal/limiter"
	"github.com/and161185/keyward/internal/model"
	"github.com/and161185/keyward/internal/notify"
	"github.com/and161185/keyward/internal/oauth"
	"github.com/and161185/keyward/internal/repository/memory"
	"github.com/and161185/keyward/internal/service"
	"github.com/and161185/keyward/internal/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGateway struct {
	authURL  string
	authErr  error
	lastReq  oauth.AuthRequest
	exchange oauth.ExchangeResult
	exchErr  error
	login    model.LoginResult
	loginErr error
}

func (f *fakeGateway) GetAuthURL(_ context.Context, req oauth.AuthRequest) (string, error) {
	f.lastReq = req
	return f.authURL, f.authErr
}

func (f *fakeGateway) ExchangeCode(context.Context, string, string, string) (oauth.ExchangeResult, error) {
	return f.exchange, f.exchErr
}

func (f *fakeGateway) GetLoginAuthURL(_ context.Context, provider string) (string, error) {
	if provider == "hubspot" {
		return "", &oauth.GatewayError{Kind: oauth.KindLoginUnsupported, Message: "Provider hubspot does not support login"}
	}
	return "https://provider.example/authorize?state=s", nil
}

func (f *fakeGateway) ExchangeLoginCode(context.Context, string, string, string) (model.LoginResult, error) {
	return f.login, f.loginErr
}

func (f *fakeGateway) Providers() []oauth.ProviderInfo {
	return []oauth.ProviderInfo{{ID: "google", Name: "Google", ScopeKeys: []string{"calendar"}, Login: true}}
}

func (f *fakeGateway) Health() map[string]oauth.ProviderHealth {
	return map[string]oauth.ProviderHealth{"google": {Configured: true}}
}

type outbox struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (o *outbox) Notify(_ context.Context, m notify.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.msgs = append(o.msgs, m)
	return nil
}

type testServer struct {
	srv  *httptest.Server
	gw   *fakeGateway
	box  *outbox
	mail *notify.Dispatcher
}

func newTestServer(t *testing.T, rpm int) *testServer {
	t.Helper()
	ts := &testServer{gw: &fakeGateway{authURL: "https://provider.example/authorize?state=abc"}, box: &outbox{}}
	ts.mail = notify.NewDispatcher(ts.box, nil, time.Second)
	auth := service.NewAuthService(memory.NewUsers(), memory.NewSessions(),
		service.DefaultAuthConfig([]byte("http-test-key")), service.WithMailer(ts.mail))
	v, err := vault.New(vault.Options{Dir: t.TempDir(), Passphrase: "k", Getenv: func(string) string { return "" }})
	require.NoError(t, err)
	lim := limiter.NewMemory(rpm, time.Minute)
	t.Cleanup(lim.Stop)

	h := NewHandler(Options{
		Auth:         auth,
		Gateway:      ts.gw,
		Vault:        v,
		Limiter:      lim,
		LoginPageURL: "/login.html",
		DashboardURL: "/app/integrations.html?view=all",
	})
	ts.srv = httptest.NewServer(NewRouter(h))
	t.Cleanup(ts.srv.Close)
	return ts
}

func noRedirect() *http.Client {
	return &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
}

func (ts *testServer) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := noRedirect().Get(ts.srv.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (ts *testServer) postJSON(t *testing.T, path string, body any, token string) (*http.Response, map[string]any) {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, ts.srv.URL+path, bytes.NewReader(b))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	var buf bytes.Buffer
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return buf.String()
}

func TestHealthAndProviders(t *testing.T) {
	ts := newTestServer(t, 100)

	resp := ts.get(t, "/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var h map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
	assert.Equal(t, "ok", h["status"])
	assert.Contains(t, h, "vault")

	resp = ts.get(t, "/oauth/providers")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := readBody(t, resp)
	assert.Contains(t, body, `"id":"google"`)
	assert.Contains(t, body, `"scopeKeys":["calendar"]`)
}

func TestOAuthStart(t *testing.T) {
	ts := newTestServer(t, 100)

	resp := ts.get(t, "/oauth/start/google?tenantId=tenant_x&scopes=calendar,%20sheets")
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, ts.gw.authURL, resp.Header.Get("Location"))
	assert.Equal(t, oauth.AuthRequest{TenantID: "tenant_x", Provider: "google", Scopes: []string{"calendar", "sheets"}}, ts.gw.lastReq)

	resp = ts.get(t, "/oauth/start/google")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	ts.gw.authErr = &oauth.GatewayError{Kind: oauth.KindUnknownProvider, Message: "Unknown OAuth provider: nope"}
	resp = ts.get(t, "/oauth/start/nope?tenantId=t")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, readBody(t, resp), "UNKNOWN_PROVIDER")
}

func TestOAuthCallback_EscapesProviderError(t *testing.T) {
	ts := newTestServer(t, 100)
	resp := ts.get(t, "/oauth/callback/google?error="+url.QueryEscape(`<script>alert(1)</script>`))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := readBody(t, resp)
	assert.NotContains(t, body, "<script>")
	assert.Contains(t, body, "&lt;script&gt;")
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.Contains(t, resp.Header.Get("Content-Security-Policy"), "default-src 'none'")
}

func TestOAuthCallback_Success(t *testing.T) {
	ts := newTestServer(t, 100)
	ts.gw.exchange = oauth.ExchangeResult{TenantID: `t"<b>`, Provider: "google", Success: true}

	resp := ts.get(t, "/oauth/callback/google?code=c&state=s")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := readBody(t, resp)
	assert.Contains(t, body, "Google connected for tenant: t&#34;&lt;b&gt;")
	assert.Contains(t, resp.Header.Get("Refresh"), "/app/integrations.html?view=all&connected=google")
}

func TestOAuthCallback_FailureHidesUpstreamBody(t *testing.T) {
	ts := newTestServer(t, 100)
	ts.gw.exchErr = &oauth.GatewayError{Kind: oauth.KindUpstream, Message: "Token exchange failed", Status: 400, Body: "secret-debug"}
	resp := ts.get(t, "/oauth/callback/google?code=c&state=s")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := readBody(t, resp)
	assert.Contains(t, body, "Token exchange failed")
	assert.NotContains(t, body, "secret-debug")
}

func TestLoginCallback_TokensInFragment(t *testing.T) {
	ts := newTestServer(t, 100)
	ts.gw.login = model.LoginResult{Tokens: model.Tokens{
		AccessToken: "acc", RefreshToken: "ref", TokenType: "Bearer", ExpiresIn: 86400,
		User: model.PublicUser{ID: "user_1", Email: "a@b.com", Role: model.RoleUser, TenantID: "acme_ab12"},
	}}

	resp := ts.get(t, "/oauth/login/callback/google?code=c&state=s")
	require.Equal(t, http.StatusFound, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/login.html", loc.Path)
	assert.Empty(t, loc.RawQuery, "tokens never travel in the query")
	frag, err := url.ParseQuery(loc.Fragment)
	require.NoError(t, err)
	assert.Equal(t, "acc", frag.Get("access_token"))
	assert.Equal(t, "ref", frag.Get("refresh_token"))
	assert.Equal(t, "acme_ab12", frag.Get("tenant_id"))
	assert.Equal(t, "86400", frag.Get("expires_in"))
}

func TestLoginCallback_Errors(t *testing.T) {
	ts := newTestServer(t, 100)

	ts.gw.loginErr = service.ErrAccountLocked
	resp := ts.get(t, "/oauth/login/callback/google?code=c&state=s")
	require.Equal(t, http.StatusFound, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "Account locked", loc.Query().Get("oauth_error"))
	assert.Empty(t, loc.Fragment)

	resp = ts.get(t, "/oauth/login/callback/google?error=access_denied")
	loc, _ = url.Parse(resp.Header.Get("Location"))
	assert.Equal(t, "access_denied", loc.Query().Get("oauth_error"))

	resp = ts.get(t, "/oauth/login/hubspot")
	loc, _ = url.Parse(resp.Header.Get("Location"))
	assert.Contains(t, loc.Query().Get("oauth_error"), "does not support login")

	ts.gw.loginErr = errors.New("db down")
	resp = ts.get(t, "/oauth/login/callback/google?code=c&state=s")
	loc, _ = url.Parse(resp.Header.Get("Location"))
	assert.Equal(t, "OAuth flow failed", loc.Query().Get("oauth_error"))
}

func TestAuthFlow(t *testing.T) {
	ts := newTestServer(t, 100)

	resp, body := ts.postJSON(t, "/auth/register", map[string]any{"email": "A@B.com", "password": "Str0ngPass", "role": "admin"}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	user := body["user"].(map[string]any)
	assert.Equal(t, "user", user["role"])

	resp, body = ts.postJSON(t, "/auth/login", map[string]any{"email": "a@b.com", "password": "Str0ngPass"}, "")
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "EMAIL_NOT_VERIFIED", body["code"])

	ts.mail.Wait()
	ts.box.mu.Lock()
	require.Len(t, ts.box.msgs, 1)
	verifyToken := ts.box.msgs[0].Token
	ts.box.mu.Unlock()

	resp, _ = ts.postJSON(t, "/auth/verify-email", map[string]any{"token": verifyToken}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = ts.postJSON(t, "/auth/login", map[string]any{"email": "a@b.com", "password": "Str0ngPass"}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	access := body["access_token"].(string)
	refresh := body["refresh_token"].(string)

	req, _ := http.NewRequest(http.MethodGet, ts.srv.URL+"/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+access)
	meResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer meResp.Body.Close()
	require.Equal(t, http.StatusOK, meResp.StatusCode)

	resp, body = ts.postJSON(t, "/auth/refresh", map[string]any{"refresh_token": refresh}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body["access_token"])

	resp, _ = ts.postJSON(t, "/auth/change-password", map[string]any{"old_password": "Str0ngPass", "new_password": "N3wPassword"}, access)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = ts.postJSON(t, "/auth/refresh", map[string]any{"refresh_token": refresh}, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "INVALID_TOKEN", body["code"])
}

func TestAuthErrors(t *testing.T) {
	ts := newTestServer(t, 100)

	resp, body := ts.postJSON(t, "/auth/register", map[string]any{"email": "x@y.com", "password": "short"}, "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "WEAK_PASSWORD", body["code"])
	assert.NotEmpty(t, body["details"])

	resp, body = ts.postJSON(t, "/auth/forgot", map[string]any{"email": "nobody@y.com"}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])

	resp, _ = ts.postJSON(t, "/auth/logout", map[string]any{}, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = ts.postJSON(t, "/auth/change-password", map[string]any{}, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body = ts.postJSON(t, "/auth/change-password", map[string]any{}, "not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "INVALID_TOKEN", body["code"])

	req, _ := http.NewRequest(http.MethodPost, ts.srv.URL+"/auth/login", strings.NewReader("{"))
	r, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer r.Body.Close()
	assert.Equal(t, http.StatusBadRequest, r.StatusCode)
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, 2)
	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, ts.get(t, "/oauth/providers").StatusCode)
	}
	resp := ts.get(t, "/oauth/providers")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	assert.Equal(t, http.StatusOK, ts.get(t, "/health").StatusCode, "health is not limited")
}

func TestClientIP(t *testing.T) {
	h := NewHandler(Options{TrustedProxies: []string{"10.0.0.1"}})
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:5000"
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", h.clientIP(r))

	r.RemoteAddr = "198.51.100.7:5000"
	assert.Equal(t, "198.51.100.7", h.clientIP(r))
}
