// Package oauth is the OAuth Gateway: authorization-code flows for tenant
// integrations and SSO login against a fixed set of providers.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/and161185/keyward/internal/model"
	"github.com/and161185/keyward/internal/obs"
	"github.com/and161185/keyward/internal/service"
	"github.com/and161185/keyward/internal/tenant"
	"github.com/and161185/keyward/internal/vault"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	// DefaultBaseURL is the public origin callbacks are built from.
	DefaultBaseURL = "http://localhost:3010"

	// BackRefKey links a team alias bundle to the tenant that connected it.
	BackRefKey = "VOCALIA_TENANT_ID"

	flowIntegration = "integration"
	flowLogin       = "login"

	userAgent       = "keyward-oauth"
	maxProfileBytes = 1 << 20
	httpTimeout     = 15 * time.Second
)

// CredentialStore is the part of the Vault the Gateway writes to.
type CredentialStore interface {
	Merge(tenantID string, updates vault.Bundle) (vault.Bundle, error)
}

// Authenticator is the part of the Auth Service used by SSO login.
type Authenticator interface {
	LoginWithOAuth(ctx context.Context, in service.OAuthLoginInput) (model.Tokens, error)
	AssignTenant(ctx context.Context, userID, tenantID string) error
}

// Options configures a Gateway. Registry, States and Vault are required.
type Options struct {
	BaseURL     string
	Registry    Registry
	States      StateStore
	Vault       CredentialStore
	Auth        Authenticator
	Provisioner tenant.Provisioner
	Getenv      func(string) string
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

// AuthRequest starts an integration flow.
type AuthRequest struct {
	TenantID string
	Provider string
	// Scopes are scope keys; unknown keys are sent as raw scopes.
	Scopes []string
	// Shop names the merchant for providers with templated endpoints.
	Shop string
}

// ExchangeResult reports a completed integration flow.
type ExchangeResult struct {
	TenantID string   `json:"tenantId"`
	Provider string   `json:"provider"`
	Scopes   []string `json:"scopes"`
	Success  bool     `json:"success"`
}

// ProviderInfo is the public listing entry of a provider.
type ProviderInfo struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	ScopeKeys []string `json:"scopeKeys"`
	Login     bool     `json:"login"`
}

// ProviderHealth reports whether a provider's client credentials are configured.
type ProviderHealth struct {
	Configured bool     `json:"configured"`
	Missing    []string `json:"missing,omitempty"`
}

// Gateway is safe for concurrent use.
type Gateway struct {
	baseURL     string
	registry    Registry
	states      StateStore
	vault       CredentialStore
	auth        Authenticator
	provisioner tenant.Provisioner
	getenv      func(string) string
	client      *http.Client
	log         *zap.Logger
}

// NewGateway validates opts and builds a Gateway.
func NewGateway(opts Options) (*Gateway, error) {
	if opts.Registry == nil || opts.States == nil || opts.Vault == nil {
		return nil, errors.New("oauth: registry, state store and vault are required")
	}
	g := &Gateway{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		registry:    opts.Registry,
		states:      opts.States,
		vault:       opts.Vault,
		auth:        opts.Auth,
		provisioner: opts.Provisioner,
		getenv:      opts.Getenv,
		client:      opts.HTTPClient,
		log:         opts.Logger,
	}
	if g.baseURL == "" {
		g.baseURL = DefaultBaseURL
	}
	if g.getenv == nil {
		g.getenv = os.Getenv
	}
	if g.client == nil {
		g.client = &http.Client{Timeout: httpTimeout}
	}
	if g.log == nil {
		g.log = zap.NewNop()
	}
	return g, nil
}

// CallbackURL is the integration redirect URI for provider.
func (g *Gateway) CallbackURL(provider string) string {
	return g.baseURL + "/oauth/callback/" + provider
}

// LoginCallbackURL is the SSO redirect URI for provider.
func (g *Gateway) LoginCallbackURL(provider string) string {
	return g.baseURL + "/oauth/login/callback/" + provider
}

func (g *Gateway) clientCredentials(p Provider) (string, string, error) {
	id, secret := g.getenv(p.ClientIDEnv), g.getenv(p.ClientSecretEnv)
	if id == "" || secret == "" {
		missing := p.ClientIDEnv
		if id != "" {
			missing = p.ClientSecretEnv
		}
		return "", "", &GatewayError{Kind: KindMissingCredentials, Provider: string(p.ID),
			Message: fmt.Sprintf("Missing %s for provider %s", missing, p.ID)}
	}
	return id, secret, nil
}

func (g *Gateway) httpContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, g.client)
}

// GetAuthURL issues a state bound to req and returns the provider authorization URL.
// Offline access and consent are always requested so a refresh token is returned.
func (g *Gateway) GetAuthURL(ctx context.Context, req AuthRequest) (string, error) {
	p, err := g.registry.Lookup(req.Provider)
	if err != nil {
		return "", err
	}
	if req.TenantID == "" {
		return "", &GatewayError{Kind: KindInvalidRequest, Provider: req.Provider, Message: "tenantId is required"}
	}
	if req.TenantID == LoginTenant {
		return "", &GatewayError{Kind: KindInvalidRequest, Provider: req.Provider, Message: "tenantId is reserved"}
	}
	if p.Templated() && !ValidShop(req.Shop) {
		return "", &GatewayError{Kind: KindInvalidRequest, Provider: req.Provider, Message: "a valid shop is required"}
	}
	clientID, clientSecret, err := g.clientCredentials(p)
	if err != nil {
		return "", err
	}

	keys := req.Scopes
	if len(keys) == 0 {
		keys = []string{DefaultScopeKey}
	}
	state, err := g.states.Issue(ctx, StateData{
		Flow:     flowIntegration,
		TenantID: req.TenantID,
		Provider: string(p.ID),
		Scopes:   keys,
		Shop:     req.Shop,
	})
	if err != nil {
		return "", fmt.Errorf("issue state: %w", err)
	}

	cfg := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  resolveShop(p.AuthURL, req.Shop),
			TokenURL: resolveShop(p.TokenURL, req.Shop),
		},
		RedirectURL: g.CallbackURL(string(p.ID)),
		Scopes:      p.ResolveScopes(keys),
	}
	return cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent")), nil
}

// ExchangeCode redeems an integration callback and stores the provider tokens for the tenant.
func (g *Gateway) ExchangeCode(ctx context.Context, provider, code, state string) (ExchangeResult, error) {
	p, err := g.registry.Lookup(provider)
	if err != nil {
		return ExchangeResult{}, err
	}
	data, err := g.consume(ctx, p, state, flowIntegration)
	if err != nil {
		obs.OAuthExchanges.WithLabelValues(provider, flowIntegration, "invalid_state").Inc()
		return ExchangeResult{}, err
	}
	clientID, clientSecret, err := g.clientCredentials(p)
	if err != nil {
		return ExchangeResult{}, err
	}

	cfg := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   resolveShop(p.AuthURL, data.Shop),
			TokenURL:  resolveShop(p.TokenURL, data.Shop),
			AuthStyle: oauth2.AuthStyleInParams,
		},
		RedirectURL: g.CallbackURL(string(p.ID)),
	}
	tok, err := cfg.Exchange(g.httpContext(ctx), code)
	if err != nil {
		obs.OAuthExchanges.WithLabelValues(provider, flowIntegration, "upstream_error").Inc()
		return ExchangeResult{}, upstreamError(p, err)
	}

	creds := mapCredentials(p, tok, data.Shop)
	merged, err := g.vault.Merge(data.TenantID, creds)
	if err != nil {
		g.log.Error("store provider tokens failed", zap.String("tenant", data.TenantID),
			zap.String("provider", provider), zap.Error(err))
		return ExchangeResult{}, &GatewayError{Kind: KindVault, Provider: provider, Message: "Failed to store credentials", Err: err}
	}

	if team := teamID(tok); team != "" {
		alias := string(p.ID) + "_" + team
		mirror := make(vault.Bundle, len(merged)+1)
		for k, v := range merged {
			mirror[k] = v
		}
		mirror[BackRefKey] = data.TenantID
		if _, err := g.vault.Merge(alias, mirror); err != nil {
			g.log.Error("store team alias failed", zap.String("tenant", data.TenantID),
				zap.String("alias", alias), zap.Error(err))
			return ExchangeResult{}, &GatewayError{Kind: KindVault, Provider: provider, Message: "Failed to store credentials", Err: err}
		}
		g.log.Info("team alias saved", zap.String("tenant", data.TenantID), zap.String("alias", alias))
	}

	obs.OAuthExchanges.WithLabelValues(provider, flowIntegration, "ok").Inc()
	g.log.Info("provider connected", zap.String("tenant", data.TenantID), zap.String("provider", provider),
		zap.Int("keys", len(creds)))
	return ExchangeResult{TenantID: data.TenantID, Provider: provider, Scopes: data.Scopes, Success: true}, nil
}

// consume redeems state and checks it belongs to provider and to the expected flow.
func (g *Gateway) consume(ctx context.Context, p Provider, state, flow string) (StateData, error) {
	invalid := &GatewayError{Kind: KindInvalidState, Provider: string(p.ID), Message: "Invalid or expired state token"}
	if flow == flowLogin {
		invalid.Message = "Invalid or expired login state"
	}
	if state == "" {
		return StateData{}, invalid
	}
	data, ok, err := g.states.Consume(ctx, state)
	if err != nil {
		return StateData{}, fmt.Errorf("consume state: %w", err)
	}
	if !ok || data.Flow != flow || data.Provider != string(p.ID) {
		return StateData{}, invalid
	}
	return data, nil
}

func upstreamError(p Provider, err error) error {
	ge := &GatewayError{Kind: KindUpstream, Provider: string(p.ID), Message: "Token exchange failed", Err: err}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.Response != nil {
			ge.Status = re.Response.StatusCode
		}
		ge.Body = strings.TrimSpace(string(re.Body))
	} else {
		ge.Body = err.Error()
	}
	return ge
}

// mapCredentials converts a token response to canonical vault keys. Empty fields are skipped.
func mapCredentials(p Provider, tok *oauth2.Token, shop string) vault.Bundle {
	out := vault.Bundle{}
	if p.AccessTokenKey != "" && tok.AccessToken != "" {
		out[p.AccessTokenKey] = tok.AccessToken
	}
	if p.RefreshTokenKey != "" && tok.RefreshToken != "" {
		out[p.RefreshTokenKey] = tok.RefreshToken
	}
	if p.WebhookURLKey != "" {
		if hook, ok := tok.Extra("incoming_webhook").(map[string]any); ok {
			if u, ok := hook["url"].(string); ok && u != "" {
				out[p.WebhookURLKey] = u
			}
		}
	}
	if p.ShopKey != "" && shop != "" {
		out[p.ShopKey] = shop
	}
	return out
}

func teamID(tok *oauth2.Token) string {
	team, ok := tok.Extra("team").(map[string]any)
	if !ok {
		return ""
	}
	id, _ := team["id"].(string)
	return id
}

// GetLoginAuthURL issues a login state and returns the provider's SSO authorization URL.
func (g *Gateway) GetLoginAuthURL(ctx context.Context, provider string) (string, error) {
	p, err := g.registry.Lookup(provider)
	if err != nil {
		return "", err
	}
	if p.Login == nil || len(p.Login.Scopes) == 0 {
		return "", &GatewayError{Kind: KindLoginUnsupported, Provider: provider,
			Message: fmt.Sprintf("Provider %s does not support login", provider)}
	}
	cfg, err := g.loginConfig(p)
	if err != nil {
		return "", err
	}
	state, err := g.states.Issue(ctx, StateData{
		Flow:     flowLogin,
		TenantID: LoginTenant,
		Provider: string(p.ID),
		Scopes:   p.Login.Scopes,
	})
	if err != nil {
		return "", fmt.Errorf("issue state: %w", err)
	}
	var opts []oauth2.AuthCodeOption
	if p.Login.Prompt != "" {
		opts = append(opts, oauth2.SetAuthURLParam("prompt", p.Login.Prompt))
	}
	return cfg.AuthCodeURL(state, opts...), nil
}

func (g *Gateway) loginConfig(p Provider) (*oauth2.Config, error) {
	clientID, clientSecret, err := g.clientCredentials(p)
	if err != nil {
		return nil, err
	}
	authURL, tokenURL := p.AuthURL, p.TokenURL
	if p.Login.AuthURL != "" {
		authURL = p.Login.AuthURL
	}
	if p.Login.TokenURL != "" {
		tokenURL = p.Login.TokenURL
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     oauth2.Endpoint{AuthURL: authURL, TokenURL: tokenURL, AuthStyle: oauth2.AuthStyleInParams},
		RedirectURL:  g.LoginCallbackURL(string(p.ID)),
		Scopes:       p.Login.Scopes,
	}, nil
}

// ExchangeLoginCode redeems an SSO callback, normalizes the provider profile and signs the
// user in. A user without a tenant gets one provisioned; provisioning failure is not fatal.
func (g *Gateway) ExchangeLoginCode(ctx context.Context, provider, code, state string) (model.LoginResult, error) {
	profile, err := g.FetchLoginProfile(ctx, provider, code, state)
	if err != nil {
		return model.LoginResult{}, err
	}
	if g.auth == nil {
		return model.LoginResult{}, errors.New("oauth: login requires an authenticator")
	}
	tokens, err := g.auth.LoginWithOAuth(ctx, service.OAuthLoginInput{
		Email:      profile.Email,
		Name:       profile.Name,
		Provider:   profile.Provider,
		ProviderID: profile.ProviderID,
	})
	if err != nil {
		return model.LoginResult{}, err
	}
	if tokens.User.TenantID == "" {
		if id := g.provisionTenant(ctx, tokens.User, profile); id != "" {
			tokens.User.TenantID = id
		}
	}
	return model.LoginResult{Profile: profile, Tokens: tokens}, nil
}

func (g *Gateway) provisionTenant(ctx context.Context, u model.PublicUser, profile model.OAuthProfile) string {
	if g.provisioner == nil {
		return ""
	}
	company := profile.Name
	if company == "" {
		company = strings.SplitN(profile.Email, "@", 2)[0]
	}
	id, err := g.provisioner.Provision(ctx, tenant.Request{Company: company, Email: profile.Email})
	if err != nil {
		g.log.Warn("tenant provisioning failed", zap.String("user", u.ID), zap.Error(err))
		return ""
	}
	if err := g.auth.AssignTenant(ctx, u.ID, id); err != nil {
		g.log.Warn("assign tenant failed", zap.String("user", u.ID), zap.String("tenant", id), zap.Error(err))
		return ""
	}
	g.log.Info("tenant provisioned", zap.String("user", u.ID), zap.String("tenant", id))
	return id
}

// FetchLoginProfile redeems an SSO callback and returns the normalized profile without signing in.
func (g *Gateway) FetchLoginProfile(ctx context.Context, provider, code, state string) (model.OAuthProfile, error) {
	p, err := g.registry.Lookup(provider)
	if err != nil {
		return model.OAuthProfile{}, err
	}
	if p.Login == nil || p.Login.ProfileURL == "" {
		return model.OAuthProfile{}, &GatewayError{Kind: KindLoginUnsupported, Provider: provider,
			Message: fmt.Sprintf("Provider %s does not support login", provider)}
	}
	if _, err := g.consume(ctx, p, state, flowLogin); err != nil {
		obs.OAuthExchanges.WithLabelValues(provider, flowLogin, "invalid_state").Inc()
		return model.OAuthProfile{}, err
	}
	cfg, err := g.loginConfig(p)
	if err != nil {
		return model.OAuthProfile{}, err
	}
	hctx := g.httpContext(ctx)
	tok, err := cfg.Exchange(hctx, code)
	if err != nil {
		obs.OAuthExchanges.WithLabelValues(provider, flowLogin, "upstream_error").Inc()
		return model.OAuthProfile{}, upstreamError(p, err)
	}

	client := cfg.Client(hctx, tok)
	profile, err := g.fetchProfile(ctx, client, p)
	if err != nil {
		obs.OAuthExchanges.WithLabelValues(provider, flowLogin, "profile_error").Inc()
		return model.OAuthProfile{}, err
	}
	obs.OAuthExchanges.WithLabelValues(provider, flowLogin, "ok").Inc()
	return profile, nil
}

type rawProfile struct {
	OK        *bool           `json:"ok"`
	Error     string          `json:"error"`
	ID        json.RawMessage `json:"id"`
	Sub       string          `json:"sub"`
	Email     string          `json:"email"`
	Name      string          `json:"name"`
	GivenName string          `json:"given_name"`
	Login     string          `json:"login"`
	Picture   string          `json:"picture"`
	AvatarURL string          `json:"avatar_url"`
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

func (g *Gateway) fetchProfile(ctx context.Context, client *http.Client, p Provider) (model.OAuthProfile, error) {
	var raw rawProfile
	if err := getJSON(ctx, client, p, p.Login.ProfileURL, &raw); err != nil {
		return model.OAuthProfile{}, err
	}
	if raw.OK != nil && !*raw.OK {
		return model.OAuthProfile{}, &GatewayError{Kind: KindProfile, Provider: string(p.ID),
			Message: "Failed to fetch user profile", Body: raw.Error}
	}

	profile := model.OAuthProfile{
		Email:      raw.Email,
		Name:       firstNonEmpty(raw.Name, raw.GivenName, raw.Login),
		Avatar:     firstNonEmpty(raw.Picture, raw.AvatarURL),
		Provider:   string(p.ID),
		ProviderID: firstNonEmpty(rawID(raw.ID), raw.Sub),
	}

	if profile.Email == "" && p.Login.EmailsURL != "" {
		var emails []githubEmail
		if err := getJSON(ctx, client, p, p.Login.EmailsURL, &emails); err != nil {
			return model.OAuthProfile{}, err
		}
		profile.Email = pickEmail(emails)
	}
	if profile.Email == "" {
		return model.OAuthProfile{}, &GatewayError{Kind: KindProfile, Provider: string(p.ID),
			Message: fmt.Sprintf("Unable to retrieve email from %s", p.ID)}
	}
	return profile, nil
}

// pickEmail prefers the primary verified address, then the first one listed.
func pickEmail(emails []githubEmail) string {
	for _, e := range emails {
		if e.Primary && e.Verified {
			return e.Email
		}
	}
	if len(emails) > 0 {
		return emails[0].Email
	}
	return ""
}

func getJSON(ctx context.Context, client *http.Client, p Provider, url string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	resp, err := client.Do(req)
	if err != nil {
		return &GatewayError{Kind: KindProfile, Provider: string(p.ID), Message: "Failed to fetch user profile", Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProfileBytes))
	if err != nil {
		return &GatewayError{Kind: KindProfile, Provider: string(p.ID), Message: "Failed to fetch user profile", Err: err}
	}
	if resp.StatusCode/100 != 2 {
		return &GatewayError{Kind: KindProfile, Provider: string(p.ID), Message: "Failed to fetch user profile",
			Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return &GatewayError{Kind: KindProfile, Provider: string(p.ID), Message: "Failed to fetch user profile", Err: err}
	}
	return nil
}

// rawID accepts both numeric and string ids.
func rawID(b json.RawMessage) string {
	s := strings.TrimSpace(string(b))
	if s == "" || s == "null" {
		return ""
	}
	return strings.Trim(s, `"`)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Providers lists every provider for the public listing.
func (g *Gateway) Providers() []ProviderInfo {
	sorted := g.registry.Sorted()
	out := make([]ProviderInfo, 0, len(sorted))
	for _, p := range sorted {
		out = append(out, ProviderInfo{
			ID:        string(p.ID),
			Name:      p.Name,
			ScopeKeys: p.ScopeKeys(),
			Login:     p.Login != nil && len(p.Login.Scopes) > 0,
		})
	}
	return out
}

// Health reports which providers have client credentials configured.
func (g *Gateway) Health() map[string]ProviderHealth {
	out := make(map[string]ProviderHealth, len(g.registry))
	for id, p := range g.registry {
		var h ProviderHealth
		for _, env := range []string{p.ClientIDEnv, p.ClientSecretEnv} {
			if g.getenv(env) == "" {
				h.Missing = append(h.Missing, env)
			}
		}
		h.Configured = len(h.Missing) == 0
		out[string(id)] = h
	}
	return out
}
