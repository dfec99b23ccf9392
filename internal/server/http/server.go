// Package httpserver exposes the OAuth Gateway and the Auth Service over HTTP.
package httpserver

import (
	"context"
	"net/http"

	"github.com/and161185/keyward/internal/limiter"
	"github.com/and161185/keyward/internal/model"
	"github.com/and161185/keyward/internal/oauth"
	"github.com/and161185/keyward/internal/obs"
	"github.com/and161185/keyward/internal/service"
	"github.com/and161185/keyward/internal/vault"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Gateway is the OAuth Gateway surface used by the handlers.
type Gateway interface {
	GetAuthURL(ctx context.Context, req oauth.AuthRequest) (string, error)
	ExchangeCode(ctx context.Context, provider, code, state string) (oauth.ExchangeResult, error)
	GetLoginAuthURL(ctx context.Context, provider string) (string, error)
	ExchangeLoginCode(ctx context.Context, provider, code, state string) (model.LoginResult, error)
	Providers() []oauth.ProviderInfo
	Health() map[string]oauth.ProviderHealth
}

// VaultHealth reports vault status for /health.
type VaultHealth interface {
	Health() (vault.Health, error)
}

// Options configures the router.
type Options struct {
	Auth    service.AuthService
	Gateway Gateway
	Vault   VaultHealth
	Limiter limiter.Limiter
	Logger  *zap.Logger
	Version string
	// LoginPageURL receives SSO results; DashboardURL receives integration results.
	LoginPageURL   string
	DashboardURL   string
	TrustedProxies []string
}

// Handler holds dependencies of the HTTP handlers.
type Handler struct {
	auth      service.AuthService
	gw        Gateway
	vault     VaultHealth
	lim       limiter.Limiter
	log       *zap.Logger
	version   string
	loginPage string
	dashboard string
	proxies   map[string]bool
}

// NewHandler constructs a handler set from opts.
func NewHandler(opts Options) *Handler {
	h := &Handler{
		auth:      opts.Auth,
		gw:        opts.Gateway,
		vault:     opts.Vault,
		lim:       opts.Limiter,
		log:       opts.Logger,
		version:   opts.Version,
		loginPage: opts.LoginPageURL,
		dashboard: opts.DashboardURL,
		proxies:   make(map[string]bool, len(opts.TrustedProxies)),
	}
	if h.log == nil {
		h.log = zap.NewNop()
	}
	if h.version == "" {
		h.version = "dev"
	}
	if h.loginPage == "" {
		h.loginPage = "/login.html"
	}
	if h.dashboard == "" {
		h.dashboard = "/app/integrations.html"
	}
	for _, p := range opts.TrustedProxies {
		h.proxies[p] = true
	}
	return h
}

// NewRouter registers routes and the middleware stack.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(h.recoverMiddleware)
	r.Use(obs.Instrument)
	r.Use(h.loggingMiddleware)

	r.Get("/health", h.health)
	r.Handle("/metrics", obs.Handler())

	r.Route("/oauth", func(r chi.Router) {
		r.Use(h.rateLimit)
		r.Get("/providers", h.providers)
		r.Get("/start/{provider}", h.oauthStart)
		r.Get("/callback/{provider}", h.oauthCallback)
		r.Get("/login/{provider}", h.loginStart)
		r.Get("/login/callback/{provider}", h.loginCallback)
	})

	r.Route("/auth", func(r chi.Router) {
		r.Use(h.rateLimit)
		r.Post("/register", h.register)
		r.Post("/login", h.login)
		r.Post("/refresh", h.refresh)
		r.Post("/logout", h.logout)
		r.Post("/forgot", h.forgot)
		r.Post("/reset", h.reset)
		r.Post("/verify-email", h.verifyEmail)
		r.Post("/resend-verification", h.resendVerification)

		r.Group(func(r chi.Router) {
			r.Use(h.requireAuth)
			r.Get("/me", h.me)
			r.Patch("/me", h.updateProfile)
			r.Post("/change-password", h.changePassword)
		})
	})
	return r
}

type healthResponse struct {
	Status    string                          `json:"status"`
	Service   string                          `json:"service"`
	Version   string                          `json:"version"`
	Vault     *vault.Health                   `json:"vault,omitempty"`
	Providers map[string]oauth.ProviderHealth `json:"providers,omitempty"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Service: "keyward", Version: h.version}
	if h.vault != nil {
		vh, err := h.vault.Health()
		if err != nil {
			h.log.Warn("vault health", zap.Error(err))
			resp.Status = "degraded"
		} else {
			resp.Vault = &vh
		}
	}
	if h.gw != nil {
		resp.Providers = h.gw.Health()
	}
	writeJSON(w, http.StatusOK, resp)
}
