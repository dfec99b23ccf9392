package httpserver

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/and161185/keyward/internal/oauth"
	"github.com/and161185/keyward/internal/service"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const redirectDelay = 3

func (h *Handler) providers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"providers": h.gw.Providers()})
}

func splitScopes(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (h *Handler) oauthStart(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	provider := chi.URLParam(r, "provider")
	tenantID := q.Get("tenantId")
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "tenantId is required")
		return
	}
	authURL, err := h.gw.GetAuthURL(r.Context(), oauth.AuthRequest{
		TenantID: tenantID,
		Provider: provider,
		Scopes:   splitScopes(q.Get("scopes")),
		Shop:     q.Get("shop"),
	})
	if err != nil {
		h.writeGatewayError(w, r, err)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

func (h *Handler) writeGatewayError(w http.ResponseWriter, r *http.Request, err error) {
	var ge *oauth.GatewayError
	if errors.As(err, &ge) {
		writeError(w, ge.HTTPStatus(), strings.ToUpper(ge.Kind.String()), ge.Message)
		return
	}
	h.log.Error("oauth request failed", zap.String("path", r.URL.Path), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
}

func (h *Handler) oauthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	provider := chi.URLParam(r, "provider")
	if e := q.Get("error"); e != "" {
		h.log.Warn("provider returned error", zap.String("provider", provider), zap.String("error", e))
		h.renderPage(w, http.StatusBadRequest, page{Title: "OAuth Error", Message: e})
		return
	}

	res, err := h.gw.ExchangeCode(r.Context(), provider, q.Get("code"), q.Get("state"))
	if err != nil {
		h.logGatewayError("oauth callback failed", provider, err)
		h.renderPage(w, http.StatusBadRequest, page{Title: "Connection Failed", Message: userMessage(err)})
		return
	}

	link := withParams(h.dashboard, "?", url.Values{"connected": {provider}, "tenantId": {res.TenantID}})
	w.Header().Set("Refresh", fmt.Sprintf("%d; url=%s", redirectDelay, link))
	h.renderPage(w, http.StatusOK, page{
		Title:   "Connected Successfully",
		Message: fmt.Sprintf("%s connected for tenant: %s", providerName(h.gw, provider), res.TenantID),
		Link:    link,
	})
}

func (h *Handler) loginStart(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	authURL, err := h.gw.GetLoginAuthURL(r.Context(), provider)
	if err != nil {
		h.logGatewayError("oauth login start failed", provider, err)
		http.Redirect(w, r, h.loginError(userMessage(err)), http.StatusFound)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// loginCallback hands tokens to the login page in the URL fragment so they never reach a server.
func (h *Handler) loginCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	provider := chi.URLParam(r, "provider")
	if e := q.Get("error"); e != "" {
		http.Redirect(w, r, h.loginError(e), http.StatusFound)
		return
	}
	res, err := h.gw.ExchangeLoginCode(r.Context(), provider, q.Get("code"), q.Get("state"))
	if err != nil {
		h.logGatewayError("oauth login failed", provider, err)
		http.Redirect(w, r, h.loginError(userMessage(err)), http.StatusFound)
		return
	}
	t := res.Tokens
	frag := url.Values{
		"access_token":  {t.AccessToken},
		"refresh_token": {t.RefreshToken},
		"token_type":    {t.TokenType},
		"expires_in":    {strconv.FormatInt(t.ExpiresIn, 10)},
		"user_id":       {t.User.ID},
		"email":         {t.User.Email},
		"name":          {t.User.Name},
		"role":          {string(t.User.Role)},
		"provider":      {provider},
	}
	if t.User.TenantID != "" {
		frag.Set("tenant_id", t.User.TenantID)
	}
	securityHeaders(w)
	http.Redirect(w, r, withParams(h.loginPage, "#", frag), http.StatusFound)
}

func (h *Handler) loginError(msg string) string {
	return withParams(h.loginPage, "?", url.Values{"oauth_error": {msg}})
}

func (h *Handler) logGatewayError(msg, provider string, err error) {
	fields := []zap.Field{zap.String("provider", provider), zap.Error(err)}
	var ge *oauth.GatewayError
	if errors.As(err, &ge) && ge.Status != 0 {
		fields = append(fields, zap.Int("upstream_status", ge.Status))
	}
	h.log.Warn(msg, fields...)
}

// userMessage returns text safe to show end users; upstream bodies stay in the logs.
func userMessage(err error) string {
	var ge *oauth.GatewayError
	if errors.As(err, &ge) {
		return ge.Message
	}
	var ae *service.AuthError
	if errors.As(err, &ae) {
		return ae.Message
	}
	return "OAuth flow failed"
}

func providerName(gw Gateway, id string) string {
	for _, p := range gw.Providers() {
		if p.ID == id {
			return p.Name
		}
	}
	return id
}

// withParams appends encoded values to base after sep ("?" or "#"), joining an existing query with "&".
func withParams(base, sep string, v url.Values) string {
	enc := v.Encode()
	if sep == "?" && strings.Contains(base, "?") {
		return base + "&" + enc
	}
	return base + sep + enc
}
