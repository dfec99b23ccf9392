package oauth

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// ProviderID identifies a supported OAuth provider.
type ProviderID string

const (
	Google  ProviderID = "google"
	GitHub  ProviderID = "github"
	HubSpot ProviderID = "hubspot"
	Shopify ProviderID = "shopify"
	Slack   ProviderID = "slack"
)

// AllProviders lists every supported provider in display order.
var AllProviders = []ProviderID{Google, GitHub, HubSpot, Shopify, Slack}

// DefaultScopeKey is used when the caller names no scopes.
const DefaultScopeKey = "default"

// shopPlaceholder is replaced with the merchant's shop name in Shopify endpoints.
const shopPlaceholder = "{shop}"

var shopRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)

// LoginConfig describes SSO login support for a provider.
type LoginConfig struct {
	// AuthURL and TokenURL override the integration endpoints when set.
	AuthURL    string
	TokenURL   string
	Scopes     []string
	ProfileURL string
	// EmailsURL is queried when the profile carries no email.
	EmailsURL string
	// Prompt is sent as the prompt parameter when non-empty.
	Prompt string
}

// Provider is the static configuration of one OAuth provider.
type Provider struct {
	ID              ProviderID
	Name            string
	AuthURL         string
	TokenURL        string
	Scopes          map[string]string
	ClientIDEnv     string
	ClientSecretEnv string

	// Vault keys the token response is mapped to; empty means not stored.
	AccessTokenKey  string
	RefreshTokenKey string
	WebhookURLKey   string
	// ShopKey stores the shop name for templated endpoints.
	ShopKey string

	Login *LoginConfig
}

// Templated reports whether endpoints need a shop name.
func (p Provider) Templated() bool {
	return strings.Contains(p.AuthURL, shopPlaceholder) || strings.Contains(p.TokenURL, shopPlaceholder)
}

// ScopeKeys returns the configured scope keys, sorted.
func (p Provider) ScopeKeys() []string {
	keys := make([]string, 0, len(p.Scopes))
	for k := range p.Scopes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ResolveScopes maps scope keys to raw scopes. Unknown keys pass through as raw scopes.
func (p Provider) ResolveScopes(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if raw, ok := p.Scopes[k]; ok {
			out = append(out, raw)
			continue
		}
		out = append(out, k)
	}
	return out
}

func resolveShop(tmpl, shop string) string {
	return strings.ReplaceAll(tmpl, shopPlaceholder, shop)
}

// ValidShop reports whether shop is a bare myshopify subdomain.
func ValidShop(shop string) bool {
	return shopRe.MatchString(shop)
}

// Registry maps provider ids to their configuration.
type Registry map[ProviderID]Provider

// Lookup parses name and returns its provider.
func (r Registry) Lookup(name string) (Provider, error) {
	p, ok := r[ProviderID(name)]
	if !ok {
		return Provider{}, &GatewayError{Kind: KindUnknownProvider, Provider: name,
			Message: fmt.Sprintf("Unknown OAuth provider: %s", name)}
	}
	return p, nil
}

// Sorted returns providers in AllProviders order followed by any extras.
func (r Registry) Sorted() []Provider {
	out := make([]Provider, 0, len(r))
	seen := make(map[ProviderID]bool, len(r))
	for _, id := range AllProviders {
		if p, ok := r[id]; ok {
			out = append(out, p)
			seen[id] = true
		}
	}
	var extra []string
	for id := range r {
		if !seen[id] {
			extra = append(extra, string(id))
		}
	}
	sort.Strings(extra)
	for _, id := range extra {
		out = append(out, r[ProviderID(id)])
	}
	return out
}

// DefaultRegistry returns the production provider table.
func DefaultRegistry() Registry {
	return Registry{
		Google: {
			ID:       Google,
			Name:     "Google",
			AuthURL:  "https://accounts.google.com/o/oauth2/v2/auth",
			TokenURL: "https://oauth2.googleapis.com/token",
			Scopes: map[string]string{
				"calendar": "https://www.googleapis.com/auth/calendar",
				"sheets":   "https://www.googleapis.com/auth/spreadsheets",
				"drive":    "https://www.googleapis.com/auth/drive.file",
				"gmail":    "https://www.googleapis.com/auth/gmail.readonly",
			},
			ClientIDEnv:     "GOOGLE_CLIENT_ID",
			ClientSecretEnv: "GOOGLE_CLIENT_SECRET",
			AccessTokenKey:  "GOOGLE_ACCESS_TOKEN",
			RefreshTokenKey: "GOOGLE_REFRESH_TOKEN",
			Login: &LoginConfig{
				Scopes:     []string{"openid", "email", "profile"},
				ProfileURL: "https://www.googleapis.com/oauth2/v2/userinfo",
				Prompt:     "select_account",
			},
		},
		GitHub: {
			ID:              GitHub,
			Name:            "GitHub",
			AuthURL:         "https://github.com/login/oauth/authorize",
			TokenURL:        "https://github.com/login/oauth/access_token",
			Scopes:          map[string]string{"user": "read:user user:email"},
			ClientIDEnv:     "GITHUB_CLIENT_ID",
			ClientSecretEnv: "GITHUB_CLIENT_SECRET",
			Login: &LoginConfig{
				Scopes:     []string{"read:user", "user:email"},
				ProfileURL: "https://api.github.com/user",
				EmailsURL:  "https://api.github.com/user/emails",
			},
		},
		HubSpot: {
			ID:       HubSpot,
			Name:     "HubSpot",
			AuthURL:  "https://app.hubspot.com/oauth/authorize",
			TokenURL: "https://api.hubapi.com/oauth/v1/token",
			Scopes: map[string]string{
				"crm": "crm.objects.contacts.read crm.objects.contacts.write crm.objects.companies.read crm.objects.deals.read",
			},
			ClientIDEnv:     "HUBSPOT_CLIENT_ID",
			ClientSecretEnv: "HUBSPOT_CLIENT_SECRET",
			AccessTokenKey:  "HUBSPOT_ACCESS_TOKEN",
			RefreshTokenKey: "HUBSPOT_REFRESH_TOKEN",
		},
		Shopify: {
			ID:              Shopify,
			Name:            "Shopify",
			AuthURL:         "https://{shop}.myshopify.com/admin/oauth/authorize",
			TokenURL:        "https://{shop}.myshopify.com/admin/oauth/access_token",
			Scopes:          map[string]string{DefaultScopeKey: "read_orders,read_products,read_customers"},
			ClientIDEnv:     "SHOPIFY_API_KEY",
			ClientSecretEnv: "SHOPIFY_API_SECRET",
			AccessTokenKey:  "SHOPIFY_ACCESS_TOKEN",
			ShopKey:         "SHOPIFY_SHOP_NAME",
		},
		Slack: {
			ID:              Slack,
			Name:            "Slack",
			AuthURL:         "https://slack.com/oauth/v2/authorize",
			TokenURL:        "https://slack.com/api/oauth.v2.access",
			Scopes:          map[string]string{DefaultScopeKey: "incoming-webhook,chat:write"},
			ClientIDEnv:     "SLACK_CLIENT_ID",
			ClientSecretEnv: "SLACK_CLIENT_SECRET",
			AccessTokenKey:  "SLACK_ACCESS_TOKEN",
			WebhookURLKey:   "SLACK_WEBHOOK_URL",
			Login: &LoginConfig{
				AuthURL:    "https://slack.com/openid/connect/authorize",
				TokenURL:   "https://slack.com/api/openid.connect.token",
				Scopes:     []string{"openid", "email", "profile"},
				ProfileURL: "https://slack.com/api/openid.connect.userInfo",
			},
		},
	}
}
