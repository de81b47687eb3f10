// Package oauth builds authorization URLs, exchanges codes for tokens and
// drives the consent popup flow for the supported providers.
package oauth

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/and161185/metrionix/internal/config"
	"github.com/and161185/metrionix/internal/errs"
	"github.com/and161185/metrionix/internal/model"
)

// Endpoints are the provider URLs a Client talks to.
type Endpoints struct {
	AuthURL  string
	TokenURL string
	// APIBase is used for account resolution (Meta Graph API).
	APIBase string
}

var (
	GoogleEndpoints = Endpoints{
		AuthURL:  "https://accounts.google.com/o/oauth2/v2/auth",
		TokenURL: "https://oauth2.googleapis.com/token",
	}
	MetaEndpoints = Endpoints{
		AuthURL:  "https://www.facebook.com/v19.0/dialog/oauth",
		TokenURL: "https://graph.facebook.com/v19.0/oauth/access_token",
		APIBase:  "https://graph.facebook.com/v19.0",
	}
)

// scopes requested per platform.
var scopes = map[model.Platform][]string{
	model.PlatformGoogleAds:     {"https://www.googleapis.com/auth/adwords"},
	model.PlatformGA4:           {"https://www.googleapis.com/auth/analytics.readonly"},
	model.PlatformSearchConsole: {"https://www.googleapis.com/auth/webmasters.readonly"},
	model.PlatformMetaAds:       {"ads_read", "ads_management", "business_management"},
	model.PlatformWooCommerce:   {"read"},
}

// Scopes returns the scopes requested for a platform.
func Scopes(p model.Platform) []string { return scopes[p] }

// Client is one configured OAuth provider.
type Client struct {
	Provider     model.Provider
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Endpoints    Endpoints

	http *http.Client
}

// Registry resolves provider clients from configuration.
type Registry struct {
	creds    map[model.Provider]config.ProviderCredentials
	redirect string
	http     *http.Client
	override map[model.Provider]Endpoints
}

// NewRegistry builds a registry. Misconfigured providers are kept and
// reported on Client, so one bad provider does not block the others.
func NewRegistry(c *config.Config, hc *http.Client) *Registry {
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &Registry{
		creds: map[model.Provider]config.ProviderCredentials{
			model.ProviderGoogle:      c.OAuth.Google,
			model.ProviderMeta:        c.OAuth.Meta,
			model.ProviderWooCommerce: c.OAuth.WooCommerce,
		},
		redirect: c.Server.CallbackURL,
		http:     hc,
		override: map[model.Provider]Endpoints{},
	}
}

// SetEndpoints replaces the provider URLs; used to point at test servers.
func (r *Registry) SetEndpoints(p model.Provider, e Endpoints) { r.override[p] = e }

// Check reports whether p has a usable registration, without building a client.
func (r *Registry) Check(p model.Provider) error {
	cred, ok := r.creds[p]
	if !ok {
		return fmt.Errorf("%w: unknown provider %q", errs.ErrValidation, p)
	}
	if err := cred.Check(); err != nil {
		return fmt.Errorf("%w: %s: %v", errs.ErrProviderMisconfigured, p, err)
	}
	return nil
}

// Client returns the configured client for p or errs.ErrProviderMisconfigured.
// For woocommerce, storeURL selects the shop's own authorization server.
func (r *Registry) Client(p model.Provider, storeURL string) (*Client, error) {
	if err := r.Check(p); err != nil {
		return nil, err
	}
	cred := r.creds[p]

	ep, ok := r.override[p]
	if !ok {
		switch p {
		case model.ProviderGoogle:
			ep = GoogleEndpoints
		case model.ProviderMeta:
			ep = MetaEndpoints
		case model.ProviderWooCommerce:
			base, err := NormalizeStoreURL(storeURL)
			if err != nil {
				return nil, err
			}
			ep = Endpoints{AuthURL: base + "/oauth/authorize", TokenURL: base + "/oauth/token", APIBase: base}
		}
	}
	return &Client{
		Provider: p, ClientID: cred.ClientID, ClientSecret: cred.ClientSecret,
		RedirectURI: r.redirect, Endpoints: ep, http: r.http,
	}, nil
}

// NormalizeStoreURL validates a WooCommerce shop URL and strips path and query.
func NormalizeStoreURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("%w: store_url must be an absolute URL", errs.ErrValidation)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return "", fmt.Errorf("%w: store_url scheme %q", errs.ErrValidation, u.Scheme)
	}
	return u.Scheme + "://" + strings.ToLower(u.Host), nil
}

// AuthCodeURL builds the consent URL for platform with the given CSRF state.
func (c *Client) AuthCodeURL(platform model.Platform, state string) string {
	u, _ := url.Parse(c.Endpoints.AuthURL)
	q := u.Query()
	q.Set("response_type", "code")
	q.Set("client_id", c.ClientID)
	q.Set("redirect_uri", c.RedirectURI)
	q.Set("state", state)
	sep := " "
	if c.Provider == model.ProviderMeta {
		sep = ","
	}
	q.Set("scope", strings.Join(Scopes(platform), sep))
	if c.Provider == model.ProviderGoogle {
		q.Set("access_type", "offline")
		q.Set("prompt", "consent")
		q.Set("include_granted_scopes", "true")
	}
	u.RawQuery = q.Encode()
	return u.String()
}
