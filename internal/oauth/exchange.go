package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/and161185/metrionix/internal/errs"
	"github.com/and161185/metrionix/internal/model"
)

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

type providerError struct {
	Error            any    `json:"error"` // string for Google, object for Meta
	ErrorDescription string `json:"error_description"`
}

func (p providerError) message() string {
	switch e := p.Error.(type) {
	case string:
		if p.ErrorDescription != "" {
			return e + ": " + p.ErrorDescription
		}
		return e
	case map[string]any:
		if m, ok := e["message"].(string); ok {
			return m
		}
	}
	return p.ErrorDescription
}

// Exchange trades an authorization code for tokens using the server-held secret.
// Any non-2xx answer fails with errs.ErrTokenExchangeFailed carrying the provider message.
func (c *Client) Exchange(ctx context.Context, code string) (model.Tokens, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", c.RedirectURI)
	return c.token(ctx, form)
}

// ExchangeError is a non-2xx token endpoint answer.
type ExchangeError struct {
	Provider model.Provider
	Status   int
	Message  string
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("%s http %d: %s", e.Provider, e.Status, e.Message)
}

func (e *ExchangeError) Unwrap() error { return errs.ErrTokenExchangeFailed }

// Refresh obtains a fresh access token. A refresh token the provider rejects
// (invalid_grant or 401) is reported as errs.ErrCredentialsRevoked; other
// failures, a malformed 400 included, as errs.ErrExternalAPI.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (model.Tokens, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	t, err := c.token(ctx, form)
	if err != nil {
		var xe *ExchangeError
		if errors.As(err, &xe) && (xe.Status == http.StatusUnauthorized || strings.HasPrefix(xe.Message, "invalid_grant")) {
			return t, fmt.Errorf("%w: %v", errs.ErrCredentialsRevoked, err)
		}
		return t, fmt.Errorf("%w: refresh: %v", errs.ErrExternalAPI, err)
	}
	if t.RefreshToken == "" {
		t.RefreshToken = refreshToken
	}
	return t, nil
}

func (c *Client) token(ctx context.Context, form url.Values) (model.Tokens, error) {
	form.Set("client_id", c.ClientID)
	form.Set("client_secret", c.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoints.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return model.Tokens{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return model.Tokens{}, fmt.Errorf("%w: %v", errs.ErrTokenExchangeFailed, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode/100 != 2 {
		var pe providerError
		_ = json.Unmarshal(body, &pe)
		msg := pe.message()
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return model.Tokens{}, &ExchangeError{Provider: c.Provider, Status: resp.StatusCode, Message: msg}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return model.Tokens{}, fmt.Errorf("%w: decode: %v", errs.ErrTokenExchangeFailed, err)
	}
	if tr.AccessToken == "" {
		return model.Tokens{}, fmt.Errorf("%w: empty access_token", errs.ErrTokenExchangeFailed)
	}
	t := model.Tokens{AccessToken: tr.AccessToken, RefreshToken: tr.RefreshToken}
	if tr.ExpiresIn > 0 {
		t.ExpiresAt = time.Now().UTC().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return t, nil
}

// Refresh renews the tokens of a stored integration through the provider that
// issued them. WooCommerce stores are addressed by the store URL sealed with
// the tokens; older credentials fall back to https on the account host.
func (r *Registry) Refresh(ctx context.Context, key model.IntegrationKey, current model.Tokens) (model.Tokens, error) {
	var storeURL string
	if key.Platform == model.PlatformWooCommerce {
		storeURL = current.StoreURL
		if storeURL == "" {
			storeURL = "https://" + key.AccountID
		}
	}
	c, err := r.Client(key.Platform.Provider(), storeURL)
	if err != nil {
		return model.Tokens{}, err
	}
	fresh, err := c.Refresh(ctx, current.RefreshToken)
	if err != nil {
		return model.Tokens{}, err
	}
	fresh.StoreURL = current.StoreURL
	return fresh, nil
}
