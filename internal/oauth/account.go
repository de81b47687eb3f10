package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/and161185/metrionix/internal/errs"
	"github.com/and161185/metrionix/internal/model"
)

// DefaultAccountID is stored for Google platforms until a property/customer is picked.
const DefaultAccountID = "default"

// ResolveAccount picks the account id a new credential is stored under.
// Meta uses the first ad account of the user, Google a placeholder and
// WooCommerce the store host.
func (c *Client) ResolveAccount(ctx context.Context, t model.Tokens, storeURL string) (string, error) {
	switch c.Provider {
	case model.ProviderMeta:
		return c.firstAdAccount(ctx, t.AccessToken)
	case model.ProviderWooCommerce:
		base, err := NormalizeStoreURL(storeURL)
		if err != nil {
			return "", err
		}
		u, _ := url.Parse(base)
		return u.Host, nil
	default:
		return DefaultAccountID, nil
	}
}

func (c *Client) firstAdAccount(ctx context.Context, accessToken string) (string, error) {
	q := url.Values{}
	q.Set("fields", "id,name")
	q.Set("limit", "1")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Endpoints.APIBase+"/me/adaccounts?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: adaccounts: %v", errs.ErrTokenExchangeFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("%w: adaccounts http %d", errs.ErrTokenExchangeFailed, resp.StatusCode)
	}
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("%w: adaccounts decode: %v", errs.ErrTokenExchangeFailed, err)
	}
	if len(body.Data) == 0 || body.Data[0].ID == "" {
		return "", fmt.Errorf("%w: no ad accounts on this user", errs.ErrTokenExchangeFailed)
	}
	return body.Data[0].ID, nil
}
