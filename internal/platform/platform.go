// Package platform holds the per-platform metric adapters used by the sync job.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/and161185/metrionix/internal/errs"
	"github.com/and161185/metrionix/internal/model"
)

// Credential is what an adapter receives: the integration key and opened tokens.
type Credential struct {
	Key    model.IntegrationKey
	Tokens model.Tokens
}

// Adapter fetches and post-processes metric rows for one platform.
type Adapter interface {
	Platform() model.Platform
	// FetchMetrics returns one row per (entity, day) in r.
	FetchMetrics(ctx context.Context, cred Credential, r model.DateRange) ([]model.MetricRecord, error)
	// DeriveMetrics fills computed ratios on a fetched row.
	DeriveMetrics(row *model.MetricRecord)
}

// Registry maps platforms to adapters.
type Registry struct {
	adapters map[model.Platform]Adapter
}

// NewRegistry registers the given adapters; later ones replace earlier ones.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: map[model.Platform]Adapter{}}
	for _, a := range adapters {
		r.adapters[a.Platform()] = a
	}
	return r
}

// Get returns the adapter for p.
func (r *Registry) Get(p model.Platform) (Adapter, error) {
	a, ok := r.adapters[p]
	if !ok {
		return nil, fmt.Errorf("%w: no adapter for platform %q", errs.ErrValidation, p)
	}
	return a, nil
}

// Options configures the default adapter set.
type Options struct {
	GoogleAdsDeveloperToken string
	// Synthetic swaps every adapter for the deterministic generator. Dev only.
	Synthetic bool
}

// Default builds the production adapter set, or the synthetic one when asked.
func Default(opts Options, hc *http.Client) *Registry {
	if opts.Synthetic {
		var out []Adapter
		for _, p := range model.Platforms() {
			out = append(out, NewSynthetic(p))
		}
		return NewRegistry(out...)
	}
	return NewRegistry(
		NewMetaAds(hc),
		NewGoogleAds(hc, opts.GoogleAdsDeveloperToken),
		NewGA4(hc),
		NewSearchConsole(hc),
		NewWooCommerce(hc),
	)
}

// call performs one JSON request and classifies failures: see revoked for what
// counts as a dead grant, everything else is an external API error.
func call(ctx context.Context, hc *http.Client, method, url, token string, hdr map[string]string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrExternalAPI, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		snippet := strings.TrimSpace(string(b))
		if revoked(resp.StatusCode, b) {
			return fmt.Errorf("%w: %w: http %d: %s", errs.ErrExternalAPI, errs.ErrCredentialsRevoked, resp.StatusCode, snippet)
		}
		return fmt.Errorf("%w: http %d: %s", errs.ErrExternalAPI, resp.StatusCode, snippet)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode: %v", errs.ErrExternalAPI, err)
	}
	return nil
}

// Provider error codes that mean the grant itself is gone, whatever the HTTP
// status. Meta answers an expired or revoked token with OAuthException 190 (or
// the legacy 102), usually on a 400.
var (
	revokedCodes   = map[int]bool{190: true, 102: true}
	revokedStrings = map[string]bool{
		"invalid_grant":                         true,
		"UNAUTHENTICATED":                       true,
		"woocommerce_rest_authentication_error": true,
	}
)

// revoked reports whether a failed response means the user has to reconnect.
// A plain 403 is a permission or quota problem on a still valid grant.
func revoked(status int, body []byte) bool {
	if status == http.StatusUnauthorized {
		return true
	}
	var env struct {
		Error json.RawMessage `json:"error"`
		Code  json.RawMessage `json:"code"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return bytes.Contains(body, []byte("invalid_grant"))
	}
	var str string
	if json.Unmarshal(env.Error, &str) == nil && revokedStrings[str] {
		return true
	}
	if json.Unmarshal(env.Code, &str) == nil && revokedStrings[str] {
		return true
	}
	var obj struct {
		Code   int    `json:"code"`
		Status string `json:"status"`
	}
	if json.Unmarshal(env.Error, &obj) == nil {
		return revokedCodes[obj.Code] || revokedStrings[obj.Status]
	}
	return false
}

// flexNum decodes numbers that APIs send either as JSON numbers or strings.
type flexNum float64

func (f *flexNum) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = flexNum(v)
	return nil
}

func (f flexNum) int() int64 { return int64(f) }

// stamp copies the integration identity onto fetched rows.
func stamp(rows []model.MetricRecord, cred Credential) []model.MetricRecord {
	for i := range rows {
		rows[i].AgencyID = cred.Key.AgencyID
		rows[i].Platform = cred.Key.Platform
		rows[i].AccountID = cred.Key.AccountID
	}
	return rows
}
