package platform

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/and161185/metrionix/internal/derive"
	"github.com/and161185/metrionix/internal/errs"
	"github.com/and161185/metrionix/internal/model"
	"github.com/and161185/metrionix/internal/oauth"
)

// SearchConsole queries searchAnalytics by date and page.
type SearchConsole struct {
	BaseURL string
	http    *http.Client
}

// NewSearchConsole returns the Search Console adapter.
func NewSearchConsole(hc *http.Client) *SearchConsole {
	return &SearchConsole{BaseURL: "https://www.googleapis.com/webmasters/v3", http: hc}
}

func (s *SearchConsole) Platform() model.Platform { return model.PlatformSearchConsole }

func (s *SearchConsole) site(ctx context.Context, cred Credential) (string, error) {
	if cred.Key.AccountID != oauth.DefaultAccountID {
		return cred.Key.AccountID, nil
	}
	var res struct {
		SiteEntry []struct {
			SiteURL string `json:"siteUrl"`
		} `json:"siteEntry"`
	}
	if err := call(ctx, s.http, http.MethodGet, s.BaseURL+"/sites", cred.Tokens.AccessToken, nil, nil, &res); err != nil {
		return "", err
	}
	if len(res.SiteEntry) == 0 {
		return "", fmt.Errorf("%w: no Search Console sites", errs.ErrExternalAPI)
	}
	return res.SiteEntry[0].SiteURL, nil
}

// FetchMetrics returns one row per (page, date). CTR and position come from the API.
func (s *SearchConsole) FetchMetrics(ctx context.Context, cred Credential, r model.DateRange) ([]model.MetricRecord, error) {
	site, err := s.site(ctx, cred)
	if err != nil {
		return nil, err
	}
	body := map[string]any{
		"startDate":  r.StartString(),
		"endDate":    r.EndString(),
		"dimensions": []string{"date", "page"},
		"rowLimit":   25000,
	}
	var res struct {
		Rows []struct {
			Keys        []string `json:"keys"`
			Clicks      flexNum  `json:"clicks"`
			Impressions flexNum  `json:"impressions"`
			CTR         flexNum  `json:"ctr"`
			Position    flexNum  `json:"position"`
		} `json:"rows"`
	}
	u := s.BaseURL + "/sites/" + url.PathEscape(site) + "/searchAnalytics/query"
	if err := call(ctx, s.http, http.MethodPost, u, cred.Tokens.AccessToken, nil, body, &res); err != nil {
		return nil, err
	}

	out := make([]model.MetricRecord, 0, len(res.Rows))
	for _, row := range res.Rows {
		if len(row.Keys) < 2 {
			continue
		}
		day, err := time.Parse(model.DateLayout, row.Keys[0])
		if err != nil {
			continue
		}
		out = append(out, model.MetricRecord{
			EntityID:    row.Keys[1],
			EntityName:  row.Keys[1],
			Date:        day,
			Clicks:      row.Clicks.int(),
			Impressions: row.Impressions.int(),
			CTR:         float64(row.CTR),
			Position:    float64(row.Position),
		})
	}
	return stamp(out, cred), nil
}

// DeriveMetrics keeps the reported CTR; there is no spend to derive from.
func (s *SearchConsole) DeriveMetrics(row *model.MetricRecord) { derive.FillMissing(row) }
