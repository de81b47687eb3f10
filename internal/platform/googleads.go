package platform

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/and161185/metrionix/internal/derive"
	"github.com/and161185/metrionix/internal/errs"
	"github.com/and161185/metrionix/internal/model"
	"github.com/and161185/metrionix/internal/oauth"
)

// GoogleAds runs GAQL through searchStream.
type GoogleAds struct {
	BaseURL        string
	DeveloperToken string
	http           *http.Client
}

// NewGoogleAds returns the Google Ads REST adapter.
func NewGoogleAds(hc *http.Client, developerToken string) *GoogleAds {
	return &GoogleAds{BaseURL: "https://googleads.googleapis.com/v16", DeveloperToken: developerToken, http: hc}
}

func (g *GoogleAds) Platform() model.Platform { return model.PlatformGoogleAds }

type gadsRow struct {
	Campaign struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"campaign"`
	Metrics struct {
		Impressions      flexNum `json:"impressions"`
		Clicks           flexNum `json:"clicks"`
		CostMicros       flexNum `json:"costMicros"`
		Conversions      flexNum `json:"conversions"`
		ConversionsValue flexNum `json:"conversionsValue"`
	} `json:"metrics"`
	Segments struct {
		Date string `json:"date"`
	} `json:"segments"`
}

func (g *GoogleAds) headers() map[string]string {
	return map[string]string{"developer-token": g.DeveloperToken}
}

// customerID maps the stored account id to a customer; the placeholder
// resolves to the first accessible customer.
func (g *GoogleAds) customerID(ctx context.Context, cred Credential) (string, error) {
	if cred.Key.AccountID != oauth.DefaultAccountID {
		return strings.ReplaceAll(cred.Key.AccountID, "-", ""), nil
	}
	var res struct {
		ResourceNames []string `json:"resourceNames"`
	}
	if err := call(ctx, g.http, http.MethodGet, g.BaseURL+"/customers:listAccessibleCustomers",
		cred.Tokens.AccessToken, g.headers(), nil, &res); err != nil {
		return "", err
	}
	if len(res.ResourceNames) == 0 {
		return "", fmt.Errorf("%w: no accessible Google Ads customers", errs.ErrExternalAPI)
	}
	return strings.TrimPrefix(res.ResourceNames[0], "customers/"), nil
}

// FetchMetrics queries campaign metrics segmented by date.
func (g *GoogleAds) FetchMetrics(ctx context.Context, cred Credential, r model.DateRange) ([]model.MetricRecord, error) {
	cid, err := g.customerID(ctx, cred)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT campaign.id, campaign.name, segments.date, metrics.impressions, metrics.clicks,
  metrics.cost_micros, metrics.conversions, metrics.conversions_value
FROM campaign
WHERE segments.date BETWEEN '%s' AND '%s'`, r.StartString(), r.EndString())

	var batches []struct {
		Results []gadsRow `json:"results"`
	}
	url := g.BaseURL + "/customers/" + cid + "/googleAds:searchStream"
	if err := call(ctx, g.http, http.MethodPost, url, cred.Tokens.AccessToken, g.headers(),
		map[string]string{"query": query}, &batches); err != nil {
		return nil, err
	}

	var out []model.MetricRecord
	for _, b := range batches {
		for _, row := range b.Results {
			day, err := time.Parse(model.DateLayout, row.Segments.Date)
			if err != nil {
				continue
			}
			out = append(out, model.MetricRecord{
				EntityID:    row.Campaign.ID,
				EntityName:  row.Campaign.Name,
				Date:        day,
				Impressions: row.Metrics.Impressions.int(),
				Clicks:      row.Metrics.Clicks.int(),
				Spend:       float64(row.Metrics.CostMicros) / 1e6,
				Conversions: float64(row.Metrics.Conversions),
				Revenue:     float64(row.Metrics.ConversionsValue),
			})
		}
	}
	return stamp(out, cred), nil
}

func (g *GoogleAds) DeriveMetrics(row *model.MetricRecord) { derive.Fill(row) }
