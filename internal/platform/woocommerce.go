package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/and161185/metrionix/internal/derive"
	"github.com/and161185/metrionix/internal/errs"
	"github.com/and161185/metrionix/internal/model"
)

// wooCountedStatuses are the order states that count as revenue.
var wooCountedStatuses = map[string]bool{"processing": true, "completed": true, "on-hold": true}

// WooCommerce aggregates store orders per day. The entity is the store itself.
type WooCommerce struct {
	// Scheme addresses credentials that carry no store URL; "https" by default.
	Scheme  string
	PerPage int
	http    *http.Client
}

// NewWooCommerce returns the WooCommerce REST adapter.
func NewWooCommerce(hc *http.Client) *WooCommerce {
	return &WooCommerce{Scheme: "https", PerPage: 100, http: hc}
}

func (w *WooCommerce) Platform() model.Platform { return model.PlatformWooCommerce }

type wooOrder struct {
	ID          int64   `json:"id"`
	Status      string  `json:"status"`
	Currency    string  `json:"currency"`
	Total       flexNum `json:"total"`
	DateCreated string  `json:"date_created_gmt"`
	Billing     struct {
		Email string `json:"email"`
	} `json:"billing"`
	LineItems []struct {
		ID       int64   `json:"id"`
		Name     string  `json:"name"`
		Quantity int64   `json:"quantity"`
		Total    flexNum `json:"total"`
	} `json:"line_items"`
}

// ParseWooOrder decodes a WooCommerce order object as sent in webhooks and by
// the orders endpoint. Agency and account are left for the caller to set.
func ParseWooOrder(data []byte) (model.Order, error) {
	var o wooOrder
	if err := json.Unmarshal(data, &o); err != nil {
		return model.Order{}, fmt.Errorf("%w: woocommerce order: %v", errs.ErrValidation, err)
	}
	if o.ID == 0 {
		return model.Order{}, fmt.Errorf("%w: woocommerce order without id", errs.ErrValidation)
	}
	out := model.Order{
		ExternalID:    strconv.FormatInt(o.ID, 10),
		Status:        o.Status,
		Currency:      o.Currency,
		Total:         float64(o.Total),
		CustomerEmail: o.Billing.Email,
	}
	if t, err := time.Parse("2006-01-02T15:04:05", o.DateCreated); err == nil {
		out.CreatedAt = t.UTC()
	}
	for _, li := range o.LineItems {
		out.Items = append(out.Items, model.OrderItem{
			ExternalID: strconv.FormatInt(li.ID, 10),
			Name:       li.Name,
			Quantity:   int(li.Quantity),
			Total:      float64(li.Total),
		})
	}
	return out, nil
}

// FetchMetrics pages through orders created inside r and sums them per day.
func (w *WooCommerce) FetchMetrics(ctx context.Context, cred Credential, r model.DateRange) ([]model.MetricRecord, error) {
	base := w.storeBase(cred) + "/wp-json/wc/v3/orders"
	byDay := map[string]*model.MetricRecord{}
	var days []string

	for page := 1; ; page++ {
		q := url.Values{}
		q.Set("after", r.StartString()+"T00:00:00")
		q.Set("before", r.End.AddDate(0, 0, 1).Format(model.DateLayout)+"T00:00:00")
		q.Set("per_page", strconv.Itoa(w.PerPage))
		q.Set("page", strconv.Itoa(page))

		var orders []wooOrder
		if err := call(ctx, w.http, http.MethodGet, base+"?"+q.Encode(), cred.Tokens.AccessToken, nil, nil, &orders); err != nil {
			return nil, err
		}
		for _, o := range orders {
			if !wooCountedStatuses[o.Status] {
				continue
			}
			created, err := time.Parse("2006-01-02T15:04:05", o.DateCreated)
			if err != nil {
				continue
			}
			key := created.Format(model.DateLayout)
			rec, ok := byDay[key]
			if !ok {
				rec = &model.MetricRecord{
					EntityID: cred.Key.AccountID, EntityName: cred.Key.AccountID,
					Date: model.Day(created), Extra: map[string]float64{"items": 0},
				}
				byDay[key] = rec
				days = append(days, key)
			}
			rec.Conversions++
			rec.Revenue += float64(o.Total)
			for _, li := range o.LineItems {
				rec.Extra["items"] += float64(li.Quantity)
			}
		}
		if len(orders) < w.PerPage {
			break
		}
	}

	out := make([]model.MetricRecord, 0, len(days))
	for _, d := range days {
		out = append(out, *byDay[d])
	}
	return stamp(out, cred), nil
}

// storeBase prefers the store URL recorded at connect time, which keeps the
// scheme the merchant entered.
func (w *WooCommerce) storeBase(cred Credential) string {
	if u := strings.TrimRight(cred.Tokens.StoreURL, "/"); u != "" {
		return u
	}
	return w.Scheme + "://" + cred.Key.AccountID
}

func (w *WooCommerce) DeriveMetrics(row *model.MetricRecord) { derive.Fill(row) }
