package platform

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"time"

	"github.com/and161185/metrionix/internal/derive"
	"github.com/and161185/metrionix/internal/model"
)

// Synthetic generates plausible metric rows without calling any API.
// Output depends only on the integration key and the day, so re-syncs are stable.
type Synthetic struct {
	platform  model.Platform
	Campaigns int
}

// NewSynthetic returns a generator standing in for platform p.
func NewSynthetic(p model.Platform) *Synthetic {
	return &Synthetic{platform: p, Campaigns: 3}
}

func (s *Synthetic) Platform() model.Platform { return s.platform }

func seed(parts ...string) int64 {
	h := fnv.New64a()
	for _, p := range parts {
		_, _ = h.Write([]byte(p))
		_, _ = h.Write([]byte{0})
	}
	return int64(h.Sum64() >> 1)
}

// FetchMetrics implements Adapter.
func (s *Synthetic) FetchMetrics(_ context.Context, cred Credential, r model.DateRange) ([]model.MetricRecord, error) {
	var out []model.MetricRecord
	r.Each(func(day time.Time) {
		for c := 0; c < s.Campaigns; c++ {
			id := fmt.Sprintf("synthetic-%d", c+1)
			rnd := rand.New(rand.NewSource(seed(cred.Key.String(), id, day.Format(model.DateLayout))))
			impressions := int64(1000 + rnd.Intn(9000))
			clicks := impressions * int64(1+rnd.Intn(5)) / 100
			conversions := float64(clicks * int64(rnd.Intn(10)) / 100)
			spend := float64(clicks) * (0.2 + rnd.Float64())
			out = append(out, model.MetricRecord{
				EntityID:    id,
				EntityName:  fmt.Sprintf("Synthetic campaign %d", c+1),
				Date:        day,
				Impressions: impressions,
				Clicks:      clicks,
				Spend:       spend,
				Conversions: conversions,
				Revenue:     conversions * (20 + rnd.Float64()*80),
			})
		}
	})
	return stamp(out, cred), nil
}

func (s *Synthetic) DeriveMetrics(row *model.MetricRecord) { derive.Fill(row) }
