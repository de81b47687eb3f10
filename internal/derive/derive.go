// Package derive computes ratio metrics that some platforms do not report directly.
package derive

import (
	"math"

	"github.com/and161185/metrionix/internal/model"
)

// SafeDiv returns a/b, or 0 when b is zero or the result is not finite.
func SafeDiv(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	v := a / b
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// CTR is clicks per impression.
func CTR(clicks, impressions int64) float64 {
	return SafeDiv(float64(clicks), float64(impressions))
}

// CPC is spend per click.
func CPC(spend float64, clicks int64) float64 { return SafeDiv(spend, float64(clicks)) }

// CPA is spend per conversion.
func CPA(spend, conversions float64) float64 { return SafeDiv(spend, conversions) }

// ROAS is revenue per unit of spend.
func ROAS(revenue, spend float64) float64 { return SafeDiv(revenue, spend) }

// Fill sets CTR, CPC, CPA and ROAS on m from its base counters.
func Fill(m *model.MetricRecord) {
	m.CTR = round(CTR(m.Clicks, m.Impressions), 6)
	m.CPC = round(CPC(m.Spend, m.Clicks), 4)
	m.CPA = round(CPA(m.Spend, m.Conversions), 4)
	m.ROAS = round(ROAS(m.Revenue, m.Spend), 4)
}

// FillMissing only sets ratios the platform left at zero.
func FillMissing(m *model.MetricRecord) {
	if m.CTR == 0 {
		m.CTR = round(CTR(m.Clicks, m.Impressions), 6)
	}
	if m.CPC == 0 {
		m.CPC = round(CPC(m.Spend, m.Clicks), 4)
	}
	if m.CPA == 0 {
		m.CPA = round(CPA(m.Spend, m.Conversions), 4)
	}
	if m.ROAS == 0 {
		m.ROAS = round(ROAS(m.Revenue, m.Spend), 4)
	}
}

func round(f float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(f*p) / p
}
