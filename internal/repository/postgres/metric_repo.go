package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/and161185/metrionix/internal/model"
	"github.com/jackc/pgx/v5"
)

var metricTables = map[model.Platform]string{
	model.PlatformMetaAds:       "meta_ads_metrics",
	model.PlatformGoogleAds:     "google_ads_metrics",
	model.PlatformGA4:           "ga4_metrics",
	model.PlatformSearchConsole: "search_console_metrics",
	model.PlatformWooCommerce:   "woocommerce_metrics",
}

var metricColumns = []string{
	"agency_id", "account_id", "entity_id", "entity_name", "date",
	"impressions", "clicks", "spend", "conversions", "revenue",
	"ctr", "cpc", "cpa", "roas", "position", "sessions", "extra",
}

// DefaultBatchSize is used when callers pass a non-positive batch size.
const DefaultBatchSize = 100

// MetricRepo implements MetricRepository using PostgreSQL.
type MetricRepo struct{ db *DB }

// NewMetricRepo constructs a metric repository.
func NewMetricRepo(db *DB) *MetricRepo { return &MetricRepo{db: db} }

// UpsertBatch writes rows in multi-row INSERT ... ON CONFLICT statements of at most
// batchSize rows each. Any failing chunk rolls back every chunk before it.
func (r *MetricRepo) UpsertBatch(
	ctx context.Context, platform model.Platform, rows []model.MetricRecord, batchSize int,
) (int, error) {
	table, ok := metricTables[platform]
	if !ok {
		return 0, fmt.Errorf("no metric table for platform %q", platform)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	written := 0
	err := r.db.inTx(ctx, func(tx pgx.Tx) error {
		for start := 0; start < len(rows); start += batchSize {
			end := min(start+batchSize, len(rows))
			q, args, err := upsertMetricsSQL(table, dedupe(rows[start:end]))
			if err != nil {
				return err
			}
			tag, err := tx.Exec(ctx, q, args...)
			if err != nil {
				return fmt.Errorf("%s rows %d..%d: %w", table, start, end-1, err)
			}
			written += int(tag.RowsAffected())
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

// dedupe keeps the last row per key; Postgres refuses to touch the same
// conflict target twice in one statement.
func dedupe(rows []model.MetricRecord) []model.MetricRecord {
	idx := make(map[model.RowKey]int, len(rows))
	out := make([]model.MetricRecord, 0, len(rows))
	for _, m := range rows {
		k := m.Key()
		if i, ok := idx[k]; ok {
			out[i] = m
			continue
		}
		idx[k] = len(out)
		out = append(out, m)
	}
	return out
}

func upsertMetricsSQL(table string, rows []model.MetricRecord) (string, []any, error) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" (")
	b.WriteString(strings.Join(metricColumns, ", "))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(metricColumns))
	for i, m := range rows {
		extra, err := json.Marshal(m.Extra)
		if err != nil {
			return "", nil, err
		}
		if m.Extra == nil {
			extra = []byte("{}")
		}
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString("(")
		base := len(args)
		for c := range metricColumns {
			if c > 0 {
				b.WriteString(",")
			}
			fmt.Fprintf(&b, "$%d", base+c+1)
		}
		b.WriteString(")")
		args = append(args,
			m.AgencyID, m.AccountID, m.EntityID, m.EntityName, model.Day(m.Date),
			m.Impressions, m.Clicks, m.Spend, m.Conversions, m.Revenue,
			m.CTR, m.CPC, m.CPA, m.ROAS, m.Position, m.Sessions, extra,
		)
	}

	b.WriteString(" ON CONFLICT (agency_id, account_id, entity_id, date) DO UPDATE SET ")
	first := true
	for _, c := range metricColumns[3:] {
		if c == "date" {
			continue
		}
		if !first {
			b.WriteString(", ")
		}
		first = false
		fmt.Fprintf(&b, "%s=EXCLUDED.%s", c, c)
	}
	b.WriteString(", updated_at=now()")
	return b.String(), args, nil
}
