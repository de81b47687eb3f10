package repository

import (
	"context"

	"github.com/and161185/metrionix/internal/model"
)

// MetricRepository upserts platform metric rows.
type MetricRepository interface {
	// UpsertBatch writes rows into the platform table in chunks of batchSize,
	// all inside one transaction. Rows sharing (agency, account, entity, date)
	// overwrite each other. Returns the number of rows written.
	UpsertBatch(ctx context.Context, platform model.Platform, rows []model.MetricRecord, batchSize int) (int, error)
}
