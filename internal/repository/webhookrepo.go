package repository

import (
	"context"

	"github.com/and161185/metrionix/internal/model"
)

// WebhookRepository records accepted webhook events.
type WebhookRepository interface {
	// Record appends the log row and applies the order mutation in one transaction.
	Record(ctx context.Context, log model.WebhookLog, m model.OrderMutation) error
}
