package postgres

import (
	"context"
	"fmt"

	"github.com/and161185/metrionix/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// WebhookRepo implements WebhookRepository using PostgreSQL.
type WebhookRepo struct{ db *DB }

// NewWebhookRepo constructs a webhook repository.
func NewWebhookRepo(db *DB) *WebhookRepo { return &WebhookRepo{db: db} }

// Record appends the webhook log row and applies the order mutation atomically.
func (r *WebhookRepo) Record(ctx context.Context, log model.WebhookLog, m model.OrderMutation) error {
	if log.ID == uuid.Nil {
		id, err := uuid.NewV4()
		if err != nil {
			return err
		}
		log.ID = id
	}
	return r.db.inTx(ctx, func(tx pgx.Tx) error {
		const ins = `
INSERT INTO webhook_logs (id, platform, agency_id, account_id, event_type, payload, received_at, error)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
		if _, err := tx.Exec(ctx, ins, log.ID, string(log.Platform), log.AgencyID, log.AccountID,
			log.EventType, []byte(log.Payload), log.ReceivedAt, log.Error); err != nil {
			return err
		}
		switch m.Op {
		case model.OrderOpUpsert:
			return upsertOrder(ctx, tx, m.Order)
		case model.OrderOpDelete:
			return softDeleteOrder(ctx, tx, m.Order)
		}
		return nil
	})
}

func upsertOrder(ctx context.Context, tx pgx.Tx, o model.Order) error {
	const ups = `
INSERT INTO orders (agency_id, account_id, external_id, status, currency, total, customer_email, created_at, deleted)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,false)
ON CONFLICT (agency_id, account_id, external_id)
DO UPDATE SET status=EXCLUDED.status, currency=EXCLUDED.currency, total=EXCLUDED.total,
  customer_email=EXCLUDED.customer_email, deleted=false, updated_at=now()
RETURNING id`
	var orderID int64
	if err := tx.QueryRow(ctx, ups, o.AgencyID, o.AccountID, o.ExternalID, o.Status, o.Currency,
		o.Total, o.CustomerEmail, o.CreatedAt).Scan(&orderID); err != nil {
		return fmt.Errorf("upsert order %s: %w", o.ExternalID, err)
	}

	const del = `DELETE FROM order_items WHERE order_id=$1`
	if _, err := tx.Exec(ctx, del, orderID); err != nil {
		return err
	}
	const insItem = `
INSERT INTO order_items (order_id, external_id, name, quantity, total)
VALUES ($1,$2,$3,$4,$5)`
	for i, it := range o.Items {
		if _, err := tx.Exec(ctx, insItem, orderID, it.ExternalID, it.Name, it.Quantity, it.Total); err != nil {
			return fmt.Errorf("order item[%d]: %w", i, err)
		}
	}
	return nil
}

// softDeleteOrder flags the order as trashed. Deleting an order we never saw is not an error.
func softDeleteOrder(ctx context.Context, tx pgx.Tx, o model.Order) error {
	const upd = `
UPDATE orders SET deleted=true, status='trash', updated_at=now()
WHERE agency_id=$1 AND account_id=$2 AND external_id=$3`
	_, err := tx.Exec(ctx, upd, o.AgencyID, o.AccountID, o.ExternalID)
	return err
}
