package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/and161185/metrionix/internal/errs"
	"github.com/and161185/metrionix/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// CredentialRepo implements CredentialRepository using PostgreSQL.
type CredentialRepo struct{ db *DB }

// NewCredentialRepo constructs a credential repository.
func NewCredentialRepo(db *DB) *CredentialRepo { return &CredentialRepo{db: db} }

// Upsert creates or overwrites a credential row keyed by (agency, platform, account).
func (r *CredentialRepo) Upsert(ctx context.Context, c *model.Credential) error {
	const q = `
INSERT INTO integration_credentials (agency_id, platform, account_id, credentials, is_active, status, last_error, last_sync)
VALUES ($1,$2,$3,$4,true,'connected','',$5)
ON CONFLICT (agency_id, platform, account_id)
DO UPDATE SET credentials=EXCLUDED.credentials, is_active=true, status='connected', last_error='',
  last_sync=EXCLUDED.last_sync, updated_at=now()`
	_, err := r.db.Pool.Exec(ctx, q, c.AgencyID, string(c.Platform), c.AccountID, []byte(c.Blob), c.LastSync)
	return err
}

const credentialColumns = `agency_id, platform, account_id, credentials, is_active, status, last_error, last_sync, created_at, updated_at`

func scanCredential(row pgx.Row) (*model.Credential, error) {
	var (
		c        model.Credential
		platform string
		status   string
		blob     []byte
	)
	if err := row.Scan(&c.AgencyID, &platform, &c.AccountID, &blob, &c.IsActive, &status,
		&c.LastError, &c.LastSync, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Platform = model.Platform(platform)
	c.Status = model.IntegrationStatus(status)
	c.Blob = model.EncryptedBlob(blob)
	return &c, nil
}

// Get selects a credential by its key.
func (r *CredentialRepo) Get(ctx context.Context, key model.IntegrationKey) (*model.Credential, error) {
	const q = `SELECT ` + credentialColumns + `
FROM integration_credentials WHERE agency_id=$1 AND platform=$2 AND account_id=$3`
	c, err := scanCredential(r.db.Pool.QueryRow(ctx, q, key.AgencyID, string(key.Platform), key.AccountID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return c, nil
}

// List returns all credentials of an agency.
func (r *CredentialRepo) List(ctx context.Context, agencyID uuid.UUID) ([]model.Credential, error) {
	const q = `SELECT ` + credentialColumns + `
FROM integration_credentials WHERE agency_id=$1
ORDER BY platform, account_id`
	rows, err := r.db.Pool.Query(ctx, q, agencyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// UpdateBlob replaces sealed tokens in place.
func (r *CredentialRepo) UpdateBlob(ctx context.Context, key model.IntegrationKey, blob model.EncryptedBlob) error {
	const q = `
UPDATE integration_credentials SET credentials=$4, updated_at=now()
WHERE agency_id=$1 AND platform=$2 AND account_id=$3`
	return r.execOne(ctx, q, key.AgencyID, string(key.Platform), key.AccountID, []byte(blob))
}

// MarkSynced stamps last_sync and returns the row to connected.
func (r *CredentialRepo) MarkSynced(ctx context.Context, key model.IntegrationKey, at time.Time) error {
	const q = `
UPDATE integration_credentials SET last_sync=$4, status='connected', last_error='', updated_at=now()
WHERE agency_id=$1 AND platform=$2 AND account_id=$3`
	return r.execOne(ctx, q, key.AgencyID, string(key.Platform), key.AccountID, at)
}

// MarkStatus sets status and last_error; last_sync is left alone.
func (r *CredentialRepo) MarkStatus(
	ctx context.Context, key model.IntegrationKey, status model.IntegrationStatus, lastErr string,
) error {
	const q = `
UPDATE integration_credentials SET status=$4, last_error=$5, updated_at=now()
WHERE agency_id=$1 AND platform=$2 AND account_id=$3`
	return r.execOne(ctx, q, key.AgencyID, string(key.Platform), key.AccountID, string(status), lastErr)
}

// ResetStaleSyncing returns rows left in syncing for longer than olderThan to
// connected. A sync that died with its process never clears the status itself.
func (r *CredentialRepo) ResetStaleSyncing(ctx context.Context, olderThan time.Duration) (int64, error) {
	const q = `
UPDATE integration_credentials SET status='connected', last_error='sync interrupted', updated_at=now()
WHERE status='syncing' AND updated_at < now() - make_interval(secs => $1)`
	tag, err := r.db.Pool.Exec(ctx, q, olderThan.Seconds())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Delete removes a credential row.
func (r *CredentialRepo) Delete(ctx context.Context, key model.IntegrationKey) error {
	const q = `DELETE FROM integration_credentials WHERE agency_id=$1 AND platform=$2 AND account_id=$3`
	return r.execOne(ctx, q, key.AgencyID, string(key.Platform), key.AccountID)
}

func (r *CredentialRepo) execOne(ctx context.Context, q string, args ...any) error {
	tag, err := r.db.Pool.Exec(ctx, q, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}
