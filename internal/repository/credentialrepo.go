// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"
	"time"

	"github.com/and161185/metrionix/internal/model"
	"github.com/gofrs/uuid/v5"
)

// CredentialRepository stores sealed platform credentials per integration.
type CredentialRepository interface {
	// Upsert creates or overwrites the credential for its (agency, platform, account).
	// The row becomes active and connected, last_error is cleared.
	Upsert(ctx context.Context, c *model.Credential) error
	// Get loads a credential; errs.ErrNotFound if absent.
	Get(ctx context.Context, key model.IntegrationKey) (*model.Credential, error)
	// List returns every credential of an agency ordered by platform and account.
	List(ctx context.Context, agencyID uuid.UUID) ([]model.Credential, error)
	// UpdateBlob replaces the sealed tokens after a refresh.
	UpdateBlob(ctx context.Context, key model.IntegrationKey, blob model.EncryptedBlob) error
	// MarkSynced records a successful sync.
	MarkSynced(ctx context.Context, key model.IntegrationKey, at time.Time) error
	// MarkStatus sets status and last_error without touching last_sync.
	MarkStatus(ctx context.Context, key model.IntegrationKey, status model.IntegrationStatus, lastErr string) error
	// Delete removes the credential; errs.ErrNotFound if absent.
	Delete(ctx context.Context, key model.IntegrationKey) error
}
