package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/and161185/metrionix/internal/errs"
	"github.com/and161185/metrionix/internal/model"
	"github.com/and161185/metrionix/internal/repository"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// IntegrationService lists and removes stored connections.
type IntegrationService interface {
	List(ctx context.Context, agencyID uuid.UUID) ([]model.Integration, error)
	// Disconnect deletes the credential; errs.ErrIntegrationNotFound if absent.
	Disconnect(ctx context.Context, key model.IntegrationKey) error
}

type IntegrationServiceImpl struct {
	creds repository.CredentialRepository
	log   *zap.Logger
}

// NewIntegrationService constructs IntegrationService.
func NewIntegrationService(creds repository.CredentialRepository, log *zap.Logger) *IntegrationServiceImpl {
	if log == nil {
		log = zap.NewNop()
	}
	return &IntegrationServiceImpl{creds: creds, log: log}
}

// List returns the agency's integrations; inactive rows show as disconnected.
func (s *IntegrationServiceImpl) List(ctx context.Context, agencyID uuid.UUID) ([]model.Integration, error) {
	if agencyID == uuid.Nil {
		return nil, fmt.Errorf("%w: agency_id", errs.ErrValidation)
	}
	creds, err := s.creds.List(ctx, agencyID)
	if err != nil {
		return nil, fmt.Errorf("%w: list credentials: %v", errs.ErrStorage, err)
	}
	out := make([]model.Integration, 0, len(creds))
	for _, c := range creds {
		st := c.Status
		if st == "" {
			st = model.StatusConnected
		}
		if !c.IsActive {
			st = model.StatusDisconnected
		}
		out = append(out, model.Integration{
			Platform:  c.Platform,
			AccountID: c.AccountID,
			Status:    st,
			LastSync:  c.LastSync,
			LastError: c.LastError,
		})
	}
	return out, nil
}

// Disconnect removes the stored credential.
func (s *IntegrationServiceImpl) Disconnect(ctx context.Context, key model.IntegrationKey) error {
	if key.AgencyID == uuid.Nil || key.AccountID == "" {
		return fmt.Errorf("%w: agency_id and account_id are required", errs.ErrValidation)
	}
	if _, ok := model.ParsePlatform(string(key.Platform)); !ok {
		return fmt.Errorf("%w: platform %q", errs.ErrValidation, key.Platform)
	}
	if err := s.creds.Delete(ctx, key); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return fmt.Errorf("%w: %s", errs.ErrIntegrationNotFound, key)
		}
		return fmt.Errorf("%w: delete credential: %v", errs.ErrStorage, err)
	}
	s.log.Info("integration disconnected", zap.String("integration", key.String()))
	return nil
}
