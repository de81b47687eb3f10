package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/and161185/metrionix/internal/errs"
	"github.com/and161185/metrionix/internal/model"
	"github.com/and161185/metrionix/internal/notify"
	"github.com/and161185/metrionix/internal/observability"
	"github.com/and161185/metrionix/internal/platform"
	"github.com/and161185/metrionix/internal/repository"
	"github.com/and161185/metrionix/internal/synclock"
	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// SyncRequest selects an integration and an optional date window (YYYY-MM-DD).
type SyncRequest struct {
	AgencyID  uuid.UUID
	Platform  model.Platform
	AccountID string
	StartDate string
	EndDate   string
}

// Key returns the integration the request targets.
func (r SyncRequest) Key() model.IntegrationKey {
	return model.IntegrationKey{AgencyID: r.AgencyID, Platform: r.Platform, AccountID: r.AccountID}
}

// Validate checks field shapes only; the date window itself is checked when
// the range is built.
func (r SyncRequest) Validate() error {
	err := validation.ValidateStruct(&r,
		validation.Field(&r.AgencyID, validation.By(func(v interface{}) error {
			if id, _ := v.(uuid.UUID); id == uuid.Nil {
				return errors.New("is required")
			}
			return nil
		})),
		validation.Field(&r.Platform, validation.Required, validation.By(func(v interface{}) error {
			if p, _ := v.(model.Platform); p != "" {
				if _, ok := model.ParsePlatform(string(p)); !ok {
					return errors.New("is not supported")
				}
			}
			return nil
		})),
		validation.Field(&r.AccountID, validation.Required, validation.Length(1, 255)),
		validation.Field(&r.StartDate, validation.Date(model.DateLayout)),
		validation.Field(&r.EndDate, validation.Date(model.DateLayout)),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrValidation, err)
	}
	return nil
}

// SyncService pulls platform metrics into the metric tables.
type SyncService interface {
	// Sync runs one job synchronously. On failure the result carries the
	// message and the returned error the sentinel.
	Sync(ctx context.Context, req SyncRequest) (model.SyncResult, error)
}

// TokenRefresher renews expired access tokens.
type TokenRefresher interface {
	Refresh(ctx context.Context, key model.IntegrationKey, current model.Tokens) (model.Tokens, error)
}

// expirySkew refreshes tokens slightly before they actually expire.
const expirySkew = time.Minute

type SyncServiceImpl struct {
	creds     repository.CredentialRepository
	metrics   repository.MetricRepository
	adapters  *platform.Registry
	locker    synclock.Locker
	sealer    Sealer
	refresher TokenRefresher
	reconnect notify.Reconnector
	batchSize int

	log *zap.Logger
	obs *observability.Metrics
	now func() time.Time
}

// SyncDeps groups the collaborators of the sync service.
type SyncDeps struct {
	Creds     repository.CredentialRepository
	Metrics   repository.MetricRepository
	Adapters  *platform.Registry
	Locker    synclock.Locker
	Sealer    Sealer
	Refresher TokenRefresher
	Reconnect notify.Reconnector
	BatchSize int
	Log       *zap.Logger
	Obs       *observability.Metrics
}

// NewSyncService wires the sync service.
func NewSyncService(d SyncDeps) *SyncServiceImpl {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	batch := d.BatchSize
	if batch <= 0 {
		batch = 100
	}
	return &SyncServiceImpl{
		creds: d.Creds, metrics: d.Metrics, adapters: d.Adapters, locker: d.Locker, sealer: d.Sealer,
		refresher: d.Refresher, reconnect: d.Reconnect, batchSize: batch,
		log: log, obs: d.Obs, now: time.Now,
	}
}

// Sync implements SyncService.
func (s *SyncServiceImpl) Sync(ctx context.Context, req SyncRequest) (model.SyncResult, error) {
	started := s.now()
	n, err := s.run(ctx, req)
	res := model.SyncResult{Success: err == nil, InsightsSynced: n, Timestamp: s.now().UTC()}

	fields := []zap.Field{
		zap.String("agency_id", req.AgencyID.String()),
		zap.String("platform", string(req.Platform)),
		zap.String("account_id", req.AccountID),
		zap.Duration("dur", s.now().Sub(started)),
	}
	s.obs.ObserveSync(string(req.Platform), outcome(err), n, s.now().Sub(started))
	if err != nil {
		res.Error = err.Error()
		s.log.Warn("sync failed", append(fields, zap.Error(err))...)
		return res, err
	}
	s.log.Info("sync done", append(fields, zap.Int("rows", n))...)
	return res, nil
}

func (s *SyncServiceImpl) run(ctx context.Context, req SyncRequest) (int, error) {
	if err := req.Validate(); err != nil {
		return 0, err
	}
	rng, err := model.ParseDateRange(req.StartDate, req.EndDate, s.now())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errs.ErrValidation, err)
	}
	adapter, err := s.adapters.Get(req.Platform)
	if err != nil {
		return 0, err
	}

	key := req.Key()
	lease, err := s.locker.Acquire(ctx, "sync:"+key.String())
	if err != nil {
		if errors.Is(err, errs.ErrSyncInProgress) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: acquire lock: %v", errs.ErrStorage, err)
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.log.Warn("release sync lock", zap.String("integration", key.String()), zap.Error(err))
		}
	}()

	tokens, err := s.loadTokens(ctx, key)
	if err != nil {
		return 0, err
	}

	s.markStatus(ctx, key, model.StatusSyncing, "")

	rows, err := adapter.FetchMetrics(ctx, platform.Credential{Key: key, Tokens: tokens}, rng)
	if err != nil {
		s.fail(ctx, key, err)
		return 0, err
	}
	for i := range rows {
		adapter.DeriveMetrics(&rows[i])
	}

	n, err := s.metrics.UpsertBatch(ctx, req.Platform, rows, s.batchSize)
	if err != nil {
		err = fmt.Errorf("%w: upsert metrics: %v", errs.ErrStorage, err)
		s.fail(ctx, key, err)
		return 0, err
	}
	if err := s.creds.MarkSynced(ctx, key, s.now().UTC()); err != nil {
		err = fmt.Errorf("%w: mark synced: %v", errs.ErrStorage, err)
		s.fail(ctx, key, err)
		return n, err
	}
	return n, nil
}

// loadTokens opens the stored credential, refreshing it if it is about to expire.
func (s *SyncServiceImpl) loadTokens(ctx context.Context, key model.IntegrationKey) (model.Tokens, error) {
	cred, err := s.creds.Get(ctx, key)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return model.Tokens{}, fmt.Errorf("%w: %s", errs.ErrIntegrationNotFound, key)
		}
		return model.Tokens{}, fmt.Errorf("%w: load credential: %v", errs.ErrStorage, err)
	}
	if !cred.IsActive {
		return model.Tokens{}, fmt.Errorf("%w: %s is inactive", errs.ErrIntegrationNotFound, key)
	}
	tokens, err := s.sealer.Open(key, cred.Blob)
	if err != nil {
		return model.Tokens{}, fmt.Errorf("%w: open credential: %v", errs.ErrStorage, err)
	}
	if tokens.AccessToken == "" {
		return model.Tokens{}, fmt.Errorf("%w: %s has no access token", errs.ErrIntegrationNotFound, key)
	}

	expired := !tokens.ExpiresAt.IsZero() && tokens.ExpiresAt.Before(s.now().Add(expirySkew))
	if !expired || tokens.RefreshToken == "" || s.refresher == nil {
		return tokens, nil
	}
	fresh, err := s.refresher.Refresh(ctx, key, tokens)
	if err != nil {
		s.fail(ctx, key, err)
		return model.Tokens{}, err
	}
	if fresh.StoreURL == "" {
		fresh.StoreURL = tokens.StoreURL
	}
	blob, err := s.sealer.Seal(key, fresh)
	if err != nil {
		return model.Tokens{}, fmt.Errorf("%w: seal: %v", errs.ErrStorage, err)
	}
	if err := s.creds.UpdateBlob(ctx, key, blob); err != nil {
		return model.Tokens{}, fmt.Errorf("%w: store refreshed tokens: %v", errs.ErrStorage, err)
	}
	return fresh, nil
}

// fail records a failed attempt. Revoked credentials flip the integration to
// error and notify a human; anything else keeps it connected with the message.
func (s *SyncServiceImpl) fail(ctx context.Context, key model.IntegrationKey, cause error) {
	revoked := errors.Is(cause, errs.ErrCredentialsRevoked)
	s.markStatus(ctx, key, model.AfterSync(revoked), cause.Error())
	if !revoked || s.reconnect == nil {
		return
	}
	if err := s.reconnect.ReconnectRequired(ctx, key, cause.Error()); err != nil {
		s.log.Warn("reconnect notice", zap.String("integration", key.String()), zap.Error(err))
	}
}

func (s *SyncServiceImpl) markStatus(ctx context.Context, key model.IntegrationKey, st model.IntegrationStatus, msg string) {
	if err := s.creds.MarkStatus(context.WithoutCancel(ctx), key, st, msg); err != nil {
		s.log.Warn("mark status", zap.String("integration", key.String()), zap.String("status", string(st)), zap.Error(err))
	}
}
