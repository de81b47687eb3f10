package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/and161185/metrionix/internal/errs"
	"github.com/and161185/metrionix/internal/model"
	"github.com/and161185/metrionix/internal/platform"
	"github.com/and161185/metrionix/internal/synclock"
	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
)

var syncNow = time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)

type syncFixture struct {
	svc      *SyncServiceImpl
	creds    *fakeCreds
	metrics  *fakeMetrics
	adapter  *fakeAdapter
	reconn   *fakeReconnector
	refresh  *fakeRefresher
	key      model.IntegrationKey
	lastSync time.Time
}

func threeDays() []model.MetricRecord {
	var out []model.MetricRecord
	for d := 1; d <= 3; d++ {
		out = append(out, model.MetricRecord{
			EntityID: "c1", EntityName: "Brand", Date: time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC),
			Impressions: 100, Clicks: 5, Spend: 2.5,
		})
	}
	return out
}

func newSyncFixture(t *testing.T, p model.Platform, tokens model.Tokens) *syncFixture {
	t.Helper()
	f := &syncFixture{
		creds:    newFakeCreds(),
		metrics:  newFakeMetrics(),
		adapter:  &fakeAdapter{p: p, rows: threeDays()},
		reconn:   &fakeReconnector{},
		refresh:  &fakeRefresher{},
		key:      model.IntegrationKey{AgencyID: uuid.Must(uuid.NewV4()), Platform: p, AccountID: "123"},
		lastSync: syncNow.Add(-48 * time.Hour),
	}
	seal := testSealer()
	blob, err := seal.Seal(f.key, tokens)
	require.NoError(t, err)
	last := f.lastSync
	f.creds.rows[f.key] = &model.Credential{
		AgencyID: f.key.AgencyID, Platform: p, AccountID: f.key.AccountID,
		Blob: blob, IsActive: true, Status: model.StatusConnected, LastSync: &last,
	}
	f.svc = NewSyncService(SyncDeps{
		Creds: f.creds, Metrics: f.metrics, Adapters: platform.NewRegistry(f.adapter),
		Locker: synclock.NewMemory(time.Minute), Sealer: seal, Refresher: f.refresh, Reconnect: f.reconn,
	})
	f.svc.now = func() time.Time { return syncNow }
	return f
}

func (f *syncFixture) req() SyncRequest {
	return SyncRequest{AgencyID: f.key.AgencyID, Platform: f.key.Platform, AccountID: f.key.AccountID,
		StartDate: "2024-01-01", EndDate: "2024-01-03"}
}

func TestSync_ThreeDaysWithDerivedRatios(t *testing.T) {
	f := newSyncFixture(t, model.PlatformGoogleAds, model.Tokens{AccessToken: "at"})

	res, err := f.svc.Sync(context.Background(), f.req())
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, 3, res.InsightsSynced)
	require.Equal(t, 3, f.metrics.count(model.PlatformGoogleAds))
	require.Equal(t, []int{100}, f.metrics.batches)

	for _, r := range f.metrics.rows[model.PlatformGoogleAds] {
		require.Equal(t, 0.05, r.CTR)
		require.Equal(t, f.key.AgencyID, r.AgencyID)
	}
	c := f.creds.get(f.key)
	require.Equal(t, syncNow, *c.LastSync)
	require.Equal(t, model.StatusConnected, c.Status)
	require.Equal(t, []model.IntegrationStatus{model.StatusSyncing}, f.creds.statuses)
	require.Equal(t, "at", f.adapter.token)
}

func TestSync_ResyncOverwritesSameKeys(t *testing.T) {
	f := newSyncFixture(t, model.PlatformMetaAds, model.Tokens{AccessToken: "at"})
	for i := 0; i < 3; i++ {
		_, err := f.svc.Sync(context.Background(), f.req())
		require.NoError(t, err)
	}
	require.Equal(t, 3, f.metrics.count(model.PlatformMetaAds))
}

func TestSync_OverlappingRunsAreSerialized(t *testing.T) {
	f := newSyncFixture(t, model.PlatformGA4, model.Tokens{AccessToken: "at"})
	f.adapter.gate = make(chan struct{})

	var wg sync.WaitGroup
	var firstErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, firstErr = f.svc.Sync(context.Background(), f.req())
	}()
	require.Eventually(t, func() bool {
		f.adapter.mu.Lock()
		defer f.adapter.mu.Unlock()
		return f.adapter.calls == 1
	}, 2*time.Second, 5*time.Millisecond)

	res, err := f.svc.Sync(context.Background(), f.req())
	require.ErrorIs(t, err, errs.ErrSyncInProgress)
	require.False(t, res.Success)

	close(f.adapter.gate)
	wg.Wait()
	require.NoError(t, firstErr)

	// lock released: the next run goes through and lands on the same keys
	_, err = f.svc.Sync(context.Background(), f.req())
	require.NoError(t, err)
	require.Equal(t, 3, f.metrics.count(model.PlatformGA4))
}

func TestSync_MissingOrInactiveCredential(t *testing.T) {
	f := newSyncFixture(t, model.PlatformMetaAds, model.Tokens{AccessToken: "at"})

	req := f.req()
	req.AccountID = "act_unknown"
	_, err := f.svc.Sync(context.Background(), req)
	require.ErrorIs(t, err, errs.ErrIntegrationNotFound)
	require.Zero(t, f.adapter.calls)
	require.Zero(t, f.creds.synced)

	f.creds.rows[f.key].IsActive = false
	_, err = f.svc.Sync(context.Background(), f.req())
	require.ErrorIs(t, err, errs.ErrIntegrationNotFound)
	require.Equal(t, f.lastSync, *f.creds.get(f.key).LastSync)
}

func TestSync_EmptyAccessTokenIsNotFound(t *testing.T) {
	f := newSyncFixture(t, model.PlatformSearchConsole, model.Tokens{})
	_, err := f.svc.Sync(context.Background(), f.req())
	require.ErrorIs(t, err, errs.ErrIntegrationNotFound)
	require.Zero(t, f.adapter.calls)
}

func TestSync_RevokedCredentialsFlipToError(t *testing.T) {
	f := newSyncFixture(t, model.PlatformMetaAds, model.Tokens{AccessToken: "at"})
	f.adapter.err = fmt.Errorf("%w: %w", errs.ErrExternalAPI, errs.ErrCredentialsRevoked)

	res, err := f.svc.Sync(context.Background(), f.req())
	require.ErrorIs(t, err, errs.ErrCredentialsRevoked)
	require.ErrorIs(t, err, errs.ErrExternalAPI)
	require.False(t, res.Success)
	require.NotEmpty(t, res.Error)

	c := f.creds.get(f.key)
	require.Equal(t, model.StatusError, c.Status)
	require.Equal(t, f.lastSync, *c.LastSync)
	require.Equal(t, []model.IntegrationKey{f.key}, f.reconn.keys)
	require.Zero(t, f.metrics.count(model.PlatformMetaAds))
}

func TestSync_ExternalFailureStaysConnected(t *testing.T) {
	f := newSyncFixture(t, model.PlatformGoogleAds, model.Tokens{AccessToken: "at"})
	f.adapter.err = fmt.Errorf("%w: http 500", errs.ErrExternalAPI)

	_, err := f.svc.Sync(context.Background(), f.req())
	require.ErrorIs(t, err, errs.ErrExternalAPI)

	c := f.creds.get(f.key)
	require.Equal(t, model.StatusConnected, c.Status)
	require.Contains(t, c.LastError, "http 500")
	require.Equal(t, f.lastSync, *c.LastSync)
	require.Empty(t, f.reconn.keys)
}

func TestSync_StorageFailureKeepsLastSync(t *testing.T) {
	f := newSyncFixture(t, model.PlatformGA4, model.Tokens{AccessToken: "at"})
	f.metrics.err = errors.New("tx aborted")

	_, err := f.svc.Sync(context.Background(), f.req())
	require.ErrorIs(t, err, errs.ErrStorage)
	require.Equal(t, f.lastSync, *f.creds.get(f.key).LastSync)
	require.Zero(t, f.creds.synced)
}

func TestSync_RefreshesExpiredToken(t *testing.T) {
	f := newSyncFixture(t, model.PlatformGA4, model.Tokens{
		AccessToken: "old", RefreshToken: "rt", ExpiresAt: syncNow.Add(-time.Hour),
	})
	f.refresh.tokens = model.Tokens{AccessToken: "new", RefreshToken: "rt", ExpiresAt: syncNow.Add(time.Hour)}
	before := f.creds.get(f.key).Blob

	_, err := f.svc.Sync(context.Background(), f.req())
	require.NoError(t, err)
	require.Equal(t, 1, f.refresh.calls)
	require.Equal(t, "new", f.adapter.token)
	require.NotEqual(t, before, f.creds.get(f.key).Blob)

	opened, err := testSealer().Open(f.key, f.creds.get(f.key).Blob)
	require.NoError(t, err)
	require.Equal(t, "new", opened.AccessToken)
}

func TestSync_RevokedRefreshToken(t *testing.T) {
	f := newSyncFixture(t, model.PlatformGoogleAds, model.Tokens{
		AccessToken: "old", RefreshToken: "rt", ExpiresAt: syncNow.Add(-time.Hour),
	})
	f.refresh.err = fmt.Errorf("%w: invalid_grant", errs.ErrCredentialsRevoked)

	_, err := f.svc.Sync(context.Background(), f.req())
	require.ErrorIs(t, err, errs.ErrCredentialsRevoked)
	require.Zero(t, f.adapter.calls)
	require.Equal(t, model.StatusError, f.creds.get(f.key).Status)
	require.Len(t, f.reconn.keys, 1)
}

func TestSync_Validation(t *testing.T) {
	f := newSyncFixture(t, model.PlatformGA4, model.Tokens{AccessToken: "at"})

	bad := []SyncRequest{
		{Platform: model.PlatformGA4, AccountID: "1"},
		{AgencyID: f.key.AgencyID, Platform: "tiktok", AccountID: "1"},
		{AgencyID: f.key.AgencyID, Platform: model.PlatformGA4, AccountID: "1", StartDate: "2024-02-01", EndDate: "2024-01-01"},
		{AgencyID: f.key.AgencyID, Platform: model.PlatformGA4, AccountID: "1", StartDate: "2022-01-01", EndDate: "2024-01-01"},
		{AgencyID: f.key.AgencyID, Platform: model.PlatformGA4, AccountID: "1", StartDate: "yesterday"},
		// registered platform list lacks woocommerce in this fixture
		{AgencyID: f.key.AgencyID, Platform: model.PlatformWooCommerce, AccountID: "shop.test"},
	}
	for i, r := range bad {
		_, err := f.svc.Sync(context.Background(), r)
		require.ErrorIs(t, err, errs.ErrValidation, "case %d", i)
	}
	require.Zero(t, f.adapter.calls)
}
