package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/and161185/metrionix/internal/errs"
	"github.com/and161185/metrionix/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
)

func TestIntegrations_ListAndDisconnect(t *testing.T) {
	creds := newFakeCreds()
	svc := NewIntegrationService(creds, nil)
	agency := uuid.Must(uuid.NewV4())
	other := uuid.Must(uuid.NewV4())
	now := time.Now().UTC()

	active := model.Credential{AgencyID: agency, Platform: model.PlatformGA4, AccountID: "default", IsActive: true, Status: model.StatusConnected, LastSync: &now}
	failed := model.Credential{AgencyID: agency, Platform: model.PlatformMetaAds, AccountID: "act_1", IsActive: true, Status: model.StatusError, LastError: "revoked"}
	off := model.Credential{AgencyID: agency, Platform: model.PlatformWooCommerce, AccountID: "shop.test", IsActive: false, Status: model.StatusConnected}
	foreign := model.Credential{AgencyID: other, Platform: model.PlatformGA4, AccountID: "default", IsActive: true}
	for _, c := range []model.Credential{active, failed, off, foreign} {
		c := c
		creds.rows[c.Key()] = &c
	}

	list, err := svc.List(context.Background(), agency)
	require.NoError(t, err)
	require.Len(t, list, 3)
	byPlatform := map[model.Platform]model.Integration{}
	for _, i := range list {
		byPlatform[i.Platform] = i
	}
	require.Equal(t, model.StatusConnected, byPlatform[model.PlatformGA4].Status)
	require.Equal(t, model.StatusError, byPlatform[model.PlatformMetaAds].Status)
	require.Equal(t, "revoked", byPlatform[model.PlatformMetaAds].LastError)
	require.Equal(t, model.StatusDisconnected, byPlatform[model.PlatformWooCommerce].Status)

	require.NoError(t, svc.Disconnect(context.Background(), failed.Key()))
	err = svc.Disconnect(context.Background(), failed.Key())
	require.ErrorIs(t, err, errs.ErrIntegrationNotFound)

	_, err = svc.List(context.Background(), uuid.Nil)
	require.ErrorIs(t, err, errs.ErrValidation)
	err = svc.Disconnect(context.Background(), model.IntegrationKey{AgencyID: agency, Platform: "x", AccountID: "1"})
	require.ErrorIs(t, err, errs.ErrValidation)

	creds.deleteErr = errors.New("conn closed")
	err = svc.Disconnect(context.Background(), active.Key())
	require.ErrorIs(t, err, errs.ErrStorage)
}
