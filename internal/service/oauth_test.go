package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/and161185/metrionix/internal/config"
	"github.com/and161185/metrionix/internal/errs"
	"github.com/and161185/metrionix/internal/model"
	"github.com/and161185/metrionix/internal/oauth"
	"github.com/and161185/metrionix/internal/oauth/statestore"
	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
)

const appOrigin = "https://app.metrionix.io"

type oauthFixture struct {
	svc      *OAuthServiceImpl
	creds    *fakeCreds
	pub      *fakePublisher
	exchange *atomic.Int32
	agency   uuid.UUID
}

// providerServer plays token endpoint and Graph API. Code "bad" is rejected.
func providerServer(t *testing.T, exchanges *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/token":
			exchanges.Add(1)
			_ = r.ParseForm()
			if r.Form.Get("code") == "bad" {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Code was already redeemed."}`))
				return
			}
			_, _ = w.Write([]byte(`{"access_token":"at-1","refresh_token":"rt-1","expires_in":3600}`))
		case "/me/adaccounts":
			_, _ = w.Write([]byte(`{"data":[{"id":"act_42","name":"Main"}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newOAuthFixture(t *testing.T) *oauthFixture {
	t.Helper()
	f := &oauthFixture{creds: newFakeCreds(), pub: &fakePublisher{}, exchange: &atomic.Int32{}, agency: uuid.Must(uuid.NewV4())}
	srv := providerServer(t, f.exchange)

	c := &config.Config{}
	c.Server.CallbackURL = "https://api.metrionix.io/v1/oauth/callback"
	c.OAuth.Google = config.ProviderCredentials{ClientID: "1234.apps.googleusercontent.com", ClientSecret: "GOCSPX-secret"}
	c.OAuth.Meta = config.ProviderCredentials{ClientID: "987654321", ClientSecret: "meta-secret-value"}
	reg := oauth.NewRegistry(c, srv.Client())
	ep := oauth.Endpoints{AuthURL: srv.URL + "/auth", TokenURL: srv.URL + "/token", APIBase: srv.URL}
	reg.SetEndpoints(model.ProviderGoogle, ep)
	reg.SetEndpoints(model.ProviderMeta, ep)

	f.svc = NewOAuthService(OAuthDeps{
		Clients: reg, States: statestore.NewMemory(time.Minute), Creds: f.creds, Sealer: testSealer(),
		Publisher: f.pub, Origin: appOrigin, StateTTL: 10 * time.Minute,
	})
	return f
}

func (f *oauthFixture) begin(t *testing.T, p model.Provider, pl model.Platform) oauth.Started {
	t.Helper()
	st, err := f.svc.Begin(context.Background(), oauth.BeginRequest{Provider: p, Platform: pl, AgencyID: f.agency})
	require.NoError(t, err)
	return st
}

func TestOAuth_BeginBuildsURLAndState(t *testing.T) {
	f := newOAuthFixture(t)
	st := f.begin(t, model.ProviderGoogle, model.PlatformGoogleAds)

	require.Len(t, st.State, 43)
	require.WithinDuration(t, time.Now().Add(10*time.Minute), st.ExpiresAt, 5*time.Second)
	u, err := url.Parse(st.URL)
	require.NoError(t, err)
	require.Equal(t, st.State, u.Query().Get("state"))
	require.Equal(t, "offline", u.Query().Get("access_type"))
	require.Equal(t, "consent", u.Query().Get("prompt"))
}

func TestOAuth_BeginRejects(t *testing.T) {
	f := newOAuthFixture(t)
	ctx := context.Background()

	_, err := f.svc.Begin(ctx, oauth.BeginRequest{Provider: model.ProviderMeta, Platform: model.PlatformGA4, AgencyID: f.agency})
	require.ErrorIs(t, err, errs.ErrValidation)

	_, err = f.svc.Begin(ctx, oauth.BeginRequest{Provider: model.ProviderGoogle, Platform: model.PlatformGA4})
	require.ErrorIs(t, err, errs.ErrValidation)

	// woocommerce has no client registration in the fixture
	_, err = f.svc.Begin(ctx, oauth.BeginRequest{
		Provider: model.ProviderWooCommerce, Platform: model.PlatformWooCommerce, AgencyID: f.agency, StoreURL: "https://shop.test",
	})
	require.ErrorIs(t, err, errs.ErrProviderMisconfigured)

	_, err = f.svc.Begin(ctx, oauth.BeginRequest{
		Provider: model.ProviderWooCommerce, Platform: model.PlatformWooCommerce, AgencyID: f.agency, StoreURL: "shop",
	})
	require.ErrorIs(t, err, errs.ErrValidation)
}

func TestOAuth_CheckReportsMisconfiguredProvider(t *testing.T) {
	f := newOAuthFixture(t)

	require.NoError(t, f.svc.Check(model.ProviderGoogle))
	require.ErrorIs(t, f.svc.Check(model.ProviderWooCommerce), errs.ErrProviderMisconfigured)
	require.ErrorIs(t, f.svc.Check("tiktok"), errs.ErrValidation)
}

func TestOAuth_CompleteStoresSealedCredential(t *testing.T) {
	f := newOAuthFixture(t)
	st := f.begin(t, model.ProviderMeta, model.PlatformMetaAds)

	msg, err := f.svc.Complete(context.Background(), CallbackInput{Code: "good", State: st.State, Provider: "meta"})
	require.NoError(t, err)
	require.Equal(t, "act_42", msg.AccountID)
	require.Equal(t, oauth.MessageType, msg.Type)
	require.Equal(t, appOrigin, msg.Origin)
	require.Empty(t, msg.Code)

	key := model.IntegrationKey{AgencyID: f.agency, Platform: model.PlatformMetaAds, AccountID: "act_42"}
	c := f.creds.get(key)
	require.NotNil(t, c)
	require.NotNil(t, c.LastSync)
	require.NotContains(t, string(c.Blob), "at-1")

	tokens, err := testSealer().Open(key, c.Blob)
	require.NoError(t, err)
	require.Equal(t, "at-1", tokens.AccessToken)
	require.Equal(t, "rt-1", tokens.RefreshToken)

	require.Len(t, f.pub.msgs, 1)
	require.Equal(t, st.State, f.pub.msgs[0].State)
}

func TestOAuth_GoogleUsesDefaultAccount(t *testing.T) {
	f := newOAuthFixture(t)
	st := f.begin(t, model.ProviderGoogle, model.PlatformGA4)

	msg, err := f.svc.Complete(context.Background(), CallbackInput{Code: "good", State: st.State})
	require.NoError(t, err)
	require.Equal(t, oauth.DefaultAccountID, msg.AccountID)
	require.NotNil(t, f.creds.get(model.IntegrationKey{AgencyID: f.agency, Platform: model.PlatformGA4, AccountID: "default"}))
}

func TestOAuth_ReplayAndUnknownStateWriteNothing(t *testing.T) {
	f := newOAuthFixture(t)
	st := f.begin(t, model.ProviderGoogle, model.PlatformGoogleAds)
	ctx := context.Background()

	_, err := f.svc.Complete(ctx, CallbackInput{Code: "good", State: "forged"})
	require.ErrorIs(t, err, errs.ErrCsrfMismatch)
	_, err = f.svc.Complete(ctx, CallbackInput{Code: "good"})
	require.ErrorIs(t, err, errs.ErrCsrfMismatch)
	require.Zero(t, f.creds.upserts)
	require.Zero(t, f.exchange.Load())

	_, err = f.svc.Complete(ctx, CallbackInput{Code: "good", State: st.State})
	require.NoError(t, err)
	_, err = f.svc.Complete(ctx, CallbackInput{Code: "good", State: st.State})
	require.ErrorIs(t, err, errs.ErrCsrfMismatch)
	require.Equal(t, 1, f.creds.upserts)
	require.Equal(t, int32(1), f.exchange.Load())
}

func TestOAuth_ProviderMismatchConsumesState(t *testing.T) {
	f := newOAuthFixture(t)
	st := f.begin(t, model.ProviderGoogle, model.PlatformGoogleAds)

	msg, err := f.svc.Complete(context.Background(), CallbackInput{Code: "good", State: st.State, Provider: "meta"})
	require.ErrorIs(t, err, errs.ErrCsrfMismatch)
	require.NotEmpty(t, msg.Error)
	require.Zero(t, f.creds.upserts)
	require.Zero(t, f.exchange.Load())

	_, err = f.svc.Complete(context.Background(), CallbackInput{Code: "good", State: st.State, Provider: "google"})
	require.ErrorIs(t, err, errs.ErrCsrfMismatch)
}

func TestOAuth_RelayFromAnotherAgencyIsRejected(t *testing.T) {
	f := newOAuthFixture(t)
	st := f.begin(t, model.ProviderMeta, model.PlatformMetaAds)

	other := uuid.Must(uuid.NewV4())
	msg, err := f.svc.Complete(context.Background(), CallbackInput{Code: "good", State: st.State, AgencyID: other})
	require.ErrorIs(t, err, errs.ErrCsrfMismatch)
	require.NotEmpty(t, msg.Error)
	require.Zero(t, f.exchange.Load())
	require.Zero(t, f.creds.upserts)

	st = f.begin(t, model.ProviderMeta, model.PlatformMetaAds)
	_, err = f.svc.Complete(context.Background(), CallbackInput{Code: "good", State: st.State, AgencyID: f.agency})
	require.NoError(t, err)
	require.Equal(t, 1, f.creds.upserts)
}

func TestOAuth_ExchangeFailures(t *testing.T) {
	f := newOAuthFixture(t)
	ctx := context.Background()

	st := f.begin(t, model.ProviderGoogle, model.PlatformGA4)
	_, err := f.svc.Complete(ctx, CallbackInput{State: st.State, Error: "access_denied"})
	require.ErrorIs(t, err, errs.ErrTokenExchangeFailed)

	st = f.begin(t, model.ProviderGoogle, model.PlatformGA4)
	_, err = f.svc.Complete(ctx, CallbackInput{Code: "bad", State: st.State})
	require.ErrorIs(t, err, errs.ErrTokenExchangeFailed)
	var xe *oauth.ExchangeError
	require.True(t, errors.As(err, &xe))
	require.Contains(t, xe.Message, "already redeemed")

	st = f.begin(t, model.ProviderGoogle, model.PlatformGA4)
	_, err = f.svc.Complete(ctx, CallbackInput{State: st.State})
	require.ErrorIs(t, err, errs.ErrTokenExchangeFailed)

	require.Zero(t, f.creds.upserts)
	require.Len(t, f.pub.msgs, 3)
	for _, m := range f.pub.msgs {
		require.NotEmpty(t, m.Error)
	}
}

func TestOAuth_StorageFailure(t *testing.T) {
	f := newOAuthFixture(t)
	f.creds.upsertErr = errors.New("connection reset")
	st := f.begin(t, model.ProviderGoogle, model.PlatformSearchConsole)

	_, err := f.svc.Complete(context.Background(), CallbackInput{Code: "good", State: st.State})
	require.ErrorIs(t, err, errs.ErrStorage)
}
