package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/and161185/metrionix/internal/errs"
	"github.com/and161185/metrionix/internal/model"
	"github.com/and161185/metrionix/internal/notify"
	"github.com/and161185/metrionix/internal/oauth"
	"github.com/and161185/metrionix/internal/observability"
	"github.com/and161185/metrionix/internal/schema"
	"github.com/and161185/metrionix/internal/service"
	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const appOrigin = "https://app.metrionix.test"

type fakeOAuth struct {
	unusable map[model.Provider]bool
	begun    []oauth.BeginRequest
	inputs   []service.CallbackInput
	complete func(service.CallbackInput) (oauth.Message, error)
}

func (f *fakeOAuth) Check(p model.Provider) error {
	if f.unusable[p] {
		return fmt.Errorf("%w: %s: client_secret", errs.ErrProviderMisconfigured, p)
	}
	return nil
}

func (f *fakeOAuth) Begin(_ context.Context, req oauth.BeginRequest) (oauth.Started, error) {
	f.begun = append(f.begun, req)
	if req.Platform.Provider() != req.Provider {
		return oauth.Started{}, errs.ErrValidation
	}
	return oauth.Started{URL: "https://consent.test/?state=s1", State: "s1", ExpiresAt: time.Unix(1700000000, 0).UTC()}, nil
}

func (f *fakeOAuth) Complete(_ context.Context, in service.CallbackInput) (oauth.Message, error) {
	f.inputs = append(f.inputs, in)
	return f.complete(in)
}

type fakeSync struct {
	reqs []service.SyncRequest
	res  model.SyncResult
	err  error
}

func (f *fakeSync) Sync(_ context.Context, req service.SyncRequest) (model.SyncResult, error) {
	f.reqs = append(f.reqs, req)
	return f.res, f.err
}

type fakeWebhooks struct {
	platform model.Platform
	body     []byte
	sig      string
	err      error
}

func (f *fakeWebhooks) Handle(_ context.Context, p model.Platform, body []byte, sig string) error {
	f.platform, f.body, f.sig = p, body, sig
	return f.err
}

type fakeIntegrations struct {
	list         []model.Integration
	disconnected []model.IntegrationKey
	err          error
}

func (f *fakeIntegrations) List(context.Context, uuid.UUID) ([]model.Integration, error) {
	return f.list, f.err
}

func (f *fakeIntegrations) Disconnect(_ context.Context, k model.IntegrationKey) error {
	f.disconnected = append(f.disconnected, k)
	return f.err
}

var (
	_ service.OAuthService       = (*fakeOAuth)(nil)
	_ service.SyncService        = (*fakeSync)(nil)
	_ service.WebhookService     = (*fakeWebhooks)(nil)
	_ service.IntegrationService = (*fakeIntegrations)(nil)
)

type fixture struct {
	srv    *httptest.Server
	auth   *service.AuthServiceImpl
	oauth  *fakeOAuth
	sync   *fakeSync
	hooks  *fakeWebhooks
	integr *fakeIntegrations
	hub    *notify.Hub
	agency uuid.UUID
	token  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		auth:   service.NewAuthService([]byte("test-signing-key-32-bytes-long!!"), time.Hour),
		oauth:  &fakeOAuth{},
		sync:   &fakeSync{},
		hooks:  &fakeWebhooks{},
		integr: &fakeIntegrations{},
		hub:    notify.NewHub(time.Minute),
		agency: uuid.Must(uuid.NewV4()),
	}
	tok, _, err := f.auth.Issue(f.agency)
	require.NoError(t, err)
	f.token = tok

	f.srv = httptest.NewServer(NewRouter(Deps{
		Auth:          f.auth,
		OAuth:         f.oauth,
		Sync:          f.sync,
		Webhooks:      f.hooks,
		Integrations:  f.integr,
		Events:        f.hub,
		Schemas:       schema.MustLoad(),
		AppOrigin:     appOrigin,
		EventsTimeout: 5 * time.Second,
		Metrics:       observability.New(),
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string, auth bool) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if auth {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestOps(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", "", false).StatusCode)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/readyz", "", false).StatusCode)

	resp := f.do(t, http.MethodGet, "/metrics", "", false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	b, _ := io.ReadAll(resp.Body)
	require.Contains(t, string(b), "go_goroutines")
}

func TestReadyzReportsDependencyFailure(t *testing.T) {
	srv := httptest.NewServer(NewRouter(Deps{Ready: func(context.Context) error { return errors.New("db down") }}))
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/v1/integrations", "/v1/oauth/events?state=s1"} {
		resp := f.do(t, http.MethodGet, path, "", false)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}
	resp := f.do(t, http.MethodPost, "/v1/sync/ga4", `{}`, false)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Empty(t, f.sync.reqs)
}

func TestOAuthStart(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/v1/oauth/google/start", `{"platform":"ga4"}`, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode(t, resp)
	require.Equal(t, "s1", out["state"])
	require.Equal(t, "https://consent.test/?state=s1", out["url"])
	require.Len(t, f.oauth.begun, 1)
	require.Equal(t, f.agency, f.oauth.begun[0].AgencyID)
	require.Equal(t, model.ProviderGoogle, f.oauth.begun[0].Provider)

	for name, tc := range map[string]struct{ path, body string }{
		"unknown provider": {"/v1/oauth/github/start", `{"platform":"ga4"}`},
		"unknown platform": {"/v1/oauth/google/start", `{"platform":"tiktok"}`},
		"extra field":      {"/v1/oauth/google/start", `{"platform":"ga4","agency_id":"x"}`},
		"mismatch":         {"/v1/oauth/meta/start", `{"platform":"ga4"}`},
	} {
		resp := f.do(t, http.MethodPost, tc.path, tc.body, true)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, name)
	}
}

func TestOAuthCallbackPage(t *testing.T) {
	f := newFixture(t)
	f.oauth.complete = func(in service.CallbackInput) (oauth.Message, error) {
		return oauth.Message{Origin: appOrigin, Type: oauth.MessageType, State: in.State, Provider: "meta", Platform: "meta_ads", AccountID: "act_9"}, nil
	}

	resp := f.do(t, http.MethodGet, "/v1/oauth/callback?code=abc&state=s1", "", false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	b, _ := io.ReadAll(resp.Body)
	page := string(b)
	require.Contains(t, page, "postMessage")
	require.Contains(t, page, `"https://app.metrionix.test"`)
	require.Contains(t, page, `"account_id":"act_9"`)
	require.NotContains(t, page, `"*"`)
	require.Equal(t, service.CallbackInput{Code: "abc", State: "s1"}, f.oauth.inputs[0])
}

func TestOAuthCallbackPageFailure(t *testing.T) {
	f := newFixture(t)
	f.oauth.complete = func(service.CallbackInput) (oauth.Message, error) {
		return oauth.Message{}, errs.ErrCsrfMismatch
	}
	resp := f.do(t, http.MethodGet, "/v1/oauth/callback?code=abc&state=forged", "", false)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	b, _ := io.ReadAll(resp.Body)
	require.Contains(t, string(b), "Connection failed")
	require.Contains(t, string(b), `"state":"forged"`)
}

func TestOAuthCallbackRelay(t *testing.T) {
	f := newFixture(t)
	f.oauth.complete = func(in service.CallbackInput) (oauth.Message, error) {
		if in.Code == "bad" {
			return oauth.Message{State: in.State, Platform: "ga4", Error: "x"}, fmt.Errorf("%w: invalid_grant", errs.ErrTokenExchangeFailed)
		}
		return oauth.Message{State: in.State, Platform: "ga4", AccountID: "default"}, nil
	}

	resp := f.do(t, http.MethodPost, "/v1/oauth/callback", `{"code":"ok","state":"s1","provider":"google"}`, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode(t, resp)
	require.Equal(t, true, out["success"])
	require.Equal(t, "default", out["account_id"])
	require.Equal(t, "google", f.oauth.inputs[0].Provider)
	require.Equal(t, f.agency, f.oauth.inputs[0].AgencyID)

	resp = f.do(t, http.MethodPost, "/v1/oauth/callback", `{"code":"bad","state":"s2"}`, true)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	out = decode(t, resp)
	require.Equal(t, false, out["success"])
	require.Contains(t, out["error"], "invalid_grant")
}

func TestOAuthStatus(t *testing.T) {
	f := newFixture(t)
	f.oauth.unusable = map[model.Provider]bool{model.ProviderWooCommerce: true}

	resp := f.do(t, http.MethodGet, "/v1/oauth/google/status", "", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, decode(t, resp)["configured"])

	resp = f.do(t, http.MethodGet, "/v1/oauth/woocommerce/status", "", true)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Contains(t, decode(t, resp)["error"], "misconfigured")

	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/oauth/tiktok/status", "", true).StatusCode)
	require.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/v1/oauth/google/status", "", false).StatusCode)
}

func TestOAuthEventsWebsocket(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/oauth/events?state=s1&access_token=" + f.token
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{appOrigin}},
	})
	require.NoError(t, err)
	defer conn.CloseNow()

	f.hub.Publish(oauth.Message{Origin: appOrigin, Type: oauth.MessageType, State: "s1", Platform: "ga4", AccountID: "default"})

	var got oauth.Message
	require.NoError(t, wsjson.Read(ctx, conn, &got))
	require.Equal(t, "s1", got.State)
	require.Equal(t, "default", got.AccountID)
	require.Equal(t, appOrigin, got.Origin)
}

func TestOAuthEventsRejectsForeignOrigin(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/oauth/events?state=s1&access_token=" + f.token
	_, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{"https://evil.test"}},
	})
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestSync(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC().Truncate(time.Second)
	f.sync.res = model.SyncResult{Success: true, InsightsSynced: 3, Timestamp: now}

	body := fmt.Sprintf(`{"agency_id":%q,"account_id":"act_1","start_date":"2024-01-01","end_date":"2024-01-03"}`, f.agency)
	resp := f.do(t, http.MethodPost, "/v1/sync/meta_ads", body, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode(t, resp)
	require.Equal(t, true, out["success"])
	require.EqualValues(t, 3, out["insights_synced"])
	require.Equal(t, service.SyncRequest{
		AgencyID: f.agency, Platform: model.PlatformMetaAds, AccountID: "act_1",
		StartDate: "2024-01-01", EndDate: "2024-01-03",
	}, f.sync.reqs[0])
}

func TestSyncRejections(t *testing.T) {
	f := newFixture(t)
	other := uuid.Must(uuid.NewV4())

	resp := f.do(t, http.MethodPost, "/v1/sync/meta_ads", fmt.Sprintf(`{"agency_id":%q,"account_id":"a"}`, other), true)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/v1/sync/meta_ads", `{"account_id":"a"}`, true)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/v1/sync/tiktok", fmt.Sprintf(`{"agency_id":%q,"account_id":"a"}`, f.agency), true)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/v1/sync/meta_ads", fmt.Sprintf(`{"agency_id":%q,"account_id":"a","start_date":"01/02/2024"}`, f.agency), true)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Empty(t, f.sync.reqs)
}

func TestSyncErrorStatuses(t *testing.T) {
	f := newFixture(t)
	body := fmt.Sprintf(`{"agency_id":%q,"account_id":"a"}`, f.agency)

	cases := []struct {
		err    error
		status int
	}{
		{errs.ErrIntegrationNotFound, http.StatusNotFound},
		{errs.ErrSyncInProgress, http.StatusConflict},
		{fmt.Errorf("%w: 500 from graph api", errs.ErrExternalAPI), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		f.sync.err = tc.err
		f.sync.res = model.SyncResult{Success: false, Error: tc.err.Error()}
		resp := f.do(t, http.MethodPost, "/v1/sync/ga4", body, true)
		require.Equal(t, tc.status, resp.StatusCode, tc.err.Error())
		out := decode(t, resp)
		require.Equal(t, false, out["success"])
		require.Equal(t, tc.err.Error(), out["error"])
	}
}

func TestWebhookForwardsBodyAndSignature(t *testing.T) {
	f := newFixture(t)
	req, _ := http.NewRequest(http.MethodPost, f.srv.URL+"/v1/webhooks/woocommerce", strings.NewReader(`{"x":1}`))
	req.Header.Set("X-WC-Webhook-Signature", "c2ln")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, map[string]any{"success": true}, decode(t, resp))
	require.Equal(t, model.PlatformWooCommerce, f.hooks.platform)
	require.Equal(t, `{"x":1}`, string(f.hooks.body))
	require.Equal(t, "c2ln", f.hooks.sig)

	f.hooks.err = errs.ErrInvalidSignature
	resp = f.do(t, http.MethodPost, "/v1/webhooks/meta_ads", `{}`, false)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	f.hooks.err = fmt.Errorf("%w: insert: connection reset", errs.ErrStorage)
	resp = f.do(t, http.MethodPost, "/v1/webhooks/meta_ads", `{}`, false)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	out := decode(t, resp)
	require.NotContains(t, out["error"], "connection reset")

	resp = f.do(t, http.MethodPost, "/v1/webhooks/unknown", `{}`, false)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestIntegrations(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/v1/integrations", "", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, map[string]any{"integrations": []any{}}, decode(t, resp))

	f.integr.list = []model.Integration{{Platform: model.PlatformGA4, AccountID: "default", Status: model.StatusConnected}}
	resp = f.do(t, http.MethodGet, "/v1/integrations", "", true)
	out := decode(t, resp)
	require.Len(t, out["integrations"], 1)

	resp = f.do(t, http.MethodDelete, "/v1/integrations/meta_ads/act_1", "", true)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, model.IntegrationKey{AgencyID: f.agency, Platform: model.PlatformMetaAds, AccountID: "act_1"}, f.integr.disconnected[0])

	f.integr.err = errs.ErrIntegrationNotFound
	resp = f.do(t, http.MethodDelete, "/v1/integrations/meta_ads/act_1", "", true)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
