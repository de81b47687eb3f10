// Package httpserver exposes the public HTTP API: OAuth connection, sync,
// webhooks, integration management and the operational endpoints.
package httpserver

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/and161185/metrionix/internal/oauth"
	"github.com/and161185/metrionix/internal/observability"
	"github.com/and161185/metrionix/internal/schema"
	"github.com/and161185/metrionix/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// maxBody bounds request bodies; webhooks carry whole orders.
const maxBody = 1 << 20

// Deps are the services the router dispatches to.
type Deps struct {
	Auth         service.AuthService
	OAuth        service.OAuthService
	Sync         service.SyncService
	Webhooks     service.WebhookService
	Integrations service.IntegrationService
	// Events feeds the OAuth completion websocket.
	Events  oauth.Listener
	Schemas *schema.Set

	// AppOrigin is the only origin the callback page posts to and the only
	// origin allowed to open the events websocket.
	AppOrigin string
	// EventsTimeout closes an idle events socket; defaults to 10 minutes.
	EventsTimeout time.Duration
	// Ready reports whether dependencies (database, redis) are reachable.
	Ready func(ctx context.Context) error

	Log     *zap.Logger
	Metrics *observability.Metrics
}

type handlers struct {
	Deps
	originHost string
}

// NewRouter builds the chi router.
func NewRouter(d Deps) http.Handler {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.EventsTimeout <= 0 {
		d.EventsTimeout = 10 * time.Minute
	}
	h := &handlers{Deps: d}
	if u, err := url.Parse(d.AppOrigin); err == nil {
		h.originHost = u.Host
	}

	mux := chi.NewRouter()
	mux.Use(middleware.RequestID)
	mux.Use(accessLog(d.Log, d.Metrics))
	mux.Use(recoverer(d.Log))

	mux.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("ok")) })
	mux.Get("/readyz", h.readyz)
	mux.Method(http.MethodGet, "/metrics", d.Metrics.Handler())

	mux.Route("/v1", func(r chi.Router) {
		// provider redirect and platform webhooks carry no bearer token
		r.Get("/oauth/callback", h.oauthCallbackPage)
		r.Post("/webhooks/{platform}", h.webhook)

		r.With(requireAgency(d.Auth, true)).Get("/oauth/events", h.oauthEvents)

		r.Group(func(r chi.Router) {
			r.Use(requireAgency(d.Auth, false))
			r.Get("/oauth/{provider}/status", h.oauthStatus)
			r.Post("/oauth/{provider}/start", h.oauthStart)
			r.Post("/oauth/callback", h.oauthCallbackRelay)
			r.Post("/sync/{platform}", h.sync)
			r.Get("/integrations", h.listIntegrations)
			r.Delete("/integrations/{platform}/{account_id}", h.disconnect)
		})
	})
	return mux
}

func (h *handlers) readyz(w http.ResponseWriter, r *http.Request) {
	if h.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Ready(ctx); err != nil {
			h.Log.Warn("not ready", zap.Error(err))
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	_, _ = w.Write([]byte("ready"))
}
