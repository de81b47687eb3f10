package httpserver

import (
	"context"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/and161185/metrionix/internal/errs"
	"github.com/and161185/metrionix/internal/observability"
	"github.com/and161185/metrionix/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

type ctxKey string

const agencyIDKey ctxKey = "mx.agencyID"

// WithAgencyID stores the authenticated agency in the context.
func WithAgencyID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, agencyIDKey, id)
}

// AgencyIDFromCtx returns the authenticated agency.
func AgencyIDFromCtx(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(agencyIDKey).(uuid.UUID)
	return id, ok
}

// accessLog logs one line per request: route, status, duration and request id.
// Query strings are never logged since callbacks carry codes in them.
func accessLog(log *zap.Logger, m *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.ObserveHTTP(route, r.Method, status, time.Since(start))
			log.Info("http",
				zap.String("method", r.Method),
				zap.String("route", route),
				zap.Int("status", status),
				zap.Duration("dur", time.Since(start)),
				zap.String("rid", middleware.GetReqID(r.Context())),
			)
		})
	}
}

// recoverer turns a panic into a 500 and logs the stack.
func recoverer(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					log.Error("panic",
						zap.Any("reason", rec),
						zap.ByteString("stack", debug.Stack()),
						zap.String("path", r.URL.Path),
					)
					writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal"})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// requireAgency verifies the bearer token and puts the agency into the
// context. With allowQuery the token may come as ?access_token=, which
// browsers need for websocket upgrades.
func requireAgency(auth service.AuthService, allowQuery bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := bearerToken(r)
			if tok == "" && allowQuery {
				tok = r.URL.Query().Get("access_token")
			}
			id, err := auth.Verify(tok)
			if err != nil {
				writeError(w, errs.ErrUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAgencyID(r.Context(), id)))
		})
	}
}

func bearerToken(r *http.Request) string {
	v := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(v) >= 7 && strings.EqualFold(v[:7], "bearer ") {
		return strings.TrimSpace(v[7:])
	}
	return ""
}
