package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"net/http"
	"time"

	"github.com/and161185/metrionix/internal/errs"
	"github.com/and161185/metrionix/internal/model"
	"github.com/and161185/metrionix/internal/oauth"
	"github.com/and161185/metrionix/internal/schema"
	"github.com/and161185/metrionix/internal/service"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type startBody struct {
	Platform string `json:"platform"`
	StoreURL string `json:"store_url"`
}

func (h *handlers) oauthStart(w http.ResponseWriter, r *http.Request) {
	agency, _ := AgencyIDFromCtx(r.Context())
	provider, ok := model.ParseProvider(chi.URLParam(r, "provider"))
	if !ok {
		writeError(w, errs.ErrValidation)
		return
	}
	body, err := h.readValid(r, schema.OAuthStart)
	if err != nil {
		writeError(w, err)
		return
	}
	var in startBody
	if err := json.Unmarshal(body, &in); err != nil {
		writeError(w, errs.ErrValidation)
		return
	}

	started, err := h.OAuth.Begin(r.Context(), oauth.BeginRequest{
		Provider: provider,
		Platform: model.Platform(in.Platform),
		AgencyID: agency,
		StoreURL: in.StoreURL,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, started)
}

// oauthStatus is the preflight clients call before opening a consent window.
func (h *handlers) oauthStatus(w http.ResponseWriter, r *http.Request) {
	provider, ok := model.ParseProvider(chi.URLParam(r, "provider"))
	if !ok {
		writeError(w, errs.ErrValidation)
		return
	}
	if err := h.OAuth.Check(provider); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"provider": provider, "configured": true})
}

type callbackBody struct {
	Code     string `json:"code"`
	State    string `json:"state"`
	Provider string `json:"provider"`
	Error    string `json:"error"`
}

// oauthCallbackRelay lets a frontend that received the redirect itself
// forward the code.
func (h *handlers) oauthCallbackRelay(w http.ResponseWriter, r *http.Request) {
	var in callbackBody
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&in); err != nil {
		writeError(w, errs.ErrValidation)
		return
	}
	agency, _ := AgencyIDFromCtx(r.Context())
	msg, err := h.OAuth.Complete(r.Context(), service.CallbackInput{
		Code:     in.Code,
		State:    in.State,
		Provider: in.Provider,
		Error:    in.Error,
		AgencyID: agency,
	})
	if err != nil {
		writeJSON(w, statusFor(err), callbackResponse(msg, err))
		return
	}
	writeJSON(w, http.StatusOK, callbackResponse(msg, nil))
}

func callbackResponse(m oauth.Message, err error) map[string]any {
	out := map[string]any{
		"success":  err == nil,
		"state":    m.State,
		"platform": m.Platform,
	}
	if m.AccountID != "" {
		out["account_id"] = m.AccountID
	}
	if err != nil {
		out["error"] = publicMessage(err)
	}
	return out
}

var callbackPage = template.Must(template.New("callback").Parse(`<!doctype html>
<html><head><meta charset="utf-8"><title>Metrionix</title></head>
<body>
<p>{{if .Msg.Error}}Connection failed. You can close this window.{{else}}Connected. You can close this window.{{end}}</p>
<script>
(function () {
  var msg = {{.Msg}};
  if (window.opener) {
    window.opener.postMessage(msg, {{.Origin}});
  }
  window.close();
})();
</script>
</body></html>
`))

// oauthCallbackPage is the provider redirect target. The page hands the
// outcome to the opener and closes itself.
func (h *handlers) oauthCallbackPage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	in := service.CallbackInput{
		Code:  q.Get("code"),
		State: q.Get("state"),
		Error: q.Get("error"),
	}
	msg, err := h.OAuth.Complete(r.Context(), in)
	status := http.StatusOK
	if err != nil {
		status = statusFor(err)
		if msg.State == "" {
			msg = oauth.Message{Type: oauth.MessageType, State: in.State}
		}
		msg.Error = publicMessage(err)
	}
	msg.Origin = ""

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := callbackPage.Execute(w, struct {
		Msg    oauth.Message
		Origin string
	}{msg, h.AppOrigin}); err != nil {
		h.Log.Warn("render callback page", zap.Error(err))
	}
}

// oauthEvents streams the completion message for ?state= over a websocket
// and closes once it is delivered.
func (h *handlers) oauthEvents(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	if state == "" || h.Events == nil {
		writeError(w, errs.ErrValidation)
		return
	}
	opts := &websocket.AcceptOptions{}
	if h.originHost != "" {
		opts.OriginPatterns = []string{h.originHost}
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		h.Log.Debug("websocket accept", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithTimeout(conn.CloseRead(r.Context()), h.EventsTimeout)
	defer cancel()

	ch, stop, err := h.Events.Listen(ctx, state)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "listen failed")
		return
	}
	defer stop()

	select {
	case m := <-ch:
		wctx, wcancel := context.WithTimeout(ctx, 5*time.Second)
		defer wcancel()
		if err := wsjson.Write(wctx, conn, m); err != nil {
			h.Log.Debug("websocket write", zap.Error(err))
			return
		}
		_ = conn.Close(websocket.StatusNormalClosure, "")
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			_ = conn.Close(websocket.StatusGoingAway, "timeout")
		}
	}
}

// readValid reads the body and checks it against the named schema.
func (h *handlers) readValid(r *http.Request, name string) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return nil, errs.ErrValidation
	}
	if h.Schemas != nil {
		if err := h.Schemas.Validate(name, body); err != nil {
			return nil, err
		}
	}
	return body, nil
}
