package httpserver

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/and161185/metrionix/internal/errs"
	"github.com/and161185/metrionix/internal/model"
	"github.com/and161185/metrionix/internal/schema"
	"github.com/and161185/metrionix/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/gofrs/uuid/v5"
)

type syncBody struct {
	AgencyID  string `json:"agency_id"`
	AccountID string `json:"account_id"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

func (h *handlers) sync(w http.ResponseWriter, r *http.Request) {
	agency, _ := AgencyIDFromCtx(r.Context())
	p, ok := model.ParsePlatform(chi.URLParam(r, "platform"))
	if !ok {
		writeError(w, errs.ErrValidation)
		return
	}
	body, err := h.readValid(r, schema.SyncRequest)
	if err != nil {
		writeError(w, err)
		return
	}
	var in syncBody
	if err := json.Unmarshal(body, &in); err != nil {
		writeError(w, errs.ErrValidation)
		return
	}
	id, err := uuid.FromString(in.AgencyID)
	if err != nil {
		writeError(w, errs.ErrValidation)
		return
	}
	if id != agency {
		writeJSON(w, http.StatusForbidden, errorBody{Error: "agency mismatch"})
		return
	}

	res, err := h.Sync.Sync(r.Context(), service.SyncRequest{
		AgencyID:  id,
		Platform:  p,
		AccountID: in.AccountID,
		StartDate: in.StartDate,
		EndDate:   in.EndDate,
	})
	if err != nil {
		if res.Error == "" {
			res.Error = publicMessage(err)
		}
		writeJSON(w, statusFor(err), res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handlers) webhook(w http.ResponseWriter, r *http.Request) {
	p, ok := model.ParsePlatform(chi.URLParam(r, "platform"))
	if !ok {
		writeError(w, errs.ErrValidation)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeError(w, errs.ErrValidation)
		return
	}
	if err := h.Webhooks.Handle(r.Context(), p, body, r.Header.Get("X-WC-Webhook-Signature")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *handlers) listIntegrations(w http.ResponseWriter, r *http.Request) {
	agency, _ := AgencyIDFromCtx(r.Context())
	list, err := h.Integrations.List(r.Context(), agency)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []model.Integration{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"integrations": list})
}

func (h *handlers) disconnect(w http.ResponseWriter, r *http.Request) {
	agency, _ := AgencyIDFromCtx(r.Context())
	key := model.IntegrationKey{
		AgencyID:  agency,
		Platform:  model.Platform(chi.URLParam(r, "platform")),
		AccountID: chi.URLParam(r, "account_id"),
	}
	if err := h.Integrations.Disconnect(r.Context(), key); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
