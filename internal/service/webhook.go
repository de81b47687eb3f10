package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/and161185/metrionix/internal/config"
	"github.com/and161185/metrionix/internal/crypto"
	"github.com/and161185/metrionix/internal/errs"
	"github.com/and161185/metrionix/internal/model"
	"github.com/and161185/metrionix/internal/observability"
	"github.com/and161185/metrionix/internal/platform"
	"github.com/and161185/metrionix/internal/repository"
	"github.com/and161185/metrionix/internal/schema"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// Event types the receiver acts on. Anything else is logged only.
const (
	EventOrderCreated    = "order.created"
	EventOrderUpdated    = "order.updated"
	EventOrderDeleted    = "order.deleted"
	EventCampaignUpdated = "campaign.updated"
	EventAdUpdated       = "ad.updated"
)

// WebhookService verifies and records inbound platform webhooks.
type WebhookService interface {
	// Handle validates, verifies and records one delivery. headerSig is the
	// x-wc-webhook-signature header, empty for other platforms.
	Handle(ctx context.Context, p model.Platform, body []byte, headerSig string) error
}

// Resyncer is asked to refresh an integration after a mutating event.
type Resyncer interface {
	Sync(ctx context.Context, req SyncRequest) (model.SyncResult, error)
}

type WebhookServiceImpl struct {
	repo    repository.WebhookRepository
	secrets map[model.Platform][]byte
	schemas *schema.Set
	resync  Resyncer
	timeout time.Duration

	log *zap.Logger
	obs *observability.Metrics
	now func() time.Time
	wg  sync.WaitGroup
}

// WebhookDeps groups the collaborators of the webhook service.
type WebhookDeps struct {
	Repo    repository.WebhookRepository
	Secrets map[model.Platform]string
	Schemas *schema.Set
	Resync  Resyncer
	// ResyncTimeout bounds a background re-sync.
	ResyncTimeout time.Duration
	Log           *zap.Logger
	Metrics       *observability.Metrics
}

// NewWebhookService wires the webhook service. Platforms without a secret,
// or with a template value such as "changeme", reject every delivery.
func NewWebhookService(d WebhookDeps) *WebhookServiceImpl {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	secrets := map[model.Platform][]byte{}
	for p, s := range d.Secrets {
		if config.IsPlaceholder(s) {
			if s != "" {
				log.Warn("webhook secret is a placeholder; deliveries will be rejected", zap.String("platform", string(p)))
			}
			continue
		}
		secrets[p] = []byte(s)
	}
	timeout := d.ResyncTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &WebhookServiceImpl{
		repo: d.Repo, secrets: secrets, schemas: d.Schemas, resync: d.Resync, timeout: timeout,
		log: log, obs: d.Metrics, now: time.Now,
	}
}

// webhookPlatforms accept webhooks.
var webhookPlatforms = map[model.Platform]bool{
	model.PlatformMetaAds:     true,
	model.PlatformGoogleAds:   true,
	model.PlatformWooCommerce: true,
}

// envelope keeps agency_id and data exactly as received for the signature.
type envelope struct {
	AgencyID  string          `json:"agency_id"`
	AccountID string          `json:"account_id"`
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Signature string          `json:"signature"`
}

// Handle implements WebhookService.
func (s *WebhookServiceImpl) Handle(ctx context.Context, p model.Platform, body []byte, headerSig string) error {
	ev, mut, err := s.handle(ctx, p, body, headerSig)
	s.obs.ObserveWebhook(string(p), outcome(err))
	if err != nil {
		s.log.Warn("webhook rejected", zap.String("platform", string(p)), zap.Error(err))
		return err
	}
	s.log.Info("webhook accepted",
		zap.String("platform", string(p)),
		zap.String("agency_id", ev.AgencyID),
		zap.String("account_id", ev.AccountID),
		zap.String("event_type", ev.EventType),
	)
	if mut {
		s.requestResync(ctx, p, ev)
	}
	return nil
}

func (s *WebhookServiceImpl) handle(ctx context.Context, p model.Platform, body []byte, headerSig string) (envelope, bool, error) {
	if !webhookPlatforms[p] {
		return envelope{}, false, fmt.Errorf("%w: webhooks not accepted for %q", errs.ErrValidation, p)
	}
	if err := s.schemas.Validate(schema.Webhook, body); err != nil {
		return envelope{}, false, err
	}
	var ev envelope
	if err := json.Unmarshal(body, &ev); err != nil {
		return envelope{}, false, fmt.Errorf("%w: %v", errs.ErrValidation, err)
	}
	if !s.verify(p, ev, body, headerSig) {
		return ev, false, errs.ErrInvalidSignature
	}
	agency, err := uuid.FromString(ev.AgencyID)
	if err != nil {
		return ev, false, fmt.Errorf("%w: agency_id", errs.ErrValidation)
	}

	log := model.WebhookLog{
		Platform:   p,
		AgencyID:   agency,
		AccountID:  ev.AccountID,
		EventType:  ev.EventType,
		Payload:    json.RawMessage(body),
		ReceivedAt: s.now().UTC(),
	}
	// An authenticated delivery is always logged, even when its data cannot
	// be applied.
	mut, mutErr := mutationFor(p, agency, ev)
	if mutErr != nil {
		log.Error = mutErr.Error()
		mut = model.OrderMutation{}
	}
	if err := s.repo.Record(ctx, log, mut); err != nil {
		return ev, false, fmt.Errorf("%w: record webhook: %v", errs.ErrStorage, err)
	}
	if mutErr != nil {
		return ev, false, mutErr
	}
	return ev, isMutating(p, ev.EventType), nil
}

// verify accepts the body signature, and for WooCommerce also the header
// signature over the raw body.
func (s *WebhookServiceImpl) verify(p model.Platform, ev envelope, body []byte, headerSig string) bool {
	secret := s.secrets[p]
	if len(secret) == 0 {
		return false
	}
	if p == model.PlatformWooCommerce && headerSig != "" && crypto.VerifyBase64(secret, headerSig, body) {
		return true
	}
	return crypto.VerifyHex(secret, ev.Signature, CanonicalParts(ev.AgencyID, ev.AccountID, ev.EventType, ev.Data)...)
}

// CanonicalParts returns the signed message parts of a webhook, joined by "|"
// when hashed.
func CanonicalParts(agencyID, accountID, eventType string, data []byte) [][]byte {
	return [][]byte{[]byte(agencyID), []byte(accountID), []byte(eventType), data}
}

func mutationFor(p model.Platform, agency uuid.UUID, ev envelope) (model.OrderMutation, error) {
	if p != model.PlatformWooCommerce {
		return model.OrderMutation{}, nil
	}
	switch ev.EventType {
	case EventOrderCreated, EventOrderUpdated:
		o, err := platform.ParseWooOrder(ev.Data)
		if err != nil {
			return model.OrderMutation{}, err
		}
		o.AgencyID, o.AccountID = agency, ev.AccountID
		return model.OrderMutation{Op: model.OrderOpUpsert, Order: o}, nil
	case EventOrderDeleted:
		var d struct {
			ID json.Number `json:"id"`
		}
		if err := json.Unmarshal(ev.Data, &d); err != nil || d.ID == "" {
			return model.OrderMutation{}, fmt.Errorf("%w: order.deleted without id", errs.ErrValidation)
		}
		return model.OrderMutation{Op: model.OrderOpDelete, Order: model.Order{
			AgencyID: agency, AccountID: ev.AccountID, ExternalID: d.ID.String(),
		}}, nil
	}
	return model.OrderMutation{}, nil
}

func isMutating(p model.Platform, eventType string) bool {
	switch eventType {
	case EventOrderCreated, EventOrderUpdated, EventOrderDeleted:
		return p == model.PlatformWooCommerce
	case EventCampaignUpdated, EventAdUpdated:
		return p == model.PlatformMetaAds || p == model.PlatformGoogleAds
	}
	return false
}

// requestResync starts a background sync of the trailing window. Failures
// are only logged; there is no retry.
func (s *WebhookServiceImpl) requestResync(ctx context.Context, p model.Platform, ev envelope) {
	if s.resync == nil {
		return
	}
	agency, _ := uuid.FromString(ev.AgencyID)
	req := SyncRequest{AgencyID: agency, Platform: p, AccountID: ev.AccountID}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		if _, err := s.resync.Sync(rctx, req); err != nil {
			s.log.Warn("webhook re-sync failed",
				zap.String("integration", req.Key().String()),
				zap.Error(err),
			)
		}
	}()
}

// Wait blocks until background re-syncs have finished; used on shutdown.
func (s *WebhookServiceImpl) Wait() { s.wg.Wait() }
