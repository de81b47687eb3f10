package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/and161185/metrionix/internal/crypto"
	"github.com/and161185/metrionix/internal/errs"
	"github.com/and161185/metrionix/internal/model"
	"github.com/and161185/metrionix/internal/oauth"
	"github.com/and161185/metrionix/internal/oauth/statestore"
	"github.com/and161185/metrionix/internal/observability"
	"github.com/and161185/metrionix/internal/repository"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// OAuthService is the server half of the consent flow.
type OAuthService interface {
	oauth.Starter
	// Check fails with errs.ErrProviderMisconfigured when provider cannot
	// start a flow, so clients can stop before opening any window.
	Check(provider model.Provider) error
	// Complete consumes the transit state, exchanges the code and stores the
	// sealed credential. Nothing is written unless every step succeeds.
	Complete(ctx context.Context, in CallbackInput) (oauth.Message, error)
}

// CallbackInput is what a provider redirect or popup relay carries.
type CallbackInput struct {
	Code     string
	State    string
	Provider string
	Error    string
	// AgencyID is set by authenticated relays and must own the state.
	AgencyID uuid.UUID
}

// Sealer encrypts and decrypts credential tokens bound to their integration.
type Sealer interface {
	Seal(k model.IntegrationKey, t model.Tokens) (model.EncryptedBlob, error)
	Open(k model.IntegrationKey, blob model.EncryptedBlob) (model.Tokens, error)
}

// Publisher delivers completion messages to waiting clients.
type Publisher interface {
	Publish(m oauth.Message)
}

type OAuthServiceImpl struct {
	clients  *oauth.Registry
	states   statestore.Store
	creds    repository.CredentialRepository
	sealer   Sealer
	pub      Publisher
	origin   string
	stateTTL time.Duration

	log *zap.Logger
	obs *observability.Metrics
	now func() time.Time
}

// OAuthDeps groups the collaborators of the OAuth service.
type OAuthDeps struct {
	Clients   *oauth.Registry
	States    statestore.Store
	Creds     repository.CredentialRepository
	Sealer    Sealer
	Publisher Publisher
	// Origin is stamped on published messages; listeners accept nothing else.
	Origin   string
	StateTTL time.Duration
	Log      *zap.Logger
	Metrics  *observability.Metrics
}

// NewOAuthService wires the OAuth service.
func NewOAuthService(d OAuthDeps) *OAuthServiceImpl {
	ttl := d.StateTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &OAuthServiceImpl{
		clients: d.Clients, states: d.States, creds: d.Creds, sealer: d.Sealer, pub: d.Publisher,
		origin: d.Origin, stateTTL: ttl, log: log, obs: d.Metrics, now: time.Now,
	}
}

// Check implements OAuthService.
func (s *OAuthServiceImpl) Check(provider model.Provider) error {
	if _, ok := model.ParseProvider(string(provider)); !ok {
		return fmt.Errorf("%w: provider %q", errs.ErrValidation, provider)
	}
	return s.clients.Check(provider)
}

// Begin implements oauth.Starter.
func (s *OAuthServiceImpl) Begin(ctx context.Context, req oauth.BeginRequest) (oauth.Started, error) {
	if _, ok := model.ParseProvider(string(req.Provider)); !ok {
		return oauth.Started{}, fmt.Errorf("%w: provider %q", errs.ErrValidation, req.Provider)
	}
	if _, ok := model.ParsePlatform(string(req.Platform)); !ok || req.Platform.Provider() != req.Provider {
		return oauth.Started{}, fmt.Errorf("%w: platform %q is not served by %s", errs.ErrValidation, req.Platform, req.Provider)
	}
	if req.AgencyID == uuid.Nil {
		return oauth.Started{}, fmt.Errorf("%w: agency_id", errs.ErrValidation)
	}

	var storeURL string
	if req.Provider == model.ProviderWooCommerce {
		u, err := oauth.NormalizeStoreURL(req.StoreURL)
		if err != nil {
			return oauth.Started{}, err
		}
		storeURL = u
	}
	client, err := s.clients.Client(req.Provider, storeURL)
	if err != nil {
		return oauth.Started{}, err
	}

	state, err := crypto.NewState()
	if err != nil {
		return oauth.Started{}, err
	}
	now := s.now().UTC()
	st := model.TransitState{
		State:       state,
		Provider:    req.Provider,
		Platform:    req.Platform,
		AgencyID:    req.AgencyID,
		RedirectURI: client.RedirectURI,
		StoreURL:    storeURL,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.stateTTL),
	}
	if err := s.states.Save(ctx, st); err != nil {
		return oauth.Started{}, fmt.Errorf("%w: save state: %v", errs.ErrStorage, err)
	}

	s.log.Info("oauth started",
		zap.String("agency_id", req.AgencyID.String()),
		zap.String("provider", string(req.Provider)),
		zap.String("platform", string(req.Platform)),
	)
	return oauth.Started{URL: client.AuthCodeURL(req.Platform, state), State: state, ExpiresAt: st.ExpiresAt}, nil
}

// Complete implements OAuthService.
func (s *OAuthServiceImpl) Complete(ctx context.Context, in CallbackInput) (oauth.Message, error) {
	if in.State == "" {
		s.obs.ObserveOAuth(in.Provider, "csrf")
		return oauth.Message{}, errs.ErrCsrfMismatch
	}
	st, err := s.states.Consume(ctx, in.State)
	if err != nil {
		s.obs.ObserveOAuth(in.Provider, "csrf")
		if errors.Is(err, errs.ErrCsrfMismatch) {
			return oauth.Message{}, err
		}
		return oauth.Message{}, fmt.Errorf("%w: consume state: %v", errs.ErrStorage, err)
	}

	msg := oauth.Message{
		Origin:   s.origin,
		Type:     oauth.MessageType,
		State:    st.State,
		Provider: string(st.Provider),
		Platform: string(st.Platform),
	}
	account, err := s.complete(ctx, st, in)
	if err != nil {
		msg.Error = err.Error()
		s.publish(msg)
		s.obs.ObserveOAuth(string(st.Provider), outcome(err))
		s.log.Warn("oauth callback failed",
			zap.String("agency_id", st.AgencyID.String()),
			zap.String("platform", string(st.Platform)),
			zap.Error(err),
		)
		return msg, err
	}

	msg.AccountID = account
	s.publish(msg)
	s.obs.ObserveOAuth(string(st.Provider), "ok")
	s.log.Info("integration connected",
		zap.String("agency_id", st.AgencyID.String()),
		zap.String("platform", string(st.Platform)),
		zap.String("account_id", account),
	)
	return msg, nil
}

func (s *OAuthServiceImpl) complete(ctx context.Context, st model.TransitState, in CallbackInput) (string, error) {
	if in.Provider != "" && in.Provider != string(st.Provider) {
		return "", fmt.Errorf("%w: provider mismatch", errs.ErrCsrfMismatch)
	}
	if in.AgencyID != uuid.Nil && in.AgencyID != st.AgencyID {
		return "", fmt.Errorf("%w: state belongs to another agency", errs.ErrCsrfMismatch)
	}
	if in.Error != "" {
		return "", fmt.Errorf("%w: provider reported %q", errs.ErrTokenExchangeFailed, in.Error)
	}
	if in.Code == "" {
		return "", fmt.Errorf("%w: missing code", errs.ErrTokenExchangeFailed)
	}

	client, err := s.clients.Client(st.Provider, st.StoreURL)
	if err != nil {
		return "", err
	}
	tokens, err := client.Exchange(ctx, in.Code)
	if err != nil {
		return "", err
	}
	account, err := client.ResolveAccount(ctx, tokens, st.StoreURL)
	if err != nil {
		return "", err
	}

	tokens.StoreURL = st.StoreURL
	key := model.IntegrationKey{AgencyID: st.AgencyID, Platform: st.Platform, AccountID: account}
	blob, err := s.sealer.Seal(key, tokens)
	if err != nil {
		return "", fmt.Errorf("%w: seal: %v", errs.ErrStorage, err)
	}
	now := s.now().UTC()
	cred := &model.Credential{
		AgencyID:  st.AgencyID,
		Platform:  st.Platform,
		AccountID: account,
		Blob:      blob,
		IsActive:  true,
		Status:    model.StatusConnected,
		LastSync:  &now,
	}
	if err := s.creds.Upsert(ctx, cred); err != nil {
		return "", fmt.Errorf("%w: upsert credential: %v", errs.ErrStorage, err)
	}
	return account, nil
}

func (s *OAuthServiceImpl) publish(m oauth.Message) {
	if s.pub != nil {
		s.pub.Publish(m)
	}
}

// outcome labels an error for metrics.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, errs.ErrCsrfMismatch):
		return "csrf"
	case errors.Is(err, errs.ErrProviderMisconfigured):
		return "misconfigured"
	case errors.Is(err, errs.ErrTokenExchangeFailed):
		return "exchange"
	case errors.Is(err, errs.ErrSyncInProgress):
		return "busy"
	case errors.Is(err, errs.ErrIntegrationNotFound):
		return "not_found"
	case errors.Is(err, errs.ErrCredentialsRevoked):
		return "revoked"
	case errors.Is(err, errs.ErrExternalAPI):
		return "external"
	case errors.Is(err, errs.ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, errs.ErrValidation):
		return "validation"
	case errors.Is(err, errs.ErrStorage):
		return "storage"
	default:
		return "error"
	}
}
