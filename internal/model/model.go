// Package model defines domain entities used by services and repositories.
package model

import (
	"encoding/json"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Platform identifies an external data source an agency can connect.
type Platform string

const (
	PlatformMetaAds       Platform = "meta_ads"
	PlatformGoogleAds     Platform = "google_ads"
	PlatformGA4           Platform = "ga4"
	PlatformSearchConsole Platform = "search_console"
	PlatformWooCommerce   Platform = "woocommerce"
)

// Platforms lists every supported platform in a stable order.
func Platforms() []Platform {
	return []Platform{PlatformMetaAds, PlatformGoogleAds, PlatformGA4, PlatformSearchConsole, PlatformWooCommerce}
}

// ParsePlatform validates a platform identifier.
func ParsePlatform(s string) (Platform, bool) {
	for _, p := range Platforms() {
		if string(p) == s {
			return p, true
		}
	}
	return "", false
}

// Provider identifies the OAuth authorization server a platform is connected through.
type Provider string

const (
	ProviderGoogle      Provider = "google"
	ProviderMeta        Provider = "meta"
	ProviderWooCommerce Provider = "woocommerce"
)

// ParseProvider validates a provider identifier.
func ParseProvider(s string) (Provider, bool) {
	switch Provider(s) {
	case ProviderGoogle, ProviderMeta, ProviderWooCommerce:
		return Provider(s), true
	}
	return "", false
}

// Provider returns the OAuth provider that issues tokens for p.
func (p Platform) Provider() Provider {
	switch p {
	case PlatformMetaAds:
		return ProviderMeta
	case PlatformWooCommerce:
		return ProviderWooCommerce
	default:
		return ProviderGoogle
	}
}

// Tokens collects issued access/refresh tokens (refresh optional).
type Tokens struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	// StoreURL is the normalized shop base the tokens were issued by (woocommerce only).
	StoreURL string `json:"store_url,omitempty"`
}

// EncryptedBlob is sealed credential material; only the sealer can open it.
type EncryptedBlob []byte

// Credential is the stored connection of one agency to one platform account.
type Credential struct {
	AgencyID  uuid.UUID
	Platform  Platform
	AccountID string
	Blob      EncryptedBlob // sealed Tokens
	IsActive  bool
	Status    IntegrationStatus // connected | error
	LastError string
	LastSync  *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IntegrationKey addresses a single credential row.
type IntegrationKey struct {
	AgencyID  uuid.UUID
	Platform  Platform
	AccountID string
}

// String renders the key for logs and lock names.
func (k IntegrationKey) String() string {
	return k.AgencyID.String() + "/" + string(k.Platform) + "/" + k.AccountID
}

// Key returns the integration key of the credential.
func (c Credential) Key() IntegrationKey {
	return IntegrationKey{AgencyID: c.AgencyID, Platform: c.Platform, AccountID: c.AccountID}
}

// TransitState is the short-lived CSRF record held between OAuth start and callback.
type TransitState struct {
	State       string    `json:"state"`
	Provider    Provider  `json:"provider"`
	Platform    Platform  `json:"platform"`
	AgencyID    uuid.UUID `json:"agency_id"`
	RedirectURI string    `json:"redirect_uri"`
	StoreURL    string    `json:"store_url,omitempty"` // woocommerce only
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// MetricRecord is one row of platform metrics for (account, entity, date).
type MetricRecord struct {
	AgencyID    uuid.UUID
	Platform    Platform
	AccountID   string
	EntityID    string // campaign, page or store id
	EntityName  string
	Date        time.Time
	Impressions int64
	Clicks      int64
	Spend       float64
	Conversions float64
	Revenue     float64
	CTR         float64
	CPC         float64
	CPA         float64
	ROAS        float64
	Position    float64 // search console only
	Sessions    int64   // ga4 only
	Extra       map[string]float64
}

// RowKey is the upsert identity of a metric row.
type RowKey struct {
	AccountID string
	EntityID  string
	Date      string
}

// Key returns the upsert identity of the record.
func (m MetricRecord) Key() RowKey {
	return RowKey{AccountID: m.AccountID, EntityID: m.EntityID, Date: m.Date.Format(DateLayout)}
}

// SyncResult is reported to callers of a sync job.
type SyncResult struct {
	Success        bool      `json:"success"`
	InsightsSynced int       `json:"insights_synced"`
	Error          string    `json:"error,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// WebhookEvent is a signed inbound notification from a platform.
type WebhookEvent struct {
	Platform  Platform        `json:"-"`
	AgencyID  uuid.UUID       `json:"agency_id"`
	AccountID string          `json:"account_id"`
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Signature string          `json:"signature"`
}

// WebhookLog is the append-only audit row of an accepted webhook.
type WebhookLog struct {
	ID         uuid.UUID
	Platform   Platform
	AgencyID   uuid.UUID
	AccountID  string
	EventType  string
	Payload    json.RawMessage
	ReceivedAt time.Time
	// Error is set when the event was authentic but could not be applied.
	Error string
}

// Order is a store order mirrored from WooCommerce webhooks.
type Order struct {
	AgencyID      uuid.UUID
	AccountID     string
	ExternalID    string
	Status        string
	Currency      string
	Total         float64
	CustomerEmail string
	CreatedAt     time.Time
	Items         []OrderItem
}

// OrderItem is a line item of an Order.
type OrderItem struct {
	ExternalID string
	Name       string
	Quantity   int
	Total      float64
}

// Integration is the listing view of a stored credential.
type Integration struct {
	Platform  Platform          `json:"platform"`
	AccountID string            `json:"account_id"`
	Status    IntegrationStatus `json:"status"`
	LastSync  *time.Time        `json:"last_sync,omitempty"`
	LastError string            `json:"last_error,omitempty"`
}

// OrderOp is the domain mutation a webhook event applies to the orders table.
type OrderOp int

const (
	OrderOpNone OrderOp = iota
	OrderOpUpsert
	OrderOpDelete
)

// OrderMutation pairs an op with the order it targets. For OrderOpDelete only
// AgencyID, AccountID and ExternalID are read.
type OrderMutation struct {
	Op    OrderOp
	Order Order
}
