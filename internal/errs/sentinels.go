// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates failed authentication/authorization of the caller.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrValidation indicates malformed caller input.
	ErrValidation = errors.New("validation")
)

// Integration lifecycle sentinels.
var (
	// ErrProviderMisconfigured indicates missing or placeholder OAuth client credentials.
	ErrProviderMisconfigured = errors.New("provider misconfigured")

	// ErrPopupBlocked indicates the host environment refused to open the consent popup.
	ErrPopupBlocked = errors.New("popup blocked")

	// ErrCsrfMismatch indicates the callback state is unknown, expired, consumed or for another provider.
	ErrCsrfMismatch = errors.New("csrf state mismatch")

	// ErrTokenExchangeFailed indicates the provider rejected the authorization code.
	ErrTokenExchangeFailed = errors.New("token exchange failed")

	// ErrIntegrationNotFound indicates no usable credential is stored for the integration.
	ErrIntegrationNotFound = errors.New("integration not found")

	// ErrExternalAPI indicates a platform reporting API failure during sync.
	ErrExternalAPI = errors.New("external api error")

	// ErrCredentialsRevoked indicates the platform rejected stored credentials (401/invalid_grant).
	ErrCredentialsRevoked = errors.New("credentials revoked")

	// ErrInvalidSignature indicates a webhook failed signature verification.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrStorage indicates a database failure; multi-row writes are rolled back.
	ErrStorage = errors.New("storage error")

	// ErrSyncInProgress indicates another sync holds the integration lock.
	ErrSyncInProgress = errors.New("sync in progress")

	// ErrCancelled indicates the user closed the consent popup before completion.
	ErrCancelled = errors.New("oauth flow cancelled")

	// ErrTimeout indicates the consent flow did not complete in time.
	ErrTimeout = errors.New("oauth flow timed out")
)
