package domain

import (
	"context"
	"errors"
	"time"
)

type Service interface {
	// Deliver encrypts and stores the secret for an order and returns a
	// time-limited signed download URL. The unique per-order claim makes
	// concurrent delivery attempts collapse to one winner; losers get
	// ErrAlreadyDelivered.
	Deliver(ctx context.Context, orderID, plainSecret string, ttl time.Duration) (string, error)
	// Retrieve decrypts the stored secret for internal and admin flows.
	// Every call, including failed ones, updates the access record.
	Retrieve(ctx context.Context, orderID string, access AccessContext) (string, error)
	// Revoke deletes the stored ciphertext. Audited.
	Revoke(ctx context.Context, orderID string, access AccessContext, reason string) error
	// SignedURL re-issues a download link for an already delivered order.
	SignedURL(ctx context.Context, orderID string, ttl time.Duration) (string, error)
	// AccessTrail returns the access record for an order, if any.
	AccessTrail(ctx context.Context, orderID string) (*KeyAccessRecord, error)
	// RecordDownload bumps the access counters for a signed-URL redemption.
	RecordDownload(ctx context.Context, orderID string, access AccessContext) error
}

// ObjectStore is the consumed contract for ciphertext blobs. Calls are
// bounded by the caller's context deadline.
type ObjectStore interface {
	Upload(ctx context.Context, orderID string, key StoredKey) error
	Fetch(ctx context.Context, orderID string) (*StoredKey, error)
	SignedURL(ctx context.Context, orderID string, expiresIn time.Duration) (string, error)
	Delete(ctx context.Context, orderID string) error
	HealthCheck(ctx context.Context) bool
}

var (
	ErrSecretNotFound   = errors.New("secret_not_found")
	ErrAlreadyDelivered = errors.New("secret_already_delivered")
	// ErrIntegrity marks an AEAD verification failure: the ciphertext,
	// nonce or tag no longer matches what was written. Treated as a
	// potential tamper event and audited as such.
	ErrIntegrity = errors.New("secret_integrity_failure")
	// ErrStoreUnavailable wraps object-store timeouts and outages. The
	// operation is retryable; committed order state is never rolled back
	// because of it.
	ErrStoreUnavailable = errors.New("object_store_unavailable")
	ErrMasterKeyMissing = errors.New("vault_master_key_missing")
)
