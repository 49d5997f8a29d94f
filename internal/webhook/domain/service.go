package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var (
	ErrUnsupportedType  = errors.New("unsupported_webhook_type")
	ErrInvalidPayload   = errors.New("invalid_payload")
	ErrLogNotFound      = errors.New("webhook_log_not_found")
	ErrUnverifiedReplay = errors.New("unverified_replay")
	ErrBatchTooLarge    = errors.New("replay_batch_too_large")
)

// Notification is the parsed gateway IPN body. Type defaults to
// "payment" when absent.
type Notification struct {
	Type                  string     `json:"type"`
	OrderID               string     `json:"order_id"`
	ExternalID            string     `json:"payment_id"`
	Status                string     `json:"payment_status"`
	PriceAmount           int64      `json:"price_amount"`
	PriceCurrency         string     `json:"price_currency"`
	PayAmount             string     `json:"pay_amount"`
	PayCurrency           string     `json:"pay_currency"`
	PaidAmount            string     `json:"actually_paid"`
	Confirmations         int        `json:"confirmations"`
	RequiredConfirmations int        `json:"required_confirmations"`
	ExpiresAt             *time.Time `json:"expires_at,omitempty"`
}

// IngestMeta carries transport-level facts about a delivery.
type IngestMeta struct {
	SourceIP  string
	UserAgent string
}

// Ack is the handler-facing result of an ingest. Duplicate deliveries
// and state-conflict no-ops still acknowledge so the gateway stops
// retrying.
type Ack struct {
	LogID     snowflake.ID
	OrderID   string
	Outcome   Outcome
	Duplicate bool
}

// ReplayReport summarizes a bulk replay.
type ReplayReport struct {
	Requested int               `json:"requested"`
	Replayed  int               `json:"replayed"`
	Failed    int               `json:"failed"`
	Errors    map[string]string `json:"errors,omitempty"`
}

type Service interface {
	// IngestIPN verifies, deduplicates and applies one gateway
	// notification.
	IngestIPN(ctx context.Context, raw []byte, sig string, meta IngestMeta) (*Ack, error)
	// Replay re-runs one stored notification through processing.
	// Signature-invalid rows never replay.
	Replay(ctx context.Context, logID snowflake.ID, actorID string) (*Ack, error)
	// ReplayBulk replays up to the configured batch limit of stored
	// notifications.
	ReplayBulk(ctx context.Context, logIDs []snowflake.ID, actorID string) (*ReplayReport, error)
	// List pages through stored webhook logs.
	List(ctx context.Context, filter ListFilter) ([]WebhookLog, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, log *WebhookLog) (bool, error)
	FindByDedupKey(ctx context.Context, db *gorm.DB, externalID, payloadHash string) (*WebhookLog, error)
	FindByID(ctx context.Context, db *gorm.DB, id int64) (*WebhookLog, error)
	MarkOutcome(ctx context.Context, db *gorm.DB, id int64, outcome Outcome, result string, orderID *string, processedAt time.Time) error
	MarkSignatureValid(ctx context.Context, db *gorm.DB, id int64, now time.Time) error
	IncrementAttempt(ctx context.Context, db *gorm.DB, id int64, now time.Time) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]WebhookLog, error)
}
