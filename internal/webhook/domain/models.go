package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeProcessed Outcome = "processed"
	OutcomeFailed    Outcome = "failed"
	// OutcomeDuplicate marks a notification whose content differed from
	// earlier deliveries but whose transition had already been applied.
	OutcomeDuplicate Outcome = "duplicate"
)

// WebhookLog is the persisted record of one received notification.
// The unique (external_id, payload_hash) pair is the dedup key: a
// byte-identical redelivery lands on the existing row instead of a new
// one.
type WebhookLog struct {
	ID             snowflake.ID   `gorm:"column:id;primaryKey" json:"id"`
	ExternalID     string         `gorm:"column:external_id;uniqueIndex:idx_webhook_dedup" json:"external_id"`
	PayloadHash    string         `gorm:"column:payload_hash;uniqueIndex:idx_webhook_dedup" json:"payload_hash"`
	WebhookType    string         `gorm:"column:webhook_type" json:"webhook_type"`
	GatewayStatus  string         `gorm:"column:gateway_status" json:"gateway_status"`
	OrderID        *string        `gorm:"column:order_id;index" json:"order_id,omitempty"`
	Payload        datatypes.JSON `gorm:"column:payload" json:"payload"`
	SignatureValid bool           `gorm:"column:signature_valid" json:"signature_valid"`
	Outcome        Outcome        `gorm:"column:outcome;index" json:"outcome"`
	Result         string         `gorm:"column:result" json:"result"`
	SourceIP       string         `gorm:"column:source_ip" json:"source_ip"`
	AttemptCount   int            `gorm:"column:attempt_count" json:"attempt_count"`
	ProcessedAt    *time.Time     `gorm:"column:processed_at" json:"processed_at,omitempty"`
	CreatedAt      time.Time      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"column:updated_at" json:"updated_at"`
}

func (WebhookLog) TableName() string { return "webhook_logs" }

// ListFilter narrows webhook log queries.
type ListFilter struct {
	ExternalID string
	OrderID    string
	Outcome    string
	Limit      int
	AfterID    int64
}
