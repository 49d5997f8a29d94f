package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type ActorType string

const (
	ActorTypeSystem  ActorType = "system"
	ActorTypeGateway ActorType = "gateway"
	ActorTypeAdmin   ActorType = "admin"
	ActorTypeBuyer   ActorType = "buyer"
)

// AuditLog is a write-once record of a state transition, admin override,
// or secret-access event. Rows are never updated or deleted.
type AuditLog struct {
	ID         snowflake.ID      `json:"id" gorm:"primaryKey"`
	ActorType  string            `json:"actor_type" gorm:"type:text;not null"`
	ActorID    *string           `json:"actor_id" gorm:"type:text"`
	Action     string            `json:"action" gorm:"type:text;not null;index"`
	TargetType string            `json:"target_type" gorm:"type:text;not null"`
	TargetID   *string           `json:"target_id" gorm:"type:text;index"`
	Metadata   datatypes.JSONMap `json:"metadata" gorm:"type:jsonb"`
	Details    string            `json:"details" gorm:"type:text"`
	IPAddress  *string           `json:"ip_address" gorm:"type:text"`
	UserAgent  *string           `json:"user_agent" gorm:"type:text"`
	CreatedAt  time.Time         `json:"created_at" gorm:"not null;index"`
}

func (AuditLog) TableName() string { return "audit_logs" }

type AuditCursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}

type ListFilter struct {
	ActorType string
	ActorID   string
	Action    string
	TargetID  string
	StartAt   *time.Time
	EndAt     *time.Time
	Cursor    *AuditCursor
	Limit     int
}
