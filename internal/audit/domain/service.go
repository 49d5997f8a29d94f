package domain

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/keymint/pkg/db/pagination"
	"gorm.io/gorm"
)

// Entry is the caller-facing shape of one audit record. The payload is
// sanitized before persistence; callers cannot opt out.
type Entry struct {
	ActorType ActorType
	ActorID   string
	Action    string
	Target    string
	TargetID  string
	Payload   map[string]any
	Details   string
}

type ListAuditLogRequest struct {
	pagination.Pagination
	ActorType string
	ActorID   string
	Action    string
	TargetID  string
	StartAt   *time.Time
	EndAt     *time.Time
}

type ListAuditLogResponse struct {
	pagination.PageInfo
	AuditLogs []AuditLog `json:"audit_logs"`
}

type Service interface {
	// Record writes one entry. Failed operations are recorded via
	// RecordFailure, never by mutating a success entry.
	Record(ctx context.Context, entry Entry) error
	// RecordFailure writes the companion entry for a failed operation,
	// with the action suffixed ".failed" and the error in details.
	RecordFailure(ctx context.Context, entry Entry, opErr error) error
	List(ctx context.Context, req ListAuditLogRequest) (ListAuditLogResponse, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *AuditLog) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*AuditLog, error)
}

var (
	ErrInvalidAction    = errors.New("invalid_action")
	ErrInvalidPageToken = errors.New("invalid_page_token")
	ErrInvalidTimeRange = errors.New("invalid_time_range")
)
