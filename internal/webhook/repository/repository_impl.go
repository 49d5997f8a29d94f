package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/keymint/internal/webhook/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

// Insert is insert-or-nothing on the dedup key. clause.OnConflict lets
// each dialector render its native upsert (MySQL has no ON CONFLICT).
func (r *repo) Insert(ctx context.Context, db *gorm.DB, log *domain.WebhookLog) (bool, error) {
	res := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_id"}, {Name: "payload_hash"}},
		DoNothing: true,
	}).Create(log)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindByDedupKey(ctx context.Context, db *gorm.DB, externalID, payloadHash string) (*domain.WebhookLog, error) {
	var item domain.WebhookLog
	err := db.WithContext(ctx).Raw(
		`SELECT id, external_id, payload_hash, webhook_type, gateway_status,
			order_id, payload, signature_valid, outcome, result,
			source_ip, attempt_count, processed_at, created_at, updated_at
		 FROM webhook_logs
		 WHERE external_id = ? AND payload_hash = ?
		 LIMIT 1`,
		externalID, payloadHash,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id int64) (*domain.WebhookLog, error) {
	var item domain.WebhookLog
	err := db.WithContext(ctx).Raw(
		`SELECT id, external_id, payload_hash, webhook_type, gateway_status,
			order_id, payload, signature_valid, outcome, result,
			source_ip, attempt_count, processed_at, created_at, updated_at
		 FROM webhook_logs
		 WHERE id = ?
		 LIMIT 1`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) MarkOutcome(ctx context.Context, db *gorm.DB, id int64, outcome domain.Outcome, result string, orderID *string, processedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE webhook_logs
		 SET outcome = ?, result = ?, order_id = COALESCE(?, order_id),
			 processed_at = ?, updated_at = ?
		 WHERE id = ?`,
		outcome, result, orderID, processedAt, processedAt, id,
	).Error
}

func (r *repo) MarkSignatureValid(ctx context.Context, db *gorm.DB, id int64, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE webhook_logs
		 SET signature_valid = TRUE, updated_at = ?
		 WHERE id = ?`,
		now, id,
	).Error
}

func (r *repo) IncrementAttempt(ctx context.Context, db *gorm.DB, id int64, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE webhook_logs
		 SET attempt_count = attempt_count + 1, updated_at = ?
		 WHERE id = ?`,
		now, id,
	).Error
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]domain.WebhookLog, error) {
	query := `SELECT id, external_id, payload_hash, webhook_type, gateway_status,
			order_id, payload, signature_valid, outcome, result,
			source_ip, attempt_count, processed_at, created_at, updated_at
		 FROM webhook_logs
		 WHERE 1=1`
	args := make([]any, 0, 4)

	if filter.ExternalID != "" {
		query += " AND external_id = ?"
		args = append(args, filter.ExternalID)
	}
	if filter.OrderID != "" {
		query += " AND order_id = ?"
		args = append(args, filter.OrderID)
	}
	if filter.Outcome != "" {
		query += " AND outcome = ?"
		args = append(args, filter.Outcome)
	}
	if filter.AfterID > 0 {
		query += " AND id < ?"
		args = append(args, filter.AfterID)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	items := make([]domain.WebhookLog, 0)
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}
