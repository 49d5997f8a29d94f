package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/keymint/internal/vault/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

// InsertSecret is the at-most-once delivery claim: insert-or-nothing on
// the unique order_id. clause.OnConflict lets each dialector render its
// native upsert (MySQL has no ON CONFLICT).
func (r *repo) InsertSecret(ctx context.Context, db *gorm.DB, secret *domain.EncryptedSecret) (bool, error) {
	res := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "order_id"}},
		DoNothing: true,
	}).Create(secret)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindSecret(ctx context.Context, db *gorm.DB, orderID string) (*domain.EncryptedSecret, error) {
	var item domain.EncryptedSecret
	err := db.WithContext(ctx).Raw(
		`SELECT id, order_id, wrapped_key, wrap_nonce, wrap_tag, algorithm,
			storage_path, created_at
		 FROM encrypted_secrets
		 WHERE order_id = ?
		 LIMIT 1`,
		orderID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) DeleteSecret(ctx context.Context, db *gorm.DB, orderID string) error {
	return db.WithContext(ctx).Exec(
		`DELETE FROM encrypted_secrets WHERE order_id = ?`,
		orderID,
	).Error
}

func (r *repo) TouchAccess(ctx context.Context, db *gorm.DB, id snowflake.ID, orderID string, access domain.AccessContext, reveal bool, now time.Time) error {
	existing, err := r.FindAccess(ctx, db, orderID)
	if err != nil {
		return err
	}

	if existing == nil {
		record := domain.KeyAccessRecord{
			ID:            id,
			OrderID:       orderID,
			Revealed:      reveal,
			DownloadCount: 1,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if reveal {
			record.FirstViewedAt = &now
		}
		if access.IPAddress != "" {
			record.LastIPAddress = &access.IPAddress
		}
		if access.UserAgent != "" {
			record.LastUserAgent = &access.UserAgent
		}
		res := db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "order_id"}},
			DoNothing: true,
		}).Create(&record)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			return nil
		}
		// Lost the insert race; fall through to the update path.
	}

	stmt := `UPDATE key_access_records
		 SET download_count = download_count + 1,
		     last_ip_address = ?,
		     last_user_agent = ?,
		     updated_at = ?`
	args := []any{nullable(access.IPAddress), nullable(access.UserAgent), now}
	if reveal {
		stmt += `,
		     revealed = TRUE,
		     first_viewed_at = COALESCE(first_viewed_at, ?)`
		args = append(args, now)
	}
	stmt += ` WHERE order_id = ?`
	args = append(args, orderID)

	return db.WithContext(ctx).Exec(stmt, args...).Error
}

func (r *repo) FindAccess(ctx context.Context, db *gorm.DB, orderID string) (*domain.KeyAccessRecord, error) {
	var item domain.KeyAccessRecord
	err := db.WithContext(ctx).Raw(
		`SELECT id, order_id, revealed, first_viewed_at, download_count,
			last_ip_address, last_user_agent, created_at, updated_at
		 FROM key_access_records
		 WHERE order_id = ?
		 LIMIT 1`,
		orderID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func nullable(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
