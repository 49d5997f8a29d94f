package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// InsertSecret claims delivery for an order. Returns false without
	// error when another writer already holds the claim.
	InsertSecret(ctx context.Context, db *gorm.DB, secret *EncryptedSecret) (bool, error)
	FindSecret(ctx context.Context, db *gorm.DB, orderID string) (*EncryptedSecret, error)
	DeleteSecret(ctx context.Context, db *gorm.DB, orderID string) error

	// TouchAccess upserts the access record: creates it on first touch,
	// otherwise increments the counter and overwrites the last-access
	// fields. FirstViewedAt is set at most once.
	TouchAccess(ctx context.Context, db *gorm.DB, id snowflake.ID, orderID string, access AccessContext, reveal bool, now time.Time) error
	FindAccess(ctx context.Context, db *gorm.DB, orderID string) (*KeyAccessRecord, error)
}
