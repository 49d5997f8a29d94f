package store

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/smallbiznis/keymint/internal/clock"
	"github.com/smallbiznis/keymint/internal/config"
	"github.com/smallbiznis/keymint/internal/vault/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DBStore persists ciphertext blobs in the key_objects table and mints
// HMAC-signed, time-limited download links served by the HTTP layer. It
// stands in for a cloud object store in self-hosted deployments; the
// fulfillment core only sees the domain.ObjectStore contract.
type DBStore struct {
	db      *gorm.DB
	log     *zap.Logger
	clk     clock.Clock
	secret  []byte
	baseURL string
}

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
	Cfg   config.Config
}

func NewDBStore(p Params) *DBStore {
	var secret []byte
	if p.Cfg.SignedURLSecret != "" {
		sum := sha256.Sum256([]byte(p.Cfg.SignedURLSecret))
		secret = sum[:]
	}
	return &DBStore{
		db:      p.DB,
		log:     p.Log.Named("vault.store"),
		clk:     p.Clock,
		secret:  secret,
		baseURL: p.Cfg.PublicBaseURL,
	}
}

// keyObject is the persisted blob row. Kept private to the store; the
// rest of the vault only sees domain.StoredKey.
type keyObject struct {
	Path      string    `gorm:"column:path;primaryKey"`
	OrderID   string    `gorm:"column:order_id"`
	Body      string    `gorm:"column:body"`
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (keyObject) TableName() string { return "key_objects" }

// ObjectPath is the stable per-order blob location.
func ObjectPath(orderID string) string {
	return fmt.Sprintf("orders/%s/key.json", orderID)
}

func (s *DBStore) Upload(ctx context.Context, orderID string, key domain.StoredKey) error {
	body, err := json.Marshal(key)
	if err != nil {
		return err
	}

	now := s.clk.Now().UTC()
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "path"}},
		DoUpdates: clause.AssignmentColumns([]string{"body", "updated_at"}),
	}).Create(&keyObject{
		Path:      ObjectPath(orderID),
		OrderID:   orderID,
		Body:      string(body),
		CreatedAt: now,
		UpdatedAt: now,
	}).Error
	if err != nil {
		return wrapStoreErr(err)
	}
	return nil
}

func (s *DBStore) SignedURL(ctx context.Context, orderID string, expiresIn time.Duration) (string, error) {
	if len(s.secret) == 0 {
		return "", domain.ErrStoreUnavailable
	}
	if err := ctx.Err(); err != nil {
		return "", wrapStoreErr(err)
	}

	expires := s.clk.Now().UTC().Add(expiresIn).Unix()
	token := s.sign(orderID, expires)
	return fmt.Sprintf("%s/v1/keys/%s/download?expires=%d&token=%s",
		s.baseURL, orderID, expires, token), nil
}

func (s *DBStore) Delete(ctx context.Context, orderID string) error {
	err := s.db.WithContext(ctx).Exec(
		`DELETE FROM key_objects WHERE path = ?`,
		ObjectPath(orderID),
	).Error
	if err != nil {
		return wrapStoreErr(err)
	}
	return nil
}

func (s *DBStore) HealthCheck(ctx context.Context) bool {
	sqlDB, err := s.db.DB()
	if err != nil {
		return false
	}
	return sqlDB.PingContext(ctx) == nil
}

// Fetch loads the stored blob for signed-URL redemption.
func (s *DBStore) Fetch(ctx context.Context, orderID string) (*domain.StoredKey, error) {
	var body string
	err := s.db.WithContext(ctx).Raw(
		`SELECT body FROM key_objects WHERE path = ? LIMIT 1`,
		ObjectPath(orderID),
	).Scan(&body).Error
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	if body == "" {
		return nil, domain.ErrSecretNotFound
	}

	var key domain.StoredKey
	if err := json.Unmarshal([]byte(body), &key); err != nil {
		return nil, err
	}
	return &key, nil
}

// ValidateToken checks a signed-URL token against its expiry.
func (s *DBStore) ValidateToken(orderID, token string, expires int64) bool {
	if len(s.secret) == 0 || token == "" {
		return false
	}
	if s.clk.Now().UTC().Unix() > expires {
		return false
	}
	expected := s.sign(orderID, expires)
	return hmac.Equal([]byte(token), []byte(expected))
}

func (s *DBStore) sign(orderID string, expires int64) string {
	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write([]byte(ObjectPath(orderID)))
	_, _ = mac.Write([]byte(":"))
	_, _ = mac.Write([]byte(strconv.FormatInt(expires, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

func wrapStoreErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
}
