package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// EncryptedSecret is the per-order record of a delivered key. The data
// key is wrapped under the master key; the secret itself lives in the
// object store. Rows are never updated in place: rotation means
// re-encrypt and replace.
type EncryptedSecret struct {
	ID          snowflake.ID `json:"id" gorm:"primaryKey"`
	OrderID     string       `json:"order_id" gorm:"type:text;not null;uniqueIndex"`
	WrappedKey  string       `json:"-" gorm:"type:text;not null"`
	WrapNonce   string       `json:"-" gorm:"type:text;not null"`
	WrapTag     string       `json:"-" gorm:"type:text;not null"`
	Algorithm   string       `json:"algorithm" gorm:"type:text;not null"`
	StoragePath string       `json:"storage_path" gorm:"type:text;not null"`
	CreatedAt   time.Time    `json:"created_at" gorm:"not null"`
}

func (EncryptedSecret) TableName() string { return "encrypted_secrets" }

// KeyAccessRecord tracks every reveal and download of one order's
// secret. CreatedAt and FirstViewedAt are immutable once set; the
// counter and last-access fields move on every access.
type KeyAccessRecord struct {
	ID            snowflake.ID `json:"id" gorm:"primaryKey"`
	OrderID       string       `json:"order_id" gorm:"type:text;not null;uniqueIndex"`
	Revealed      bool         `json:"revealed" gorm:"not null;default:false"`
	FirstViewedAt *time.Time   `json:"first_viewed_at"`
	DownloadCount int64        `json:"download_count" gorm:"not null;default:0"`
	LastIPAddress *string      `json:"last_ip_address" gorm:"type:text"`
	LastUserAgent *string      `json:"last_user_agent" gorm:"type:text"`
	CreatedAt     time.Time    `json:"created_at" gorm:"not null"`
	UpdatedAt     time.Time    `json:"updated_at" gorm:"not null"`
}

func (KeyAccessRecord) TableName() string { return "key_access_records" }

// AccessContext identifies who touched a secret and from where.
type AccessContext struct {
	ActorType string
	ActorID   string
	IPAddress string
	UserAgent string
}

// StoredKey is the blob persisted at orders/{orderID}/key.json.
type StoredKey struct {
	Ciphertext string `json:"encryptedKey"`
	Nonce      string `json:"encryptionIv"`
	Tag        string `json:"authTag"`
	Algorithm  string `json:"algorithm"`
}
