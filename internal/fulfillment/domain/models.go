package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// FulfillmentSource identifies where an order's secret comes from:
// pre-loaded inventory rows or a reservation made against an upstream
// catalog.
type FulfillmentSource string

const (
	SourceInventory   FulfillmentSource = "inventory"
	SourceReservation FulfillmentSource = "reservation"
)

// Order is the merchant-facing unit of sale. IDs are opaque strings
// minted by the storefront, so the column is TEXT rather than a
// snowflake.
type Order struct {
	ID          string            `gorm:"column:id;primaryKey" json:"id"`
	BuyerEmail  string            `gorm:"column:buyer_email" json:"buyer_email"`
	UserID      *string           `gorm:"column:user_id" json:"user_id,omitempty"`
	ProductID   string            `gorm:"column:product_id;index" json:"product_id"`
	Source      FulfillmentSource `gorm:"column:source" json:"source"`
	TotalAmount int64             `gorm:"column:total_amount" json:"total_amount"`
	Currency    string            `gorm:"column:currency" json:"currency"`
	Status      OrderStatus       `gorm:"column:status;index" json:"status"`
	CreatedAt   time.Time         `gorm:"column:created_at" json:"created_at"`
	UpdatedAt   time.Time         `gorm:"column:updated_at" json:"updated_at"`
}

func (Order) TableName() string { return "orders" }

// Payment is one gateway-side payment attempt for an order. ExternalID
// is the gateway's identifier and is unique per row.
type Payment struct {
	ID                    snowflake.ID  `gorm:"column:id;primaryKey" json:"id"`
	OrderID               string        `gorm:"column:order_id;index" json:"order_id"`
	ExternalID            string        `gorm:"column:external_id;uniqueIndex" json:"external_id"`
	Status                PaymentStatus `gorm:"column:status;index" json:"status"`
	PriceAmount           int64         `gorm:"column:price_amount" json:"price_amount"`
	PriceCurrency         string        `gorm:"column:price_currency" json:"price_currency"`
	PayAmount             string        `gorm:"column:pay_amount" json:"pay_amount"`
	PayCurrency           string        `gorm:"column:pay_currency" json:"pay_currency"`
	PaidAmount            string        `gorm:"column:paid_amount" json:"paid_amount"`
	Confirmations         int           `gorm:"column:confirmations" json:"confirmations"`
	RequiredConfirmations int           `gorm:"column:required_confirmations" json:"required_confirmations"`
	ExpiresAt             *time.Time    `gorm:"column:expires_at" json:"expires_at,omitempty"`
	CreatedAt             time.Time     `gorm:"column:created_at" json:"created_at"`
	UpdatedAt             time.Time     `gorm:"column:updated_at" json:"updated_at"`
}

func (Payment) TableName() string { return "payments" }

// LicenseKey is an inventory row. OrderID is set when the key is
// claimed for fulfillment and never reused afterwards.
type LicenseKey struct {
	ID        snowflake.ID `gorm:"column:id;primaryKey" json:"id"`
	ProductID string       `gorm:"column:product_id;index" json:"product_id"`
	Code      string       `gorm:"column:code" json:"-"`
	OrderID   *string      `gorm:"column:order_id;uniqueIndex" json:"order_id,omitempty"`
	ClaimedAt *time.Time   `gorm:"column:claimed_at" json:"claimed_at,omitempty"`
	CreatedAt time.Time    `gorm:"column:created_at" json:"created_at"`
}

func (LicenseKey) TableName() string { return "license_keys" }
