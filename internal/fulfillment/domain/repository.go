package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Repository is the persistence port for orders, payments and license
// inventory. Status writes are conditional on the current status so a
// concurrent writer loses cleanly instead of clobbering.
type Repository interface {
	InsertOrder(ctx context.Context, db *gorm.DB, order *Order) (bool, error)
	FindOrder(ctx context.Context, db *gorm.DB, orderID string) (*Order, error)
	UpdateOrderStatus(ctx context.Context, db *gorm.DB, orderID string, from, to OrderStatus, now time.Time) (bool, error)
	ForceOrderStatus(ctx context.Context, db *gorm.DB, orderID string, to OrderStatus, now time.Time) error

	InsertPayment(ctx context.Context, db *gorm.DB, payment *Payment) (bool, error)
	FindPaymentByExternalID(ctx context.Context, db *gorm.DB, externalID string) (*Payment, error)
	UpdatePaymentStatus(ctx context.Context, db *gorm.DB, paymentID int64, from, to PaymentStatus, ev GatewayEvent, now time.Time) (bool, error)
	ForcePaymentStatus(ctx context.Context, db *gorm.DB, paymentID int64, to PaymentStatus, now time.Time) error
	ListPayments(ctx context.Context, db *gorm.DB, orderID string) ([]Payment, error)
	ListExpiredCandidates(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Payment, error)

	ClaimLicenseKey(ctx context.Context, db *gorm.DB, productID, orderID string, now time.Time) (*LicenseKey, error)
	FindClaimedKey(ctx context.Context, db *gorm.DB, orderID string) (*LicenseKey, error)
	AddLicenseKey(ctx context.Context, db *gorm.DB, key *LicenseKey) error
}
