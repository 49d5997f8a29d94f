package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/keymint/internal/fulfillment/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

// Inserts are insert-or-nothing through clause.OnConflict so each
// dialector renders its native upsert (MySQL has no ON CONFLICT).
func (r *repo) InsertOrder(ctx context.Context, db *gorm.DB, order *domain.Order) (bool, error) {
	res := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoNothing: true,
	}).Create(order)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindOrder(ctx context.Context, db *gorm.DB, orderID string) (*domain.Order, error) {
	var item domain.Order
	err := db.WithContext(ctx).Raw(
		`SELECT id, buyer_email, user_id, product_id, source,
			total_amount, currency, status, created_at, updated_at
		 FROM orders
		 WHERE id = ?
		 LIMIT 1`,
		orderID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == "" {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) UpdateOrderStatus(ctx context.Context, db *gorm.DB, orderID string, from, to domain.OrderStatus, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE orders
		 SET status = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		to, now, orderID, from,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ForceOrderStatus(ctx context.Context, db *gorm.DB, orderID string, to domain.OrderStatus, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE orders
		 SET status = ?, updated_at = ?
		 WHERE id = ?`,
		to, now, orderID,
	).Error
}

func (r *repo) InsertPayment(ctx context.Context, db *gorm.DB, payment *domain.Payment) (bool, error) {
	res := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_id"}},
		DoNothing: true,
	}).Create(payment)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindPaymentByExternalID(ctx context.Context, db *gorm.DB, externalID string) (*domain.Payment, error) {
	var item domain.Payment
	err := db.WithContext(ctx).Raw(
		`SELECT id, order_id, external_id, status,
			price_amount, price_currency, pay_amount, pay_currency,
			paid_amount, confirmations, required_confirmations,
			expires_at, created_at, updated_at
		 FROM payments
		 WHERE external_id = ?
		 LIMIT 1`,
		externalID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) UpdatePaymentStatus(ctx context.Context, db *gorm.DB, paymentID int64, from, to domain.PaymentStatus, ev domain.GatewayEvent, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payments
		 SET status = ?, paid_amount = ?, confirmations = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		to, ev.PaidAmount, ev.Confirmations, now, paymentID, from,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ForcePaymentStatus(ctx context.Context, db *gorm.DB, paymentID int64, to domain.PaymentStatus, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payments
		 SET status = ?, updated_at = ?
		 WHERE id = ?`,
		to, now, paymentID,
	).Error
}

func (r *repo) ListPayments(ctx context.Context, db *gorm.DB, orderID string) ([]domain.Payment, error) {
	items := make([]domain.Payment, 0)
	err := db.WithContext(ctx).Raw(
		`SELECT id, order_id, external_id, status,
			price_amount, price_currency, pay_amount, pay_currency,
			paid_amount, confirmations, required_confirmations,
			expires_at, created_at, updated_at
		 FROM payments
		 WHERE order_id = ?
		 ORDER BY created_at ASC`,
		orderID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListExpiredCandidates(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.Payment, error) {
	items := make([]domain.Payment, 0)
	err := db.WithContext(ctx).Raw(
		`SELECT id, order_id, external_id, status,
			price_amount, price_currency, pay_amount, pay_currency,
			paid_amount, confirmations, required_confirmations,
			expires_at, created_at, updated_at
		 FROM payments
		 WHERE status IN ('created', 'waiting', 'confirming')
		   AND expires_at IS NOT NULL
		   AND expires_at < ?
		 ORDER BY expires_at ASC
		 LIMIT ?`,
		now, limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ClaimLicenseKey(ctx context.Context, db *gorm.DB, productID, orderID string, now time.Time) (*domain.LicenseKey, error) {
	// The candidate subquery is wrapped in a derived table because
	// MySQL rejects an UPDATE whose subquery reads the updated table.
	res := db.WithContext(ctx).Exec(
		`UPDATE license_keys
		 SET order_id = ?, claimed_at = ?
		 WHERE id = (
			SELECT id FROM (
				SELECT id FROM license_keys
				WHERE product_id = ? AND order_id IS NULL
				ORDER BY id ASC
				LIMIT 1
			) AS candidate
		 ) AND order_id IS NULL`,
		orderID, now, productID,
	)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return r.FindClaimedKey(ctx, db, orderID)
}

func (r *repo) FindClaimedKey(ctx context.Context, db *gorm.DB, orderID string) (*domain.LicenseKey, error) {
	var item domain.LicenseKey
	err := db.WithContext(ctx).Raw(
		`SELECT id, product_id, code, order_id, claimed_at, created_at
		 FROM license_keys
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

func (r *repo) AddLicenseKey(ctx context.Context, db *gorm.DB, key *domain.LicenseKey) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO license_keys (
			id, product_id, code, order_id, claimed_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?)`,
		key.ID,
		key.ProductID,
		key.Code,
		key.OrderID,
		key.ClaimedAt,
		key.CreatedAt,
	).Error
}
