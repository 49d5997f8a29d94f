package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrOrderNotFound        = errors.New("order_not_found")
	ErrPaymentNotFound      = errors.New("payment_not_found")
	ErrOrderMismatch        = errors.New("order_mismatch")
	ErrUnknownGatewayStatus = errors.New("unknown_gateway_status")
	ErrStateConflict        = errors.New("state_conflict")
	ErrInvalidStatus        = errors.New("invalid_status")
	ErrReasonRequired       = errors.New("reason_required")
	ErrPaymentFinalized     = errors.New("payment_finalized")
	ErrOrderNotPaid         = errors.New("order_not_paid")
	ErrNoInventory          = errors.New("no_inventory")
)

// GatewayEvent is one parsed, verified payment notification ready to be
// applied to the state machine.
type GatewayEvent struct {
	OrderID               string
	ExternalID            string
	Status                string
	PriceAmount           int64
	PriceCurrency         string
	PayAmount             string
	PayCurrency           string
	PaidAmount            string
	Confirmations         int
	RequiredConfirmations int
	ExpiresAt             *time.Time
}

// ApplyResult describes how an event landed.
type ApplyResult struct {
	PaymentID   snowflake.ID
	OrderID     string
	FromStatus  PaymentStatus
	ToStatus    PaymentStatus
	OrderStatus OrderStatus
	// Noop is true when the event carried a status the payment already
	// holds, or one behind it that the monotonic rule swallowed.
	Noop bool
	// Fulfilled is true when this event completed key delivery.
	Fulfilled bool
}

// CreateOrderInput seeds a new order before the buyer is sent to the
// gateway.
type CreateOrderInput struct {
	ID          string
	BuyerEmail  string
	UserID      *string
	ProductID   string
	Source      FulfillmentSource
	TotalAmount int64
	Currency    string
}

// OverrideInput carries an audited manual status change.
type OverrideInput struct {
	Status  string
	Reason  string
	ActorID string
}

type Service interface {
	// CreateOrder registers a new order in status created. Re-creating
	// an existing ID is a no-op returning the stored row.
	CreateOrder(ctx context.Context, in CreateOrderInput) (*Order, error)

	// ApplyGatewayEvent runs one verified notification through the
	// payment and order state machines, fulfilling the order when the
	// payment finishes.
	ApplyGatewayEvent(ctx context.Context, ev GatewayEvent) (*ApplyResult, error)

	// RetryFulfillment re-runs key delivery for a paid order whose
	// earlier fulfillment attempt failed.
	RetryFulfillment(ctx context.Context, orderID string, actorID string) error

	// OverrideOrderStatus force-sets an order status with a recorded
	// reason.
	OverrideOrderStatus(ctx context.Context, orderID string, in OverrideInput) (*Order, error)

	// OverridePaymentStatus force-sets a payment status with a recorded
	// reason. Finalized payments can only move to failed or expired.
	OverridePaymentStatus(ctx context.Context, externalID string, in OverrideInput) (*Payment, error)

	// GetOrder returns an order with its payments.
	GetOrder(ctx context.Context, orderID string) (*Order, []Payment, error)

	// ExpireStale sweeps payments past their gateway deadline into
	// expired, mirroring the move onto their orders.
	ExpireStale(ctx context.Context, now time.Time) (int, error)
}
