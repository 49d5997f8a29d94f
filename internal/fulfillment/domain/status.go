package domain

import "strings"

type OrderStatus string

const (
	OrderStatusCreated    OrderStatus = "created"
	OrderStatusWaiting    OrderStatus = "waiting"
	OrderStatusConfirming OrderStatus = "confirming"
	OrderStatusPaid       OrderStatus = "paid"
	OrderStatusFulfilled  OrderStatus = "fulfilled"
	OrderStatusUnderpaid  OrderStatus = "underpaid"
	OrderStatusExpired    OrderStatus = "expired"
	OrderStatusFailed     OrderStatus = "failed"
	OrderStatusRefunded   OrderStatus = "refunded"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

type PaymentStatus string

const (
	PaymentStatusCreated    PaymentStatus = "created"
	PaymentStatusWaiting    PaymentStatus = "waiting"
	PaymentStatusConfirming PaymentStatus = "confirming"
	PaymentStatusFinished   PaymentStatus = "finished"
	PaymentStatusUnderpaid  PaymentStatus = "underpaid"
	PaymentStatusExpired    PaymentStatus = "expired"
	PaymentStatusFailed     PaymentStatus = "failed"
)

// paymentGraph enumerates the gateway-driven transitions. Anything not
// listed is unreachable and rejected; a repeated status is a no-op, not
// a transition.
var paymentGraph = map[PaymentStatus]map[PaymentStatus]struct{}{
	PaymentStatusCreated: {
		PaymentStatusWaiting:    {},
		PaymentStatusConfirming: {},
		PaymentStatusFinished:   {},
		PaymentStatusUnderpaid:  {},
		PaymentStatusExpired:    {},
		PaymentStatusFailed:     {},
	},
	PaymentStatusWaiting: {
		PaymentStatusConfirming: {},
		PaymentStatusFinished:   {},
		PaymentStatusUnderpaid:  {},
		PaymentStatusExpired:    {},
		PaymentStatusFailed:     {},
	},
	PaymentStatusConfirming: {
		PaymentStatusFinished:  {},
		PaymentStatusUnderpaid: {},
		PaymentStatusExpired:   {},
		PaymentStatusFailed:    {},
	},
	PaymentStatusUnderpaid: {
		PaymentStatusFinished: {},
		PaymentStatusExpired:  {},
		PaymentStatusFailed:   {},
	},
	PaymentStatusFinished: {},
	PaymentStatusExpired:  {},
	PaymentStatusFailed:   {},
}

var orderGraph = map[OrderStatus]map[OrderStatus]struct{}{
	OrderStatusCreated: {
		OrderStatusWaiting:    {},
		OrderStatusConfirming: {},
		OrderStatusPaid:       {},
		OrderStatusUnderpaid:  {},
		OrderStatusExpired:    {},
		OrderStatusFailed:     {},
	},
	OrderStatusWaiting: {
		OrderStatusConfirming: {},
		OrderStatusPaid:       {},
		OrderStatusUnderpaid:  {},
		OrderStatusExpired:    {},
		OrderStatusFailed:     {},
	},
	OrderStatusConfirming: {
		OrderStatusPaid:      {},
		OrderStatusUnderpaid: {},
		OrderStatusExpired:   {},
		OrderStatusFailed:    {},
	},
	OrderStatusUnderpaid: {
		OrderStatusPaid:    {},
		OrderStatusExpired: {},
		OrderStatusFailed:  {},
	},
	OrderStatusPaid: {
		OrderStatusFulfilled: {},
	},
	OrderStatusFulfilled: {},
	OrderStatusExpired:   {},
	OrderStatusFailed:    {},
	OrderStatusRefunded:  {},
	OrderStatusCancelled: {},
}

// CanTransitionPayment reports whether a gateway-driven move from one
// payment status to another is legal.
func CanTransitionPayment(from, to PaymentStatus) bool {
	next, ok := paymentGraph[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// CanTransitionOrder reports whether a gateway-driven move from one
// order status to another is legal.
func CanTransitionOrder(from, to OrderStatus) bool {
	next, ok := orderGraph[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// IsTerminalPayment reports whether the payment accepts no further
// gateway-driven transitions.
func IsTerminalPayment(status PaymentStatus) bool {
	return len(paymentGraph[status]) == 0
}

// IsFinalizedPayment reports whether the payment row is immutable
// except through an audited admin override.
func IsFinalizedPayment(status PaymentStatus) bool {
	return status == PaymentStatusFinished || status == PaymentStatusFailed
}

// gatewayStatusMap is the fixed translation from gateway notification
// statuses to internal payment statuses.
var gatewayStatusMap = map[string]PaymentStatus{
	"waiting":        PaymentStatusWaiting,
	"confirming":     PaymentStatusConfirming,
	"confirmed":      PaymentStatusConfirming,
	"sending":        PaymentStatusConfirming,
	"finished":       PaymentStatusFinished,
	"partially_paid": PaymentStatusUnderpaid,
	"underpaid":      PaymentStatusUnderpaid,
	"failed":         PaymentStatusFailed,
	"refunded":       PaymentStatusFailed,
	"expired":        PaymentStatusExpired,
}

// MapGatewayStatus translates a gateway status string. Unknown statuses
// are a validation error, not a silent pass-through.
func MapGatewayStatus(raw string) (PaymentStatus, error) {
	status, ok := gatewayStatusMap[strings.ToLower(strings.TrimSpace(raw))]
	if !ok {
		return "", ErrUnknownGatewayStatus
	}
	return status, nil
}

// OrderStatusFor mirrors a payment status onto the owning order.
func OrderStatusFor(status PaymentStatus) OrderStatus {
	switch status {
	case PaymentStatusWaiting:
		return OrderStatusWaiting
	case PaymentStatusConfirming:
		return OrderStatusConfirming
	case PaymentStatusFinished:
		return OrderStatusPaid
	case PaymentStatusUnderpaid:
		return OrderStatusUnderpaid
	case PaymentStatusExpired:
		return OrderStatusExpired
	case PaymentStatusFailed:
		return OrderStatusFailed
	default:
		return OrderStatusCreated
	}
}

// adminOrderStatuses is the restricted enum accepted by the override
// channel.
var adminOrderStatuses = map[OrderStatus]struct{}{
	OrderStatusCreated:    {},
	OrderStatusWaiting:    {},
	OrderStatusConfirming: {},
	OrderStatusPaid:       {},
	OrderStatusUnderpaid:  {},
	OrderStatusExpired:    {},
	OrderStatusFailed:     {},
	OrderStatusFulfilled:  {},
	OrderStatusRefunded:   {},
	OrderStatusCancelled:  {},
}

func IsAdminOrderStatus(status OrderStatus) bool {
	_, ok := adminOrderStatuses[status]
	return ok
}

var paymentStatuses = map[PaymentStatus]struct{}{
	PaymentStatusCreated:    {},
	PaymentStatusWaiting:    {},
	PaymentStatusConfirming: {},
	PaymentStatusFinished:   {},
	PaymentStatusUnderpaid:  {},
	PaymentStatusExpired:    {},
	PaymentStatusFailed:     {},
}

func IsPaymentStatus(status PaymentStatus) bool {
	_, ok := paymentStatuses[status]
	return ok
}
