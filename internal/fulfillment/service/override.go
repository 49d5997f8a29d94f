package service

import (
	"context"
	"strings"

	auditdomain "github.com/smallbiznis/keymint/internal/audit/domain"
	"github.com/smallbiznis/keymint/internal/fulfillment/domain"
	"go.uber.org/zap"
)

func (s *Service) validateReason(reason string) error {
	if len(strings.TrimSpace(reason)) < s.policy.Get().MinOverrideReason {
		return domain.ErrReasonRequired
	}
	return nil
}

// OverrideOrderStatus bypasses the transition graph. Every call needs a
// reason; the from/to pair and the reason land in the audit log.
func (s *Service) OverrideOrderStatus(ctx context.Context, orderID string, in domain.OverrideInput) (*domain.Order, error) {
	target := domain.OrderStatus(in.Status)
	if !domain.IsAdminOrderStatus(target) {
		return nil, domain.ErrInvalidStatus
	}
	if err := s.validateReason(in.Reason); err != nil {
		return nil, err
	}

	order, err := s.repo.FindOrder(ctx, s.db, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, domain.ErrOrderNotFound
	}

	from := order.Status
	if from != target {
		now := s.clock.Now()
		if err := s.repo.ForceOrderStatus(ctx, s.db, orderID, target, now); err != nil {
			return nil, err
		}
		order.Status = target
		order.UpdatedAt = now
		if s.obsMetrics != nil {
			s.obsMetrics.RecordTransition(ctx, string(from), string(target))
		}
	}

	if err := s.auditSvc.Record(ctx, auditdomain.Entry{
		ActorType: auditdomain.ActorTypeAdmin,
		ActorID:   in.ActorID,
		Action:    "order.status.overridden",
		Target:    "order",
		TargetID:  orderID,
		Payload: map[string]any{
			"from_status": string(from),
			"to_status":   string(target),
			"reason":      in.Reason,
		},
	}); err != nil {
		s.log.Warn("audit write failed", zap.Error(err))
	}

	return order, nil
}

// OverridePaymentStatus bypasses the gateway graph for one payment.
// Finalized payments (finished, failed) never reopen toward created,
// waiting or confirming; they may only be corrected to failed or
// expired.
func (s *Service) OverridePaymentStatus(ctx context.Context, externalID string, in domain.OverrideInput) (*domain.Payment, error) {
	target := domain.PaymentStatus(in.Status)
	if !domain.IsPaymentStatus(target) {
		return nil, domain.ErrInvalidStatus
	}
	if err := s.validateReason(in.Reason); err != nil {
		return nil, err
	}

	payment, err := s.repo.FindPaymentByExternalID(ctx, s.db, externalID)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, domain.ErrPaymentNotFound
	}

	if domain.IsFinalizedPayment(payment.Status) &&
		target != domain.PaymentStatusFailed &&
		target != domain.PaymentStatusExpired {
		return nil, domain.ErrPaymentFinalized
	}

	from := payment.Status
	if from != target {
		now := s.clock.Now()
		if err := s.repo.ForcePaymentStatus(ctx, s.db, int64(payment.ID), target, now); err != nil {
			return nil, err
		}
		payment.Status = target
		payment.UpdatedAt = now
		if s.obsMetrics != nil {
			s.obsMetrics.RecordTransition(ctx, string(from), string(target))
		}
	}

	if err := s.auditSvc.Record(ctx, auditdomain.Entry{
		ActorType: auditdomain.ActorTypeAdmin,
		ActorID:   in.ActorID,
		Action:    "payment.status.overridden",
		Target:    "payment",
		TargetID:  externalID,
		Payload: map[string]any{
			"order_id":    payment.OrderID,
			"from_status": string(from),
			"to_status":   string(target),
			"reason":      in.Reason,
		},
	}); err != nil {
		s.log.Warn("audit write failed", zap.Error(err))
	}

	return payment, nil
}
