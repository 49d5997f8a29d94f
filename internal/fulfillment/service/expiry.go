package service

import (
	"context"
	"time"

	auditdomain "github.com/smallbiznis/keymint/internal/audit/domain"
	"github.com/smallbiznis/keymint/internal/fulfillment/domain"
	"go.uber.org/zap"
)

const expirySweepBatch = 200

// ExpireStale moves payments past their gateway deadline to expired and
// mirrors the move onto their orders. Payments that finished or failed
// since the candidate query lose the conditional update and are left
// alone.
func (s *Service) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	candidates, err := s.repo.ListExpiredCandidates(ctx, s.db, now, expirySweepBatch)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, payment := range candidates {
		moved, err := s.repo.UpdatePaymentStatus(ctx, s.db, int64(payment.ID), payment.Status, domain.PaymentStatusExpired, domain.GatewayEvent{
			PaidAmount:    payment.PaidAmount,
			Confirmations: payment.Confirmations,
		}, now)
		if err != nil {
			return expired, err
		}
		if !moved {
			continue
		}
		expired++

		if s.obsMetrics != nil {
			s.obsMetrics.RecordTransition(ctx, string(payment.Status), string(domain.PaymentStatusExpired))
		}
		if err := s.auditSvc.Record(ctx, auditdomain.Entry{
			ActorType: auditdomain.ActorTypeSystem,
			Action:    "payment.expired",
			Target:    "payment",
			TargetID:  payment.ExternalID,
			Payload: map[string]any{
				"order_id":    payment.OrderID,
				"from_status": string(payment.Status),
			},
		}); err != nil {
			s.log.Warn("audit write failed", zap.Error(err))
		}

		order, err := s.repo.FindOrder(ctx, s.db, payment.OrderID)
		if err != nil {
			return expired, err
		}
		if order == nil {
			continue
		}
		if domain.CanTransitionOrder(order.Status, domain.OrderStatusExpired) {
			if _, err := s.repo.UpdateOrderStatus(ctx, s.db, order.ID, order.Status, domain.OrderStatusExpired, now); err != nil {
				return expired, err
			}
		}
	}

	if expired > 0 {
		s.log.Info("expiry sweep", zap.Int("expired", expired))
	}
	return expired, nil
}

// RunExpirySweeper ticks ExpireStale until the context is cancelled.
// The interval re-reads the policy each tick so hot reloads apply
// without a restart.
func (s *Service) RunExpirySweeper(ctx context.Context) {
	for {
		interval := s.policy.Get().ExpirySweepInterval
		if interval <= 0 {
			interval = time.Minute
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
			if _, err := s.ExpireStale(ctx, s.clock.Now()); err != nil {
				s.log.Error("expiry sweep failed", zap.Error(err))
			}
		}
	}
}
