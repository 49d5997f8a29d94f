package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/keymint/internal/audit/domain"
	"github.com/smallbiznis/keymint/internal/clock"
	"github.com/smallbiznis/keymint/internal/config"
	"github.com/smallbiznis/keymint/internal/distlock"
	"github.com/smallbiznis/keymint/internal/fulfillment/domain"
	obsmetrics "github.com/smallbiznis/keymint/internal/observability/metrics"
	vaultdomain "github.com/smallbiznis/keymint/internal/vault/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       domain.Repository
	Vault      vaultdomain.Service
	AuditSvc   auditdomain.Service
	Policy     *config.FulfillmentPolicyHolder
	Locker     *distlock.Locker    `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       domain.Repository
	vault      vaultdomain.Service
	auditSvc   auditdomain.Service
	policy     *config.FulfillmentPolicyHolder
	locker     *distlock.Locker
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("fulfillment.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		vault:      p.Vault,
		auditSvc:   p.AuditSvc,
		policy:     p.Policy,
		locker:     p.Locker,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) CreateOrder(ctx context.Context, in domain.CreateOrderInput) (*domain.Order, error) {
	if strings.TrimSpace(in.ID) == "" {
		return nil, domain.ErrOrderNotFound
	}
	if in.Source == "" {
		in.Source = domain.SourceInventory
	}
	now := s.clock.Now()
	order := &domain.Order{
		ID:          in.ID,
		BuyerEmail:  in.BuyerEmail,
		UserID:      in.UserID,
		ProductID:   in.ProductID,
		Source:      in.Source,
		TotalAmount: in.TotalAmount,
		Currency:    in.Currency,
		Status:      domain.OrderStatusCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	inserted, err := s.repo.InsertOrder(ctx, s.db, order)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return s.repo.FindOrder(ctx, s.db, in.ID)
	}

	if err := s.auditSvc.Record(ctx, auditdomain.Entry{
		ActorType: auditdomain.ActorTypeSystem,
		Action:    "order.created",
		Target:    "order",
		TargetID:  order.ID,
		Payload: map[string]any{
			"product_id":   order.ProductID,
			"source":       string(order.Source),
			"total_amount": order.TotalAmount,
			"currency":     order.Currency,
		},
	}); err != nil {
		s.log.Warn("audit write failed", zap.Error(err))
	}

	return order, nil
}

// ApplyGatewayEvent moves the payment row (and its order) through the
// state machine. The status write is a conditional update keyed on the
// current status, so duplicate deliveries and racing workers collapse
// to one effective transition.
func (s *Service) ApplyGatewayEvent(ctx context.Context, ev domain.GatewayEvent) (*domain.ApplyResult, error) {
	target, err := domain.MapGatewayStatus(ev.Status)
	if err != nil {
		return nil, err
	}

	order, err := s.repo.FindOrder(ctx, s.db, ev.OrderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, domain.ErrOrderNotFound
	}

	payment, err := s.ensurePayment(ctx, order, ev)
	if err != nil {
		return nil, err
	}
	if payment.OrderID != order.ID {
		return nil, domain.ErrOrderMismatch
	}

	result := &domain.ApplyResult{
		PaymentID:   payment.ID,
		OrderID:     order.ID,
		FromStatus:  payment.Status,
		ToStatus:    target,
		OrderStatus: order.Status,
	}

	if payment.Status == target {
		result.Noop = true
		if target == domain.PaymentStatusFinished {
			// A repeated finish still retries fulfillment if the first
			// attempt never completed key delivery.
			return result, s.maybeFulfill(ctx, order, result)
		}
		return result, nil
	}

	if !domain.CanTransitionPayment(payment.Status, target) {
		return nil, domain.ErrStateConflict
	}

	now := s.clock.Now()
	updated, err := s.repo.UpdatePaymentStatus(ctx, s.db, int64(payment.ID), payment.Status, target, ev, now)
	if err != nil {
		return nil, err
	}
	if !updated {
		// A concurrent writer won the conditional update. If it landed
		// the same status this delivery is a duplicate, otherwise the
		// event is stale.
		fresh, ferr := s.repo.FindPaymentByExternalID(ctx, s.db, ev.ExternalID)
		if ferr != nil {
			return nil, ferr
		}
		if fresh != nil && fresh.Status == target {
			result.Noop = true
			return result, nil
		}
		return nil, domain.ErrStateConflict
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordTransition(ctx, string(payment.Status), string(target))
	}
	if err := s.auditSvc.Record(ctx, auditdomain.Entry{
		ActorType: auditdomain.ActorTypeGateway,
		Action:    "payment.status.changed",
		Target:    "payment",
		TargetID:  ev.ExternalID,
		Payload: map[string]any{
			"order_id":    order.ID,
			"from_status": string(payment.Status),
			"to_status":   string(target),
		},
	}); err != nil {
		s.log.Warn("audit write failed", zap.Error(err))
	}

	orderTarget := domain.OrderStatusFor(target)
	if order.Status != orderTarget && domain.CanTransitionOrder(order.Status, orderTarget) {
		moved, err := s.repo.UpdateOrderStatus(ctx, s.db, order.ID, order.Status, orderTarget, now)
		if err != nil {
			return nil, err
		}
		if moved {
			if err := s.auditSvc.Record(ctx, auditdomain.Entry{
				ActorType: auditdomain.ActorTypeGateway,
				Action:    "order.status.changed",
				Target:    "order",
				TargetID:  order.ID,
				Payload: map[string]any{
					"from_status": string(order.Status),
					"to_status":   string(orderTarget),
				},
			}); err != nil {
				s.log.Warn("audit write failed", zap.Error(err))
			}
			order.Status = orderTarget
		}
	}
	result.OrderStatus = order.Status

	if target == domain.PaymentStatusFinished {
		if err := s.maybeFulfill(ctx, order, result); err != nil {
			return result, err
		}
	}

	return result, nil
}

func (s *Service) ensurePayment(ctx context.Context, order *domain.Order, ev domain.GatewayEvent) (*domain.Payment, error) {
	payment, err := s.repo.FindPaymentByExternalID(ctx, s.db, ev.ExternalID)
	if err != nil {
		return nil, err
	}
	if payment != nil {
		return payment, nil
	}

	now := s.clock.Now()
	fresh := &domain.Payment{
		ID:                    s.genID.Generate(),
		OrderID:               order.ID,
		ExternalID:            ev.ExternalID,
		Status:                domain.PaymentStatusCreated,
		PriceAmount:           ev.PriceAmount,
		PriceCurrency:         ev.PriceCurrency,
		PayAmount:             ev.PayAmount,
		PayCurrency:           ev.PayCurrency,
		PaidAmount:            ev.PaidAmount,
		Confirmations:         ev.Confirmations,
		RequiredConfirmations: ev.RequiredConfirmations,
		ExpiresAt:             ev.ExpiresAt,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	inserted, err := s.repo.InsertPayment(ctx, s.db, fresh)
	if err != nil {
		return nil, err
	}
	if inserted {
		return fresh, nil
	}
	// Lost the insert race; pick up the concurrent writer's row.
	payment, err = s.repo.FindPaymentByExternalID(ctx, s.db, ev.ExternalID)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, domain.ErrPaymentNotFound
	}
	return payment, nil
}

// maybeFulfill runs key delivery for a paid order. Store failures leave
// the order in paid for a later retry; only a completed delivery moves
// it to fulfilled.
func (s *Service) maybeFulfill(ctx context.Context, order *domain.Order, result *domain.ApplyResult) error {
	fresh, err := s.repo.FindOrder(ctx, s.db, order.ID)
	if err != nil {
		return err
	}
	if fresh == nil {
		return domain.ErrOrderNotFound
	}
	if fresh.Status != domain.OrderStatusPaid {
		result.OrderStatus = fresh.Status
		return nil
	}

	lock, acquired, err := s.locker.TryLock(ctx, "fulfill:"+order.ID)
	if err != nil {
		return err
	}
	if !acquired {
		return nil
	}
	defer lock.Release(ctx)

	secret, err := s.resolveSecret(ctx, fresh)
	if err != nil {
		s.recordFulfillmentFailure(ctx, fresh, err)
		return err
	}

	ttl := s.policy.Get().SignedURLTTL
	if _, err := s.vault.Deliver(ctx, fresh.ID, secret, ttl); err != nil {
		if errors.Is(err, vaultdomain.ErrAlreadyDelivered) {
			// Key already in the vault; finish the order move below.
		} else {
			s.recordFulfillmentFailure(ctx, fresh, err)
			return err
		}
	}

	now := s.clock.Now()
	moved, err := s.repo.UpdateOrderStatus(ctx, s.db, fresh.ID, domain.OrderStatusPaid, domain.OrderStatusFulfilled, now)
	if err != nil {
		return err
	}
	if moved {
		result.OrderStatus = domain.OrderStatusFulfilled
		result.Fulfilled = true
		if s.obsMetrics != nil {
			s.obsMetrics.RecordFulfillment(ctx, string(fresh.Source))
			s.obsMetrics.RecordTransition(ctx, string(domain.OrderStatusPaid), string(domain.OrderStatusFulfilled))
		}
		if err := s.auditSvc.Record(ctx, auditdomain.Entry{
			ActorType: auditdomain.ActorTypeSystem,
			Action:    "order.fulfilled",
			Target:    "order",
			TargetID:  fresh.ID,
			Payload: map[string]any{
				"source": string(fresh.Source),
			},
		}); err != nil {
			s.log.Warn("audit write failed", zap.Error(err))
		}
	}
	return nil
}

// resolveSecret picks the secret to deliver: the key claimed earlier
// for this order, or a fresh claim from inventory.
func (s *Service) resolveSecret(ctx context.Context, order *domain.Order) (string, error) {
	claimed, err := s.repo.FindClaimedKey(ctx, s.db, order.ID)
	if err != nil {
		return "", err
	}
	if claimed != nil {
		return claimed.Code, nil
	}

	key, err := s.repo.ClaimLicenseKey(ctx, s.db, order.ProductID, order.ID, s.clock.Now())
	if err != nil {
		return "", err
	}
	if key == nil {
		return "", domain.ErrNoInventory
	}
	return key.Code, nil
}

func (s *Service) recordFulfillmentFailure(ctx context.Context, order *domain.Order, opErr error) {
	s.log.Error("fulfillment failed",
		zap.String("order_id", order.ID),
		zap.Error(opErr),
	)
	if err := s.auditSvc.RecordFailure(ctx, auditdomain.Entry{
		ActorType: auditdomain.ActorTypeSystem,
		Action:    "order.fulfill",
		Target:    "order",
		TargetID:  order.ID,
	}, opErr); err != nil {
		s.log.Warn("audit write failed", zap.Error(err))
	}
}

func (s *Service) RetryFulfillment(ctx context.Context, orderID string, actorID string) error {
	order, err := s.repo.FindOrder(ctx, s.db, orderID)
	if err != nil {
		return err
	}
	if order == nil {
		return domain.ErrOrderNotFound
	}
	if order.Status != domain.OrderStatusPaid {
		return domain.ErrOrderNotPaid
	}

	if err := s.auditSvc.Record(ctx, auditdomain.Entry{
		ActorType: auditdomain.ActorTypeAdmin,
		ActorID:   actorID,
		Action:    "order.fulfillment.retried",
		Target:    "order",
		TargetID:  orderID,
	}); err != nil {
		s.log.Warn("audit write failed", zap.Error(err))
	}

	result := &domain.ApplyResult{OrderID: orderID, OrderStatus: order.Status}
	return s.maybeFulfill(ctx, order, result)
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (*domain.Order, []domain.Payment, error) {
	order, err := s.repo.FindOrder(ctx, s.db, orderID)
	if err != nil {
		return nil, nil, err
	}
	if order == nil {
		return nil, nil, domain.ErrOrderNotFound
	}
	payments, err := s.repo.ListPayments(ctx, s.db, orderID)
	if err != nil {
		return nil, nil, err
	}
	return order, payments, nil
}
