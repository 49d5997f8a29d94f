package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/keymint/internal/audit/domain"
	"github.com/smallbiznis/keymint/internal/clock"
	"github.com/smallbiznis/keymint/internal/config"
	fulfillmentdomain "github.com/smallbiznis/keymint/internal/fulfillment/domain"
	obsmetrics "github.com/smallbiznis/keymint/internal/observability/metrics"
	"github.com/smallbiznis/keymint/internal/webhook/domain"
	"github.com/smallbiznis/keymint/internal/webhook/signature"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const webhookTypePayment = "payment"

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Repo        domain.Repository
	Verifier    *signature.Verifier
	Fulfillment fulfillmentdomain.Service
	AuditSvc    auditdomain.Service
	Policy      *config.FulfillmentPolicyHolder
	ObsMetrics  *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	repo        domain.Repository
	verifier    *signature.Verifier
	fulfillment fulfillmentdomain.Service
	auditSvc    auditdomain.Service
	policy      *config.FulfillmentPolicyHolder
	obsMetrics  *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("webhook.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		repo:        p.Repo,
		verifier:    p.Verifier,
		fulfillment: p.Fulfillment,
		auditSvc:    p.AuditSvc,
		policy:      p.Policy,
		obsMetrics:  p.ObsMetrics,
	}
}

func (s *Service) IngestIPN(ctx context.Context, raw []byte, sig string, meta domain.IngestMeta) (*domain.Ack, error) {
	if err := s.verifier.Verify(raw, sig); err != nil {
		s.recordMetric(ctx, "rejected")
		s.log.Warn("signature verification failed",
			zap.String("source_ip", meta.SourceIP),
			zap.Error(err),
		)
		if errors.Is(err, signature.ErrInvalidSignature) || errors.Is(err, signature.ErrMissingSignature) {
			s.recordUnverified(ctx, raw, meta)
		}
		return nil, err
	}

	notif, err := parseNotification(raw)
	if err != nil {
		s.recordMetric(ctx, "invalid")
		return nil, err
	}

	sum := sha256.Sum256(raw)
	hash := hex.EncodeToString(sum[:])

	now := s.clock.Now()
	row := &domain.WebhookLog{
		ID:             s.genID.Generate(),
		ExternalID:     notif.ExternalID,
		PayloadHash:    hash,
		WebhookType:    notif.Type,
		GatewayStatus:  notif.Status,
		Payload:        datatypes.JSON(raw),
		SignatureValid: true,
		Outcome:        domain.OutcomePending,
		SourceIP:       meta.SourceIP,
		AttemptCount:   1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	inserted, err := s.repo.Insert(ctx, s.db, row)
	if err != nil {
		return nil, err
	}
	if !inserted {
		existing, err := s.repo.FindByDedupKey(ctx, s.db, notif.ExternalID, hash)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, domain.ErrLogNotFound
		}
		if err := s.repo.IncrementAttempt(ctx, s.db, int64(existing.ID), s.clock.Now()); err != nil {
			return nil, err
		}
		if !existing.SignatureValid {
			// A prior unauthenticated delivery of this body; this one
			// carried a valid signature, so the row graduates.
			if err := s.repo.MarkSignatureValid(ctx, s.db, int64(existing.ID), s.clock.Now()); err != nil {
				return nil, err
			}
			existing.SignatureValid = true
		}
		if existing.Outcome == domain.OutcomeProcessed || existing.Outcome == domain.OutcomeDuplicate {
			s.recordMetric(ctx, "duplicate")
			return &domain.Ack{
				LogID:     existing.ID,
				OrderID:   notif.OrderID,
				Outcome:   existing.Outcome,
				Duplicate: true,
			}, nil
		}
		// A pending or failed row gets another processing attempt.
		row = existing
	}

	return s.process(ctx, row, notif)
}

// recordUnverified keeps a compliance trail of deliveries that failed
// signature verification. Best effort: only parseable bodies yield a
// dedup key, and the row never blocks the authentic delivery of the
// same content (failed rows are reprocessed on redelivery).
func (s *Service) recordUnverified(ctx context.Context, raw []byte, meta domain.IngestMeta) {
	notif, err := parseNotification(raw)
	if err != nil {
		return
	}

	sum := sha256.Sum256(raw)
	now := s.clock.Now()
	_, err = s.repo.Insert(ctx, s.db, &domain.WebhookLog{
		ID:             s.genID.Generate(),
		ExternalID:     notif.ExternalID,
		PayloadHash:    hex.EncodeToString(sum[:]),
		WebhookType:    notif.Type,
		GatewayStatus:  notif.Status,
		OrderID:        &notif.OrderID,
		Payload:        datatypes.JSON(raw),
		SignatureValid: false,
		Outcome:        domain.OutcomeFailed,
		Result:         "signature verification failed",
		SourceIP:       meta.SourceIP,
		AttemptCount:   1,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		s.log.Warn("failed to record unverified delivery", zap.Error(err))
	}
}

// process applies the parsed notification and records the outcome on
// the stored row.
func (s *Service) process(ctx context.Context, row *domain.WebhookLog, notif *domain.Notification) (*domain.Ack, error) {
	result, err := s.fulfillment.ApplyGatewayEvent(ctx, fulfillmentdomain.GatewayEvent{
		OrderID:               notif.OrderID,
		ExternalID:            notif.ExternalID,
		Status:                notif.Status,
		PriceAmount:           notif.PriceAmount,
		PriceCurrency:         notif.PriceCurrency,
		PayAmount:             notif.PayAmount,
		PayCurrency:           notif.PayCurrency,
		PaidAmount:            notif.PaidAmount,
		Confirmations:         notif.Confirmations,
		RequiredConfirmations: notif.RequiredConfirmations,
		ExpiresAt:             notif.ExpiresAt,
	})

	now := s.clock.Now()
	orderID := notif.OrderID

	switch {
	case err == nil && result.Noop:
		// Same content hash never lands here; this is a re-signed
		// delivery whose transition was already applied.
		if markErr := s.repo.MarkOutcome(ctx, s.db, int64(row.ID), domain.OutcomeDuplicate, "already_applied", &orderID, now); markErr != nil {
			return nil, markErr
		}
		s.recordMetric(ctx, "duplicate")
		return &domain.Ack{LogID: row.ID, OrderID: orderID, Outcome: domain.OutcomeDuplicate, Duplicate: true}, nil

	case err == nil:
		note := fmt.Sprintf("%s -> %s", result.FromStatus, result.ToStatus)
		if markErr := s.repo.MarkOutcome(ctx, s.db, int64(row.ID), domain.OutcomeProcessed, note, &orderID, now); markErr != nil {
			return nil, markErr
		}
		s.recordMetric(ctx, "processed")
		return &domain.Ack{LogID: row.ID, OrderID: orderID, Outcome: domain.OutcomeProcessed}, nil

	case errors.Is(err, fulfillmentdomain.ErrStateConflict):
		// Out-of-order delivery. Acknowledge so the gateway stops
		// retrying; the row keeps the conflict for operators.
		if markErr := s.repo.MarkOutcome(ctx, s.db, int64(row.ID), domain.OutcomeProcessed, "state_conflict: transition not reachable", &orderID, now); markErr != nil {
			return nil, markErr
		}
		s.recordMetric(ctx, "state_conflict")
		return &domain.Ack{LogID: row.ID, OrderID: orderID, Outcome: domain.OutcomeProcessed}, nil

	default:
		if markErr := s.repo.MarkOutcome(ctx, s.db, int64(row.ID), domain.OutcomeFailed, err.Error(), &orderID, now); markErr != nil {
			s.log.Error("failed to mark webhook log", zap.Error(markErr))
		}
		s.recordMetric(ctx, "failed")
		return nil, err
	}
}

func (s *Service) Replay(ctx context.Context, logID snowflake.ID, actorID string) (*domain.Ack, error) {
	row, err := s.repo.FindByID(ctx, s.db, int64(logID))
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, domain.ErrLogNotFound
	}
	if !row.SignatureValid {
		return nil, domain.ErrUnverifiedReplay
	}

	notif, err := parseNotification(row.Payload)
	if err != nil {
		return nil, err
	}

	if err := s.repo.IncrementAttempt(ctx, s.db, int64(row.ID), s.clock.Now()); err != nil {
		return nil, err
	}
	if err := s.auditSvc.Record(ctx, auditdomain.Entry{
		ActorType: auditdomain.ActorTypeAdmin,
		ActorID:   actorID,
		Action:    "webhook.replayed",
		Target:    "webhook_log",
		TargetID:  row.ID.String(),
		Payload: map[string]any{
			"external_id":    row.ExternalID,
			"gateway_status": row.GatewayStatus,
		},
	}); err != nil {
		s.log.Warn("audit write failed", zap.Error(err))
	}

	return s.process(ctx, row, notif)
}

func (s *Service) ReplayBulk(ctx context.Context, logIDs []snowflake.ID, actorID string) (*domain.ReplayReport, error) {
	limit := s.policy.Get().ReplayBatchLimit
	if limit > 0 && len(logIDs) > limit {
		return nil, domain.ErrBatchTooLarge
	}

	report := &domain.ReplayReport{Requested: len(logIDs)}
	for _, id := range logIDs {
		if _, err := s.Replay(ctx, id, actorID); err != nil {
			report.Failed++
			if report.Errors == nil {
				report.Errors = make(map[string]string)
			}
			report.Errors[id.String()] = err.Error()
			continue
		}
		report.Replayed++
	}
	return report, nil
}

func (s *Service) List(ctx context.Context, filter domain.ListFilter) ([]domain.WebhookLog, error) {
	return s.repo.List(ctx, s.db, filter)
}

func (s *Service) recordMetric(ctx context.Context, outcome string) {
	if s.obsMetrics != nil {
		s.obsMetrics.RecordWebhookEvent(ctx, outcome)
	}
}

// notificationAliases covers the camelCase field spelling some
// storefront integrations send ({orderId, externalId, status}).
type notificationAliases struct {
	OrderID    string `json:"orderId"`
	ExternalID string `json:"externalId"`
	Status     string `json:"status"`
}

func parseNotification(raw []byte) (*domain.Notification, error) {
	var notif domain.Notification
	if err := json.Unmarshal(raw, &notif); err != nil {
		return nil, domain.ErrInvalidPayload
	}

	var aliases notificationAliases
	if err := json.Unmarshal(raw, &aliases); err == nil {
		if notif.OrderID == "" {
			notif.OrderID = aliases.OrderID
		}
		if notif.ExternalID == "" {
			notif.ExternalID = aliases.ExternalID
		}
		if notif.Status == "" {
			notif.Status = aliases.Status
		}
	}

	if notif.Type == "" {
		notif.Type = webhookTypePayment
	}
	if notif.Type != webhookTypePayment {
		return nil, domain.ErrUnsupportedType
	}
	if strings.TrimSpace(notif.OrderID) == "" ||
		strings.TrimSpace(notif.ExternalID) == "" ||
		strings.TrimSpace(notif.Status) == "" {
		return nil, domain.ErrInvalidPayload
	}
	return &notif, nil
}
