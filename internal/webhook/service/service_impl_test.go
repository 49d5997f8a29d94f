package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/keymint/internal/audit/domain"
	"github.com/smallbiznis/keymint/internal/clock"
	"github.com/smallbiznis/keymint/internal/config"
	fulfillmentdomain "github.com/smallbiznis/keymint/internal/fulfillment/domain"
	"github.com/smallbiznis/keymint/internal/webhook/domain"
	"github.com/smallbiznis/keymint/internal/webhook/repository"
	"github.com/smallbiznis/keymint/internal/webhook/signature"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type auditStub struct{}

func (auditStub) Record(context.Context, auditdomain.Entry) error { return nil }
func (auditStub) RecordFailure(context.Context, auditdomain.Entry, error) error {
	return nil
}
func (auditStub) List(context.Context, auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	return auditdomain.ListAuditLogResponse{}, nil
}

type fulfillmentStub struct {
	calls   []fulfillmentdomain.GatewayEvent
	noop    bool
	failErr error
}

func (f *fulfillmentStub) ApplyGatewayEvent(_ context.Context, ev fulfillmentdomain.GatewayEvent) (*fulfillmentdomain.ApplyResult, error) {
	f.calls = append(f.calls, ev)
	if f.failErr != nil {
		return nil, f.failErr
	}
	return &fulfillmentdomain.ApplyResult{
		OrderID:    ev.OrderID,
		FromStatus: fulfillmentdomain.PaymentStatusWaiting,
		ToStatus:   fulfillmentdomain.PaymentStatusFinished,
		Noop:       f.noop,
	}, nil
}

func (f *fulfillmentStub) CreateOrder(context.Context, fulfillmentdomain.CreateOrderInput) (*fulfillmentdomain.Order, error) {
	return nil, nil
}
func (f *fulfillmentStub) RetryFulfillment(context.Context, string, string) error { return nil }
func (f *fulfillmentStub) OverrideOrderStatus(context.Context, string, fulfillmentdomain.OverrideInput) (*fulfillmentdomain.Order, error) {
	return nil, nil
}
func (f *fulfillmentStub) OverridePaymentStatus(context.Context, string, fulfillmentdomain.OverrideInput) (*fulfillmentdomain.Payment, error) {
	return nil, nil
}
func (f *fulfillmentStub) GetOrder(context.Context, string) (*fulfillmentdomain.Order, []fulfillmentdomain.Payment, error) {
	return nil, nil, nil
}
func (f *fulfillmentStub) ExpireStale(context.Context, time.Time) (int, error) { return 0, nil }

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	schema := []string{
		`CREATE TABLE webhook_logs (
			id BIGINT PRIMARY KEY,
			external_id TEXT NOT NULL,
			payload_hash TEXT NOT NULL,
			webhook_type TEXT NOT NULL DEFAULT 'payment',
			gateway_status TEXT NOT NULL DEFAULT '',
			order_id TEXT,
			payload TEXT,
			signature_valid BOOLEAN NOT NULL DEFAULT FALSE,
			outcome TEXT NOT NULL DEFAULT 'pending',
			result TEXT NOT NULL DEFAULT '',
			source_ip TEXT NOT NULL DEFAULT '',
			attempt_count INTEGER NOT NULL DEFAULT 0,
			processed_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE UNIQUE INDEX idx_webhook_dedup ON webhook_logs (external_id, payload_hash)`,
	}
	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}

const testSecret = "ipn-shared-secret"

func newTestService(t *testing.T, db *gorm.DB, fulfillment fulfillmentdomain.Service) (domain.Service, *signature.Verifier) {
	t.Helper()

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	verifier := signature.NewVerifier(testSecret)
	svc := NewService(Params{
		DB:          db,
		Log:         zap.NewNop(),
		GenID:       node,
		Clock:       clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		Repo:        repository.Provide(),
		Verifier:    verifier,
		Fulfillment: fulfillment,
		AuditSvc:    auditStub{},
		Policy:      config.StaticFulfillmentPolicyHolder(config.DefaultFulfillmentPolicy()),
	})
	return svc, verifier
}

func signedBody(v *signature.Verifier, body string) ([]byte, string) {
	raw := []byte(body)
	return raw, v.Sign(raw)
}

func TestIngestIPNProcessesNotification(t *testing.T) {
	db := setupTestDB(t)
	fulfillment := &fulfillmentStub{}
	svc, verifier := newTestService(t, db, fulfillment)

	raw, sig := signedBody(verifier, `{"order_id":"o-1","payment_id":"p-1","payment_status":"finished","actually_paid":"0.0042"}`)

	ack, err := svc.IngestIPN(context.Background(), raw, sig, domain.IngestMeta{SourceIP: "203.0.113.9"})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeProcessed, ack.Outcome)
	assert.False(t, ack.Duplicate)

	require.Len(t, fulfillment.calls, 1)
	assert.Equal(t, "o-1", fulfillment.calls[0].OrderID)
	assert.Equal(t, "p-1", fulfillment.calls[0].ExternalID)
	assert.Equal(t, "finished", fulfillment.calls[0].Status)
	assert.Equal(t, "0.0042", fulfillment.calls[0].PaidAmount)

	logs, err := svc.List(context.Background(), domain.ListFilter{ExternalID: "p-1"})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, domain.OutcomeProcessed, logs[0].Outcome)
	assert.True(t, logs[0].SignatureValid)
	assert.Equal(t, 1, logs[0].AttemptCount)
	assert.Equal(t, "203.0.113.9", logs[0].SourceIP)
}

func TestIngestIPNRejectsBadSignatures(t *testing.T) {
	db := setupTestDB(t)
	fulfillment := &fulfillmentStub{}
	svc, verifier := newTestService(t, db, fulfillment)
	ctx := context.Background()

	_, err := svc.IngestIPN(ctx, nil, "", domain.IngestMeta{})
	assert.ErrorIs(t, err, signature.ErrMissingBody)

	raw := []byte(`{"order_id":"o-1","payment_id":"p-1","payment_status":"finished"}`)
	_, err = svc.IngestIPN(ctx, raw, "", domain.IngestMeta{SourceIP: "198.51.100.7"})
	assert.ErrorIs(t, err, signature.ErrMissingSignature)

	// Valid signature over different bytes.
	_, sig := signedBody(verifier, `{"order_id":"o-2"}`)
	_, err = svc.IngestIPN(ctx, raw, sig, domain.IngestMeta{})
	assert.ErrorIs(t, err, signature.ErrInvalidSignature)

	// Nothing reached the state machine, but the unverified delivery
	// left a compliance trail (one row; both attempts carried the same
	// body so they share a dedup key).
	assert.Empty(t, fulfillment.calls)
	logs, err := svc.List(ctx, domain.ListFilter{})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.False(t, logs[0].SignatureValid)
	assert.Equal(t, domain.OutcomeFailed, logs[0].Outcome)
	assert.Equal(t, "signature verification failed", logs[0].Result)
	assert.Equal(t, "198.51.100.7", logs[0].SourceIP)
}

func TestIngestIPNUnparseableBodyWithBadSignatureStoresNothing(t *testing.T) {
	db := setupTestDB(t)
	fulfillment := &fulfillmentStub{}
	svc, _ := newTestService(t, db, fulfillment)
	ctx := context.Background()

	_, err := svc.IngestIPN(ctx, []byte(`not json`), "deadbeef", domain.IngestMeta{})
	assert.ErrorIs(t, err, signature.ErrInvalidSignature)

	logs, err := svc.List(ctx, domain.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestReplayRejectsUnverifiedRow(t *testing.T) {
	db := setupTestDB(t)
	fulfillment := &fulfillmentStub{}
	svc, _ := newTestService(t, db, fulfillment)
	ctx := context.Background()

	raw := []byte(`{"order_id":"o-1","payment_id":"p-1","payment_status":"finished"}`)
	_, err := svc.IngestIPN(ctx, raw, "deadbeef", domain.IngestMeta{})
	require.ErrorIs(t, err, signature.ErrInvalidSignature)

	logs, err := svc.List(ctx, domain.ListFilter{})
	require.NoError(t, err)
	require.Len(t, logs, 1)

	_, err = svc.Replay(ctx, logs[0].ID, "admin-1")
	assert.ErrorIs(t, err, domain.ErrUnverifiedReplay)
	assert.Empty(t, fulfillment.calls)
}

func TestIngestIPNValidRedeliveryGraduatesUnverifiedRow(t *testing.T) {
	db := setupTestDB(t)
	fulfillment := &fulfillmentStub{}
	svc, verifier := newTestService(t, db, fulfillment)
	ctx := context.Background()

	raw, sig := signedBody(verifier, `{"order_id":"o-1","payment_id":"p-1","payment_status":"finished"}`)

	_, err := svc.IngestIPN(ctx, raw, "deadbeef", domain.IngestMeta{})
	require.ErrorIs(t, err, signature.ErrInvalidSignature)
	assert.Empty(t, fulfillment.calls)

	// The authentic delivery of the same body reuses the stored row.
	ack, err := svc.IngestIPN(ctx, raw, sig, domain.IngestMeta{})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeProcessed, ack.Outcome)
	assert.Len(t, fulfillment.calls, 1)

	logs, err := svc.List(ctx, domain.ListFilter{ExternalID: "p-1"})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.True(t, logs[0].SignatureValid)
	assert.Equal(t, domain.OutcomeProcessed, logs[0].Outcome)
	assert.Equal(t, 2, logs[0].AttemptCount)
}

func TestIngestIPNAcceptsCamelCaseFields(t *testing.T) {
	db := setupTestDB(t)
	fulfillment := &fulfillmentStub{}
	svc, verifier := newTestService(t, db, fulfillment)

	raw, sig := signedBody(verifier, `{"orderId":"o-7","externalId":"p-7","status":"finished"}`)

	ack, err := svc.IngestIPN(context.Background(), raw, sig, domain.IngestMeta{})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeProcessed, ack.Outcome)

	require.Len(t, fulfillment.calls, 1)
	assert.Equal(t, "o-7", fulfillment.calls[0].OrderID)
	assert.Equal(t, "p-7", fulfillment.calls[0].ExternalID)
	assert.Equal(t, "finished", fulfillment.calls[0].Status)
}

func TestIngestIPNDeduplicatesIdenticalDeliveries(t *testing.T) {
	db := setupTestDB(t)
	fulfillment := &fulfillmentStub{}
	svc, verifier := newTestService(t, db, fulfillment)
	ctx := context.Background()

	raw, sig := signedBody(verifier, `{"order_id":"o-1","payment_id":"p-1","payment_status":"finished"}`)

	first, err := svc.IngestIPN(ctx, raw, sig, domain.IngestMeta{})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeProcessed, first.Outcome)

	second, err := svc.IngestIPN(ctx, raw, sig, domain.IngestMeta{})
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.LogID, second.LogID)

	// The state machine only ever saw the first delivery.
	assert.Len(t, fulfillment.calls, 1)

	logs, err := svc.List(ctx, domain.ListFilter{ExternalID: "p-1"})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, 2, logs[0].AttemptCount)
}

func TestIngestIPNDifferentPayloadSameExternalID(t *testing.T) {
	db := setupTestDB(t)
	fulfillment := &fulfillmentStub{}
	svc, verifier := newTestService(t, db, fulfillment)
	ctx := context.Background()

	raw1, sig1 := signedBody(verifier, `{"order_id":"o-1","payment_id":"p-1","payment_status":"waiting"}`)
	_, err := svc.IngestIPN(ctx, raw1, sig1, domain.IngestMeta{})
	require.NoError(t, err)

	raw2, sig2 := signedBody(verifier, `{"order_id":"o-1","payment_id":"p-1","payment_status":"finished"}`)
	_, err = svc.IngestIPN(ctx, raw2, sig2, domain.IngestMeta{})
	require.NoError(t, err)

	// Distinct content stores distinct rows.
	logs, err := svc.List(ctx, domain.ListFilter{ExternalID: "p-1"})
	require.NoError(t, err)
	assert.Len(t, logs, 2)
	assert.Len(t, fulfillment.calls, 2)
}

func TestIngestIPNStateConflictAcknowledges(t *testing.T) {
	db := setupTestDB(t)
	fulfillment := &fulfillmentStub{failErr: fulfillmentdomain.ErrStateConflict}
	svc, verifier := newTestService(t, db, fulfillment)
	ctx := context.Background()

	raw, sig := signedBody(verifier, `{"order_id":"o-1","payment_id":"p-1","payment_status":"waiting"}`)

	ack, err := svc.IngestIPN(ctx, raw, sig, domain.IngestMeta{})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeProcessed, ack.Outcome)

	logs, err := svc.List(ctx, domain.ListFilter{ExternalID: "p-1"})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Contains(t, logs[0].Result, "state_conflict")
}

func TestIngestIPNFailureMarksRowAndPropagates(t *testing.T) {
	db := setupTestDB(t)
	fulfillment := &fulfillmentStub{failErr: fulfillmentdomain.ErrOrderNotFound}
	svc, verifier := newTestService(t, db, fulfillment)
	ctx := context.Background()

	raw, sig := signedBody(verifier, `{"order_id":"missing","payment_id":"p-1","payment_status":"waiting"}`)

	_, err := svc.IngestIPN(ctx, raw, sig, domain.IngestMeta{})
	assert.ErrorIs(t, err, fulfillmentdomain.ErrOrderNotFound)

	logs, err := svc.List(ctx, domain.ListFilter{ExternalID: "p-1"})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, domain.OutcomeFailed, logs[0].Outcome)

	// Redelivery of the same content retries the failed row instead of
	// acknowledging it as a duplicate.
	fulfillment.failErr = nil
	ack, err := svc.IngestIPN(ctx, raw, sig, domain.IngestMeta{})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeProcessed, ack.Outcome)
	assert.Len(t, fulfillment.calls, 2)
}

func TestIngestIPNValidation(t *testing.T) {
	db := setupTestDB(t)
	svc, verifier := newTestService(t, db, &fulfillmentStub{})
	ctx := context.Background()

	raw, sig := signedBody(verifier, `{"payment_id":"p-1","payment_status":"finished"}`)
	_, err := svc.IngestIPN(ctx, raw, sig, domain.IngestMeta{})
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)

	raw, sig = signedBody(verifier, `{"type":"subscription","order_id":"o-1","payment_id":"p-1","payment_status":"finished"}`)
	_, err = svc.IngestIPN(ctx, raw, sig, domain.IngestMeta{})
	assert.ErrorIs(t, err, domain.ErrUnsupportedType)

	raw, sig = signedBody(verifier, `not-json`)
	_, err = svc.IngestIPN(ctx, raw, sig, domain.IngestMeta{})
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
}

func TestReplay(t *testing.T) {
	db := setupTestDB(t)
	fulfillment := &fulfillmentStub{}
	svc, verifier := newTestService(t, db, fulfillment)
	ctx := context.Background()

	raw, sig := signedBody(verifier, `{"order_id":"o-1","payment_id":"p-1","payment_status":"finished"}`)
	ack, err := svc.IngestIPN(ctx, raw, sig, domain.IngestMeta{})
	require.NoError(t, err)

	replayAck, err := svc.Replay(ctx, ack.LogID, "ops-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeProcessed, replayAck.Outcome)
	assert.Len(t, fulfillment.calls, 2)

	_, err = svc.Replay(ctx, ack.LogID+1, "ops-1")
	assert.ErrorIs(t, err, domain.ErrLogNotFound)
}

func TestReplayBulkRespectsBatchLimit(t *testing.T) {
	db := setupTestDB(t)
	fulfillment := &fulfillmentStub{}
	svc, verifier := newTestService(t, db, fulfillment)
	ctx := context.Background()

	raw, sig := signedBody(verifier, `{"order_id":"o-1","payment_id":"p-1","payment_status":"finished"}`)
	ack, err := svc.IngestIPN(ctx, raw, sig, domain.IngestMeta{})
	require.NoError(t, err)

	report, err := svc.ReplayBulk(ctx, []snowflake.ID{ack.LogID, ack.LogID + 99}, "ops-1")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Requested)
	assert.Equal(t, 1, report.Replayed)
	assert.Equal(t, 1, report.Failed)

	limit := config.DefaultFulfillmentPolicy().ReplayBatchLimit
	tooMany := make([]snowflake.ID, limit+1)
	_, err = svc.ReplayBulk(ctx, tooMany, "ops-1")
	assert.ErrorIs(t, err, domain.ErrBatchTooLarge)
}
