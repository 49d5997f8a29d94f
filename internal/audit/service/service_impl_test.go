package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/keymint/internal/audit/domain"
	"github.com/smallbiznis/keymint/internal/audit/repository"
	"github.com/smallbiznis/keymint/internal/requestmeta"
	"github.com/smallbiznis/keymint/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	if err := db.Exec(`CREATE TABLE audit_logs (
		id BIGINT PRIMARY KEY,
		actor_type TEXT NOT NULL,
		actor_id TEXT,
		action TEXT NOT NULL,
		target_type TEXT NOT NULL,
		target_id TEXT,
		metadata TEXT,
		details TEXT NOT NULL DEFAULT '',
		ip_address TEXT,
		user_agent TEXT,
		created_at TIMESTAMP NOT NULL
	)`).Error; err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return db
}

func newTestService(t *testing.T, db *gorm.DB) auditdomain.Service {
	t.Helper()

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	return NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  repository.Provide(),
	})
}

func TestRecordSanitizesPayload(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db)
	ctx := context.Background()

	err := svc.Record(ctx, auditdomain.Entry{
		ActorType: auditdomain.ActorTypeAdmin,
		ActorID:   "ops-1",
		Action:    "order.status.overridden",
		Target:    "order",
		TargetID:  "o-1",
		Payload: map[string]any{
			"from_status": "paid",
			"license_key": "SECRET-CODE",
		},
	})
	require.NoError(t, err)

	resp, err := svc.List(ctx, auditdomain.ListAuditLogRequest{})
	require.NoError(t, err)
	require.Len(t, resp.AuditLogs, 1)

	row := resp.AuditLogs[0]
	assert.Equal(t, "order.status.overridden", row.Action)
	assert.Equal(t, "paid", row.Metadata["from_status"])
	assert.Equal(t, "[REDACTED]", row.Metadata["license_key"])
}

func TestRecordCapturesRequestContext(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db)

	ctx := requestmeta.WithIPAddress(context.Background(), "203.0.113.9")
	ctx = requestmeta.WithUserAgent(ctx, "keymint-test")

	require.NoError(t, svc.Record(ctx, auditdomain.Entry{
		ActorType: auditdomain.ActorTypeBuyer,
		Action:    "key.downloaded",
		Target:    "order",
		TargetID:  "o-1",
	}))

	resp, err := svc.List(context.Background(), auditdomain.ListAuditLogRequest{})
	require.NoError(t, err)
	require.Len(t, resp.AuditLogs, 1)
	require.NotNil(t, resp.AuditLogs[0].IPAddress)
	assert.Equal(t, "203.0.113.9", *resp.AuditLogs[0].IPAddress)
	require.NotNil(t, resp.AuditLogs[0].UserAgent)
	assert.Equal(t, "keymint-test", *resp.AuditLogs[0].UserAgent)
}

func TestRecordFailureSuffixesAction(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db)
	ctx := context.Background()

	err := svc.RecordFailure(ctx, auditdomain.Entry{
		ActorType: auditdomain.ActorTypeSystem,
		Action:    "vault.deliver",
		Target:    "order",
		TargetID:  "o-1",
	}, errors.New("object store timeout"))
	require.NoError(t, err)

	resp, err := svc.List(ctx, auditdomain.ListAuditLogRequest{Action: "vault.deliver.failed"})
	require.NoError(t, err)
	require.Len(t, resp.AuditLogs, 1)
	assert.Contains(t, resp.AuditLogs[0].Details, "object store timeout")
}

func TestRecordRequiresAction(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db)

	err := svc.Record(context.Background(), auditdomain.Entry{Target: "order"})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidAction)
}

func TestListFiltersAndPaginates(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, svc.Record(ctx, auditdomain.Entry{
			ActorType: auditdomain.ActorTypeGateway,
			Action:    "payment.status.changed",
			Target:    "payment",
			TargetID:  fmt.Sprintf("p-%d", i),
		}))
	}
	require.NoError(t, svc.Record(ctx, auditdomain.Entry{
		ActorType: auditdomain.ActorTypeAdmin,
		ActorID:   "ops-1",
		Action:    "order.status.overridden",
		Target:    "order",
		TargetID:  "o-1",
	}))

	resp, err := svc.List(ctx, auditdomain.ListAuditLogRequest{ActorType: "admin"})
	require.NoError(t, err)
	require.Len(t, resp.AuditLogs, 1)
	assert.Equal(t, "order.status.overridden", resp.AuditLogs[0].Action)

	paged, err := svc.List(ctx, auditdomain.ListAuditLogRequest{})
	require.NoError(t, err)
	assert.Len(t, paged.AuditLogs, 6)

	_, err = svc.List(ctx, auditdomain.ListAuditLogRequest{
		Pagination: pagination.Pagination{PageToken: "not-a-valid-token"},
	})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidPageToken)
}
