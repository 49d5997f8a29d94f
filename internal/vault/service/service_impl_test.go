package service

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/keymint/internal/audit/domain"
	"github.com/smallbiznis/keymint/internal/clock"
	"github.com/smallbiznis/keymint/internal/config"
	vaultdomain "github.com/smallbiznis/keymint/internal/vault/domain"
	"github.com/smallbiznis/keymint/internal/vault/repository"
	"github.com/smallbiznis/keymint/internal/vault/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type auditStub struct {
	entries []auditdomain.Entry
}

func (a *auditStub) Record(_ context.Context, entry auditdomain.Entry) error {
	a.entries = append(a.entries, entry)
	return nil
}

func (a *auditStub) RecordFailure(_ context.Context, entry auditdomain.Entry, _ error) error {
	entry.Action += ".failed"
	a.entries = append(a.entries, entry)
	return nil
}

func (a *auditStub) List(context.Context, auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	return auditdomain.ListAuditLogResponse{}, nil
}

func (a *auditStub) actions() []string {
	out := make([]string, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.Action)
	}
	return out
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	schema := []string{
		`CREATE TABLE encrypted_secrets (
			id BIGINT PRIMARY KEY,
			order_id TEXT NOT NULL,
			wrapped_key TEXT NOT NULL,
			wrap_nonce TEXT NOT NULL,
			wrap_tag TEXT NOT NULL,
			algorithm TEXT NOT NULL DEFAULT 'aes-256-gcm',
			storage_path TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE UNIQUE INDEX idx_encrypted_secrets_order ON encrypted_secrets (order_id)`,
		`CREATE TABLE key_objects (
			path TEXT PRIMARY KEY,
			order_id TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE key_access_records (
			id BIGINT PRIMARY KEY,
			order_id TEXT NOT NULL,
			revealed BOOLEAN NOT NULL DEFAULT FALSE,
			first_viewed_at TIMESTAMP,
			download_count INTEGER NOT NULL DEFAULT 0,
			last_ip_address TEXT,
			last_user_agent TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE UNIQUE INDEX idx_key_access_order ON key_access_records (order_id)`,
	}
	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}

var testClockEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, db *gorm.DB) (vaultdomain.Service, *store.DBStore, *auditStub) {
	svc, dbStore, audit, _ := newTestServiceWithClock(t, db)
	return svc, dbStore, audit
}

func newTestServiceWithClock(t *testing.T, db *gorm.DB) (vaultdomain.Service, *store.DBStore, *auditStub, *clock.FakeClock) {
	t.Helper()

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := config.Config{
		VaultMasterSecret:   "test-master-secret",
		SignedURLSecret:     "test-url-secret",
		PublicBaseURL:       "https://keys.example.test",
		StoreTimeoutSeconds: 5,
	}

	clk := clock.NewFakeClock(testClockEpoch)
	dbStore := store.NewDBStore(store.Params{
		DB:    db,
		Log:   zap.NewNop(),
		Clock: clk,
		Cfg:   cfg,
	})

	audit := &auditStub{}
	svc := NewService(Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clk,
		Repo:     repository.Provide(),
		Store:    dbStore,
		AuditSvc: audit,
		Cfg:      cfg,
	})
	return svc, dbStore, audit, clk
}

func adminAccess() vaultdomain.AccessContext {
	return vaultdomain.AccessContext{
		ActorType: "admin",
		ActorID:   "ops-1",
		IPAddress: "203.0.113.9",
		UserAgent: "keymint-test",
	}
}

func TestDeliverAndRetrieveRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	svc, _, audit := newTestService(t, db)
	ctx := context.Background()

	url, err := svc.Deliver(ctx, "o-1", "LICENSE-AAAA-BBBB", 3*time.Hour)
	require.NoError(t, err)
	assert.Contains(t, url, "https://keys.example.test/v1/keys/o-1/download")
	assert.Contains(t, url, "token=")
	assert.Contains(t, url, "expires=")
	assert.Contains(t, audit.actions(), "vault.deliver")

	plain, err := svc.Retrieve(ctx, "o-1", adminAccess())
	require.NoError(t, err)
	assert.Equal(t, "LICENSE-AAAA-BBBB", plain)
	assert.Contains(t, audit.actions(), "vault.reveal")
}

func TestDeliverIsAtMostOnce(t *testing.T) {
	db := setupTestDB(t)
	svc, _, _ := newTestService(t, db)
	ctx := context.Background()

	_, err := svc.Deliver(ctx, "o-1", "LICENSE-AAAA", time.Hour)
	require.NoError(t, err)

	_, err = svc.Deliver(ctx, "o-1", "LICENSE-BBBB", time.Hour)
	assert.ErrorIs(t, err, vaultdomain.ErrAlreadyDelivered)

	// The original secret is untouched.
	plain, err := svc.Retrieve(ctx, "o-1", adminAccess())
	require.NoError(t, err)
	assert.Equal(t, "LICENSE-AAAA", plain)
}

func TestDeliverRequiresMasterKey(t *testing.T) {
	db := setupTestDB(t)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	clk := clock.NewFakeClock(testClockEpoch)
	svc := NewService(Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clk,
		Repo:     repository.Provide(),
		Store:    store.NewDBStore(store.Params{DB: db, Log: zap.NewNop(), Clock: clk, Cfg: config.Config{}}),
		AuditSvc: &auditStub{},
		Cfg:      config.Config{},
	})

	_, err = svc.Deliver(context.Background(), "o-1", "LICENSE", time.Hour)
	assert.ErrorIs(t, err, vaultdomain.ErrMasterKeyMissing)
}

func TestRetrieveMissingSecret(t *testing.T) {
	db := setupTestDB(t)
	svc, _, audit := newTestService(t, db)

	_, err := svc.Retrieve(context.Background(), "missing", adminAccess())
	assert.ErrorIs(t, err, vaultdomain.ErrSecretNotFound)
	assert.Contains(t, audit.actions(), "vault.reveal.failed")
}

func TestRetrieveDetectsTamperedBlob(t *testing.T) {
	db := setupTestDB(t)
	svc, _, audit := newTestService(t, db)
	ctx := context.Background()

	_, err := svc.Deliver(ctx, "o-1", "LICENSE-AAAA", time.Hour)
	require.NoError(t, err)

	// Swap the stored blob for attacker-controlled fields out of band.
	err = db.Exec(
		`UPDATE key_objects SET body = ? WHERE order_id = ?`,
		`{"encryptedKey":"AAAA","encryptionIv":"AAAA","authTag":"AAAA","algorithm":"aes-256-gcm"}`,
		"o-1",
	).Error
	require.NoError(t, err)

	_, err = svc.Retrieve(ctx, "o-1", adminAccess())
	assert.ErrorIs(t, err, vaultdomain.ErrIntegrity)
	assert.NotContains(t, err.Error(), "LICENSE")
	assert.Contains(t, audit.actions(), "vault.reveal.failed")
}

func TestRetrieveAlwaysTouchesAccessRecord(t *testing.T) {
	db := setupTestDB(t)
	svc, _, _ := newTestService(t, db)
	ctx := context.Background()

	// Failed attempt still leaves a trail.
	_, err := svc.Retrieve(ctx, "o-1", adminAccess())
	require.Error(t, err)

	record, err := svc.AccessTrail(ctx, "o-1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, int64(1), record.DownloadCount)

	_, err = svc.Deliver(ctx, "o-1", "LICENSE-AAAA", time.Hour)
	require.NoError(t, err)
	_, err = svc.Retrieve(ctx, "o-1", adminAccess())
	require.NoError(t, err)

	record, err = svc.AccessTrail(ctx, "o-1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.True(t, record.Revealed)
	assert.Equal(t, int64(2), record.DownloadCount)
	assert.NotNil(t, record.FirstViewedAt)
}

func TestRecordDownload(t *testing.T) {
	db := setupTestDB(t)
	svc, _, _ := newTestService(t, db)
	ctx := context.Background()

	_, err := svc.Deliver(ctx, "o-1", "LICENSE-AAAA", time.Hour)
	require.NoError(t, err)

	require.NoError(t, svc.RecordDownload(ctx, "o-1", vaultdomain.AccessContext{
		ActorType: "buyer",
		IPAddress: "198.51.100.7",
	}))

	record, err := svc.AccessTrail(ctx, "o-1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, int64(1), record.DownloadCount)
	assert.False(t, record.Revealed)
}

func TestRevoke(t *testing.T) {
	db := setupTestDB(t)
	svc, _, audit := newTestService(t, db)
	ctx := context.Background()

	_, err := svc.Deliver(ctx, "o-1", "LICENSE-AAAA", time.Hour)
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ctx, "o-1", adminAccess(), "order refunded"))
	assert.Contains(t, audit.actions(), "vault.revoke")

	_, err = svc.Retrieve(ctx, "o-1", adminAccess())
	assert.ErrorIs(t, err, vaultdomain.ErrSecretNotFound)
}

func TestSignedURLValidation(t *testing.T) {
	db := setupTestDB(t)
	svc, dbStore, _ := newTestService(t, db)
	ctx := context.Background()

	url, err := svc.Deliver(ctx, "o-1", "LICENSE-AAAA", time.Hour)
	require.NoError(t, err)

	token, expires := parseSignedURL(t, url)
	assert.True(t, dbStore.ValidateToken("o-1", token, expires))

	// Token bound to the order; a different order fails.
	assert.False(t, dbStore.ValidateToken("o-2", token, expires))
	// Tampered expiry fails.
	assert.False(t, dbStore.ValidateToken("o-1", token, expires+60))
	// Tampered token fails.
	assert.False(t, dbStore.ValidateToken("o-1", "deadbeef"+token[8:], expires))
}

func TestSignedURLExpiryFollowsClock(t *testing.T) {
	db := setupTestDB(t)
	svc, dbStore, _, clk := newTestServiceWithClock(t, db)
	ctx := context.Background()

	url, err := svc.Deliver(ctx, "o-1", "LICENSE-AAAA", 2*time.Hour)
	require.NoError(t, err)

	token, expires := parseSignedURL(t, url)
	assert.Equal(t, testClockEpoch.Add(2*time.Hour).Unix(), expires)
	assert.True(t, dbStore.ValidateToken("o-1", token, expires))

	clk.Advance(2*time.Hour + time.Minute)
	assert.False(t, dbStore.ValidateToken("o-1", token, expires))
}

func parseSignedURL(t *testing.T, url string) (token string, expires int64) {
	t.Helper()

	idx := strings.Index(url, "?")
	require.Greater(t, idx, 0)
	for _, part := range strings.Split(url[idx+1:], "&") {
		kv := strings.SplitN(part, "=", 2)
		require.Len(t, kv, 2)
		switch kv[0] {
		case "token":
			token = kv[1]
		case "expires":
			_, err := fmt.Sscanf(kv[1], "%d", &expires)
			require.NoError(t, err)
		}
	}
	require.NotEmpty(t, token)
	require.NotZero(t, expires)
	return token, expires
}
