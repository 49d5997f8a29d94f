package service

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/keymint/internal/audit/domain"
	"github.com/smallbiznis/keymint/internal/clock"
	"github.com/smallbiznis/keymint/internal/config"
	obsmetrics "github.com/smallbiznis/keymint/internal/observability/metrics"
	"github.com/smallbiznis/keymint/internal/vault/crypto"
	vaultdomain "github.com/smallbiznis/keymint/internal/vault/domain"
	"github.com/smallbiznis/keymint/internal/vault/store"
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
	Repo       vaultdomain.Repository
	Store      vaultdomain.ObjectStore
	AuditSvc   auditdomain.Service
	Cfg        config.Config
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	genID        *snowflake.Node
	clk          clock.Clock
	repo         vaultdomain.Repository
	store        vaultdomain.ObjectStore
	auditSvc     auditdomain.Service
	masterKey    []byte
	storeTimeout time.Duration
	obsMetrics   *obsmetrics.Metrics
}

func NewService(p Params) vaultdomain.Service {
	var masterKey []byte
	if p.Cfg.VaultMasterSecret != "" {
		sum := sha256.Sum256([]byte(p.Cfg.VaultMasterSecret))
		masterKey = sum[:]
	}

	timeout := time.Duration(p.Cfg.StoreTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Service{
		db:           p.DB,
		log:          p.Log.Named("vault.service"),
		genID:        p.GenID,
		clk:          p.Clock,
		repo:         p.Repo,
		store:        p.Store,
		auditSvc:     p.AuditSvc,
		masterKey:    masterKey,
		storeTimeout: timeout,
		obsMetrics:   p.ObsMetrics,
	}
}

func (s *Service) Deliver(ctx context.Context, orderID, plainSecret string, ttl time.Duration) (string, error) {
	if len(s.masterKey) == 0 {
		return "", vaultdomain.ErrMasterKeyMissing
	}
	if ttl <= 0 {
		ttl = 3 * time.Hour
	}

	dataKey, err := crypto.GenerateKey()
	if err != nil {
		return "", err
	}

	sealed, err := crypto.Encrypt(plainSecret, dataKey)
	if err != nil {
		return "", err
	}

	wrapped, err := crypto.Encrypt(base64.RawStdEncoding.EncodeToString(dataKey), s.masterKey)
	if err != nil {
		return "", err
	}

	secret := vaultdomain.EncryptedSecret{
		ID:          s.genID.Generate(),
		OrderID:     orderID,
		WrappedKey:  wrapped.Ciphertext,
		WrapNonce:   wrapped.Nonce,
		WrapTag:     wrapped.Tag,
		Algorithm:   crypto.Algorithm,
		StoragePath: store.ObjectPath(orderID),
		CreatedAt:   s.clk.Now().UTC(),
	}

	// The unique order_id insert is the delivery claim: exactly one of
	// any concurrent attempts wins it.
	claimed, err := s.repo.InsertSecret(ctx, s.db, &secret)
	if err != nil {
		return "", err
	}
	if !claimed {
		return "", vaultdomain.ErrAlreadyDelivered
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	err = s.store.Upload(storeCtx, orderID, vaultdomain.StoredKey{
		Ciphertext: sealed.Ciphertext,
		Nonce:      sealed.Nonce,
		Tag:        sealed.Tag,
		Algorithm:  sealed.Algorithm,
	})
	if err != nil {
		// Release the claim so an admin-triggered retry can redo the
		// whole delivery; the order stays paid.
		if delErr := s.repo.DeleteSecret(ctx, s.db, orderID); delErr != nil {
			s.log.Error("failed to release delivery claim",
				zap.String("order_id", orderID), zap.Error(delErr))
		}
		_ = s.auditSvc.RecordFailure(ctx, auditdomain.Entry{
			ActorType: auditdomain.ActorTypeSystem,
			Action:    "vault.deliver",
			Target:    "order",
			TargetID:  orderID,
		}, err)
		return "", err
	}

	url, err := s.store.SignedURL(storeCtx, orderID, ttl)
	if err != nil {
		_ = s.auditSvc.RecordFailure(ctx, auditdomain.Entry{
			ActorType: auditdomain.ActorTypeSystem,
			Action:    "vault.deliver",
			Target:    "order",
			TargetID:  orderID,
		}, err)
		return "", err
	}

	if err := s.auditSvc.Record(ctx, auditdomain.Entry{
		ActorType: auditdomain.ActorTypeSystem,
		Action:    "vault.deliver",
		Target:    "order",
		TargetID:  orderID,
		Payload: map[string]any{
			"storage_path": secret.StoragePath,
			"url_ttl":      ttl.String(),
		},
	}); err != nil {
		s.log.Warn("audit write failed for delivery", zap.Error(err))
	}

	return url, nil
}

func (s *Service) Retrieve(ctx context.Context, orderID string, access vaultdomain.AccessContext) (string, error) {
	plain, err := s.retrieve(ctx, orderID)

	// The access record moves on every attempt, successful or not, but
	// only a successful reveal marks the secret as viewed.
	now := s.clk.Now().UTC()
	if touchErr := s.repo.TouchAccess(ctx, s.db, s.genID.Generate(), orderID, access, err == nil, now); touchErr != nil {
		s.log.Warn("failed to update key access record",
			zap.String("order_id", orderID), zap.Error(touchErr))
	}

	entry := auditdomain.Entry{
		ActorType: auditdomain.ActorType(access.ActorType),
		ActorID:   access.ActorID,
		Action:    "vault.reveal",
		Target:    "order",
		TargetID:  orderID,
	}
	if err != nil {
		s.obsMetrics.RecordKeyReveal(ctx, "failed")
		if errors.Is(err, vaultdomain.ErrIntegrity) {
			s.obsMetrics.RecordTamperAlert(ctx)
		}
		_ = s.auditSvc.RecordFailure(ctx, entry, err)
		return "", err
	}

	s.obsMetrics.RecordKeyReveal(ctx, "ok")
	_ = s.auditSvc.Record(ctx, entry)
	return plain, nil
}

func (s *Service) retrieve(ctx context.Context, orderID string) (string, error) {
	if len(s.masterKey) == 0 {
		return "", vaultdomain.ErrMasterKeyMissing
	}

	secret, err := s.repo.FindSecret(ctx, s.db, orderID)
	if err != nil {
		return "", err
	}
	if secret == nil {
		return "", vaultdomain.ErrSecretNotFound
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	stored, err := s.store.Fetch(storeCtx, orderID)
	if err != nil {
		return "", err
	}

	encodedKey, err := crypto.Decrypt(crypto.Sealed{
		Ciphertext: secret.WrappedKey,
		Nonce:      secret.WrapNonce,
		Tag:        secret.WrapTag,
		Algorithm:  secret.Algorithm,
	}, s.masterKey)
	if err != nil {
		return "", integrityErr(err)
	}

	dataKey, err := base64.RawStdEncoding.DecodeString(encodedKey)
	if err != nil {
		return "", vaultdomain.ErrIntegrity
	}

	plain, err := crypto.Decrypt(crypto.Sealed{
		Ciphertext: stored.Ciphertext,
		Nonce:      stored.Nonce,
		Tag:        stored.Tag,
		Algorithm:  stored.Algorithm,
	}, dataKey)
	if err != nil {
		return "", integrityErr(err)
	}

	return plain, nil
}

func (s *Service) Revoke(ctx context.Context, orderID string, access vaultdomain.AccessContext, reason string) error {
	entry := auditdomain.Entry{
		ActorType: auditdomain.ActorType(access.ActorType),
		ActorID:   access.ActorID,
		Action:    "vault.revoke",
		Target:    "order",
		TargetID:  orderID,
		Payload:   map[string]any{"reason": reason},
	}

	secret, err := s.repo.FindSecret(ctx, s.db, orderID)
	if err != nil {
		return err
	}
	if secret == nil {
		err := vaultdomain.ErrSecretNotFound
		_ = s.auditSvc.RecordFailure(ctx, entry, err)
		return err
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	if err := s.store.Delete(storeCtx, orderID); err != nil {
		_ = s.auditSvc.RecordFailure(ctx, entry, err)
		return err
	}
	if err := s.repo.DeleteSecret(ctx, s.db, orderID); err != nil {
		_ = s.auditSvc.RecordFailure(ctx, entry, err)
		return err
	}

	return s.auditSvc.Record(ctx, entry)
}

func (s *Service) SignedURL(ctx context.Context, orderID string, ttl time.Duration) (string, error) {
	secret, err := s.repo.FindSecret(ctx, s.db, orderID)
	if err != nil {
		return "", err
	}
	if secret == nil {
		return "", vaultdomain.ErrSecretNotFound
	}
	if ttl <= 0 {
		ttl = 3 * time.Hour
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	return s.store.SignedURL(storeCtx, orderID, ttl)
}

func (s *Service) AccessTrail(ctx context.Context, orderID string) (*vaultdomain.KeyAccessRecord, error) {
	return s.repo.FindAccess(ctx, s.db, orderID)
}

func (s *Service) RecordDownload(ctx context.Context, orderID string, access vaultdomain.AccessContext) error {
	return s.repo.TouchAccess(ctx, s.db, s.genID.Generate(), orderID, access, false, s.clk.Now().UTC())
}

func integrityErr(err error) error {
	if errors.Is(err, crypto.ErrDecryptFailed) || errors.Is(err, crypto.ErrMalformedSealed) {
		return vaultdomain.ErrIntegrity
	}
	return err
}
