package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/keymint/internal/audit/domain"
	"github.com/smallbiznis/keymint/internal/audit/masking"
	"github.com/smallbiznis/keymint/internal/requestmeta"
	"github.com/smallbiznis/keymint/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  auditdomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  auditdomain.Repository
}

func NewService(p Params) auditdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("audit.service"),
		genID: p.GenID,
		repo:  p.Repo,
	}
}

func (s *Service) Record(ctx context.Context, entry auditdomain.Entry) error {
	return s.write(ctx, entry, entry.Action)
}

func (s *Service) RecordFailure(ctx context.Context, entry auditdomain.Entry, opErr error) error {
	action := strings.TrimSpace(entry.Action)
	if action == "" {
		return auditdomain.ErrInvalidAction
	}
	if opErr != nil {
		details := strings.TrimSpace(entry.Details)
		if details != "" {
			details += "; "
		}
		entry.Details = details + "error: " + opErr.Error()
	}
	return s.write(ctx, entry, action+".failed")
}

func (s *Service) write(ctx context.Context, entry auditdomain.Entry, action string) error {
	action = strings.TrimSpace(action)
	if action == "" {
		return auditdomain.ErrInvalidAction
	}

	targetType := strings.TrimSpace(entry.Target)
	if targetType == "" {
		targetType = "unknown"
	}

	actorType := strings.TrimSpace(string(entry.ActorType))
	if actorType == "" {
		actorType = string(auditdomain.ActorTypeSystem)
	}

	payload := masking.Truncate(masking.Sanitize(entry.Payload))

	row := auditdomain.AuditLog{
		ID:         s.genID.Generate(),
		ActorType:  actorType,
		ActorID:    normalizePointer(entry.ActorID),
		Action:     action,
		TargetType: targetType,
		TargetID:   normalizePointer(entry.TargetID),
		Metadata:   datatypes.JSONMap(payload),
		Details:    strings.TrimSpace(entry.Details),
		CreatedAt:  time.Now().UTC(),
	}
	if ip := requestmeta.IPAddressFromContext(ctx); ip != "" {
		row.IPAddress = &ip
	}
	if ua := requestmeta.UserAgentFromContext(ctx); ua != "" {
		row.UserAgent = &ua
	}

	if err := s.repo.Insert(ctx, s.db, &row); err != nil {
		s.log.Warn("failed to write audit log", zap.String("action", action), zap.Error(err))
		return err
	}
	return nil
}

func (s *Service) List(ctx context.Context, req auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	if req.StartAt != nil && req.EndAt != nil && req.StartAt.After(*req.EndAt) {
		return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidTimeRange
	}

	var cursor *auditdomain.AuditCursor
	if strings.TrimSpace(req.PageToken) != "" {
		decoded, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidPageToken
		}
		createdAt, err := time.Parse(time.RFC3339, decoded.CreatedAt)
		if err != nil {
			return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidPageToken
		}
		id, err := snowflake.ParseString(strings.TrimSpace(decoded.ID))
		if err != nil || id == 0 {
			return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidPageToken
		}
		cursor = &auditdomain.AuditCursor{ID: id, CreatedAt: createdAt}
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 250 {
		pageSize = 250
	}

	items, err := s.repo.List(ctx, s.db, auditdomain.ListFilter{
		ActorType: req.ActorType,
		ActorID:   req.ActorID,
		Action:    req.Action,
		TargetID:  req.TargetID,
		StartAt:   req.StartAt,
		EndAt:     req.EndAt,
		Cursor:    cursor,
		Limit:     int(pageSize),
	})
	if err != nil {
		return auditdomain.ListAuditLogResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(item *auditdomain.AuditLog) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        item.ID.String(),
			CreatedAt: item.CreatedAt.Format(time.RFC3339),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo != nil && pageInfo.HasMore && len(items) > int(pageSize) {
		items = items[:pageSize]
	}

	logs := make([]auditdomain.AuditLog, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		logs = append(logs, *item)
	}

	resp := auditdomain.ListAuditLogResponse{AuditLogs: logs}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}

func normalizePointer(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
