package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	webhookdomain "github.com/smallbiznis/keymint/internal/webhook/domain"
	"github.com/smallbiznis/keymint/internal/webhook/signature"
)

const signatureHeader = "x-gateway-signature"

// isIPNProcessingError separates state-machine failures, which the
// gateway contract reports as 400 "IPN processing failed", from
// authentication and payload errors, which keep their own mappings.
func isIPNProcessingError(err error) bool {
	for _, boundary := range []error{
		signature.ErrMissingBody,
		signature.ErrMissingSignature,
		signature.ErrInvalidSignature,
		signature.ErrSecretMissing,
		webhookdomain.ErrInvalidPayload,
		webhookdomain.ErrUnsupportedType,
	} {
		if errors.Is(err, boundary) {
			return false
		}
	}
	return true
}

func (s *Server) handleGatewayWebhook(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		AbortWithError(c, webhookdomain.ErrInvalidPayload)
		return
	}

	ack, err := s.webhookSvc.IngestIPN(
		c.Request.Context(),
		payload,
		c.GetHeader(signatureHeader),
		webhookdomain.IngestMeta{
			SourceIP:  c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
		},
	)
	if err != nil {
		if isIPNProcessingError(err) {
			c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: errorPayload{
				Type:    "processing_error",
				Message: fmt.Sprintf("IPN processing failed: %v", err),
			}})
			return
		}
		AbortWithError(c, err)
		return
	}

	resp := gin.H{"ok": true}
	if ack.Duplicate {
		resp["duplicate"] = true
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListWebhookLogs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	afterID, _ := strconv.ParseInt(c.Query("after_id"), 10, 64)

	logs, err := s.webhookSvc.List(c.Request.Context(), webhookdomain.ListFilter{
		ExternalID: strings.TrimSpace(c.Query("external_id")),
		OrderID:    strings.TrimSpace(c.Query("order_id")),
		Outcome:    strings.TrimSpace(c.Query("outcome")),
		Limit:      limit,
		AfterID:    afterID,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"webhook_logs": logs})
}

func (s *Server) handleReplayWebhook(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		AbortWithError(c, webhookdomain.ErrLogNotFound)
		return
	}

	ack, err := s.webhookSvc.Replay(c.Request.Context(), snowflake.ParseInt64(id), s.actorID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":      true,
		"outcome": ack.Outcome,
	})
}

type replayBulkRequest struct {
	IDs []int64 `json:"ids" binding:"required"`
}

func (s *Server) handleReplayWebhooksBulk(c *gin.Context) {
	var req replayBulkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, webhookdomain.ErrInvalidPayload)
		return
	}

	ids := make([]snowflake.ID, 0, len(req.IDs))
	for _, id := range req.IDs {
		ids = append(ids, snowflake.ParseInt64(id))
	}

	report, err := s.webhookSvc.ReplayBulk(c.Request.Context(), ids, s.actorID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, report)
}

// actorID identifies the admin caller for audit purposes. Upstream
// authentication (gateway, mTLS) is expected to set the header.
func (s *Server) actorID(c *gin.Context) string {
	actor := strings.TrimSpace(c.GetHeader("x-admin-actor"))
	if actor == "" {
		actor = "admin"
	}
	return actor
}
