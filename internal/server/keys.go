package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	vaultdomain "github.com/smallbiznis/keymint/internal/vault/domain"
)

// handleKeyDownload redeems a signed URL for the encrypted key blob.
// The plaintext never transits this endpoint; decryption happens client
// side or through the audited admin reveal.
func (s *Server) handleKeyDownload(c *gin.Context) {
	orderID := strings.TrimSpace(c.Param("order_id"))
	token := strings.TrimSpace(c.Query("token"))
	expires, err := strconv.ParseInt(c.Query("expires"), 10, 64)
	if err != nil || orderID == "" || token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Error: errorPayload{
			Type:    "authentication_error",
			Message: "invalid download link",
		}})
		return
	}

	if expires < s.clk.Now().UTC().Unix() {
		c.AbortWithStatusJSON(http.StatusGone, errorResponse{Error: errorPayload{
			Type:    "authentication_error",
			Message: "download link expired",
		}})
		return
	}

	if !s.keyStore.ValidateToken(orderID, token, expires) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Error: errorPayload{
			Type:    "authentication_error",
			Message: "invalid download link",
		}})
		return
	}

	blob, err := s.keyStore.Fetch(c.Request.Context(), orderID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if blob == nil {
		AbortWithError(c, vaultdomain.ErrSecretNotFound)
		return
	}

	if err := s.vaultSvc.RecordDownload(c.Request.Context(), orderID, vaultdomain.AccessContext{
		ActorType: "buyer",
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, blob)
}

func (s *Server) handleRevealKey(c *gin.Context) {
	orderID := strings.TrimSpace(c.Param("order_id"))

	plaintext, err := s.vaultSvc.Retrieve(c.Request.Context(), orderID, vaultdomain.AccessContext{
		ActorType: "admin",
		ActorID:   s.actorID(c),
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order_id": orderID,
		"key":      plaintext,
	})
}

type revokeKeyRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (s *Server) handleRevokeKey(c *gin.Context) {
	orderID := strings.TrimSpace(c.Param("order_id"))

	var req revokeKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: errorPayload{
			Type:    "validation_error",
			Message: "reason is required",
		}})
		return
	}

	err := s.vaultSvc.Revoke(c.Request.Context(), orderID, vaultdomain.AccessContext{
		ActorType: "admin",
		ActorID:   s.actorID(c),
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}, req.Reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleKeyAccessTrail(c *gin.Context) {
	orderID := strings.TrimSpace(c.Param("order_id"))

	record, err := s.vaultSvc.AccessTrail(c.Request.Context(), orderID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if record == nil {
		c.JSON(http.StatusOK, gin.H{"order_id": orderID, "accessed": false})
		return
	}

	c.JSON(http.StatusOK, record)
}
