package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/keymint/internal/audit/domain"
	fulfillmentdomain "github.com/smallbiznis/keymint/internal/fulfillment/domain"
	"github.com/smallbiznis/keymint/pkg/db/pagination"
)

type createOrderRequest struct {
	ID          string `json:"id" binding:"required"`
	BuyerEmail  string `json:"buyer_email"`
	UserID      string `json:"user_id"`
	ProductID   string `json:"product_id" binding:"required"`
	Source      string `json:"source"`
	TotalAmount int64  `json:"total_amount"`
	Currency    string `json:"currency"`
}

func (s *Server) handleCreateOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: errorPayload{
			Type:    "validation_error",
			Message: "id and product_id are required",
		}})
		return
	}

	var userID *string
	if strings.TrimSpace(req.UserID) != "" {
		userID = &req.UserID
	}

	order, err := s.fulfillmentSvc.CreateOrder(c.Request.Context(), fulfillmentdomain.CreateOrderInput{
		ID:          strings.TrimSpace(req.ID),
		BuyerEmail:  strings.TrimSpace(req.BuyerEmail),
		UserID:      userID,
		ProductID:   strings.TrimSpace(req.ProductID),
		Source:      fulfillmentdomain.FulfillmentSource(req.Source),
		TotalAmount: req.TotalAmount,
		Currency:    req.Currency,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, order)
}

func (s *Server) handleGetOrder(c *gin.Context) {
	orderID := strings.TrimSpace(c.Param("order_id"))

	order, payments, err := s.fulfillmentSvc.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order":    order,
		"payments": payments,
	})
}

type overrideStatusRequest struct {
	Status string `json:"status" binding:"required"`
	Reason string `json:"reason" binding:"required"`
}

func (s *Server) handleOverrideOrderStatus(c *gin.Context) {
	var req overrideStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, fulfillmentdomain.ErrReasonRequired)
		return
	}

	order, err := s.fulfillmentSvc.OverrideOrderStatus(c.Request.Context(), strings.TrimSpace(c.Param("order_id")), fulfillmentdomain.OverrideInput{
		Status:  strings.TrimSpace(req.Status),
		Reason:  req.Reason,
		ActorID: s.actorID(c),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, order)
}

func (s *Server) handleOverridePaymentStatus(c *gin.Context) {
	var req overrideStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, fulfillmentdomain.ErrReasonRequired)
		return
	}

	payment, err := s.fulfillmentSvc.OverridePaymentStatus(c.Request.Context(), strings.TrimSpace(c.Param("external_id")), fulfillmentdomain.OverrideInput{
		Status:  strings.TrimSpace(req.Status),
		Reason:  req.Reason,
		ActorID: s.actorID(c),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, payment)
}

func (s *Server) handleRetryFulfillment(c *gin.Context) {
	err := s.fulfillmentSvc.RetryFulfillment(c.Request.Context(), strings.TrimSpace(c.Param("order_id")), s.actorID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleListAuditLogs(c *gin.Context) {
	startAt, err := parseTimeParam(c.Query("start_at"))
	if err != nil {
		AbortWithError(c, auditdomain.ErrInvalidTimeRange)
		return
	}
	endAt, err := parseTimeParam(c.Query("end_at"))
	if err != nil {
		AbortWithError(c, auditdomain.ErrInvalidTimeRange)
		return
	}

	resp, err := s.auditSvc.List(c.Request.Context(), auditdomain.ListAuditLogRequest{
		Pagination: pagination.Pagination{
			PageSize:  parsePageSize(c.Query("page_size")),
			PageToken: c.Query("page_token"),
		},
		ActorType: strings.TrimSpace(c.Query("actor_type")),
		ActorID:   strings.TrimSpace(c.Query("actor_id")),
		Action:    strings.TrimSpace(c.Query("action")),
		TargetID:  strings.TrimSpace(c.Query("target_id")),
		StartAt:   startAt,
		EndAt:     endAt,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}
