package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/keymint/internal/audit/domain"
	fulfillmentdomain "github.com/smallbiznis/keymint/internal/fulfillment/domain"
	vaultdomain "github.com/smallbiznis/keymint/internal/vault/domain"
	webhookdomain "github.com/smallbiznis/keymint/internal/webhook/domain"
	"github.com/smallbiznis/keymint/internal/webhook/signature"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

// ErrorHandlingMiddleware converts domain errors queued on the gin
// context into the shared error envelope.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	switch {
	case errors.Is(err, signature.ErrMissingBody):
		return http.StatusBadRequest, errorPayload{Type: "validation_error", Message: "missing body"}
	case errors.Is(err, signature.ErrMissingSignature):
		return http.StatusUnauthorized, errorPayload{Type: "authentication_error", Message: "missing signature"}
	case errors.Is(err, signature.ErrInvalidSignature):
		return http.StatusUnauthorized, errorPayload{Type: "authentication_error", Message: "invalid signature"}
	case errors.Is(err, signature.ErrSecretMissing):
		return http.StatusServiceUnavailable, errorPayload{Type: "dependency_error", Message: "webhook verification unavailable"}

	case errors.Is(err, webhookdomain.ErrInvalidPayload),
		errors.Is(err, webhookdomain.ErrUnsupportedType),
		errors.Is(err, fulfillmentdomain.ErrUnknownGatewayStatus),
		errors.Is(err, fulfillmentdomain.ErrInvalidStatus),
		errors.Is(err, fulfillmentdomain.ErrReasonRequired),
		errors.Is(err, webhookdomain.ErrBatchTooLarge),
		errors.Is(err, auditdomain.ErrInvalidPageToken),
		errors.Is(err, auditdomain.ErrInvalidTimeRange):
		return http.StatusBadRequest, errorPayload{Type: "validation_error", Message: err.Error()}

	case errors.Is(err, fulfillmentdomain.ErrStateConflict),
		errors.Is(err, fulfillmentdomain.ErrPaymentFinalized),
		errors.Is(err, fulfillmentdomain.ErrOrderNotPaid),
		errors.Is(err, vaultdomain.ErrAlreadyDelivered):
		return http.StatusConflict, errorPayload{Type: "state_conflict", Message: err.Error()}

	case errors.Is(err, fulfillmentdomain.ErrOrderNotFound),
		errors.Is(err, fulfillmentdomain.ErrPaymentNotFound),
		errors.Is(err, webhookdomain.ErrLogNotFound),
		errors.Is(err, vaultdomain.ErrSecretNotFound):
		return http.StatusNotFound, errorPayload{Type: "not_found", Message: err.Error()}

	case errors.Is(err, webhookdomain.ErrUnverifiedReplay):
		return http.StatusConflict, errorPayload{Type: "state_conflict", Message: err.Error()}

	case errors.Is(err, vaultdomain.ErrIntegrity):
		// Fails closed; the tamper event is already audited.
		return http.StatusInternalServerError, errorPayload{Type: "integrity_error", Message: "key material unavailable"}

	case errors.Is(err, vaultdomain.ErrStoreUnavailable),
		errors.Is(err, vaultdomain.ErrMasterKeyMissing):
		return http.StatusServiceUnavailable, errorPayload{Type: "dependency_error", Message: "key storage unavailable"}

	case errors.Is(err, fulfillmentdomain.ErrNoInventory):
		return http.StatusConflict, errorPayload{Type: "state_conflict", Message: err.Error()}

	default:
		return http.StatusInternalServerError, errorPayload{Type: "internal_error", Message: "internal server error"}
	}
}
