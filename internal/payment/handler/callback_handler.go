package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"ms-membership/internal/logger"
	"ms-membership/internal/models"
	"ms-membership/internal/order"
	"ms-membership/internal/payment/services"
	"ms-membership/internal/tracker"
	"ms-membership/internal/utils"

	"github.com/gin-gonic/gin"
)

const maxWebhookBody = 64 << 10

// OrderUpdater applies provider-reported payment state to orders.
type OrderUpdater interface {
	HandleCallback(ctx context.Context, orderID string, cb models.VippsCallback) error
	ApplyProviderStatus(ctx context.Context, orderID string, status models.OrderStatus) error
}

type WebhookParser interface {
	ParseWebhook(payload []byte, signature string) (*services.WebhookResult, error)
}

// WebhookError represents an error that occurred during callback processing
type WebhookError struct {
	Category      string // "configuration", "validation", "processing"
	StatusCode    int    // HTTP status code
	PublicError   string // Safe to expose to clients
	InternalError string // Detailed error for logs only
	OriginalErr   error  // Underlying error
}

func (e *WebhookError) Error() string {
	return e.InternalError
}

func (e *WebhookError) Unwrap() error {
	return e.OriginalErr
}

type PaymentHandler struct {
	orders  OrderUpdater
	stripe  WebhookParser
	tracker tracker.Reporter
	logger  *logger.Logger
}

// NewPaymentHandler builds the public provider endpoints. stripe is nil when
// Stripe is not the configured provider.
func NewPaymentHandler(orders OrderUpdater, stripe WebhookParser, reporter tracker.Reporter, logger *logger.Logger) *PaymentHandler {
	return &PaymentHandler{orders: orders, stripe: stripe, tracker: reporter, logger: logger}
}

// NewEngine returns a gin engine serving /api/payments/*, meant to be mounted
// under the same prefix in the main router.
func NewEngine(h *PaymentHandler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	group := engine.Group("/api/payments")
	group.POST("/v2/payments/:orderId", h.VippsCallback)
	group.POST("/stripe/webhook", h.StripeWebhook)
	return engine
}

// VippsCallback receives the eCom v2 callback sent to {callbackPrefix}/v2/payments/{orderId}.
func (h *PaymentHandler) VippsCallback(c *gin.Context) {
	orderID := c.Param("orderId")

	var cb models.VippsCallback
	if err := c.ShouldBindJSON(&cb); err != nil {
		h.fail(c, &WebhookError{
			Category:      "validation",
			StatusCode:    http.StatusBadRequest,
			PublicError:   "Invalid callback payload",
			InternalError: fmt.Sprintf("Failed to decode callback for %s: %v", orderID, err),
			OriginalErr:   err,
		})
		return
	}
	if cb.OrderID != "" && cb.OrderID != orderID {
		h.fail(c, &WebhookError{
			Category:      "validation",
			StatusCode:    http.StatusBadRequest,
			PublicError:   "Order id mismatch",
			InternalError: fmt.Sprintf("Callback path order %s does not match body order %s", orderID, cb.OrderID),
		})
		return
	}

	h.logger.LogPayment("vipps", "CALLBACK", fmt.Sprintf("order %s status %s", orderID, cb.TransactionInfo.Status))

	if err := h.orders.HandleCallback(c.Request.Context(), orderID, cb); err != nil {
		h.fail(c, classify(orderID, err))
		return
	}
	c.JSON(http.StatusOK, utils.SuccessResponse("Callback processed", nil))
}

func (h *PaymentHandler) StripeWebhook(c *gin.Context) {
	if h.stripe == nil {
		h.fail(c, &WebhookError{
			Category:      "configuration",
			StatusCode:    http.StatusNotFound,
			PublicError:   "Stripe is not enabled",
			InternalError: "Stripe webhook received but Stripe is not the configured provider",
		})
		return
	}

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		h.fail(c, &WebhookError{
			Category:      "validation",
			StatusCode:    http.StatusBadRequest,
			PublicError:   "Invalid webhook payload",
			InternalError: fmt.Sprintf("Failed to read webhook payload: %v", err),
			OriginalErr:   err,
		})
		return
	}

	result, err := h.stripe.ParseWebhook(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		status, category, public := http.StatusBadRequest, "validation", "Webhook signature verification failed"
		if !errors.Is(err, services.ErrInvalidSignature) {
			status, category, public = http.StatusBadRequest, "processing", "Invalid event data"
		}
		h.fail(c, &WebhookError{
			Category:      category,
			StatusCode:    status,
			PublicError:   public,
			InternalError: fmt.Sprintf("Stripe webhook rejected: %v", err),
			OriginalErr:   err,
		})
		return
	}

	if !result.Handled {
		h.logger.Info("WEBHOOK", fmt.Sprintf("Unhandled event type: %s", result.EventType))
		c.JSON(http.StatusOK, utils.SuccessResponse("Event ignored", nil))
		return
	}

	h.logger.LogPayment("stripe", "WEBHOOK", fmt.Sprintf("%s for order %s -> %s", result.EventType, result.OrderID, result.Status))
	if err := h.orders.ApplyProviderStatus(c.Request.Context(), result.OrderID, result.Status); err != nil {
		h.fail(c, classify(result.OrderID, err))
		return
	}
	c.JSON(http.StatusOK, utils.SuccessResponse("Webhook processed", nil))
}

func classify(orderID string, err error) *WebhookError {
	switch {
	case errors.Is(err, order.ErrMerchantMismatch):
		return &WebhookError{
			Category:      "validation",
			StatusCode:    http.StatusForbidden,
			PublicError:   "Merchant serial number mismatch",
			InternalError: fmt.Sprintf("Callback for %s: %v", orderID, err),
			OriginalErr:   err,
		}
	case errors.Is(err, order.ErrOrderNotFound):
		return &WebhookError{
			Category:      "validation",
			StatusCode:    http.StatusNotFound,
			PublicError:   "Order not found",
			InternalError: fmt.Sprintf("Callback for unknown order %s", orderID),
			OriginalErr:   err,
		}
	case errors.Is(err, order.ErrUnknownStatus):
		return &WebhookError{
			Category:      "validation",
			StatusCode:    http.StatusBadRequest,
			PublicError:   "Unknown transaction status",
			InternalError: fmt.Sprintf("Callback for %s: %v", orderID, err),
			OriginalErr:   err,
		}
	default:
		return &WebhookError{
			Category:      "processing",
			StatusCode:    http.StatusInternalServerError,
			PublicError:   "Failed to process payment update",
			InternalError: fmt.Sprintf("Failed to update order %s: %v", orderID, err),
			OriginalErr:   err,
		}
	}
}

func (h *PaymentHandler) fail(c *gin.Context, werr *WebhookError) {
	if werr.Category == "validation" {
		h.logger.LogSecurity("WEBHOOK", werr.InternalError)
	} else {
		h.logger.Error("WEBHOOK", werr.InternalError)
		h.tracker.CaptureError(c.Request.Context(), werr, map[string]string{"category": werr.Category})
	}
	c.JSON(werr.StatusCode, utils.ErrorResponse(werr.PublicError, ""))
}
