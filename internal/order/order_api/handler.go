package order_api

import (
	"errors"
	"fmt"
	"net/http"

	"ms-membership/internal/auth"
	"ms-membership/internal/logger"
	"ms-membership/internal/order"
	"ms-membership/internal/payment/services"
	"ms-membership/internal/tracker"
	"ms-membership/internal/utils"

	"github.com/go-chi/chi/v5"
)

type Handler struct {
	OrderService *order.OrderService
	Logger       *logger.Logger
	Tracker      tracker.Reporter
	AdminRole    string
}

func NewHandler(orderService *order.OrderService, reporter tracker.Reporter, adminRole string, log *logger.Logger) *Handler {
	return &Handler{
		OrderService: orderService,
		Logger:       log,
		Tracker:      reporter,
		AdminRole:    adminRole,
	}
}

// Routes mounts the order endpoints; the caller applies authentication.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/", h.ListMyOrders)
	r.Get("/{orderId}", h.GetOrder)
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireRole(h.AdminRole, h.Logger))
		r.Post("/{orderId}/check", h.CheckOrder)
		r.Post("/{orderId}/refund", h.RefundOrder)
	})
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	h.Logger.Info("API", fmt.Sprintf("GetOrder: orderId=%s", orderID))

	o, err := h.OrderService.GetOrder(r.Context(), orderID)
	if err != nil {
		h.writeError(w, r, "GetOrder", err)
		return
	}

	if o.UserID != auth.UserID(r.Context()) && !auth.HasRole(r.Context(), h.AdminRole) {
		h.Logger.LogSecurity("ORDER_ACCESS", fmt.Sprintf("user %s tried to read order %s", auth.UserID(r.Context()), orderID))
		utils.WriteError(w, http.StatusNotFound, "Order not found", orderID)
		return
	}

	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Order retrieved", o))
}

func (h *Handler) ListMyOrders(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	orders, err := h.OrderService.ListOrdersForUser(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, "ListMyOrders", err)
		return
	}
	h.Logger.Debug("API", fmt.Sprintf("ListMyOrders: found %d orders for user %s", len(orders), userID))
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Orders retrieved", orders))
}

// CheckOrder runs the payment reconciliation for one order right away.
func (h *Handler) CheckOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	h.Logger.Info("API", fmt.Sprintf("CheckOrder: orderId=%s", orderID))

	if _, err := h.OrderService.GetOrder(r.Context(), orderID); err != nil {
		h.writeError(w, r, "CheckOrder", err)
		return
	}
	if err := h.OrderService.CheckPayment(r.Context(), orderID); err != nil {
		h.writeError(w, r, "CheckOrder", err)
		return
	}

	o, err := h.OrderService.GetOrder(r.Context(), orderID)
	if err != nil {
		h.writeError(w, r, "CheckOrder", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Order checked", o))
}

func (h *Handler) RefundOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	h.Logger.Info("API", fmt.Sprintf("RefundOrder: orderId=%s", orderID))

	o, err := h.OrderService.Refund(r.Context(), orderID)
	if err != nil {
		h.writeError(w, r, "RefundOrder", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Order refunded", o))
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, order.ErrOrderNotFound):
		utils.WriteError(w, http.StatusNotFound, "Order not found", chi.URLParam(r, "orderId"))
	case errors.Is(err, order.ErrOrderNotPaid):
		utils.WriteError(w, http.StatusConflict, "Order is not paid", err.Error())
	case errors.Is(err, services.ErrProviderRequest):
		h.Logger.Error("API", fmt.Sprintf("%s: payment provider error: %v", op, err))
		h.Tracker.CaptureError(r.Context(), err, map[string]string{"op": op})
		utils.WriteError(w, http.StatusBadGateway, "Payment provider unavailable", "")
	default:
		h.Logger.Error("API", fmt.Sprintf("%s: %v", op, err))
		h.Tracker.CaptureError(r.Context(), err, map[string]string{"op": op})
		utils.WriteError(w, http.StatusInternalServerError, "Internal server error", "")
	}
}
