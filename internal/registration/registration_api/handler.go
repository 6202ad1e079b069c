package registration_api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"ms-membership/internal/auth"
	"ms-membership/internal/logger"
	"ms-membership/internal/models"
	"ms-membership/internal/payment/services"
	"ms-membership/internal/registration"
	"ms-membership/internal/tracker"
	"ms-membership/internal/utils"

	"github.com/go-chi/chi/v5"
	validation "github.com/go-ozzo/ozzo-validation"
)

// OrderLookup shows a member the payment belonging to their registration.
type OrderLookup interface {
	LatestOrder(ctx context.Context, userID string, eventID int64) (*models.Order, error)
}

type Handler struct {
	Service   *registration.Service
	Orders    OrderLookup
	Limiter   func(http.Handler) http.Handler
	Logger    *logger.Logger
	Tracker   tracker.Reporter
	AdminRole string
}

func NewHandler(svc *registration.Service, orders OrderLookup, limiter func(http.Handler) http.Handler,
	reporter tracker.Reporter, adminRole string, log *logger.Logger) *Handler {
	if limiter == nil {
		limiter = func(next http.Handler) http.Handler { return next }
	}
	return &Handler{
		Service:   svc,
		Orders:    orders,
		Limiter:   limiter,
		Logger:    log,
		Tracker:   reporter,
		AdminRole: adminRole,
	}
}

// EventRoutes mounts under /api/events/{eventId}/registrations.
func (h *Handler) EventRoutes(r chi.Router) {
	r.With(h.Limiter).Post("/", h.Register)
	r.Get("/me", h.GetMine)
	r.Delete("/me", h.Unregister)
	r.With(auth.RequireRole(h.AdminRole, h.Logger)).Get("/", h.ListForEvent)
}

// Routes mounts under /api/registrations.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/", h.ListMine)
	r.Get("/{registrationId}/qr", h.TicketQR)
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireRole(h.AdminRole, h.Logger))
		r.Post("/checkin", h.CheckIn)
		r.Delete("/{registrationId}", h.AdminRemove)
		r.Put("/{registrationId}/attendance", h.MarkAttendance)
	})
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	eventID, ok := h.idParam(w, r, "eventId")
	if !ok {
		return
	}
	claims, ok := auth.ClaimsFromContext(ctx)
	if !ok {
		utils.WriteError(w, http.StatusUnauthorized, "Missing credentials", "")
		return
	}

	var req models.RegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		utils.WriteError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	allowPhoto := true
	if req.AllowPhoto != nil {
		allowPhoto = *req.AllowPhoto
	}

	if err := h.Service.SyncUser(ctx, claims.User()); err != nil {
		h.writeError(w, r, "Register", err)
		return
	}

	reg, order, err := h.Service.Register(ctx, claims.Sub, eventID, allowPhoto)
	if err != nil {
		h.writeError(w, r, "Register", err)
		return
	}

	resp := models.RegistrationResponse{Registration: reg, Order: order}
	if reg.IsOnWait {
		if resp.WaitlistPosition, err = h.Service.WaitlistPosition(ctx, reg); err != nil {
			h.Logger.Warn("API", fmt.Sprintf("Register: waitlist position for %d: %v", reg.RegistrationID, err))
		}
	}

	message := "Registered"
	if reg.IsOnWait {
		message = "Added to waitlist"
	}
	utils.WriteJSON(w, http.StatusCreated, utils.SuccessResponse(message, resp))
}

func (h *Handler) GetMine(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	eventID, ok := h.idParam(w, r, "eventId")
	if !ok {
		return
	}
	userID := auth.UserID(ctx)

	reg, err := h.Service.Get(ctx, userID, eventID)
	if err != nil {
		h.writeError(w, r, "GetMine", err)
		return
	}
	resp := models.RegistrationResponse{Registration: reg}
	if resp.WaitlistPosition, err = h.Service.WaitlistPosition(ctx, reg); err != nil {
		h.writeError(w, r, "GetMine", err)
		return
	}
	if h.Orders != nil {
		if resp.Order, err = h.Orders.LatestOrder(ctx, userID, eventID); err != nil {
			h.writeError(w, r, "GetMine", err)
			return
		}
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Registration retrieved", resp))
}

func (h *Handler) Unregister(w http.ResponseWriter, r *http.Request) {
	eventID, ok := h.idParam(w, r, "eventId")
	if !ok {
		return
	}
	if err := h.Service.Unregister(r.Context(), auth.UserID(r.Context()), eventID); err != nil {
		h.writeError(w, r, "Unregister", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Unregistered", nil))
}

func (h *Handler) ListForEvent(w http.ResponseWriter, r *http.Request) {
	eventID, ok := h.idParam(w, r, "eventId")
	if !ok {
		return
	}
	regs, err := h.Service.ListForEvent(r.Context(), eventID)
	if err != nil {
		h.writeError(w, r, "ListForEvent", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Registrations retrieved", regs))
}

func (h *Handler) ListMine(w http.ResponseWriter, r *http.Request) {
	regs, err := h.Service.ListForUser(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		h.writeError(w, r, "ListMine", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Registrations retrieved", regs))
}

func (h *Handler) AdminRemove(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r, "registrationId")
	if !ok {
		return
	}
	h.Logger.Info("API", fmt.Sprintf("AdminRemove: registration %d by %s", id, auth.UserID(r.Context())))

	if err := h.Service.AdminRemove(r.Context(), id); err != nil {
		h.writeError(w, r, "AdminRemove", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Registration removed", nil))
}

func (h *Handler) MarkAttendance(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r, "registrationId")
	if !ok {
		return
	}
	var req models.AttendanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	reg, err := h.Service.MarkAttendance(r.Context(), id, req.HasAttended)
	if err != nil {
		h.writeError(w, r, "MarkAttendance", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Attendance updated", reg))
}

type checkInRequest models.CheckInRequest

func (req checkInRequest) Validate() error {
	return validation.ValidateStruct(&req,
		validation.Field(&req.Token, validation.Required, validation.Length(16, 1024)),
	)
}

func (h *Handler) CheckIn(w http.ResponseWriter, r *http.Request) {
	var req checkInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		utils.WriteError(w, http.StatusBadRequest, "Validation failed", err.Error())
		return
	}

	reg, err := h.Service.CheckIn(r.Context(), req.Token)
	if err != nil {
		h.writeError(w, r, "CheckIn", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Checked in", reg))
}

func (h *Handler) TicketQR(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r, "registrationId")
	if !ok {
		return
	}
	png, err := h.Service.TicketQR(r.Context(), auth.UserID(r.Context()), id)
	if err != nil {
		h.writeError(w, r, "TicketQR", err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

func (h *Handler) idParam(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		utils.WriteError(w, http.StatusBadRequest, "Invalid "+name, raw)
		return 0, false
	}
	return id, true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, registration.ErrEventNotFound),
		errors.Is(err, registration.ErrRegistrationNotFound),
		errors.Is(err, registration.ErrUserNotFound):
		utils.WriteError(w, http.StatusNotFound, "Not found", err.Error())
	case errors.Is(err, registration.ErrAlreadyRegistered),
		errors.Is(err, registration.ErrOnWaitlist):
		utils.WriteError(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, registration.ErrOnlyPrioritized):
		utils.WriteError(w, http.StatusForbidden, "Not allowed", err.Error())
	case errors.Is(err, registration.ErrEventClosed),
		errors.Is(err, registration.ErrSignUpDisabled),
		errors.Is(err, registration.ErrRegistrationNotOpen),
		errors.Is(err, registration.ErrRegistrationClosed),
		errors.Is(err, registration.ErrSignOffDeadlinePassed),
		errors.Is(err, registration.ErrInvalidCheckIn):
		utils.WriteError(w, http.StatusBadRequest, "Request rejected", err.Error())
	case errors.Is(err, registration.ErrEventBusy):
		w.Header().Set("Retry-After", "1")
		utils.WriteError(w, http.StatusServiceUnavailable, "Event is busy, try again", "")
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
