package event_api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"ms-membership/internal/auth"
	"ms-membership/internal/events"
	"ms-membership/internal/logger"
	"ms-membership/internal/models"
	"ms-membership/internal/tracker"
	"ms-membership/internal/utils"

	"github.com/go-chi/chi/v5"
	validation "github.com/go-ozzo/ozzo-validation"
)

type Handler struct {
	Service   *events.Service
	Logger    *logger.Logger
	Tracker   tracker.Reporter
	AdminRole string
}

func NewHandler(svc *events.Service, reporter tracker.Reporter, adminRole string, log *logger.Logger) *Handler {
	if reporter == nil {
		reporter = tracker.Nop()
	}
	return &Handler{Service: svc, Logger: log, Tracker: reporter, AdminRole: adminRole}
}

// Routes mounts under /api/events. Registration routes are mounted by the caller through sub.
func (h *Handler) Routes(sub func(r chi.Router)) func(r chi.Router) {
	return func(r chi.Router) {
		r.Get("/", h.List)
		r.With(auth.RequireRole(h.AdminRole, h.Logger)).Post("/", h.Create)
		r.Route("/{eventId}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Get("/calendar.ics", h.Calendar)
			r.Group(func(r chi.Router) {
				r.Use(auth.RequireRole(h.AdminRole, h.Logger))
				r.Put("/", h.Update)
				r.Post("/priorities", h.AddPriority)
				r.Delete("/priorities/{priorityId}", h.RemovePriority)
				r.Get("/registrations.xlsx", h.AttendeeSheet)
			})
			if sub != nil {
				r.Route("/registrations", sub)
			}
		})
	}
}

type eventRequest models.EventRequest

func (req eventRequest) Validate() error {
	return validation.ValidateStruct(&req,
		validation.Field(&req.Title, validation.Required, validation.Length(1, 200)),
		validation.Field(&req.Limit, validation.Min(0)),
		validation.Field(&req.Price, validation.Min(0.0)),
		validation.Field(&req.EndDate, validation.By(notBefore(req.StartDate, "end_date"))),
		validation.Field(&req.EndRegistrationAt, validation.By(notBefore(req.StartRegistrationAt, "end_registration_at"))),
		validation.Field(&req.PayTime, validation.By(func(value interface{}) error {
			s, _ := value.(string)
			if s == "" {
				return nil
			}
			_, err := models.ParsePayTime(s)
			return err
		})),
	)
}

type priorityRequest models.PriorityRuleRequest

func (req priorityRequest) Validate() error {
	return validation.ValidateStruct(&req,
		validation.Field(&req.Study, validation.Required, validation.Length(1, 100)),
		validation.Field(&req.StudyYear, validation.Required, validation.Length(1, 10)),
	)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	includeClosed := r.URL.Query().Get("include_closed") == "true" && auth.HasRole(ctx, h.AdminRole)
	evs, err := h.Service.List(ctx, auth.UserID(ctx), includeClosed)
	if err != nil {
		h.writeError(w, r, "List", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Events retrieved", evs))
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	eventID, ok := eventIDParam(w, r)
	if !ok {
		return
	}
	ev, err := h.Service.Get(r.Context(), auth.UserID(r.Context()), eventID)
	if err != nil {
		h.writeError(w, r, "Get", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Event retrieved", ev))
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeEvent(w, r)
	if !ok {
		return
	}
	ev, err := h.Service.Create(r.Context(), models.EventRequest(req))
	if err != nil {
		h.writeError(w, r, "Create", err)
		return
	}
	utils.WriteJSON(w, http.StatusCreated, utils.SuccessResponse("Event created", ev))
}

func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	eventID, ok := eventIDParam(w, r)
	if !ok {
		return
	}
	req, ok := decodeEvent(w, r)
	if !ok {
		return
	}
	ev, err := h.Service.Update(r.Context(), eventID, models.EventRequest(req))
	if err != nil {
		h.writeError(w, r, "Update", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Event updated", ev))
}

func (h *Handler) AddPriority(w http.ResponseWriter, r *http.Request) {
	eventID, ok := eventIDParam(w, r)
	if !ok {
		return
	}
	var req priorityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		utils.WriteError(w, http.StatusBadRequest, "Validation failed", err.Error())
		return
	}
	rule, err := h.Service.AddPriorityRule(r.Context(), eventID, models.PriorityRuleRequest(req))
	if err != nil {
		h.writeError(w, r, "AddPriority", err)
		return
	}
	utils.WriteJSON(w, http.StatusCreated, utils.SuccessResponse("Priority rule added", rule))
}

func (h *Handler) RemovePriority(w http.ResponseWriter, r *http.Request) {
	eventID, ok := eventIDParam(w, r)
	if !ok {
		return
	}
	raw := chi.URLParam(r, "priorityId")
	ruleID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		utils.WriteError(w, http.StatusBadRequest, "Invalid priorityId", raw)
		return
	}
	if err := h.Service.RemovePriorityRule(r.Context(), eventID, ruleID); err != nil {
		h.writeError(w, r, "RemovePriority", err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Priority rule removed", nil))
}

func (h *Handler) Calendar(w http.ResponseWriter, r *http.Request) {
	eventID, ok := eventIDParam(w, r)
	if !ok {
		return
	}
	body, err := h.Service.Calendar(r.Context(), eventID)
	if err != nil {
		h.writeError(w, r, "Calendar", err)
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=event-%d.ics", eventID))
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func (h *Handler) AttendeeSheet(w http.ResponseWriter, r *http.Request) {
	eventID, ok := eventIDParam(w, r)
	if !ok {
		return
	}
	body, err := h.Service.AttendeeSheet(r.Context(), eventID)
	if err != nil {
		h.writeError(w, r, "AttendeeSheet", err)
		return
	}
	h.Logger.Info("API", fmt.Sprintf("AttendeeSheet: event %d exported by %s", eventID, auth.UserID(r.Context())))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=event-%d-registrations.xlsx", eventID))
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func decodeEvent(w http.ResponseWriter, r *http.Request) (eventRequest, bool) {
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return req, false
	}
	if err := req.Validate(); err != nil {
		utils.WriteError(w, http.StatusBadRequest, "Validation failed", err.Error())
		return req, false
	}
	return req, true
}

func eventIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "eventId")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		utils.WriteError(w, http.StatusBadRequest, "Invalid eventId", raw)
		return 0, false
	}
	return id, true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, events.ErrEventNotFound), errors.Is(err, events.ErrPriorityRuleNotFound):
		utils.WriteError(w, http.StatusNotFound, "Not found", err.Error())
	case errors.Is(err, events.ErrDuplicatePriority):
		utils.WriteError(w, http.StatusConflict, "Conflict", err.Error())
	default:
		h.Logger.Error("API", fmt.Sprintf("%s: %v", op, err))
		h.Tracker.CaptureError(r.Context(), err, map[string]string{"op": op})
		utils.WriteError(w, http.StatusInternalServerError, "Internal server error", "")
	}
}
