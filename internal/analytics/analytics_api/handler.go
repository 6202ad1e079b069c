package analytics_api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"ms-membership/internal/analytics"
	"ms-membership/internal/auth"
	"ms-membership/internal/logger"
	"ms-membership/internal/utils"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
)

const maxBatchEvents = 100

// Handler handles analytics HTTP endpoints
type Handler struct {
	Service     *analytics.Service
	Logger      *logger.Logger
	RedisClient *redis.Client
	CacheTTL    time.Duration
	AdminRole   string
}

func NewHandler(service *analytics.Service, adminRole string, logger *logger.Logger) *Handler {
	return &Handler{
		Service:   service,
		Logger:    logger,
		AdminRole: adminRole,
	}
}

// NewHandlerWithRedis caches single-event analytics in Redis for ttl.
func NewHandlerWithRedis(service *analytics.Service, adminRole string, logger *logger.Logger, redisClient *redis.Client, ttl time.Duration) *Handler {
	h := NewHandler(service, adminRole, logger)
	h.RedisClient = redisClient
	h.CacheTTL = ttl
	return h
}

// RegisterRoutes mounts under /api/analytics. All routes are admin only.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireRole(h.AdminRole, h.Logger))
		r.Get("/events/{eventId}", h.GetEventAnalytics)
		r.Post("/events/batch", h.GetBatchEventAnalytics)
	})
}

func (h *Handler) GetEventAnalytics(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "eventId")
	eventID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || eventID <= 0 {
		utils.WriteError(w, http.StatusBadRequest, "Invalid eventId", raw)
		return
	}

	if cached, ok := h.cached(r.Context(), eventID); ok {
		utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Analytics retrieved", cached))
		return
	}

	result, err := h.Service.GetEventAnalytics(r.Context(), eventID)
	if errors.Is(err, analytics.ErrEventNotFound) {
		utils.WriteError(w, http.StatusNotFound, "Not found", err.Error())
		return
	}
	if err != nil {
		h.Logger.Error("ANALYTICS", fmt.Sprintf("Error getting analytics for event %d: %v", eventID, err))
		utils.WriteError(w, http.StatusInternalServerError, "Failed to get analytics", "")
		return
	}
	h.store(r.Context(), result)
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Analytics retrieved", result))
}

func (h *Handler) GetBatchEventAnalytics(w http.ResponseWriter, r *http.Request) {
	var request struct {
		EventIDs []int64 `json:"event_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		utils.WriteError(w, http.StatusBadRequest, "Invalid request format", err.Error())
		return
	}
	if len(request.EventIDs) == 0 {
		utils.WriteError(w, http.StatusBadRequest, "No event IDs provided", "")
		return
	}
	if len(request.EventIDs) > maxBatchEvents {
		utils.WriteError(w, http.StatusBadRequest, fmt.Sprintf("At most %d events per request", maxBatchEvents), "")
		return
	}

	result, err := h.Service.GetBatchAnalytics(r.Context(), request.EventIDs)
	if err != nil {
		h.Logger.Error("ANALYTICS", "Error getting batch event analytics: "+err.Error())
		utils.WriteError(w, http.StatusInternalServerError, "Failed to get analytics", "")
		return
	}

	h.Logger.Info("ANALYTICS", fmt.Sprintf("Returning aggregated analytics for %d events", len(result.EventIDs)))
	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Analytics retrieved", result))
}

func cacheKey(eventID int64) string {
	return fmt.Sprintf("analytics:event:%d", eventID)
}

func (h *Handler) cached(ctx context.Context, eventID int64) (*analytics.EventAnalytics, bool) {
	if h.RedisClient == nil {
		return nil, false
	}
	raw, err := h.RedisClient.Get(ctx, cacheKey(eventID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			h.Logger.Warn("ANALYTICS", fmt.Sprintf("Cache read failed: %v", err))
		}
		return nil, false
	}
	var result analytics.EventAnalytics
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, false
	}
	return &result, true
}

func (h *Handler) store(ctx context.Context, result *analytics.EventAnalytics) {
	if h.RedisClient == nil || h.CacheTTL <= 0 {
		return
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := h.RedisClient.Set(ctx, cacheKey(result.EventID), raw, h.CacheTTL).Err(); err != nil {
		h.Logger.Warn("ANALYTICS", fmt.Sprintf("Cache write failed: %v", err))
	}
}
