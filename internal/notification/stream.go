package notification

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"ms-membership/internal/auth"
	"ms-membership/internal/logger"
)

// StreamHandler serves a user's notifications as Server-Sent Events.
type StreamHandler struct {
	Hub       *Hub
	Logger    *logger.Logger
	KeepAlive time.Duration
}

func NewStreamHandler(hub *Hub, log *logger.Logger) *StreamHandler {
	return &StreamHandler{Hub: hub, Logger: log, KeepAlive: 30 * time.Second}
}

func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ctx := r.Context()
	events := h.Hub.Subscribe(ctx, userID)
	h.Logger.Debug("NOTIFY", fmt.Sprintf("stream opened for %s", userID))

	ticker := time.NewTicker(h.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.Logger.Debug("NOTIFY", fmt.Sprintf("stream closed for %s", userID))
			return
		case n, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(n)
			if err != nil {
				h.Logger.Error("NOTIFY", fmt.Sprintf("Failed to encode notification: %v", err))
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", n.Type, data)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}
