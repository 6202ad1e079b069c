package notification

import (
	"context"
	"sync"

	"ms-membership/internal/models"
)

// Hub fans notifications out to the in-app streams of each user.
type Hub struct {
	mu      sync.RWMutex
	clients map[string][]chan models.Notification
	buffer  int
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string][]chan models.Notification),
		buffer:  10,
	}
}

// Subscribe returns a channel that receives the user's notifications until ctx is done.
// The channel is closed after ctx ends.
func (h *Hub) Subscribe(ctx context.Context, userID string) <-chan models.Notification {
	ch := make(chan models.Notification, h.buffer)

	h.mu.Lock()
	h.clients[userID] = append(h.clients[userID], ch)
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.remove(userID, ch)
	}()
	return ch
}

// Publish delivers n to every open stream of its user. Slow clients miss messages
// rather than block the sender. Returns the number of streams reached.
func (h *Hub) Publish(n models.Notification) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	for _, ch := range h.clients[n.UserID] {
		select {
		case ch <- n:
			sent++
		default:
		}
	}
	return sent
}

func (h *Hub) remove(userID string, ch chan models.Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := h.clients[userID]
	for i, c := range clients {
		if c == ch {
			h.clients[userID] = append(clients[:i], clients[i+1:]...)
			close(ch)
			break
		}
	}
	if len(h.clients[userID]) == 0 {
		delete(h.clients, userID)
	}
}

func (h *Hub) ClientCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}
