package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"ms-membership/internal/logger"
	"ms-membership/internal/models"
)

type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Dispatcher delivers notifications on a best-effort basis: to Kafka for the
// downstream mail and push workers, and to the user's open in-app streams.
type Dispatcher struct {
	Kafka  Publisher
	Hub    *Hub
	Topic  string
	Logger *logger.Logger
}

// NewDispatcher accepts a nil publisher when Kafka is disabled.
func NewDispatcher(kafka Publisher, hub *Hub, topic string, log *logger.Logger) *Dispatcher {
	return &Dispatcher{Kafka: kafka, Hub: hub, Topic: topic, Logger: log}
}

func (d *Dispatcher) Notify(ctx context.Context, n models.Notification) {
	if d.Hub != nil {
		d.Hub.Publish(n)
	}

	if d.Kafka == nil {
		d.Logger.Debug("NOTIFY", fmt.Sprintf("%s to %s (kafka disabled)", n.Type, n.UserID))
		return
	}
	payload, err := json.Marshal(n)
	if err != nil {
		d.Logger.Error("NOTIFY", fmt.Sprintf("Failed to encode %s for %s: %v", n.Type, n.UserID, err))
		return
	}
	if err := d.Kafka.Publish(ctx, d.Topic, n.UserID, payload); err != nil {
		d.Logger.Error("NOTIFY", fmt.Sprintf("Failed to publish %s for %s: %v", n.Type, n.UserID, err))
		return
	}
	d.Logger.LogKafka("PUBLISH", d.Topic, fmt.Sprintf("%s for %s", n.Type, n.UserID))
}
