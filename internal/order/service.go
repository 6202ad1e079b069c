package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ms-membership/internal/logger"
	"ms-membership/internal/models"
	"ms-membership/internal/payment/services"
	"ms-membership/internal/registration"
	"ms-membership/internal/tracker"

	"github.com/google/uuid"
)

type DBLayer interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrderByID(ctx context.Context, id string) (*models.Order, error)
	UpdateStatus(ctx context.Context, id string, status models.OrderStatus, now time.Time) error
	MarkReconciled(ctx context.Context, id string, now time.Time) error
	HasPaidOrder(ctx context.Context, userID string, eventID int64) (bool, error)
	LatestOrder(ctx context.Context, userID string, eventID int64) (*models.Order, error)
	ListOrdersForEvent(ctx context.Context, eventID int64) ([]models.Order, error)
	ListOrdersForUser(ctx context.Context, userID string) ([]models.Order, error)
	ListDueForCheck(ctx context.Context, now time.Time) ([]models.Order, error)
}

// Scheduler defers a payment check until an order's pay-by time has passed.
type Scheduler interface {
	Schedule(ctx context.Context, orderID string, delay time.Duration) error
}

type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// RegistrationRemover deletes the registration an unpaid order belonged to.
type RegistrationRemover interface {
	RemoveUnpaid(ctx context.Context, userID string, eventID int64) error
}

type Options struct {
	MerchantSerialNumber string
	Currency             string
	Topic                string
}

type OrderService struct {
	DB            DBLayer
	Provider      services.Provider
	Scheduler     Scheduler
	Kafka         Publisher
	Registrations RegistrationRemover
	Tracker       tracker.Reporter
	opts          Options
	logger        *logger.Logger
	now           func() time.Time
}

func NewOrderService(db DBLayer, provider services.Provider, scheduler Scheduler, kafka Publisher,
	reporter tracker.Reporter, opts Options, log *logger.Logger) *OrderService {
	if reporter == nil {
		reporter = tracker.Nop()
	}
	return &OrderService{
		DB:        db,
		Provider:  provider,
		Scheduler: scheduler,
		Kafka:     kafka,
		Tracker:   reporter,
		opts:      opts,
		logger:    log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetRegistrations closes the wiring loop with the registration service.
func (s *OrderService) SetRegistrations(r RegistrationRemover) {
	s.Registrations = r
}

// SetClock replaces the time source.
func (s *OrderService) SetClock(now func() time.Time) {
	s.now = now
}

// ---------------- CREATION ----------------

// PrepareOrder initiates a payment at the provider and returns the unsaved order.
// The caller persists it in the same transaction as the registration it pays for.
func (s *OrderService) PrepareOrder(ctx context.Context, user *models.User, event *models.Event) (*models.Order, error) {
	if !event.IsPaidEvent() {
		return nil, ErrFreeEvent
	}

	now := s.now()
	order := &models.Order{
		OrderID:    uuid.NewString(),
		UserID:     user.UserID,
		EventID:    event.EventID,
		Status:     models.OrderStatusInitiate,
		Amount:     models.AmountInMinorUnits(event.Price),
		ExpireDate: now.Add(event.PayTime()),
		Provider:   s.Provider.Name(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	link, err := s.Provider.Initiate(ctx, services.PaymentRequest{
		OrderID:     order.OrderID,
		Amount:      order.Amount,
		Currency:    s.opts.Currency,
		Description: event.Title,
		UserID:      user.UserID,
		Email:       user.Email,
	})
	if err != nil {
		return nil, fmt.Errorf("initiate payment for event %d: %w", event.EventID, err)
	}
	order.PaymentLink = link.URL
	order.ProviderRef = link.ProviderRef

	s.logger.LogOrder("PREPARE", order.OrderID, fmt.Sprintf("user %s event %d amount %d expires %s",
		user.UserID, event.EventID, order.Amount, order.ExpireDate.Format(time.RFC3339)))
	return order, nil
}

// ScheduleCheck registers the deferred payment check for a committed order and
// announces it. Failures are logged; the sweep picks the order up regardless.
func (s *OrderService) ScheduleCheck(ctx context.Context, order *models.Order) {
	var delay time.Duration
	if !order.Expired(s.now()) {
		delay = order.ExpireDate.Sub(s.now())
	}
	if err := s.Scheduler.Schedule(ctx, order.OrderID, delay); err != nil {
		s.logger.Error("ORDER", fmt.Sprintf("Failed to schedule payment check for %s: %v", order.OrderID, err))
		s.Tracker.CaptureError(ctx, err, map[string]string{"order_id": order.OrderID, "task": "schedule"})
	} else {
		s.logger.LogTask("SCHEDULE", fmt.Sprintf("payment check for order %s in %s", order.OrderID, delay))
	}
	s.publish(ctx, "order.created", order)
}

// ---------------- PROVIDER UPDATES ----------------

// HandleCallback applies a Vipps callback to the order it names.
func (s *OrderService) HandleCallback(ctx context.Context, orderID string, cb models.VippsCallback) error {
	if cb.MerchantSerialNumber != s.opts.MerchantSerialNumber {
		s.logger.LogSecurity("CALLBACK", fmt.Sprintf("merchant serial mismatch for order %s: %q", orderID, cb.MerchantSerialNumber))
		return ErrMerchantMismatch
	}

	status, ok := models.ParseOrderStatus(cb.TransactionInfo.Status)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownStatus, cb.TransactionInfo.Status)
	}
	return s.ApplyProviderStatus(ctx, orderID, status)
}

// ApplyProviderStatus writes a status reported by the provider.
func (s *OrderService) ApplyProviderStatus(ctx context.Context, orderID string, status models.OrderStatus) error {
	order, err := s.DB.GetOrderByID(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status == status {
		return nil
	}

	if err := s.DB.UpdateStatus(ctx, orderID, status, s.now()); err != nil {
		return fmt.Errorf("update order %s: %w", orderID, err)
	}

	s.logger.LogOrder("STATUS", orderID, fmt.Sprintf("%s -> %s", order.Status, status))
	order.Status = status
	s.publish(ctx, "order.status_changed", order)
	return nil
}

// RefreshStatus asks the provider for the current status and stores it.
func (s *OrderService) RefreshStatus(ctx context.Context, orderID string) (*models.Order, error) {
	order, err := s.DB.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	status, err := s.Provider.Status(ctx, order)
	if errors.Is(err, services.ErrProviderNotFound) {
		s.logger.Warn("ORDER", fmt.Sprintf("Provider has no payment for order %s, keeping %s", orderID, order.Status))
		return order, nil
	}
	if err != nil {
		return nil, fmt.Errorf("refresh order %s: %w", orderID, err)
	}

	if status != order.Status {
		if err := s.ApplyProviderStatus(ctx, orderID, status); err != nil {
			return nil, err
		}
		order.Status = status
	}
	return order, nil
}

// ---------------- RECONCILIATION ----------------

// CheckPayment runs once an order's pay-by time has passed. An unpaid order costs
// the user their registration. Provider failures are returned so the sweep retries;
// missing rows are reported and the check is considered done.
func (s *OrderService) CheckPayment(ctx context.Context, orderID string) error {
	order, err := s.RefreshStatus(ctx, orderID)
	if errors.Is(err, ErrOrderNotFound) {
		s.logger.Error("TASK", fmt.Sprintf("Payment check for unknown order %s", orderID))
		s.Tracker.CaptureError(ctx, err, map[string]string{"order_id": orderID, "task": "check_payment"})
		return nil
	}
	if err != nil {
		s.logger.Error("TASK", fmt.Sprintf("Payment check for %s failed: %v", orderID, err))
		return err
	}

	if !order.ReconciledAt.IsZero() {
		s.logger.LogTask("CHECK_PAYMENT", fmt.Sprintf("order %s already reconciled", orderID))
		return nil
	}

	if !order.IsPaid() {
		superseded, err := s.superseded(ctx, order)
		if err != nil {
			return err
		}
		if superseded {
			s.logger.LogTask("CHECK_PAYMENT", fmt.Sprintf("order %s superseded, registration kept", orderID))
		} else if err := s.removeRegistration(ctx, order); err != nil {
			return err
		}
	} else {
		s.logger.LogTask("CHECK_PAYMENT", fmt.Sprintf("order %s paid (%s)", orderID, order.Status))
	}

	if err := s.DB.MarkReconciled(ctx, orderID, s.now()); err != nil {
		return fmt.Errorf("mark order %s reconciled: %w", orderID, err)
	}
	s.dropPendingCheck(ctx, orderID)
	return nil
}

// dropPendingCheck removes a scheduled check that the sweep has already done.
func (s *OrderService) dropPendingCheck(ctx context.Context, orderID string) {
	c, ok := s.Scheduler.(interface {
		Cancel(ctx context.Context, orderID string) error
	})
	if !ok {
		return
	}
	if err := c.Cancel(ctx, orderID); err != nil {
		s.logger.Warn("TASK", fmt.Sprintf("Failed to drop pending check for %s: %v", orderID, err))
	}
}

// superseded is true when the user has paid through another order or a newer
// order has taken over the registration.
func (s *OrderService) superseded(ctx context.Context, order *models.Order) (bool, error) {
	paid, err := s.DB.HasPaidOrder(ctx, order.UserID, order.EventID)
	if err != nil {
		return false, err
	}
	if paid {
		return true, nil
	}

	latest, err := s.DB.LatestOrder(ctx, order.UserID, order.EventID)
	if err != nil {
		return false, err
	}
	return latest != nil && latest.OrderID != order.OrderID, nil
}

func (s *OrderService) removeRegistration(ctx context.Context, order *models.Order) error {
	err := s.Registrations.RemoveUnpaid(ctx, order.UserID, order.EventID)
	if errors.Is(err, registration.ErrRegistrationNotFound) {
		s.logger.Warn("TASK", fmt.Sprintf("No registration left for unpaid order %s", order.OrderID))
		s.Tracker.CaptureError(ctx, err, map[string]string{
			"order_id": order.OrderID,
			"user_id":  order.UserID,
			"task":     "check_payment",
		})
		return nil
	}
	if err != nil {
		return fmt.Errorf("remove unpaid registration for order %s: %w", order.OrderID, err)
	}

	s.logger.LogTask("CHECK_PAYMENT", fmt.Sprintf("order %s unpaid (%s), registration removed", order.OrderID, order.Status))
	s.publish(ctx, "order.expired", order)
	return nil
}

// SweepExpired checks every unreconciled, unpaid order whose pay-by time has passed.
// It returns how many checks completed.
func (s *OrderService) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	due, err := s.DB.ListDueForCheck(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list orders due for check: %w", err)
	}

	done := 0
	for _, o := range due {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		if err := s.CheckPayment(ctx, o.OrderID); err != nil {
			s.Tracker.CaptureError(ctx, err, map[string]string{"order_id": o.OrderID, "task": "sweep"})
			continue
		}
		done++
	}
	if len(due) > 0 {
		s.logger.LogTask("SWEEP", fmt.Sprintf("checked %d/%d expired orders", done, len(due)))
	}
	return done, nil
}

// ---------------- QUERIES & ADMIN ----------------

func (s *OrderService) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	return s.DB.GetOrderByID(ctx, id)
}

func (s *OrderService) HasPaidOrder(ctx context.Context, userID string, eventID int64) (bool, error) {
	return s.DB.HasPaidOrder(ctx, userID, eventID)
}

func (s *OrderService) LatestOrder(ctx context.Context, userID string, eventID int64) (*models.Order, error) {
	return s.DB.LatestOrder(ctx, userID, eventID)
}

func (s *OrderService) ListOrdersForEvent(ctx context.Context, eventID int64) ([]models.Order, error) {
	return s.DB.ListOrdersForEvent(ctx, eventID)
}

func (s *OrderService) ListOrdersForUser(ctx context.Context, userID string) ([]models.Order, error) {
	return s.DB.ListOrdersForUser(ctx, userID)
}

// Refund returns the money for a paid order.
func (s *OrderService) Refund(ctx context.Context, orderID string) (*models.Order, error) {
	order, err := s.DB.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !order.IsPaid() {
		return nil, ErrOrderNotPaid
	}

	if err := s.Provider.Refund(ctx, order); err != nil {
		return nil, fmt.Errorf("refund order %s: %w", orderID, err)
	}
	if err := s.ApplyProviderStatus(ctx, orderID, models.OrderStatusRefund); err != nil {
		return nil, err
	}
	order.Status = models.OrderStatusRefund
	return order, nil
}

func (s *OrderService) publish(ctx context.Context, eventType string, order *models.Order) {
	if s.Kafka == nil {
		return
	}
	payload, err := json.Marshal(models.OrderEvent{Type: eventType, Order: *order, Timestamp: s.now()})
	if err != nil {
		s.logger.Error("KAFKA", fmt.Sprintf("Failed to encode %s for %s: %v", eventType, order.OrderID, err))
		return
	}
	if err := s.Kafka.Publish(ctx, s.opts.Topic, order.OrderID, payload); err != nil {
		s.logger.Error("KAFKA", fmt.Sprintf("Kafka publish error (%s): %v", eventType, err))
		return
	}
	s.logger.LogKafka("PUBLISH", s.opts.Topic, fmt.Sprintf("%s %s", eventType, order.OrderID))
}
