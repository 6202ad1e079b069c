package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"ms-membership/internal/config"
	"ms-membership/internal/logger"
	"ms-membership/internal/models"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"
)

var ErrStripeAPIError = errors.New("stripe API error")

// StripeService takes payments through Stripe Checkout sessions.
type StripeService struct {
	client   *client.API
	cfg      config.StripeConfig
	currency string
	log      *logger.Logger
}

// WebhookResult is the order update carried by a verified Stripe event.
type WebhookResult struct {
	EventType string
	OrderID   string
	Status    models.OrderStatus
	Handled   bool
}

func NewStripeService(cfg config.StripeConfig, currency string, log *logger.Logger) (*StripeService, error) {
	if cfg.SecretKey == "" {
		log.Error("STRIPE", "STRIPE_SECRET_KEY environment variable not set")
		return nil, ErrClientInitFailed
	}

	sc := client.New(cfg.SecretKey, nil)
	if sc == nil {
		log.Error("STRIPE", "Failed to initialize Stripe client")
		return nil, ErrClientInitFailed
	}

	log.Info("STRIPE", "Stripe client initialized successfully")
	return &StripeService{client: sc, cfg: cfg, currency: currency, log: log}, nil
}

func (s *StripeService) Name() string { return "stripe" }

func (s *StripeService) Initiate(ctx context.Context, pr PaymentRequest) (*PaymentLink, error) {
	currency := pr.Currency
	if currency == "" {
		currency = s.currency
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(pr.OrderID),
		SuccessURL:        stripe.String(s.cfg.SuccessURL),
		CancelURL:         stripe.String(s.cfg.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(currency),
				UnitAmount: stripe.Int64(pr.Amount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(pr.Description),
				},
			},
			Quantity: stripe.Int64(1),
		}},
	}
	if pr.Email != "" {
		params.CustomerEmail = stripe.String(pr.Email)
	}
	params.Context = ctx
	params.AddMetadata("order_id", pr.OrderID)
	params.AddMetadata("user_id", pr.UserID)
	params.SetIdempotencyKey("checkout-" + pr.OrderID)

	sess, err := s.client.CheckoutSessions.New(params)
	if err != nil {
		s.log.Error("STRIPE", fmt.Sprintf("Failed to create checkout session for order %s: %v", pr.OrderID, err))
		return nil, fmt.Errorf("%w: %w: %v", ErrProviderRequest, ErrStripeAPIError, err)
	}

	s.log.LogPayment(s.Name(), "INITIATE", fmt.Sprintf("order %s session %s amount %d", pr.OrderID, sess.ID, pr.Amount))
	return &PaymentLink{URL: sess.URL, ProviderRef: sess.ID}, nil
}

func (s *StripeService) Status(ctx context.Context, order *models.Order) (models.OrderStatus, error) {
	if order.ProviderRef == "" {
		return "", fmt.Errorf("%w: order %s has no checkout session", ErrProviderNotFound, order.OrderID)
	}

	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	sess, err := s.client.CheckoutSessions.Get(order.ProviderRef, params)
	if err != nil {
		return "", fmt.Errorf("%w: %w: %v", ErrProviderRequest, ErrStripeAPIError, err)
	}
	if order.Status == models.OrderStatusRefund {
		return models.OrderStatusRefund, nil
	}
	return CheckoutSessionStatus(sess), nil
}

// CheckoutSessionStatus maps a Checkout Session onto the order state machine.
func CheckoutSessionStatus(sess *stripe.CheckoutSession) models.OrderStatus {
	switch {
	case sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid:
		return models.OrderStatusSale
	case sess.Status == stripe.CheckoutSessionStatusExpired:
		return models.OrderStatusCancel
	default:
		return models.OrderStatusInitiate
	}
}

func (s *StripeService) Refund(ctx context.Context, order *models.Order) error {
	getParams := &stripe.CheckoutSessionParams{}
	getParams.Context = ctx
	sess, err := s.client.CheckoutSessions.Get(order.ProviderRef, getParams)
	if err != nil {
		return fmt.Errorf("%w: %w: %v", ErrProviderRequest, ErrStripeAPIError, err)
	}
	if sess.PaymentIntent == nil || sess.PaymentIntent.ID == "" {
		return fmt.Errorf("%w: session %s has no payment intent", ErrProviderRequest, sess.ID)
	}

	params := &stripe.RefundParams{PaymentIntent: stripe.String(sess.PaymentIntent.ID)}
	params.Context = ctx
	if _, err := s.client.Refunds.New(params); err != nil {
		s.log.Error("STRIPE", fmt.Sprintf("Refund failed for order %s: %v", order.OrderID, err))
		return fmt.Errorf("%w: %w: %v", ErrProviderRequest, ErrStripeAPIError, err)
	}

	s.log.LogPayment(s.Name(), "REFUND", fmt.Sprintf("order %s intent %s", order.OrderID, sess.PaymentIntent.ID))
	return nil
}

// ParseWebhook verifies the Stripe-Signature header and extracts the order update.
// Events that do not concern checkout sessions come back with Handled false.
func (s *StripeService) ParseWebhook(payload []byte, signature string) (*WebhookResult, error) {
	return parseStripeWebhook(payload, signature, s.cfg.WebhookSecret)
}

func parseStripeWebhook(payload []byte, signature, secret string) (*WebhookResult, error) {
	if secret == "" {
		return nil, fmt.Errorf("stripe webhook secret is not configured")
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	result := &WebhookResult{EventType: string(event.Type)}
	switch result.EventType {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded",
		"checkout.session.expired", "checkout.session.async_payment_failed":
	default:
		return result, nil
	}

	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkout session: %w", err)
	}

	result.OrderID = sess.ClientReferenceID
	if result.OrderID == "" {
		result.OrderID = sess.Metadata["order_id"]
	}
	if result.OrderID == "" {
		return nil, fmt.Errorf("checkout session %s has no order reference", sess.ID)
	}

	if result.EventType == "checkout.session.async_payment_failed" {
		result.Status = models.OrderStatusCancel
	} else {
		result.Status = CheckoutSessionStatus(&sess)
	}
	result.Handled = true
	return result, nil
}
