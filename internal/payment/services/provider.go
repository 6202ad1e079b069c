package services

import (
	"context"
	"errors"

	"ms-membership/internal/models"
)

var (
	ErrProviderRequest   = errors.New("payment provider request failed")
	ErrProviderNotFound  = errors.New("payment not found at provider")
	ErrClientInitFailed  = errors.New("failed to initialize payment client")
	ErrInvalidSignature  = errors.New("invalid webhook signature")
	ErrUnsupportedStatus = errors.New("unsupported payment status")
)

// PaymentRequest is what a provider needs to start a payment for one order.
type PaymentRequest struct {
	OrderID     string
	Amount      int64 // minor units
	Currency    string
	Description string
	UserID      string
	Email       string
}

// PaymentLink is the provider's answer to an initiate call.
type PaymentLink struct {
	URL         string
	ProviderRef string
}

// Provider is a payment gateway the order service can start, query and refund payments with.
type Provider interface {
	Name() string
	Initiate(ctx context.Context, req PaymentRequest) (*PaymentLink, error)
	Status(ctx context.Context, order *models.Order) (models.OrderStatus, error)
	Refund(ctx context.Context, order *models.Order) error
}
