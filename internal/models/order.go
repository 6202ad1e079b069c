package models

import (
	"math"
	"strings"
	"time"

	"github.com/uptrace/bun"
)

type OrderStatus string

const (
	OrderStatusInitiate OrderStatus = "INITIATE"
	OrderStatusReserve  OrderStatus = "RESERVE"
	OrderStatusCapture  OrderStatus = "CAPTURE"
	OrderStatusRefund   OrderStatus = "REFUND"
	OrderStatusCancel   OrderStatus = "CANCEL"
	OrderStatusSale     OrderStatus = "SALE"
	OrderStatusVoid     OrderStatus = "VOID"
)

// IsPaid reports whether the status counts as a completed payment.
func (s OrderStatus) IsPaid() bool {
	switch s {
	case OrderStatusCapture, OrderStatusReserve, OrderStatusSale:
		return true
	}
	return false
}

// ParseOrderStatus normalizes provider operation and callback status names.
func ParseOrderStatus(s string) (OrderStatus, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "INITIATE", "INITIATED":
		return OrderStatusInitiate, true
	case "RESERVE", "RESERVED":
		return OrderStatusReserve, true
	case "CAPTURE", "CAPTURED":
		return OrderStatusCapture, true
	case "REFUND", "REFUNDED":
		return OrderStatusRefund, true
	case "CANCEL", "CANCELLED", "CANCELED", "REJECTED", "RESERVE_FAILED", "SALE_FAILED":
		return OrderStatusCancel, true
	case "SALE":
		return OrderStatusSale, true
	case "VOID", "VOIDED":
		return OrderStatusVoid, true
	}
	return "", false
}

type Order struct {
	bun.BaseModel `bun:"table:orders"`

	OrderID      string      `bun:"order_id,pk" json:"order_id"`
	UserID       string      `bun:"user_id,notnull" json:"user_id"`
	EventID      int64       `bun:"event_id,notnull" json:"event_id"`
	Status       OrderStatus `bun:"status,notnull" json:"status"`
	Amount       int64       `bun:"amount,notnull" json:"amount"`
	ExpireDate   time.Time   `bun:"expire_date,notnull" json:"expire_date"`
	PaymentLink  string      `bun:"payment_link" json:"payment_link"`
	Provider     string      `bun:"provider" json:"provider"`
	ProviderRef  string      `bun:"provider_ref" json:"-"`
	ReconciledAt time.Time   `bun:"reconciled_at,nullzero" json:"reconciled_at,omitempty"`
	CreatedAt    time.Time   `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt    time.Time   `bun:"updated_at,notnull" json:"updated_at"`
}

func (o *Order) IsPaid() bool {
	return o.Status.IsPaid()
}

// Expired is true from the expire date onwards.
func (o *Order) Expired(now time.Time) bool {
	return !now.Before(o.ExpireDate)
}

// AmountInMinorUnits converts a price in major currency units (kroner) to øre.
func AmountInMinorUnits(price float64) int64 {
	return int64(math.Round(price * 100))
}

type VippsCallback struct {
	MerchantSerialNumber string               `json:"merchantSerialNumber"`
	OrderID              string               `json:"orderId"`
	TransactionInfo      VippsTransactionInfo `json:"transactionInfo"`
}

type VippsTransactionInfo struct {
	Amount        int64  `json:"amount"`
	Status        string `json:"status"`
	TimeStamp     string `json:"timeStamp"`
	TransactionID string `json:"transactionId"`
}

// OrderEvent is published to Kafka on every order status change.
type OrderEvent struct {
	Type      string    `json:"type"`
	Order     Order     `json:"order"`
	Timestamp time.Time `json:"timestamp"`
}
