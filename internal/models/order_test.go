package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOrderExpired(t *testing.T) {
	expire := time.Date(2024, 9, 1, 18, 0, 0, 0, time.UTC)
	o := &Order{ExpireDate: expire}

	assert.False(t, o.Expired(expire.Add(-time.Nanosecond)))
	assert.True(t, o.Expired(expire))
	assert.True(t, o.Expired(expire.Add(time.Hour)))
}

func TestAmountInMinorUnits(t *testing.T) {
	assert.Equal(t, int64(15000), AmountInMinorUnits(150))
	assert.Equal(t, int64(1999), AmountInMinorUnits(19.99))
	assert.Zero(t, AmountInMinorUnits(0))
}

func TestParseOrderStatus(t *testing.T) {
	cases := map[string]OrderStatus{
		"RESERVED":        OrderStatusReserve,
		" captured ":      OrderStatusCapture,
		"SALE":            OrderStatusSale,
		"REJECTED":        OrderStatusCancel,
		"RESERVE_FAILED":  OrderStatusCancel,
		"refunded":        OrderStatusRefund,
		"VOID":            OrderStatusVoid,
		"INITIATE":        OrderStatusInitiate,
	}
	for in, want := range cases {
		got, ok := ParseOrderStatus(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}

	_, ok := ParseOrderStatus("PENDING")
	assert.False(t, ok)

	assert.True(t, OrderStatusReserve.IsPaid())
	assert.False(t, OrderStatusRefund.IsPaid())
}
