package order

import "errors"

var (
	ErrOrderNotFound    = errors.New("order not found")
	ErrMerchantMismatch = errors.New("merchant serial number mismatch")
	ErrUnknownStatus    = errors.New("unknown payment status")
	ErrOrderNotPaid     = errors.New("order is not paid")
	ErrFreeEvent        = errors.New("event has no price")
)
