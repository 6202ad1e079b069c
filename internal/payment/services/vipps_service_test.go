package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"ms-membership/internal/config"
	"ms-membership/internal/logger"
	"ms-membership/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeVipps struct {
	tokenCalls int32
	history    []vippsLogEntry
	initiated  vippsInitiateRequest
	refunded   bool
	failNext   int
}

func (f *fakeVipps) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/accesstoken/get", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.tokenCalls, 1)
		assert.Equal(t, "client", r.Header.Get("client_id"))
		assert.Equal(t, "secret", r.Header.Get("client_secret"))
		json.NewEncoder(w).Encode(map[string]string{
			"token_type":   "Bearer",
			"expires_in":   "3600",
			"access_token": "access",
		})
	})
	mux.HandleFunc("/ecomm/v2/payments", func(w http.ResponseWriter, r *http.Request) {
		if f.failNext > 0 {
			f.failNext--
			http.Error(w, `{"errorMessage":"boom"}`, http.StatusBadGateway)
			return
		}
		assert.Equal(t, "Bearer access", r.Header.Get("Authorization"))
		assert.Equal(t, "123456", r.Header.Get("Merchant-Serial-Number"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&f.initiated))
		json.NewEncoder(w).Encode(vippsInitiateResponse{
			OrderID: f.initiated.Transaction.OrderID,
			URL:     "https://vipps.example/pay/" + f.initiated.Transaction.OrderID,
		})
	})
	mux.HandleFunc("/ecomm/v2/payments/order-1/details", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(vippsDetailsResponse{OrderID: "order-1", TransactionLogHistory: f.history})
	})
	mux.HandleFunc("/ecomm/v2/payments/order-1/refund", func(w http.ResponseWriter, r *http.Request) {
		f.refunded = true
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func newTestVipps(t *testing.T, f *fakeVipps) *VippsService {
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	return NewVippsService(config.VippsConfig{
		BaseURL:              srv.URL,
		ClientID:             "client",
		ClientSecret:         "secret",
		SubscriptionKey:      "sub",
		MerchantSerialNumber: "123456",
		CallbackPrefix:       "https://membership.example/api/payments",
		FallbackURL:          "https://membership.example/payment",
		Timeout:              time.Second,
	}, nil, logger.NewNop())
}

func TestVippsInitiate(t *testing.T) {
	f := &fakeVipps{}
	svc := newTestVipps(t, f)

	link, err := svc.Initiate(context.Background(), PaymentRequest{OrderID: "order-1", Amount: 10000, Description: "Julebord"})
	require.NoError(t, err)

	assert.Equal(t, "https://vipps.example/pay/order-1", link.URL)
	assert.Equal(t, int64(10000), f.initiated.Transaction.Amount)
	assert.Equal(t, "https://membership.example/api/payments", f.initiated.MerchantInfo.CallbackPrefix)
	assert.Equal(t, "https://membership.example/payment/order-1", f.initiated.MerchantInfo.FallBack)

	_, err = svc.Initiate(context.Background(), PaymentRequest{OrderID: "order-2", Amount: 10000})
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.tokenCalls))
}

func TestVippsInitiateProviderError(t *testing.T) {
	f := &fakeVipps{failNext: 1}
	svc := newTestVipps(t, f)

	_, err := svc.Initiate(context.Background(), PaymentRequest{OrderID: "order-1", Amount: 100})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProviderRequest))
	assert.Contains(t, err.Error(), "502")
}

func TestVippsStatusUsesLatestSuccessfulOperation(t *testing.T) {
	f := &fakeVipps{history: []vippsLogEntry{
		{Operation: "CAPTURE", OperationSuccess: false, TimeStamp: "2024-05-01T12:03:00Z"},
		{Operation: "RESERVE", OperationSuccess: true, TimeStamp: "2024-05-01T12:02:00Z"},
		{Operation: "INITIATE", OperationSuccess: true, TimeStamp: "2024-05-01T12:00:00Z"},
	}}
	svc := newTestVipps(t, f)

	status, err := svc.Status(context.Background(), &models.Order{OrderID: "order-1", Status: models.OrderStatusInitiate})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusReserve, status)
}

func TestVippsStatusEmptyHistoryKeepsStatus(t *testing.T) {
	svc := newTestVipps(t, &fakeVipps{})

	status, err := svc.Status(context.Background(), &models.Order{OrderID: "order-1", Status: models.OrderStatusInitiate})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusInitiate, status)
}

func TestVippsRefund(t *testing.T) {
	f := &fakeVipps{}
	svc := newTestVipps(t, f)

	require.NoError(t, svc.Refund(context.Background(), &models.Order{OrderID: "order-1", Amount: 10000}))
	assert.True(t, f.refunded)
}
