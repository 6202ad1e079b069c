package order_api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ms-membership/internal/auth"
	"ms-membership/internal/database/dbtest"
	"ms-membership/internal/logger"
	"ms-membership/internal/models"
	"ms-membership/internal/order"
	orderdb "ms-membership/internal/order/db"
	"ms-membership/internal/payment/services"
	"ms-membership/internal/tracker"
	"ms-membership/internal/utils"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	status   models.OrderStatus
	refunded []string
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) Initiate(context.Context, services.PaymentRequest) (*services.PaymentLink, error) {
	return &services.PaymentLink{URL: "https://pay.example"}, nil
}

func (p *stubProvider) Status(_ context.Context, o *models.Order) (models.OrderStatus, error) {
	return p.status, nil
}

func (p *stubProvider) Refund(_ context.Context, o *models.Order) error {
	p.refunded = append(p.refunded, o.OrderID)
	return nil
}

type noopScheduler struct{}

func (noopScheduler) Schedule(context.Context, string, time.Duration) error { return nil }

type noopRemover struct{}

func (noopRemover) RemoveUnpaid(context.Context, string, int64) error { return nil }

type testEnv struct {
	handler  *Handler
	provider *stubProvider
	store    *orderdb.DB
}

func setup(t *testing.T, status models.OrderStatus) *testEnv {
	store := orderdb.New(dbtest.New(t))
	provider := &stubProvider{status: status}
	svc := order.NewOrderService(store, provider, noopScheduler{}, nil, tracker.Nop(), order.Options{}, logger.NewNop())
	svc.SetRegistrations(noopRemover{})

	return &testEnv{
		handler:  NewHandler(svc, tracker.Nop(), "admin", logger.NewNop()),
		provider: provider,
		store:    store,
	}
}

// serve routes a request whose claims are already in its context.
func (e *testEnv) serve(req *http.Request) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	r.Route("/api/orders", e.handler.Routes)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func withClaims(req *http.Request, sub string, roles ...string) *http.Request {
	claims := &models.Claims{Sub: sub}
	claims.RealmAccess.Roles = roles
	return req.WithContext(auth.WithClaims(req.Context(), claims))
}

func (e *testEnv) seedOrder(t *testing.T, status models.OrderStatus) *models.Order {
	now := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	o := &models.Order{
		OrderID:    "8f2b1c7e-0000-4000-8000-000000000001",
		UserID:     "owner",
		EventID:    1,
		Status:     status,
		Amount:     5000,
		ExpireDate: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, e.store.CreateOrder(context.Background(), o))
	return o
}

func TestGetOrderRequiresToken(t *testing.T) {
	env := setup(t, models.OrderStatusInitiate)
	r := chi.NewRouter()
	r.Use(auth.Middleware(auth.UnverifiedParser{}, logger.NewNop()))
	r.Route("/api/orders", env.handler.Routes)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/orders/anything", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetOrderOwnership(t *testing.T) {
	env := setup(t, models.OrderStatusInitiate)
	o := env.seedOrder(t, models.OrderStatusInitiate)

	rec := env.serve(withClaims(httptest.NewRequest(http.MethodGet, "/api/orders/"+o.OrderID, nil), "owner"))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.serve(withClaims(httptest.NewRequest(http.MethodGet, "/api/orders/"+o.OrderID, nil), "stranger"))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.serve(withClaims(httptest.NewRequest(http.MethodGet, "/api/orders/"+o.OrderID, nil), "board", "admin"))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.serve(withClaims(httptest.NewRequest(http.MethodGet, "/api/orders/missing", nil), "owner"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListMyOrders(t *testing.T) {
	env := setup(t, models.OrderStatusInitiate)
	env.seedOrder(t, models.OrderStatusSale)

	rec := env.serve(withClaims(httptest.NewRequest(http.MethodGet, "/api/orders", nil), "owner"))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data []models.Order `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Data, 1)
}

func TestCheckOrderAdminOnly(t *testing.T) {
	env := setup(t, models.OrderStatusSale)
	o := env.seedOrder(t, models.OrderStatusInitiate)

	rec := env.serve(withClaims(httptest.NewRequest(http.MethodPost, "/api/orders/"+o.OrderID+"/check", nil), "owner"))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.serve(withClaims(httptest.NewRequest(http.MethodPost, "/api/orders/"+o.OrderID+"/check", nil), "board", "admin"))
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := env.store.GetOrderByID(context.Background(), o.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusSale, got.Status)
	assert.False(t, got.ReconciledAt.IsZero())
}

func TestRefundOrder(t *testing.T) {
	env := setup(t, models.OrderStatusCapture)
	o := env.seedOrder(t, models.OrderStatusCapture)

	rec := env.serve(withClaims(httptest.NewRequest(http.MethodPost, "/api/orders/"+o.OrderID+"/refund", nil), "board", "admin"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{o.OrderID}, env.provider.refunded)

	rec = env.serve(withClaims(httptest.NewRequest(http.MethodPost, "/api/orders/"+o.OrderID+"/refund", nil), "board", "admin"))
	assert.Equal(t, http.StatusConflict, rec.Code)

	var body utils.APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.Success)
}
