package order_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"ms-membership/internal/logger"
	"ms-membership/internal/models"
	"ms-membership/internal/order"
	"ms-membership/internal/payment/services"
	"ms-membership/internal/registration"
	"ms-membership/internal/tracker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// Mock implementations
type MockDBLayer struct {
	mock.Mock
}

func (m *MockDBLayer) CreateOrder(ctx context.Context, o *models.Order) error {
	return m.Called(o).Error(0)
}

func (m *MockDBLayer) GetOrderByID(ctx context.Context, id string) (*models.Order, error) {
	args := m.Called(id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	o := *args.Get(0).(*models.Order)
	return &o, args.Error(1)
}

func (m *MockDBLayer) UpdateStatus(ctx context.Context, id string, status models.OrderStatus, now time.Time) error {
	return m.Called(id, status).Error(0)
}

func (m *MockDBLayer) MarkReconciled(ctx context.Context, id string, now time.Time) error {
	return m.Called(id).Error(0)
}

func (m *MockDBLayer) HasPaidOrder(ctx context.Context, userID string, eventID int64) (bool, error) {
	args := m.Called(userID, eventID)
	return args.Bool(0), args.Error(1)
}

func (m *MockDBLayer) LatestOrder(ctx context.Context, userID string, eventID int64) (*models.Order, error) {
	args := m.Called(userID, eventID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Order), args.Error(1)
}

func (m *MockDBLayer) ListOrdersForEvent(ctx context.Context, eventID int64) ([]models.Order, error) {
	args := m.Called(eventID)
	return args.Get(0).([]models.Order), args.Error(1)
}

func (m *MockDBLayer) ListOrdersForUser(ctx context.Context, userID string) ([]models.Order, error) {
	args := m.Called(userID)
	return args.Get(0).([]models.Order), args.Error(1)
}

func (m *MockDBLayer) ListDueForCheck(ctx context.Context, now time.Time) ([]models.Order, error) {
	args := m.Called(now)
	return args.Get(0).([]models.Order), args.Error(1)
}

type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) Name() string { return "mock" }

func (m *MockProvider) Initiate(ctx context.Context, req services.PaymentRequest) (*services.PaymentLink, error) {
	args := m.Called(req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.PaymentLink), args.Error(1)
}

func (m *MockProvider) Status(ctx context.Context, o *models.Order) (models.OrderStatus, error) {
	args := m.Called(o.OrderID)
	return args.Get(0).(models.OrderStatus), args.Error(1)
}

func (m *MockProvider) Refund(ctx context.Context, o *models.Order) error {
	return m.Called(o.OrderID).Error(0)
}

type MockScheduler struct {
	mock.Mock
}

func (m *MockScheduler) Schedule(ctx context.Context, orderID string, delay time.Duration) error {
	return m.Called(orderID, delay).Error(0)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	return m.Called(topic, key).Error(0)
}

type MockRemover struct {
	mock.Mock
}

func (m *MockRemover) RemoveUnpaid(ctx context.Context, userID string, eventID int64) error {
	return m.Called(userID, eventID).Error(0)
}

type recordingTracker struct {
	errs []error
}

func (r *recordingTracker) CaptureError(_ context.Context, err error, _ map[string]string) {
	r.errs = append(r.errs, err)
}

var now = time.Date(2024, 9, 1, 18, 0, 0, 0, time.UTC)

type fixture struct {
	svc       *order.OrderService
	db        *MockDBLayer
	provider  *MockProvider
	scheduler *MockScheduler
	kafka     *MockPublisher
	remover   *MockRemover
	tracker   *recordingTracker
}

func newFixture() *fixture {
	f := &fixture{
		db:        new(MockDBLayer),
		provider:  new(MockProvider),
		scheduler: new(MockScheduler),
		kafka:     new(MockPublisher),
		remover:   new(MockRemover),
		tracker:   &recordingTracker{},
	}
	f.kafka.On("Publish", "membership.orders", mock.Anything).Return(nil).Maybe()
	f.svc = order.NewOrderService(f.db, f.provider, f.scheduler, f.kafka, f.tracker, order.Options{
		MerchantSerialNumber: "123456",
		Currency:             "nok",
		Topic:                "membership.orders",
	}, logger.NewNop())
	f.svc.SetRegistrations(f.remover)
	f.svc.SetClock(func() time.Time { return now })
	return f
}

func unpaidOrder() *models.Order {
	return &models.Order{
		OrderID:    "order-1",
		UserID:     "user-1",
		EventID:    7,
		Status:     models.OrderStatusInitiate,
		Amount:     10000,
		ExpireDate: now,
	}
}

func TestPrepareOrder(t *testing.T) {
	f := newFixture()
	event := &models.Event{EventID: 7, Title: "Julebord", Price: 100.0, PayTimeSeconds: 3}
	user := &models.User{UserID: "user-1", Email: "ola@example.org"}

	f.provider.On("Initiate", mock.MatchedBy(func(req services.PaymentRequest) bool {
		return req.Amount == 10000 && req.Currency == "nok" && req.Description == "Julebord" && req.OrderID != ""
	})).Return(&services.PaymentLink{URL: "https://pay.example/1", ProviderRef: "ref-1"}, nil)

	o, err := f.svc.PrepareOrder(context.Background(), user, event)
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusInitiate, o.Status)
	assert.Equal(t, int64(10000), o.Amount)
	assert.Equal(t, now.Add(3*time.Second), o.ExpireDate)
	assert.Equal(t, "https://pay.example/1", o.PaymentLink)
	assert.Equal(t, "ref-1", o.ProviderRef)
	assert.Len(t, o.OrderID, 36)
	f.db.AssertNotCalled(t, "CreateOrder", mock.Anything)
}

func TestPrepareOrderFailures(t *testing.T) {
	f := newFixture()
	_, err := f.svc.PrepareOrder(context.Background(), &models.User{UserID: "u"}, &models.Event{EventID: 1})
	assert.ErrorIs(t, err, order.ErrFreeEvent)

	f.provider.On("Initiate", mock.Anything).Return(nil, services.ErrProviderRequest)
	_, err = f.svc.PrepareOrder(context.Background(), &models.User{UserID: "u"}, &models.Event{EventID: 1, Price: 50})
	assert.ErrorIs(t, err, services.ErrProviderRequest)
}

func TestScheduleCheckUsesRemainingPayTime(t *testing.T) {
	f := newFixture()
	o := unpaidOrder()
	o.ExpireDate = now.Add(90 * time.Second)

	f.scheduler.On("Schedule", "order-1", 90*time.Second).Return(nil).Once()
	f.svc.ScheduleCheck(context.Background(), o)
	f.scheduler.AssertExpectations(t)

	f.scheduler.On("Schedule", "order-1", time.Duration(0)).Return(errors.New("redis down")).Once()
	o.ExpireDate = now.Add(-time.Minute)
	f.svc.ScheduleCheck(context.Background(), o)
	assert.Len(t, f.tracker.errs, 1)
}

func TestHandleCallback(t *testing.T) {
	f := newFixture()
	f.db.On("GetOrderByID", "order-1").Return(unpaidOrder(), nil)
	f.db.On("UpdateStatus", "order-1", models.OrderStatusReserve).Return(nil).Once()

	err := f.svc.HandleCallback(context.Background(), "order-1", models.VippsCallback{
		MerchantSerialNumber: "123456",
		OrderID:              "order-1",
		TransactionInfo:      models.VippsTransactionInfo{Status: "RESERVED"},
	})
	require.NoError(t, err)
	f.db.AssertExpectations(t)
}

func TestHandleCallbackRejects(t *testing.T) {
	f := newFixture()

	err := f.svc.HandleCallback(context.Background(), "order-1", models.VippsCallback{MerchantSerialNumber: "999"})
	assert.ErrorIs(t, err, order.ErrMerchantMismatch)

	err = f.svc.HandleCallback(context.Background(), "order-1", models.VippsCallback{
		MerchantSerialNumber: "123456",
		TransactionInfo:      models.VippsTransactionInfo{Status: "WHATEVER"},
	})
	assert.ErrorIs(t, err, order.ErrUnknownStatus)

	f.db.On("GetOrderByID", "missing").Return(nil, order.ErrOrderNotFound)
	err = f.svc.HandleCallback(context.Background(), "missing", models.VippsCallback{
		MerchantSerialNumber: "123456",
		TransactionInfo:      models.VippsTransactionInfo{Status: "SALE"},
	})
	assert.ErrorIs(t, err, order.ErrOrderNotFound)
	f.db.AssertNotCalled(t, "UpdateStatus", mock.Anything, mock.Anything)
}

func TestCheckPaymentUnpaidRemovesRegistration(t *testing.T) {
	f := newFixture()
	f.db.On("GetOrderByID", "order-1").Return(unpaidOrder(), nil)
	f.provider.On("Status", "order-1").Return(models.OrderStatusInitiate, nil)
	f.db.On("HasPaidOrder", "user-1", int64(7)).Return(false, nil)
	f.db.On("LatestOrder", "user-1", int64(7)).Return(unpaidOrder(), nil)
	f.remover.On("RemoveUnpaid", "user-1", int64(7)).Return(nil).Once()
	f.db.On("MarkReconciled", "order-1").Return(nil).Once()

	require.NoError(t, f.svc.CheckPayment(context.Background(), "order-1"))
	f.remover.AssertExpectations(t)
	f.db.AssertExpectations(t)
}

func TestCheckPaymentPaidKeepsRegistration(t *testing.T) {
	f := newFixture()
	f.db.On("GetOrderByID", "order-1").Return(unpaidOrder(), nil)
	f.provider.On("Status", "order-1").Return(models.OrderStatusCapture, nil)
	f.db.On("UpdateStatus", "order-1", models.OrderStatusCapture).Return(nil)
	f.db.On("MarkReconciled", "order-1").Return(nil).Once()

	require.NoError(t, f.svc.CheckPayment(context.Background(), "order-1"))
	f.remover.AssertNotCalled(t, "RemoveUnpaid", mock.Anything, mock.Anything)
}

func TestCheckPaymentSupersededOrderKeepsRegistration(t *testing.T) {
	f := newFixture()
	newer := unpaidOrder()
	newer.OrderID = "order-2"

	f.db.On("GetOrderByID", "order-1").Return(unpaidOrder(), nil)
	f.provider.On("Status", "order-1").Return(models.OrderStatusInitiate, nil)
	f.db.On("HasPaidOrder", "user-1", int64(7)).Return(false, nil)
	f.db.On("LatestOrder", "user-1", int64(7)).Return(newer, nil)
	f.db.On("MarkReconciled", "order-1").Return(nil)

	require.NoError(t, f.svc.CheckPayment(context.Background(), "order-1"))
	f.remover.AssertNotCalled(t, "RemoveUnpaid", mock.Anything, mock.Anything)
}

func TestCheckPaymentMissingRowsAreReported(t *testing.T) {
	t.Run("order", func(t *testing.T) {
		f := newFixture()
		f.db.On("GetOrderByID", "gone").Return(nil, order.ErrOrderNotFound)

		require.NoError(t, f.svc.CheckPayment(context.Background(), "gone"))
		assert.Len(t, f.tracker.errs, 1)
	})

	t.Run("registration", func(t *testing.T) {
		f := newFixture()
		f.db.On("GetOrderByID", "order-1").Return(unpaidOrder(), nil)
		f.provider.On("Status", "order-1").Return(models.OrderStatusCancel, nil)
		f.db.On("UpdateStatus", "order-1", models.OrderStatusCancel).Return(nil)
		f.db.On("HasPaidOrder", "user-1", int64(7)).Return(false, nil)
		f.db.On("LatestOrder", "user-1", int64(7)).Return(unpaidOrder(), nil)
		f.remover.On("RemoveUnpaid", "user-1", int64(7)).Return(registration.ErrRegistrationNotFound)
		f.db.On("MarkReconciled", "order-1").Return(nil)

		require.NoError(t, f.svc.CheckPayment(context.Background(), "order-1"))
		require.Len(t, f.tracker.errs, 1)
		assert.ErrorIs(t, f.tracker.errs[0], registration.ErrRegistrationNotFound)
	})
}

func TestCheckPaymentProviderErrorIsRetried(t *testing.T) {
	f := newFixture()
	f.db.On("GetOrderByID", "order-1").Return(unpaidOrder(), nil)
	f.provider.On("Status", "order-1").Return(models.OrderStatus(""), services.ErrProviderRequest)

	err := f.svc.CheckPayment(context.Background(), "order-1")
	assert.ErrorIs(t, err, services.ErrProviderRequest)
	f.db.AssertNotCalled(t, "MarkReconciled", mock.Anything)
}

func TestSweepExpiredContinuesPastFailures(t *testing.T) {
	f := newFixture()
	failing := unpaidOrder()
	failing.OrderID = "order-fail"
	paid := unpaidOrder()
	paid.OrderID = "order-paid"
	paid.Status = models.OrderStatusSale

	f.db.On("ListDueForCheck", now).Return([]models.Order{*failing, *paid}, nil)
	f.db.On("GetOrderByID", "order-fail").Return(failing, nil)
	f.provider.On("Status", "order-fail").Return(models.OrderStatus(""), errors.New("timeout"))
	f.db.On("GetOrderByID", "order-paid").Return(paid, nil)
	f.provider.On("Status", "order-paid").Return(models.OrderStatusSale, nil)
	f.db.On("MarkReconciled", "order-paid").Return(nil)

	done, err := f.svc.SweepExpired(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, done)
	assert.Len(t, f.tracker.errs, 1)
}

func TestRefund(t *testing.T) {
	f := newFixture()
	paid := unpaidOrder()
	paid.Status = models.OrderStatusCapture

	f.db.On("GetOrderByID", "order-1").Return(paid, nil)
	f.provider.On("Refund", "order-1").Return(nil).Once()
	f.db.On("UpdateStatus", "order-1", models.OrderStatusRefund).Return(nil).Once()

	o, err := f.svc.Refund(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusRefund, o.Status)

	f2 := newFixture()
	f2.db.On("GetOrderByID", "order-1").Return(unpaidOrder(), nil)
	_, err = f2.svc.Refund(context.Background(), "order-1")
	assert.ErrorIs(t, err, order.ErrOrderNotPaid)
}

var _ tracker.Reporter = (*recordingTracker)(nil)

type cancellingScheduler struct {
	MockScheduler
	cancelled []string
}

func (c *cancellingScheduler) Cancel(ctx context.Context, orderID string) error {
	c.cancelled = append(c.cancelled, orderID)
	return nil
}

func TestCheckPaymentDropsPendingCheck(t *testing.T) {
	f := newFixture()
	sched := &cancellingScheduler{}
	f.svc.Scheduler = sched

	f.db.On("GetOrderByID", "order-1").Return(unpaidOrder(), nil)
	f.provider.On("Status", "order-1").Return(models.OrderStatusSale, nil)
	f.db.On("UpdateStatus", "order-1", models.OrderStatusSale).Return(nil)
	f.db.On("MarkReconciled", "order-1").Return(nil)

	require.NoError(t, f.svc.CheckPayment(context.Background(), "order-1"))
	assert.Equal(t, []string{"order-1"}, sched.cancelled)
}
