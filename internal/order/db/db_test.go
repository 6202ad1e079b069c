package db_test

import (
	"context"
	"testing"
	"time"

	"ms-membership/internal/database/dbtest"
	"ms-membership/internal/models"
	"ms-membership/internal/order"
	"ms-membership/internal/order/db"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
)

var base = time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)

func newOrder(userID string, eventID int64, status models.OrderStatus, created time.Time) *models.Order {
	return &models.Order{
		OrderID:    uuid.NewString(),
		UserID:     userID,
		EventID:    eventID,
		Status:     status,
		Amount:     10000,
		ExpireDate: created.Add(time.Hour),
		CreatedAt:  created,
		UpdatedAt:  created,
	}
}

func setupTestDB(t *testing.T) (*db.DB, *bun.DB) {
	bunDB := dbtest.New(t)
	return db.New(bunDB), bunDB
}

func TestGetOrderByID(t *testing.T) {
	orderDB, _ := setupTestDB(t)
	ctx := context.Background()

	o := newOrder("user-1", 1, models.OrderStatusInitiate, base)
	require.NoError(t, orderDB.CreateOrder(ctx, o))

	got, err := orderDB.GetOrderByID(ctx, o.OrderID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, models.OrderStatusInitiate, got.Status)
	assert.True(t, got.ReconciledAt.IsZero())

	_, err = orderDB.GetOrderByID(ctx, "non-existent")
	assert.ErrorIs(t, err, order.ErrOrderNotFound)
}

func TestUpdateStatusAndReconcile(t *testing.T) {
	orderDB, _ := setupTestDB(t)
	ctx := context.Background()

	o := newOrder("user-1", 1, models.OrderStatusInitiate, base)
	require.NoError(t, orderDB.CreateOrder(ctx, o))

	require.NoError(t, orderDB.UpdateStatus(ctx, o.OrderID, models.OrderStatusReserve, base.Add(time.Minute)))
	require.NoError(t, orderDB.MarkReconciled(ctx, o.OrderID, base.Add(2*time.Minute)))

	got, err := orderDB.GetOrderByID(ctx, o.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusReserve, got.Status)
	assert.True(t, got.ReconciledAt.Equal(base.Add(2*time.Minute)))

	assert.ErrorIs(t, orderDB.UpdateStatus(ctx, "missing", models.OrderStatusSale, base), order.ErrOrderNotFound)
}

func TestHasPaidOrderAndLatest(t *testing.T) {
	orderDB, _ := setupTestDB(t)
	ctx := context.Background()

	first := newOrder("user-1", 1, models.OrderStatusCancel, base)
	second := newOrder("user-1", 1, models.OrderStatusInitiate, base.Add(time.Minute))
	other := newOrder("user-1", 2, models.OrderStatusSale, base)
	for _, o := range []*models.Order{first, second, other} {
		require.NoError(t, orderDB.CreateOrder(ctx, o))
	}

	paid, err := orderDB.HasPaidOrder(ctx, "user-1", 1)
	require.NoError(t, err)
	assert.False(t, paid)

	paid, err = orderDB.HasPaidOrder(ctx, "user-1", 2)
	require.NoError(t, err)
	assert.True(t, paid)

	latest, err := orderDB.LatestOrder(ctx, "user-1", 1)
	require.NoError(t, err)
	assert.Equal(t, second.OrderID, latest.OrderID)

	none, err := orderDB.LatestOrder(ctx, "user-2", 1)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestListDueForCheck(t *testing.T) {
	orderDB, _ := setupTestDB(t)
	ctx := context.Background()

	due := newOrder("user-1", 1, models.OrderStatusInitiate, base)
	paid := newOrder("user-2", 1, models.OrderStatusCapture, base)
	notYet := newOrder("user-3", 1, models.OrderStatusInitiate, base.Add(2*time.Hour))
	done := newOrder("user-4", 1, models.OrderStatusCancel, base)
	done.ReconciledAt = base.Add(time.Hour)
	for _, o := range []*models.Order{due, paid, notYet, done} {
		require.NoError(t, orderDB.CreateOrder(ctx, o))
	}

	// due expires exactly at base+1h; equality counts as expired.
	orders, err := orderDB.ListDueForCheck(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, due.OrderID, orders[0].OrderID)
}

func TestCloseOpenOrders(t *testing.T) {
	orderDB, _ := setupTestDB(t)
	ctx := context.Background()

	open := newOrder("user-1", 1, models.OrderStatusInitiate, base)
	paid := newOrder("user-1", 1, models.OrderStatusSale, base)
	otherEvent := newOrder("user-1", 2, models.OrderStatusInitiate, base)
	for _, o := range []*models.Order{open, paid, otherEvent} {
		require.NoError(t, orderDB.CreateOrder(ctx, o))
	}

	n, err := orderDB.CloseOpenOrders(ctx, "user-1", 1, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := orderDB.GetOrderByID(ctx, open.OrderID)
	require.NoError(t, err)
	assert.True(t, got.ReconciledAt.Equal(base.Add(time.Minute)))

	got, err = orderDB.GetOrderByID(ctx, paid.OrderID)
	require.NoError(t, err)
	assert.True(t, got.ReconciledAt.IsZero())

	orders, err := orderDB.ListDueForCheck(ctx, base.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, otherEvent.OrderID, orders[0].OrderID)
}

func TestListOrdersForEventAndUser(t *testing.T) {
	orderDB, _ := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, orderDB.CreateOrder(ctx, newOrder("user-1", 1, models.OrderStatusSale, base)))
	require.NoError(t, orderDB.CreateOrder(ctx, newOrder("user-2", 1, models.OrderStatusInitiate, base.Add(time.Minute))))
	require.NoError(t, orderDB.CreateOrder(ctx, newOrder("user-1", 2, models.OrderStatusInitiate, base)))

	forEvent, err := orderDB.ListOrdersForEvent(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, forEvent, 2)
	assert.Equal(t, "user-1", forEvent[0].UserID)

	forUser, err := orderDB.ListOrdersForUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, forUser, 2)
}

func TestWorksInsideTransaction(t *testing.T) {
	_, bunDB := setupTestDB(t)
	ctx := context.Background()
	o := newOrder("user-1", 1, models.OrderStatusInitiate, base)

	err := bunDB.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return db.New(tx).CreateOrder(ctx, o)
	})
	require.NoError(t, err)

	_, err = db.New(bunDB).GetOrderByID(ctx, o.OrderID)
	assert.NoError(t, err)
}
