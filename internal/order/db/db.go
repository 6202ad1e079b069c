package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"ms-membership/internal/models"
	"ms-membership/internal/order"

	"github.com/uptrace/bun"
)

// DB works on a *bun.DB or a bun.Tx alike.
type DB struct {
	Bun bun.IDB
}

func New(idb bun.IDB) *DB {
	return &DB{Bun: idb}
}

var paidStatuses = []models.OrderStatus{
	models.OrderStatusCapture,
	models.OrderStatusReserve,
	models.OrderStatusSale,
}

// ---------------- ORDERS ----------------

// CreateOrder → insert new order
func (d *DB) CreateOrder(ctx context.Context, o *models.Order) error {
	_, err := d.Bun.NewInsert().Model(o).Exec(ctx)
	return err
}

// GetOrderByID → fetch one order by its ID
func (d *DB) GetOrderByID(ctx context.Context, id string) (*models.Order, error) {
	var o models.Order
	err := d.Bun.NewSelect().
		Model(&o).
		Where("order_id = ?", id).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, order.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (d *DB) UpdateStatus(ctx context.Context, id string, status models.OrderStatus, now time.Time) error {
	res, err := d.Bun.NewUpdate().
		Model((*models.Order)(nil)).
		Set("status = ?", status).
		Set("updated_at = ?", now).
		Where("order_id = ?", id).
		Exec(ctx)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (d *DB) MarkReconciled(ctx context.Context, id string, now time.Time) error {
	res, err := d.Bun.NewUpdate().
		Model((*models.Order)(nil)).
		Set("reconciled_at = ?", now).
		Set("updated_at = ?", now).
		Where("order_id = ?", id).
		Exec(ctx)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// CloseOpenOrders marks a user's unpaid, unreconciled orders for an event as
// reconciled. Their pending checks then no longer touch the user's registration.
func (d *DB) CloseOpenOrders(ctx context.Context, userID string, eventID int64, now time.Time) (int, error) {
	res, err := d.Bun.NewUpdate().
		Model((*models.Order)(nil)).
		Set("reconciled_at = ?", now).
		Set("updated_at = ?", now).
		Where("user_id = ?", userID).
		Where("event_id = ?", eventID).
		Where("reconciled_at IS NULL").
		Where("status NOT IN (?)", bun.In(paidStatuses)).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return order.ErrOrderNotFound
	}
	return nil
}

// ---------------- RELATION QUERIES ----------------

func (d *DB) HasPaidOrder(ctx context.Context, userID string, eventID int64) (bool, error) {
	return d.Bun.NewSelect().
		Model((*models.Order)(nil)).
		Where("user_id = ?", userID).
		Where("event_id = ?", eventID).
		Where("status IN (?)", bun.In(paidStatuses)).
		Exists(ctx)
}

// LatestOrder returns the newest order of a user for an event, or nil.
func (d *DB) LatestOrder(ctx context.Context, userID string, eventID int64) (*models.Order, error) {
	var o models.Order
	err := d.Bun.NewSelect().
		Model(&o).
		Where("user_id = ?", userID).
		Where("event_id = ?", eventID).
		Order("created_at DESC", "order_id DESC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (d *DB) ListOrdersForEvent(ctx context.Context, eventID int64) ([]models.Order, error) {
	var orders []models.Order
	err := d.Bun.NewSelect().
		Model(&orders).
		Where("event_id = ?", eventID).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return orders, nil
}

func (d *DB) ListOrdersForUser(ctx context.Context, userID string) ([]models.Order, error) {
	var orders []models.Order
	err := d.Bun.NewSelect().
		Model(&orders).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return orders, nil
}

// ListDueForCheck → unpaid, unreconciled orders whose pay-by time has passed
func (d *DB) ListDueForCheck(ctx context.Context, now time.Time) ([]models.Order, error) {
	var orders []models.Order
	err := d.Bun.NewSelect().
		Model(&orders).
		Where("reconciled_at IS NULL").
		Where("status NOT IN (?)", bun.In(paidStatuses)).
		Where("expire_date <= ?", now).
		Order("expire_date ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return orders, nil
}
