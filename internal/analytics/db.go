package analytics

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"ms-membership/internal/models"

	"github.com/uptrace/bun"
)

// DB handles analytics database operations
type DB struct {
	bun bun.IDB
}

func NewDB(db bun.IDB) *DB {
	return &DB{bun: db}
}

// RegistrationCounts is one row per event of the registrations table, aggregated.
type RegistrationCounts struct {
	EventID    int64 `bun:"event_id"`
	Active     int   `bun:"active"`
	Waitlisted int   `bun:"waitlisted"`
	Attended   int   `bun:"attended"`
}

type OrderStatusCount struct {
	EventID int64              `bun:"event_id"`
	Status  models.OrderStatus `bun:"status"`
	Count   int                `bun:"count"`
	Amount  int64              `bun:"amount"`
}

func (db *DB) GetEvents(ctx context.Context, eventIDs []int64) ([]models.Event, error) {
	var events []models.Event
	err := db.bun.NewSelect().
		Model(&events).
		Where("event_id IN (?)", bun.In(eventIDs)).
		Order("event_id ASC").
		Scan(ctx)
	return events, err
}

func (db *DB) GetEvent(ctx context.Context, eventID int64) (*models.Event, error) {
	var e models.Event
	err := db.bun.NewSelect().Model(&e).Where("event_id = ?", eventID).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// GetRegistrationCounts counts active, waitlisted and attended registrations per event.
func (db *DB) GetRegistrationCounts(ctx context.Context, eventIDs []int64) ([]RegistrationCounts, error) {
	var counts []RegistrationCounts
	err := db.bun.NewSelect().
		TableExpr("registrations").
		ColumnExpr("event_id").
		ColumnExpr("SUM(CASE WHEN is_on_wait THEN 0 ELSE 1 END) AS active").
		ColumnExpr("SUM(CASE WHEN is_on_wait THEN 1 ELSE 0 END) AS waitlisted").
		ColumnExpr("SUM(CASE WHEN has_attended THEN 1 ELSE 0 END) AS attended").
		Where("event_id IN (?)", bun.In(eventIDs)).
		GroupExpr("event_id").
		Scan(ctx, &counts)
	return counts, err
}

func (db *DB) GetOrderStatusCounts(ctx context.Context, eventIDs []int64) ([]OrderStatusCount, error) {
	var counts []OrderStatusCount
	err := db.bun.NewSelect().
		TableExpr("orders").
		ColumnExpr("event_id, status").
		ColumnExpr("COUNT(*) AS count").
		ColumnExpr("COALESCE(SUM(amount), 0) AS amount").
		Where("event_id IN (?)", bun.In(eventIDs)).
		GroupExpr("event_id, status").
		OrderExpr("event_id, status").
		Scan(ctx, &counts)
	return counts, err
}

// GetRegistrationTimes returns when each registration of the event was created.
func (db *DB) GetRegistrationTimes(ctx context.Context, eventID int64) ([]time.Time, error) {
	var times []time.Time
	err := db.bun.NewSelect().
		Model((*models.Registration)(nil)).
		Column("created_at").
		Where("event_id = ?", eventID).
		Order("created_at ASC").
		Scan(ctx, &times)
	return times, err
}
