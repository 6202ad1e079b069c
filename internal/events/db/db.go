package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"ms-membership/internal/events"
	"ms-membership/internal/models"

	"github.com/lib/pq"
	"github.com/uptrace/bun"
)

type DB struct {
	Bun bun.IDB
}

func New(idb bun.IDB) *DB {
	return &DB{Bun: idb}
}

func (d *DB) ListEvents(ctx context.Context, includeClosed bool) ([]models.Event, error) {
	var evs []models.Event
	q := d.Bun.NewSelect().
		Model(&evs).
		Relation("PriorityRules").
		Order("event.start_date ASC", "event.event_id ASC")
	if !includeClosed {
		q = q.Where("event.closed = ?", false)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return evs, nil
}

func (d *DB) GetEvent(ctx context.Context, eventID int64) (*models.Event, error) {
	var e models.Event
	err := d.Bun.NewSelect().
		Model(&e).
		Relation("PriorityRules").
		Where("event.event_id = ?", eventID).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, events.ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (d *DB) CreateEvent(ctx context.Context, e *models.Event) error {
	_, err := d.Bun.NewInsert().Model(e).Exec(ctx)
	return err
}

func (d *DB) UpdateEvent(ctx context.Context, e *models.Event) error {
	res, err := d.Bun.NewUpdate().
		Model(e).
		ExcludeColumn("event_id", "created_at").
		WherePK().
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return events.ErrEventNotFound
	}
	return nil
}

func (d *DB) AddPriorityRule(ctx context.Context, rule *models.PriorityRule) error {
	_, err := d.Bun.NewInsert().Model(rule).Exec(ctx)
	if isUniqueViolation(err) {
		return events.ErrDuplicatePriority
	}
	return err
}

func (d *DB) DeletePriorityRule(ctx context.Context, eventID, ruleID int64) error {
	res, err := d.Bun.NewDelete().
		Model((*models.PriorityRule)(nil)).
		Where("id = ?", ruleID).
		Where("event_id = ?", eventID).
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return events.ErrPriorityRuleNotFound
	}
	return nil
}

func (d *DB) RegistrationCounts(ctx context.Context, eventIDs []int64) (map[int64]events.Counts, error) {
	var rows []struct {
		EventID  int64 `bun:"event_id"`
		IsOnWait bool  `bun:"is_on_wait"`
		Count    int   `bun:"count"`
	}
	err := d.Bun.NewSelect().
		TableExpr("registrations").
		ColumnExpr("event_id, is_on_wait, COUNT(*) AS count").
		Where("event_id IN (?)", bun.In(eventIDs)).
		GroupExpr("event_id, is_on_wait").
		Scan(ctx, &rows)
	if err != nil {
		return nil, err
	}

	out := make(map[int64]events.Counts, len(eventIDs))
	for _, r := range rows {
		c := out[r.EventID]
		if r.IsOnWait {
			c.Waitlist = r.Count
		} else {
			c.Active = r.Count
		}
		out[r.EventID] = c
	}
	return out, nil
}

func (d *DB) RegisteredEventIDs(ctx context.Context, userID string, eventIDs []int64) (map[int64]bool, error) {
	var ids []int64
	err := d.Bun.NewSelect().
		Model((*models.Registration)(nil)).
		Column("event_id").
		Where("user_id = ?", userID).
		Where("event_id IN (?)", bun.In(eventIDs)).
		Scan(ctx, &ids)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

func (d *DB) ListRegistrations(ctx context.Context, eventID int64) ([]*models.Registration, error) {
	var regs []*models.Registration
	err := d.Bun.NewSelect().
		Model(&regs).
		Relation("User").
		Where("registration.event_id = ?", eventID).
		Order("registration.is_on_wait ASC", "registration.created_at ASC", "registration.registration_id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return regs, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
