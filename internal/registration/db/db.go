package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"ms-membership/internal/models"
	orderdb "ms-membership/internal/order/db"
	"ms-membership/internal/registration"

	"github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
)

// DB implements registration.Store on a *bun.DB or, inside RunInTx, a bun.Tx.
type DB struct {
	Bun bun.IDB
}

func New(idb bun.IDB) *DB {
	return &DB{Bun: idb}
}

func (d *DB) RunInTx(ctx context.Context, fn func(ctx context.Context, tx registration.Store) error) error {
	if _, ok := d.Bun.(bun.Tx); ok {
		return fn(ctx, d)
	}
	return d.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return fn(ctx, New(tx))
	})
}

func (d *DB) orders() *orderdb.DB {
	return orderdb.New(d.Bun)
}

// ---------------- USERS ----------------

func (d *DB) UpsertUser(ctx context.Context, u *models.User) error {
	_, err := d.Bun.NewInsert().
		Model(u).
		On("CONFLICT (user_id) DO UPDATE").
		Set("first_name = EXCLUDED.first_name").
		Set("last_name = EXCLUDED.last_name").
		Set("email = EXCLUDED.email").
		Set("study = EXCLUDED.study").
		Set("study_year = EXCLUDED.study_year").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

func (d *DB) GetUser(ctx context.Context, userID string) (*models.User, error) {
	var u models.User
	err := d.Bun.NewSelect().Model(&u).Where("user_id = ?", userID).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, registration.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// ---------------- EVENTS ----------------

func (d *DB) GetEvent(ctx context.Context, eventID int64) (*models.Event, error) {
	return d.selectEvent(ctx, eventID, false)
}

// LockEvent takes a row lock on PostgreSQL. SQLite serializes writers on its own.
func (d *DB) LockEvent(ctx context.Context, eventID int64) (*models.Event, error) {
	return d.selectEvent(ctx, eventID, d.Bun.Dialect().Name() == dialect.PG)
}

func (d *DB) selectEvent(ctx context.Context, eventID int64, forUpdate bool) (*models.Event, error) {
	var e models.Event
	q := d.Bun.NewSelect().
		Model(&e).
		Relation("PriorityRules").
		Where("event.event_id = ?", eventID)
	if forUpdate {
		q = q.For("UPDATE")
	}
	err := q.Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, registration.ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ---------------- REGISTRATIONS ----------------

func (d *DB) GetRegistration(ctx context.Context, userID string, eventID int64) (*models.Registration, error) {
	var r models.Registration
	err := d.Bun.NewSelect().
		Model(&r).
		Relation("User").
		Where("registration.user_id = ?", userID).
		Where("registration.event_id = ?", eventID).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, registration.ErrRegistrationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (d *DB) GetRegistrationByID(ctx context.Context, registrationID int64) (*models.Registration, error) {
	var r models.Registration
	err := d.Bun.NewSelect().
		Model(&r).
		Relation("User").
		Where("registration.registration_id = ?", registrationID).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, registration.ErrRegistrationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (d *DB) CountActive(ctx context.Context, eventID int64) (int, error) {
	return d.Bun.NewSelect().
		Model((*models.Registration)(nil)).
		Where("event_id = ?", eventID).
		Where("is_on_wait = ?", false).
		Count(ctx)
}

func (d *DB) ListActive(ctx context.Context, eventID int64) ([]*models.Registration, error) {
	return d.listByWait(ctx, eventID, false)
}

func (d *DB) ListWaitlist(ctx context.Context, eventID int64) ([]*models.Registration, error) {
	return d.listByWait(ctx, eventID, true)
}

func (d *DB) listByWait(ctx context.Context, eventID int64, onWait bool) ([]*models.Registration, error) {
	var regs []*models.Registration
	err := d.Bun.NewSelect().
		Model(&regs).
		Relation("User").
		Where("registration.event_id = ?", eventID).
		Where("registration.is_on_wait = ?", onWait).
		Order("registration.created_at ASC", "registration.registration_id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return regs, nil
}

func (d *DB) ListForEvent(ctx context.Context, eventID int64) ([]*models.Registration, error) {
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

func (d *DB) ListForUser(ctx context.Context, userID string) ([]*models.Registration, error) {
	var regs []*models.Registration
	err := d.Bun.NewSelect().
		Model(&regs).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return regs, nil
}

// WaitlistPosition counts the waitlisted registrations queued before reg, plus one.
func (d *DB) WaitlistPosition(ctx context.Context, reg *models.Registration) (int, error) {
	ahead, err := d.Bun.NewSelect().
		Model((*models.Registration)(nil)).
		Where("event_id = ?", reg.EventID).
		Where("is_on_wait = ?", true).
		WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("created_at < ?", reg.CreatedAt).
				WhereOr("created_at = ? AND registration_id < ?", reg.CreatedAt, reg.RegistrationID)
		}).
		Count(ctx)
	if err != nil {
		return 0, err
	}
	return ahead + 1, nil
}

func (d *DB) CreateRegistration(ctx context.Context, reg *models.Registration) error {
	_, err := d.Bun.NewInsert().Model(reg).Exec(ctx)
	if isUniqueViolation(err) {
		return registration.ErrAlreadyRegistered
	}
	return err
}

func (d *DB) SetOnWait(ctx context.Context, registrationID int64, onWait bool, now time.Time) error {
	res, err := d.Bun.NewUpdate().
		Model((*models.Registration)(nil)).
		Set("is_on_wait = ?", onWait).
		Set("updated_at = ?", now).
		Where("registration_id = ?", registrationID).
		Exec(ctx)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (d *DB) SetAttendance(ctx context.Context, registrationID int64, attended bool, now time.Time) error {
	res, err := d.Bun.NewUpdate().
		Model((*models.Registration)(nil)).
		Set("has_attended = ?", attended).
		Set("updated_at = ?", now).
		Where("registration_id = ?", registrationID).
		Exec(ctx)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (d *DB) DeleteRegistration(ctx context.Context, registrationID int64) error {
	res, err := d.Bun.NewDelete().
		Model((*models.Registration)(nil)).
		Where("registration_id = ?", registrationID).
		Exec(ctx)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return registration.ErrRegistrationNotFound
	}
	return nil
}

// ---------------- ORDERS ----------------

func (d *DB) CreateOrder(ctx context.Context, o *models.Order) error {
	return d.orders().CreateOrder(ctx, o)
}

func (d *DB) HasPaidOrder(ctx context.Context, userID string, eventID int64) (bool, error) {
	return d.orders().HasPaidOrder(ctx, userID, eventID)
}

func (d *DB) CloseOpenOrders(ctx context.Context, userID string, eventID int64, now time.Time) (int, error) {
	return d.orders().CloseOpenOrders(ctx, userID, eventID, now)
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
