package registration_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ms-membership/internal/attendance"
	"ms-membership/internal/database/dbtest"
	"ms-membership/internal/logger"
	"ms-membership/internal/models"
	"ms-membership/internal/registration"
	regdb "ms-membership/internal/registration/db"
	regredis "ms-membership/internal/registration/redis"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []models.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, note models.Notification) {
	n.mu.Lock()
	n.sent = append(n.sent, note)
	n.mu.Unlock()
}

func (n *recordingNotifier) For(userID string) []models.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []models.Notification
	for _, note := range n.sent {
		if note.UserID == userID {
			out = append(out, note)
		}
	}
	return out
}

func (n *recordingNotifier) Reset() {
	n.mu.Lock()
	n.sent = nil
	n.mu.Unlock()
}

type fakePayments struct {
	mu        sync.Mutex
	err       error
	clock     *fakeClock
	scheduled []string
}

func (p *fakePayments) PrepareOrder(_ context.Context, user *models.User, event *models.Event) (*models.Order, error) {
	if p.err != nil {
		return nil, p.err
	}
	now := p.clock.Now()
	id := uuid.NewString()
	return &models.Order{
		OrderID:     id,
		UserID:      user.UserID,
		EventID:     event.EventID,
		Status:      models.OrderStatusInitiate,
		Amount:      models.AmountInMinorUnits(event.Price),
		ExpireDate:  now.Add(event.PayTime()),
		PaymentLink: "https://pay.test/" + id,
		Provider:    "fake",
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (p *fakePayments) ScheduleCheck(_ context.Context, order *models.Order) {
	p.mu.Lock()
	p.scheduled = append(p.scheduled, order.OrderID)
	p.mu.Unlock()
}

var errProviderDown = errors.New("provider down")

type fixture struct {
	t        *testing.T
	ctx      context.Context
	db       *bun.DB
	store    *regdb.DB
	svc      *registration.Service
	clock    *fakeClock
	notes    *recordingNotifier
	payments *fakePayments
	tickets  *attendance.QRGenerator
	mr       *miniredis.Miniredis
	redis    *redis.Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := dbtest.New(t)
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	tickets, err := attendance.NewQRGenerator("test-secret")
	require.NoError(t, err)

	f := &fixture{
		t:        t,
		ctx:      context.Background(),
		db:       db,
		store:    regdb.New(db),
		clock:    clock,
		notes:    &recordingNotifier{},
		payments: &fakePayments{clock: clock},
		tickets:  tickets,
		mr:       mr,
		redis:    client,
	}
	f.withPayments(f.payments)
	return f
}

// withPayments rebuilds the service around another order backend.
func (f *fixture) withPayments(p registration.Payments) {
	lock := regredis.NewEventLock(f.redis, 10*time.Second, 200*time.Millisecond, logger.NewNop())
	f.svc = registration.NewService(f.store, lock, p, f.notes, f.tickets, nil, logger.NewNop())
	f.svc.SetClock(f.clock.Now)
}

func (f *fixture) user(id, study, year string) *models.User {
	f.t.Helper()
	u := models.User{UserID: id, FirstName: id, Email: id + "@example.com", Study: study, StudyYear: year}
	require.NoError(f.t, f.svc.SyncUser(f.ctx, u))
	return &u
}

type eventOption func(*models.Event)

func paid(price float64, payTime time.Duration) eventOption {
	return func(e *models.Event) {
		e.Price = price
		e.PayTimeSeconds = int64(payTime / time.Second)
	}
}

func (f *fixture) event(limit int, opts ...eventOption) *models.Event {
	f.t.Helper()
	now := f.clock.Now()
	e := &models.Event{
		Title:               "Bedpres",
		Limit:               limit,
		SignUp:              true,
		StartDate:           now.Add(7 * 24 * time.Hour),
		EndDate:             now.Add(7*24*time.Hour + 2*time.Hour),
		StartRegistrationAt: now.Add(-time.Hour),
		EndRegistrationAt:   now.Add(24 * time.Hour),
		SignOffDeadline:     now.Add(48 * time.Hour),
		CreatedAt:           now,
	}
	for _, opt := range opts {
		opt(e)
	}
	_, err := f.db.NewInsert().Model(e).Exec(f.ctx)
	require.NoError(f.t, err)
	return e
}

func (f *fixture) prioritize(eventID int64, study, year string) {
	f.t.Helper()
	_, err := f.db.NewInsert().Model(&models.PriorityRule{EventID: eventID, Study: study, StudyYear: year}).Exec(f.ctx)
	require.NoError(f.t, err)
}

// register signs the user up and moves the clock on so creation times differ.
func (f *fixture) register(userID string, eventID int64) *models.Registration {
	f.t.Helper()
	reg, _, err := f.svc.Register(f.ctx, userID, eventID, true)
	require.NoError(f.t, err)
	f.clock.Advance(time.Second)
	return reg
}

func (f *fixture) reload(userID string, eventID int64) *models.Registration {
	f.t.Helper()
	reg, err := f.store.GetRegistration(f.ctx, userID, eventID)
	require.NoError(f.t, err)
	return reg
}

func (f *fixture) orders(eventID int64) []models.Order {
	f.t.Helper()
	var orders []models.Order
	require.NoError(f.t, f.db.NewSelect().Model(&orders).Where("event_id = ?", eventID).Scan(f.ctx))
	return orders
}

func types(notes []models.Notification) []models.NotificationType {
	out := make([]models.NotificationType, 0, len(notes))
	for _, n := range notes {
		out = append(out, n.Type)
	}
	return out
}
