package registration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ms-membership/internal/attendance"
	"ms-membership/internal/logger"
	"ms-membership/internal/models"
	"ms-membership/internal/tracker"
)

// Store is the persistence the registration flow needs. Implementations must be
// usable both on a plain connection and inside RunInTx.
type Store interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error

	UpsertUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, userID string) (*models.User, error)
	GetEvent(ctx context.Context, eventID int64) (*models.Event, error)
	// LockEvent reloads the event and holds its row until the transaction ends.
	LockEvent(ctx context.Context, eventID int64) (*models.Event, error)

	GetRegistration(ctx context.Context, userID string, eventID int64) (*models.Registration, error)
	GetRegistrationByID(ctx context.Context, registrationID int64) (*models.Registration, error)
	CountActive(ctx context.Context, eventID int64) (int, error)
	ListActive(ctx context.Context, eventID int64) ([]*models.Registration, error)
	ListWaitlist(ctx context.Context, eventID int64) ([]*models.Registration, error)
	ListForEvent(ctx context.Context, eventID int64) ([]*models.Registration, error)
	ListForUser(ctx context.Context, userID string) ([]*models.Registration, error)
	WaitlistPosition(ctx context.Context, reg *models.Registration) (int, error)
	CreateRegistration(ctx context.Context, reg *models.Registration) error
	SetOnWait(ctx context.Context, registrationID int64, onWait bool, now time.Time) error
	SetAttendance(ctx context.Context, registrationID int64, attended bool, now time.Time) error
	DeleteRegistration(ctx context.Context, registrationID int64) error

	CreateOrder(ctx context.Context, order *models.Order) error
	HasPaidOrder(ctx context.Context, userID string, eventID int64) (bool, error)
	// CloseOpenOrders settles unpaid orders left behind by a deleted registration.
	CloseOpenOrders(ctx context.Context, userID string, eventID int64, now time.Time) (int, error)
}

// Payments creates orders for paid events.
type Payments interface {
	PrepareOrder(ctx context.Context, user *models.User, event *models.Event) (*models.Order, error)
	ScheduleCheck(ctx context.Context, order *models.Order)
}

type Notifier interface {
	Notify(ctx context.Context, n models.Notification)
}

// Locker serializes capacity decisions for one event across instances.
type Locker interface {
	Acquire(ctx context.Context, eventID int64) (release func(), err error)
}

type TicketCodec interface {
	Decode(token string) (*attendance.Ticket, error)
	PNG(t attendance.Ticket) ([]byte, error)
}

type Service struct {
	store    Store
	locker   Locker
	payments Payments
	notifier Notifier
	tickets  TicketCodec
	tracker  tracker.Reporter
	logger   *logger.Logger
	now      func() time.Time
}

func NewService(store Store, locker Locker, payments Payments, notifier Notifier, tickets TicketCodec,
	reporter tracker.Reporter, log *logger.Logger) *Service {
	if reporter == nil {
		reporter = tracker.Nop()
	}
	return &Service{
		store:    store,
		locker:   locker,
		payments: payments,
		notifier: notifier,
		tickets:  tickets,
		tracker:  reporter,
		logger:   log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// SyncUser stores the latest profile the identity provider sent for a user.
func (s *Service) SyncUser(ctx context.Context, user models.User) error {
	user.UpdatedAt = s.now()
	return s.store.UpsertUser(ctx, &user)
}

// ---------------- REGISTER ----------------

type registerResult struct {
	reg       *models.Registration
	displaced *models.Registration
	order     *models.Order
	event     *models.Event
}

// Register signs a user up for an event. The registration is active when a slot is
// free or a non-prioritized user can be bumped, otherwise it joins the waitlist.
// A paid active registration gets a payment order in the same transaction.
func (s *Service) Register(ctx context.Context, userID string, eventID int64, allowPhoto bool) (*models.Registration, *models.Order, error) {
	now := s.now()

	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	event, err := s.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, nil, err
	}
	if err := validateSignUp(event, user, now); err != nil {
		return nil, nil, err
	}

	release, err := s.locker.Acquire(ctx, eventID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrEventBusy, err)
	}
	defer release()

	var res registerResult
	err = s.store.RunInTx(ctx, func(ctx context.Context, tx Store) error {
		event, err := tx.LockEvent(ctx, eventID)
		if err != nil {
			return err
		}
		// the event may have changed while we waited for the lock
		if err := validateSignUp(event, user, now); err != nil {
			return err
		}
		res.event = event

		if _, err := tx.GetRegistration(ctx, userID, eventID); err == nil {
			return ErrAlreadyRegistered
		} else if !errors.Is(err, ErrRegistrationNotFound) {
			return err
		}

		active, err := tx.CountActive(ctx, eventID)
		if err != nil {
			return err
		}

		reg := &models.Registration{
			UserID:     userID,
			EventID:    eventID,
			IsOnWait:   active >= event.Limit,
			AllowPhoto: allowPhoto,
			CreatedAt:  now,
			UpdatedAt:  now,
		}

		if reg.IsOnWait && IsPrioritized(event.PriorityRules, user) {
			actives, err := tx.ListActive(ctx, eventID)
			if err != nil {
				return err
			}
			if victim := PickSwapCandidate(actives, event.PriorityRules); victim != nil {
				if err := tx.SetOnWait(ctx, victim.RegistrationID, true, now); err != nil {
					return err
				}
				victim.IsOnWait = true
				res.displaced = victim
				reg.IsOnWait = false
			}
		}

		if err := tx.CreateRegistration(ctx, reg); err != nil {
			return err
		}
		res.reg = reg

		if !event.IsPaidEvent() || reg.IsOnWait {
			return nil
		}
		paid, err := tx.HasPaidOrder(ctx, userID, eventID)
		if err != nil || paid {
			return err
		}
		order, err := s.payments.PrepareOrder(ctx, user, event)
		if err != nil {
			return err
		}
		if err := tx.CreateOrder(ctx, order); err != nil {
			return err
		}
		res.order = order
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	s.afterRegister(ctx, res)
	return res.reg, res.order, nil
}

func validateSignUp(event *models.Event, user *models.User, now time.Time) error {
	if event.Closed {
		return ErrEventClosed
	}
	if !event.SignUp {
		return ErrSignUpDisabled
	}
	started, ended := event.RegistrationOpen(now)
	if !started {
		return ErrRegistrationNotOpen
	}
	if ended {
		return ErrRegistrationClosed
	}
	if event.OnlyAllowPrioritized && !IsPrioritized(event.PriorityRules, user) {
		return ErrOnlyPrioritized
	}
	return nil
}

func (s *Service) afterRegister(ctx context.Context, res registerResult) {
	reg, event := res.reg, res.event

	if reg.IsOnWait {
		position, err := s.store.WaitlistPosition(ctx, reg)
		if err != nil {
			s.logger.Warn("REGISTRATION", fmt.Sprintf("Waitlist position for registration %d: %v", reg.RegistrationID, err))
		}
		s.logger.LogRegistration("CREATE", event.EventID, reg.UserID, fmt.Sprintf("waitlisted at position %d", position))
		s.notify(ctx, reg.UserID, models.NotificationRegistrationWaitlist, event,
			fmt.Sprintf("You are number %d on the waitlist for %s.", position, event.Title), "")
	} else {
		body := fmt.Sprintf("You have a place at %s.", event.Title)
		link := ""
		if res.order != nil {
			body = fmt.Sprintf("You have a place at %s. Pay within %s to keep it.", event.Title, models.FormatPayTime(event.PayTime()))
			link = res.order.PaymentLink
		}
		s.logger.LogRegistration("CREATE", event.EventID, reg.UserID, "active")
		s.notify(ctx, reg.UserID, models.NotificationRegistrationConfirmed, event, body, link)
	}

	if res.displaced != nil {
		s.logger.LogRegistration("SWAP", event.EventID, res.displaced.UserID, fmt.Sprintf("moved to waitlist for %s", reg.UserID))
		s.notify(ctx, res.displaced.UserID, models.NotificationMovedToWaitlist, event,
			fmt.Sprintf("A prioritized member took your place at %s. You are now on the waitlist.", event.Title), "")
	}

	if res.order != nil {
		s.payments.ScheduleCheck(ctx, res.order)
	}
}

// ---------------- UNREGISTER ----------------

// Unregister removes a user's own registration. Freeing an active slot promotes
// one waitlisted registration.
func (s *Service) Unregister(ctx context.Context, userID string, eventID int64) error {
	now := s.now()

	event, err := s.store.GetEvent(ctx, eventID)
	if err != nil {
		return err
	}
	if event.SignOffDeadlinePassed(now) {
		return ErrSignOffDeadlinePassed
	}

	release, err := s.locker.Acquire(ctx, eventID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEventBusy, err)
	}
	defer release()

	var promoted *models.Registration
	err = s.store.RunInTx(ctx, func(ctx context.Context, tx Store) error {
		locked, err := tx.LockEvent(ctx, eventID)
		if err != nil {
			return err
		}
		event = locked

		reg, err := tx.GetRegistration(ctx, userID, eventID)
		if err != nil {
			return err
		}
		if err := tx.DeleteRegistration(ctx, reg.RegistrationID); err != nil {
			return err
		}
		if _, err := tx.CloseOpenOrders(ctx, userID, eventID, now); err != nil {
			return err
		}
		if reg.IsOnWait {
			return nil
		}

		promoted, err = s.promote(ctx, tx, event, now)
		return err
	})
	if err != nil {
		return err
	}

	s.logger.LogRegistration("DELETE", eventID, userID, "unregistered")
	if promoted != nil {
		s.afterPromotion(ctx, event, promoted)
	}
	return nil
}

// promote hands the seat an active registration just gave up to one waitlisted
// registration. It does not recheck the limit, so a lowered limit only shrinks
// the active list through removals that do not promote.
func (s *Service) promote(ctx context.Context, tx Store, event *models.Event, now time.Time) (*models.Registration, error) {
	waitlist, err := tx.ListWaitlist(ctx, event.EventID)
	if err != nil {
		return nil, err
	}
	next := PickPromotion(waitlist, event.PriorityRules)
	if next == nil {
		return nil, nil
	}
	if err := tx.SetOnWait(ctx, next.RegistrationID, false, now); err != nil {
		return nil, err
	}
	next.IsOnWait = false
	return next, nil
}

// afterPromotion notifies the promoted user. For a paid event it first tries to
// create their order; failing that the user is still promoted.
func (s *Service) afterPromotion(ctx context.Context, event *models.Event, reg *models.Registration) {
	s.logger.LogRegistration("PROMOTE", event.EventID, reg.UserID, "moved off the waitlist")

	body := fmt.Sprintf("A place opened up at %s and it is yours.", event.Title)
	link := ""
	if event.IsPaidEvent() {
		order, err := s.orderForPromotion(ctx, event, reg)
		if err != nil {
			s.logger.Error("REGISTRATION", fmt.Sprintf("Order for promoted user %s on event %d: %v", reg.UserID, event.EventID, err))
			s.tracker.CaptureError(ctx, err, map[string]string{
				"user_id":  reg.UserID,
				"event_id": fmt.Sprint(event.EventID),
				"task":     "promotion_order",
			})
		} else if order != nil {
			body = fmt.Sprintf("A place opened up at %s. Pay within %s to keep it.", event.Title, models.FormatPayTime(event.PayTime()))
			link = order.PaymentLink
		}
	}
	s.notify(ctx, reg.UserID, models.NotificationRegistrationPromoted, event, body, link)
}

func (s *Service) orderForPromotion(ctx context.Context, event *models.Event, reg *models.Registration) (*models.Order, error) {
	paid, err := s.store.HasPaidOrder(ctx, reg.UserID, event.EventID)
	if err != nil || paid {
		return nil, err
	}
	user, err := s.store.GetUser(ctx, reg.UserID)
	if err != nil {
		return nil, err
	}
	order, err := s.payments.PrepareOrder(ctx, user, event)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateOrder(ctx, order); err != nil {
		return nil, err
	}
	s.payments.ScheduleCheck(ctx, order)
	return order, nil
}

// AdminRemove deletes a registration regardless of deadlines. Nobody is promoted.
func (s *Service) AdminRemove(ctx context.Context, registrationID int64) error {
	reg, err := s.store.GetRegistrationByID(ctx, registrationID)
	if err != nil {
		return err
	}
	err = s.store.RunInTx(ctx, func(ctx context.Context, tx Store) error {
		if err := tx.DeleteRegistration(ctx, registrationID); err != nil {
			return err
		}
		_, err := tx.CloseOpenOrders(ctx, reg.UserID, reg.EventID, s.now())
		return err
	})
	if err != nil {
		return err
	}
	s.logger.LogRegistration("ADMIN_DELETE", reg.EventID, reg.UserID, fmt.Sprintf("registration %d removed", registrationID))
	return nil
}

// RemoveUnpaid deletes a registration whose payment window ran out. Nobody is promoted.
func (s *Service) RemoveUnpaid(ctx context.Context, userID string, eventID int64) error {
	reg, err := s.store.GetRegistration(ctx, userID, eventID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteRegistration(ctx, reg.RegistrationID); err != nil {
		return err
	}
	s.logger.LogRegistration("UNPAID", eventID, userID, "registration removed")

	event, err := s.store.GetEvent(ctx, eventID)
	if err != nil {
		event = &models.Event{EventID: eventID, Title: fmt.Sprintf("event %d", eventID)}
	}
	s.notify(ctx, userID, models.NotificationRemovedUnpaid, event,
		fmt.Sprintf("Your registration for %s was removed because it was not paid in time.", event.Title), "")
	return nil
}

// ---------------- ATTENDANCE ----------------

func (s *Service) MarkAttendance(ctx context.Context, registrationID int64, attended bool) (*models.Registration, error) {
	reg, err := s.store.GetRegistrationByID(ctx, registrationID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if err := s.store.SetAttendance(ctx, registrationID, attended, now); err != nil {
		return nil, err
	}
	reg.HasAttended = attended
	reg.UpdatedAt = now
	s.logger.LogRegistration("ATTENDANCE", reg.EventID, reg.UserID, fmt.Sprintf("attended=%t", attended))
	return reg, nil
}

// CheckIn marks attendance from a scanned QR token.
func (s *Service) CheckIn(ctx context.Context, token string) (*models.Registration, error) {
	ticket, err := s.tickets.Decode(token)
	if err != nil {
		s.logger.LogSecurity("CHECKIN", fmt.Sprintf("rejected token: %v", err))
		return nil, ErrInvalidCheckIn
	}

	reg, err := s.store.GetRegistrationByID(ctx, ticket.RegistrationID)
	if err != nil {
		return nil, err
	}
	if reg.UserID != ticket.UserID || reg.EventID != ticket.EventID {
		s.logger.LogSecurity("CHECKIN", fmt.Sprintf("token for registration %d does not match its owner", reg.RegistrationID))
		return nil, ErrInvalidCheckIn
	}
	if reg.IsOnWait {
		return nil, ErrOnWaitlist
	}
	return s.MarkAttendance(ctx, reg.RegistrationID, true)
}

// TicketQR renders the check-in QR code for the owner's active registration.
func (s *Service) TicketQR(ctx context.Context, userID string, registrationID int64) ([]byte, error) {
	reg, err := s.store.GetRegistrationByID(ctx, registrationID)
	if err != nil {
		return nil, err
	}
	if reg.UserID != userID {
		return nil, ErrRegistrationNotFound
	}
	if reg.IsOnWait {
		return nil, ErrOnWaitlist
	}
	return s.tickets.PNG(attendance.Ticket{
		RegistrationID: reg.RegistrationID,
		UserID:         reg.UserID,
		EventID:        reg.EventID,
	})
}

// ---------------- QUERIES ----------------

func (s *Service) Get(ctx context.Context, userID string, eventID int64) (*models.Registration, error) {
	return s.store.GetRegistration(ctx, userID, eventID)
}

// ListForEvent returns active registrations first, then the waitlist, each oldest first.
func (s *Service) ListForEvent(ctx context.Context, eventID int64) ([]*models.Registration, error) {
	if _, err := s.store.GetEvent(ctx, eventID); err != nil {
		return nil, err
	}
	return s.store.ListForEvent(ctx, eventID)
}

func (s *Service) ListForUser(ctx context.Context, userID string) ([]*models.Registration, error) {
	return s.store.ListForUser(ctx, userID)
}

// WaitlistPosition is 1-based; active registrations have position 0.
func (s *Service) WaitlistPosition(ctx context.Context, reg *models.Registration) (int, error) {
	if !reg.IsOnWait {
		return 0, nil
	}
	return s.store.WaitlistPosition(ctx, reg)
}

func (s *Service) notify(ctx context.Context, userID string, kind models.NotificationType, event *models.Event, body, link string) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, models.Notification{
		UserID:    userID,
		Type:      kind,
		EventID:   event.EventID,
		Title:     event.Title,
		Body:      body,
		Link:      link,
		CreatedAt: s.now(),
	})
}
