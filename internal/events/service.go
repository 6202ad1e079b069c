package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ms-membership/internal/logger"
	"ms-membership/internal/models"
)

var (
	ErrEventNotFound        = errors.New("event not found")
	ErrPriorityRuleNotFound = errors.New("priority rule not found")
	ErrDuplicatePriority    = errors.New("priority rule already exists")
)

type Store interface {
	ListEvents(ctx context.Context, includeClosed bool) ([]models.Event, error)
	GetEvent(ctx context.Context, eventID int64) (*models.Event, error)
	CreateEvent(ctx context.Context, e *models.Event) error
	UpdateEvent(ctx context.Context, e *models.Event) error
	AddPriorityRule(ctx context.Context, rule *models.PriorityRule) error
	DeletePriorityRule(ctx context.Context, eventID, ruleID int64) error
	RegistrationCounts(ctx context.Context, eventIDs []int64) (map[int64]Counts, error)
	RegisteredEventIDs(ctx context.Context, userID string, eventIDs []int64) (map[int64]bool, error)
	ListRegistrations(ctx context.Context, eventID int64) ([]*models.Registration, error)
}

type Counts struct {
	Active   int
	Waitlist int
}

type Service struct {
	db     Store
	logger *logger.Logger
	now    func() time.Time
	// PublicURL is linked from calendar entries.
	PublicURL string
}

func NewService(db Store, publicURL string, log *logger.Logger) *Service {
	return &Service{
		db:        db,
		logger:    log,
		now:       func() time.Time { return time.Now().UTC() },
		PublicURL: publicURL,
	}
}

// List returns events for a member. Closed events are only listed for admins.
func (s *Service) List(ctx context.Context, userID string, includeClosed bool) ([]models.EventResponse, error) {
	evs, err := s.db.ListEvents(ctx, includeClosed)
	if err != nil {
		return nil, err
	}
	return s.describe(ctx, userID, evs)
}

func (s *Service) Get(ctx context.Context, userID string, eventID int64) (*models.EventResponse, error) {
	e, err := s.db.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	out, err := s.describe(ctx, userID, []models.Event{*e})
	if err != nil {
		return nil, err
	}
	return &out[0], nil
}

func (s *Service) describe(ctx context.Context, userID string, evs []models.Event) ([]models.EventResponse, error) {
	out := make([]models.EventResponse, 0, len(evs))
	if len(evs) == 0 {
		return out, nil
	}
	ids := make([]int64, len(evs))
	for i, e := range evs {
		ids[i] = e.EventID
	}

	counts, err := s.db.RegistrationCounts(ctx, ids)
	if err != nil {
		return nil, err
	}
	registered := map[int64]bool{}
	if userID != "" {
		if registered, err = s.db.RegisteredEventIDs(ctx, userID, ids); err != nil {
			return nil, err
		}
	}

	for _, e := range evs {
		c := counts[e.EventID]
		out = append(out, models.EventResponse{
			Event:         e,
			PayTime:       models.FormatPayTime(e.PayTime()),
			ActiveCount:   c.Active,
			WaitlistCount: c.Waitlist,
			Registered:    registered[e.EventID],
		})
	}
	return out, nil
}

func (s *Service) Create(ctx context.Context, req models.EventRequest) (*models.Event, error) {
	e := &models.Event{CreatedAt: s.now()}
	if err := apply(e, req); err != nil {
		return nil, err
	}
	if err := s.db.CreateEvent(ctx, e); err != nil {
		return nil, err
	}
	s.logger.Info("EVENTS", fmt.Sprintf("Created event %d %q (limit %d)", e.EventID, e.Title, e.Limit))
	return e, nil
}

// Update overwrites the editable fields. Raising the limit does not promote anyone.
func (s *Service) Update(ctx context.Context, eventID int64, req models.EventRequest) (*models.Event, error) {
	e, err := s.db.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if err := apply(e, req); err != nil {
		return nil, err
	}
	if err := s.db.UpdateEvent(ctx, e); err != nil {
		return nil, err
	}
	s.logger.Info("EVENTS", fmt.Sprintf("Updated event %d", eventID))
	return e, nil
}

func (s *Service) AddPriorityRule(ctx context.Context, eventID int64, req models.PriorityRuleRequest) (*models.PriorityRule, error) {
	e, err := s.db.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	for _, r := range e.PriorityRules {
		if r.Study == req.Study && r.StudyYear == req.StudyYear {
			return nil, ErrDuplicatePriority
		}
	}
	rule := &models.PriorityRule{EventID: eventID, Study: req.Study, StudyYear: req.StudyYear}
	if err := s.db.AddPriorityRule(ctx, rule); err != nil {
		return nil, err
	}
	return rule, nil
}

func (s *Service) RemovePriorityRule(ctx context.Context, eventID, ruleID int64) error {
	return s.db.DeletePriorityRule(ctx, eventID, ruleID)
}

func apply(e *models.Event, req models.EventRequest) error {
	payTime := e.PayTime()
	if req.PayTime != "" {
		d, err := models.ParsePayTime(req.PayTime)
		if err != nil {
			return err
		}
		payTime = d
	}
	if payTime == 0 {
		payTime = 24 * time.Hour
	}

	e.Title = req.Title
	e.Description = req.Description
	e.Location = req.Location
	e.StartDate = req.StartDate.UTC()
	e.EndDate = req.EndDate.UTC()
	e.Limit = req.Limit
	e.Closed = req.Closed
	e.SignUp = req.SignUp
	e.StartRegistrationAt = req.StartRegistrationAt.UTC()
	e.EndRegistrationAt = req.EndRegistrationAt.UTC()
	e.SignOffDeadline = req.SignOffDeadline.UTC()
	e.OnlyAllowPrioritized = req.OnlyAllowPrioritized
	e.Price = req.Price
	e.PayTimeSeconds = int64(payTime / time.Second)
	return nil
}
