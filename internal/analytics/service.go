package analytics

import (
	"context"
	"errors"
	"time"

	"ms-membership/internal/models"
)

var ErrEventNotFound = errors.New("event not found")

type Store interface {
	GetEvent(ctx context.Context, eventID int64) (*models.Event, error)
	GetEvents(ctx context.Context, eventIDs []int64) ([]models.Event, error)
	GetRegistrationCounts(ctx context.Context, eventIDs []int64) ([]RegistrationCounts, error)
	GetOrderStatusCounts(ctx context.Context, eventIDs []int64) ([]OrderStatusCount, error)
	GetRegistrationTimes(ctx context.Context, eventID int64) ([]time.Time, error)
}

// Service handles analytics operations
type Service struct {
	db Store
}

func NewService(db Store) *Service {
	return &Service{db: db}
}

// EventAnalytics summarizes sign-ups and payments for one event. Amounts are in minor units.
type EventAnalytics struct {
	EventID            int64          `json:"event_id"`
	Title              string         `json:"title"`
	Capacity           int            `json:"capacity"`
	Active             int            `json:"active"`
	Waitlisted         int            `json:"waitlisted"`
	Attended           int            `json:"attended"`
	FillRate           float64        `json:"fill_rate"`
	AttendanceRate     float64        `json:"attendance_rate"`
	OrdersByStatus     map[string]int `json:"orders_by_status"`
	PaidOrders         int            `json:"paid_orders"`
	PaidRevenue        int64          `json:"paid_revenue"`
	DailyRegistrations []DailyCount   `json:"daily_registrations,omitempty"`
}

type DailyCount struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// BatchAnalytics adds up several events.
type BatchAnalytics struct {
	EventIDs    []int64          `json:"event_ids"`
	Active      int              `json:"active"`
	Waitlisted  int              `json:"waitlisted"`
	Attended    int              `json:"attended"`
	PaidOrders  int              `json:"paid_orders"`
	PaidRevenue int64            `json:"paid_revenue"`
	Events      []EventAnalytics `json:"events"`
}

func (s *Service) GetEventAnalytics(ctx context.Context, eventID int64) (*EventAnalytics, error) {
	event, err := s.db.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	all, err := s.collect(ctx, []models.Event{*event})
	if err != nil {
		return nil, err
	}
	result := all[0]

	times, err := s.db.GetRegistrationTimes(ctx, eventID)
	if err != nil {
		return nil, err
	}
	result.DailyRegistrations = dailyCounts(times)
	return &result, nil
}

// GetBatchAnalytics ignores ids that do not exist.
func (s *Service) GetBatchAnalytics(ctx context.Context, eventIDs []int64) (*BatchAnalytics, error) {
	batch := &BatchAnalytics{EventIDs: []int64{}, Events: []EventAnalytics{}}
	if len(eventIDs) == 0 {
		return batch, nil
	}

	events, err := s.db.GetEvents(ctx, eventIDs)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return batch, nil
	}
	all, err := s.collect(ctx, events)
	if err != nil {
		return nil, err
	}

	for _, a := range all {
		batch.EventIDs = append(batch.EventIDs, a.EventID)
		batch.Active += a.Active
		batch.Waitlisted += a.Waitlisted
		batch.Attended += a.Attended
		batch.PaidOrders += a.PaidOrders
		batch.PaidRevenue += a.PaidRevenue
	}
	batch.Events = all
	return batch, nil
}

func (s *Service) collect(ctx context.Context, events []models.Event) ([]EventAnalytics, error) {
	ids := make([]int64, len(events))
	byID := make(map[int64]*EventAnalytics, len(events))
	out := make([]EventAnalytics, len(events))
	for i, e := range events {
		ids[i] = e.EventID
		out[i] = EventAnalytics{
			EventID:        e.EventID,
			Title:          e.Title,
			Capacity:       e.Limit,
			OrdersByStatus: map[string]int{},
		}
		byID[e.EventID] = &out[i]
	}

	counts, err := s.db.GetRegistrationCounts(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, c := range counts {
		if a := byID[c.EventID]; a != nil {
			a.Active, a.Waitlisted, a.Attended = c.Active, c.Waitlisted, c.Attended
		}
	}

	orders, err := s.db.GetOrderStatusCounts(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, o := range orders {
		a := byID[o.EventID]
		if a == nil {
			continue
		}
		a.OrdersByStatus[string(o.Status)] += o.Count
		if o.Status.IsPaid() {
			a.PaidOrders += o.Count
			a.PaidRevenue += o.Amount
		}
	}

	for i := range out {
		out[i].FillRate = ratio(out[i].Active, out[i].Capacity)
		out[i].AttendanceRate = ratio(out[i].Attended, out[i].Active)
	}
	return out, nil
}

func ratio(n, d int) float64 {
	if d <= 0 {
		return 0
	}
	return float64(n) / float64(d)
}

func dailyCounts(times []time.Time) []DailyCount {
	var out []DailyCount
	for _, t := range times {
		day := t.UTC().Format("2006-01-02")
		if len(out) > 0 && out[len(out)-1].Date == day {
			out[len(out)-1].Count++
			continue
		}
		out = append(out, DailyCount{Date: day, Count: 1})
	}
	return out
}
