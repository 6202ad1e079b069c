package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/uptrace/bun"
)

type Event struct {
	bun.BaseModel `bun:"table:events"`

	EventID              int64     `bun:"event_id,pk,autoincrement" json:"event_id"`
	Title                string    `bun:"title,notnull" json:"title"`
	Description          string    `bun:"description" json:"description"`
	Location             string    `bun:"location" json:"location"`
	StartDate            time.Time `bun:"start_date" json:"start_date"`
	EndDate              time.Time `bun:"end_date" json:"end_date"`
	Limit                int       `bun:"capacity,notnull" json:"limit"`
	Closed               bool      `bun:"closed,notnull" json:"closed"`
	SignUp               bool      `bun:"sign_up,notnull" json:"sign_up"`
	StartRegistrationAt  time.Time `bun:"start_registration_at,nullzero" json:"start_registration_at"`
	EndRegistrationAt    time.Time `bun:"end_registration_at,nullzero" json:"end_registration_at"`
	SignOffDeadline      time.Time `bun:"sign_off_deadline,nullzero" json:"sign_off_deadline"`
	OnlyAllowPrioritized bool      `bun:"only_allow_prioritized,notnull" json:"only_allow_prioritized"`
	Price                float64   `bun:"price,notnull" json:"price"`
	PayTimeSeconds       int64     `bun:"paytime_seconds,notnull" json:"-"`
	CreatedAt            time.Time `bun:"created_at" json:"created_at"`

	PriorityRules []*PriorityRule `bun:"rel:has-many,join:event_id=event_id" json:"priority_rules,omitempty"`
}

// PriorityRule gives users of one study program and class year precedence for an event.
type PriorityRule struct {
	bun.BaseModel `bun:"table:priority_rules"`

	ID        int64  `bun:"id,pk,autoincrement" json:"id"`
	EventID   int64  `bun:"event_id,notnull" json:"event_id"`
	Study     string `bun:"study,notnull" json:"study"`
	StudyYear string `bun:"study_year,notnull" json:"study_year"`
}

func (r PriorityRule) Matches(u *User) bool {
	return u != nil && r.Study == u.Study && r.StudyYear == u.StudyYear
}

func (e *Event) IsPaidEvent() bool {
	return e.Price > 0
}

func (e *Event) PayTime() time.Duration {
	return time.Duration(e.PayTimeSeconds) * time.Second
}

// RegistrationOpen reports whether a sign-up at now falls inside the registration window.
// A zero bound is treated as unbounded.
func (e *Event) RegistrationOpen(now time.Time) (started, ended bool) {
	started = e.StartRegistrationAt.IsZero() || !now.Before(e.StartRegistrationAt)
	ended = !e.EndRegistrationAt.IsZero() && now.After(e.EndRegistrationAt)
	return started, ended
}

func (e *Event) SignOffDeadlinePassed(now time.Time) bool {
	return !e.SignOffDeadline.IsZero() && now.After(e.SignOffDeadline)
}

// FormatPayTime renders a duration as HH:MM:SS.
func FormatPayTime(d time.Duration) string {
	total := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total%3600)/60, total%60)
}

// ParsePayTime parses HH:MM:SS into a duration.
func ParsePayTime(s string) (time.Duration, error) {
	invalid := fmt.Errorf("invalid paytime %q, expected HH:MM:SS", s)

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, invalid
	}
	var fields [3]int64
	for i, part := range parts {
		if part == "" || strings.TrimLeft(part, "0123456789") != "" {
			return 0, invalid
		}
		n, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return 0, invalid
		}
		fields[i] = n
	}
	h, m, sec := fields[0], fields[1], fields[2]
	if m > 59 || sec > 59 {
		return 0, invalid
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec)*time.Second, nil
}

type EventRequest struct {
	Title                string    `json:"title"`
	Description          string    `json:"description"`
	Location             string    `json:"location"`
	StartDate            time.Time `json:"start_date"`
	EndDate              time.Time `json:"end_date"`
	Limit                int       `json:"limit"`
	Closed               bool      `json:"closed"`
	SignUp               bool      `json:"sign_up"`
	StartRegistrationAt  time.Time `json:"start_registration_at"`
	EndRegistrationAt    time.Time `json:"end_registration_at"`
	SignOffDeadline      time.Time `json:"sign_off_deadline"`
	OnlyAllowPrioritized bool      `json:"only_allow_prioritized"`
	Price                float64   `json:"price"`
	PayTime              string    `json:"paytime"`
}

type PriorityRuleRequest struct {
	Study     string `json:"study"`
	StudyYear string `json:"study_year"`
}

type EventResponse struct {
	Event
	PayTime       string `json:"paytime"`
	ActiveCount   int    `json:"active_count"`
	WaitlistCount int    `json:"waitlist_count"`
	Registered    bool   `json:"registered"`
}
