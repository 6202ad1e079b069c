package models

import (
	"time"

	"github.com/uptrace/bun"
)

type Registration struct {
	bun.BaseModel `bun:"table:registrations"`

	RegistrationID int64     `bun:"registration_id,pk,autoincrement" json:"registration_id"`
	UserID         string    `bun:"user_id,notnull,unique:user_event" json:"user_id"`
	EventID        int64     `bun:"event_id,notnull,unique:user_event" json:"event_id"`
	IsOnWait       bool      `bun:"is_on_wait,notnull" json:"is_on_wait"`
	HasAttended    bool      `bun:"has_attended,notnull" json:"has_attended"`
	AllowPhoto     bool      `bun:"allow_photo,notnull" json:"allow_photo"`
	CreatedAt      time.Time `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt      time.Time `bun:"updated_at,notnull" json:"updated_at"`

	User *User `bun:"rel:belongs-to,join:user_id=user_id" json:"user,omitempty"`
}

type RegistrationRequest struct {
	AllowPhoto *bool `json:"allow_photo"`
}

type AttendanceRequest struct {
	HasAttended bool `json:"has_attended"`
}

type CheckInRequest struct {
	Token string `json:"token"`
}

type RegistrationResponse struct {
	Registration     *Registration `json:"registration"`
	WaitlistPosition int           `json:"waitlist_position,omitempty"`
	Order            *Order        `json:"order,omitempty"`
}
