package models

import (
	"time"

	"github.com/uptrace/bun"
)

// User is the local profile of an identity-provider subject. Study and StudyYear
// are matched against an event's priority rules.
type User struct {
	bun.BaseModel `bun:"table:users"`

	UserID    string    `bun:"user_id,pk" json:"user_id"`
	FirstName string    `bun:"first_name" json:"first_name"`
	LastName  string    `bun:"last_name" json:"last_name"`
	Email     string    `bun:"email" json:"email"`
	Study     string    `bun:"study" json:"study"`
	StudyYear string    `bun:"study_year" json:"study_year"`
	UpdatedAt time.Time `bun:"updated_at" json:"updated_at"`
}

func (u User) FullName() string {
	if u.LastName == "" {
		return u.FirstName
	}
	return u.FirstName + " " + u.LastName
}
