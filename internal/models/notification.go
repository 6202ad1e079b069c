package models

import "time"

type NotificationType string

const (
	NotificationRegistrationConfirmed NotificationType = "registration.confirmed"
	NotificationRegistrationWaitlist  NotificationType = "registration.waitlisted"
	NotificationRegistrationPromoted  NotificationType = "registration.promoted"
	NotificationMovedToWaitlist       NotificationType = "registration.moved_to_waitlist"
	NotificationRemovedUnpaid         NotificationType = "registration.removed_unpaid"
)

type Notification struct {
	UserID    string           `json:"user_id"`
	Type      NotificationType `json:"type"`
	EventID   int64            `json:"event_id"`
	Title     string           `json:"title"`
	Body      string           `json:"body"`
	Link      string           `json:"link,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}
