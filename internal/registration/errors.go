package registration

import "errors"

var (
	ErrEventNotFound         = errors.New("event not found")
	ErrUserNotFound          = errors.New("user not found")
	ErrRegistrationNotFound  = errors.New("registration not found")
	ErrEventClosed           = errors.New("event is closed")
	ErrSignUpDisabled        = errors.New("sign-up is not enabled for this event")
	ErrRegistrationNotOpen   = errors.New("registration has not opened yet")
	ErrRegistrationClosed    = errors.New("registration has closed")
	ErrOnlyPrioritized       = errors.New("event only accepts prioritized users")
	ErrAlreadyRegistered     = errors.New("user is already registered for this event")
	ErrSignOffDeadlinePassed = errors.New("sign-off deadline has passed")
	ErrEventBusy             = errors.New("event is busy, try again")
	ErrInvalidCheckIn        = errors.New("invalid check-in token")
	ErrOnWaitlist            = errors.New("registration is on the waitlist")
)
