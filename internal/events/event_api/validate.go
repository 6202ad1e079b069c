package event_api

import (
	"fmt"
	"time"
)

// notBefore rejects a non-zero time earlier than start.
func notBefore(start time.Time, field string) func(value interface{}) error {
	return func(value interface{}) error {
		t, _ := value.(time.Time)
		if t.IsZero() || start.IsZero() || !t.Before(start) {
			return nil
		}
		return fmt.Errorf("%s must not be before its start", field)
	}
}
