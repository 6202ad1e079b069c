package registration

import (
	"sort"

	"ms-membership/internal/models"
)

// IsPrioritized reports whether any of the event's rules matches the user's
// study program and class year.
func IsPrioritized(rules []*models.PriorityRule, user *models.User) bool {
	for _, rule := range rules {
		if rule != nil && rule.Matches(user) {
			return true
		}
	}
	return false
}

// PickSwapCandidate returns the most recently created active registration whose
// user is not prioritized, or nil when every active user is prioritized.
func PickSwapCandidate(active []*models.Registration, rules []*models.PriorityRule) *models.Registration {
	sorted := byCreation(active)
	for i := len(sorted) - 1; i >= 0; i-- {
		if !IsPrioritized(rules, sorted[i].User) {
			return sorted[i]
		}
	}
	return nil
}

// PickPromotion returns the waitlisted registration to move up: the oldest
// prioritized one, otherwise the oldest overall.
func PickPromotion(waitlist []*models.Registration, rules []*models.PriorityRule) *models.Registration {
	sorted := byCreation(waitlist)
	if len(sorted) == 0 {
		return nil
	}
	for _, reg := range sorted {
		if IsPrioritized(rules, reg.User) {
			return reg
		}
	}
	return sorted[0]
}

// byCreation copies regs ordered by created_at, then id.
func byCreation(regs []*models.Registration) []*models.Registration {
	sorted := make([]*models.Registration, len(regs))
	copy(sorted, regs)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.RegistrationID < b.RegistrationID
	})
	return sorted
}
