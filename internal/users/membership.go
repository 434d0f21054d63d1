package users

import "time"

// DefaultMembershipPeriodMonths is the validity window granted by an activation.
const DefaultMembershipPeriodMonths = 1

// Membership is the authorization-relevant slice of a user row.
type Membership struct {
	UserID  string
	Status  MembershipStatus
	StartAt *time.Time
	EndAt   *time.Time
}

// EffectiveStatus reports the status an authorization decision should act on at now.
// An active membership whose window has already closed is treated as inactive.
func (m Membership) EffectiveStatus(now time.Time) MembershipStatus {
	if m.Status == MembershipActive && m.EndAt != nil && now.After(*m.EndAt) {
		return MembershipInactive
	}
	return m.Status
}

// IsActive reports whether premium authoring is currently permitted.
func (m Membership) IsActive(now time.Time) bool {
	return m.EffectiveStatus(now) == MembershipActive
}

// membershipWindow computes the start and end timestamps for a transition to status.
// Activation always anchors at now; every other status clears the window.
func membershipWindow(status MembershipStatus, now time.Time, periodMonths int) (*time.Time, *time.Time) {
	if status != MembershipActive {
		return nil, nil
	}
	if periodMonths <= 0 {
		periodMonths = DefaultMembershipPeriodMonths
	}
	start := now.UTC()
	end := start.AddDate(0, periodMonths, 0)
	return &start, &end
}
