package users

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	maxIdentifierLength  = 190
	maxDisplayNameLength = 64
)

var (
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("users: invalid user id")
	// ErrInvalidDisplayName indicates that a display name is empty or too long.
	ErrInvalidDisplayName = errors.New("users: invalid display name")
	// ErrInvalidMembershipStatus indicates an unknown membership status value.
	ErrInvalidMembershipStatus = errors.New("users: invalid membership status")
)

// MembershipStatus enumerates the authorization tiers a user moves between.
type MembershipStatus string

const (
	// MembershipPending is assigned at registration and never re-entered.
	MembershipPending MembershipStatus = "pending"
	// MembershipActive unlocks premium authoring.
	MembershipActive MembershipStatus = "active"
	// MembershipInactive locks premium authoring while keeping existing posts.
	MembershipInactive MembershipStatus = "inactive"
)

// ParseMembershipStatus validates raw input and returns a MembershipStatus.
func ParseMembershipStatus(rawInput string) (MembershipStatus, error) {
	switch MembershipStatus(strings.ToLower(strings.TrimSpace(rawInput))) {
	case MembershipPending:
		return MembershipPending, nil
	case MembershipActive:
		return MembershipActive, nil
	case MembershipInactive:
		return MembershipInactive, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMembershipStatus, rawInput)
	}
}

// String returns the underlying status value.
func (s MembershipStatus) String() string {
	return string(s)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// NewDisplayName validates and normalizes a display name.
func NewDisplayName(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDisplayName)
	}
	if len(trimmed) > maxDisplayNameLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDisplayName, maxDisplayNameLength)
	}
	return trimmed, nil
}

// User is the persisted account row holding membership state.
type User struct {
	UserID            string           `gorm:"column:user_id;primaryKey;size:190;not null"`
	DisplayName       string           `gorm:"column:display_name;size:64;not null;uniqueIndex:idx_users_display_name"`
	MembershipStatus  MembershipStatus `gorm:"column:membership_status;size:16;not null;default:pending"`
	MembershipStartAt *time.Time       `gorm:"column:membership_start_at"`
	MembershipEndAt   *time.Time       `gorm:"column:membership_end_at"`
	LastSubmissionAt  *time.Time       `gorm:"column:last_submission_at"`
	BillingEventAt    *time.Time       `gorm:"column:billing_event_at"`
	CreatedAt         time.Time        `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time        `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing users.
func (User) TableName() string {
	return "users"
}

// Membership returns the membership projection of the user row.
func (u User) Membership() Membership {
	return Membership{
		UserID:  u.UserID,
		Status:  u.MembershipStatus,
		StartAt: u.MembershipStartAt,
		EndAt:   u.MembershipEndAt,
	}
}

// ProcessedBillingEvent records billing events already applied to the membership store.
type ProcessedBillingEvent struct {
	EventID          string           `gorm:"column:event_id;primaryKey;size:190;not null"`
	UserID           string           `gorm:"column:user_id;size:190;not null;index"`
	Status           MembershipStatus `gorm:"column:status;size:16;not null"`
	AppliedAtSeconds int64            `gorm:"column:applied_at_s;not null"`
}

// TableName exposes the table backing processed billing events.
func (ProcessedBillingEvent) TableName() string {
	return "processed_billing_events"
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
