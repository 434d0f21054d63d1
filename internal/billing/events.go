// Package billing carries subscription status changes from the billing collaborator
// to the membership state store over a watermill pub/sub.
package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/bloggies/internal/users"
)

// TopicSubscriptionStatusChanged is the topic carrying SubscriptionStatusChanged payloads.
const TopicSubscriptionStatusChanged = "billing.subscription_status_changed"

// ErrInvalidEvent indicates a payload that cannot be applied.
var ErrInvalidEvent = errors.New("billing: invalid subscription event")

// SubscriptionStatusChanged is the wire representation of a billing notification.
type SubscriptionStatusChanged struct {
	EventID    string    `json:"event_id"`
	UserID     string    `json:"user_id"`
	Status     string    `json:"status"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Validate checks the payload and converts it into a membership store event.
func (e SubscriptionStatusChanged) Validate() (users.SubscriptionEvent, error) {
	eventID := strings.TrimSpace(e.EventID)
	if eventID == "" {
		return users.SubscriptionEvent{}, fmt.Errorf("%w: empty event id", ErrInvalidEvent)
	}
	userID, err := users.NewUserID(e.UserID)
	if err != nil {
		return users.SubscriptionEvent{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	status, err := users.ParseMembershipStatus(e.Status)
	if err != nil {
		return users.SubscriptionEvent{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if status == users.MembershipPending {
		return users.SubscriptionEvent{}, fmt.Errorf("%w: pending is not a billing status", ErrInvalidEvent)
	}
	return users.SubscriptionEvent{
		EventID:    eventID,
		UserID:     userID.String(),
		Status:     status,
		OccurredAt: e.OccurredAt,
	}, nil
}

func decodeEvent(payload []byte) (users.SubscriptionEvent, error) {
	var wire SubscriptionStatusChanged
	if err := json.Unmarshal(payload, &wire); err != nil {
		return users.SubscriptionEvent{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return wire.Validate()
}
