package clientcache

import "strings"

const (
	StatusPending  = "pending"
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// Capabilities lists what the interface may offer the signed-in user.
type Capabilities struct {
	Authenticated    bool
	PremiumAuthoring bool
	Settings         bool
}

// CapabilitiesFor maps a membership status to capabilities. Settings unlock on
// the first activation and stay available after a lapse; premium authoring
// follows the current status.
func CapabilitiesFor(status string) Capabilities {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case StatusActive:
		return Capabilities{PremiumAuthoring: true, Settings: true}
	case StatusInactive:
		return Capabilities{Settings: true}
	default:
		return Capabilities{}
	}
}

// TransitionAllowed reports whether a user may move between two statuses.
// Pending is only ever the initial state; active and inactive cycle freely.
func TransitionAllowed(from, to string) bool {
	from = strings.ToLower(strings.TrimSpace(from))
	to = strings.ToLower(strings.TrimSpace(to))
	switch to {
	case StatusActive, StatusInactive:
		return from == StatusPending || from == StatusActive || from == StatusInactive
	default:
		return false
	}
}
