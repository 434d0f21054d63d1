// Package authz holds the pure authorization decisions applied before any mutation.
package authz

import (
	"time"

	"github.com/MarcoPoloResearchLab/bloggies/internal/apperr"
	"github.com/MarcoPoloResearchLab/bloggies/internal/users"
)

// Action enumerates the guarded operations.
type Action string

const (
	ActionCreatePost     Action = "create_post"
	ActionUpdatePost     Action = "update_post"
	ActionDeletePost     Action = "delete_post"
	ActionFavoritePost   Action = "favorite_post"
	ActionUnfavoritePost Action = "unfavorite_post"
)

const (
	// MessageMembershipRequired is returned when premium authoring is attempted without an active membership.
	MessageMembershipRequired = "membership required."
	messageNotAuthor          = "token does not belong to the post author."
	messageMissingIdentity    = "identity required."
)

// Resource describes the post a request targets.
type Resource struct {
	AuthorID  string
	IsPremium bool
}

// Request bundles everything a decision needs. Membership must be freshly read for
// the decision at hand.
type Request struct {
	IdentityID string
	Action     Action
	Resource   Resource
	Membership users.Membership
	Now        time.Time
}

// CheckIsAuthor reports whether identityID owns a resource authored by authorID.
func CheckIsAuthor(identityID, authorID string) bool {
	return identityID != "" && identityID == authorID
}

// Decide returns nil when the request is allowed, or a typed apperr otherwise.
func Decide(request Request) error {
	operation := "authz." + string(request.Action)
	if request.IdentityID == "" {
		return apperr.New(apperr.KindInvalidCredentials, operation, "missing_identity", messageMissingIdentity, nil)
	}

	switch request.Action {
	case ActionCreatePost:
		if request.Resource.IsPremium && !request.Membership.IsActive(request.Now) {
			return apperr.Forbidden(operation, "membership_required", MessageMembershipRequired)
		}
		return nil
	case ActionUpdatePost:
		if !CheckIsAuthor(request.IdentityID, request.Resource.AuthorID) {
			return apperr.Unauthorized(operation, "not_author", "Update failed: "+messageNotAuthor)
		}
		if request.Resource.IsPremium && !request.Membership.IsActive(request.Now) {
			return apperr.Forbidden(operation, "membership_required", MessageMembershipRequired)
		}
		return nil
	case ActionDeletePost:
		if !CheckIsAuthor(request.IdentityID, request.Resource.AuthorID) {
			return apperr.Unauthorized(operation, "not_author", "Delete failed: "+messageNotAuthor)
		}
		return nil
	case ActionFavoritePost, ActionUnfavoritePost:
		return nil
	default:
		return apperr.InvalidInput(operation, "unknown_action", nil)
	}
}
