package server

import (
	"time"

	"github.com/MarcoPoloResearchLab/bloggies/internal/posts"
	"github.com/MarcoPoloResearchLab/bloggies/internal/users"
)

type postPayload struct {
	PostID           string     `json:"post_id"`
	AuthorID         string     `json:"author_id"`
	AuthorName       string     `json:"author_name"`
	Title            string     `json:"title"`
	Description      string     `json:"description"`
	Body             string     `json:"body"`
	IsPremium        bool       `json:"is_premium"`
	Lifecycle        string     `json:"lifecycle"`
	FavoriteCount    int64      `json:"favorite_count"`
	FavoritesVersion int64      `json:"favorites_version"`
	CreatedAt        time.Time  `json:"created_at"`
	LastUpdatedAt    time.Time  `json:"last_updated_at"`
	RemovedAt        *time.Time `json:"removed_at,omitempty"`
}

func newPostPayload(view posts.PostView) postPayload {
	return postPayload{
		PostID:           view.PostID,
		AuthorID:         view.AuthorID,
		AuthorName:       view.AuthorName,
		Title:            view.Title,
		Description:      view.Description,
		Body:             view.Body,
		IsPremium:        view.IsPremium,
		Lifecycle:        string(view.Lifecycle),
		FavoriteCount:    view.FavoriteCount,
		FavoritesVersion: view.FavoritesVersion,
		CreatedAt:        view.CreatedAt,
		LastUpdatedAt:    view.LastUpdatedAt,
		RemovedAt:        view.RemovedAt,
	}
}

func newPostPayloads(views []posts.PostView) []postPayload {
	payloads := make([]postPayload, 0, len(views))
	for _, view := range views {
		payloads = append(payloads, newPostPayload(view))
	}
	return payloads
}

type userPayload struct {
	UserID            string     `json:"user_id"`
	DisplayName       string     `json:"display_name"`
	MembershipStatus  string     `json:"membership_status"`
	EffectiveStatus   string     `json:"effective_status"`
	MembershipStartAt *time.Time `json:"membership_start_at"`
	MembershipEndAt   *time.Time `json:"membership_end_at"`
	LastSubmissionAt  *time.Time `json:"last_submission_at"`
}

func newUserPayload(user users.User, now time.Time) userPayload {
	return userPayload{
		UserID:            user.UserID,
		DisplayName:       user.DisplayName,
		MembershipStatus:  user.MembershipStatus.String(),
		EffectiveStatus:   user.Membership().EffectiveStatus(now).String(),
		MembershipStartAt: user.MembershipStartAt,
		MembershipEndAt:   user.MembershipEndAt,
		LastSubmissionAt:  user.LastSubmissionAt,
	}
}

// publicUserPayload omits membership details from search results.
type publicUserPayload struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

type registerRequest struct {
	DisplayName string `json:"display_name"`
}

type createPostRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Body        string `json:"body"`
	IsPremium   bool   `json:"is_premium"`
}

type updatePostRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Body        *string `json:"body"`
	IsPremium   *bool   `json:"is_premium"`
	AuthorID    *string `json:"author_id"`
}

type updatePostResponse struct {
	PostID        string    `json:"post_id"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

type favoriteRequest struct {
	PostID string `json:"post_id"`
}

type addFavoriteResponse struct {
	Post             postPayload `json:"post"`
	FavoriteCount    int64       `json:"favorite_count"`
	FavoritesVersion int64       `json:"favorites_version"`
}

type removeFavoriteResponse struct {
	PostID           string `json:"post_id"`
	FavoriteCount    int64  `json:"favorite_count"`
	FavoritesVersion int64  `json:"favorites_version"`
}

type billingEventRequest struct {
	EventID    string    `json:"event_id"`
	UserID     string    `json:"user_id"`
	Status     string    `json:"status"`
	OccurredAt time.Time `json:"occurred_at"`
}

type realtimeEventPayload struct {
	PostID           string `json:"post_id"`
	FavoriteCount    int64  `json:"favorite_count"`
	FavoritesVersion int64  `json:"favorites_version"`
	Timestamp        int64  `json:"timestamp"`
	Source           string `json:"source"`
}
