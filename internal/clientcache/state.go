package clientcache

import "time"

// Post is the client-side mirror of a post.
type Post struct {
	PostID           string    `json:"post_id"`
	AuthorID         string    `json:"author_id"`
	AuthorName       string    `json:"author_name"`
	Title            string    `json:"title"`
	Description      string    `json:"description"`
	Body             string    `json:"body"`
	IsPremium        bool      `json:"is_premium"`
	FavoriteCount    Count     `json:"favorite_count"`
	FavoritesVersion int64     `json:"favorites_version"`
	CreatedAt        time.Time `json:"created_at"`
	LastUpdatedAt    time.Time `json:"last_updated_at"`
}

// Tally is a favorite count together with the ledger version it was read at.
type Tally struct {
	Count   Count `json:"favorite_count"`
	Version int64 `json:"favorites_version"`
}

// User is the signed-in account as seen by the client.
type User struct {
	UserID           string     `json:"user_id"`
	DisplayName      string     `json:"display_name"`
	MembershipStatus string     `json:"membership_status"`
	EffectiveStatus  string     `json:"effective_status"`
	MembershipEndAt  *time.Time `json:"membership_end_at"`
}

// UserSummary is a user search hit.
type UserSummary struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// SearchResults holds the latest search. It never feeds the posts or favorites mirrors.
type SearchResults struct {
	Term  string
	Posts []Post
	Users []UserSummary
}

// State is an immutable snapshot of the client cache. Reduce always returns a
// new State and leaves its input untouched.
type State struct {
	User        *User
	Posts       []Post
	Favorites   []Post
	Search      SearchResults
	ServerError string
}

// Post returns the mirrored post with postID.
func (s State) Post(postID string) (Post, bool) {
	index := indexOf(s.Posts, postID)
	if index < 0 {
		return Post{}, false
	}
	return s.Posts[index], true
}

// lookupPost finds postID in the posts mirror, then in the search slot.
func (s State) lookupPost(postID string) (Post, bool) {
	if post, ok := s.Post(postID); ok {
		return post, true
	}
	if index := indexOf(s.Search.Posts, postID); index >= 0 {
		return s.Search.Posts[index], true
	}
	return Post{}, false
}

// IsFavorite reports whether postID is in the favorites mirror.
func (s State) IsFavorite(postID string) bool {
	return indexOf(s.Favorites, postID) >= 0
}

// Favorite returns the favorites entry for postID.
func (s State) Favorite(postID string) (Post, bool) {
	index := indexOf(s.Favorites, postID)
	if index < 0 {
		return Post{}, false
	}
	return s.Favorites[index], true
}

// Capabilities projects the signed-in user's membership onto UI permissions.
func (s State) Capabilities() Capabilities {
	if s.User == nil {
		return Capabilities{}
	}
	status := s.User.EffectiveStatus
	if status == "" {
		status = s.User.MembershipStatus
	}
	capabilities := CapabilitiesFor(status)
	capabilities.Authenticated = true
	return capabilities
}

func indexOf(list []Post, postID string) int {
	for index := range list {
		if list[index].PostID == postID {
			return index
		}
	}
	return -1
}
