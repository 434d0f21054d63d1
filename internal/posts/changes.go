package posts

import "time"

// ChangeKind names a post change pushed to realtime subscribers.
type ChangeKind string

const (
	ChangeFavoriteCount ChangeKind = "favorite-count"
	ChangePostDeleted   ChangeKind = "post-deleted"
)

// Change is emitted after a committed mutation that alters a post's derived state.
// FavoritesVersion orders favorite-count changes of one post; deliveries may arrive
// out of order after commit.
type Change struct {
	Kind             ChangeKind
	PostID           string
	FavoriteCount    int64
	FavoritesVersion int64
	Timestamp        time.Time
}

// ChangeNotifier receives committed post changes. Implementations must not block.
type ChangeNotifier interface {
	NotifyPostChange(change Change)
}

type discardNotifier struct{}

func (discardNotifier) NotifyPostChange(Change) {}
