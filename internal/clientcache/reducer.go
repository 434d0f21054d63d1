package clientcache

// Event is a typed state transition consumed by Reduce.
type Event interface {
	eventName() string
}

type (
	// PostsLoaded replaces the posts mirror with a server listing.
	PostsLoaded struct{ Posts []Post }
	// FavoritesLoaded replaces the favorites mirror with a server listing.
	FavoritesLoaded struct{ Favorites []Post }
	// UserLoaded records the signed-in user.
	UserLoaded struct{ User User }
	// LoggedOut drops the user and their favorites; public posts stay.
	LoggedOut struct{}
	// PostAdded prepends a confirmed new post.
	PostAdded struct{ Post Post }
	// PostUpdated replaces a confirmed edited post, keeping the mirrored count.
	PostUpdated struct{ Post Post }
	// PostDeleted removes a post from the posts and favorites mirrors together.
	PostDeleted struct{ PostID string }
	// FavoriteAdded moves the post's count up by one and appends it to favorites.
	FavoriteAdded struct{ Post Post }
	// FavoriteRemoved moves the post's count down by one and drops it from favorites.
	FavoriteRemoved struct{ PostID string }
	// FavoriteCountConfirmed applies an authoritative count from the server. A
	// count read at an older ledger version than the mirrored one is ignored.
	FavoriteCountConfirmed struct {
		PostID  string
		Count   Count
		Version int64
	}
	// SearchLoaded fills the search slot.
	SearchLoaded struct{ Results SearchResults }
	// ServerErrorRaised surfaces a rejected request.
	ServerErrorRaised struct{ Message string }
)

func (PostsLoaded) eventName() string            { return "posts_loaded" }
func (FavoritesLoaded) eventName() string        { return "favorites_loaded" }
func (UserLoaded) eventName() string             { return "user_loaded" }
func (LoggedOut) eventName() string              { return "logged_out" }
func (PostAdded) eventName() string              { return "post_added" }
func (PostUpdated) eventName() string            { return "post_updated" }
func (PostDeleted) eventName() string            { return "post_deleted" }
func (FavoriteAdded) eventName() string          { return "favorite_added" }
func (FavoriteRemoved) eventName() string        { return "favorite_removed" }
func (FavoriteCountConfirmed) eventName() string { return "favorite_count_confirmed" }
func (SearchLoaded) eventName() string           { return "search_loaded" }
func (ServerErrorRaised) eventName() string      { return "server_error_raised" }

// Reduce returns the state that follows event. The input state and its slices
// are never modified.
func Reduce(state State, event Event) State {
	next := state
	switch e := event.(type) {
	case PostsLoaded:
		next.Posts = clonePosts(e.Posts)
	case FavoritesLoaded:
		next.Favorites = clonePosts(e.Favorites)
	case UserLoaded:
		user := e.User
		next.User = &user
	case LoggedOut:
		next.User = nil
		next.Favorites = nil
		next.ServerError = ""
	case PostAdded:
		if indexOf(state.Posts, e.Post.PostID) >= 0 {
			return state
		}
		next.Posts = append([]Post{e.Post}, state.Posts...)
	case PostUpdated:
		next.Posts = replacePost(state.Posts, e.Post)
		next.Favorites = replacePost(state.Favorites, e.Post)
	case PostDeleted:
		next.Posts = withoutPost(state.Posts, e.PostID)
		next.Favorites = withoutPost(state.Favorites, e.PostID)
	case FavoriteAdded:
		if indexOf(state.Favorites, e.Post.PostID) >= 0 {
			return state
		}
		next.Posts = stepCount(state.Posts, e.Post.PostID, 1)
		favorite := e.Post
		if mirrored, ok := state.Post(e.Post.PostID); ok {
			favorite = mirrored
		}
		favorite.FavoriteCount = favorite.FavoriteCount.Step(1)
		next.Favorites = append(clonePosts(state.Favorites), favorite)
	case FavoriteRemoved:
		if indexOf(state.Favorites, e.PostID) < 0 {
			return state
		}
		next.Posts = stepCount(state.Posts, e.PostID, -1)
		next.Favorites = withoutPost(state.Favorites, e.PostID)
	case FavoriteCountConfirmed:
		next.Posts = setCount(state.Posts, e.PostID, e.Count, e.Version)
		next.Favorites = setCount(state.Favorites, e.PostID, e.Count, e.Version)
	case SearchLoaded:
		next.Search = SearchResults{
			Term:  e.Results.Term,
			Posts: clonePosts(e.Results.Posts),
			Users: append([]UserSummary(nil), e.Results.Users...),
		}
	case ServerErrorRaised:
		next.ServerError = e.Message
	default:
		return state
	}
	return next
}

func clonePosts(list []Post) []Post {
	if list == nil {
		return nil
	}
	return append([]Post(nil), list...)
}

func withoutPost(list []Post, postID string) []Post {
	if indexOf(list, postID) < 0 {
		return list
	}
	var filtered []Post
	for _, post := range list {
		if post.PostID != postID {
			filtered = append(filtered, post)
		}
	}
	return filtered
}

func replacePost(list []Post, updated Post) []Post {
	index := indexOf(list, updated.PostID)
	if index < 0 {
		return list
	}
	copied := clonePosts(list)
	updated.FavoriteCount = list[index].FavoriteCount
	updated.FavoritesVersion = list[index].FavoritesVersion
	copied[index] = updated
	return copied
}

func stepCount(list []Post, postID string, delta int64) []Post {
	index := indexOf(list, postID)
	if index < 0 {
		return list
	}
	copied := clonePosts(list)
	copied[index].FavoriteCount = copied[index].FavoriteCount.Step(delta)
	return copied
}

func setCount(list []Post, postID string, count Count, version int64) []Post {
	index := indexOf(list, postID)
	if index < 0 || version < list[index].FavoritesVersion {
		return list
	}
	if list[index].FavoriteCount == count && list[index].FavoritesVersion == version {
		return list
	}
	copied := clonePosts(list)
	copied[index].FavoriteCount = count
	copied[index].FavoritesVersion = version
	return copied
}
