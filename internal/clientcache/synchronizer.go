package clientcache

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	realtimeFavoriteCount = "favorite-count"
	realtimePostDeleted   = "post-deleted"
)

var (
	errMissingBackend  = errors.New("clientcache: backend dependency required")
	errUnknownPost     = errors.New("clientcache: post is not mirrored")
	errFavoritePending = errors.New("clientcache: favorite change already in flight")
)

// NewPost carries the fields of a post being authored.
type NewPost struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Body        string `json:"body"`
	IsPremium   bool   `json:"is_premium"`
}

// Backend is the system of record the cache reconciles against.
type Backend interface {
	CurrentUser(ctx context.Context) (User, error)
	ListPosts(ctx context.Context) ([]Post, error)
	ListFavorites(ctx context.Context, userID string) ([]Post, error)
	SearchPosts(ctx context.Context, term string) ([]Post, error)
	SearchUsers(ctx context.Context, term string) ([]UserSummary, error)
	CreatePost(ctx context.Context, post NewPost) (Post, error)
	DeletePost(ctx context.Context, postID string) error
	AddFavorite(ctx context.Context, postID string) (Post, Tally, error)
	RemoveFavorite(ctx context.Context, postID string) (Tally, error)
}

// SynchronizerConfig wires a Synchronizer.
type SynchronizerConfig struct {
	Backend Backend
	Logger  *zap.Logger
	Initial State
}

// Synchronizer owns the current cache snapshot and drives mutations through
// the backend. Favorites are applied optimistically and compensated when the
// backend rejects them; creates and deletes wait for confirmation. At most one
// favorite change per post is in flight at a time.
type Synchronizer struct {
	backend Backend
	logger  *zap.Logger

	mu      sync.RWMutex
	state   State
	pending map[string]struct{}
}

func NewSynchronizer(cfg SynchronizerConfig) (*Synchronizer, error) {
	if cfg.Backend == nil {
		return nil, errMissingBackend
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synchronizer{
		backend: cfg.Backend,
		logger:  logger,
		state:   cfg.Initial,
		pending: make(map[string]struct{}),
	}, nil
}

// State returns the current snapshot.
func (s *Synchronizer) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Dispatch reduces event into the current snapshot and returns the result.
func (s *Synchronizer) Dispatch(event Event) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Reduce(s.state, event)
	return s.state
}

// Refresh loads the user, the public posts and the user's favorites.
func (s *Synchronizer) Refresh(ctx context.Context) error {
	user, err := s.backend.CurrentUser(ctx)
	if err != nil {
		return s.reject("refresh", err)
	}

	var (
		listed    []Post
		favorites []Post
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		var err error
		listed, err = s.backend.ListPosts(groupCtx)
		return err
	})
	group.Go(func() error {
		var err error
		favorites, err = s.backend.ListFavorites(groupCtx, user.UserID)
		return err
	})
	if err := group.Wait(); err != nil {
		return s.reject("refresh", err)
	}

	s.Dispatch(UserLoaded{User: user})
	s.Dispatch(PostsLoaded{Posts: listed})
	s.Dispatch(FavoritesLoaded{Favorites: favorites})
	return nil
}

// Search fills the search slot with matching posts and users.
func (s *Synchronizer) Search(ctx context.Context, term string) (SearchResults, error) {
	term = strings.TrimSpace(term)
	results := SearchResults{Term: term}
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		var err error
		results.Posts, err = s.backend.SearchPosts(groupCtx, term)
		return err
	})
	group.Go(func() error {
		var err error
		results.Users, err = s.backend.SearchUsers(groupCtx, term)
		return err
	})
	if err := group.Wait(); err != nil {
		return SearchResults{}, s.reject("search", err)
	}
	return s.Dispatch(SearchLoaded{Results: results}).Search, nil
}

// CreatePost adds the post to the mirror once the backend confirms it.
func (s *Synchronizer) CreatePost(ctx context.Context, post NewPost) (Post, error) {
	created, err := s.backend.CreatePost(ctx, post)
	if err != nil {
		return Post{}, s.reject("create_post", err)
	}
	s.Dispatch(PostAdded{Post: created})
	return created, nil
}

// DeletePost removes the post from both mirrors once the backend confirms it.
func (s *Synchronizer) DeletePost(ctx context.Context, postID string) error {
	if err := s.backend.DeletePost(ctx, postID); err != nil {
		return s.reject("delete_post", err, zap.String("post_id", postID))
	}
	s.Dispatch(PostDeleted{PostID: postID})
	return nil
}

// Favorite applies the favorite locally, then reconciles with the backend. The
// post may come from the posts mirror or the search slot.
func (s *Synchronizer) Favorite(ctx context.Context, postID string) (Count, error) {
	s.mu.Lock()
	if s.state.IsFavorite(postID) {
		count, _ := mirroredCount(s.state, postID)
		s.mu.Unlock()
		return count, nil
	}
	if _, busy := s.pending[postID]; busy {
		s.mu.Unlock()
		return 0, errFavoritePending
	}
	post, ok := s.state.lookupPost(postID)
	if !ok {
		s.mu.Unlock()
		return 0, errUnknownPost
	}
	s.pending[postID] = struct{}{}
	s.state = Reduce(s.state, FavoriteAdded{Post: post})
	s.mu.Unlock()

	_, tally, err := s.backend.AddFavorite(ctx, postID)
	if err != nil {
		s.settle(postID, FavoriteRemoved{PostID: postID})
		s.logger.Warn("favorite rolled back", zap.String("post_id", postID), zap.Error(err))
		return 0, s.reject("favorite", err, zap.String("post_id", postID))
	}
	s.settle(postID, FavoriteCountConfirmed{PostID: postID, Count: tally.Count, Version: tally.Version})
	return tally.Count, nil
}

// Unfavorite removes the favorite locally, then reconciles with the backend.
func (s *Synchronizer) Unfavorite(ctx context.Context, postID string) (Count, error) {
	s.mu.Lock()
	favorite, ok := s.state.Favorite(postID)
	if !ok {
		count, _ := mirroredCount(s.state, postID)
		s.mu.Unlock()
		return count, nil
	}
	if _, busy := s.pending[postID]; busy {
		s.mu.Unlock()
		return 0, errFavoritePending
	}
	if mirrored, found := s.state.Post(postID); found {
		favorite = mirrored
	}
	s.pending[postID] = struct{}{}
	s.state = Reduce(s.state, FavoriteRemoved{PostID: postID})
	s.mu.Unlock()

	tally, err := s.backend.RemoveFavorite(ctx, postID)
	if err != nil {
		s.settle(postID, FavoriteAdded{Post: favorite.withCount(favorite.FavoriteCount.Step(-1))})
		s.logger.Warn("unfavorite rolled back", zap.String("post_id", postID), zap.Error(err))
		return 0, s.reject("unfavorite", err, zap.String("post_id", postID))
	}
	s.settle(postID, FavoriteCountConfirmed{PostID: postID, Count: tally.Count, Version: tally.Version})
	return tally.Count, nil
}

// ApplyRealtime folds a server-pushed change into the mirrors.
func (s *Synchronizer) ApplyRealtime(eventType, postID string, tally Tally) {
	switch eventType {
	case realtimeFavoriteCount:
		s.Dispatch(FavoriteCountConfirmed{PostID: postID, Count: tally.Count, Version: tally.Version})
	case realtimePostDeleted:
		s.Dispatch(PostDeleted{PostID: postID})
	}
}

// settle releases the in-flight mark for postID and applies event in one step.
func (s *Synchronizer) settle(postID string, event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, postID)
	s.state = Reduce(s.state, event)
}

// Logout clears the user and their favorites.
func (s *Synchronizer) Logout() {
	s.Dispatch(LoggedOut{})
}

func (s *Synchronizer) reject(operation string, err error, fields ...zap.Field) error {
	message := err.Error()
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		message = apiErr.Message
	}
	s.Dispatch(ServerErrorRaised{Message: message})
	s.logger.Info("client request rejected", append(fields, zap.String("operation", operation), zap.Error(err))...)
	return err
}

func mirroredCount(state State, postID string) (Count, bool) {
	if post, ok := state.Post(postID); ok {
		return post.FavoriteCount, true
	}
	if post, ok := state.Favorite(postID); ok {
		return post.FavoriteCount, true
	}
	return 0, false
}

func (p Post) withCount(count Count) Post {
	p.FavoriteCount = count
	return p
}
