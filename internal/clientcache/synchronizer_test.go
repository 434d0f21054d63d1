package clientcache

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"go.uber.org/zap/zapcore"
)

type fakeBackend struct {
	mu sync.Mutex

	user      User
	posts     []Post
	favorites []Post

	addErr    error
	removeErr error
	deleteErr error
	createErr error

	addTally    Tally
	removeTally Tally

	// observe runs while a mutating backend call is in flight.
	observe  func()
	deleted  []string
	searched []string
}

func (f *fakeBackend) CurrentUser(context.Context) (User, error) { return f.user, nil }

func (f *fakeBackend) ListPosts(context.Context) ([]Post, error) { return f.posts, nil }

func (f *fakeBackend) ListFavorites(context.Context, string) ([]Post, error) {
	return f.favorites, nil
}

func (f *fakeBackend) SearchPosts(_ context.Context, term string) ([]Post, error) {
	f.mu.Lock()
	f.searched = append(f.searched, term)
	f.mu.Unlock()
	return []Post{{PostID: "hit", FavoriteCount: 5}}, nil
}

func (f *fakeBackend) SearchUsers(context.Context, string) ([]UserSummary, error) {
	return []UserSummary{{UserID: "alice", DisplayName: "Alice"}}, nil
}

func (f *fakeBackend) CreatePost(_ context.Context, post NewPost) (Post, error) {
	if f.createErr != nil {
		return Post{}, f.createErr
	}
	return Post{PostID: "post-new", Title: post.Title, IsPremium: post.IsPremium}, nil
}

func (f *fakeBackend) DeletePost(_ context.Context, postID string) error {
	if f.observe != nil {
		f.observe()
	}
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, postID)
	return nil
}

func (f *fakeBackend) AddFavorite(_ context.Context, postID string) (Post, Tally, error) {
	if f.observe != nil {
		f.observe()
	}
	if f.addErr != nil {
		return Post{}, Tally{}, f.addErr
	}
	return Post{PostID: postID}, f.addTally, nil
}

func (f *fakeBackend) RemoveFavorite(_ context.Context, postID string) (Tally, error) {
	if f.observe != nil {
		f.observe()
	}
	if f.removeErr != nil {
		return Tally{}, f.removeErr
	}
	return f.removeTally, nil
}

func newSyncFixture(t *testing.T, backend *fakeBackend) *Synchronizer {
	t.Helper()
	if backend.user.UserID == "" {
		backend.user = User{UserID: "carol", MembershipStatus: StatusActive}
	}
	if backend.posts == nil {
		backend.posts = samplePosts()
	}
	if backend.favorites == nil {
		backend.favorites = []Post{samplePosts()[0]}
	}
	synchronizer, err := NewSynchronizer(SynchronizerConfig{Backend: backend})
	require.NoError(t, err)
	require.NoError(t, synchronizer.Refresh(context.Background()))
	return synchronizer
}

func mirroredPostCount(t *testing.T, synchronizer *Synchronizer, postID string) Count {
	t.Helper()
	post, ok := synchronizer.State().Post(postID)
	require.True(t, ok, "post %s not mirrored", postID)
	return post.FavoriteCount
}

func TestNewSynchronizerRequiresBackend(t *testing.T) {
	_, err := NewSynchronizer(SynchronizerConfig{})
	require.Error(t, err)
}

func TestFavoriteAppliesOptimisticallyThenConfirms(t *testing.T) {
	backend := &fakeBackend{addTally: Tally{Count: 3, Version: 3}}
	synchronizer := newSyncFixture(t, backend)

	var inFlight Count
	backend.observe = func() {
		inFlight = mirroredPostCount(t, synchronizer, "post-2")
	}

	count, err := synchronizer.Favorite(context.Background(), "post-2")
	require.NoError(t, err)

	assert.Equal(t, Count(1), inFlight)
	assert.Equal(t, Count(3), count)
	assert.Equal(t, Count(3), mirroredPostCount(t, synchronizer, "post-2"))
	assert.True(t, synchronizer.State().IsFavorite("post-2"))
}

func TestFavoriteRejectedIsCompensated(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	backend := &fakeBackend{
		user:      User{UserID: "carol"},
		posts:     samplePosts(),
		favorites: []Post{},
		addErr:    &APIError{Status: 404, Kind: "not_found", Code: "posts.add_favorite.post_not_found", Message: "post not found."},
	}
	synchronizer, err := NewSynchronizer(SynchronizerConfig{Backend: backend, Logger: zap.New(core)})
	require.NoError(t, err)
	require.NoError(t, synchronizer.Refresh(context.Background()))
	before := synchronizer.State()

	_, err = synchronizer.Favorite(context.Background(), "post-2")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	after := synchronizer.State()
	assert.Equal(t, before.Posts, after.Posts)
	assert.Equal(t, before.Favorites, after.Favorites)
	assert.Equal(t, "post not found.", after.ServerError)
	assert.Equal(t, 1, logs.FilterMessage("favorite rolled back").Len())
}

func TestUnfavoriteRejectedIsCompensated(t *testing.T) {
	backend := &fakeBackend{removeErr: errors.New("connection reset")}
	synchronizer := newSyncFixture(t, backend)
	before := synchronizer.State()

	var inFlight Count
	backend.observe = func() {
		inFlight = mirroredPostCount(t, synchronizer, "post-1")
	}

	_, err := synchronizer.Unfavorite(context.Background(), "post-1")
	require.Error(t, err)

	assert.Equal(t, Count(1), inFlight)
	after := synchronizer.State()
	assert.Equal(t, before.Posts, after.Posts)
	assert.Equal(t, before.Favorites, after.Favorites)
}

func TestUnfavoriteConfirms(t *testing.T) {
	backend := &fakeBackend{removeTally: Tally{Count: 1, Version: 4}}
	synchronizer := newSyncFixture(t, backend)

	count, err := synchronizer.Unfavorite(context.Background(), "post-1")
	require.NoError(t, err)

	assert.Equal(t, Count(1), count)
	assert.False(t, synchronizer.State().IsFavorite("post-1"))
	assert.Equal(t, Count(1), mirroredPostCount(t, synchronizer, "post-1"))
}

func TestFavoriteTwiceDoesNotCallBackendAgain(t *testing.T) {
	calls := 0
	backend := &fakeBackend{}
	synchronizer := newSyncFixture(t, backend)
	backend.observe = func() { calls++ }

	count, err := synchronizer.Favorite(context.Background(), "post-1")
	require.NoError(t, err)
	assert.Equal(t, Count(2), count)
	assert.Zero(t, calls)

	count, err = synchronizer.Unfavorite(context.Background(), "post-2")
	require.NoError(t, err)
	assert.Equal(t, Count(0), count)
	assert.Zero(t, calls)
}

func TestFavoriteUnknownPost(t *testing.T) {
	synchronizer := newSyncFixture(t, &fakeBackend{})
	_, err := synchronizer.Favorite(context.Background(), "missing")
	require.ErrorIs(t, err, errUnknownPost)
}

func TestFavoriteSearchHit(t *testing.T) {
	backend := &fakeBackend{addTally: Tally{Count: 6, Version: 6}}
	synchronizer := newSyncFixture(t, backend)
	_, err := synchronizer.Search(context.Background(), "hit")
	require.NoError(t, err)

	count, err := synchronizer.Favorite(context.Background(), "hit")
	require.NoError(t, err)

	assert.Equal(t, Count(6), count)
	favorite, ok := synchronizer.State().Favorite("hit")
	require.True(t, ok)
	assert.Equal(t, Count(6), favorite.FavoriteCount)
	_, mirrored := synchronizer.State().Post("hit")
	assert.False(t, mirrored)
}

func TestFavoriteInFlightBlocksConflictingCalls(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	backend := &fakeBackend{addErr: errors.New("connection reset")}
	synchronizer := newSyncFixture(t, backend)
	before := synchronizer.State()

	var calls int
	backend.observe = func() {
		calls++
		close(entered)
		<-release
	}

	done := make(chan error, 1)
	go func() {
		_, err := synchronizer.Favorite(context.Background(), "post-2")
		done <- err
	}()
	<-entered

	count, err := synchronizer.Favorite(context.Background(), "post-2")
	require.NoError(t, err)
	assert.Equal(t, Count(1), count)

	_, err = synchronizer.Unfavorite(context.Background(), "post-2")
	require.ErrorIs(t, err, errFavoritePending)

	close(release)
	require.Error(t, <-done)

	assert.Equal(t, 1, calls)
	after := synchronizer.State()
	assert.Equal(t, before.Posts, after.Posts)
	assert.Equal(t, before.Favorites, after.Favorites)
}

func TestDeletePostWaitsForConfirmation(t *testing.T) {
	backend := &fakeBackend{}
	synchronizer := newSyncFixture(t, backend)

	stillMirrored := false
	backend.observe = func() {
		_, stillMirrored = synchronizer.State().Post("post-1")
	}
	require.NoError(t, synchronizer.DeletePost(context.Background(), "post-1"))

	assert.True(t, stillMirrored)
	_, ok := synchronizer.State().Post("post-1")
	assert.False(t, ok)
	assert.False(t, synchronizer.State().IsFavorite("post-1"))
	assert.Equal(t, []string{"post-1"}, backend.deleted)
}

func TestDeletePostRejectedKeepsMirrors(t *testing.T) {
	backend := &fakeBackend{deleteErr: &APIError{Status: 401, Message: "not the author."}}
	synchronizer := newSyncFixture(t, backend)
	before := synchronizer.State()

	require.Error(t, synchronizer.DeletePost(context.Background(), "post-1"))

	after := synchronizer.State()
	assert.Equal(t, before.Posts, after.Posts)
	assert.Equal(t, before.Favorites, after.Favorites)
	assert.Equal(t, "not the author.", after.ServerError)
}

func TestCreatePostConfirmsBeforeMirroring(t *testing.T) {
	backend := &fakeBackend{createErr: &APIError{Status: 403, Message: "membership required."}}
	synchronizer := newSyncFixture(t, backend)

	_, err := synchronizer.CreatePost(context.Background(), NewPost{Title: "Premium", IsPremium: true})
	require.Error(t, err)
	assert.Len(t, synchronizer.State().Posts, 2)

	backend.createErr = nil
	created, err := synchronizer.CreatePost(context.Background(), NewPost{Title: "Premium", IsPremium: true})
	require.NoError(t, err)
	assert.Equal(t, created, synchronizer.State().Posts[0])
}

func TestSearchFillsSeparateSlot(t *testing.T) {
	backend := &fakeBackend{}
	synchronizer := newSyncFixture(t, backend)
	before := synchronizer.State()

	results, err := synchronizer.Search(context.Background(), "  hit ")
	require.NoError(t, err)

	assert.Equal(t, "hit", results.Term)
	assert.Len(t, results.Posts, 1)
	assert.Len(t, results.Users, 1)
	assert.Equal(t, []string{"hit"}, backend.searched)
	assert.Equal(t, before.Posts, synchronizer.State().Posts)
}

func TestApplyRealtime(t *testing.T) {
	synchronizer := newSyncFixture(t, &fakeBackend{})

	synchronizer.ApplyRealtime("favorite-count", "post-2", Tally{Count: 6, Version: 6})
	assert.Equal(t, Count(6), mirroredPostCount(t, synchronizer, "post-2"))

	synchronizer.ApplyRealtime("post-deleted", "post-1", Tally{})
	_, ok := synchronizer.State().Post("post-1")
	assert.False(t, ok)
	assert.Empty(t, synchronizer.State().Favorites)

	synchronizer.ApplyRealtime("heartbeat", "", Tally{})
	assert.Len(t, synchronizer.State().Posts, 1)
}

func TestApplyRealtimeIgnoresCountOlderThanConfirmation(t *testing.T) {
	backend := &fakeBackend{addTally: Tally{Count: 2, Version: 2}}
	synchronizer := newSyncFixture(t, backend)

	count, err := synchronizer.Favorite(context.Background(), "post-2")
	require.NoError(t, err)
	require.Equal(t, Count(2), count)

	synchronizer.ApplyRealtime("favorite-count", "post-2", Tally{Count: 1, Version: 1})

	assert.Equal(t, Count(2), mirroredPostCount(t, synchronizer, "post-2"))
	favorite, ok := synchronizer.State().Favorite("post-2")
	require.True(t, ok)
	assert.Equal(t, Count(2), favorite.FavoriteCount)
}

func TestLogoutClearsUser(t *testing.T) {
	synchronizer := newSyncFixture(t, &fakeBackend{})
	require.True(t, synchronizer.State().Capabilities().PremiumAuthoring)

	synchronizer.Logout()

	assert.Nil(t, synchronizer.State().User)
	assert.False(t, synchronizer.State().Capabilities().PremiumAuthoring)
}
