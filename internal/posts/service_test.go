package posts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/bloggies/internal/apperr"
	"github.com/MarcoPoloResearchLab/bloggies/internal/authz"
	"github.com/MarcoPoloResearchLab/bloggies/internal/users"
)

func TestMembershipAndAuthorshipScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	authorA := f.register(t, "user-a", users.MembershipActive)
	userB := f.register(t, "user-b", users.MembershipActive)
	userC := f.register(t, "user-c", users.MembershipInactive)

	premium := f.createPost(t, authorA, "Premium Recipes", true)
	if !premium.IsPremium || premium.AuthorID != authorA.String() {
		t.Fatalf("unexpected created post: %#v", premium.Post)
	}
	if premium.AuthorName != "name of user-a" {
		t.Fatalf("expected author name to be joined, got %q", premium.AuthorName)
	}

	_, err := f.posts.UpdatePost(ctx, userB.String(), PostID(premium.PostID), PostPatch{Title: stringPtr("Stolen")})
	if !apperr.Is(err, apperr.KindUnauthorized) {
		t.Fatalf("expected unauthorized for non-author update, got %v", err)
	}
	_, err = f.posts.UpdatePost(ctx, "", PostID(premium.PostID), PostPatch{Title: stringPtr("Anonymous")})
	if !apperr.Is(err, apperr.KindInvalidCredentials) {
		t.Fatalf("expected invalid credentials for anonymous update, got %v", err)
	}

	f.clock.Advance(time.Hour)
	updatedAt, err := f.posts.UpdatePost(ctx, authorA.String(), PostID(premium.PostID), PostPatch{Title: stringPtr("Premium Recipes, Revised")})
	if err != nil {
		t.Fatalf("author update failed: %v", err)
	}
	if !updatedAt.Equal(f.clock.Now()) || !updatedAt.After(premium.LastUpdatedAt) {
		t.Fatalf("expected fresh last updated timestamp, got %s", updatedAt)
	}

	_, err = f.posts.CreatePost(ctx, CreatePostRequest{AuthorID: userC.String(), Title: "Gated", Body: "text", IsPremium: true})
	if !apperr.Is(err, apperr.KindForbidden) {
		t.Fatalf("expected forbidden for inactive premium author, got %v", err)
	}
	var appErr *apperr.Error
	if !errors.As(err, &appErr) || appErr.Message() != authz.MessageMembershipRequired {
		t.Fatalf("expected membership message, got %v", err)
	}

	stored, err := f.posts.GetPost(ctx, PostID(premium.PostID), LifecycleActive)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.Title != "Premium Recipes, Revised" || stored.AuthorID != authorA.String() {
		t.Fatalf("unexpected stored post: %#v", stored.Post)
	}
}

func TestCreatePostStampsLastSubmission(t *testing.T) {
	f := newFixture(t)
	author := f.register(t, "user-a", users.MembershipPending)

	view := f.createPost(t, author, "Free Post", false)
	if view.IsPremium {
		t.Fatalf("expected free post")
	}

	user, err := f.users.GetUser(context.Background(), author)
	if err != nil {
		t.Fatalf("get user failed: %v", err)
	}
	if user.LastSubmissionAt == nil || !user.LastSubmissionAt.Equal(f.clock.Now()) {
		t.Fatalf("expected last submission to be stamped, got %v", user.LastSubmissionAt)
	}
}

func TestCreatePostRequiresRegisteredAuthor(t *testing.T) {
	f := newFixture(t)

	_, err := f.posts.CreatePost(context.Background(), CreatePostRequest{AuthorID: "ghost", Title: "t", Body: "b"})
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found for unregistered author, got %v", err)
	}
	_, err = f.posts.CreatePost(context.Background(), CreatePostRequest{Title: "t", Body: "b"})
	if !apperr.Is(err, apperr.KindInvalidCredentials) {
		t.Fatalf("expected invalid credentials for missing author, got %v", err)
	}
}

func TestCreatePostReadsMembershipAtDecisionTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	author := f.register(t, "user-a", users.MembershipActive)

	f.createPost(t, author, "First", true)

	if _, err := f.users.UpdateMembership(ctx, author, users.MembershipInactive); err != nil {
		t.Fatalf("deactivate failed: %v", err)
	}
	_, err := f.posts.CreatePost(ctx, CreatePostRequest{AuthorID: author.String(), Title: "Second", Body: "b", IsPremium: true})
	if !apperr.Is(err, apperr.KindForbidden) {
		t.Fatalf("expected forbidden after membership lapsed, got %v", err)
	}

	f.clock.Advance(40 * 24 * time.Hour)
	if _, err := f.users.UpdateMembership(ctx, author, users.MembershipActive); err != nil {
		t.Fatalf("reactivate failed: %v", err)
	}
	f.clock.Advance(45 * 24 * time.Hour)
	_, err = f.posts.CreatePost(ctx, CreatePostRequest{AuthorID: author.String(), Title: "Third", Body: "b", IsPremium: true})
	if !apperr.Is(err, apperr.KindForbidden) {
		t.Fatalf("expected forbidden once the window has passed, got %v", err)
	}
}

func TestUpdatePostPromotionRequiresActiveMembership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	author := f.register(t, "user-a", users.MembershipInactive)
	post := f.createPost(t, author, "Free", false)

	_, err := f.posts.UpdatePost(ctx, author.String(), PostID(post.PostID), PostPatch{IsPremium: boolPtr(true)})
	if !apperr.Is(err, apperr.KindForbidden) {
		t.Fatalf("expected forbidden promotion, got %v", err)
	}

	_, err = f.posts.UpdatePost(ctx, author.String(), PostID(post.PostID), PostPatch{})
	if !apperr.Is(err, apperr.KindInvalidInput) {
		t.Fatalf("expected invalid input for empty patch, got %v", err)
	}

	_, err = f.posts.UpdatePost(ctx, author.String(), PostID(post.PostID), PostPatch{Body: stringPtr("new body"), IsPremium: boolPtr(false)})
	if err != nil {
		t.Fatalf("expected non-promoting update to pass, got %v", err)
	}
}

func TestDeletePostCascadesFavorites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	author := f.register(t, "user-a", users.MembershipActive)
	reader := f.register(t, "user-b", users.MembershipPending)
	post := f.createPost(t, author, "Doomed", false)

	if _, err := f.posts.AddFavorite(ctx, author, PostID(post.PostID)); err != nil {
		t.Fatalf("favorite failed: %v", err)
	}
	if _, err := f.posts.AddFavorite(ctx, reader, PostID(post.PostID)); err != nil {
		t.Fatalf("favorite failed: %v", err)
	}

	if err := f.posts.DeletePost(ctx, reader.String(), PostID(post.PostID)); !apperr.Is(err, apperr.KindUnauthorized) {
		t.Fatalf("expected unauthorized delete by non-author, got %v", err)
	}
	if f.ledgerCount(t, post.PostID) != 2 {
		t.Fatalf("rejected delete must not touch the ledger")
	}

	if err := f.posts.DeletePost(ctx, author.String(), PostID(post.PostID)); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if f.ledgerCount(t, post.PostID) != 0 {
		t.Fatalf("expected favorites to be removed with the post")
	}

	if _, err := f.posts.GetPost(ctx, PostID(post.PostID), LifecycleActive); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found for deleted post, got %v", err)
	}
	deleted, err := f.posts.GetPost(ctx, PostID(post.PostID), LifecycleDeleted)
	if err != nil {
		t.Fatalf("expected deleted lookup to succeed: %v", err)
	}
	if deleted.Lifecycle != LifecycleDeleted || deleted.RemovedAt == nil || deleted.FavoriteCount != 0 {
		t.Fatalf("unexpected deleted post state: %#v", deleted)
	}

	favorites, err := f.posts.ListFavorites(ctx, reader)
	if err != nil {
		t.Fatalf("list favorites failed: %v", err)
	}
	if len(favorites) != 0 {
		t.Fatalf("expected no favorites after delete, got %d", len(favorites))
	}
	listed, err := f.posts.ListPosts(ctx)
	if err != nil {
		t.Fatalf("list posts failed: %v", err)
	}
	if len(listed) != 0 {
		t.Fatalf("expected deleted post to leave listings")
	}

	if err := f.posts.DeletePost(ctx, author.String(), PostID(post.PostID)); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected repeated delete to be not found, got %v", err)
	}

	changes := f.notifier.snapshot()
	last := changes[len(changes)-1]
	if last.Kind != ChangePostDeleted || last.PostID != post.PostID {
		t.Fatalf("expected post-deleted notification, got %#v", last)
	}
}

func TestListingAndSearch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	author := f.register(t, "user-a", users.MembershipActive)
	other := f.register(t, "user-b", users.MembershipActive)

	f.createPost(t, author, "Sourdough Basics", false)
	f.clock.Advance(time.Minute)
	f.createPost(t, other, "Cold Brew", false)
	f.clock.Advance(time.Minute)
	newest := f.createPost(t, author, "Rye Starter", true)

	listed, err := f.posts.ListPosts(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(listed) != 3 || listed[0].PostID != newest.PostID {
		t.Fatalf("expected newest first, got %#v", listed)
	}

	found, err := f.posts.SearchPosts(ctx, "SOURDOUGH")
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(found) != 1 || found[0].Title != "Sourdough Basics" {
		t.Fatalf("unexpected search results: %#v", found)
	}

	byAuthor, err := f.posts.ListPostsByAuthor(ctx, author)
	if err != nil {
		t.Fatalf("list by author failed: %v", err)
	}
	if len(byAuthor) != 2 {
		t.Fatalf("expected two posts by author, got %d", len(byAuthor))
	}
}

func TestGetPostLifecycleFilter(t *testing.T) {
	f := newFixture(t)
	author := f.register(t, "user-a", users.MembershipActive)
	post := f.createPost(t, author, "Visible", false)

	if _, err := f.posts.GetPost(context.Background(), PostID(post.PostID), LifecycleAny); err != nil {
		t.Fatalf("expected any filter to find active post: %v", err)
	}
	if _, err := f.posts.GetPost(context.Background(), PostID(post.PostID), LifecycleDeleted); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected deleted filter to miss active post, got %v", err)
	}
	if _, err := f.posts.GetPost(context.Background(), PostID(post.PostID), Lifecycle("archived")); !apperr.Is(err, apperr.KindInvalidInput) {
		t.Fatalf("expected invalid lifecycle filter to be rejected, got %v", err)
	}
}

func TestParseLifecycle(t *testing.T) {
	tests := []struct {
		input   string
		want    Lifecycle
		wantErr bool
	}{
		{input: "", want: LifecycleActive},
		{input: "Deleted", want: LifecycleDeleted},
		{input: "any", want: LifecycleAny},
		{input: "archived", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLifecycle(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidLifecycle) {
					t.Fatalf("expected ErrInvalidLifecycle, got %v", err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("unexpected result %q, %v", got, err)
			}
		})
	}
}
