package posts

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/bloggies/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type testClock struct {
	mu      sync.Mutex
	current time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

type sequentialIDs struct {
	mu   sync.Mutex
	next int
}

func (p *sequentialIDs) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("post-%03d", p.next), nil
}

type recordingNotifier struct {
	mu      sync.Mutex
	changes []Change
}

func (n *recordingNotifier) NotifyPostChange(change Change) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, change)
}

func (n *recordingNotifier) snapshot() []Change {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Change(nil), n.changes...)
}

type fixture struct {
	posts    *Service
	users    *users.Service
	db       *gorm.DB
	clock    *testClock
	notifier *recordingNotifier
}

func newFixture(t *testing.T) fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:posts_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(&users.User{}, &users.ProcessedBillingEvent{}, &Post{}, &Favorite{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := &testClock{current: time.Date(2026, 2, 3, 8, 0, 0, 0, time.UTC)}
	usersService, err := users.NewService(users.ServiceConfig{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to construct users service: %v", err)
	}
	notifier := &recordingNotifier{}
	postsService, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: &sequentialIDs{},
		Notifier:   notifier,
	})
	if err != nil {
		t.Fatalf("failed to construct posts service: %v", err)
	}
	return fixture{posts: postsService, users: usersService, db: db, clock: clock, notifier: notifier}
}

func (f fixture) register(t *testing.T, userID string, status users.MembershipStatus) users.UserID {
	t.Helper()
	id, err := users.NewUserID(userID)
	if err != nil {
		t.Fatalf("invalid user id: %v", err)
	}
	if _, err := f.users.Register(context.Background(), id, "name of "+userID); err != nil {
		t.Fatalf("failed to register %s: %v", userID, err)
	}
	if status != users.MembershipPending {
		if _, err := f.users.UpdateMembership(context.Background(), id, status); err != nil {
			t.Fatalf("failed to set membership for %s: %v", userID, err)
		}
	}
	return id
}

func (f fixture) createPost(t *testing.T, authorID users.UserID, title string, premium bool) PostView {
	t.Helper()
	view, err := f.posts.CreatePost(context.Background(), CreatePostRequest{
		AuthorID:    authorID.String(),
		Title:       title,
		Description: "about " + title,
		Body:        "body of " + title,
		IsPremium:   premium,
	})
	if err != nil {
		t.Fatalf("failed to create post %q: %v", title, err)
	}
	return view
}

func (f fixture) ledgerCount(t *testing.T, postID string) int64 {
	t.Helper()
	var count int64
	if err := f.db.Model(&Favorite{}).Where("post_id = ?", postID).Count(&count).Error; err != nil {
		t.Fatalf("failed to count favorites: %v", err)
	}
	return count
}

func boolPtr(value bool) *bool {
	return &value
}

func stringPtr(value string) *string {
	return &value
}
