package posts

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	maxIdentifierLength  = 190
	maxTitleLength       = 255
	maxDescriptionLength = 512
)

var (
	// ErrInvalidPostID indicates that a post identifier is empty or exceeds storage bounds.
	ErrInvalidPostID = errors.New("posts: invalid post id")
	// ErrInvalidTitle indicates an empty or oversized title.
	ErrInvalidTitle = errors.New("posts: invalid title")
	// ErrInvalidDescription indicates an oversized description.
	ErrInvalidDescription = errors.New("posts: invalid description")
	// ErrInvalidBody indicates an empty body.
	ErrInvalidBody = errors.New("posts: invalid body")
	// ErrEmptyPatch indicates an update that changes nothing.
	ErrEmptyPatch = errors.New("posts: update contains no fields")
	// ErrInvalidLifecycle indicates an unknown lifecycle filter.
	ErrInvalidLifecycle = errors.New("posts: invalid lifecycle filter")
)

// PostID represents a validated post identifier.
type PostID string

// NewPostID validates raw input and returns a PostID.
func NewPostID(rawInput string) (PostID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPostID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidPostID, maxIdentifierLength)
	}
	return PostID(trimmed), nil
}

// String returns the underlying string identifier.
func (id PostID) String() string {
	return string(id)
}

// Lifecycle is the state of a post row; a post is in exactly one of active or deleted.
type Lifecycle string

const (
	LifecycleActive  Lifecycle = "active"
	LifecycleDeleted Lifecycle = "deleted"
	// LifecycleAny is a lookup filter only and is never stored.
	LifecycleAny Lifecycle = "any"
)

// ParseLifecycle validates a lookup filter; empty input selects active posts.
func ParseLifecycle(rawInput string) (Lifecycle, error) {
	switch Lifecycle(strings.ToLower(strings.TrimSpace(rawInput))) {
	case "", LifecycleActive:
		return LifecycleActive, nil
	case LifecycleDeleted:
		return LifecycleDeleted, nil
	case LifecycleAny:
		return LifecycleAny, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidLifecycle, rawInput)
	}
}

// Post is the persisted blog post row.
type Post struct {
	PostID        string     `gorm:"column:post_id;primaryKey;size:190;not null"`
	AuthorID      string     `gorm:"column:author_id;size:190;not null;index:idx_posts_author_lifecycle,priority:1"`
	Title         string     `gorm:"column:title;size:255;not null"`
	Description   string     `gorm:"column:description;size:512;not null;default:''"`
	Body          string     `gorm:"column:body;type:text;not null"`
	IsPremium     bool       `gorm:"column:is_premium;not null;default:false"`
	Lifecycle     Lifecycle  `gorm:"column:lifecycle;size:16;not null;default:active;index:idx_posts_author_lifecycle,priority:2;index:idx_posts_lifecycle_created,priority:1"`
	CreatedAt     time.Time  `gorm:"column:created_at;not null;index:idx_posts_lifecycle_created,priority:2"`
	LastUpdatedAt time.Time  `gorm:"column:last_updated_at;not null"`
	RemovedAt     *time.Time `gorm:"column:removed_at"`

	// FavoritesVersion increases by one with every ledger change of the post.
	FavoritesVersion int64 `gorm:"column:favorites_version;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Post) TableName() string {
	return "posts"
}

// Favorite is one row of the favorite ledger; the composite key makes each pair unique.
type Favorite struct {
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	PostID    string    `gorm:"column:post_id;primaryKey;size:190;not null;index:idx_favorites_post"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Favorite) TableName() string {
	return "favorites"
}

// PostView is a post joined with its author name and derived favorite count.
type PostView struct {
	Post
	AuthorName    string `gorm:"column:author_name"`
	FavoriteCount int64  `gorm:"column:favorite_count"`
}

// CreatePostRequest carries the fields of a new post.
type CreatePostRequest struct {
	AuthorID    string
	Title       string
	Description string
	Body        string
	IsPremium   bool
}

func (r CreatePostRequest) normalized() (CreatePostRequest, error) {
	title, err := validateTitle(r.Title)
	if err != nil {
		return CreatePostRequest{}, err
	}
	description, err := validateDescription(r.Description)
	if err != nil {
		return CreatePostRequest{}, err
	}
	if strings.TrimSpace(r.Body) == "" {
		return CreatePostRequest{}, fmt.Errorf("%w: empty", ErrInvalidBody)
	}
	r.Title = title
	r.Description = description
	return r, nil
}

// PostPatch lists the mutable fields of a post; nil fields are left untouched.
// Authorship is fixed at creation and has no patch field.
type PostPatch struct {
	Title       *string
	Description *string
	Body        *string
	IsPremium   *bool
}

func (p PostPatch) columns() (map[string]interface{}, error) {
	updates := map[string]interface{}{}
	if p.Title != nil {
		title, err := validateTitle(*p.Title)
		if err != nil {
			return nil, err
		}
		updates["title"] = title
	}
	if p.Description != nil {
		description, err := validateDescription(*p.Description)
		if err != nil {
			return nil, err
		}
		updates["description"] = description
	}
	if p.Body != nil {
		if strings.TrimSpace(*p.Body) == "" {
			return nil, fmt.Errorf("%w: empty", ErrInvalidBody)
		}
		updates["body"] = *p.Body
	}
	if p.IsPremium != nil {
		updates["is_premium"] = *p.IsPremium
	}
	if len(updates) == 0 {
		return nil, ErrEmptyPatch
	}
	return updates, nil
}

func validateTitle(raw string) (string, error) {
	title := strings.TrimSpace(raw)
	if title == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidTitle)
	}
	if len(title) > maxTitleLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidTitle, maxTitleLength)
	}
	return title, nil
}

func validateDescription(raw string) (string, error) {
	description := strings.TrimSpace(raw)
	if len(description) > maxDescriptionLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDescription, maxDescriptionLength)
	}
	return description, nil
}
