package posts

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/bloggies/internal/apperr"
	"github.com/MarcoPoloResearchLab/bloggies/internal/authz"
	"github.com/MarcoPoloResearchLab/bloggies/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew        = "posts.service.new"
	opCreatePost        = "posts.create_post"
	opGetPost           = "posts.get_post"
	opUpdatePost        = "posts.update_post"
	opDeletePost        = "posts.delete_post"
	opListPosts         = "posts.list_posts"
	opSearchPosts       = "posts.search_posts"
	opListPostsByAuthor = "posts.list_posts_by_author"

	fieldPostID   = "post_id"
	fieldUserID   = "user_id"
	fieldAuthorID = "author_id"

	queryPostID         = "posts.post_id = ?"
	queryLifecycle      = "posts.lifecycle = ?"
	queryAuthorID       = "posts.author_id = ?"
	querySearchTerm     = "(LOWER(posts.title) LIKE ? OR LOWER(posts.description) LIKE ? OR LOWER(posts.body) LIKE ?)"
	orderNewestFirst    = "posts.created_at DESC, posts.post_id DESC"
	selectPostView      = "posts.*, COALESCE(users.display_name, '') AS author_name, (SELECT COUNT(*) FROM favorites WHERE favorites.post_id = posts.post_id) AS favorite_count"
	joinAuthor          = "LEFT JOIN users ON users.user_id = posts.author_id"
	maxListResults      = 200
	messagePostNotFound = "Post not found."
	reasonQueryFailed   = "query_failed"
	reasonPostNotFound  = "post_not_found"
	reasonPostLookup    = "post_lookup_failed"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ServiceConfig describes the dependencies of the content store and favorite ledger.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
	Notifier   ChangeNotifier
}

// Service owns posts and the favorite ledger.
type Service struct {
	db       *gorm.DB
	now      func() time.Time
	ids      IDProvider
	logger   *zap.Logger
	notifier ChangeNotifier
}

// NewService constructs the post service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, apperr.Internal(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = discardNotifier{}
	}
	return &Service{
		db:       cfg.Database,
		now:      clock,
		ids:      ids,
		logger:   logger,
		notifier: notifier,
	}, nil
}

// CreatePost stores a new post authored by request.AuthorID. Premium posts require an
// active membership read inside the same transaction as the insert.
func (s *Service) CreatePost(ctx context.Context, request CreatePostRequest) (PostView, error) {
	authorID, err := users.NewUserID(request.AuthorID)
	if err != nil {
		return PostView{}, apperr.New(apperr.KindInvalidCredentials, opCreatePost, "missing_identity", "identity required.", err)
	}
	normalized, err := request.normalized()
	if err != nil {
		return PostView{}, apperr.InvalidInput(opCreatePost, "invalid_post", err)
	}

	postID, err := s.ids.NewID()
	if err != nil {
		s.logError(opCreatePost, "id_generation_failed", err)
		return PostView{}, apperr.Internal(opCreatePost, "id_generation_failed", err)
	}

	var created PostView
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		membership, err := users.ReadMembership(tx, authorID.String())
		if err != nil {
			return err
		}
		now := s.now().UTC()
		decision := authz.Request{
			IdentityID: authorID.String(),
			Action:     authz.ActionCreatePost,
			Resource:   authz.Resource{AuthorID: authorID.String(), IsPremium: normalized.IsPremium},
			Membership: membership,
			Now:        now,
		}
		if err := authz.Decide(decision); err != nil {
			return err
		}

		post := Post{
			PostID:        postID,
			AuthorID:      authorID.String(),
			Title:         normalized.Title,
			Description:   normalized.Description,
			Body:          normalized.Body,
			IsPremium:     normalized.IsPremium,
			Lifecycle:     LifecycleActive,
			CreatedAt:     now,
			LastUpdatedAt: now,
		}
		if err := tx.Create(&post).Error; err != nil {
			return apperr.Internal(opCreatePost, "post_insert_failed", err)
		}
		if err := tx.Model(&users.User{}).
			Where("user_id = ?", authorID.String()).
			Update("last_submission_at", now).Error; err != nil {
			return apperr.Internal(opCreatePost, "last_submission_update_failed", err)
		}

		created, err = loadView(tx, opCreatePost, postID, LifecycleActive)
		return err
	})
	if txErr != nil {
		s.logFailure(opCreatePost, txErr, zap.String(fieldAuthorID, authorID.String()))
		return PostView{}, txErr
	}

	s.logger.Info("post created",
		zap.String(fieldPostID, created.PostID),
		zap.String(fieldAuthorID, created.AuthorID),
		zap.Bool("is_premium", created.IsPremium))
	return created, nil
}

// GetPost loads a post filtered by lifecycle.
func (s *Service) GetPost(ctx context.Context, postID PostID, lifecycle Lifecycle) (PostView, error) {
	view, err := loadView(s.db.WithContext(ctx), opGetPost, postID.String(), lifecycle)
	if err != nil {
		s.logFailure(opGetPost, err, zap.String(fieldPostID, postID.String()))
		return PostView{}, err
	}
	return view, nil
}

// UpdatePost applies patch to an active post owned by identityID and returns the new
// last-updated timestamp.
func (s *Service) UpdatePost(ctx context.Context, identityID string, postID PostID, patch PostPatch) (time.Time, error) {
	updates, err := patch.columns()
	if err != nil {
		return time.Time{}, apperr.InvalidInput(opUpdatePost, "invalid_patch", err)
	}

	var updatedAt time.Time
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		post, err := lockPost(tx, opUpdatePost, postID.String())
		if err != nil {
			return err
		}
		if post.Lifecycle != LifecycleActive {
			return apperr.NotFound(opUpdatePost, reasonPostNotFound, messagePostNotFound)
		}

		membership, err := readOptionalMembership(tx, identityID)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		promotes := patch.IsPremium != nil && *patch.IsPremium && !post.IsPremium
		decision := authz.Request{
			IdentityID: identityID,
			Action:     authz.ActionUpdatePost,
			Resource:   authz.Resource{AuthorID: post.AuthorID, IsPremium: promotes},
			Membership: membership,
			Now:        now,
		}
		if err := authz.Decide(decision); err != nil {
			return err
		}

		updates["last_updated_at"] = now
		if err := tx.Model(&Post{}).Where("post_id = ?", post.PostID).Updates(updates).Error; err != nil {
			return apperr.Internal(opUpdatePost, "post_update_failed", err)
		}
		updatedAt = now
		return nil
	})
	if txErr != nil {
		s.logFailure(opUpdatePost, txErr,
			zap.String(fieldPostID, postID.String()),
			zap.String(fieldUserID, identityID))
		return time.Time{}, txErr
	}

	s.logger.Info("post updated", zap.String(fieldPostID, postID.String()))
	return updatedAt, nil
}

// DeletePost soft-deletes an active post owned by identityID and removes its favorites
// in the same transaction.
func (s *Service) DeletePost(ctx context.Context, identityID string, postID PostID) error {
	var removedFavorites int64
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		post, err := lockPost(tx, opDeletePost, postID.String())
		if err != nil {
			return err
		}
		if post.Lifecycle != LifecycleActive {
			return apperr.NotFound(opDeletePost, reasonPostNotFound, messagePostNotFound)
		}
		now := s.now().UTC()
		decision := authz.Request{
			IdentityID: identityID,
			Action:     authz.ActionDeletePost,
			Resource:   authz.Resource{AuthorID: post.AuthorID},
			Now:        now,
		}
		if err := authz.Decide(decision); err != nil {
			return err
		}

		result := tx.Where("post_id = ?", post.PostID).Delete(&Favorite{})
		if result.Error != nil {
			return apperr.Internal(opDeletePost, "favorite_delete_failed", result.Error)
		}
		removedFavorites = result.RowsAffected

		updates := map[string]interface{}{
			"lifecycle":       LifecycleDeleted,
			"removed_at":      now,
			"last_updated_at": now,
		}
		if err := tx.Model(&Post{}).Where("post_id = ?", post.PostID).Updates(updates).Error; err != nil {
			return apperr.Internal(opDeletePost, "post_delete_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logFailure(opDeletePost, txErr,
			zap.String(fieldPostID, postID.String()),
			zap.String(fieldUserID, identityID))
		return txErr
	}

	s.logger.Info("post deleted",
		zap.String(fieldPostID, postID.String()),
		zap.Int64("favorites_removed", removedFavorites))
	s.notifier.NotifyPostChange(Change{Kind: ChangePostDeleted, PostID: postID.String(), Timestamp: s.now().UTC()})
	return nil
}

// ListPosts returns active posts newest first.
func (s *Service) ListPosts(ctx context.Context) ([]PostView, error) {
	var views []PostView
	err := viewQuery(s.db.WithContext(ctx)).
		Where(queryLifecycle, LifecycleActive).
		Order(orderNewestFirst).
		Limit(maxListResults).
		Find(&views).Error
	if err != nil {
		s.logError(opListPosts, reasonQueryFailed, err)
		return nil, apperr.Internal(opListPosts, reasonQueryFailed, err)
	}
	return views, nil
}

// SearchPosts matches term case-insensitively against title, description and body of
// active posts.
func (s *Service) SearchPosts(ctx context.Context, term string) ([]PostView, error) {
	pattern := "%" + strings.ToLower(strings.TrimSpace(term)) + "%"
	var views []PostView
	err := viewQuery(s.db.WithContext(ctx)).
		Where(queryLifecycle, LifecycleActive).
		Where(querySearchTerm, pattern, pattern, pattern).
		Order(orderNewestFirst).
		Limit(maxListResults).
		Find(&views).Error
	if err != nil {
		s.logError(opSearchPosts, reasonQueryFailed, err)
		return nil, apperr.Internal(opSearchPosts, reasonQueryFailed, err)
	}
	return views, nil
}

// ListPostsByAuthor returns the active posts written by authorID.
func (s *Service) ListPostsByAuthor(ctx context.Context, authorID users.UserID) ([]PostView, error) {
	var views []PostView
	err := viewQuery(s.db.WithContext(ctx)).
		Where(queryLifecycle, LifecycleActive).
		Where(queryAuthorID, authorID.String()).
		Order(orderNewestFirst).
		Limit(maxListResults).
		Find(&views).Error
	if err != nil {
		s.logError(opListPostsByAuthor, reasonQueryFailed, err, zap.String(fieldAuthorID, authorID.String()))
		return nil, apperr.Internal(opListPostsByAuthor, reasonQueryFailed, err)
	}
	return views, nil
}

func viewQuery(db *gorm.DB) *gorm.DB {
	return db.Table("posts").Select(selectPostView).Joins(joinAuthor)
}

func loadView(db *gorm.DB, operation, postID string, lifecycle Lifecycle) (PostView, error) {
	query := viewQuery(db).Where(queryPostID, postID)
	switch lifecycle {
	case LifecycleAny:
	case LifecycleActive, LifecycleDeleted:
		query = query.Where(queryLifecycle, lifecycle)
	default:
		return PostView{}, apperr.InvalidInput(operation, "invalid_lifecycle", ErrInvalidLifecycle)
	}

	var view PostView
	err := query.Take(&view).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PostView{}, apperr.NotFound(operation, reasonPostNotFound, messagePostNotFound)
	}
	if err != nil {
		return PostView{}, apperr.Internal(operation, reasonQueryFailed, err)
	}
	return view, nil
}

// lockPost takes the row lock that serializes every mutation of one post and its ledger.
func lockPost(tx *gorm.DB, operation, postID string) (Post, error) {
	var post Post
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("post_id = ?", postID).Take(&post).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Post{}, apperr.NotFound(operation, reasonPostNotFound, messagePostNotFound)
	}
	if err != nil {
		return Post{}, apperr.Internal(operation, reasonPostLookup, err)
	}
	return post, nil
}

// readOptionalMembership treats an unregistered identity as having no membership.
func readOptionalMembership(tx *gorm.DB, identityID string) (users.Membership, error) {
	if identityID == "" {
		return users.Membership{}, nil
	}
	membership, err := users.ReadMembership(tx, identityID)
	if apperr.Is(err, apperr.KindNotFound) {
		return users.Membership{UserID: identityID}, nil
	}
	return membership, err
}

func (s *Service) logFailure(operation string, err error, fields ...zap.Field) {
	var appErr *apperr.Error
	if errors.As(err, &appErr) && appErr.Kind() != apperr.KindInternal {
		s.logger.Info("posts request rejected",
			append([]zap.Field{zap.String("operation", operation), zap.String("code", appErr.Code())}, fields...)...)
		return
	}
	s.logError(operation, "failed", err, fields...)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("posts service error", attrs...)
}
