package posts

import (
	"context"

	"github.com/MarcoPoloResearchLab/bloggies/internal/apperr"
	"github.com/MarcoPoloResearchLab/bloggies/internal/authz"
	"github.com/MarcoPoloResearchLab/bloggies/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opAddFavorite    = "posts.add_favorite"
	opRemoveFavorite = "posts.remove_favorite"
	opListFavorites  = "posts.list_favorites"
	opCountFavorites = "posts.count_favorites"

	queryFavoritePair = "user_id = ? AND post_id = ?"
	joinFavorites     = "JOIN favorites ON favorites.post_id = posts.post_id"
)

// FavoriteResult is returned by AddFavorite.
type FavoriteResult struct {
	Post     PostView
	Count    int64
	Version  int64
	Inserted bool
}

// UnfavoriteResult is returned by RemoveFavorite.
type UnfavoriteResult struct {
	PostID  string
	Count   int64
	Version int64
	Removed bool
}

// AddFavorite records that userID favorited postID. The insert is a no-op when the pair
// already exists and the returned count is always recomputed from the ledger.
func (s *Service) AddFavorite(ctx context.Context, userID users.UserID, postID PostID) (FavoriteResult, error) {
	if err := authz.Decide(authz.Request{IdentityID: userID.String(), Action: authz.ActionFavoritePost, Now: s.now()}); err != nil {
		return FavoriteResult{}, err
	}

	var result FavoriteResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		post, err := lockPost(tx, opAddFavorite, postID.String())
		if err != nil {
			return err
		}
		if post.Lifecycle != LifecycleActive {
			return apperr.NotFound(opAddFavorite, reasonPostNotFound, messagePostNotFound)
		}
		if _, err := users.ReadMembership(tx, userID.String()); err != nil {
			return err
		}

		favorite := Favorite{UserID: userID.String(), PostID: post.PostID, CreatedAt: s.now().UTC()}
		insert := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&favorite)
		if insert.Error != nil {
			return apperr.Internal(opAddFavorite, "favorite_insert_failed", insert.Error)
		}
		result.Inserted = insert.RowsAffected > 0
		if result.Inserted {
			if err := bumpFavoritesVersion(tx, opAddFavorite, post.PostID); err != nil {
				return err
			}
		}

		view, err := loadView(tx, opAddFavorite, post.PostID, LifecycleActive)
		if err != nil {
			return err
		}
		result.Post = view
		result.Count = view.FavoriteCount
		result.Version = view.FavoritesVersion
		return nil
	})
	if txErr != nil {
		s.logFailure(opAddFavorite, txErr,
			zap.String(fieldUserID, userID.String()),
			zap.String(fieldPostID, postID.String()))
		return FavoriteResult{}, txErr
	}

	if result.Inserted {
		s.notifier.NotifyPostChange(Change{
			Kind:             ChangeFavoriteCount,
			PostID:           result.Post.PostID,
			FavoriteCount:    result.Count,
			FavoritesVersion: result.Version,
			Timestamp:        s.now().UTC(),
		})
	}
	s.logger.Debug("favorite added",
		zap.String(fieldUserID, userID.String()),
		zap.String(fieldPostID, postID.String()),
		zap.Bool("inserted", result.Inserted),
		zap.Int64("favorite_count", result.Count))
	return result, nil
}

// RemoveFavorite deletes the (userID, postID) pair if present. Removing an absent pair,
// or a favorite of an already deleted post, returns the unchanged count.
func (s *Service) RemoveFavorite(ctx context.Context, userID users.UserID, postID PostID) (UnfavoriteResult, error) {
	if err := authz.Decide(authz.Request{IdentityID: userID.String(), Action: authz.ActionUnfavoritePost, Now: s.now()}); err != nil {
		return UnfavoriteResult{}, err
	}

	result := UnfavoriteResult{PostID: postID.String()}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		post, err := lockPost(tx, opRemoveFavorite, postID.String())
		if err != nil {
			return err
		}
		result.Version = post.FavoritesVersion
		if post.Lifecycle != LifecycleActive {
			return nil
		}

		removal := tx.Where(queryFavoritePair, userID.String(), post.PostID).Delete(&Favorite{})
		if removal.Error != nil {
			return apperr.Internal(opRemoveFavorite, "favorite_delete_failed", removal.Error)
		}
		result.Removed = removal.RowsAffected > 0
		if result.Removed {
			if err := bumpFavoritesVersion(tx, opRemoveFavorite, post.PostID); err != nil {
				return err
			}
			result.Version++
		}

		result.Count, err = countFavorites(tx, opRemoveFavorite, post.PostID)
		return err
	})
	if txErr != nil {
		s.logFailure(opRemoveFavorite, txErr,
			zap.String(fieldUserID, userID.String()),
			zap.String(fieldPostID, postID.String()))
		return UnfavoriteResult{}, txErr
	}

	if result.Removed {
		s.notifier.NotifyPostChange(Change{
			Kind:             ChangeFavoriteCount,
			PostID:           result.PostID,
			FavoriteCount:    result.Count,
			FavoritesVersion: result.Version,
			Timestamp:        s.now().UTC(),
		})
	}
	s.logger.Debug("favorite removed",
		zap.String(fieldUserID, userID.String()),
		zap.String(fieldPostID, postID.String()),
		zap.Bool("removed", result.Removed),
		zap.Int64("favorite_count", result.Count))
	return result, nil
}

// ListFavorites returns the active posts userID has favorited, most recent favorite first.
func (s *Service) ListFavorites(ctx context.Context, userID users.UserID) ([]PostView, error) {
	var views []PostView
	err := viewQuery(s.db.WithContext(ctx)).
		Joins(joinFavorites).
		Where("favorites.user_id = ?", userID.String()).
		Where(queryLifecycle, LifecycleActive).
		Order("favorites.created_at DESC, posts.post_id DESC").
		Limit(maxListResults).
		Find(&views).Error
	if err != nil {
		s.logError(opListFavorites, reasonQueryFailed, err, zap.String(fieldUserID, userID.String()))
		return nil, apperr.Internal(opListFavorites, reasonQueryFailed, err)
	}
	return views, nil
}

// CountFavorites returns the ledger cardinality for postID.
func (s *Service) CountFavorites(ctx context.Context, postID PostID) (int64, error) {
	count, err := countFavorites(s.db.WithContext(ctx), opCountFavorites, postID.String())
	if err != nil {
		s.logError(opCountFavorites, reasonQueryFailed, err, zap.String(fieldPostID, postID.String()))
		return 0, err
	}
	return count, nil
}

// bumpFavoritesVersion must run under the post row lock.
func bumpFavoritesVersion(tx *gorm.DB, operation, postID string) error {
	err := tx.Model(&Post{}).Where("post_id = ?", postID).
		UpdateColumn("favorites_version", gorm.Expr("favorites_version + 1")).Error
	if err != nil {
		return apperr.Internal(operation, "favorites_version_failed", err)
	}
	return nil
}

func countFavorites(db *gorm.DB, operation, postID string) (int64, error) {
	var count int64
	if err := db.Model(&Favorite{}).Where("post_id = ?", postID).Count(&count).Error; err != nil {
		return 0, apperr.Internal(operation, "favorite_count_failed", err)
	}
	return count, nil
}
