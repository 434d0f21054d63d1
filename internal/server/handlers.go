package server

import (
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/bloggies/internal/apperr"
	"github.com/MarcoPoloResearchLab/bloggies/internal/billing"
	"github.com/MarcoPoloResearchLab/bloggies/internal/posts"
	"github.com/MarcoPoloResearchLab/bloggies/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	opHTTPRegister       = "http.register"
	opHTTPCreatePost     = "http.create_post"
	opHTTPUpdatePost     = "http.update_post"
	opHTTPGetPost        = "http.get_post"
	opHTTPFavorite       = "http.favorite"
	opHTTPBillingEvent   = "http.billing_event"
	opHTTPPathParameters = "http.path"
)

var errAuthorImmutable = errors.New("author_id cannot be changed")

func (h *httpHandler) handleRegister(c *gin.Context) {
	var request registerRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.writeInvalidRequest(c, opHTTPRegister, err)
		return
	}
	userID, err := users.NewUserID(currentUserID(c))
	if err != nil {
		h.writeInvalidRequest(c, opHTTPRegister, err)
		return
	}
	user, err := h.users.Register(c.Request.Context(), userID, request.DisplayName)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newUserPayload(user, time.Now()))
}

func (h *httpHandler) handleCurrentUser(c *gin.Context) {
	userID, err := users.NewUserID(currentUserID(c))
	if err != nil {
		h.writeInvalidRequest(c, opHTTPRegister, err)
		return
	}
	user, err := h.users.GetUser(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newUserPayload(user, time.Now()))
}

func (h *httpHandler) handleSearchUsers(c *gin.Context) {
	found, err := h.users.SearchUsers(c.Request.Context(), c.Query("term"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	results := make([]publicUserPayload, 0, len(found))
	for _, user := range found {
		results = append(results, publicUserPayload{UserID: user.UserID, DisplayName: user.DisplayName})
	}
	c.JSON(http.StatusOK, gin.H{"users": results})
}

func (h *httpHandler) handleListPostsByAuthor(c *gin.Context) {
	authorID, err := users.NewUserID(c.Param("userId"))
	if err != nil {
		h.writeInvalidRequest(c, opHTTPPathParameters, err)
		return
	}
	views, err := h.posts.ListPostsByAuthor(c.Request.Context(), authorID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"posts": newPostPayloads(views)})
}

func (h *httpHandler) handleListPosts(c *gin.Context) {
	views, err := h.posts.ListPosts(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"posts": newPostPayloads(views)})
}

func (h *httpHandler) handleSearchPosts(c *gin.Context) {
	views, err := h.posts.SearchPosts(c.Request.Context(), c.Query("term"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"posts": newPostPayloads(views)})
}

func (h *httpHandler) handleGetPost(c *gin.Context) {
	postID, err := posts.NewPostID(c.Param("postId"))
	if err != nil {
		h.writeInvalidRequest(c, opHTTPPathParameters, err)
		return
	}
	lifecycle, err := posts.ParseLifecycle(c.Query("lifecycle"))
	if err != nil {
		h.writeInvalidRequest(c, opHTTPGetPost, err)
		return
	}
	view, err := h.posts.GetPost(c.Request.Context(), postID, lifecycle)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newPostPayload(view))
}

func (h *httpHandler) handleCreatePost(c *gin.Context) {
	var request createPostRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.writeInvalidRequest(c, opHTTPCreatePost, err)
		return
	}
	view, err := h.posts.CreatePost(c.Request.Context(), posts.CreatePostRequest{
		AuthorID:    currentUserID(c),
		Title:       request.Title,
		Description: request.Description,
		Body:        request.Body,
		IsPremium:   request.IsPremium,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newPostPayload(view))
}

func (h *httpHandler) handleUpdatePost(c *gin.Context) {
	postID, err := posts.NewPostID(c.Param("postId"))
	if err != nil {
		h.writeInvalidRequest(c, opHTTPPathParameters, err)
		return
	}
	var request updatePostRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.writeInvalidRequest(c, opHTTPUpdatePost, err)
		return
	}
	if request.AuthorID != nil {
		h.writeInvalidRequest(c, opHTTPUpdatePost, errAuthorImmutable)
		return
	}
	updatedAt, err := h.posts.UpdatePost(c.Request.Context(), currentUserID(c), postID, posts.PostPatch{
		Title:       request.Title,
		Description: request.Description,
		Body:        request.Body,
		IsPremium:   request.IsPremium,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, updatePostResponse{PostID: postID.String(), LastUpdatedAt: updatedAt})
}

func (h *httpHandler) handleDeletePost(c *gin.Context) {
	postID, err := posts.NewPostID(c.Param("postId"))
	if err != nil {
		h.writeInvalidRequest(c, opHTTPPathParameters, err)
		return
	}
	if err := h.posts.DeletePost(c.Request.Context(), currentUserID(c), postID); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"post_id": postID.String()})
}

func (h *httpHandler) bindFavorite(c *gin.Context) (users.UserID, posts.PostID, bool) {
	var request favoriteRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.writeInvalidRequest(c, opHTTPFavorite, err)
		return "", "", false
	}
	postID, err := posts.NewPostID(request.PostID)
	if err != nil {
		h.writeInvalidRequest(c, opHTTPFavorite, err)
		return "", "", false
	}
	userID, err := users.NewUserID(currentUserID(c))
	if err != nil {
		h.writeInvalidRequest(c, opHTTPFavorite, err)
		return "", "", false
	}
	return userID, postID, true
}

func (h *httpHandler) handleAddFavorite(c *gin.Context) {
	userID, postID, ok := h.bindFavorite(c)
	if !ok {
		return
	}
	result, err := h.posts.AddFavorite(c.Request.Context(), userID, postID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, addFavoriteResponse{
		Post:             newPostPayload(result.Post),
		FavoriteCount:    result.Count,
		FavoritesVersion: result.Version,
	})
}

func (h *httpHandler) handleRemoveFavorite(c *gin.Context) {
	userID, postID, ok := h.bindFavorite(c)
	if !ok {
		return
	}
	result, err := h.posts.RemoveFavorite(c.Request.Context(), userID, postID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, removeFavoriteResponse{
		PostID:           result.PostID,
		FavoriteCount:    result.Count,
		FavoritesVersion: result.Version,
	})
}

func (h *httpHandler) handleListFavorites(c *gin.Context) {
	userID, err := users.NewUserID(c.Param("userId"))
	if err != nil {
		h.writeInvalidRequest(c, opHTTPPathParameters, err)
		return
	}
	views, err := h.posts.ListFavorites(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"posts": newPostPayloads(views)})
}

func (h *httpHandler) handleBillingEvent(c *gin.Context) {
	provided := c.GetHeader(billingSecretHeader)
	if subtle.ConstantTimeCompare([]byte(provided), []byte(h.billingSecret)) != 1 {
		h.logger.Warn("billing event rejected", zap.String("reason", "secret_mismatch"))
		h.writeError(c, apperr.InvalidCredentials(opHTTPBillingEvent, "secret_mismatch", nil))
		return
	}
	var request billingEventRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.writeInvalidRequest(c, opHTTPBillingEvent, err)
		return
	}
	event := billing.SubscriptionStatusChanged{
		EventID:    request.EventID,
		UserID:     request.UserID,
		Status:     request.Status,
		OccurredAt: request.OccurredAt,
	}
	if err := h.billing.Publish(event); err != nil {
		if errors.Is(err, billing.ErrInvalidEvent) {
			h.writeInvalidRequest(c, opHTTPBillingEvent, err)
			return
		}
		h.writeError(c, apperr.Internal(opHTTPBillingEvent, "publish_failed", err))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"event_id": strings.TrimSpace(request.EventID)})
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, currentUserID(c))
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, realtimeEventPayload{
				PostID:           message.PostID,
				FavoriteCount:    message.FavoriteCount,
				FavoritesVersion: message.FavoritesVersion,
				Timestamp:        message.Timestamp.Unix(),
				Source:           realtimeSourceBackend,
			})
			return true
		case tick := <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, realtimeEventPayload{
				Timestamp: tick.UTC().Unix(),
				Source:    realtimeSourceBackend,
			})
			return true
		}
	})
}
