package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/bloggies/internal/apperr"
	"github.com/MarcoPoloResearchLab/bloggies/internal/auth"
	"github.com/MarcoPoloResearchLab/bloggies/internal/billing"
	"github.com/MarcoPoloResearchLab/bloggies/internal/posts"
	"github.com/MarcoPoloResearchLab/bloggies/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userIDContextKey        = "bloggies_user_id"
	billingSecretHeader     = "X-Billing-Secret"
	defaultHeartbeatPeriod  = 25 * time.Second
	messageInternalFailure  = "internal error."
	messageInvalidRequest   = "invalid request."
	messageIdentityRequired = "identity required."
)

var (
	errMissingIdentityProvider = errors.New("identity provider dependency required")
	errMissingUsersService     = errors.New("users service dependency required")
	errMissingPostsService     = errors.New("posts service dependency required")
)

// IdentityProvider establishes the user behind a request.
type IdentityProvider interface {
	VerifyRequest(r *http.Request) (string, error)
}

// BillingPublisher forwards subscription status changes to the membership consumer.
type BillingPublisher interface {
	Publish(event billing.SubscriptionStatusChanged) error
}

// Dependencies wires the HTTP layer to the services.
type Dependencies struct {
	Identity        IdentityProvider
	UsersService    *users.Service
	PostsService    *posts.Service
	Billing         BillingPublisher
	BillingSecret   string
	Realtime        *RealtimeDispatcher
	AllowedOrigins  []string
	HeartbeatPeriod time.Duration
	Logger          *zap.Logger
}

// NewHTTPHandler builds the gin engine serving the bloggies API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Identity == nil {
		return nil, errMissingIdentityProvider
	}
	if deps.UsersService == nil {
		return nil, errMissingUsersService
	}
	if deps.PostsService == nil {
		return nil, errMissingPostsService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatPeriod
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatPeriod
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		identity:      deps.Identity,
		users:         deps.UsersService,
		posts:         deps.PostsService,
		billing:       deps.Billing,
		billingSecret: deps.BillingSecret,
		realtime:      deps.Realtime,
		heartbeat:     heartbeat,
		logger:        logger,
	}

	router.GET("/posts", handler.handleListPosts)
	router.GET("/posts/search", handler.handleSearchPosts)
	router.GET("/posts/:postId", handler.handleGetPost)
	router.GET("/users/search", handler.handleSearchUsers)
	router.GET("/users/:userId/posts", handler.handleListPostsByAuthor)
	router.GET("/favorites/:userId", handler.handleListFavorites)
	if handler.billing != nil && handler.billingSecret != "" {
		router.POST("/billing/events", handler.handleBillingEvent)
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/users", handler.handleRegister)
	protected.GET("/users/me", handler.handleCurrentUser)
	protected.POST("/posts", handler.handleCreatePost)
	protected.PATCH("/posts/:postId", handler.handleUpdatePost)
	protected.DELETE("/posts/:postId", handler.handleDeletePost)
	protected.POST("/favorites", handler.handleAddFavorite)
	protected.DELETE("/favorites", handler.handleRemoveFavorite)
	if handler.realtime != nil {
		protected.GET("/events", handler.handleEvents)
	}

	return router, nil
}

type httpHandler struct {
	identity      IdentityProvider
	users         *users.Service
	posts         *posts.Service
	billing       BillingPublisher
	billingSecret string
	realtime      *RealtimeDispatcher
	heartbeat     time.Duration
	logger        *zap.Logger
}

func corsMiddleware(allowedOrigins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", billingSecretHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	userID, err := h.identity.VerifyRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		if !apperr.Is(err, apperr.KindInvalidCredentials) {
			err = apperr.InvalidCredentials("server.authorize", "invalid_token", err)
		}
		h.abortWithError(c, err)
		return
	}
	if userID == "" {
		h.abortWithError(c, apperr.New(apperr.KindInvalidCredentials, "server.authorize", "missing_identity", messageIdentityRequired, nil))
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

type errorPayload struct {
	Kind    string `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func statusForKind(kind apperr.Kind) int {
	switch kind {
	case apperr.KindInvalidCredentials, apperr.KindUnauthorized:
		return http.StatusUnauthorized
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindInvalidInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(err error) (int, gin.H) {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) || appErr.Kind() == apperr.KindInternal {
		return http.StatusInternalServerError, gin.H{"error": errorPayload{
			Kind:    string(apperr.KindInternal),
			Code:    "server.internal",
			Message: messageInternalFailure,
		}}
	}
	return statusForKind(appErr.Kind()), gin.H{"error": errorPayload{
		Kind:    string(appErr.Kind()),
		Code:    appErr.Code(),
		Message: appErr.Message(),
	}}
}

func (h *httpHandler) writeError(c *gin.Context, err error) {
	status, body := errorBody(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, body)
}

func (h *httpHandler) abortWithError(c *gin.Context, err error) {
	status, body := errorBody(err)
	c.AbortWithStatusJSON(status, body)
}

func (h *httpHandler) writeInvalidRequest(c *gin.Context, operation string, cause error) {
	if cause == nil {
		cause = errors.New(messageInvalidRequest)
	}
	h.writeError(c, apperr.InvalidInput(operation, "invalid_request", cause))
}

func currentUserID(c *gin.Context) string {
	return c.GetString(userIDContextKey)
}
