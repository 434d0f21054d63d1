package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/bloggies/internal/auth"
	"github.com/MarcoPoloResearchLab/bloggies/internal/billing"
	"github.com/MarcoPoloResearchLab/bloggies/internal/posts"
	"github.com/MarcoPoloResearchLab/bloggies/internal/users"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testSigningSecret = "test-signing-secret"
	testBillingSecret = "test-billing-secret"
)

type testEnv struct {
	server     *httptest.Server
	users      *users.Service
	posts      *posts.Service
	issuer     *auth.TokenIssuer
	dispatcher *RealtimeDispatcher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&users.User{}, &users.ProcessedBillingEvent{}, &posts.Post{}, &posts.Favorite{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	logger := zap.NewNop()
	dispatcher := NewRealtimeDispatcher()
	usersService, err := users.NewService(users.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		t.Fatalf("failed to construct users service: %v", err)
	}
	postsService, err := posts.NewService(posts.ServiceConfig{Database: db, Logger: logger, Notifier: dispatcher})
	if err != nil {
		t.Fatalf("failed to construct posts service: %v", err)
	}

	bus := gochannel.NewGoChannel(gochannel.Config{BlockPublishUntilSubscriberAck: true}, billing.NewZapLoggerAdapter(logger))
	consumer, err := billing.NewConsumer(billing.ConsumerConfig{Subscriber: bus, Applier: usersService, Logger: logger})
	if err != nil {
		t.Fatalf("failed to construct billing consumer: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if _, err := consumer.Start(ctx); err != nil {
		t.Fatalf("failed to start billing consumer: %v", err)
	}
	publisher, err := billing.NewPublisher(bus)
	if err != nil {
		t.Fatalf("failed to construct billing publisher: %v", err)
	}

	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        "bloggies-auth",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to construct token issuer: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        "bloggies-auth",
		CookieName:    "token",
	})
	if err != nil {
		t.Fatalf("failed to construct session validator: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Identity:        validator,
		UsersService:    usersService,
		PostsService:    postsService,
		Billing:         publisher,
		BillingSecret:   testBillingSecret,
		Realtime:        dispatcher,
		HeartbeatPeriod: time.Hour,
		Logger:          logger,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	server := httptest.NewServer(handler)
	t.Cleanup(func() {
		server.Close()
		cancel()
		_ = bus.Close()
		_ = sqlDB.Close()
	})
	return &testEnv{server: server, users: usersService, posts: postsService, issuer: issuer, dispatcher: dispatcher}
}

func (e *testEnv) token(t *testing.T, userID string) string {
	t.Helper()
	token, _, err := e.issuer.IssueToken(userID)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

// do sends a JSON request and returns the status and raw body.
func (e *testEnv) do(t *testing.T, method, path, token string, payload interface{}, headers ...string) (int, []byte) {
	t.Helper()
	var body io.Reader = http.NoBody
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("failed to encode payload: %v", err)
		}
		body = bytes.NewReader(encoded)
	}
	request, err := http.NewRequest(method, e.server.URL+path, body)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		request.Header.Set(headers[i], headers[i+1])
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer response.Body.Close()
	raw, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("failed to read response: %v", err)
	}
	return response.StatusCode, raw
}

func decodeJSON(t *testing.T, raw []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(raw, target); err != nil {
		t.Fatalf("failed to decode %q: %v", string(raw), err)
	}
}

func decodeErrorKind(t *testing.T, raw []byte) errorPayload {
	t.Helper()
	var body struct {
		Error errorPayload `json:"error"`
	}
	decodeJSON(t, raw, &body)
	return body.Error
}

func (e *testEnv) register(t *testing.T, userID, displayName string) string {
	t.Helper()
	token := e.token(t, userID)
	status, raw := e.do(t, http.MethodPost, "/users", token, registerRequest{DisplayName: displayName})
	if status != http.StatusCreated {
		t.Fatalf("register %s: unexpected status %d: %s", userID, status, raw)
	}
	return token
}
