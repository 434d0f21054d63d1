package clientcache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultRequestTimeout = 10 * time.Second
	maxErrorBodyBytes     = 64 << 10
)

var errMissingBaseURL = errors.New("clientcache: base url is required")

// APIError is a rejection reported by the backend.
type APIError struct {
	Status  int
	Kind    string
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

// HTTPBackendConfig configures HTTPBackend.
type HTTPBackendConfig struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

// HTTPBackend talks to the bloggies HTTP API with a bearer token.
type HTTPBackend struct {
	baseURL *url.URL
	token   string
	client  *http.Client
}

func NewHTTPBackend(cfg HTTPBackendConfig) (*HTTPBackend, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errMissingBaseURL
	}
	parsed, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("clientcache: parse base url: %w", err)
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: defaultRequestTimeout}
	}
	return &HTTPBackend{baseURL: parsed, token: cfg.Token, client: client}, nil
}

type postsEnvelope struct {
	Posts []Post `json:"posts"`
}

type usersEnvelope struct {
	Users []UserSummary `json:"users"`
}

type favoriteEnvelope struct {
	Post Post `json:"post"`
	Tally
}

type unfavoriteEnvelope struct {
	PostID string `json:"post_id"`
	Tally
}

type favoriteBody struct {
	PostID string `json:"post_id"`
}

type errorEnvelope struct {
	Error struct {
		Kind    string `json:"kind"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (b *HTTPBackend) CurrentUser(ctx context.Context) (User, error) {
	var user User
	err := b.do(ctx, http.MethodGet, "/users/me", nil, nil, &user)
	return user, err
}

func (b *HTTPBackend) ListPosts(ctx context.Context) ([]Post, error) {
	var envelope postsEnvelope
	err := b.do(ctx, http.MethodGet, "/posts", nil, nil, &envelope)
	return envelope.Posts, err
}

func (b *HTTPBackend) ListFavorites(ctx context.Context, userID string) ([]Post, error) {
	var envelope postsEnvelope
	err := b.do(ctx, http.MethodGet, "/favorites/"+url.PathEscape(userID), nil, nil, &envelope)
	return envelope.Posts, err
}

func (b *HTTPBackend) SearchPosts(ctx context.Context, term string) ([]Post, error) {
	var envelope postsEnvelope
	err := b.do(ctx, http.MethodGet, "/posts/search", url.Values{"term": {term}}, nil, &envelope)
	return envelope.Posts, err
}

func (b *HTTPBackend) SearchUsers(ctx context.Context, term string) ([]UserSummary, error) {
	var envelope usersEnvelope
	err := b.do(ctx, http.MethodGet, "/users/search", url.Values{"term": {term}}, nil, &envelope)
	return envelope.Users, err
}

func (b *HTTPBackend) CreatePost(ctx context.Context, post NewPost) (Post, error) {
	var created Post
	err := b.do(ctx, http.MethodPost, "/posts", nil, post, &created)
	return created, err
}

func (b *HTTPBackend) DeletePost(ctx context.Context, postID string) error {
	return b.do(ctx, http.MethodDelete, "/posts/"+url.PathEscape(postID), nil, nil, nil)
}

func (b *HTTPBackend) AddFavorite(ctx context.Context, postID string) (Post, Tally, error) {
	var envelope favoriteEnvelope
	if err := b.do(ctx, http.MethodPost, "/favorites", nil, favoriteBody{PostID: postID}, &envelope); err != nil {
		return Post{}, Tally{}, err
	}
	return envelope.Post, envelope.Tally, nil
}

func (b *HTTPBackend) RemoveFavorite(ctx context.Context, postID string) (Tally, error) {
	var envelope unfavoriteEnvelope
	if err := b.do(ctx, http.MethodDelete, "/favorites", nil, favoriteBody{PostID: postID}, &envelope); err != nil {
		return Tally{}, err
	}
	return envelope.Tally, nil
}

func (b *HTTPBackend) do(ctx context.Context, method, path string, query url.Values, payload, out interface{}) error {
	target := *b.baseURL
	target.Path = b.baseURL.Path + path
	if query != nil {
		target.RawQuery = query.Encode()
	}

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("clientcache: encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return fmt.Errorf("clientcache: build request: %w", err)
	}
	request.Header.Set("Accept", "application/json")
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if b.token != "" {
		request.Header.Set("Authorization", "Bearer "+b.token)
	}

	response, err := b.client.Do(request)
	if err != nil {
		return fmt.Errorf("clientcache: %s %s: %w", method, path, err)
	}
	defer response.Body.Close()

	if response.StatusCode >= http.StatusBadRequest {
		return decodeAPIError(response)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("clientcache: decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeAPIError(response *http.Response) error {
	apiErr := &APIError{Status: response.StatusCode, Message: http.StatusText(response.StatusCode)}
	raw, err := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
	if err != nil {
		return apiErr
	}
	var envelope errorEnvelope
	if json.Unmarshal(raw, &envelope) == nil && envelope.Error.Message != "" {
		apiErr.Kind = envelope.Error.Kind
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	}
	return apiErr
}
