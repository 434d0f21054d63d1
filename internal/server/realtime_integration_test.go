package server

import (
	"bufio"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestRealtimeStreamEmitsFavoriteCountEvents(t *testing.T) {
	env := newTestEnv(t)
	tokenA := env.register(t, "user-a", "Author A")
	tokenB := env.register(t, "user-b", "Reader B")

	var created postPayload
	status, raw := env.do(t, http.MethodPost, "/posts", tokenA, createPostRequest{Title: "Streamed", Body: "hello"})
	if status != http.StatusCreated {
		t.Fatalf("create: unexpected status %d: %s", status, raw)
	}
	decodeJSON(t, raw, &created)

	streamRequest, err := http.NewRequest(http.MethodGet, env.server.URL+"/events?access_token="+tokenA, http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct stream request: %v", err)
	}
	streamResp, err := http.DefaultClient.Do(streamRequest)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() {
		_ = streamResp.Body.Close()
	})
	if streamResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", streamResp.StatusCode)
	}
	streamReader := bufio.NewReader(streamResp.Body)

	deadline := time.Now().Add(time.Second)
	for env.dispatcher.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	status, raw = env.do(t, http.MethodPost, "/favorites", tokenB, favoriteRequest{PostID: created.PostID})
	if status != http.StatusOK {
		t.Fatalf("favorite: unexpected status %d: %s", status, raw)
	}

	currentEventType := ""
	timeout := time.After(5 * time.Second)
	type readResult struct {
		line string
		err  error
	}
	for {
		resultCh := make(chan readResult, 1)
		go func() {
			line, err := streamReader.ReadString('\n')
			resultCh <- readResult{line: line, err: err}
		}()
		select {
		case <-timeout:
			t.Fatal("timed out waiting for realtime event")
		case res := <-resultCh:
			if res.err != nil {
				t.Fatalf("failed to read stream: %v", res.err)
			}
			line := strings.TrimSpace(res.line)
			if line == "" {
				continue
			}
			if strings.HasPrefix(line, "event:") {
				currentEventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
				continue
			}
			if !strings.HasPrefix(line, "data:") || currentEventType != RealtimeEventFavoriteCount {
				continue
			}
			var payload realtimeEventPayload
			if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &payload); err != nil {
				t.Fatalf("failed to decode event payload: %v", err)
			}
			if payload.PostID != created.PostID || payload.FavoriteCount != 1 || payload.FavoritesVersion != 1 {
				t.Fatalf("unexpected event payload: %#v", payload)
			}
			return
		}
	}
}

func TestRealtimeStreamRequiresIdentity(t *testing.T) {
	env := newTestEnv(t)
	status, _ := env.do(t, http.MethodGet, "/events", "", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 for anonymous stream, got %d", status)
	}
}

