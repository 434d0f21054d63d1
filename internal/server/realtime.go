package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/bloggies/internal/posts"
)

const (
	RealtimeEventFavoriteCount = string(posts.ChangeFavoriteCount)
	RealtimeEventPostDeleted   = string(posts.ChangePostDeleted)
	realtimeEventHeartbeat     = "heartbeat"
	realtimeSourceBackend      = "bloggies-backend"
	realtimeStreamBuffer       = 16
)

// RealtimeMessage is one event delivered to stream subscribers. An empty UserID
// broadcasts to every subscriber.
type RealtimeMessage struct {
	UserID           string
	EventType        string
	PostID           string
	FavoriteCount    int64
	FavoritesVersion int64
	Timestamp        time.Time
}

// RealtimeDispatcher fans post changes out to connected event streams.
type RealtimeDispatcher struct {
	mu      sync.RWMutex
	streams map[uint64]*realtimeStream
	nextID  atomic.Uint64
	dropped atomic.Uint64
}

type realtimeStream struct {
	userID   string
	messages chan RealtimeMessage
}

func (s *realtimeStream) accepts(message RealtimeMessage) bool {
	return message.UserID == "" || message.UserID == s.userID
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{streams: make(map[uint64]*realtimeStream)}
}

// Subscribe opens a stream for userID that lives until ctx ends or the returned
// cleanup runs. Anonymous subscriptions receive a closed channel.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, userID string) (<-chan RealtimeMessage, func()) {
	if userID == "" {
		closed := make(chan RealtimeMessage)
		close(closed)
		return closed, func() {}
	}

	id := d.nextID.Add(1)
	stream := &realtimeStream{userID: userID, messages: make(chan RealtimeMessage, realtimeStreamBuffer)}
	d.mu.Lock()
	d.streams[id] = stream
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.streams, id)
			d.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream.messages, cleanup
}

// Publish delivers message to every matching stream without blocking. A stream
// whose buffer is full misses the message.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.EventType == "" {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, stream := range d.streams {
		if !stream.accepts(message) {
			continue
		}
		select {
		case stream.messages <- message:
		default:
			d.dropped.Add(1)
		}
	}
}

// NotifyPostChange broadcasts committed post changes to every stream.
func (d *RealtimeDispatcher) NotifyPostChange(change posts.Change) {
	d.Publish(RealtimeMessage{
		EventType:        string(change.Kind),
		PostID:           change.PostID,
		FavoriteCount:    change.FavoriteCount,
		FavoritesVersion: change.FavoritesVersion,
		Timestamp:        change.Timestamp,
	})
}

// SubscriberCount reports the number of open streams.
func (d *RealtimeDispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.streams)
}

// Dropped reports how many deliveries were skipped because a stream was full.
func (d *RealtimeDispatcher) Dropped() uint64 {
	return d.dropped.Load()
}
