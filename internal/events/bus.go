// Package events provides the typed publish/subscribe channel for sync
// lifecycle notifications. Slow subscribers never block a publisher; messages
// beyond a subscriber's buffer are dropped.
package events

import (
	"context"
	"sync"
	"time"
)

const (
	TypeSyncStart       = "sync-start"
	TypeSyncProgress    = "sync-progress"
	TypeSyncComplete    = "sync-complete"
	TypeStoryQueued     = "story-queued"
	TypeStorySynced     = "story-synced"
	TypeNetworkOnline   = "network-online"
	TypeNetworkOffline  = "network-offline"
	TypeFavoriteAdded   = "favorite-added"
	TypeFavoriteRemoved = "favorite-removed"
)

// Event is a sync lifecycle notification.
type Event struct {
	Type        string    `json:"type"`
	OperationID uint64    `json:"operation_id,omitempty"`
	StoryID     string    `json:"story_id,omitempty"`
	Total       int       `json:"total,omitempty"`
	Synced      int       `json:"synced,omitempty"`
	Failed      int       `json:"failed,omitempty"`
	Skipped     int       `json:"skipped,omitempty"`
	Message     string    `json:"message,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Bus fans events out to subscribers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Event
}

// NewBus constructs an event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[int64]*subscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a listener and returns its stream plus a cancel func.
// The subscription is also released when ctx is done.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Event, func()) {
	sub := &subscriber{
		id:     b.nextSequence(),
		stream: make(chan Event, b.bufferSize),
	}
	b.register(sub)
	cleanup := func() {
		b.unregister(sub.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish delivers an event to every subscriber without blocking.
func (b *Bus) Publish(event Event) {
	if event.Type == "" {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	copies := make([]*subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		copies = append(copies, sub)
	}
	b.mu.RUnlock()

	for _, sub := range copies {
		select {
		case sub.stream <- event:
		default:
		}
	}
}

func (b *Bus) nextSequence() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	return b.nextID
}

func (b *Bus) register(sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[sub.id] = sub
}

func (b *Bus) unregister(id int64) {
	b.mu.Lock()
	delete(b.subscribers, id)
	b.mu.Unlock()
}
