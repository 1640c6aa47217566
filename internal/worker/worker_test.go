package worker

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ourpaths/pathsync/internal/bridge"
	"github.com/ourpaths/pathsync/internal/queue"
	"github.com/ourpaths/pathsync/internal/storage"
	"github.com/ourpaths/pathsync/internal/stories"
	"github.com/ourpaths/pathsync/internal/syncer"
)

type recordingRemote struct {
	mu       sync.Mutex
	requests []stories.Draft
}

func (r *recordingRemote) Create(ctx context.Context, draft stories.Draft, token string) (*stories.Story, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, draft)
	return &stories.Story{ID: fmt.Sprintf("s%d", len(r.requests))}, nil
}

type stubConnectivity struct {
	mu      sync.Mutex
	online  bool
	waiters []chan bool
}

func (c *stubConnectivity) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

func (c *stubConnectivity) SetOnline(online bool) {
	c.mu.Lock()
	c.online = online
	waiters := c.waiters
	c.mu.Unlock()
	for _, waiter := range waiters {
		select {
		case waiter <- online:
		default:
		}
	}
}

func (c *stubConnectivity) Subscribe() (<-chan bool, func()) {
	waiter := make(chan bool, 4)
	c.mu.Lock()
	c.waiters = append(c.waiters, waiter)
	c.mu.Unlock()
	return waiter, func() {}
}

func newTestWorker(t *testing.T, databasePath string, connectivity *stubConnectivity, remote syncer.StoryCreator) *Worker {
	t.Helper()
	w, err := New(Config{
		DatabasePath: databasePath,
		Remote:       remote,
		Connectivity: connectivity,
	})
	if err != nil {
		t.Fatalf("failed to construct worker: %v", err)
	}
	return w
}

func seedPendingOperation(t *testing.T, databasePath string) uint64 {
	t.Helper()
	store, err := storage.Open(storage.Config{Path: databasePath})
	if err != nil {
		t.Fatalf("failed to open seeding store: %v", err)
	}
	defer store.Close()

	payload, err := queue.EncodeStoryPayload(queue.StoryPayload{
		Description: "queued while away",
		Photo:       []byte{1, 2},
	})
	if err != nil {
		t.Fatalf("failed to encode payload: %v", err)
	}
	operation := &storage.PendingOperation{
		Type:             storage.OperationCreateStory,
		PayloadJSON:      payload,
		Status:           storage.StatusPending,
		IdempotencyKey:   "seed-key",
		CreatedAtSeconds: time.Now().Unix(),
	}
	if err := store.PutOperation(context.Background(), operation); err != nil {
		t.Fatalf("failed to seed operation: %v", err)
	}
	return operation.ID
}

func TestScheduleRejectsUnknownTask(t *testing.T) {
	w := newTestWorker(t, filepath.Join(t.TempDir(), "queue.db"), &stubConnectivity{}, &recordingRemote{})

	if err := w.Schedule("unknown-task"); err == nil {
		t.Fatalf("expected error for unknown task name")
	}
}

func TestScheduleWhileOfflineDefersDrain(t *testing.T) {
	connectivity := &stubConnectivity{online: false}
	w := newTestWorker(t, filepath.Join(t.TempDir(), "queue.db"), connectivity, &recordingRemote{})

	if err := w.Schedule(syncer.BackgroundTaskName); err != nil {
		t.Fatalf("unexpected schedule error: %v", err)
	}

	select {
	case <-w.wake:
		t.Fatalf("offline schedule must not wake the worker immediately")
	case <-time.After(20 * time.Millisecond):
	}

	w.mu.Lock()
	armed := w.armed
	w.mu.Unlock()
	if !armed {
		t.Fatalf("expected the drain to be armed for the next reconnect")
	}
}

func TestRunDrainsQueueOnReconnect(t *testing.T) {
	databasePath := filepath.Join(t.TempDir(), "queue.db")
	operationID := seedPendingOperation(t, databasePath)

	connectivity := &stubConnectivity{online: false}
	remote := &recordingRemote{}
	w := newTestWorker(t, databasePath, connectivity, remote)
	if err := w.Schedule(syncer.BackgroundTaskName); err != nil {
		t.Fatalf("unexpected schedule error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		if err := w.Run(ctx); err != nil {
			t.Errorf("unexpected run error: %v", err)
		}
		close(done)
	}()

	// Wait for Run to wire its connectivity subscription before reconnecting.
	deadline := time.After(time.Second)
	for {
		connectivity.mu.Lock()
		subscribed := len(connectivity.waiters) > 0
		connectivity.mu.Unlock()
		if subscribed {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for worker subscription")
		case <-time.After(5 * time.Millisecond):
		}
	}

	connectivity.SetOnline(true)

	deadline = time.After(2 * time.Second)
	for {
		store, err := storage.Open(storage.Config{Path: databasePath})
		if err != nil {
			t.Fatalf("failed to open verification store: %v", err)
		}
		operation, err := store.GetOperation(context.Background(), operationID)
		store.Close()
		if err != nil {
			t.Fatalf("unexpected get error: %v", err)
		}
		if operation == nil {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("worker did not drain the seeded operation")
		case <-time.After(10 * time.Millisecond):
		}
	}

	remote.mu.Lock()
	submissions := len(remote.requests)
	var submittedKey string
	if submissions > 0 {
		submittedKey = remote.requests[0].IdempotencyKey
	}
	remote.mu.Unlock()
	if submissions != 1 {
		t.Fatalf("expected a single remote submission, got %d", submissions)
	}
	if submittedKey != "seed-key" {
		t.Fatalf("expected the stored idempotency key, got %q", submittedKey)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not stop after context cancellation")
	}
}

func TestBrokerTokenSourceDegradesWithoutResponder(t *testing.T) {
	source := &brokerTokenSource{broker: bridge.NewBroker(nil)}

	token, err := source.Token()
	if err != nil {
		t.Fatalf("expected anonymous degradation, got %v", err)
	}
	if token != "" {
		t.Fatalf("expected empty token, got %q", token)
	}
}
