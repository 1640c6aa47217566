package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ourpaths/pathsync/internal/storage"
)

type staticKeyProvider struct {
	keys  []string
	index int
}

func (p *staticKeyProvider) NewKey() (string, error) {
	if p.index >= len(p.keys) {
		return "", errors.New("exhausted keys")
	}
	key := p.keys[p.index]
	p.index++
	return key, nil
}

func newTestQueue(t *testing.T, keys []string, maxAttempts int) *Service {
	t.Helper()

	dsn := fmt.Sprintf("file:pathsync_queue_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	store, err := storage.Open(storage.Config{Path: dsn})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	service, err := NewService(ServiceConfig{
		Store:       store,
		Clock:       func() time.Time { return time.Unix(1750000000, 0).UTC() },
		Keys:        &staticKeyProvider{keys: keys},
		MaxAttempts: maxAttempts,
	})
	if err != nil {
		t.Fatalf("failed to construct queue service: %v", err)
	}
	return service
}

func mustEnqueue(t *testing.T, service *Service) *storage.PendingOperation {
	t.Helper()
	operation, err := service.Enqueue(context.Background(), storage.OperationCreateStory, `{"description":"hello"}`)
	if err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}
	return operation
}

func TestEnqueueAppliesDefaults(t *testing.T) {
	service := newTestQueue(t, []string{"key-1"}, 0)

	operation := mustEnqueue(t, service)

	if operation.ID == 0 {
		t.Fatalf("expected assigned id")
	}
	if operation.Status != storage.StatusPending {
		t.Fatalf("expected pending status, got %q", operation.Status)
	}
	if operation.Attempts != 0 {
		t.Fatalf("expected zero attempts, got %d", operation.Attempts)
	}
	if operation.IdempotencyKey != "key-1" {
		t.Fatalf("expected issued key, got %q", operation.IdempotencyKey)
	}
	if operation.CreatedAtSeconds != 1750000000 {
		t.Fatalf("expected clock timestamp, got %d", operation.CreatedAtSeconds)
	}
	if service.MaxAttempts() != DefaultMaxAttempts {
		t.Fatalf("expected default retry bound, got %d", service.MaxAttempts())
	}
}

func TestEnqueuePropagatesKeyProviderFailure(t *testing.T) {
	service := newTestQueue(t, nil, 0)

	_, err := service.Enqueue(context.Background(), storage.OperationCreateStory, "{}")
	if err == nil {
		t.Fatalf("expected error from exhausted key provider")
	}
}

func TestMarkSyncingStampsAttemptTime(t *testing.T) {
	service := newTestQueue(t, []string{"key-1"}, 0)
	operation := mustEnqueue(t, service)

	updated, err := service.MarkSyncing(context.Background(), operation.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Status != storage.StatusSyncing {
		t.Fatalf("expected syncing status, got %q", updated.Status)
	}
	if updated.LastAttemptSeconds != 1750000000 {
		t.Fatalf("expected attempt timestamp, got %d", updated.LastAttemptSeconds)
	}
}

func TestMarkFailedKeepsPendingBelowRetryBound(t *testing.T) {
	service := newTestQueue(t, []string{"key-1"}, 3)
	operation := mustEnqueue(t, service)

	for attempt := 1; attempt <= 2; attempt++ {
		updated, err := service.MarkFailed(context.Background(), operation.ID, "network unreachable")
		if err != nil {
			t.Fatalf("unexpected error on attempt %d: %v", attempt, err)
		}
		if updated.Attempts != attempt {
			t.Fatalf("expected %d attempts, got %d", attempt, updated.Attempts)
		}
		if updated.Status != storage.StatusPending {
			t.Fatalf("expected pending below retry bound, got %q", updated.Status)
		}
		if updated.LastError != "network unreachable" {
			t.Fatalf("expected verbatim failure message, got %q", updated.LastError)
		}
	}

	final, err := service.MarkFailed(context.Background(), operation.ID, "server rejected payload")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if final.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", final.Attempts)
	}
	if final.Status != storage.StatusFailed {
		t.Fatalf("expected terminal failure at retry bound, got %q", final.Status)
	}
	if final.LastError != "server rejected payload" {
		t.Fatalf("expected latest failure message, got %q", final.LastError)
	}
}

func TestResetClearsAttemptsAndError(t *testing.T) {
	service := newTestQueue(t, []string{"key-1"}, 1)
	operation := mustEnqueue(t, service)

	if _, err := service.MarkFailed(context.Background(), operation.ID, "boom"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reset, err := service.Reset(context.Background(), operation.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reset.Status != storage.StatusPending {
		t.Fatalf("expected pending after reset, got %q", reset.Status)
	}
	if reset.Attempts != 0 {
		t.Fatalf("expected cleared attempts, got %d", reset.Attempts)
	}
	if reset.LastError != "" {
		t.Fatalf("expected cleared error, got %q", reset.LastError)
	}
	if reset.IdempotencyKey != "key-1" {
		t.Fatalf("reset must not reissue the idempotency key, got %q", reset.IdempotencyKey)
	}
}

func TestTransitionsOnMissingOperation(t *testing.T) {
	service := newTestQueue(t, []string{"key-1"}, 0)

	if _, err := service.MarkSyncing(context.Background(), 404); !errors.Is(err, ErrOperationNotFound) {
		t.Fatalf("expected ErrOperationNotFound, got %v", err)
	}
	if _, err := service.MarkFailed(context.Background(), 404, "boom"); !errors.Is(err, ErrOperationNotFound) {
		t.Fatalf("expected ErrOperationNotFound, got %v", err)
	}
	if _, err := service.Reset(context.Background(), 404); !errors.Is(err, ErrOperationNotFound) {
		t.Fatalf("expected ErrOperationNotFound, got %v", err)
	}
}

func TestClearFailedDropsOnlyTerminalOperations(t *testing.T) {
	service := newTestQueue(t, []string{"key-1", "key-2", "key-3"}, 1)

	kept := mustEnqueue(t, service)
	for i := 0; i < 2; i++ {
		failed := mustEnqueue(t, service)
		if _, err := service.MarkFailed(context.Background(), failed.ID, "boom"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	cleared, err := service.ClearFailed(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cleared != 2 {
		t.Fatalf("expected 2 cleared operations, got %d", cleared)
	}

	pending, err := service.PendingCount(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pending != 1 {
		t.Fatalf("expected surviving pending operation, got %d", pending)
	}
	remaining, err := service.Get(context.Background(), kept.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if remaining == nil {
		t.Fatalf("pending operation should survive ClearFailed")
	}
}

func TestStoryPayloadRoundTrip(t *testing.T) {
	lat := -6.2
	payload := StoryPayload{
		Description: "sunset at the pier",
		Photo:       []byte{0xFF, 0xD8, 0xFF},
		PhotoName:   "pier.jpg",
		PhotoType:   "image/jpeg",
		Lat:         &lat,
	}

	encoded, err := EncodeStoryPayload(payload)
	if err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}
	decoded, err := DecodeStoryPayload(encoded)
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if decoded.Description != payload.Description {
		t.Fatalf("unexpected description %q", decoded.Description)
	}
	if len(decoded.Photo) != 3 || decoded.Photo[0] != 0xFF {
		t.Fatalf("photo bytes did not survive the round trip: %v", decoded.Photo)
	}
	if decoded.Lat == nil || *decoded.Lat != lat {
		t.Fatalf("unexpected latitude %v", decoded.Lat)
	}
	if decoded.Lon != nil {
		t.Fatalf("expected nil longitude, got %v", decoded.Lon)
	}
}

func TestDecodeStoryPayloadRejectsMalformedJSON(t *testing.T) {
	if _, err := DecodeStoryPayload("{not json"); err == nil {
		t.Fatalf("expected decode error")
	}
}
