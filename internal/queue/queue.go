// Package queue provides the insertion-ordered staging area for deferred
// mutations, built on the durable store.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ourpaths/pathsync/internal/storage"
	"go.uber.org/zap"
)

// DefaultMaxAttempts bounds automatic retries before an operation becomes
// terminally failed.
const DefaultMaxAttempts = 3

var (
	errMissingStore       = errors.New("queue: durable store is required")
	errMissingKeyProvider = errors.New("queue: key provider is required")
	// ErrOperationNotFound indicates the referenced queue item no longer exists.
	ErrOperationNotFound = errors.New("queue: operation not found")
)

// StoryPayload is the operation-specific data for a deferred story creation.
// Photo bytes serialize to base64, the storage-safe form for binary content.
type StoryPayload struct {
	Description string   `json:"description"`
	Photo       []byte   `json:"photo"`
	PhotoName   string   `json:"photo_name"`
	PhotoType   string   `json:"photo_type"`
	Lat         *float64 `json:"lat,omitempty"`
	Lon         *float64 `json:"lon,omitempty"`
}

// EncodeStoryPayload marshals a story payload for persistence.
func EncodeStoryPayload(payload StoryPayload) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("queue: encode story payload: %w", err)
	}
	return string(data), nil
}

// DecodeStoryPayload unmarshals a persisted story payload.
func DecodeStoryPayload(payloadJSON string) (StoryPayload, error) {
	var payload StoryPayload
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return StoryPayload{}, fmt.Errorf("queue: decode story payload: %w", err)
	}
	return payload, nil
}

// KeyProvider issues idempotency keys at enqueue time.
type KeyProvider interface {
	NewKey() (string, error)
}

// ServiceConfig captures the dependencies of the queue service.
type ServiceConfig struct {
	Store       *storage.Store
	Clock       func() time.Time
	Keys        KeyProvider
	MaxAttempts int
	Logger      *zap.Logger
}

// Service manages pending operations on top of the durable store.
type Service struct {
	store       *storage.Store
	clock       func() time.Time
	keys        KeyProvider
	maxAttempts int
	logger      *zap.Logger
}

// NewService constructs a queue service with sane defaults.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Keys == nil {
		return nil, errMissingKeyProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:       cfg.Store,
		clock:       clock,
		keys:        cfg.Keys,
		maxAttempts: maxAttempts,
		logger:      logger,
	}, nil
}

// MaxAttempts exposes the retry policy bound.
func (s *Service) MaxAttempts() int {
	return s.maxAttempts
}

// Enqueue stages a new operation: status pending, zero attempts, creation
// timestamp and a fresh idempotency key. Returns the stored record with its
// assigned local id.
func (s *Service) Enqueue(ctx context.Context, opType storage.OperationType, payloadJSON string) (*storage.PendingOperation, error) {
	key, err := s.keys.NewKey()
	if err != nil {
		return nil, fmt.Errorf("queue: issue idempotency key: %w", err)
	}

	operation := &storage.PendingOperation{
		Type:             opType,
		PayloadJSON:      payloadJSON,
		Status:           storage.StatusPending,
		Attempts:         0,
		IdempotencyKey:   key,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.store.PutOperation(ctx, operation); err != nil {
		return nil, err
	}

	s.logger.Info("operation enqueued",
		zap.Uint64("operation_id", operation.ID),
		zap.String("op_type", string(opType)))

	return operation, nil
}

// Get returns the operation for the given id, or nil when absent.
func (s *Service) Get(ctx context.Context, id uint64) (*storage.PendingOperation, error) {
	return s.store.GetOperation(ctx, id)
}

// ListByStatus returns operations matching the given status in index order.
func (s *Service) ListByStatus(ctx context.Context, status storage.OperationStatus) ([]storage.PendingOperation, error) {
	return s.store.ListOperationsByStatus(ctx, status)
}

// MarkSyncing transitions an operation into the in-flight state and stamps the
// attempt time.
func (s *Service) MarkSyncing(ctx context.Context, id uint64) (*storage.PendingOperation, error) {
	operation, err := s.store.GetOperation(ctx, id)
	if err != nil {
		return nil, err
	}
	if operation == nil {
		return nil, ErrOperationNotFound
	}
	operation.Status = storage.StatusSyncing
	operation.LastAttemptSeconds = s.clock().UTC().Unix()
	if err := s.store.PutOperation(ctx, operation); err != nil {
		return nil, err
	}
	return operation, nil
}

// MarkFailed records a failed attempt: increments the attempt counter,
// preserves the failure message verbatim, and forces the stored status back to
// pending while the operation remains below the retry bound.
func (s *Service) MarkFailed(ctx context.Context, id uint64, message string) (*storage.PendingOperation, error) {
	operation, err := s.store.GetOperation(ctx, id)
	if err != nil {
		return nil, err
	}
	if operation == nil {
		return nil, ErrOperationNotFound
	}

	operation.Attempts++
	operation.LastError = message
	operation.LastAttemptSeconds = s.clock().UTC().Unix()
	operation.Status = storage.StatusFailed
	if operation.Attempts < s.maxAttempts {
		operation.Status = storage.StatusPending
	}

	if err := s.store.PutOperation(ctx, operation); err != nil {
		return nil, err
	}

	s.logger.Warn("operation attempt failed",
		zap.Uint64("operation_id", id),
		zap.Int("attempts", operation.Attempts),
		zap.String("status", string(operation.Status)),
		zap.String("message", message))

	return operation, nil
}

// Reset returns a failed operation to pending with attempts and error cleared,
// making it eligible for an immediate manual retry.
func (s *Service) Reset(ctx context.Context, id uint64) (*storage.PendingOperation, error) {
	operation, err := s.store.GetOperation(ctx, id)
	if err != nil {
		return nil, err
	}
	if operation == nil {
		return nil, ErrOperationNotFound
	}
	operation.Status = storage.StatusPending
	operation.Attempts = 0
	operation.LastError = ""
	if err := s.store.PutOperation(ctx, operation); err != nil {
		return nil, err
	}
	return operation, nil
}

// Remove deletes an operation; callers invoke it only after confirmed remote
// application.
func (s *Service) Remove(ctx context.Context, id uint64) error {
	return s.store.DeleteOperation(ctx, id)
}

// Clear drops every queued operation.
func (s *Service) Clear(ctx context.Context) error {
	return s.store.ClearOperations(ctx)
}

// ClearFailed removes every terminally failed operation and reports how many
// were dropped.
func (s *Service) ClearFailed(ctx context.Context) (int, error) {
	failed, err := s.store.ListOperationsByStatus(ctx, storage.StatusFailed)
	if err != nil {
		return 0, err
	}
	for _, operation := range failed {
		if err := s.store.DeleteOperation(ctx, operation.ID); err != nil {
			return 0, err
		}
	}
	return len(failed), nil
}

// PendingCount counts retry-eligible operations.
func (s *Service) PendingCount(ctx context.Context) (int64, error) {
	return s.store.CountOperationsByStatus(ctx, storage.StatusPending)
}

// FailedCount counts terminally failed operations.
func (s *Service) FailedCount(ctx context.Context) (int64, error) {
	return s.store.CountOperationsByStatus(ctx, storage.StatusFailed)
}
