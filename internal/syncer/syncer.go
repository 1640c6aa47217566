// Package syncer drives the pending-operation state machine against the
// remote story API: pending -> syncing -> removed on success, back to pending
// while retry-eligible, failed once the attempt bound is reached.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ourpaths/pathsync/internal/events"
	"github.com/ourpaths/pathsync/internal/queue"
	"github.com/ourpaths/pathsync/internal/storage"
	"github.com/ourpaths/pathsync/internal/stories"
	"go.uber.org/zap"
)

// DefaultSyncInterval is the fixed period of the automatic pending-item check.
const DefaultSyncInterval = 5 * time.Minute

// BackgroundTaskName identifies the drain task registered with the platform
// background trigger.
const BackgroundTaskName = "sync-stories"

var (
	errMissingQueue        = errors.New("queue service is required")
	errMissingStore        = errors.New("durable store is required")
	errMissingRemote       = errors.New("remote story client is required")
	errMissingConnectivity = errors.New("connectivity source is required")
	// ErrOffline indicates a manual sync was requested while disconnected.
	ErrOffline = errors.New("cannot sync while offline")
	// ErrEmptyDescription rejects a draft without any description text.
	ErrEmptyDescription = errors.New("story description is required")
	// ErrEmptyPhoto rejects a draft without photo content.
	ErrEmptyPhoto = errors.New("story photo is required")
)

// ServiceError carries a stable operation code alongside the wrapped cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew   = "sync.service.new"
	opEnqueueStory = "sync.enqueue_story"
	opSyncAll      = "sync.sync_all"
	opSyncOne      = "sync.sync_one"
	opRetry        = "sync.retry"
	opStatus       = "sync.status"
	opClearFailed  = "sync.clear_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// StoryCreator is the slice of the remote API the coordinator needs.
type StoryCreator interface {
	Create(ctx context.Context, draft stories.Draft, token string) (*stories.Story, error)
}

// TokenSource yields the current bearer credential, empty for anonymous.
type TokenSource interface {
	Token() (string, error)
}

// ConnectivitySource is the boolean online/offline observable.
type ConnectivitySource interface {
	Online() bool
	Subscribe() (<-chan bool, func())
}

// TriggerRegistrar asks the platform to schedule a named background task when
// connectivity returns. Registration is best-effort and fire-and-forget.
type TriggerRegistrar interface {
	Schedule(name string) error
}

// StoryDraft is the caller-supplied input for a deferred story creation.
type StoryDraft struct {
	Description string
	Photo       []byte
	PhotoName   string
	PhotoType   string
	Lat         *float64
	Lon         *float64
}

// Result summarizes one drain pass.
type Result struct {
	Synced  int `json:"synced"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// Status merges the persisted sync summary with live runtime flags.
type Status struct {
	LastSync     *time.Time `json:"last_sync,omitempty"`
	PendingCount int        `json:"pending_count"`
	FailedCount  int        `json:"failed_count"`
	IsOnline     bool       `json:"is_online"`
	IsSyncing    bool       `json:"is_syncing"`
}

// ServiceConfig captures the dependencies of the sync coordinator.
type ServiceConfig struct {
	Queue        *queue.Service
	Store        *storage.Store
	Remote       StoryCreator
	Tokens       TokenSource
	Connectivity ConnectivitySource
	Bus          *events.Bus
	Registrar    TriggerRegistrar
	SyncInterval time.Duration
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Service is the sync coordinator. The in-progress flag is owned here and
// exposed read-only through Status.
type Service struct {
	queue        *queue.Service
	store        *storage.Store
	remote       StoryCreator
	tokens       TokenSource
	connectivity ConnectivitySource
	bus          *events.Bus
	registrar    TriggerRegistrar
	syncInterval time.Duration
	clock        func() time.Time
	logger       *zap.Logger

	mu      sync.Mutex
	syncing bool
}

// NewService constructs a sync coordinator.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Queue == nil {
		return nil, newServiceError(opServiceNew, "missing_queue", errMissingQueue)
	}
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.Remote == nil {
		return nil, newServiceError(opServiceNew, "missing_remote", errMissingRemote)
	}
	if cfg.Connectivity == nil {
		return nil, newServiceError(opServiceNew, "missing_connectivity", errMissingConnectivity)
	}

	interval := cfg.SyncInterval
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	bus := cfg.Bus
	if bus == nil {
		bus = events.NewBus()
	}

	return &Service{
		queue:        cfg.Queue,
		store:        cfg.Store,
		remote:       cfg.Remote,
		tokens:       cfg.Tokens,
		connectivity: cfg.Connectivity,
		bus:          bus,
		registrar:    cfg.Registrar,
		syncInterval: interval,
		clock:        clock,
		logger:       logger,
	}, nil
}

// Bus exposes the lifecycle event bus for subscribers.
func (s *Service) Bus() *events.Bus {
	return s.bus
}

// EnqueueStory validates and stages a story for deferred submission. Nothing
// is persisted when validation fails.
func (s *Service) EnqueueStory(ctx context.Context, draft StoryDraft) (*storage.PendingOperation, error) {
	if strings.TrimSpace(draft.Description) == "" {
		return nil, newServiceError(opEnqueueStory, "validation_failed", ErrEmptyDescription)
	}
	if len(draft.Photo) == 0 {
		return nil, newServiceError(opEnqueueStory, "validation_failed", ErrEmptyPhoto)
	}

	payloadJSON, err := queue.EncodeStoryPayload(queue.StoryPayload{
		Description: draft.Description,
		Photo:       draft.Photo,
		PhotoName:   draft.PhotoName,
		PhotoType:   draft.PhotoType,
		Lat:         draft.Lat,
		Lon:         draft.Lon,
	})
	if err != nil {
		return nil, newServiceError(opEnqueueStory, "encode_failed", err)
	}

	operation, err := s.queue.Enqueue(ctx, storage.OperationCreateStory, payloadJSON)
	if err != nil {
		s.logError(opEnqueueStory, "enqueue_failed", err)
		return nil, newServiceError(opEnqueueStory, "enqueue_failed", err)
	}

	if err := s.refreshCounters(ctx); err != nil {
		s.logError(opEnqueueStory, "counter_refresh_failed", err)
	}

	if s.registrar != nil {
		if err := s.registrar.Schedule(BackgroundTaskName); err != nil {
			s.logger.Debug("background trigger unavailable", zap.Error(err))
		}
	}

	s.bus.Publish(events.Event{
		Type:        events.TypeStoryQueued,
		OperationID: operation.ID,
	})

	s.logger.Info("story queued for sync", zap.Uint64("operation_id", operation.ID))
	return operation, nil
}

// SyncAll drains every pending operation serially. A concurrent call while a
// drain is running returns a zero result immediately, as does a call while
// disconnected. Individual failures never abort the batch.
func (s *Service) SyncAll(ctx context.Context) (Result, error) {
	if !s.beginSync() {
		s.logger.Debug("sync already in progress, skipping")
		return Result{}, nil
	}
	defer s.endSync()

	if !s.connectivity.Online() {
		s.logger.Debug("sync skipped, offline")
		return Result{}, nil
	}

	pending, err := s.queue.ListByStatus(ctx, storage.StatusPending)
	if err != nil {
		s.logError(opSyncAll, "list_pending_failed", err)
		return Result{}, newServiceError(opSyncAll, "list_pending_failed", err)
	}
	if len(pending) == 0 {
		return Result{}, nil
	}

	s.bus.Publish(events.Event{Type: events.TypeSyncStart, Total: len(pending)})

	var result Result
	for _, operation := range pending {
		ok, err := s.syncOne(ctx, operation.ID)
		if err != nil {
			s.logError(opSyncAll, "item_sync_failed", err, zap.Uint64("operation_id", operation.ID))
			result.Failed++
		} else if ok {
			result.Synced++
		} else {
			result.Failed++
		}
		s.bus.Publish(events.Event{
			Type:        events.TypeSyncProgress,
			OperationID: operation.ID,
			Total:       len(pending),
			Synced:      result.Synced,
			Failed:      result.Failed,
		})
	}

	now := s.clock().UTC().Unix()
	state, err := s.store.SyncStatus(ctx)
	if err != nil {
		s.logError(opSyncAll, "status_read_failed", err)
		state = &storage.SyncState{Key: storage.SyncStateKey}
	}
	state.LastSyncSeconds = now
	if err := s.fillCounters(ctx, state); err != nil {
		s.logError(opSyncAll, "counter_refresh_failed", err)
	}
	if err := s.store.PutSyncStatus(ctx, state); err != nil {
		s.logError(opSyncAll, "status_write_failed", err)
	}

	s.bus.Publish(events.Event{
		Type:    events.TypeSyncComplete,
		Total:   len(pending),
		Synced:  result.Synced,
		Failed:  result.Failed,
		Skipped: result.Skipped,
	})

	s.logger.Info("sync pass complete",
		zap.Int("synced", result.Synced),
		zap.Int("failed", result.Failed))

	return result, nil
}

// ManualSync is the user-facing trigger. Unlike the automatic paths it
// reports being offline as an error.
func (s *Service) ManualSync(ctx context.Context) (Result, error) {
	if !s.connectivity.Online() {
		return Result{}, newServiceError(opSyncAll, "offline", ErrOffline)
	}
	return s.SyncAll(ctx)
}

// SyncOne attempts remote submission of a single operation and applies the
// resulting state transition. Used by the batch path and by manual retry.
func (s *Service) SyncOne(ctx context.Context, id uint64) (bool, error) {
	return s.syncOne(ctx, id)
}

func (s *Service) syncOne(ctx context.Context, id uint64) (bool, error) {
	// Re-fetch fresh: the other context may have drained or removed it.
	operation, err := s.queue.Get(ctx, id)
	if err != nil {
		return false, newServiceError(opSyncOne, "load_failed", err)
	}
	if operation == nil {
		s.logger.Warn("operation vanished before sync", zap.Uint64("operation_id", id))
		return false, nil
	}

	if _, err := s.queue.MarkSyncing(ctx, id); err != nil {
		return false, newServiceError(opSyncOne, "mark_syncing_failed", err)
	}

	payload, err := queue.DecodeStoryPayload(operation.PayloadJSON)
	if err != nil {
		if _, markErr := s.queue.MarkFailed(ctx, id, err.Error()); markErr != nil {
			s.logError(opSyncOne, "mark_failed_failed", markErr, zap.Uint64("operation_id", id))
		}
		return false, nil
	}

	token := ""
	if s.tokens != nil {
		token, err = s.tokens.Token()
		if err != nil {
			s.logger.Warn("credential lookup failed, submitting as guest", zap.Error(err))
			token = ""
		}
	}

	story, err := s.remote.Create(ctx, stories.Draft{
		Description:    payload.Description,
		Photo:          payload.Photo,
		PhotoName:      payload.PhotoName,
		PhotoType:      payload.PhotoType,
		Lat:            payload.Lat,
		Lon:            payload.Lon,
		IdempotencyKey: operation.IdempotencyKey,
	}, token)
	if err != nil {
		// Network failure and remote rejection share one retry policy; only
		// the recorded message differs.
		message := err.Error()
		var remoteErr *stories.RemoteError
		if errors.As(err, &remoteErr) {
			message = remoteErr.Message
		}
		if _, markErr := s.queue.MarkFailed(ctx, id, message); markErr != nil {
			s.logError(opSyncOne, "mark_failed_failed", markErr, zap.Uint64("operation_id", id))
			return false, newServiceError(opSyncOne, "mark_failed_failed", markErr)
		}
		return false, nil
	}

	// Remote write confirmed; a crash before this removal would resubmit on
	// the next pass with the same idempotency key.
	if err := s.queue.Remove(ctx, id); err != nil {
		s.logError(opSyncOne, "remove_failed", err, zap.Uint64("operation_id", id))
		return false, newServiceError(opSyncOne, "remove_failed", err)
	}

	storyID := ""
	if story != nil {
		storyID = story.ID
	}
	s.bus.Publish(events.Event{
		Type:        events.TypeStorySynced,
		OperationID: id,
		StoryID:     storyID,
	})

	s.logger.Info("story synced", zap.Uint64("operation_id", id), zap.String("story_id", storyID))
	return true, nil
}

// Retry resets a failed operation to pending with attempts and error cleared,
// then attempts it immediately.
func (s *Service) Retry(ctx context.Context, id uint64) (bool, error) {
	if _, err := s.queue.Reset(ctx, id); err != nil {
		if errors.Is(err, queue.ErrOperationNotFound) {
			return false, newServiceError(opRetry, "not_found", err)
		}
		s.logError(opRetry, "reset_failed", err, zap.Uint64("operation_id", id))
		return false, newServiceError(opRetry, "reset_failed", err)
	}
	ok, err := s.syncOne(ctx, id)
	if err != nil {
		return false, err
	}
	if refreshErr := s.refreshCounters(ctx); refreshErr != nil {
		s.logError(opRetry, "counter_refresh_failed", refreshErr)
	}
	return ok, nil
}

// Status merges persisted counters with live connectivity and in-progress
// flags. Counters are recomputed, never patched.
func (s *Service) Status(ctx context.Context) (Status, error) {
	state, err := s.store.SyncStatus(ctx)
	if err != nil {
		s.logError(opStatus, "status_read_failed", err)
		return Status{}, newServiceError(opStatus, "status_read_failed", err)
	}

	status := Status{
		IsOnline:  s.connectivity.Online(),
		IsSyncing: s.isSyncing(),
	}
	if state.LastSyncSeconds > 0 {
		lastSync := time.Unix(state.LastSyncSeconds, 0).UTC()
		status.LastSync = &lastSync
	}

	pending, err := s.queue.PendingCount(ctx)
	if err != nil {
		return Status{}, newServiceError(opStatus, "pending_count_failed", err)
	}
	failed, err := s.queue.FailedCount(ctx)
	if err != nil {
		return Status{}, newServiceError(opStatus, "failed_count_failed", err)
	}
	status.PendingCount = int(pending)
	status.FailedCount = int(failed)

	return status, nil
}

// FailedOperations lists terminally failed items for user-visible retry.
func (s *Service) FailedOperations(ctx context.Context) ([]storage.PendingOperation, error) {
	return s.queue.ListByStatus(ctx, storage.StatusFailed)
}

// ClearFailed drops every terminally failed operation.
func (s *Service) ClearFailed(ctx context.Context) (int, error) {
	cleared, err := s.queue.ClearFailed(ctx)
	if err != nil {
		s.logError(opClearFailed, "clear_failed", err)
		return 0, newServiceError(opClearFailed, "clear_failed", err)
	}
	if err := s.refreshCounters(ctx); err != nil {
		s.logError(opClearFailed, "counter_refresh_failed", err)
	}
	return cleared, nil
}

// RunAutoSync recovers interrupted operations, then drives the automatic
// triggers until ctx is done: a reconnect fires a full drain, and a fixed
// interval check drains when items are pending and no sync is running.
func (s *Service) RunAutoSync(ctx context.Context) {
	if recovered, err := s.store.ResetInterrupted(ctx); err != nil {
		s.logError(opSyncAll, "recover_interrupted_failed", err)
	} else if recovered > 0 {
		s.logger.Info("recovered interrupted operations", zap.Int64("count", recovered))
	}

	transitions, cancel := s.connectivity.Subscribe()
	defer cancel()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case online := <-transitions:
			if online {
				if _, err := s.SyncAll(ctx); err != nil {
					s.logError(opSyncAll, "reconnect_sync_failed", err)
				}
			}
		case <-ticker.C:
			if !s.connectivity.Online() || s.isSyncing() {
				continue
			}
			pending, err := s.queue.PendingCount(ctx)
			if err != nil {
				s.logError(opSyncAll, "pending_count_failed", err)
				continue
			}
			if pending == 0 {
				continue
			}
			if _, err := s.SyncAll(ctx); err != nil {
				s.logError(opSyncAll, "periodic_sync_failed", err)
			}
		}
	}
}

func (s *Service) beginSync() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.syncing {
		return false
	}
	s.syncing = true
	return true
}

func (s *Service) endSync() {
	s.mu.Lock()
	s.syncing = false
	s.mu.Unlock()
}

func (s *Service) isSyncing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncing
}

func (s *Service) refreshCounters(ctx context.Context) error {
	state, err := s.store.SyncStatus(ctx)
	if err != nil {
		return err
	}
	if err := s.fillCounters(ctx, state); err != nil {
		return err
	}
	return s.store.PutSyncStatus(ctx, state)
}

func (s *Service) fillCounters(ctx context.Context, state *storage.SyncState) error {
	pending, err := s.queue.PendingCount(ctx)
	if err != nil {
		return err
	}
	failed, err := s.queue.FailedCount(ctx)
	if err != nil {
		return err
	}
	state.PendingCount = int(pending)
	state.FailedCount = int(failed)
	return nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("sync coordinator error", attrs...)
}
