// Package worker runs the background drain context. It mirrors the
// foreground sync path with its own durable-store handle over the same
// database file, so queued stories still reach the remote API when no
// foreground surface is active. Credentials are requested over the bridge;
// an unanswered request degrades to an anonymous drain.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ourpaths/pathsync/internal/bridge"
	"github.com/ourpaths/pathsync/internal/events"
	"github.com/ourpaths/pathsync/internal/queue"
	"github.com/ourpaths/pathsync/internal/storage"
	"github.com/ourpaths/pathsync/internal/syncer"
	"go.uber.org/zap"
)

var (
	errMissingDatabasePath = errors.New("worker: database path is required")
	errMissingRemote       = errors.New("worker: remote story client is required")
	errMissingConnectivity = errors.New("worker: connectivity source is required")
)

// Config captures the dependencies of the background worker.
type Config struct {
	DatabasePath string
	Remote       syncer.StoryCreator
	Broker       *bridge.Broker
	Connectivity syncer.ConnectivitySource
	Bus          *events.Bus
	MaxAttempts  int
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Worker drains the offline queue independently of the foreground context.
// It doubles as the platform trigger registrar: Schedule arms a drain that
// fires when connectivity returns.
type Worker struct {
	databasePath string
	remote       syncer.StoryCreator
	broker       *bridge.Broker
	connectivity syncer.ConnectivitySource
	bus          *events.Bus
	maxAttempts  int
	clock        func() time.Time
	logger       *zap.Logger

	mu    sync.Mutex
	armed bool
	wake  chan struct{}
}

// New constructs a background worker.
func New(cfg Config) (*Worker, error) {
	if cfg.DatabasePath == "" {
		return nil, errMissingDatabasePath
	}
	if cfg.Remote == nil {
		return nil, errMissingRemote
	}
	if cfg.Connectivity == nil {
		return nil, errMissingConnectivity
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
	return &Worker{
		databasePath: cfg.DatabasePath,
		remote:       cfg.Remote,
		broker:       cfg.Broker,
		connectivity: cfg.Connectivity,
		bus:          bus,
		maxAttempts:  cfg.MaxAttempts,
		clock:        clock,
		logger:       logger,
		wake:         make(chan struct{}, 1),
	}, nil
}

// Schedule arms the named background task. When the device is already
// online the drain fires immediately; otherwise it waits for the next
// connectivity-restored transition.
func (w *Worker) Schedule(name string) error {
	if name != syncer.BackgroundTaskName {
		return fmt.Errorf("worker: unknown task %q", name)
	}
	w.mu.Lock()
	w.armed = true
	w.mu.Unlock()

	if w.connectivity.Online() {
		w.kick()
	}
	return nil
}

// Kick forces an immediate drain attempt regardless of scheduling state.
func (w *Worker) Kick() {
	w.mu.Lock()
	w.armed = true
	w.mu.Unlock()
	w.kick()
}

func (w *Worker) kick() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) disarm() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.armed {
		return false
	}
	w.armed = false
	return true
}

// Run opens the worker's own store handle and services wake-ups until ctx is
// done. The two contexts race only at the storage layer; a rare double drain
// of the same item is tolerated as a duplicate submission.
func (w *Worker) Run(ctx context.Context) error {
	store, err := storage.Open(storage.Config{
		Path:   w.databasePath,
		Logger: w.logger,
		Clock:  w.clock,
	})
	if err != nil {
		return fmt.Errorf("worker: open store: %w", err)
	}
	defer store.Close()

	queueService, err := queue.NewService(queue.ServiceConfig{
		Store:       store,
		Clock:       w.clock,
		Keys:        queue.NewUUIDKeyProvider(),
		MaxAttempts: w.maxAttempts,
		Logger:      w.logger,
	})
	if err != nil {
		return fmt.Errorf("worker: build queue: %w", err)
	}

	coordinator, err := syncer.NewService(syncer.ServiceConfig{
		Queue:        queueService,
		Store:        store,
		Remote:       w.remote,
		Tokens:       w.tokenSource(),
		Connectivity: w.connectivity,
		Bus:          w.bus,
		Clock:        w.clock,
		Logger:       w.logger,
	})
	if err != nil {
		return fmt.Errorf("worker: build coordinator: %w", err)
	}

	transitions, cancel := w.connectivity.Subscribe()
	defer cancel()

	w.logger.Info("background worker started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.wake:
			if w.disarm() {
				w.drain(ctx, coordinator)
			}
		case online := <-transitions:
			if online && w.disarm() {
				w.drain(ctx, coordinator)
			}
		}
	}
}

func (w *Worker) drain(ctx context.Context, coordinator *syncer.Service) {
	result, err := coordinator.SyncAll(ctx)
	if err != nil {
		w.logger.Error("background drain failed", zap.Error(err))
		return
	}
	w.logger.Info("background drain complete",
		zap.Int("synced", result.Synced),
		zap.Int("failed", result.Failed))
}

func (w *Worker) tokenSource() syncer.TokenSource {
	if w.broker == nil {
		return nil
	}
	return &brokerTokenSource{broker: w.broker}
}

// brokerTokenSource fetches the foreground-held credential over the bridge.
type brokerTokenSource struct {
	broker *bridge.Broker
}

func (s *brokerTokenSource) Token() (string, error) {
	token, err := s.broker.RequestToken(context.Background())
	if errors.Is(err, bridge.ErrNoResponder) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return token, nil
}
