// Package storage provides the crash-durable local store shared by the
// foreground agent and the background worker. Each runtime context opens its
// own handle over the same database file; SQLite transactions are the only
// cross-context safety net.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrStorageUnavailable indicates the platform denied access to the database.
	ErrStorageUnavailable = errors.New("storage: backend unavailable")
	// ErrNotInitialized indicates an operation ran before Open completed.
	ErrNotInitialized = errors.New("storage: not initialized")
	// ErrTransactionFailed indicates an underlying I/O or transaction error.
	ErrTransactionFailed = errors.New("storage: transaction failed")
)

// Config captures the dependencies required to open a Store.
type Config struct {
	Path   string
	Logger *zap.Logger
	Clock  func() time.Time
}

// Store is the durable persistence layer over the three named collections.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
	clock  func() time.Time
}

// Open establishes a SQLite connection, performs schema migrations and returns
// a ready Store.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: database path is required", ErrStorageUnavailable)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	db, err := gorm.Open(sqlite.Open(cfg.Path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&PendingOperation{}, &Favorite{}, &SyncState{}, &migrationRecord{}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	if err := applyMigrations(db, clock, logger); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	logger.Info("storage initialized", zap.String("path", cfg.Path))

	return &Store{db: db, logger: logger, clock: clock}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) handle() (*gorm.DB, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotInitialized
	}
	return s.db, nil
}

func wrapTxErr(err error) error {
	return fmt.Errorf("%w: %v", ErrTransactionFailed, err)
}

// PutOperation upserts a pending operation. A zero ID lets SQLite assign the
// next monotonically increasing local identifier.
func (s *Store) PutOperation(ctx context.Context, operation *PendingOperation) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	if err := db.WithContext(ctx).Save(operation).Error; err != nil {
		return wrapTxErr(err)
	}
	return nil
}

// GetOperation returns the operation for the given id, or nil when absent.
func (s *Store) GetOperation(ctx context.Context, id uint64) (*PendingOperation, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	var operation PendingOperation
	err = db.WithContext(ctx).Where("id = ?", id).Take(&operation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapTxErr(err)
	}
	return &operation, nil
}

// ListOperations returns every queued operation.
func (s *Store) ListOperations(ctx context.Context) ([]PendingOperation, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	var operations []PendingOperation
	if err := db.WithContext(ctx).Order("id ASC").Find(&operations).Error; err != nil {
		return nil, wrapTxErr(err)
	}
	return operations, nil
}

// ListOperationsByStatus performs an equality lookup on the status index.
func (s *Store) ListOperationsByStatus(ctx context.Context, status OperationStatus) ([]PendingOperation, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	var operations []PendingOperation
	if err := db.WithContext(ctx).
		Where("status = ?", status).
		Order("id ASC").
		Find(&operations).Error; err != nil {
		return nil, wrapTxErr(err)
	}
	return operations, nil
}

// CountOperationsByStatus counts queued operations with the given status.
func (s *Store) CountOperationsByStatus(ctx context.Context, status OperationStatus) (int64, error) {
	db, err := s.handle()
	if err != nil {
		return 0, err
	}
	var count int64
	if err := db.WithContext(ctx).
		Model(&PendingOperation{}).
		Where("status = ?", status).
		Count(&count).Error; err != nil {
		return 0, wrapTxErr(err)
	}
	return count, nil
}

// DeleteOperation removes an operation from the queue.
func (s *Store) DeleteOperation(ctx context.Context, id uint64) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	if err := db.WithContext(ctx).Delete(&PendingOperation{}, id).Error; err != nil {
		return wrapTxErr(err)
	}
	return nil
}

// ClearOperations removes every queued operation.
func (s *Store) ClearOperations(ctx context.Context) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	if err := db.WithContext(ctx).Where("1 = 1").Delete(&PendingOperation{}).Error; err != nil {
		return wrapTxErr(err)
	}
	return nil
}

// ResetInterrupted returns operations stranded in the syncing state by a
// crashed drain back to pending so they become retry-eligible again.
func (s *Store) ResetInterrupted(ctx context.Context) (int64, error) {
	db, err := s.handle()
	if err != nil {
		return 0, err
	}
	result := db.WithContext(ctx).
		Model(&PendingOperation{}).
		Where("status = ?", StatusSyncing).
		Update("status", StatusPending)
	if result.Error != nil {
		return 0, wrapTxErr(result.Error)
	}
	return result.RowsAffected, nil
}

// PutFavorite upserts a favorite snapshot by remote story id, most recent wins.
func (s *Store) PutFavorite(ctx context.Context, favorite *Favorite) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	if err := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "story_id"}},
			UpdateAll: true,
		}).
		Create(favorite).Error; err != nil {
		return wrapTxErr(err)
	}
	return nil
}

// GetFavorite returns the favorite for the given story id, or nil when absent.
func (s *Store) GetFavorite(ctx context.Context, storyID string) (*Favorite, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	var favorite Favorite
	err = db.WithContext(ctx).Where("story_id = ?", storyID).Take(&favorite).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapTxErr(err)
	}
	return &favorite, nil
}

// ListFavorites returns every saved favorite.
func (s *Store) ListFavorites(ctx context.Context) ([]Favorite, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	var favorites []Favorite
	if err := db.WithContext(ctx).Find(&favorites).Error; err != nil {
		return nil, wrapTxErr(err)
	}
	return favorites, nil
}

// CountFavorite reports favorite membership without materializing the record.
func (s *Store) CountFavorite(ctx context.Context, storyID string) (int64, error) {
	db, err := s.handle()
	if err != nil {
		return 0, err
	}
	var count int64
	if err := db.WithContext(ctx).
		Model(&Favorite{}).
		Where("story_id = ?", storyID).
		Count(&count).Error; err != nil {
		return 0, wrapTxErr(err)
	}
	return count, nil
}

// DeleteFavorite removes a saved favorite.
func (s *Store) DeleteFavorite(ctx context.Context, storyID string) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	if err := db.WithContext(ctx).
		Where("story_id = ?", storyID).
		Delete(&Favorite{}).Error; err != nil {
		return wrapTxErr(err)
	}
	return nil
}

// ClearFavorites removes every saved favorite.
func (s *Store) ClearFavorites(ctx context.Context) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	if err := db.WithContext(ctx).Where("1 = 1").Delete(&Favorite{}).Error; err != nil {
		return wrapTxErr(err)
	}
	return nil
}

// SyncStatus returns the singleton sync status row, defaulting to a zero
// record when it has never been written.
func (s *Store) SyncStatus(ctx context.Context) (*SyncState, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	var state SyncState
	err = db.WithContext(ctx).Where("key = ?", SyncStateKey).Take(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &SyncState{Key: SyncStateKey}, nil
	}
	if err != nil {
		return nil, wrapTxErr(err)
	}
	return &state, nil
}

// PutSyncStatus upserts the singleton sync status row.
func (s *Store) PutSyncStatus(ctx context.Context, state *SyncState) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	state.Key = SyncStateKey
	state.UpdatedAtSeconds = s.clock().UTC().Unix()
	if err := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			UpdateAll: true,
		}).
		Create(state).Error; err != nil {
		return wrapTxErr(err)
	}
	return nil
}
