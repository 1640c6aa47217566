package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openRawDB(t *testing.T, dsn string) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open raw db: %v", err)
	}
	t.Cleanup(func() {
		sqlDB, err := db.DB()
		if err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func TestMigrationsAreRecordedOnce(t *testing.T) {
	dsn := fmt.Sprintf("file:pathsync_migrations_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	holder := openRawDB(t, dsn)

	first, err := Open(Config{Path: dsn})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	second, err := Open(Config{Path: dsn})
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer second.Close()

	var count int64
	if err := holder.Model(&migrationRecord{}).
		Where("name = ?", migrationBackfillIdempotencyKeys).
		Count(&count).Error; err != nil {
		t.Fatalf("failed to count migration records: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected migration to be recorded exactly once, got %d", count)
	}
}

func TestBackfillAssignsMissingIdempotencyKeys(t *testing.T) {
	dsn := fmt.Sprintf("file:pathsync_backfill_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	holder := openRawDB(t, dsn)

	if err := holder.AutoMigrate(&PendingOperation{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	legacy := PendingOperation{
		Type:             OperationCreateStory,
		PayloadJSON:      "{}",
		Status:           StatusPending,
		IdempotencyKey:   "",
		CreatedAtSeconds: 1750000000,
	}
	if err := holder.Create(&legacy).Error; err != nil {
		t.Fatalf("failed to seed legacy operation: %v", err)
	}

	store, err := Open(Config{Path: dsn})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	stored, err := store.GetOperation(context.Background(), legacy.ID)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if stored == nil {
		t.Fatalf("expected legacy operation to survive migration")
	}
	if stored.IdempotencyKey == "" {
		t.Fatalf("expected backfilled idempotency key")
	}
}
