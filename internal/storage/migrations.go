package storage

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillIdempotencyKeys = "2026-06-14_backfill_idempotency_keys"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, clock func() time.Time, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillIdempotencyKeys, apply: backfillIdempotencyKeys},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := clock().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("storage migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillIdempotencyKeys assigns keys to operations enqueued before the
// idempotency column existed so a retry after upgrade still deduplicates.
func backfillIdempotencyKeys(db *gorm.DB) error {
	var operations []PendingOperation
	if err := db.Where("idempotency_key = ?", "").Find(&operations).Error; err != nil {
		return err
	}
	for _, operation := range operations {
		if err := db.Model(&PendingOperation{}).
			Where("id = ?", operation.ID).
			Update("idempotency_key", uuid.NewString()).Error; err != nil {
			return err
		}
	}
	return nil
}
