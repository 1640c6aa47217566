package storage

// OperationStatus enumerates the lifecycle states of a queued operation.
type OperationStatus string

const (
	// StatusPending marks an operation waiting for a sync attempt.
	StatusPending OperationStatus = "pending"
	// StatusSyncing marks an operation with a sync attempt in flight.
	StatusSyncing OperationStatus = "syncing"
	// StatusFailed marks an operation that exhausted its automatic retries.
	StatusFailed OperationStatus = "failed"
)

// OperationType tags the kind of deferred mutation held in the queue.
type OperationType string

const (
	// OperationCreateStory is a deferred story submission.
	OperationCreateStory OperationType = "create_story"
)

// PendingOperation is a unit of deferred work persisted in the offline queue.
type PendingOperation struct {
	ID                 uint64          `gorm:"column:id;primaryKey;autoIncrement"`
	Type               OperationType   `gorm:"column:op_type;size:64;not null"`
	PayloadJSON        string          `gorm:"column:payload_json;type:text;not null"`
	Status             OperationStatus `gorm:"column:status;size:32;not null;index:idx_pending_operations_status"`
	Attempts           int             `gorm:"column:attempts;not null;default:0"`
	IdempotencyKey     string          `gorm:"column:idempotency_key;size:64;not null;default:''"`
	CreatedAtSeconds   int64           `gorm:"column:created_at_s;not null;index:idx_pending_operations_created"`
	LastAttemptSeconds int64           `gorm:"column:last_attempt_s;not null;default:0"`
	LastError          string          `gorm:"column:last_error;type:text;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (PendingOperation) TableName() string {
	return "pending_operations"
}

// Favorite is a denormalized snapshot of a remote story saved locally.
type Favorite struct {
	StoryID        string   `gorm:"column:story_id;primaryKey;size:190;not null"`
	Name           string   `gorm:"column:name;size:190;not null;default:''"`
	Description    string   `gorm:"column:description;type:text;not null;default:''"`
	PhotoURL       string   `gorm:"column:photo_url;size:512;not null;default:''"`
	Lat            *float64 `gorm:"column:lat"`
	Lon            *float64 `gorm:"column:lon"`
	CreatedAt      string   `gorm:"column:created_at;size:64;not null;default:''"`
	SavedAtSeconds int64    `gorm:"column:saved_at_s;not null;index:idx_favorites_saved"`
}

// TableName provides the explicit table binding for GORM.
func (Favorite) TableName() string {
	return "favorites"
}

// SyncStateKey is the primary key of the singleton sync status row.
const SyncStateKey = "main"

// SyncState summarizes sync health as a single well-known record.
type SyncState struct {
	Key              string `gorm:"column:key;primaryKey;size:32;not null"`
	LastSyncSeconds  int64  `gorm:"column:last_sync_s;not null;default:0"`
	PendingCount     int    `gorm:"column:pending_count;not null;default:0"`
	FailedCount      int    `gorm:"column:failed_count;not null;default:0"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (SyncState) TableName() string {
	return "sync_status"
}
