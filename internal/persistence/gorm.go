package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/darsavelidze/safe-school/pkg/database"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SnapshotKey is the row that holds the current snapshot
const SnapshotKey = "current"

// SnapshotRecord is a persisted snapshot row
type SnapshotRecord struct {
	Key       string    `gorm:"primaryKey;size:64" json:"key"`
	Data      []byte    `gorm:"not null" json:"data"`
	TakenAt   time.Time `json:"taken_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name for SnapshotRecord
func (SnapshotRecord) TableName() string {
	return "snapshots"
}

// GormStore keeps the snapshot in a PostgreSQL table through gorm
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db, now: time.Now}
}

func (s *GormStore) Name() string {
	return "postgres"
}

// Migrate creates the snapshots table
func (s *GormStore) Migrate() error {
	return database.MigrateModels(s.db, &SnapshotRecord{})
}

// Save upserts the snapshot row
func (s *GormStore) Save(ctx context.Context, blob []byte) error {
	record := SnapshotRecord{
		Key:     SnapshotKey,
		Data:    blob,
		TakenAt: s.now().UTC(),
	}

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"data", "taken_at", "updated_at"}),
		}).
		Create(&record)
	if result.Error != nil {
		return fmt.Errorf("failed to upsert snapshot: %w", result.Error)
	}
	return nil
}

// Load reads the snapshot row
func (s *GormStore) Load(ctx context.Context) ([]byte, error) {
	var record SnapshotRecord
	result := s.db.WithContext(ctx).Where("key = ?", SnapshotKey).Take(&record)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrNoSnapshot
		}
		return nil, fmt.Errorf("failed to read snapshot: %w", result.Error)
	}
	return record.Data, nil
}
