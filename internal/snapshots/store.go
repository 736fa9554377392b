package snapshots

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang/snappy"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrCorruptSnapshot indicates a stored blob could not be decompressed.
	ErrCorruptSnapshot = errors.New("snapshots: corrupt snapshot")
	errMissingDatabase = errors.New("snapshots: database handle is required")
	errMissingKey      = errors.New("snapshots: monitor and record identifiers are required")
	errEmptySnapshot   = errors.New("snapshots: content is required")
)

// Snapshot is the last captured content of one record for one monitor.
type Snapshot struct {
	MonitorID   string    `gorm:"column:monitor_id;primaryKey;size:64;not null"`
	RecordID    string    `gorm:"column:record_id;primaryKey;size:64;not null"`
	Content     []byte    `gorm:"column:content;not null"`
	LastUpdated time.Time `gorm:"column:last_updated;not null"`
}

// TableName exposes the table backing record snapshots.
func (Snapshot) TableName() string {
	return "record_snapshots"
}

// Entry is one snapshot write.
type Entry struct {
	RecordID   string
	Content    []byte
	CapturedAt time.Time
}

// Store persists snappy-compressed record snapshots.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore constructs a Store.
func NewStore(db *gorm.DB, logger *zap.Logger) (*Store, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}, nil
}

// WithTx returns a Store bound to the provided transaction.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx, logger: s.logger}
}

// Get returns the decompressed snapshot content, or false when none exists.
func (s *Store) Get(ctx context.Context, monitorID, recordID string) ([]byte, bool, error) {
	if strings.TrimSpace(monitorID) == "" || strings.TrimSpace(recordID) == "" {
		return nil, false, errMissingKey
	}
	var snapshot Snapshot
	err := s.db.WithContext(ctx).
		Where("monitor_id = ? AND record_id = ?", monitorID, recordID).
		Take(&snapshot).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	content, err := snappy.Decode(nil, snapshot.Content)
	if err != nil {
		return nil, true, fmt.Errorf("%w: monitor=%s record=%s: %v", ErrCorruptSnapshot, monitorID, recordID, err)
	}
	return content, true, nil
}

// Upsert overwrites the snapshot of the record.
func (s *Store) Upsert(ctx context.Context, monitorID string, entry Entry) error {
	if strings.TrimSpace(monitorID) == "" || strings.TrimSpace(entry.RecordID) == "" {
		return errMissingKey
	}
	if len(entry.Content) == 0 {
		return errEmptySnapshot
	}
	snapshot := Snapshot{
		MonitorID:   monitorID,
		RecordID:    entry.RecordID,
		Content:     snappy.Encode(nil, entry.Content),
		LastUpdated: entry.CapturedAt.UTC(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "monitor_id"}, {Name: "record_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"content", "last_updated"}),
		}).
		Create(&snapshot).
		Error
}

// DeleteForMonitor removes every snapshot of the monitor.
func (s *Store) DeleteForMonitor(ctx context.Context, monitorID string) (int64, error) {
	if strings.TrimSpace(monitorID) == "" {
		return 0, errMissingKey
	}
	result := s.db.WithContext(ctx).Where("monitor_id = ?", monitorID).Delete(&Snapshot{})
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		s.logger.Info("snapshots purged",
			zap.String("monitor_id", monitorID),
			zap.Int64("count", result.RowsAffected))
	}
	return result.RowsAffected, nil
}

// Count returns the number of snapshots held for the monitor.
func (s *Store) Count(ctx context.Context, monitorID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Snapshot{}).Where("monitor_id = ?", monitorID).Count(&count).Error
	return count, err
}
