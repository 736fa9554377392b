package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/notionwatch/internal/monitors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNormalizeMonitorWatermarks = "2026-10-01_normalize_monitor_watermarks"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB, *zap.Logger) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizeMonitorWatermarks, apply: normalizeMonitorWatermarks},
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
		if err := migration.apply(db, logger); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// normalizeMonitorWatermarks rewrites stored watermarks in the canonical
// layout. Unparseable values are cleared so the next tick reseeds them.
func normalizeMonitorWatermarks(db *gorm.DB, logger *zap.Logger) error {
	var stored []monitors.Monitor
	if err := db.Where("watermark IS NOT NULL").Find(&stored).Error; err != nil {
		return err
	}
	return db.Transaction(func(tx *gorm.DB) error {
		for _, monitor := range stored {
			current := *monitor.Watermark
			var replacement any
			parsed, err := monitors.ParseWatermark(current)
			if err == nil {
				formatted := monitors.FormatWatermark(parsed)
				if formatted == current {
					continue
				}
				replacement = formatted
			} else if logger != nil {
				logger.Warn("clearing unparseable watermark",
					zap.String("monitor_id", monitor.ID),
					zap.String("watermark", current))
			}
			if err := tx.Model(&monitors.Monitor{}).
				Where("id = ?", monitor.ID).
				Update("watermark", replacement).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
