package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/flipbook/backend/internal/frames"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillFrameCreatedBy = "2026-10-01_backfill_frame_created_by"

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

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillFrameCreatedBy, apply: backfillFrameCreatedBy},
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
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

func backfillFrameCreatedBy(db *gorm.DB) error {
	return db.Model(&frames.Frame{}).
		Where("created_by IS NULL OR TRIM(created_by) = ''").
		Update("created_by", frames.AnonymousAuthor).Error
}
