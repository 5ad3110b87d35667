package database

import (
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/sitemap/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillParentPath = "2026-09-14_backfill_sitemap_parent_path"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

// migration is a one-off data fix recorded by name once applied.
type migration struct {
	name  string
	apply func(*gorm.DB) error
}

var migrations = []migration{
	{name: migrationBackfillParentPath, apply: backfillParentPath},
}

// applyMigrations runs each pending migration in a transaction together with its ledger row.
func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	var appliedNames []string
	if err := db.Model(&migrationRecord{}).Pluck("name", &appliedNames).Error; err != nil {
		return fmt.Errorf("read migration ledger: %w", err)
	}
	applied := make(map[string]struct{}, len(appliedNames))
	for _, name := range appliedNames {
		applied[name] = struct{}{}
	}

	for _, pending := range migrations {
		if _, done := applied[pending.name]; done {
			continue
		}
		err := db.Transaction(func(tx *gorm.DB) error {
			if err := pending.apply(tx); err != nil {
				return err
			}
			return tx.Create(&migrationRecord{Name: pending.name, AppliedAtSeconds: time.Now().UTC().Unix()}).Error
		})
		if err != nil {
			return fmt.Errorf("migration %s: %w", pending.name, err)
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", pending.name))
		}
	}
	return nil
}

// backfillParentPath derives parent_path for rows written before the column existed.
func backfillParentPath(db *gorm.DB) error {
	var records []store.NodeRecord
	if err := db.Where("parent_path = ''").Find(&records).Error; err != nil {
		return err
	}
	for _, record := range records {
		if record.Path == "/" {
			continue
		}
		if err := db.Model(&store.NodeRecord{}).
			Where("id = ?", record.ID).
			Update("parent_path", store.ParentPath(record.Path)).Error; err != nil {
			return err
		}
	}
	return nil
}
