package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/shopcart/internal/users"
)

const (
	migrationNormalizeIdentityEmails = "2025-03-01_normalize_identity_emails"
	migrationBackfillSanityDocIDs    = "2025-04-12_backfill_identity_sanity_doc_ids"
)

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
		{name: migrationNormalizeIdentityEmails, apply: normalizeIdentityEmails},
		{name: migrationBackfillSanityDocIDs, apply: backfillSanityDocIDs},
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

// normalizeIdentityEmails lowercases emails stored before lookups became case-insensitive.
func normalizeIdentityEmails(db *gorm.DB) error {
	return db.Model(&users.Identity{}).
		Where("user_email <> lower(trim(user_email))").
		Update("user_email", gorm.Expr("lower(trim(user_email))")).Error
}

func backfillSanityDocIDs(db *gorm.DB) error {
	return db.Model(&users.Identity{}).
		Where("sanity_doc_id = ''").
		Update("sanity_doc_id", gorm.Expr("? || clerk_user_id", users.DocumentID(""))).Error
}
