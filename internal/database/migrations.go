package database

import (
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/inkwell/internal/documents"
	"github.com/MarcoPoloResearchLab/inkwell/internal/permissions"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationStripProviderPrefixes    = "2024-06-01_strip_provider_prefixes"
	migrationNormalizeSharePermission = "2024-06-08_normalize_share_permissions"

	legacyProviderPrefix = "google:"
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
		{name: migrationStripProviderPrefixes, apply: stripProviderPrefixes},
		{name: migrationNormalizeSharePermission, apply: normalizeSharePermissions},
	}

	for _, migration := range migrations {
		var applied int64
		if err := db.Model(&migrationRecord{}).Where("name = ?", migration.name).Count(&applied).Error; err != nil {
			return err
		}
		if applied > 0 {
			continue
		}
		if err := db.Transaction(migration.apply); err != nil {
			return fmt.Errorf("migration %s: %w", migration.name, err)
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

// stripProviderPrefixes rewrites user ids stored with a provider prefix to the canonical form
// that session claims resolve to.
func stripProviderPrefixes(tx *gorm.DB) error {
	start := len(legacyProviderPrefix) + 1
	columns := []struct {
		table  string
		column string
	}{
		{table: "documents", column: "author_id"},
		{table: "documents", column: "last_edited_by"},
		{table: "document_versions", column: "created_by"},
		{table: "document_shares", column: "user_id"},
		{table: "document_shares", column: "shared_by"},
		{table: "profiles", column: "user_id"},
	}
	for _, target := range columns {
		statement := fmt.Sprintf("UPDATE %s SET %s = substr(%s, %d) WHERE %s LIKE ?",
			target.table, target.column, target.column, start, target.column)
		if err := tx.Exec(statement, legacyProviderPrefix+"%").Error; err != nil {
			return err
		}
	}
	return nil
}

// normalizeSharePermissions lowercases stored levels, turns legacy admin shares into write
// (admin is derived from authorship) and drops rows whose level cannot be parsed.
func normalizeSharePermissions(tx *gorm.DB) error {
	var shares []documents.DocumentShare
	if err := tx.Find(&shares).Error; err != nil {
		return err
	}
	for _, share := range shares {
		level, err := permissions.ParseLevel(share.Permission)
		if err == nil && level == permissions.Admin {
			level = permissions.Write
		}
		if err != nil || !level.Grantable() {
			if err := tx.Where("share_id = ?", share.ShareID).Delete(&documents.DocumentShare{}).Error; err != nil {
				return err
			}
			continue
		}
		if level.String() == share.Permission {
			continue
		}
		if err := tx.Model(&documents.DocumentShare{}).
			Where("share_id = ?", share.ShareID).
			Update("permission", level.String()).Error; err != nil {
			return err
		}
	}
	return nil
}
