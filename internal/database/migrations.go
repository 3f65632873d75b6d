package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeActiveSchedules = "2024-03-01_normalize_active_schedules"
	migrationSingleActiveIndexes      = "2024-03-01_single_active_indexes"
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
		{name: migrationNormalizeActiveSchedules, apply: normalizeActiveSchedules},
		{name: migrationSingleActiveIndexes, apply: createSingleActiveIndexes},
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

// normalizeActiveSchedules keeps the most recently updated non-deleted active definition
// and aligns every adaptation row with its definition's flag.
func normalizeActiveSchedules(db *gorm.DB) error {
	if err := db.Exec(`UPDATE schedule_definitions SET is_active = 0
WHERE is_active = 1 AND (
	is_deleted = 1 OR schedule_id <> (
		SELECT schedule_id FROM schedule_definitions
		WHERE is_active = 1 AND is_deleted = 0
		ORDER BY updated_at_s DESC, schedule_id DESC
		LIMIT 1
	)
)`).Error; err != nil {
		return err
	}
	return db.Exec(`UPDATE schedule_adaptation_states SET is_active = COALESCE((
	SELECT definitions.is_active FROM schedule_definitions AS definitions
	WHERE definitions.schedule_id = schedule_adaptation_states.schedule_id
), 0)`).Error
}

func createSingleActiveIndexes(db *gorm.DB) error {
	statements := []string{
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_schedule_definitions_single_active ON schedule_definitions(is_active) WHERE is_active = 1",
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_schedule_adaptation_states_single_active ON schedule_adaptation_states(is_active) WHERE is_active = 1",
	}
	for _, statement := range statements {
		if err := db.Exec(statement).Error; err != nil {
			return err
		}
	}
	return nil
}
