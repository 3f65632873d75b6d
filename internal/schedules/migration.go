package schedules

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opMigrate         = "schedules.migrate_legacy"
	reasonMigrateItem = "definition_migration_failed"
)

// legacyExtendedNames are the name fragments that historically selected the 28-day table.
var legacyExtendedNames = []string{"uberman", "dymaxion"}

// MigrationReport summarizes one MigrateLegacyDefinitions run.
type MigrationReport struct {
	Examined   int
	Backfilled int
	Difficulty int
	Failed     int
}

// MigrateLegacyDefinitions creates the missing adaptation state of every non-deleted
// definition (phase 0, reference now, active flag copied) and assigns a difficulty to
// definitions stored without one. Each definition migrates in its own transaction;
// a failing definition is logged and skipped. Running it again changes nothing.
func (service *Service) MigrateLegacyDefinitions(ctx context.Context) (MigrationReport, error) {
	if err := service.ready(opMigrate); err != nil {
		return MigrationReport{}, err
	}

	service.writeMu.Lock()
	defer service.writeMu.Unlock()

	var definitions []Definition
	if err := service.db.WithContext(ctx).
		Where(queryNotDeleted, false).
		Order(orderCreatedAt).
		Find(&definitions).Error; err != nil {
		service.logError(opMigrate, reasonQueryFailed, err)
		return MigrationReport{}, newServiceError(opMigrate, reasonQueryFailed, ErrStorageFailure, err)
	}

	report := MigrationReport{}
	now := service.now()
	for _, definition := range definitions {
		report.Examined++
		created, classified, err := service.migrateDefinition(ctx, definition)
		if err != nil {
			report.Failed++
			service.logError(opMigrate, reasonMigrateItem, err, zap.String(fieldScheduleID, definition.ScheduleID))
			continue
		}
		if created {
			report.Backfilled++
		}
		if classified {
			report.Difficulty++
		}
	}
	service.metricsOrDefault().AddMigrationBackfilled(report.Backfilled)
	service.loggerOrDefault().Info("legacy definitions migrated",
		zap.Int("examined", report.Examined),
		zap.Int("backfilled", report.Backfilled),
		zap.Int("difficulty_assigned", report.Difficulty),
		zap.Int("failed", report.Failed),
		zap.Time("migrated_at", now))
	return report, nil
}

func (service *Service) migrateDefinition(ctx context.Context, definition Definition) (bool, bool, error) {
	created := false
	classified := false
	now := service.now()
	err := service.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if definition.Difficulty == "" {
			definition.Difficulty = legacyDifficulty(definition.Name)
			if err := tx.Model(&Definition{}).
				Where(queryScheduleID, definition.ScheduleID).
				Update("difficulty", definition.Difficulty).Error; err != nil {
				return err
			}
			classified = true
		}

		var existing AdaptationState
		err := tx.Where(queryScheduleID, definition.ScheduleID).Take(&existing).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if _, err := synchronizeAdaptation(tx, definition, false, now); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return false, false, err
	}
	return created, classified, nil
}

// legacyDifficulty classifies a definition saved before difficulty was stored.
func legacyDifficulty(name string) Difficulty {
	lowered := strings.ToLower(name)
	for _, fragment := range legacyExtendedNames {
		if strings.Contains(lowered, fragment) {
			return DifficultyExtended
		}
	}
	return DifficultyStandard
}
