package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/polysleep/internal/schedules"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func seedDefinition(testContext *testing.T, database *gorm.DB, id string, isActive, isDeleted bool, updatedAt int64) {
	testContext.Helper()
	definition := schedules.Definition{
		ScheduleID:       id,
		Name:             id,
		IsActive:         isActive,
		IsDeleted:        isDeleted,
		CreatedAtSeconds: 1700000000,
		UpdatedAtSeconds: updatedAt,
	}
	if err := database.Create(&definition).Error; err != nil {
		testContext.Fatalf("failed to insert definition: %v", err)
	}
	state := schedules.AdaptationState{
		ScheduleID:            id,
		PhaseReferenceSeconds: 1700000000,
		IsActive:              isActive,
		UpdatedAtSeconds:      updatedAt,
	}
	if err := database.Create(&state).Error; err != nil {
		testContext.Fatalf("failed to insert adaptation state: %v", err)
	}
}

func TestApplyMigrationsNormalizesDuplicateActiveSchedules(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	models := append(schedules.Models(), &migrationRecord{})
	if err := database.AutoMigrate(models...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	seedDefinition(testContext, database, "older", true, false, 1700000100)
	seedDefinition(testContext, database, "newer", true, false, 1700000200)
	seedDefinition(testContext, database, "deleted", true, true, 1700000300)
	seedDefinition(testContext, database, "idle", false, false, 1700000400)

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var activeDefinitions []schedules.Definition
	if err := database.Where("is_active = ?", true).Find(&activeDefinitions).Error; err != nil {
		testContext.Fatalf("failed to load active definitions: %v", err)
	}
	if len(activeDefinitions) != 1 || activeDefinitions[0].ScheduleID != "newer" {
		testContext.Fatalf("expected only the newest definition to stay active, got %+v", activeDefinitions)
	}

	var activeStates []schedules.AdaptationState
	if err := database.Where("is_active = ?", true).Find(&activeStates).Error; err != nil {
		testContext.Fatalf("failed to load active states: %v", err)
	}
	if len(activeStates) != 1 || activeStates[0].ScheduleID != "newer" {
		testContext.Fatalf("expected adaptation states to follow their definitions, got %+v", activeStates)
	}

	for _, name := range []string{migrationNormalizeActiveSchedules, migrationSingleActiveIndexes} {
		var record migrationRecord
		if err := database.Where("name = ?", name).Take(&record).Error; err != nil {
			testContext.Fatalf("expected migration record %s: %v", name, err)
		}
		if record.AppliedAtSeconds == 0 {
			testContext.Fatalf("expected migration timestamp to be set")
		}
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("expected repeated migrations to be skipped: %v", err)
	}
}

func TestSingleActiveIndexRejectsSecondActiveRow(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "index.db")
	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}

	seedDefinition(testContext, database, "first", true, false, 1700000100)
	seedDefinition(testContext, database, "second", false, false, 1700000100)

	err = database.Model(&schedules.Definition{}).
		Where("schedule_id = ?", "second").
		Update("is_active", true).Error
	if err == nil {
		testContext.Fatalf("expected unique index to reject a second active definition")
	}

	err = database.Model(&schedules.AdaptationState{}).
		Where("schedule_id = ?", "second").
		Update("is_active", true).Error
	if err == nil {
		testContext.Fatalf("expected unique index to reject a second active adaptation state")
	}
}
