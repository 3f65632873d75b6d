package schedules

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opCreate     = "schedules.create"
	opUpdate     = "schedules.update"
	opFetchAll   = "schedules.fetch_all"
	opFetchByID  = "schedules.fetch_by_id"
	opSoftDelete = "schedules.soft_delete"

	queryNotDeleted       = "is_deleted = ?"
	queryScheduleIDIn     = "schedule_id IN ?"
	orderCreatedAt        = "created_at_s ASC, name ASC"
	orderBlockPosition    = "schedule_id ASC, position ASC"
	reasonInvalidDraft    = "invalid_draft"
	reasonIDFailed        = "id_generation_failed"
	reasonInsertFailed    = "insert_failed"
	reasonSaveFailed      = "save_failed"
	reasonBlocksFailed    = "blocks_replace_failed"
	reasonSyncFailed      = "adaptation_sync_failed"
	reasonDifficultyFixed = "difficulty_fixed"
)

// Create validates the draft and persists a new inactive schedule with its blocks
// and a fresh adaptation state.
func (service *Service) Create(ctx context.Context, draft Draft) (Schedule, error) {
	if err := service.ready(opCreate); err != nil {
		return Schedule{}, err
	}
	normalized, err := draft.normalize()
	if err != nil {
		return Schedule{}, newServiceError(opCreate, reasonInvalidDraft, ErrInvalidData, err)
	}
	rawID, err := service.idProvider.NewID()
	if err != nil {
		service.logError(opCreate, reasonIDFailed, err)
		return Schedule{}, newServiceError(opCreate, reasonIDFailed, ErrStorageFailure, err)
	}
	scheduleID, err := NewScheduleID(rawID)
	if err != nil {
		service.logError(opCreate, reasonIDFailed, err)
		return Schedule{}, newServiceError(opCreate, reasonIDFailed, ErrInvalidData, err)
	}

	service.writeMu.Lock()
	defer service.writeMu.Unlock()

	now := service.now()
	definition := Definition{
		ScheduleID:        scheduleID.String(),
		Name:              normalized.Name,
		Description:       datatypes.NewJSONType(normalized.Description),
		Difficulty:        normalized.Difficulty,
		TotalSleepMinutes: totalSleepMinutes(normalized.Blocks),
		CreatedAtSeconds:  now.Unix(),
		UpdatedAtSeconds:  now.Unix(),
		SyncMarker:        normalized.SyncMarker,
	}

	var created Schedule
	txErr := service.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&definition).Error; err != nil {
			service.logError(opCreate, reasonInsertFailed, err, zap.String(fieldScheduleID, definition.ScheduleID))
			return newServiceError(opCreate, reasonInsertFailed, ErrStorageFailure, err)
		}
		blocks, err := replaceBlocks(tx, scheduleID, normalized.Blocks)
		if err != nil {
			service.logError(opCreate, reasonBlocksFailed, err, zap.String(fieldScheduleID, definition.ScheduleID))
			return newServiceError(opCreate, reasonBlocksFailed, ErrStorageFailure, err)
		}
		state, err := synchronizeAdaptation(tx, definition, false, now)
		if err != nil {
			service.logError(opCreate, reasonSyncFailed, err, zap.String(fieldScheduleID, definition.ScheduleID))
			return newServiceError(opCreate, reasonSyncFailed, ErrStorageFailure, err)
		}
		created = Schedule{Definition: definition, Blocks: blocks, Adaptation: &state}
		return nil
	})
	if txErr != nil {
		return Schedule{}, txErr
	}
	return created, nil
}

// Update replaces the content of an existing, non-deleted schedule. Activation state
// and adaptation progress are left untouched.
func (service *Service) Update(ctx context.Context, scheduleID ScheduleID, draft Draft) (Schedule, error) {
	if err := service.ready(opUpdate); err != nil {
		return Schedule{}, err
	}
	requestedDifficulty := draft.Difficulty
	normalized, err := draft.normalize()
	if err != nil {
		return Schedule{}, newServiceError(opUpdate, reasonInvalidDraft, ErrInvalidData, err)
	}

	service.writeMu.Lock()
	defer service.writeMu.Unlock()

	now := service.now()
	var updated Schedule
	txErr := service.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		definition, err := lockDefinition(tx, scheduleID)
		if err != nil {
			return service.wrapLookupError(opUpdate, scheduleID, err)
		}
		if requestedDifficulty != "" && definition.Difficulty != "" && normalized.Difficulty != definition.Difficulty {
			return newServiceError(opUpdate, reasonDifficultyFixed, ErrInvalidData, errDifficultyFixed)
		}
		if definition.Difficulty == "" {
			definition.Difficulty = normalized.Difficulty
		}
		definition.Name = normalized.Name
		definition.Description = datatypes.NewJSONType(normalized.Description)
		definition.TotalSleepMinutes = totalSleepMinutes(normalized.Blocks)
		definition.SyncMarker = normalized.SyncMarker
		definition.UpdatedAtSeconds = now.Unix()
		if err := tx.Save(&definition).Error; err != nil {
			service.logError(opUpdate, reasonSaveFailed, err, zap.String(fieldScheduleID, scheduleID.String()))
			return newServiceError(opUpdate, reasonSaveFailed, ErrStorageFailure, err)
		}
		blocks, err := replaceBlocks(tx, scheduleID, normalized.Blocks)
		if err != nil {
			service.logError(opUpdate, reasonBlocksFailed, err, zap.String(fieldScheduleID, scheduleID.String()))
			return newServiceError(opUpdate, reasonBlocksFailed, ErrStorageFailure, err)
		}
		state, err := synchronizeAdaptation(tx, definition, false, now)
		if err != nil {
			service.logError(opUpdate, reasonSyncFailed, err, zap.String(fieldScheduleID, scheduleID.String()))
			return newServiceError(opUpdate, reasonSyncFailed, ErrStorageFailure, err)
		}
		updated = Schedule{Definition: definition, Blocks: blocks, Adaptation: &state}
		return nil
	})
	if txErr != nil {
		return Schedule{}, txErr
	}
	return updated, nil
}

// FetchAll returns schedules ordered by creation time. Soft-deleted schedules are
// only included when includeDeleted is set.
func (service *Service) FetchAll(ctx context.Context, includeDeleted bool) ([]Schedule, error) {
	if err := service.ready(opFetchAll); err != nil {
		return nil, err
	}
	query := service.db.WithContext(ctx).Order(orderCreatedAt)
	if !includeDeleted {
		query = query.Where(queryNotDeleted, false)
	}
	var definitions []Definition
	if err := query.Find(&definitions).Error; err != nil {
		service.logError(opFetchAll, reasonQueryFailed, err)
		return nil, newServiceError(opFetchAll, reasonQueryFailed, ErrStorageFailure, err)
	}
	schedules, err := loadAggregates(service.db.WithContext(ctx), definitions)
	if err != nil {
		service.logError(opFetchAll, reasonQueryFailed, err)
		return nil, newServiceError(opFetchAll, reasonQueryFailed, ErrStorageFailure, err)
	}
	return schedules, nil
}

// FetchAllSchedules is an alias of FetchAll kept for the UI-facing surface.
func (service *Service) FetchAllSchedules(ctx context.Context, includeDeleted bool) ([]Schedule, error) {
	return service.FetchAll(ctx, includeDeleted)
}

// FetchByID returns a schedule regardless of its deletion flag.
func (service *Service) FetchByID(ctx context.Context, scheduleID ScheduleID) (Schedule, error) {
	if err := service.ready(opFetchByID); err != nil {
		return Schedule{}, err
	}
	var definition Definition
	err := service.db.WithContext(ctx).Where(queryScheduleID, scheduleID.String()).Take(&definition).Error
	if err != nil {
		return Schedule{}, service.wrapLookupError(opFetchByID, scheduleID, err)
	}
	schedules, err := loadAggregates(service.db.WithContext(ctx), []Definition{definition})
	if err != nil {
		service.logError(opFetchByID, reasonQueryFailed, err, zap.String(fieldScheduleID, scheduleID.String()))
		return Schedule{}, newServiceError(opFetchByID, reasonQueryFailed, ErrStorageFailure, err)
	}
	return schedules[0], nil
}

// SoftDelete marks a schedule deleted. Deleting the active schedule deactivates both
// facets in the same transaction and cancels reminders.
func (service *Service) SoftDelete(ctx context.Context, scheduleID ScheduleID) error {
	if err := service.ready(opSoftDelete); err != nil {
		return err
	}

	service.writeMu.Lock()
	defer service.writeMu.Unlock()

	now := service.now()
	wasActive := false
	txErr := service.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		definition, err := lockDefinition(tx, scheduleID)
		if err != nil {
			return service.wrapLookupError(opSoftDelete, scheduleID, err)
		}
		wasActive = definition.IsActive
		definition.IsDeleted = true
		definition.IsActive = false
		definition.UpdatedAtSeconds = now.Unix()
		if err := tx.Save(&definition).Error; err != nil {
			service.logError(opSoftDelete, reasonSaveFailed, err, zap.String(fieldScheduleID, scheduleID.String()))
			return newServiceError(opSoftDelete, reasonSaveFailed, ErrStorageFailure, err)
		}
		if _, err := synchronizeAdaptation(tx, definition, false, now); err != nil {
			service.logError(opSoftDelete, reasonSyncFailed, err, zap.String(fieldScheduleID, scheduleID.String()))
			return newServiceError(opSoftDelete, reasonSyncFailed, ErrStorageFailure, err)
		}
		return nil
	})
	if txErr != nil {
		return txErr
	}
	if wasActive {
		service.cancelNotifications(ctx, opSoftDelete)
	}
	return nil
}

func (service *Service) wrapLookupError(operation string, scheduleID ScheduleID, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return newServiceError(operation, reasonNotFound, ErrEntityNotFound, err)
	}
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return err
	}
	service.logError(operation, reasonQueryFailed, err, zap.String(fieldScheduleID, scheduleID.String()))
	return newServiceError(operation, reasonQueryFailed, ErrStorageFailure, err)
}

// lockDefinition loads a non-deleted definition for update.
func lockDefinition(tx *gorm.DB, scheduleID ScheduleID) (Definition, error) {
	var definition Definition
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(queryScheduleID+" AND "+queryNotDeleted, scheduleID.String(), false).
		Take(&definition).Error
	return definition, err
}

func replaceBlocks(tx *gorm.DB, scheduleID ScheduleID, specs []SleepBlockSpec) ([]SleepBlock, error) {
	if err := tx.Where(queryScheduleID, scheduleID.String()).Delete(&SleepBlock{}).Error; err != nil {
		return nil, err
	}
	blocks := make([]SleepBlock, 0, len(specs))
	for position, spec := range specs {
		blocks = append(blocks, SleepBlock{
			ScheduleID:      scheduleID.String(),
			Position:        position,
			StartMinute:     spec.Start.Minutes(),
			EndMinute:       spec.End.Minutes(),
			DurationMinutes: spec.DurationMinutes(),
			IsCore:          spec.IsCore,
		})
	}
	if err := tx.Create(&blocks).Error; err != nil {
		return nil, err
	}
	return blocks, nil
}

func loadAggregates(db *gorm.DB, definitions []Definition) ([]Schedule, error) {
	if len(definitions) == 0 {
		return []Schedule{}, nil
	}
	ids := make([]string, 0, len(definitions))
	for _, definition := range definitions {
		ids = append(ids, definition.ScheduleID)
	}

	var blocks []SleepBlock
	if err := db.Where(queryScheduleIDIn, ids).Order(orderBlockPosition).Find(&blocks).Error; err != nil {
		return nil, err
	}
	var states []AdaptationState
	if err := db.Where(queryScheduleIDIn, ids).Find(&states).Error; err != nil {
		return nil, err
	}

	blocksByID := make(map[string][]SleepBlock, len(definitions))
	for _, block := range blocks {
		blocksByID[block.ScheduleID] = append(blocksByID[block.ScheduleID], block)
	}
	statesByID := make(map[string]AdaptationState, len(states))
	for _, state := range states {
		statesByID[state.ScheduleID] = state
	}

	schedules := make([]Schedule, 0, len(definitions))
	for _, definition := range definitions {
		schedule := Schedule{Definition: definition, Blocks: blocksByID[definition.ScheduleID]}
		if state, ok := statesByID[definition.ScheduleID]; ok {
			stateCopy := state
			schedule.Adaptation = &stateCopy
		}
		schedules = append(schedules, schedule)
	}
	return schedules, nil
}

func totalSleepMinutes(blocks []SleepBlockSpec) int {
	total := 0
	for _, block := range blocks {
		total += block.DurationMinutes()
	}
	return total
}
