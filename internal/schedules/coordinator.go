package schedules

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opActivate        = "schedules.activate"
	opSetActive       = "schedules.set_active"
	opDeactivateAll   = "schedules.deactivate_all"
	opGetActive       = "schedules.get_active"
	opCurrentPhase    = "schedules.current_phase"
	opRefreshPhase    = "schedules.refresh_phase"
	reasonStreakRead  = "streak_read_failed"
	reasonStreakReset = "streak_reset_failed"
	reasonDeactivate  = "deactivate_failed"
	reasonActivate    = "activate_failed"
	reasonSnapshot    = "snapshot_failed"
	reasonAnotherOne  = "another_schedule_active"
	reasonMissingSync = "adaptation_state_missing"
)

// ActivationResult reports what Activate changed.
type ActivationResult struct {
	Schedule Schedule
	// Replaced is the previously active schedule, empty when none was active.
	Replaced ScheduleID
	// Changed is false when the schedule was already active.
	Changed bool
}

// Activate makes scheduleID the single active schedule. The previously active schedule
// is deactivated and captured in the undo slot; the new schedule starts a fresh
// adaptation clock. Activating the already-active schedule changes nothing.
func (service *Service) Activate(ctx context.Context, scheduleID ScheduleID) (ActivationResult, error) {
	result, err := service.activate(ctx, scheduleID)
	if err != nil {
		service.metricsOrDefault().IncActivation(ResultFailed)
		return ActivationResult{}, err
	}
	if !result.Changed {
		service.metricsOrDefault().IncActivation(ResultNoop)
		return result, nil
	}
	service.metricsOrDefault().IncActivation(ResultSuccess)
	return result, nil
}

func (service *Service) activate(ctx context.Context, scheduleID ScheduleID) (ActivationResult, error) {
	if err := service.ready(opActivate); err != nil {
		return ActivationResult{}, err
	}

	service.writeMu.Lock()
	defer service.writeMu.Unlock()

	streak, err := service.streak.Streak()
	if err != nil {
		service.logError(opActivate, reasonStreakRead, err)
		return ActivationResult{}, newServiceError(opActivate, reasonStreakRead, ErrStorageFailure, err)
	}

	now := service.now()
	result := ActivationResult{}
	txErr := service.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		target, err := lockDefinition(tx, scheduleID)
		if err != nil {
			return service.wrapLookupError(opActivate, scheduleID, err)
		}

		current, err := findActiveDefinition(tx)
		if err != nil {
			service.logError(opActivate, reasonQueryFailed, err)
			return newServiceError(opActivate, reasonQueryFailed, ErrStorageFailure, err)
		}

		if current != nil && current.ScheduleID == target.ScheduleID {
			state, syncErr := synchronizeAdaptation(tx, target, false, now)
			if syncErr != nil {
				service.logError(opActivate, reasonSyncFailed, syncErr, zap.String(fieldScheduleID, scheduleID.String()))
				return newServiceError(opActivate, reasonSyncFailed, ErrStorageFailure, syncErr)
			}
			result.Schedule = Schedule{Definition: target, Adaptation: &state}
			return nil
		}

		if current != nil {
			previous, err := synchronizeAdaptation(tx, *current, false, now)
			if err != nil {
				service.logError(opActivate, reasonSyncFailed, err, zap.String(fieldScheduleID, current.ScheduleID))
				return newServiceError(opActivate, reasonSyncFailed, ErrStorageFailure, err)
			}
			previous.Phase = computeProgress(*current, previous, now, service.locationOrDefault()).Phase
			if err := writeSnapshot(tx, previous, scheduleID, streak, now); err != nil {
				service.logError(opActivate, reasonSnapshot, err, zap.String(fieldScheduleID, current.ScheduleID))
				return newServiceError(opActivate, reasonSnapshot, ErrStorageFailure, err)
			}
			if _, err := setActiveTx(tx, *current, false, now); err != nil {
				service.logError(opActivate, reasonDeactivate, err, zap.String(fieldScheduleID, current.ScheduleID))
				return newServiceError(opActivate, reasonDeactivate, ErrStorageFailure, err)
			}
			result.Replaced = ScheduleID(current.ScheduleID)
		} else if err := clearSnapshot(tx); err != nil {
			service.logError(opActivate, reasonSnapshot, err)
			return newServiceError(opActivate, reasonSnapshot, ErrStorageFailure, err)
		}

		activated, err := setActiveTx(tx, target, true, now)
		if err != nil {
			service.logError(opActivate, reasonActivate, err, zap.String(fieldScheduleID, scheduleID.String()))
			return newServiceError(opActivate, reasonActivate, ErrStorageFailure, err)
		}
		result.Schedule = Schedule{Definition: target, Adaptation: &activated}
		result.Schedule.Definition.IsActive = true
		result.Changed = true
		return nil
	})
	if txErr != nil {
		return ActivationResult{}, txErr
	}

	loaded, err := service.FetchByID(ctx, scheduleID)
	if err == nil {
		result.Schedule = loaded
	}
	if !result.Changed {
		return result, nil
	}

	if err := service.streak.SetStreak(0); err != nil {
		service.logError(opActivate, reasonStreakReset, err, zap.String(fieldScheduleID, scheduleID.String()))
	}
	service.notifyActiveSchedule(ctx, opActivate, result.Schedule)
	service.loggerOrDefault().Info("schedule activated",
		zap.String(fieldScheduleID, scheduleID.String()),
		zap.String("replaced_schedule_id", result.Replaced.String()))
	return result, nil
}

// SetActive is the primitive Activate is built from. Activating a schedule while a
// different one is active is rejected so the single-active invariant holds; callers
// that switch schedules use Activate. Activation restarts the adaptation clock.
func (service *Service) SetActive(ctx context.Context, scheduleID ScheduleID, isActive bool) error {
	if err := service.ready(opSetActive); err != nil {
		return err
	}

	service.writeMu.Lock()
	defer service.writeMu.Unlock()

	now := service.now()
	changed := false
	var activated Schedule
	txErr := service.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		definition, err := lockDefinition(tx, scheduleID)
		if err != nil {
			return service.wrapLookupError(opSetActive, scheduleID, err)
		}
		if isActive {
			current, err := findActiveDefinition(tx)
			if err != nil {
				service.logError(opSetActive, reasonQueryFailed, err)
				return newServiceError(opSetActive, reasonQueryFailed, ErrStorageFailure, err)
			}
			if current != nil && current.ScheduleID != definition.ScheduleID {
				return newServiceError(opSetActive, reasonAnotherOne, ErrInvalidData, errAnotherActive)
			}
			if current != nil {
				return nil
			}
		} else if !definition.IsActive {
			if _, err := synchronizeAdaptation(tx, definition, false, now); err != nil {
				return newServiceError(opSetActive, reasonSyncFailed, ErrStorageFailure, err)
			}
			return nil
		}
		state, err := setActiveTx(tx, definition, isActive, now)
		if err != nil {
			service.logError(opSetActive, reasonActivate, err, zap.String(fieldScheduleID, scheduleID.String()))
			return newServiceError(opSetActive, reasonActivate, ErrStorageFailure, err)
		}
		definition.IsActive = isActive
		activated = Schedule{Definition: definition, Adaptation: &state}
		changed = true
		return nil
	})
	if txErr != nil {
		return txErr
	}
	if !changed {
		return nil
	}
	if isActive {
		if loaded, err := service.FetchByID(ctx, scheduleID); err == nil {
			activated = loaded
		}
		service.notifyActiveSchedule(ctx, opSetActive, activated)
		return nil
	}
	service.cancelNotifications(ctx, opSetActive)
	return nil
}

// DeactivateAll clears the active flag on every schedule and cancels reminders.
func (service *Service) DeactivateAll(ctx context.Context) error {
	if err := service.ready(opDeactivateAll); err != nil {
		return err
	}

	service.writeMu.Lock()
	defer service.writeMu.Unlock()

	now := service.now()
	txErr := service.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var active []Definition
		if err := tx.Where(queryActive, true).Find(&active).Error; err != nil {
			service.logError(opDeactivateAll, reasonQueryFailed, err)
			return newServiceError(opDeactivateAll, reasonQueryFailed, ErrStorageFailure, err)
		}
		for _, definition := range active {
			if _, err := setActiveTx(tx, definition, false, now); err != nil {
				service.logError(opDeactivateAll, reasonDeactivate, err, zap.String(fieldScheduleID, definition.ScheduleID))
				return newServiceError(opDeactivateAll, reasonDeactivate, ErrStorageFailure, err)
			}
		}
		// adaptation rows left active without an active definition
		if err := tx.Model(&AdaptationState{}).
			Where(queryActive, true).
			Updates(map[string]any{"is_active": false, "updated_at_s": now.Unix()}).Error; err != nil {
			service.logError(opDeactivateAll, reasonDeactivate, err)
			return newServiceError(opDeactivateAll, reasonDeactivate, ErrStorageFailure, err)
		}
		return nil
	})
	if txErr != nil {
		return txErr
	}
	service.cancelNotifications(ctx, opDeactivateAll)
	return nil
}

// GetActiveSchedule returns the active, non-deleted schedule or nil when none is active.
func (service *Service) GetActiveSchedule(ctx context.Context) (*Schedule, error) {
	if err := service.ready(opGetActive); err != nil {
		return nil, err
	}
	definition, err := findActiveDefinition(service.db.WithContext(ctx))
	if err != nil {
		service.logError(opGetActive, reasonQueryFailed, err)
		return nil, newServiceError(opGetActive, reasonQueryFailed, ErrStorageFailure, err)
	}
	if definition == nil {
		return nil, nil
	}
	schedules, err := loadAggregates(service.db.WithContext(ctx), []Definition{*definition})
	if err != nil {
		service.logError(opGetActive, reasonQueryFailed, err)
		return nil, newServiceError(opGetActive, reasonQueryFailed, ErrStorageFailure, err)
	}
	return &schedules[0], nil
}

// CurrentAdaptationPhase returns the adaptation phase of a schedule.
func (service *Service) CurrentAdaptationPhase(ctx context.Context, scheduleID ScheduleID) (int, error) {
	progress, err := service.AdaptationProgress(ctx, scheduleID)
	if err != nil {
		return 0, err
	}
	return progress.Phase, nil
}

// AdaptationProgress computes the adaptation position of a schedule. Active schedules
// are measured from their phase reference; inactive ones report their stored phase.
func (service *Service) AdaptationProgress(ctx context.Context, scheduleID ScheduleID) (AdaptationProgress, error) {
	schedule, err := service.FetchByID(ctx, scheduleID)
	if err != nil {
		return AdaptationProgress{}, err
	}
	if schedule.Adaptation == nil {
		return AdaptationProgress{}, newServiceError(opCurrentPhase, reasonMissingSync, ErrEntityNotFound, gorm.ErrRecordNotFound)
	}
	return computeProgress(schedule.Definition, *schedule.Adaptation, service.now(), service.locationOrDefault()), nil
}

// RefreshAdaptationPhase persists the computed phase of the active schedule and
// returns it. It returns -1 when no schedule is active.
func (service *Service) RefreshAdaptationPhase(ctx context.Context) (int, error) {
	if err := service.ready(opRefreshPhase); err != nil {
		return 0, err
	}

	service.writeMu.Lock()
	defer service.writeMu.Unlock()

	now := service.now()
	phase := -1
	txErr := service.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		definition, err := findActiveDefinition(tx)
		if err != nil {
			return newServiceError(opRefreshPhase, reasonQueryFailed, ErrStorageFailure, err)
		}
		if definition == nil {
			return nil
		}
		state, err := synchronizeAdaptation(tx, *definition, false, now)
		if err != nil {
			return newServiceError(opRefreshPhase, reasonSyncFailed, ErrStorageFailure, err)
		}
		progress := computeProgress(*definition, state, now, service.locationOrDefault())
		phase = progress.Phase
		if state.Phase == progress.Phase {
			return nil
		}
		state.Phase = progress.Phase
		state.UpdatedAtSeconds = now.Unix()
		if err := tx.Save(&state).Error; err != nil {
			return newServiceError(opRefreshPhase, reasonSaveFailed, ErrStorageFailure, err)
		}
		return nil
	})
	if txErr != nil {
		service.logError(opRefreshPhase, reasonTxFailed, txErr)
		return 0, txErr
	}
	return phase, nil
}

// setActiveTx flips both facets of definition. Activation restarts the adaptation clock
// and first clears any other adaptation row still flagged active.
func setActiveTx(tx *gorm.DB, definition Definition, isActive bool, now time.Time) (AdaptationState, error) {
	if isActive {
		if err := tx.Model(&AdaptationState{}).
			Where(queryActive+" AND schedule_id <> ?", true, definition.ScheduleID).
			Updates(map[string]any{"is_active": false, "updated_at_s": now.Unix()}).Error; err != nil {
			return AdaptationState{}, err
		}
	}
	definition.IsActive = isActive
	definition.UpdatedAtSeconds = now.Unix()
	if err := tx.Model(&Definition{}).
		Where(queryScheduleID, definition.ScheduleID).
		Updates(map[string]any{"is_active": isActive, "updated_at_s": definition.UpdatedAtSeconds}).Error; err != nil {
		return AdaptationState{}, err
	}
	return synchronizeAdaptation(tx, definition, isActive, now)
}

func findActiveDefinition(db *gorm.DB) (*Definition, error) {
	var definition Definition
	err := db.Where(queryActive+" AND "+queryNotDeleted, true, false).
		Order("updated_at_s DESC").
		Take(&definition).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &definition, nil
}
