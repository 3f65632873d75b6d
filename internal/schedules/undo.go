package schedules

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opSnapshot        = "schedules.undo.snapshot"
	opCanUndo         = "schedules.undo.can_undo"
	opUndo            = "schedules.undo.apply"
	reasonNoSnapshot  = "no_snapshot"
	reasonExpired     = "snapshot_expired"
	reasonRestore     = "restore_failed"
	reasonStreakWrite = "streak_restore_failed"
)

// UndoInfo describes the pending undo snapshot.
type UndoInfo struct {
	ScheduleID    ScheduleID
	ReplacedBy    ScheduleID
	ChangedAt     time.Time
	PreviousPhase int
}

// Snapshot captures the streak and adaptation state of scheduleID into the undo slot,
// replacing any earlier snapshot.
func (service *Service) Snapshot(ctx context.Context, scheduleID ScheduleID) error {
	if err := service.ready(opSnapshot); err != nil {
		return err
	}

	service.writeMu.Lock()
	defer service.writeMu.Unlock()

	streak, err := service.streak.Streak()
	if err != nil {
		service.logError(opSnapshot, reasonStreakRead, err)
		return newServiceError(opSnapshot, reasonStreakRead, ErrStorageFailure, err)
	}
	now := service.now()
	return service.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		definition, err := lockDefinition(tx, scheduleID)
		if err != nil {
			return service.wrapLookupError(opSnapshot, scheduleID, err)
		}
		state, err := synchronizeAdaptation(tx, definition, false, now)
		if err != nil {
			return newServiceError(opSnapshot, reasonSyncFailed, ErrStorageFailure, err)
		}
		state.Phase = computeProgress(definition, state, now, service.locationOrDefault()).Phase
		if err := writeSnapshot(tx, state, "", streak, now); err != nil {
			service.logError(opSnapshot, reasonSnapshot, err, zap.String(fieldScheduleID, scheduleID.String()))
			return newServiceError(opSnapshot, reasonSnapshot, ErrStorageFailure, err)
		}
		return nil
	})
}

// CanUndo reports whether a snapshot exists and was taken on the current local day.
func (service *Service) CanUndo(ctx context.Context) (bool, error) {
	info, err := service.PendingUndo(ctx)
	if err != nil {
		if errors.Is(err, ErrUndoUnavailable) {
			return false, nil
		}
		return false, err
	}
	return info != nil, nil
}

// PendingUndo returns the snapshot that Undo would restore, or an ErrUndoUnavailable error.
func (service *Service) PendingUndo(ctx context.Context) (*UndoInfo, error) {
	if err := service.ready(opCanUndo); err != nil {
		return nil, err
	}
	snapshot, err := service.usableSnapshot(service.db.WithContext(ctx), opCanUndo)
	if err != nil {
		return nil, err
	}
	return &UndoInfo{
		ScheduleID:    ScheduleID(snapshot.ScheduleID),
		ReplacedBy:    ScheduleID(snapshot.ReplacedByScheduleID),
		ChangedAt:     time.Unix(snapshot.ChangedAtSeconds, 0).In(service.locationOrDefault()),
		PreviousPhase: snapshot.PreviousPhase,
	}, nil
}

// Undo reverts the last activation: the snapshotted schedule becomes active again with
// its previous phase, phase reference and streak. The snapshot is consumed.
func (service *Service) Undo(ctx context.Context) (Schedule, error) {
	restored, err := service.undo(ctx)
	if err != nil {
		if errors.Is(err, ErrUndoUnavailable) {
			service.metricsOrDefault().IncUndo(ResultNoop)
		} else {
			service.metricsOrDefault().IncUndo(ResultFailed)
		}
		return Schedule{}, err
	}
	service.metricsOrDefault().IncUndo(ResultSuccess)
	return restored, nil
}

func (service *Service) undo(ctx context.Context) (Schedule, error) {
	if err := service.ready(opUndo); err != nil {
		return Schedule{}, err
	}

	service.writeMu.Lock()
	defer service.writeMu.Unlock()

	now := service.now()
	var snapshot UndoSnapshot
	txErr := service.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		loaded, err := service.usableSnapshot(tx.Clauses(clause.Locking{Strength: "UPDATE"}), opUndo)
		if err != nil {
			return err
		}
		snapshot = loaded
		scheduleID := ScheduleID(snapshot.ScheduleID)

		target, err := lockDefinition(tx, scheduleID)
		if err != nil {
			return service.wrapLookupError(opUndo, scheduleID, err)
		}
		current, err := findActiveDefinition(tx)
		if err != nil {
			return newServiceError(opUndo, reasonQueryFailed, ErrStorageFailure, err)
		}
		if current != nil && current.ScheduleID != target.ScheduleID {
			if _, err := setActiveTx(tx, *current, false, now); err != nil {
				service.logError(opUndo, reasonDeactivate, err, zap.String(fieldScheduleID, current.ScheduleID))
				return newServiceError(opUndo, reasonDeactivate, ErrStorageFailure, err)
			}
		}
		state, err := setActiveTx(tx, target, true, now)
		if err != nil {
			service.logError(opUndo, reasonActivate, err, zap.String(fieldScheduleID, scheduleID.String()))
			return newServiceError(opUndo, reasonActivate, ErrStorageFailure, err)
		}
		state.Phase = snapshot.PreviousPhase
		state.PhaseReferenceSeconds = snapshot.PreviousPhaseReferenceSeconds
		state.UpdatedAtSeconds = now.Unix()
		if err := tx.Save(&state).Error; err != nil {
			service.logError(opUndo, reasonRestore, err, zap.String(fieldScheduleID, scheduleID.String()))
			return newServiceError(opUndo, reasonRestore, ErrStorageFailure, err)
		}
		if err := clearSnapshot(tx); err != nil {
			return newServiceError(opUndo, reasonSnapshot, ErrStorageFailure, err)
		}
		return nil
	})
	if txErr != nil {
		return Schedule{}, txErr
	}

	scheduleID := ScheduleID(snapshot.ScheduleID)
	if err := service.streak.SetStreak(snapshot.PreviousStreak); err != nil {
		service.logError(opUndo, reasonStreakWrite, err, zap.String(fieldScheduleID, scheduleID.String()))
	}
	restored, err := service.FetchByID(ctx, scheduleID)
	if err != nil {
		return Schedule{}, err
	}
	service.notifyActiveSchedule(ctx, opUndo, restored)
	service.loggerOrDefault().Info("schedule switch undone",
		zap.String(fieldScheduleID, scheduleID.String()),
		zap.String("replaced_schedule_id", snapshot.ReplacedByScheduleID))
	return restored, nil
}

func (service *Service) usableSnapshot(db *gorm.DB, operation string) (UndoSnapshot, error) {
	var snapshot UndoSnapshot
	err := db.Where("slot = ?", undoSlotActiveSwitch).Take(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return UndoSnapshot{}, newServiceError(operation, reasonNoSnapshot, ErrUndoUnavailable, errNoSnapshot)
	}
	if err != nil {
		service.logError(operation, reasonQueryFailed, err)
		return UndoSnapshot{}, newServiceError(operation, reasonQueryFailed, ErrStorageFailure, err)
	}
	changedAt := time.Unix(snapshot.ChangedAtSeconds, 0)
	if !sameDay(changedAt, service.now(), service.locationOrDefault()) {
		return UndoSnapshot{}, newServiceError(operation, reasonExpired, ErrUndoUnavailable, errSnapshotExpired)
	}
	return snapshot, nil
}

func writeSnapshot(tx *gorm.DB, state AdaptationState, replacedBy ScheduleID, streak int, now time.Time) error {
	snapshot := UndoSnapshot{
		Slot:                          undoSlotActiveSwitch,
		ScheduleID:                    state.ScheduleID,
		ReplacedByScheduleID:          replacedBy.String(),
		ChangedAtSeconds:              now.Unix(),
		PreviousStreak:                streak,
		PreviousPhase:                 state.Phase,
		PreviousPhaseReferenceSeconds: state.PhaseReferenceSeconds,
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "slot"}},
		UpdateAll: true,
	}).Create(&snapshot).Error
}

func clearSnapshot(tx *gorm.DB) error {
	return tx.Where("slot = ?", undoSlotActiveSwitch).Delete(&UndoSnapshot{}).Error
}
