package schedules

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// synchronizeAdaptation brings the adaptation facet in line with a definition that was
// just written in tx. A missing facet is created at phase 0. An existing facet keeps its
// phase and reference unless reactivation is set, which restarts the adaptation clock.
// The active flag always follows the definition; deactivation records the phase the
// schedule had reached, measured in now's location.
func synchronizeAdaptation(tx *gorm.DB, definition Definition, reactivation bool, now time.Time) (AdaptationState, error) {
	var state AdaptationState
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(queryScheduleID, definition.ScheduleID).
		Take(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		state = AdaptationState{
			ScheduleID:            definition.ScheduleID,
			Phase:                 0,
			PhaseReferenceSeconds: now.Unix(),
			IsActive:              definition.IsActive,
			UpdatedAtSeconds:      now.Unix(),
		}
		if err := tx.Create(&state).Error; err != nil {
			return AdaptationState{}, err
		}
		return state, nil
	}
	if err != nil {
		return AdaptationState{}, err
	}

	changed := false
	if state.IsActive && !definition.IsActive {
		// Inactive facets report their stored phase, so the phase reached is kept.
		state.Phase = computeProgress(definition, state, now, now.Location()).Phase
	}
	if reactivation {
		state.Phase = 0
		state.PhaseReferenceSeconds = now.Unix()
		changed = true
	}
	if state.IsActive != definition.IsActive {
		state.IsActive = definition.IsActive
		changed = true
	}
	if !changed {
		return state, nil
	}
	state.UpdatedAtSeconds = now.Unix()
	if err := tx.Save(&state).Error; err != nil {
		return AdaptationState{}, err
	}
	return state, nil
}
