package schedules

import (
	"math"
	"time"
)

const (
	standardAdaptationDays = 21
	extendedAdaptationDays = 28
)

// phaseCutoffs lists the last day of each phase. Days past the final cutoff
// belong to the phase after it. The breakpoints are policy, not arithmetic.
var phaseCutoffs = map[Difficulty][]int{
	DifficultyStandard: {1, 7, 14, 21},
	DifficultyExtended: {1, 7, 14, 21, 28},
}

// Phase maps a 1-indexed day number since the phase reference to an adaptation phase.
// Day numbers below 1 are treated as day 1.
func Phase(dayNumber int, difficulty Difficulty) int {
	cutoffs, ok := phaseCutoffs[difficulty]
	if !ok {
		cutoffs = phaseCutoffs[DifficultyStandard]
	}
	for phase, lastDay := range cutoffs {
		if dayNumber <= lastDay {
			return phase
		}
	}
	return len(cutoffs)
}

// FinalPhase returns the phase reached once adaptation is complete.
func FinalPhase(difficulty Difficulty) int {
	return Phase(math.MaxInt32, difficulty)
}

// DayNumber counts calendar days in location from reference to now; the reference day is day 1.
func DayNumber(reference, now time.Time, location *time.Location) int {
	if location == nil {
		location = time.Local
	}
	start := startOfDay(reference, location)
	end := startOfDay(now, location)
	days := int(math.Round(end.Sub(start).Hours() / 24))
	if days < 0 {
		return 1
	}
	return days + 1
}

func startOfDay(moment time.Time, location *time.Location) time.Time {
	year, month, day := moment.In(location).Date()
	return time.Date(year, month, day, 0, 0, 0, 0, location)
}

func sameDay(left, right time.Time, location *time.Location) bool {
	return startOfDay(left, location).Equal(startOfDay(right, location))
}

// AdaptationProgress annotates a schedule with its position in the adaptation period.
type AdaptationProgress struct {
	ScheduleID     ScheduleID
	Phase          int
	FinalPhase     int
	DayNumber      int
	TotalDays      int
	PhaseReference time.Time
	IsActive       bool
}

// Completed reports whether the final phase has been reached.
func (progress AdaptationProgress) Completed() bool {
	return progress.Phase >= progress.FinalPhase
}

func computeProgress(definition Definition, state AdaptationState, now time.Time, location *time.Location) AdaptationProgress {
	difficulty := definition.Difficulty
	if difficulty == "" {
		difficulty = DifficultyStandard
	}
	progress := AdaptationProgress{
		ScheduleID:     ScheduleID(definition.ScheduleID),
		FinalPhase:     FinalPhase(difficulty),
		TotalDays:      difficulty.AdaptationDays(),
		PhaseReference: state.PhaseReference().In(location),
		IsActive:       state.IsActive,
	}
	if !state.IsActive {
		progress.Phase = state.Phase
		return progress
	}
	progress.DayNumber = DayNumber(state.PhaseReference(), now, location)
	progress.Phase = Phase(progress.DayNumber, difficulty)
	return progress
}
