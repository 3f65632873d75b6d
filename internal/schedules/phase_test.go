package schedules

import (
	"testing"
	"time"
)

func TestPhaseBoundaries(t *testing.T) {
	testCases := []struct {
		name       string
		difficulty Difficulty
		day        int
		expected   int
	}{
		{name: "standard first day", difficulty: DifficultyStandard, day: 1, expected: 0},
		{name: "standard second day", difficulty: DifficultyStandard, day: 2, expected: 1},
		{name: "standard end of first week", difficulty: DifficultyStandard, day: 7, expected: 1},
		{name: "standard second week", difficulty: DifficultyStandard, day: 8, expected: 2},
		{name: "standard day fourteen", difficulty: DifficultyStandard, day: 14, expected: 2},
		{name: "standard third week", difficulty: DifficultyStandard, day: 15, expected: 3},
		{name: "standard day twenty one", difficulty: DifficultyStandard, day: 21, expected: 3},
		{name: "standard completed", difficulty: DifficultyStandard, day: 22, expected: 4},
		{name: "standard long after", difficulty: DifficultyStandard, day: 400, expected: 4},
		{name: "extended first day", difficulty: DifficultyExtended, day: 1, expected: 0},
		{name: "extended day twenty one", difficulty: DifficultyExtended, day: 21, expected: 3},
		{name: "extended fourth week", difficulty: DifficultyExtended, day: 22, expected: 4},
		{name: "extended day twenty eight", difficulty: DifficultyExtended, day: 28, expected: 4},
		{name: "extended completed", difficulty: DifficultyExtended, day: 29, expected: 5},
		{name: "day zero clamps", difficulty: DifficultyStandard, day: 0, expected: 0},
		{name: "unknown difficulty uses standard", difficulty: Difficulty("other"), day: 22, expected: 4},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if got := Phase(testCase.day, testCase.difficulty); got != testCase.expected {
				t.Fatalf("expected phase %d for day %d, got %d", testCase.expected, testCase.day, got)
			}
		})
	}
}

func TestFinalPhase(t *testing.T) {
	if got := FinalPhase(DifficultyStandard); got != 4 {
		t.Fatalf("expected standard final phase 4, got %d", got)
	}
	if got := FinalPhase(DifficultyExtended); got != 5 {
		t.Fatalf("expected extended final phase 5, got %d", got)
	}
}

func TestDayNumberCountsCalendarDays(t *testing.T) {
	location := time.FixedZone("UTC+2", 2*60*60)
	reference := time.Date(2024, time.March, 10, 23, 50, 0, 0, location)

	if got := DayNumber(reference, reference.Add(5*time.Minute), location); got != 1 {
		t.Fatalf("expected day 1 on the reference day, got %d", got)
	}
	if got := DayNumber(reference, reference.Add(15*time.Minute), location); got != 2 {
		t.Fatalf("expected day 2 after local midnight, got %d", got)
	}
	if got := DayNumber(reference, reference.AddDate(0, 0, 7), location); got != 8 {
		t.Fatalf("expected day 8 a week later, got %d", got)
	}
	if got := DayNumber(reference, reference.Add(-48*time.Hour), location); got != 1 {
		t.Fatalf("expected clock skew to clamp to day 1, got %d", got)
	}
}

func TestDayNumberAcrossDaylightSavingChange(t *testing.T) {
	location, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skipf("time zone database unavailable: %v", err)
	}
	reference := time.Date(2024, time.March, 30, 12, 0, 0, 0, location)
	now := time.Date(2024, time.April, 1, 0, 30, 0, 0, location)
	if got := DayNumber(reference, now, location); got != 3 {
		t.Fatalf("expected day 3 across the spring transition, got %d", got)
	}
}

func TestComputeProgressUsesStoredPhaseWhenInactive(t *testing.T) {
	now := time.Date(2024, time.March, 20, 8, 0, 0, 0, time.UTC)
	definition := Definition{ScheduleID: testScheduleIDs[0], Difficulty: DifficultyExtended}
	state := AdaptationState{
		ScheduleID:            testScheduleIDs[0],
		Phase:                 2,
		PhaseReferenceSeconds: now.AddDate(0, 0, -25).Unix(),
	}

	inactive := computeProgress(definition, state, now, time.UTC)
	if inactive.Phase != 2 {
		t.Fatalf("expected stored phase 2 for inactive schedule, got %d", inactive.Phase)
	}
	if inactive.TotalDays != 28 || inactive.FinalPhase != 5 {
		t.Fatalf("unexpected extended totals: %+v", inactive)
	}

	state.IsActive = true
	active := computeProgress(definition, state, now, time.UTC)
	if active.DayNumber != 26 {
		t.Fatalf("expected day 26, got %d", active.DayNumber)
	}
	if active.Phase != 4 {
		t.Fatalf("expected computed phase 4, got %d", active.Phase)
	}
	if active.Completed() {
		t.Fatalf("expected extended schedule to be incomplete on day 26")
	}
}
