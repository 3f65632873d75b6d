package schedules

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/language"
	"gorm.io/datatypes"
)

const (
	maxNameLength     = 190
	maxSyncMarkerSize = 190
	minutesPerDay     = 24 * 60
)

var (
	// ErrInvalidScheduleID indicates that a schedule identifier is empty or not a UUID.
	ErrInvalidScheduleID = fmt.Errorf("%w: schedule id", ErrInvalidData)
	// ErrInvalidClockTime indicates that a time-of-day value is malformed.
	ErrInvalidClockTime = fmt.Errorf("%w: clock time", ErrInvalidData)
	// ErrInvalidDifficulty indicates an unknown adaptation difficulty.
	ErrInvalidDifficulty = fmt.Errorf("%w: difficulty", ErrInvalidData)
	// ErrInvalidDescription indicates a localized description with a bad language key or empty text.
	ErrInvalidDescription = fmt.Errorf("%w: description", ErrInvalidData)
	// ErrInvalidSleepBlocks indicates an empty, degenerate or overlapping set of sleep blocks.
	ErrInvalidSleepBlocks = fmt.Errorf("%w: sleep blocks", ErrInvalidData)
	// ErrInvalidScheduleName indicates that a schedule name is empty or too long.
	ErrInvalidScheduleName = fmt.Errorf("%w: schedule name", ErrInvalidData)
)

// ScheduleID represents a validated schedule identifier in canonical UUID form.
type ScheduleID string

// NewScheduleID validates raw input and returns a ScheduleID.
func NewScheduleID(rawInput string) (ScheduleID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidScheduleID)
	}
	parsed, err := uuid.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidScheduleID, err)
	}
	return ScheduleID(parsed.String()), nil
}

// String returns the underlying string identifier.
func (id ScheduleID) String() string {
	return string(id)
}

// Difficulty selects the adaptation table used for a schedule.
type Difficulty string

const (
	// DifficultyStandard schedules adapt over 21 days.
	DifficultyStandard Difficulty = "standard"
	// DifficultyExtended schedules adapt over 28 days.
	DifficultyExtended Difficulty = "extended"
)

// NewDifficulty validates raw input. An empty value yields DifficultyStandard.
func NewDifficulty(rawInput string) (Difficulty, error) {
	switch Difficulty(strings.ToLower(strings.TrimSpace(rawInput))) {
	case "", DifficultyStandard:
		return DifficultyStandard, nil
	case DifficultyExtended:
		return DifficultyExtended, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDifficulty, rawInput)
	}
}

// AdaptationDays returns the length of the adaptation period.
func (d Difficulty) AdaptationDays() int {
	if d == DifficultyExtended {
		return extendedAdaptationDays
	}
	return standardAdaptationDays
}

// ClockTime is a time of day in minutes after local midnight.
type ClockTime int

// NewClockTime parses an "HH:MM" value.
func NewClockTime(rawInput string) (ClockTime, error) {
	parsed, err := time.Parse("15:04", strings.TrimSpace(rawInput))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidClockTime, rawInput)
	}
	return ClockTime(parsed.Hour()*60 + parsed.Minute()), nil
}

// NewClockTimeFromMinutes validates a minutes-after-midnight value.
func NewClockTimeFromMinutes(minutes int) (ClockTime, error) {
	if minutes < 0 || minutes >= minutesPerDay {
		return 0, fmt.Errorf("%w: %d minutes", ErrInvalidClockTime, minutes)
	}
	return ClockTime(minutes), nil
}

// Minutes returns minutes after midnight.
func (t ClockTime) Minutes() int {
	return int(t)
}

// Hour returns the hour component.
func (t ClockTime) Hour() int {
	return int(t) / 60
}

// Minute returns the minute component.
func (t ClockTime) Minute() int {
	return int(t) % 60
}

// String formats the value as "HH:MM".
func (t ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour(), t.Minute())
}

// Add returns the time shifted by delta minutes, wrapping around midnight.
func (t ClockTime) Add(deltaMinutes int) ClockTime {
	shifted := (int(t) + deltaMinutes) % minutesPerDay
	if shifted < 0 {
		shifted += minutesPerDay
	}
	return ClockTime(shifted)
}

// LocalizedText maps canonical BCP 47 language tags to text.
type LocalizedText map[string]string

// NewLocalizedText validates language keys and returns a copy keyed by canonical tags.
func NewLocalizedText(raw map[string]string) (LocalizedText, error) {
	text := make(LocalizedText, len(raw))
	for rawTag, value := range raw {
		tag, err := language.Parse(strings.TrimSpace(rawTag))
		if err != nil {
			return nil, fmt.Errorf("%w: language %q", ErrInvalidDescription, rawTag)
		}
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			return nil, fmt.Errorf("%w: empty text for %q", ErrInvalidDescription, rawTag)
		}
		text[tag.String()] = trimmed
	}
	return text, nil
}

// Text returns the best match for the requested language, falling back to English
// and then to the first language in tag order.
func (text LocalizedText) Text(requested string) string {
	if len(text) == 0 {
		return ""
	}
	tags := make([]language.Tag, 0, len(text))
	keys := make([]string, 0, len(text))
	for key := range text {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	if _, ok := text[language.English.String()]; ok {
		tags = append(tags, language.English)
	}
	for _, key := range keys {
		if key == language.English.String() {
			continue
		}
		tags = append(tags, language.Make(key))
	}
	matcher := language.NewMatcher(tags)
	desired, _, err := language.ParseAcceptLanguage(requested)
	if err != nil || len(desired) == 0 {
		return text[tags[0].String()]
	}
	_, index, _ := matcher.Match(desired...)
	return text[tags[index].String()]
}

// SleepBlockSpec describes one sleep interval before it is persisted.
type SleepBlockSpec struct {
	Start  ClockTime
	End    ClockTime
	IsCore bool
}

// DurationMinutes returns the interval length, wrapping past midnight.
func (spec SleepBlockSpec) DurationMinutes() int {
	return (spec.End.Minutes() - spec.Start.Minutes() + minutesPerDay) % minutesPerDay
}

// Draft is the validated content of a schedule definition.
type Draft struct {
	Name        string
	Description LocalizedText
	Difficulty  Difficulty
	Blocks      []SleepBlockSpec
	SyncMarker  string
}

func (draft Draft) normalize() (Draft, error) {
	name := strings.TrimSpace(draft.Name)
	if name == "" {
		return Draft{}, fmt.Errorf("%w: empty", ErrInvalidScheduleName)
	}
	if len(name) > maxNameLength {
		return Draft{}, fmt.Errorf("%w: exceeds %d characters", ErrInvalidScheduleName, maxNameLength)
	}
	difficulty, err := NewDifficulty(string(draft.Difficulty))
	if err != nil {
		return Draft{}, err
	}
	description, err := NewLocalizedText(draft.Description)
	if err != nil {
		return Draft{}, err
	}
	marker := strings.TrimSpace(draft.SyncMarker)
	if len(marker) > maxSyncMarkerSize {
		return Draft{}, fmt.Errorf("%w: sync marker exceeds %d characters", ErrInvalidData, maxSyncMarkerSize)
	}
	blocks, err := normalizeBlocks(draft.Blocks)
	if err != nil {
		return Draft{}, err
	}
	return Draft{
		Name:        name,
		Description: description,
		Difficulty:  difficulty,
		Blocks:      blocks,
		SyncMarker:  marker,
	}, nil
}

func normalizeBlocks(blocks []SleepBlockSpec) ([]SleepBlockSpec, error) {
	if len(blocks) == 0 {
		return nil, fmt.Errorf("%w: at least one block required", ErrInvalidSleepBlocks)
	}
	ordered := make([]SleepBlockSpec, len(blocks))
	copy(ordered, blocks)
	for _, block := range ordered {
		if block.Start < 0 || block.Start.Minutes() >= minutesPerDay || block.End < 0 || block.End.Minutes() >= minutesPerDay {
			return nil, fmt.Errorf("%w: time outside of day", ErrInvalidSleepBlocks)
		}
		if block.DurationMinutes() == 0 {
			return nil, fmt.Errorf("%w: block at %s has no duration", ErrInvalidSleepBlocks, block.Start)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Start < ordered[j].Start
	})
	for index, block := range ordered {
		next := ordered[(index+1)%len(ordered)]
		nextStart := next.Start.Minutes()
		if index == len(ordered)-1 {
			nextStart += minutesPerDay
		}
		if len(ordered) > 1 && block.Start.Minutes()+block.DurationMinutes() > nextStart {
			return nil, fmt.Errorf("%w: block at %s overlaps block at %s", ErrInvalidSleepBlocks, block.Start, next.Start)
		}
	}
	return ordered, nil
}

// Definition is the persisted schedule definition row.
type Definition struct {
	ScheduleID        string                            `gorm:"column:schedule_id;primaryKey;size:36;not null"`
	Name              string                            `gorm:"column:name;size:190;not null"`
	Description       datatypes.JSONType[LocalizedText] `gorm:"column:description_json;not null"`
	Difficulty        Difficulty                        `gorm:"column:difficulty;size:16;not null;default:''"`
	TotalSleepMinutes int                               `gorm:"column:total_sleep_minutes;not null;default:0"`
	IsActive          bool                              `gorm:"column:is_active;not null;default:false"`
	IsDeleted         bool                              `gorm:"column:is_deleted;not null;default:false;index:idx_schedule_definitions_deleted"`
	CreatedAtSeconds  int64                             `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds  int64                             `gorm:"column:updated_at_s;not null"`
	SyncMarker        string                            `gorm:"column:sync_marker;size:190;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Definition) TableName() string {
	return "schedule_definitions"
}

// SleepBlock is one persisted sleep interval of a definition.
type SleepBlock struct {
	BlockID         int64  `gorm:"column:block_id;primaryKey;autoIncrement"`
	ScheduleID      string `gorm:"column:schedule_id;size:36;not null;index:idx_sleep_blocks_schedule,priority:1"`
	Position        int    `gorm:"column:position;not null;index:idx_sleep_blocks_schedule,priority:2"`
	StartMinute     int    `gorm:"column:start_minute;not null"`
	EndMinute       int    `gorm:"column:end_minute;not null"`
	DurationMinutes int    `gorm:"column:duration_minutes;not null"`
	IsCore          bool   `gorm:"column:is_core;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (SleepBlock) TableName() string {
	return "schedule_sleep_blocks"
}

// Start returns the block start as a ClockTime.
func (block SleepBlock) Start() ClockTime {
	return ClockTime(block.StartMinute)
}

// End returns the block end as a ClockTime.
func (block SleepBlock) End() ClockTime {
	return ClockTime(block.EndMinute)
}

// AdaptationState is the runtime adaptation facet of a schedule, sharing its primary key.
type AdaptationState struct {
	ScheduleID            string `gorm:"column:schedule_id;primaryKey;size:36;not null"`
	Phase                 int    `gorm:"column:phase;not null;default:0"`
	PhaseReferenceSeconds int64  `gorm:"column:phase_reference_s;not null"`
	IsActive              bool   `gorm:"column:is_active;not null;default:false"`
	UpdatedAtSeconds      int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (AdaptationState) TableName() string {
	return "schedule_adaptation_states"
}

// PhaseReference returns the phase reference as a time value.
func (state AdaptationState) PhaseReference() time.Time {
	return time.Unix(state.PhaseReferenceSeconds, 0).UTC()
}

const undoSlotActiveSwitch = "active_switch"

// UndoSnapshot is the single-slot record of the state replaced by the last activation.
type UndoSnapshot struct {
	Slot                          string `gorm:"column:slot;primaryKey;size:32;not null"`
	ScheduleID                    string `gorm:"column:schedule_id;size:36;not null"`
	ReplacedByScheduleID          string `gorm:"column:replaced_by_schedule_id;size:36;not null;default:''"`
	ChangedAtSeconds              int64  `gorm:"column:changed_at_s;not null"`
	PreviousStreak                int    `gorm:"column:previous_streak;not null;default:0"`
	PreviousPhase                 int    `gorm:"column:previous_phase;not null;default:0"`
	PreviousPhaseReferenceSeconds int64  `gorm:"column:previous_phase_reference_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (UndoSnapshot) TableName() string {
	return "schedule_undo_snapshots"
}

// Models lists the persisted types for schema migration.
func Models() []any {
	return []any{&Definition{}, &SleepBlock{}, &AdaptationState{}, &UndoSnapshot{}}
}

// Schedule aggregates a definition with its blocks and adaptation facet.
type Schedule struct {
	Definition Definition
	Blocks     []SleepBlock
	Adaptation *AdaptationState
}

// ID returns the schedule identifier.
func (schedule Schedule) ID() ScheduleID {
	return ScheduleID(schedule.Definition.ScheduleID)
}

// IsActive reports whether both facets are active.
func (schedule Schedule) IsActive() bool {
	return schedule.Definition.IsActive && schedule.Adaptation != nil && schedule.Adaptation.IsActive
}

// TotalSleepHours returns planned sleep per day in hours.
func (schedule Schedule) TotalSleepHours() float64 {
	return float64(schedule.Definition.TotalSleepMinutes) / 60
}

// Description returns the localized description map.
func (schedule Schedule) Description() LocalizedText {
	return schedule.Definition.Description.Data()
}
