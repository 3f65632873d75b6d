package server

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/polysleep/internal/schedules"
)

type blockPayload struct {
	Start           string `json:"start"`
	End             string `json:"end"`
	DurationMinutes int    `json:"duration_minutes,omitempty"`
	IsCore          bool   `json:"is_core"`
}

type scheduleRequestPayload struct {
	Name        string            `json:"name"`
	Description map[string]string `json:"description"`
	Difficulty  string            `json:"difficulty"`
	Blocks      []blockPayload    `json:"blocks"`
	SyncMarker  string            `json:"sync_marker"`
}

func (p scheduleRequestPayload) draft() (schedules.Draft, error) {
	description, err := schedules.NewLocalizedText(p.Description)
	if err != nil {
		return schedules.Draft{}, err
	}
	var difficulty schedules.Difficulty
	if p.Difficulty != "" {
		difficulty, err = schedules.NewDifficulty(p.Difficulty)
		if err != nil {
			return schedules.Draft{}, err
		}
	}
	blocks := make([]schedules.SleepBlockSpec, 0, len(p.Blocks))
	for index, block := range p.Blocks {
		start, err := schedules.NewClockTime(block.Start)
		if err != nil {
			return schedules.Draft{}, fmt.Errorf("block %d start: %w", index, err)
		}
		end, err := schedules.NewClockTime(block.End)
		if err != nil {
			return schedules.Draft{}, fmt.Errorf("block %d end: %w", index, err)
		}
		blocks = append(blocks, schedules.SleepBlockSpec{Start: start, End: end, IsCore: block.IsCore})
	}
	return schedules.Draft{
		Name:        p.Name,
		Description: description,
		Difficulty:  difficulty,
		Blocks:      blocks,
		SyncMarker:  p.SyncMarker,
	}, nil
}

type adaptationPayload struct {
	Phase                 int   `json:"phase"`
	PhaseReferenceSeconds int64 `json:"phase_reference_s"`
}

type schedulePayload struct {
	ScheduleID           string             `json:"schedule_id"`
	Name                 string             `json:"name"`
	Description          map[string]string  `json:"description"`
	LocalizedDescription string             `json:"localized_description"`
	Difficulty           string             `json:"difficulty"`
	TotalSleepMinutes    int                `json:"total_sleep_minutes"`
	TotalSleepHours      float64            `json:"total_sleep_hours"`
	IsActive             bool               `json:"is_active"`
	IsDeleted            bool               `json:"is_deleted"`
	CreatedAtSeconds     int64              `json:"created_at_s"`
	UpdatedAtSeconds     int64              `json:"updated_at_s"`
	Blocks               []blockPayload     `json:"blocks"`
	Adaptation           *adaptationPayload `json:"adaptation,omitempty"`
}

func newSchedulePayload(schedule schedules.Schedule, language string) schedulePayload {
	definition := schedule.Definition
	payload := schedulePayload{
		ScheduleID:           definition.ScheduleID,
		Name:                 definition.Name,
		Description:          schedule.Description(),
		LocalizedDescription: schedule.Description().Text(language),
		Difficulty:           string(definition.Difficulty),
		TotalSleepMinutes:    definition.TotalSleepMinutes,
		TotalSleepHours:      schedule.TotalSleepHours(),
		IsActive:             schedule.IsActive(),
		IsDeleted:            definition.IsDeleted,
		CreatedAtSeconds:     definition.CreatedAtSeconds,
		UpdatedAtSeconds:     definition.UpdatedAtSeconds,
		Blocks:               make([]blockPayload, 0, len(schedule.Blocks)),
	}
	if payload.Description == nil {
		payload.Description = map[string]string{}
	}
	for _, block := range schedule.Blocks {
		payload.Blocks = append(payload.Blocks, blockPayload{
			Start:           block.Start().String(),
			End:             block.End().String(),
			DurationMinutes: block.DurationMinutes,
			IsCore:          block.IsCore,
		})
	}
	if schedule.Adaptation != nil {
		payload.Adaptation = &adaptationPayload{
			Phase:                 schedule.Adaptation.Phase,
			PhaseReferenceSeconds: schedule.Adaptation.PhaseReferenceSeconds,
		}
	}
	return payload
}

type progressPayload struct {
	ScheduleID            string `json:"schedule_id"`
	Phase                 int    `json:"phase"`
	FinalPhase            int    `json:"final_phase"`
	DayNumber             int    `json:"day_number"`
	TotalDays             int    `json:"total_days"`
	PhaseReferenceSeconds int64  `json:"phase_reference_s"`
	IsActive              bool   `json:"is_active"`
	Completed             bool   `json:"completed"`
}

func newProgressPayload(progress schedules.AdaptationProgress) progressPayload {
	return progressPayload{
		ScheduleID:            progress.ScheduleID.String(),
		Phase:                 progress.Phase,
		FinalPhase:            progress.FinalPhase,
		DayNumber:             progress.DayNumber,
		TotalDays:             progress.TotalDays,
		PhaseReferenceSeconds: progress.PhaseReference.Unix(),
		IsActive:              progress.IsActive,
		Completed:             progress.Completed(),
	}
}

type activationPayload struct {
	Schedule schedulePayload `json:"schedule"`
	Replaced string          `json:"replaced_schedule_id,omitempty"`
	Changed  bool            `json:"changed"`
}

type undoPayload struct {
	Available        bool   `json:"available"`
	ScheduleID       string `json:"schedule_id,omitempty"`
	ReplacedBy       string `json:"replaced_by,omitempty"`
	ChangedAtSeconds int64  `json:"changed_at_s,omitempty"`
	PreviousPhase    int    `json:"previous_phase"`
}

type eventPayload struct {
	Source      string           `json:"source"`
	ScheduleIDs []string         `json:"scheduleIds"`
	Reminder    *reminderPayload `json:"reminder,omitempty"`
	Timestamp   int64            `json:"timestamp"`
}

type reminderPayload struct {
	ScheduleName string `json:"scheduleName"`
	BlockStart   string `json:"blockStart"`
	LeadMinutes  int    `json:"leadMinutes"`
	IsCore       bool   `json:"isCore"`
}

func newEventPayload(message RealtimeMessage) eventPayload {
	payload := eventPayload{
		Source:      realtimeSourceBackend,
		ScheduleIDs: message.ScheduleIDs,
		Timestamp:   message.Timestamp.Unix(),
	}
	if payload.ScheduleIDs == nil {
		payload.ScheduleIDs = []string{}
	}
	if message.Reminder != nil {
		payload.Reminder = &reminderPayload{
			ScheduleName: message.Reminder.ScheduleName,
			BlockStart:   message.Reminder.BlockStart.String(),
			LeadMinutes:  message.Reminder.LeadMinutes,
			IsCore:       message.Reminder.IsCore,
		}
	}
	return payload
}
