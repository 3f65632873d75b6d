// Package reminders turns the active schedule into daily gocron jobs.
package reminders

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/polysleep/internal/schedules"
)

const (
	tagReminder     = "reminder"
	tagPhaseRefresh = "phase-refresh"

	phaseRefreshHour   = 0
	phaseRefreshMinute = 5
)

var errMissingRefresher = errors.New("phase refresher is required")

// Reminder is one planned daily notification ahead of a sleep block.
type Reminder struct {
	ScheduleID   schedules.ScheduleID
	ScheduleName string
	BlockStart   schedules.ClockTime
	FireAt       schedules.ClockTime
	LeadMinutes  int
	IsCore       bool
}

// Deliverer hands a due reminder to whatever presents it.
type Deliverer interface {
	Deliver(ctx context.Context, reminder Reminder) error
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(ctx context.Context, reminder Reminder) error

// Deliver calls f.
func (f DelivererFunc) Deliver(ctx context.Context, reminder Reminder) error {
	return f(ctx, reminder)
}

// PhaseRefresher persists the adaptation phase of the active schedule.
type PhaseRefresher interface {
	RefreshAdaptationPhase(ctx context.Context) (int, error)
}

// Config describes the scheduler's collaborators.
type Config struct {
	Location  *time.Location
	Deliverer Deliverer
	Logger    *zap.Logger
}

// Scheduler implements schedules.NotificationScheduler on top of gocron.
type Scheduler struct {
	scheduler gocron.Scheduler
	deliverer Deliverer
	logger    *zap.Logger

	mu      sync.Mutex
	planned []Reminder
}

// NewScheduler creates a scheduler that evaluates daily jobs in cfg.Location.
func NewScheduler(cfg Config) (*Scheduler, error) {
	location := cfg.Location
	if location == nil {
		location = time.Local
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	deliverer := cfg.Deliverer
	if deliverer == nil {
		deliverer = LogDeliverer{Logger: logger}
	}
	s, err := gocron.NewScheduler(gocron.WithLocation(location))
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	return &Scheduler{
		scheduler: s,
		deliverer: deliverer,
		logger:    logger,
	}, nil
}

// Start begins running jobs.
func (s *Scheduler) Start() {
	s.logger.Info("reminder scheduler starting")
	s.scheduler.Start()
}

// Stop shuts the scheduler down, waiting for running jobs.
func (s *Scheduler) Stop() error {
	s.logger.Info("reminder scheduler stopping")
	return s.scheduler.Shutdown()
}

// ScheduleNotifications replaces every planned reminder with one daily job per sleep
// block of schedule, firing leadTimeMinutes before the block starts.
func (s *Scheduler) ScheduleNotifications(_ context.Context, schedule schedules.Schedule, leadTimeMinutes int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.scheduler.RemoveByTags(tagReminder)
	s.planned = nil

	planned := make([]Reminder, 0, len(schedule.Blocks))
	for _, block := range schedule.Blocks {
		reminder := Reminder{
			ScheduleID:   schedule.ID(),
			ScheduleName: schedule.Definition.Name,
			BlockStart:   block.Start(),
			FireAt:       block.Start().Add(-leadTimeMinutes),
			LeadMinutes:  leadTimeMinutes,
			IsCore:       block.IsCore,
		}
		_, err := s.scheduler.NewJob(
			gocron.DailyJob(1, gocron.NewAtTimes(
				gocron.NewAtTime(uint(reminder.FireAt.Hour()), uint(reminder.FireAt.Minute()), 0),
			)),
			gocron.NewTask(s.deliver, reminder),
			gocron.WithName(fmt.Sprintf("reminder-%s-%s", reminder.ScheduleID, reminder.BlockStart)),
			gocron.WithTags(tagReminder, reminder.ScheduleID.String()),
		)
		if err != nil {
			s.scheduler.RemoveByTags(tagReminder)
			return fmt.Errorf("failed to schedule reminder at %s: %w", reminder.FireAt, err)
		}
		planned = append(planned, reminder)
	}
	sort.Slice(planned, func(i, j int) bool {
		return planned[i].FireAt < planned[j].FireAt
	})
	s.planned = planned
	s.logger.Info("reminders scheduled",
		zap.String("schedule_id", schedule.ID().String()),
		zap.Int("reminders", len(planned)),
		zap.Int("lead_minutes", leadTimeMinutes))
	return nil
}

// CancelAll removes every planned reminder.
func (s *Scheduler) CancelAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduler.RemoveByTags(tagReminder)
	s.planned = nil
	s.logger.Info("reminders cancelled")
	return nil
}

// Reminders returns the planned reminders ordered by fire time.
func (s *Scheduler) Reminders() []Reminder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Reminder(nil), s.planned...)
}

// JobCount reports how many gocron jobs carry tag.
func (s *Scheduler) JobCount(tag string) int {
	count := 0
	for _, job := range s.scheduler.Jobs() {
		for _, jobTag := range job.Tags() {
			if jobTag == tag {
				count++
				break
			}
		}
	}
	return count
}

// SchedulePhaseRefresh runs refresher every day shortly after local midnight.
func (s *Scheduler) SchedulePhaseRefresh(refresher PhaseRefresher) error {
	if refresher == nil {
		return errMissingRefresher
	}
	s.scheduler.RemoveByTags(tagPhaseRefresh)
	_, err := s.scheduler.NewJob(
		gocron.DailyJob(1, gocron.NewAtTimes(gocron.NewAtTime(phaseRefreshHour, phaseRefreshMinute, 0))),
		gocron.NewTask(func() { s.refreshPhase(refresher) }),
		gocron.WithName("phase-refresh"),
		gocron.WithTags(tagPhaseRefresh),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule phase refresh: %w", err)
	}
	return nil
}

func (s *Scheduler) refreshPhase(refresher PhaseRefresher) {
	phase, err := refresher.RefreshAdaptationPhase(context.Background())
	if err != nil {
		s.logger.Error("phase refresh failed", zap.Error(err))
		return
	}
	s.logger.Info("adaptation phase refreshed", zap.Int("phase", phase))
}

func (s *Scheduler) deliver(reminder Reminder) {
	if err := s.deliverer.Deliver(context.Background(), reminder); err != nil {
		s.logger.Warn("reminder delivery failed",
			zap.String("schedule_id", reminder.ScheduleID.String()),
			zap.String("fire_at", reminder.FireAt.String()),
			zap.Error(err))
	}
}

// LogDeliverer writes reminders to the log.
type LogDeliverer struct {
	Logger *zap.Logger
}

// Deliver logs the reminder.
func (d LogDeliverer) Deliver(_ context.Context, reminder Reminder) error {
	logger := d.Logger
	if logger == nil {
		return nil
	}
	kind := "nap"
	if reminder.IsCore {
		kind = "core"
	}
	logger.Info("sleep reminder",
		zap.String("schedule_id", reminder.ScheduleID.String()),
		zap.String("schedule_name", reminder.ScheduleName),
		zap.String("block_start", reminder.BlockStart.String()),
		zap.String("block_kind", kind),
		zap.Int("lead_minutes", reminder.LeadMinutes))
	return nil
}
