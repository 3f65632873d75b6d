package schedules

import (
	"context"
	"sync"
)

// NotificationScheduler recomputes reminders whenever the active schedule changes.
type NotificationScheduler interface {
	ScheduleNotifications(ctx context.Context, schedule Schedule, leadTimeMinutes int) error
	CancelAll(ctx context.Context) error
}

// LeadTimeSource reads the reminder lead time setting in minutes.
type LeadTimeSource interface {
	ReminderLeadTime() (int, error)
}

// StreakCounter is the external streak preference reset on activation and restored on undo.
type StreakCounter interface {
	Streak() (int, error)
	SetStreak(value int) error
}

// MetricsRecorder receives lifecycle counters.
type MetricsRecorder interface {
	IncActivation(result string)
	IncUndo(result string)
	AddMigrationBackfilled(count int)
}

const (
	// ResultSuccess labels a completed operation.
	ResultSuccess = "success"
	// ResultNoop labels an operation that found nothing to change.
	ResultNoop = "noop"
	// ResultFailed labels an operation that returned an error.
	ResultFailed = "failed"
)

type noOpNotifications struct{}

func (noOpNotifications) ScheduleNotifications(context.Context, Schedule, int) error { return nil }
func (noOpNotifications) CancelAll(context.Context) error                           { return nil }

type noOpMetrics struct{}

func (noOpMetrics) IncActivation(string)      {}
func (noOpMetrics) IncUndo(string)            {}
func (noOpMetrics) AddMigrationBackfilled(int) {}

type memoryStreak struct {
	mu    sync.Mutex
	value int
}

func (s *memoryStreak) Streak() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, nil
}

func (s *memoryStreak) SetStreak(value int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = value
	return nil
}
