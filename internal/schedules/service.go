package schedules

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opServiceNew = "schedules.service.new"

	fieldScheduleID = "schedule_id"
	queryScheduleID = "schedule_id = ?"
	queryActive     = "is_active = ?"

	reasonMissingDatabase = "missing_database"
	reasonInvalidID       = "invalid_schedule_id"
	reasonNotFound        = "schedule_not_found"
	reasonQueryFailed     = "query_failed"
	reasonTxFailed        = "transaction_failed"

	defaultReminderLeadMinutes = 15
)

var noOpLogger = zap.NewNop()

// ServiceConfig describes the dependencies of the schedule service.
type ServiceConfig struct {
	Database      *gorm.DB
	Clock         func() time.Time
	Location      *time.Location
	IDProvider    IDProvider
	Logger        *zap.Logger
	Notifications NotificationScheduler
	LeadTime      LeadTimeSource
	Streak        StreakCounter
	Metrics       MetricsRecorder
}

// IDProvider issues new schedule identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// Service persists schedules and coordinates the single active schedule.
// Mutations are serialized by writeMu and always run inside one transaction;
// reads never take the mutex.
type Service struct {
	db            *gorm.DB
	clock         func() time.Time
	location      *time.Location
	idProvider    IDProvider
	logger        *zap.Logger
	notifications NotificationScheduler
	leadTime      LeadTimeSource
	streak        StreakCounter
	metrics       MetricsRecorder
	writeMu       sync.Mutex
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, ErrStorageFailure, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", ErrInvalidData, errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	location := cfg.Location
	if location == nil {
		location = time.Local
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	notifications := cfg.Notifications
	if notifications == nil {
		notifications = noOpNotifications{}
	}
	streak := cfg.Streak
	if streak == nil {
		streak = &memoryStreak{}
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = noOpMetrics{}
	}

	return &Service{
		db:            cfg.Database,
		clock:         clock,
		location:      location,
		idProvider:    cfg.IDProvider,
		logger:        logger,
		notifications: notifications,
		leadTime:      cfg.LeadTime,
		streak:        streak,
		metrics:       metrics,
	}, nil
}

func (service *Service) now() time.Time {
	clock := service.clock
	if clock == nil {
		clock = time.Now
	}
	return clock().In(service.locationOrDefault())
}

func (service *Service) locationOrDefault() *time.Location {
	if service.location == nil {
		return time.Local
	}
	return service.location
}

func (service *Service) ready(operation string) error {
	if service == nil || service.db == nil {
		service.logError(operation, reasonMissingDatabase, errMissingDatabase)
		return newServiceError(operation, reasonMissingDatabase, ErrStorageFailure, errMissingDatabase)
	}
	return nil
}

func (service *Service) reminderLeadTime() int {
	if service.leadTime == nil {
		return defaultReminderLeadMinutes
	}
	minutes, err := service.leadTime.ReminderLeadTime()
	if err != nil {
		service.loggerOrDefault().Warn("reminder lead time unavailable, using default",
			zap.Error(err),
			zap.Int("lead_minutes", defaultReminderLeadMinutes))
		return defaultReminderLeadMinutes
	}
	if minutes < 0 {
		return defaultReminderLeadMinutes
	}
	return minutes
}

// notifyActiveSchedule hands the committed active schedule to the notification scheduler.
// Failures are logged: the activation itself is already committed.
func (service *Service) notifyActiveSchedule(ctx context.Context, operation string, schedule Schedule) {
	notifications := service.notifications
	if notifications == nil {
		return
	}
	if err := notifications.ScheduleNotifications(ctx, schedule, service.reminderLeadTime()); err != nil {
		service.logError(operation, "notification_schedule_failed", err,
			zap.String(fieldScheduleID, schedule.ID().String()))
	}
}

func (service *Service) cancelNotifications(ctx context.Context, operation string) {
	notifications := service.notifications
	if notifications == nil {
		return
	}
	if err := notifications.CancelAll(ctx); err != nil {
		service.logError(operation, "notification_cancel_failed", err)
	}
}

func (service *Service) metricsOrDefault() MetricsRecorder {
	if service == nil || service.metrics == nil {
		return noOpMetrics{}
	}
	return service.metrics
}

func (service *Service) loggerOrDefault() *zap.Logger {
	if service == nil {
		return noOpLogger
	}
	if service.logger == nil {
		return noOpLogger
	}
	return service.logger
}

func (service *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	service.loggerOrDefault().Error("schedules service error", attrs...)
}
