package main

import (
	"context"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/polysleep/internal/config"
	"github.com/MarcoPoloResearchLab/polysleep/internal/database"
	"github.com/MarcoPoloResearchLab/polysleep/internal/logging"
	"github.com/MarcoPoloResearchLab/polysleep/internal/metrics"
	"github.com/MarcoPoloResearchLab/polysleep/internal/preferences"
	"github.com/MarcoPoloResearchLab/polysleep/internal/reminders"
	"github.com/MarcoPoloResearchLab/polysleep/internal/schedules"
)

// application holds the collaborators shared by the server and the CLI commands.
type application struct {
	config      config.AppConfig
	logger      *zap.Logger
	db          *gorm.DB
	preferences *preferences.Store
	registry    *prom.Registry
	metrics     *metrics.PrometheusRecorder
	reminders   *reminders.Scheduler
	schedules   *schedules.Service
}

type applicationOptions struct {
	// deliverer enables the reminder scheduler; CLI commands leave it nil.
	deliverer reminders.Deliverer
	// console selects human-readable logs for one-shot commands.
	console bool
	// logger replaces the configured logger when set.
	logger *zap.Logger
}

func openApplication(options applicationOptions) (*application, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger := options.logger
	if logger == nil {
		newLogger := logging.NewLogger
		if options.console {
			newLogger = logging.NewConsoleLogger
		}
		logger, err = newLogger(appConfig.LogLevel)
		if err != nil {
			return nil, err
		}
	}

	app := &application{config: appConfig, logger: logger}

	app.db, err = database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		app.Close()
		return nil, err
	}

	app.preferences, err = preferences.Open(preferences.Config{
		BasePath:                   appConfig.PreferencesPath,
		DefaultReminderLeadMinutes: appConfig.ReminderLeadMinutes,
	})
	if err != nil {
		app.Close()
		return nil, err
	}

	app.registry = prom.NewRegistry()
	app.metrics = metrics.NewPrometheusRecorder(app.registry)

	serviceConfig := schedules.ServiceConfig{
		Database:   app.db,
		Location:   appConfig.Location,
		IDProvider: schedules.NewUUIDProvider(),
		Logger:     logger,
		LeadTime:   app.preferences,
		Streak:     app.preferences,
		Metrics:    app.metrics,
	}
	if options.deliverer != nil {
		app.reminders, err = reminders.NewScheduler(reminders.Config{
			Location:  appConfig.Location,
			Deliverer: options.deliverer,
			Logger:    logger,
		})
		if err != nil {
			app.Close()
			return nil, err
		}
		serviceConfig.Notifications = app.reminders
	}

	app.schedules, err = schedules.NewService(serviceConfig)
	if err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

// restoreReminders re-plans reminders for a schedule that was active before a restart.
func (app *application) restoreReminders(ctx context.Context) error {
	if app.reminders == nil {
		return nil
	}
	active, err := app.schedules.GetActiveSchedule(ctx)
	if err != nil || active == nil {
		return err
	}
	leadTime, err := app.preferences.ReminderLeadTime()
	if err != nil {
		return err
	}
	return app.reminders.ScheduleNotifications(ctx, *active, leadTime)
}

func (app *application) Close() {
	if app.reminders != nil {
		if err := app.reminders.Stop(); err != nil {
			app.logger.Warn("reminder scheduler shutdown failed", zap.Error(err))
		}
	}
	if app.db != nil {
		if sqlDB, err := app.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	_ = app.logger.Sync()
}
