package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/polysleep/internal/auth"
	"github.com/MarcoPoloResearchLab/polysleep/internal/catalog"
	"github.com/MarcoPoloResearchLab/polysleep/internal/reminders"
	"github.com/MarcoPoloResearchLab/polysleep/internal/server"
)

const shutdownTimeout = 10 * time.Second

func runServer(ctx context.Context) error {
	realtime := server.NewRealtimeDispatcher()
	// Reminders are logged and pushed to open event streams.
	var logDeliverer reminders.LogDeliverer
	deliverer := reminders.DelivererFunc(func(ctx context.Context, reminder reminders.Reminder) error {
		if err := logDeliverer.Deliver(ctx, reminder); err != nil {
			return err
		}
		return realtime.Deliver(ctx, reminder)
	})

	app, err := openApplication(applicationOptions{deliverer: deliverer})
	if err != nil {
		return err
	}
	defer app.Close()
	logDeliverer.Logger = app.logger
	logger := app.logger

	if err := app.config.ValidateServer(); err != nil {
		return err
	}

	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(app.config.SigningSecret),
		Issuer:        app.config.TokenIssuer,
		Audience:      app.config.TokenAudience,
		TokenTTL:      app.config.TokenTTL,
	})
	if err != nil {
		return err
	}

	if err := startServices(ctx, app); err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager:   tokenManager,
		Schedules:      app.schedules,
		Realtime:       realtime,
		MetricsHandler: app.metrics.Handler(),
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	// Event streams hold their requests open; cancelling the base context ends them on shutdown.
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	httpServer := &http.Server{
		Addr:              app.config.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	httpServer.RegisterOnShutdown(cancelBase)

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", app.config.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// startServices brings the store up to date and starts the reminder scheduler.
func startServices(ctx context.Context, app *application) error {
	if _, err := app.schedules.MigrateLegacyDefinitions(ctx); err != nil {
		return err
	}

	if app.config.SeedCatalog {
		if _, err := catalog.Seed(ctx, app.schedules, app.logger); err != nil {
			return err
		}
	}

	if err := app.reminders.SchedulePhaseRefresh(app.schedules); err != nil {
		return err
	}
	if err := app.restoreReminders(ctx); err != nil {
		app.logger.Warn("failed to restore reminders", zap.Error(err))
	}
	app.reminders.Start()
	return nil
}
