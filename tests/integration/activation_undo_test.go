package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	prom "github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/polysleep/internal/auth"
	"github.com/MarcoPoloResearchLab/polysleep/internal/catalog"
	"github.com/MarcoPoloResearchLab/polysleep/internal/database"
	"github.com/MarcoPoloResearchLab/polysleep/internal/metrics"
	"github.com/MarcoPoloResearchLab/polysleep/internal/preferences"
	"github.com/MarcoPoloResearchLab/polysleep/internal/reminders"
	"github.com/MarcoPoloResearchLab/polysleep/internal/schedules"
	"github.com/MarcoPoloResearchLab/polysleep/internal/server"
)

const (
	integrationSigningSecret = "integration-secret"
	integrationSubject       = "device-abc"
	jsonContentType          = "application/json"
)

type integrationEnv struct {
	server      *httptest.Server
	token       string
	preferences *preferences.Store
	reminders   *reminders.Scheduler
}

func newIntegrationEnv(testContext *testing.T) *integrationEnv {
	testContext.Helper()
	gin.SetMode(gin.TestMode)
	dir := testContext.TempDir()
	now := time.Date(2024, time.March, 10, 9, 0, 0, 0, time.UTC)

	db, err := database.OpenSQLite(filepath.Join(dir, "polysleep.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	testContext.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	prefs, err := preferences.Open(preferences.Config{BasePath: filepath.Join(dir, "prefs")})
	if err != nil {
		testContext.Fatalf("failed to open preferences: %v", err)
	}

	registry := prom.NewRegistry()
	recorder := metrics.NewPrometheusRecorder(registry)

	dispatcher := server.NewRealtimeDispatcher()
	scheduler, err := reminders.NewScheduler(reminders.Config{Location: time.UTC, Deliverer: dispatcher})
	if err != nil {
		testContext.Fatalf("failed to create reminder scheduler: %v", err)
	}
	testContext.Cleanup(func() {
		_ = scheduler.Stop()
	})

	service, err := schedules.NewService(schedules.ServiceConfig{
		Database:      db,
		Clock:         func() time.Time { return now },
		Location:      time.UTC,
		IDProvider:    schedules.NewUUIDProvider(),
		Logger:        zap.NewNop(),
		Notifications: scheduler,
		LeadTime:      prefs,
		Streak:        prefs,
		Metrics:       recorder,
	})
	if err != nil {
		testContext.Fatalf("failed to build schedule service: %v", err)
	}
	if created, err := catalog.Seed(context.Background(), service, zap.NewNop()); err != nil || created != 7 {
		testContext.Fatalf("failed to seed catalog: created %d, err %v", created, err)
	}

	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(integrationSigningSecret),
		Issuer:        "polysleep",
		Audience:      "polysleep-api",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		testContext.Fatalf("failed to construct token issuer: %v", err)
	}
	token, _, err := tokenIssuer.IssueDeviceToken(context.Background(), integrationSubject)
	if err != nil {
		testContext.Fatalf("failed to issue token: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager:   tokenIssuer,
		Schedules:      service,
		Realtime:       dispatcher,
		MetricsHandler: recorder.Handler(),
		Logger:         zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to construct handler: %v", err)
	}
	httpServer := httptest.NewServer(handler)
	testContext.Cleanup(httpServer.Close)

	return &integrationEnv{server: httpServer, token: token, preferences: prefs, reminders: scheduler}
}

func (env *integrationEnv) call(testContext *testing.T, method, path string, body any, target any) int {
	testContext.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			testContext.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequest(method, env.server.URL+path, reader)
	if err != nil {
		testContext.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+env.token)
	request.Header.Set("Content-Type", jsonContentType)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		testContext.Fatalf("request %s %s failed: %v", method, path, err)
	}
	defer response.Body.Close()
	if target != nil {
		if err := json.NewDecoder(response.Body).Decode(target); err != nil {
			testContext.Fatalf("failed to decode %s %s response: %v", method, path, err)
		}
	}
	return response.StatusCode
}

type scheduleSummary struct {
	ScheduleID string `json:"schedule_id"`
	Name       string `json:"name"`
	Difficulty string `json:"difficulty"`
	IsActive   bool   `json:"is_active"`
}

func TestActivationUndoFlow(testContext *testing.T) {
	env := newIntegrationEnv(testContext)

	var listing struct {
		Schedules []scheduleSummary `json:"schedules"`
	}
	if status := env.call(testContext, http.MethodGet, "/schedules", nil, &listing); status != http.StatusOK {
		testContext.Fatalf("unexpected list status: %d", status)
	}
	byName := make(map[string]scheduleSummary, len(listing.Schedules))
	for _, schedule := range listing.Schedules {
		byName[schedule.Name] = schedule
	}
	biphasic, uberman := byName["Biphasic"], byName["Uberman"]
	if biphasic.ScheduleID == "" || uberman.Difficulty != "extended" {
		testContext.Fatalf("unexpected catalog listing: %+v", listing.Schedules)
	}

	if status := env.call(testContext, http.MethodPost, "/schedules/"+biphasic.ScheduleID+"/activate", nil, nil); status != http.StatusOK {
		testContext.Fatalf("unexpected activate status: %d", status)
	}
	if err := env.preferences.SetStreak(5); err != nil {
		testContext.Fatalf("failed to set streak: %v", err)
	}

	if status := env.call(testContext, http.MethodPost, "/schedules/"+uberman.ScheduleID+"/activate", nil, nil); status != http.StatusOK {
		testContext.Fatalf("unexpected activate status: %d", status)
	}
	if streak, _ := env.preferences.Streak(); streak != 0 {
		testContext.Fatalf("expected streak reset on switch, got %d", streak)
	}
	planned := env.reminders.Reminders()
	if len(planned) != 6 || planned[0].LeadMinutes != preferences.DefaultReminderLeadMinutes {
		testContext.Fatalf("expected six uberman reminders, got %+v", planned)
	}

	var restored scheduleSummary
	if status := env.call(testContext, http.MethodPost, "/undo", nil, &restored); status != http.StatusOK {
		testContext.Fatalf("unexpected undo status: %d", status)
	}
	if restored.ScheduleID != biphasic.ScheduleID || !restored.IsActive {
		testContext.Fatalf("expected biphasic to be restored, got %+v", restored)
	}
	if streak, _ := env.preferences.Streak(); streak != 5 {
		testContext.Fatalf("expected streak 5 after undo, got %d", streak)
	}
	if planned := env.reminders.Reminders(); len(planned) != 2 || planned[0].ScheduleID.String() != biphasic.ScheduleID {
		testContext.Fatalf("expected reminders for the restored schedule, got %+v", planned)
	}

	if status := env.call(testContext, http.MethodPost, "/undo", nil, nil); status != http.StatusConflict {
		testContext.Fatalf("expected second undo to conflict, got %d", status)
	}

	response, err := http.Get(env.server.URL + "/metrics")
	if err != nil {
		testContext.Fatalf("failed to scrape metrics: %v", err)
	}
	defer response.Body.Close()
	scraped, err := io.ReadAll(response.Body)
	if err != nil {
		testContext.Fatalf("failed to read metrics: %v", err)
	}
	for _, expected := range []string{
		`polysleep_activations_total{result="success"} 2`,
		`polysleep_undo_total{result="success"} 1`,
		`polysleep_undo_total{result="noop"} 1`,
	} {
		if !strings.Contains(string(scraped), expected) {
			testContext.Fatalf("expected metrics to contain %q, got:\n%s", expected, scraped)
		}
	}
}
