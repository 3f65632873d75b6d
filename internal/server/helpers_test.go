package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/polysleep/internal/auth"
	"github.com/MarcoPoloResearchLab/polysleep/internal/database"
	"github.com/MarcoPoloResearchLab/polysleep/internal/schedules"
)

const testDeviceSubject = "device-1"

var testNow = time.Date(2024, time.March, 10, 9, 0, 0, 0, time.UTC)

type apiHarness struct {
	handler    http.Handler
	service    *schedules.Service
	dispatcher *RealtimeDispatcher
	token      string
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "api.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	service, err := schedules.NewService(schedules.ServiceConfig{
		Database:   db,
		IDProvider: schedules.NewUUIDProvider(),
		Clock:      func() time.Time { return testNow },
		Location:   time.UTC,
	})
	if err != nil {
		t.Fatalf("failed to construct schedule service: %v", err)
	}

	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "polysleep",
		Audience:      "polysleep-api",
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to construct token issuer: %v", err)
	}
	token, _, err := tokenIssuer.IssueDeviceToken(context.Background(), testDeviceSubject)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	dispatcher := NewRealtimeDispatcher()
	handler, err := NewHTTPHandler(Dependencies{
		TokenManager:   tokenIssuer,
		Schedules:      service,
		Realtime:       dispatcher,
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("ok")) }),
		Logger:         zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	return &apiHarness{handler: handler, service: service, dispatcher: dispatcher, token: token}
}

func (h *apiHarness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Authorization", "Bearer "+h.token)
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	h.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}

func biphasicRequest(name string) scheduleRequestPayload {
	return scheduleRequestPayload{
		Name: name,
		Description: map[string]string{
			"en": "Core night sleep with an afternoon nap",
			"de": "Kernschlaf mit Mittagsschlaf",
		},
		Blocks: []blockPayload{
			{Start: "23:00", End: "05:00", IsCore: true},
			{Start: "14:00", End: "14:30"},
		},
	}
}

func (h *apiHarness) mustCreate(t *testing.T, name string) schedulePayload {
	t.Helper()
	recorder := h.do(t, http.MethodPost, "/schedules", biphasicRequest(name))
	if recorder.Code != http.StatusCreated {
		t.Fatalf("unexpected create status %d: %s", recorder.Code, recorder.Body.String())
	}
	var created schedulePayload
	decodeBody(t, recorder, &created)
	return created
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
