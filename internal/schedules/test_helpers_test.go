package schedules

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(delta time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(delta)
}

type sequenceIDProvider struct {
	ids   []string
	index int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	if p.index >= len(p.ids) {
		return "", errors.New("exhausted ids")
	}
	id := p.ids[p.index]
	p.index++
	return id, nil
}

type recordingNotifier struct {
	mu        sync.Mutex
	scheduled []ScheduleID
	leadTimes []int
	cancelled int
	failWith  error
}

func (n *recordingNotifier) ScheduleNotifications(_ context.Context, schedule Schedule, leadTimeMinutes int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failWith != nil {
		return n.failWith
	}
	n.scheduled = append(n.scheduled, schedule.ID())
	n.leadTimes = append(n.leadTimes, leadTimeMinutes)
	return nil
}

func (n *recordingNotifier) CancelAll(context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cancelled++
	return nil
}

type staticLeadTime struct {
	minutes int
	err     error
}

func (s staticLeadTime) ReminderLeadTime() (int, error) {
	return s.minutes, s.err
}

type countingMetrics struct {
	mu          sync.Mutex
	activations map[string]int
	undos       map[string]int
	backfilled  int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{activations: map[string]int{}, undos: map[string]int{}}
}

func (m *countingMetrics) IncActivation(result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activations[result]++
}

func (m *countingMetrics) IncUndo(result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.undos[result]++
}

func (m *countingMetrics) AddMigrationBackfilled(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backfilled += count
}

type testHarness struct {
	service  *Service
	db       *gorm.DB
	clock    *fakeClock
	notifier *recordingNotifier
	streak   *memoryStreak
	metrics  *countingMetrics
}

var testScheduleIDs = []string{
	"0190f0c2-7c1a-7000-8000-000000000001",
	"0190f0c2-7c1a-7000-8000-000000000002",
	"0190f0c2-7c1a-7000-8000-000000000003",
	"0190f0c2-7c1a-7000-8000-000000000004",
	"0190f0c2-7c1a-7000-8000-000000000005",
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "schedules.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	db := openTestDatabase(t)
	clock := newFakeClock(time.Date(2024, time.March, 10, 9, 0, 0, 0, time.UTC))
	harness := &testHarness{
		db:       db,
		clock:    clock,
		notifier: &recordingNotifier{},
		streak:   &memoryStreak{},
		metrics:  newCountingMetrics(),
	}
	service, err := NewService(ServiceConfig{
		Database:      db,
		Clock:         clock.Now,
		Location:      time.UTC,
		IDProvider:    &sequenceIDProvider{ids: testScheduleIDs},
		Notifications: harness.notifier,
		LeadTime:      staticLeadTime{minutes: 10},
		Streak:        harness.streak,
		Metrics:       harness.metrics,
	})
	if err != nil {
		t.Fatalf("failed to construct schedules service: %v", err)
	}
	harness.service = service
	return harness
}

func mustClockTime(t *testing.T, value string) ClockTime {
	t.Helper()
	clockTime, err := NewClockTime(value)
	if err != nil {
		t.Fatalf("unexpected clock time error: %v", err)
	}
	return clockTime
}

func mustScheduleID(t *testing.T, value string) ScheduleID {
	t.Helper()
	id, err := NewScheduleID(value)
	if err != nil {
		t.Fatalf("unexpected schedule id error: %v", err)
	}
	return id
}

func biphasicDraft(t *testing.T, name string) Draft {
	t.Helper()
	return Draft{
		Name:        name,
		Description: LocalizedText{"en": "Core night sleep with an afternoon nap", "de": "Kernschlaf mit Mittagsschlaf"},
		Blocks: []SleepBlockSpec{
			{Start: mustClockTime(t, "23:00"), End: mustClockTime(t, "05:00"), IsCore: true},
			{Start: mustClockTime(t, "14:00"), End: mustClockTime(t, "14:30")},
		},
	}
}

func (h *testHarness) mustCreate(t *testing.T, draft Draft) Schedule {
	t.Helper()
	created, err := h.service.Create(context.Background(), draft)
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	return created
}

func (h *testHarness) mustActivate(t *testing.T, id ScheduleID) ActivationResult {
	t.Helper()
	result, err := h.service.Activate(context.Background(), id)
	if err != nil {
		t.Fatalf("unexpected activate error: %v", err)
	}
	return result
}

func (h *testHarness) adaptationState(t *testing.T, id ScheduleID) AdaptationState {
	t.Helper()
	var state AdaptationState
	if err := h.db.Where(queryScheduleID, id.String()).Take(&state).Error; err != nil {
		t.Fatalf("failed to load adaptation state: %v", err)
	}
	return state
}

func (h *testHarness) assertSingleActive(t *testing.T) {
	t.Helper()
	var activeDefinitions int64
	if err := h.db.Model(&Definition{}).Where(queryActive, true).Count(&activeDefinitions).Error; err != nil {
		t.Fatalf("failed to count active definitions: %v", err)
	}
	var activeStates int64
	if err := h.db.Model(&AdaptationState{}).Where(queryActive, true).Count(&activeStates).Error; err != nil {
		t.Fatalf("failed to count active states: %v", err)
	}
	if activeDefinitions > 1 || activeStates > 1 {
		t.Fatalf("expected at most one active schedule, got %d definitions and %d states", activeDefinitions, activeStates)
	}
	if activeDefinitions != activeStates {
		t.Fatalf("expected facets to agree, got %d definitions and %d states", activeDefinitions, activeStates)
	}
}
