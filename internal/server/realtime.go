package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/polysleep/internal/reminders"
)

const (
	RealtimeEventScheduleChanged   = "schedule-change"
	RealtimeEventScheduleActivated = "schedule-activated"
	RealtimeEventScheduleRestored  = "schedule-restored"
	RealtimeEventDeactivated       = "schedules-deactivated"
	RealtimeEventReminder          = "reminder"
	realtimeEventHeartbeat         = "heartbeat"
	realtimeSourceBackend          = "polysleep-backend"
)

// RealtimeMessage is one event fanned out to the open event streams.
type RealtimeMessage struct {
	EventType   string
	ScheduleIDs []string
	Reminder    *reminders.Reminder
	Timestamp   time.Time
}

// RealtimeDispatcher fans schedule events out to every subscribed stream.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[int64]*realtimeSubscriber),
		bufferSize:  16,
		clock:       time.Now,
	}
}

// Subscribe registers a stream that lives until ctx is done or cleanup is called.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context) (<-chan RealtimeMessage, func()) {
	subscriber := &realtimeSubscriber{
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregisterSubscriber(subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers message to every subscriber without blocking; full buffers drop it.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.EventType == "" {
		return
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = d.clock().UTC()
	}
	d.mu.RLock()
	copies := make([]*realtimeSubscriber, 0, len(d.subscribers))
	for _, subscriber := range d.subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// PublishSchedules is a shorthand for events about specific schedules.
func (d *RealtimeDispatcher) PublishSchedules(eventType string, scheduleIDs ...string) {
	ids := make([]string, 0, len(scheduleIDs))
	for _, id := range scheduleIDs {
		if id != "" {
			ids = append(ids, id)
		}
	}
	d.Publish(RealtimeMessage{EventType: eventType, ScheduleIDs: ids})
}

// Deliver implements reminders.Deliverer by publishing a reminder event.
func (d *RealtimeDispatcher) Deliver(_ context.Context, reminder reminders.Reminder) error {
	d.Publish(RealtimeMessage{
		EventType:   RealtimeEventReminder,
		ScheduleIDs: []string{reminder.ScheduleID.String()},
		Reminder:    &reminder,
	})
	return nil
}

// SubscriberCount returns the number of open streams.
func (d *RealtimeDispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}

func (d *RealtimeDispatcher) registerSubscriber(subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	subscriber.id = d.nextID
	d.subscribers[subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(subscriberID int64) {
	d.mu.Lock()
	delete(d.subscribers, subscriberID)
	d.mu.Unlock()
}
