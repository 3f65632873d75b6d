// Package preferences persists small device settings as flat files.
package preferences

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/peterbourgon/diskv/v3"
)

const (
	keyStreak              = "streak"
	keyReminderLeadMinutes = "reminder_lead_minutes"

	// DefaultReminderLeadMinutes applies when no lead time has been stored.
	DefaultReminderLeadMinutes = 15
	maxReminderLeadMinutes     = 12 * 60
	cacheSizeMax               = 64 * 1024
)

var (
	// ErrInvalidValue indicates a value outside of the accepted range.
	ErrInvalidValue = errors.New("preferences: invalid value")

	errMissingBasePath = errors.New("preferences: base path is required")
)

// Config describes where preferences live.
type Config struct {
	BasePath                   string
	DefaultReminderLeadMinutes int
}

// Store reads and writes preferences. It implements schedules.StreakCounter and
// schedules.LeadTimeSource.
type Store struct {
	mu          sync.Mutex
	d           *diskv.Diskv
	defaultLead int
}

// Open creates a Store rooted at cfg.BasePath.
func Open(cfg Config) (*Store, error) {
	basePath := strings.TrimSpace(cfg.BasePath)
	if basePath == "" {
		return nil, errMissingBasePath
	}
	defaultLead := cfg.DefaultReminderLeadMinutes
	if defaultLead <= 0 {
		defaultLead = DefaultReminderLeadMinutes
	}
	return &Store{
		d: diskv.New(diskv.Options{
			BasePath:     basePath,
			Transform:    func(string) []string { return []string{} },
			CacheSizeMax: cacheSizeMax,
		}),
		defaultLead: defaultLead,
	}, nil
}

// Streak returns the stored streak counter, zero when unset.
func (s *Store) Streak() (int, error) {
	return s.readInt(keyStreak, 0)
}

// SetStreak stores the streak counter.
func (s *Store) SetStreak(value int) error {
	if value < 0 {
		return fmt.Errorf("%w: streak %d", ErrInvalidValue, value)
	}
	return s.writeInt(keyStreak, value)
}

// ReminderLeadTime returns the reminder lead time in minutes.
func (s *Store) ReminderLeadTime() (int, error) {
	return s.readInt(keyReminderLeadMinutes, s.defaultLead)
}

// SetReminderLeadTime stores the reminder lead time in minutes.
func (s *Store) SetReminderLeadTime(minutes int) error {
	if minutes < 0 || minutes > maxReminderLeadMinutes {
		return fmt.Errorf("%w: lead time %d minutes", ErrInvalidValue, minutes)
	}
	return s.writeInt(keyReminderLeadMinutes, minutes)
}

func (s *Store) readInt(key string, fallback int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.d.Has(key) {
		return fallback, nil
	}
	raw, err := s.d.Read(key)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", key, err)
	}
	value, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("%w: %s is not a number", ErrInvalidValue, key)
	}
	return value, nil
}

func (s *Store) writeInt(key string, value int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.d.Write(key, []byte(strconv.Itoa(value))); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}
