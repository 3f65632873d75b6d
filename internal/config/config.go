package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "POLYSLEEP"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultDatabasePath        = "polysleep.db"
	defaultLogLevel            = "info"
	defaultPreferencesPath     = "polysleep-prefs"
	defaultReminderLeadMinutes = 15
	defaultTimezone            = "Local"
	defaultAuthIssuer          = "polysleep"
	defaultAuthAudience        = "polysleep-api"
	defaultTokenTTLMinutes     = 30 * 24 * 60
)

// AppConfig captures runtime configuration for the API server and CLI.
type AppConfig struct {
	HTTPAddress         string
	DatabasePath        string
	LogLevel            string
	PreferencesPath     string
	ReminderLeadMinutes int
	Location            *time.Location
	SeedCatalog         bool
	SigningSecret       string
	TokenIssuer         string
	TokenAudience       string
	TokenTTL            time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("preferences.path", defaultPreferencesPath)
	configViper.SetDefault("reminders.default_lead_minutes", defaultReminderLeadMinutes)
	configViper.SetDefault("clock.timezone", defaultTimezone)
	configViper.SetDefault("catalog.seed", true)
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.audience", defaultAuthAudience)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	location, err := loadLocation(configViper.GetString("clock.timezone"))
	if err != nil {
		return AppConfig{}, err
	}

	cfg := AppConfig{
		HTTPAddress:         configViper.GetString("http.address"),
		DatabasePath:        configViper.GetString("database.path"),
		LogLevel:            configViper.GetString("log.level"),
		PreferencesPath:     configViper.GetString("preferences.path"),
		ReminderLeadMinutes: configViper.GetInt("reminders.default_lead_minutes"),
		Location:            location,
		SeedCatalog:         configViper.GetBool("catalog.seed"),
		SigningSecret:       configViper.GetString("auth.signing_secret"),
		TokenIssuer:         configViper.GetString("auth.issuer"),
		TokenAudience:       configViper.GetString("auth.audience"),
		TokenTTL:            time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// ValidateServer checks the settings only the HTTP server and token commands need.
func (c AppConfig) ValidateServer() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token.ttl_minutes must be positive")
	}
	return nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.PreferencesPath) == "" {
		return fmt.Errorf("preferences.path is required")
	}
	if c.ReminderLeadMinutes < 0 {
		return fmt.Errorf("reminders.default_lead_minutes must not be negative")
	}
	return nil
}

func loadLocation(name string) (*time.Location, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || strings.EqualFold(trimmed, defaultTimezone) {
		return time.Local, nil
	}
	location, err := time.LoadLocation(trimmed)
	if err != nil {
		return nil, fmt.Errorf("clock.timezone %q: %w", trimmed, err)
	}
	return location, nil
}
