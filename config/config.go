/*
config.go - Process configuration

PURPOSE:
  Loads server settings from the environment (and a .env file in
  development). Every setting has a default except JWT_SECRET, so a bare
  `JWT_SECRET=x ./server` runs a self-contained dev instance on SQLite with
  the local payment provider, the log notifier and the static calendar.

OPTIONAL INTEGRATIONS (enabled when their variable is set):
  DATABASE_DRIVER=pgx + DATABASE_URL  Postgres instead of SQLite
  RABBITMQ_URL                        notifications published to RabbitMQ
  REDIS_URL                           cross-process entity locks
  CALENDAR_API_URL                    real calendar events
  PAYMENT_PROVIDER=midtrans           Midtrans Snap orders
*/
package config

import (
	"fmt"
	"log"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	CORSOrigins string `mapstructure:"CORS_ORIGINS"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`

	DatabaseDriver string `mapstructure:"DATABASE_DRIVER"`
	DatabaseURL    string `mapstructure:"DATABASE_URL"`

	JWTSecret string `mapstructure:"JWT_SECRET"`

	PaymentProvider    string `mapstructure:"PAYMENT_PROVIDER"`
	PaymentKeySecret   string `mapstructure:"PAYMENT_KEY_SECRET"`
	MidtransServerKey  string `mapstructure:"MIDTRANS_SERVER_KEY"`
	MidtransProduction bool   `mapstructure:"MIDTRANS_PRODUCTION"`

	RabbitMQURL             string `mapstructure:"RABBITMQ_URL"`
	NotificationExchange    string `mapstructure:"NOTIFICATION_EXCHANGE"`
	AdminEmail              string `mapstructure:"ADMIN_EMAIL"`
	NotifyMaxAttempts       int    `mapstructure:"NOTIFY_MAX_ATTEMPTS"`
	NotifyMaxBackoffSeconds int    `mapstructure:"NOTIFY_MAX_BACKOFF_SECONDS"`

	RedisURL       string `mapstructure:"REDIS_URL"`
	LockPrefix     string `mapstructure:"LOCK_PREFIX"`
	LockTTLSeconds int    `mapstructure:"LOCK_TTL_SECONDS"`

	CalendarAPIURL         string `mapstructure:"CALENDAR_API_URL"`
	CalendarAPIKey         string `mapstructure:"CALENDAR_API_KEY"`
	CalendarTimeoutSeconds int    `mapstructure:"CALENDAR_TIMEOUT_SECONDS"`
	MeetingBaseURL         string `mapstructure:"MEETING_BASE_URL"`

	SessionTimezone     string `mapstructure:"SESSION_TIMEZONE"`
	StaleBookingMinutes int    `mapstructure:"STALE_BOOKING_MINUTES"`
	SweepSchedule       string `mapstructure:"SWEEP_SCHEDULE"`
}

var defaults = map[string]any{
	"PORT":                       "8080",
	"CORS_ORIGINS":               "*",
	"LOG_LEVEL":                  "info",
	"DATABASE_DRIVER":            "sqlite3",
	"DATABASE_URL":               "marketplace.db",
	"JWT_SECRET":                 "",
	"PAYMENT_PROVIDER":           "local",
	"PAYMENT_KEY_SECRET":         "",
	"MIDTRANS_SERVER_KEY":        "",
	"MIDTRANS_PRODUCTION":        false,
	"RABBITMQ_URL":               "",
	"NOTIFICATION_EXCHANGE":      "marketplace_notifications",
	"ADMIN_EMAIL":                "admin@example.com",
	"NOTIFY_MAX_ATTEMPTS":        3,
	"NOTIFY_MAX_BACKOFF_SECONDS": 10,
	"REDIS_URL":                  "",
	"LOCK_PREFIX":                "marketplace:lock",
	"LOCK_TTL_SECONDS":           10,
	"CALENDAR_API_URL":           "",
	"CALENDAR_API_KEY":           "",
	"CALENDAR_TIMEOUT_SECONDS":   10,
	"MEETING_BASE_URL":           "https://meet.example.com",
	"SESSION_TIMEZONE":           "Asia/Kolkata",
	"STALE_BOOKING_MINUTES":      15,
	"SWEEP_SCHEDULE":             "@every 5m",
}

// LoadConfig reads configuration from the environment. A missing .env file
// is not an error.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("level=debug component=config msg=\"no .env file loaded\"")
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
		_ = v.BindEnv(key)
	}
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.trim()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.PaymentProvider != "midtrans" && cfg.PaymentKeySecret == "" {
		log.Println("level=warn component=config msg=\"payment verification disabled\" env=PAYMENT_KEY_SECRET")
	}
	return &cfg, nil
}

func (c *Config) trim() {
	c.Port = strings.TrimSpace(c.Port)
	c.DatabaseDriver = strings.ToLower(strings.TrimSpace(c.DatabaseDriver))
	c.PaymentProvider = strings.ToLower(strings.TrimSpace(c.PaymentProvider))
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.RabbitMQURL = strings.TrimSpace(c.RabbitMQURL)
	c.RedisURL = strings.TrimSpace(c.RedisURL)
	c.CalendarAPIURL = strings.TrimSpace(c.CalendarAPIURL)
}

func (c *Config) validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	switch c.DatabaseDriver {
	case "sqlite", "sqlite3", "pgx", "postgres", "postgresql":
	default:
		return fmt.Errorf("DATABASE_DRIVER must be sqlite3 or pgx, got %q", c.DatabaseDriver)
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	switch c.PaymentProvider {
	case "local":
	case "midtrans":
		if c.MidtransServerKey == "" {
			return fmt.Errorf("MIDTRANS_SERVER_KEY is required when PAYMENT_PROVIDER=midtrans")
		}
	default:
		return fmt.Errorf("PAYMENT_PROVIDER must be local or midtrans, got %q", c.PaymentProvider)
	}
	if c.NotifyMaxAttempts < 1 {
		return fmt.Errorf("NOTIFY_MAX_ATTEMPTS must be at least 1")
	}
	if c.StaleBookingMinutes < 1 {
		return fmt.Errorf("STALE_BOOKING_MINUTES must be at least 1")
	}
	if _, err := time.LoadLocation(c.SessionTimezone); err != nil {
		return fmt.Errorf("SESSION_TIMEZONE %q: %w", c.SessionTimezone, err)
	}
	return nil
}

// Origins splits CORS_ORIGINS on commas.
func (c *Config) Origins() []string {
	var out []string
	for _, origin := range strings.Split(c.CORSOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			out = append(out, origin)
		}
	}
	return out
}

func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.SessionTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *Config) CalendarTimeout() time.Duration {
	return time.Duration(c.CalendarTimeoutSeconds) * time.Second
}

func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

func (c *Config) NotifyMaxBackoff() time.Duration {
	return time.Duration(c.NotifyMaxBackoffSeconds) * time.Second
}

func (c *Config) StaleBookingAge() time.Duration {
	return time.Duration(c.StaleBookingMinutes) * time.Minute
}
