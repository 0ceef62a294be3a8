package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	// GIVEN: only the required secret
	t.Setenv("JWT_SECRET", "test-secret")

	// WHEN
	cfg, err := LoadConfig()

	// THEN
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "sqlite3", cfg.DatabaseDriver)
	assert.Equal(t, "local", cfg.PaymentProvider)
	assert.Equal(t, 3, cfg.NotifyMaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.CalendarTimeout())
	assert.Equal(t, 15*time.Minute, cfg.StaleBookingAge())
	assert.Equal(t, "Asia/Kolkata", cfg.Location().String())
	assert.Equal(t, []string{"*"}, cfg.Origins())
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_DRIVER", "PGX")
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost:5432/mk?sslmode=disable")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("LOCK_TTL_SECONDS", "4")

	cfg, err := LoadConfig()

	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "pgx", cfg.DatabaseDriver)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Origins())
	assert.Equal(t, 4*time.Second, cfg.LockTTL())
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"missing jwt secret", map[string]string{"JWT_SECRET": ""}, "JWT_SECRET"},
		{"unknown driver", map[string]string{"DATABASE_DRIVER": "mysql"}, "DATABASE_DRIVER"},
		{"midtrans without key", map[string]string{"PAYMENT_PROVIDER": "midtrans"}, "MIDTRANS_SERVER_KEY"},
		{"unknown provider", map[string]string{"PAYMENT_PROVIDER": "paypal"}, "PAYMENT_PROVIDER"},
		{"bad timezone", map[string]string{"SESSION_TIMEZONE": "Mars/Olympus"}, "SESSION_TIMEZONE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("JWT_SECRET", "test-secret")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := LoadConfig()

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
