package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost:5432/sessions?sslmode=disable")
	t.Setenv("JWT_SECRET", "secret")
}

func TestLoad_Defaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "consult.events", cfg.RabbitExchange)
	assert.Equal(t, time.Second, cfg.MeteringInterval)
	assert.Equal(t, 60*time.Second, cfg.Policy.FreeWindow)
	assert.Equal(t, 1, cfg.Policy.CreditsPerMinute)
	assert.Equal(t, "redis", cfg.PushFanout)
	assert.True(t, cfg.AutoMigrate)
	assert.False(t, cfg.TracingEnabled)
	assert.Empty(t, cfg.CORSAllowedOrigins)
}

func TestLoad_TracingAndCORS(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("TRACING_ENABLED", "true")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "otel-collector:4318")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://app.example")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.TracingEnabled)
	assert.Equal(t, "otel-collector:4318", cfg.OTLPEndpoint)
	assert.Equal(t, []string{"https://app.example"}, cfg.CORSAllowedOrigins)
}

func TestLoad_Overrides(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("APP_ENV", "prod")
	t.Setenv("FREE_SESSION_SECONDS", "30")
	t.Setenv("CREDITS_PER_MINUTE", "2")
	t.Setenv("PUSH_FANOUT", "local")
	t.Setenv("WS_ALLOWED_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("SESSION_LOCK_TTL", "3s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.Policy.FreeWindow)
	assert.Equal(t, 2, cfg.Policy.CreditsPerMinute)
	assert.Equal(t, "local", cfg.PushFanout)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.WSAllowedOrigins)
	assert.Equal(t, 3*time.Second, cfg.SessionLockTTL)
	assert.False(t, cfg.AutoMigrate)
}

func TestLoad_BuildsDSNFromParts(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("POSTGRES_ADDR", "db:5432")
	t.Setenv("POSTGRES_USER", "app")
	t.Setenv("POSTGRES_PASSWORD", "p@ss/word")
	t.Setenv("POSTGRES_DB", "sessions")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://app:p%40ss%2Fword@db:5432/sessions?sslmode=disable", cfg.DBDSN)
}

func TestLoad_FailsFast(t *testing.T) {
	t.Run("missing jwt secret", func(t *testing.T) {
		t.Setenv("DATABASE_URL", "postgres://x")
		t.Setenv("JWT_SECRET", "")
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("bad fanout", func(t *testing.T) {
		setBaseEnv(t)
		t.Setenv("PUSH_FANOUT", "kafka")
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("bad bool panics", func(t *testing.T) {
		setBaseEnv(t)
		t.Setenv("OUTBOX_ENABLED", "maybe")
		assert.Panics(t, func() { _, _ = Load() })
	})
}

func TestLoadDatabase(t *testing.T) {
	t.Run("needs no jwt config", func(t *testing.T) {
		t.Setenv("DATABASE_URL", "postgres://u:p@localhost:5432/sessions")
		t.Setenv("JWT_SECRET", "")
		t.Setenv("MIGRATIONS_DIR", "db/migrations")

		db, err := LoadDatabase()
		require.NoError(t, err)
		assert.Equal(t, "postgres://u:p@localhost:5432/sessions", db.DSN)
		assert.Equal(t, "db/migrations", db.MigrationsDir)
	})

	t.Run("missing dsn", func(t *testing.T) {
		t.Setenv("DATABASE_URL", "")
		t.Setenv("POSTGRES_ADDR", "")
		t.Setenv("POSTGRES_USER", "")
		t.Setenv("POSTGRES_DB", "")

		_, err := LoadDatabase()
		assert.Error(t, err)
	})
}
