package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/operantsec/warden/pkg/config"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"LOG_LEVEL", "WARDEN_DB_PATH", "WARDEN_POSTGRES_URL", "WARDEN_REDIS_ADDR",
		"WARDEN_TOKEN_SECRET", "WARDEN_POLICY_VERSION", "WARDEN_POLICY_PATH",
		"WARDEN_SCOPE_PATH", "WARDEN_ARTIFACT_DIR", "WARDEN_SWEEP_INTERVAL",
	} {
		t.Setenv(key, "")
	}

	cfg := config.Load()

	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "warden.db", cfg.DatabasePath)
	assert.Equal(t, "artifacts", cfg.ArtifactDir)
	assert.Equal(t, "v1", cfg.PolicyVersion)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.Empty(t, cfg.PostgresURL)
	assert.Empty(t, cfg.RedisAddr)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("WARDEN_DB_PATH", "/var/lib/warden/warden.db")
	t.Setenv("WARDEN_TOKEN_SECRET", "s3cret")
	t.Setenv("WARDEN_SWEEP_INTERVAL", "30s")
	t.Setenv("WARDEN_POLICY_VERSION", "v7")

	cfg := config.Load()

	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "/var/lib/warden/warden.db", cfg.DatabasePath)
	assert.Equal(t, "s3cret", cfg.TokenSecret)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
	assert.Equal(t, "v7", cfg.PolicyVersion)
}

func TestLoadIgnoresBadSweepInterval(t *testing.T) {
	t.Setenv("WARDEN_SWEEP_INTERVAL", "not-a-duration")
	cfg := config.Load()
	assert.Equal(t, time.Minute, cfg.SweepInterval)
}
