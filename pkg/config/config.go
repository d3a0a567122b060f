package config

import (
	"os"
	"time"
)

// Config holds process configuration.
type Config struct {
	LogLevel      string
	DatabasePath  string
	PostgresURL   string
	RedisAddr     string
	TokenSecret   string
	PolicyVersion string
	PolicyPath    string
	ScopePath     string
	ArtifactDir   string
	SweepInterval time.Duration
}

// Load loads configuration from environment variables.
func Load() *Config {
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	dbPath := os.Getenv("WARDEN_DB_PATH")
	if dbPath == "" {
		dbPath = "warden.db"
	}

	artifactDir := os.Getenv("WARDEN_ARTIFACT_DIR")
	if artifactDir == "" {
		artifactDir = "artifacts"
	}

	policyVersion := os.Getenv("WARDEN_POLICY_VERSION")
	if policyVersion == "" {
		policyVersion = "v1"
	}

	sweepInterval := time.Minute
	if raw := os.Getenv("WARDEN_SWEEP_INTERVAL"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			sweepInterval = d
		}
	}

	return &Config{
		LogLevel:      logLevel,
		DatabasePath:  dbPath,
		PostgresURL:   os.Getenv("WARDEN_POSTGRES_URL"),
		RedisAddr:     os.Getenv("WARDEN_REDIS_ADDR"),
		TokenSecret:   os.Getenv("WARDEN_TOKEN_SECRET"),
		PolicyVersion: policyVersion,
		PolicyPath:    os.Getenv("WARDEN_POLICY_PATH"),
		ScopePath:     os.Getenv("WARDEN_SCOPE_PATH"),
		ArtifactDir:   artifactDir,
		SweepInterval: sweepInterval,
	}
}
