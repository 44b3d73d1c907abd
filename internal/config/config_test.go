package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
mode = "publish"
log_level = "debug"

[postgres]
host = "db.internal"

[engine]
poll_interval = "2s"
retry_max_attempts = 3

[kafka]
brokers = ["broker-1:9092", "broker-2:9092"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "publish", cfg.Mode)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "db.internal", cfg.Postgres.Host)
	assert.Equal(t, 5432, cfg.Postgres.Port, "unset fields keep their defaults")
	assert.Equal(t, 2*time.Second, cfg.Engine.PollInterval.Duration)
	assert.Equal(t, 3, cfg.Engine.RetryMaxAttempts)
	assert.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, cfg.Kafka.Brokers)
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("STOPGUARD_POSTGRES_PASSWORD", "sekrit")
	t.Setenv("STOPGUARD_ENGINE_POLL_INTERVAL", "250ms")
	t.Setenv("STOPGUARD_SERVER_CORS_ORIGINS", "https://a.example, https://b.example")

	path := writeConfig(t, `mode = "monitor"`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "sekrit", cfg.Postgres.Password)
	assert.Equal(t, 250*time.Millisecond, cfg.Engine.PollInterval.Duration)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "unknown mode",
			mutate: func(c *Config) { c.Mode = "turbo" },
			want:   "unknown mode",
		},
		{
			name:   "unknown log level",
			mutate: func(c *Config) { c.LogLevel = "verbose" },
			want:   "unknown log_level",
		},
		{
			name:   "missing exchange credentials",
			mutate: func(c *Config) { c.Exchange.ApiKey = "" },
			want:   "api_key and api_secret are required",
		},
		{
			name:   "zero poll interval",
			mutate: func(c *Config) { c.Engine.PollInterval.Duration = 0 },
			want:   "poll_interval must be positive",
		},
		{
			name:   "backoff factor below one",
			mutate: func(c *Config) { c.Engine.RetryBackoffFactor = 0 },
			want:   "retry_backoff_factor must be >= 1",
		},
		{
			name: "archive without bucket",
			mutate: func(c *Config) {
				c.Archive.Enabled = true
				c.S3.Bucket = ""
			},
			want: "bucket must not be empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			cfg.Mode = "full"
			cfg.Exchange.ApiKey = "key"
			cfg.Exchange.ApiSecret = "secret"
			tt.mutate(&cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateAcceptsDefaultsPerMode(t *testing.T) {
	for _, mode := range []string{"monitor", "publish", "archive", "full"} {
		t.Run(mode, func(t *testing.T) {
			cfg := Defaults()
			cfg.Mode = mode
			cfg.Exchange.ApiKey = "key"
			cfg.Exchange.ApiSecret = "secret"
			assert.NoError(t, cfg.Validate())
		})
	}
}

func TestRedactedConfigHidesSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "pg-pass"
	cfg.Exchange.ApiSecret = "exch-secret"
	cfg.Notify.TelegramToken = "tg-token"

	red := RedactedConfig(&cfg)

	assert.Equal(t, "***", red.Postgres.Password)
	assert.Equal(t, "***", red.Exchange.ApiSecret)
	assert.Equal(t, "***", red.Notify.TelegramToken)
	assert.Equal(t, "pg-pass", cfg.Postgres.Password, "original must be untouched")
}
