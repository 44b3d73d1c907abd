package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies STOPGUARD_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known STOPGUARD_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "STOPGUARD_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "STOPGUARD_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "STOPGUARD_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "STOPGUARD_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "STOPGUARD_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "STOPGUARD_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "STOPGUARD_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "STOPGUARD_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "STOPGUARD_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "STOPGUARD_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "STOPGUARD_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "STOPGUARD_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "STOPGUARD_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "STOPGUARD_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "STOPGUARD_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "STOPGUARD_REDIS_TLS_ENABLED")

	// ── Kafka ──
	setStringSlice(&cfg.Kafka.Brokers, "STOPGUARD_KAFKA_BROKERS")
	setStr(&cfg.Kafka.Topic, "STOPGUARD_KAFKA_TOPIC")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "STOPGUARD_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "STOPGUARD_S3_REGION")
	setStr(&cfg.S3.Bucket, "STOPGUARD_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "STOPGUARD_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "STOPGUARD_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "STOPGUARD_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "STOPGUARD_S3_FORCE_PATH_STYLE")

	// ── Exchange ──
	setStr(&cfg.Exchange.RestURL, "STOPGUARD_EXCHANGE_REST_URL")
	setStr(&cfg.Exchange.WsURL, "STOPGUARD_EXCHANGE_WS_URL")
	setStr(&cfg.Exchange.ApiKey, "STOPGUARD_EXCHANGE_API_KEY")
	setStr(&cfg.Exchange.ApiSecret, "STOPGUARD_EXCHANGE_API_SECRET")

	// ── Engine ──
	setDuration(&cfg.Engine.PollInterval, "STOPGUARD_ENGINE_POLL_INTERVAL")
	setDuration(&cfg.Engine.ExecTimeout, "STOPGUARD_ENGINE_EXEC_TIMEOUT")
	setDuration(&cfg.Engine.RetrySweepInterval, "STOPGUARD_ENGINE_RETRY_SWEEP_INTERVAL")
	setDuration(&cfg.Engine.RetryBackoffBase, "STOPGUARD_ENGINE_RETRY_BACKOFF_BASE")
	setInt(&cfg.Engine.RetryBackoffFactor, "STOPGUARD_ENGINE_RETRY_BACKOFF_FACTOR")
	setInt(&cfg.Engine.RetryMaxAttempts, "STOPGUARD_ENGINE_RETRY_MAX_ATTEMPTS")

	// ── Outbox ──
	setDuration(&cfg.Outbox.Interval, "STOPGUARD_OUTBOX_INTERVAL")
	setInt(&cfg.Outbox.BatchSize, "STOPGUARD_OUTBOX_BATCH_SIZE")
	setDuration(&cfg.Outbox.StuckThreshold, "STOPGUARD_OUTBOX_STUCK_THRESHOLD")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "STOPGUARD_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "STOPGUARD_ARCHIVE_RETENTION_DAYS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "STOPGUARD_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "STOPGUARD_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "STOPGUARD_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "STOPGUARD_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "STOPGUARD_SERVER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "STOPGUARD_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "STOPGUARD_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "STOPGUARD_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "STOPGUARD_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "STOPGUARD_MODE")
	setStr(&cfg.LogLevel, "STOPGUARD_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
