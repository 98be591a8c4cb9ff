package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the service.
type Config struct {
	App          AppConfig
	Postgres     PostgresConfig
	Redis        RedisConfig
	Logger       LoggerConfig
	Auth         AuthConfig
	Notification NotificationConfig
	Chat         ChatConfig
	Realtime     RealtimeConfig
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string
	Env                   string
	Host                  string
	Port                  string
	Version               string
	RequestTimeoutSeconds int
}

// PostgresConfig holds DB connection values. An empty DSN selects the
// in-memory repositories.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	RunMigrations  bool
	MigrationsDir  string
	ConnMaxIdleSec int32
	ConnMaxLifeSec int32
}

// RedisConfig holds Redis connection values.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level string
	// Format is "json" or "console".
	Format  string
	Service string
}

// AuthConfig defines authentication parameters.
type AuthConfig struct {
	JWTSecret             string
	AccessTokenTTLMinutes int
	BcryptCost            int
	CookieName            string
	CookieSecure          bool
	SeedAdminName         string
	SeedAdminEmail        string
	SeedAdminPassword     string
}

// NotificationConfig holds transcript mail settings.
type NotificationConfig struct {
	EmailFrom      string
	EmailFromName  string
	SendGridAPIKey string
	QueueSize      int
	Workers        int
}

// ChatConfig tunes the chat coordinator.
type ChatConfig struct {
	MessageBatchLimit     int
	SessionListLimit      int
	MaxMessageLength      int
	PendingTimeoutMinutes int
	SweepSchedule         string
	SendRateLimit         int
	SendRateWindowSeconds int
}

// RealtimeConfig selects the fan-out transport for session streams.
type RealtimeConfig struct {
	Transport        string
	Topic            string
	GroupPrefix      string
	HeartbeatSeconds int
	// StreamMaxLen caps the Redis stream length; 0 disables trimming.
	StreamMaxLen int64
}

// Load reads configuration from environment variables, applying defaults where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	cfg := &Config{
		App: AppConfig{
			Name:                  getEnv("APP_NAME", "storefront-chat"),
			Env:                   getEnv("APP_ENV", "development"),
			Host:                  getEnv("APP_HOST", "0.0.0.0"),
			Port:                  getEnv("APP_PORT", "8080"),
			Version:               getEnv("APP_VERSION", "dev"),
			RequestTimeoutSeconds: getEnvAsInt("HTTP_REQUEST_TIMEOUT_SECONDS", 30),
		},
		Postgres: PostgresConfig{
			DSN:            os.Getenv("POSTGRES_DSN"),
			MaxConns:       int32(getEnvAsInt("POSTGRES_MAX_CONNS", 10)),
			MinConns:       int32(getEnvAsInt("POSTGRES_MIN_CONNS", 2)),
			RunMigrations:  getEnvAsBool("POSTGRES_RUN_MIGRATIONS", true),
			MigrationsDir:  getEnv("POSTGRES_MIGRATIONS_DIR", "migrations"),
			ConnMaxIdleSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_IDLE_SECONDS", 30)),
			ConnMaxLifeSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_LIFE_SECONDS", 300)),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       redisDB,
		},
		Logger: LoggerConfig{
			Level:   getEnv("LOG_LEVEL", "info"),
			Format:  strings.ToLower(getEnv("LOG_FORMAT", "json")),
			Service: getEnv("APP_NAME", "storefront-chat"),
		},
		Auth: AuthConfig{
			JWTSecret:             getEnv("AUTH_JWT_SECRET", "dev-secret"),
			AccessTokenTTLMinutes: getEnvAsInt("AUTH_ACCESS_TOKEN_TTL_MINUTES", 60),
			BcryptCost:            getEnvAsInt("AUTH_BCRYPT_COST", 12),
			CookieName:            getEnv("AUTH_COOKIE_NAME", "auth_token"),
			CookieSecure:          getEnvAsBool("AUTH_COOKIE_SECURE", false),
			SeedAdminName:         getEnv("SEED_ADMIN_NAME", "Support Admin"),
			SeedAdminEmail:        os.Getenv("SEED_ADMIN_EMAIL"),
			SeedAdminPassword:     os.Getenv("SEED_ADMIN_PASSWORD"),
		},
		Notification: NotificationConfig{
			EmailFrom:      getEnv("NOTIFY_EMAIL_FROM", "noreply@example.com"),
			EmailFromName:  getEnv("NOTIFY_EMAIL_FROM_NAME", "Storefront Support"),
			SendGridAPIKey: os.Getenv("SENDGRID_API_KEY"),
			QueueSize:      getEnvAsInt("NOTIFY_QUEUE_SIZE", 256),
			Workers:        getEnvAsInt("NOTIFY_WORKERS", 2),
		},
		Chat: ChatConfig{
			MessageBatchLimit:     getEnvAsInt("CHAT_MESSAGE_BATCH_LIMIT", 200),
			SessionListLimit:      getEnvAsInt("CHAT_SESSION_LIST_LIMIT", 50),
			MaxMessageLength:      getEnvAsInt("CHAT_MAX_MESSAGE_LENGTH", 2000),
			PendingTimeoutMinutes: getEnvAsInt("CHAT_PENDING_TIMEOUT_MINUTES", 30),
			SweepSchedule:         getEnv("CHAT_SWEEP_SCHEDULE", "@every 1m"),
			SendRateLimit:         getEnvAsInt("CHAT_SEND_RATE_LIMIT", 20),
			SendRateWindowSeconds: getEnvAsInt("CHAT_SEND_RATE_WINDOW_SECONDS", 10),
		},
		Realtime: RealtimeConfig{
			Transport:        strings.ToLower(getEnv("REALTIME_TRANSPORT", "memory")),
			Topic:            getEnv("REALTIME_TOPIC", "chat.session_updates"),
			GroupPrefix:      getEnv("REALTIME_GROUP_PREFIX", "chat-stream"),
			HeartbeatSeconds: getEnvAsInt("REALTIME_HEARTBEAT_SECONDS", 15),
			StreamMaxLen:     int64(getEnvAsInt("REALTIME_STREAM_MAXLEN", 10000)),
		},
	}

	if cfg.Realtime.Transport != "memory" && cfg.Realtime.Transport != "redis" {
		return nil, fmt.Errorf("invalid REALTIME_TRANSPORT %q", cfg.Realtime.Transport)
	}
	if cfg.Realtime.StreamMaxLen < 0 {
		return nil, fmt.Errorf("invalid REALTIME_STREAM_MAXLEN %d", cfg.Realtime.StreamMaxLen)
	}

	return cfg, nil
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

// PendingTimeout returns how long a session may wait for an agent; zero disables the sweeper.
func (c ChatConfig) PendingTimeout() time.Duration {
	if c.PendingTimeoutMinutes <= 0 {
		return 0
	}
	return time.Duration(c.PendingTimeoutMinutes) * time.Minute
}

// SendRateWindow returns the send throttling window.
func (c ChatConfig) SendRateWindow() time.Duration {
	if c.SendRateWindowSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.SendRateWindowSeconds) * time.Second
}

// Heartbeat returns the keep-alive interval for session streams.
func (r RealtimeConfig) Heartbeat() time.Duration {
	if r.HeartbeatSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(r.HeartbeatSeconds) * time.Second
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}
