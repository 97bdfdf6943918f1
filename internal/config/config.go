package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the service.
type Config struct {
	App        AppConfig
	Postgres   PostgresConfig
	Redis      RedisConfig
	Logger     LoggerConfig
	Automation AutomationConfig
	Mail       MailConfig
	Graph      GraphConfig
	Inbound    InboundConfig
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

// PostgresConfig holds DB connection values.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	RunMigrations  bool
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
}

// AutomationConfig controls the batch entry point and the sweeps it runs.
type AutomationConfig struct {
	Secret          string
	SecretBcrypt    string
	DefaultLimit    int
	MaxLimit        int
	AutoCloseDays   int
	IntervalSeconds int
}

// MailConfig configures outbound customer email.
type MailConfig struct {
	From         string
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string

	// SMTPTimeoutSeconds bounds one relay conversation, dial included.
	SMTPTimeoutSeconds int
	SurveyURL          string
}

// GraphConfig holds mail provider API credentials for fetching inbound
// messages.
type GraphConfig struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	Mailbox      string
	BaseURL      string
}

// InboundConfig configures the inbound email webhook and its work queue.
type InboundConfig struct {
	ClientState    string
	Queue          string
	QueueKey       string
	LockTTLSeconds int
}

const (
	InboundQueueLocal = "local"
	InboundQueueRedis = "redis"
)

// ErrAutomationSecretMissing is reported when neither a plain nor a hashed
// automation secret is configured.
var ErrAutomationSecretMissing = errors.New("automation secret is not configured")

// Load reads configuration from environment variables, applying defaults where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	cfg := &Config{
		App: AppConfig{
			Name:                  getEnv("APP_NAME", "ticket-automation"),
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
			ConnMaxIdleSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_IDLE_SECONDS", 30)),
			ConnMaxLifeSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_LIFE_SECONDS", 300)),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       redisDB,
		},
		Logger: LoggerConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Automation: AutomationConfig{
			Secret:          os.Getenv("AUTOMATION_SECRET"),
			SecretBcrypt:    os.Getenv("AUTOMATION_SECRET_BCRYPT"),
			DefaultLimit:    getEnvAsInt("AUTOMATION_DEFAULT_LIMIT", 200),
			MaxLimit:        getEnvAsInt("AUTOMATION_MAX_LIMIT", 500),
			AutoCloseDays:   getEnvAsInt("AUTOMATION_AUTO_CLOSE_DAYS", 5),
			IntervalSeconds: getEnvAsInt("AUTOMATION_INTERVAL_SECONDS", 0),
		},
		Mail: MailConfig{
			From:               os.Getenv("MAIL_FROM"),
			SMTPHost:           os.Getenv("SMTP_HOST"),
			SMTPPort:           getEnvAsInt("SMTP_PORT", 587),
			SMTPUsername:       os.Getenv("SMTP_USERNAME"),
			SMTPPassword:       os.Getenv("SMTP_PASSWORD"),
			SMTPTimeoutSeconds: getEnvAsInt("SMTP_TIMEOUT_SECONDS", 30),
			SurveyURL:          os.Getenv("MAIL_SURVEY_URL"),
		},
		Graph: GraphConfig{
			TenantID:     os.Getenv("GRAPH_TENANT_ID"),
			ClientID:     os.Getenv("GRAPH_CLIENT_ID"),
			ClientSecret: os.Getenv("GRAPH_CLIENT_SECRET"),
			Mailbox:      os.Getenv("GRAPH_MAILBOX"),
			BaseURL:      getEnv("GRAPH_BASE_URL", "https://graph.microsoft.com/v1.0"),
		},
		Inbound: InboundConfig{
			ClientState:    os.Getenv("INBOUND_CLIENT_STATE"),
			Queue:          strings.ToLower(getEnv("INBOUND_QUEUE", InboundQueueLocal)),
			QueueKey:       getEnv("INBOUND_QUEUE_KEY", "ticket-automation:inbound"),
			LockTTLSeconds: getEnvAsInt("INBOUND_LOCK_TTL_SECONDS", 120),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would make the process misbehave at startup.
// A missing automation secret is not a startup error; the batch endpoint
// refuses to run instead.
func (c *Config) Validate() error {
	switch c.Inbound.Queue {
	case InboundQueueLocal, InboundQueueRedis:
	default:
		return fmt.Errorf("invalid INBOUND_QUEUE %q", c.Inbound.Queue)
	}
	if c.Automation.DefaultLimit <= 0 || c.Automation.MaxLimit <= 0 {
		return errors.New("AUTOMATION_DEFAULT_LIMIT and AUTOMATION_MAX_LIMIT must be positive")
	}
	if c.Automation.DefaultLimit > c.Automation.MaxLimit {
		return fmt.Errorf("AUTOMATION_DEFAULT_LIMIT %d exceeds AUTOMATION_MAX_LIMIT %d",
			c.Automation.DefaultLimit, c.Automation.MaxLimit)
	}
	if c.Automation.AutoCloseDays <= 0 {
		return fmt.Errorf("invalid AUTOMATION_AUTO_CLOSE_DAYS %d", c.Automation.AutoCloseDays)
	}
	return nil
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

// Validate reports whether the batch entry point can authenticate callers.
func (a AutomationConfig) Validate() error {
	if strings.TrimSpace(a.Secret) == "" && strings.TrimSpace(a.SecretBcrypt) == "" {
		return ErrAutomationSecretMissing
	}
	return nil
}

// AutoCloseWindow returns the inactivity window used by both auto-close sweeps.
func (a AutomationConfig) AutoCloseWindow() time.Duration {
	return time.Duration(a.AutoCloseDays) * 24 * time.Hour
}

// Interval returns the in-process schedule, or 0 when runs are only
// triggered externally.
func (a AutomationConfig) Interval() time.Duration {
	if a.IntervalSeconds <= 0 {
		return 0
	}
	return time.Duration(a.IntervalSeconds) * time.Second
}

// Enabled reports whether outbound mail can be sent.
func (m MailConfig) Enabled() bool {
	return m.From != "" && m.SMTPHost != ""
}

// SMTPAddr returns host:port of the relay.
func (m MailConfig) SMTPAddr() string {
	return fmt.Sprintf("%s:%d", m.SMTPHost, m.SMTPPort)
}

// SMTPTimeout returns the relay deadline, falling back to 30 seconds.
func (m MailConfig) SMTPTimeout() time.Duration {
	if m.SMTPTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(m.SMTPTimeoutSeconds) * time.Second
}

// Enabled reports whether message details can be fetched.
func (g GraphConfig) Enabled() bool {
	return g.TenantID != "" && g.ClientID != "" && g.ClientSecret != "" && g.Mailbox != ""
}

// TokenURL returns the OAuth2 token endpoint of the tenant.
func (g GraphConfig) TokenURL() string {
	return fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", g.TenantID)
}

// LockTTL returns how long an in-flight message lock is held.
func (i InboundConfig) LockTTL() time.Duration {
	if i.LockTTLSeconds <= 0 {
		return 0
	}
	return time.Duration(i.LockTTLSeconds) * time.Second
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
