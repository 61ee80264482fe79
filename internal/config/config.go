package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port     string
	DBPath   string
	LogLevel string
	LogFile  string

	JWTSecret string
	JobToken  string

	OTPBackend string
	RedisAddr  string
	NatsURL    string

	Notifier         string
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFrom       string
	PostmarkToken    string
	FromEmail        string

	ClaimTTL time.Duration

	S3Endpoint            string
	S3Bucket              string
	S3Region              string
	S3AccessKey           string
	S3SecretKey           string
	SnapshotPassphrase    string
	SnapshotRetentionDays int
}

// Load reads configuration from the environment, after merging any .env
// file in the working directory. It validates only what every command
// needs; Validate checks what serving additionally requires.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:     getEnv("BREWPOINTS_PORT", "8080"),
		DBPath:   getEnv("BREWPOINTS_DB_PATH", "brewpoints.db"),
		LogLevel: getEnv("BREWPOINTS_LOG_LEVEL", "info"),
		LogFile:  os.Getenv("BREWPOINTS_LOG_FILE"),

		JWTSecret: os.Getenv("BREWPOINTS_JWT_SECRET"),
		JobToken:  os.Getenv("BREWPOINTS_JOB_TOKEN"),

		OTPBackend: strings.ToLower(getEnv("BREWPOINTS_OTP_BACKEND", "sqlite")),
		RedisAddr:  os.Getenv("BREWPOINTS_REDIS_ADDR"),
		NatsURL:    os.Getenv("BREWPOINTS_NATS_URL"),

		Notifier:         strings.ToLower(getEnv("BREWPOINTS_NOTIFIER", "log")),
		TwilioAccountSID: os.Getenv("BREWPOINTS_TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("BREWPOINTS_TWILIO_AUTH_TOKEN"),
		TwilioFrom:       os.Getenv("BREWPOINTS_TWILIO_FROM"),
		PostmarkToken:    os.Getenv("BREWPOINTS_POSTMARK_TOKEN"),
		FromEmail:        os.Getenv("BREWPOINTS_FROM_EMAIL"),

		S3Endpoint:            os.Getenv("BREWPOINTS_S3_ENDPOINT"),
		S3Bucket:              os.Getenv("BREWPOINTS_S3_BUCKET"),
		S3Region:              getEnv("BREWPOINTS_S3_REGION", "us-east-1"),
		S3AccessKey:           os.Getenv("BREWPOINTS_S3_ACCESS_KEY"),
		S3SecretKey:           os.Getenv("BREWPOINTS_S3_SECRET_KEY"),
		SnapshotPassphrase:    os.Getenv("BREWPOINTS_SNAPSHOT_PASSPHRASE"),
		SnapshotRetentionDays: getEnvInt("BREWPOINTS_SNAPSHOT_RETENTION_DAYS", 30),
	}

	ttl, err := getEnvDuration("BREWPOINTS_CLAIM_TTL", 720*time.Hour)
	if err != nil {
		return nil, err
	}
	cfg.ClaimTTL = ttl

	switch cfg.OTPBackend {
	case "sqlite":
	case "redis":
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("missing required env for redis otp backend: BREWPOINTS_REDIS_ADDR")
		}
	default:
		return nil, fmt.Errorf("invalid otp backend %q, must be 'sqlite' or 'redis'", cfg.OTPBackend)
	}

	switch cfg.Notifier {
	case "log":
	case "sms":
		if cfg.TwilioAccountSID == "" || cfg.TwilioAuthToken == "" || cfg.TwilioFrom == "" {
			return nil, fmt.Errorf("missing required env for sms notifier: BREWPOINTS_TWILIO_ACCOUNT_SID/AUTH_TOKEN/FROM")
		}
	case "email":
		if cfg.PostmarkToken == "" || cfg.FromEmail == "" {
			return nil, fmt.Errorf("missing required env for email notifier: BREWPOINTS_POSTMARK_TOKEN/FROM_EMAIL")
		}
	default:
		return nil, fmt.Errorf("invalid notifier %q, must be 'log', 'sms' or 'email'", cfg.Notifier)
	}

	if cfg.SnapshotRetentionDays < 1 {
		return nil, fmt.Errorf("BREWPOINTS_SNAPSHOT_RETENTION_DAYS must be at least 1")
	}

	return cfg, nil
}

// ValidateServe checks the settings only the HTTP server needs.
func (c *Config) ValidateServe() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("missing required env: BREWPOINTS_JWT_SECRET")
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("BREWPOINTS_JWT_SECRET must be at least 32 bytes")
	}
	return nil
}

// SnapshotEnabled reports whether encrypted S3 snapshots are configured.
func (c *Config) SnapshotEnabled() bool {
	return c.S3Bucket != "" && c.S3AccessKey != "" && c.S3SecretKey != "" && c.SnapshotPassphrase != ""
}

func (c *Config) Addr() string {
	return ":" + c.Port
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var intVal int
	if _, err := fmt.Sscanf(val, "%d", &intVal); err != nil {
		return defaultVal
	}
	return intVal
}

func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, val, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return d, nil
}
