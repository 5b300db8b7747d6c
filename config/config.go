// Package config loads service settings from the environment, an optional
// .env file and an optional config file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds every setting of the service.
type Config struct {
	API     APIConfig     `mapstructure:",squash"`
	Auth    AuthConfig    `mapstructure:",squash"`
	Sync    SyncConfig    `mapstructure:",squash"`
	Storage StorageConfig `mapstructure:",squash"`
	Alerts  AlertsConfig  `mapstructure:",squash"`

	NATSURL  string `mapstructure:"nats_url"`
	Port     string `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`
}

// APIConfig identifies the app to the marketplace API.
type APIConfig struct {
	BaseURL       string        `mapstructure:"api_base_url"`
	AppKey        string        `mapstructure:"api_app_key"`
	Language      string        `mapstructure:"api_language"`
	Timeout       time.Duration `mapstructure:"api_timeout"`
	RetryAttempts uint          `mapstructure:"api_retry_attempts"`
}

// AuthConfig is an optional session to start with.
type AuthConfig struct {
	Token  string `mapstructure:"auth_token"`
	UserID string `mapstructure:"auth_user_id"`
}

// SyncConfig tunes the thread sync engine and the field cache.
type SyncConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	PerPage         int           `mapstructure:"threads_per_page"`
	Concurrency     int           `mapstructure:"sync_concurrency"`
	ReconcileUnread bool          `mapstructure:"reconcile_unread"`
	DefaultImage    string        `mapstructure:"default_image"`
	DefaultAvatar   string        `mapstructure:"default_avatar"`
	FieldsCacheTTL  time.Duration `mapstructure:"fields_cache_ttl"`
}

// StorageConfig selects the cache backend. The first configured of Redis,
// MinIO, GCS and the local directory wins.
type StorageConfig struct {
	LocalPath      string `mapstructure:"local_storage"`
	Bucket         string `mapstructure:"storage_bucket"`
	RedisAddress   string `mapstructure:"redis_address"`
	RedisPassword  string `mapstructure:"redis_password"`
	RedisDB        int    `mapstructure:"redis_db"`
	MinIOEndpoint  string `mapstructure:"minio_endpoint"`
	MinIOAccessKey string `mapstructure:"minio_access_key"`
	MinIOSecretKey string `mapstructure:"minio_secret_key"`
	MinIOBucket    string `mapstructure:"minio_bucket"`
	MinIOUseSSL    bool   `mapstructure:"minio_use_ssl"`
}

// Backend names returned by StorageConfig.Backend.
const (
	BackendRedis = "redis"
	BackendMinIO = "minio"
	BackendGCS   = "gcs"
	BackendLocal = "local"
)

// Backend returns the backend the settings select.
func (s StorageConfig) Backend() string {
	switch {
	case s.RedisAddress != "":
		return BackendRedis
	case s.MinIOEndpoint != "":
		return BackendMinIO
	case s.Bucket != "":
		return BackendGCS
	default:
		return BackendLocal
	}
}

// AlertsConfig configures unread-message emails.
type AlertsConfig struct {
	Email           string `mapstructure:"alert_email"`
	BrevoAPIKey     string `mapstructure:"brevo_api_key"`
	CredentialsJSON string `mapstructure:"google_credentials_json"`
	MailFrom        string `mapstructure:"mail_from"`
	AppURL          string `mapstructure:"app_url"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api_base_url", "")
	v.SetDefault("api_app_key", "")
	v.SetDefault("api_language", "en")
	v.SetDefault("api_timeout", "30s")
	v.SetDefault("api_retry_attempts", 1)

	v.SetDefault("auth_token", "")
	v.SetDefault("auth_user_id", "")

	v.SetDefault("poll_interval", "6s")
	v.SetDefault("threads_per_page", 50)
	v.SetDefault("sync_concurrency", 8)
	v.SetDefault("reconcile_unread", true)
	v.SetDefault("default_image", "")
	v.SetDefault("default_avatar", "")
	v.SetDefault("fields_cache_ttl", "48h")

	v.SetDefault("local_storage", "./data")
	v.SetDefault("storage_bucket", "")
	v.SetDefault("redis_address", "")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("minio_endpoint", "")
	v.SetDefault("minio_access_key", "")
	v.SetDefault("minio_secret_key", "")
	v.SetDefault("minio_bucket", "classifieds-cache")
	v.SetDefault("minio_use_ssl", false)

	v.SetDefault("nats_url", "")
	v.SetDefault("alert_email", "")
	v.SetDefault("brevo_api_key", "")
	v.SetDefault("google_credentials_json", "")
	v.SetDefault("mail_from", "")
	v.SetDefault("app_url", "")

	v.SetDefault("port", "8080")
	v.SetDefault("log_level", "info")
}

// Load reads .env (if present), then path (if not empty), then the
// environment, which wins over both.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// Validate reports missing or out-of-range settings.
func (c *Config) Validate() error {
	var problems []string
	if c.API.BaseURL == "" {
		problems = append(problems, "API_BASE_URL is required")
	} else if !strings.HasPrefix(c.API.BaseURL, "http://") && !strings.HasPrefix(c.API.BaseURL, "https://") {
		problems = append(problems, "API_BASE_URL must be an http(s) URL")
	}
	if c.API.RetryAttempts == 0 {
		problems = append(problems, "API_RETRY_ATTEMPTS must be at least 1")
	}
	if c.Sync.PollInterval <= 0 {
		problems = append(problems, "POLL_INTERVAL must be positive")
	}
	if c.Sync.PerPage <= 0 {
		problems = append(problems, "THREADS_PER_PAGE must be positive")
	}
	if c.Sync.Concurrency <= 0 {
		problems = append(problems, "SYNC_CONCURRENCY must be positive")
	}
	if c.Storage.Backend() == BackendMinIO && (c.Storage.MinIOAccessKey == "" || c.Storage.MinIOSecretKey == "") {
		problems = append(problems, "MINIO_ACCESS_KEY and MINIO_SECRET_KEY are required with MINIO_ENDPOINT")
	}
	if c.Alerts.BrevoAPIKey != "" && c.Alerts.MailFrom == "" {
		problems = append(problems, "MAIL_FROM is required with BREVO_API_KEY")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// ParseLevel maps LOG_LEVEL to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL %q is not one of debug, info, warn, error", s)
	}
	return level, nil
}
