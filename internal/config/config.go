// Package config loads fieldsync settings from a .env file, an optional
// YAML file and the environment, in that order of increasing precedence.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	apperrors "github.com/fieldcrm/fieldsync/internal/errors"
	"github.com/fieldcrm/fieldsync/internal/logging"
	"github.com/fieldcrm/fieldsync/internal/sync/backoff"
	"github.com/fieldcrm/fieldsync/internal/sync/worker"
)

// Config is the full fieldsync configuration. Default holds the built-in
// values; Load layers the file and environment on top.
type Config struct {
	DBPath  string        `yaml:"db_path" validate:"required"`
	Device  DeviceConfig  `yaml:"device"`
	Backend BackendConfig `yaml:"backend"`
	Sync    SyncConfig    `yaml:"sync"`
	Status  StatusConfig  `yaml:"status"`
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
}

// DeviceConfig identifies who captures on this device.
type DeviceConfig struct {
	UserID   string `yaml:"user_id"`
	DeviceID string `yaml:"device_id"`
}

// BackendConfig locates the system of record.
type BackendConfig struct {
	URL   string `yaml:"url" validate:"omitempty,url"`
	Token string `yaml:"token"`
}

// SyncConfig tunes the sync worker and the retry policy.
type SyncConfig struct {
	BatchSize       int           `yaml:"batch_size" validate:"min=1,max=500"`
	Interval        time.Duration `yaml:"interval" validate:"gte=0"`
	RequestTimeout  time.Duration `yaml:"request_timeout" validate:"gt=0"`
	BackoffBase     time.Duration `yaml:"backoff_base" validate:"gt=0"`
	BackoffMax      time.Duration `yaml:"backoff_max" validate:"gtefield=BackoffBase"`
	MaxAttempts     int           `yaml:"max_attempts" validate:"min=1"`
	Jitter          float64       `yaml:"jitter" validate:"gte=0,lte=1"`
	SyncedRetention time.Duration `yaml:"synced_retention" validate:"gte=0"`
	LeaseTTL        time.Duration `yaml:"lease_ttl" validate:"gt=0"`
}

// StatusConfig is the local status API the host UI talks to.
type StatusConfig struct {
	ListenAddr     string   `yaml:"listen_addr" validate:"required"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// ServerConfig is used by the reference backend only.
type ServerConfig struct {
	ListenAddr     string        `yaml:"listen_addr" validate:"required"`
	JWTSecret      string        `yaml:"jwt_secret"`
	TokenTTL       time.Duration `yaml:"token_ttl" validate:"gt=0"`
	CouchDBURL     string        `yaml:"couchdb_url" validate:"omitempty,url"`
	CouchDBName    string        `yaml:"couchdb_name" validate:"required"`
	AllowedOrigins string        `yaml:"allowed_origins"`
}

// LogConfig selects the log level and optional rotating log file.
type LogConfig struct {
	Level      string `yaml:"level" validate:"oneof=debug info warn error"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `yaml:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `yaml:"max_age_days" validate:"gte=0"`
}

// Default returns the built-in settings.
func Default() *Config {
	w := worker.DefaultConfig()
	b := backoff.DefaultConfig()
	return &Config{
		DBPath: "fieldsync.db",
		Sync: SyncConfig{
			BatchSize:       w.BatchSize,
			Interval:        w.Interval,
			RequestTimeout:  w.RequestTimeout,
			BackoffBase:     b.BaseDelay,
			BackoffMax:      b.MaxDelay,
			MaxAttempts:     b.MaxAttempts,
			Jitter:          b.JitterFraction,
			SyncedRetention: w.SyncedRetention,
			LeaseTTL:        w.LeaseTTL,
		},
		Status: StatusConfig{ListenAddr: "127.0.0.1:7420"},
		Server: ServerConfig{
			ListenAddr:     ":8080",
			TokenTTL:       15 * time.Minute,
			CouchDBName:    "fieldsync",
			AllowedOrigins: "*",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads .env, then the YAML file at path (skipped when empty), then
// FIELDSYNC_* and LOG_* environment variables, and validates the result.
func Load(path string) (*Config, error) {
	// A missing .env is normal.
	_ = godotenv.Load()

	cfg := Default()
	if path == "" {
		path = os.Getenv("FIELDSYNC_CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	if cfg.Log.Level == "warning" {
		cfg.Log.Level = "warn"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrConfig, "read config file", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return apperrors.Wrap(apperrors.ErrConfig, fmt.Sprintf("parse %s", path), err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.DBPath = getEnv("FIELDSYNC_DB_PATH", c.DBPath)
	c.Device.UserID = getEnv("FIELDSYNC_USER_ID", c.Device.UserID)
	c.Device.DeviceID = getEnv("FIELDSYNC_DEVICE_ID", c.Device.DeviceID)
	c.Backend.URL = getEnv("FIELDSYNC_BACKEND_URL", c.Backend.URL)
	c.Backend.Token = getEnv("FIELDSYNC_BACKEND_TOKEN", c.Backend.Token)
	c.Status.ListenAddr = getEnv("FIELDSYNC_STATUS_ADDR", c.Status.ListenAddr)
	if v := os.Getenv("FIELDSYNC_STATUS_ORIGINS"); v != "" {
		c.Status.AllowedOrigins = splitList(v)
	}
	c.Server.ListenAddr = getEnv("FIELDSYNC_LISTEN_ADDR", c.Server.ListenAddr)
	c.Server.JWTSecret = getEnv("FIELDSYNC_JWT_SECRET", c.Server.JWTSecret)
	c.Server.CouchDBURL = getEnv("FIELDSYNC_COUCHDB_URL", c.Server.CouchDBURL)
	c.Server.CouchDBName = getEnv("FIELDSYNC_COUCHDB_NAME", c.Server.CouchDBName)
	c.Server.AllowedOrigins = getEnv("FIELDSYNC_CORS_ORIGINS", c.Server.AllowedOrigins)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.File = getEnv("LOG_FILE", c.Log.File)

	var err error
	if c.Sync.BatchSize, err = getEnvAsInt("FIELDSYNC_BATCH_SIZE", c.Sync.BatchSize); err != nil {
		return err
	}
	if c.Sync.MaxAttempts, err = getEnvAsInt("FIELDSYNC_MAX_ATTEMPTS", c.Sync.MaxAttempts); err != nil {
		return err
	}
	if c.Sync.Jitter, err = getEnvAsFloat("FIELDSYNC_BACKOFF_JITTER", c.Sync.Jitter); err != nil {
		return err
	}
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"FIELDSYNC_SYNC_INTERVAL", &c.Sync.Interval},
		{"FIELDSYNC_REQUEST_TIMEOUT", &c.Sync.RequestTimeout},
		{"FIELDSYNC_BACKOFF_BASE", &c.Sync.BackoffBase},
		{"FIELDSYNC_BACKOFF_MAX", &c.Sync.BackoffMax},
		{"FIELDSYNC_SYNCED_RETENTION", &c.Sync.SyncedRetention},
		{"FIELDSYNC_LEASE_TTL", &c.Sync.LeaseTTL},
		{"FIELDSYNC_TOKEN_TTL", &c.Server.TokenTTL},
	}
	for _, d := range durations {
		if *d.dst, err = getEnvAsDuration(d.key, *d.dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return apperrors.Wrap(apperrors.ErrConfig, "invalid configuration", err)
	}
	return nil
}

// Worker returns the sync worker settings.
func (c *Config) Worker() worker.Config {
	return worker.Config{
		BatchSize:       c.Sync.BatchSize,
		Interval:        c.Sync.Interval,
		RequestTimeout:  c.Sync.RequestTimeout,
		SyncedRetention: c.Sync.SyncedRetention,
		LeaseTTL:        c.Sync.LeaseTTL,
	}
}

// Backoff returns the retry policy.
func (c *Config) Backoff() backoff.Config {
	return backoff.Config{
		BaseDelay:      c.Sync.BackoffBase,
		MaxDelay:       c.Sync.BackoffMax,
		MaxAttempts:    c.Sync.MaxAttempts,
		JitterFraction: c.Sync.Jitter,
	}
}

// LogLevel returns the configured level.
func (c *Config) LogLevel() logging.LogLevel {
	return logging.ParseLevel(c.Log.Level)
}

// LogFile returns the rotating file settings; Path is empty for stderr.
func (c *Config) LogFile() logging.FileOptions {
	return logging.FileOptions{
		Path:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrConfig, "invalid "+key, err)
	}
	return n, nil
}

func getEnvAsFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrConfig, "invalid "+key, err)
	}
	return f, nil
}

func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrConfig, "invalid "+key, err)
	}
	return d, nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
