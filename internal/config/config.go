// Package config loads service settings from the environment, optionally
// layered over a YAML file named by DFT_CONFIG_FILE.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr      string `yaml:"addr"`
	DBPath    string `yaml:"db_path"`
	UploadDir string `yaml:"upload_dir"`

	JWTSecret     string        `yaml:"jwt_secret"`
	TokenTTL      time.Duration `yaml:"token_ttl"`
	SecureCookies bool          `yaml:"secure_cookies"`

	RunDispatcher           bool          `yaml:"run_dispatcher"`
	PollInterval            time.Duration `yaml:"poll_interval"`
	ErrorBackoff            time.Duration `yaml:"error_backoff"`
	MaxRetries              int           `yaml:"max_retries"`
	ComputeCommand          string        `yaml:"compute_command"`
	ComputeTimeout          time.Duration `yaml:"compute_timeout"`
	ComputeTimeoutRetryable bool          `yaml:"compute_timeout_retryable"`
	ValidatorCommand        string        `yaml:"validator_command"`

	MaxPendingPerUser  int   `yaml:"max_pending_per_user"`
	MaxUploadBytes     int64 `yaml:"max_upload_bytes"`
	RateLimitPerMinute int   `yaml:"rate_limit_per_minute"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	AMQPURL      string `yaml:"amqp_url"`
	AMQPExchange string `yaml:"amqp_exchange"`

	MinIOEndpoint  string `yaml:"minio_endpoint"`
	MinIOAccessKey string `yaml:"minio_access_key"`
	MinIOSecretKey string `yaml:"minio_secret_key"`
	MinIOBucket    string `yaml:"minio_bucket"`
	MinIOUseSSL    bool   `yaml:"minio_use_ssl"`

	TraceExporter string `yaml:"trace_exporter"`
	TraceEndpoint string `yaml:"trace_endpoint"`
	TraceInsecure bool   `yaml:"trace_insecure"`
}

// Defaults returns the settings used when nothing is configured
func Defaults() Config {
	return Config{
		Addr:                    ":8080",
		DBPath:                  "./jobs.db",
		UploadDir:               "./uploads",
		JWTSecret:               "dev-secret-change-me",
		TokenTTL:                24 * time.Hour,
		RunDispatcher:           true,
		PollInterval:            5 * time.Second,
		ErrorBackoff:            5 * time.Second,
		MaxRetries:              2,
		ComputeCommand:          "run_opt",
		ComputeTimeoutRetryable: true,
		ValidatorCommand:        "obabel",
		MaxPendingPerUser:       5,
		MaxUploadBytes:          10 << 20,
		RateLimitPerMinute:      10,
		AMQPExchange:            "dft.jobs",
		MinIOBucket:             "dft-results",
		TraceExporter:           "none",
	}
}

// Load builds the configuration: defaults, then the YAML file if
// DFT_CONFIG_FILE is set, then environment variables.
func Load() (Config, error) {
	cfg := Defaults()
	if path := os.Getenv("DFT_CONFIG_FILE"); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot run with
func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.DBPath) == "":
		return fmt.Errorf("db path is required")
	case strings.TrimSpace(c.UploadDir) == "":
		return fmt.Errorf("upload dir is required")
	case c.JWTSecret == "":
		return fmt.Errorf("jwt secret is required")
	case c.MaxRetries < 0:
		return fmt.Errorf("max retries must not be negative")
	case c.PollInterval <= 0:
		return fmt.Errorf("poll interval must be positive")
	case c.ErrorBackoff <= 0:
		return fmt.Errorf("error backoff must be positive")
	case c.ComputeTimeout < 0:
		return fmt.Errorf("compute timeout must not be negative")
	}
	return nil
}

func applyEnv(c *Config) {
	c.Addr = getenv("DFT_ADDR", c.Addr)
	c.DBPath = getenv("DFT_DB_PATH", c.DBPath)
	c.UploadDir = getenv("DFT_UPLOAD_DIR", c.UploadDir)

	c.JWTSecret = getenv("JWT_SECRET", c.JWTSecret)
	c.TokenTTL = getenvDuration("TOKEN_TTL", c.TokenTTL)
	c.SecureCookies = getenvBool("SECURE_COOKIES", c.SecureCookies)

	c.RunDispatcher = getenvBool("RUN_DISPATCHER", c.RunDispatcher)
	c.PollInterval = getenvDuration("POLL_INTERVAL", c.PollInterval)
	c.ErrorBackoff = getenvDuration("ERROR_BACKOFF", c.ErrorBackoff)
	c.MaxRetries = getenvInt("MAX_RETRIES", c.MaxRetries)
	c.ComputeCommand = getenv("COMPUTE_COMMAND", c.ComputeCommand)
	c.ComputeTimeout = getenvDuration("COMPUTE_TIMEOUT", c.ComputeTimeout)
	c.ComputeTimeoutRetryable = getenvBool("COMPUTE_TIMEOUT_RETRYABLE", c.ComputeTimeoutRetryable)
	c.ValidatorCommand = getenv("VALIDATOR_COMMAND", c.ValidatorCommand)

	c.MaxPendingPerUser = getenvInt("MAX_PENDING_PER_USER", c.MaxPendingPerUser)
	c.MaxUploadBytes = int64(getenvInt("MAX_UPLOAD_BYTES", int(c.MaxUploadBytes)))
	c.RateLimitPerMinute = getenvInt("RATE_LIMIT_PER_MINUTE", c.RateLimitPerMinute)

	c.RedisAddr = getenv("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = getenv("REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = getenvInt("REDIS_DB", c.RedisDB)

	c.AMQPURL = getenv("AMQP_URL", c.AMQPURL)
	c.AMQPExchange = getenv("AMQP_EXCHANGE", c.AMQPExchange)

	c.MinIOEndpoint = getenv("MINIO_ENDPOINT", c.MinIOEndpoint)
	c.MinIOAccessKey = getenv("MINIO_ACCESS_KEY", c.MinIOAccessKey)
	c.MinIOSecretKey = getenv("MINIO_SECRET_KEY", c.MinIOSecretKey)
	c.MinIOBucket = getenv("MINIO_BUCKET", c.MinIOBucket)
	c.MinIOUseSSL = getenvBool("MINIO_USE_SSL", c.MinIOUseSSL)

	c.TraceExporter = getenv("OTEL_TRACES_EXPORTER", c.TraceExporter)
	c.TraceEndpoint = getenv("OTEL_EXPORTER_OTLP_ENDPOINT", c.TraceEndpoint)
	c.TraceInsecure = getenvBool("OTEL_EXPORTER_OTLP_INSECURE", c.TraceInsecure)
}

func getenv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	switch v {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return fallback
	}
}

// getenvDuration accepts Go durations ("90s") or a bare number of seconds
func getenvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
