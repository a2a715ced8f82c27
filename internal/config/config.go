package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/harplog/harp/wire"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var ErrConfigInvalid = errors.New("invalid configuration")

type Config struct {
	// Listener
	Host string
	Port int

	// Pipeline
	ProcessInterval  time.Duration
	MaxPacketSize    int
	QueueCapacity    int
	MaxBatchAttempts int
	ShutdownTimeout  time.Duration

	// Database
	PostgresDSN    string
	Database       DatabaseConfig
	MaxConnections int

	// Events
	RedisURL      string
	EventsChannel string

	// Ops
	HTTPPort string // "0" disables the HTTP server
	LogLevel string
}

// DatabaseConfig is used to build a DSN when POSTGRES_DSN is not set.
type DatabaseConfig struct {
	Name string
	User string
	Pass string
	Host string
	Port int
}

// Load reads the configuration from the environment. Variables from envFile
// (or .env when empty) are loaded first without overriding the environment.
func Load(envFile string) *Config {
	if envFile != "" {
		_ = godotenv.Load(envFile)
	} else {
		_ = godotenv.Load()
	}

	return &Config{
		Host: getEnv("HARP_HOST", "127.0.0.1"),
		Port: getEnvInt("HARP_PORT", 7777),

		ProcessInterval:  time.Duration(getEnvInt("HARP_PROCESS_INTERVAL_SECONDS", 1)) * time.Second,
		MaxPacketSize:    getEnvInt("HARP_MAX_PACKET_SIZE", wire.DefaultMaxFrameSize),
		QueueCapacity:    getEnvInt("HARP_QUEUE_CAPACITY", 65536),
		MaxBatchAttempts: getEnvInt("HARP_MAX_BATCH_ATTEMPTS", 5),
		ShutdownTimeout:  time.Duration(getEnvInt("HARP_SHUTDOWN_TIMEOUT_SECONDS", 10)) * time.Second,

		PostgresDSN: getEnv("POSTGRES_DSN", ""),
		Database: DatabaseConfig{
			Name: getEnv("DB_NAME", "harp"),
			User: getEnv("DB_USER", "harp"),
			Pass: getEnv("DB_PASS", "harp"),
			Host: getEnv("DB_HOST", "localhost"),
			Port: getEnvInt("DB_PORT", 5432),
		},
		MaxConnections: getEnvInt("HARP_MAX_CONNECTIONS", 5),

		RedisURL:      getEnv("REDIS_URL", ""),
		EventsChannel: getEnv("HARP_EVENTS_CHANNEL", "events:harp"),

		HTTPPort: getEnv("HARP_HTTP_PORT", "7778"),
		LogLevel: getEnv("HARP_LOG_LEVEL", "info"),
	}
}

// Validate reports out-of-bound values. Any error is fatal at startup.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrConfigInvalid}, args...)...))
		}
	}

	check(c.Host != "", "HARP_HOST must not be empty")
	check(c.Port >= 1 && c.Port <= 65535, "HARP_PORT must be in range 1..65535, got %d", c.Port)
	check(c.ProcessInterval >= time.Second, "HARP_PROCESS_INTERVAL_SECONDS must be >= 1, got %s", c.ProcessInterval)
	check(c.MaxPacketSize >= wire.MinFrameSize, "HARP_MAX_PACKET_SIZE must be >= %d, got %d", wire.MinFrameSize, c.MaxPacketSize)
	check(c.QueueCapacity >= 1, "HARP_QUEUE_CAPACITY must be >= 1, got %d", c.QueueCapacity)
	check(c.MaxBatchAttempts >= 1, "HARP_MAX_BATCH_ATTEMPTS must be >= 1, got %d", c.MaxBatchAttempts)
	check(c.MaxConnections >= 1, "HARP_MAX_CONNECTIONS must be >= 1, got %d", c.MaxConnections)
	check(c.ShutdownTimeout > 0, "HARP_SHUTDOWN_TIMEOUT_SECONDS must be > 0")
	if c.PostgresDSN == "" {
		check(c.Database.Name != "", "DB_NAME must not be empty")
		check(c.Database.Host != "", "DB_HOST must not be empty")
		check(c.Database.Port >= 1 && c.Database.Port <= 65535, "DB_PORT must be in range 1..65535, got %d", c.Database.Port)
	}
	p, err := strconv.Atoi(c.HTTPPort)
	check(err == nil && p >= 0 && p <= 65535, "HARP_HTTP_PORT must be a port number or 0, got %q", c.HTTPPort)
	_, err = zapcore.ParseLevel(c.LogLevel)
	check(err == nil, "HARP_LOG_LEVEL %q is not a log level", c.LogLevel)

	return errors.Join(errs...)
}

// Warn logs settings that are legal but probably unintended.
func (c *Config) Warn(log *zap.Logger) {
	if c.PostgresDSN == "" && c.Database.Pass == "harp" {
		log.Warn("DB_PASS is default, change in production")
	}
	if c.RedisURL == "" {
		log.Info("REDIS_URL is not set, batch events are disabled")
	}
	if c.MaxPacketSize > 1<<20 {
		log.Warn("HARP_MAX_PACKET_SIZE is above 1MiB", zap.Int("max_packet_size", c.MaxPacketSize))
	}
}

// HTTPEnabled reports whether the health and metrics server should run.
// HARP_HTTP_PORT=0 turns it off.
func (c *Config) HTTPEnabled() bool {
	return c.HTTPPort != "0"
}

// ListenAddr is the address the acceptor binds to.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// DatabaseURL returns POSTGRES_DSN, or a DSN assembled from the DB_* parts.
func (c *Config) DatabaseURL() string {
	if c.PostgresDSN != "" {
		return c.PostgresDSN
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.Database.User, c.Database.Pass),
		Host:   net.JoinHostPort(c.Database.Host, strconv.Itoa(c.Database.Port)),
		Path:   "/" + c.Database.Name,
	}
	return u.String()
}

// Level returns the configured log level, defaulting to info.
func (c *Config) Level() zapcore.Level {
	lvl, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return fallback
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return v
}
