// Package config provides centralized configuration for the sync server.
// Settings come from environment variables with defaults and are validated
// on startup so misconfiguration fails fast.
package config

import (
	"net"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Session  SessionConfig
	Import   ImportConfig
	Document DocumentConfig
	Rate     RateLimitConfig
	Logging  LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`
	Port int    `env:"SERVER_PORT" default:"8080"`

	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"15s"`

	// WriteTimeout must stay 0 while websocket sessions are served.
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"0s"`

	IdleTimeout     time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout bounds plain HTTP requests; websocket routes are exempt.
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"60s"`

	// TrustedProxies lists CIDRs whose X-Forwarded-For headers are honored.
	TrustedProxies []string `env:"TRUSTED_PROXIES"`
}

// DatabaseConfig holds PostgreSQL settings. An empty URL keeps documents in
// memory.
type DatabaseConfig struct {
	URL             string        `env:"DATABASE_URL" envAlt:"DB_URL"`
	MaxConns        int           `env:"DB_MAX_CONNS" default:"20"`
	MinConns        int           `env:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`
}

// Enabled reports whether a database is configured.
func (c DatabaseConfig) Enabled() bool { return c.URL != "" }

// RedisConfig holds the cross-process broadcast settings. An empty URL
// broadcasts in-process only.
type RedisConfig struct {
	URL string `env:"REDIS_URL"`
}

// Enabled reports whether Redis is configured.
func (c RedisConfig) Enabled() bool { return c.URL != "" }

// SessionConfig holds websocket session settings.
type SessionConfig struct {
	// MaxConcurrent caps open sessions across all documents.
	MaxConcurrent int `env:"SESSION_MAX_CONCURRENT" default:"256"`

	// SendBuffer is the number of broadcasts queued per session before the
	// session is forced to resync.
	SendBuffer int `env:"SESSION_SEND_BUFFER" default:"64"`

	PingInterval time.Duration `env:"SESSION_PING_INTERVAL" default:"30s"`
	WriteTimeout time.Duration `env:"SESSION_WRITE_TIMEOUT" default:"10s"`

	// MaxMessageSize is the largest inbound websocket frame in bytes.
	MaxMessageSize int64 `env:"SESSION_MAX_MESSAGE_SIZE" default:"1048576"`
}

// ImportConfig holds CSV import settings.
type ImportConfig struct {
	MaxFileSize   int64         `env:"IMPORT_MAX_FILE_SIZE" default:"10485760"`
	MaxRows       int           `env:"IMPORT_MAX_ROWS" default:"50000"`
	MaxConcurrent int           `env:"IMPORT_MAX_CONCURRENT" default:"2"`
	MaxWaitTime   time.Duration `env:"IMPORT_MAX_WAIT_TIME" default:"30s"`
	Timeout       time.Duration `env:"IMPORT_TIMEOUT" default:"2m"`

	// ColumnWidth is the width given to columns created from a CSV header.
	ColumnWidth int `env:"IMPORT_COLUMN_WIDTH" default:"120"`
}

// DocumentConfig holds loaded-document lifecycle settings.
type DocumentConfig struct {
	// IdleTimeout unloads documents that have had no sessions and no
	// submissions for this long. Zero disables eviction.
	IdleTimeout time.Duration `env:"DOC_IDLE_TIMEOUT" default:"15m"`

	CheckInterval time.Duration `env:"DOC_EVICT_INTERVAL" default:"1m"`
}

// RateLimitConfig holds per-IP request limits.
type RateLimitConfig struct {
	Enabled           bool `env:"RATE_LIMIT_ENABLED" default:"true"`
	RequestsPerMinute int  `env:"RATE_LIMIT_REQUESTS_PER_MINUTE" default:"600"`
	ImportLimit       int  `env:"RATE_LIMIT_IMPORT" default:"10"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `env:"LOG_LEVEL" default:"info"`
	Format string `env:"LOG_FORMAT" default:"text"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
