package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// lookupFunc resolves an environment variable.
type lookupFunc func(key string) (string, bool)

// Load reads configuration from environment variables, applying defaults
// for unset values, and validates the result.
func Load() (*Config, error) {
	return load(os.LookupEnv)
}

// Defaults returns the configuration with every field at its default.
func Defaults() *Config {
	cfg := &Config{}
	if err := loadStruct(reflect.ValueOf(cfg).Elem(), func(string) (string, bool) { return "", false }); err != nil {
		panic(fmt.Sprintf("config defaults: %v", err))
	}
	return cfg
}

func load(lookup lookupFunc) (*Config, error) {
	cfg := &Config{}

	if err := loadStruct(reflect.ValueOf(cfg).Elem(), lookup); err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// loadStruct recursively populates struct fields from tagged variables.
func loadStruct(v reflect.Value, lookup lookupFunc) error {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)

		if !fieldVal.CanSet() {
			continue
		}

		if field.Type.Kind() == reflect.Struct {
			if err := loadStruct(fieldVal, lookup); err != nil {
				return err
			}
			continue
		}

		envName := field.Tag.Get("env")
		if envName == "" {
			continue
		}

		value, _ := lookup(envName)
		if alt := field.Tag.Get("envAlt"); value == "" && alt != "" {
			value, _ = lookup(alt)
		}
		if value == "" {
			if field.Tag.Get("required") == "true" {
				return fmt.Errorf("required environment variable %s is not set", envName)
			}
			value = field.Tag.Get("default")
		}
		if value == "" {
			continue
		}

		if err := setField(fieldVal, value); err != nil {
			return fmt.Errorf("invalid value for %s=%q: %w", envName, value, err)
		}
	}

	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// setField parses value into field according to its kind.
func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int32, reflect.Int64:
		if field.Type() == durationType {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration: %w", err)
			}
			field.SetInt(int64(d))
			return nil
		}
		i, err := strconv.ParseInt(value, 10, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("invalid integer: %w", err)
		}
		field.SetInt(i)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type: %s", field.Type().Elem().Kind())
		}
		var parts []string
		for _, p := range strings.Split(value, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		field.Set(reflect.ValueOf(parts))

	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}

	return nil
}

// Validate checks the configuration and reports every failure at once.
func (c *Config) Validate() error {
	var errs []string
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Sprintf(format, args...))
		}
	}

	check(c.Server.Port > 0 && c.Server.Port <= 65535, "SERVER_PORT (%d) must be 1-65535", c.Server.Port)
	check(c.Server.ReadTimeout >= 0, "SERVER_READ_TIMEOUT must be non-negative")
	check(c.Server.ShutdownTimeout > 0, "SERVER_SHUTDOWN_TIMEOUT must be positive")
	check(c.Server.RequestTimeout > 0, "SERVER_REQUEST_TIMEOUT must be positive")

	if c.Database.Enabled() {
		check(c.Database.MaxConns > 0, "DB_MAX_CONNS must be positive")
		check(c.Database.MinConns >= 0, "DB_MIN_CONNS must be non-negative")
		check(c.Database.MaxConns >= c.Database.MinConns,
			"DB_MAX_CONNS (%d) must be >= DB_MIN_CONNS (%d)", c.Database.MaxConns, c.Database.MinConns)
	}

	check(c.Session.MaxConcurrent > 0, "SESSION_MAX_CONCURRENT must be positive")
	check(c.Session.SendBuffer > 0, "SESSION_SEND_BUFFER must be positive")
	check(c.Session.PingInterval > 0, "SESSION_PING_INTERVAL must be positive")
	check(c.Session.WriteTimeout > 0, "SESSION_WRITE_TIMEOUT must be positive")
	check(c.Session.MaxMessageSize > 0, "SESSION_MAX_MESSAGE_SIZE must be positive")

	check(c.Import.MaxFileSize > 0, "IMPORT_MAX_FILE_SIZE must be positive")
	check(c.Import.MaxRows > 0, "IMPORT_MAX_ROWS must be positive")
	check(c.Import.MaxConcurrent > 0, "IMPORT_MAX_CONCURRENT must be positive")
	check(c.Import.MaxWaitTime > 0, "IMPORT_MAX_WAIT_TIME must be positive")
	check(c.Import.Timeout > 0, "IMPORT_TIMEOUT must be positive")

	check(c.Document.IdleTimeout >= 0, "DOC_IDLE_TIMEOUT must be non-negative")
	check(c.Document.IdleTimeout == 0 || c.Document.CheckInterval > 0,
		"DOC_EVICT_INTERVAL must be positive when DOC_IDLE_TIMEOUT is set")

	check(!c.Rate.Enabled || c.Rate.RequestsPerMinute > 0,
		"RATE_LIMIT_REQUESTS_PER_MINUTE must be positive when rate limiting is enabled")
	check(!c.Rate.Enabled || c.Rate.ImportLimit > 0,
		"RATE_LIMIT_IMPORT must be positive when rate limiting is enabled")

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	check(validLevels[strings.ToLower(c.Logging.Level)],
		"LOG_LEVEL (%q) must be one of: debug, info, warn, error", c.Logging.Level)
	validFormats := map[string]bool{"text": true, "json": true}
	check(validFormats[strings.ToLower(c.Logging.Format)],
		"LOG_FORMAT (%q) must be one of: text, json", c.Logging.Format)

	if len(errs) > 0 {
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// String returns a representation safe for logging; connection URLs are
// masked.
func (c *Config) String() string {
	mask := func(s string) string {
		if s == "" {
			return "<unset>"
		}
		return "[MASKED]"
	}
	return fmt.Sprintf(
		"Config{Server: {Addr: %q}, Database: {URL: %s, MaxConns: %d}, Redis: {URL: %s}, "+
			"Session: {MaxConcurrent: %d}, Import: {MaxFileSize: %d, MaxRows: %d}, "+
			"Document: {IdleTimeout: %s}, Logging: {Level: %q, Format: %q}}",
		c.Server.Addr(), mask(c.Database.URL), c.Database.MaxConns, mask(c.Redis.URL),
		c.Session.MaxConcurrent, c.Import.MaxFileSize, c.Import.MaxRows,
		c.Document.IdleTimeout, c.Logging.Level, c.Logging.Format,
	)
}
