package api

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/soullink-io/soullink-tracker/internal/config"
)

const (
	// DefaultPort is the default HTTP server port.
	DefaultPort = 8080
	// MaxPort is the maximum valid port number.
	MaxPort = 65535
	// DefaultHost is the default server bind address.
	DefaultHost = "0.0.0.0"
	// DefaultTimeout is the default timeout for HTTP operations.
	DefaultTimeout = 30 * time.Second
	// DefaultCORSMaxAge is the default CORS max age (24 hours).
	DefaultCORSMaxAge = 86400

	// MaxSingleEventBytes is the request body size limit for a single-event
	// ingestion request.
	MaxSingleEventBytes = 16 * 1024
	// MaxBatchEventBytes is the request body size limit for a batch
	// ingestion request.
	MaxBatchEventBytes = 64 * 1024

	// DefaultCatchUpLimit and MaxCatchUpLimit bound the catch-up endpoint's
	// limit parameter.
	DefaultCatchUpLimit = 100
	MaxCatchUpLimit     = 1000
)

// ServerConfig holds HTTP server configuration, loaded from SOULLINK_-
// prefixed environment variables with sensible defaults.
type ServerConfig struct {
	Port               int
	Host               string
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	ShutdownTimeout    time.Duration
	LogLevel           slog.Level
	CORSAllowedOrigins []string
	CORSAllowedMethods []string
	CORSAllowedHeaders []string
	CORSMaxAge         int
}

// LoadServerConfig loads server configuration from the environment.
func LoadServerConfig() ServerConfig {
	return ServerConfig{
		Port:               config.GetEnvInt("SOULLINK_PORT", DefaultPort),
		Host:               config.GetEnvStr("SOULLINK_HOST", DefaultHost),
		ReadTimeout:        config.GetEnvDuration("SOULLINK_READ_TIMEOUT", DefaultTimeout),
		WriteTimeout:       config.GetEnvDuration("SOULLINK_WRITE_TIMEOUT", DefaultTimeout),
		ShutdownTimeout:    config.GetEnvDuration("SOULLINK_SHUTDOWN_TIMEOUT", DefaultTimeout),
		LogLevel:           config.GetEnvLogLevel("SOULLINK_LOG_LEVEL", slog.LevelInfo),
		CORSAllowedOrigins: config.ParseCommaSeparatedList(config.GetEnvStr("SOULLINK_CORS_ALLOWED_ORIGINS", "*")),
		CORSAllowedMethods: config.ParseCommaSeparatedList(
			config.GetEnvStr("SOULLINK_CORS_ALLOWED_METHODS", "GET,POST,OPTIONS"),
		),
		CORSAllowedHeaders: config.ParseCommaSeparatedList(
			config.GetEnvStr("SOULLINK_CORS_ALLOWED_HEADERS", "Content-Type,Authorization,X-Correlation-ID,X-Idempotency-Key"),
		),
		CORSMaxAge: config.GetEnvInt("SOULLINK_CORS_MAX_AGE", DefaultCORSMaxAge),
	}
}

// Address returns the server address in host:port form.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ToCORSConfig converts ServerConfig's CORS fields to middleware.CORSConfig.
func (c ServerConfig) ToCORSConfig() CORSConfig {
	return CORSConfig{
		AllowedOrigins: c.CORSAllowedOrigins,
		AllowedMethods: c.CORSAllowedMethods,
		AllowedHeaders: c.CORSAllowedHeaders,
		MaxAge:         c.CORSMaxAge,
	}
}

// CORSConfig holds CORS configuration options and satisfies
// middleware.CORSConfig.
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	MaxAge         int
}

func (c CORSConfig) GetAllowedOrigins() []string { return c.AllowedOrigins }
func (c CORSConfig) GetAllowedMethods() []string { return c.AllowedMethods }
func (c CORSConfig) GetAllowedHeaders() []string { return c.AllowedHeaders }
func (c CORSConfig) GetMaxAge() int              { return c.MaxAge }

// Validate checks that the configuration is usable.
func (c ServerConfig) Validate() error {
	if c.Port <= 0 || c.Port > MaxPort {
		return fmt.Errorf("api: invalid port %d, must be between 1 and %d", c.Port, MaxPort)
	}

	if c.Host == "" {
		return fmt.Errorf("api: host cannot be empty")
	}

	if c.ReadTimeout <= 0 || c.WriteTimeout <= 0 || c.ShutdownTimeout <= 0 {
		return fmt.Errorf("api: timeouts must be positive")
	}

	return nil
}
