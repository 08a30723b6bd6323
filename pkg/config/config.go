package config

import (
	"fmt"
	"time"

	"stablecall-backend/pkg/constants"
	"stablecall-backend/pkg/env"
)

// Signaling backends
const (
	SignalingBackendRedis  = "redis"
	SignalingBackendMemory = "memory"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	Log      LogConfig
	Call     CallConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int
	Environment    string // development, staging, production
	ServiceName    string
	AllowedOrigins []string

	// Per-user limit on call control requests
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// DatabaseConfig holds CockroachDB configuration. Call history is disabled when Host is empty.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret            string
	AccessTokenExpiry time.Duration
	Issuer            string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string // debug, info, warn, error
	Format   string // json, text
	Output   string // stdout, file
	FilePath string
}

// CallConfig holds call session and signaling configuration
type CallConfig struct {
	SignalingBackend string // redis, memory
	RingTimeout      time.Duration
	TeardownTimeout  time.Duration
	ResyncInterval   time.Duration
	RecordTTL        time.Duration
	ICEServers       []string
	AllowAudio       bool
	AllowVideo       bool
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	e := env.NewReader()
	cfg := &Config{
		Server: ServerConfig{
			Port:           e.Int("PORT", 8085),
			Environment:    e.String("ENV", "development"),
			ServiceName:    e.String("SERVICE_NAME", "call-service"),
			AllowedOrigins: e.List("CORS_ALLOWED_ORIGINS", ""),

			RateLimitRequests: e.Int("RATE_LIMIT_REQUESTS", 30),
			RateLimitWindow:   e.Duration("RATE_LIMIT_WINDOW", time.Minute),
		},
		Database: DatabaseConfig{
			Host:     e.String("DB_HOST", ""),
			Port:     e.Int("DB_PORT", 26257),
			User:     e.String("DB_USER", "root"),
			Password: e.Secret("DB_PASSWORD", ""),
			Database: e.String("DB_NAME", "stablecall"),
			SSLMode:  e.String("DB_SSL_MODE", "disable"),
			MaxConns: e.Int("DB_MAX_CONNS", 10),
			MinConns: e.Int("DB_MIN_CONNS", 2),
		},
		Redis: RedisConfig{
			Host:     e.String("REDIS_HOST", "localhost"),
			Port:     e.Int("REDIS_PORT", 6379),
			Password: e.Secret("REDIS_PASSWORD", ""),
			DB:       e.Int("REDIS_DB", 0),
			PoolSize: e.Int("REDIS_POOL_SIZE", 10),
			Timeout:  e.Duration("REDIS_TIMEOUT", 5*time.Second),
		},
		JWT: JWTConfig{
			Secret:            e.Secret("JWT_SECRET", ""),
			AccessTokenExpiry: e.Duration("JWT_ACCESS_EXPIRY", 15*time.Minute),
			Issuer:            e.String("JWT_ISSUER", "stablecall-auth"),
		},
		Log: LogConfig{
			Level:    e.String("LOG_LEVEL", "info"),
			Format:   e.String("LOG_FORMAT", "json"),
			Output:   e.String("LOG_OUTPUT", "stdout"),
			FilePath: e.String("LOG_FILE_PATH", "/logs/call-service.log"),
		},
		Call: CallConfig{
			SignalingBackend: e.String("SIGNALING_BACKEND", SignalingBackendRedis),
			RingTimeout:      e.Duration("CALL_RING_TIMEOUT", constants.RingTimeout),
			TeardownTimeout:  e.Duration("CALL_TEARDOWN_TIMEOUT", constants.TeardownTimeout),
			ResyncInterval:   e.Duration("SIGNALING_RESYNC_INTERVAL", constants.SignalingResyncInterval),
			RecordTTL:        e.Duration("CALL_RECORD_TTL", constants.CallRecordTTL),
			ICEServers:       e.List("ICE_SERVERS", "stun:stun.l.google.com:19302"),
			AllowAudio:       e.Bool("MEDIA_ALLOW_AUDIO", true),
			AllowVideo:       e.Bool("MEDIA_ALLOW_VIDEO", true),
		},
	}

	if err := e.Err(); err != nil {
		return nil, err
	}

	// Validate critical configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate JWT secret in production
	if c.Server.Environment == "production" {
		if c.JWT.Secret == "" {
			return fmt.Errorf("JWT_SECRET must be set in production")
		}
		if len(c.JWT.Secret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
		}
	}

	if c.Server.RateLimitRequests <= 0 || c.Server.RateLimitWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be positive")
	}

	switch c.Call.SignalingBackend {
	case SignalingBackendRedis, SignalingBackendMemory:
	default:
		return fmt.Errorf("SIGNALING_BACKEND must be %q or %q, got %q",
			SignalingBackendRedis, SignalingBackendMemory, c.Call.SignalingBackend)
	}
	if c.Call.RingTimeout <= 0 {
		return fmt.Errorf("CALL_RING_TIMEOUT must be positive")
	}
	if c.Call.TeardownTimeout <= 0 {
		return fmt.Errorf("CALL_TEARDOWN_TIMEOUT must be positive")
	}
	if c.Call.ResyncInterval <= 0 {
		return fmt.Errorf("SIGNALING_RESYNC_INTERVAL must be positive")
	}
	if c.Call.RecordTTL < c.Call.RingTimeout {
		return fmt.Errorf("CALL_RECORD_TTL must not be shorter than CALL_RING_TIMEOUT")
	}

	// Warn about weak secrets even in development
	if c.JWT.Secret == "" {
		fmt.Println("⚠️  WARNING: JWT_SECRET is empty. This is INSECURE for production!")
	}

	return nil
}

// HistoryEnabled reports whether a database is configured for call history
func (c *Config) HistoryEnabled() bool {
	return c.Database.Host != ""
}
