package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full runtime configuration of the gateway process.
type Config struct {
	HTTP      *HTTPConfig
	Auth      *AuthConfig
	WebSocket *WebSocketConfig
	Audit     *AuditConfig
}

// HTTPConfig covers the shared listener for the socket endpoint and the
// liveness paths.
type HTTPConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// AuthConfig covers the token verifier and the admission gate.
type AuthConfig struct {
	// BackendURL is the base URL of the LMS backend serving /me.
	BackendURL string
	// RequestTimeout caps each verification HTTP call.
	RequestTimeout time.Duration
	// AdmissionTimeout is the outer ceiling on the whole admission race;
	// a verification resolving later is discarded.
	AdmissionTimeout time.Duration
}

// WebSocketConfig covers the socket transport.
type WebSocketConfig struct {
	// AllowedOrigin is the browser origin permitted to upgrade. Empty
	// allows any origin.
	AllowedOrigin string
	PingInterval  time.Duration
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	BufferSize    int
}

// AuditConfig covers the optional presence event log. An empty path
// disables recording entirely.
type AuditConfig struct {
	Path string
}

// DefaultConfig returns the defaults for a single-institution deployment:
// 30s transport ping with a 60s read window, 10s admission ceiling, and the
// local LMS backend.
func DefaultConfig() *Config {
	return &Config{
		HTTP: &HTTPConfig{
			Host:         "0.0.0.0",
			Port:         3000,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Auth: &AuthConfig{
			BackendURL:       "http://localhost:8000",
			RequestTimeout:   10 * time.Second,
			AdmissionTimeout: 10 * time.Second,
		},
		WebSocket: &WebSocketConfig{
			AllowedOrigin: "",
			PingInterval:  30 * time.Second,
			ReadTimeout:   60 * time.Second,
			WriteTimeout:  10 * time.Second,
			BufferSize:    100,
		},
		Audit: &AuditConfig{
			Path: "",
		},
	}
}

// Validate rejects configurations that would fail at runtime. Startup is the
// only place configuration errors are fatal.
func (c *Config) Validate() error {
	if c.HTTP == nil {
		return fmt.Errorf("HTTP configuration is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 {
		return fmt.Errorf("HTTP read timeout must be positive")
	}
	if c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP write timeout must be positive")
	}

	if c.Auth == nil {
		return fmt.Errorf("auth configuration is required")
	}
	if c.Auth.BackendURL == "" {
		return fmt.Errorf("auth backend URL cannot be empty")
	}
	if c.Auth.RequestTimeout <= 0 {
		return fmt.Errorf("auth request timeout must be positive")
	}
	if c.Auth.AdmissionTimeout <= 0 {
		return fmt.Errorf("admission timeout must be positive")
	}

	if c.WebSocket == nil {
		return fmt.Errorf("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= 0 {
		return fmt.Errorf("WebSocket read timeout must be positive")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("WebSocket buffer size must be positive")
	}

	if c.Audit == nil {
		return fmt.Errorf("audit configuration is required")
	}

	return nil
}

// LoadFromEnv builds a configuration from the environment on top of the
// defaults. A .env file in the working directory is honored when present;
// real environment variables take precedence over it.
func LoadFromEnv() *Config {
	_ = godotenv.Load()

	config := DefaultConfig()

	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.HTTP.Port = p
		}
	}

	if host := os.Getenv("HOST"); host != "" {
		config.HTTP.Host = host
	}

	if backendURL := os.Getenv("AUTH_BACKEND_URL"); backendURL != "" {
		config.Auth.BackendURL = backendURL
	}

	if frontendURL := os.Getenv("FRONTEND_URL"); frontendURL != "" {
		config.WebSocket.AllowedOrigin = frontendURL
	}

	if auditPath := os.Getenv("PRESENCE_AUDIT_DB"); auditPath != "" {
		config.Audit.Path = auditPath
	}

	if timeout := os.Getenv("PRESENCE_AUTH_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			config.Auth.RequestTimeout = d
		}
	}

	if timeout := os.Getenv("PRESENCE_ADMISSION_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			config.Auth.AdmissionTimeout = d
		}
	}

	if interval := os.Getenv("PRESENCE_PING_INTERVAL"); interval != "" {
		if d, err := time.ParseDuration(interval); err == nil {
			config.WebSocket.PingInterval = d
		}
	}

	if timeout := os.Getenv("PRESENCE_READ_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			config.WebSocket.ReadTimeout = d
		}
	}

	if timeout := os.Getenv("PRESENCE_WRITE_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			config.WebSocket.WriteTimeout = d
		}
	}

	if size := os.Getenv("PRESENCE_BUFFER_SIZE"); size != "" {
		if n, err := strconv.Atoi(size); err == nil {
			config.WebSocket.BufferSize = n
		}
	}

	if timeout := os.Getenv("PRESENCE_HTTP_READ_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			config.HTTP.ReadTimeout = d
		}
	}

	if timeout := os.Getenv("PRESENCE_HTTP_WRITE_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			config.HTTP.WriteTimeout = d
		}
	}

	return config
}
