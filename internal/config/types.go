package config

import "time"

// Config represents the complete castellan configuration.
type Config struct {
	Service   ServiceConfig         `yaml:"service"`
	Server    ServerConfig          `yaml:"server"`
	Auth      AuthConfig            `yaml:"auth"`
	RateLimit RateLimitConfig       `yaml:"rate_limit"`
	Plugins   map[string]PluginConf `yaml:"plugins"`
	API       APIConfig             `yaml:"api,omitempty"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// ServerConfig defines the command socket settings.
type ServerConfig struct {
	Listen                string        `yaml:"listen"`
	TLS                   TLSConfig     `yaml:"tls"`
	MaxConnections        int           `yaml:"max_connections"`
	MaxFrameSize          int           `yaml:"max_frame_size"`
	SessionIdleTimeout    time.Duration `yaml:"session_idle_timeout"`
	MaxInFlightPerSession int           `yaml:"max_in_flight_per_session"`
	// RequestDeadlineCeiling caps the per-request deadline a client may ask
	// for. Requests asking for more are clamped, not rejected.
	RequestDeadlineCeiling time.Duration `yaml:"request_deadline_ceiling"`
}

// TLSConfig points at the server certificate pair.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AuthConfig defines session authentication settings.
type AuthConfig struct {
	// FailureDB is the SQLite database recording failed auth attempts.
	FailureDB string         `yaml:"failure_db"`
	Clients   []ClientConfig `yaml:"clients"`
}

// ClientConfig defines a single authorized client.
type ClientConfig struct {
	ClientID string `yaml:"client_id"`
	// TokenHash is the lowercase hex BLAKE3-256 of the client's token.
	// Raw tokens never appear in config.
	TokenHash string `yaml:"token_hash"`
}

// RateLimitConfig defines per-identity admission settings.
type RateLimitConfig struct {
	Capacity     int     `yaml:"capacity"`
	RefillPerSec float64 `yaml:"refill_per_sec"`
}

// PluginConf defines configuration for a single plugin.
type PluginConf struct {
	Enabled       bool                   `yaml:"enabled"`
	MaxConcurrent int                    `yaml:"max_concurrent,omitempty"`
	Config        map[string]interface{} `yaml:"config,omitempty"`
}

// APIConfig defines the admin HTTP API settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Token   string `yaml:"token"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "castellan",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Server: ServerConfig{
			Listen:                 "127.0.0.1:7600",
			MaxConnections:         32,
			MaxFrameSize:           1 << 20,
			SessionIdleTimeout:     5 * time.Minute,
			MaxInFlightPerSession:  8,
			RequestDeadlineCeiling: 2 * time.Minute,
		},
		Auth: AuthConfig{
			FailureDB: "./data/auth.db",
		},
		RateLimit: RateLimitConfig{
			Capacity:     5,
			RefillPerSec: 1,
		},
		Plugins: make(map[string]PluginConf),
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:7601",
		},
	}
}
