package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	interpolateSecrets(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// DiscoverConfigPath finds the config file by checking standard locations.
// Priority order: $CASTELLAN_CONFIG, ~/.config/castellan/config.yaml,
// /etc/castellan/config.yaml, ./config.yaml.
func DiscoverConfigPath() (string, error) {
	if p := os.Getenv("CASTELLAN_CONFIG"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfig := filepath.Join(homeDir, ".config", "castellan", "config.yaml")
		if _, err := os.Stat(userConfig); err == nil {
			return userConfig, nil
		}
	}

	systemConfig := "/etc/castellan/config.yaml"
	if _, err := os.Stat(systemConfig); err == nil {
		return systemConfig, nil
	}

	localConfig := "./config.yaml"
	if _, err := os.Stat(localConfig); err == nil {
		return localConfig, nil
	}

	return "", fmt.Errorf("no config found (checked: $CASTELLAN_CONFIG, ~/.config/castellan, /etc/castellan, ./config.yaml)")
}

// interpolateSecrets expands ${VAR} references in secret-bearing fields.
// Undefined variables are left as-is so validation can name them.
func interpolateSecrets(cfg *Config) {
	cfg.API.Token = interpolateEnv(cfg.API.Token)
	for i := range cfg.Auth.Clients {
		cfg.Auth.Clients[i].TokenHash = interpolateEnv(cfg.Auth.Clients[i].TokenHash)
	}
}

func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	switch cfg.Service.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("service.log_level must be one of debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	switch cfg.Service.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if cfg.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if cfg.Server.MaxConnections <= 0 {
		return fmt.Errorf("server.max_connections must be positive")
	}
	if cfg.Server.MaxFrameSize <= 0 {
		return fmt.Errorf("server.max_frame_size must be positive")
	}
	if cfg.Server.SessionIdleTimeout <= 0 {
		return fmt.Errorf("server.session_idle_timeout must be positive")
	}
	if cfg.Server.MaxInFlightPerSession <= 0 {
		return fmt.Errorf("server.max_in_flight_per_session must be positive")
	}
	if cfg.Server.RequestDeadlineCeiling <= 0 {
		return fmt.Errorf("server.request_deadline_ceiling must be positive")
	}
	if (cfg.Server.TLS.CertFile == "") != (cfg.Server.TLS.KeyFile == "") {
		return fmt.Errorf("server.tls requires both cert_file and key_file")
	}

	if cfg.RateLimit.Capacity <= 0 {
		return fmt.Errorf("rate_limit.capacity must be positive")
	}
	if cfg.RateLimit.RefillPerSec <= 0 {
		return fmt.Errorf("rate_limit.refill_per_sec must be positive")
	}

	if cfg.Auth.FailureDB == "" {
		return fmt.Errorf("auth.failure_db is required")
	}
	if len(cfg.Auth.Clients) == 0 {
		return fmt.Errorf("auth.clients must list at least one client")
	}
	seen := make(map[string]bool, len(cfg.Auth.Clients))
	for i, c := range cfg.Auth.Clients {
		if c.ClientID == "" {
			return fmt.Errorf("auth.clients[%d].client_id is required", i)
		}
		if seen[c.ClientID] {
			return fmt.Errorf("auth.clients[%d]: duplicate client_id %q", i, c.ClientID)
		}
		seen[c.ClientID] = true
		if err := validateTokenHash(c.TokenHash); err != nil {
			return fmt.Errorf("auth.clients[%d].token_hash: %w", i, err)
		}
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when api.enabled is true")
		}
		if cfg.API.Token == "" {
			return fmt.Errorf("api.token is required when api.enabled is true")
		}
		if envVarPattern.MatchString(cfg.API.Token) {
			matches := envVarPattern.FindStringSubmatch(cfg.API.Token)
			return fmt.Errorf("api.token: environment variable ${%s} is not set", matches[1])
		}
	}

	for name, plugin := range cfg.Plugins {
		if plugin.MaxConcurrent < 0 {
			return fmt.Errorf("plugin %q: max_concurrent cannot be negative", name)
		}
	}

	return nil
}

func validateTokenHash(h string) error {
	if h == "" {
		return fmt.Errorf("required")
	}
	if envVarPattern.MatchString(h) {
		matches := envVarPattern.FindStringSubmatch(h)
		return fmt.Errorf("environment variable ${%s} is not set", matches[1])
	}
	if len(h) != 64 || strings.ToLower(h) != h {
		return fmt.Errorf("must be 64 lowercase hex characters (blake3-256)")
	}
	for _, r := range h {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return fmt.Errorf("must be 64 lowercase hex characters (blake3-256)")
		}
	}
	return nil
}
