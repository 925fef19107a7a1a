package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, interpolates, defaults, verifies and validates a config file.
// A directory argument is resolved to the config.yaml inside it.
func Load(configPath string) (*Config, error) {
	absPath, err := ResolvePath(configPath)
	if err != nil {
		return nil, err
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}
	cfg = applyConfigDefaults(cfg)

	if err := verifyConfigHash(absPath); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ResolvePath returns the absolute config file path for a file or directory.
func ResolvePath(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

// loadConfigFile parses a single file without applying defaults.
func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &cfg, nil
}

// verifyConfigHash checks the file against .checksums when a manifest exists.
func verifyConfigHash(path string) error {
	dir := filepath.Dir(path)
	checksums, err := LoadChecksums(dir)
	if err != nil {
		// No manifest: verification is opt-in via `conduit config lock`.
		return nil
	}

	basename := filepath.Base(path)
	expectedHash, ok := checksums.Hashes[basename]
	if !ok {
		return fmt.Errorf("config file %s has no hash in checksums at %s\n"+
			"Run: conduit config lock --config %s", basename, dir, path)
	}
	if err := VerifyFileHash(path, expectedHash); err != nil {
		return fmt.Errorf("config verification failed for %s: %w\n"+
			"If you edited this file intentionally, run: conduit config lock --config %s", path, err, path)
	}
	return nil
}

// applyConfigDefaults merges default values into config where not explicitly set.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}

	if cfg.Client.Transport == "" {
		cfg.Client.Transport = defaults.Client.Transport
	}
	if cfg.Client.Concurrency == 0 {
		cfg.Client.Concurrency = defaults.Client.Concurrency
	}
	if cfg.Client.StatusSampleTime == 0 {
		cfg.Client.StatusSampleTime = defaults.Client.StatusSampleTime
	}
	if cfg.Client.ResponseSampleTime == 0 {
		cfg.Client.ResponseSampleTime = defaults.Client.ResponseSampleTime
	}
	if cfg.Client.PauseDebounce == 0 {
		cfg.Client.PauseDebounce = defaults.Client.PauseDebounce
	}

	if cfg.Server.ProjectPath == "" {
		cfg.Server.ProjectPath = defaults.Server.ProjectPath
	}
	if cfg.Server.URL == "" {
		cfg.Server.URL = defaults.Server.URL
	}
	if cfg.Server.ReadyEvent == "" {
		cfg.Server.ReadyEvent = defaults.Server.ReadyEvent
	}
	if cfg.Server.ConnectTimeout == 0 {
		cfg.Server.ConnectTimeout = defaults.Server.ConnectTimeout
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
	if cfg.API.RequestTimeout == 0 {
		cfg.API.RequestTimeout = defaults.API.RequestTimeout
	}

	if cfg.Journal.Retention == 0 {
		cfg.Journal.Retention = defaults.Journal.Retention
	}
	return cfg
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
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
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	switch cfg.Client.Transport {
	case TransportStdio:
		if cfg.Server.Path == "" {
			return fmt.Errorf("server.path is required for the stdio transport")
		}
	case TransportHTTP:
		if cfg.Server.URL == "" {
			return fmt.Errorf("server.url is required for the http transport")
		}
	default:
		return fmt.Errorf("client.transport must be stdio or http (got %q)", cfg.Client.Transport)
	}

	if cfg.Client.Concurrency < 1 {
		return fmt.Errorf("client.concurrency must be at least 1")
	}
	if cfg.Client.StatusSampleTime <= 0 {
		return fmt.Errorf("client.status_sample_time must be positive")
	}
	if cfg.Client.PauseDebounce < 0 {
		return fmt.Errorf("client.pause_debounce must not be negative")
	}

	if cfg.API.Enabled && envVarPattern.MatchString(cfg.API.APIKey) {
		matches := envVarPattern.FindStringSubmatch(cfg.API.APIKey)
		return fmt.Errorf("api.api_key: environment variable ${%s} is not set", matches[1])
	}

	for key, value := range cfg.Server.Env {
		if envVarPattern.MatchString(value) {
			matches := envVarPattern.FindStringSubmatch(value)
			return fmt.Errorf("server.env.%s: environment variable ${%s} is not set", key, matches[1])
		}
	}
	return nil
}
