package config

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Initialize loads, validates, and returns ready-to-use configuration.
//
// Steps performed:
//  1. Read nexus.yaml from configDir (missing file means defaults only)
//  2. Expand environment variables
//  3. Parse YAML into the Config struct
//  4. Merge built-in defaults underneath user values
//  5. Validate
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg := &Config{configDir: configDir}

	path := filepath.Join(configDir, "nexus.yaml")
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		log.Info("No nexus.yaml found, using built-in defaults", "path", path)
	case err != nil:
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(expandEnv(data), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	if err := applyDefaults(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"role_defaults", stats.RoleDefaults,
		"ws_origins", stats.WSOrigins)

	return cfg, nil
}

// expandEnv substitutes {{.VAR}} references in the raw YAML with the
// process environment. The template form keeps literal $ valid inside
// passwords and regex values. Unknown variables become empty strings, and
// content that does not parse as a template is returned untouched.
func expandEnv(data []byte) []byte {
	tmpl, err := template.New("nexus.yaml").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	env := map[string]string{}
	for _, kv := range os.Environ() {
		if name, value, ok := strings.Cut(kv, "="); ok && name != "" {
			env[name] = value
		}
	}

	var out bytes.Buffer
	if err := tmpl.Execute(&out, env); err != nil {
		return data
	}
	return out.Bytes()
}

// applyDefaults merges built-in defaults underneath any user-supplied values.
func applyDefaults(cfg *Config) error {
	if cfg.System == nil {
		cfg.System = &SystemConfig{}
	}
	if cfg.Queue == nil {
		cfg.Queue = &QueueConfig{}
	}
	if cfg.Jobs == nil {
		cfg.Jobs = &JobsConfig{}
	}
	if cfg.Timeouts == nil {
		cfg.Timeouts = &TimeoutConfig{}
	}
	if cfg.Retry == nil {
		cfg.Retry = &RetryConfig{}
	}
	if cfg.Stream == nil {
		cfg.Stream = &StreamConfig{}
	}
	if cfg.Selector == nil {
		cfg.Selector = &SelectorConfig{}
	}
	if cfg.Gateway == nil {
		cfg.Gateway = &GatewayConfig{}
	}
	if cfg.Orchestra == nil {
		cfg.Orchestra = &OrchestraConfig{}
	}

	merges := []struct {
		name string
		dst  any
		src  any
	}{
		{"system", cfg.System, DefaultSystemConfig()},
		{"queue", cfg.Queue, DefaultQueueConfig()},
		{"jobs", cfg.Jobs, DefaultJobsConfig()},
		{"timeouts", cfg.Timeouts, DefaultTimeoutConfig()},
		{"retry", cfg.Retry, DefaultRetryConfig()},
		{"stream", cfg.Stream, DefaultStreamConfig()},
		{"selector", cfg.Selector, DefaultSelectorConfig()},
		{"gateway", cfg.Gateway, DefaultGatewayConfig()},
		{"orchestrator", cfg.Orchestra, DefaultOrchestraConfig()},
	}
	for _, m := range merges {
		if err := mergo.Merge(m.dst, m.src); err != nil {
			return fmt.Errorf("merging %s defaults: %w", m.name, err)
		}
	}
	return nil
}
