package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load builds the configuration from defaults, an optional YAML file and
// the environment, then validates it.
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	if path := discoverConfigFile(configPath); path != "" {
		if err := loadYAMLFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

func discoverConfigFile(configPath string) string {
	if configPath != "" {
		return configPath
	}
	if envPath := os.Getenv("HASKBOT_CONFIG"); envPath != "" {
		return envPath
	}
	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml"
	}
	return ""
}

// loadYAMLFile parses path into cfg. Fields missing from the file keep their
// current values.
func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func applyEnvOverrides(cfg *Config) error {
	var errs []error

	if v := os.Getenv("DISCORD_TOKEN"); v != "" {
		cfg.Discord.Token = v
	}
	if v := os.Getenv("HASKBOT_PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("HASKBOT_SANDBOX_BACKEND"); v != "" {
		cfg.Sandbox.Backend = v
	}
	if v := os.Getenv("HASKBOT_SANDBOX_ALLOW_UNSAFE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("HASKBOT_SANDBOX_ALLOW_UNSAFE: %w", err))
		} else {
			cfg.Sandbox.Process.AllowUnsafe = b
		}
	}
	if v := os.Getenv("HASKBOT_TRUSTED_PROXIES"); v != "" {
		cfg.Server.TrustedProxies = parseList(v)
	}
	if v := os.Getenv("HASKBOT_COMPILER"); v != "" {
		cfg.Sandbox.Compiler = v
	}
	if v := os.Getenv("HASKBOT_MAX_CONCURRENT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("HASKBOT_MAX_CONCURRENT: %w", err))
		} else {
			cfg.Queue.MaxConcurrent = n
		}
	}
	if v := os.Getenv("HASKBOT_ADMISSION_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("HASKBOT_ADMISSION_TIMEOUT: %w", err))
		} else {
			cfg.Queue.AdmissionTimeout = d
		}
	}
	if v := os.Getenv("HASKBOT_RUN_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("HASKBOT_RUN_TIMEOUT: %w", err))
		} else {
			cfg.Sandbox.Run.MaxWallTime = d
		}
	}
	if v := os.Getenv("HASKBOT_POSTGRES_DSN"); v != "" {
		cfg.Reports.PostgresDSN = v
	}
	if v := os.Getenv("HASKBOT_KAFKA_BROKERS"); v != "" {
		cfg.Reports.KafkaBrokers = parseList(v)
	}
	if v := os.Getenv("HASKBOT_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}

	return errors.Join(errs...)
}

func parseList(raw string) []string {
	fields := strings.Split(raw, ",")
	out := make([]string, 0, len(fields))
	for _, field := range fields {
		if trimmed := strings.TrimSpace(field); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
