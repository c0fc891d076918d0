// Package config loads haskbot configuration.
//
// Configuration is layered:
//  1. Built-in defaults
//  2. YAML config file (explicit path, HASKBOT_CONFIG env, ./config.yaml)
//  3. Environment variable overrides
//  4. Validation
package config

import "time"

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Discord DiscordConfig `yaml:"discord"`
	Sandbox SandboxConfig `yaml:"sandbox"`
	Queue   QueueConfig   `yaml:"queue"`
	Limiter LimiterConfig `yaml:"limiter"`
	Reports ReportsConfig `yaml:"reports"`
	Log     LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Port         string        `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	// TrustedProxies lists the addresses or CIDR ranges whose
	// X-Forwarded-For header is believed.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

type DiscordConfig struct {
	Token           string `yaml:"token"`
	MaxMessageBytes int    `yaml:"max_message_bytes"`
}

// SandboxConfig describes how untrusted programs are built and run.
type SandboxConfig struct {
	Backend            string        `yaml:"backend"` // "process" or "docker"
	Compiler           string        `yaml:"compiler"`
	DockerImage        string        `yaml:"docker_image"`
	WorkspaceRoot      string        `yaml:"workspace_root"`
	MemoryPollInterval time.Duration `yaml:"memory_poll_interval"`
	Process            ProcessConfig `yaml:"process"`
	Compile            LimitsConfig  `yaml:"compile"`
	Run                LimitsConfig  `yaml:"run"`
}

// ProcessConfig tunes the host process backend. The backend runs untrusted
// code on the host, so it must be enabled explicitly with AllowUnsafe.
type ProcessConfig struct {
	AllowUnsafe bool `yaml:"allow_unsafe"`
	// Isolate runs each child in fresh user, PID, mount, network, IPC and
	// UTS namespaces (Linux only).
	Isolate bool `yaml:"isolate"`
	// UID and GID, when non-zero, are the host identity the child runs as.
	// Switching identity requires the service to run as root.
	UID uint32 `yaml:"uid"`
	GID uint32 `yaml:"gid"`
}

type LimitsConfig struct {
	MaxWallTime    time.Duration `yaml:"max_wall_time"`
	MaxCPUTime     time.Duration `yaml:"max_cpu_time"`
	MaxMemoryBytes int64         `yaml:"max_memory_bytes"`
	MaxOutputBytes int64         `yaml:"max_output_bytes"`
}

type QueueConfig struct {
	MaxConcurrent    int           `yaml:"max_concurrent"`
	AdmissionTimeout time.Duration `yaml:"admission_timeout"`
}

type LimiterConfig struct {
	GlobalRPS         float64 `yaml:"global_rps"`
	PerRequesterRPS   float64 `yaml:"per_requester_rps"`
	PerRequesterBurst int     `yaml:"per_requester_burst"`
}

type ReportsConfig struct {
	PostgresDSN  string   `yaml:"postgres_dsn"`
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
}

// Defaults returns a Config populated with built-in defaults.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Enabled:      true,
			Port:         "8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 90 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Discord: DiscordConfig{
			MaxMessageBytes: 2000,
		},
		Sandbox: SandboxConfig{
			Backend:            "docker",
			Compiler:           "ghc",
			DockerImage:        "haskell:9.6-slim",
			MemoryPollInterval: 50 * time.Millisecond,
			Process: ProcessConfig{
				Isolate: true,
			},
			Compile: LimitsConfig{
				MaxWallTime:    30 * time.Second,
				MaxCPUTime:     30 * time.Second,
				MaxMemoryBytes: 1 << 30,
				MaxOutputBytes: 64 << 10,
			},
			Run: LimitsConfig{
				MaxWallTime:    5 * time.Second,
				MaxCPUTime:     5 * time.Second,
				MaxMemoryBytes: 256 << 20,
				MaxOutputBytes: 64 << 10,
			},
		},
		Queue: QueueConfig{
			MaxConcurrent:    2,
			AdmissionTimeout: 30 * time.Second,
		},
		Limiter: LimiterConfig{
			GlobalRPS:         10,
			PerRequesterRPS:   0.2,
			PerRequesterBurst: 3,
		},
		Reports: ReportsConfig{
			KafkaTopic: "haskbot.executions",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}
