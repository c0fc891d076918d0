package config

import (
	"errors"
	"fmt"
	"net/netip"
)

// Validate checks required fields and value ranges. All problems are
// reported at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Sandbox.Backend {
	case "process", "docker":
	default:
		errs = append(errs, fmt.Errorf("sandbox.backend must be \"process\" or \"docker\", got %q", c.Sandbox.Backend))
	}

	if c.Sandbox.Compiler == "" {
		errs = append(errs, fmt.Errorf("sandbox.compiler is required"))
	}
	if c.Sandbox.Backend == "docker" && c.Sandbox.DockerImage == "" {
		errs = append(errs, fmt.Errorf("sandbox.docker_image is required when sandbox.backend is \"docker\""))
	}

	if c.Sandbox.Backend == "process" && !c.Sandbox.Process.AllowUnsafe {
		errs = append(errs, fmt.Errorf("sandbox.backend \"process\" runs untrusted code on the host; set sandbox.process.allow_unsafe to enable it"))
	}
	if (c.Sandbox.Process.UID == 0) != (c.Sandbox.Process.GID == 0) {
		errs = append(errs, fmt.Errorf("sandbox.process.uid and sandbox.process.gid must be set together"))
	}

	errs = append(errs, c.Sandbox.Compile.validate("sandbox.compile")...)
	errs = append(errs, c.Sandbox.Run.validate("sandbox.run")...)

	if c.Queue.MaxConcurrent <= 0 {
		errs = append(errs, fmt.Errorf("queue.max_concurrent must be > 0, got %d", c.Queue.MaxConcurrent))
	}
	if c.Queue.AdmissionTimeout <= 0 {
		errs = append(errs, fmt.Errorf("queue.admission_timeout must be > 0, got %s", c.Queue.AdmissionTimeout))
	}

	if c.Limiter.PerRequesterRPS < 0 || c.Limiter.GlobalRPS < 0 {
		errs = append(errs, fmt.Errorf("limiter rates must not be negative"))
	}

	if c.Discord.MaxMessageBytes < 100 {
		errs = append(errs, fmt.Errorf("discord.max_message_bytes must be >= 100, got %d", c.Discord.MaxMessageBytes))
	}

	for _, proxy := range c.Server.TrustedProxies {
		if _, err := ParseTrustedProxy(proxy); err != nil {
			errs = append(errs, fmt.Errorf("server.trusted_proxies: %w", err))
		}
	}

	if !c.Server.Enabled && c.Discord.Token == "" {
		errs = append(errs, fmt.Errorf("nothing to serve: set discord.token or enable server"))
	}

	if len(c.Reports.KafkaBrokers) > 0 && c.Reports.KafkaTopic == "" {
		errs = append(errs, fmt.Errorf("reports.kafka_topic is required when reports.kafka_brokers is set"))
	}

	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be \"console\" or \"json\", got %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

func (l LimitsConfig) validate(prefix string) []error {
	var errs []error
	if l.MaxWallTime <= 0 {
		errs = append(errs, fmt.Errorf("%s.max_wall_time must be > 0", prefix))
	}
	if l.MaxCPUTime < 0 {
		errs = append(errs, fmt.Errorf("%s.max_cpu_time must not be negative", prefix))
	}
	if l.MaxMemoryBytes < 0 {
		errs = append(errs, fmt.Errorf("%s.max_memory_bytes must not be negative", prefix))
	}
	if l.MaxOutputBytes <= 0 {
		errs = append(errs, fmt.Errorf("%s.max_output_bytes must be > 0", prefix))
	}
	return errs
}

// ParseTrustedProxy accepts a single address ("10.0.0.1") or a CIDR range
// ("10.0.0.0/8").
func ParseTrustedProxy(s string) (netip.Prefix, error) {
	if prefix, err := netip.ParsePrefix(s); err == nil {
		return prefix.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid address or range %q", s)
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}
