package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadYAMLKeepsUnsetDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
queue:
  max_concurrent: 4
sandbox:
  run:
    max_wall_time: 2s
    max_output_bytes: 1024
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Queue.MaxConcurrent != 4 {
		t.Errorf("max_concurrent = %d, want 4", cfg.Queue.MaxConcurrent)
	}
	want := LimitsConfig{
		MaxWallTime:    2 * time.Second,
		MaxCPUTime:     5 * time.Second,
		MaxMemoryBytes: 256 << 20,
		MaxOutputBytes: 1024,
	}
	if diff := cmp.Diff(want, cfg.Sandbox.Run); diff != "" {
		t.Errorf("run limits mismatch (-want +got):\n%s", diff)
	}
	if cfg.Queue.AdmissionTimeout != 30*time.Second {
		t.Errorf("admission timeout should keep default, got %s", cfg.Queue.AdmissionTimeout)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DISCORD_TOKEN", "secret")
	t.Setenv("HASKBOT_MAX_CONCURRENT", "7")
	t.Setenv("HASKBOT_ADMISSION_TIMEOUT", "3s")
	t.Setenv("HASKBOT_KAFKA_BROKERS", "a:9092, b:9092,,")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Discord.Token != "secret" {
		t.Errorf("token = %q", cfg.Discord.Token)
	}
	if cfg.Queue.MaxConcurrent != 7 {
		t.Errorf("max_concurrent = %d", cfg.Queue.MaxConcurrent)
	}
	if cfg.Queue.AdmissionTimeout != 3*time.Second {
		t.Errorf("admission timeout = %s", cfg.Queue.AdmissionTimeout)
	}
	if diff := cmp.Diff([]string{"a:9092", "b:9092"}, cfg.Reports.KafkaBrokers); diff != "" {
		t.Errorf("brokers mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadExplicitMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for explicit missing config file")
	}
}

func TestEnvOverrideInvalidValue(t *testing.T) {
	t.Setenv("HASKBOT_MAX_CONCURRENT", "many")

	_, err := Load("")
	if err == nil || !strings.Contains(err.Error(), "HASKBOT_MAX_CONCURRENT") {
		t.Fatalf("expected HASKBOT_MAX_CONCURRENT error, got %v", err)
	}
}

func TestValidateReportsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Sandbox.Backend = "chroot"
	cfg.Queue.MaxConcurrent = 0
	cfg.Sandbox.Run.MaxWallTime = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"sandbox.backend", "queue.max_concurrent", "sandbox.run.max_wall_time"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestProcessBackendRequiresOptIn(t *testing.T) {
	cfg := Defaults()
	cfg.Sandbox.Backend = "process"

	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "sandbox.process.allow_unsafe") {
		t.Fatalf("expected opt-in error, got %v", err)
	}

	cfg.Sandbox.Process.AllowUnsafe = true
	if err := cfg.Validate(); err != nil {
		t.Fatalf("opted-in process backend should validate: %v", err)
	}

	cfg.Sandbox.Process.UID = 65534
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "sandbox.process.gid") {
		t.Fatalf("expected uid/gid pairing error, got %v", err)
	}
}

func TestDefaultBackendIsDocker(t *testing.T) {
	if got := Defaults().Sandbox.Backend; got != "docker" {
		t.Fatalf("default backend = %q, want docker", got)
	}
}

func TestTrustedProxies(t *testing.T) {
	t.Setenv("HASKBOT_TRUSTED_PROXIES", "10.0.0.0/8, 192.0.2.7")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff([]string{"10.0.0.0/8", "192.0.2.7"}, cfg.Server.TrustedProxies); diff != "" {
		t.Errorf("trusted proxies mismatch (-want +got):\n%s", diff)
	}

	prefix, err := ParseTrustedProxy("192.0.2.7")
	if err != nil || prefix.String() != "192.0.2.7/32" {
		t.Errorf("ParseTrustedProxy = %v, %v", prefix, err)
	}

	cfg.Server.TrustedProxies = []string{"not-an-ip"}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "server.trusted_proxies") {
		t.Fatalf("expected trusted_proxies error, got %v", err)
	}
}
