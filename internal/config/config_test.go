package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadRelayConfig_Defaults(t *testing.T) {
	root := t.TempDir()
	cfg, err := LoadRelayConfig(root)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Environment != "dev" {
		t.Fatalf("environment = %q", cfg.Environment)
	}
	if cfg.ListenAddr != ":8084" {
		t.Fatalf("listen addr = %q", cfg.ListenAddr)
	}
	if cfg.StreamIdleTimeout != 120*time.Second {
		t.Fatalf("idle timeout = %v", cfg.StreamIdleTimeout)
	}
	if cfg.BreakerOpenAfter != 5 || cfg.BreakerCloseAfter != 2 {
		t.Fatalf("breaker thresholds = %d/%d", cfg.BreakerOpenAfter, cfg.BreakerCloseAfter)
	}
	if cfg.TurnStoreDriver != "sqlite" {
		t.Fatalf("turn store driver = %q", cfg.TurnStoreDriver)
	}
}

func TestLoadRelayConfig_INIAndEnvPrecedence(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "config/setting.ini"), "environment = test\n")
	writeFile(t, filepath.Join(root, "config/test/relay.ini"), `
listen_addr = :9000
upstream_base_url = http://ini.example
stream_idle_timeout = 90s
turn_store_driver = none
`)
	t.Setenv("CHATRELAY_UPSTREAM_BASE_URL", "http://env.example")

	cfg, err := LoadRelayConfig(root)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Environment != "test" {
		t.Fatalf("environment = %q", cfg.Environment)
	}
	if cfg.ListenAddr != ":9000" {
		t.Fatalf("listen addr = %q", cfg.ListenAddr)
	}
	if cfg.UpstreamBaseURL != "http://env.example" {
		t.Fatalf("env override lost: %q", cfg.UpstreamBaseURL)
	}
	if cfg.StreamIdleTimeout != 90*time.Second {
		t.Fatalf("idle timeout = %v", cfg.StreamIdleTimeout)
	}
	if cfg.TurnStoreDriver != "none" {
		t.Fatalf("turn store driver = %q", cfg.TurnStoreDriver)
	}
}

func TestLoadRelayConfig_YAMLOverrides(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "config/setting.ini"), "environment = test\n")
	writeFile(t, filepath.Join(root, "config/test/relay.ini"), "listen_addr = :9000\n")
	writeFile(t, filepath.Join(root, "config/test/relay.yaml"), `
listen_addr: ":9100"
upstream_model: relay-pro
stream_idle_timeout: 45s
`)

	cfg, err := LoadRelayConfig(root)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":9100" {
		t.Fatalf("yaml override lost: %q", cfg.ListenAddr)
	}
	if cfg.UpstreamModel != "relay-pro" {
		t.Fatalf("model = %q", cfg.UpstreamModel)
	}
	if cfg.StreamIdleTimeout != 45*time.Second {
		t.Fatalf("idle timeout = %v", cfg.StreamIdleTimeout)
	}
}

func TestLoadRelayConfig_InvalidDriver(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "config/setting.ini"), "environment = test\n")
	writeFile(t, filepath.Join(root, "config/test/relay.ini"), "turn_store_driver = mongodb\n")

	if _, err := LoadRelayConfig(root); err == nil {
		t.Fatal("expected error for invalid turn_store_driver")
	}
}

func TestLoadRelayConfig_InvalidDuration(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "config/setting.ini"), "environment = test\n")
	writeFile(t, filepath.Join(root, "config/test/relay.ini"), "stream_idle_timeout = ninety\n")

	if _, err := LoadRelayConfig(root); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}
