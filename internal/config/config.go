package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/relay.ini"
	envYAMLPattern   = "config/%s/relay.yaml"
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// RelayConfig describes runtime options for the relay daemon.
type RelayConfig struct {
	Environment string
	ListenAddr  string
	LogFile     string
	LogLevel    string

	// Upstream provider
	UpstreamBaseURL   string
	UpstreamAPIKey    string
	UpstreamModel     string
	UpstreamMaxTokens int

	// Streaming behavior
	StreamIdleTimeout time.Duration
	SSEPingInterval   time.Duration

	// Circuit breaker / health probe
	ProbeInterval     time.Duration
	ProbeTimeout      time.Duration
	BreakerOpenAfter  int
	BreakerCloseAfter int
	BreakerWebhookURL string

	// Session registry
	SessionRetention  time.Duration
	SessionMaxHistory int

	// Turn persistence: sqlite|postgres|none
	TurnStoreDriver string
	TurnStorePath   string
	TurnStoreDSN    string
}

// yamlOverrides is the optional per-environment relay.yaml file. Only the
// fields present override the ini/env values.
type yamlOverrides struct {
	ListenAddr        string `yaml:"listen_addr"`
	UpstreamBaseURL   string `yaml:"upstream_base_url"`
	UpstreamModel     string `yaml:"upstream_model"`
	StreamIdleTimeout string `yaml:"stream_idle_timeout"`
	SSEPingInterval   string `yaml:"sse_ping_interval"`
	ProbeInterval     string `yaml:"probe_interval"`
	BreakerWebhookURL string `yaml:"breaker_webhook_url"`
	TurnStoreDriver   string `yaml:"turn_store_driver"`
	TurnStorePath     string `yaml:"turn_store_path"`
	TurnStoreDSN      string `yaml:"turn_store_dsn"`
}

// LoadRelayConfig reads the current environment and loads the appropriate
// relay config file. Precedence: env vars > relay.yaml > relay.ini >
// setting.ini defaults.
func LoadRelayConfig(root string) (RelayConfig, error) {
	if root == "" {
		root = "."
	}
	s, err := loadSettings(root)
	if err != nil {
		return RelayConfig{}, err
	}

	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			envValues = map[string]string{}
		} else {
			return RelayConfig{}, err
		}
	}

	merged := make(map[string]string)
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}

	cfg := RelayConfig{
		Environment:       s.Environment,
		ListenAddr:        firstNonEmpty(os.Getenv("CHATRELAY_LISTEN_ADDR"), merged["listen_addr"], ":8084"),
		LogFile:           firstNonEmpty(os.Getenv("CHATRELAY_LOG_FILE"), merged["log_file"]),
		LogLevel:          firstNonEmpty(os.Getenv("CHATRELAY_LOG_LEVEL"), merged["log_level"], "info"),
		UpstreamBaseURL:   firstNonEmpty(os.Getenv("CHATRELAY_UPSTREAM_BASE_URL"), merged["upstream_base_url"], "https://api.openai.com"),
		UpstreamAPIKey:    firstNonEmpty(os.Getenv("CHATRELAY_UPSTREAM_API_KEY"), merged["upstream_api_key"]),
		UpstreamModel:     firstNonEmpty(os.Getenv("CHATRELAY_UPSTREAM_MODEL"), merged["upstream_model"], "gpt-4o-mini"),
		BreakerWebhookURL: firstNonEmpty(os.Getenv("CHATRELAY_BREAKER_WEBHOOK_URL"), merged["breaker_webhook_url"]),
		TurnStoreDriver:   strings.ToLower(firstNonEmpty(os.Getenv("CHATRELAY_TURN_STORE_DRIVER"), merged["turn_store_driver"], "sqlite")),
		TurnStorePath:     firstNonEmpty(os.Getenv("CHATRELAY_TURN_STORE_PATH"), merged["turn_store_path"], DefaultTurnStorePath()),
		TurnStoreDSN:      firstNonEmpty(os.Getenv("CHATRELAY_TURN_STORE_DSN"), merged["turn_store_dsn"]),
	}

	cfg.UpstreamMaxTokens = parseOptionalInt(firstNonEmpty(os.Getenv("CHATRELAY_UPSTREAM_MAX_TOKENS"), merged["upstream_max_tokens"]), 4096)
	cfg.BreakerOpenAfter = parseOptionalInt(firstNonEmpty(os.Getenv("CHATRELAY_BREAKER_OPEN_AFTER"), merged["breaker_open_after"]), 5)
	cfg.BreakerCloseAfter = parseOptionalInt(firstNonEmpty(os.Getenv("CHATRELAY_BREAKER_CLOSE_AFTER"), merged["breaker_close_after"]), 2)
	cfg.SessionMaxHistory = parseOptionalInt(firstNonEmpty(os.Getenv("CHATRELAY_SESSION_MAX_HISTORY"), merged["session_max_history"]), 1000)

	var derr error
	cfg.StreamIdleTimeout, derr = parseOptionalDuration(firstNonEmpty(os.Getenv("CHATRELAY_STREAM_IDLE_TIMEOUT"), merged["stream_idle_timeout"]), 120*time.Second)
	if derr != nil {
		return RelayConfig{}, fmt.Errorf("invalid stream_idle_timeout: %w", derr)
	}
	cfg.SSEPingInterval, derr = parseOptionalDuration(firstNonEmpty(os.Getenv("CHATRELAY_SSE_PING_INTERVAL"), merged["sse_ping_interval"]), 15*time.Second)
	if derr != nil {
		return RelayConfig{}, fmt.Errorf("invalid sse_ping_interval: %w", derr)
	}
	cfg.ProbeInterval, derr = parseOptionalDuration(firstNonEmpty(os.Getenv("CHATRELAY_PROBE_INTERVAL"), merged["probe_interval"]), 60*time.Second)
	if derr != nil {
		return RelayConfig{}, fmt.Errorf("invalid probe_interval: %w", derr)
	}
	cfg.ProbeTimeout, derr = parseOptionalDuration(firstNonEmpty(os.Getenv("CHATRELAY_PROBE_TIMEOUT"), merged["probe_timeout"]), 2*time.Second)
	if derr != nil {
		return RelayConfig{}, fmt.Errorf("invalid probe_timeout: %w", derr)
	}
	cfg.SessionRetention, derr = parseOptionalDuration(firstNonEmpty(os.Getenv("CHATRELAY_SESSION_RETENTION"), merged["session_retention"]), 24*time.Hour)
	if derr != nil {
		return RelayConfig{}, fmt.Errorf("invalid session_retention: %w", derr)
	}

	if err := applyYAMLOverrides(&cfg, filepath.Join(root, fmt.Sprintf(envYAMLPattern, s.Environment))); err != nil {
		return RelayConfig{}, err
	}

	switch cfg.TurnStoreDriver {
	case "sqlite", "postgres", "none":
	default:
		return RelayConfig{}, fmt.Errorf("invalid turn_store_driver %q", cfg.TurnStoreDriver)
	}
	return cfg, nil
}

func applyYAMLOverrides(cfg *RelayConfig, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var ov yamlOverrides
	if err := yaml.Unmarshal(data, &ov); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if ov.ListenAddr != "" {
		cfg.ListenAddr = ov.ListenAddr
	}
	if ov.UpstreamBaseURL != "" {
		cfg.UpstreamBaseURL = ov.UpstreamBaseURL
	}
	if ov.UpstreamModel != "" {
		cfg.UpstreamModel = ov.UpstreamModel
	}
	if ov.BreakerWebhookURL != "" {
		cfg.BreakerWebhookURL = ov.BreakerWebhookURL
	}
	if ov.TurnStoreDriver != "" {
		cfg.TurnStoreDriver = strings.ToLower(ov.TurnStoreDriver)
	}
	if ov.TurnStorePath != "" {
		cfg.TurnStorePath = ov.TurnStorePath
	}
	if ov.TurnStoreDSN != "" {
		cfg.TurnStoreDSN = ov.TurnStoreDSN
	}
	for _, d := range []struct {
		raw string
		dst *time.Duration
		key string
	}{
		{ov.StreamIdleTimeout, &cfg.StreamIdleTimeout, "stream_idle_timeout"},
		{ov.SSEPingInterval, &cfg.SSEPingInterval, "sse_ping_interval"},
		{ov.ProbeInterval, &cfg.ProbeInterval, "probe_interval"},
	} {
		if d.raw == "" {
			continue
		}
		dur, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.key, d.raw, err)
		}
		*d.dst = dur
	}
	return nil
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: defaultEnv, Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := values["environment"]
	if env == "" {
		env = defaultEnv
	}
	defaults := make(map[string]string)
	for k, v := range values {
		if k == "environment" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseOptionalInt(v string, fallback int) int {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return parsed
	}
	return fallback
}

func parseOptionalDuration(v string, fallback time.Duration) (time.Duration, error) {
	if strings.TrimSpace(v) == "" {
		return fallback, nil
	}
	return time.ParseDuration(strings.TrimSpace(v))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// DefaultTurnStorePath returns the fallback turn database location under the
// user's home directory.
func DefaultTurnStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "turns.db"
	}
	return filepath.Join(home, ".chatrelay", "turns.db")
}
