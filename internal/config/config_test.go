package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
telegram:
  token: "123:abc"
  api_rate_per_sec: 25
logging:
  level: debug
  console: false
storage:
  path: /tmp/bot.db
  busy_timeout: 3s
ratelimit:
  capacity: 10
  refill_interval: 2s
sticky:
  cooldown: 1500ms
  sweep_interval: 500ms
schedule:
  timezone: UTC
`)
	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" || cfg.Telegram.APIRatePerSec != 25 {
		t.Fatalf("telegram section = %+v", cfg.Telegram)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.ConsoleEnabled() {
		t.Fatalf("logging section = %+v", cfg.Logging)
	}
	if cfg.Storage.PathOrDefault() != "/tmp/bot.db" {
		t.Fatalf("storage path = %q", cfg.Storage.PathOrDefault())
	}
	if cfg.RateLimit.CapacityOrDefault() != 10 {
		t.Fatalf("capacity = %d", cfg.RateLimit.CapacityOrDefault())
	}
	if loc := cfg.Schedule.Location(); loc != time.UTC {
		t.Fatalf("location = %v", loc)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get should return the committed config")
	}
}

func TestDefaultsOnEmptyConfig(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "{}\n"))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Logging.ConsoleEnabled() != true {
		t.Fatal("console should default to enabled")
	}
	if cfg.Storage.PathOrDefault() != "./data/stagebot.db" {
		t.Fatalf("default path = %q", cfg.Storage.PathOrDefault())
	}
	if cfg.RateLimit.CapacityOrDefault() != 20 {
		t.Fatalf("default capacity = %d", cfg.RateLimit.CapacityOrDefault())
	}
	refill, err := ParseDurationOrDefault("ratelimit.refill_interval", cfg.RateLimit.RefillInterval, time.Second)
	if err != nil {
		t.Fatalf("refill: %v", err)
	}
	if refill != time.Second {
		t.Fatalf("default refill = %v", refill)
	}
}

func TestLoadJSONFileSkipsYAMLConversion(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"telegram":{"token":"123:abc"},"ratelimit":{"capacity":5}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" || cfg.RateLimit.CapacityOrDefault() != 5 {
		t.Fatalf("decoded config = %+v", cfg)
	}
}

func TestYAMLNonStringKeysDecode(t *testing.T) {
	t.Parallel()
	// yaml.v3 yields map[any]any for mappings keyed by non-strings; the
	// decode path must stringify them instead of failing in json.Marshal.
	out, err := yamlToJSON([]byte("levels:\n  1: low\n  2: high\n"))
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	want := `{"levels":{"1":"low","2":"high"}}`
	if string(out) != want {
		t.Fatalf("json = %s, want %s", out, want)
	}
}

func TestUnknownKeyRejected(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "telgram:\n  token: oops\n"))
	if _, err := m.Load(); err == nil {
		t.Fatal("misspelled section should fail strict decoding")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
	}{
		{"bad duration", "sticky:\n  cooldown: soon\n"},
		{"negative capacity", "ratelimit:\n  capacity: -1\n"},
		{"bad timezone", "schedule:\n  timezone: Mars/Olympus\n"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(writeConfig(t, tt.body))
			if _, err := m.Load(); err == nil {
				t.Fatalf("config %q should be rejected", tt.body)
			}
		})
	}
}

func TestResolveTokenFallsBackToEnv(t *testing.T) {
	t.Setenv("TELEGRAM_TOKEN", "env-token")
	var c TelegramConfig
	if got := c.ResolveToken(); got != "env-token" {
		t.Fatalf("token = %q, want env fallback", got)
	}
	c.Token = "file-token"
	if got := c.ResolveToken(); got != "file-token" {
		t.Fatalf("token = %q, file value should win", got)
	}
}
