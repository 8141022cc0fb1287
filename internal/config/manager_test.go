package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestManagerLoadYAML(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", `
irc:
  adapter: console
  command_prefix: "!"
  owner_nicks: [admin]
logging:
  level: debug
  console: true
storage:
  driver: file
  path: ./settings.json
plugins:
  remind:
    enabled: true
    config:
      path: ./reminders.json
      sweep_every: 30s
`)

	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.IRC.Adapter != "console" || cfg.IRC.CommandPrefix != "!" {
		t.Fatalf("irc section not parsed: %+v", cfg.IRC)
	}
	if len(cfg.IRC.OwnerNicks) != 1 || cfg.IRC.OwnerNicks[0] != "admin" {
		t.Fatalf("owner_nicks = %v", cfg.IRC.OwnerNicks)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "file" {
		t.Fatalf("storage section not parsed: %+v", cfg.Storage)
	}
	raw, ok := cfg.Plugins["remind"]
	if !ok || !raw.Enabled || len(raw.Config) == 0 {
		t.Fatalf("plugins.remind not parsed: %+v", raw)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get must return the committed config")
	}
}

func TestManagerLoadJSON(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json",
		`{"irc":{"adapter":"console"},"logging":{"level":"info","console":true},"plugins":{}}`)

	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "info" {
		t.Fatalf("logging.level = %q", cfg.Logging.Level)
	}
}

func TestManagerRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
	}{
		{name: "top level", body: `{"irc":{},"logging":{},"plugins":{},"telegram":{}}`},
		{name: "plugin level", body: `{"irc":{},"logging":{},"plugins":{"remind":{"enabled":true,"allow":["x"]}}}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, "config.json", tt.body)
			if _, err := NewManager(path).Load(); err == nil {
				t.Fatal("expected unknown field to be rejected")
			}
		})
	}
}

func TestManagerRejectsTrailingData(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{"irc":{},"logging":{},"plugins":{}}{"x":1}`)
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("expected trailing data to be rejected")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("scheduler.default_timeout", "", 5)
	if err != nil || d != 5 {
		t.Fatalf("default not applied: %v %v", d, err)
	}
	if _, err := ParseDurationField("scheduler.default_timeout", "banana"); err == nil {
		t.Fatal("expected error for malformed duration")
	}
}
