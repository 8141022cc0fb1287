package config

import (
	"bytes"
	"encoding/json"
)

type Config struct {
	IRC     IRCConfig     `json:"irc"`
	Logging LoggingConfig `json:"logging"`

	// Scheduler controls the shared cron/interval job service.
	Scheduler SchedulerConfig `json:"scheduler"`

	// Storage holds user/channel settings (timezones). Optional; when the
	// whole section is omitted the bot runs without persisted settings and
	// timezone resolution falls back to UTC.
	Storage *StorageConfig `json:"storage,omitempty"`

	Notify *NotifyConfig `json:"notify,omitempty"`

	Plugins map[string]PluginConfigRaw `json:"plugins"`
}

type IRCConfig struct {
	// Adapter selects the transport implementation. "console" ships with the
	// repo for local development; IRC adapters register under their own name.
	Adapter string `json:"adapter"`

	// CommandPrefix is the leading rune(s) of bot commands. Default ".".
	CommandPrefix string `json:"command_prefix,omitempty"`

	// OwnerNicks may run owner-only commands (e.g. channel-level settings).
	OwnerNicks []string `json:"owner_nicks,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the shared job service.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// DefaultTimeout is a Go duration string (e.g. "10s", "1m").
	// Use "0s" to disable a global default timeout.
	DefaultTimeout string `json:"default_timeout,omitempty"`
	// Timezone is an IANA zone name for cron evaluation.
	Timezone string `json:"timezone,omitempty"`
}

// StorageConfig controls the settings store.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./remindbot_settings.json" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// NotifyConfig bounds the outbound send rate (IRC servers disconnect
// clients that flood).
type NotifyConfig struct {
	RatePerSec int `json:"rate_per_sec,omitempty"`
	Burst      int `json:"burst,omitempty"`
}

type PluginConfigRaw struct {
	Enabled bool            `json:"enabled"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// UnmarshalJSON disallows unknown fields so removed legacy keys are caught
// early during config reload.
func (p *PluginConfigRaw) UnmarshalJSON(b []byte) error {
	type tmp struct {
		Enabled bool            `json:"enabled"`
		Config  json.RawMessage `json:"config,omitempty"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t tmp
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*p = PluginConfigRaw{Enabled: t.Enabled, Config: t.Config}
	return nil
}
