package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free JSON snapshot
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the settings API used by plugins.
//
// Nicks and channel names are case-insensitive on IRC; implementations
// normalize keys to lower case.
type Store interface {
	SetUserTimezone(ctx context.Context, nick, zone string) error
	UserTimezone(ctx context.Context, nick string) (zone string, ok bool, err error)

	SetChannelTimezone(ctx context.Context, channel, zone string) error
	ChannelTimezone(ctx context.Context, channel string) (zone string, ok bool, err error)

	Close() error
}
