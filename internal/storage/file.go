package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "remindbot/pkg/logx"
)

// fileStore keeps the whole settings map in memory and rewrites a JSON
// snapshot atomically (tmp + rename) on every mutation. Settings are tiny;
// a journal would be overkill.
type fileStore struct {
	log logx.Logger

	mu   sync.Mutex
	path string

	users    map[string]string
	channels map[string]string
}

type settingsSnapshot struct {
	Users    map[string]string `json:"users"`
	Channels map[string]string `json:"channels"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:      log,
		path:     path,
		users:    map[string]string{},
		channels: map[string]string{},
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileStore) load() error {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var snap settingsSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return err
	}
	for k, v := range snap.Users {
		s.users[strings.ToLower(k)] = v
	}
	for k, v := range snap.Channels {
		s.channels[strings.ToLower(k)] = v
	}
	return nil
}

func (s *fileStore) Close() error { return nil }

func (s *fileStore) SetUserTimezone(ctx context.Context, nick, zone string) error {
	_ = ctx
	nick = strings.ToLower(strings.TrimSpace(nick))
	if nick == "" {
		return errors.New("empty nick")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if zone == "" {
		delete(s.users, nick)
	} else {
		s.users[nick] = zone
	}
	return s.writeLocked()
}

func (s *fileStore) UserTimezone(ctx context.Context, nick string) (string, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.users[strings.ToLower(strings.TrimSpace(nick))]
	return z, ok, nil
}

func (s *fileStore) SetChannelTimezone(ctx context.Context, channel, zone string) error {
	_ = ctx
	channel = strings.ToLower(strings.TrimSpace(channel))
	if channel == "" {
		return errors.New("empty channel")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if zone == "" {
		delete(s.channels, channel)
	} else {
		s.channels[channel] = zone
	}
	return s.writeLocked()
}

func (s *fileStore) ChannelTimezone(ctx context.Context, channel string) (string, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.channels[strings.ToLower(strings.TrimSpace(channel))]
	return z, ok, nil
}

// writeLocked rewrites the snapshot atomically. Call with s.mu held.
func (s *fileStore) writeLocked() error {
	snap := settingsSnapshot{Users: s.users, Channels: s.channels}
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
