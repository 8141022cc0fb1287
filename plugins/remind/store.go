package remind

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"remindbot/pkg/logx"
)

// Reminder is one pending notification. All fields are immutable after
// creation; DueAt and CreatedAt are stored in UTC.
type Reminder struct {
	ID        string    `json:"id"`
	DueAt     time.Time `json:"due_at"`
	CreatedAt time.Time `json:"created_at"`
	// Nick is who to remind.
	Nick string `json:"nick"`
	// Channel is where the reminder was created; empty for private messages.
	Channel string `json:"channel,omitempty"`
	Message string `json:"message"`
}

// Store owns the pending reminder set and its backing file. All mutation
// goes through the store and is persisted synchronously before the call
// returns; the file is rewritten in full on every change.
type Store struct {
	mu    sync.Mutex
	path  string
	items []Reminder
	clk   clock.Clock
	log   logx.Logger

	// wake carries a nudge to the fire loop whenever a reminder lands
	// with an earlier due time than the currently armed wakeup.
	wake chan struct{}
}

func NewStore(path string, clk clock.Clock, log logx.Logger) *Store {
	if clk == nil {
		clk = clock.New()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{
		path: path,
		clk:  clk,
		log:  log,
		wake: make(chan struct{}, 1),
	}
}

// Wake signals whenever the set of pending reminders may have an earlier
// next-due time than before.
func (s *Store) Wake() <-chan struct{} { return s.wake }

// Load reads the persisted set from disk. A missing file is an empty set.
// Past-due reminders are kept so they fire on the next cycle.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.items = nil
			return nil
		}
		return fmt.Errorf("remind: read %s: %w", s.path, err)
	}
	var items []Reminder
	if len(b) > 0 {
		if err := json.Unmarshal(b, &items); err != nil {
			return fmt.Errorf("remind: decode %s: %w", s.path, err)
		}
	}
	s.items = items
	s.log.Debug("reminders loaded", logx.Int("count", len(items)), logx.String("path", s.path))
	s.kick()
	return nil
}

// Schedule creates a reminder and persists the full set before returning.
// On a write failure nothing is kept in memory and the error is returned,
// so the caller never acknowledges an unsaved reminder.
func (s *Store) Schedule(nick, channel, message string, dueAt time.Time) (Reminder, error) {
	now := s.clk.Now().UTC()
	r := Reminder{
		ID:        uuid.NewString(),
		DueAt:     dueAt.UTC(),
		CreatedAt: now,
		Nick:      nick,
		Channel:   channel,
		Message:   message,
	}

	s.mu.Lock()
	s.items = append(s.items, r)
	if err := s.persistLocked(); err != nil {
		s.items = s.items[:len(s.items)-1]
		s.mu.Unlock()
		return Reminder{}, err
	}
	s.mu.Unlock()

	s.kick()
	return r, nil
}

// Remove deletes a reminder by id and persists the set. A missing id is
// not an error, so delivery retries after a crash stay safe.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i := range s.items {
		if s.items[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	removed := s.items[idx]
	s.items = append(s.items[:idx], s.items[idx+1:]...)
	if err := s.persistLocked(); err != nil {
		// keep the record so it is not silently lost
		s.items = append(s.items, removed)
		return err
	}
	return nil
}

// Due returns all reminders with DueAt <= now, ordered by due time, then
// creation time, then id.
func (s *Store) Due(now time.Time) []Reminder {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []Reminder
	for _, r := range s.items {
		if !r.DueAt.After(now) {
			due = append(due, r)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].DueAt.Equal(due[j].DueAt) {
			return due[i].DueAt.Before(due[j].DueAt)
		}
		if !due[i].CreatedAt.Equal(due[j].CreatedAt) {
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		}
		return due[i].ID < due[j].ID
	})
	return due
}

// Next reports the earliest due time across pending reminders.
func (s *Store) Next() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var min time.Time
	for _, r := range s.items {
		if min.IsZero() || r.DueAt.Before(min) {
			min = r.DueAt
		}
	}
	return min, !min.IsZero()
}

// Len reports the number of pending reminders.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Kick nudges the fire loop to re-check without changing the set. Used as
// a sweep backstop.
func (s *Store) Kick() { s.kick() }

func (s *Store) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// persistLocked rewrites the backing file atomically. Callers hold s.mu,
// which serializes mutation with the write.
func (s *Store) persistLocked() error {
	b, err := json.MarshalIndent(s.items, "", "  ")
	if err != nil {
		return fmt.Errorf("remind: encode reminders: %w", err)
	}
	if s.items == nil {
		b = []byte("[]")
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("remind: create %s: %w", dir, err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("remind: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("remind: replace %s: %w", s.path, err)
	}
	return nil
}
