package remind

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"remindbot/pkg/logx"
)

func newTestStore(t *testing.T, clk clock.Clock) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "reminders.json")
	return NewStore(path, clk, logx.Nop())
}

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()
	mock := clock.NewMock()
	s := newTestStore(t, mock)
	if err := s.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	due := mock.Now().UTC().Add(time.Hour)
	r1, err := s.Schedule("alice", "#chan", "tea", due)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	r2, err := s.Schedule("bob", "", "pm reminder", due.Add(time.Minute))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	// simulated restart: fresh store over the same file
	s2 := NewStore(s.path, mock, logx.Nop())
	if err := s2.Load(); err != nil {
		t.Fatalf("Load after restart: %v", err)
	}
	if s2.Len() != 2 {
		t.Fatalf("expected 2 reminders after reload, got %d", s2.Len())
	}

	got := s2.Due(due.Add(time.Hour))
	if len(got) != 2 {
		t.Fatalf("expected 2 due reminders, got %d", len(got))
	}
	for i, want := range []Reminder{r1, r2} {
		if got[i] != want {
			t.Fatalf("reminder %d = %+v, want %+v", i, got[i], want)
		}
	}
}

func TestStoreRemoveIdempotent(t *testing.T) {
	t.Parallel()
	mock := clock.NewMock()
	s := newTestStore(t, mock)

	r, err := s.Schedule("alice", "#chan", "tea", mock.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := s.Remove(r.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := s.Remove(r.ID); err != nil {
		t.Fatalf("second Remove must be a no-op, got %v", err)
	}
	if err := s.Remove("no-such-id"); err != nil {
		t.Fatalf("Remove of unknown id must be a no-op, got %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("expected empty store, got %d", s.Len())
	}
}

func TestStoreDueOrdering(t *testing.T) {
	t.Parallel()
	mock := clock.NewMock()
	s := newTestStore(t, mock)

	base := mock.Now().UTC()
	later, err := s.Schedule("c", "#chan", "later", base.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	// two reminders at the same instant, created at the same mock time:
	// order falls back to id
	a, err := s.Schedule("a", "#chan", "first", base.Add(time.Minute))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	b, err := s.Schedule("b", "#chan", "second", base.Add(time.Minute))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	got := s.Due(base.Add(time.Hour))
	if len(got) != 3 {
		t.Fatalf("expected 3 due, got %d", len(got))
	}
	if got[2] != later {
		t.Fatalf("latest due must sort last, got %+v", got[2])
	}
	first, second := a, b
	if b.ID < a.ID {
		first, second = b, a
	}
	if got[0] != first || got[1] != second {
		t.Fatalf("tie not broken by id: got %s then %s, want %s then %s",
			got[0].ID, got[1].ID, first.ID, second.ID)
	}
}

func TestStoreDueExcludesFuture(t *testing.T) {
	t.Parallel()
	mock := clock.NewMock()
	s := newTestStore(t, mock)

	now := mock.Now().UTC()
	if _, err := s.Schedule("alice", "", "soon", now.Add(time.Minute)); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if got := s.Due(now); len(got) != 0 {
		t.Fatalf("expected nothing due yet, got %d", len(got))
	}
	if got := s.Due(now.Add(time.Minute)); len(got) != 1 {
		t.Fatalf("expected reminder due at its exact instant, got %d", len(got))
	}
}

func TestStoreLoadKeepsPastDue(t *testing.T) {
	t.Parallel()
	mock := clock.NewMock()
	s := newTestStore(t, mock)

	due := mock.Now().UTC().Add(time.Minute)
	if _, err := s.Schedule("alice", "#chan", "missed", due); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	// restart well past the due time
	mock.Add(time.Hour)
	s2 := NewStore(s.path, mock, logx.Nop())
	if err := s2.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := s2.Due(mock.Now()); len(got) != 1 {
		t.Fatalf("past-due reminder must survive reload, got %d due", len(got))
	}
}

func TestStoreLoadMissingFile(t *testing.T) {
	t.Parallel()
	s := NewStore(filepath.Join(t.TempDir(), "absent.json"), clock.NewMock(), logx.Nop())
	if err := s.Load(); err != nil {
		t.Fatalf("Load of missing file: %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("expected empty set, got %d", s.Len())
	}
}

func TestStoreScheduleRollbackOnWriteFailure(t *testing.T) {
	t.Parallel()
	// parent "directory" is a regular file, so the write must fail
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
		t.Fatalf("setup: %v", err)
	}

	mock := clock.NewMock()
	s := NewStore(filepath.Join(blocker, "reminders.json"), mock, logx.Nop())
	if _, err := s.Schedule("alice", "", "tea", mock.Now().Add(time.Hour)); err == nil {
		t.Fatal("expected schedule to fail when persistence fails")
	}
	if s.Len() != 0 {
		t.Fatalf("failed schedule must not leave a record in memory, got %d", s.Len())
	}
}

func TestStoreWakeSignal(t *testing.T) {
	t.Parallel()
	mock := clock.NewMock()
	s := newTestStore(t, mock)

	if _, err := s.Schedule("alice", "", "tea", mock.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	select {
	case <-s.Wake():
	default:
		t.Fatal("expected a wake signal after schedule")
	}
}
