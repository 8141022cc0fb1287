package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "remindbot/pkg/logx"
)

func openTestSQLite(t *testing.T, path string) Store {
	t.Helper()
	st, err := Open(Config{Driver: "sqlite", Path: path, BusyTimeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "settings.db")
	ctx := context.Background()

	st := openTestSQLite(t, path)
	if err := st.SetUserTimezone(ctx, "Alice", "Europe/Paris"); err != nil {
		t.Fatalf("SetUserTimezone: %v", err)
	}
	if err := st.SetChannelTimezone(ctx, "#Tea", "Europe/Berlin"); err != nil {
		t.Fatalf("SetChannelTimezone: %v", err)
	}

	// keys are case-insensitive
	zone, ok, err := st.UserTimezone(ctx, "alice")
	if err != nil || !ok || zone != "Europe/Paris" {
		t.Fatalf("UserTimezone = %q ok=%v err=%v", zone, ok, err)
	}

	// reopen over the same database
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	st2 := openTestSQLite(t, path)
	zone, ok, err = st2.UserTimezone(ctx, "ALICE")
	if err != nil || !ok || zone != "Europe/Paris" {
		t.Fatalf("UserTimezone after reopen = %q ok=%v err=%v", zone, ok, err)
	}
	zone, ok, err = st2.ChannelTimezone(ctx, "#tea")
	if err != nil || !ok || zone != "Europe/Berlin" {
		t.Fatalf("ChannelTimezone after reopen = %q ok=%v err=%v", zone, ok, err)
	}
}

func TestSQLiteStoreUpsert(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "settings.db")
	ctx := context.Background()

	st := openTestSQLite(t, path)
	if err := st.SetUserTimezone(ctx, "alice", "UTC"); err != nil {
		t.Fatalf("SetUserTimezone: %v", err)
	}
	if err := st.SetUserTimezone(ctx, "alice", "Europe/Paris"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	zone, ok, err := st.UserTimezone(ctx, "alice")
	if err != nil || !ok || zone != "Europe/Paris" {
		t.Fatalf("UserTimezone = %q ok=%v err=%v", zone, ok, err)
	}

	// user and channel scopes do not collide on the same key
	if err := st.SetChannelTimezone(ctx, "alice", "Asia/Tokyo"); err != nil {
		t.Fatalf("SetChannelTimezone: %v", err)
	}
	zone, ok, err = st.UserTimezone(ctx, "alice")
	if err != nil || !ok || zone != "Europe/Paris" {
		t.Fatalf("UserTimezone after channel write = %q ok=%v err=%v", zone, ok, err)
	}
}

func TestSQLiteStoreEmptyZoneDeletes(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "settings.db")
	ctx := context.Background()

	st := openTestSQLite(t, path)
	if err := st.SetUserTimezone(ctx, "alice", "UTC"); err != nil {
		t.Fatalf("SetUserTimezone: %v", err)
	}
	if err := st.SetUserTimezone(ctx, "alice", ""); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, ok, _ := st.UserTimezone(ctx, "alice"); ok {
		t.Fatal("cleared zone must be absent")
	}
}

func TestOpenSQLiteRequiresPath(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "sqlite"}, logx.Nop()); err == nil {
		t.Fatal("expected error for missing path")
	}
}
