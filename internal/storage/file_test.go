package storage

import (
	"context"
	"path/filepath"
	"testing"

	logx "remindbot/pkg/logx"
)

func openTestStore(t *testing.T, path string) Store {
	t.Helper()
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestFileStoreRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "settings.json")
	ctx := context.Background()

	st := openTestStore(t, path)
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

	// reopen over the same file
	st2 := openTestStore(t, path)
	zone, ok, err = st2.UserTimezone(ctx, "ALICE")
	if err != nil || !ok || zone != "Europe/Paris" {
		t.Fatalf("UserTimezone after reopen = %q ok=%v err=%v", zone, ok, err)
	}
	zone, ok, err = st2.ChannelTimezone(ctx, "#tea")
	if err != nil || !ok || zone != "Europe/Berlin" {
		t.Fatalf("ChannelTimezone after reopen = %q ok=%v err=%v", zone, ok, err)
	}
}

func TestFileStoreEmptyZoneDeletes(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "settings.json")
	ctx := context.Background()

	st := openTestStore(t, path)
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

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none"} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("Open(%q) = %v, %v; want nil, nil", driver, st, err)
		}
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "bolt"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestOpenFileRequiresPath(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("expected error for missing path")
	}
}
