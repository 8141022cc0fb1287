package remind

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"remindbot/pkg/logx"
)

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestFireLoopDeliversPastDueImmediately(t *testing.T) {
	t.Parallel()
	mock := clock.NewMock()
	s := newTestStore(t, mock)

	due := mock.Now().UTC().Add(time.Minute)
	r, err := s.Schedule("alice", "#chan", "missed", due)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	mock.Add(2 * time.Minute) // reminder is now overdue

	delivered := make(chan Reminder, 4)
	loop := NewFireLoop(s, func(ctx context.Context, got Reminder) error {
		delivered <- got
		return nil
	}, mock, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = loop.Run(ctx) }()

	select {
	case got := <-delivered:
		if got.ID != r.ID {
			t.Fatalf("delivered %s, want %s", got.ID, r.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("overdue reminder was not delivered")
	}
	waitUntil(t, 2*time.Second, func() bool { return s.Len() == 0 })
}

func TestFireLoopFiresAtDueTime(t *testing.T) {
	t.Parallel()
	clk := clock.New()
	s := newTestStore(t, clk)

	delivered := make(chan Reminder, 4)
	loop := NewFireLoop(s, func(ctx context.Context, got Reminder) error {
		delivered <- got
		return nil
	}, clk, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = loop.Run(ctx) }()

	if _, err := s.Schedule("alice", "", "soon", clk.Now().Add(50*time.Millisecond)); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("reminder did not fire at its due time")
	}
}

func TestFireLoopReArmsOnEarlierSchedule(t *testing.T) {
	t.Parallel()
	mock := clock.NewMock()
	s := newTestStore(t, mock)

	// loop first arms for the far reminder
	far, err := s.Schedule("alice", "", "far", mock.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	delivered := make(chan Reminder, 4)
	loop := NewFireLoop(s, func(ctx context.Context, got Reminder) error {
		delivered <- got
		return nil
	}, mock, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = loop.Run(ctx) }()

	// already due when scheduled: the wake signal must preempt the armed
	// one-hour timer
	near, err := s.Schedule("bob", "", "now", mock.Now().UTC())
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	select {
	case got := <-delivered:
		if got.ID != near.ID {
			t.Fatalf("delivered %s, want %s", got.ID, near.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("earlier reminder did not preempt the armed timer")
	}

	// the far reminder stays pending
	waitUntil(t, 2*time.Second, func() bool { return s.Len() == 1 })
	if got := s.Due(far.DueAt); len(got) != 1 || got[0].ID != far.ID {
		t.Fatalf("far reminder missing from store")
	}
}

func TestFireLoopKeepsReminderOnDeliveryFailure(t *testing.T) {
	t.Parallel()
	mock := clock.NewMock()
	s := newTestStore(t, mock)

	var failing atomic.Bool
	failing.Store(true)
	delivered := make(chan Reminder, 4)
	var attempts atomic.Int32
	loop := NewFireLoop(s, func(ctx context.Context, got Reminder) error {
		attempts.Add(1)
		if failing.Load() {
			return errors.New("channel down")
		}
		delivered <- got
		return nil
	}, mock, logx.Nop())

	if _, err := s.Schedule("alice", "#chan", "retry me", mock.Now().UTC()); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = loop.Run(ctx) }()

	// first cycle fails and leaves the reminder in place
	waitUntil(t, 2*time.Second, func() bool { return attempts.Load() >= 1 })
	if s.Len() != 1 {
		t.Fatalf("failed delivery must keep the reminder, store has %d", s.Len())
	}

	// recover the channel and let the retry delay elapse
	failing.Store(false)
	waitUntil(t, 2*time.Second, func() bool {
		mock.Add(retryDelay)
		select {
		case <-delivered:
			return true
		default:
			return false
		}
	})
	waitUntil(t, 2*time.Second, func() bool { return s.Len() == 0 })
}
