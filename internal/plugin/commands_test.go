package plugin

import (
	"context"
	"sync"
	"testing"
	"time"

	"remindbot/internal/notify"
	kit "remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

type captureAdapter struct {
	mu   sync.Mutex
	sent []string
}

func (c *captureAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (c *captureAdapter) Stop(ctx context.Context) error                         { return nil }

func (c *captureAdapter) SendText(ctx context.Context, to kit.Target, text string, opt *kit.SendOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, text)
	return nil
}

func (c *captureAdapter) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func newTestCommandManager(prefix string, owners []string) (*CommandManager, *captureAdapter) {
	ad := &captureAdapter{}
	n := notify.New(notify.Config{RatePerSec: 1000, Burst: 1000}, ad, logx.Nop())
	return NewCommandManager(logx.Nop(), n, prefix, owners), ad
}

func TestCommandParse(t *testing.T) {
	t.Parallel()
	m, _ := newTestCommandManager(".", nil)

	tests := []struct {
		text  string
		route string
		args  string
		ok    bool
	}{
		{text: ".in 2h tea", route: "in", args: "2h tea", ok: true},
		{text: "  .in 2h tea  ", route: "in", args: "2h tea", ok: true},
		{text: ".IN 2h", route: "in", args: "2h", ok: true},
		{text: ".help", route: "help", args: "", ok: true},
		{text: "hello there", ok: false},
		{text: ". in 2h", ok: false},
		{text: ".", ok: false},
		{text: "", ok: false},
	}
	for _, tt := range tests {
		route, args, ok := m.parse(tt.text)
		if ok != tt.ok || route != tt.route || args != tt.args {
			t.Fatalf("parse(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.text, route, args, ok, tt.route, tt.args, tt.ok)
		}
	}
}

func TestDispatchRunsHandler(t *testing.T) {
	t.Parallel()
	m, _ := newTestCommandManager(".", nil)

	got := make(chan *Request, 1)
	m.SetRegistry([]Command{{
		Route: "ping",
		Handle: func(ctx context.Context, req *Request) error {
			got <- req
			return nil
		},
	}})

	m.dispatch(context.Background(), &kit.Message{Channel: "#x", Nick: "alice", Text: ".ping  pong  "})

	select {
	case req := <-got:
		if req.Command != "ping" || req.Args != "pong" {
			t.Fatalf("request = %q %q", req.Command, req.Args)
		}
		if req.ReplyTo.Channel != "#x" || req.ReplyTo.Nick != "alice" {
			t.Fatalf("reply target = %+v", req.ReplyTo)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}
}

func TestDispatchOwnerOnly(t *testing.T) {
	t.Parallel()
	m, _ := newTestCommandManager(".", []string{"Admin"})

	got := make(chan string, 2)
	m.SetRegistry([]Command{{
		Route:  "op",
		Access: AccessOwnerOnly,
		Handle: func(ctx context.Context, req *Request) error {
			got <- req.Message.Nick
			return nil
		},
	}})

	m.dispatch(context.Background(), &kit.Message{Nick: "mallory", Text: ".op"})
	m.dispatch(context.Background(), &kit.Message{Nick: "admin", Text: ".op"})

	select {
	case nick := <-got:
		if nick != "admin" {
			t.Fatalf("owner-only handler ran for %q", nick)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("owner was not allowed through")
	}
	select {
	case nick := <-got:
		t.Fatalf("unexpected second invocation by %q", nick)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDispatchSurvivesPanic(t *testing.T) {
	t.Parallel()
	m, _ := newTestCommandManager(".", nil)

	ran := make(chan struct{}, 1)
	m.SetRegistry([]Command{
		{Route: "boom", Handle: func(ctx context.Context, req *Request) error { panic("kaput") }},
		{Route: "ok", Handle: func(ctx context.Context, req *Request) error { ran <- struct{}{}; return nil }},
	})

	m.dispatch(context.Background(), &kit.Message{Nick: "alice", Text: ".boom"})
	m.dispatch(context.Background(), &kit.Message{Nick: "alice", Text: ".ok"})

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch stopped after a handler panic")
	}
}

func TestHelpListsCommands(t *testing.T) {
	t.Parallel()
	m, ad := newTestCommandManager("!", nil)
	m.SetRegistry([]Command{
		{Route: "in", Description: "set a reminder", Handle: func(ctx context.Context, req *Request) error { return nil }},
		{Route: "at", Handle: func(ctx context.Context, req *Request) error { return nil }},
	})

	err := m.handleHelp(context.Background(), &Request{
		Message: &kit.Message{Nick: "alice"},
		ReplyTo: kit.Target{Nick: "alice"},
		Notify:  m.notify,
	})
	if err != nil {
		t.Fatalf("handleHelp: %v", err)
	}
	sent := ad.snapshot()
	if len(sent) != 1 {
		t.Fatalf("expected one reply, got %d", len(sent))
	}
	if sent[0] != "commands: !at !help !in" {
		t.Fatalf("unexpected help text: %q", sent[0])
	}
}
