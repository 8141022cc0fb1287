package notify

import (
	"context"
	"errors"
	"sync"
	"testing"

	kit "remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

type recordAdapter struct {
	mu   sync.Mutex
	sent []string
	fail error
}

func (r *recordAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (r *recordAdapter) Stop(ctx context.Context) error                         { return nil }

func (r *recordAdapter) SendText(ctx context.Context, to kit.Target, text string, opt *kit.SendOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.sent = append(r.sent, to.Destination()+"|"+text)
	return nil
}

func TestSendPrefixesNickInChannel(t *testing.T) {
	t.Parallel()
	ad := &recordAdapter{}
	s := New(Config{RatePerSec: 1000, Burst: 1000}, ad, logx.Nop())

	err := s.Send(context.Background(), kit.Notification{
		Target: kit.Target{Channel: "#tea", Nick: "alice"},
		Text:   "kettle",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := ad.sent[0]; got != "#tea|alice: kettle" {
		t.Fatalf("channel send = %q", got)
	}

	err = s.Send(context.Background(), kit.Notification{
		Target: kit.Target{Nick: "bob"},
		Text:   "hello",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := ad.sent[1]; got != "bob|hello" {
		t.Fatalf("pm send = %q", got)
	}
}

func TestSendRejectsEmptyTarget(t *testing.T) {
	t.Parallel()
	s := New(Config{}, &recordAdapter{}, logx.Nop())
	if err := s.Send(context.Background(), kit.Notification{Text: "x"}); err == nil {
		t.Fatal("expected error for empty target")
	}
}

func TestSendPropagatesAdapterError(t *testing.T) {
	t.Parallel()
	want := errors.New("link down")
	ad := &recordAdapter{fail: want}
	s := New(Config{RatePerSec: 1000, Burst: 1000}, ad, logx.Nop())

	err := s.Send(context.Background(), kit.Notification{
		Target: kit.Target{Nick: "alice"},
		Text:   "x",
	})
	if !errors.Is(err, want) {
		t.Fatalf("Send error = %v, want %v", err, want)
	}
}

func TestHistoryBounded(t *testing.T) {
	t.Parallel()
	ad := &recordAdapter{}
	s := New(Config{RatePerSec: 100000, Burst: 100000}, ad, logx.Nop())

	for i := 0; i < historyMax+10; i++ {
		_ = s.Send(context.Background(), kit.Notification{
			Target: kit.Target{Nick: "alice"},
			Text:   "x",
		})
	}
	if got := len(s.History()); got != historyMax {
		t.Fatalf("history length = %d, want %d", got, historyMax)
	}
}
