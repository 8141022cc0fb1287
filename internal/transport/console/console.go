// Package console implements a line-based transport adapter for local
// development. Input lines on stdin look like:
//
//	<nick> <#channel|-> <text...>
//
// where "-" stands for a private message. Outbound sends are printed to
// stdout. A real IRC adapter implements the same transport.Adapter interface.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	rtsup "remindbot/internal/runtime/supervisor"
	kit "remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

type Adapter struct {
	log logx.Logger

	in  io.Reader
	out io.Writer

	outCh   atomic.Value // stores chan<- kit.Update
	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor
}

func New(log logx.Logger) *Adapter {
	return &Adapter{log: log, in: os.Stdin, out: os.Stdout}
}

// NewWithIO is used by tests to drive the adapter without a TTY.
func NewWithIO(log logx.Logger, in io.Reader, out io.Writer) *Adapter {
	return &Adapter{log: log, in: in, out: out}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		a.outCh.Store(out)
		return nil
	}
	a.outCh.Store(out)
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log))
	a.sup.Go0("console.read", func(c context.Context) { a.readLoop(c) })
	a.running = true
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	a.running = false
	a.runMu.Unlock()
	if sup == nil {
		return nil
	}
	sup.Cancel()
	return sup.Wait(ctx)
}

func (a *Adapter) SendText(ctx context.Context, to kit.Target, text string, opt *kit.SendOptions) error {
	if to.IsZero() {
		return fmt.Errorf("console: empty target")
	}
	kind := "PRIVMSG"
	if opt != nil && opt.Notice {
		kind = "NOTICE"
	}
	_, err := fmt.Fprintf(a.out, "-> [%s %s] %s\n", kind, to.Destination(), text)
	return err
}

func (a *Adapter) readLoop(ctx context.Context) {
	sc := bufio.NewScanner(a.in)
	for sc.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		msg, ok := parseLine(line)
		if !ok {
			a.log.Debug("console line ignored", logx.String("line", line))
			continue
		}
		a.emit(kit.Update{Kind: kit.UpdateMessage, Message: msg})
	}
	if err := sc.Err(); err != nil {
		a.log.Warn("console read failed", logx.Err(err))
	}
}

func (a *Adapter) emit(up kit.Update) {
	v := a.outCh.Load()
	ch, ok := v.(chan<- kit.Update)
	if !ok || ch == nil {
		return
	}
	select {
	case ch <- up:
	default:
		// Consumer slower than the terminal; drop rather than block the read loop.
	}
}

func parseLine(line string) (*kit.Message, bool) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 3 {
		return nil, false
	}
	nick, where, text := parts[0], parts[1], parts[2]
	if nick == "" || where == "" {
		return nil, false
	}
	m := &kit.Message{Nick: nick, Text: text}
	if where != "-" {
		if !strings.HasPrefix(where, "#") {
			return nil, false
		}
		m.Channel = where
	}
	return m, true
}
