package plugin

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"remindbot/internal/notify"
	kit "remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

const defaultCommandTimeout = 10 * time.Second

// CommandManager routes inbound messages to registered command handlers.
type CommandManager struct {
	mu sync.RWMutex

	prefix string
	cmds   map[string]Command
	owners map[string]bool

	log    logx.Logger
	notify *notify.Service
}

func NewCommandManager(log logx.Logger, notify *notify.Service, prefix string, ownerNicks []string) *CommandManager {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "."
	}
	owners := map[string]bool{}
	for _, n := range ownerNicks {
		n = strings.ToLower(strings.TrimSpace(n))
		if n != "" {
			owners[n] = true
		}
	}
	return &CommandManager{
		prefix: prefix,
		cmds:   map[string]Command{},
		owners: owners,
		log:    log,
		notify: notify,
	}
}

// SetOwners replaces the owner nick list. Safe during hot-reload.
func (m *CommandManager) SetOwners(ownerNicks []string) {
	owners := map[string]bool{}
	for _, n := range ownerNicks {
		n = strings.ToLower(strings.TrimSpace(n))
		if n != "" {
			owners[n] = true
		}
	}
	m.mu.Lock()
	m.owners = owners
	m.mu.Unlock()
}

// SetRegistry replaces the whole command table. A help command is always injected.
func (m *CommandManager) SetRegistry(cmds []Command) {
	table := map[string]Command{}
	for _, c := range cmds {
		route := strings.ToLower(strings.TrimSpace(c.Route))
		if route == "" || strings.Contains(route, " ") || c.Handle == nil {
			continue
		}
		table[route] = c
	}
	if _, exists := table["help"]; !exists {
		table["help"] = Command{
			Route:       "help",
			Description: "show available commands",
			Usage:       m.prefix + "help [command]",
			Handle:      m.handleHelp,
		}
	}

	m.mu.Lock()
	m.cmds = table
	m.mu.Unlock()
}

// DispatchLoop consumes updates until ctx is done. Each matched command runs
// in its own goroutine with a timeout and panic recovery; a stuck handler
// must not stall dispatch.
func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			if up.Kind != kit.UpdateMessage || up.Message == nil {
				continue
			}
			m.dispatch(ctx, up.Message)
		}
	}
}

func (m *CommandManager) dispatch(ctx context.Context, msg *kit.Message) {
	route, args, ok := m.parse(msg.Text)
	if !ok {
		return
	}

	m.mu.RLock()
	cmd, found := m.cmds[route]
	owner := m.owners[strings.ToLower(msg.Nick)]
	m.mu.RUnlock()
	if !found {
		return
	}

	req := &Request{
		Message: msg,
		ReplyTo: kit.Target{Channel: msg.Channel, Nick: msg.Nick},
		Command: route,
		Args:    args,
		Logger:  m.log.With(logx.String("cmd", route), logx.String("nick", msg.Nick)),
		Notify:  m.notify,
		Owner:   owner,
	}

	if cmd.Access == AccessOwnerOnly && !owner {
		m.log.Debug("command denied", logx.String("cmd", route), logx.String("nick", msg.Nick))
		return
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}

	go func() {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				m.log.Error("panic in command handler",
					logx.String("cmd", route), logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())))
			}
		}()

		start := time.Now()
		if err := cmd.Handle(cctx, req); err != nil {
			m.log.Warn("command failed", logx.String("cmd", route),
				logx.Duration("took", time.Since(start)), logx.Err(err))
			return
		}
		m.log.Debug("command handled", logx.String("cmd", route), logx.Duration("took", time.Since(start)))
	}()
}

// parse splits ".in 2h tea" into ("in", "2h tea"). Returns ok=false for
// non-command lines.
func (m *CommandManager) parse(text string) (route, args string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, m.prefix) {
		return "", "", false
	}
	rest := text[len(m.prefix):]
	if rest == "" || rest[0] == ' ' {
		return "", "", false
	}
	route, args, _ = strings.Cut(rest, " ")
	return strings.ToLower(route), strings.TrimLeft(args, " "), true
}

func (m *CommandManager) handleHelp(ctx context.Context, req *Request) error {
	// Build the reply under the lock, send outside it (Reply may block on
	// the flood limiter).
	arg := strings.ToLower(strings.TrimSpace(req.Args))

	m.mu.RLock()
	var text string
	if arg != "" {
		cmd, found := m.cmds[arg]
		if !found {
			text = fmt.Sprintf("no such command: %s%s", m.prefix, arg)
		} else {
			text = m.prefix + cmd.Route
			if cmd.Description != "" {
				text += " - " + cmd.Description
			}
			if cmd.Usage != "" {
				text += " (usage: " + cmd.Usage + ")"
			}
		}
	} else {
		names := make([]string, 0, len(m.cmds))
		for name := range m.cmds {
			names = append(names, m.prefix+name)
		}
		sort.Strings(names)
		text = "commands: " + strings.Join(names, " ")
	}
	m.mu.RUnlock()

	return req.Reply(ctx, text)
}
