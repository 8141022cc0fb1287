package remind

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"remindbot/internal/eventbus"
	"remindbot/internal/plugin"
	kit "remindbot/internal/transport"
	"remindbot/pkg/logx"
)

const (
	defaultPath       = "data/reminders.json"
	defaultSweepEvery = time.Minute
)

// Config is the per-plugin config blob.
type Config struct {
	// Path of the reminder snapshot file.
	Path string `json:"path"`
	// SweepEvery paces the backstop job that nudges the fire loop in case
	// a timer was lost. Go duration string.
	SweepEvery string `json:"sweep_every"`
}

type reminderEvent struct {
	ID      string    `json:"id"`
	Nick    string    `json:"nick"`
	Channel string    `json:"channel,omitempty"`
	DueAt   time.Time `json:"due_at"`
	Err     string    `json:"err,omitempty"`
}

// Plugin implements the .in, .at, and .tz commands.
type Plugin struct {
	plugin.Base

	mu         sync.Mutex
	path       string
	sweepEvery time.Duration

	clk      clock.Clock
	store    *Store
	resolver TimezoneResolver
}

func New() *Plugin {
	return &Plugin{
		path:       defaultPath,
		sweepEvery: defaultSweepEvery,
		clk:        clock.New(),
	}
}

func (p *Plugin) Name() string { return "remind" }

func (p *Plugin) Init(ctx context.Context, deps plugin.Deps) error {
	p.InitBase(deps, p.Name())
	p.resolver = NewResolver(deps.Store, p.Log)
	return nil
}

func (p *Plugin) OnConfigChange(ctx context.Context, raw json.RawMessage) error {
	cfg, err := plugin.DecodeConfig[Config](raw)
	if err != nil {
		return fmt.Errorf("remind: decode config: %w", err)
	}
	sweep := defaultSweepEvery
	if cfg.SweepEvery != "" {
		sweep, err = time.ParseDuration(cfg.SweepEvery)
		if err != nil || sweep <= 0 {
			return fmt.Errorf("remind: invalid sweep_every %q", cfg.SweepEvery)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if cfg.Path != "" {
		// a path change takes effect on the next start
		p.path = cfg.Path
	}
	p.sweepEvery = sweep
	return nil
}

func (p *Plugin) Start(ctx context.Context) error {
	p.StartBase(ctx)

	p.mu.Lock()
	path := p.path
	sweep := p.sweepEvery
	p.mu.Unlock()

	store := NewStore(path, p.clk, p.Log)
	if err := store.Load(); err != nil {
		return err
	}
	p.mu.Lock()
	p.store = store
	p.mu.Unlock()

	loop := NewFireLoop(store, p.deliver, p.clk, p.Log)
	p.Runner.Go("fireloop", loop.Run)

	// Backstop in case a wakeup is ever missed; the loop owns the real
	// timing.
	if err := p.Every("sweep", sweep, 5*time.Second, func(ctx context.Context) error {
		store.Kick()
		return nil
	}); err != nil {
		p.Log.Warn("sweep job not registered", logx.Err(err))
	}

	p.Log.Info("reminders ready", logx.Int("pending", store.Len()), logx.String("path", path))
	return nil
}

func (p *Plugin) Stop(ctx context.Context) error {
	p.RemoveJob("sweep")
	return p.StopBase(ctx)
}

func (p *Plugin) Commands() []plugin.Command {
	return []plugin.Command{
		{
			Route:       "in",
			Description: "set a reminder after a duration",
			Usage:       "in <duration> [message], e.g. .in 1h30m check the oven",
			Handle:      p.handleIn,
		},
		{
			Route:       "at",
			Description: "set a reminder at an exact time or date",
			Usage:       "at <HH:MM[:SS]> [YYYY-MM-DD] [message], either order",
			Handle:      p.handleAt,
		},
		{
			Route:       "tz",
			Description: "view or set your reminder timezone",
			Usage:       "tz [<zone>|clear|channel <zone>|channel clear]",
			Handle:      p.handleTz,
		},
	}
}

func (p *Plugin) currentStore() *Store {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.store
}

func (p *Plugin) handleIn(ctx context.Context, req *plugin.Request) error {
	store := p.currentStore()
	if store == nil {
		return req.Reply(ctx, "reminders are not ready yet, try again in a moment")
	}
	if strings.TrimSpace(req.Args) == "" {
		return req.Reply(ctx, "when and what would you like me to remind? try: .in 2m30s take a break")
	}

	d, message, err := ParseIn(req.Args)
	if err != nil {
		return p.rejectParse(ctx, req, err)
	}

	now := p.clk.Now().UTC()
	r, err := store.Schedule(req.Message.Nick, req.Message.Channel, message, now.Add(d))
	if err != nil {
		p.Log.Error("schedule failed", logx.Err(err))
		return req.Reply(ctx, "sorry, I could not save that reminder")
	}
	p.emit("reminder.scheduled", r, nil)

	loc := p.resolver.Resolve(ctx, req.Message.Nick, req.Message.Channel)
	return req.Reply(ctx, "I will remind you of that at "+formatDue(r.DueAt, now, loc))
}

func (p *Plugin) handleAt(ctx context.Context, req *plugin.Request) error {
	store := p.currentStore()
	if store == nil {
		return req.Reply(ctx, "reminders are not ready yet, try again in a moment")
	}
	if strings.TrimSpace(req.Args) == "" {
		return req.Reply(ctx, "when and what would you like me to remind? try: .at 19:30 stand up")
	}

	loc := p.resolver.Resolve(ctx, req.Message.Nick, req.Message.Channel)
	now := p.clk.Now().In(loc)

	due, message, err := ParseAt(req.Args, now)
	if err != nil {
		return p.rejectParse(ctx, req, err)
	}

	r, err := store.Schedule(req.Message.Nick, req.Message.Channel, message, due)
	if err != nil {
		p.Log.Error("schedule failed", logx.Err(err))
		return req.Reply(ctx, "sorry, I could not save that reminder")
	}
	p.emit("reminder.scheduled", r, nil)

	return req.Reply(ctx, "I will remind you of that at "+formatDue(r.DueAt, now, loc))
}

func (p *Plugin) handleTz(ctx context.Context, req *plugin.Request) error {
	st := p.Deps.Store
	if st == nil {
		return req.Reply(ctx, "timezone settings are not available")
	}

	args := strings.Fields(req.Args)
	switch {
	case len(args) == 0:
		loc := p.resolver.Resolve(ctx, req.Message.Nick, req.Message.Channel)
		return req.Reply(ctx, "your reminder timezone is "+loc.String())

	case args[0] == "channel":
		if req.Message.Channel == "" {
			return req.Reply(ctx, "channel timezones can only be set from a channel")
		}
		if !req.Owner {
			return req.Reply(ctx, "only bot owners may change a channel timezone")
		}
		if len(args) < 2 {
			return req.Reply(ctx, "usage: .tz channel <zone> or .tz channel clear")
		}
		zone := args[1]
		if zone == "clear" {
			zone = ""
		} else if _, err := time.LoadLocation(zone); err != nil {
			return req.Reply(ctx, fmt.Sprintf("unknown timezone %q, use an IANA name like Europe/Paris", zone))
		}
		if err := st.SetChannelTimezone(ctx, req.Message.Channel, zone); err != nil {
			p.Log.Error("set channel timezone failed", logx.Err(err))
			return req.Reply(ctx, "sorry, I could not save that setting")
		}
		if zone == "" {
			return req.Reply(ctx, "channel timezone cleared")
		}
		return req.Reply(ctx, "channel timezone set to "+zone)

	default:
		zone := args[0]
		if zone == "clear" {
			zone = ""
		} else if _, err := time.LoadLocation(zone); err != nil {
			return req.Reply(ctx, fmt.Sprintf("unknown timezone %q, use an IANA name like Europe/Paris", zone))
		}
		if err := st.SetUserTimezone(ctx, req.Message.Nick, zone); err != nil {
			p.Log.Error("set user timezone failed", logx.Err(err))
			return req.Reply(ctx, "sorry, I could not save that setting")
		}
		if zone == "" {
			return req.Reply(ctx, "your timezone is cleared")
		}
		return req.Reply(ctx, "your timezone is set to "+zone)
	}
}

func (p *Plugin) rejectParse(ctx context.Context, req *plugin.Request, err error) error {
	var pe *ParseError
	if errors.As(err, &pe) && pe.Token != "" {
		return req.Reply(ctx, fmt.Sprintf("sorry, I did not understand %q (%s)", pe.Token, pe.Reason))
	}
	return req.Reply(ctx, "sorry, I did not understand that")
}

// deliver is the fire loop callback: one reminder to its origin channel,
// or by private message when there is none.
func (p *Plugin) deliver(ctx context.Context, r Reminder) error {
	text := r.Message
	if text == "" {
		text = "this is your reminder"
	}
	err := p.Send(ctx, kit.Notification{
		Target: kit.Target{Channel: r.Channel, Nick: r.Nick},
		Text:   text,
	})
	if err != nil {
		p.emit("reminder.failed", r, err)
		return err
	}
	p.emit("reminder.fired", r, nil)
	return nil
}

func (p *Plugin) emit(typ string, r Reminder, err error) {
	bus := p.Deps.Bus
	if bus == nil {
		return
	}
	ev := reminderEvent{ID: r.ID, Nick: r.Nick, Channel: r.Channel, DueAt: r.DueAt}
	if err != nil {
		ev.Err = err.Error()
	}
	bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

// formatDue renders a due time for the confirmation reply, in the user's
// resolved timezone, with the date included when it is not today.
func formatDue(due, now time.Time, loc *time.Location) string {
	d := due.In(loc)
	n := now.In(loc)
	if d.Year() == n.Year() && d.YearDay() == n.YearDay() {
		return d.Format("15:04:05")
	}
	return d.Format("2006-01-02 15:04:05 MST")
}
