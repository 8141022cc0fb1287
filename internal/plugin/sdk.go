package plugin

import (
	"context"
	"errors"
	"time"

	rtsup "remindbot/internal/runtime/supervisor"
	kit "remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

// Base is a small helper to make writing plugins faster and safer.
// Typical usage:
//
//	type Plugin struct { plugin.Base }
//	func (p *Plugin) Init(ctx context.Context, deps plugin.Deps) error { p.InitBase(deps, p.Name()); return nil }
//	func (p *Plugin) Start(ctx context.Context) error { p.StartBase(ctx); p.Runner.Go(...); return nil }
//	func (p *Plugin) Stop(ctx context.Context) error { return p.StopBase(ctx) }
type Base struct {
	Log        logx.Logger
	Deps       Deps
	Runner     *rtsup.Supervisor
	pluginName string

	ctx context.Context
}

// InitBase wires deps + logger.
func (b *Base) InitBase(deps Deps, pluginName string) {
	b.Deps = deps
	b.pluginName = pluginName
	if !deps.Logger.IsZero() {
		b.Log = deps.Logger.With(logx.String("plugin", pluginName))
	} else {
		b.Log = logx.Nop().With(logx.String("plugin", pluginName))
	}
}

// StartBase creates a per-plugin supervisor tied to ctx.
func (b *Base) StartBase(ctx context.Context) {
	b.ctx = ctx
	b.Runner = rtsup.New(ctx, rtsup.WithLogger(b.Log), rtsup.WithCancelOnError(false))
}

// StopBase cancels the runner + waits bounded by ctx.
func (b *Base) StopBase(ctx context.Context) error {
	if b.Runner == nil {
		return nil
	}
	b.Runner.Cancel()
	err := b.Runner.Wait(ctx)
	b.Runner = nil
	return err
}

// Context returns the plugin runtime context (canceled on stop/disable).
func (b *Base) Context() context.Context { return b.ctx }

// Every registers a scheduler job namespaced by plugin name.
func (b *Base) Every(name string, every, timeout time.Duration, job func(ctx context.Context) error) error {
	if b.Deps.Scheduler == nil {
		return errors.New("scheduler not available")
	}
	return b.Deps.Scheduler.AddInterval(b.ns(name), every, timeout, job)
}

// RemoveJob unregisters a previously registered scheduler job.
func (b *Base) RemoveJob(name string) {
	if b.Deps.Scheduler != nil {
		b.Deps.Scheduler.Remove(b.ns(name))
	}
}

func (b *Base) ns(name string) string {
	if b.pluginName == "" {
		return name
	}
	if name == "" {
		return b.pluginName
	}
	return b.pluginName + ":" + name
}

// Send delivers an outbound message through the notify service.
func (b *Base) Send(ctx context.Context, n kit.Notification) error {
	if b.Deps.Notify == nil {
		return errors.New("notify not available")
	}
	return b.Deps.Notify.Send(ctx, n)
}
