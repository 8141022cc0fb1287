package plugin

import (
	"context"
	"encoding/json"
	"time"

	"remindbot/internal/config"
	"remindbot/internal/eventbus"
	"remindbot/internal/notify"
	"remindbot/internal/scheduler"
	"remindbot/internal/storage"
	kit "remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

type Plugin interface {
	Name() string
	Init(ctx context.Context, deps Deps) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Commands() []Command
}

// ConfigurablePlugin is an optional hook: plugins get their raw config blob
// on startup and on every accepted hot reload.
type ConfigurablePlugin interface {
	OnConfigChange(ctx context.Context, raw json.RawMessage) error
}

type Deps struct {
	Logger     logx.Logger
	Adapter    kit.Adapter
	Config     *config.Manager
	Scheduler  *scheduler.Service
	Notify     *notify.Service
	Bus        eventbus.Bus
	Store      storage.Store
	OwnerNicks []string
}

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type HandlerFunc func(ctx context.Context, req *Request) error

// Command is a single chat command ("in" matches ".in ..." with the
// configured prefix).
type Command struct {
	Route       string
	Description string
	Usage       string
	Access      Access

	PluginName string
	Timeout    time.Duration // optional per-command override
	Handle     HandlerFunc
}

// Request carries one matched command invocation.
type Request struct {
	Message *kit.Message
	// ReplyTo addresses the sender where the command arrived: in-channel
	// with a nick prefix, or by private message.
	ReplyTo kit.Target
	Command string
	// Args is the raw text after the command token, left-trimmed.
	Args string

	Logger logx.Logger
	Notify *notify.Service
	Owner  bool
}

// Reply answers the requester through the notify service.
func (r *Request) Reply(ctx context.Context, text string) error {
	return r.Notify.Send(ctx, kit.Notification{Target: r.ReplyTo, Text: text})
}

// DecodeConfig decodes a per-plugin raw json blob into a typed config struct.
func DecodeConfig[T any](raw json.RawMessage) (T, error) {
	var out T
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}
