package transport

import "context"

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

// Message is a single inbound chat line.
type Message struct {
	// Channel the line arrived on ("#ops"). Empty for private messages.
	Channel string
	// Nick of the sender.
	Nick string
	// Account is the services account name, if the network exposes one.
	Account string
	Text    string
}

// Target is a delivery destination: a channel, a nick, or both.
// With both set, the send is addressed to the nick inside the channel.
type Target struct {
	Channel string
	Nick    string
}

// Destination returns the raw protocol destination for the target.
func (t Target) Destination() string {
	if t.Channel != "" {
		return t.Channel
	}
	return t.Nick
}

func (t Target) IsZero() bool { return t.Channel == "" && t.Nick == "" }

type SendOptions struct {
	// Notice requests a NOTICE instead of a PRIVMSG where the protocol
	// distinguishes the two.
	Notice bool
}

// Notification is a single outbound message routed through the notify
// service (rate-limited, logged).
type Notification struct {
	Target  Target
	Text    string
	Options *SendOptions
}

// Adapter is the connection boundary. The concrete IRC client lives outside
// this module; anything that can pump Updates and send text can host the bot.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to Target, text string, opt *SendOptions) error
}
