package remind

import (
	"context"
	"time"

	"remindbot/internal/storage"
	"remindbot/pkg/logx"
)

// TimezoneResolver picks the timezone used to interpret absolute time
// expressions: user setting first, then channel setting, then UTC.
type TimezoneResolver interface {
	Resolve(ctx context.Context, nick, channel string) *time.Location
}

type storeResolver struct {
	store storage.Store
	log   logx.Logger
}

// NewResolver builds a TimezoneResolver backed by the settings store.
// A nil store resolves everything to UTC.
func NewResolver(store storage.Store, log logx.Logger) TimezoneResolver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &storeResolver{store: store, log: log}
}

func (r *storeResolver) Resolve(ctx context.Context, nick, channel string) *time.Location {
	if r.store == nil {
		return time.UTC
	}
	if nick != "" {
		if loc := r.lookup(ctx, "user", nick, r.store.UserTimezone); loc != nil {
			return loc
		}
	}
	if channel != "" {
		if loc := r.lookup(ctx, "channel", channel, r.store.ChannelTimezone); loc != nil {
			return loc
		}
	}
	return time.UTC
}

func (r *storeResolver) lookup(ctx context.Context, scope, key string, get func(context.Context, string) (string, bool, error)) *time.Location {
	zone, ok, err := get(ctx, key)
	if err != nil {
		r.log.Warn("timezone lookup failed",
			logx.String("scope", scope),
			logx.String("key", key),
			logx.Err(err),
		)
		return nil
	}
	if !ok || zone == "" {
		return nil
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		// a bad zone sneaked into the store, fall through the chain
		r.log.Warn("stored timezone is invalid",
			logx.String("scope", scope),
			logx.String("key", key),
			logx.String("zone", zone),
		)
		return nil
	}
	return loc
}
