package remind

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"

	"remindbot/pkg/logx"
)

// DeliverFunc sends one due reminder to its target. A non-nil error keeps
// the reminder pending for the next cycle.
type DeliverFunc func(ctx context.Context, r Reminder) error

// retryDelay paces re-delivery after a failed cycle so the loop does not
// spin while the outbound channel is down.
const retryDelay = 5 * time.Second

// FireLoop drives delivery: it sleeps until the earliest due time, wakes
// when the store signals an earlier schedule, delivers everything due, and
// removes each reminder only after its delivery succeeded. Cycles never
// overlap; one must finish before the next wait begins.
type FireLoop struct {
	store   *Store
	deliver DeliverFunc
	clk     clock.Clock
	log     logx.Logger
}

func NewFireLoop(store *Store, deliver DeliverFunc, clk clock.Clock, log logx.Logger) *FireLoop {
	if clk == nil {
		clk = clock.New()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &FireLoop{store: store, deliver: deliver, clk: clk, log: log}
}

// Run blocks until ctx is canceled.
func (f *FireLoop) Run(ctx context.Context) error {
	for {
		next, ok := f.store.Next()
		if !ok {
			// idle: wait for a schedule or shutdown
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-f.store.Wake():
			}
			continue
		}

		now := f.clk.Now()
		if wait := next.Sub(now); wait > 0 {
			t := f.clk.Timer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-f.store.Wake():
				// something may be due earlier now, re-arm
				t.Stop()
				continue
			case <-t.C:
			}
		}

		if failed := f.cycle(ctx); failed {
			// back off before retrying still-due reminders
			t := f.clk.Timer(retryDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
	}
}

// cycle delivers everything due right now. It reports whether any
// delivery failed and left a reminder pending.
func (f *FireLoop) cycle(ctx context.Context) (failed bool) {
	now := f.clk.Now()
	for _, r := range f.store.Due(now) {
		if ctx.Err() != nil {
			return failed
		}
		if err := f.deliver(ctx, r); err != nil {
			failed = true
			f.log.Warn("reminder delivery failed, will retry",
				logx.String("id", r.ID),
				logx.String("nick", r.Nick),
				logx.Err(err),
			)
			continue
		}
		if err := f.store.Remove(r.ID); err != nil {
			// delivered but not yet removed; a duplicate after restart is
			// acceptable, removal is retried next cycle
			failed = true
			f.log.Error("reminder remove failed after delivery",
				logx.String("id", r.ID),
				logx.Err(err),
			)
			continue
		}
		f.log.Debug("reminder fired",
			logx.String("id", r.ID),
			logx.String("nick", r.Nick),
			logx.Time("due_at", r.DueAt),
		)
	}
	return failed
}
