// Package notify funnels all outbound messages through one rate-limited
// path. IRC servers disconnect clients that flood; the limiter keeps the
// bot under the server's threshold no matter how many reminders come due
// at the same instant.
package notify

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	kit "remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

const historyMax = 300

type Config struct {
	RatePerSec int
	Burst      int
}

type Service struct {
	adapter kit.Adapter
	log     logx.Logger
	limiter *rate.Limiter

	mu      sync.Mutex
	history []kit.Notification
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger) *Service {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 2
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 5
	}
	return &Service{
		adapter: adapter,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Apply updates the flood limiter in place on config reload.
func (s *Service) Apply(cfg Config) {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 2
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 5
	}
	s.limiter.SetLimit(rate.Limit(rps))
	s.limiter.SetBurst(burst)
}

// Send delivers one notification, blocking on the flood limiter first.
// A notification addressed to a nick inside a channel is prefixed with the
// nick, the usual IRC reply convention.
func (s *Service) Send(ctx context.Context, n kit.Notification) error {
	if n.Target.IsZero() {
		return errEmptyTarget
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	text := n.Text
	if n.Target.Channel != "" && n.Target.Nick != "" {
		text = n.Target.Nick + ": " + text
	}
	err := s.adapter.SendText(ctx, n.Target, text, n.Options)
	if err != nil {
		s.log.Warn("send failed",
			logx.String("to", n.Target.Destination()), logx.Err(err))
	} else {
		s.log.Debug("sent", logx.String("to", n.Target.Destination()))
	}
	s.appendHistory(n)
	return err
}

// History returns a copy of the recent notification ring (for tests and
// operational inspection).
func (s *Service) History() []kit.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]kit.Notification(nil), s.history...)
}

func (s *Service) appendHistory(n kit.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, n)
	if len(s.history) > historyMax {
		s.history = s.history[len(s.history)-historyMax:]
	}
}
