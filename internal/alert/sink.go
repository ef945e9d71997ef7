// Package alert fans notifications out to an operator-facing transport
// (console, Telegram), rate-limiting routine alerts so a noisy cycle can't
// flood the channel while immediate alerts always go straight through
// (spec §6).
package alert

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/mrosas-dev/wxtrader/internal/ports"
)

// Sink wraps a transport with a token-bucket limiter for routine alerts.
// Immediate alerts bypass the limiter entirely.
type Sink struct {
	transport ports.AlertTransport
	limiter   *rate.Limiter
	queue     chan ports.Alert
}

// NewSink starts a background drain goroutine bound to ctx; callers enqueue
// via Send and Sink delivers at ratePerSec for routine alerts.
func NewSink(ctx context.Context, transport ports.AlertTransport, ratePerSec float64) *Sink {
	if ratePerSec <= 0 {
		ratePerSec = 0.1 // one per 10s, spec §6
	}
	s := &Sink{
		transport: transport,
		limiter:   rate.NewLimiter(rate.Limit(ratePerSec), 1),
		queue:     make(chan ports.Alert, 256),
	}
	go s.drain(ctx)
	return s
}

func (s *Sink) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.flush()
			return
		case a := <-s.queue:
			if err := s.limiter.Wait(ctx); err != nil {
				// Shutdown arrived while a was held off the queue: deliver
				// it along with whatever is still queued.
				sendCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := s.transport.Send(sendCtx, a); err != nil {
					slog.Warn("alert.Sink: shutdown flush delivery failed", "err", err)
				}
				cancel()
				s.flush()
				return
			}
			if err := s.transport.Send(ctx, a); err != nil {
				slog.Warn("alert.Sink: delivery failed", "err", err)
			}
		}
	}
}

// flush delivers whatever is still queued at shutdown, without the rate
// limit — queued events lost on restart are lost precisely when detection
// was happening (spec §5, §6).
func (s *Sink) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case a := <-s.queue:
			if err := s.transport.Send(ctx, a); err != nil {
				slog.Warn("alert.Sink: shutdown flush delivery failed", "err", err)
			}
		default:
			return
		}
	}
}

// Send implements ports.AlertTransport. Immediate alerts deliver
// synchronously and ignore the limiter; routine alerts queue and may be
// dropped if the queue is full rather than blocking the caller.
func (s *Sink) Send(ctx context.Context, a ports.Alert) error {
	if a.Kind == ports.AlertImmediate {
		return s.transport.Send(ctx, a)
	}
	select {
	case s.queue <- a:
		return nil
	default:
		slog.Warn("alert.Sink: queue full, dropping routine alert", "text", a.Text)
		return nil
	}
}
