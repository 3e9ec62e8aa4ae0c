package reader

import (
	"math/rand"
	"time"

	"github.com/fieldworks-io/sensorgrid/internal/model"
)

// backoff computes the bounded exponential reconnect delay: start at
// InitialMS, multiply toward the MaxMS cap, jitter each delay by
// +/-JitterPct.
type backoff struct {
	cfg     model.ReconnectBackoff
	current time.Duration
}

func newBackoff(cfg model.ReconnectBackoff) *backoff {
	return &backoff{cfg: cfg, current: time.Duration(cfg.InitialMS) * time.Millisecond}
}

// next returns the delay to sleep before the next connect attempt and
// advances the internal counter toward the cap.
func (b *backoff) next() time.Duration {
	base := b.current
	jitterFrac := (rand.Float64()*2 - 1) * b.cfg.JitterPct
	delay := time.Duration(float64(base) * (1 + jitterFrac))
	if delay < 0 {
		delay = 0
	}

	next := time.Duration(float64(b.current) * b.cfg.Multiplier)
	max := time.Duration(b.cfg.MaxMS) * time.Millisecond
	if next > max {
		next = max
	}
	b.current = next

	return delay
}

// reset returns the backoff counter to its initial value after a
// successful poll.
func (b *backoff) reset() {
	b.current = time.Duration(b.cfg.InitialMS) * time.Millisecond
}

// maxPossible is the largest delay next() can ever return.
func (b *backoff) maxPossible() time.Duration {
	max := time.Duration(b.cfg.MaxMS) * time.Millisecond
	return time.Duration(float64(max) * (1 + b.cfg.JitterPct))
}
