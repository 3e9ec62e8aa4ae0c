package reader

import (
	"testing"
	"time"

	"github.com/fieldworks-io/sensorgrid/internal/model"
	"github.com/stretchr/testify/assert"
)

func TestBackoffBounded(t *testing.T) {
	cfg := model.ReconnectBackoff{InitialMS: 1000, MaxMS: 30000, Multiplier: 2, JitterPct: 0.2}
	b := newBackoff(cfg)

	max := b.maxPossible()
	for i := 0; i < 20; i++ {
		d := b.next()
		assert.LessOrEqual(t, d, max, "backoff delay exceeded max*(1+jitter) at iteration %d", i)
		assert.GreaterOrEqual(t, d, time.Duration(0))
	}
}

func TestBackoffResets(t *testing.T) {
	cfg := model.ReconnectBackoff{InitialMS: 1000, MaxMS: 30000, Multiplier: 2, JitterPct: 0}
	b := newBackoff(cfg)

	b.next()
	b.next()
	b.next()
	assert.Greater(t, b.current, time.Duration(cfg.InitialMS)*time.Millisecond)

	b.reset()
	assert.Equal(t, time.Duration(cfg.InitialMS)*time.Millisecond, b.current)
}
