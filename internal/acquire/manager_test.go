package acquire

import (
	"context"
	"testing"
	"time"

	"github.com/fieldworks-io/sensorgrid/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(id string) model.ModuleConfig {
	return model.ModuleConfig{
		ModuleID:       id,
		Host:           "127.0.0.1",
		Port:           15020,
		SlaveAddr:      1,
		FunctionCode:   4,
		RegisterCount:  2,
		ChannelCount:   2,
		SensorType:     model.Temperature,
		IsRTC:          true,
		PollIntervalMS: 1000,
	}
}

func TestAddRejectsDuplicateModule(t *testing.T) {
	m := New(model.DefaultAcquisitionConfig(), "20260101_000000", 16)
	require.NoError(t, m.Add(testConfig("m1")))
	err := m.Add(testConfig("m1"))
	assert.ErrorIs(t, err, model.ErrConfig)
}

func TestAddValidatesConfig(t *testing.T) {
	m := New(model.DefaultAcquisitionConfig(), "20260101_000000", 16)
	bad := testConfig("m1")
	bad.FunctionCode = 6
	assert.ErrorIs(t, m.Add(bad), model.ErrConfig)
}

func TestRemoveUnknownModule(t *testing.T) {
	m := New(model.DefaultAcquisitionConfig(), "20260101_000000", 16)
	assert.ErrorIs(t, m.Remove("nope"), model.ErrConfig)
}

// With a blocked consumer, overflow drops the oldest buffered samples:
// the subscriber eventually receives exactly the buffer capacity, the
// dropped counter accounts for the rest, and the retained samples are
// the most recent ones.
func TestOverflowDropsOldest(t *testing.T) {
	const capacity = 64
	const produced = 128

	m := New(model.DefaultAcquisitionConfig(), "20260101_000000", capacity)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartAll(ctx)

	for i := 0; i < produced; i++ {
		m.in <- model.SensorReading{SensorID: "temperature_m1_00", Channel: i}
	}

	// Let the pump cycle everything through the full output buffer.
	require.Eventually(t, func() bool {
		return m.droppedOldest.Load() == produced-capacity
	}, 2*time.Second, 10*time.Millisecond)

	out := m.Subscribe()
	received := make([]model.SensorReading, 0, capacity)
	for len(received) < capacity {
		select {
		case r := <-out:
			received = append(received, r)
		case <-time.After(time.Second):
			t.Fatalf("expected %d samples, got %d", capacity, len(received))
		}
	}

	assert.Equal(t, int64(produced-capacity), m.droppedOldest.Load())
	// The oldest samples were displaced; the retained window is the tail.
	assert.Equal(t, produced-capacity, received[0].Channel)
	assert.Equal(t, produced-1, received[len(received)-1].Channel)

	select {
	case <-out:
		t.Fatal("more samples than buffer capacity were retained")
	case <-time.After(50 * time.Millisecond):
	}

	m.StopAll()
}

func TestStartAllIdempotent(t *testing.T) {
	m := New(model.DefaultAcquisitionConfig(), "20260101_000000", 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.StartAll(ctx)
	first := m.Subscribe()
	m.StartAll(ctx)
	assert.Equal(t, first, m.Subscribe())

	m.StopAll()
	m.StopAll()
}

func TestStatisticsReportsRegisteredModules(t *testing.T) {
	m := New(model.DefaultAcquisitionConfig(), "20260101_000000", 16)
	require.NoError(t, m.Add(testConfig("m1")))
	require.NoError(t, m.Add(testConfig("m2")))

	stats := m.Statistics()
	assert.Len(t, stats.Modules, 2)
	assert.Contains(t, stats.Modules, "m1")
	assert.Contains(t, stats.Modules, "m2")
	assert.Zero(t, stats.DroppedOldest)
}
