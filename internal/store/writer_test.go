package store

import (
	"testing"
	"time"

	"github.com/fieldworks-io/sensorgrid/internal/model"
	"github.com/stretchr/testify/assert"
)

func reading(ch int, value float64) model.SensorReading {
	return model.SensorReading{
		ModuleID:   "m1",
		SensorType: model.Temperature,
		SensorID:   model.SensorID(model.Temperature, "m1", ch),
		Channel:    ch,
		Timestamp:  time.Unix(1767225600, 0),
		Value:      value,
	}
}

func TestRollingStatsWindow(t *testing.T) {
	s := newRollingStats()
	s.observe(reading(0, 25.0))
	s.observe(reading(0, 24.0))
	s.observe(reading(1, 30.0))
	s.observe(reading(1, -2.0))

	assert.Equal(t, int64(4), s.count)
	assert.Equal(t, -2.0, s.min)
	assert.Equal(t, 30.0, s.max)
	assert.InDelta(t, 19.25, s.sum/float64(s.count), 0.0001)
	assert.Equal(t, 24.0, s.channelMin[0])
	assert.Equal(t, 25.0, s.channelMax[0])
	assert.Equal(t, -2.0, s.channelMin[1])
	assert.Equal(t, 30.0, s.channelMax[1])
	assert.Equal(t, 2, s.channelCount)
	// latest keeps the newest value per channel
	assert.Equal(t, 24.0, s.latest[0].Value)
}

func TestRollingStatsSingleSample(t *testing.T) {
	s := newRollingStats()
	s.observe(reading(0, -5.0))
	assert.Equal(t, -5.0, s.min)
	assert.Equal(t, -5.0, s.max)
	assert.Equal(t, 1, s.channelCount)
}

func TestCollectionNames(t *testing.T) {
	assert.Equal(t, "realtime_temperature", RealtimeTable(model.Temperature))
	assert.Equal(t, "historical_windspeed", HistoricalTable(model.WindSpeed))
	assert.Equal(t, "timeseries_pressure", TimeseriesTable(model.Pressure))
	assert.Equal(t, "statistics_humidity", StatisticsTable(model.Humidity))
}

func TestWriteRetriesOnce(t *testing.T) {
	w := &Writer{}
	calls := 0
	w.write("historical_temperature", func() error {
		calls++
		if calls == 1 {
			return assert.AnError
		}
		return nil
	})
	assert.Equal(t, 2, calls)
	assert.Zero(t, w.Statistics().Errors)

	calls = 0
	w.write("historical_temperature", func() error {
		calls++
		return assert.AnError
	})
	assert.Equal(t, 2, calls)
	assert.Equal(t, int64(1), w.Statistics().Errors)
}

func TestChannelKeyFormat(t *testing.T) {
	assert.Equal(t, "channel_00", channelKey(0))
	assert.Equal(t, "channel_07", channelKey(7))
	assert.Equal(t, "channel_12", channelKey(12))
}
