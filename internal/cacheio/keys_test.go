package cacheio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionPrefixedKeys(t *testing.T) {
	assert.Equal(t, "20260101_120000:sensor:temperature:temperature_m1_00:realtime",
		RealtimeKey("20260101_120000", "temperature", "temperature_m1_00"))
	assert.Equal(t, "20260101_120000:sensor:windspeed:windspeed_m2_01:history",
		HistoryKey("20260101_120000", "windspeed", "windspeed_m2_01"))
	assert.Equal(t, "20260101_120000:sensor:pressure:pressure_m3_00:timeseries",
		TimeseriesKey("20260101_120000", "pressure", "pressure_m3_00"))
	assert.Equal(t, "20260101_120000:sensor:humidity:statistics",
		StatisticsKey("20260101_120000", "humidity"))
}

func TestFlatKeysWithoutSession(t *testing.T) {
	assert.Equal(t, "sensor:temperature:temperature_m1_00:realtime",
		RealtimeKey("", "temperature", "temperature_m1_00"))
	assert.Equal(t, "sensor:temperature:statistics", StatisticsKey("", "temperature"))
}

func TestLegacyKeys(t *testing.T) {
	assert.Equal(t, "temperature:realtime", LegacyRealtimeKey())
	assert.Equal(t, "temperature:history", LegacyHistoryKey())
	assert.Equal(t, "temperature:timeseries:channel_03", LegacyTimeseriesKey(3))
	assert.Equal(t, "temperature:statistics", LegacyStatisticsKey())
}

func TestTiedMemberMonotonicPerSensor(t *testing.T) {
	w := New(nil, "")
	a := w.tiedMember("temperature_m1_00", 25.0)
	b := w.tiedMember("temperature_m1_00", 25.0)
	c := w.tiedMember("temperature_m1_01", 25.0)
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, c) // counters are per sensor
}
