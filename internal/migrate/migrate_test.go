package migrate

import (
	"testing"

	"github.com/fieldworks-io/sensorgrid/internal/model"
	"github.com/stretchr/testify/assert"
)

func TestParseRealtimeKey(t *testing.T) {
	tests := []struct {
		key      string
		session  string
		t        model.SensorType
		sensorID string
		ok       bool
	}{
		{"sensor:temperature:temperature_m1_00:realtime", "", model.Temperature, "temperature_m1_00", true},
		{"20260101_120000:sensor:windspeed:windspeed_m2_01:realtime", "20260101_120000", model.WindSpeed, "windspeed_m2_01", true},
		{"sensor:humidity:humidity_m3_00:history", "", "", "", false},
		{"temperature:realtime", "", "", "", false},
		{"garbage", "", "", "", false},
	}

	for _, tt := range tests {
		session, st, sensorID, ok := parseRealtimeKey(tt.key)
		assert.Equal(t, tt.ok, ok, tt.key)
		if !tt.ok {
			continue
		}
		assert.Equal(t, tt.session, session, tt.key)
		assert.Equal(t, tt.t, st, tt.key)
		assert.Equal(t, tt.sensorID, sensorID, tt.key)
	}
}

func TestParseTSMember(t *testing.T) {
	v, ok := parseTSMember("25.500000:7")
	assert.True(t, ok)
	assert.InDelta(t, 25.5, v, 0.0001)

	// legacy members carry no counter suffix
	v, ok = parseTSMember("25.5")
	assert.True(t, ok)
	assert.InDelta(t, 25.5, v, 0.0001)

	v, ok = parseTSMember("-2.000000:0")
	assert.True(t, ok)
	assert.InDelta(t, -2.0, v, 0.0001)

	_, ok = parseTSMember("not-a-number")
	assert.False(t, ok)
}

func TestChannelOf(t *testing.T) {
	assert.Equal(t, 0, channelOf("temperature_m1_00"))
	assert.Equal(t, 7, channelOf("pressure_station-3_07"))
	assert.Equal(t, 12, channelOf("humidity_m2_12"))
	assert.Equal(t, 0, channelOf("bogus"))
}

func TestLegacyChannelOf(t *testing.T) {
	assert.Equal(t, 3, legacyChannelOf("temperature:timeseries:channel_03"))
	assert.Equal(t, 0, legacyChannelOf("temperature:timeseries:channel_00"))
	assert.Equal(t, 0, legacyChannelOf("temperature:timeseries"))
}
