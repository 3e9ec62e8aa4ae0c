package syncer

import (
	"testing"
	"time"

	"github.com/fieldworks-io/sensorgrid/internal/model"
	"github.com/stretchr/testify/assert"
)

func TestParseRealtimeKey(t *testing.T) {
	session, st, sensorID, ok := parseRealtimeKey("20260101_120000:sensor:pressure:pressure_m4_00:realtime")
	assert.True(t, ok)
	assert.Equal(t, "20260101_120000", session)
	assert.Equal(t, model.Pressure, st)
	assert.Equal(t, "pressure_m4_00", sensorID)

	_, _, _, ok = parseRealtimeKey("sensor:pressure:pressure_m4_00:timeseries")
	assert.False(t, ok)

	session, _, _, ok = parseRealtimeKey("sensor:temperature:temperature_m1_00:realtime")
	assert.True(t, ok)
	assert.Empty(t, session)
}

func TestDurationOrDefault(t *testing.T) {
	assert.Equal(t, 250*time.Millisecond, durationOrDefault(250, time.Second))
	assert.Equal(t, time.Second, durationOrDefault(0, time.Second))
	assert.Equal(t, time.Second, durationOrDefault(-5, time.Second))
}

func TestSessionAndKeySelection(t *testing.T) {
	s := New(nil, nil, model.DefaultSyncConfig(), "20260101_120000")

	normal := sensorUnit{sensorID: "temperature_m1_00", t: model.Temperature}
	assert.Equal(t, "20260101_120000", s.sessionFor(normal))
	assert.Equal(t, "20260101_120000:sensor:temperature:temperature_m1_00:realtime", s.realtimeKeyFor(normal))
	assert.Equal(t, "20260101_120000:sensor:temperature:temperature_m1_00:history", s.historyKeyFor(normal))

	legacy := sensorUnit{t: model.Temperature, legacy: true}
	assert.Empty(t, s.sessionFor(legacy))
	assert.Equal(t, "temperature:realtime", s.realtimeKeyFor(legacy))
	assert.Equal(t, "temperature:history", s.historyKeyFor(legacy))
}

func TestParseTSMemberLegacyFallback(t *testing.T) {
	v, ok := parseTSMember("23.400000:15")
	assert.True(t, ok)
	assert.InDelta(t, 23.4, v, 0.0001)

	v, ok = parseTSMember("23.4")
	assert.True(t, ok)
	assert.InDelta(t, 23.4, v, 0.0001)
}
