package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSensorIDConvention(t *testing.T) {
	assert.Equal(t, "temperature_m1_00", SensorID(Temperature, "m1", 0))
	assert.Equal(t, "windspeed_station-3_07", SensorID(WindSpeed, "station-3", 7))
	assert.Equal(t, "pressure_m2_12", SensorID(Pressure, "m2", 12))
}

func TestSessionPrefixFormat(t *testing.T) {
	start := time.Date(2026, 1, 15, 9, 30, 45, 0, time.UTC)
	assert.Equal(t, "20260115_093045", SessionPrefix(start))
}

func TestSensorTypeUnits(t *testing.T) {
	assert.Equal(t, "°C", Temperature.Unit())
	assert.Equal(t, "m/s", WindSpeed.Unit())
	assert.Equal(t, "kPa", Pressure.Unit())
	assert.Equal(t, "%RH", Humidity.Unit())
	assert.Empty(t, SensorType("radiation").Unit())
}

func TestModuleConfigValidate(t *testing.T) {
	valid := ModuleConfig{
		ModuleID:       "m1",
		Host:           "10.0.0.11",
		Port:           502,
		SlaveAddr:      1,
		FunctionCode:   4,
		RegisterCount:  2,
		ChannelCount:   2,
		SensorType:     Temperature,
		PollIntervalMS: 1000,
	}
	assert.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*ModuleConfig)
	}{
		{"missing module_id", func(m *ModuleConfig) { m.ModuleID = "" }},
		{"missing host", func(m *ModuleConfig) { m.Host = "" }},
		{"slave_addr zero", func(m *ModuleConfig) { m.SlaveAddr = 0 }},
		{"bad function code", func(m *ModuleConfig) { m.FunctionCode = 6 }},
		{"register_count zero", func(m *ModuleConfig) { m.RegisterCount = 0 }},
		{"register_count over limit", func(m *ModuleConfig) { m.RegisterCount = 126 }},
		{"channels exceed registers", func(m *ModuleConfig) { m.ChannelCount = 3 }},
		{"unknown sensor type", func(m *ModuleConfig) { m.SensorType = "radiation" }},
		{"zero poll interval", func(m *ModuleConfig) { m.PollIntervalMS = 0 }},
		{"poll interval below minimum", func(m *ModuleConfig) { m.PollIntervalMS = 5 }},
	}
	for _, tt := range tests {
		cfg := valid
		tt.mutate(&cfg)
		assert.ErrorIs(t, cfg.Validate(), ErrConfig, tt.name)
	}
}

func TestModbusExceptionMessage(t *testing.T) {
	exc := &ModbusException{Code: 2}
	assert.Equal(t, "modbus exception: code 2", exc.Error())
}
