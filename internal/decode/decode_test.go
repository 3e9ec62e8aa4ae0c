package decode

import (
	"testing"

	"github.com/fieldworks-io/sensorgrid/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTemperatureRTC(t *testing.T) {
	conv, err := ForModule(model.ModuleConfig{SensorType: model.Temperature, IsRTC: true})
	require.NoError(t, err)

	v, err := conv(0x00FA)
	require.NoError(t, err)
	assert.InDelta(t, 25.0, v, 0.0001)

	v, err = conv(0xFFEC)
	require.NoError(t, err)
	assert.InDelta(t, -2.0, v, 0.0001)
}

func TestTemperaturePlainClamp(t *testing.T) {
	conv, err := ForModule(model.ModuleConfig{SensorType: model.Temperature, IsRTC: false})
	require.NoError(t, err)

	_, err = conv(65000) // 6500.0 C, out of -50..200
	assert.ErrorIs(t, err, model.ErrDecode)
}

func TestWindSpeedPressureHumidity(t *testing.T) {
	wc, err := ForModule(model.ModuleConfig{SensorType: model.WindSpeed})
	require.NoError(t, err)
	v, err := wc(500)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, v, 0.0001)

	pc, err := ForModule(model.ModuleConfig{SensorType: model.Pressure})
	require.NoError(t, err)
	v, err = pc(55000)
	require.NoError(t, err)
	assert.InDelta(t, 55.0, v, 0.0001)

	hc, err := ForModule(model.ModuleConfig{SensorType: model.Humidity})
	require.NoError(t, err)
	v, err = hc(6500)
	require.NoError(t, err)
	assert.InDelta(t, 65.0, v, 0.0001)
}

func TestUnknownCustomConversionIsConfigError(t *testing.T) {
	_, err := ForModule(model.ModuleConfig{
		SensorType: model.Temperature,
		Conversion: &model.ConversionSpec{Kind: "quadratic"},
	})
	assert.ErrorIs(t, err, model.ErrConfig)
}

func TestCustomLinearConversion(t *testing.T) {
	conv, err := ForModule(model.ModuleConfig{
		SensorType: model.Temperature,
		Conversion: &model.ConversionSpec{Kind: "linear", Scale: 0.1, Signed: true},
	})
	require.NoError(t, err)
	v, err := conv(0xFFEC)
	require.NoError(t, err)
	assert.InDelta(t, -2.0, v, 0.0001)
}
