// Package decode converts raw Modbus register words into engineering-unit
// floating point values. Converters are pure functions; unknown custom
// conversions are rejected at config load time, never at read time.
package decode

import (
	"fmt"
	"math"

	"github.com/fieldworks-io/sensorgrid/internal/model"
)

// Converter turns one raw register word into an engineering-unit value.
// It returns an error (wrapping model.ErrDecode) if the value is rejected
// by a clamp.
type Converter func(raw uint16) (float64, error)

// ForModule resolves the converter to use for a module's sensor type,
// honoring IsRTC and an optional custom Conversion spec.
func ForModule(cfg model.ModuleConfig) (Converter, error) {
	if cfg.Conversion != nil {
		return fromSpec(*cfg.Conversion)
	}

	switch cfg.SensorType {
	case model.Temperature:
		if cfg.IsRTC {
			return temperatureRTC, nil
		}
		return temperaturePlain, nil
	case model.WindSpeed:
		return windSpeed, nil
	case model.Pressure:
		return pressure, nil
	case model.Humidity:
		return humidity, nil
	default:
		return nil, fmt.Errorf("%w: no built-in decoder for sensor type %q", model.ErrConfig, cfg.SensorType)
	}
}

// temperatureRTC: signed-16 interpretation of the raw word, then /10.0.
func temperatureRTC(raw uint16) (float64, error) {
	return float64(int16(raw)) / 10.0, nil
}

// temperaturePlain: unsigned-16, /10.0, clamped to -50..200.
func temperaturePlain(raw uint16) (float64, error) {
	return clamp(float64(raw)/10.0, -50, 200)
}

func windSpeed(raw uint16) (float64, error) {
	return float64(raw) / 100.0, nil
}

func pressure(raw uint16) (float64, error) {
	return float64(raw) / 1000.0, nil
}

func humidity(raw uint16) (float64, error) {
	return float64(raw) / 100.0, nil
}

func clamp(v, lo, hi float64) (float64, error) {
	if v < lo || v > hi {
		return math.NaN(), fmt.Errorf("%w: value %f out of range [%f, %f]", model.ErrDecode, v, lo, hi)
	}
	return v, nil
}

func fromSpec(spec model.ConversionSpec) (Converter, error) {
	if spec.Kind != "linear" {
		return nil, fmt.Errorf("%w: unknown conversion kind %q", model.ErrConfig, spec.Kind)
	}
	scale, offset, signed, clampRange := spec.Scale, spec.Offset, spec.Signed, spec.Clamp
	return func(raw uint16) (float64, error) {
		var base float64
		if signed {
			base = float64(int16(raw))
		} else {
			base = float64(raw)
		}
		v := base*scale + offset
		if clampRange != nil {
			return clamp(v, clampRange[0], clampRange[1])
		}
		return v, nil
	}, nil
}
