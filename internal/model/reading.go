// Package model holds the data types shared across the acquisition,
// cache, and document-store layers: sensor readings, module wiring, and
// the error kinds every component counts occurrences of.
package model

import (
	"fmt"
	"time"
)

// SensorType tags the kind of measurement a module channel produces.
type SensorType string

const (
	Temperature SensorType = "temperature"
	WindSpeed   SensorType = "windspeed"
	Pressure    SensorType = "pressure"
	Humidity    SensorType = "humidity"
)

// Unit returns the engineering unit associated with a sensor type.
func (t SensorType) Unit() string {
	switch t {
	case Temperature:
		return "°C"
	case WindSpeed:
		return "m/s"
	case Pressure:
		return "kPa"
	case Humidity:
		return "%RH"
	default:
		return ""
	}
}

func (t SensorType) Valid() bool {
	switch t {
	case Temperature, WindSpeed, Pressure, Humidity:
		return true
	default:
		return false
	}
}

// SensorReading is one decoded measurement from one channel at one time.
// It is produced once by a module reader and never mutated afterward.
type SensorReading struct {
	ModuleID      string     `json:"module_id"`
	SensorType    SensorType `json:"sensor_type"`
	SensorID      string     `json:"sensor_id"`
	Channel       int        `json:"channel"`
	Timestamp     time.Time  `json:"timestamp"`
	Raw           uint16     `json:"raw"`
	Value         float64    `json:"value"`
	Unit          string     `json:"unit"`
	SessionPrefix string     `json:"session_prefix"`
}

// SensorID builds the globally-unique sensor identifier, following the
// {type}_{module}_{channel:02} convention. It is stable across restarts.
func SensorID(t SensorType, moduleID string, channel int) string {
	return fmt.Sprintf("%s_%s_%02d", t, moduleID, channel)
}

// SessionPrefix formats the YYYYMMDD_HHMMSS group identifier for one
// acquisition run, given the process start time.
func SessionPrefix(start time.Time) string {
	return start.Format("20060102_150405")
}
