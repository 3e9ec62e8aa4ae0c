package model

import (
	"fmt"
	"time"
)

// ConversionSpec describes a custom decoder entry. Unknown kinds are
// rejected by the decoder registry at config load time, never at read
// time.
type ConversionSpec struct {
	Kind   string      `yaml:"kind"`
	Scale  float64     `yaml:"scale"`
	Offset float64     `yaml:"offset"`
	Signed bool        `yaml:"signed"`
	Clamp  *[2]float64 `yaml:"clamp,omitempty"`
}

// ModuleConfig is the static wiring for one field I/O module. It is
// immutable once the module's reader has started. PollIntervalMS is an
// integer millisecond count like every other duration in the document, so
// a bare number in the YAML cannot be misread as nanoseconds.
type ModuleConfig struct {
	ModuleID       string          `yaml:"module_id"`
	Host           string          `yaml:"host"`
	Port           int             `yaml:"port"`
	SlaveAddr      byte            `yaml:"slave_addr"`
	FunctionCode   byte            `yaml:"function_code"`
	StartRegister  uint16          `yaml:"start_register"`
	RegisterCount  uint16          `yaml:"register_count"`
	PollIntervalMS int             `yaml:"poll_interval_ms"`
	SensorType     SensorType      `yaml:"sensor_type"`
	ChannelCount   int             `yaml:"channel_count"`
	Conversion     *ConversionSpec `yaml:"conversion,omitempty"`
	IsRTC          bool            `yaml:"is_rtc"`
}

// minPollIntervalMS guards against intervals too short for a half-duplex
// request/response round trip.
const minPollIntervalMS = 10

// PollInterval returns the poll cadence as a duration.
func (m ModuleConfig) PollInterval() time.Duration {
	return time.Duration(m.PollIntervalMS) * time.Millisecond
}

// Validate checks the wiring invariants. It never performs I/O.
func (m ModuleConfig) Validate() error {
	if m.ModuleID == "" {
		return fmt.Errorf("%w: module_id is required", ErrConfig)
	}
	if m.Host == "" {
		return fmt.Errorf("%w: module %s: host is required", ErrConfig, m.ModuleID)
	}
	if m.SlaveAddr < 1 || m.SlaveAddr > 247 {
		return fmt.Errorf("%w: module %s: slave_addr must be 1..247", ErrConfig, m.ModuleID)
	}
	if m.FunctionCode != 3 && m.FunctionCode != 4 {
		return fmt.Errorf("%w: module %s: function_code must be 3 or 4", ErrConfig, m.ModuleID)
	}
	if m.RegisterCount < 1 || m.RegisterCount > 125 {
		return fmt.Errorf("%w: module %s: register_count must be 1..125", ErrConfig, m.ModuleID)
	}
	if m.ChannelCount <= 0 || m.ChannelCount > int(m.RegisterCount) {
		return fmt.Errorf("%w: module %s: channel_count must be in (0, register_count]", ErrConfig, m.ModuleID)
	}
	if !m.SensorType.Valid() {
		return fmt.Errorf("%w: module %s: unknown sensor_type %q", ErrConfig, m.ModuleID, m.SensorType)
	}
	if m.PollIntervalMS < minPollIntervalMS {
		return fmt.Errorf("%w: module %s: poll_interval_ms must be at least %d", ErrConfig, m.ModuleID, minPollIntervalMS)
	}
	return nil
}

// ReconnectBackoff configures the reconnect delay schedule for a reader.
type ReconnectBackoff struct {
	InitialMS  int     `yaml:"initial_ms"`
	MaxMS      int     `yaml:"max_ms"`
	Multiplier float64 `yaml:"multiplier"`
	JitterPct  float64 `yaml:"jitter_pct"`
}

func DefaultReconnectBackoff() ReconnectBackoff {
	return ReconnectBackoff{InitialMS: 1000, MaxMS: 30000, Multiplier: 2, JitterPct: 0.2}
}

// AcquisitionConfig holds the defaults that apply across module readers.
type AcquisitionConfig struct {
	DefaultPollIntervalMS int              `yaml:"default_poll_interval_ms"`
	DefaultReadTimeoutMS  int              `yaml:"default_read_timeout_ms"`
	ReconnectBackoff      ReconnectBackoff `yaml:"reconnect_backoff"`
	FailureThreshold      int              `yaml:"failure_threshold"`
}

func DefaultAcquisitionConfig() AcquisitionConfig {
	return AcquisitionConfig{
		DefaultPollIntervalMS: 1000,
		DefaultReadTimeoutMS:  1000,
		ReconnectBackoff:      DefaultReconnectBackoff(),
		FailureThreshold:      3,
	}
}

// SyncConfig holds the periods the realtime sync workers run on.
type SyncConfig struct {
	RealtimePeriodMS   int `yaml:"realtime_period_ms"`
	HistoricalPeriodMS int `yaml:"historical_period_ms"`
	TimeseriesPeriodMS int `yaml:"timeseries_period_ms"`
	StatisticsPeriodMS int `yaml:"statistics_period_ms"`
	PageSize           int `yaml:"page_size"`
}

func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		RealtimePeriodMS:   1000,
		HistoricalPeriodMS: 5000,
		TimeseriesPeriodMS: 2000,
		StatisticsPeriodMS: 10000,
		PageSize:           200,
	}
}

type CacheConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"password"`
	PoolSize int    `yaml:"pool_size"`
}

type DocumentStoreConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// AlertConfig wires the optional alert publisher. Omitting it disables
// alert publishing entirely; rule evaluation lives outside this system.
type AlertConfig struct {
	BrokerURL string `yaml:"broker_url"`
	Topic     string `yaml:"topic"`
}

// Config is the top-level configuration document.
type Config struct {
	Modules       []ModuleConfig      `yaml:"modules"`
	Cache         CacheConfig         `yaml:"cache"`
	DocumentStore DocumentStoreConfig `yaml:"document_store"`
	SessionPrefix string              `yaml:"session_prefix"`
	Acquisition   AcquisitionConfig   `yaml:"acquisition"`
	Sync          SyncConfig          `yaml:"sync"`
	Alert         *AlertConfig        `yaml:"alert,omitempty"`
}
