// Package store implements the durable document tier: the per-type
// collections, batched bulk upsert by natural key, and the sync ledger
// models (sync_status, sync_progress) used by the bulk migrator and
// realtime sync.
package store

import (
	"time"

	"github.com/fieldworks-io/sensorgrid/internal/model"
)

// RealtimeTable, HistoricalTable, TimeseriesTable, and StatisticsTable
// name the four per-sensor-type collections.
func RealtimeTable(t model.SensorType) string   { return "realtime_" + string(t) }
func HistoricalTable(t model.SensorType) string { return "historical_" + string(t) }
func TimeseriesTable(t model.SensorType) string { return "timeseries_" + string(t) }
func StatisticsTable(t model.SensorType) string { return "statistics_" + string(t) }

// RealtimeDoc is one realtime_{type} document. Natural key:
// session_prefix.
type RealtimeDoc struct {
	ID            uint      `gorm:"primaryKey"`
	SessionPrefix string    `gorm:"uniqueIndex:idx_realtime_natural;size:32"`
	Timestamp     time.Time `gorm:"index"`
	ChannelCount  int
	Channels      string `gorm:"type:jsonb"` // {"channel_00": {"value":..,"raw":..}, ...}
	SyncedAt      time.Time
}

// HistoricalDoc is one historical_{type} document. Natural key:
// (session_prefix, timestamp).
type HistoricalDoc struct {
	ID            uint      `gorm:"primaryKey"`
	SessionPrefix string    `gorm:"uniqueIndex:idx_historical_natural;size:32"`
	Timestamp     time.Time `gorm:"uniqueIndex:idx_historical_natural;index"`
	Values        string    `gorm:"type:jsonb"`
	ChannelCount  int
	SyncedAt      time.Time
}

// TimeseriesDoc is one timeseries_{type} document. Natural key:
// (session_prefix, channel, timestamp_unix).
type TimeseriesDoc struct {
	ID            uint      `gorm:"primaryKey"`
	SessionPrefix string    `gorm:"uniqueIndex:idx_timeseries_natural;size:32;index:idx_timeseries_channel"`
	Channel       int       `gorm:"uniqueIndex:idx_timeseries_natural;index:idx_timeseries_channel"`
	TimestampUnix int64     `gorm:"uniqueIndex:idx_timeseries_natural"`
	Timestamp     time.Time `gorm:"index"`
	Value         float64
	SyncedAt      time.Time
}

// StatisticsDoc is one statistics_{type} document. Natural key:
// session_prefix.
type StatisticsDoc struct {
	ID            uint      `gorm:"primaryKey"`
	SessionPrefix string    `gorm:"uniqueIndex:idx_statistics_natural;size:32"`
	LastUpdate    time.Time
	ChannelCount  int
	Statistics    string `gorm:"type:jsonb"` // {"min":..,"max":..,"avg":..,"channel_min":{...},"channel_max":{...}}
	Channels      string `gorm:"type:jsonb"`
	SyncedAt      time.Time
}

// SyncStatus is the idempotency ledger for realtime sync: one row per
// (data_type, key) recording the last-seen timestamp carried in the
// sample itself, so clock skew between hosts cannot affect correctness.
// Historical sync does not use it; its list-length checkpoint lives in
// SyncProgress.
type SyncStatus struct {
	ID        uint   `gorm:"primaryKey"`
	DataType  string `gorm:"uniqueIndex:idx_sync_status_natural;size:32"`
	Key       string `gorm:"uniqueIndex:idx_sync_status_natural;size:256"`
	Timestamp int64  // unix millis of the last record synced for this key
	UpdatedAt time.Time
}

// SyncProgress is the resumability ledger for bulk migration and for
// historical (list length in Count) and timeseries (LastScore) sync.
type SyncProgress struct {
	ID        uint   `gorm:"primaryKey"`
	DataType  string `gorm:"uniqueIndex:idx_sync_progress_natural;size:32"`
	Key       string `gorm:"uniqueIndex:idx_sync_progress_natural;size:256"`
	Count     int64
	LastScore float64
	UpdatedAt time.Time
}

func (SyncStatus) TableName() string   { return "sync_status" }
func (SyncProgress) TableName() string { return "sync_progress" }
