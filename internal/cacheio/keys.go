// Package cacheio implements the cache tier: the key schema (realtime
// hash, bounded history list, sorted time-series, statistics hash) and a
// batched Redis pipeline writer.
package cacheio

import "fmt"

const (
	HistoryMax     = 1000
	TimeseriesMax  = 10000
	RealtimeTTLSec = 3600
)

// RealtimeKey, HistoryKey, TimeseriesKey, and StatisticsKey build the
// session-prefixed key forms. sessionPrefix may be empty for flat
// single-session deployments.
func RealtimeKey(sessionPrefix string, t, sensorID string) string {
	return prefixed(sessionPrefix, fmt.Sprintf("sensor:%s:%s:realtime", t, sensorID))
}

func HistoryKey(sessionPrefix string, t, sensorID string) string {
	return prefixed(sessionPrefix, fmt.Sprintf("sensor:%s:%s:history", t, sensorID))
}

func TimeseriesKey(sessionPrefix string, t, sensorID string) string {
	return prefixed(sessionPrefix, fmt.Sprintf("sensor:%s:%s:timeseries", t, sensorID))
}

func StatisticsKey(sessionPrefix string, t string) string {
	return prefixed(sessionPrefix, fmt.Sprintf("sensor:%s:statistics", t))
}

func prefixed(sessionPrefix, key string) string {
	if sessionPrefix == "" {
		return key
	}
	return sessionPrefix + ":" + key
}

// Legacy per-channel temperature schema, still written by older
// deployments and mirrored by Writer for temperature samples. The
// migrator and realtime sync read both forms and store legacy data under
// the empty session_prefix; no precedence rule between the two forms is
// applied.
func LegacyRealtimeKey() string { return "temperature:realtime" }
func LegacyHistoryKey() string  { return "temperature:history" }
func LegacyTimeseriesKey(channel int) string {
	return fmt.Sprintf("temperature:timeseries:channel_%02d", channel)
}
func LegacyTimeseriesPattern() string { return "temperature:timeseries:channel_*" }
func LegacyStatisticsKey() string     { return "temperature:statistics" }
