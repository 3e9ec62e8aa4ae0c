// Package syncer implements the realtime sync daemon: a long-running
// replicator, independent of the acquisition process, that drains the
// cache tier into the document store through four self-clocked per-type
// workers (realtime, historical, timeseries, statistics). The sync_status
// and sync_progress ledgers live in the document store, so a restarted
// sync resumes exactly and re-running without cache changes creates no
// new documents.
package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fieldworks-io/sensorgrid/internal/cacheio"
	"github.com/fieldworks-io/sensorgrid/internal/model"
	"github.com/fieldworks-io/sensorgrid/internal/store"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var sensorTypes = []model.SensorType{model.Temperature, model.WindSpeed, model.Pressure, model.Humidity}

// Syncer runs the four replication workers.
type Syncer struct {
	cache         *redis.Client
	db            *gorm.DB
	cfg           model.SyncConfig
	sessionPrefix string
}

func New(cache *redis.Client, db *gorm.DB, cfg model.SyncConfig, sessionPrefix string) *Syncer {
	return &Syncer{cache: cache, db: db, cfg: cfg, sessionPrefix: sessionPrefix}
}

// Run starts all four workers and blocks until ctx is cancelled.
func (s *Syncer) Run(ctx context.Context) {
	var wg sync.WaitGroup
	workers := []struct {
		name   string
		period time.Duration
		run    func(context.Context)
	}{
		{"realtime", durationOrDefault(s.cfg.RealtimePeriodMS, time.Second), s.realtimeCycle},
		{"historical", durationOrDefault(s.cfg.HistoricalPeriodMS, 5*time.Second), s.historicalCycle},
		{"timeseries", durationOrDefault(s.cfg.TimeseriesPeriodMS, 2*time.Second), s.timeseriesCycle},
		{"statistics", durationOrDefault(s.cfg.StatisticsPeriodMS, 10*time.Second), s.statisticsCycle},
	}

	for _, w := range workers {
		wg.Add(1)
		go func(name string, period time.Duration, run func(context.Context)) {
			defer wg.Done()
			s.selfClockedLoop(ctx, name, period, run)
		}(w.name, w.period, w.run)
	}
	wg.Wait()
}

func durationOrDefault(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// selfClockedLoop runs cycle repeatedly. If a cycle overruns its period
// the next one starts immediately; a per-cycle deadline of twice the
// period bounds total work, and unfinished work is picked up next cycle.
func (s *Syncer) selfClockedLoop(ctx context.Context, name string, period time.Duration, cycle func(context.Context)) {
	for {
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		cycleCtx, cancel := context.WithTimeout(ctx, period*2)
		cycle(cycleCtx)
		cancel()

		elapsed := time.Since(start)
		if elapsed > period {
			log.Printf("[syncer:%s] cycle overran period (%v > %v)", name, elapsed.Round(time.Millisecond), period)
		}
		delay := period - elapsed
		if delay < 0 {
			delay = 0
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// sensorUnit identifies one replication unit discovered in the cache.
// Legacy units cover the flat per-channel temperature keys, which carry
// no session prefix and land under the empty session.
type sensorUnit struct {
	sensorID string
	t        model.SensorType
	legacy   bool
}

func (s *Syncer) discoverSensors(ctx context.Context) []sensorUnit {
	var units []sensorUnit
	iter := s.cache.Scan(ctx, 0, "*sensor:*:realtime", 200).Iterator()
	for iter.Next(ctx) {
		session, t, sensorID, ok := parseRealtimeKey(iter.Val())
		if !ok || session != s.sessionPrefix {
			continue
		}
		units = append(units, sensorUnit{sensorID: sensorID, t: t})
	}
	if err := iter.Err(); err != nil {
		log.Printf("[syncer] sensor discovery scan failed: %v", err)
	}

	if exists, err := s.cache.Exists(ctx, cacheio.LegacyRealtimeKey()).Result(); err == nil && exists > 0 {
		units = append(units, sensorUnit{t: model.Temperature, legacy: true})
	}
	return units
}

func (s *Syncer) sessionFor(u sensorUnit) string {
	if u.legacy {
		return ""
	}
	return s.sessionPrefix
}

func (s *Syncer) realtimeKeyFor(u sensorUnit) string {
	if u.legacy {
		return cacheio.LegacyRealtimeKey()
	}
	return cacheio.RealtimeKey(s.sessionPrefix, string(u.t), u.sensorID)
}

func (s *Syncer) historyKeyFor(u sensorUnit) string {
	if u.legacy {
		return cacheio.LegacyHistoryKey()
	}
	return cacheio.HistoryKey(s.sessionPrefix, string(u.t), u.sensorID)
}

func parseRealtimeKey(key string) (session string, t model.SensorType, sensorID string, ok bool) {
	idx := strings.Index(key, "sensor:")
	if idx < 0 {
		return "", "", "", false
	}
	session = strings.TrimSuffix(key[:idx], ":")
	rest := key[idx+len("sensor:"):]
	parts := strings.SplitN(rest, ":", 3)
	if len(parts) != 3 || parts[2] != "realtime" {
		return "", "", "", false
	}
	return session, model.SensorType(parts[0]), parts[1], true
}

// realtimeCycle reads the realtime hash for every known sensor; a record
// strictly newer than the one in sync_status is upserted and the ledger
// advanced. Timestamps are compared against the value stored in the
// sample itself, never wall-clock.
func (s *Syncer) realtimeCycle(ctx context.Context) {
	for _, u := range s.discoverSensors(ctx) {
		key := s.realtimeKeyFor(u)
		fields, err := s.cache.HGetAll(ctx, key).Result()
		if err != nil || len(fields) == 0 {
			continue
		}

		tsMillis, _ := strconv.ParseInt(fields["timestamp"], 10, 64)
		var status store.SyncStatus
		known := s.db.WithContext(ctx).Where("data_type = ? AND key = ?", "realtime_"+string(u.t), key).First(&status).Error == nil
		if known && tsMillis <= status.Timestamp {
			continue
		}

		value, _ := strconv.ParseFloat(fields["value"], 64)
		raw, _ := strconv.ParseUint(fields["raw"], 10, 16)
		channel, _ := strconv.Atoi(fields["channel"])
		channels := map[string]interface{}{
			fmt.Sprintf("channel_%02d", channel): map[string]interface{}{"value": value, "raw": uint16(raw)},
		}
		payload, _ := json.Marshal(channels)

		doc := store.RealtimeDoc{
			SessionPrefix: s.sessionFor(u),
			Timestamp:     time.UnixMilli(tsMillis),
			ChannelCount:  1,
			Channels:      string(payload),
			SyncedAt:      time.Now(),
		}
		err = s.db.WithContext(ctx).Table(store.RealtimeTable(u.t)).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_prefix"}},
			DoUpdates: clause.AssignmentColumns([]string{"timestamp", "channel_count", "channels", "synced_at"}),
		}).Create(&doc).Error
		if err != nil {
			log.Printf("[syncer:realtime] upsert %s failed: %v", key, err)
			continue
		}
		s.advanceStatus(ctx, "realtime_"+string(u.t), key, tsMillis)
	}
}

// historicalCycle reads entries appended since the last recorded list
// length. Cache lists are append-at-head, so the new slice is
// [0, newCount-prevCount). Once the list is at its HistoryMax bound, or
// has been trimmed below the recorded count, the length no longer tells
// how many entries are new, so every current entry is read; the
// natural-key upsert on (session_prefix, timestamp) makes the
// reconciliation idempotent.
func (s *Syncer) historicalCycle(ctx context.Context) {
	for _, u := range s.discoverSensors(ctx) {
		key := s.historyKeyFor(u)
		dataType := "historical_" + string(u.t)

		length, err := s.cache.LLen(ctx, key).Result()
		if err != nil {
			continue
		}

		var progress store.SyncProgress
		hasProgress := s.db.WithContext(ctx).Where("data_type = ? AND key = ?", dataType, key).First(&progress).Error == nil
		prevCount := int64(0)
		if hasProgress {
			prevCount = progress.Count
		}

		var entries []string
		if hasProgress && length >= prevCount && length < cacheio.HistoryMax {
			newCount := length - prevCount
			if newCount == 0 {
				continue
			}
			entries, err = s.cache.LRange(ctx, key, 0, newCount-1).Result()
		} else {
			// List at its bound, trimmed, or never observed: resync
			// everything and let the timestamp natural key dedup the
			// overlap.
			entries, err = s.cache.LRange(ctx, key, 0, -1).Result()
		}
		if err != nil || len(entries) == 0 {
			continue
		}

		docs := make([]store.HistoricalDoc, 0, len(entries))
		for _, raw := range entries {
			var reading model.SensorReading
			if err := json.Unmarshal([]byte(raw), &reading); err != nil {
				continue
			}
			values, _ := json.Marshal([]float64{reading.Value})
			docs = append(docs, store.HistoricalDoc{
				SessionPrefix: s.sessionFor(u),
				Timestamp:     reading.Timestamp,
				Values:        string(values),
				ChannelCount:  1,
				SyncedAt:      time.Now(),
			})
		}
		if len(docs) > 0 {
			err = s.db.WithContext(ctx).Table(store.HistoricalTable(u.t)).Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "session_prefix"}, {Name: "timestamp"}},
				DoUpdates: clause.AssignmentColumns([]string{"values", "channel_count", "synced_at"}),
			}).Create(&docs).Error
			if err != nil {
				log.Printf("[syncer:historical] upsert %s failed: %v", key, err)
				continue
			}
		}
		s.advanceProgress(ctx, dataType, key, length, 0)
	}
}

// timeseriesCycle reads members with score strictly greater than the
// ledger's last_score, in pages, and advances last_score to the maximum
// inserted score. Ties at the same timestamp are already distinct via
// the per-sensor counter suffix in the member string.
func (s *Syncer) timeseriesCycle(ctx context.Context) {
	for _, u := range s.discoverSensors(ctx) {
		if u.legacy {
			iter := s.cache.Scan(ctx, 0, cacheio.LegacyTimeseriesPattern(), 200).Iterator()
			for iter.Next(ctx) {
				key := iter.Val()
				s.syncTimeseriesKey(ctx, u, key, legacyChannelOf(key))
			}
			if err := iter.Err(); err != nil {
				log.Printf("[syncer:timeseries] legacy scan failed: %v", err)
			}
			continue
		}
		key := cacheio.TimeseriesKey(s.sessionPrefix, string(u.t), u.sensorID)
		s.syncTimeseriesKey(ctx, u, key, channelOf(u.sensorID))
	}
}

func (s *Syncer) syncTimeseriesKey(ctx context.Context, u sensorUnit, key string, channel int) {
	dataType := "timeseries_" + string(u.t)

	var progress store.SyncProgress
	s.db.WithContext(ctx).Where("data_type = ? AND key = ?", dataType, key).First(&progress)
	lastScore := progress.LastScore
	pageSize := pageSizeOrDefault(s.cfg.PageSize)

	for {
		members, err := s.cache.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
			Min:   "(" + strconv.FormatFloat(lastScore, 'f', -1, 64),
			Max:   "+inf",
			Count: int64(pageSize),
		}).Result()
		if err != nil || len(members) == 0 {
			return
		}

		docs := make([]store.TimeseriesDoc, 0, len(members))
		maxScore := lastScore
		for _, z := range members {
			member, _ := z.Member.(string)
			value, ok := parseTSMember(member)
			if !ok {
				continue
			}
			docs = append(docs, store.TimeseriesDoc{
				SessionPrefix: s.sessionFor(u),
				Channel:       channel,
				TimestampUnix: int64(z.Score),
				Timestamp:     time.Unix(int64(z.Score), 0),
				Value:         value,
				SyncedAt:      time.Now(),
			})
			if z.Score > maxScore {
				maxScore = z.Score
			}
		}

		if len(docs) > 0 {
			err = s.db.WithContext(ctx).Table(store.TimeseriesTable(u.t)).Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "session_prefix"}, {Name: "channel"}, {Name: "timestamp_unix"}},
				DoUpdates: clause.AssignmentColumns([]string{"timestamp", "value", "synced_at"}),
			}).Create(&docs).Error
			if err != nil {
				log.Printf("[syncer:timeseries] upsert %s failed: %v", key, err)
				return
			}
		}

		lastScore = maxScore
		s.advanceProgress(ctx, dataType, key, 0, lastScore)
		if len(members) < pageSize || ctx.Err() != nil {
			return
		}
	}
}

func (s *Syncer) statisticsCycle(ctx context.Context) {
	for _, t := range sensorTypes {
		s.syncStatisticsKey(ctx, cacheio.StatisticsKey(s.sessionPrefix, string(t)), s.sessionPrefix, t)
	}
	if exists, err := s.cache.Exists(ctx, cacheio.LegacyStatisticsKey()).Result(); err == nil && exists > 0 {
		s.syncStatisticsKey(ctx, cacheio.LegacyStatisticsKey(), "", model.Temperature)
	}
}

func (s *Syncer) syncStatisticsKey(ctx context.Context, key, session string, t model.SensorType) {
	fields, err := s.cache.HGetAll(ctx, key).Result()
	if err != nil || len(fields) == 0 {
		return
	}

	minV, _ := strconv.ParseFloat(fields["min"], 64)
	maxV, _ := strconv.ParseFloat(fields["max"], 64)
	avgV, _ := strconv.ParseFloat(fields["avg"], 64)
	stats := map[string]interface{}{
		"min": minV, "max": maxV, "avg": avgV,
		"channel_min": json.RawMessage(orEmptyJSON(fields["channel_min"])),
		"channel_max": json.RawMessage(orEmptyJSON(fields["channel_max"])),
	}
	statsJSON, _ := json.Marshal(stats)
	lastUpdateMillis, _ := strconv.ParseInt(fields["last_update"], 10, 64)

	doc := store.StatisticsDoc{
		SessionPrefix: session,
		LastUpdate:    time.UnixMilli(lastUpdateMillis),
		Statistics:    string(statsJSON),
		SyncedAt:      time.Now(),
	}
	err = s.db.WithContext(ctx).Table(store.StatisticsTable(t)).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_prefix"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_update", "statistics", "synced_at"}),
	}).Create(&doc).Error
	if err != nil {
		log.Printf("[syncer:statistics] upsert %s failed: %v", key, err)
	}
}

func (s *Syncer) advanceStatus(ctx context.Context, dataType, key string, timestamp int64) {
	status := store.SyncStatus{DataType: dataType, Key: key, Timestamp: timestamp, UpdatedAt: time.Now()}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "data_type"}, {Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"timestamp", "updated_at"}),
	}).Create(&status).Error; err != nil {
		log.Printf("[syncer] advancing sync_status for %s/%s failed: %v", dataType, key, err)
	}
}

func (s *Syncer) advanceProgress(ctx context.Context, dataType, key string, count int64, lastScore float64) {
	progress := store.SyncProgress{DataType: dataType, Key: key, Count: count, LastScore: lastScore, UpdatedAt: time.Now()}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "data_type"}, {Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"count", "last_score", "updated_at"}),
	}).Create(&progress).Error; err != nil {
		log.Printf("[syncer] advancing sync_progress for %s/%s failed: %v", dataType, key, err)
	}
}

func pageSizeOrDefault(n int) int {
	if n <= 0 {
		return 200
	}
	return n
}

func orEmptyJSON(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}

func parseTSMember(member string) (float64, bool) {
	if idx := strings.LastIndex(member, ":"); idx > 0 {
		if v, err := strconv.ParseFloat(member[:idx], 64); err == nil {
			return v, true
		}
	}
	v, err := strconv.ParseFloat(member, 64)
	return v, err == nil
}

func channelOf(sensorID string) int {
	idx := strings.LastIndex(sensorID, "_")
	if idx < 0 {
		return 0
	}
	n, err := strconv.Atoi(sensorID[idx+1:])
	if err != nil {
		return 0
	}
	return n
}

func legacyChannelOf(key string) int {
	idx := strings.LastIndex(key, "channel_")
	if idx < 0 {
		return 0
	}
	n, err := strconv.Atoi(key[idx+len("channel_"):])
	if err != nil {
		return 0
	}
	return n
}
