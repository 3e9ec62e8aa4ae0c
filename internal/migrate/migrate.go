// Package migrate implements the bulk migrator: a one-shot, resumable
// copy of cache contents into the document store. Progress is recorded in
// the sync_progress ledger after every page, so a killed run resumes
// where it stopped, and natural-key upserts make a completed re-run a
// no-op.
package migrate

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/fieldworks-io/sensorgrid/internal/cacheio"
	"github.com/fieldworks-io/sensorgrid/internal/model"
	"github.com/fieldworks-io/sensorgrid/internal/store"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultPageSize = 200

// Migrator copies cache contents into the document store, one key at a
// time, logging and continuing past any single key's failure.
type Migrator struct {
	cache    *redis.Client
	db       *gorm.DB
	pageSize int
}

func New(cache *redis.Client, db *gorm.DB, pageSize int) *Migrator {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &Migrator{cache: cache, db: db, pageSize: pageSize}
}

// Summary is the end-of-run report.
type Summary struct {
	Attempted    int
	Succeeded    int
	Failed       int
	PerKeyErrors map[string]string
}

// Run migrates every (session, sensor_id, type) unit discovered in the
// cache, or the explicit sessions list if provided. The legacy flat
// temperature keys are migrated afterwards only when no explicit list is
// given.
func (m *Migrator) Run(ctx context.Context, sessions []string) (Summary, error) {
	summary := Summary{PerKeyErrors: make(map[string]string)}

	sensorIDsBySession, err := m.discoverSensors(ctx, sessions)
	if err != nil {
		return summary, err
	}

	for session, sensorIDs := range sensorIDsBySession {
		for sensorID, t := range sensorIDs {
			summary.Attempted++
			if err := m.migrateSensor(ctx, session, sensorID, t); err != nil {
				summary.Failed++
				summary.PerKeyErrors[session+":"+sensorID] = err.Error()
				log.Printf("[migrate] %s/%s failed: %v", session, sensorID, err)
				continue
			}
			summary.Succeeded++
		}
	}

	if len(sessions) == 0 {
		m.migrateLegacyTemperature(ctx, &summary)
	}

	log.Printf("[migrate] done: attempted=%d succeeded=%d failed=%d", summary.Attempted, summary.Succeeded, summary.Failed)
	return summary, nil
}

// discoverSensors enumerates sessions by scanning the cache for realtime
// keys and extracting the (session_prefix, sensor_id, type) triple from
// each. Keys without a session prefix group under the empty session.
func (m *Migrator) discoverSensors(ctx context.Context, sessions []string) (map[string]map[string]model.SensorType, error) {
	result := make(map[string]map[string]model.SensorType)
	if len(sessions) > 0 {
		for _, s := range sessions {
			result[s] = make(map[string]model.SensorType)
		}
	}

	iter := m.cache.Scan(ctx, 0, "*sensor:*:realtime", int64(m.pageSize)).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		session, sensorType, sensorID, ok := parseRealtimeKey(key)
		if !ok {
			continue
		}
		if len(sessions) > 0 {
			if _, want := result[session]; !want {
				continue
			}
		}
		if _, ok := result[session]; !ok {
			result[session] = make(map[string]model.SensorType)
		}
		result[session][sensorID] = sensorType
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: scanning cache for sessions: %v", model.ErrCache, err)
	}
	return result, nil
}

// parseRealtimeKey extracts (session_prefix, type, sensor_id) from either
// "sensor:{type}:{sensor_id}:realtime" or
// "{session}:sensor:{type}:{sensor_id}:realtime".
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

func (m *Migrator) migrateSensor(ctx context.Context, session, sensorID string, t model.SensorType) error {
	if err := m.migrateRealtimeHash(ctx, session, cacheio.RealtimeKey(session, string(t), sensorID), t); err != nil {
		return fmt.Errorf("realtime: %w", err)
	}
	if err := m.migrateHistoryList(ctx, session, cacheio.HistoryKey(session, string(t), sensorID), t); err != nil {
		return fmt.Errorf("history: %w", err)
	}
	if err := m.migrateTimeseriesSet(ctx, session, cacheio.TimeseriesKey(session, string(t), sensorID), t, channelOf(sensorID)); err != nil {
		return fmt.Errorf("timeseries: %w", err)
	}
	if err := m.migrateStatisticsHash(ctx, session, cacheio.StatisticsKey(session, string(t)), t); err != nil {
		return fmt.Errorf("statistics: %w", err)
	}
	return nil
}

// migrateLegacyTemperature handles the flat per-channel temperature keys
// written by older deployments. They carry no session prefix, so their
// documents land under the empty session and never collide with
// prefixed data.
func (m *Migrator) migrateLegacyTemperature(ctx context.Context, summary *Summary) {
	exists, err := m.cache.Exists(ctx, cacheio.LegacyRealtimeKey()).Result()
	if err != nil || exists == 0 {
		return
	}

	summary.Attempted++
	t := model.Temperature

	fail := func(stage string, err error) {
		summary.Failed++
		summary.PerKeyErrors["legacy:temperature"] = stage + ": " + err.Error()
		log.Printf("[migrate] legacy temperature %s failed: %v", stage, err)
	}

	if err := m.migrateRealtimeHash(ctx, "", cacheio.LegacyRealtimeKey(), t); err != nil {
		fail("realtime", err)
		return
	}
	if err := m.migrateHistoryList(ctx, "", cacheio.LegacyHistoryKey(), t); err != nil {
		fail("history", err)
		return
	}

	iter := m.cache.Scan(ctx, 0, cacheio.LegacyTimeseriesPattern(), int64(m.pageSize)).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		channel := legacyChannelOf(key)
		if err := m.migrateTimeseriesSet(ctx, "", key, t, channel); err != nil {
			fail("timeseries "+key, err)
			return
		}
	}
	if err := iter.Err(); err != nil {
		fail("timeseries scan", err)
		return
	}

	if err := m.migrateStatisticsHash(ctx, "", cacheio.LegacyStatisticsKey(), t); err != nil {
		fail("statistics", err)
		return
	}
	summary.Succeeded++
}

func (m *Migrator) migrateRealtimeHash(ctx context.Context, session, key string, t model.SensorType) error {
	fields, err := m.cache.HGetAll(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return nil
		}
		return err
	}
	if len(fields) == 0 {
		return nil
	}

	tsMillis, _ := strconv.ParseInt(fields["timestamp"], 10, 64)
	value, _ := strconv.ParseFloat(fields["value"], 64)
	raw, _ := strconv.ParseUint(fields["raw"], 10, 16)
	channel, _ := strconv.Atoi(fields["channel"])

	channels := map[string]interface{}{
		fmt.Sprintf("channel_%02d", channel): map[string]interface{}{"value": value, "raw": uint16(raw)},
	}
	payload, _ := json.Marshal(channels)

	doc := store.RealtimeDoc{
		SessionPrefix: session,
		Timestamp:     time.UnixMilli(tsMillis),
		ChannelCount:  1,
		Channels:      string(payload),
		SyncedAt:      time.Now(),
	}
	err = m.db.WithContext(ctx).Table(store.RealtimeTable(t)).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_prefix"}},
		DoUpdates: clause.AssignmentColumns([]string{"timestamp", "channel_count", "channels", "synced_at"}),
	}).Create(&doc).Error
	if err != nil {
		return err
	}
	return m.recordProgress(ctx, "realtime_"+string(t), key, 1, 0)
}

// migrateHistoryList reads the bounded history list in pages and
// bulk-inserts it, resuming past whatever count sync_progress already
// records for the key.
func (m *Migrator) migrateHistoryList(ctx context.Context, session, key string, t model.SensorType) error {
	dataType := "historical_" + string(t)

	start := m.progressCount(ctx, dataType, key)
	for {
		end := start + int64(m.pageSize) - 1
		entries, err := m.cache.LRange(ctx, key, start, end).Result()
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			break
		}

		docs := make([]store.HistoricalDoc, 0, len(entries))
		for _, raw := range entries {
			var reading model.SensorReading
			if err := json.Unmarshal([]byte(raw), &reading); err != nil {
				log.Printf("[migrate] skipping unparseable history entry for %s: %v", key, err)
				continue
			}
			values, _ := json.Marshal([]float64{reading.Value})
			docs = append(docs, store.HistoricalDoc{
				SessionPrefix: session,
				Timestamp:     reading.Timestamp,
				Values:        string(values),
				ChannelCount:  1,
				SyncedAt:      time.Now(),
			})
		}
		if len(docs) > 0 {
			err = m.db.WithContext(ctx).Table(store.HistoricalTable(t)).Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "session_prefix"}, {Name: "timestamp"}},
				DoUpdates: clause.AssignmentColumns([]string{"values", "channel_count", "synced_at"}),
			}).Create(&docs).Error
			if err != nil {
				return err
			}
		}

		start += int64(len(entries))
		if err := m.recordProgress(ctx, dataType, key, start, 0); err != nil {
			return err
		}
		if len(entries) < m.pageSize {
			break
		}
	}
	return nil
}

// migrateTimeseriesSet scans the sorted set in pages from the resume
// point (last_score plus epsilon) upward. Legacy counter-less members
// are deduplicated by (timestamp_unix, value).
func (m *Migrator) migrateTimeseriesSet(ctx context.Context, session, key string, t model.SensorType, channel int) error {
	dataType := "timeseries_" + string(t)

	lastScore := m.progressScore(ctx, dataType, key)
	const epsilon = 1e-6
	seen := make(map[string]bool)

	for {
		members, err := m.cache.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
			Min:   strconv.FormatFloat(lastScore+epsilon, 'f', -1, 64),
			Max:   "+inf",
			Count: int64(m.pageSize),
		}).Result()
		if err != nil {
			return err
		}
		if len(members) == 0 {
			break
		}

		docs := make([]store.TimeseriesDoc, 0, len(members))
		maxScore := lastScore
		for _, z := range members {
			member, _ := z.Member.(string)
			value, ok := parseTSMember(member)
			if !ok {
				continue
			}
			dedupKey := fmt.Sprintf("%d:%f", int64(z.Score), value)
			if seen[dedupKey] {
				continue
			}
			seen[dedupKey] = true

			docs = append(docs, store.TimeseriesDoc{
				SessionPrefix: session,
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
			err = m.db.WithContext(ctx).Table(store.TimeseriesTable(t)).Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "session_prefix"}, {Name: "channel"}, {Name: "timestamp_unix"}},
				DoUpdates: clause.AssignmentColumns([]string{"timestamp", "value", "synced_at"}),
			}).Create(&docs).Error
			if err != nil {
				return err
			}
		}

		lastScore = maxScore
		if err := m.recordProgress(ctx, dataType, key, 0, lastScore); err != nil {
			return err
		}
		if len(members) < m.pageSize {
			break
		}
	}
	return nil
}

func (m *Migrator) migrateStatisticsHash(ctx context.Context, session, key string, t model.SensorType) error {
	fields, err := m.cache.HGetAll(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return nil
		}
		return err
	}
	if len(fields) == 0 {
		return nil
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
	return m.db.WithContext(ctx).Table(store.StatisticsTable(t)).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_prefix"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_update", "statistics", "synced_at"}),
	}).Create(&doc).Error
}

func orEmptyJSON(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}

// parseTSMember parses the "{value}:{counter}" member format, falling
// back to a bare float for legacy counter-less entries.
func parseTSMember(member string) (float64, bool) {
	if idx := strings.LastIndex(member, ":"); idx > 0 {
		if v, err := strconv.ParseFloat(member[:idx], 64); err == nil {
			return v, true
		}
	}
	v, err := strconv.ParseFloat(member, 64)
	return v, err == nil
}

// channelOf extracts the trailing channel number from a sensor_id
// formatted as {type}_{module}_{channel:02}.
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

// legacyChannelOf extracts the channel from a
// "temperature:timeseries:channel_{NN}" key.
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

func (m *Migrator) recordProgress(ctx context.Context, dataType, key string, count int64, lastScore float64) error {
	progress := store.SyncProgress{DataType: dataType, Key: key, Count: count, LastScore: lastScore, UpdatedAt: time.Now()}
	return m.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "data_type"}, {Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"count", "last_score", "updated_at"}),
	}).Create(&progress).Error
}

func (m *Migrator) progressCount(ctx context.Context, dataType, key string) int64 {
	var p store.SyncProgress
	if err := m.db.WithContext(ctx).Where("data_type = ? AND key = ?", dataType, key).First(&p).Error; err != nil {
		return 0
	}
	return p.Count
}

func (m *Migrator) progressScore(ctx context.Context, dataType, key string) float64 {
	var p store.SyncProgress
	if err := m.db.WithContext(ctx).Where("data_type = ? AND key = ?", dataType, key).First(&p).Error; err != nil {
		return 0
	}
	return p.LastScore
}
