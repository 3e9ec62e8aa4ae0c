package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fieldworks-io/sensorgrid/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	flushBatchSize = 500
	flushInterval  = time.Second
)

type channelValue struct {
	Value float64 `json:"value"`
	Raw   uint16  `json:"raw"`
}

// rollingStats accumulates the in-memory min/max/avg window for one
// sensor type across the running session.
type rollingStats struct {
	count        int64
	sum          float64
	min, max     float64
	channelMin   map[int]float64
	channelMax   map[int]float64
	channelCount int
	latest       map[int]channelValue
}

func newRollingStats() *rollingStats {
	return &rollingStats{channelMin: map[int]float64{}, channelMax: map[int]float64{}, latest: map[int]channelValue{}}
}

func (s *rollingStats) observe(r model.SensorReading) {
	s.count++
	s.sum += r.Value
	if s.count == 1 {
		s.min, s.max = r.Value, r.Value
	} else {
		if r.Value < s.min {
			s.min = r.Value
		}
		if r.Value > s.max {
			s.max = r.Value
		}
	}
	if cur, ok := s.channelMin[r.Channel]; !ok || r.Value < cur {
		s.channelMin[r.Channel] = r.Value
	}
	if cur, ok := s.channelMax[r.Channel]; !ok || r.Value > cur {
		s.channelMax[r.Channel] = r.Value
	}
	s.latest[r.Channel] = channelValue{Value: r.Value, Raw: r.Raw}
	if len(s.latest) > s.channelCount {
		s.channelCount = len(s.latest)
	}
}

// Writer batch-inserts samples into the durable tier and maintains the
// per-session statistics documents. Conflicts on a natural key resolve
// last-writer-wins.
type Writer struct {
	db            *gorm.DB
	sessionPrefix string

	mu      sync.Mutex
	rolling map[model.SensorType]*rollingStats

	writes atomic.Int64
	errors atomic.Int64
}

func New(db *gorm.DB, sessionPrefix string) *Writer {
	return &Writer{db: db, sessionPrefix: sessionPrefix, rolling: make(map[model.SensorType]*rollingStats)}
}

// Run drains in until it is closed or ctx is cancelled, batching up to
// flushBatchSize samples or flushInterval, whichever comes first.
func (w *Writer) Run(ctx context.Context, in <-chan model.SensorReading) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]model.SensorReading, 0, flushBatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case reading, ok := <-in:
			if !ok {
				flush()
				return
			}
			batch = append(batch, reading)
			if len(batch) >= flushBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (w *Writer) flush(batch []model.SensorReading) {
	byType := make(map[model.SensorType][]model.SensorReading)
	for _, r := range batch {
		byType[r.SensorType] = append(byType[r.SensorType], r)
		w.observe(r)
	}

	now := time.Now()
	for t, readings := range byType {
		readings := readings
		w.write(HistoricalTable(t), func() error { return w.upsertHistorical(t, readings, now) })
		w.write(TimeseriesTable(t), func() error { return w.upsertTimeseries(t, readings, now) })
		w.write(RealtimeTable(t), func() error { return w.upsertRealtime(t, now) })
		w.write(StatisticsTable(t), func() error { return w.upsertStatistics(t, now) })
	}
	w.writes.Add(int64(len(batch)))
}

// write retries a failed batch write once, then surfaces it through the
// error counter. The batch itself is not held beyond the retry.
func (w *Writer) write(collection string, attempt func() error) {
	err := attempt()
	if err != nil {
		err = attempt()
	}
	if err != nil {
		w.errors.Add(1)
		log.Printf("[store] write to %s failed after retry: %v", collection, err)
	}
}

func (w *Writer) observe(r model.SensorReading) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.rolling[r.SensorType]
	if !ok {
		s = newRollingStats()
		w.rolling[r.SensorType] = s
	}
	s.observe(r)
}

func (w *Writer) upsertHistorical(t model.SensorType, readings []model.SensorReading, now time.Time) error {
	byTimestamp := make(map[int64][]model.SensorReading)
	for _, r := range readings {
		ts := r.Timestamp.UnixMilli()
		byTimestamp[ts] = append(byTimestamp[ts], r)
	}

	docs := make([]HistoricalDoc, 0, len(byTimestamp))
	for ts, group := range byTimestamp {
		sort.Slice(group, func(i, j int) bool { return group[i].Channel < group[j].Channel })
		values := make([]float64, len(group))
		for i, r := range group {
			values[i] = r.Value
		}
		payload, _ := json.Marshal(values)
		docs = append(docs, HistoricalDoc{
			SessionPrefix: w.sessionPrefix,
			Timestamp:     time.UnixMilli(ts),
			Values:        string(payload),
			ChannelCount:  len(group),
			SyncedAt:      now,
		})
	}
	if len(docs) == 0 {
		return nil
	}
	return w.db.Table(HistoricalTable(t)).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_prefix"}, {Name: "timestamp"}},
		DoUpdates: clause.AssignmentColumns([]string{"values", "channel_count", "synced_at"}),
	}).Create(&docs).Error
}

func (w *Writer) upsertTimeseries(t model.SensorType, readings []model.SensorReading, now time.Time) error {
	docs := make([]TimeseriesDoc, 0, len(readings))
	for _, r := range readings {
		docs = append(docs, TimeseriesDoc{
			SessionPrefix: w.sessionPrefix,
			Channel:       r.Channel,
			TimestampUnix: r.Timestamp.Unix(),
			Timestamp:     r.Timestamp,
			Value:         r.Value,
			SyncedAt:      now,
		})
	}
	if len(docs) == 0 {
		return nil
	}
	return w.db.Table(TimeseriesTable(t)).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_prefix"}, {Name: "channel"}, {Name: "timestamp_unix"}},
		DoUpdates: clause.AssignmentColumns([]string{"timestamp", "value", "synced_at"}),
	}).Create(&docs).Error
}

func (w *Writer) upsertRealtime(t model.SensorType, now time.Time) error {
	w.mu.Lock()
	s, ok := w.rolling[t]
	if !ok {
		w.mu.Unlock()
		return nil
	}
	latest := make(map[string]channelValue, len(s.latest))
	for ch, v := range s.latest {
		latest[channelKey(ch)] = v
	}
	channelCount := s.channelCount
	w.mu.Unlock()

	payload, _ := json.Marshal(latest)
	doc := RealtimeDoc{
		SessionPrefix: w.sessionPrefix,
		Timestamp:     now,
		ChannelCount:  channelCount,
		Channels:      string(payload),
		SyncedAt:      now,
	}
	return w.db.Table(RealtimeTable(t)).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_prefix"}},
		DoUpdates: clause.AssignmentColumns([]string{"timestamp", "channel_count", "channels", "synced_at"}),
	}).Create(&doc).Error
}

func (w *Writer) upsertStatistics(t model.SensorType, now time.Time) error {
	w.mu.Lock()
	s, ok := w.rolling[t]
	if !ok || s.count == 0 {
		w.mu.Unlock()
		return nil
	}
	stats := map[string]interface{}{
		"min":         s.min,
		"max":         s.max,
		"avg":         s.sum / float64(s.count),
		"channel_min": s.channelMin,
		"channel_max": s.channelMax,
	}
	channelCount := s.channelCount
	latest := make(map[string]channelValue, len(s.latest))
	for ch, v := range s.latest {
		latest[channelKey(ch)] = v
	}
	w.mu.Unlock()

	statsJSON, _ := json.Marshal(stats)
	channelsJSON, _ := json.Marshal(latest)
	doc := StatisticsDoc{
		SessionPrefix: w.sessionPrefix,
		LastUpdate:    now,
		ChannelCount:  channelCount,
		Statistics:    string(statsJSON),
		Channels:      string(channelsJSON),
		SyncedAt:      now,
	}
	return w.db.Table(StatisticsTable(t)).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_prefix"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_update", "channel_count", "statistics", "channels", "synced_at"}),
	}).Create(&doc).Error
}

func channelKey(ch int) string {
	return fmt.Sprintf("channel_%02d", ch)
}

// Statistics is a consistent snapshot of the writer's counters.
type Statistics struct {
	Writes int64
	Errors int64
}

func (w *Writer) Statistics() Statistics {
	return Statistics{Writes: w.writes.Load(), Errors: w.errors.Load()}
}
