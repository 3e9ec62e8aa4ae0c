package cacheio

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fieldworks-io/sensorgrid/internal/model"
	"github.com/redis/go-redis/v9"
)

const (
	flushBatchSize = 64
	flushInterval  = 50 * time.Millisecond
)

// sensorStats is the in-memory rolling min/max/avg accumulator behind
// each per-type statistics hash.
type sensorStats struct {
	count      int64
	sum        float64
	min        float64
	max        float64
	channelMin map[int]float64
	channelMax map[int]float64
}

// Writer drains a stream of SensorReadings and publishes them into the
// cache tier under the documented key schema. Writes are fire-and-forget
// with best-effort batching; a failed pipeline flush increments the error
// counter and never blocks or drops the input stream.
type Writer struct {
	client        *redis.Client
	sessionPrefix string

	mu         sync.Mutex
	tsCounters map[string]uint64 // per-sensor monotonic tie-break for timeseries members
	stats      map[string]*sensorStats

	writes atomic.Int64
	errors atomic.Int64
}

func New(client *redis.Client, sessionPrefix string) *Writer {
	return &Writer{
		client:        client,
		sessionPrefix: sessionPrefix,
		tsCounters:    make(map[string]uint64),
		stats:         make(map[string]*sensorStats),
	}
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
		w.flush(ctx, batch)
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

func (w *Writer) flush(ctx context.Context, batch []model.SensorReading) {
	pipe := w.client.Pipeline()
	for _, r := range batch {
		w.queueWrites(pipe, r)
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if _, err := pipe.Exec(writeCtx); err != nil {
		w.errors.Add(1)
		log.Printf("[cacheio] pipeline flush of %d samples failed: %v", len(batch), err)
		return
	}
	w.writes.Add(int64(len(batch)))
}

func (w *Writer) queueWrites(pipe redis.Pipeliner, r model.SensorReading) {
	ctx := context.Background()
	t := string(r.SensorType)

	realtimeFields := map[string]interface{}{
		"timestamp": r.Timestamp.UnixMilli(),
		"value":     r.Value,
		"raw":       r.Raw,
		"unit":      r.Unit,
		"channel":   r.Channel,
		"module_id": r.ModuleID,
	}
	realtimeKey := RealtimeKey(w.sessionPrefix, t, r.SensorID)
	pipe.HSet(ctx, realtimeKey, realtimeFields)
	pipe.Expire(ctx, realtimeKey, RealtimeTTLSec*time.Second)

	payload, err := json.Marshal(r)
	if err != nil {
		log.Printf("[cacheio] sample for %s failed to marshal: %v", r.SensorID, err)
		payload = []byte("{}")
	}
	historyKey := HistoryKey(w.sessionPrefix, t, r.SensorID)
	pipe.LPush(ctx, historyKey, payload)
	pipe.LTrim(ctx, historyKey, 0, HistoryMax-1)

	tsKey := TimeseriesKey(w.sessionPrefix, t, r.SensorID)
	member := w.tiedMember(r.SensorID, r.Value)
	score := float64(r.Timestamp.Unix())
	pipe.ZAdd(ctx, tsKey, redis.Z{Score: score, Member: member})
	pipe.ZRemRangeByRank(ctx, tsKey, 0, -(TimeseriesMax + 1))

	// Temperature samples are mirrored into the legacy flat keys so
	// older consumers keep working.
	if r.SensorType == model.Temperature {
		pipe.HSet(ctx, LegacyRealtimeKey(), realtimeFields)
		pipe.LPush(ctx, LegacyHistoryKey(), payload)
		pipe.LTrim(ctx, LegacyHistoryKey(), 0, HistoryMax-1)
		legacyTSKey := LegacyTimeseriesKey(r.Channel)
		pipe.ZAdd(ctx, legacyTSKey, redis.Z{Score: score, Member: member})
		pipe.ZRemRangeByRank(ctx, legacyTSKey, 0, -(TimeseriesMax + 1))
	}

	w.recordStats(r)
	statsKey := StatisticsKey(w.sessionPrefix, t)
	if body, ok := w.statsHash(t); ok {
		pipe.HSet(ctx, statsKey, body)
		if r.SensorType == model.Temperature {
			pipe.HSet(ctx, LegacyStatisticsKey(), body)
		}
	}
}

// tiedMember appends a per-sensor monotonic counter to the sorted-set
// member so ties at the same timestamp remain distinct.
func (w *Writer) tiedMember(sensorID string, value float64) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.tsCounters[sensorID]
	w.tsCounters[sensorID] = n + 1
	return fmt.Sprintf("%f:%d", value, n)
}

func (w *Writer) recordStats(r model.SensorReading) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.stats[string(r.SensorType)]
	if !ok {
		s = &sensorStats{min: r.Value, max: r.Value, channelMin: map[int]float64{}, channelMax: map[int]float64{}}
		w.stats[string(r.SensorType)] = s
	}
	s.count++
	s.sum += r.Value
	if r.Value < s.min {
		s.min = r.Value
	}
	if r.Value > s.max {
		s.max = r.Value
	}
	if cur, ok := s.channelMin[r.Channel]; !ok || r.Value < cur {
		s.channelMin[r.Channel] = r.Value
	}
	if cur, ok := s.channelMax[r.Channel]; !ok || r.Value > cur {
		s.channelMax[r.Channel] = r.Value
	}
}

func (w *Writer) statsHash(sensorType string) (map[string]interface{}, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.stats[sensorType]
	if !ok || s.count == 0 {
		return nil, false
	}
	channelMinJSON, _ := json.Marshal(s.channelMin)
	channelMaxJSON, _ := json.Marshal(s.channelMax)
	return map[string]interface{}{
		"min":         s.min,
		"max":         s.max,
		"avg":         s.sum / float64(s.count),
		"channel_min": string(channelMinJSON),
		"channel_max": string(channelMaxJSON),
		"last_update": time.Now().UnixMilli(),
	}, true
}

// Statistics is a consistent snapshot of the writer's counters.
type Statistics struct {
	Writes int64
	Errors int64
}

func (w *Writer) Statistics() Statistics {
	return Statistics{Writes: w.writes.Load(), Errors: w.errors.Load()}
}
