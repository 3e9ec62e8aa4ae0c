// Package acquire implements the module manager: it supervises a set of
// module readers keyed by module_id, fans their samples into one bounded
// stream with drop-oldest backpressure, and exposes aggregate statistics.
package acquire

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fieldworks-io/sensorgrid/internal/decode"
	"github.com/fieldworks-io/sensorgrid/internal/model"
	"github.com/fieldworks-io/sensorgrid/internal/reader"
)

const defaultBufferSize = 4096

// Manager owns a set of module readers and fans their output into one
// bounded stream. There is exactly one reader per module_id at any
// instant.
type Manager struct {
	acq           model.AcquisitionConfig
	sessionPrefix string
	bufferSize    int
	stopGrace     time.Duration

	mu      sync.Mutex
	readers map[string]*managedReader
	running bool
	cancel  context.CancelFunc

	out           chan model.SensorReading
	in            chan model.SensorReading
	droppedOldest atomic.Int64
}

type managedReader struct {
	cfg    model.ModuleConfig
	reader *reader.Reader
	cancel context.CancelFunc
}

// New constructs a Manager. bufferSize <= 0 selects the default of 4096.
func New(acq model.AcquisitionConfig, sessionPrefix string, bufferSize int) *Manager {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Manager{
		acq:           acq,
		sessionPrefix: sessionPrefix,
		bufferSize:    bufferSize,
		stopGrace:     5 * time.Second,
		readers:       make(map[string]*managedReader),
		in:            make(chan model.SensorReading, bufferSize),
	}
}

// Add validates cfg, constructs a reader, and starts it if the manager is
// already running.
func (m *Manager) Add(cfg model.ModuleConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	convs, err := channelConverters(cfg)
	if err != nil {
		return err
	}

	r, err := reader.New(cfg, convs, m.acq)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.readers[cfg.ModuleID]; exists {
		return fmt.Errorf("%w: module %s already registered", model.ErrConfig, cfg.ModuleID)
	}

	mr := &managedReader{cfg: cfg, reader: r}
	m.readers[cfg.ModuleID] = mr
	if m.running {
		m.startReader(mr)
	}
	return nil
}

// channelConverters resolves one decoder per channel. Pressure and
// humidity modules carry a trailing channel decoded as an RTC
// temperature; every other channel uses the module's primary converter.
func channelConverters(cfg model.ModuleConfig) ([]decode.Converter, error) {
	primary, err := decode.ForModule(cfg)
	if err != nil {
		return nil, err
	}
	convs := make([]decode.Converter, cfg.ChannelCount)
	for i := range convs {
		convs[i] = primary
	}
	if (cfg.SensorType == model.Pressure || cfg.SensorType == model.Humidity) && cfg.ChannelCount > 1 {
		rtcCfg := cfg
		rtcCfg.SensorType = model.Temperature
		rtcCfg.IsRTC = true
		rtcCfg.Conversion = nil
		rtc, err := decode.ForModule(rtcCfg)
		if err != nil {
			return nil, err
		}
		convs[len(convs)-1] = rtc
	}
	return convs, nil
}

// Remove stops the reader for moduleID, waits for it to drain, and
// deletes it.
func (m *Manager) Remove(moduleID string) error {
	m.mu.Lock()
	mr, ok := m.readers[moduleID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: module %s not registered", model.ErrConfig, moduleID)
	}
	delete(m.readers, moduleID)
	m.mu.Unlock()

	if mr.cancel != nil {
		mr.cancel()
		select {
		case <-mr.reader.Done():
		case <-time.After(m.stopGrace):
			log.Printf("[acquire] reader %s did not drain within grace", moduleID)
		}
	}
	return nil
}

// StartAll starts every registered reader and the fan-in pump. Idempotent.
func (m *Manager) StartAll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true

	pumpCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.out = make(chan model.SensorReading, m.bufferSize)
	go m.pump(pumpCtx)

	for _, mr := range m.readers {
		m.startReader(mr)
	}
	log.Printf("[acquire] started %d module readers", len(m.readers))
}

func (m *Manager) startReader(mr *managedReader) {
	ctx, cancel := context.WithCancel(context.Background())
	mr.cancel = cancel
	mr.reader.Start(ctx, m.in, m.sessionPrefix)
}

// pump drains the fan-in channel into the published output stream,
// dropping the oldest buffered sample on overflow.
func (m *Manager) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-m.in:
			select {
			case m.out <- r:
			default:
				select {
				case <-m.out:
					m.droppedOldest.Add(1)
				default:
				}
				select {
				case m.out <- r:
				default:
					m.droppedOldest.Add(1)
				}
			}
		}
	}
}

// Subscribe returns the multiplexed reading stream. Readings from a
// single module arrive in poll order; cross-module ordering is
// arbitrary.
func (m *Manager) Subscribe() <-chan model.SensorReading {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.out
}

// StopAll stops every reader, waiting up to the grace period for them to
// release their sockets before the pump is cancelled. Idempotent.
func (m *Manager) StopAll() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	readers := make([]*managedReader, 0, len(m.readers))
	for _, mr := range m.readers {
		readers = append(readers, mr)
	}
	pumpCancel := m.cancel
	m.mu.Unlock()

	for _, mr := range readers {
		if mr.cancel != nil {
			mr.cancel()
		}
	}

	deadline := time.After(m.stopGrace)
	drained := true
	for _, mr := range readers {
		select {
		case <-mr.reader.Done():
		case <-deadline:
			drained = false
		}
		if !drained {
			log.Printf("[acquire] stop grace elapsed with readers still draining")
			break
		}
	}

	if pumpCancel != nil {
		pumpCancel()
	}
	log.Printf("[acquire] stopped all module readers")
}

// Statistics is the per-module status plus aggregate counters.
type Statistics struct {
	Modules       map[string]reader.Status
	DroppedOldest int64
}

func (m *Manager) Statistics() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()
	statuses := make(map[string]reader.Status, len(m.readers))
	for id, mr := range m.readers {
		statuses[id] = mr.reader.Status()
	}
	return Statistics{Modules: statuses, DroppedOldest: m.droppedOldest.Load()}
}
