// Package reader implements the module reader: a goroutine that owns
// exactly one TCP connection to one field I/O module, polls it on a fixed
// cadence, decodes each response into typed samples, and reconnects with
// bounded exponential backoff on failure.
package reader

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/fieldworks-io/sensorgrid/internal/decode"
	"github.com/fieldworks-io/sensorgrid/internal/modbus"
	"github.com/fieldworks-io/sensorgrid/internal/model"
)

type State string

const (
	StateCreated      State = "created"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StatePolling      State = "polling"
	StateReconnecting State = "reconnecting"
	StateStopped      State = "stopped"
)

const (
	defaultConnectDeadline = 3 * time.Second
	defaultReadDeadline    = 1 * time.Second
)

// Status is a consistent snapshot of one reader.
type Status struct {
	ModuleID            string
	State               State
	LastSuccessTS       time.Time
	ConsecutiveFailures int
	TotalReads          int64
	TotalErrors         int64
}

// Reader owns one TCP connection to one I/O module. The socket is never
// shared with another goroutine; there is a single in-flight request at
// any time, matching Modbus RTU half-duplex semantics.
type Reader struct {
	cfg     model.ModuleConfig
	convs   []decode.Converter
	backoff *backoff

	connectDeadline time.Duration
	readDeadline    time.Duration
	failThreshold   int

	mu                  sync.Mutex
	state               State
	conn                net.Conn
	consecutiveFailures int
	lastSuccess         time.Time
	totalReads          int64
	totalErrors         int64

	done chan struct{}
}

// New constructs a Reader. channelConverters supplies one converter per
// channel; pressure and humidity modules carry a trailing channel decoded
// as an RTC temperature, so the caller resolves the full list up front.
func New(cfg model.ModuleConfig, channelConverters []decode.Converter, acq model.AcquisitionConfig) (*Reader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(channelConverters) != cfg.ChannelCount {
		return nil, fmt.Errorf("%w: module %s: got %d converters, want %d channels", model.ErrConfig, cfg.ModuleID, len(channelConverters), cfg.ChannelCount)
	}

	readDeadline := time.Duration(acq.DefaultReadTimeoutMS) * time.Millisecond
	if readDeadline <= 0 {
		readDeadline = defaultReadDeadline
	}
	threshold := acq.FailureThreshold
	if threshold <= 0 {
		threshold = 3
	}

	return &Reader{
		cfg:             cfg,
		convs:           channelConverters,
		backoff:         newBackoff(acq.ReconnectBackoff),
		connectDeadline: defaultConnectDeadline,
		readDeadline:    readDeadline,
		failThreshold:   threshold,
		state:           StateCreated,
		done:            make(chan struct{}),
	}, nil
}

// Start runs the reader's state machine on its own goroutine until ctx is
// cancelled. out receives one SensorReading per successfully decoded
// channel on every successful poll.
func (r *Reader) Start(ctx context.Context, out chan<- model.SensorReading, sessionPrefix string) {
	go func() {
		defer close(r.done)
		r.run(ctx, out, sessionPrefix)
	}()
}

// Done is closed once the reader has released its socket and exited.
func (r *Reader) Done() <-chan struct{} {
	return r.done
}

func (r *Reader) run(ctx context.Context, out chan<- model.SensorReading, sessionPrefix string) {
	for {
		select {
		case <-ctx.Done():
			r.setState(StateStopped)
			r.closeConn()
			return
		default:
		}

		r.setState(StateConnecting)
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", r.cfg.Host, r.cfg.Port), r.connectDeadline)
		if err != nil {
			log.Printf("[reader %s] connect failed: %v", r.cfg.ModuleID, err)
			if !r.sleepOrDone(ctx, r.backoff.next()) {
				r.setState(StateStopped)
				return
			}
			continue
		}

		r.mu.Lock()
		r.conn = conn
		r.mu.Unlock()
		r.setState(StateConnected)
		log.Printf("[reader %s] connected to %s:%d", r.cfg.ModuleID, r.cfg.Host, r.cfg.Port)

		if !r.pollUntilFailureThreshold(ctx, out, sessionPrefix) {
			r.closeConn()
			r.setState(StateStopped)
			return
		}

		r.closeConn()
		r.setState(StateReconnecting)
		if !r.sleepOrDone(ctx, r.backoff.next()) {
			r.setState(StateStopped)
			return
		}
	}
}

// pollUntilFailureThreshold polls on cadence until ctx is cancelled
// (returns false) or consecutive failures reach the threshold (returns
// true, caller reconnects).
func (r *Reader) pollUntilFailureThreshold(ctx context.Context, out chan<- model.SensorReading, sessionPrefix string) bool {
	r.setState(StatePolling)
	ticker := time.NewTicker(r.cfg.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if err := r.pollOnce(out, sessionPrefix); err != nil {
				r.mu.Lock()
				r.consecutiveFailures++
				r.totalErrors++
				fails := r.consecutiveFailures
				r.mu.Unlock()
				log.Printf("[reader %s] poll failed (%d/%d): %v", r.cfg.ModuleID, fails, r.failThreshold, err)
				if fails >= r.failThreshold {
					return true
				}
			} else {
				r.mu.Lock()
				r.consecutiveFailures = 0
				r.totalReads++
				r.lastSuccess = time.Now()
				r.mu.Unlock()
				r.backoff.reset()
			}
		}
	}
}

// pollOnce sends a single framed request and decodes the response.
func (r *Reader) pollOnce(out chan<- model.SensorReading, sessionPrefix string) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: no connection", model.ErrIO)
	}

	req := modbus.Request{
		SlaveAddr:     r.cfg.SlaveAddr,
		FunctionCode:  r.cfg.FunctionCode,
		StartRegister: r.cfg.StartRegister,
		RegisterCount: r.cfg.RegisterCount,
	}
	frame := req.Encode()

	if err := conn.SetWriteDeadline(time.Now().Add(r.readDeadline)); err != nil {
		return fmt.Errorf("%w: %v", model.ErrIO, err)
	}
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("%w: write: %v", model.ErrIO, err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(r.readDeadline)); err != nil {
		return fmt.Errorf("%w: %v", model.ErrIO, err)
	}
	resp := make([]byte, 5+2*int(req.RegisterCount)+2)
	n, err := readFull(conn, resp)
	if err != nil && n == 0 {
		return fmt.Errorf("%w: read: %v", model.ErrIO, err)
	}

	decoded, err := modbus.Decode(resp[:n], req)
	if err != nil {
		var exc *model.ModbusException
		if errors.As(err, &exc) {
			// Device-reported exceptions count toward the threshold but
			// do not force an immediate disconnect.
			return err
		}
		return err
	}

	now := time.Now()
	for ch := 0; ch < r.cfg.ChannelCount; ch++ {
		raw := decoded.Registers[ch]
		value, decErr := r.convs[ch](raw)
		if decErr != nil {
			log.Printf("[reader %s] channel %d decode dropped: %v", r.cfg.ModuleID, ch, decErr)
			continue
		}
		reading := model.SensorReading{
			ModuleID:      r.cfg.ModuleID,
			SensorType:    r.cfg.SensorType,
			SensorID:      model.SensorID(r.cfg.SensorType, r.cfg.ModuleID, ch),
			Channel:       ch,
			Timestamp:     now,
			Raw:           raw,
			Value:         value,
			Unit:          r.cfg.SensorType.Unit(),
			SessionPrefix: sessionPrefix,
		}
		// The manager-owned fan-in channel applies its own drop-oldest
		// policy on overflow; this send may block briefly but the manager
		// keeps it draining.
		out <- reading
	}
	return nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}

func (r *Reader) sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (r *Reader) closeConn() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}
}

func (r *Reader) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Status returns a consistent snapshot of the reader's counters.
func (r *Reader) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{
		ModuleID:            r.cfg.ModuleID,
		State:               r.state,
		LastSuccessTS:       r.lastSuccess,
		ConsecutiveFailures: r.consecutiveFailures,
		TotalReads:          r.totalReads,
		TotalErrors:         r.totalErrors,
	}
}
