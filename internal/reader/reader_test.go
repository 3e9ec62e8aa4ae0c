package reader

import (
	"context"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fieldworks-io/sensorgrid/internal/decode"
	"github.com/fieldworks-io/sensorgrid/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// goodFrame builds a valid response frame carrying two registers,
// 0x00FA and 0xFFEC.
func goodFrame() []byte {
	body := []byte{0x01, 0x04, 0x04, 0x00, 0xFA, 0xFF, 0xEC}
	crc := crc16Test(body)
	return append(body, byte(crc), byte(crc>>8))
}

func crc16Test(data []byte) uint16 {
	var crc uint16 = 0xFFFF
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// fakeModule serves framed responses on a loopback listener. The first
// `corrupt` responses across all connections carry a flipped CRC byte.
type fakeModule struct {
	ln       net.Listener
	corrupt  atomic.Int32
	accepts  atomic.Int32
	requests atomic.Int32
}

func newFakeModule(t *testing.T, corruptFirst int32) *fakeModule {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	m := &fakeModule{ln: ln}
	m.corrupt.Store(corruptFirst)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			m.accepts.Add(1)
			go m.serve(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return m
}

func (m *fakeModule) serve(conn net.Conn) {
	defer conn.Close()
	req := make([]byte, 8)
	for {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		if _, err := readFull(conn, req); err != nil {
			return
		}
		m.requests.Add(1)
		frame := goodFrame()
		if m.corrupt.Add(-1) >= 0 {
			frame[len(frame)-1] ^= 0xFF
		}
		conn.Write(frame)
	}
}

func (m *fakeModule) hostPort(t *testing.T) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(m.ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func testModuleConfig(host string, port int) model.ModuleConfig {
	return model.ModuleConfig{
		ModuleID:       "m1",
		Host:           host,
		Port:           port,
		SlaveAddr:      1,
		FunctionCode:   4,
		RegisterCount:  2,
		ChannelCount:   2,
		SensorType:     model.Temperature,
		IsRTC:          true,
		PollIntervalMS: 10,
	}
}

func testAcquisitionConfig() model.AcquisitionConfig {
	return model.AcquisitionConfig{
		DefaultReadTimeoutMS: 200,
		FailureThreshold:     3,
		ReconnectBackoff:     model.ReconnectBackoff{InitialMS: 10, MaxMS: 50, Multiplier: 2, JitterPct: 0},
	}
}

func TestReaderDecodesReadings(t *testing.T) {
	mod := newFakeModule(t, 0)
	host, port := mod.hostPort(t)
	cfg := testModuleConfig(host, port)

	conv, err := decode.ForModule(cfg)
	require.NoError(t, err)
	r, err := New(cfg, []decode.Converter{conv, conv}, testAcquisitionConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out := make(chan model.SensorReading, 100)
	r.Start(ctx, out, "20260101_000000")

	first := <-out
	second := <-out
	assert.Equal(t, "m1", first.ModuleID)
	assert.Equal(t, "temperature_m1_00", first.SensorID)
	assert.InDelta(t, 25.0, first.Value, 0.0001)
	assert.InDelta(t, -2.0, second.Value, 0.0001)
	assert.Equal(t, "20260101_000000", first.SessionPrefix)

	cancel()
	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("reader did not stop after cancellation")
	}
	assert.Equal(t, StateStopped, r.Status().State)
}

// A CRC failure is counted, not fatal: the socket stays open for the next
// poll, and only three consecutive failures force a reconnect.
func TestReaderReconnectsAfterThreshold(t *testing.T) {
	mod := newFakeModule(t, 3)
	host, port := mod.hostPort(t)
	cfg := testModuleConfig(host, port)

	conv, err := decode.ForModule(cfg)
	require.NoError(t, err)
	r, err := New(cfg, []decode.Converter{conv, conv}, testAcquisitionConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out := make(chan model.SensorReading, 100)
	r.Start(ctx, out, "20260101_000000")

	select {
	case reading := <-out:
		require.Equal(t, "m1", reading.ModuleID)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a reading after reconnect")
	}

	// The corrupt frames all arrived on the first connection, so the
	// socket stayed open across individual failures.
	assert.GreaterOrEqual(t, mod.requests.Load(), int32(4))
	// One initial connect plus at least one reconnect after the threshold.
	assert.GreaterOrEqual(t, mod.accepts.Load(), int32(2))

	require.Eventually(t, func() bool {
		st := r.Status()
		return st.ConsecutiveFailures == 0 && st.TotalErrors >= 3 && st.TotalReads >= 1
	}, 2*time.Second, 10*time.Millisecond)
}
