// Package modbus implements the Modbus RTU frame format carried over a
// raw TCP stream (RTU-over-TCP, no MBAP header). It is pure: no I/O, so
// every path is testable on byte vectors.
package modbus

import (
	"encoding/binary"
	"fmt"

	"github.com/fieldworks-io/sensorgrid/internal/model"
)

// Request is a read request for a contiguous block of registers.
type Request struct {
	SlaveAddr     byte
	FunctionCode  byte
	StartRegister uint16
	RegisterCount uint16
}

// Encode builds the wire frame:
// slave_addr | function_code | start_hi | start_lo | count_hi | count_lo | crc_lo | crc_hi
func (r Request) Encode() []byte {
	frame := make([]byte, 6, 8)
	frame[0] = r.SlaveAddr
	frame[1] = r.FunctionCode
	binary.BigEndian.PutUint16(frame[2:4], r.StartRegister)
	binary.BigEndian.PutUint16(frame[4:6], r.RegisterCount)
	return appendCRC(frame)
}

// Response is a decoded read response: the register words in order.
type Response struct {
	SlaveAddr    byte
	FunctionCode byte
	Registers    []uint16
}

// Decode parses a response frame against the request it answers.
// Register words are unpacked as big-endian unsigned 16-bit.
func Decode(frame []byte, req Request) (*Response, error) {
	if len(frame) < 5 {
		return nil, fmt.Errorf("%w: got %d bytes", model.ErrFrameTruncated, len(frame))
	}

	slaveAddr := frame[0]
	functionCode := frame[1]

	// An exception frame is exactly addr | func|0x80 | code | crc.
	if functionCode&0x80 != 0 {
		if err := checkCRC(frame[:5]); err != nil {
			return nil, err
		}
		return nil, &model.ModbusException{Code: frame[2]}
	}

	byteCount := int(frame[2])
	if byteCount != 2*int(req.RegisterCount) {
		return nil, fmt.Errorf("%w: byte_count %d != 2*register_count %d", model.ErrFrameMalformed, byteCount, req.RegisterCount)
	}
	wantLen := 3 + byteCount + 2
	if len(frame) < wantLen {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", model.ErrFrameTruncated, len(frame), wantLen)
	}

	if err := checkCRC(frame[:wantLen]); err != nil {
		return nil, err
	}

	if slaveAddr != req.SlaveAddr {
		return nil, fmt.Errorf("%w: got %d, want %d", model.ErrAddressMismatch, slaveAddr, req.SlaveAddr)
	}

	regs := make([]uint16, req.RegisterCount)
	data := frame[3 : 3+byteCount]
	for i := range regs {
		regs[i] = binary.BigEndian.Uint16(data[i*2 : i*2+2])
	}

	return &Response{SlaveAddr: slaveAddr, FunctionCode: functionCode, Registers: regs}, nil
}

func checkCRC(frame []byte) error {
	body, wireCRC := frame[:len(frame)-2], frame[len(frame)-2:]
	want := crc16(body)
	got := uint16(wireCRC[0]) | uint16(wireCRC[1])<<8
	if want != got {
		return fmt.Errorf("%w: computed %#04x, frame has %#04x", model.ErrCRC, want, got)
	}
	return nil
}
