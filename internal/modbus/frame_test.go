package modbus

import (
	"errors"
	"testing"

	"github.com/fieldworks-io/sensorgrid/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestEncodeCRC(t *testing.T) {
	req := Request{SlaveAddr: 1, FunctionCode: 4, StartRegister: 0, RegisterCount: 2}
	frame := req.Encode()
	require.Len(t, frame, 8)

	body := frame[:len(frame)-2]
	assert.Equal(t, crc16(body), uint16(frame[len(frame)-2])|uint16(frame[len(frame)-1])<<8)
}

func TestDecodeTemperatureRegisters(t *testing.T) {
	// Two registers: 0x00FA = 250 and 0xFFEC = -20 as signed 16-bit.
	req := Request{SlaveAddr: 1, FunctionCode: 4, StartRegister: 0, RegisterCount: 2}
	body := []byte{0x01, 0x04, 0x04, 0x00, 0xFA, 0xFF, 0xEC}
	frame := appendCRC(body)

	resp, err := Decode(frame, req)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x00FA, 0xFFEC}, resp.Registers)
	assert.Equal(t, byte(1), resp.SlaveAddr)
	assert.Equal(t, byte(4), resp.FunctionCode)
}

func TestDecodeShortFrame(t *testing.T) {
	_, err := Decode([]byte{0x01, 0x04, 0x04}, Request{RegisterCount: 2})
	assert.ErrorIs(t, err, model.ErrFrameTruncated)
}

func TestDecodeExceptionFrame(t *testing.T) {
	req := Request{SlaveAddr: 1, FunctionCode: 4, RegisterCount: 2}
	body := []byte{0x01, 0x84, 0x02} // exception code 2, illegal data address
	frame := appendCRC(body)

	_, err := Decode(frame, req)
	var exc *model.ModbusException
	require.True(t, errors.As(err, &exc))
	assert.Equal(t, byte(2), exc.Code)
}

func TestDecodeByteCountMismatch(t *testing.T) {
	req := Request{SlaveAddr: 1, FunctionCode: 4, RegisterCount: 2}
	body := []byte{0x01, 0x04, 0x02, 0x00, 0xFA} // byte_count=2 but the request asked for 2 registers
	frame := appendCRC(body)

	_, err := Decode(frame, req)
	assert.ErrorIs(t, err, model.ErrFrameMalformed)
}

func TestDecodeCRCMismatch(t *testing.T) {
	req := Request{SlaveAddr: 1, FunctionCode: 4, RegisterCount: 2}
	body := []byte{0x01, 0x04, 0x04, 0x00, 0xFA, 0xFF, 0xEC}
	frame := appendCRC(body)
	frame[len(frame)-1] ^= 0xFF

	_, err := Decode(frame, req)
	assert.ErrorIs(t, err, model.ErrCRC)
}

func TestDecodeAddressMismatch(t *testing.T) {
	req := Request{SlaveAddr: 2, FunctionCode: 4, RegisterCount: 2}
	body := []byte{0x01, 0x04, 0x04, 0x00, 0xFA, 0xFF, 0xEC}
	frame := appendCRC(body)

	_, err := Decode(frame, req)
	assert.ErrorIs(t, err, model.ErrAddressMismatch)
}

// Flipping any single bit of a valid frame must surface as either a CRC
// mismatch or a malformed byte count, never a silently accepted decode.
func TestDecodeRejectsCorruption(t *testing.T) {
	req := Request{SlaveAddr: 1, FunctionCode: 4, RegisterCount: 2}
	body := []byte{0x01, 0x04, 0x04, 0x00, 0xFA, 0xFF, 0xEC}
	good := appendCRC(body)

	for byteIdx := range good {
		for bit := 0; bit < 8; bit++ {
			corrupt := append([]byte(nil), good...)
			corrupt[byteIdx] ^= 1 << bit
			_, err := Decode(corrupt, req)
			require.Errorf(t, err, "byte %d bit %d: corruption silently accepted", byteIdx, bit)
			if !errors.Is(err, model.ErrCRC) && !errors.Is(err, model.ErrFrameMalformed) {
				t.Fatalf("byte %d bit %d: unexpected error kind: %v", byteIdx, bit, err)
			}
		}
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	req := Request{SlaveAddr: 17, FunctionCode: 3, StartRegister: 0x0102, RegisterCount: 10}
	frame := req.Encode()

	assert.Equal(t, req.SlaveAddr, frame[0])
	assert.Equal(t, req.FunctionCode, frame[1])
	assert.Equal(t, req.StartRegister, uint16(frame[2])<<8|uint16(frame[3]))
	assert.Equal(t, req.RegisterCount, uint16(frame[4])<<8|uint16(frame[5]))
	assert.NoError(t, checkCRC(frame))
}
