package model

import (
	"errors"
	"strconv"
)

// Error kinds counted by the pipeline. Components count occurrences of
// these rather than aborting on them; only ErrConfig and a prolonged
// startup ErrConnect on both backends are fatal.
var (
	ErrConfig          = errors.New("config error")
	ErrConnect         = errors.New("connect error")
	ErrIO              = errors.New("io error")
	ErrFrameTruncated  = errors.New("frame truncated")
	ErrFrameMalformed  = errors.New("frame malformed")
	ErrCRC             = errors.New("crc error")
	ErrAddressMismatch = errors.New("address mismatch")
	ErrDecode          = errors.New("decode error")
	ErrCache           = errors.New("cache error")
	ErrStore           = errors.New("store error")
)

// ModbusException wraps a device-reported exception code.
type ModbusException struct {
	Code byte
}

func (e *ModbusException) Error() string {
	return "modbus exception: code " + strconv.Itoa(int(e.Code))
}
