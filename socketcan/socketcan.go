// Package socketcan is hardware driver for Linux SocketCAN interfaces (can0, vcan0 etc).
package socketcan

import (
	"encoding/binary"
	"errors"

	"github.com/aldas/go-isobus"
)

// classic SocketCAN frame (struct can_frame in linux/can.h) is 16 bytes:
//
//	bytes 0-3   can_id, 29 identifier bits plus EFF/RTR/ERR flags in the top 3 bits, host byte order
//	byte  4     data length code
//	bytes 5-7   padding/reserved
//	bytes 8-15  data
const frameSize = 16

const (
	// idValueMask selects 29 identifier bits of can_id
	idValueMask = uint32(1)<<29 - 1
	// flagError marks error message frame generated by the interface
	flagError = uint32(1) << 29
	// flagRTR marks remote transmission request frame
	flagRTR = uint32(1) << 30
	// flagExtended marks extended frame format, 29 bit identifier instead of 11 bit
	flagExtended = uint32(1) << 31
)

var (
	errErrorFrame    = errors.New("CAN error message frame")
	errRTRFrame      = errors.New("CAN remote transmission request frame")
	errStandardFrame = errors.New("CAN standard (11 bit) frame")
)

// encodeFrame packs frame into SocketCAN wire layout. ISO 11783 traffic is always extended frame
// format so EFF flag is set unconditionally. Length over 8 is clamped to 8.
func encodeFrame(frame isobus.RawFrame) [frameSize]byte {
	var buf [frameSize]byte

	binary.NativeEndian.PutUint32(buf[0:4], frame.Header.Uint32()|flagExtended)
	length := frame.Length
	if length > 8 {
		length = 8
	}
	buf[4] = length
	copy(buf[8:], frame.Data[:length])
	return buf
}

// decodeFrame unpacks SocketCAN wire layout. Only extended data frames are accepted, error frames,
// remote transmission requests and standard frames have no place in ISO 11783 network.
func decodeFrame(buf [frameSize]byte) (isobus.RawFrame, error) {
	canID := binary.NativeEndian.Uint32(buf[0:4])
	switch {
	case canID&flagError != 0:
		return isobus.RawFrame{}, errErrorFrame
	case canID&flagRTR != 0:
		return isobus.RawFrame{}, errRTRFrame
	case canID&flagExtended == 0:
		return isobus.RawFrame{}, errStandardFrame
	}

	f := isobus.RawFrame{
		Header: isobus.ParseCANID(canID & idValueMask),
		Length: buf[4],
	}
	if f.Length > 8 {
		f.Length = 8
	}
	copy(f.Data[:], buf[8:8+f.Length])
	return f, nil
}
