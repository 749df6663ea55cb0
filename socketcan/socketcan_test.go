package socketcan

import (
	"encoding/binary"
	"testing"

	"github.com/aldas/go-isobus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawCanFrame(canID uint32, length uint8, data ...byte) [frameSize]byte {
	var buf [frameSize]byte
	binary.NativeEndian.PutUint32(buf[0:4], canID)
	buf[4] = length
	copy(buf[8:], data)
	return buf
}

func TestEncodeFrame(t *testing.T) {
	var testCases = []struct {
		name   string
		given  isobus.RawFrame
		expect [frameSize]byte
	}{
		{
			name: "ok, address claim frame",
			given: isobus.Frame(0, isobus.CanBusHeader{
				PGN:         uint32(isobus.PGNAddressClaim),
				Priority:    6,
				Source:      0x1C,
				Destination: isobus.AddressGlobal,
			}, []byte{0x03, 0x04, 0x12, 0x00, 0x52, 0x00, 0x00, 0xA0}),
			expect: rawCanFrame(0x18EEFF1C|flagExtended, 8,
				0x03, 0x04, 0x12, 0x00, 0x52, 0x00, 0x00, 0xA0),
		},
		{
			name: "ok, short frame leaves trailing data bytes zero",
			given: isobus.Frame(0, isobus.CanBusHeader{
				PGN:         uint32(isobus.PGNRequest),
				Priority:    6,
				Source:      isobus.AddressNull,
				Destination: isobus.AddressGlobal,
			}, []byte{0x00, 0xEE, 0x00}),
			expect: rawCanFrame(0x18EAFFFE|flagExtended, 3, 0x00, 0xEE, 0x00),
		},
		{
			name: "ok, length over 8 is clamped",
			given: isobus.RawFrame{
				Header: isobus.CanBusHeader{PGN: 0xFEEB, Priority: 6, Source: 0x01, Destination: 0xFF},
				Length: 9,
				Data:   [8]byte{1, 2, 3, 4, 5, 6, 7, 8},
			},
			expect: rawCanFrame(0x18FEEB01|flagExtended, 8, 1, 2, 3, 4, 5, 6, 7, 8),
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expect, encodeFrame(tc.given))
		})
	}
}

func TestDecodeFrame(t *testing.T) {
	var testCases = []struct {
		name        string
		given       [frameSize]byte
		expect      isobus.RawFrame
		expectError error
	}{
		{
			name:  "ok, extended data frame",
			given: rawCanFrame(0x18EEFF1C|flagExtended, 8, 0x03, 0x04, 0x12, 0x00, 0x52, 0x00, 0x00, 0xA0),
			expect: isobus.RawFrame{
				Header: isobus.CanBusHeader{
					PGN:         uint32(isobus.PGNAddressClaim),
					Priority:    6,
					Source:      0x1C,
					Destination: isobus.AddressGlobal,
				},
				Length: 8,
				Data:   [8]byte{0x03, 0x04, 0x12, 0x00, 0x52, 0x00, 0x00, 0xA0},
			},
		},
		{
			name:  "ok, length over 8 is clamped",
			given: rawCanFrame(0x18FEEB01|flagExtended, 15, 1, 2, 3, 4, 5, 6, 7, 8),
			expect: isobus.RawFrame{
				Header: isobus.CanBusHeader{PGN: 0xFEEB, Priority: 6, Source: 0x01, Destination: 0xFF},
				Length: 8,
				Data:   [8]byte{1, 2, 3, 4, 5, 6, 7, 8},
			},
		},
		{
			name:        "nok, error message frame",
			given:       rawCanFrame(0x18EEFF1C|flagExtended|flagError, 8),
			expectError: errErrorFrame,
		},
		{
			name:        "nok, remote transmission request frame",
			given:       rawCanFrame(0x18EEFF1C|flagExtended|flagRTR, 8),
			expectError: errRTRFrame,
		},
		{
			name:        "nok, standard 11 bit frame",
			given:       rawCanFrame(0x123, 8, 1, 2, 3, 4, 5, 6, 7, 8),
			expectError: errStandardFrame,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			frame, err := decodeFrame(tc.given)

			if tc.expectError != nil {
				assert.ErrorIs(t, err, tc.expectError)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expect, frame)
		})
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var testCases = []struct {
		name  string
		given isobus.RawFrame
	}{
		{
			name: "TP connection management",
			given: isobus.Frame(0, isobus.CanBusHeader{
				PGN:         uint32(isobus.PGNTPConnectionManagement),
				Priority:    7,
				Source:      0x01,
				Destination: 0x02,
			}, []byte{16, 23, 0, 4, 0xFF, 0xEB, 0xFE, 0x00}),
		},
		{
			name: "PDU2 broadcast with high data page",
			given: isobus.Frame(0, isobus.CanBusHeader{
				PGN:         0x1FD13,
				Priority:    3,
				Source:      0xA1,
				Destination: isobus.AddressGlobal,
			}, []byte{0x60, 0x1E, 0xF0, 0x30, 0x4B, 0x08}),
		},
		{
			name: "empty data frame",
			given: isobus.Frame(0, isobus.CanBusHeader{
				PGN:         0xFEEB,
				Priority:    6,
				Source:      0xB8,
				Destination: isobus.AddressGlobal,
			}, nil),
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			frame, err := decodeFrame(encodeFrame(tc.given))

			require.NoError(t, err)
			assert.Equal(t, tc.given, frame)
		})
	}
}
