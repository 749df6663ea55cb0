package isobus

import (
	"github.com/stretchr/testify/assert"
	"testing"
)

func TestCanBusHeader_Uint32(t *testing.T) {
	var testCases = []struct {
		name   string
		given  CanBusHeader
		expect uint32
	}{
		{
			name: "ok, address claim is PDU1, destination in identifier",
			given: CanBusHeader{
				PGN:         uint32(PGNAddressClaim),
				Priority:    6,
				Source:      0x1C,
				Destination: AddressGlobal,
			},
			expect: 0x18EEFF1C,
		},
		{
			name: "ok, TP connection management to concrete destination",
			given: CanBusHeader{
				PGN:         uint32(PGNTPConnectionManagement),
				Priority:    7,
				Source:      0x01,
				Destination: 0x02,
			},
			expect: 0x1CEC0201,
		},
		{
			name: "ok, PDU2 broadcast carries PGN low byte in PDU specific",
			given: CanBusHeader{
				PGN:         130323,
				Priority:    6,
				Source:      35,
				Destination: AddressGlobal,
			},
			expect: 0x19FD1323,
		},
		{
			name: "ok, destination is ignored for PDU2",
			given: CanBusHeader{
				PGN:         0xFEEC,
				Priority:    6,
				Source:      0x01,
				Destination: 0x55,
			},
			expect: 0x18FEEC01,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expect, tc.given.Uint32())
		})
	}
}

func TestParseCANID(t *testing.T) {
	var testCases = []struct {
		name   string
		given  uint32
		expect CanBusHeader
	}{
		{
			name:  "ok, PDU1 with destination",
			given: 0x1CEC0201,
			expect: CanBusHeader{
				PGN:         uint32(PGNTPConnectionManagement),
				Priority:    7,
				Source:      0x01,
				Destination: 0x02,
			},
		},
		{
			name:  "ok, PDU2 broadcast",
			given: 0x19FD1323,
			expect: CanBusHeader{
				PGN:         130323,
				Priority:    6,
				Source:      35,
				Destination: AddressGlobal,
			},
		},
		{
			name:  "ok, address claim broadcast",
			given: 0x18EEFF1C,
			expect: CanBusHeader{
				PGN:         uint32(PGNAddressClaim),
				Priority:    6,
				Source:      0x1C,
				Destination: AddressGlobal,
			},
		},
		{
			name:  "ok, data page bit is part of PGN",
			given: 0x19F01322, // PGN 0x1F013
			expect: CanBusHeader{
				PGN:         0x1F013,
				Priority:    6,
				Source:      0x22,
				Destination: AddressGlobal,
			},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expect, ParseCANID(tc.given))
		})
	}
}

func TestCanBusHeader_roundTrip(t *testing.T) {
	// encoding then decoding well formed header yields the original header
	var testCases = []struct {
		name  string
		given CanBusHeader
	}{
		{name: "PDU1", given: CanBusHeader{PGN: 0xEA00, Priority: 6, Source: 0x80, Destination: 0x26}},
		{name: "PDU1 to global", given: CanBusHeader{PGN: 0xEE00, Priority: 3, Source: 0xF5, Destination: 0xFF}},
		{name: "PDU2", given: CanBusHeader{PGN: 0xFEEB, Priority: 7, Source: 0x01, Destination: 0xFF}},
		{name: "PDU2 high page", given: CanBusHeader{PGN: 0x1FD13, Priority: 0, Source: 0xFE, Destination: 0xFF}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.NoError(t, tc.given.Validate())
			assert.Equal(t, tc.given, ParseCANID(tc.given.Uint32()))
		})
	}
}

func TestCanBusHeader_Validate(t *testing.T) {
	var testCases = []struct {
		name        string
		given       CanBusHeader
		expectError error
	}{
		{
			name:  "ok",
			given: CanBusHeader{PGN: 0xFEEB, Priority: 6, Source: 1, Destination: 255},
		},
		{
			name:        "nok, priority does not fit 3 bits",
			given:       CanBusHeader{PGN: 0xFEEB, Priority: 8, Source: 1, Destination: 255},
			expectError: ErrInvalidPriority,
		},
		{
			name:        "nok, PGN does not fit 18 bits",
			given:       CanBusHeader{PGN: 0x40000, Priority: 6, Source: 1, Destination: 255},
			expectError: ErrInvalidPGN,
		},
		{
			name:        "nok, PDU1 PGN with non-zero low byte",
			given:       CanBusHeader{PGN: 0xEA01, Priority: 6, Source: 1, Destination: 255},
			expectError: ErrInvalidPGN,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.given.Validate()
			if tc.expectError != nil {
				assert.ErrorIs(t, err, tc.expectError)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestIsPDU1(t *testing.T) {
	assert.True(t, IsPDU1(uint32(PGNRequest)))
	assert.True(t, IsPDU1(uint32(PGNETPDataTransfer)))
	assert.False(t, IsPDU1(0xFEEB))
	assert.False(t, IsPDU1(0x1FD13))
}

func TestFrame(t *testing.T) {
	f := Frame(1, CanBusHeader{PGN: 0xEA00, Priority: 6, Source: 0xFE, Destination: 0xFF}, []byte{0x00, 0xEE, 0x00})

	assert.Equal(t, uint8(1), f.Channel)
	assert.Equal(t, uint8(3), f.Length)
	assert.Equal(t, [8]byte{0x00, 0xEE, 0x00}, f.Data)
}
