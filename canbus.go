package isobus

import (
	"time"
)

const (
	// AddressGlobal is broadcast destination address, message is meant to all nodes in the bus
	AddressGlobal = uint8(255)
	// AddressNull is source address of node that has not (yet) claimed an address in the bus
	AddressNull = uint8(254)

	// AddressDynamicLow is start of address range that arbitrary address capable nodes pick from when their
	// preferred address is already taken
	AddressDynamicLow = uint8(128)
	// AddressDynamicHigh is end (inclusive) of dynamic address range
	AddressDynamicHigh = uint8(247)

	// PriorityHighest is CAN identifier priority that wins arbitration against all others
	PriorityHighest = uint8(0)
	// PriorityDefault is priority most application messages are sent with
	PriorityDefault = uint8(6)
	// PriorityLowest is CAN identifier priority that loses arbitration against all others
	PriorityLowest = uint8(7)

	// pduFormatBoundary splits PDU1 (destination addressed) format from PDU2 (broadcast) format
	pduFormatBoundary = uint8(240)

	// PGNMax is largest value 18 bit Parameter Group Number can have
	PGNMax = uint32(0x3FFFF)
)

// CanBusHeader is decomposed 29 bit CAN identifier
type CanBusHeader struct {
	PGN         uint32 `json:"pgn"`
	Priority    uint8  `json:"priority"`
	Source      uint8  `json:"source"`
	Destination uint8  `json:"destination"`
}

// IsPDU1 returns true when PGN is destination addressed (PDU format below 240). For PDU1 PGNs the low byte
// of PGN is zero and destination address travels in PDU specific byte of identifier.
func IsPDU1(pgn uint32) bool {
	return uint8(pgn>>8) < pduFormatBoundary
}

// Validate checks that header fields can be encoded into 29 bit identifier without losing bits
func (h CanBusHeader) Validate() error {
	if h.Priority > PriorityLowest {
		return ErrInvalidPriority
	}
	if h.PGN > PGNMax {
		return ErrInvalidPGN
	}
	if IsPDU1(h.PGN) && uint8(h.PGN) != 0 {
		// destination addressed PGNs must have zero low byte, destination is carried in the identifier
		return ErrInvalidPGN
	}
	return nil
}

// Uint32 encodes header into 29 bit CAN identifier
func (h CanBusHeader) Uint32() uint32 {
	canID := uint32(h.Source) // bits 0-7

	pf := uint8(h.PGN >> 8)
	if pf < pduFormatBoundary {
		canID |= uint32(h.Destination) << 8 // bits 8-15
		canID |= (h.PGN & 0x3FF00) << 8     // bits 16-25, low byte of PDU1 PGN is always zero
	} else {
		canID |= (h.PGN & 0x3FFFF) << 8 // bits 8-25
	}
	canID |= uint32(h.Priority&0x7) << 26 // bits 26,27,28
	return canID
}

// ParseCANID parses CAN bus header fields from CAN ID (29 bits of 32 bit).
func ParseCANID(canID uint32) CanBusHeader {
	result := CanBusHeader{
		Priority: uint8((canID >> 26) & 0x7), // bits 26,27,28
		Source:   uint8(canID),               // bits 0-7
	}
	ps := uint8(canID >> 8)         // bits 8-15
	pduFormat := uint8(canID >> 16) // bits 16-23
	rAndDP := uint8(canID>>24) & 3  // bits 24,25 (data page and extended data page)
	pgn := (uint32(rAndDP) << 16) + uint32(pduFormat)<<8
	if pduFormat < pduFormatBoundary {
		result.Destination = ps
		result.PGN = pgn
	} else {
		result.Destination = AddressGlobal // 0xff is broadcast to all
		result.PGN = pgn + uint32(ps)
	}
	return result
}

// RawFrame is single CAN frame read from or written to the bus
type RawFrame struct {
	// Time is when frame was read from the bus. Filled by the driver.
	Time    time.Time
	Channel uint8
	Header  CanBusHeader
	Length  uint8
	Data    [8]byte
}

// Message is logical ISOBUS message. Data can be longer than 8 bytes when message was assembled from
// transport protocol (TP/ETP) or Fast-Packet frames.
type Message struct {
	// Time is when last frame of the message was read from the bus
	Time    time.Time
	Channel uint8
	Header  CanBusHeader
	Data    []byte
}

// Frame creates single frame out of at most 8 bytes of data. Unused data bytes are not filled, Length
// marks how many bytes are actually in use.
func Frame(channel uint8, header CanBusHeader, data []byte) RawFrame {
	f := RawFrame{
		Channel: channel,
		Header:  header,
		Length:  uint8(len(data)),
	}
	copy(f.Data[:], data)
	return f
}
