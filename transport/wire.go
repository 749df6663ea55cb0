package transport

import (
	"github.com/aldas/go-isobus"
)

// transport protocol limits. TP carries at most 255 packets of 7 bytes, ETP packet count is 24 bits.
const (
	TPMinSize  = 9
	TPMaxSize  = 1785
	ETPMinSize = TPMaxSize + 1
	ETPMaxSize = 0xFFFFFF * 7 // 117440505

	packetPayloadSize = 7
)

// TP connection management control bytes (first byte of PGN 60416 data)
const (
	tpControlRTS   = uint8(16)
	tpControlCTS   = uint8(17)
	tpControlEOMA  = uint8(19)
	tpControlBAM   = uint8(32)
	tpControlAbort = uint8(255)
)

// ETP connection management control bytes (first byte of PGN 51200 data)
const (
	etpControlRTS   = uint8(20)
	etpControlCTS   = uint8(21)
	etpControlDPO   = uint8(22)
	etpControlEOMA  = uint8(23)
	etpControlAbort = uint8(255)
)

// AbortReason is ISO 11783-3 connection abort reason code
type AbortReason uint8

const (
	// AbortReasonNone marks successful completion in events
	AbortReasonNone = AbortReason(0)
	// AbortReasonAlreadyInSession node is already in one or more sessions and can not support another
	AbortReasonAlreadyInSession = AbortReason(1)
	// AbortReasonNoResources system resources were needed for another task
	AbortReasonNoResources = AbortReason(2)
	// AbortReasonTimeout a timeout occurred
	AbortReasonTimeout = AbortReason(3)
	// AbortReasonCTSWhileTransferring CTS was received when data transfer was in progress
	AbortReasonCTSWhileTransferring = AbortReason(4)
	// AbortReasonMaxRetransmit maximum retransmit request limit was reached
	AbortReasonMaxRetransmit = AbortReason(5)
	// AbortReasonUnexpectedData unexpected data transfer packet was received
	AbortReasonUnexpectedData = AbortReason(6)
	// AbortReasonBadSequence bad sequence number was received
	AbortReasonBadSequence = AbortReason(7)
	// AbortReasonDuplicateSequence duplicate sequence number was received
	AbortReasonDuplicateSequence = AbortReason(8)
)

func uint16LE(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}

func uint24LE(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}

func uint32LE(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putUint24LE(b []byte, v uint32) {
	b[0] = uint8(v)
	b[1] = uint8(v >> 8)
	b[2] = uint8(v >> 16)
}

func cmHeader(channel uint8, pgn isobus.PGN, source uint8, destination uint8, data [8]byte) isobus.RawFrame {
	return isobus.RawFrame{
		Channel: channel,
		Header: isobus.CanBusHeader{
			PGN:         uint32(pgn),
			Priority:    isobus.PriorityLowest,
			Source:      source,
			Destination: destination,
		},
		Length: 8,
		Data:   data,
	}
}

func tpRTSFrame(channel uint8, source uint8, destination uint8, pgn uint32, size uint16, totalPackets uint8, windowHint uint8) isobus.RawFrame {
	p := isobus.PGN(pgn).Bytes()
	return cmHeader(channel, isobus.PGNTPConnectionManagement, source, destination,
		[8]byte{tpControlRTS, uint8(size), uint8(size >> 8), totalPackets, windowHint, p[0], p[1], p[2]})
}

func tpCTSFrame(channel uint8, source uint8, destination uint8, pgn uint32, packets uint8, nextPacket uint8) isobus.RawFrame {
	p := isobus.PGN(pgn).Bytes()
	return cmHeader(channel, isobus.PGNTPConnectionManagement, source, destination,
		[8]byte{tpControlCTS, packets, nextPacket, 0xFF, 0xFF, p[0], p[1], p[2]})
}

func tpEOMAFrame(channel uint8, source uint8, destination uint8, pgn uint32, size uint16, totalPackets uint8) isobus.RawFrame {
	p := isobus.PGN(pgn).Bytes()
	return cmHeader(channel, isobus.PGNTPConnectionManagement, source, destination,
		[8]byte{tpControlEOMA, uint8(size), uint8(size >> 8), totalPackets, 0xFF, p[0], p[1], p[2]})
}

func tpBAMFrame(channel uint8, source uint8, pgn uint32, size uint16, totalPackets uint8) isobus.RawFrame {
	p := isobus.PGN(pgn).Bytes()
	return cmHeader(channel, isobus.PGNTPConnectionManagement, source, isobus.AddressGlobal,
		[8]byte{tpControlBAM, uint8(size), uint8(size >> 8), totalPackets, 0xFF, p[0], p[1], p[2]})
}

func tpAbortFrame(channel uint8, source uint8, destination uint8, pgn uint32, reason AbortReason) isobus.RawFrame {
	p := isobus.PGN(pgn).Bytes()
	return cmHeader(channel, isobus.PGNTPConnectionManagement, source, destination,
		[8]byte{tpControlAbort, uint8(reason), 0xFF, 0xFF, 0xFF, p[0], p[1], p[2]})
}

func etpRTSFrame(channel uint8, source uint8, destination uint8, pgn uint32, size uint32) isobus.RawFrame {
	p := isobus.PGN(pgn).Bytes()
	return cmHeader(channel, isobus.PGNETPConnectionManagement, source, destination,
		[8]byte{etpControlRTS, uint8(size), uint8(size >> 8), uint8(size >> 16), uint8(size >> 24), p[0], p[1], p[2]})
}

func etpCTSFrame(channel uint8, source uint8, destination uint8, pgn uint32, packets uint8, nextPacket uint32) isobus.RawFrame {
	p := isobus.PGN(pgn).Bytes()
	data := [8]byte{etpControlCTS, packets, 0, 0, 0, p[0], p[1], p[2]}
	putUint24LE(data[2:5], nextPacket)
	return cmHeader(channel, isobus.PGNETPConnectionManagement, source, destination, data)
}

func etpDPOFrame(channel uint8, source uint8, destination uint8, pgn uint32, packets uint8, offset uint32) isobus.RawFrame {
	p := isobus.PGN(pgn).Bytes()
	data := [8]byte{etpControlDPO, packets, 0, 0, 0, p[0], p[1], p[2]}
	putUint24LE(data[2:5], offset)
	return cmHeader(channel, isobus.PGNETPConnectionManagement, source, destination, data)
}

func etpEOMAFrame(channel uint8, source uint8, destination uint8, pgn uint32, size uint32) isobus.RawFrame {
	p := isobus.PGN(pgn).Bytes()
	return cmHeader(channel, isobus.PGNETPConnectionManagement, source, destination,
		[8]byte{etpControlEOMA, uint8(size), uint8(size >> 8), uint8(size >> 16), uint8(size >> 24), p[0], p[1], p[2]})
}

func etpAbortFrame(channel uint8, source uint8, destination uint8, pgn uint32, reason AbortReason) isobus.RawFrame {
	p := isobus.PGN(pgn).Bytes()
	return cmHeader(channel, isobus.PGNETPConnectionManagement, source, destination,
		[8]byte{etpControlAbort, uint8(reason), 0xFF, 0xFF, 0xFF, p[0], p[1], p[2]})
}

// dataFrame builds single data transfer frame. Sequence is 1 based number within the burst (TP: within
// whole message). Unused payload bytes are padded with 0xFF.
func dataFrame(channel uint8, pgn isobus.PGN, source uint8, destination uint8, sequence uint8, payload []byte) isobus.RawFrame {
	f := isobus.RawFrame{
		Channel: channel,
		Header: isobus.CanBusHeader{
			PGN:         uint32(pgn),
			Priority:    isobus.PriorityLowest,
			Source:      source,
			Destination: destination,
		},
		Length: 8,
		Data:   [8]byte{sequence, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF},
	}
	copy(f.Data[1:], payload)
	return f
}

// packetCount returns how many 7 byte packets are needed for size bytes of data
func packetCount(size int) uint32 {
	return uint32((size + packetPayloadSize - 1) / packetPayloadSize)
}
