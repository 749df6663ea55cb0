package transport

import (
	"time"
)

// Direction tells whether session originates data (Tx) or receives it (Rx)
type Direction int

const (
	DirectionTx = Direction(iota)
	DirectionRx
)

// State is transport session state
type State int

const (
	StateIdle = State(iota)
	// StateSendRTS originator has session queued but RTS is not yet in outbound queue
	StateSendRTS
	// StateWaitForCTSOrEOMA originator sent RTS or finished burst and waits for receiver
	StateWaitForCTSOrEOMA
	// StateWaitForHold originator received zero packet CTS and waits for receiver to open the window
	StateWaitForHold
	// StateSendData originator is emitting data frames of granted burst
	StateSendData
	// StateSendCTS receiver needs to emit (or re-emit) CTS
	StateSendCTS
	// StateRxInProgress receiver waits for data frames
	StateRxInProgress
	// StateSendEOMA receiver has every byte and needs to emit end of message acknowledgement
	StateSendEOMA
	// StateComplete session finished, waiting to be reaped
	StateComplete
	// StateAbort session failed, waiting to be reaped
	StateAbort
)

// timers of ISO 11783-3 connection mode transfers
const (
	// timeoutT1 is receiver side maximum interval between data frames
	timeoutT1 = 750 * time.Millisecond
	// timeoutT2 is receiver side maximum wait for data after CTS was sent
	timeoutT2 = 1250 * time.Millisecond
	// timeoutT3 is originator side maximum wait for CTS or EOMA after RTS/burst
	timeoutT3 = 1250 * time.Millisecond
	// timeoutT4 is originator side maximum wait after receiver put session on hold
	timeoutT4 = 1250 * time.Millisecond
	// timeoutTr is maximum time to respond to RTS
	timeoutTr = 200 * time.Millisecond
	// timeoutTh is receiver side refresh cadence while holding session open with zero packet CTS
	timeoutTh = 500 * time.Millisecond
)

// Session is state of one transport protocol exchange. Same struct serves TP (RTS/CTS and BAM) and ETP
// exchanges, extended flag picks the wire encoding.
type Session struct {
	direction Direction
	state     State
	extended  bool
	broadcast bool

	channel     uint8
	pgn         uint32
	source      uint8 // originator address
	destination uint8 // receiver address, global for BAM

	totalBytes   uint32
	totalPackets uint32

	// windowHint is originators advertised max packets per CTS from RTS. Receiver may exceed it.
	windowHint uint8

	// burstPackets is number of packets granted by current CTS, burstSent/burstReceived track progress
	// within the burst
	burstPackets  uint8
	burstSent     uint8
	burstReceived uint8

	// nextPacket is next absolute 1 based packet number to send or expect
	nextPacket uint32

	// dpoOffset is packet offset declared by last DPO, dpoValid tells offset covers current burst
	dpoOffset uint32
	dpoValid  bool

	// retransmits counts CTS requests that pointed back to already sent packets
	retransmits int

	data []byte

	lastActivity  time.Time
	lastFrameTime time.Time
	lastHoldTime  time.Time

	// done is invoked once when Tx session completes or fails
	done func(TransmitEvent)
}

// remainingPackets is packet count still not granted/acknowledged starting from nextPacket
func (s *Session) remainingPackets() uint32 {
	if s.nextPacket > s.totalPackets {
		return 0
	}
	return s.totalPackets - s.nextPacket + 1
}

// packetPayload returns payload slice of given absolute 1 based packet number
func (s *Session) packetPayload(packet uint32) []byte {
	start := int(packet-1) * packetPayloadSize
	end := start + packetPayloadSize
	if end > len(s.data) {
		end = len(s.data)
	}
	return s.data[start:end]
}

// storePacket copies payload of given absolute 1 based packet number into the session buffer
func (s *Session) storePacket(packet uint32, payload []byte) {
	start := int(packet-1) * packetPayloadSize
	end := start + len(payload)
	if end > len(s.data) {
		end = len(s.data)
	}
	copy(s.data[start:end], payload)
}

// matches tells if frame source/destination pair belongs to this session. Transport frames travel in both
// directions, originator emits data and RTS, receiver emits CTS/EOMA/abort.
func (s *Session) matches(channel uint8, from uint8, to uint8) bool {
	if s.channel != channel {
		return false
	}
	if s.broadcast {
		return s.source == from
	}
	return (s.source == from && s.destination == to) || (s.source == to && s.destination == from)
}

// isOriginator tells if frame sent by given address originates from session data sender
func (s *Session) isOriginator(address uint8) bool {
	return s.source == address
}

// TransmitEvent is completion report of transport exchange
type TransmitEvent struct {
	Channel     uint8
	PGN         uint32
	Source      uint8
	Destination uint8
	Direction   Direction
	OK          bool
	Reason      AbortReason
}
