package transport

import (
	"github.com/aldas/go-isobus"
)

// handleETPControl processes single ETP connection management (PGN 51200) frame
func (m *Manager) handleETPControl(frame isobus.RawFrame) {
	if frame.Length < 8 {
		return
	}
	switch frame.Data[0] {
	case etpControlRTS:
		m.handleETPRTS(frame)
	case etpControlCTS:
		m.handleCTS(frame, true, uint24LE(frame.Data[2:5]), frame.Data[1])
	case etpControlDPO:
		m.handleETPDPO(frame)
	case etpControlEOMA:
		m.handleEOMA(frame, true)
	case etpControlAbort:
		m.handleAbort(frame, true)
	default:
		m.log.Warn("unknown ETP control byte %v from %v", frame.Data[0], frame.Header.Source)
	}
}

// handleETPRTS starts receive session for extended transfer
func (m *Manager) handleETPRTS(frame isobus.RawFrame) {
	if !m.isListenAddress(frame.Channel, frame.Header.Destination) {
		return
	}
	size := uint32LE(frame.Data[1:5])
	pgn := uint32(isobus.PGNFromBytes(frame.Data[5:8]))

	if size < ETPMinSize || size > ETPMaxSize {
		m.log.Warn("malformed ETP RTS from %v for PGN %v, size %v", frame.Header.Source, pgn, size)
		return
	}
	m.acceptRTS(frame, true, pgn, size, 0xFF)
}

// handleETPDPO records packet offset for the burst that is about to start. Every burst must be preceded
// by DPO, data without valid offset aborts the session.
func (m *Manager) handleETPDPO(frame isobus.RawFrame) {
	pgn := uint32(isobus.PGNFromBytes(frame.Data[5:8]))
	s := m.sessionForControl(frame, true, pgn)
	if s == nil || s.direction != DirectionRx || !s.isOriginator(frame.Header.Source) {
		return
	}
	packets := frame.Data[1]
	offset := uint24LE(frame.Data[2:5])

	if packets > s.burstPackets || offset != s.nextPacket-1 {
		m.destroy(s, false, AbortReasonUnexpectedData, true)
		return
	}
	s.dpoOffset = offset
	s.dpoValid = true
	s.lastActivity = m.now()
}
