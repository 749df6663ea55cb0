package transport

import (
	"time"

	"github.com/aldas/go-isobus"
)

// maxRetransmitRequests is how many times receiver may point CTS back to already sent packets before
// originator gives up with abort reason 5
const maxRetransmitRequests = 3

// handleTPControl processes single TP connection management (PGN 60416) frame
func (m *Manager) handleTPControl(frame isobus.RawFrame) {
	if frame.Length < 8 {
		return
	}
	switch frame.Data[0] {
	case tpControlRTS:
		m.handleTPRTS(frame)
	case tpControlBAM:
		m.handleBAM(frame)
	case tpControlCTS:
		m.handleCTS(frame, false, uint32(frame.Data[2]), frame.Data[1])
	case tpControlEOMA:
		m.handleEOMA(frame, false)
	case tpControlAbort:
		m.handleAbort(frame, false)
	default:
		m.log.Warn("unknown TP control byte %v from %v", frame.Data[0], frame.Header.Source)
	}
}

// handleTPRTS starts (or replaces) receive session for destination specific transfer
func (m *Manager) handleTPRTS(frame isobus.RawFrame) {
	if !m.isListenAddress(frame.Channel, frame.Header.Destination) {
		return
	}
	size := uint16LE(frame.Data[1:3])
	totalPackets := frame.Data[3]
	windowHint := frame.Data[4]
	pgn := uint32(isobus.PGNFromBytes(frame.Data[5:8]))

	if size < TPMinSize || size > TPMaxSize || uint32(totalPackets) != packetCount(int(size)) {
		m.log.Warn("malformed RTS from %v for PGN %v, size %v packets %v", frame.Header.Source, pgn, size, totalPackets)
		return
	}
	m.acceptRTS(frame, false, pgn, uint32(size), windowHint)
}

// acceptRTS applies shared RTS admission rules for TP and ETP receive sessions
func (m *Manager) acceptRTS(frame isobus.RawFrame, extended bool, pgn uint32, size uint32, windowHint uint8) {
	originator := frame.Header.Source
	self := frame.Header.Destination
	now := m.now()

	if existing := m.findRxFromOriginator(frame.Channel, originator, self, extended); existing != nil {
		if existing.nextPacket == 1 {
			// nothing received yet, new RTS silently replaces the old session
			existing.state = StateAbort
			existing.done = nil
			m.reap()
		} else {
			m.destroy(existing, false, AbortReasonAlreadyInSession, true)
			m.reap()
		}
	}
	if m.SessionCount(frame.Channel) >= m.cfg.MaxConcurrentSessions {
		if extended {
			m.emit(etpAbortFrame(frame.Channel, self, originator, pgn, AbortReasonNoResources))
		} else {
			m.emit(tpAbortFrame(frame.Channel, self, originator, pgn, AbortReasonNoResources))
		}
		return
	}

	s := &Session{
		direction:    DirectionRx,
		extended:     extended,
		channel:      frame.Channel,
		pgn:          pgn,
		source:       originator,
		destination:  self,
		totalBytes:   size,
		totalPackets: packetCount(int(size)),
		windowHint:   windowHint,
		nextPacket:   1,
		data:         make([]byte, size),
		lastActivity: now,
	}
	m.sessions = append(m.sessions, s)
	m.sendRxCTS(s, now)
}

// sendRxCTS emits CTS for receive session: either grant of next burst or zero packet hold when the
// application window is closed. Emission failure leaves session in StateSendCTS for retry.
func (m *Manager) sendRxCTS(s *Session, now time.Time) {
	var granted uint8
	if m.isWindowOpen(s.channel, s.pgn) {
		remaining := s.remainingPackets()
		window := uint32(m.cfg.CTSWindowPackets)
		if remaining < window {
			window = remaining
		}
		granted = uint8(min255(window))
	}

	var ok bool
	if s.extended {
		ok = m.emit(etpCTSFrame(s.channel, s.destination, s.source, s.pgn, granted, s.nextPacket))
	} else {
		ok = m.emit(tpCTSFrame(s.channel, s.destination, s.source, s.pgn, granted, uint8(s.nextPacket)))
	}
	if !ok {
		s.state = StateSendCTS
		return
	}
	s.burstPackets = granted
	s.burstReceived = 0
	s.dpoValid = false
	s.state = StateRxInProgress
	s.lastActivity = now
	if granted == 0 {
		s.lastHoldTime = now
	}
}

// updateSendCTS retries CTS emission that failed due to outbound queue back-pressure
func (m *Manager) updateSendCTS(s *Session, now time.Time) {
	m.sendRxCTS(s, now)
	m.checkTimeout(s, now)
}

// updateRxHold refreshes zero packet CTS hold every Th until window opens
func (m *Manager) updateRxHold(s *Session, now time.Time) {
	if s.broadcast || s.burstPackets > 0 || s.state != StateRxInProgress {
		return
	}
	if now.Sub(s.lastHoldTime) < timeoutTh {
		return
	}
	m.sendRxCTS(s, now)
}

// updateSendEOMA retries end of message acknowledgement emission
func (m *Manager) updateSendEOMA(s *Session, now time.Time) {
	var ok bool
	if s.extended {
		ok = m.emit(etpEOMAFrame(s.channel, s.destination, s.source, s.pgn, s.totalBytes))
	} else {
		ok = m.emit(tpEOMAFrame(s.channel, s.destination, s.source, s.pgn, uint16(s.totalBytes), uint8(s.totalPackets)))
	}
	if ok {
		m.destroy(s, true, AbortReasonNone, false)
		return
	}
	m.checkTimeout(s, now)
}

// handleBAM starts passive broadcast receive session. Duplicate BAM from same source and PGN replaces
// prior incomplete session.
func (m *Manager) handleBAM(frame isobus.RawFrame) {
	size := uint16LE(frame.Data[1:3])
	totalPackets := frame.Data[3]
	pgn := uint32(isobus.PGNFromBytes(frame.Data[5:8]))

	if size < TPMinSize || size > TPMaxSize || uint32(totalPackets) != packetCount(int(size)) {
		m.log.Warn("malformed BAM from %v for PGN %v", frame.Header.Source, pgn)
		return
	}
	if existing := m.findSession(frame.Channel, frame.Header.Source, isobus.AddressGlobal, pgn); existing != nil && existing.broadcast {
		existing.state = StateAbort
		m.reap()
	}
	if m.SessionCount(frame.Channel) >= m.cfg.MaxConcurrentSessions {
		m.log.Warn("ignoring BAM from %v for PGN %v, session limit reached", frame.Header.Source, pgn)
		return
	}
	m.sessions = append(m.sessions, &Session{
		direction:    DirectionRx,
		broadcast:    true,
		channel:      frame.Channel,
		pgn:          pgn,
		source:       frame.Header.Source,
		destination:  isobus.AddressGlobal,
		totalBytes:   uint32(size),
		totalPackets: packetCount(int(size)),
		nextPacket:   1,
		data:         make([]byte, size),
		state:        StateRxInProgress,
		lastActivity: m.now(),
	})
}

// handleCTS advances originator session to next burst. Zero packet CTS puts session on hold.
func (m *Manager) handleCTS(frame isobus.RawFrame, extended bool, nextPacket uint32, packets uint8) {
	pgn := uint32(isobus.PGNFromBytes(frame.Data[5:8]))
	s := m.sessionForControl(frame, extended, pgn)
	if s == nil || s.direction != DirectionTx || s.isOriginator(frame.Header.Source) {
		return
	}
	now := m.now()
	if s.state == StateSendData && s.burstSent > 0 && s.burstSent < s.burstPackets {
		m.destroy(s, false, AbortReasonCTSWhileTransferring, true)
		return
	}
	if packets == 0 {
		s.state = StateWaitForHold
		s.lastActivity = now
		return
	}
	if nextPacket < s.nextPacket {
		s.retransmits++
		if s.retransmits >= maxRetransmitRequests {
			m.destroy(s, false, AbortReasonMaxRetransmit, true)
			return
		}
	}
	if nextPacket > s.totalPackets {
		m.destroy(s, false, AbortReasonBadSequence, true)
		return
	}
	s.nextPacket = nextPacket
	remaining := s.remainingPackets()
	if uint32(packets) > remaining {
		packets = uint8(min255(remaining))
	}
	s.burstPackets = packets
	s.burstSent = 0
	s.lastActivity = now
	s.state = StateSendData
	if extended {
		// data packet offset announces the burst before any data frame
		s.dpoOffset = nextPacket - 1
		s.dpoValid = m.emit(etpDPOFrame(s.channel, s.source, s.destination, s.pgn, packets, s.dpoOffset))
	}
}

// handleEOMA completes originator session
func (m *Manager) handleEOMA(frame isobus.RawFrame, extended bool) {
	pgn := uint32(isobus.PGNFromBytes(frame.Data[5:8]))
	s := m.sessionForControl(frame, extended, pgn)
	if s == nil || s.direction != DirectionTx || s.isOriginator(frame.Header.Source) {
		return
	}
	if s.nextPacket <= s.totalPackets {
		// receiver acknowledged before all data was sent
		m.destroy(s, false, AbortReasonUnexpectedData, true)
		return
	}
	m.destroy(s, true, AbortReasonNone, false)
}

// handleAbort terminates session immediately without emitting anything back
func (m *Manager) handleAbort(frame isobus.RawFrame, extended bool) {
	pgn := uint32(isobus.PGNFromBytes(frame.Data[5:8]))
	s := m.sessionForControl(frame, extended, pgn)
	if s == nil {
		return
	}
	reason := AbortReason(frame.Data[1])
	m.destroy(s, false, reason, false)
}

// updateSendData emits data frames of granted burst (destination specific) or paces broadcast frames
// against minimum inter-frame interval
func (m *Manager) updateSendData(s *Session, now time.Time) {
	if s.broadcast {
		if now.Sub(s.lastFrameTime) < m.cfg.MinimumTPBroadcastInterval {
			return
		}
		if !m.emit(dataFrame(s.channel, isobus.PGNTPDataTransfer, s.source, isobus.AddressGlobal, uint8(s.nextPacket), s.packetPayload(s.nextPacket))) {
			return
		}
		s.lastFrameTime = now
		s.lastActivity = now
		s.nextPacket++
		if s.nextPacket > s.totalPackets {
			m.destroy(s, true, AbortReasonNone, false)
		}
		return
	}

	if s.extended && !s.dpoValid {
		// DPO emission failed earlier, burst can not start before it is out
		if !m.emit(etpDPOFrame(s.channel, s.source, s.destination, s.pgn, s.burstPackets, s.dpoOffset)) {
			m.checkTimeout(s, now)
			return
		}
		s.dpoValid = true
	}
	for s.burstSent < s.burstPackets {
		var f isobus.RawFrame
		if s.extended {
			sequence := uint8(s.nextPacket - s.dpoOffset)
			f = dataFrame(s.channel, isobus.PGNETPDataTransfer, s.source, s.destination, sequence, s.packetPayload(s.nextPacket))
		} else {
			f = dataFrame(s.channel, isobus.PGNTPDataTransfer, s.source, s.destination, uint8(s.nextPacket), s.packetPayload(s.nextPacket))
		}
		if !m.emit(f) {
			// outbound queue full, remaining burst goes out on next update
			return
		}
		s.burstSent++
		s.nextPacket++
		s.lastActivity = now
	}
	s.state = StateWaitForCTSOrEOMA
}

// handleData processes single data transfer frame for receive session
func (m *Manager) handleData(frame isobus.RawFrame, extended bool) {
	s := m.sessionForData(frame, extended)
	if s == nil {
		if !extended && frame.Header.Destination == isobus.AddressGlobal {
			return // broadcast data without BAM, stray frame
		}
		if m.isListenAddress(frame.Channel, frame.Header.Destination) {
			pgn := isobus.PGNTPDataTransfer
			if extended {
				pgn = isobus.PGNETPDataTransfer
			}
			m.log.Warn("data frame from %v without session for PGN %v", frame.Header.Source, uint32(pgn))
		}
		return
	}
	if s.direction != DirectionRx || !s.isOriginator(frame.Header.Source) {
		return
	}
	now := m.now()

	if !s.broadcast && s.burstReceived >= s.burstPackets {
		// data outside granted window, also covers data while session was on hold
		m.destroy(s, false, AbortReasonUnexpectedData, true)
		return
	}
	if extended && !s.dpoValid {
		m.destroy(s, false, AbortReasonUnexpectedData, true)
		return
	}

	absolute := uint32(frame.Data[0])
	if extended {
		absolute = s.dpoOffset + uint32(frame.Data[0])
	}
	if absolute < s.nextPacket {
		if s.broadcast {
			m.destroy(s, false, AbortReasonDuplicateSequence, false)
			return
		}
		m.destroy(s, false, AbortReasonDuplicateSequence, true)
		return
	}
	if absolute > s.nextPacket {
		if s.broadcast {
			m.destroy(s, false, AbortReasonBadSequence, false)
			return
		}
		m.destroy(s, false, AbortReasonBadSequence, true)
		return
	}

	payloadLen := int(s.totalBytes) - int(absolute-1)*packetPayloadSize
	if payloadLen > packetPayloadSize {
		payloadLen = packetPayloadSize
	}
	s.storePacket(absolute, frame.Data[1:1+payloadLen])
	s.nextPacket++
	s.burstReceived++
	s.lastActivity = now

	if s.nextPacket > s.totalPackets {
		m.deliver(s, now)
		if s.broadcast {
			m.destroy(s, true, AbortReasonNone, false)
			return
		}
		m.updateSendEOMA(s, now)
		if s.state != StateComplete {
			s.state = StateSendEOMA
		}
		return
	}
	if !s.broadcast && s.burstReceived == s.burstPackets {
		s.dpoValid = false
		m.sendRxCTS(s, now)
	}
}

func min255(v uint32) uint32 {
	if v > 255 {
		return 255
	}
	return v
}
