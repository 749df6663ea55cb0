// Package transport implements ISO 11783-3 transport protocol (TP), extended transport protocol (ETP)
// and NMEA 2000 Fast-Packet fragmentation on top of raw CAN frames.
package transport

import (
	"time"

	"github.com/aldas/go-isobus"
	"github.com/aldas/go-isobus/logger"
)

// Manager runs every TP and ETP session of the stack. All state is owned by the core update loop, methods
// must be called from single goroutine.
type Manager struct {
	cfg isobus.Config

	// emit enqueues frame to outbound queue. Returns false when queue is full, emission is retried on
	// next Update call.
	emit func(isobus.RawFrame) bool
	// onMessage delivers completely reassembled received message
	onMessage func(isobus.Message)
	// onEvent reports session completion, both successful and failed
	onEvent func(TransmitEvent)
	// listens tells if given destination address is hosted by this stack on given channel
	listens func(channel uint8, address uint8) bool
	// windowOpen lets the application hold incoming sessions (zero packet CTS) until it is ready to
	// receive. Nil means window is always open.
	windowOpen func(channel uint8, pgn uint32) bool

	sessions []*Session

	now func() time.Time
	log logger.Logger
}

// NewManager creates transport manager. Emit is called for every outgoing frame, false return applies
// back-pressure and emission is retried on next Update.
func NewManager(cfg isobus.Config, emit func(isobus.RawFrame) bool) *Manager {
	return &Manager{
		cfg:      cfg,
		emit:     emit,
		sessions: make([]*Session, 0, cfg.MaxConcurrentSessions),
		now:      time.Now,
		log:      logger.New("transport "),
	}
}

// OnMessage sets callback invoked for every completely reassembled received message
func (m *Manager) OnMessage(fn func(isobus.Message)) {
	m.onMessage = fn
}

// OnEvent sets callback invoked when session completes or fails
func (m *Manager) OnEvent(fn func(TransmitEvent)) {
	m.onEvent = fn
}

// SetListenFunc sets predicate telling which destination addresses this stack hosts
func (m *Manager) SetListenFunc(fn func(channel uint8, address uint8) bool) {
	m.listens = fn
}

// SetWindowOpenFunc sets predicate consulted before granting CTS window. Returning false makes receiver
// hold the session open with zero packet CTS.
func (m *Manager) SetWindowOpenFunc(fn func(channel uint8, pgn uint32) bool) {
	m.windowOpen = fn
}

// SetLogger replaces manager logger
func (m *Manager) SetLogger(l logger.Logger) {
	m.log = l
}

// SetClock replaces time source. Only useful for tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

func (m *Manager) isListenAddress(channel uint8, address uint8) bool {
	if m.listens == nil {
		return false
	}
	return m.listens(channel, address)
}

func (m *Manager) isWindowOpen(channel uint8, pgn uint32) bool {
	if m.windowOpen == nil {
		return true
	}
	return m.windowOpen(channel, pgn)
}

// SessionCount returns number of live sessions on given channel
func (m *Manager) SessionCount(channel uint8) int {
	count := 0
	for _, s := range m.sessions {
		if s.channel == channel && s.state != StateComplete && s.state != StateAbort {
			count++
		}
	}
	return count
}

// Send starts transport session for message longer than single frame. Messages up to 1785 bytes go over
// TP, destination specific messages up to 117440505 bytes over ETP. Broadcast (destination 255) messages
// over 1785 bytes can not be sent. Done callback, when not nil, fires once when exchange completes.
func (m *Manager) Send(channel uint8, pgn uint32, data []byte, source uint8, destination uint8, priority uint8, done func(TransmitEvent)) error {
	size := len(data)
	if size > ETPMaxSize {
		return isobus.ErrMessageTooLarge
	}
	broadcast := destination == isobus.AddressGlobal
	if broadcast && size > TPMaxSize {
		return isobus.ErrCannotBroadcastLarge
	}
	extended := size > TPMaxSize

	if m.SessionCount(channel) >= m.cfg.MaxConcurrentSessions {
		return isobus.ErrTooManySessions
	}
	// data frames carry no PGN so only one outgoing exchange per destination and protocol can be live
	for _, s := range m.sessions {
		if s.state == StateComplete || s.state == StateAbort || s.direction != DirectionTx {
			continue
		}
		if s.channel == channel && s.source == source && s.destination == destination && s.extended == extended {
			return isobus.ErrSessionExists
		}
	}

	buffer := make([]byte, size)
	copy(buffer, data)

	now := m.now()
	s := &Session{
		direction:    DirectionTx,
		extended:     extended,
		broadcast:    broadcast,
		channel:      channel,
		pgn:          pgn,
		source:       source,
		destination:  destination,
		totalBytes:   uint32(size),
		totalPackets: packetCount(size),
		windowHint:   0xFF,
		nextPacket:   1,
		data:         buffer,
		lastActivity: now,
		done:         done,
	}
	m.sessions = append(m.sessions, s)

	switch {
	case broadcast:
		s.state = StateSendData
		if m.emit(tpBAMFrame(channel, source, pgn, uint16(size), uint8(s.totalPackets))) {
			s.lastFrameTime = now
		} else {
			// BAM not out yet, update loop retries via lastFrameTime zero value
			s.state = StateSendRTS
		}
	case extended:
		s.state = StateWaitForCTSOrEOMA
		if !m.emit(etpRTSFrame(channel, source, destination, pgn, uint32(size))) {
			s.state = StateSendRTS
		}
	default:
		s.state = StateWaitForCTSOrEOMA
		if !m.emit(tpRTSFrame(channel, source, destination, pgn, uint16(size), uint8(s.totalPackets), 0xFF)) {
			s.state = StateSendRTS
		}
	}
	return nil
}

// findSession returns live session for ordered (source, destination, pgn) triple
func (m *Manager) findSession(channel uint8, source uint8, destination uint8, pgn uint32) *Session {
	for _, s := range m.sessions {
		if s.state == StateComplete || s.state == StateAbort {
			continue
		}
		if s.channel == channel && s.source == source && s.destination == destination && s.pgn == pgn {
			return s
		}
	}
	return nil
}

// sessionForControl returns live session that given connection management frame belongs to. Control
// frames carry PGN in their payload so exchanges between same address pair are told apart by it.
func (m *Manager) sessionForControl(frame isobus.RawFrame, extended bool, pgn uint32) *Session {
	for _, s := range m.sessions {
		if s.state == StateComplete || s.state == StateAbort || s.extended != extended {
			continue
		}
		if s.pgn == pgn && s.matches(frame.Channel, frame.Header.Source, frame.Header.Destination) {
			return s
		}
	}
	return nil
}

// sessionForData returns live session that given data transfer frame belongs to. Data frames carry only
// sequence number, session admission guarantees at most one exchange per address pair and protocol.
func (m *Manager) sessionForData(frame isobus.RawFrame, extended bool) *Session {
	for _, s := range m.sessions {
		if s.state == StateComplete || s.state == StateAbort || s.extended != extended {
			continue
		}
		if s.matches(frame.Channel, frame.Header.Source, frame.Header.Destination) {
			return s
		}
	}
	return nil
}

// findRxFromOriginator returns live receive session from given originator to given hosted address. Data
// frames can not be demultiplexed by PGN so only one such session can exist at a time.
func (m *Manager) findRxFromOriginator(channel uint8, originator uint8, self uint8, extended bool) *Session {
	for _, s := range m.sessions {
		if s.state == StateComplete || s.state == StateAbort || s.extended != extended {
			continue
		}
		if s.direction == DirectionRx && !s.broadcast && s.channel == channel && s.source == originator && s.destination == self {
			return s
		}
	}
	return nil
}

// HandleFrame feeds single received frame into the manager. Returns true when frame was transport
// protocol frame and is consumed.
func (m *Manager) HandleFrame(frame isobus.RawFrame) bool {
	switch isobus.PGN(frame.Header.PGN) {
	case isobus.PGNTPConnectionManagement:
		m.handleTPControl(frame)
	case isobus.PGNTPDataTransfer:
		m.handleData(frame, false)
	case isobus.PGNETPConnectionManagement:
		m.handleETPControl(frame)
	case isobus.PGNETPDataTransfer:
		m.handleData(frame, true)
	default:
		return false
	}
	return true
}

// Update advances session state machines: emits pending control frames, paces broadcast data, fires
// timeouts. Must be called frequently, at least every few milliseconds.
func (m *Manager) Update() {
	now := m.now()
	for _, s := range m.sessions {
		switch s.state {
		case StateSendRTS:
			m.updateSendRTS(s, now)
		case StateSendData:
			m.updateSendData(s, now)
		case StateSendCTS:
			m.updateSendCTS(s, now)
		case StateSendEOMA:
			m.updateSendEOMA(s, now)
		case StateRxInProgress:
			m.updateRxHold(s, now)
			m.checkTimeout(s, now)
		default:
			m.checkTimeout(s, now)
		}
	}
	m.reap()
}

// updateSendRTS retries first frame of the session that could not be emitted at Send time
func (m *Manager) updateSendRTS(s *Session, now time.Time) {
	var ok bool
	switch {
	case s.broadcast:
		ok = m.emit(tpBAMFrame(s.channel, s.source, s.pgn, uint16(s.totalBytes), uint8(s.totalPackets)))
		if ok {
			s.state = StateSendData
			s.lastFrameTime = now
			return
		}
	case s.extended:
		ok = m.emit(etpRTSFrame(s.channel, s.source, s.destination, s.pgn, s.totalBytes))
	default:
		ok = m.emit(tpRTSFrame(s.channel, s.source, s.destination, s.pgn, uint16(s.totalBytes), uint8(s.totalPackets), 0xFF))
	}
	if ok {
		s.state = StateWaitForCTSOrEOMA
		s.lastActivity = now
	}
	m.checkTimeout(s, now)
}

// checkTimeout fires session timers. On timeout destination specific session that has established
// connection sends abort with timeout reason, broadcast receive is destroyed silently.
func (m *Manager) checkTimeout(s *Session, now time.Time) {
	if s.state == StateComplete || s.state == StateAbort {
		return
	}
	timeout := m.stateTimeout(s)
	if timeout <= 0 {
		return
	}
	if now.Sub(s.lastActivity) < timeout {
		return
	}
	if s.broadcast {
		// broadcast sessions die silently
		m.destroy(s, false, AbortReasonTimeout, false)
		return
	}
	m.destroy(s, false, AbortReasonTimeout, m.isEstablished(s))
}

func (m *Manager) stateTimeout(s *Session) time.Duration {
	switch s.state {
	case StateWaitForCTSOrEOMA:
		return timeoutT3
	case StateWaitForHold:
		return timeoutT4
	case StateSendData:
		if s.broadcast {
			return 0 // sender paces itself
		}
		return timeoutT3
	case StateSendCTS:
		return timeoutT2
	case StateSendEOMA:
		return timeoutT3
	case StateRxInProgress:
		if s.broadcast || s.burstReceived > 0 {
			return timeoutT1
		}
		return timeoutT2
	}
	return 0
}

// isEstablished tells if connection has progressed far enough that peer expects abort frame on failure
func (m *Manager) isEstablished(s *Session) bool {
	if s.broadcast {
		return false
	}
	if s.direction == DirectionRx {
		return true // receiver has responded with CTS (or is about to within Tr)
	}
	// originator: receiver has granted at least one window
	return s.burstPackets > 0 || s.nextPacket > 1 || s.state == StateWaitForHold
}

// destroy finishes session, optionally emitting abort frame to the peer, and reports completion event
func (m *Manager) destroy(s *Session, ok bool, reason AbortReason, emitAbort bool) {
	if s.state == StateComplete || s.state == StateAbort {
		return
	}
	if emitAbort {
		peer := s.destination
		if s.direction == DirectionRx {
			peer = s.source
		}
		self := s.source
		if s.direction == DirectionRx {
			self = s.destination
		}
		if s.extended {
			m.emit(etpAbortFrame(s.channel, self, peer, s.pgn, reason))
		} else {
			m.emit(tpAbortFrame(s.channel, self, peer, s.pgn, reason))
		}
	}
	if ok {
		s.state = StateComplete
	} else {
		s.state = StateAbort
	}
	event := TransmitEvent{
		Channel:     s.channel,
		PGN:         s.pgn,
		Source:      s.source,
		Destination: s.destination,
		Direction:   s.direction,
		OK:          ok,
		Reason:      reason,
	}
	if ok {
		event.Reason = AbortReasonNone
	}
	if s.done != nil {
		s.done(event)
		s.done = nil
	}
	// failed broadcast receive dies silently, there is no peer or user waiting on it
	silent := s.broadcast && s.direction == DirectionRx && !ok
	if !silent && m.onEvent != nil {
		m.onEvent(event)
	}
}

// reap removes finished sessions
func (m *Manager) reap() {
	n := 0
	for _, s := range m.sessions {
		if s.state == StateComplete || s.state == StateAbort {
			continue
		}
		m.sessions[n] = s
		n++
	}
	for i := n; i < len(m.sessions); i++ {
		m.sessions[i] = nil
	}
	m.sessions = m.sessions[:n]
}

// CancelFor aborts every session where given address is source or destination. Used when control function
// is destroyed or loses its address. Abort frame is emitted for destination specific sessions with
// established connection.
func (m *Manager) CancelFor(channel uint8, address uint8) {
	for _, s := range m.sessions {
		if s.state == StateComplete || s.state == StateAbort || s.channel != channel {
			continue
		}
		if s.source != address && s.destination != address {
			continue
		}
		m.destroy(s, false, AbortReasonNoResources, !s.broadcast && m.isEstablished(s))
	}
	m.reap()
}

// deliver hands completely reassembled message to the stack
func (m *Manager) deliver(s *Session, now time.Time) {
	if m.onMessage != nil {
		m.onMessage(isobus.Message{
			Time:    now,
			Channel: s.channel,
			Header: isobus.CanBusHeader{
				PGN:         s.pgn,
				Priority:    isobus.PriorityLowest,
				Source:      s.source,
				Destination: s.destination,
			},
			Data: s.data,
		})
	}
}
