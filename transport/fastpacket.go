package transport

import (
	"sync"
	"time"

	"github.com/aldas/go-isobus"
	"github.com/aldas/go-isobus/logger"
)

// FastPacketMaxSize is maximum total length of NMEA 2000 fast packet message.
//
// NMEA 2000 uses the 8 data bytes as follows: data[0] is divided into 5 bits for frame index and 3 bits
// for sequence counter that stays same for all frames of one message. Frame 0 carries total length in
// data[1] and 6 payload bytes, subsequent frames carry 7 payload bytes. Max index is 31 so maximal
// payload is 6 + 31 * 7 = 223 bytes.
const FastPacketMaxSize = 223

// fastPacketStaleAfter is how long unfinished sequence is considered to belong to the same message
const fastPacketStaleAfter = 750 * time.Millisecond

type fastPacketSequence struct {
	channel uint8
	header  isobus.CanBusHeader

	lastReceivedFrameTime time.Time
	// sequence is 3 bit counter to distinguish to which message frame belongs. Frames from same source
	// could otherwise be mixed between consecutive messages of same PGN.
	sequence uint8
	// length of data in all frames. Found as second byte in first frame.
	length uint8
	// nextFrame is frame index expected next, out of order frame aborts the sequence
	nextFrame      uint8
	receivedFrames uint8
	started        bool

	data [FastPacketMaxSize]byte
}

// fastPacketAppendResult tells what Append did with the frame
type fastPacketAppendResult int

const (
	fastPacketIncomplete = fastPacketAppendResult(iota)
	fastPacketComplete
	fastPacketOutOfOrder
)

func (m *fastPacketSequence) Append(frame isobus.RawFrame) fastPacketAppendResult {
	if frame.Length < 2 {
		return fastPacketOutOfOrder
	}
	frameNr := frame.Data[0] & 0b0001_1111 // first 5 bits

	if !m.started {
		if frameNr != 0 {
			// middle of message we never saw the start of
			return fastPacketOutOfOrder
		}
		m.channel = frame.Channel
		m.header = frame.Header
		m.sequence = frame.Data[0] >> 5
		m.length = frame.Data[1]
		m.started = true
		m.nextFrame = 1
		m.receivedFrames = 1
		m.lastReceivedFrameTime = frame.Time
		copy(m.data[:6], frame.Data[2:])
		if m.length <= 6 {
			return fastPacketComplete
		}
		return fastPacketIncomplete
	}

	if frameNr != m.nextFrame {
		return fastPacketOutOfOrder
	}
	m.nextFrame++
	m.receivedFrames++
	m.lastReceivedFrameTime = frame.Time

	start := 6 + int(frameNr-1)*7
	end := start + int(frame.Length) - 1
	if end > int(m.length) {
		end = int(m.length)
	}
	copy(m.data[start:end], frame.Data[1:])

	if 6+int(m.nextFrame-1)*7 >= int(m.length) {
		return fastPacketComplete
	}
	return fastPacketIncomplete
}

func (m *fastPacketSequence) Reset() {
	m.lastReceivedFrameTime = time.Time{}

	m.channel = 0
	m.header = isobus.CanBusHeader{}
	m.sequence = 0
	m.length = 0
	m.nextFrame = 0
	m.receivedFrames = 0
	m.started = false
	// data is not reset, it will be overridden
}

// To copies assembled message over to given Message
func (m *fastPacketSequence) To(to *isobus.Message) {
	to.Time = m.lastReceivedFrameTime
	to.Channel = m.channel
	to.Header = m.header

	data := make([]byte, m.length)
	copy(data, m.data[0:m.length])
	to.Data = data
}

// FastPacketAssembler reassembles fast packet frames into messages. PGNs that are transferred as fast
// packet must be registered, other frames pass through as single frame messages.
type FastPacketAssembler struct {
	pgns       []uint32
	inTransfer []*fastPacketSequence

	now  func() time.Time
	pool *sync.Pool
	lock sync.Mutex
	log  logger.Logger
}

// NewFastPacketAssembler creates assembler for given fast packet PGNs
func NewFastPacketAssembler(fpPGNs []uint32) *FastPacketAssembler {
	pool := new(sync.Pool)
	pool.New = func() any {
		return &fastPacketSequence{}
	}

	return &FastPacketAssembler{
		pgns:       append([]uint32{}, fpPGNs...),
		inTransfer: make([]*fastPacketSequence, 0, 10),

		now:  time.Now,
		pool: pool,
		log:  logger.New("fastpacket "),
	}
}

// SetClock replaces time source. Only useful for tests.
func (a *FastPacketAssembler) SetClock(now func() time.Time) {
	a.lock.Lock()
	defer a.lock.Unlock()

	a.now = now
}

// RegisterPGN adds PGN to set of PGNs treated as fast packet
func (a *FastPacketAssembler) RegisterPGN(pgn uint32) {
	a.lock.Lock()
	defer a.lock.Unlock()

	for _, existing := range a.pgns {
		if existing == pgn {
			return
		}
	}
	a.pgns = append(a.pgns, pgn)
}

// IsFastPacketPGN tells if given PGN is registered as fast packet PGN
func (a *FastPacketAssembler) IsFastPacketPGN(pgn uint32) bool {
	a.lock.Lock()
	defer a.lock.Unlock()

	return a.isFastPacket(pgn)
}

func (a *FastPacketAssembler) isFastPacket(pgn uint32) bool {
	for _, p := range a.pgns {
		if p == pgn {
			return true
		}
	}
	return false
}

// Assemble feeds frame into assembler. Returns true when `to` now contains complete message: either
// given frame completed fast packet sequence or frame was ordinary single frame message.
func (a *FastPacketAssembler) Assemble(frame isobus.RawFrame, to *isobus.Message) bool {
	a.lock.Lock()
	defer a.lock.Unlock()

	if !a.isFastPacket(frame.Header.PGN) {
		to.Time = frame.Time
		to.Channel = frame.Channel
		to.Header = frame.Header
		data := make([]byte, frame.Length)
		copy(data, frame.Data[0:frame.Length])
		to.Data = data
		return true
	}

	// fast packet sequence is uniquely identified by: channel+source+pgn+sequence counter
	threshold := a.now().Add(-fastPacketStaleAfter)
	sequence := frame.Data[0] >> 5

	var fp *fastPacketSequence
	idx := 0
	for i, tmpFp := range a.inTransfer {
		if tmpFp.channel != frame.Channel ||
			tmpFp.header.Source != frame.Header.Source ||
			tmpFp.header.PGN != frame.Header.PGN {
			continue
		}
		if tmpFp.sequence != sequence {
			// frame of different message, in-progress reassembly keeps only its own counter
			if tmpFp.lastReceivedFrameTime.Before(threshold) {
				tmpFp.Reset()
				fp = a.inTransfer[i]
				idx = i
			}
			continue
		}
		fp = a.inTransfer[i]
		idx = i
		if fp.started && fp.lastReceivedFrameTime.Before(threshold) { // sequence is too old to be this frames message
			fp.Reset()
		}
		break
	}
	if fp == nil {
		fp = a.pool.Get().(*fastPacketSequence)
		fp.Reset()
		a.inTransfer = append(a.inTransfer, fp)
		idx = len(a.inTransfer) - 1
	}

	switch fp.Append(frame) {
	case fastPacketComplete:
		fp.To(to)
		a.removeInTransfer(idx)
		return true
	case fastPacketOutOfOrder:
		a.log.Debug("out of order fast packet frame from %v for PGN %v", frame.Header.Source, frame.Header.PGN)
		a.removeInTransfer(idx)
		return false
	}
	return false
}

func (a *FastPacketAssembler) removeInTransfer(idx int) {
	fp := a.inTransfer[idx]
	a.inTransfer[idx] = a.inTransfer[len(a.inTransfer)-1]
	a.inTransfer = a.inTransfer[:len(a.inTransfer)-1]
	a.pool.Put(fp)
}

// fastPacketTx is single in-progress fast packet transmission
type fastPacketTx struct {
	channel uint8
	header  isobus.CanBusHeader

	sequence  uint8
	nextFrame uint8
	data      []byte

	lastFrameTime time.Time
}

func (t *fastPacketTx) frameCount() uint8 {
	if len(t.data) <= 6 {
		return 1
	}
	return 1 + uint8((len(t.data)-6+6)/7)
}

// buildFrame builds frame with given index. Unused payload bytes are padded with 0xFF.
func (t *fastPacketTx) buildFrame(index uint8) isobus.RawFrame {
	f := isobus.RawFrame{
		Channel: t.channel,
		Header:  t.header,
		Length:  8,
		Data:    [8]byte{t.sequence<<5 | index, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF},
	}
	if index == 0 {
		f.Data[1] = uint8(len(t.data))
		copy(f.Data[2:], t.data)
		return f
	}
	start := 6 + int(index-1)*7
	end := start + 7
	if end > len(t.data) {
		end = len(t.data)
	}
	copy(f.Data[1:], t.data[start:end])
	return f
}

// FastPacketSender fragments messages up to 223 bytes into fast packet frames. There is no flow control
// or acknowledgement, frames are emitted back to back unless minimum inter-frame interval is configured.
type FastPacketSender struct {
	emit     func(isobus.RawFrame) bool
	interval time.Duration

	// counters hold 3 bit wrap around sequence counter per channel+pgn+destination
	counters map[uint32]uint8
	pending  []*fastPacketTx

	now func() time.Time
}

// NewFastPacketSender creates sender. Emit is called for every outgoing frame, false return applies
// back-pressure and emission is retried on next Update.
func NewFastPacketSender(interval time.Duration, emit func(isobus.RawFrame) bool) *FastPacketSender {
	return &FastPacketSender{
		emit:     emit,
		interval: interval,
		counters: make(map[uint32]uint8),
		now:      time.Now,
	}
}

// SetClock replaces time source. Only useful for tests.
func (s *FastPacketSender) SetClock(now func() time.Time) {
	s.now = now
}

func counterKey(channel uint8, pgn uint32, destination uint8) uint32 {
	return uint32(channel)<<26 | pgn<<8 | uint32(destination)
}

// Send queues message for fast packet transmission. First frames go out immediately, rest from Update
// calls when pacing and outbound queue allow.
func (s *FastPacketSender) Send(channel uint8, header isobus.CanBusHeader, data []byte) error {
	if len(data) > FastPacketMaxSize {
		return isobus.ErrMessageTooLarge
	}
	key := counterKey(channel, header.PGN, header.Destination)
	sequence := s.counters[key]
	s.counters[key] = (sequence + 1) & 0x7

	buffer := make([]byte, len(data))
	copy(buffer, data)

	tx := &fastPacketTx{
		channel:  channel,
		header:   header,
		sequence: sequence,
		data:     buffer,
	}
	s.pending = append(s.pending, tx)
	s.Update()
	return nil
}

// Update emits due frames of pending transmissions
func (s *FastPacketSender) Update() {
	now := s.now()
	n := 0
	for _, tx := range s.pending {
		if !s.pump(tx, now) {
			s.pending[n] = tx
			n++
		}
	}
	for i := n; i < len(s.pending); i++ {
		s.pending[i] = nil
	}
	s.pending = s.pending[:n]
}

// pump emits frames of single transmission, returns true when transmission is complete
func (s *FastPacketSender) pump(tx *fastPacketTx, now time.Time) bool {
	total := tx.frameCount()
	for tx.nextFrame < total {
		if s.interval > 0 && !tx.lastFrameTime.IsZero() && now.Sub(tx.lastFrameTime) < s.interval {
			return false
		}
		if !s.emit(tx.buildFrame(tx.nextFrame)) {
			return false
		}
		tx.lastFrameTime = now
		tx.nextFrame++
		if s.interval > 0 && tx.nextFrame < total {
			return false // next frame goes out on later update after interval has passed
		}
	}
	return true
}
