package network

import (
	"context"
	"time"

	"github.com/aldas/go-isobus"
	"github.com/aldas/go-isobus/internal/queue"
	"github.com/aldas/go-isobus/logger"
	"github.com/aldas/go-isobus/transport"
	"github.com/juju/ratelimit"
)

// MessageCallback receives completely reassembled logical message
type MessageCallback func(msg isobus.Message)

// scopedCallback is message callback limited to messages from partnered control function or to messages
// destined to internal control function
type scopedCallback struct {
	pgn uint32
	cf  *ControlFunction
	fn  MessageCallback
}

type channelState struct {
	driver isobus.Driver
	rx     *queue.Queue[isobus.RawFrame]
	tx     *queue.Queue[isobus.RawFrame]
	// bucket paces outbound drain towards the driver, nil means no limit
	bucket *ratelimit.Bucket

	onFrameReceived    func(isobus.RawFrame)
	onFrameTransmitted func(isobus.RawFrame)

	rxDroppedSeen uint64
}

// Network is the manager of one or more CAN channels: it routes received frames to transport protocols,
// address claim machines and user callbacks, and serialises outgoing traffic. All methods except frame
// ingress from driver pumps must be called from single goroutine, Update drives every internal state
// machine and must be called frequently (every few milliseconds).
type Network struct {
	cfg isobus.Config

	channels []*channelState
	registry *registry
	claimers []*addressClaimer

	transports  *transport.Manager
	fpAssembler *transport.FastPacketAssembler
	fpSender    *transport.FastPacketSender
	requests    *requestRegistry

	anyCallbacks    []MessageCallback
	globalCallbacks map[uint32][]MessageCallback
	scopedCallbacks []scopedCallback

	onAddressClaimed   func(*ControlFunction)
	onCannotClaim      func(*ControlFunction)
	onAddressViolation func(*ControlFunction)
	onTransportDone    func(transport.TransmitEvent)

	cancelPumps context.CancelFunc

	now func() time.Time
	log logger.Logger
}

// New creates network manager. Config zero values are replaced with defaults.
func New(cfg isobus.Config) (*Network, error) {
	if err := cfg.Valid(); err != nil {
		return nil, err
	}
	n := &Network{
		cfg:             cfg,
		registry:        newRegistry(),
		requests:        newRequestRegistry(),
		globalCallbacks: make(map[uint32][]MessageCallback),
		now:             time.Now,
		log:             logger.New("isobus "),
	}
	n.transports = transport.NewManager(cfg, n.enqueueTx)
	n.transports.SetListenFunc(n.isInternalAddress)
	n.transports.OnMessage(n.deliverMessage)
	n.transports.OnEvent(n.handleTransportEvent)
	n.fpAssembler = transport.NewFastPacketAssembler(nil)
	n.fpSender = transport.NewFastPacketSender(cfg.MinimumFastPacketInterval, n.enqueueTx)
	return n, nil
}

// SetClock replaces time source of the network and all its components. Only useful for tests.
func (n *Network) SetClock(now func() time.Time) {
	n.now = now
	n.transports.SetClock(now)
	n.fpAssembler.SetClock(now)
	n.fpSender.SetClock(now)
}

// SetLogger replaces network manager logger
func (n *Network) SetLogger(l logger.Logger) {
	n.log = l
	n.transports.SetLogger(l)
}

// OnAddressClaimed sets callback fired when internal control function completes address claim
func (n *Network) OnAddressClaimed(fn func(*ControlFunction)) {
	n.onAddressClaimed = fn
}

// OnCannotClaimAddress sets callback fired when internal control function gives up claiming
func (n *Network) OnCannotClaimAddress(fn func(*ControlFunction)) {
	n.onCannotClaim = fn
}

// OnAddressViolation sets callback fired when other node is seen using address claimed by internal
// control function
func (n *Network) OnAddressViolation(fn func(*ControlFunction)) {
	n.onAddressViolation = fn
}

// OnTransportDone sets callback fired when transport session completes or fails
func (n *Network) OnTransportDone(fn func(transport.TransmitEvent)) {
	n.onTransportDone = fn
}

// AttachDriver registers hardware driver and assigns channel index to it
func (n *Network) AttachDriver(driver isobus.Driver) uint8 {
	ch := &channelState{
		driver: driver,
		rx:     queue.New[isobus.RawFrame](n.cfg.RxFrameQueueSize),
		tx:     queue.New[isobus.RawFrame](n.cfg.TxFrameQueueSize),
	}
	if rate := n.cfg.TxRateLimitFramesPerSecond; rate > 0 {
		ch.bucket = ratelimit.NewBucketWithRateAndClock(float64(rate), int64(rate), ratelimitClock{network: n})
	}
	n.channels = append(n.channels, ch)
	return uint8(len(n.channels) - 1)
}

// SetFrameHooks sets per channel hooks invoked for every received and transmitted frame
func (n *Network) SetFrameHooks(channel uint8, received func(isobus.RawFrame), transmitted func(isobus.RawFrame)) error {
	if int(channel) >= len(n.channels) {
		return isobus.ErrUnknownChannel
	}
	n.channels[channel].onFrameReceived = received
	n.channels[channel].onFrameTransmitted = transmitted
	return nil
}

// ratelimitClock adapts network clock for token bucket so tests can drive it
type ratelimitClock struct {
	network *Network
}

func (c ratelimitClock) Now() time.Time        { return c.network.now() }
func (c ratelimitClock) Sleep(d time.Duration) { time.Sleep(d) }

// CreateInternalControlFunction registers control function hosted by this stack and starts its address
// claim. Address is not usable until AddressValid returns true.
func (n *Network) CreateInternalControlFunction(name isobus.NAME, preferredAddress uint8, channel uint8) (*ControlFunction, error) {
	if int(channel) >= len(n.channels) {
		return nil, isobus.ErrUnknownChannel
	}
	if preferredAddress >= isobus.AddressNull {
		return nil, isobus.ErrAddressNotValid
	}
	cf, err := n.registry.createInternal(name, preferredAddress, channel)
	if err != nil {
		return nil, err
	}
	claimer := newAddressClaimer(cf, n.registry, n.cfg.AddressClaimContention, n.enqueueTx)
	claimer.claimed = func(cf *ControlFunction) {
		if n.onAddressClaimed != nil {
			n.onAddressClaimed(cf)
		}
	}
	claimer.unable = func(cf *ControlFunction) {
		n.transports.CancelFor(cf.channel, cf.address)
		if n.onCannotClaim != nil {
			n.onCannotClaim(cf)
		}
	}
	cf.claim = claimer
	n.claimers = append(n.claimers, claimer)
	return cf, nil
}

// CreatePartneredControlFunction registers partner descriptor. It resolves to concrete control function
// once NAME matching every filter claims an address in the channel.
func (n *Network) CreatePartneredControlFunction(channel uint8, filters []isobus.NameFilter) (*ControlFunction, error) {
	if int(channel) >= len(n.channels) {
		return nil, isobus.ErrUnknownChannel
	}
	return n.registry.createPartnered(channel, filters), nil
}

// DestroyControlFunction removes control function from the network. Every transport session with it as
// source or destination is aborted.
func (n *Network) DestroyControlFunction(cf *ControlFunction) {
	if cf.AddressValid() {
		n.transports.CancelFor(cf.channel, cf.address)
	}
	if cf.claim != nil {
		for i, c := range n.claimers {
			if c == cf.claim {
				n.claimers = append(n.claimers[:i], n.claimers[i+1:]...)
				break
			}
		}
		cf.claim = nil
	}
	n.registry.remove(cf)
}

// LookupByAddress returns control function currently holding given address in channel
func (n *Network) LookupByAddress(channel uint8, address uint8) *ControlFunction {
	return n.registry.lookupByAddress(channel, address)
}

// LookupByName returns control function with given NAME in channel
func (n *Network) LookupByName(channel uint8, name isobus.NAME) *ControlFunction {
	return n.registry.lookupByName(channel, name)
}

// AddAnyPGNCallback registers callback invoked for every received logical message regardless of PGN.
// Meant for monitoring tools.
func (n *Network) AddAnyPGNCallback(fn MessageCallback) {
	n.anyCallbacks = append(n.anyCallbacks, fn)
}

// AddGlobalPGNCallback registers callback invoked for every received logical message with given PGN
func (n *Network) AddGlobalPGNCallback(pgn uint32, fn MessageCallback) {
	n.globalCallbacks[pgn] = append(n.globalCallbacks[pgn], fn)
}

// AddPartnerPGNCallback registers callback invoked for messages with given PGN sent by given partnered
// control function
func (n *Network) AddPartnerPGNCallback(pgn uint32, partner *ControlFunction, fn MessageCallback) {
	n.scopedCallbacks = append(n.scopedCallbacks, scopedCallback{pgn: pgn, cf: partner, fn: fn})
}

// AddInternalPGNCallback registers callback invoked for messages with given PGN destined to given
// internal control function (or to global address)
func (n *Network) AddInternalPGNCallback(pgn uint32, internal *ControlFunction, fn MessageCallback) {
	n.scopedCallbacks = append(n.scopedCallbacks, scopedCallback{pgn: pgn, cf: internal, fn: fn})
}

// RegisterRequestHandler adds handler for PGN requests addressed to given internal control function.
// Nil control function serves requests addressed to any internal control function.
func (n *Network) RegisterRequestHandler(pgn uint32, cf *ControlFunction, handler RequestHandler) {
	n.requests.register(pgn, cf, handler)
}

// RegisterPeriodicMessage adds supplier whose PGN is emitted periodically. Other nodes command the
// cadence with request for repetition rate, zero default rate keeps emission off until commanded.
func (n *Network) RegisterPeriodicMessage(pgn uint32, cf *ControlFunction, defaultRate time.Duration, supplier PeriodicSupplier) {
	n.requests.registerPeriodic(pgn, cf, defaultRate, supplier)
}

// RegisterFastPacketPGN marks PGN to be sent and reassembled as NMEA 2000 fast packet
func (n *Network) RegisterFastPacketPGN(pgn uint32) {
	n.fpAssembler.RegisterPGN(pgn)
}

// Send sends logical message from internal control function. Messages up to 8 bytes go out as single
// frame, registered fast packet PGNs up to 223 bytes as fast packet, longer messages through transport
// protocols. Nil destination broadcasts the message.
func (n *Network) Send(pgn uint32, data []byte, source *ControlFunction, destination *ControlFunction, priority uint8) error {
	if source == nil || source.kind != KindInternal {
		return isobus.ErrNotInternalControlFunction
	}
	if !source.AddressValid() {
		return isobus.ErrAddressNotValid
	}
	channel := source.channel
	if int(channel) >= len(n.channels) {
		return isobus.ErrUnknownChannel
	}
	destinationAddress := isobus.AddressGlobal
	if destination != nil {
		if !destination.AddressValid() {
			return isobus.ErrAddressNotValid
		}
		destinationAddress = destination.address
	}
	header := isobus.CanBusHeader{
		PGN:         pgn,
		Priority:    priority,
		Source:      source.address,
		Destination: destinationAddress,
	}
	if err := header.Validate(); err != nil {
		return err
	}

	if len(data) <= 8 {
		if !n.enqueueTx(isobus.Frame(channel, header, data)) {
			return isobus.ErrTxQueueFull
		}
		return nil
	}
	if n.fpAssembler.IsFastPacketPGN(pgn) && len(data) <= transport.FastPacketMaxSize {
		return n.fpSender.Send(channel, header, data)
	}
	return n.transports.Send(channel, pgn, data, source.address, destinationAddress, priority, nil)
}

// enqueueTx puts frame into outbound queue of its channel. Returns false when queue is full, callers
// retry on later update (back-pressure).
func (n *Network) enqueueTx(frame isobus.RawFrame) bool {
	if int(frame.Channel) >= len(n.channels) {
		return false
	}
	return n.channels[frame.Channel].tx.TryEnqueue(frame)
}

// ProcessFrame feeds single received frame into inbound queue. Drivers pumps use this, tests can inject
// frames directly.
func (n *Network) ProcessFrame(frame isobus.RawFrame) {
	if int(frame.Channel) >= len(n.channels) {
		return
	}
	ch := n.channels[frame.Channel]
	ch.rx.Enqueue(frame)
}

// isInternalAddress tells if given address belongs to internal control function with valid address
func (n *Network) isInternalAddress(channel uint8, address uint8) bool {
	cf := n.registry.lookupByAddress(channel, address)
	return cf != nil && cf.kind == KindInternal
}

// Update runs one tick of the core: drains inbound frames, advances address claim machines, transport
// sessions and periodic emissions, and flushes outbound queues to drivers
func (n *Network) Update() {
	now := n.now()

	for _, ch := range n.channels {
		if dropped := ch.rx.Dropped(); dropped > ch.rxDroppedSeen {
			n.log.Warn("inbound queue overflow, %v frames dropped", dropped-ch.rxDroppedSeen)
			ch.rxDroppedSeen = dropped
		}
		for {
			frame, ok := ch.rx.Dequeue()
			if !ok {
				break
			}
			n.dispatchFrame(frame, now)
		}
	}

	for _, claimer := range n.claimers {
		claimer.Update(now)
	}
	n.transports.Update()
	n.fpSender.Update()
	n.emitPeriodic(now)
	n.flushTx()
}

// emitPeriodic sends due periodic messages
func (n *Network) emitPeriodic(now time.Time) {
	for _, entry := range n.requests.due(now) {
		if entry.cf == nil || !entry.cf.AddressValid() {
			continue
		}
		data, ok := entry.supplier()
		if !ok {
			continue
		}
		if err := n.Send(entry.pgn, data, entry.cf, nil, isobus.PriorityDefault); err != nil {
			n.log.Warn("periodic emission of PGN %v failed: %v", entry.pgn, err)
		}
	}
}

// flushTx drains outbound queues to drivers, paced by per channel token bucket when configured
func (n *Network) flushTx() {
	for _, ch := range n.channels {
		if ch.driver == nil || !ch.driver.IsValid() {
			continue
		}
		for {
			if ch.bucket != nil && ch.bucket.TakeAvailable(1) == 0 {
				break
			}
			frame, ok := ch.tx.Dequeue()
			if !ok {
				break
			}
			if err := ch.driver.WriteFrame(frame); err != nil {
				n.log.Error("frame write failed: %v", err)
				continue
			}
			if ch.onFrameTransmitted != nil {
				ch.onFrameTransmitted(frame)
			}
		}
	}
}

// dispatchFrame routes single received frame: transport protocols first, then address claim, PGN
// requests and finally user callbacks for ordinary messages
func (n *Network) dispatchFrame(frame isobus.RawFrame, now time.Time) {
	ch := n.channels[frame.Channel]
	if ch.onFrameReceived != nil {
		ch.onFrameReceived(frame)
	}

	pgn := isobus.PGN(frame.Header.PGN)
	if pgn != isobus.PGNAddressClaim {
		n.checkAddressViolation(frame, now)
	}

	switch pgn {
	case isobus.PGNTPConnectionManagement, isobus.PGNTPDataTransfer,
		isobus.PGNETPConnectionManagement, isobus.PGNETPDataTransfer:
		n.transports.HandleFrame(frame)
	case isobus.PGNAddressClaim:
		n.handleAddressClaim(frame, now)
	case isobus.PGNRequest:
		n.handleRequest(frame, now)
	case isobus.PGNRequestForRepetitionRate:
		n.handleRepetitionRate(frame, now)
	default:
		var msg isobus.Message
		if n.fpAssembler.Assemble(frame, &msg) {
			n.deliverMessage(msg)
		}
	}
}

// checkAddressViolation detects other node using address claimed by internal control function and
// re-asserts the claim
func (n *Network) checkAddressViolation(frame isobus.RawFrame, now time.Time) {
	source := frame.Header.Source
	if source >= isobus.AddressNull {
		return
	}
	cf := n.registry.lookupByAddress(frame.Channel, source)
	if cf == nil || cf.kind != KindInternal || cf.claim == nil {
		return
	}
	cf.claim.OnAddressViolation(now)
	if n.onAddressViolation != nil {
		n.onAddressViolation(cf)
	}
}

// handleAddressClaim processes received address claim frame
func (n *Network) handleAddressClaim(frame isobus.RawFrame, now time.Time) {
	if frame.Length < 8 {
		return
	}
	source := frame.Header.Source
	if source == isobus.AddressNull {
		// claim with NULL source is "cannot claim" announcement, treat as request so our claim stays
		// visible to the sender
		for _, claimer := range n.claimers {
			if claimer.cf.channel == frame.Channel {
				claimer.OnRequestForClaim(now)
			}
		}
		return
	}
	name := isobus.NameFromBytes(frame.Data[:8])

	for _, claimer := range n.claimers {
		if claimer.cf.channel != frame.Channel || claimer.cf.name != name {
			continue
		}
		if claimer.cf.address != source {
			// our own NAME claiming from different address means another instance of this node is in
			// the bus, run the whole contention again
			claimer.Restart(now)
		}
		return
	}

	// remember internal addresses so sessions of displaced control function can be cancelled
	type held struct {
		claimer *addressClaimer
		address uint8
	}
	var before []held
	for _, claimer := range n.claimers {
		if claimer.cf.channel == frame.Channel && claimer.cf.AddressValid() {
			before = append(before, held{claimer: claimer, address: claimer.cf.address})
		}
	}

	n.registry.observe(frame.Channel, name, source)
	for _, claimer := range n.claimers {
		if claimer.cf.channel != frame.Channel {
			continue
		}
		claimer.OnCompetingClaim(name, source, now)
	}

	for _, h := range before {
		if !h.claimer.cf.AddressValid() || h.claimer.cf.address != h.address {
			n.transports.CancelFor(frame.Channel, h.address)
		}
	}
}

// handleRequest processes received PGN request frame
func (n *Network) handleRequest(frame isobus.RawFrame, now time.Time) {
	if frame.Length < 3 {
		return
	}
	requestedPGN := uint32(isobus.PGNFromBytes(frame.Data[:3]))
	destination := frame.Header.Destination
	requester := n.registry.lookupByAddress(frame.Channel, frame.Header.Source)

	if requestedPGN == uint32(isobus.PGNAddressClaim) {
		for _, claimer := range n.claimers {
			if claimer.cf.channel != frame.Channel {
				continue
			}
			if destination == isobus.AddressGlobal || destination == claimer.cf.address {
				claimer.OnRequestForClaim(now)
			}
		}
		return
	}

	for _, cf := range n.registry.channel(frame.Channel).all {
		if cf.kind != KindInternal || !cf.AddressValid() {
			continue
		}
		if destination != isobus.AddressGlobal && destination != cf.address {
			continue
		}
		response := n.requests.handleRequest(requestedPGN, requester, cf)
		switch response {
		case RequestPositiveAck:
			n.enqueueTx(ackFrame(frame.Channel, cf.address, ackControlPositive, frame.Header.Source, requestedPGN))
		case RequestNegativeAck:
			if destination != isobus.AddressGlobal {
				// negative acknowledgement is never sent in response to global request
				n.enqueueTx(ackFrame(frame.Channel, cf.address, ackControlNegative, frame.Header.Source, requestedPGN))
			}
		case RequestIgnored:
			if destination != isobus.AddressGlobal {
				n.enqueueTx(ackFrame(frame.Channel, cf.address, ackControlNegative, frame.Header.Source, requestedPGN))
			}
		}
	}
}

// handleRepetitionRate processes request for repetition rate frame: requested PGN (3 bytes) and rate in
// milliseconds (2 bytes)
func (n *Network) handleRepetitionRate(frame isobus.RawFrame, now time.Time) {
	if frame.Length < 5 {
		return
	}
	requestedPGN := uint32(isobus.PGNFromBytes(frame.Data[:3]))
	rate := uint16(frame.Data[3]) | uint16(frame.Data[4])<<8

	var destination *ControlFunction
	if frame.Header.Destination != isobus.AddressGlobal {
		destination = n.registry.lookupByAddress(frame.Channel, frame.Header.Destination)
		if destination == nil || destination.kind != KindInternal {
			return
		}
	}
	n.requests.handleRepetitionRate(requestedPGN, destination, rate, now)
}

// deliverMessage fans out completely reassembled message to matching callbacks
func (n *Network) deliverMessage(msg isobus.Message) {
	if isobus.PGN(msg.Header.PGN) == isobus.PGNCommandedAddress && len(msg.Data) == 9 {
		n.handleCommandedAddress(msg)
		return
	}

	for _, fn := range n.anyCallbacks {
		fn(msg)
	}
	for _, fn := range n.globalCallbacks[msg.Header.PGN] {
		fn(msg)
	}
	for _, sc := range n.scopedCallbacks {
		if sc.pgn != msg.Header.PGN || sc.cf == nil || sc.cf.channel != msg.Channel {
			continue
		}
		switch sc.cf.kind {
		case KindPartnered:
			if sc.cf.AddressValid() && sc.cf.address == msg.Header.Source {
				sc.fn(msg)
			}
		case KindInternal:
			if msg.Header.Destination == isobus.AddressGlobal || (sc.cf.AddressValid() && sc.cf.address == msg.Header.Destination) {
				sc.fn(msg)
			}
		}
	}
}

// handleCommandedAddress moves internal control function to commanded address. Command carries NAME of
// the target node and the new address, only arbitrary address capable node obeys.
func (n *Network) handleCommandedAddress(msg isobus.Message) {
	name := isobus.NameFromBytes(msg.Data[:8])
	address := msg.Data[8]
	for _, claimer := range n.claimers {
		if claimer.cf.channel == msg.Channel && claimer.cf.name == name {
			claimer.MoveTo(address, n.now())
			return
		}
	}
}

// handleTransportEvent forwards transport session completion to application
func (n *Network) handleTransportEvent(event transport.TransmitEvent) {
	if !event.OK {
		n.log.Warn("transport session PGN %v %v->%v failed with reason %v", event.PGN, event.Source, event.Destination, event.Reason)
	}
	if n.onTransportDone != nil {
		n.onTransportDone(event)
	}
}

// Start opens drivers and launches read pumps feeding inbound queues. Pumps stop when context is
// cancelled or Close is called.
func (n *Network) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	n.cancelPumps = cancel

	for i, ch := range n.channels {
		if ch.driver == nil {
			continue
		}
		if !ch.driver.IsValid() {
			if err := ch.driver.Open(); err != nil {
				cancel()
				return err
			}
		}
		go n.readPump(ctx, uint8(i), ch)
	}
	return nil
}

func (n *Network) readPump(ctx context.Context, channel uint8, ch *channelState) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		var frame isobus.RawFrame
		ok, err := ch.driver.ReadFrame(&frame)
		if err != nil {
			n.log.Error("frame read failed on channel %v: %v", channel, err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if !ok {
			continue
		}
		frame.Channel = channel
		n.ProcessFrame(frame)
	}
}

// Close stops driver pumps, aborts transport sessions of internal control functions, releases their
// claimed addresses and closes drivers
func (n *Network) Close() error {
	if n.cancelPumps != nil {
		n.cancelPumps()
		n.cancelPumps = nil
	}
	for _, cf := range n.internalControlFunctions() {
		if cf.AddressValid() {
			n.transports.CancelFor(cf.channel, cf.address)
		}
		n.registry.invalidate(cf)
	}
	var firstErr error
	for _, ch := range n.channels {
		if ch.driver == nil || !ch.driver.IsValid() {
			continue
		}
		if err := ch.driver.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (n *Network) internalControlFunctions() []*ControlFunction {
	var result []*ControlFunction
	for _, claimer := range n.claimers {
		result = append(result, claimer.cf)
	}
	return result
}
