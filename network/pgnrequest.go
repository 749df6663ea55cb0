package network

import (
	"time"

	"github.com/aldas/go-isobus"
)

// RequestResponse tells network manager what to do after request handler ran
type RequestResponse int

const (
	// RequestIgnored handler did not recognise the request, next handler is tried
	RequestIgnored = RequestResponse(iota)
	// RequestHandled request was served (for example by sending the PGN), no acknowledgement is emitted
	RequestHandled
	// RequestPositiveAck request was served, positive acknowledgement is emitted
	RequestPositiveAck
	// RequestNegativeAck request can not be served, negative acknowledgement is emitted
	RequestNegativeAck
)

// acknowledgement control byte values of PGN 59392
const (
	ackControlPositive = uint8(0)
	ackControlNegative = uint8(1)
)

// RequestHandler serves single PGN request addressed to internal control function. Requester can be nil
// when request came from node that has not claimed an address.
type RequestHandler func(pgn uint32, requester *ControlFunction, destination *ControlFunction) RequestResponse

// PeriodicSupplier returns current data for periodically emitted PGN. Returning false skips this round.
type PeriodicSupplier func() ([]byte, bool)

type requestHandlerEntry struct {
	pgn     uint32
	cf      *ControlFunction
	handler RequestHandler
}

// periodicEntry is one PGN whose emission cadence can be commanded with request for repetition rate
type periodicEntry struct {
	pgn      uint32
	cf       *ControlFunction
	supplier PeriodicSupplier

	defaultRate time.Duration
	rate        time.Duration
	enabled     bool
	lastEmit    time.Time
}

// requestRegistry routes PGN 59904 requests to registered handlers and drives periodic emissions
// commanded with PGN 52224 request for repetition rate
type requestRegistry struct {
	handlers  []requestHandlerEntry
	periodics []*periodicEntry
}

func newRequestRegistry() *requestRegistry {
	return &requestRegistry{}
}

// register adds handler for PGN requests addressed to given internal control function. Nil control
// function handles requests addressed to any internal control function.
func (r *requestRegistry) register(pgn uint32, cf *ControlFunction, handler RequestHandler) {
	r.handlers = append(r.handlers, requestHandlerEntry{pgn: pgn, cf: cf, handler: handler})
}

// registerPeriodic adds supplier whose PGN other nodes can subscribe to with request for repetition
// rate. Emission starts when rate is commanded, zero default rate keeps it off until then.
func (r *requestRegistry) registerPeriodic(pgn uint32, cf *ControlFunction, defaultRate time.Duration, supplier PeriodicSupplier) {
	r.periodics = append(r.periodics, &periodicEntry{
		pgn:         pgn,
		cf:          cf,
		supplier:    supplier,
		defaultRate: defaultRate,
		rate:        defaultRate,
	})
}

// handleRequest runs handlers for requested PGN. Returns response of first handler that did not ignore
// the request.
func (r *requestRegistry) handleRequest(pgn uint32, requester *ControlFunction, destination *ControlFunction) RequestResponse {
	for _, entry := range r.handlers {
		if entry.pgn != pgn {
			continue
		}
		if entry.cf != nil && entry.cf != destination {
			continue
		}
		if response := entry.handler(pgn, requester, destination); response != RequestIgnored {
			return response
		}
	}
	return RequestIgnored
}

// rateUseDefault in repetition rate request means sender has no preference
const rateUseDefault = uint16(0xFFFF)

// handleRepetitionRate applies commanded repetition rate for given PGN and destination. Rate of zero
// stops the emission.
func (r *requestRegistry) handleRepetitionRate(pgn uint32, destination *ControlFunction, rate uint16, now time.Time) bool {
	handled := false
	for _, entry := range r.periodics {
		if entry.pgn != pgn {
			continue
		}
		if entry.cf != nil && destination != nil && entry.cf != destination {
			continue
		}
		handled = true
		switch rate {
		case 0:
			entry.enabled = false
		case rateUseDefault:
			entry.rate = entry.defaultRate
			entry.enabled = entry.rate > 0
			entry.lastEmit = now
		default:
			entry.rate = time.Duration(rate) * time.Millisecond
			entry.enabled = true
			entry.lastEmit = now
		}
	}
	return handled
}

// due returns periodic entries whose next emission is due and marks them emitted
func (r *requestRegistry) due(now time.Time) []*periodicEntry {
	var result []*periodicEntry
	for _, entry := range r.periodics {
		if !entry.enabled || entry.rate <= 0 {
			continue
		}
		if now.Sub(entry.lastEmit) < entry.rate {
			continue
		}
		entry.lastEmit = now
		result = append(result, entry)
	}
	return result
}

// ackFrame builds PGN 59392 acknowledgement. Acknowledgements are always sent to global address with
// the address of the requester inside the data.
func ackFrame(channel uint8, source uint8, control uint8, requester uint8, pgn uint32) isobus.RawFrame {
	p := isobus.PGN(pgn).Bytes()
	return isobus.Frame(channel, isobus.CanBusHeader{
		PGN:         uint32(isobus.PGNAcknowledgement),
		Priority:    isobus.PriorityDefault,
		Source:      source,
		Destination: isobus.AddressGlobal,
	}, []byte{control, 0xFF, 0xFF, 0xFF, requester, p[0], p[1], p[2]})
}
