package network

import (
	"time"

	"github.com/aldas/go-isobus"
)

// ClaimState is address claim state machine state
type ClaimState int

const (
	// ClaimStateNone machine has not started yet
	ClaimStateNone = ClaimState(iota)
	// ClaimStateSendRequestForClaim request for address claim needs to go out
	ClaimStateSendRequestForClaim
	// ClaimStateWaitForContention listening period after request, competing claims are collected
	ClaimStateWaitForContention
	// ClaimStateSendClaim own claim needs to go out
	ClaimStateSendClaim
	// ClaimStateComplete address is claimed and usable
	ClaimStateComplete
	// ClaimStateUnable no address could be claimed, traffic from this control function is suppressed
	ClaimStateUnable
)

// addressClaimer claims and defends bus address for one internal control function (J1939-81)
type addressClaimer struct {
	cf       *ControlFunction
	registry *registry

	state          ClaimState
	contentionEnds time.Time
	// target is address machine currently tries to claim
	target uint8
	// announced is last address claimed callback was fired for, repeated defence of same address does
	// not re-fire the event
	announced      uint8
	announcedValid bool

	contention time.Duration
	emit       func(isobus.RawFrame) bool
	// claimed fires once every time machine reaches complete state with new address
	claimed func(*ControlFunction)
	// unable fires when machine gives up claiming
	unable func(*ControlFunction)
}

func newAddressClaimer(cf *ControlFunction, reg *registry, contention time.Duration, emit func(isobus.RawFrame) bool) *addressClaimer {
	return &addressClaimer{
		cf:         cf,
		registry:   reg,
		state:      ClaimStateNone,
		target:     cf.preferredAddress,
		contention: contention,
		emit:       emit,
	}
}

// State returns current machine state
func (a *addressClaimer) State() ClaimState {
	return a.state
}

func (a *addressClaimer) requestForClaimFrame() isobus.RawFrame {
	// request for address claim is sent with NULL source as we do not have an address yet
	return isobus.Frame(a.cf.channel, isobus.CanBusHeader{
		PGN:         uint32(isobus.PGNRequest),
		Priority:    isobus.PriorityDefault,
		Source:      isobus.AddressNull,
		Destination: isobus.AddressGlobal,
	}, isobus.PGNAddressClaim.Bytes())
}

func (a *addressClaimer) claimFrame(address uint8) isobus.RawFrame {
	return isobus.Frame(a.cf.channel, isobus.CanBusHeader{
		PGN:         uint32(isobus.PGNAddressClaim),
		Priority:    isobus.PriorityDefault,
		Source:      address,
		Destination: isobus.AddressGlobal,
	}, a.cf.name.Bytes())
}

// Update advances the machine. Must be called frequently while claim is in progress.
func (a *addressClaimer) Update(now time.Time) {
	switch a.state {
	case ClaimStateNone, ClaimStateSendRequestForClaim:
		if !a.emit(a.requestForClaimFrame()) {
			a.state = ClaimStateSendRequestForClaim
			return
		}
		a.contentionEnds = now.Add(a.contention)
		a.state = ClaimStateWaitForContention

	case ClaimStateWaitForContention:
		if now.Before(a.contentionEnds) {
			return
		}
		if !a.registry.isAddressFree(a.cf.channel, a.target) {
			// somebody claimed our preferred address during contention period
			holder := a.registry.lookupByAddress(a.cf.channel, a.target)
			if holder != nil && holder.name < a.cf.name {
				if !a.pickNextAddress() {
					return
				}
			}
		}
		a.state = ClaimStateSendClaim
		a.Update(now)

	case ClaimStateSendClaim:
		if !a.emit(a.claimFrame(a.target)) {
			return
		}
		a.registry.claimInternal(a.cf, a.target)
		a.state = ClaimStateComplete
		if a.claimed != nil && (!a.announcedValid || a.announced != a.target) {
			a.announced = a.target
			a.announcedValid = true
			a.claimed(a.cf)
		}
	}
}

// pickNextAddress moves target to next free dynamic range address. Returns false when machine gave up.
func (a *addressClaimer) pickNextAddress() bool {
	if !a.cf.name.ArbitraryAddressCapable() {
		a.giveUp()
		return false
	}
	address, ok := a.registry.nextFreeAddress(a.cf.channel)
	if !ok {
		a.giveUp()
		return false
	}
	a.target = address
	return true
}

func (a *addressClaimer) giveUp() {
	a.state = ClaimStateUnable
	if a.unable != nil {
		// callback runs before address mapping is dropped so sessions of the address can be cancelled
		a.unable(a.cf)
	}
	a.registry.invalidate(a.cf)
}

// Restart runs whole contention again from the request for address claim. Used when another instance
// with our own NAME is seen in the bus.
func (a *addressClaimer) Restart(now time.Time) {
	a.registry.invalidate(a.cf)
	a.state = ClaimStateSendRequestForClaim
	a.Update(now)
}

// OnCompetingClaim handles received address claim for the address this machine holds or is contending
// for. Lower NAME wins, equal NAME at different address means another instance of us is in the bus and
// whole contention is restarted.
func (a *addressClaimer) OnCompetingClaim(name isobus.NAME, address uint8, now time.Time) {
	if a.state == ClaimStateUnable || address != a.target {
		return
	}
	if name == a.cf.name {
		// own NAME from different stack instance, re-contend from scratch
		a.Restart(now)
		return
	}
	if a.state == ClaimStateWaitForContention {
		// still collecting claims, just move target when it was taken by stronger NAME. Own claim goes
		// out after the contention window has passed.
		if a.cf.name > name {
			a.pickNextAddress()
		}
		return
	}
	if a.cf.name < name {
		// we win, defend the address by repeating our claim
		a.state = ClaimStateSendClaim
		a.Update(now)
		return
	}
	// we lost the address
	a.registry.invalidate(a.cf)
	if !a.pickNextAddress() {
		return
	}
	a.state = ClaimStateSendClaim
	a.Update(now)
}

// OnRequestForClaim answers request for address claim. Node holding an address responds with its claim,
// node that failed to claim responds with claim for NULL address.
func (a *addressClaimer) OnRequestForClaim(now time.Time) {
	switch a.state {
	case ClaimStateComplete:
		a.state = ClaimStateSendClaim
		a.Update(now)
	case ClaimStateUnable:
		a.emit(a.claimFrame(isobus.AddressNull))
	}
}

// OnAddressViolation re-asserts claim when other traffic is seen using our source address
func (a *addressClaimer) OnAddressViolation(now time.Time) {
	if a.state != ClaimStateComplete {
		return
	}
	a.state = ClaimStateSendClaim
	a.Update(now)
}

// MoveTo claims given commanded address. Only arbitrary address capable node accepts the command.
func (a *addressClaimer) MoveTo(address uint8, now time.Time) {
	if !a.cf.name.ArbitraryAddressCapable() || address >= isobus.AddressNull {
		return
	}
	a.target = address
	a.state = ClaimStateSendClaim
	a.Update(now)
}
