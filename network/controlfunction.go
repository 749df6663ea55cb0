// Package network implements ISO 11783-5 network management: control function registry, address claim
// state machine, PGN request protocol and the network manager tying transports to the CAN drivers.
package network

import (
	"github.com/aldas/go-isobus"
)

// Kind tells how control function relates to this stack
type Kind int

const (
	// KindExternal is node observed in the bus that application has no special interest in
	KindExternal = Kind(iota)
	// KindInternal is control function hosted by this stack, it claims and defends its own address
	KindInternal
	// KindPartnered is remote node application wants to talk to, matched by NAME filters once it claims
	KindPartnered
)

// ControlFunction is identity of single ECU in single CAN channel. Pointer identity is stable for the
// lifetime of the control function, address changes as claims are won and lost.
type ControlFunction struct {
	kind    Kind
	channel uint8

	name    isobus.NAME
	address uint8

	// filters match partnered control function to NAME that claims in the bus
	filters []isobus.NameFilter

	// preferredAddress is address internal control function tries to claim first
	preferredAddress uint8
	claim            *addressClaimer
}

// Kind returns control function kind
func (cf *ControlFunction) Kind() Kind {
	return cf.kind
}

// Channel returns CAN channel index this control function lives in
func (cf *ControlFunction) Channel() uint8 {
	return cf.channel
}

// Name returns 64 bit NAME. For partnered control function NAME is zero until partner has been matched
// to an address claim.
func (cf *ControlFunction) Name() isobus.NAME {
	return cf.name
}

// Address returns current bus address. AddressNull when control function has no valid address.
func (cf *ControlFunction) Address() uint8 {
	return cf.address
}

// AddressValid tells if control function currently holds usable bus address
func (cf *ControlFunction) AddressValid() bool {
	return cf.address < isobus.AddressNull
}
