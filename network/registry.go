package network

import (
	"github.com/aldas/go-isobus"
)

// registry owns every control function observed or hosted on every channel. It maintains the canonical
// (channel, address) and (channel, NAME) mappings and keeps them unique.
type registry struct {
	channels map[uint8]*channelRegistry
}

type channelRegistry struct {
	byAddress map[uint8]*ControlFunction
	byName    map[isobus.NAME]*ControlFunction
	// partners hold partnered descriptors, also ones not yet matched to any NAME
	partners []*ControlFunction
	all      []*ControlFunction
}

func newRegistry() *registry {
	return &registry{
		channels: make(map[uint8]*channelRegistry),
	}
}

func (r *registry) channel(channel uint8) *channelRegistry {
	c, ok := r.channels[channel]
	if !ok {
		c = &channelRegistry{
			byAddress: make(map[uint8]*ControlFunction),
			byName:    make(map[isobus.NAME]*ControlFunction),
		}
		r.channels[channel] = c
	}
	return c
}

// lookupByAddress returns control function currently holding given address in channel
func (r *registry) lookupByAddress(channel uint8, address uint8) *ControlFunction {
	if address >= isobus.AddressNull {
		return nil
	}
	return r.channel(channel).byAddress[address]
}

// lookupByName returns control function with given NAME in channel
func (r *registry) lookupByName(channel uint8, name isobus.NAME) *ControlFunction {
	return r.channel(channel).byName[name]
}

// observe processes received address claim: creates control function for unseen NAME (resolving
// partnered descriptors first), moves it to claimed address and invalidates previous holder when its
// NAME loses the arbitration.
func (r *registry) observe(channel uint8, name isobus.NAME, address uint8) *ControlFunction {
	if address == isobus.AddressNull {
		// claim for NULL address is a node giving up its address, never a claim to act on
		return nil
	}
	c := r.channel(channel)

	cf, ok := c.byName[name]
	if !ok {
		cf = r.matchPartner(channel, name)
		if cf != nil {
			cf.name = name
			c.byName[name] = cf
		}
	}
	if cf == nil {
		cf = &ControlFunction{
			kind:    KindExternal,
			channel: channel,
			name:    name,
			address: isobus.AddressNull,
		}
		c.byName[name] = cf
		c.all = append(c.all, cf)
	}

	if holder, ok := c.byAddress[address]; ok && holder != cf {
		if holder.name < name {
			// current holder wins the arbitration, claimer does not get the address
			cf.address = isobus.AddressNull
			return cf
		}
		// claimer wins, previous holder is invalidated until it claims elsewhere
		holder.address = isobus.AddressNull
		delete(c.byAddress, address)
	}

	if cf.AddressValid() && cf.address != address {
		delete(c.byAddress, cf.address)
	}
	cf.address = address
	c.byAddress[address] = cf
	return cf
}

// matchPartner returns first unmatched partnered descriptor whose every filter matches given NAME
func (r *registry) matchPartner(channel uint8, name isobus.NAME) *ControlFunction {
	for _, p := range r.channel(channel).partners {
		if p.name != 0 {
			continue // already matched
		}
		if name.Matches(p.filters...) {
			return p
		}
	}
	return nil
}

// createInternal registers internal control function. Address stays NULL until claim machine wins it.
func (r *registry) createInternal(name isobus.NAME, preferredAddress uint8, channel uint8) (*ControlFunction, error) {
	c := r.channel(channel)
	if _, ok := c.byName[name]; ok {
		return nil, isobus.ErrNameExists
	}
	cf := &ControlFunction{
		kind:             KindInternal,
		channel:          channel,
		name:             name,
		address:          isobus.AddressNull,
		preferredAddress: preferredAddress,
	}
	c.byName[name] = cf
	c.all = append(c.all, cf)
	return cf, nil
}

// createPartnered registers partnered descriptor that matches a control function once NAME satisfying
// every filter claims an address
func (r *registry) createPartnered(channel uint8, filters []isobus.NameFilter) *ControlFunction {
	cf := &ControlFunction{
		kind:    KindPartnered,
		channel: channel,
		address: isobus.AddressNull,
		filters: append([]isobus.NameFilter{}, filters...),
	}
	c := r.channel(channel)
	c.partners = append(c.partners, cf)
	c.all = append(c.all, cf)
	return cf
}

// claimInternal moves internal control function to address it has won
func (r *registry) claimInternal(cf *ControlFunction, address uint8) {
	c := r.channel(cf.channel)
	if holder, ok := c.byAddress[address]; ok && holder != cf {
		holder.address = isobus.AddressNull
	}
	if cf.AddressValid() {
		delete(c.byAddress, cf.address)
	}
	cf.address = address
	c.byAddress[address] = cf
}

// invalidate drops control functions address mapping
func (r *registry) invalidate(cf *ControlFunction) {
	if cf.AddressValid() {
		c := r.channel(cf.channel)
		if c.byAddress[cf.address] == cf {
			delete(c.byAddress, cf.address)
		}
	}
	cf.address = isobus.AddressNull
}

// remove deletes control function from every mapping
func (r *registry) remove(cf *ControlFunction) {
	c := r.channel(cf.channel)
	r.invalidate(cf)
	if c.byName[cf.name] == cf {
		delete(c.byName, cf.name)
	}
	for i, p := range c.partners {
		if p == cf {
			c.partners = append(c.partners[:i], c.partners[i+1:]...)
			break
		}
	}
	for i, p := range c.all {
		if p == cf {
			c.all = append(c.all[:i], c.all[i+1:]...)
			break
		}
	}
}

// isAddressFree tells if address is not held by any live control function in channel
func (r *registry) isAddressFree(channel uint8, address uint8) bool {
	_, ok := r.channel(channel).byAddress[address]
	return !ok
}

// nextFreeAddress returns lowest free address in dynamic range [128, 247], ok is false when every
// address is taken
func (r *registry) nextFreeAddress(channel uint8) (uint8, bool) {
	for address := isobus.AddressDynamicLow; address <= isobus.AddressDynamicHigh; address++ {
		if r.isAddressFree(channel, address) {
			return address, true
		}
	}
	return isobus.AddressNull, false
}
