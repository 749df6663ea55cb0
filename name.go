package isobus

import (
	"encoding/binary"
)

// NAME is 64 bit unique identity of control function in the bus (ISO 11783-5). Address claim arbitration
// compares NAMEs as unsigned integers, numerically lower NAME wins the address.
//
// Bit layout starting from least significant bit:
//
//	identity number           21 bits
//	manufacturer code         11 bits
//	ecu instance               3 bits
//	function instance          5 bits
//	function code              8 bits
//	reserved                   1 bit
//	device class               7 bits
//	device class instance      4 bits
//	industry group             3 bits
//	arbitrary address capable  1 bit
type NAME uint64

// NameFields is unpacked NAME. Values over their field width are clamped when packed with Name().
type NameFields struct {
	IdentityNumber          uint32 // (21 bits) unique number assigned by manufacturer, usually serial number
	ManufacturerCode        uint16 // (11 bits) assigned by SAE
	ECUInstance             uint8  // (3 bits)
	FunctionInstance        uint8  // (5 bits)
	FunctionCode            uint8  // (8 bits)
	DeviceClass             uint8  // (7 bits)
	DeviceClassInstance     uint8  // (4 bits)
	IndustryGroup           uint8  // (3 bits) 2 is agricultural equipment
	ArbitraryAddressCapable bool   // (1 bit) node can move to 128..247 range when it loses its preferred address
}

// Name packs fields into NAME. Out of range values are clamped to their field width so result never
// violates the bit layout.
func Name(f NameFields) NAME {
	n := NAME(f.IdentityNumber) & 0x1FFFFF
	n |= (NAME(f.ManufacturerCode) & 0x7FF) << 21
	n |= (NAME(f.ECUInstance) & 0x7) << 32
	n |= (NAME(f.FunctionInstance) & 0x1F) << 35
	n |= NAME(f.FunctionCode) << 40
	n |= (NAME(f.DeviceClass) & 0x7F) << 49
	n |= (NAME(f.DeviceClassInstance) & 0xF) << 56
	n |= (NAME(f.IndustryGroup) & 0x7) << 60
	if f.ArbitraryAddressCapable {
		n |= 1 << 63
	}
	return n
}

func (n NAME) IdentityNumber() uint32       { return uint32(n & 0x1FFFFF) }
func (n NAME) ManufacturerCode() uint16     { return uint16((n >> 21) & 0x7FF) }
func (n NAME) ECUInstance() uint8           { return uint8((n >> 32) & 0x7) }
func (n NAME) FunctionInstance() uint8      { return uint8((n >> 35) & 0x1F) }
func (n NAME) FunctionCode() uint8          { return uint8(n >> 40) }
func (n NAME) DeviceClass() uint8           { return uint8((n >> 49) & 0x7F) }
func (n NAME) DeviceClassInstance() uint8   { return uint8((n >> 56) & 0xF) }
func (n NAME) IndustryGroup() uint8         { return uint8((n >> 60) & 0x7) }
func (n NAME) ArbitraryAddressCapable() bool { return n>>63 == 1 }

// Fields unpacks NAME
func (n NAME) Fields() NameFields {
	return NameFields{
		IdentityNumber:          n.IdentityNumber(),
		ManufacturerCode:        n.ManufacturerCode(),
		ECUInstance:             n.ECUInstance(),
		FunctionInstance:        n.FunctionInstance(),
		FunctionCode:            n.FunctionCode(),
		DeviceClass:             n.DeviceClass(),
		DeviceClassInstance:     n.DeviceClassInstance(),
		IndustryGroup:           n.IndustryGroup(),
		ArbitraryAddressCapable: n.ArbitraryAddressCapable(),
	}
}

// Bytes encodes NAME as 8 little-endian bytes, the layout address claim message data has in the wire
func (n NAME) Bytes() []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(n))
	return b
}

// NameFromBytes decodes NAME from 8 little-endian bytes
func NameFromBytes(b []byte) NAME {
	return NAME(binary.LittleEndian.Uint64(b))
}

// NameField enumerates NAME fields that NameFilter can match on
type NameField uint8

const (
	NameFieldIdentityNumber NameField = iota
	NameFieldManufacturerCode
	NameFieldECUInstance
	NameFieldFunctionInstance
	NameFieldFunctionCode
	NameFieldDeviceClass
	NameFieldDeviceClassInstance
	NameFieldIndustryGroup
	NameFieldArbitraryAddressCapable
)

// NameFilter matches single NAME field against value. Set of filters identifies partner node in the bus
// without knowing its full NAME up front.
type NameFilter struct {
	Field NameField
	Value uint32
}

func (f NameFilter) matches(n NAME) bool {
	switch f.Field {
	case NameFieldIdentityNumber:
		return n.IdentityNumber() == f.Value
	case NameFieldManufacturerCode:
		return uint32(n.ManufacturerCode()) == f.Value
	case NameFieldECUInstance:
		return uint32(n.ECUInstance()) == f.Value
	case NameFieldFunctionInstance:
		return uint32(n.FunctionInstance()) == f.Value
	case NameFieldFunctionCode:
		return uint32(n.FunctionCode()) == f.Value
	case NameFieldDeviceClass:
		return uint32(n.DeviceClass()) == f.Value
	case NameFieldDeviceClassInstance:
		return uint32(n.DeviceClassInstance()) == f.Value
	case NameFieldIndustryGroup:
		return uint32(n.IndustryGroup()) == f.Value
	case NameFieldArbitraryAddressCapable:
		capable := uint32(0)
		if n.ArbitraryAddressCapable() {
			capable = 1
		}
		return capable == f.Value
	}
	return false
}

// Matches returns true when every given filter matches the NAME. Empty filter set matches any NAME.
func (n NAME) Matches(filters ...NameFilter) bool {
	for _, f := range filters {
		if !f.matches(n) {
			return false
		}
	}
	return true
}
