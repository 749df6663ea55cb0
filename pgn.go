package isobus

// PGN is J1939/ISO11783 Parameter Group Number. PGN identifies message type in the bus. Note: PGN is not
// always unique identifier for message layout, some manufacturer specific messages share PGN.
type PGN uint32

const (
	// PGNRequest is used to request another (or all) nodes to send given PGN (ISO 11783-3)
	PGNRequest = PGN(0xEA00) // 59904
	// PGNAcknowledgement is positive/negative acknowledgement to PGNRequest (ISO 11783-3)
	PGNAcknowledgement = PGN(0xE800) // 59392
	// PGNAddressClaim is sent by node to claim (or defend) its source address in the bus (ISO 11783-5)
	PGNAddressClaim = PGN(0xEE00) // 60928
	// PGNCommandedAddress instructs arbitrary address capable node to move to given address (ISO 11783-5)
	PGNCommandedAddress = PGN(0xFED8) // 65240

	// PGNTPConnectionManagement carries transport protocol control flow (RTS/CTS/EOMA/BAM/Abort)
	PGNTPConnectionManagement = PGN(0xEC00) // 60416
	// PGNTPDataTransfer carries transport protocol data frames
	PGNTPDataTransfer = PGN(0xEB00) // 60160
	// PGNETPConnectionManagement carries extended transport protocol control flow
	PGNETPConnectionManagement = PGN(0xC800) // 51200
	// PGNETPDataTransfer carries extended transport protocol data frames
	PGNETPDataTransfer = PGN(0xC700) // 50944

	// PGNRequestForRepetitionRate asks node to start sending given PGN periodically (NMEA2000)
	PGNRequestForRepetitionRate = PGN(0xCC00) // 52224
)

// Bytes encodes PGN as 3 little-endian bytes, the layout PGN has inside request and transport protocol
// control frames
func (p PGN) Bytes() []byte {
	return []byte{
		uint8(p & 0xff),
		uint8((p >> 8) & 0xff),
		uint8((p >> 16) & 0xff),
	}
}

// PGNFromBytes decodes PGN from 3 little-endian bytes
func PGNFromBytes(b []byte) PGN {
	return PGN(b[0]) | PGN(b[1])<<8 | PGN(b[2])<<16
}
