package isobus

import "errors"

var (
	// ErrInvalidPriority is returned when priority does not fit into 3 bits of CAN identifier
	ErrInvalidPriority = errors.New("priority out of range")
	// ErrInvalidPGN is returned when PGN does not fit into 18 bits or PDU1 PGN has non-zero low byte
	ErrInvalidPGN = errors.New("invalid parameter group number")
	// ErrUnknownChannel is returned when given CAN channel index has no driver attached
	ErrUnknownChannel = errors.New("unknown channel")

	// ErrMessageTooLarge is returned when message does not fit even into extended transport protocol
	ErrMessageTooLarge = errors.New("message is too large to be sent")
	// ErrCannotBroadcastLarge is returned when message over transport protocol limit is sent without
	// destination. Extended transport protocol has no broadcast mode.
	ErrCannotBroadcastLarge = errors.New("message is too large to be broadcast")
	// ErrInvalidETPBroadcast is returned when extended transport protocol session is attempted without
	// concrete destination
	ErrInvalidETPBroadcast = errors.New("extended transport protocol cannot broadcast")

	// ErrTooManySessions is returned when transport session limit for channel is already reached
	ErrTooManySessions = errors.New("too many concurrent transport sessions")
	// ErrSessionExists is returned when outgoing transport session for same source, destination and protocol
	// already exists
	ErrSessionExists = errors.New("transport session already exists")

	// ErrAddressNotValid is returned when sending is attempted from control function that has not (yet)
	// claimed an address
	ErrAddressNotValid = errors.New("control function has no valid address")
	// ErrNotInternalControlFunction is returned when message source is not control function owned by this stack
	ErrNotInternalControlFunction = errors.New("source is not internal control function")
	// ErrNameExists is returned when control function with same NAME is already registered in the channel
	ErrNameExists = errors.New("NAME already exists in channel")
	// ErrTxQueueFull is returned when outbound frame queue has no room for the frame
	ErrTxQueueFull = errors.New("outbound frame queue is full")
)
