package isobus

// Driver is hardware plugin that connects the stack to single physical (or virtual) CAN channel. The stack
// assigns channel index to each attached driver instance. Driver reads may block for short periods, writes
// should not block for long as they are issued from the core update loop.
type Driver interface {
	// Open prepares the driver for reading and writing frames
	Open() error
	// Close releases the underlying bus connection. Open can be called again afterwards.
	Close() error
	// IsValid returns true when driver is open and usable
	IsValid() bool
	// ReadFrame reads single frame into given struct. Returns false when no frame was available within
	// drivers internal (short) timeout. Driver fills frame Time on ingress.
	ReadFrame(frame *RawFrame) (bool, error)
	// WriteFrame writes single frame to the bus
	WriteFrame(frame RawFrame) error
}
