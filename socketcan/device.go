package socketcan

import (
	"fmt"
	"time"

	"github.com/aldas/go-isobus"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// canRawProtocol is CAN_RAW protocol number for AF_CAN sockets
const canRawProtocol = 1

// Device is SocketCAN hardware driver. Implements isobus.Driver.
type Device struct {
	// fd is raw AF_CAN socket, -1 while closed
	fd int

	// ifName is SocketCAN interface name. For example: can0
	ifName string

	// readTimeout limits how long single ReadFrame call blocks. Short timeout keeps driver read pump
	// responsive to shutdown.
	readTimeout time.Duration

	timeNow func() time.Time
}

// NewDevice creates driver for given SocketCAN interface name
func NewDevice(ifName string) *Device {
	return &Device{
		fd: -1,

		ifName:      ifName,
		readTimeout: 50 * time.Millisecond,
		timeNow:     time.Now,
	}
}

// Open resolves the link through netlink, checks that it is up and binds raw CAN socket to its index
func (d *Device) Open() error {
	link, err := netlink.LinkByName(d.ifName)
	if err != nil {
		return fmt.Errorf("no such CAN interface %v: %w", d.ifName, err)
	}
	attrs := link.Attrs()
	if attrs.OperState == netlink.OperDown {
		return fmt.Errorf("CAN interface %v is down", d.ifName)
	}

	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, canRawProtocol)
	if err != nil {
		return fmt.Errorf("could not create CAN socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: attrs.Index}); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("could not bind CAN socket to %v: %w", d.ifName, err)
	}

	// reads block at most readTimeout so the read pump can notice shutdown
	tv := unix.NsecToTimeval(d.readTimeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("could not set CAN socket read timeout: %w", err)
	}

	d.fd = fd
	return nil
}

// Close releases the socket
func (d *Device) Close() error {
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}

// IsValid returns true when driver is open
func (d *Device) IsValid() bool {
	return d.fd >= 0
}

// ReadFrame reads single frame. Returns false when no frame arrived within the read timeout or when
// the received frame was not an extended data frame.
func (d *Device) ReadFrame(frame *isobus.RawFrame) (bool, error) {
	var buf [frameSize]byte
	if _, err := unix.Read(d.fd, buf[:]); err != nil {
		// EAGAIN is read timeout elapsing, EINTR is signal during blocking read. Neither ends the
		// read pump, caller simply tries again.
		if err == unix.EAGAIN || err == unix.EINTR {
			return false, nil
		}
		return false, fmt.Errorf("CAN socket read failed: %w", err)
	}

	f, err := decodeFrame(buf)
	if err != nil {
		// RTR, error and standard frames are not ISO 11783 traffic, skip them
		return false, nil
	}
	f.Time = d.timeNow()
	*frame = f
	return true, nil
}

// WriteFrame writes single frame to the bus
func (d *Device) WriteFrame(frame isobus.RawFrame) error {
	buf := encodeFrame(frame)
	if _, err := unix.Write(d.fd, buf[:]); err != nil {
		return fmt.Errorf("CAN socket write failed: %w", err)
	}
	return nil
}
