// Package serialcan is hardware driver for SLCAN (Lawicel) protocol serial CAN adapters (CANUSB,
// CANable and alike).
package serialcan

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/aldas/go-isobus"
	"github.com/tarm/serial"
)

/* SLCAN is ASCII protocol where each command/frame is single line terminated with CR (\r):

   O\r           open the CAN channel
   C\r           close the CAN channel
   Sn\r          set bitrate, S5 = 250 kbit/s used by ISO 11783 networks
   Tiiiiiiiildd..\r  transmit extended (29 bit) frame: 8 hex digit identifier, 1 digit DLC, DLC*2
                 hex digits of data
   tiiildd..\r   transmit standard (11 bit) frame, not used by this stack
   \r            command accepted
   \a            (BEL) command rejected
*/

const (
	cr  = byte('\r')
	bel = byte('\a')

	// bitrate250k is SLCAN bitrate preset for 250 kbit/s ISO 11783 bus
	bitrate250k = "S5"
)

var errNoFrame = errors.New("no frame in buffer")

// Device is SLCAN serial adapter driver. Implements isobus.Driver.
type Device struct {
	config serial.Config
	port   *serial.Port

	// readBuffer accumulates serial chunks until complete CR terminated line is seen
	readBuffer []byte

	timeNow func() time.Time
}

// NewDevice creates driver for SLCAN adapter at given serial device path
func NewDevice(device string, baudRate int) *Device {
	return &Device{
		config: serial.Config{
			Name: device,
			Baud: baudRate,
			// short read timeout keeps driver read pump responsive to shutdown
			ReadTimeout: 50 * time.Millisecond,
		},
		readBuffer: make([]byte, 0, 256),
		timeNow:    time.Now,
	}
}

// Open opens the serial port, sets ISO 11783 bitrate and opens the CAN channel
func (d *Device) Open() error {
	port, err := serial.OpenPort(&d.config)
	if err != nil {
		return fmt.Errorf("failed to open SLCAN serial port: %w", err)
	}
	d.port = port

	// close channel first in case adapter was left open, adapter rejects bitrate change when open
	for _, command := range []string{"C", bitrate250k, "O"} {
		if _, err := port.Write(append([]byte(command), cr)); err != nil {
			_ = port.Close()
			d.port = nil
			return fmt.Errorf("failed to write SLCAN %v command: %w", command, err)
		}
	}
	return nil
}

// Close closes the CAN channel and the serial port
func (d *Device) Close() error {
	if d.port == nil {
		return nil
	}
	_, _ = d.port.Write([]byte{'C', cr})
	err := d.port.Close()
	d.port = nil
	return err
}

// IsValid returns true when driver is open
func (d *Device) IsValid() bool {
	return d.port != nil
}

// ReadFrame reads single frame. Returns false when no complete frame arrived within the read timeout.
func (d *Device) ReadFrame(frame *isobus.RawFrame) (bool, error) {
	if f, err := parseBufferedFrame(&d.readBuffer); err == nil {
		f.Time = d.timeNow()
		*frame = f
		return true, nil
	}

	chunk := make([]byte, 128)
	n, err := d.port.Read(chunk)
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	d.readBuffer = append(d.readBuffer, chunk[:n]...)

	f, err := parseBufferedFrame(&d.readBuffer)
	if err != nil {
		return false, nil
	}
	f.Time = d.timeNow()
	*frame = f
	return true, nil
}

// WriteFrame writes single frame to the adapter
func (d *Device) WriteFrame(frame isobus.RawFrame) error {
	_, err := d.port.Write(formatFrame(frame))
	return err
}

// formatFrame encodes frame as SLCAN extended frame line
func formatFrame(frame isobus.RawFrame) []byte {
	line := make([]byte, 0, 1+8+1+2*int(frame.Length)+1)
	line = append(line, 'T')
	line = append(line, []byte(fmt.Sprintf("%08X", frame.Header.Uint32()))...)
	line = append(line, '0'+frame.Length)
	for _, b := range frame.Data[:frame.Length] {
		line = append(line, []byte(fmt.Sprintf("%02X", b))...)
	}
	line = append(line, cr)
	return line
}

// parseBufferedFrame extracts first complete extended frame line from buffer. Lines that are not
// extended data frames (command acks, standard frames, status) are skipped.
func parseBufferedFrame(buffer *[]byte) (isobus.RawFrame, error) {
	b := *buffer
	for len(b) > 0 {
		// BEL is rejection of previous command, everything else is CR terminated line
		if b[0] == bel {
			b = b[1:]
			continue
		}
		end := -1
		for i, c := range b {
			if c == cr {
				end = i
				break
			}
		}
		if end == -1 {
			break // incomplete line, wait for more serial data
		}
		line := b[:end]
		b = b[end+1:]

		f, err := parseFrameLine(line)
		if err != nil {
			continue // ack or non extended frame line
		}
		*buffer = append((*buffer)[:0], b...)
		return f, nil
	}
	*buffer = append((*buffer)[:0], b...)
	return isobus.RawFrame{}, errNoFrame
}

// parseFrameLine parses single SLCAN extended frame line (without CR): T + 8 hex digit identifier +
// 1 digit DLC + DLC*2 hex digits of data
func parseFrameLine(line []byte) (isobus.RawFrame, error) {
	if len(line) < 10 || line[0] != 'T' {
		return isobus.RawFrame{}, errNoFrame
	}
	id, err := hex.DecodeString(string(line[1:9]))
	if err != nil {
		return isobus.RawFrame{}, fmt.Errorf("invalid SLCAN frame identifier: %w", err)
	}
	canID := uint32(id[0])<<24 | uint32(id[1])<<16 | uint32(id[2])<<8 | uint32(id[3])

	length := line[9] - '0'
	if length > 8 || len(line) != 10+2*int(length) {
		return isobus.RawFrame{}, errors.New("invalid SLCAN frame length")
	}
	data, err := hex.DecodeString(string(line[10:]))
	if err != nil {
		return isobus.RawFrame{}, fmt.Errorf("invalid SLCAN frame data: %w", err)
	}

	f := isobus.RawFrame{
		Header: isobus.ParseCANID(canID),
		Length: length,
	}
	copy(f.Data[:], data)
	return f, nil
}
