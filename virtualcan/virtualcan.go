// Package virtualcan is in-memory hardware driver. Devices attached to same Bus see each others
// frames. Meant for tests and for running applications without CAN hardware.
package virtualcan

import (
	"sync"
	"time"

	"github.com/aldas/go-isobus"
	"github.com/aldas/go-isobus/internal/queue"
)

// Bus connects virtual devices together. Frame written by one device is readable by every other
// device on the bus.
type Bus struct {
	mutex   sync.Mutex
	devices []*Device
}

// NewBus creates empty virtual bus
func NewBus() *Bus {
	return &Bus{}
}

// NewDevice creates device attached to the bus. QueueSize bounds how many undelivered frames device
// buffers before oldest are dropped.
func (b *Bus) NewDevice(queueSize int) *Device {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	d := &Device{
		bus:     b,
		rx:      queue.New[isobus.RawFrame](queueSize),
		timeNow: time.Now,
	}
	b.devices = append(b.devices, d)
	return d
}

// broadcast delivers frame to every device except the sender
func (b *Bus) broadcast(from *Device, frame isobus.RawFrame) {
	b.mutex.Lock()
	devices := append([]*Device{}, b.devices...)
	b.mutex.Unlock()

	for _, d := range devices {
		if d == from || !d.IsValid() {
			continue
		}
		frame.Time = d.timeNow()
		d.rx.Enqueue(frame)
	}
}

// Device is virtual bus endpoint. Implements isobus.Driver.
type Device struct {
	bus *Bus
	rx  *queue.Queue[isobus.RawFrame]

	mutex  sync.Mutex
	closed bool

	timeNow func() time.Time
}

func (d *Device) Open() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.closed = false
	return nil
}

func (d *Device) Close() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.closed = true
	return nil
}

func (d *Device) IsValid() bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return !d.closed
}

// ReadFrame pops single frame sent by other devices on the bus. Non-blocking, returns false when no
// frame is buffered.
func (d *Device) ReadFrame(frame *isobus.RawFrame) (bool, error) {
	f, ok := d.rx.Dequeue()
	if !ok {
		return false, nil
	}
	*frame = f
	return true, nil
}

// WriteFrame delivers frame to every other device on the bus
func (d *Device) WriteFrame(frame isobus.RawFrame) error {
	d.bus.broadcast(d, frame)
	return nil
}
