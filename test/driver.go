package test_test

import (
	"sync"

	"github.com/aldas/go-isobus"
)

// MockDriver is scripted hardware driver for tests. Written frames are recorded, reads replay frames
// queued with QueueRead.
type MockDriver struct {
	mutex sync.Mutex

	open    bool
	reads   []isobus.RawFrame
	written []isobus.RawFrame

	OpenErr  error
	WriteErr error
}

func NewMockDriver() *MockDriver {
	return &MockDriver{open: true}
}

func (d *MockDriver) Open() error {
	if d.OpenErr != nil {
		return d.OpenErr
	}
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.open = true
	return nil
}

func (d *MockDriver) Close() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.open = false
	return nil
}

func (d *MockDriver) IsValid() bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.open
}

// QueueRead adds frame to be returned by subsequent ReadFrame call
func (d *MockDriver) QueueRead(frame isobus.RawFrame) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.reads = append(d.reads, frame)
}

func (d *MockDriver) ReadFrame(frame *isobus.RawFrame) (bool, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if len(d.reads) == 0 {
		return false, nil
	}
	*frame = d.reads[0]
	d.reads = d.reads[1:]
	return true, nil
}

func (d *MockDriver) WriteFrame(frame isobus.RawFrame) error {
	if d.WriteErr != nil {
		return d.WriteErr
	}
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.written = append(d.written, frame)
	return nil
}

// Written returns copy of frames written to the driver so far
func (d *MockDriver) Written() []isobus.RawFrame {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	result := make([]isobus.RawFrame, len(d.written))
	copy(result, d.written)
	return result
}

// Reset clears recorded written frames
func (d *MockDriver) Reset() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.written = nil
}
