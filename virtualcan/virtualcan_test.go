package virtualcan

import (
	"testing"

	"github.com/aldas/go-isobus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_deliversToOtherDevices(t *testing.T) {
	bus := NewBus()
	a := bus.NewDevice(16)
	b := bus.NewDevice(16)
	c := bus.NewDevice(16)

	frame := isobus.Frame(0, isobus.CanBusHeader{PGN: 0xFEEB, Priority: 6, Source: 1, Destination: 255}, []byte{1, 2, 3})
	require.NoError(t, a.WriteFrame(frame))

	var got isobus.RawFrame
	ok, err := b.ReadFrame(&got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, frame.Header, got.Header)
	assert.Equal(t, frame.Data, got.Data)
	assert.False(t, got.Time.IsZero()) // ingress timestamp is attached

	ok, _ = c.ReadFrame(&got)
	assert.True(t, ok)

	// sender does not see its own frame
	ok, _ = a.ReadFrame(&got)
	assert.False(t, ok)
}

func TestDevice_closedDeviceDoesNotReceive(t *testing.T) {
	bus := NewBus()
	a := bus.NewDevice(16)
	b := bus.NewDevice(16)

	require.NoError(t, b.Close())
	assert.False(t, b.IsValid())

	require.NoError(t, a.WriteFrame(isobus.Frame(0, isobus.CanBusHeader{PGN: 0xFEEB}, []byte{1})))

	var got isobus.RawFrame
	ok, _ := b.ReadFrame(&got)
	assert.False(t, ok)

	// re-opened device receives again
	require.NoError(t, b.Open())
	require.NoError(t, a.WriteFrame(isobus.Frame(0, isobus.CanBusHeader{PGN: 0xFEEB}, []byte{2})))
	ok, _ = b.ReadFrame(&got)
	assert.True(t, ok)
}
