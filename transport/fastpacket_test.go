package transport

import (
	"testing"
	"time"

	"github.com/aldas/go-isobus"
	test_test "github.com/aldas/go-isobus/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Example fast-packet
// PGN: 1FD13 - Meteorological Station Data
// candump output:
//
//	00:05:10.032 R 19FD1323 60 1E F0 30 4B 08 AC 02
//	00:05:10.038 R 19FD1323 61 12 8B 01 B3 22 34 38
//	00:05:10.041 R 19FD1323 62 59 0D A4 00 F5 C7 FA
//	00:05:10.041 R 19FD1323 63 FF FF F0 03 95 6F 02
//	00:05:10.046 R 19FD1323 64 01 02 01 FF FF FF FF
func meteorologicalFrames(now time.Time) []isobus.RawFrame {
	header := isobus.CanBusHeader{PGN: 130323, Priority: 6, Source: 35, Destination: 255}
	return []isobus.RawFrame{
		{Time: now.Add(-4 * 50 * time.Millisecond), Header: header, Length: 8, Data: [8]byte{0x60, 0x1E, 0xF0, 0x30, 0x4B, 0x08, 0xAC, 0x02}},
		{Time: now.Add(-3 * 50 * time.Millisecond), Header: header, Length: 8, Data: [8]byte{0x61, 0x12, 0x8B, 0x01, 0xB3, 0x22, 0x34, 0x38}},
		{Time: now.Add(-2 * 50 * time.Millisecond), Header: header, Length: 8, Data: [8]byte{0x62, 0x59, 0x0D, 0xA4, 0x00, 0xF5, 0xC7, 0xFA}},
		{Time: now.Add(-1 * 50 * time.Millisecond), Header: header, Length: 8, Data: [8]byte{0x63, 0xFF, 0xFF, 0xF0, 0x03, 0x95, 0x6F, 0x02}},
		{Time: now, Header: header, Length: 8, Data: [8]byte{0x64, 0x01, 0x02, 0x01, 0xFF, 0xFF, 0xFF, 0xFF}},
	}
}

var meteorologicalData = []byte{
	0xF0, 0x30, 0x4B, 0x08, 0xAC, 0x02,
	0x12, 0x8B, 0x01, 0xB3, 0x22, 0x34, 0x38,
	0x59, 0x0D, 0xA4, 0x00, 0xF5, 0xC7, 0xFA,
	0xFF, 0xFF, 0xF0, 0x03, 0x95, 0x6F, 0x02,
	0x01, 0x02, 0x01,
}

func TestFastPacketAssembler_Assemble(t *testing.T) {
	now := test_test.UTCTime(1665488842)

	var testCases = []struct {
		name           string
		whenFrames     []isobus.RawFrame
		expectComplete bool
		expectMessage  isobus.Message
	}{
		{
			name:           "ok, 130323 fast-packet",
			whenFrames:     meteorologicalFrames(now),
			expectComplete: true,
			expectMessage: isobus.Message{
				Time:   now,
				Header: isobus.CanBusHeader{PGN: 130323, Priority: 6, Source: 35, Destination: 255},
				Data:   meteorologicalData,
			},
		},
		{
			name: "ok, single frame message passes through",
			whenFrames: []isobus.RawFrame{
				{
					Time:   now,
					Header: isobus.CanBusHeader{PGN: uint32(isobus.PGNRequest), Priority: 6, Source: isobus.AddressNull, Destination: 32},
					Length: 3,
					Data:   [8]byte{0x0, 0xEE, 0x0},
				},
			},
			expectComplete: true,
			expectMessage: isobus.Message{
				Time:   now,
				Header: isobus.CanBusHeader{PGN: uint32(isobus.PGNRequest), Priority: 6, Source: isobus.AddressNull, Destination: 32},
				Data:   []byte{0x0, 0xEE, 0x0},
			},
		},
		{
			name:           "nok, out of order frame aborts reassembly",
			whenFrames:     []isobus.RawFrame{meteorologicalFrames(now)[0], meteorologicalFrames(now)[2]},
			expectComplete: false,
		},
		{
			name:           "nok, middle frame without start is discarded",
			whenFrames:     []isobus.RawFrame{meteorologicalFrames(now)[1]},
			expectComplete: false,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			fpa := NewFastPacketAssembler([]uint32{126983, 61184, 130323})
			fpa.now = func() time.Time {
				return now
			}

			complete := false
			var msg isobus.Message
			for _, f := range tc.whenFrames {
				complete = fpa.Assemble(f, &msg)
			}
			assert.Equal(t, tc.expectComplete, complete)
			if tc.expectComplete {
				assert.Equal(t, tc.expectMessage, msg)
			}
		})
	}
}

func TestFastPacketAssembler_sequenceCounterSeparatesMessages(t *testing.T) {
	now := test_test.UTCTime(1665488842)
	fpa := NewFastPacketAssembler([]uint32{130323})
	fpa.now = func() time.Time { return now }
	header := isobus.CanBusHeader{PGN: 130323, Priority: 6, Source: 35, Destination: 255}

	var msg isobus.Message
	// first frame of message with sequence counter 3
	complete := fpa.Assemble(isobus.RawFrame{
		Time: now, Header: header, Length: 8,
		Data: [8]byte{0x60, 13, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06},
	}, &msg)
	assert.False(t, complete)

	// frame of different sequence counter does not disturb reassembly in progress
	complete = fpa.Assemble(isobus.RawFrame{
		Time: now, Header: header, Length: 8,
		Data: [8]byte{0x81, 0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17},
	}, &msg)
	assert.False(t, complete)

	// last frame of counter 3 message completes it
	complete = fpa.Assemble(isobus.RawFrame{
		Time: now, Header: header, Length: 8,
		Data: [8]byte{0x61, 0x07, 0x08, 0x09, 0x0A, 0x0B, 0x0C, 0x0D},
	}, &msg)
	assert.True(t, complete)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0A, 0x0B, 0x0C, 0x0D}, msg.Data)
}

func TestFastPacketAssembler_RegisterPGN(t *testing.T) {
	fpa := NewFastPacketAssembler(nil)

	assert.False(t, fpa.IsFastPacketPGN(130323))
	fpa.RegisterPGN(130323)
	fpa.RegisterPGN(130323)
	assert.True(t, fpa.IsFastPacketPGN(130323))
}

func TestFastPacketSender_Send(t *testing.T) {
	var emitted []isobus.RawFrame
	s := NewFastPacketSender(0, func(f isobus.RawFrame) bool {
		emitted = append(emitted, f)
		return true
	})
	header := isobus.CanBusHeader{PGN: 130323, Priority: 6, Source: 35, Destination: 255}

	require.NoError(t, s.Send(0, header, meteorologicalData))

	require.Len(t, emitted, 5)
	assert.Equal(t, [8]byte{0x00, 30, 0xF0, 0x30, 0x4B, 0x08, 0xAC, 0x02}, emitted[0].Data)
	assert.Equal(t, [8]byte{0x01, 0x12, 0x8B, 0x01, 0xB3, 0x22, 0x34, 0x38}, emitted[1].Data)
	assert.Equal(t, [8]byte{0x04, 0x01, 0x02, 0x01, 0xFF, 0xFF, 0xFF, 0xFF}, emitted[4].Data)

	// sequence counter increments for next message of same PGN and destination
	require.NoError(t, s.Send(0, header, meteorologicalData))
	require.Len(t, emitted, 10)
	assert.Equal(t, uint8(0x20), emitted[5].Data[0])
}

func TestFastPacketSender_singleFrameSizedMessage(t *testing.T) {
	var emitted []isobus.RawFrame
	s := NewFastPacketSender(0, func(f isobus.RawFrame) bool {
		emitted = append(emitted, f)
		return true
	})
	header := isobus.CanBusHeader{PGN: 130323, Priority: 6, Source: 35, Destination: 255}

	require.NoError(t, s.Send(0, header, []byte{0x01, 0x02, 0x03}))

	require.Len(t, emitted, 1)
	assert.Equal(t, [8]byte{0x00, 3, 0x01, 0x02, 0x03, 0xFF, 0xFF, 0xFF}, emitted[0].Data)
}

func TestFastPacketSender_tooLarge(t *testing.T) {
	s := NewFastPacketSender(0, func(f isobus.RawFrame) bool { return true })

	err := s.Send(0, isobus.CanBusHeader{PGN: 130323}, make([]byte, FastPacketMaxSize+1))

	assert.ErrorIs(t, err, isobus.ErrMessageTooLarge)
}

func TestFastPacketSender_interval(t *testing.T) {
	now := test_test.UTCTime(1665488842)
	var emitted []isobus.RawFrame
	s := NewFastPacketSender(10*time.Millisecond, func(f isobus.RawFrame) bool {
		emitted = append(emitted, f)
		return true
	})
	s.now = func() time.Time { return now }
	header := isobus.CanBusHeader{PGN: 130323, Priority: 6, Source: 35, Destination: 255}

	require.NoError(t, s.Send(0, header, meteorologicalData))
	require.Len(t, emitted, 1) // only first frame goes out immediately

	s.Update()
	require.Len(t, emitted, 1) // interval has not passed

	for i := 0; i < 4; i++ {
		now = now.Add(10 * time.Millisecond)
		s.Update()
	}
	require.Len(t, emitted, 5)
	assert.Equal(t, uint8(0x04), emitted[4].Data[0])
}

func TestFastPacketSender_backpressure(t *testing.T) {
	full := false
	var emitted []isobus.RawFrame
	s := NewFastPacketSender(0, func(f isobus.RawFrame) bool {
		if full {
			return false
		}
		emitted = append(emitted, f)
		return true
	})
	header := isobus.CanBusHeader{PGN: 130323, Priority: 6, Source: 35, Destination: 255}

	full = true
	require.NoError(t, s.Send(0, header, meteorologicalData))
	assert.Empty(t, emitted)

	full = false
	s.Update()
	assert.Len(t, emitted, 5)
}
