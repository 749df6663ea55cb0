package network

import (
	"testing"
	"time"

	"github.com/aldas/go-isobus"
	test_test "github.com/aldas/go-isobus/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testNetwork struct {
	n      *Network
	driver *test_test.MockDriver
	now    time.Time
}

func newTestNetwork(t *testing.T, cfg isobus.Config) *testNetwork {
	require.NoError(t, cfg.Valid())
	n, err := New(cfg)
	require.NoError(t, err)

	tn := &testNetwork{
		n:      n,
		driver: test_test.NewMockDriver(),
		now:    test_test.UTCTime(1700000000),
	}
	n.SetClock(func() time.Time { return tn.now })
	n.AttachDriver(tn.driver)
	return tn
}

func (tn *testNetwork) advance(d time.Duration) {
	tn.now = tn.now.Add(d)
}

// tick advances time in small steps calling Update, the way application drives the stack
func (tn *testNetwork) tick(total time.Duration) {
	step := 4 * time.Millisecond
	for elapsed := time.Duration(0); elapsed < total; elapsed += step {
		tn.advance(step)
		tn.n.Update()
	}
}

func (tn *testNetwork) inject(frame isobus.RawFrame) {
	tn.n.ProcessFrame(frame)
	tn.n.Update()
}

const testNAME = isobus.NAME(0xA000005200120403)

func TestNetwork_addressClaimUncontested(t *testing.T) {
	tn := newTestNetwork(t, isobus.Config{})

	var claimed []*ControlFunction
	tn.n.OnAddressClaimed(func(cf *ControlFunction) { claimed = append(claimed, cf) })

	cf, err := tn.n.CreateInternalControlFunction(testNAME, 0x1C, 0)
	require.NoError(t, err)
	assert.False(t, cf.AddressValid())

	tn.n.Update()
	written := tn.driver.Written()
	require.Len(t, written, 1)
	// request for address claim, sent with NULL source
	assert.Equal(t, uint32(0x18EAFFFE), written[0].Header.Uint32())
	assert.Equal(t, []byte{0x00, 0xEE, 0x00}, append([]byte{}, written[0].Data[:written[0].Length]...))

	tn.driver.Reset()
	tn.tick(300 * time.Millisecond)

	assert.True(t, cf.AddressValid())
	assert.Equal(t, uint8(0x1C), cf.Address())

	written = tn.driver.Written()
	require.Len(t, written, 1) // claim is emitted exactly once
	assert.Equal(t, uint32(0x18EEFF1C), written[0].Header.Uint32())
	assert.Equal(t, [8]byte{0x03, 0x04, 0x12, 0x00, 0x52, 0x00, 0x00, 0xA0}, written[0].Data)

	require.Len(t, claimed, 1)
	assert.Same(t, cf, claimed[0])
}

func TestNetwork_addressClaimLostToLowerName(t *testing.T) {
	// arbitrary address capable node re-claims from dynamic range when it loses its address
	tn := newTestNetwork(t, isobus.Config{})

	cf, err := tn.n.CreateInternalControlFunction(testNAME, 0x1C, 0)
	require.NoError(t, err)
	tn.tick(300 * time.Millisecond)
	require.True(t, cf.AddressValid())
	tn.driver.Reset()

	// competitor with numerically lower NAME claims our address
	tn.inject(isobus.RawFrame{
		Channel: 0,
		Header:  isobus.ParseCANID(0x18EEFF1C),
		Length:  8,
		Data:    [8]byte{0x03, 0x04, 0x12, 0x00, 0x52, 0x00, 0x00, 0x80},
	})

	assert.True(t, cf.AddressValid())
	assert.Equal(t, isobus.AddressDynamicLow, cf.Address())

	written := tn.driver.Written()
	require.Len(t, written, 1)
	assert.Equal(t, uint32(0x18EEFF80), written[0].Header.Uint32())

	// competitor keeps its claimed address
	competitor := tn.n.LookupByAddress(0, 0x1C)
	require.NotNil(t, competitor)
	assert.Equal(t, isobus.NAME(0x8000005200120403), competitor.Name())
}

func TestNetwork_addressClaimLostWithoutArbitraryCapability(t *testing.T) {
	// NAME without arbitrary address capability gives up when it loses arbitration
	name := isobus.Name(isobus.NameFields{
		IdentityNumber:   2000,
		ManufacturerCode: 1857,
		IndustryGroup:    2,
	})
	tn := newTestNetwork(t, isobus.Config{})

	var unable []*ControlFunction
	tn.n.OnCannotClaimAddress(func(cf *ControlFunction) { unable = append(unable, cf) })

	cf, err := tn.n.CreateInternalControlFunction(name, 0x1C, 0)
	require.NoError(t, err)
	tn.tick(300 * time.Millisecond)
	require.True(t, cf.AddressValid())

	lower := isobus.Name(isobus.NameFields{
		IdentityNumber:   1000,
		ManufacturerCode: 1857,
		IndustryGroup:    2,
	})
	tn.inject(isobus.Frame(0, isobus.CanBusHeader{
		PGN: uint32(isobus.PGNAddressClaim), Priority: 6, Source: 0x1C, Destination: isobus.AddressGlobal,
	}, lower.Bytes()))

	assert.False(t, cf.AddressValid())
	require.Len(t, unable, 1)
	assert.Same(t, cf, unable[0])
}

func TestNetwork_addressClaimDefendsWithLowerName(t *testing.T) {
	tn := newTestNetwork(t, isobus.Config{})

	cf, err := tn.n.CreateInternalControlFunction(testNAME, 0x1C, 0)
	require.NoError(t, err)
	tn.tick(300 * time.Millisecond)
	require.True(t, cf.AddressValid())
	tn.driver.Reset()

	// competitor with higher NAME tries to take our address, we defend by repeating the claim
	higher := isobus.NAME(0xB000005200120403)
	tn.inject(isobus.Frame(0, isobus.CanBusHeader{
		PGN: uint32(isobus.PGNAddressClaim), Priority: 6, Source: 0x1C, Destination: isobus.AddressGlobal,
	}, higher.Bytes()))

	assert.True(t, cf.AddressValid())
	assert.Equal(t, uint8(0x1C), cf.Address())

	written := tn.driver.Written()
	require.Len(t, written, 1)
	assert.Equal(t, uint32(0x18EEFF1C), written[0].Header.Uint32())
	assert.Equal(t, testNAME, isobus.NameFromBytes(written[0].Data[:8]))
}

func TestNetwork_respondsToRequestForAddressClaim(t *testing.T) {
	tn := newTestNetwork(t, isobus.Config{})

	cf, err := tn.n.CreateInternalControlFunction(testNAME, 0x1C, 0)
	require.NoError(t, err)
	tn.tick(300 * time.Millisecond)
	require.True(t, cf.AddressValid())
	tn.driver.Reset()

	tn.inject(isobus.Frame(0, isobus.CanBusHeader{
		PGN: uint32(isobus.PGNRequest), Priority: 6, Source: 0x80, Destination: isobus.AddressGlobal,
	}, isobus.PGNAddressClaim.Bytes()))

	written := tn.driver.Written()
	require.Len(t, written, 1)
	assert.Equal(t, uint32(0x18EEFF1C), written[0].Header.Uint32())
}

func TestNetwork_preferredAddressTakenDuringContention(t *testing.T) {
	// claim for our preferred address by lower NAME arrives during contention window, we pick dynamic
	// range address right away
	tn := newTestNetwork(t, isobus.Config{})

	cf, err := tn.n.CreateInternalControlFunction(testNAME, 0x1C, 0)
	require.NoError(t, err)
	tn.n.Update() // request for address claim goes out

	tn.inject(isobus.RawFrame{
		Channel: 0,
		Header:  isobus.ParseCANID(0x18EEFF1C),
		Length:  8,
		Data:    [8]byte{0x03, 0x04, 0x12, 0x00, 0x52, 0x00, 0x00, 0x80},
	})
	assert.False(t, cf.AddressValid())

	tn.tick(300 * time.Millisecond)

	assert.True(t, cf.AddressValid())
	assert.Equal(t, isobus.AddressDynamicLow, cf.Address())
}

func TestNetwork_addressViolation(t *testing.T) {
	tn := newTestNetwork(t, isobus.Config{})

	var violations []*ControlFunction
	tn.n.OnAddressViolation(func(cf *ControlFunction) { violations = append(violations, cf) })

	cf, err := tn.n.CreateInternalControlFunction(testNAME, 0x1C, 0)
	require.NoError(t, err)
	tn.tick(300 * time.Millisecond)
	require.True(t, cf.AddressValid())
	tn.driver.Reset()

	// other node uses our source address for ordinary traffic
	tn.inject(isobus.Frame(0, isobus.CanBusHeader{
		PGN: 0xFEEB, Priority: 6, Source: 0x1C, Destination: isobus.AddressGlobal,
	}, []byte{1, 2, 3}))

	require.Len(t, violations, 1)
	assert.Same(t, cf, violations[0])

	// claim is re-asserted
	written := tn.driver.Written()
	require.Len(t, written, 1)
	assert.Equal(t, uint32(0x18EEFF1C), written[0].Header.Uint32())
}

func TestNetwork_commandedAddress(t *testing.T) {
	tn := newTestNetwork(t, isobus.Config{})

	cf, err := tn.n.CreateInternalControlFunction(testNAME, 0x1C, 0)
	require.NoError(t, err)
	tn.tick(300 * time.Millisecond)
	require.True(t, cf.AddressValid())
	tn.driver.Reset()

	// commanded address arrives as 9 byte broadcast message over transport protocol
	name := testNAME.Bytes()
	tn.inject(isobus.Frame(0, isobus.CanBusHeader{
		PGN: uint32(isobus.PGNTPConnectionManagement), Priority: 7, Source: 0x26, Destination: isobus.AddressGlobal,
	}, []byte{32, 9, 0, 2, 0xFF, 0xD8, 0xFE, 0x00}))
	tn.inject(isobus.Frame(0, isobus.CanBusHeader{
		PGN: uint32(isobus.PGNTPDataTransfer), Priority: 7, Source: 0x26, Destination: isobus.AddressGlobal,
	}, []byte{1, name[0], name[1], name[2], name[3], name[4], name[5], name[6]}))
	tn.inject(isobus.Frame(0, isobus.CanBusHeader{
		PGN: uint32(isobus.PGNTPDataTransfer), Priority: 7, Source: 0x26, Destination: isobus.AddressGlobal,
	}, []byte{2, name[7], 0x42, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}))

	assert.True(t, cf.AddressValid())
	assert.Equal(t, uint8(0x42), cf.Address())

	written := tn.driver.Written()
	require.Len(t, written, 1)
	assert.Equal(t, uint32(0x18EEFF42), written[0].Header.Uint32())
}
