package isobus

import (
	"errors"
	"time"
)

// defines configuration value ranges
const (
	// minimum interval between broadcast transport data frames, range [10, 200]ms default 50ms
	TPBroadcastIntervalMin = 10 * time.Millisecond
	TPBroadcastIntervalMax = 200 * time.Millisecond

	// packets receiver grants per CTS, range [1, 255] default 16
	CTSWindowPacketsMin = 1
	CTSWindowPacketsMax = 255

	// concurrent transport sessions per channel, range [1, 255] default 4
	MaxConcurrentSessionsMin = 1
	MaxConcurrentSessionsMax = 255
)

// Config holds tunable constants of the network stack. The default is applied for each unspecified value.
// Values are never read from environment.
type Config struct {
	// MinimumTPBroadcastInterval is inter-frame gap for broadcast (BAM) transmissions.
	// Range [10, 200]ms, default 50ms.
	MinimumTPBroadcastInterval time.Duration `yaml:"minimum_tp_broadcast_interval"`

	// MinimumFastPacketInterval is inter-frame gap for Fast-Packet transmissions. Default 0, frames are
	// sent as fast as the bus permits.
	MinimumFastPacketInterval time.Duration `yaml:"minimum_fast_packet_interval"`

	// CTSWindowPackets is maximum number of data packets granted per CTS when stack is in receiver role.
	// Range [1, 255], default 16.
	CTSWindowPackets uint8 `yaml:"cts_window_packets"`

	// MaxConcurrentSessions is cap on live TP and ETP sessions per channel. Default 4.
	MaxConcurrentSessions int `yaml:"max_concurrent_sessions"`

	// RxFrameQueueSize is size of inbound bounded frame queue between driver and the core. Default 4096.
	RxFrameQueueSize int `yaml:"rx_frame_queue_size"`

	// TxFrameQueueSize is size of outbound bounded frame queue between the core and driver. Default 4096.
	TxFrameQueueSize int `yaml:"tx_frame_queue_size"`

	// PeriodicUpdateInterval is suggested cadence for calling Network.Update. Default 4ms.
	PeriodicUpdateInterval time.Duration `yaml:"periodic_update_interval"`

	// AddressClaimContention is how long node listens for competing claims before claiming its preferred
	// address (T=250ms per J1939-81). Default 250ms.
	AddressClaimContention time.Duration `yaml:"address_claim_contention"`

	// TxRateLimitFramesPerSecond caps how many frames per second outbound queue drain hands to the driver.
	// Default 0, no limit.
	TxRateLimitFramesPerSecond int `yaml:"tx_rate_limit_frames_per_second"`
}

// Valid applies the default for each unspecified value and range-checks the rest
func (c *Config) Valid() error {
	if c == nil {
		return errors.New("invalid pointer")
	}

	if c.MinimumTPBroadcastInterval == 0 {
		c.MinimumTPBroadcastInterval = 50 * time.Millisecond
	} else if c.MinimumTPBroadcastInterval < TPBroadcastIntervalMin || c.MinimumTPBroadcastInterval > TPBroadcastIntervalMax {
		return errors.New("MinimumTPBroadcastInterval not in [10, 200]ms")
	}

	if c.MinimumFastPacketInterval < 0 {
		return errors.New("MinimumFastPacketInterval can not be negative")
	}

	if c.CTSWindowPackets == 0 {
		c.CTSWindowPackets = 16
	}

	if c.MaxConcurrentSessions == 0 {
		c.MaxConcurrentSessions = 4
	} else if c.MaxConcurrentSessions < MaxConcurrentSessionsMin || c.MaxConcurrentSessions > MaxConcurrentSessionsMax {
		return errors.New("MaxConcurrentSessions not in [1, 255]")
	}

	if c.RxFrameQueueSize == 0 {
		c.RxFrameQueueSize = 4096
	} else if c.RxFrameQueueSize < 1 {
		return errors.New("RxFrameQueueSize must be positive")
	}

	if c.TxFrameQueueSize == 0 {
		c.TxFrameQueueSize = 4096
	} else if c.TxFrameQueueSize < 1 {
		return errors.New("TxFrameQueueSize must be positive")
	}

	if c.PeriodicUpdateInterval == 0 {
		c.PeriodicUpdateInterval = 4 * time.Millisecond
	} else if c.PeriodicUpdateInterval < 0 {
		return errors.New("PeriodicUpdateInterval can not be negative")
	}

	if c.AddressClaimContention == 0 {
		c.AddressClaimContention = 250 * time.Millisecond
	} else if c.AddressClaimContention < 0 {
		return errors.New("AddressClaimContention can not be negative")
	}

	if c.TxRateLimitFramesPerSecond < 0 {
		return errors.New("TxRateLimitFramesPerSecond can not be negative")
	}
	return nil
}
