package discover

import (
	"errors"
	"net"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/vanshtah/lightpeer/crypto"
)

// BootstrapNode is a seed peer: identity plus endpoint, configured
// statically and used when no persisted snapshot is available.
type BootstrapNode struct {
	ID   crypto.NodeID
	IP   net.IP
	Port uint16
}

// Config holds the tunable parameters of the discovery engine.
type Config struct {
	// BucketSize is the per-bucket capacity k of the routing table.
	BucketSize int

	// PacketTTL is the expiration window stamped on outgoing packets.
	PacketTTL time.Duration

	// ClockSkew is the tolerance applied when checking the expiration
	// of incoming packets.
	ClockSkew time.Duration

	// BondTimeout is how long a Ping or FindNode may wait for its
	// response before a retry or failure.
	BondTimeout time.Duration

	// BondRetries is how many times a timed-out request is re-sent
	// before it counts as a failure.
	BondRetries int

	// FailureThreshold is the consecutive-failure count past which a
	// node is evicted from the table.
	FailureThreshold int

	// RefreshInterval schedules proximity walks toward semi-random
	// targets.
	RefreshInterval time.Duration

	// RevalidateInterval schedules liveness re-checks of the least
	// recently contacted table entry.
	RevalidateInterval time.Duration

	// SaveInterval debounces snapshot persistence after table changes.
	SaveInterval time.Duration

	// EventBuffer is the capacity of the consumer event channel. Slow
	// consumers lose events rather than stall the engine.
	EventBuffer int

	// AdvertisedTCPPort is carried in our endpoint for future session
	// use. Zero means no TCP endpoint is advertised.
	AdvertisedTCPPort uint16

	// Bootstrap seeds discovery when storage yields no nodes.
	Bootstrap []BootstrapNode

	// Clock is the time source, injectable for tests. Nil selects the
	// system clock.
	Clock clock.Clock
}

// DefaultConfig returns the standard engine parameters.
func DefaultConfig() Config {
	return Config{
		BucketSize:         16,
		PacketTTL:          20 * time.Second,
		ClockSkew:          5 * time.Second,
		BondTimeout:        500 * time.Millisecond,
		BondRetries:        2,
		FailureThreshold:   5,
		RefreshInterval:    30 * time.Minute,
		RevalidateInterval: 10 * time.Second,
		SaveInterval:       30 * time.Second,
		EventBuffer:        64,
	}
}

// Validate checks the configuration for values the engine cannot run
// with. Only configuration failures at startup are fatal to discovery.
func (c *Config) Validate() error {
	if c.BucketSize <= 0 {
		return errors.New("bucket size must be positive")
	}
	if c.PacketTTL <= 0 {
		return errors.New("packet TTL must be positive")
	}
	if c.ClockSkew < 0 {
		return errors.New("clock skew must not be negative")
	}
	if c.BondTimeout <= 0 {
		return errors.New("bond timeout must be positive")
	}
	if c.BondRetries < 0 {
		return errors.New("bond retries must not be negative")
	}
	if c.FailureThreshold <= 0 {
		return errors.New("failure threshold must be positive")
	}
	if c.RefreshInterval <= 0 || c.RevalidateInterval <= 0 || c.SaveInterval <= 0 {
		return errors.New("scheduling intervals must be positive")
	}
	for _, bn := range c.Bootstrap {
		if bn.ID.IsZero() {
			return errors.New("bootstrap node without ID")
		}
		if bn.IP == nil || bn.Port == 0 {
			return errors.New("bootstrap node without endpoint")
		}
	}
	return nil
}

// withDefaults fills optional fields.
func (c Config) withDefaults() Config {
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 64
	}
	return c
}
