package replicated

import (
	"fmt"
	"time"
)

// Config contains configuration for replicated prototype states
type Config struct {
	// TickInterval is the wall-clock duration of one raft tick
	// Default: 100ms
	TickInterval time.Duration

	// ElectionTick is the number of ticks without leader contact before campaigning
	// Default: 10
	ElectionTick int

	// HeartbeatTick is the number of ticks between leader heartbeats
	// Must be less than ElectionTick
	// Default: 1
	HeartbeatTick int

	// MaxSizePerMsg limits the byte size of one append message
	// Default: 1MB
	MaxSizePerMsg uint64

	// MaxInflightMsgs limits unacknowledged append messages
	// Default: 256
	MaxInflightMsgs int

	// SnapshotThreshold is the number of applied entries after which a snapshot is taken
	// and the durable log compacted
	// Default: 1000
	SnapshotThreshold uint64
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		TickInterval:      100 * time.Millisecond,
		ElectionTick:      10,
		HeartbeatTick:     1,
		MaxSizePerMsg:     1 << 20,
		MaxInflightMsgs:   256,
		SnapshotThreshold: 1000,
	}
}

// FastConfig returns a configuration with short ticks, suitable for tests
func FastConfig() *Config {
	config := DefaultConfig()
	config.TickInterval = 10 * time.Millisecond
	config.ElectionTick = 5
	config.SnapshotThreshold = 100
	return config
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.TickInterval <= 0 {
		return fmt.Errorf("TickInterval must be positive")
	}

	if c.HeartbeatTick <= 0 {
		return fmt.Errorf("HeartbeatTick must be positive")
	}

	if c.ElectionTick <= c.HeartbeatTick {
		return fmt.Errorf("ElectionTick must be greater than HeartbeatTick (got %d, heartbeat is %d)",
			c.ElectionTick, c.HeartbeatTick)
	}

	if c.MaxSizePerMsg == 0 {
		return fmt.Errorf("MaxSizePerMsg must be positive")
	}

	if c.MaxInflightMsgs <= 0 {
		return fmt.Errorf("MaxInflightMsgs must be positive")
	}

	if c.SnapshotThreshold == 0 {
		return fmt.Errorf("SnapshotThreshold must be positive")
	}

	return nil
}
