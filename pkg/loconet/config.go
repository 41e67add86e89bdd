package loconet

import "time"

// Default timing values. LocoNet echoes normally arrive within a few
// milliseconds; the timeouts only fire when the bus or adapter is wedged.
const (
	DefaultEchoTimeout           = 250 * time.Millisecond
	DefaultResponseTimeout       = 750 * time.Millisecond
	DefaultFastClockSyncInterval = 60 * time.Second
	DefaultFastClockAckCycles    = 3
)

// Config is the kernel configuration snapshot. It can be replaced while
// the kernel runs via Kernel.SetConfig; active timers are re-armed with
// the new timeouts.
type Config struct {
	// Debug enables byte-level tracing of all bus traffic.
	Debug bool

	// ListenOnly suppresses all transmission; the kernel only observes.
	ListenOnly bool

	// FastClockMaster makes the kernel broadcast fast clock state.
	FastClockMaster bool

	// FastClockSyncInterval is the period between fast clock broadcasts.
	FastClockSyncInterval time.Duration

	// FastClockAckCycles is the number of consecutive broadcast rounds
	// without any command station fast clock traffic after which the
	// kernel concludes the station has no fast clock and stops
	// broadcasting.
	FastClockAckCycles int

	// EchoTimeout bounds the wait for the bus echo of a sent frame.
	EchoTimeout time.Duration

	// ResponseTimeout bounds the wait for the response to a request.
	ResponseTimeout time.Duration
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		FastClockSyncInterval: DefaultFastClockSyncInterval,
		FastClockAckCycles:    DefaultFastClockAckCycles,
		EchoTimeout:           DefaultEchoTimeout,
		ResponseTimeout:       DefaultResponseTimeout,
	}
}

// withDefaults fills zero-valued timing fields.
func (c Config) withDefaults() Config {
	if c.EchoTimeout <= 0 {
		c.EchoTimeout = DefaultEchoTimeout
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = DefaultResponseTimeout
	}
	if c.FastClockSyncInterval <= 0 {
		c.FastClockSyncInterval = DefaultFastClockSyncInterval
	}
	if c.FastClockAckCycles <= 0 {
		c.FastClockAckCycles = DefaultFastClockAckCycles
	}
	return c
}
