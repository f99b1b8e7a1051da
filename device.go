package daqstream

import "fmt"

// DeviceProvider opens hardware tasks on a named device. The concrete
// driver binding (NI-DAQmx or similar) lives outside this module; the
// engine sees only this interface plus SimDevice for rigless operation
// and tests.
type DeviceProvider interface {
	// OpenTask allocates hardware resources for one channel set and
	// registers callback to fire once per cfg.BlockLength samples
	// transferred. The task starts in a non-transferring state.
	OpenTask(cfg ChannelConfig, callback func()) (HardwareTask, error)
}

// HardwareTask is one direction-bound hardware timing task. The engine
// drives it through the channel state machine; all methods except
// Read/Write are called from the control context, Read/Write only from
// the callback context.
type HardwareTask interface {
	// StartTriggerName is the hardware signal this task emits when it
	// starts, which a paired task can arm against for a phase-locked
	// start (e.g. "Dev1/ai/StartTrigger").
	StartTriggerName() string

	// ConfigureStartTrigger makes Start wait for the named trigger
	// instead of starting the clock immediately.
	ConfigureStartTrigger(source string) error

	// Start begins the sample clock, or arms the task if a start
	// trigger was configured.
	Start() error

	// Stop halts the sample clock. No callbacks fire after Stop returns.
	Stop() error

	// Close releases hardware resources. The task is unusable after.
	Close() error

	// Write transfers one block to the hardware output buffer. An
	// underrun surfaces here as an error.
	Write(block SampleBlock) error

	// Read fills block from the hardware input buffer. An overrun
	// surfaces here as an error.
	Read(block SampleBlock) error
}

// ChannelConfig holds the immutable parameters of one ContinuousIOChannel.
type ChannelConfig struct {
	Device       string    // device identifier, e.g. "Dev1"
	Channels     []string  // ordered channel names, e.g. ["ao0", "ao1"]
	Direction    Direction
	Signal       SignalKind
	VoltageLimit float64 // symmetric +-limit in volts; analog only
	SampleRate   float64 // samples per second per channel
	BlockLength  int     // frames per callback event
	BufferDepth  int     // hardware buffer size as a multiple of one block
}

// Nchan returns the channel count.
func (c *ChannelConfig) Nchan() int { return len(c.Channels) }

// Description returns a short human-readable channel identity for logs
// and faults.
func (c *ChannelConfig) Description() string {
	return fmt.Sprintf("%s/%v %s", c.Device, c.Channels, c.Direction)
}

// Validate checks the configuration, returning a ConfigError on the first
// problem found. Called at channel creation; nothing is re-validated
// per-callback.
func (c *ChannelConfig) Validate() error {
	if c.Device == "" {
		return ConfigError("channel config: empty device identifier")
	}
	if len(c.Channels) == 0 {
		return ConfigError("channel config: no channels listed")
	}
	switch c.Direction {
	case Input, Output:
	default:
		return ConfigError(fmt.Sprintf("channel config: unknown direction %d", int(c.Direction)))
	}
	switch c.Signal {
	case Analog, Digital:
	default:
		return ConfigError(fmt.Sprintf("channel config: unknown signal kind %d", int(c.Signal)))
	}
	if c.Signal == Analog && c.VoltageLimit <= 0 {
		return ConfigError(fmt.Sprintf("channel config: analog voltage limit %g, want > 0", c.VoltageLimit))
	}
	if c.SampleRate <= 0 {
		return ConfigError(fmt.Sprintf("channel config: sample rate %g, want > 0", c.SampleRate))
	}
	if c.BlockLength < 1 {
		return ConfigError(fmt.Sprintf("channel config: block length %d, want >= 1", c.BlockLength))
	}
	if c.BufferDepth < 2 {
		return ConfigError(fmt.Sprintf("channel config: buffer depth %d, want >= 2 so producer and consumer never collide on the same memory", c.BufferDepth))
	}
	return nil
}
