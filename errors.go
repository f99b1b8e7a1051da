package daqstream

import "fmt"

// ConfigError reports invalid channel, device, or stimulus parameters.
// It is always raised before a session starts, never mid-callback.
type ConfigError string

func (e ConfigError) Error() string { return string(e) }

// TransferFault reports a hardware overrun or underrun: the callback
// missed its deadline, or the hardware buffer emptied or filled
// unexpectedly. A TransferFault is fatal for the session; because the
// paired channels are phase-locked, a fault in either tears down both.
type TransferFault struct {
	Channel string // channel description, e.g. "SimDev1/ao0 output"
	Err     error
}

func (e *TransferFault) Error() string {
	return fmt.Sprintf("transfer fault on %s: %v", e.Channel, e.Err)
}

func (e *TransferFault) Unwrap() error { return e.Err }
