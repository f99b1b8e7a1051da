package daqstream

import "sync/atomic"

// SharedSessionFlags holds the process-wide fields shared between the
// session engine, its external supervisor, and the frame tracker. Each
// field has exactly one writer; readers poll rather than block, and a
// write is only guaranteed visible at poll granularity.
//
// Write ownership:
//   - Running: written by the supervisor (or the RPC Stop handler), read
//     here to know when to exit the outer session loop.
//   - DaqReady: written by the session controller once both channels are
//     transferring on the shared clock.
//   - FrameCounter: written by an external tracker process; read-only
//     here, available to producers that phase-lock stimuli to frames.
type SharedSessionFlags struct {
	running      atomic.Bool
	daqReady     atomic.Bool
	frameCounter atomic.Int64
}

// NewSharedSessionFlags allocates the flags. Allocate before any channel
// starts and pass the same instance to every component at construction.
func NewSharedSessionFlags() *SharedSessionFlags {
	return new(SharedSessionFlags)
}

// Running reports whether the engine should keep servicing sessions.
func (f *SharedSessionFlags) Running() bool { return f.running.Load() }

// SetRunning is the single cooperative cancellation signal. Channels check
// it between sessions; mid-session shutdown goes through the explicit
// Stopping transition.
func (f *SharedSessionFlags) SetRunning(v bool) { f.running.Store(v) }

// DaqReady reports whether a session has reached steady transfer.
func (f *SharedSessionFlags) DaqReady() bool { return f.daqReady.Load() }

// SetDaqReady is written only by the session controller.
func (f *SharedSessionFlags) SetDaqReady(v bool) { f.daqReady.Store(v) }

// FrameCounter returns the external tracker's latest frame number. The
// engine does not interpret it.
func (f *SharedSessionFlags) FrameCounter() int64 { return f.frameCounter.Load() }

// SetFrameCounter is for the external tracker (and tests) only.
func (f *SharedSessionFlags) SetFrameCounter(n int64) { f.frameCounter.Store(n) }
