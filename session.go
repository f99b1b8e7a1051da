package daqstream

import (
	"fmt"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/oklog/ulid/v2"

	"github.com/flyrig/daqstream/internal/rundb"
)

// ControlMessage is one message on the ordered control channel from the
// controller process to the engine.
type ControlMessage interface {
	controlMessage()
}

// NewSourceMessage replaces the active output producer. It is
// acknowledged implicitly: subsequent output blocks reflect the new
// source within one block period.
type NewSourceMessage struct {
	Producer Producer
}

// StartSessionMessage begins a session with the given options.
type StartSessionMessage struct {
	Options SessionOptions
}

func (NewSourceMessage) controlMessage()    {}
func (StartSessionMessage) controlMessage() {}

// SessionOptions configures one input/output channel pair. Channel
// configuration is re-negotiated from the latest options on every
// session.
type SessionOptions struct {
	Device            string
	InputChannels     []string
	OutputChannels    []string
	SampleRate        float64
	InputBlockLength  int
	OutputBlockLength int
	VoltageLimit      float64
	Signal            SignalKind
	RecordPath        string // destination for acquired data; empty disables recording
}

func (o *SessionOptions) inputConfig() ChannelConfig {
	return ChannelConfig{
		Device:       o.Device,
		Channels:     o.InputChannels,
		Direction:    Input,
		Signal:       o.Signal,
		VoltageLimit: o.VoltageLimit,
		SampleRate:   o.SampleRate,
		BlockLength:  o.InputBlockLength,
		BufferDepth:  4,
	}
}

func (o *SessionOptions) outputConfig() ChannelConfig {
	return ChannelConfig{
		Device:       o.Device,
		Channels:     o.OutputChannels,
		Direction:    Output,
		Signal:       o.Signal,
		VoltageLimit: o.VoltageLimit,
		SampleRate:   o.SampleRate,
		BlockLength:  o.OutputBlockLength,
		BufferDepth:  2,
	}
}

// RecorderFactory builds the recorders attached to the input channel of a
// new session. Injected so tests and rigless runs substitute their own.
type RecorderFactory func(opts SessionOptions, sessionID string) ([]Recorder, error)

// SynchronizedSessionController orchestrates one input and one output
// channel as a phase-locked pair: the output is armed on the input's
// start trigger, so both begin transferring on the same clock edge, and
// both are torn down together. It services the control channel for the
// life of the process.
type SynchronizedSessionController struct {
	flags    *SharedSessionFlags
	provider DeviceProvider
	control  <-chan ControlMessage
	updates  chan<- ClientUpdate

	// PollInterval bounds how long a stop request can go unobserved.
	// Coarse enough to avoid busy-waiting, fine enough for control
	// latency on the order of tens of milliseconds.
	PollInterval time.Duration

	// NewRecorders builds per-session recorders; nil disables recording.
	NewRecorders RecorderFactory

	// DB receives session metadata rows; nil-safe when no database is
	// configured.
	DB *rundb.Connection
}

// NewSynchronizedSessionController wires a controller. The control
// channel must be ordered; at-least-once delivery per send is tolerated
// because both message kinds are idempotent at block granularity.
func NewSynchronizedSessionController(flags *SharedSessionFlags, provider DeviceProvider,
	control <-chan ControlMessage, updates chan<- ClientUpdate) *SynchronizedSessionController {
	return &SynchronizedSessionController{
		flags:        flags,
		provider:     provider,
		control:      control,
		updates:      updates,
		PollInterval: 100 * time.Millisecond,
	}
}

// Run services sessions until Running goes false. Each iteration waits
// for a StartSession message (bounded poll, not busy-spin), runs the
// session to completion, and loops. A NewSource received while waiting is
// cached and installed once the output channel exists.
func (sc *SynchronizedSessionController) Run() {
	var cached Producer
	for sc.flags.Running() {
		opts, producer := sc.waitForStart(cached)
		cached = producer
		if opts == nil {
			continue // Running cleared, or still waiting
		}
		if err := sc.runSession(*opts, cached); err != nil {
			ProblemLogger.Printf("session ended with error: %v", err)
		}
		cached = nil
	}
	sc.flags.SetDaqReady(false)
}

// waitForStart polls the control channel until a StartSession arrives or
// Running goes false. NewSource messages seen here update the cached
// producer. Anything else is logged and discarded; the session keeps
// waiting for a valid message.
func (sc *SynchronizedSessionController) waitForStart(cached Producer) (*SessionOptions, Producer) {
	for sc.flags.Running() {
		select {
		case msg, ok := <-sc.control:
			if !ok {
				sc.flags.SetRunning(false)
				return nil, cached
			}
			switch m := msg.(type) {
			case StartSessionMessage:
				return &m.Options, cached
			case NewSourceMessage:
				if m.Producer == nil {
					sc.discard(msg)
					continue
				}
				cached = m.Producer
			default:
				sc.discard(msg)
			}
		case <-time.After(sc.PollInterval):
		}
	}
	return nil, cached
}

// discard drops a malformed or unusable control message. Deliberately
// lenient: no error goes back to the sender, matching the observed
// control-protocol behavior, but the event is logged for operators.
func (sc *SynchronizedSessionController) discard(msg ControlMessage) {
	ProblemLogger.Printf("discarding unusable control message: %s", spew.Sdump(msg))
}

// runSession opens the channel pair, arms the output on the input's start
// trigger, starts the input (which emits the trigger), then services
// control messages until a stop or a transfer fault. Both channels are
// finalized and released together on the way out.
func (sc *SynchronizedSessionController) runSession(opts SessionOptions, producer Producer) error {
	sessionID := ulid.Make().String()

	output, err := NewContinuousIOChannel(opts.outputConfig(), sc.provider)
	if err != nil {
		return fmt.Errorf("configuring output channel: %w", err)
	}
	input, err := NewContinuousIOChannel(opts.inputConfig(), sc.provider)
	if err != nil {
		output.Close()
		return fmt.Errorf("configuring input channel: %w", err)
	}
	defer func() {
		output.Close()
		input.Close()
	}()

	if sc.NewRecorders != nil {
		recorders, err := sc.NewRecorders(opts, sessionID)
		if err != nil {
			return fmt.Errorf("building recorders: %w", err)
		}
		input.SetRecorders(recorders...)
	}
	if producer != nil {
		if err := output.SetProducer(producer); err != nil {
			return err
		}
	}
	if sc.updates != nil {
		// Live-display path: reads the observer stream, never the
		// callback path, and exits when the stream closes on stop.
		go NewBlockMonitor(input, sc.updates).Run()
	}

	// Arm the output first. It transfers nothing until the input's
	// start trigger arrives, so the pair starts on one clock edge.
	if err := output.Arm(input.StartTriggerName()); err != nil {
		return fmt.Errorf("arming output channel: %w", err)
	}
	if err := input.Start(); err != nil {
		output.Stop()
		return fmt.Errorf("starting input channel: %w", err)
	}

	sc.flags.SetDaqReady(true)
	sc.publish("SESSION", sessionStatus{ID: sessionID, Running: true, Options: opts})
	sc.DB.LogSessionStart(sessionID, opts.Device, opts.InputChannels, opts.OutputChannels, opts.SampleRate)
	UpdateLogger.Printf("session %s started on %s", sessionID, opts.Device)

	reason := sc.serviceSession(input, output)

	// Stop output before input: the output clock is slaved to the
	// input's trigger, so the reverse order can report a spurious
	// underrun on the still-armed output.
	errStopOut := output.Stop()
	errStopIn := input.Stop()
	sc.flags.SetDaqReady(false)
	sc.publish("SESSION", sessionStatus{ID: sessionID, Running: false, Reason: reasonString(reason)})
	sc.DB.LogSessionStop(sessionID, reasonString(reason))
	UpdateLogger.Printf("session %s stopped (%s)", sessionID, reasonString(reason))

	if reason != nil {
		return reason
	}
	if errStopOut != nil {
		return errStopOut
	}
	return errStopIn
}

// serviceSession is the steady-state message loop. It returns nil on a
// clean stop (Running cleared) or the fault that ended the session.
func (sc *SynchronizedSessionController) serviceSession(input, output *ContinuousIOChannel) error {
	for {
		select {
		case msg, ok := <-sc.control:
			if !ok {
				sc.flags.SetRunning(false)
				return nil
			}
			switch m := msg.(type) {
			case NewSourceMessage:
				if m.Producer == nil {
					sc.discard(msg)
					continue
				}
				if err := output.SetProducer(m.Producer); err != nil {
					sc.discard(msg)
				}
			default:
				// A StartSession mid-session is unusable: the pair is
				// already phase-locked. Same leniency as any other
				// malformed message.
				sc.discard(msg)
			}
		case err := <-output.Faults():
			return err
		case err := <-input.Faults():
			return err
		case <-time.After(sc.PollInterval):
			if !sc.flags.Running() {
				return nil
			}
		}
	}
}

func (sc *SynchronizedSessionController) publish(tag string, state interface{}) {
	if sc.updates == nil {
		return
	}
	select {
	case sc.updates <- ClientUpdate{tag: tag, state: state}:
	default: // never let a slow status consumer stall the controller
	}
}

func reasonString(err error) string {
	if err == nil {
		return "stop requested"
	}
	return err.Error()
}

// sessionStatus is the SESSION message payload published to clients.
type sessionStatus struct {
	ID      string
	Running bool
	Reason  string `json:",omitempty"`
	Options SessionOptions
}
