package daqstream

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ChannelState is the lifecycle state of a ContinuousIOChannel.
type ChannelState int

// Names for the possible values of ChannelState
const (
	Configured ChannelState = iota // resources allocated, clock not ticking
	Armed                          // output only: waiting on the paired start trigger
	Running                        // hardware clock ticking, callbacks firing
	Stopping                       // no new callbacks accepted, draining
	Closed                         // hardware released; terminal
)

func (s ChannelState) String() string {
	switch s {
	case Configured:
		return "Configured"
	case Armed:
		return "Armed"
	case Running:
		return "Running"
	case Stopping:
		return "Stopping"
	case Closed:
		return "Closed"
	}
	return fmt.Sprintf("ChannelState(%d)", int(s))
}

// ContinuousIOChannel is the callback-driven engine bound to one direction
// and one channel set. It owns its transfer buffer and hardware task
// exclusively. On each hardware callback it moves exactly one block
// between the HotSwapSource (output) or the hardware buffer (input) and
// fans the block out to recorders and local observers.
type ContinuousIOChannel struct {
	config ChannelConfig
	task   HardwareTask
	source *HotSwapSource  // playback path; nil for input channels
	fanout *RecorderFanout
	buffer SampleBlock // input transfer buffer, owned by this channel

	stateLock sync.Mutex
	state     ChannelState

	faultOnce sync.Once
	faults    chan error // delivers at most one TransferFault to the controller
	stopOnce  sync.Once  // teardown runs once, from Stop or Close, fault or not

	observerLock sync.Mutex
	observers    []chan TimestampedBlock
}

// NewContinuousIOChannel validates cfg, allocates hardware resources via
// provider, and returns a channel in the Configured state. The transfer
// buffer is sized BufferDepth x BlockLength x nchan so one callback's
// worth of scheduling jitter never collides producer and consumer on the
// same memory.
func NewContinuousIOChannel(cfg ChannelConfig, provider DeviceProvider) (*ContinuousIOChannel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ch := &ContinuousIOChannel{
		config: cfg,
		fanout: NewRecorderFanout(),
		faults: make(chan error, 1),
	}
	if cfg.Direction == Output {
		ch.source = NewHotSwapSource(cfg.BlockLength, cfg.Nchan())
	} else {
		ch.buffer = NewSampleBlock(cfg.BlockLength, cfg.Nchan())
	}
	task, err := provider.OpenTask(cfg, ch.onBlockEvent)
	if err != nil {
		return nil, err
	}
	ch.task = task
	return ch, nil
}

// Config returns the channel's immutable configuration.
func (ch *ContinuousIOChannel) Config() ChannelConfig { return ch.config }

// State returns the lifecycle state in a race-free fashion.
func (ch *ContinuousIOChannel) State() ChannelState {
	ch.stateLock.Lock()
	defer ch.stateLock.Unlock()
	return ch.state
}

// Faults delivers the first TransferFault observed on this channel. The
// controller tears down the phase-locked pair when either side faults.
func (ch *ContinuousIOChannel) Faults() <-chan error { return ch.faults }

// SetProducer installs a new playback producer. Safe at any time from the
// control context; the swap is atomic with respect to block production.
func (ch *ContinuousIOChannel) SetProducer(p Producer) error {
	if ch.source == nil {
		return fmt.Errorf("cannot set a producer on an %s channel", ch.config.Direction)
	}
	ch.source.SetSource(p)
	return nil
}

// SetRecorders installs the recorder fanout. Must be called before Start.
func (ch *ContinuousIOChannel) SetRecorders(recorders ...Recorder) {
	ch.fanout = NewRecorderFanout(recorders...)
}

// Observe registers a local, non-hardware consumer (e.g. a live display)
// and returns its block channel. Delivery is best-effort: a slow observer
// misses blocks rather than ever stalling the callback.
func (ch *ContinuousIOChannel) Observe() <-chan TimestampedBlock {
	c := make(chan TimestampedBlock, 4)
	ch.observerLock.Lock()
	ch.observers = append(ch.observers, c)
	ch.observerLock.Unlock()
	return c
}

// Arm configures the task to wait on triggerSource and starts it, leaving
// the channel Armed: no transfer occurs until the trigger edge arrives.
// Output channels only.
func (ch *ContinuousIOChannel) Arm(triggerSource string) error {
	if ch.config.Direction != Output {
		return fmt.Errorf("only output channels arm on a trigger; %s is %s", ch.config.Description(), ch.config.Direction)
	}
	ch.stateLock.Lock()
	defer ch.stateLock.Unlock()
	if ch.state != Configured {
		return fmt.Errorf("cannot Arm a channel that is %v, not Configured", ch.state)
	}
	if err := ch.task.ConfigureStartTrigger(triggerSource); err != nil {
		return err
	}
	if err := ch.task.Start(); err != nil {
		return err
	}
	ch.state = Armed
	return nil
}

// Start begins the sample clock. An input channel goes straight from
// Configured to Running and emits its start trigger, releasing any armed
// partner on the same clock edge.
func (ch *ContinuousIOChannel) Start() error {
	ch.stateLock.Lock()
	defer ch.stateLock.Unlock()
	if ch.state != Configured {
		return fmt.Errorf("cannot Start a channel that is %v, not Configured", ch.state)
	}
	if err := ch.task.Start(); err != nil {
		return err
	}
	ch.state = Running
	return nil
}

// StartTriggerName exposes the task's trigger signal for pairing.
func (ch *ContinuousIOChannel) StartTriggerName() string {
	return ch.task.StartTriggerName()
}

// onBlockEvent is the per-callback body. It must complete within one
// block period or the hardware reports an overrun/underrun. The capture
// time is sampled first, before any transfer, to bound recorder skew.
func (ch *ContinuousIOChannel) onBlockEvent() {
	if ch.transitionOnCallback() != Running {
		return
	}
	captureTime := time.Now()

	var block SampleBlock
	switch ch.config.Direction {
	case Output:
		block = ch.source.NextBlock()
		if err := ch.task.Write(block); err != nil {
			ch.fail(err)
			return
		}
	case Input:
		if err := ch.task.Read(ch.buffer); err != nil {
			ch.fail(err)
			return
		}
		// Copy out of the transfer buffer: recorders and observers
		// retain blocks past this callback, and the hardware refills
		// the buffer on the next tick.
		block = ch.buffer.Copy()
	}

	tb := TimestampedBlock{Block: block, CaptureTime: captureTime}
	ch.fanout.Publish(tb)
	ch.notifyObservers(tb)
}

// transitionOnCallback moves Armed to Running (the first callback proves
// the trigger edge arrived) and reports the state the callback should act
// on. Callbacks arriving during Stopping or later are dropped.
func (ch *ContinuousIOChannel) transitionOnCallback() ChannelState {
	ch.stateLock.Lock()
	defer ch.stateLock.Unlock()
	if ch.state == Armed {
		ch.state = Running
	}
	return ch.state
}

func (ch *ContinuousIOChannel) notifyObservers(tb TimestampedBlock) {
	ch.observerLock.Lock()
	defer ch.observerLock.Unlock()
	for _, c := range ch.observers {
		select {
		case c <- tb:
		default: // observer too slow; it misses this block
		}
	}
}

// fail records the first transfer fault, moves the channel to Stopping,
// and notifies the controller. Later callbacks are no-ops.
func (ch *ContinuousIOChannel) fail(err error) {
	ch.faultOnce.Do(func() {
		fault := &TransferFault{Channel: ch.config.Description(), Err: err}
		ProblemLogger.Printf("%v", fault)
		ch.stateLock.Lock()
		if ch.state == Running || ch.state == Armed {
			ch.state = Stopping
		}
		ch.stateLock.Unlock()
		ch.faults <- fault
	})
}

// Stop halts the clock, finalizes the active producer (if any) and then
// the recorders, leaving the channel in Stopping. No new callbacks are
// accepted once Stop begins. The aggregated recorder errors are returned.
// A channel already Stopping after a transfer fault still needs its
// teardown, so Stop runs it in every pre-Closed state, exactly once.
func (ch *ContinuousIOChannel) Stop() error {
	ch.stateLock.Lock()
	if ch.state == Closed {
		ch.stateLock.Unlock()
		return nil
	}
	ch.state = Stopping
	ch.stateLock.Unlock()

	var err error
	ch.stopOnce.Do(func() { err = ch.teardown() })
	return err
}

// teardown stops the task, then finalizes producer and recorders. After
// task.Stop returns no callback is in flight, so finalization never races
// the transfer path.
func (ch *ContinuousIOChannel) teardown() error {
	if err := ch.task.Stop(); err != nil {
		ProblemLogger.Printf("stopping task on %s: %v", ch.config.Description(), err)
	}
	var errs []error
	if ch.source != nil {
		if err := ch.source.Finalize(); err != nil {
			errs = append(errs, fmt.Errorf("finalize producer: %w", err))
		}
	}
	if err := ch.fanout.Finalize(); err != nil {
		errs = append(errs, err)
	}
	ch.closeObservers()
	if len(errs) > 0 {
		return fmt.Errorf("stopping %s: %w", ch.config.Description(), errors.Join(errs...))
	}
	return nil
}

// Close releases the hardware task. Terminal; the channel cannot restart.
func (ch *ContinuousIOChannel) Close() error {
	ch.stateLock.Lock()
	if ch.state == Closed {
		ch.stateLock.Unlock()
		return nil
	}
	ch.state = Closed
	ch.stateLock.Unlock()
	ch.stopOnce.Do(func() {
		if err := ch.teardown(); err != nil {
			ProblemLogger.Printf("%v", err)
		}
	})
	return ch.task.Close()
}

func (ch *ContinuousIOChannel) closeObservers() {
	ch.observerLock.Lock()
	defer ch.observerLock.Unlock()
	for _, c := range ch.observers {
		close(c)
	}
	ch.observers = nil
}

func closeIfOpen(c chan struct{}) {
	select {
	case <-c:
	default:
		close(c)
	}
}
