package daqstream

import (
	"fmt"
	"sync"
	"time"
)

// SimDevice is a software stand-in for a hardware timing device. It paces
// callbacks on wall-clock tickers at the configured cadence, implements
// the input-to-output start-trigger wiring, and loops played samples back
// to the acquisition side so a full session can run with no rig attached.
type SimDevice struct {
	name string

	mu    sync.Mutex
	tasks []*simTask
	armed []*simTask
	loop  []float64 // loopback FIFO of played frames, channel 0
}

// maximum frames buffered in the loopback FIFO before old data is shed
const simLoopbackDepth = 1 << 20

// NewSimDevice returns a simulated device with the given identifier.
func NewSimDevice(name string) *SimDevice {
	return &SimDevice{name: name}
}

// OpenTask implements DeviceProvider.
func (dev *SimDevice) OpenTask(cfg ChannelConfig, callback func()) (HardwareTask, error) {
	if cfg.Device != dev.name {
		return nil, ConfigError(fmt.Sprintf("device %q not found (this provider serves %q)", cfg.Device, dev.name))
	}
	period := time.Duration(float64(time.Second) * float64(cfg.BlockLength) / cfg.SampleRate)
	t := &simTask{
		dev:      dev,
		cfg:      cfg,
		callback: callback,
		period:   period,
		abort:    make(chan struct{}),
	}
	dev.mu.Lock()
	dev.tasks = append(dev.tasks, t)
	dev.mu.Unlock()
	return t, nil
}

// FailNextTransfer injects a transfer fault into the next Read or Write on
// the first open task with the given direction. Testing only.
func (dev *SimDevice) FailNextTransfer(direction Direction, err error) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	for _, t := range dev.tasks {
		if t.cfg.Direction == direction && !t.closed {
			t.mu.Lock()
			t.failErr = err
			t.mu.Unlock()
			return
		}
	}
}

// fireTrigger releases every armed task waiting on the named trigger, so
// they begin ticking on the same edge as the task that emitted it.
func (dev *SimDevice) fireTrigger(name string) {
	dev.mu.Lock()
	var release []*simTask
	remaining := dev.armed[:0]
	for _, t := range dev.armed {
		if t.trigger == name {
			release = append(release, t)
		} else {
			remaining = append(remaining, t)
		}
	}
	dev.armed = remaining
	dev.mu.Unlock()
	for _, t := range release {
		t.startClock()
	}
}

// pushLoopback appends one block's channel-0 frames to the loopback FIFO.
func (dev *SimDevice) pushLoopback(block SampleBlock) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	d := block.Data()
	nchan := block.Nchan()
	for i := 0; i < block.Nframes(); i++ {
		dev.loop = append(dev.loop, d[i*nchan])
	}
	if excess := len(dev.loop) - simLoopbackDepth; excess > 0 {
		dev.loop = dev.loop[excess:]
	}
}

// popLoopback fills block from the loopback FIFO, replicating each frame
// value across the block's channels and zero-filling when the FIFO runs
// short (an idle output line reads as ground).
func (dev *SimDevice) popLoopback(block SampleBlock) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	d := block.Data()
	nchan := block.Nchan()
	n := min(block.Nframes(), len(dev.loop))
	for i := 0; i < n; i++ {
		for c := 0; c < nchan; c++ {
			d[i*nchan+c] = dev.loop[i]
		}
	}
	dev.loop = dev.loop[n:]
	for i := n * nchan; i < len(d); i++ {
		d[i] = 0
	}
}

// simTask is one simulated hardware task. Callbacks are delivered from a
// dedicated goroutine ticking at the task's block cadence.
type simTask struct {
	dev      *SimDevice
	cfg      ChannelConfig
	callback func()
	period   time.Duration
	trigger  string

	abort   chan struct{}
	running sync.WaitGroup

	mu      sync.Mutex
	ticking bool
	closed  bool
	failErr error
}

func (t *simTask) StartTriggerName() string {
	prefix := "ai"
	if t.cfg.Direction == Output {
		prefix = "ao"
	}
	return fmt.Sprintf("%s/%s/StartTrigger", t.dev.name, prefix)
}

func (t *simTask) ConfigureStartTrigger(source string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ticking {
		return fmt.Errorf("cannot configure start trigger on a started task")
	}
	t.trigger = source
	return nil
}

// Start begins the sample clock immediately, or arms the task if a start
// trigger was configured. A task that starts its own clock fires its
// start trigger first, so armed partners share the same clock edge.
func (t *simTask) Start() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("task on %s is closed", t.cfg.Description())
	}
	trigger := t.trigger
	t.mu.Unlock()

	if trigger != "" {
		t.dev.mu.Lock()
		t.dev.armed = append(t.dev.armed, t)
		t.dev.mu.Unlock()
		return nil
	}
	t.dev.fireTrigger(t.StartTriggerName())
	t.startClock()
	return nil
}

func (t *simTask) startClock() {
	t.mu.Lock()
	if t.ticking || t.closed {
		t.mu.Unlock()
		return
	}
	t.ticking = true
	t.mu.Unlock()

	t.running.Add(1)
	go func() {
		defer t.running.Done()
		ticker := time.NewTicker(t.period)
		defer ticker.Stop()
		for {
			select {
			case <-t.abort:
				return
			case <-ticker.C:
				t.callback()
			}
		}
	}()
}

// Stop halts the clock and waits for the callback goroutine, so no
// callback fires after Stop returns.
func (t *simTask) Stop() error {
	t.mu.Lock()
	wasTicking := t.ticking
	t.ticking = false
	t.mu.Unlock()

	t.dev.mu.Lock()
	for i, a := range t.dev.armed {
		if a == t {
			t.dev.armed = append(t.dev.armed[:i], t.dev.armed[i+1:]...)
			break
		}
	}
	t.dev.mu.Unlock()

	if wasTicking {
		closeIfOpen(t.abort)
		t.running.Wait()
	}
	return nil
}

func (t *simTask) Close() error {
	if err := t.Stop(); err != nil {
		return err
	}
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *simTask) takeFault() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	err := t.failErr
	t.failErr = nil
	return err
}

func (t *simTask) Write(block SampleBlock) error {
	if t.cfg.Direction != Input {
		if err := t.takeFault(); err != nil {
			return err
		}
		if t.cfg.Signal == Digital {
			quantizeDigital(block)
		}
		t.dev.pushLoopback(block)
		return nil
	}
	return fmt.Errorf("cannot Write on an input task")
}

func (t *simTask) Read(block SampleBlock) error {
	if t.cfg.Direction != Output {
		if err := t.takeFault(); err != nil {
			return err
		}
		t.dev.popLoopback(block)
		return nil
	}
	return fmt.Errorf("cannot Read on an output task")
}

// quantizeDigital clamps samples to the 0/1 levels a digital line can
// carry, the simulated equivalent of the byte-wide transfer primitive.
func quantizeDigital(block SampleBlock) {
	d := block.Data()
	for i, v := range d {
		if v > 0.5 {
			d[i] = 1
		} else {
			d[i] = 0
		}
	}
}
