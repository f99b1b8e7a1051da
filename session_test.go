package daqstream

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bogusMessage struct{}

func (bogusMessage) controlMessage() {}

func testSessionOptions() SessionOptions {
	return SessionOptions{
		Device:            "SimDev1",
		InputChannels:     []string{"ai0"},
		OutputChannels:    []string{"ao0"},
		SampleRate:        10000,
		InputBlockLength:  500,
		OutputBlockLength: 50,
		VoltageLimit:      10,
		Signal:            Analog,
	}
}

func startController(t *testing.T, dev *SimDevice, rec *captureRecorder) (
	*SharedSessionFlags, chan ControlMessage, chan struct{}) {
	t.Helper()
	flags := NewSharedSessionFlags()
	flags.SetRunning(true)
	control := make(chan ControlMessage, 16)
	sc := NewSynchronizedSessionController(flags, dev, control, nil)
	sc.PollInterval = 10 * time.Millisecond
	if rec != nil {
		sc.NewRecorders = func(opts SessionOptions, sessionID string) ([]Recorder, error) {
			return []Recorder{rec}, nil
		}
	}
	done := make(chan struct{})
	go func() {
		sc.Run()
		close(done)
	}()
	return flags, control, done
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// Full loopback session: a pattern stimulus is played on the output,
// the paired input acquires it on the shared clock, and the acquired
// stream shows the stimulus with its phase intact.
func TestSessionLoopbackPlaybackAndAcquisition(t *testing.T) {
	dev := NewSimDevice("SimDev1")
	rec := &captureRecorder{}
	flags, control, done := startController(t, dev, rec)

	pattern, err := NewPatternProducer(5.0, 200, 1, 10.0)
	require.NoError(t, err)
	// A source sent before the session starts is cached and installed at
	// session start, so playback begins with the very first block.
	control <- NewSourceMessage{Producer: pattern}
	control <- bogusMessage{} // must be discarded, not kill the engine
	control <- StartSessionMessage{Options: testSessionOptions()}

	waitFor(t, "DaqReady", flags.DaqReady)
	waitFor(t, "acquired data", func() bool { return len(rec.snapshot()) >= 8 })

	flags.SetRunning(false)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("controller did not exit after Running cleared")
	}
	assert.False(t, flags.DaqReady())
	assert.True(t, rec.finalized)

	var acquired []float64
	for _, tb := range rec.snapshot() {
		require.Equal(t, 500, tb.Block.Nframes())
		assert.False(t, tb.CaptureTime.IsZero())
		acquired = append(acquired, tb.Block.Data()...)
	}

	// The pattern starts on its low phase, so acquisition starts at 0.
	assert.Zero(t, acquired[0])
	firstHigh := -1
	transitions := 0
	for i, v := range acquired {
		require.Contains(t, []float64{0, 5}, v, "sample %d", i)
		if v == 5 && firstHigh < 0 {
			firstHigh = i
		}
		if i > 0 && v != acquired[i-1] {
			transitions++
		}
	}
	require.GreaterOrEqual(t, firstHigh, 200, "high phase arrived early: shared start edge lost")
	assert.GreaterOrEqual(t, transitions, 3, "too few low/high transitions in %d samples", len(acquired))
}

// A transfer fault on either channel ends the session; the engine stays
// up and goes back to waiting for the next start request.
func TestSessionEndsOnTransferFault(t *testing.T) {
	dev := NewSimDevice("SimDev1")
	flags, control, done := startController(t, dev, nil)

	control <- StartSessionMessage{Options: testSessionOptions()}
	waitFor(t, "DaqReady", flags.DaqReady)

	dev.FailNextTransfer(Input, errors.New("samples lost"))
	waitFor(t, "session teardown", func() bool { return !flags.DaqReady() })

	// Engine is still alive: it accepts and runs another session.
	assert.True(t, flags.Running())
	control <- StartSessionMessage{Options: testSessionOptions()}
	waitFor(t, "second session", flags.DaqReady)

	flags.SetRunning(false)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("controller did not exit after Running cleared")
	}
}

// A source swap mid-session reaches the output without a restart.
func TestSessionHotSwapMidSession(t *testing.T) {
	dev := NewSimDevice("SimDev1")
	rec := &captureRecorder{}
	flags, control, done := startController(t, dev, rec)

	control <- StartSessionMessage{Options: testSessionOptions()}
	waitFor(t, "DaqReady", flags.DaqReady)
	waitFor(t, "silent lead-in", func() bool { return len(rec.snapshot()) >= 2 })

	control <- NewSourceMessage{Producer: &constProducer{value: 7, nchan: 1}}
	waitFor(t, "swapped source in acquisition", func() bool {
		for _, tb := range rec.snapshot() {
			for _, v := range tb.Block.Data() {
				if v == 7 {
					return true
				}
			}
		}
		return false
	})

	flags.SetRunning(false)
	<-done

	// Everything before the swap is the silent source.
	blocks := rec.snapshot()
	require.NotEmpty(t, blocks)
	for _, v := range blocks[0].Block.Data() {
		require.Zero(t, v)
	}
}

func TestControllerExitsWhenControlChannelCloses(t *testing.T) {
	dev := NewSimDevice("SimDev1")
	flags, control, done := startController(t, dev, nil)
	close(control)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("controller did not exit on closed control channel")
	}
	assert.False(t, flags.Running())
}
