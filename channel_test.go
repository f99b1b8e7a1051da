package daqstream

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureRecorder keeps every published block, optionally failing.
type captureRecorder struct {
	mu        sync.Mutex
	blocks    []TimestampedBlock
	failWith  error
	finalized bool
}

func (r *captureRecorder) Publish(tb TimestampedBlock) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return r.failWith
	}
	r.blocks = append(r.blocks, tb)
	return nil
}

func (r *captureRecorder) Finalize() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finalized = true
	return nil
}

func (r *captureRecorder) snapshot() []TimestampedBlock {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TimestampedBlock, len(r.blocks))
	copy(out, r.blocks)
	return out
}

func inputConfig(device string, blockLength int, rate float64) ChannelConfig {
	return ChannelConfig{
		Device:       device,
		Channels:     []string{"ai0"},
		Direction:    Input,
		Signal:       Analog,
		VoltageLimit: 10,
		SampleRate:   rate,
		BlockLength:  blockLength,
		BufferDepth:  4,
	}
}

func outputConfig(device string, blockLength int, rate float64) ChannelConfig {
	return ChannelConfig{
		Device:       device,
		Channels:     []string{"ao0"},
		Direction:    Output,
		Signal:       Analog,
		VoltageLimit: 10,
		SampleRate:   rate,
		BlockLength:  blockLength,
		BufferDepth:  2,
	}
}

func TestChannelConfigValidation(t *testing.T) {
	good := inputConfig("SimDev1", 50, 10000)
	require.NoError(t, good.Validate())

	for name, mutate := range map[string]func(*ChannelConfig){
		"empty device":   func(c *ChannelConfig) { c.Device = "" },
		"no channels":    func(c *ChannelConfig) { c.Channels = nil },
		"bad direction":  func(c *ChannelConfig) { c.Direction = Direction(7) },
		"bad signal":     func(c *ChannelConfig) { c.Signal = SignalKind(7) },
		"bad limit":      func(c *ChannelConfig) { c.VoltageLimit = 0 },
		"bad rate":       func(c *ChannelConfig) { c.SampleRate = 0 },
		"bad block":      func(c *ChannelConfig) { c.BlockLength = 0 },
		"single buffer":  func(c *ChannelConfig) { c.BufferDepth = 1 },
	} {
		cfg := good
		mutate(&cfg)
		err := cfg.Validate()
		require.Error(t, err, name)
		var ce ConfigError
		assert.True(t, errors.As(err, &ce), "%s: want ConfigError, got %T", name, err)
	}
}

// A channel with block_length=50 and sample_rate=10000 must run its
// callback at a cadence consistent with 5 ms per block.
func TestChannelCallbackCadence(t *testing.T) {
	dev := NewSimDevice("SimDev1")
	ch, err := NewContinuousIOChannel(inputConfig("SimDev1", 50, 10000), dev)
	require.NoError(t, err)
	rec := &captureRecorder{}
	ch.SetRecorders(rec)

	require.Equal(t, Configured, ch.State())
	require.NoError(t, ch.Start())
	require.Equal(t, Running, ch.State())

	const wait = 250 * time.Millisecond
	time.Sleep(wait)
	require.NoError(t, ch.Stop())
	require.NoError(t, ch.Close())
	require.Equal(t, Closed, ch.State())

	got := len(rec.snapshot())
	want := int(wait / (5 * time.Millisecond))
	assert.Greater(t, got, want/3, "callback cadence too slow: %d blocks in %v", got, wait)
	assert.Less(t, got, want*2, "callback cadence too fast: %d blocks in %v", got, wait)
	assert.True(t, rec.finalized)
}

// Output transfers silence until a producer is installed, and reflects a
// new producer within one block period of the swap.
func TestOutputSilenceThenNewSource(t *testing.T) {
	dev := NewSimDevice("SimDev1")
	ch, err := NewContinuousIOChannel(outputConfig("SimDev1", 50, 10000), dev)
	require.NoError(t, err)
	audit := &captureRecorder{}
	ch.SetRecorders(audit)
	require.NoError(t, ch.Start())

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, ch.SetProducer(&constProducer{value: 7, nchan: 1}))
	time.Sleep(60 * time.Millisecond)
	require.NoError(t, ch.Stop())
	require.NoError(t, ch.Close())

	blocks := audit.snapshot()
	require.NotEmpty(t, blocks)
	assert.Zero(t, blocks[0].Block.Data()[0], "first block before any producer must be silence")

	sawSeven := false
	swapped := -1
	for i, tb := range blocks {
		v := tb.Block.Data()[0]
		switch {
		case v == 0 && !sawSeven:
		case v == 7:
			if !sawSeven {
				swapped = i
			}
			sawSeven = true
		default:
			t.Fatalf("block %d has unexpected value %g", i, v)
		}
	}
	require.True(t, sawSeven, "new source never reached the output")
	assert.Greater(t, swapped, 0)
}

func TestChannelTransferFaultStopsChannel(t *testing.T) {
	dev := NewSimDevice("SimDev1")
	ch, err := NewContinuousIOChannel(inputConfig("SimDev1", 50, 10000), dev)
	require.NoError(t, err)
	require.NoError(t, ch.Start())

	bang := errors.New("buffer overrun")
	dev.FailNextTransfer(Input, bang)

	select {
	case err := <-ch.Faults():
		var tf *TransferFault
		require.True(t, errors.As(err, &tf), "want TransferFault, got %T", err)
		assert.ErrorIs(t, err, bang)
	case <-time.After(time.Second):
		t.Fatal("no fault delivered")
	}
	assert.Equal(t, Stopping, ch.State())
	require.NoError(t, ch.Stop())
	require.NoError(t, ch.Close())
}

func TestChannelObserversNeverBlockCallback(t *testing.T) {
	dev := NewSimDevice("SimDev1")
	ch, err := NewContinuousIOChannel(inputConfig("SimDev1", 10, 10000), dev)
	require.NoError(t, err)
	obs := ch.Observe() // never drained: must not stall the callback
	live := ch.Observe()
	require.NoError(t, ch.Start())

	select {
	case tb := <-live:
		assert.Equal(t, 10, tb.Block.Nframes())
		assert.False(t, tb.CaptureTime.IsZero())
	case <-time.After(time.Second):
		t.Fatal("no block observed")
	}
	require.NoError(t, ch.Stop())
	require.NoError(t, ch.Close())

	// Streams close on stop.
	for range obs {
	}
	_, open := <-live
	assert.False(t, open)
}

func TestArmRequiresOutputDirection(t *testing.T) {
	dev := NewSimDevice("SimDev1")
	ch, err := NewContinuousIOChannel(inputConfig("SimDev1", 50, 10000), dev)
	require.NoError(t, err)
	assert.Error(t, ch.Arm("SimDev1/ai/StartTrigger"))
	require.NoError(t, ch.Close())
}

func TestSetProducerRejectsInputDirection(t *testing.T) {
	dev := NewSimDevice("SimDev1")
	ch, err := NewContinuousIOChannel(inputConfig("SimDev1", 50, 10000), dev)
	require.NoError(t, err)
	assert.Error(t, ch.SetProducer(&constProducer{value: 1, nchan: 1}))
	require.NoError(t, ch.Close())
}
