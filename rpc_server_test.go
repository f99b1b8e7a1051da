package daqstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStopClearsRunningFlag(t *testing.T) {
	flags := NewSharedSessionFlags()
	flags.SetRunning(true)
	s := &SessionControl{flags: flags, control: make(chan ControlMessage, 1)}
	var reply bool
	dummy := "dummy"
	require.NoError(t, s.Stop(&dummy, &reply))
	assert.True(t, reply)
	assert.False(t, flags.Running())
}

func TestPlaySineRejectsOverLimitAmplitude(t *testing.T) {
	s := &SessionControl{control: make(chan ControlMessage, 1)}
	var reply bool
	args := &SineStimulus{
		Frequency: 250, Amplitude: 12, SampleRate: 10000,
		DurationMS: 100, Nchan: 1, Limit: 10,
	}
	err := s.PlaySine(args, &reply)
	require.Error(t, err)
	assert.False(t, reply)
	assert.Empty(t, s.control) // nothing reaches the engine
}

func TestPlayPatternEnqueuesSource(t *testing.T) {
	control := make(chan ControlMessage, 1)
	s := &SessionControl{control: control}
	var reply bool
	args := &PatternStimulus{High: 5, Length: 200, Nchan: 1, Limit: 10}
	require.NoError(t, s.PlayPattern(args, &reply))
	assert.True(t, reply)

	msg := <-control
	src, ok := msg.(NewSourceMessage)
	require.True(t, ok)
	assert.NotNil(t, src.Producer)
}

// A wedged engine must surface as an RPC error, not a blocked handler.
func TestEnqueueNeverBlocks(t *testing.T) {
	control := make(chan ControlMessage, 1)
	s := &SessionControl{control: control}
	var reply bool
	args := &PatternStimulus{High: 5, Length: 200, Nchan: 1, Limit: 10}
	require.NoError(t, s.PlayPattern(args, &reply))
	err := s.PlayPattern(args, &reply)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "control queue is full")
}
