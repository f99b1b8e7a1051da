package daqstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSampleBlockShapes(t *testing.T) {
	b := NewSampleBlock(8, 3)
	assert.Equal(t, 8, b.Nframes())
	assert.Equal(t, 3, b.Nchan())
	assert.Len(t, b.Data(), 24)

	_, err := SampleBlockOf([]float64{1, 2, 3}, 2)
	assert.Error(t, err)
	_, err = SampleBlockOf([]float64{1, 2, 3}, 0)
	assert.Error(t, err)

	ok, err := SampleBlockOf([]float64{1, 2, 3, 4}, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, ok.Nframes())
}

func TestSampleBlockCopyDoesNotAlias(t *testing.T) {
	b, err := SampleBlockOf([]float64{1, 2, 3, 4}, 2)
	require.NoError(t, err)
	c := b.Copy()
	c.Data()[0] = 99
	assert.Equal(t, 1.0, b.Data()[0])
}

func TestQuantizeDigital(t *testing.T) {
	b, err := SampleBlockOf([]float64{-1, 0, 0.4, 0.6, 5}, 1)
	require.NoError(t, err)
	quantizeDigital(b)
	assert.Equal(t, []float64{0, 0, 0, 1, 1}, b.Data())
}

func TestSharedSessionFlags(t *testing.T) {
	f := NewSharedSessionFlags()
	assert.False(t, f.Running())
	assert.False(t, f.DaqReady())
	assert.Zero(t, f.FrameCounter())
	f.SetRunning(true)
	f.SetDaqReady(true)
	f.SetFrameCounter(42)
	assert.True(t, f.Running())
	assert.True(t, f.DaqReady())
	assert.Equal(t, int64(42), f.FrameCounter())
}
