package daqstream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarizeStatistics(t *testing.T) {
	b, err := SampleBlockOf([]float64{1, -1, 1, -1}, 1)
	require.NoError(t, err)
	u := summarize(TimestampedBlock{Block: b, CaptureTime: time.Unix(100, 0)})
	assert.Equal(t, 0.0, u.Mean)
	assert.Equal(t, 1.0, u.RMS)
	assert.Equal(t, 2.0, u.PeakToPeak)
	assert.Equal(t, 4, u.Nframes)
	assert.Equal(t, time.Unix(100, 0), u.CaptureTime)
}

func TestBlockMonitorDecimatesAndStops(t *testing.T) {
	blocks := make(chan TimestampedBlock)
	updates := make(chan ClientUpdate, 64)
	m := &BlockMonitor{label: "test ai0", blocks: blocks, updates: updates, Every: 10}
	done := make(chan struct{})
	go func() {
		m.Run()
		close(done)
	}()

	for i := 0; i < 25; i++ {
		blocks <- stampedBlock(1)
	}
	close(blocks)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not exit when its stream closed")
	}

	// Blocks 1, 11 and 21 of 25 pass the decimator.
	require.Len(t, updates, 3)
	u := (<-updates).state.(MonitorUpdate)
	assert.Equal(t, "test ai0", u.Channel)
	assert.Equal(t, 1.0, u.RMS)
}

func TestBlockMonitorReadsObserverStream(t *testing.T) {
	dev := NewSimDevice("SimDev1")
	ch, err := NewContinuousIOChannel(inputConfig("SimDev1", 10, 10000), dev)
	require.NoError(t, err)
	updates := make(chan ClientUpdate, 16)
	m := NewBlockMonitor(ch, updates)
	m.Every = 1
	go m.Run()

	require.NoError(t, ch.Start())
	select {
	case u := <-updates:
		assert.Equal(t, "MONITOR", u.tag)
		assert.Equal(t, 10, u.state.(MonitorUpdate).Nframes)
	case <-time.After(time.Second):
		t.Fatal("no monitor update published")
	}
	require.NoError(t, ch.Stop())
	require.NoError(t, ch.Close())
}
