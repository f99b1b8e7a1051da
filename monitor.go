package daqstream

import (
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// MonitorUpdate is the MONITOR message payload: per-block statistics of
// the most recent block seen by a live observer.
type MonitorUpdate struct {
	Channel     string
	Mean        float64
	RMS         float64
	PeakToPeak  float64
	Nframes     int
	CaptureTime time.Time
}

// BlockMonitor is a non-hardware consumer of a channel's block stream,
// the moral equivalent of the rig's live display. It reads from the
// channel's observer stream, so it can fall behind freely without ever
// touching the callback path, and publishes summary statistics to the
// client updater.
type BlockMonitor struct {
	label   string
	blocks  <-chan TimestampedBlock
	updates chan<- ClientUpdate

	// Every controls decimation: publish stats for one block in Every.
	Every int
}

// NewBlockMonitor attaches a monitor to ch's observer stream.
func NewBlockMonitor(ch *ContinuousIOChannel, updates chan<- ClientUpdate) *BlockMonitor {
	cfg := ch.Config()
	return &BlockMonitor{
		label:   cfg.Description(),
		blocks:  ch.Observe(),
		updates: updates,
		Every:   10,
	}
}

// Run consumes blocks until the observer stream closes (channel stop).
// Call in its own goroutine.
func (m *BlockMonitor) Run() {
	seen := 0
	for tb := range m.blocks {
		seen++
		if m.Every > 1 && seen%m.Every != 1 {
			continue
		}
		update := summarize(tb)
		update.Channel = m.label
		select {
		case m.updates <- ClientUpdate{tag: "MONITOR", state: update}:
		default: // stats are advisory; drop rather than queue up
		}
	}
}

func summarize(tb TimestampedBlock) MonitorUpdate {
	d := tb.Block.Data()
	var mean, rms, ptp float64
	if len(d) > 0 {
		mean = stat.Mean(d, nil)
		rms = math.Sqrt(floats.Dot(d, d) / float64(len(d)))
		ptp = floats.Max(d) - floats.Min(d)
	}
	return MonitorUpdate{
		Mean:        mean,
		RMS:         rms,
		PeakToPeak:  ptp,
		Nframes:     tb.Block.Nframes(),
		CaptureTime: tb.CaptureTime,
	}
}
