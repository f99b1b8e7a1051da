package daqstream

import (
	"fmt"
	"time"
)

// Direction says whether a channel acquires data from hardware or plays
// data out to it.
type Direction int

// Names for the possible values of Direction
const (
	Input  Direction = iota // acquisition: hardware fills the transfer buffer
	Output                  // playback: the engine fills the hardware buffer
)

func (d Direction) String() string {
	switch d {
	case Input:
		return "input"
	case Output:
		return "output"
	}
	return fmt.Sprintf("Direction(%d)", int(d))
}

// SignalKind distinguishes analog voltage channels from digital lines.
// The two kinds share the engine and the sample type; they differ only in
// the transfer primitive and element width, which the device layer owns.
type SignalKind int

// Names for the possible values of SignalKind
const (
	Analog SignalKind = iota
	Digital
)

func (k SignalKind) String() string {
	switch k {
	case Analog:
		return "analog"
	case Digital:
		return "digital"
	}
	return fmt.Sprintf("SignalKind(%d)", int(k))
}

// SampleBlock is a dense array of samples with shape nframes x nchan,
// stored row-major (frame by frame). Analog samples are voltages; digital
// samples are 0/1 levels, quantized to bytes by the device layer.
type SampleBlock struct {
	data  []float64
	nchan int
}

// NewSampleBlock returns a zero-filled block of nframes frames by nchan
// channels.
func NewSampleBlock(nframes, nchan int) SampleBlock {
	return SampleBlock{data: make([]float64, nframes*nchan), nchan: nchan}
}

// SampleBlockOf wraps data (row-major, frame x channel) in a SampleBlock.
// The block aliases data; callers hand over ownership.
func SampleBlockOf(data []float64, nchan int) (SampleBlock, error) {
	if nchan < 1 {
		return SampleBlock{}, fmt.Errorf("SampleBlockOf: nchan=%d, want >= 1", nchan)
	}
	if len(data)%nchan != 0 {
		return SampleBlock{}, fmt.Errorf("SampleBlockOf: %d samples do not divide into %d channels", len(data), nchan)
	}
	return SampleBlock{data: data, nchan: nchan}, nil
}

// Nframes returns the number of frames (samples per channel) in the block.
func (b SampleBlock) Nframes() int {
	if b.nchan == 0 {
		return 0
	}
	return len(b.data) / b.nchan
}

// Nchan returns the number of channels in the block.
func (b SampleBlock) Nchan() int { return b.nchan }

// Data returns the backing slice. The slice is shared with the block;
// mutate only blocks you own.
func (b SampleBlock) Data() []float64 { return b.data }

// Copy returns a block backed by freshly allocated memory.
func (b SampleBlock) Copy() SampleBlock {
	d := make([]float64, len(b.data))
	copy(d, b.data)
	return SampleBlock{data: d, nchan: b.nchan}
}

// silenceBlock returns an all-zero block, the defined default whenever no
// producer is installed or a producer runs dry.
func silenceBlock(nframes, nchan int) SampleBlock {
	return NewSampleBlock(nframes, nchan)
}

// TimestampedBlock pairs a transferred block with its capture time. The
// time is sampled once per callback, before the hardware transfer, to
// bound skew between recorders.
type TimestampedBlock struct {
	Block       SampleBlock
	CaptureTime time.Time
}
