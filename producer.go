package daqstream

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrSourceExhausted reports that a producer has no more blocks and none
// are pending. On the playback path this is not fatal: the engine
// substitutes silence. On the acquisition path, callers decide.
var ErrSourceExhausted = errors.New("sample source exhausted")

// Producer is any external source of sample blocks, e.g. a stimulus
// generator. NextBlock returns the next block in sequence; nframes is a
// hint for how many frames the caller wants, and producers are free to
// return blocks of any length with the correct channel count.
type Producer interface {
	NextBlock(nframes int) (SampleBlock, error)
}

// Finalizer is implemented by producers that hold state needing a flush
// before the channel referencing them shuts down.
type Finalizer interface {
	Finalize() error
}

// SineProducer plays a fixed-duration sinusoid, with optional leading and
// trailing silence. The full waveform is computed at construction so the
// callback path never allocates it.
type SineProducer struct {
	data SampleBlock
	pos  int // frames already emitted
}

// NewSineProducer builds a sinusoidal stimulus. Amplitude is validated
// against limit here, before any session starts, so an out-of-range
// stimulus can never reach the hardware.
func NewSineProducer(frequency, amplitude, phase, sampleRate float64, duration, preSilence, postSilence time.Duration, nchan int, limit float64) (*SineProducer, error) {
	if sampleRate <= 0 {
		return nil, ConfigError(fmt.Sprintf("sine stimulus: sample rate %g, want > 0", sampleRate))
	}
	if nchan < 1 {
		return nil, ConfigError(fmt.Sprintf("sine stimulus: %d channels, want >= 1", nchan))
	}
	if math.Abs(amplitude) > limit {
		return nil, ConfigError(fmt.Sprintf("sine stimulus: amplitude %g exceeds voltage limit %g", amplitude, limit))
	}
	npre := int(preSilence.Seconds() * sampleRate)
	npost := int(postSilence.Seconds() * sampleRate)
	ntone := int(duration.Seconds() * sampleRate)
	if ntone < 1 {
		return nil, ConfigError(fmt.Sprintf("sine stimulus: duration %v yields no samples at %g Hz", duration, sampleRate))
	}
	block := NewSampleBlock(npre+ntone+npost, nchan)
	d := block.Data()
	w := 2 * math.Pi * frequency / sampleRate
	for i := 0; i < ntone; i++ {
		v := amplitude * math.Sin(w*float64(i)+phase)
		for c := 0; c < nchan; c++ {
			d[(npre+i)*nchan+c] = v
		}
	}
	return &SineProducer{data: block}, nil
}

// NextBlock emits up to nframes frames of the precomputed waveform.
func (p *SineProducer) NextBlock(nframes int) (SampleBlock, error) {
	remaining := p.data.Nframes() - p.pos
	if remaining <= 0 {
		return SampleBlock{}, ErrSourceExhausted
	}
	if nframes < 1 || nframes > remaining {
		nframes = remaining
	}
	nchan := p.data.Nchan()
	out, _ := SampleBlockOf(p.data.Data()[p.pos*nchan:(p.pos+nframes)*nchan], nchan)
	p.pos += nframes
	return out, nil
}

// PatternProducer yields an endless alternation of all-zero and all-high
// blocks of a fixed length, useful for end-to-end rig checks where the
// alternation must be visible on the acquisition side.
type PatternProducer struct {
	low, high SampleBlock
	count     int
}

// NewPatternProducer builds an alternating low/high producer emitting
// blocks of nframes frames. The high level is validated against limit.
func NewPatternProducer(high float64, nframes, nchan int, limit float64) (*PatternProducer, error) {
	if nframes < 1 || nchan < 1 {
		return nil, ConfigError(fmt.Sprintf("pattern stimulus: block %d x %d, want both >= 1", nframes, nchan))
	}
	if math.Abs(high) > limit {
		return nil, ConfigError(fmt.Sprintf("pattern stimulus: level %g exceeds voltage limit %g", high, limit))
	}
	hi := NewSampleBlock(nframes, nchan)
	d := hi.Data()
	for i := range d {
		d[i] = high
	}
	return &PatternProducer{low: NewSampleBlock(nframes, nchan), high: hi}, nil
}

// NextBlock alternates low, high, low, high, ... forever.
func (p *PatternProducer) NextBlock(nframes int) (SampleBlock, error) {
	p.count++
	if p.count%2 == 1 {
		return p.low, nil
	}
	return p.high, nil
}

// PlaylistProducer plays a list of producers in order, moving to the next
// entry when one is exhausted. With Loop set it restarts the list via the
// rewind functions supplied at construction.
type PlaylistProducer struct {
	entries []func() (Producer, error) // each call yields a fresh producer
	current Producer
	index   int
	Loop    bool
}

// NewPlaylistProducer builds a playlist from producer factories. Factories
// rather than instances because producers are not rewindable; each pass
// through the list constructs fresh ones.
func NewPlaylistProducer(loop bool, entries ...func() (Producer, error)) (*PlaylistProducer, error) {
	if len(entries) == 0 {
		return nil, ConfigError("playlist stimulus: no entries")
	}
	return &PlaylistProducer{entries: entries, Loop: loop}, nil
}

// NextBlock pulls from the current entry, advancing on exhaustion.
func (p *PlaylistProducer) NextBlock(nframes int) (SampleBlock, error) {
	for {
		if p.current == nil {
			if p.index >= len(p.entries) {
				if !p.Loop {
					return SampleBlock{}, ErrSourceExhausted
				}
				p.index = 0
			}
			prod, err := p.entries[p.index]()
			if err != nil {
				return SampleBlock{}, err
			}
			p.current = prod
			p.index++
		}
		block, err := p.current.NextBlock(nframes)
		if errors.Is(err, ErrSourceExhausted) {
			p.current = nil
			continue
		}
		return block, err
	}
}
