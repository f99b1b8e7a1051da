package daqstream

import "fmt"

// StreamReshaper adapts a producer of arbitrary-length blocks to the
// engine's fixed block length, preserving sample order and channel
// alignment. It retains at most one partially-filled output block between
// calls. A reshaper is bound to one producer for its lifetime; construct a
// new one per source.
type StreamReshaper struct {
	src     Producer
	nchan   int
	length  int     // target frames per output block
	pending []float64 // partially filled output, length x nchan
	filled  int     // frames already copied into pending
	carry   []float64 // unconsumed tail of the last producer block
}

// NewStreamReshaper wraps src so that every block it emits has exactly
// blockLength frames of nchan channels.
func NewStreamReshaper(src Producer, blockLength, nchan int) *StreamReshaper {
	return &StreamReshaper{
		src:     src,
		nchan:   nchan,
		length:  blockLength,
		pending: make([]float64, blockLength*nchan),
	}
}

// NextBlock returns the next fixed-size block. The returned block never
// aliases the reshaper's internal state: downstream consumers retain
// blocks beyond the next call, so the copy is mandatory, not an
// optimization. Returns ErrSourceExhausted once the producer is dry and
// no full block remains; a trailing partial block stays pending and is
// dropped with the reshaper, matching the upstream contract that
// exhaustion ends the stream.
func (r *StreamReshaper) NextBlock() (SampleBlock, error) {
	for r.filled < r.length {
		if len(r.carry) == 0 {
			block, err := r.src.NextBlock(r.length - r.filled)
			if err != nil {
				return SampleBlock{}, err
			}
			if block.Nchan() != r.nchan {
				return SampleBlock{}, fmt.Errorf("producer returned %d channels, want %d", block.Nchan(), r.nchan)
			}
			if block.Nframes() == 0 {
				continue
			}
			r.carry = block.Data()
		}
		want := (r.length - r.filled) * r.nchan
		n := copy(r.pending[r.filled*r.nchan:], r.carry[:min(want, len(r.carry))])
		r.carry = r.carry[n:]
		r.filled += n / r.nchan
	}

	out := make([]float64, len(r.pending))
	copy(out, r.pending)
	r.filled = 0
	block, _ := SampleBlockOf(out, r.nchan)
	return block, nil
}
