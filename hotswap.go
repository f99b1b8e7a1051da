package daqstream

import (
	"errors"
	"sync"
)

// HotSwapSource is the single mutable slot holding the active producer for
// an output channel, wrapped in a StreamReshaper. The controller context
// swaps producers; the callback context pulls blocks. The lock discipline
// guarantees that one NextBlock call never mixes samples from two
// producers, and that a swapped-out producer is not finalized while a call
// on it is still in flight.
type HotSwapSource struct {
	length int
	nchan  int

	mu     sync.RWMutex // write side: slot swap; read side: one block production
	active *StreamReshaper
	prod   Producer // the producer wrapped by active, kept for finalizing
	dry    bool     // active producer reported exhaustion; serve silence
}

// NewHotSwapSource returns a source with no producer installed. Until one
// arrives, NextBlock yields silence so the callback never stalls waiting
// for a controller decision.
func NewHotSwapSource(blockLength, nchan int) *HotSwapSource {
	return &HotSwapSource{length: blockLength, nchan: nchan}
}

// SetSource installs producer as the active source, wrapping it in a fresh
// StreamReshaper. Any in-flight NextBlock completes against the old
// producer first; the swap itself is a pointer exchange. A nil producer
// clears the slot back to silence.
func (h *HotSwapSource) SetSource(producer Producer) {
	var reshaper *StreamReshaper
	if producer != nil {
		reshaper = NewStreamReshaper(producer, h.length, h.nchan)
	}
	h.mu.Lock()
	h.active = reshaper
	h.prod = producer
	h.dry = false
	h.mu.Unlock()
}

// NextBlock returns the next fixed-size block from the active producer, or
// silence if none is installed or the producer has run dry. Exhaustion is
// not fatal on the playback path: the hardware clock keeps ticking, so the
// engine substitutes zeros rather than stalling. Any other producer error
// is logged and likewise papered over with silence.
//
// NextBlock has exactly one caller, the channel callback; it may run
// concurrently with SetSource but not with another NextBlock.
func (h *HotSwapSource) NextBlock() SampleBlock {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.active == nil || h.dry {
		return silenceBlock(h.length, h.nchan)
	}
	block, err := h.active.NextBlock()
	if err != nil {
		if !errors.Is(err, ErrSourceExhausted) {
			ProblemLogger.Printf("producer error, substituting silence: %v", err)
		}
		h.dry = true
		return silenceBlock(h.length, h.nchan)
	}
	return block
}

// Finalize flushes the active producer, if it has state to flush. Called
// during the channel's Stopping transition, after callbacks have ceased.
func (h *HotSwapSource) Finalize() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if f, ok := h.prod.(Finalizer); ok {
		return f.Finalize()
	}
	return nil
}
