package daqstream

import (
	"errors"
	"fmt"
)

// Recorder is any external sink of timestamped sample blocks: a file
// writer, a live display, a network publisher. Publish is called from the
// channel's callback context, so implementations must be quick or buffer
// internally. Finalize flushes and closes the sink.
type Recorder interface {
	Publish(TimestampedBlock) error
	Finalize() error
}

// RecorderFanout delivers each transferred block to an ordered set of
// recorders. A failing recorder never prevents delivery to the others:
// its error is logged, remembered, and surfaced exactly once when the
// channel stops.
type RecorderFanout struct {
	recorders []Recorder
	failures  []error // first Publish error per recorder, else nil
}

// NewRecorderFanout builds a fanout over recorders, delivered to in
// registration order.
func NewRecorderFanout(recorders ...Recorder) *RecorderFanout {
	return &RecorderFanout{
		recorders: recorders,
		failures:  make([]error, len(recorders)),
	}
}

// Publish delivers tb to every recorder in registration order. Only the
// first error from each recorder is kept, to be reported at Finalize.
func (f *RecorderFanout) Publish(tb TimestampedBlock) {
	for i, rec := range f.recorders {
		if err := rec.Publish(tb); err != nil {
			if f.failures[i] == nil {
				f.failures[i] = fmt.Errorf("recorder %d publish: %w", i, err)
				ProblemLogger.Printf("recorder %d failed, continuing without it: %v", i, err)
			}
		}
	}
}

// Finalize flushes and closes every recorder in registration order,
// aggregating errors rather than stopping at the first. Publish failures
// recorded during the session are included, once each.
func (f *RecorderFanout) Finalize() error {
	errs := make([]error, 0, len(f.recorders))
	for _, failure := range f.failures {
		if failure != nil {
			errs = append(errs, failure)
		}
	}
	for i, rec := range f.recorders {
		if err := rec.Finalize(); err != nil {
			errs = append(errs, fmt.Errorf("recorder %d finalize: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
