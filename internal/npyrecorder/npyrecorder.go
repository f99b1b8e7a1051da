// Package npyrecorder is a Recorder that appends acquired sample blocks
// to NumPy .npy files: one file of float64 sample rows and one of int64
// capture times (Unix nanoseconds, one per block), enough for offline
// analysis to reconstruct block timing against the tracker's frames.
//
// The .npy header is written with a placeholder shape and rewritten in
// place at Finalize, so the file is append-only while a session runs.
package npyrecorder

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/flyrig/daqstream"
)

// headerSize is the fixed byte length of the .npy preamble we emit:
// 6 magic + 2 version + 2 header-length + 118 padded dict.
const headerSize = 128

// Recorder writes one session's acquired data. Not safe for concurrent
// use; the channel callback is its only caller until Finalize.
type Recorder struct {
	dataFile  *os.File
	timesFile *os.File
	dataW     *bufio.Writer
	timesW    *bufio.Writer
	nchan     int
	nframes   int // total frames appended to the data file
	nblocks   int
	rowbuf    []byte
	closed    bool
}

// New creates basePath_data.npy and basePath_times.npy for a stream of
// nchan channels.
func New(basePath string, nchan int) (*Recorder, error) {
	if nchan < 1 {
		return nil, fmt.Errorf("npyrecorder: nchan=%d, want >= 1", nchan)
	}
	dataFile, err := os.OpenFile(basePath+"_data.npy", os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0664)
	if err != nil {
		return nil, err
	}
	timesFile, err := os.OpenFile(basePath+"_times.npy", os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0664)
	if err != nil {
		dataFile.Close()
		return nil, err
	}
	r := &Recorder{
		dataFile:  dataFile,
		timesFile: timesFile,
		dataW:     bufio.NewWriter(dataFile),
		timesW:    bufio.NewWriter(timesFile),
		nchan:     nchan,
	}
	if _, err := r.dataW.Write(npyHeader("<f8", 0, nchan)); err != nil {
		r.closeFiles()
		return nil, err
	}
	if _, err := r.timesW.Write(npyHeader("<i8", 0, -1)); err != nil {
		r.closeFiles()
		return nil, err
	}
	return r, nil
}

// Publish appends one block's samples and its capture time.
func (r *Recorder) Publish(tb daqstream.TimestampedBlock) error {
	if r.closed {
		return fmt.Errorf("npyrecorder: publish after finalize")
	}
	if tb.Block.Nchan() != r.nchan {
		return fmt.Errorf("npyrecorder: block has %d channels, want %d", tb.Block.Nchan(), r.nchan)
	}
	data := tb.Block.Data()
	need := len(data) * 8
	if cap(r.rowbuf) < need {
		r.rowbuf = make([]byte, need)
	}
	buf := r.rowbuf[:need]
	for i, v := range data {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	if _, err := r.dataW.Write(buf); err != nil {
		return err
	}
	var tbuf [8]byte
	binary.LittleEndian.PutUint64(tbuf[:], uint64(tb.CaptureTime.UnixNano()))
	if _, err := r.timesW.Write(tbuf[:]); err != nil {
		return err
	}
	r.nframes += tb.Block.Nframes()
	r.nblocks++
	return nil
}

// Finalize flushes both files, rewrites their headers with the final
// shapes, and closes them.
func (r *Recorder) Finalize() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if err := r.dataW.Flush(); err != nil {
		r.closeFiles()
		return err
	}
	if err := r.timesW.Flush(); err != nil {
		r.closeFiles()
		return err
	}
	if _, err := r.dataFile.WriteAt(npyHeader("<f8", r.nframes, r.nchan), 0); err != nil {
		r.closeFiles()
		return err
	}
	if _, err := r.timesFile.WriteAt(npyHeader("<i8", r.nblocks, -1), 0); err != nil {
		r.closeFiles()
		return err
	}
	return r.closeFiles()
}

func (r *Recorder) closeFiles() error {
	err1 := r.dataFile.Close()
	err2 := r.timesFile.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// npyHeader builds a fixed-size NPY format 1.0 preamble. A negative ncol
// yields a one-dimensional shape "(n,)".
func npyHeader(descr string, n, ncol int) []byte {
	var shape string
	if ncol < 0 {
		shape = fmt.Sprintf("(%d,)", n)
	} else {
		shape = fmt.Sprintf("(%d, %d)", n, ncol)
	}
	dict := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': %s, }", descr, shape)
	out := make([]byte, headerSize)
	copy(out, "\x93NUMPY\x01\x00")
	binary.LittleEndian.PutUint16(out[8:], uint16(headerSize-10))
	for i := 10; i < headerSize-1; i++ {
		out[i] = ' '
	}
	copy(out[10:], dict)
	out[headerSize-1] = '\n'
	return out
}
