package playback

import (
	"errors"
	"io"
	"sync"
	"time"
)

// ErrDecoderClosed is returned by a DumpDecoder after Close.
var ErrDecoderClosed = errors.New("playback: decoder closed")

// DumpDecoder is a HardwareDecoder that writes the Annex B input stream to
// w and reports every picture as decoded immediately. It stands in for a
// platform decoder when recording a stream to disk.
type DumpDecoder struct {
	w io.Writer

	mu       sync.Mutex
	format   Format
	outputs  chan OutputBuffer
	next     int
	released int
	closed   bool
}

// NewDumpDecoder returns a DumpDecoder writing to w.
func NewDumpDecoder(w io.Writer) *DumpDecoder {
	return &DumpDecoder{w: w, outputs: make(chan OutputBuffer, 64)}
}

// Configure implements HardwareDecoder.
func (d *DumpDecoder) Configure(f Format, _ RenderSink) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDecoderClosed
	}
	d.format = f
	return nil
}

// Format returns the format from the last Configure call.
func (d *DumpDecoder) Format() Format {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.format
}

// QueueInput implements HardwareDecoder. Codec config units are written but
// produce no output.
func (d *DumpDecoder) QueueInput(data []byte, pts int64, flags uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDecoderClosed
	}
	if len(data) > 0 {
		if _, err := d.w.Write(data); err != nil {
			return err
		}
	}
	if flags&FlagCodecConfig != 0 {
		return nil
	}
	out := OutputBuffer{Index: d.next, PTS: pts, Flags: flags & FlagEndOfStream}
	d.next++
	select {
	case d.outputs <- out:
	default:
		// the output queue is full: the oldest picture is lost
		<-d.outputs
		d.outputs <- out
	}
	return nil
}

// DequeueOutput implements HardwareDecoder.
func (d *DumpDecoder) DequeueOutput(timeout time.Duration) (OutputBuffer, bool, error) {
	if timeout <= 0 {
		select {
		case b := <-d.outputs:
			return b, true, nil
		default:
			return OutputBuffer{}, false, nil
		}
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case b := <-d.outputs:
		return b, true, nil
	case <-t.C:
		return OutputBuffer{}, false, nil
	}
}

// ReleaseOutput implements HardwareDecoder.
func (d *DumpDecoder) ReleaseOutput(_ OutputBuffer, render bool) error {
	if render {
		d.mu.Lock()
		d.released++
		d.mu.Unlock()
	}
	return nil
}

// Rendered returns the number of outputs released for rendering.
func (d *DumpDecoder) Rendered() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.released
}

// Close implements HardwareDecoder.
func (d *DumpDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
