package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/castkit/internal/codec"
	"github.com/zsiec/castkit/internal/media"
)

// Buffer flags shared by input and output buffers.
const (
	FlagKeyframe uint32 = 1 << iota
	FlagCodecConfig
	FlagEndOfStream
)

const (
	// drainTimeout bounds the wait for the end-of-stream output once input
	// has ended.
	drainTimeout = 500 * time.Millisecond
	// pollInterval is the output dequeue wait while draining.
	pollInterval = 10 * time.Millisecond
	// maxRenderWait is the largest PTS lead honoured by pacing. A larger
	// lead, or a frame later than this, rebases the render clock.
	maxRenderWait = 500 * time.Millisecond
)

// Format describes the video stream a decoder is configured for. Width and
// Height are zero when the SPS could not be parsed.
type Format struct {
	Codec         codec.Codec
	Width         int
	Height        int
	ParameterSets codec.ParameterSets
}

// RenderSink is the opaque display target decoded frames are released to.
type RenderSink interface {
	SizeChanged(width, height int)
}

// OutputBuffer is one decoded frame held by the hardware decoder.
type OutputBuffer struct {
	Index int
	PTS   int64
	Flags uint32
}

// HardwareDecoder is the platform video decoder. QueueInput copies data
// into a decoder input buffer; DequeueOutput waits up to timeout for a
// decoded frame and reports false when none is ready.
type HardwareDecoder interface {
	Configure(f Format, render RenderSink) error
	QueueInput(data []byte, pts int64, flags uint32) error
	DequeueOutput(timeout time.Duration) (OutputBuffer, bool, error)
	ReleaseOutput(buf OutputBuffer, render bool) error
	Close() error
}

var errEndOfStream = errors.New("playback: end of stream")

// decode is the decode worker. It owns the hardware decoder for the
// lifetime of one Play call.
func (p *Pipeline) decode(ctx context.Context, s *session) error {
	var vd *videoDecoder
	defer func() {
		if vd != nil {
			vd.close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-s.frames:
			if !ok {
				if vd == nil {
					return nil
				}
				return vd.finish(ctx)
			}
			err := p.decodeFrame(ctx, s, &vd, f)
			p.pool.Release(f)
			if errors.Is(err, errEndOfStream) {
				p.log.Info("decoder reached end of stream")
				return nil
			}
			if err != nil {
				return err
			}
		}
	}
}

func (p *Pipeline) decodeFrame(ctx context.Context, s *session, vd **videoDecoder, f *media.Frame) error {
	if *vd == nil {
		if p.cfg.NewDecoder == nil {
			return nil
		}
		hw, err := p.cfg.NewDecoder(s.videoCodec)
		if err != nil {
			return fmt.Errorf("%w: create %s decoder: %w", ErrDecoder, s.videoCodec, err)
		}
		*vd = &videoDecoder{
			log:      p.log,
			hw:       hw,
			render:   p.cfg.Render,
			params:   codec.ParameterSets{Codec: s.videoCodec},
			pace:     p.cfg.Pace,
			rendered: &p.rendered,
		}
	}
	return (*vd).feed(ctx, f.Bytes(), f.PTS, f.Flags)
}

// videoDecoder drives one HardwareDecoder: configuration from in-band
// parameter sets, input queueing, and paced output release.
type videoDecoder struct {
	log      *slog.Logger
	hw       HardwareDecoder
	render   RenderSink
	params   codec.ParameterSets
	pace     bool
	rendered *atomic.Int64

	configured bool
	clock      renderClock
}

func (d *videoDecoder) feed(ctx context.Context, data []byte, pts int64, flags uint32) error {
	if !d.configured {
		d.params.Update(data)
		if !d.params.Complete() {
			d.log.Debug("waiting for parameter sets", "pts", pts)
			return nil
		}
		if err := d.configure(pts); err != nil {
			return err
		}
	}
	if err := d.hw.QueueInput(data, pts, flags&FlagKeyframe); err != nil {
		return fmt.Errorf("%w: queue input: %w", ErrDecoder, err)
	}
	return d.drain(ctx, 0)
}

// configure sets the decoder up from the parameter sets and primes it with
// them as a codec config unit ahead of any picture data.
func (d *videoDecoder) configure(pts int64) error {
	f := Format{Codec: d.params.Codec, ParameterSets: d.params}
	w, h, err := d.params.VideoSize()
	if err != nil {
		d.log.Warn("parameter set parse failed", "codec", f.Codec, "error", err)
	} else {
		f.Width, f.Height = w, h
		if d.render != nil {
			d.render.SizeChanged(w, h)
		}
	}
	if err := d.hw.Configure(f, d.render); err != nil {
		return fmt.Errorf("%w: configure: %w", ErrDecoder, err)
	}
	if err := d.hw.QueueInput(d.params.ConfigUnit(), pts, FlagCodecConfig); err != nil {
		return fmt.Errorf("%w: queue codec config: %w", ErrDecoder, err)
	}
	d.configured = true
	d.log.Info("decoder configured", "codec", f.Codec, "width", f.Width, "height", f.Height)
	return nil
}

// drain releases every ready output. It returns errEndOfStream once the
// decoder flags the end of the stream.
func (d *videoDecoder) drain(ctx context.Context, timeout time.Duration) error {
	for {
		buf, ok, err := d.hw.DequeueOutput(timeout)
		if err != nil {
			return fmt.Errorf("%w: dequeue output: %w", ErrDecoder, err)
		}
		if !ok {
			return nil
		}
		if buf.Flags&FlagEndOfStream != 0 {
			if err := d.hw.ReleaseOutput(buf, false); err != nil {
				return fmt.Errorf("%w: release output: %w", ErrDecoder, err)
			}
			return errEndOfStream
		}
		if d.pace {
			if wait := d.clock.wait(buf.PTS, time.Now()); wait > 0 {
				if !sleep(ctx, wait) {
					return nil
				}
			}
		}
		if err := d.hw.ReleaseOutput(buf, true); err != nil {
			return fmt.Errorf("%w: release output: %w", ErrDecoder, err)
		}
		d.rendered.Add(1)
	}
}

// finish signals end of input and waits a bounded time for the decoder to
// flush its remaining frames.
func (d *videoDecoder) finish(ctx context.Context) error {
	if !d.configured {
		return nil
	}
	if err := d.hw.QueueInput(nil, 0, FlagEndOfStream); err != nil {
		return fmt.Errorf("%w: queue end of stream: %w", ErrDecoder, err)
	}
	deadline := time.Now().Add(drainTimeout)
	for time.Now().Before(deadline) {
		err := d.drain(ctx, pollInterval)
		if errors.Is(err, errEndOfStream) {
			return nil
		}
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
	d.log.Warn("decoder drain timed out", "timeout", drainTimeout)
	return nil
}

func (d *videoDecoder) close() {
	if err := d.hw.Close(); err != nil {
		d.log.Warn("decoder close failed", "error", err)
	}
}

// renderClock maps PTS onto the wall clock, anchored at the first frame.
type renderClock struct {
	started bool
	base    time.Time
	basePTS int64
}

// wait returns how long to hold a frame with the given PTS.
func (c *renderClock) wait(pts int64, now time.Time) time.Duration {
	if !c.started {
		c.started, c.base, c.basePTS = true, now, pts
		return 0
	}
	due := c.base.Add(time.Duration(pts-c.basePTS) * time.Microsecond)
	d := due.Sub(now)
	if d > maxRenderWait || d < -maxRenderWait {
		c.base, c.basePTS = now, pts
		return 0
	}
	return max(d, 0)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
