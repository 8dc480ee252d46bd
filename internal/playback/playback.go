// Package playback receives an MPEG-TS stream over SRT and decodes it. The
// transport client reads fixed-size chunks into a push demuxer; video units
// travel through a FramePool to a decode worker that drives a
// HardwareDecoder and paces output by PTS, audio units go to an
// AudioDecoder, and closed captions carried in video SEI are decoded on the
// way.
package playback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/ccx"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/castkit/internal/codec"
	"github.com/zsiec/castkit/internal/media"
	"github.com/zsiec/castkit/internal/mpegts"
)

// Defaults.
const (
	DefaultReadSize    = 1500
	DefaultDialTimeout = 10 * time.Second
)

var (
	// ErrDecoder wraps failures reported by the hardware decoder.
	ErrDecoder = errors.New("playback: hardware decoder failed")
	// ErrDisconnected is returned when the transport fails mid-stream.
	ErrDisconnected = errors.New("playback: transport disconnected")
	// ErrDialTimeout is returned when the SRT handshake does not complete.
	ErrDialTimeout = errors.New("playback: dial timed out")
)

// Config configures a Pipeline.
type Config struct {
	// Addr is the SRT listener to call (host:port).
	Addr string
	// StreamID is sent in the SRT handshake.
	StreamID string
	// ReadSize is the transport read size.
	ReadSize    int
	DialTimeout time.Duration

	// PoolSize and FrameSize size the demux to decoder frame pool.
	PoolSize  int
	FrameSize int

	// Pace holds each decoded frame until its PTS is due on the wall clock.
	Pace bool

	// NewDecoder creates the hardware decoder for the video codec found in
	// the stream. Without it video is demuxed and counted but not decoded.
	NewDecoder func(codec.Codec) (HardwareDecoder, error)
	Render     RenderSink
	Captions   CaptionSink
	Audio      AudioSink

	// OnError is called once with the error that ended playback.
	OnError func(error)
}

// DefaultConfig returns the default playback configuration.
func DefaultConfig() Config {
	return Config{
		ReadSize:    DefaultReadSize,
		DialTimeout: DefaultDialTimeout,
		PoolSize:    media.DefaultPoolSize,
		FrameSize:   media.DefaultFrameSize,
		Pace:        true,
	}
}

// CaptionSink receives decoded CEA-608 (channels 1-4) and CEA-708
// (channels 7-12) caption updates.
type CaptionSink interface {
	Caption(*ccx.CaptionFrame)
}

// Stats is a snapshot of pipeline counters.
type Stats struct {
	Bytes      int64
	Chunks     int64
	VideoUnits int64
	AudioUnits int64
	Dropped    int64
	Captions   int64
	Rendered   int64

	ContinuityErrors int64
	Pool             media.PoolStats
}

// Pipeline is one playback session.
type Pipeline struct {
	cfg  Config
	log  *slog.Logger
	pool *media.FramePool

	bytes      atomic.Int64
	chunks     atomic.Int64
	videoUnits atomic.Int64
	audioUnits atomic.Int64
	dropped    atomic.Int64
	captions   atomic.Int64
	rendered   atomic.Int64
	ccErrors   atomic.Int64
}

// New creates a Pipeline. If log is nil, slog.Default() is used.
func New(cfg Config, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	if cfg.ReadSize <= 0 {
		cfg.ReadSize = DefaultReadSize
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = media.DefaultPoolSize
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = media.DefaultFrameSize
	}
	return &Pipeline{
		cfg:  cfg,
		log:  log.With("component", "playback"),
		pool: media.NewFramePool(cfg.PoolSize, cfg.FrameSize),
	}
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Bytes:            p.bytes.Load(),
		Chunks:           p.chunks.Load(),
		VideoUnits:       p.videoUnits.Load(),
		AudioUnits:       p.audioUnits.Load(),
		Dropped:          p.dropped.Load(),
		Captions:         p.captions.Load(),
		Rendered:         p.rendered.Load(),
		ContinuityErrors: p.ccErrors.Load(),
		Pool:             p.pool.Stats(),
	}
}

// Run calls the configured SRT listener and plays the stream until it ends,
// the decoder fails or ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	conn, err := dial(ctx, p.cfg.Addr, p.cfg.StreamID, p.cfg.DialTimeout)
	if err != nil {
		p.report(err)
		return err
	}
	p.log.Info("connected", "addr", p.cfg.Addr, "stream_id", p.cfg.StreamID)
	return p.Play(ctx, conn)
}

// Play decodes the transport stream read from r. A reader that is also an
// io.Closer is closed when playback stops. End of input drains the decoder
// and returns nil; cancellation of ctx also returns nil.
func (p *Pipeline) Play(ctx context.Context, r io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if c, ok := r.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { c.Close() })
		defer stop()
		defer c.Close()
	}

	s := &session{
		p:        p,
		frames:   make(chan *media.Frame, media.VideoQueueSize),
		captions: newCaptionDecoder(p.cfg.Captions, &p.captions),
	}
	s.demux = mpegts.NewDemuxer(s.handle)

	g, gctx := errgroup.WithContext(ctx)
	s.ctx = gctx
	g.Go(func() error {
		defer close(s.frames)
		return p.read(gctx, r, s)
	})
	g.Go(func() error {
		// a decoder that finished early stops the reader too
		defer cancel()
		return p.decode(gctx, s)
	})

	err := g.Wait()
	p.ccErrors.Store(s.demux.Stats().ContinuityErrors)
	st := p.Stats()
	p.log.Info("playback stopped", "bytes", st.Bytes, "video_units", st.VideoUnits,
		"audio_units", st.AudioUnits, "rendered", st.Rendered, "dropped", st.Dropped)
	if err != nil {
		p.report(err)
	}
	return err
}

func (p *Pipeline) report(err error) {
	p.log.Error("playback failed", "error", err)
	if p.cfg.OnError != nil {
		p.cfg.OnError(err)
	}
}

// read is the transport loop: fixed-size reads fed to the demuxer until
// EOF, a read error or cancellation.
func (p *Pipeline) read(ctx context.Context, r io.Reader, s *session) error {
	buf := make([]byte, p.cfg.ReadSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			p.bytes.Add(int64(n))
			p.chunks.Add(1)
			if _, werr := s.demux.Write(buf[:n]); werr != nil {
				p.log.Warn("demux error", "error", werr)
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			continue
		}
		s.demux.Flush()
		if errors.Is(err, io.EOF) {
			p.log.Info("end of stream")
			return nil
		}
		return fmt.Errorf("%w: %w", ErrDisconnected, err)
	}
}

// session is the state shared by one Play call's demux and decode
// goroutines. Fields other than frames are only touched by the demux
// goroutine until the first frame is sent.
type session struct {
	p        *Pipeline
	ctx      context.Context
	demux    *mpegts.Demuxer
	frames   chan *media.Frame
	captions *captionDecoder

	videoCodec codec.Codec
	audio      AudioDecoder
	warned     map[uint8]bool
}

const (
	streamTypePrivate = 0x06
	streamIDPrivate1  = 0xBD
)

func (s *session) handle(dd *mpegts.DemuxerData) {
	pes := dd.PES
	if pes == nil || pes.Header == nil {
		return
	}
	var pts int64
	if cr, ok := pes.PTS(); ok {
		pts = cr.Microseconds()
	}
	id := pes.Header.StreamID
	switch {
	case id >= mpegts.StreamIDVideo && id <= 0xEF:
		s.onVideo(pes.StreamType, pes.Data, pts)
	case id >= mpegts.StreamIDAudio && id <= 0xDF,
		id == streamIDPrivate1 && pes.StreamType == streamTypePrivate:
		s.onAudio(pes.StreamType, pes.Data, pts)
	}
}

func (s *session) onVideo(streamType uint8, data []byte, pts int64) {
	p := s.p
	c, ok := videoCodec(streamType)
	if !ok {
		s.unsupported(streamType)
		p.dropped.Add(1)
		return
	}
	if s.videoCodec == codec.Unknown {
		s.videoCodec = c
		p.log.Info("video stream", "codec", c)
	} else if c != s.videoCodec {
		p.log.Warn("video codec changed mid-stream", "from", s.videoCodec, "to", c)
		p.dropped.Add(1)
		return
	}
	p.videoUnits.Add(1)

	keyframe := false
	for _, nal := range codec.Split(c, data) {
		if isSEI(c, nal.Type) {
			s.captions.handleSEI(c, nal.Data, pts)
		}
		if !keyframe {
			keyframe = c == codec.H265 && codec.IsHEVCKeyframe(nal.Type) ||
				c != codec.H265 && codec.IsKeyframe(nal.Type)
		}
	}
	s.captions.frameDone()

	f := p.pool.Acquire(data)
	if f == nil {
		p.dropped.Add(1)
		p.log.Debug("frame pool exhausted, unit dropped", "pts", pts)
		return
	}
	f.PTS = pts
	if keyframe {
		f.Flags |= FlagKeyframe
	}
	select {
	case s.frames <- f:
	case <-s.ctx.Done():
		p.pool.Release(f)
	}
}

func (s *session) onAudio(streamType uint8, data []byte, pts int64) {
	p := s.p
	if s.audio == nil {
		switch streamType {
		case mpegts.StreamTypeAAC:
			s.audio = AACPassthrough{}
		case streamTypePrivate:
			s.audio = NewOpusDecoder()
		default:
			s.unsupported(streamType)
			p.dropped.Add(1)
			return
		}
	}
	frames, err := s.audio.Decode(data, pts)
	if err != nil {
		p.dropped.Add(1)
		p.log.Warn("audio unit dropped", "pts", pts, "error", err)
		return
	}
	p.audioUnits.Add(1)
	if p.cfg.Audio == nil {
		return
	}
	for _, af := range frames {
		p.cfg.Audio.Audio(af)
	}
}

func (s *session) unsupported(streamType uint8) {
	if s.warned == nil {
		s.warned = make(map[uint8]bool)
	}
	if !s.warned[streamType] {
		s.warned[streamType] = true
		s.p.log.Warn("unsupported stream type", "stream_type", streamType)
	}
}

func videoCodec(streamType uint8) (codec.Codec, bool) {
	switch streamType {
	case mpegts.StreamTypeH264:
		return codec.H264, true
	case mpegts.StreamTypeH265:
		return codec.H265, true
	}
	return codec.Unknown, false
}

func isSEI(c codec.Codec, nalType byte) bool {
	if c == codec.H265 {
		return nalType == codec.HEVCNALSEIPrefix || nalType == codec.HEVCNALSEISuffix
	}
	return nalType == codec.NALTypeSEI
}
