// Package publish serves the encoder output as MPEG-TS over SRT. Players
// connect as SRT callers; every access unit the Streamer delivers is muxed
// once and the resulting transport stream is fanned out to all of them in
// 1316-byte payloads (seven TS packets each).
package publish

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/zsiec/castkit/internal/codec"
	"github.com/zsiec/castkit/internal/encoder"
	"github.com/zsiec/castkit/internal/media"
	"github.com/zsiec/castkit/internal/mpegts"
	"github.com/zsiec/castkit/internal/stream"
)

// Defaults.
const (
	DefaultAddr      = ":6000"
	DefaultQueueSize = 512

	// ChunkSize is the SRT payload: 7 transport stream packets.
	ChunkSize = 7 * mpegts.PacketSize
)

var (
	// ErrUnsupportedCodec means no prepared stream can be carried in MPEG-TS.
	ErrUnsupportedCodec = errors.New("publish: no stream type for codec")
	// ErrNotPrepared is returned when units arrive outside Prepare/Release.
	ErrNotPrepared = errors.New("publish: not prepared")
)

// Config configures a Publisher.
type Config struct {
	// Addr is the SRT listen address.
	Addr string
	// StreamKey, when set, is the only stream id callers may request.
	StreamKey string
	// QueueSize is the per-subscriber chunk queue.
	QueueSize int
	// Stream, when set, is held open while at least one subscriber is
	// connected.
	Stream stream.Controller
}

// DefaultConfig returns the default publisher configuration.
func DefaultConfig() Config {
	return Config{Addr: DefaultAddr, QueueSize: DefaultQueueSize}
}

// Stats is a snapshot of publisher counters.
type Stats struct {
	Units       int64
	Dropped     int64
	Chunks      int64
	Bytes       int64
	Subscribers int
}

var (
	_ encoder.Sink       = (*Publisher)(nil)
	_ encoder.FormatSink = (*Publisher)(nil)
)

// Publisher is an encoder.Sink muxing units into MPEG-TS for SRT players.
type Publisher struct {
	cfg Config
	log *slog.Logger
	reg *Registry

	mu         sync.Mutex
	mux        *mpegts.Muxer
	out        *chunkWriter
	videoPID   uint16
	audioPID   uint16
	videoCodec codec.Codec
	audioCfg   codec.AudioConfig
	configUnit []byte
	scratch    []byte

	// demand serializes subscriber joins and leaves against cfg.Stream
	demand sync.Mutex

	units   atomic.Int64
	dropped atomic.Int64
	chunks  atomic.Int64
	bytes   atomic.Int64
}

// New creates a Publisher. If log is nil, slog.Default() is used.
func New(cfg Config, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	p := &Publisher{
		cfg: cfg,
		log: log.With("component", "srt-publish"),
		reg: NewRegistry(cfg.QueueSize),
	}
	p.out = &chunkWriter{size: ChunkSize, emit: p.emit}
	return p
}

// Registry returns the subscriber registry.
func (p *Publisher) Registry() *Registry { return p.reg }

// Stats returns a snapshot of the publisher counters.
func (p *Publisher) Stats() Stats {
	return Stats{
		Units:       p.units.Load(),
		Dropped:     p.dropped.Load(),
		Chunks:      p.chunks.Load(),
		Bytes:       p.bytes.Load(),
		Subscribers: p.reg.Len(),
	}
}

// Prepare implements encoder.Sink. It builds a fresh muxer with one PID per
// stream MPEG-TS can carry; Opus audio is left out.
func (p *Publisher) Prepare(video, audio *encoder.Params) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.out.reset()
	p.mux = nil
	mux := mpegts.NewMuxer(p.out)
	p.videoPID, p.audioPID = 0, 0

	if video != nil {
		switch video.Codec {
		case codec.H264:
			p.videoPID = mux.AddStream(mpegts.StreamTypeH264)
		case codec.H265:
			p.videoPID = mux.AddStream(mpegts.StreamTypeH265)
		default:
			p.log.Warn("video codec not carried", "codec", video.Codec)
		}
		p.videoCodec = video.Codec
	}
	if audio != nil {
		if audio.Codec == codec.AAC {
			p.audioPID = mux.AddStream(mpegts.StreamTypeAAC)
			p.audioCfg = audio.AudioConfig()
		} else {
			p.log.Warn("audio codec not carried", "codec", audio.Codec)
		}
	}
	if p.videoPID == 0 && p.audioPID == 0 {
		return fmt.Errorf("%w: video=%v audio=%v", ErrUnsupportedCodec, video != nil, audio != nil)
	}

	// the initial tables are a join point
	p.out.sync = true
	if err := mux.WriteTables(); err != nil {
		return fmt.Errorf("publish: write tables: %w", err)
	}
	p.mux = mux
	p.log.Info("prepared", "video_pid", p.videoPID, "audio_pid", p.audioPID)
	return nil
}

// WriteUnit implements encoder.Sink.
func (p *Publisher) WriteUnit(u media.Unit) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.writeLocked(u); err != nil {
		p.dropped.Add(1)
		p.log.Warn("unit dropped", "kind", u.Kind, "pts", u.PTS, "error", err)
		return
	}
	p.units.Add(1)
}

func (p *Publisher) writeLocked(u media.Unit) error {
	if p.mux == nil {
		return ErrNotPrepared
	}
	pts := mpegts.TicksFromMicros(u.PTS)

	switch u.Kind {
	case media.KindVideo:
		if p.videoPID == 0 {
			return nil
		}
		if u.Config {
			p.configUnit = append(p.configUnit[:0], u.Data...)
			return nil
		}
		data := u.Data
		if u.Keyframe {
			if len(p.configUnit) > 0 && !codec.ExtractParameterSets(p.videoCodec, data).Complete() {
				data = append(append(p.scratch[:0], p.configUnit...), data...)
				p.scratch = data
			}
			// a keyframe starts a new payload so players can join on it
			p.out.flush()
			p.out.sync = true
		}
		return p.mux.WritePES(p.videoPID, pts, data, u.Keyframe)

	case media.KindAudio:
		if p.audioPID == 0 {
			return nil
		}
		data := u.Data
		if !codec.IsADTS(data) {
			var err error
			if data, err = codec.AppendADTS(p.scratch[:0], p.audioCfg, u.Data); err != nil {
				return err
			}
			p.scratch = data
		}
		if p.videoPID == 0 {
			p.out.sync = true
		}
		return p.mux.WritePES(p.audioPID, pts, data, false)
	}
	return nil
}

// Release implements encoder.Sink. Buffered data is flushed and every
// subscriber is disconnected.
func (p *Publisher) Release() {
	p.mu.Lock()
	p.out.flush()
	p.mux = nil
	p.mu.Unlock()

	n := p.reg.Len()
	p.reg.CloseAll()
	p.log.Info("released", "subscribers_closed", n, "units", p.units.Load(), "dropped", p.dropped.Load())
}

// FormatChanged implements encoder.FormatSink, caching the video parameter
// sets for keyframes that arrive without them.
func (p *Publisher) FormatChanged(kind media.Kind, f encoder.Format) {
	if kind != media.KindVideo || !f.ParameterSets.Complete() {
		return
	}
	p.mu.Lock()
	p.configUnit = f.ParameterSets.ConfigUnit()
	p.mu.Unlock()
}

func (p *Publisher) emit(chunk []byte, sync bool) {
	p.chunks.Add(1)
	p.bytes.Add(int64(len(chunk)))
	p.reg.Broadcast(chunk, sync)
}

// chunkWriter cuts the muxer output into SRT payloads. Every emitted chunk
// is a fresh slice owned by the subscribers.
type chunkWriter struct {
	size int
	buf  []byte
	// sync marks the next emitted chunk as a join point
	sync bool
	emit func(chunk []byte, sync bool)
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for len(w.buf) >= w.size {
		w.send(bytes.Clone(w.buf[:w.size]))
		n := copy(w.buf, w.buf[w.size:])
		w.buf = w.buf[:n]
	}
	return len(p), nil
}

func (w *chunkWriter) flush() {
	if len(w.buf) == 0 {
		return
	}
	w.send(bytes.Clone(w.buf))
	w.buf = w.buf[:0]
}

func (w *chunkWriter) send(chunk []byte) {
	w.emit(chunk, w.sync)
	w.sync = false
}

func (w *chunkWriter) reset() {
	w.buf = w.buf[:0]
	w.sync = false
}
