package encoder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/castkit/internal/media"
)

// Default bounds on encoder transitions.
const (
	DefaultStartTimeout = 10 * time.Second
	DefaultStopTimeout  = 5 * time.Second
)

// StreamerConfig configures a Streamer. At least one of Video and Audio
// must be set.
type StreamerConfig struct {
	Video HardwareCodec
	Audio HardwareCodec
	Sink  Sink

	StartTimeout time.Duration
	StopTimeout  time.Duration

	// OnError receives codec failures. It is called from the codec's
	// goroutine. A runtime failure also stops the streamer, so the next
	// Start runs the full startup again.
	OnError func(error)
}

// Streamer pairs a video and an audio encoder with one Sink.
type Streamer struct {
	cfg   StreamerConfig
	log   *slog.Logger
	video *Encoder
	audio *Encoder

	mu      sync.Mutex
	running bool
	done    chan struct{}

	// run counts successful starts; errors from an older run are ignored.
	run atomic.Uint64
}

// NewStreamer creates a Streamer. If log is nil, slog.Default() is used.
func NewStreamer(cfg StreamerConfig, log *slog.Logger) *Streamer {
	if log == nil {
		log = slog.Default()
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultStartTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	s := &Streamer{
		cfg:  cfg,
		log:  log.With("component", "streamer"),
		done: make(chan struct{}),
	}
	close(s.done)
	if cfg.Video != nil {
		s.video = New("video", cfg.Video, s.hooks(media.KindVideo), log)
	}
	if cfg.Audio != nil {
		s.audio = New("audio", cfg.Audio, s.hooks(media.KindAudio), log)
	}
	return s
}

func (s *Streamer) hooks(kind media.Kind) Hooks {
	return Hooks{
		OnUnit: func(u media.Unit) {
			if s.cfg.Sink != nil {
				s.cfg.Sink.WriteUnit(u)
			}
		},
		OnFormat: func(f Format) {
			if fs, ok := s.cfg.Sink.(FormatSink); ok {
				fs.FormatChanged(kind, f)
			}
		},
		OnError: func(err error) {
			if s.cfg.OnError != nil {
				s.cfg.OnError(err)
			}
			go s.abort(s.run.Load(), err)
		},
	}
}

// Video returns the video encoder, or nil.
func (s *Streamer) Video() *Encoder { return s.video }

// Audio returns the audio encoder, or nil.
func (s *Streamer) Audio() *Encoder { return s.audio }

// Running reports whether Start succeeded and the streamer has not stopped
// since, either through Stop or after a codec failure.
func (s *Streamer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Done is closed when the streamer stops, including after a codec
// failure. Before the first Start it is already closed.
func (s *Streamer) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Start prepares the sink, starts video and waits for it to run, then
// starts audio. On failure everything already started is stopped, the sink
// is released, and the failures are returned joined. Start while running
// is a no-op.
func (s *Streamer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	if s.video == nil && s.audio == nil {
		return ErrNoEncoders
	}
	if s.cfg.Sink == nil {
		return errNilSink
	}

	var vp, ap *Params
	if s.video != nil {
		p := s.video.Params()
		vp = &p
	}
	if s.audio != nil {
		p := s.audio.Params()
		ap = &p
	}
	if err := s.cfg.Sink.Prepare(vp, ap); err != nil {
		return fmt.Errorf("%w: %w", ErrSinkPrepare, err)
	}

	var started []*Encoder
	for _, enc := range []*Encoder{s.video, s.audio} {
		if enc == nil {
			continue
		}
		if err := s.startOne(ctx, enc); err != nil {
			errs := []error{err}
			for i := len(started) - 1; i >= 0; i-- {
				if serr := s.stopOne(started[i]); serr != nil {
					errs = append(errs, serr)
				}
			}
			s.cfg.Sink.Release()
			s.log.Error("streamer start failed", "error", err)
			return errors.Join(errs...)
		}
		started = append(started, enc)
	}

	s.run.Add(1)
	s.running = true
	s.done = make(chan struct{})
	s.log.Info("streamer started", "video", s.video != nil, "audio", s.audio != nil)
	return nil
}

func (s *Streamer) startOne(ctx context.Context, enc *Encoder) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StartTimeout)
	defer cancel()
	if err := enc.StartWait(ctx); err != nil {
		// A start that timed out may still complete later.
		enc.Stop()
		return err
	}
	return nil
}

func (s *Streamer) stopOne(enc *Encoder) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StopTimeout)
	defer cancel()
	return enc.StopWait(ctx)
}

// Stop stops audio then video, releases the sink and closes Done. It is
// idempotent. Stop timeouts are returned joined; the sink is released
// regardless.
func (s *Streamer) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	return s.stopLocked()
}

// abort stops the run that was current when a codec failed. Failures
// during Start are handled by Start itself.
func (s *Streamer) abort(run uint64, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.run.Load() != run {
		return
	}
	s.log.Warn("stopping after codec error", "error", cause)
	if err := s.stopLocked(); err != nil {
		s.log.Error("stop after codec error", "error", err)
	}
}

func (s *Streamer) stopLocked() error {
	s.running = false

	var errs []error
	for _, enc := range []*Encoder{s.audio, s.video} {
		if enc == nil {
			continue
		}
		if err := s.stopOne(enc); err != nil {
			errs = append(errs, err)
		}
	}
	s.cfg.Sink.Release()
	close(s.done)
	s.log.Info("streamer stopped")
	return errors.Join(errs...)
}

// Close stops the streamer and terminates the encoder goroutines.
func (s *Streamer) Close() error {
	err := s.Stop()
	if s.audio != nil {
		s.audio.Close()
	}
	if s.video != nil {
		s.video.Close()
	}
	return err
}
