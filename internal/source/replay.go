// Package source replays an MPEG-TS recording through the encoder.HardwareCodec
// interface, so the streaming engine can run without capture hardware.
//
// The file is demuxed once into memory. Each elementary stream becomes a
// codec that reports its format on start and then delivers access units on
// its own goroutine, paced against the wall clock by PTS.
package source

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/zsiec/castkit/internal/codec"
	"github.com/zsiec/castkit/internal/encoder"
	"github.com/zsiec/castkit/internal/mpegts"
)

var (
	ErrNoStreams = errors.New("source: recording has no playable streams")
	ErrRunning   = errors.New("source: already recording")
)

// sample is one access unit of the recording, PTS relative to the first
// timestamp of the file.
type sample struct {
	pts      int64
	data     []byte
	keyframe bool
}

// Config controls replay.
type Config struct {
	// Loop restarts the recording at the end, keeping timestamps
	// continuous across the seam.
	Loop bool
}

// File is a demuxed recording.
type File struct {
	video *Codec
	audio *Codec
}

// Open reads and demuxes the MPEG-TS file at path. If log is nil,
// slog.Default() is used.
func Open(path string, cfg Config, log *slog.Logger) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	defer f.Close()
	return Read(f, cfg, log)
}

// Read demuxes a complete MPEG-TS stream from r.
func Read(r io.Reader, cfg Config, log *slog.Logger) (*File, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "source")

	var (
		videoCodec codec.Codec
		video      []sample
		audio      []sample
		audioCfg   codec.AudioConfig
		basePTS    int64 = -1
	)
	ps := codec.ParameterSets{}

	rel := func(pes *mpegts.PESData) (int64, bool) {
		ts, ok := pes.PTS()
		if !ok {
			return 0, false
		}
		us := ts.Microseconds()
		if basePTS < 0 {
			basePTS = us
		}
		return max(us-basePTS, 0), true
	}

	demux := mpegts.NewDemuxer(func(d *mpegts.DemuxerData) {
		if d.PES == nil {
			return
		}
		pes := d.PES
		switch pes.StreamType {
		case mpegts.StreamTypeH264, mpegts.StreamTypeH265:
			c := codec.H264
			if pes.StreamType == mpegts.StreamTypeH265 {
				c = codec.H265
			}
			if videoCodec == codec.Unknown {
				videoCodec = c
				ps.Codec = c
			}
			pts, ok := rel(pes)
			if !ok || c != videoCodec {
				return
			}
			ps.Update(pes.Data)
			video = append(video, sample{
				pts:      pts,
				data:     bytes.Clone(pes.Data),
				keyframe: codec.IsKeyframeUnit(c, pes.Data),
			})
		case mpegts.StreamTypeAAC:
			pts, ok := rel(pes)
			if !ok {
				return
			}
			frames, err := codec.ParseADTS(pes.Data)
			if err != nil || len(frames) == 0 {
				return
			}
			audioCfg = codec.AudioConfig{
				ObjectType: frames[0].ObjectType,
				SampleRate: frames[0].SampleRate,
				Channels:   frames[0].Channels,
			}
			for i, fr := range frames {
				audio = append(audio, sample{
					pts:  pts + int64(i)*1024*1_000_000/int64(fr.SampleRate),
					data: bytes.Clone(fr.Data),
				})
			}
		}
	})
	if _, err := demux.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("source: read: %w", err)
	}

	file := &File{}
	if len(video) > 0 && ps.Complete() {
		params := encoder.Params{Codec: videoCodec, FrameRate: frameRate(video)}
		if w, h, err := ps.VideoSize(); err == nil {
			params.Width, params.Height = w, h
		} else {
			log.Warn("parameter set parse failed", "error", err)
		}
		file.video = newCodec("video", params, ps, video, cfg, log)
		log.Info("video stream loaded", "codec", videoCodec, "units", len(video),
			"width", params.Width, "height", params.Height)
	} else if len(video) > 0 {
		log.Warn("video stream without parameter sets skipped", "units", len(video))
	}
	if len(audio) > 0 {
		params := encoder.Params{
			Codec:      codec.AAC,
			SampleRate: audioCfg.SampleRate,
			Channels:   audioCfg.Channels,
		}
		file.audio = newCodec("audio", params, codec.ParameterSets{}, audio, cfg, log)
		log.Info("audio stream loaded", "units", len(audio), "sample_rate", audioCfg.SampleRate)
	}
	if file.video == nil && file.audio == nil {
		return nil, ErrNoStreams
	}
	return file, nil
}

// Video returns the video codec, or nil when the recording has none.
func (f *File) Video() *Codec { return f.video }

// Audio returns the audio codec, or nil when the recording has none.
func (f *File) Audio() *Codec { return f.audio }

func frameRate(s []sample) int {
	if len(s) < 2 {
		return 0
	}
	span := s[len(s)-1].pts - s[0].pts
	if span <= 0 {
		return 0
	}
	return int((int64(len(s)-1)*1_000_000 + span/2) / span)
}

// leadIn delays the first unit after StartRecording, the way a capture
// pipeline has first-frame latency. Units arriving before the encoder is
// RUNNING would be discarded.
const leadIn = 20 * time.Millisecond

// Codec replays one elementary stream. It implements encoder.HardwareCodec.
type Codec struct {
	name    string
	params  encoder.Params
	ps      codec.ParameterSets
	samples []sample
	cfg     Config
	log     *slog.Logger

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func newCodec(name string, params encoder.Params, ps codec.ParameterSets, samples []sample, cfg Config, log *slog.Logger) *Codec {
	return &Codec{
		name:    name,
		params:  params,
		ps:      ps,
		samples: samples,
		cfg:     cfg,
		log:     log.With("stream", name),
	}
}

func (c *Codec) Params() encoder.Params { return c.params }

// Factory returns an encoder.Factory yielding independent replays of the
// same stream, e.g. for probing.
func (c *Codec) Factory() encoder.Factory {
	return func() (encoder.HardwareCodec, error) {
		return newCodec(c.name, c.params, c.ps, c.samples, c.cfg, c.log), nil
	}
}

// ParameterSets returns the in-band parameter sets of a video stream.
func (c *Codec) ParameterSets() codec.ParameterSets { return c.ps }

func (c *Codec) Prepare() error { return nil }

// StartRecording reports the format and starts delivering units.
func (c *Codec) StartRecording(cb encoder.Callback) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil {
		return ErrRunning
	}
	c.stop = make(chan struct{})
	c.done = make(chan struct{})

	cb.OnFormatChanged(encoder.Format{Params: c.params, ParameterSets: c.ps})
	go c.run(cb, c.stop, c.done)
	return nil
}

func (c *Codec) StopRecording() error {
	c.mu.Lock()
	stop, done := c.stop, c.done
	c.stop, c.done = nil, nil
	c.mu.Unlock()

	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}

func (c *Codec) Release() error { return nil }

// run paces units against a clock started at the first unit so timing stays
// continuous across loop boundaries.
func (c *Codec) run(cb encoder.Callback, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	start := time.Now().Add(leadIn)
	var offset int64
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for loop := 0; ; loop++ {
		for _, s := range c.samples {
			pts := offset + s.pts
			if wait := time.Duration(pts)*time.Microsecond - time.Since(start); wait > 0 {
				timer.Reset(wait)
				select {
				case <-stop:
					return
				case <-timer.C:
				}
			} else {
				select {
				case <-stop:
					return
				default:
				}
			}
			cb.OnWriteData(s.data, encoder.Timing{PTS: pts, Keyframe: s.keyframe})
		}
		if !c.cfg.Loop {
			c.log.Info("replay finished")
			return
		}
		offset += c.duration()
		c.log.Debug("replay looped", "loop", loop+1)
	}
}

// duration is the span of the recording plus one unit interval.
func (c *Codec) duration() int64 {
	n := len(c.samples)
	if n < 2 {
		return 1_000_000
	}
	span := c.samples[n-1].pts - c.samples[0].pts
	return span + span/int64(n-1)
}
