package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/zsiec/ccx"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/castkit/internal/codec"
	"github.com/zsiec/castkit/internal/describe"
	"github.com/zsiec/castkit/internal/encoder"
	"github.com/zsiec/castkit/internal/playback"
	"github.com/zsiec/castkit/internal/publish"
	"github.com/zsiec/castkit/internal/rtsp"
	"github.com/zsiec/castkit/internal/source"
	"github.com/zsiec/castkit/internal/stream"
)

var version = "dev"

const usage = `usage: castkit [serve|play]

serve  stream SOURCE_FILE over RTSP (RTSP_PORT) and SRT (SRT_ADDR)
play   receive PLAY_ADDR over SRT and dump the video to DUMP_FILE`

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	mode := "serve"
	if len(os.Args) > 1 {
		mode = os.Args[1]
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	var err error
	switch mode {
	case "serve":
		err = serve(ctx)
	case "play":
		err = play(ctx)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		slog.Error("castkit failed", "mode", mode, "error", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context) error {
	rtspAddr := ":" + envOr("RTSP_PORT", "8554")
	srtAddr := envOr("SRT_ADDR", publish.DefaultAddr)
	sourceFile := envOr("SOURCE_FILE", "")
	if sourceFile == "" {
		return errors.New("SOURCE_FILE is required")
	}

	src, err := source.Open(sourceFile, source.Config{Loop: true}, nil)
	if err != nil {
		return err
	}
	tracks, streamerCfg := replayTracks(src)
	if len(tracks) == 0 {
		return fmt.Errorf("%s: no playable streams", sourceFile)
	}
	builder := describe.NewBuilder(tracks, nil)

	// the servers hold the stream through the manager; the Streamer that
	// feeds them is bound once they exist
	ref := &streamerRef{}
	mgr := stream.NewManager(ref, nil)

	rtspCfg := rtsp.DefaultServerConfig()
	rtspCfg.Addr = rtspAddr
	rtspCfg.Streamer = mgr.Handle("rtsp")
	rtspSrv := rtsp.NewServer(rtspCfg, builder, nil)
	rtspSrv.AddListener(logListener{})

	pubCfg := publish.DefaultConfig()
	pubCfg.Addr = srtAddr
	pubCfg.StreamKey = envOr("SRT_STREAM_KEY", "")
	pubCfg.Stream = mgr.Handle("srt")
	pub := publish.New(pubCfg, nil)

	streamerCfg.Sink = encoder.NewFanoutSink(rtspSrv, pub)
	streamerCfg.OnError = func(err error) {
		slog.Error("encoder error", "error", err)
	}
	ref.s = encoder.NewStreamer(streamerCfg, nil)
	defer ref.s.Close()

	slog.Info("castkit starting",
		"version", version,
		"rtsp", rtspAddr,
		"srt", srtAddr,
		"source", sourceFile,
		"tracks", len(tracks),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rtspSrv.Serve(ctx)
	})
	g.Go(func() error {
		return pub.Serve(ctx)
	})
	return g.Wait()
}

// replayTracks describes the streams of a replay file and sets them as the
// Streamer's codecs.
func replayTracks(src *source.File) ([]describe.Track, encoder.StreamerConfig) {
	var (
		tracks []describe.Track
		cfg    encoder.StreamerConfig
	)
	if v := src.Video(); v != nil {
		cfg.Video = v
		tracks = append(tracks, describe.Track{
			Params:        v.Params(),
			ParameterSets: v.ParameterSets(),
			NewCodec:      v.Factory(),
		})
	}
	if a := src.Audio(); a != nil {
		cfg.Audio = a
		tracks = append(tracks, describe.Track{
			Params:   a.Params(),
			NewCodec: a.Factory(),
		})
	}
	return tracks, cfg
}

func play(ctx context.Context) error {
	addr := envOr("PLAY_ADDR", "127.0.0.1"+publish.DefaultAddr)
	dumpFile := envOr("DUMP_FILE", "castkit-dump.es")

	out, err := os.Create(dumpFile)
	if err != nil {
		return err
	}
	defer out.Close()

	cfg := playback.DefaultConfig()
	cfg.Addr = addr
	cfg.StreamID = envOr("PLAY_STREAM_ID", "")
	cfg.NewDecoder = func(c codec.Codec) (playback.HardwareDecoder, error) {
		slog.Info("dumping video", "codec", c, "file", dumpFile)
		return playback.NewDumpDecoder(out), nil
	}
	cfg.Captions = captionLogger{}

	slog.Info("castkit playing", "version", version, "addr", addr, "dump", dumpFile)
	p := playback.New(cfg, nil)
	err = p.Run(ctx)

	st := p.Stats()
	slog.Info("playback finished",
		"bytes", st.Bytes,
		"video_units", st.VideoUnits,
		"audio_units", st.AudioUnits,
		"rendered", st.Rendered,
		"captions", st.Captions,
		"dropped", st.Dropped,
		"continuity_errors", st.ContinuityErrors,
	)
	return err
}

// streamerRef forwards to a Streamer created after its consumers.
type streamerRef struct {
	s *encoder.Streamer
}

func (r *streamerRef) Start(ctx context.Context) error { return r.s.Start(ctx) }
func (r *streamerRef) Stop() error                     { return r.s.Stop() }

type logListener struct{}

func (logListener) OnStreamingStarted() { slog.Info("streaming started") }
func (logListener) OnStreamingStopped() { slog.Info("streaming stopped") }
func (logListener) OnError(err error)   { slog.Error("rtsp error", "error", err) }

type captionLogger struct{}

func (captionLogger) Caption(f *ccx.CaptionFrame) {
	slog.Debug("caption", "channel", f.Channel, "pts", f.PTS, "text", f.Text)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
