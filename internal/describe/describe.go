// Package describe builds the SDP session description an RTSP server returns
// for DESCRIBE. Video tracks need their parameter sets in the fmtp line; when
// none are cached yet the Builder probes a throwaway encoder for them.
package describe

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/zsiec/castkit/internal/codec"
	"github.com/zsiec/castkit/internal/encoder"
	"github.com/zsiec/castkit/internal/media"
)

// Probe bounds.
const (
	ProbeStartTimeout = 10 * time.Second
	ProbeStopTimeout  = 5 * time.Second
)

var (
	// ErrConfiguration means the codec configuration needed for the
	// session description could not be obtained.
	ErrConfiguration = errors.New("describe: codec configuration unavailable")
	ErrNoTracks      = errors.New("describe: no tracks configured")
)

// Track configures one media track.
type Track struct {
	Params encoder.Params
	// PayloadType defaults to the codec's dynamic payload type.
	PayloadType uint8
	// Control defaults to "trackID=<index>".
	Control string
	// ParameterSets may be supplied up front; otherwise video tracks are
	// probed through NewCodec.
	ParameterSets codec.ParameterSets
	NewCodec      encoder.Factory
}

// MediaDescription is one rendered m= section. It is immutable once built.
type MediaDescription struct {
	Kind        media.Kind
	Codec       codec.Codec
	Port        int
	PayloadType uint8
	ClockRate   uint32
	Channels    int
	Fmtp        string
	Control     string
}

// Builder renders session descriptions for a fixed track set, caching the
// video parameter sets it learns.
type Builder struct {
	tracks []Track
	log    *slog.Logger
	encLog *slog.Logger

	startTimeout time.Duration
	stopTimeout  time.Duration

	mu    sync.Mutex
	cache map[int]codec.ParameterSets

	// probes keeps at most one throwaway encoder per track in flight.
	probes singleflight.Group
}

// NewBuilder creates a Builder. If log is nil, slog.Default() is used.
func NewBuilder(tracks []Track, log *slog.Logger) *Builder {
	if log == nil {
		log = slog.Default()
	}
	b := &Builder{
		tracks:       tracks,
		log:          log.With("component", "describe"),
		encLog:       log,
		startTimeout: ProbeStartTimeout,
		stopTimeout:  ProbeStopTimeout,
		cache:        make(map[int]codec.ParameterSets),
	}
	for i, t := range tracks {
		if t.ParameterSets.Complete() {
			b.cache[i] = t.ParameterSets
		}
	}
	return b
}

// Tracks returns the configured tracks.
func (b *Builder) Tracks() []Track { return b.tracks }

// Control returns the control attribute of track i.
func (b *Builder) Control(i int) string {
	if c := b.tracks[i].Control; c != "" {
		return c
	}
	return "trackID=" + strconv.Itoa(i)
}

// SetParameterSets records parameter sets learned from a live encoder so
// later descriptions do not need a probe.
func (b *Builder) SetParameterSets(track int, ps codec.ParameterSets) {
	if !ps.Complete() {
		return
	}
	b.mu.Lock()
	b.cache[track] = ps
	b.mu.Unlock()
}

// ParameterSets returns the cached parameter sets of track i.
func (b *Builder) ParameterSets(track int) (codec.ParameterSets, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ps, ok := b.cache[track]
	return ps, ok
}

// Describe returns one MediaDescription per track, probing video encoders
// whose parameter sets are not cached yet.
func (b *Builder) Describe(ctx context.Context) ([]MediaDescription, error) {
	if len(b.tracks) == 0 {
		return nil, ErrNoTracks
	}
	out := make([]MediaDescription, 0, len(b.tracks))
	for i, t := range b.tracks {
		md, err := b.describeTrack(ctx, i, t)
		if err != nil {
			return nil, err
		}
		out = append(out, md)
	}
	return out, nil
}

func (b *Builder) describeTrack(ctx context.Context, i int, t Track) (MediaDescription, error) {
	c := t.Params.Codec
	pt := t.PayloadType
	if pt == 0 {
		pt = c.DefaultPayloadType()
	}
	md := MediaDescription{
		Kind:        c.Kind(),
		Codec:       c,
		PayloadType: pt,
		ClockRate:   c.ClockRate(t.Params.SampleRate),
		Control:     b.Control(i),
	}

	var err error
	switch c {
	case codec.H264, codec.H265:
		ps, perr := b.videoParameterSets(ctx, i, t)
		if perr != nil {
			return md, perr
		}
		md.Fmtp, err = videoFmtp(ps)
	case codec.AAC:
		md.Channels = t.Params.Channels
		md.Fmtp, err = aacFmtp(t.Params)
	case codec.Opus:
		md.Channels = 2
	default:
		err = fmt.Errorf("%w: track %d has unsupported codec %s", ErrConfiguration, i, c)
	}
	return md, err
}

func (b *Builder) videoParameterSets(ctx context.Context, i int, t Track) (codec.ParameterSets, error) {
	if ps, ok := b.ParameterSets(i); ok {
		return ps, nil
	}
	if t.NewCodec == nil {
		return codec.ParameterSets{}, fmt.Errorf("%w: track %d has no parameter sets and no codec to probe", ErrConfiguration, i)
	}
	v, err, _ := b.probes.Do(strconv.Itoa(i), func() (any, error) {
		if ps, ok := b.ParameterSets(i); ok {
			return ps, nil
		}
		ps, err := b.probe(ctx, i, t)
		if err != nil {
			return nil, err
		}
		b.SetParameterSets(i, ps)
		return ps, nil
	})
	if err != nil {
		return codec.ParameterSets{}, err
	}
	return v.(codec.ParameterSets), nil
}

// probe runs a throwaway encoder until it reports complete parameter sets,
// either through a format change or in-band in its first units.
func (b *Builder) probe(ctx context.Context, i int, t Track) (codec.ParameterSets, error) {
	hw, err := t.NewCodec()
	if err != nil {
		return codec.ParameterSets{}, fmt.Errorf("%w: track %d: %w", ErrConfiguration, i, err)
	}

	found := make(chan codec.ParameterSets, 1)
	var mu sync.Mutex
	inband := codec.ParameterSets{Codec: t.Params.Codec}
	deliver := func(ps codec.ParameterSets) {
		select {
		case found <- ps:
		default:
		}
	}

	enc := encoder.New(fmt.Sprintf("probe-%d", i), hw, encoder.Hooks{
		OnFormat: func(f encoder.Format) {
			if f.ParameterSets.Complete() {
				deliver(f.ParameterSets)
			}
		},
		OnUnit: func(u media.Unit) {
			mu.Lock()
			defer mu.Unlock()
			if inband.Update(u.Data) && inband.Complete() {
				deliver(codec.ParameterSets{
					Codec: inband.Codec,
					VPS:   append([]byte(nil), inband.VPS...),
					SPS:   append([]byte(nil), inband.SPS...),
					PPS:   append([]byte(nil), inband.PPS...),
				})
			}
		},
	}, b.encLog)
	defer enc.Close()

	start := time.Now()
	startCtx, cancel := context.WithTimeout(ctx, b.startTimeout)
	defer cancel()

	if err := enc.StartWait(startCtx); err != nil {
		return codec.ParameterSets{}, fmt.Errorf("%w: track %d: %w", ErrConfiguration, i, err)
	}

	var ps codec.ParameterSets
	select {
	case ps = <-found:
	case <-startCtx.Done():
		b.stopProbe(enc)
		return codec.ParameterSets{}, fmt.Errorf("%w: track %d: no parameter sets within %s", ErrConfiguration, i, b.startTimeout)
	}

	if err := b.stopProbe(enc); err != nil {
		return codec.ParameterSets{}, fmt.Errorf("%w: track %d: %w", ErrConfiguration, i, err)
	}
	b.log.Info("probed parameter sets", "track", i, "codec", t.Params.Codec, "elapsed", time.Since(start))
	return ps, nil
}

func (b *Builder) stopProbe(enc *encoder.Encoder) error {
	ctx, cancel := context.WithTimeout(context.Background(), b.stopTimeout)
	defer cancel()
	return enc.StopWait(ctx)
}

// SessionDescription describes every track and renders the SDP body with
// origin as the o= and c= address.
func (b *Builder) SessionDescription(ctx context.Context, origin string) ([]byte, error) {
	medias, err := b.Describe(ctx)
	if err != nil {
		return nil, err
	}
	return Marshal(origin, medias)
}

func videoFmtp(ps codec.ParameterSets) (string, error) {
	b64 := base64.StdEncoding.EncodeToString
	if ps.Codec == codec.H265 {
		return fmt.Sprintf("sprop-vps=%s; sprop-sps=%s; sprop-pps=%s",
			b64(ps.VPS), b64(ps.SPS), b64(ps.PPS)), nil
	}
	plid, err := codec.ProfileLevelID(ps.SPS)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	return fmt.Sprintf("packetization-mode=1; profile-level-id=%s; sprop-parameter-sets=%s,%s",
		plid, b64(ps.SPS), b64(ps.PPS)), nil
}

func aacFmtp(p encoder.Params) (string, error) {
	asc, err := p.AudioConfig().AudioSpecificConfig()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	return "streamtype=5; profile-level-id=1; mode=AAC-hbr; sizelength=13; indexlength=3; indexdeltalength=3; config=" +
		hex.EncodeToString(asc), nil
}

// ParseFmtp splits an fmtp parameter list into key/value pairs.
func ParseFmtp(s string) map[string]string {
	out := make(map[string]string)
	for _, kv := range strings.Split(s, ";") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		k, v, _ := strings.Cut(kv, "=")
		out[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return out
}

// ParameterSets decodes the video parameter sets carried in m's fmtp.
func (m MediaDescription) ParameterSets() (codec.ParameterSets, error) {
	f := ParseFmtp(m.Fmtp)
	ps := codec.ParameterSets{Codec: m.Codec}
	dec := base64.StdEncoding.DecodeString
	var err error
	switch m.Codec {
	case codec.H264:
		sprop, _, _ := strings.Cut(f["sprop-parameter-sets"], ";")
		sps, pps, ok := strings.Cut(sprop, ",")
		if !ok {
			return ps, fmt.Errorf("%w: sprop-parameter-sets missing", ErrConfiguration)
		}
		if ps.SPS, err = dec(sps); err != nil {
			return ps, err
		}
		ps.PPS, err = dec(pps)
	case codec.H265:
		if ps.VPS, err = dec(f["sprop-vps"]); err != nil {
			return ps, err
		}
		if ps.SPS, err = dec(f["sprop-sps"]); err != nil {
			return ps, err
		}
		ps.PPS, err = dec(f["sprop-pps"])
	default:
		return ps, fmt.Errorf("%w: %s has no parameter sets", ErrConfiguration, m.Codec)
	}
	return ps, err
}
