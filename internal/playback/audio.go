package playback

import (
	"bytes"
	"errors"

	"github.com/pion/opus"

	"github.com/zsiec/castkit/internal/codec"
)

// ErrMalformedOpus is returned for an Opus packet whose TOC is invalid.
var ErrMalformedOpus = errors.New("playback: malformed opus packet")

// AudioFrame is one decoded (PCM) or passed-through (AAC) audio frame. PTS
// is in microseconds. PCM data is signed 16-bit little endian, interleaved.
type AudioFrame struct {
	Codec      codec.Codec
	PTS        int64
	Data       []byte
	SampleRate int
	Channels   int
	PCM        bool
}

// AudioSink receives audio frames on the demux goroutine.
type AudioSink interface {
	Audio(AudioFrame)
}

// AudioDecoder turns one audio PES payload into frames.
type AudioDecoder interface {
	Decode(data []byte, pts int64) ([]AudioFrame, error)
}

// AACPassthrough splits an ADTS payload into its frames without decoding,
// stepping the PTS by 1024 samples per frame.
type AACPassthrough struct{}

// Decode implements AudioDecoder.
func (AACPassthrough) Decode(data []byte, pts int64) ([]AudioFrame, error) {
	frames, err := codec.ParseADTS(data)
	if err != nil {
		return nil, err
	}
	if len(frames) == 0 {
		return nil, codec.ErrInvalidADTS
	}
	out := make([]AudioFrame, len(frames))
	for i, f := range frames {
		out[i] = AudioFrame{
			Codec:      codec.AAC,
			PTS:        pts + int64(i)*1024*1_000_000/int64(f.SampleRate),
			Data:       bytes.Clone(f.Data),
			SampleRate: f.SampleRate,
			Channels:   f.Channels,
		}
	}
	return out, nil
}

const (
	opusSampleRate = 48000
	// opusMaxSamples is 120 ms at 48 kHz, the longest packet Opus allows.
	opusMaxSamples = 5760
)

// OpusDecoder decodes Opus packets to PCM.
type OpusDecoder struct {
	dec opus.Decoder
	out []byte
}

// NewOpusDecoder returns an OpusDecoder.
func NewOpusDecoder() *OpusDecoder {
	return &OpusDecoder{
		dec: opus.NewDecoder(),
		out: make([]byte, opusMaxSamples*2*2),
	}
}

// Decode implements AudioDecoder.
func (d *OpusDecoder) Decode(data []byte, pts int64) ([]AudioFrame, error) {
	samples, err := opusPacketSamples(data)
	if err != nil {
		return nil, err
	}
	_, stereo, err := d.dec.Decode(data, d.out)
	if err != nil {
		return nil, err
	}
	channels := 1
	if stereo {
		channels = 2
	}
	n := min(samples*channels*2, len(d.out))
	return []AudioFrame{{
		Codec:      codec.Opus,
		PTS:        pts,
		Data:       bytes.Clone(d.out[:n]),
		SampleRate: opusSampleRate,
		Channels:   channels,
		PCM:        true,
	}}, nil
}

// opusPacketSamples returns the number of 48 kHz samples per channel in an
// Opus packet, read from its TOC byte (RFC 6716 section 3.1).
func opusPacketSamples(pkt []byte) (int, error) {
	if len(pkt) == 0 {
		return 0, ErrMalformedOpus
	}
	toc := pkt[0]
	config := toc >> 3

	var perFrame int
	switch {
	case config < 12: // SILK: 10, 20, 40, 60 ms
		perFrame = [...]int{480, 960, 1920, 2880}[config&3]
	case config < 16: // hybrid: 10, 20 ms
		perFrame = [...]int{480, 960}[config&1]
	default: // CELT: 2.5, 5, 10, 20 ms
		perFrame = [...]int{120, 240, 480, 960}[config&3]
	}

	var frames int
	switch toc & 3 {
	case 0:
		frames = 1
	case 1, 2:
		frames = 2
	default:
		if len(pkt) < 2 {
			return 0, ErrMalformedOpus
		}
		frames = int(pkt[1] & 0x3F)
	}
	total := perFrame * frames
	if total == 0 || total > opusMaxSamples {
		return 0, ErrMalformedOpus
	}
	return total, nil
}
