// Package codec holds the codec identities castkit understands and the
// bitstream helpers shared by the packetizers, the session-description
// builder, the MPEG-TS muxer and the playback decoders: Annex B NAL
// splitting, H.264/H.265 SPS parsing, parameter-set extraction and ADTS
// framing for AAC.
package codec

import "github.com/zsiec/castkit/internal/media"

// Codec identifies an elementary stream format.
type Codec int

// Supported codecs. Adding a codec means adding a constant here plus one
// packetizer and, for playback, one decoder implementation.
const (
	Unknown Codec = iota
	H264
	H265
	AAC
	Opus
)

func (c Codec) String() string {
	switch c {
	case H264:
		return "H264"
	case H265:
		return "H265"
	case AAC:
		return "AAC"
	case Opus:
		return "opus"
	default:
		return "unknown"
	}
}

// Kind reports whether the codec carries video or audio.
func (c Codec) Kind() media.Kind {
	switch c {
	case AAC, Opus:
		return media.KindAudio
	default:
		return media.KindVideo
	}
}

// DefaultPayloadType returns the dynamic RTP payload type castkit assigns to
// the codec unless configured otherwise.
func (c Codec) DefaultPayloadType() uint8 {
	switch c {
	case H264:
		return 96
	case AAC:
		return 97
	case H265:
		return 98
	case Opus:
		return 111
	default:
		return 96
	}
}

// VideoClockRate is the RTP clock for every video payload format.
const VideoClockRate = 90000

// ClockRate returns the RTP clock rate for the codec. Audio codecs with a
// variable rate use sampleRate; Opus is always 48 kHz on the wire.
func (c Codec) ClockRate(sampleRate int) uint32 {
	switch c {
	case H264, H265:
		return VideoClockRate
	case Opus:
		return 48000
	default:
		if sampleRate <= 0 {
			return 48000
		}
		return uint32(sampleRate)
	}
}

// EncodingName is the rtpmap encoding name used in session descriptions.
func (c Codec) EncodingName() string {
	switch c {
	case H264:
		return "H264"
	case H265:
		return "H265"
	case AAC:
		return "mpeg4-generic"
	case Opus:
		return "opus"
	default:
		return ""
	}
}
