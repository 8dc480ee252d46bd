// Package media defines the frame and access-unit types that flow through
// castkit, from the encoders through packetization and from the playback
// demuxer into the decoders, plus the fixed-capacity FramePool that backs
// them.
package media

// Channel and pool sizing shared by producers (encoders, demuxer) and
// consumers (packetizers, decode workers). ~2.5 seconds of 60 fps video.
const (
	VideoQueueSize   = 60
	AudioQueueSize   = 120
	DefaultPoolSize  = 150
	DefaultFrameSize = 64 * 1024
)

// Kind distinguishes video and audio elementary streams.
type Kind int

// Elementary stream kinds.
const (
	KindVideo Kind = iota
	KindAudio
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// Unit is one encoded access unit leaving an encoder: a complete picture in
// Annex B form for video, one raw (or ADTS-wrapped) AAC frame or one Opus
// packet for audio. PTS is in monotonic microseconds.
type Unit struct {
	Kind     Kind
	PTS      int64
	Data     []byte
	Keyframe bool
	// Config marks a unit that carries only codec configuration (parameter
	// sets) rather than picture or sample data.
	Config bool
}

// Frame is one slot of a FramePool. Its buffer is reused across claims; Len
// is the logical length of the current contents.
type Frame struct {
	ID     int
	Buf    []byte
	Len    int
	PTS    int64
	Width  int
	Height int
	// Flags carries producer-defined bits (e.g. codec config) to the consumer.
	Flags uint32

	consumable bool
}

// Bytes returns the logical contents of the frame.
func (f *Frame) Bytes() []byte {
	return f.Buf[:f.Len]
}

// Claimed reports whether the frame is currently owned by a producer or
// consumer.
func (f *Frame) Claimed() bool {
	return f.consumable
}
