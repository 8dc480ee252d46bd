// Package mpegts implements a push-based MPEG-TS demuxer and a minimal
// single-program muxer. The demuxer accepts transport stream bytes in
// chunks of any size (for example 1500-byte SRT datagrams), resynchronizes
// on the 0x47 sync byte, discovers PAT/PMT and reassembles PES packets with
// PTS/DTS. The muxer does the reverse for one H.264 or H.265 video stream
// and one AAC audio stream.
package mpegts

// Stream types carried in the PMT.
const (
	StreamTypeAAC  = 0x0F
	StreamTypeH264 = 0x1B
	StreamTypeH265 = 0x24
)

// PES stream ids for the first video and audio elementary streams.
const (
	StreamIDVideo = 0xE0
	StreamIDAudio = 0xC0
)

// Packet is a parsed 188-byte MPEG-TS transport stream packet. Payload
// aliases the buffer the packet was parsed from.
type Packet struct {
	Header  PacketHeader
	Payload []byte
}

// PacketHeader contains the parsed header fields of a transport stream packet.
type PacketHeader struct {
	PID                       uint16
	ContinuityCounter         uint8
	HasAdaptationField        bool
	HasPayload                bool
	PayloadUnitStartIndicator bool
	TransportErrorIndicator   bool
	DiscontinuityIndicator    bool
	RandomAccessIndicator     bool
}

// DemuxerData is one logical unit produced by the demuxer. Exactly one of
// PAT, PMT, or PES is non-nil.
type DemuxerData struct {
	PID uint16
	PAT *PATData
	PMT *PMTData
	PES *PESData
}

// PATData contains the parsed Program Association Table.
type PATData struct {
	Programs []*PATProgram
}

// PATProgram maps a program number to its PMT PID.
type PATProgram struct {
	ProgramMapID  uint16
	ProgramNumber uint16
}

// PMTData contains the parsed Program Map Table.
type PMTData struct {
	PCRPID            uint16
	ElementaryStreams []*PMTElementaryStream
}

// PMTElementaryStream describes a single elementary stream in a PMT.
type PMTElementaryStream struct {
	ElementaryPID uint16
	StreamType    uint8
}

// PESData contains a reassembled Packetized Elementary Stream. StreamType
// is filled from the most recent PMT, or zero if none was seen yet.
type PESData struct {
	Data       []byte
	Header     *PESHeader
	StreamType uint8
}

// PTS returns the presentation timestamp, if present.
func (p *PESData) PTS() (*ClockReference, bool) {
	if p.Header == nil || p.Header.OptionalHeader == nil || p.Header.OptionalHeader.PTS == nil {
		return nil, false
	}
	return p.Header.OptionalHeader.PTS, true
}

// PESHeader contains the parsed PES packet header.
type PESHeader struct {
	OptionalHeader *PESOptionalHeader
	StreamID       uint8
}

// PESOptionalHeader carries optional PES fields including timestamps.
type PESOptionalHeader struct {
	PTS *ClockReference
	DTS *ClockReference
}

// ClockReference holds a 33-bit MPEG-TS timestamp base value (90 kHz clock).
type ClockReference struct {
	Base int64
}

// Microseconds converts the 90 kHz base to microseconds.
func (c ClockReference) Microseconds() int64 {
	return c.Base * 1_000_000 / 90000
}

// TicksFromMicros converts microseconds to a 33-bit 90 kHz timestamp.
func TicksFromMicros(us int64) int64 {
	return (us * 90000 / 1_000_000) & maxTimestamp
}

const maxTimestamp = 1<<33 - 1
