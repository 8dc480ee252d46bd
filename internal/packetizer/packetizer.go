// Package packetizer converts encoded access units into RTP packets and
// back, with one implementation per codec:
//
//   - H.264 (RFC 6184): Single NAL Unit and FU-A; STAP-A on receive
//   - H.265 (RFC 7798): single NAL unit and FU; AP on receive
//   - AAC (RFC 3640, mpeg4-generic AAC-hbr)
//   - Opus (RFC 7587)
//
// Packetizers stamp every packet of a track with a 16-bit wrapping
// sequence number and a timestamp of pts*clockRate/1e6 that never goes
// backwards. Depacketizers drop incomplete units on sequence gaps; there
// is no retransmission.
package packetizer

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/pion/rtp"

	"github.com/zsiec/castkit/internal/codec"
)

// DefaultMTU is the default maximum RTP payload size in bytes.
const DefaultMTU = 1400

// ErrMalformed is returned for truncated or unsupported payloads. Callers
// drop the unit and carry on.
var ErrMalformed = errors.New("packetizer: malformed payload")

// ErrUnsupportedCodec is returned by New and NewDepacketizer.
var ErrUnsupportedCodec = errors.New("packetizer: unsupported codec")

// Packetizer turns access units of one track into RTP packets.
type Packetizer interface {
	// Packetize splits an access unit with a presentation time in
	// microseconds into packets. The returned packets may alias au.
	Packetize(au []byte, pts int64) ([]*rtp.Packet, error)
	// Drop records a unit the caller had to discard before packetizing.
	Drop()
	Stats() Stats
	// NextSequence is the sequence number of the next packet.
	NextSequence() uint16
}

// Depacketizer reassembles access units from the RTP packets of one track.
type Depacketizer interface {
	// Depacketize consumes one packet and returns every access unit it
	// completes. Video units are returned in Annex B form.
	Depacketize(pkt *rtp.Packet) ([][]byte, error)
}

// Config configures a Packetizer.
type Config struct {
	MTU             int
	PayloadType     uint8
	SSRC            uint32
	InitialSequence uint16
	ClockRate       uint32
}

// DefaultConfig returns the configuration for c with a random SSRC and
// initial sequence number.
func DefaultConfig(c codec.Codec) Config {
	var b [6]byte
	_, _ = rand.Read(b[:])
	return Config{
		MTU:             DefaultMTU,
		PayloadType:     c.DefaultPayloadType(),
		SSRC:            binary.BigEndian.Uint32(b[:4]),
		InitialSequence: binary.BigEndian.Uint16(b[4:]),
		ClockRate:       c.ClockRate(0),
	}
}

// Stats is a snapshot of packetizer counters.
type Stats struct {
	Units   int64
	Packets int64
	Bytes   int64
	Dropped int64
}

// New returns the packetizer for c.
func New(c codec.Codec, cfg Config) (Packetizer, error) {
	if cfg.MTU <= 0 {
		cfg.MTU = DefaultMTU
	}
	if cfg.ClockRate == 0 {
		cfg.ClockRate = c.ClockRate(0)
	}
	if cfg.MTU < minMTU {
		return nil, fmt.Errorf("packetizer: MTU %d too small", cfg.MTU)
	}

	var p interface {
		Packetizer
		init(Config)
	}
	switch c {
	case codec.H264:
		p = &h264Packetizer{}
	case codec.H265:
		p = &h265Packetizer{}
	case codec.AAC:
		p = &aacPacketizer{}
	case codec.Opus:
		p = &opusPacketizer{}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCodec, c)
	}
	p.init(cfg)
	return p, nil
}

// minMTU leaves room for the largest fragmentation header (AAC: 2-byte
// AU-headers-length plus a 2-byte AU-header) and one byte of data.
const minMTU = 5

// NewDepacketizer returns the depacketizer for c.
func NewDepacketizer(c codec.Codec) (Depacketizer, error) {
	switch c {
	case codec.H264:
		return &h264Depacketizer{}, nil
	case codec.H265:
		return &h265Depacketizer{}, nil
	case codec.AAC:
		return &aacDepacketizer{}, nil
	case codec.Opus:
		return &opusDepacketizer{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCodec, c)
	}
}

// stamper assigns sequence numbers and timestamps for one track. It is
// embedded by every packetizer; Packetize is called by a single writer.
type stamper struct {
	mtu         int
	payloadType uint8
	ssrc        uint32
	clockRate   int64
	seq         atomic.Uint32
	lastPTS     int64
	started     bool

	units   atomic.Int64
	packets atomic.Int64
	bytes   atomic.Int64
	dropped atomic.Int64
}

func (s *stamper) init(cfg Config) {
	s.mtu = cfg.MTU
	s.payloadType = cfg.PayloadType
	s.ssrc = cfg.SSRC
	s.clockRate = int64(cfg.ClockRate)
	s.seq.Store(uint32(cfg.InitialSequence))
}

// timestamp converts pts to the RTP clock, clamping it so a track's
// timestamps never decrease.
func (s *stamper) timestamp(pts int64) uint32 {
	if s.started && pts < s.lastPTS {
		pts = s.lastPTS
	}
	s.started = true
	s.lastPTS = pts
	return uint32(pts * s.clockRate / 1_000_000)
}

func (s *stamper) packet(ts uint32, marker bool, payload []byte) *rtp.Packet {
	seq := uint16(s.seq.Add(1) - 1)
	s.packets.Add(1)
	s.bytes.Add(int64(len(payload)))
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    s.payloadType,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           s.ssrc,
		},
		Payload: payload,
	}
}

func (s *stamper) Drop() { s.dropped.Add(1) }

func (s *stamper) NextSequence() uint16 { return uint16(s.seq.Load()) }

func (s *stamper) Stats() Stats {
	return Stats{
		Units:   s.units.Load(),
		Packets: s.packets.Load(),
		Bytes:   s.bytes.Load(),
		Dropped: s.dropped.Load(),
	}
}

// sequencer detects gaps in the incoming sequence number space.
type sequencer struct {
	last    uint16
	started bool
}

// gap reports whether seq does not directly follow the previous packet.
func (s *sequencer) gap(seq uint16) bool {
	g := s.started && seq != s.last+1
	s.started = true
	s.last = seq
	return g
}

// unitAssembler accumulates the NAL units of one video access unit keyed
// by RTP timestamp.
type unitAssembler struct {
	seq     sequencer
	au      []byte
	fu      []byte
	inFU    bool
	broken  bool
	ts      uint32
	hasUnit bool
}

// begin prepares for pkt. A new timestamp starts a fresh unit, discarding
// an unfinished predecessor; a sequence gap breaks the current unit.
func (a *unitAssembler) begin(pkt *rtp.Packet) {
	gap := a.seq.gap(pkt.SequenceNumber)
	if a.hasUnit && pkt.Timestamp != a.ts {
		a.reset()
	}
	if gap {
		a.broken = true
		a.inFU = false
		a.fu = nil
	}
	a.ts = pkt.Timestamp
	a.hasUnit = true
}

func (a *unitAssembler) reset() {
	a.au = a.au[:0]
	a.fu = nil
	a.inFU = false
	a.broken = false
	a.hasUnit = false
}

func (a *unitAssembler) appendNAL(nal []byte) {
	a.au = codec.AppendAnnexB(a.au, nal)
}

// fail marks the current unit as broken and returns err.
func (a *unitAssembler) fail(err error) ([][]byte, error) {
	a.broken = true
	a.inFU = false
	a.fu = nil
	return nil, err
}

// finish emits the unit on the marker packet.
func (a *unitAssembler) finish(marker bool) [][]byte {
	if !marker {
		return nil
	}
	var out [][]byte
	if !a.broken && !a.inFU && len(a.au) > 0 {
		out = [][]byte{append([]byte(nil), a.au...)}
	}
	a.reset()
	return out
}
