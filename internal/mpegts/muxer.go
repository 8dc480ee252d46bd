package mpegts

import (
	"errors"
	"fmt"
	"io"
)

// Default PIDs used by the muxer.
const (
	PIDPMT         = 0x1000
	firstStreamPID = 0x0100
	programNumber  = 1
	transportID    = 1
)

// ErrUnknownPID is returned by WritePES for a PID that was never added.
var ErrUnknownPID = errors.New("mpegts: unknown elementary stream PID")

type muxStream struct {
	pid        uint16
	streamType uint8
	streamID   uint8
	cc         uint8
}

// Muxer writes a single-program transport stream. PAT and PMT are repeated
// before every random access point and at least every tableInterval PES
// packets. Each WritePES call results in exactly one Write on the
// underlying writer whose length is a multiple of PacketSize.
type Muxer struct {
	w             io.Writer
	streams       []*muxStream
	pcrPID        uint16
	patCC         uint8
	pmtCC         uint8
	sinceTables   int
	tableInterval int
	buf           []byte
}

// NewMuxer returns a muxer writing to w.
func NewMuxer(w io.Writer) *Muxer {
	return &Muxer{w: w, tableInterval: 40}
}

// AddStream registers an elementary stream and returns its PID. The first
// stream added carries the PCR, so add video first.
func (m *Muxer) AddStream(streamType uint8) uint16 {
	pid := uint16(firstStreamPID + len(m.streams))
	s := &muxStream{pid: pid, streamType: streamType, streamID: StreamIDVideo}
	if streamType == StreamTypeAAC {
		s.streamID = StreamIDAudio
	}
	m.streams = append(m.streams, s)
	if m.pcrPID == 0 {
		m.pcrPID = pid
	}
	return pid
}

// WriteTables writes PAT and PMT immediately.
func (m *Muxer) WriteTables() error {
	m.buf = m.appendTables(m.buf[:0])
	_, err := m.w.Write(m.buf)
	return err
}

func (m *Muxer) appendTables(dst []byte) []byte {
	es := make([]PMTElementaryStream, len(m.streams))
	for i, s := range m.streams {
		es[i] = PMTElementaryStream{ElementaryPID: s.pid, StreamType: s.streamType}
	}
	dst = appendSection(dst, pidPAT, &m.patCC, buildPATSection(transportID, programNumber, PIDPMT))
	dst = appendSection(dst, PIDPMT, &m.pmtCC, buildPMTSection(programNumber, m.pcrPID, es))
	m.sinceTables = 0
	return dst
}

// appendSection writes one PSI section in a single packet, padded with
// 0xFF stuffing.
func appendSection(dst []byte, pid uint16, cc *uint8, section []byte) []byte {
	payload := make([]byte, PacketSize-4)
	payload[0] = 0 // pointer_field
	n := copy(payload[1:], section)
	for i := 1 + n; i < len(payload); i++ {
		payload[i] = 0xFF
	}
	dst, _ = appendPacket(dst, pid, true, *cc, adaptation{pcr: -1}, payload)
	*cc = (*cc + 1) & 0x0F
	return dst
}

// WritePES muxes one access unit. pts is in 90 kHz ticks. A keyframe sets
// the random access indicator and is preceded by PAT and PMT.
func (m *Muxer) WritePES(pid uint16, pts int64, data []byte, keyframe bool) error {
	var s *muxStream
	for _, cand := range m.streams {
		if cand.pid == pid {
			s = cand
			break
		}
	}
	if s == nil {
		return fmt.Errorf("%w: 0x%04X", ErrUnknownPID, pid)
	}

	buf := m.buf[:0]
	if keyframe || m.sinceTables >= m.tableInterval {
		buf = m.appendTables(buf)
	}
	m.sinceTables++

	pes := appendPESHeader(make([]byte, 0, 14+len(data)), s.streamID, pts, len(data))
	pes = append(pes, data...)

	first := true
	for len(pes) > 0 {
		af := adaptation{pcr: -1}
		if first {
			af.randomAccess = keyframe
			if pid == m.pcrPID {
				af.pcr = pts
			}
		}
		var n int
		buf, n = appendPacket(buf, pid, first, s.cc, af, pes)
		s.cc = (s.cc + 1) & 0x0F
		pes = pes[n:]
		first = false
	}

	m.buf = buf
	_, err := m.w.Write(buf)
	return err
}
