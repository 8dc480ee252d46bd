package mpegts

import (
	"errors"
	"io"
	"sync/atomic"
)

// Handler receives every unit the demuxer completes. It runs on the
// goroutine that called Write or Flush; data slices are only valid until
// the handler returns.
type Handler func(*DemuxerData)

// DemuxStats is a snapshot of demuxer counters.
type DemuxStats struct {
	Packets          int64
	Resyncs          int64
	ContinuityErrors int64
	CorruptUnits     int64
}

// Demuxer is a push-based MPEG-TS demuxer. Feed it bytes with Write in
// chunks of any size; it keeps the partial trailing packet between calls.
// A Demuxer is not safe for concurrent Write calls; Stats may be called
// from any goroutine.
type Demuxer struct {
	handler     Handler
	pending     []byte
	assemblers  map[uint16]*pidAssembler
	pmtPIDs     map[uint16]bool
	streamTypes map[uint16]uint8

	packets  atomic.Int64
	resyncs  atomic.Int64
	ccErrors atomic.Int64
	corrupt  atomic.Int64
}

// NewDemuxer returns a demuxer that delivers completed units to h.
func NewDemuxer(h Handler) *Demuxer {
	return &Demuxer{
		handler:     h,
		assemblers:  make(map[uint16]*pidAssembler),
		pmtPIDs:     make(map[uint16]bool),
		streamTypes: make(map[uint16]uint8),
	}
}

// Write implements io.Writer. It never returns an error: corrupt input is
// skipped and counted.
func (d *Demuxer) Write(p []byte) (int, error) {
	d.pending = append(d.pending, p...)
	buf := d.pending
	off := 0

	for len(buf)-off >= PacketSize {
		if buf[off] != syncByte || !d.confirmSync(buf[off:]) {
			next := indexSync(buf[off+1:])
			d.resyncs.Add(1)
			if next < 0 {
				off = len(buf)
				break
			}
			off += 1 + next
			continue
		}

		pkt, err := parsePacket(buf[off : off+PacketSize])
		off += PacketSize
		if err != nil {
			continue
		}
		d.packets.Add(1)
		d.handlePacket(pkt)
	}

	// keep the partial packet for the next call
	n := copy(d.pending, buf[off:])
	d.pending = d.pending[:n]
	return len(p), nil
}

// confirmSync guards against a stray 0x47 inside payload: when the next
// packet boundary is buffered it must carry a sync byte too.
func (d *Demuxer) confirmSync(b []byte) bool {
	return len(b) <= PacketSize || b[PacketSize] == syncByte
}

func indexSync(b []byte) int {
	for i, c := range b {
		if c == syncByte {
			return i
		}
	}
	return -1
}

// ReadFrom implements io.ReaderFrom: it demuxes r until EOF and then
// flushes buffered units.
func (d *Demuxer) ReadFrom(r io.Reader) (int64, error) {
	buf := make([]byte, 7*PacketSize*16)
	var total int64
	for {
		n, err := r.Read(buf)
		if n > 0 {
			total += int64(n)
			d.Write(buf[:n])
		}
		if errors.Is(err, io.EOF) {
			d.Flush()
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

// Flush emits every partially assembled unit, PAT first. Call it at end of
// stream; unbounded video PES packets otherwise wait for the next unit
// start.
func (d *Demuxer) Flush() {
	if a, ok := d.assemblers[pidPAT]; ok {
		d.process(pidPAT, a.take())
	}
	for pid, a := range d.assemblers {
		if pid != pidPAT && d.pmtPIDs[pid] {
			d.process(pid, a.take())
		}
	}
	for pid, a := range d.assemblers {
		if pid != pidPAT && !d.pmtPIDs[pid] {
			d.process(pid, a.take())
		}
	}
}

// Stats returns a snapshot of the demuxer counters.
func (d *Demuxer) Stats() DemuxStats {
	return DemuxStats{
		Packets:          d.packets.Load(),
		Resyncs:          d.resyncs.Load(),
		ContinuityErrors: d.ccErrors.Load(),
		CorruptUnits:     d.corrupt.Load(),
	}
}

func (d *Demuxer) handlePacket(p *Packet) {
	pid := p.Header.PID
	if pid == 0x1FFF {
		return // null packet
	}
	a, ok := d.assemblers[pid]
	if !ok {
		a = newPIDAssembler(pid, d.isPSI(pid))
		d.assemblers[pid] = a
	}
	before := a.ccErrors
	unit := a.add(p)
	if a.ccErrors != before {
		d.ccErrors.Add(a.ccErrors - before)
	}
	if unit != nil {
		d.process(pid, unit)
	}
}

func (d *Demuxer) isPSI(pid uint16) bool {
	return pid == pidPAT || d.pmtPIDs[pid]
}

func (d *Demuxer) process(pid uint16, payload []byte) {
	if len(payload) == 0 {
		return
	}

	if d.isPSI(pid) {
		results, err := parsePSI(payload, pid)
		if err != nil {
			d.corrupt.Add(1)
		}
		for _, r := range results {
			d.learn(r)
			d.handler(r)
		}
		return
	}

	if !isPESPayload(payload) {
		return
	}
	pes, err := parsePES(payload)
	if err != nil {
		d.corrupt.Add(1)
		return
	}
	pes.StreamType = d.streamTypes[pid]
	d.handler(&DemuxerData{PID: pid, PES: pes})
}

// learn records PMT PIDs from a PAT and stream types from a PMT.
func (d *Demuxer) learn(r *DemuxerData) {
	if r.PAT != nil {
		for _, p := range r.PAT.Programs {
			if d.pmtPIDs[p.ProgramMapID] {
				continue
			}
			d.pmtPIDs[p.ProgramMapID] = true
			if a, ok := d.assemblers[p.ProgramMapID]; ok {
				a.psi = true
				a.reset()
			}
		}
	}
	if r.PMT != nil {
		for _, es := range r.PMT.ElementaryStreams {
			d.streamTypes[es.ElementaryPID] = es.StreamType
		}
	}
}
