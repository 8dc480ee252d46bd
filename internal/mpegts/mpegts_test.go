package mpegts

import (
	"bytes"
	"testing"
)

// makePacket builds a 188-byte packet with the payload padded by 0xFF.
func makePacket(pid uint16, cc uint8, pusi bool, payload []byte) []byte {
	pkt := make([]byte, PacketSize)
	pkt[0] = syncByte
	pkt[1] = byte(pid>>8) & 0x1F
	if pusi {
		pkt[1] |= 0x40
	}
	pkt[2] = byte(pid)
	pkt[3] = 0x10 | cc&0x0F
	n := copy(pkt[4:], payload)
	for i := 4 + n; i < PacketSize; i++ {
		pkt[i] = 0xFF
	}
	return pkt
}

type collector struct {
	pats []*PATData
	pmts []*PMTData
	pes  []*DemuxerData
}

func (c *collector) handle(d *DemuxerData) {
	switch {
	case d.PAT != nil:
		c.pats = append(c.pats, d.PAT)
	case d.PMT != nil:
		c.pmts = append(c.pmts, d.PMT)
	case d.PES != nil:
		cp := *d.PES
		cp.Data = append([]byte(nil), d.PES.Data...)
		c.pes = append(c.pes, &DemuxerData{PID: d.PID, PES: &cp})
	}
}

type unit struct {
	pid      uint16
	pts      int64
	data     []byte
	keyframe bool
}

func muxUnits(t *testing.T, units func(video, audio uint16) []unit) ([]byte, []unit) {
	t.Helper()
	var out bytes.Buffer
	m := NewMuxer(&out)
	video := m.AddStream(StreamTypeH264)
	audio := m.AddStream(StreamTypeAAC)
	us := units(video, audio)
	for _, u := range us {
		if err := m.WritePES(u.pid, u.pts, u.data, u.keyframe); err != nil {
			t.Fatalf("WritePES: %v", err)
		}
	}
	return out.Bytes(), us
}

func sampleUnits(video, audio uint16) []unit {
	big := bytes.Repeat([]byte{0x00, 0x00, 0x01, 0x65, 0xAB, 0xCD}, 3000)
	return []unit{
		{video, 90000, append([]byte{0, 0, 0, 1, 0x67, 0x42}, big...), true},
		{audio, 90000, []byte{0xFF, 0xF1, 0x50, 0x80, 0x01, 0x7F, 0xFC, 0x21}, false},
		{video, 93003, []byte{0, 0, 0, 1, 0x41, 0x9A, 0x02}, false},
		{audio, 91920, []byte{0xFF, 0xF1, 0x50, 0x80, 0x01, 0x7F, 0xFC, 0x22}, false},
		{video, 96006, []byte{0, 0, 0, 1, 0x41, 0x9A, 0x03}, false},
	}
}

func checkRoundTrip(t *testing.T, c *collector, want []unit) {
	t.Helper()
	if len(c.pats) == 0 || len(c.pmts) == 0 {
		t.Fatalf("tables: %d PAT, %d PMT", len(c.pats), len(c.pmts))
	}
	if got := len(c.pmts[0].ElementaryStreams); got != 2 {
		t.Fatalf("PMT streams = %d, want 2", got)
	}
	if len(c.pes) != len(want) {
		t.Fatalf("got %d PES, want %d", len(c.pes), len(want))
	}

	// Audio PES are bounded and complete early, so match per PID.
	byPID := map[uint16][]unit{}
	for _, u := range want {
		byPID[u.pid] = append(byPID[u.pid], u)
	}
	for _, got := range c.pes {
		exp := byPID[got.PID][0]
		byPID[got.PID] = byPID[got.PID][1:]
		if !bytes.Equal(got.PES.Data, exp.data) {
			t.Errorf("pid 0x%X: data mismatch (%d vs %d bytes)", got.PID, len(got.PES.Data), len(exp.data))
		}
		pts, ok := got.PES.PTS()
		if !ok || pts.Base != exp.pts {
			t.Errorf("pid 0x%X: pts = %v, want %d", got.PID, pts, exp.pts)
		}
	}
}

func TestMuxDemuxRoundTrip(t *testing.T) {
	t.Parallel()
	stream, units := muxUnits(t, sampleUnits)
	if len(stream)%PacketSize != 0 {
		t.Fatalf("stream length %d not a multiple of %d", len(stream), PacketSize)
	}

	var c collector
	d := NewDemuxer(c.handle)
	d.Write(stream)
	d.Flush()
	checkRoundTrip(t, &c, units)

	for _, p := range c.pes {
		wantType := uint8(StreamTypeH264)
		if p.PES.Header.StreamID == StreamIDAudio {
			wantType = StreamTypeAAC
		}
		if p.PES.StreamType != wantType {
			t.Errorf("stream type = 0x%X, want 0x%X", p.PES.StreamType, wantType)
		}
	}
	if st := d.Stats(); st.ContinuityErrors != 0 || st.Resyncs != 0 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestDemuxerArbitraryChunks(t *testing.T) {
	t.Parallel()
	stream, units := muxUnits(t, sampleUnits)

	for _, size := range []int{1, 7, 187, 189, 1316, 1500} {
		var c collector
		d := NewDemuxer(c.handle)
		for off := 0; off < len(stream); off += size {
			d.Write(stream[off:min(off+size, len(stream))])
		}
		d.Flush()
		t.Run("", func(t *testing.T) { checkRoundTrip(t, &c, units) })
	}
}

func TestDemuxerResyncsAfterGarbage(t *testing.T) {
	t.Parallel()
	stream, units := muxUnits(t, sampleUnits)

	garbage := []byte{0x00, 0x13, 0x47, 0x99, 0x47, 0x01}
	var c collector
	d := NewDemuxer(c.handle)
	d.Write(garbage)
	d.Write(stream)
	d.Flush()

	checkRoundTrip(t, &c, units)
	if d.Stats().Resyncs == 0 {
		t.Error("expected resync to be counted")
	}
}

func TestDemuxerReadFrom(t *testing.T) {
	t.Parallel()
	stream, units := muxUnits(t, sampleUnits)

	var c collector
	d := NewDemuxer(c.handle)
	n, err := d.ReadFrom(bytes.NewReader(stream))
	if err != nil {
		t.Fatal(err)
	}
	if n != int64(len(stream)) {
		t.Errorf("read %d bytes, want %d", n, len(stream))
	}
	checkRoundTrip(t, &c, units)
}

func TestDemuxerContinuityErrorDropsUnit(t *testing.T) {
	t.Parallel()
	pes := appendPESHeader(nil, StreamIDVideo, 1000, 400)
	pes = append(pes, bytes.Repeat([]byte{0xAA}, 400)...)

	var c collector
	d := NewDemuxer(c.handle)
	d.Write(makePacket(0x100, 0, true, pes[:184]))
	d.Write(makePacket(0x100, 2, false, pes[184:368])) // cc 1 lost
	d.Write(makePacket(0x100, 3, false, pes[368:]))
	d.Flush()

	if len(c.pes) != 0 {
		t.Errorf("expected incomplete unit to be dropped, got %d", len(c.pes))
	}
	if d.Stats().ContinuityErrors != 1 {
		t.Errorf("continuity errors = %d, want 1", d.Stats().ContinuityErrors)
	}
}

func TestDemuxerDuplicatePacketIgnored(t *testing.T) {
	t.Parallel()
	pes := appendPESHeader(nil, StreamIDAudio, 1000, 300)
	pes = append(pes, bytes.Repeat([]byte{0x11}, 300)...)

	var c collector
	d := NewDemuxer(c.handle)
	first := makePacket(0x101, 5, true, pes[:184])
	d.Write(first)
	d.Write(first)
	d.Write(makePacket(0x101, 6, false, pes[184:]))

	if len(c.pes) != 1 {
		t.Fatalf("got %d PES, want 1", len(c.pes))
	}
	if len(c.pes[0].PES.Data) != 300 {
		t.Errorf("data len = %d, want 300", len(c.pes[0].PES.Data))
	}
}

func TestParsePacket(t *testing.T) {
	t.Parallel()
	pkt := makePacket(0x1FFE, 9, true, []byte{1, 2, 3})
	p, err := parsePacket(pkt)
	if err != nil {
		t.Fatal(err)
	}
	if p.Header.PID != 0x1FFE || p.Header.ContinuityCounter != 9 || !p.Header.PayloadUnitStartIndicator {
		t.Errorf("header = %+v", p.Header)
	}
	if !bytes.Equal(p.Payload[:3], []byte{1, 2, 3}) {
		t.Errorf("payload = %x", p.Payload[:3])
	}

	if _, err := parsePacket(pkt[:100]); err == nil {
		t.Error("expected error for short packet")
	}
	bad := append([]byte(nil), pkt...)
	bad[0] = 0x48
	if _, err := parsePacket(bad); err == nil {
		t.Error("expected error for bad sync byte")
	}
}

func TestAppendPacketStuffing(t *testing.T) {
	t.Parallel()
	for _, n := range []int{1, 2, 100, 182, 183, 184} {
		payload := bytes.Repeat([]byte{0x5A}, n)
		pkt, used := appendPacket(nil, 0x100, false, 0, adaptation{pcr: -1}, payload)
		if len(pkt) != PacketSize {
			t.Fatalf("n=%d: packet len %d", n, len(pkt))
		}
		if used != n {
			t.Fatalf("n=%d: used %d", n, used)
		}
		p, err := parsePacket(pkt)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(p.Payload, payload) {
			t.Errorf("n=%d: payload len %d", n, len(p.Payload))
		}
	}

	pkt, used := appendPacket(nil, 0x100, true, 0, adaptation{randomAccess: true, pcr: 90000}, bytes.Repeat([]byte{1}, 500))
	p, _ := parsePacket(pkt)
	if !p.Header.RandomAccessIndicator {
		t.Error("random access indicator not set")
	}
	if used != 184-8 {
		t.Errorf("used = %d, want %d", used, 184-8)
	}
}

func TestTimestampRoundTrip(t *testing.T) {
	t.Parallel()
	for _, ts := range []int64{0, 1, 90000, 1<<32 + 12345, maxTimestamp} {
		b := appendTimestamp(nil, 0x02, ts)
		got := parseTimestamp(b)
		if got == nil || got.Base != ts {
			t.Errorf("ts %d: got %v", ts, got)
		}
	}
	if got := (ClockReference{Base: 90000}).Microseconds(); got != 1_000_000 {
		t.Errorf("Microseconds = %d", got)
	}
	if got := TicksFromMicros(1_000_000); got != 90000 {
		t.Errorf("TicksFromMicros = %d", got)
	}
}

func TestPSISections(t *testing.T) {
	t.Parallel()
	pat, err := parsePATSection(buildPATSection(1, 1, PIDPMT))
	if err != nil {
		t.Fatal(err)
	}
	if len(pat.Programs) != 1 || pat.Programs[0].ProgramMapID != PIDPMT {
		t.Errorf("PAT = %+v", pat.Programs)
	}

	pmtSection := buildPMTSection(1, 0x100, []PMTElementaryStream{
		{ElementaryPID: 0x100, StreamType: StreamTypeH265},
		{ElementaryPID: 0x101, StreamType: StreamTypeAAC},
	})
	pmt, err := parsePMTSection(pmtSection)
	if err != nil {
		t.Fatal(err)
	}
	if pmt.PCRPID != 0x100 || len(pmt.ElementaryStreams) != 2 || pmt.ElementaryStreams[0].StreamType != StreamTypeH265 {
		t.Errorf("PMT = %+v", pmt)
	}

	pmtSection[len(pmtSection)-1] ^= 0xFF
	if _, err := parsePMTSection(pmtSection); err == nil {
		t.Error("expected CRC error")
	}
}

func TestMuxerUnknownPID(t *testing.T) {
	t.Parallel()
	m := NewMuxer(&bytes.Buffer{})
	if err := m.WritePES(0x555, 0, []byte{1}, false); err == nil {
		t.Error("expected error for unknown PID")
	}
}
