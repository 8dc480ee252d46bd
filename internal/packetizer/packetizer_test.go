package packetizer

import (
	"bytes"
	"errors"
	"testing"

	"github.com/pion/rtp"

	"github.com/zsiec/castkit/internal/codec"
)

func testConfig(c codec.Codec, mtu int) Config {
	return Config{
		MTU:             mtu,
		PayloadType:     c.DefaultPayloadType(),
		SSRC:            0x11223344,
		InitialSequence: 100,
		ClockRate:       c.ClockRate(48000),
	}
}

func nal(header []byte, size int) []byte {
	out := append([]byte(nil), header...)
	for len(out) < size {
		out = append(out, byte(len(out)*7))
	}
	return out
}

func depacketizeAll(t *testing.T, d Depacketizer, pkts []*rtp.Packet) [][]byte {
	t.Helper()
	var out [][]byte
	for _, p := range pkts {
		// round-trip through the wire format
		raw, err := p.Marshal()
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		var back rtp.Packet
		if err := back.Unmarshal(raw); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		units, err := d.Depacketize(&back)
		if err != nil {
			t.Fatalf("Depacketize: %v", err)
		}
		out = append(out, units...)
	}
	return out
}

func TestVideoRoundTrip(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		codec  codec.Codec
		header []byte
	}{
		{"H264", codec.H264, []byte{0x65}},
		{"H265", codec.H265, []byte{0x26, 0x01}},
	}
	for _, tt := range tests {
		for _, size := range []int{10, 5000} {
			t.Run(tt.name, func(t *testing.T) {
				t.Parallel()
				au := codec.AppendAnnexB(nil, nal(tt.header, size))

				p, err := New(tt.codec, testConfig(tt.codec, 1400))
				if err != nil {
					t.Fatal(err)
				}
				pkts, err := p.Packetize(au, 1_000_000)
				if err != nil {
					t.Fatal(err)
				}

				wantPkts := 1
				if size > 1400 {
					wantPkts = 4
				}
				if len(pkts) != wantPkts {
					t.Fatalf("got %d packets, want %d", len(pkts), wantPkts)
				}
				for i, pkt := range pkts {
					if len(pkt.Payload) > 1400 {
						t.Errorf("packet %d payload %d exceeds MTU", i, len(pkt.Payload))
					}
					if pkt.Marker != (i == len(pkts)-1) {
						t.Errorf("packet %d marker = %v", i, pkt.Marker)
					}
					if pkt.Timestamp != 90000 {
						t.Errorf("packet %d timestamp = %d, want 90000", i, pkt.Timestamp)
					}
				}

				d, err := NewDepacketizer(tt.codec)
				if err != nil {
					t.Fatal(err)
				}
				units := depacketizeAll(t, d, pkts)
				if len(units) != 1 {
					t.Fatalf("got %d units, want 1", len(units))
				}
				if !bytes.Equal(units[0], au) {
					t.Errorf("round trip mismatch: %d bytes vs %d", len(units[0]), len(au))
				}
			})
		}
	}
}

func TestH264FUAHeaders(t *testing.T) {
	t.Parallel()
	p, _ := New(codec.H264, testConfig(codec.H264, 1400))
	pkts, err := p.Packetize(codec.AppendAnnexB(nil, nal([]byte{0x65}, 5000)), 0)
	if err != nil {
		t.Fatal(err)
	}
	for i, pkt := range pkts {
		if pkt.Payload[0] != 0x60|codec.NALTypeFUA {
			t.Errorf("packet %d: FU indicator 0x%02X", i, pkt.Payload[0])
		}
		start := pkt.Payload[1]&0x80 != 0
		end := pkt.Payload[1]&0x40 != 0
		if start != (i == 0) || end != (i == len(pkts)-1) {
			t.Errorf("packet %d: S=%v E=%v", i, start, end)
		}
		if pkt.Payload[1]&0x1F != codec.NALTypeIDR {
			t.Errorf("packet %d: FU type %d", i, pkt.Payload[1]&0x1F)
		}
	}
}

func TestMultiNALUnitMarker(t *testing.T) {
	t.Parallel()
	sps := []byte{0x67, 0x42, 0xE0, 0x1E}
	pps := []byte{0x68, 0xCE, 0x38, 0x80}
	idr := nal([]byte{0x65}, 3000)
	au := codec.AppendAnnexB(nil, sps, pps, idr)

	p, _ := New(codec.H264, testConfig(codec.H264, 1400))
	pkts, err := p.Packetize(au, 40_000)
	if err != nil {
		t.Fatal(err)
	}
	if len(pkts) != 5 {
		t.Fatalf("got %d packets, want 5", len(pkts))
	}
	for i, pkt := range pkts {
		if pkt.Marker != (i == len(pkts)-1) {
			t.Errorf("packet %d marker = %v", i, pkt.Marker)
		}
	}

	d, _ := NewDepacketizer(codec.H264)
	units := depacketizeAll(t, d, pkts)
	if len(units) != 1 || !bytes.Equal(units[0], au) {
		t.Fatalf("round trip failed: %d units", len(units))
	}
}

func TestMonotonicity(t *testing.T) {
	t.Parallel()
	cfg := testConfig(codec.H264, 1400)
	cfg.InitialSequence = 65534
	p, _ := New(codec.H264, cfg)

	au := codec.AppendAnnexB(nil, nal([]byte{0x41}, 3000))
	ptsList := []int64{0, 33_333, 66_666, 50_000, 100_000, 100_000, 133_333}

	var prevSeq uint16
	var prevTS uint32
	first := true
	for _, pts := range ptsList {
		pkts, err := p.Packetize(au, pts)
		if err != nil {
			t.Fatal(err)
		}
		for _, pkt := range pkts {
			if !first {
				if pkt.SequenceNumber != prevSeq+1 {
					t.Fatalf("sequence %d follows %d", pkt.SequenceNumber, prevSeq)
				}
				if pkt.Timestamp < prevTS {
					t.Fatalf("timestamp %d went backwards from %d", pkt.Timestamp, prevTS)
				}
			}
			first = false
			prevSeq = pkt.SequenceNumber
			prevTS = pkt.Timestamp
		}
	}
	if prevSeq != uint16(65534+len(ptsList)*3-1) {
		t.Errorf("last sequence = %d", prevSeq)
	}
	if got := p.NextSequence(); got != prevSeq+1 {
		t.Errorf("NextSequence = %d, want %d", got, prevSeq+1)
	}
	st := p.Stats()
	if st.Units != int64(len(ptsList)) || st.Packets != int64(len(ptsList)*3) {
		t.Errorf("stats = %+v", st)
	}
}

func TestDepacketizerDropsUnitOnGap(t *testing.T) {
	t.Parallel()
	p, _ := New(codec.H264, testConfig(codec.H264, 1400))
	d, _ := NewDepacketizer(codec.H264)

	first, _ := p.Packetize(codec.AppendAnnexB(nil, nal([]byte{0x65}, 5000)), 0)
	second, _ := p.Packetize(codec.AppendAnnexB(nil, nal([]byte{0x41}, 500)), 33_333)

	lossy := append([]*rtp.Packet{first[0]}, first[2:]...)
	if units := depacketizeAll(t, d, lossy); len(units) != 0 {
		t.Fatalf("incomplete unit delivered: %d units", len(units))
	}
	units := depacketizeAll(t, d, second)
	if len(units) != 1 {
		t.Fatalf("next unit: got %d units, want 1", len(units))
	}
}

func TestDepacketizerSTAPA(t *testing.T) {
	t.Parallel()
	sps := []byte{0x67, 0x42, 0xE0, 0x1E}
	pps := []byte{0x68, 0xCE, 0x38, 0x80}
	payload := []byte{0x18, 0x00, byte(len(sps))}
	payload = append(payload, sps...)
	payload = append(payload, 0x00, byte(len(pps)))
	payload = append(payload, pps...)

	d, _ := NewDepacketizer(codec.H264)
	units, err := d.Depacketize(&rtp.Packet{
		Header:  rtp.Header{Version: 2, Marker: true, SequenceNumber: 1, Timestamp: 9},
		Payload: payload,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(units) != 1 || !bytes.Equal(units[0], codec.AppendAnnexB(nil, sps, pps)) {
		t.Fatalf("units = %x", units)
	}
}

func TestDepacketizerAggregationPacketH265(t *testing.T) {
	t.Parallel()
	vps := []byte{0x40, 0x01, 0x0C}
	sps := []byte{0x42, 0x01, 0x01, 0x02}
	payload := []byte{0x60, 0x01, 0x00, byte(len(vps))}
	payload = append(payload, vps...)
	payload = append(payload, 0x00, byte(len(sps)))
	payload = append(payload, sps...)

	d, _ := NewDepacketizer(codec.H265)
	units, err := d.Depacketize(&rtp.Packet{
		Header:  rtp.Header{Version: 2, Marker: true, SequenceNumber: 7},
		Payload: payload,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(units) != 1 || !bytes.Equal(units[0], codec.AppendAnnexB(nil, vps, sps)) {
		t.Fatalf("units = %x", units)
	}
}

func TestDepacketizerMalformed(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		codec   codec.Codec
		payload []byte
	}{
		{"h264 empty", codec.H264, nil},
		{"h264 truncated FU-A", codec.H264, []byte{0x7C, 0x85}},
		{"h264 STAP-A overrun", codec.H264, []byte{0x18, 0x00, 0x09, 0x67}},
		{"h264 reserved type", codec.H264, []byte{0x1E, 0x00}},
		{"h265 short", codec.H265, []byte{0x26}},
		{"aac zero headers", codec.AAC, []byte{0x00, 0x00}},
		{"opus empty", codec.Opus, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d, _ := NewDepacketizer(tt.codec)
			_, err := d.Depacketize(&rtp.Packet{Header: rtp.Header{Marker: true}, Payload: tt.payload})
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("err = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestPacketizeWithoutStartCode(t *testing.T) {
	t.Parallel()
	p, _ := New(codec.H264, testConfig(codec.H264, 1400))
	if _, err := p.Packetize([]byte{0x65, 0x88}, 0); !errors.Is(err, ErrMalformed) {
		t.Errorf("err = %v, want ErrMalformed", err)
	}
}

func TestAACRoundTrip(t *testing.T) {
	t.Parallel()
	cfg := codec.AudioConfig{ObjectType: codec.AACObjectTypeLC, SampleRate: 48000, Channels: 2}
	raw := [][]byte{nal([]byte{0x21}, 200), nal([]byte{0x21}, 180), nal([]byte{0x21}, 90)}
	var adts []byte
	for _, r := range raw {
		adts, _ = codec.AppendADTS(adts, cfg, r)
	}

	p, _ := New(codec.AAC, testConfig(codec.AAC, 1400))
	pkts, err := p.Packetize(adts, 1_000_000)
	if err != nil {
		t.Fatal(err)
	}
	if len(pkts) != 1 {
		t.Fatalf("got %d packets, want 1 aggregated", len(pkts))
	}
	if pkts[0].Timestamp != 48000 || !pkts[0].Marker {
		t.Errorf("header = %+v", pkts[0].Header)
	}

	d, _ := NewDepacketizer(codec.AAC)
	units := depacketizeAll(t, d, pkts)
	if len(units) != len(raw) {
		t.Fatalf("got %d units, want %d", len(units), len(raw))
	}
	for i := range raw {
		if !bytes.Equal(units[i], raw[i]) {
			t.Errorf("unit %d mismatch", i)
		}
	}
}

func TestAACFragmentation(t *testing.T) {
	t.Parallel()
	au := nal([]byte{0x21}, 1000)
	p, _ := New(codec.AAC, testConfig(codec.AAC, 300))
	pkts, err := p.Packetize(au, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(pkts) != 4 {
		t.Fatalf("got %d packets, want 4", len(pkts))
	}
	for i, pkt := range pkts {
		if pkt.Marker != (i == len(pkts)-1) {
			t.Errorf("fragment %d marker = %v", i, pkt.Marker)
		}
	}

	d, _ := NewDepacketizer(codec.AAC)
	units := depacketizeAll(t, d, pkts)
	if len(units) != 1 || !bytes.Equal(units[0], au) {
		t.Fatalf("reassembly failed: %d units", len(units))
	}

	// losing a fragment drops the unit
	d, _ = NewDepacketizer(codec.AAC)
	lossy := append([]*rtp.Packet{pkts[0]}, pkts[2:]...)
	if units := depacketizeAll(t, d, lossy); len(units) != 0 {
		t.Errorf("incomplete unit delivered")
	}
}

func TestOpusRoundTrip(t *testing.T) {
	t.Parallel()
	p, err := New(codec.Opus, testConfig(codec.Opus, 1400))
	if err != nil {
		t.Fatal(err)
	}
	frame := []byte{0xFC, 0x01, 0x02, 0x03}
	pkts, err := p.Packetize(frame, 20_000)
	if err != nil {
		t.Fatal(err)
	}
	if len(pkts) != 1 || pkts[0].Timestamp != 960 || pkts[0].PayloadType != 111 {
		t.Fatalf("packets = %+v", pkts)
	}
	d, _ := NewDepacketizer(codec.Opus)
	units := depacketizeAll(t, d, pkts)
	if len(units) != 1 || !bytes.Equal(units[0], frame) {
		t.Fatalf("units = %x", units)
	}
}

func TestUnsupportedCodec(t *testing.T) {
	t.Parallel()
	if _, err := New(codec.Unknown, Config{}); !errors.Is(err, ErrUnsupportedCodec) {
		t.Errorf("New err = %v", err)
	}
	if _, err := NewDepacketizer(codec.Unknown); !errors.Is(err, ErrUnsupportedCodec) {
		t.Errorf("NewDepacketizer err = %v", err)
	}
}

func TestDrop(t *testing.T) {
	t.Parallel()
	p, _ := New(codec.H264, DefaultConfig(codec.H264))
	p.Drop()
	p.Drop()
	if got := p.Stats().Dropped; got != 2 {
		t.Errorf("Dropped = %d, want 2", got)
	}
}
