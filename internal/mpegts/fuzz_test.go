package mpegts

import (
	"bytes"
	"testing"
)

func FuzzParsePacket(f *testing.F) {
	// Seed: valid 188-byte TS packet (sync byte 0x47)
	pkt := make([]byte, PacketSize)
	pkt[0] = 0x47
	pkt[1] = 0x40 // PUSI=1, PID=0
	pkt[3] = 0x10 // no adaptation, has payload
	f.Add(pkt)

	// Seed: packet with adaptation field
	afPkt := make([]byte, PacketSize)
	afPkt[0] = 0x47
	afPkt[1] = 0x01
	afPkt[3] = 0x30
	afPkt[4] = 0x07
	f.Add(afPkt)

	f.Fuzz(func(t *testing.T, data []byte) {
		if len(data) != PacketSize {
			return
		}
		parsePacket(data) //nolint:errcheck // must not panic
	})
}

func FuzzParsePES(f *testing.F) {
	f.Add(appendPESHeader(nil, StreamIDVideo, 90000, 4))
	f.Add([]byte{0x00, 0x00, 0x01, 0xC0, 0x00, 0x03, 0x80, 0x00, 0x00})
	f.Add([]byte{0x00, 0x00, 0x01})

	f.Fuzz(func(t *testing.T, data []byte) {
		parsePES(data) //nolint:errcheck // must not panic
	})
}

func FuzzDemuxerWrite(f *testing.F) {
	var buf bytes.Buffer
	m := NewMuxer(&buf)
	pid := m.AddStream(StreamTypeH264)
	if err := m.WritePES(pid, 0, []byte{0, 0, 0, 1, 0x65, 0x88}, true); err != nil {
		f.Fatal(err)
	}
	f.Add(buf.Bytes())
	f.Add([]byte{0x47, 0x47, 0x47})

	f.Fuzz(func(t *testing.T, data []byte) {
		d := NewDemuxer(func(*DemuxerData) {})
		// split across two writes to exercise the partial packet carry
		half := len(data) / 2
		d.Write(data[:half]) //nolint:errcheck
		d.Write(data[half:]) //nolint:errcheck
		d.Flush()
	})
}
