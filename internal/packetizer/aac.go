package packetizer

import (
	"fmt"

	"github.com/pion/rtp"

	"github.com/zsiec/castkit/internal/codec"
)

// AAC-hbr: 16-bit AU-headers-length, then one 16-bit AU-header per access
// unit (13-bit size, 3-bit index/index-delta, always zero here).
const (
	aacHeadersLengthSize = 2
	aacAUHeaderSize      = 2
	aacMaxAUSize         = 1<<13 - 1
	aacSamplesPerFrame   = 1024
)

type aacPacketizer struct {
	stamper
}

// Packetize accepts either ADTS frames or one raw access unit. ADTS headers
// are stripped. Access units that fit are aggregated into one packet;
// larger ones are fragmented with the marker on the last fragment.
func (p *aacPacketizer) Packetize(au []byte, pts int64) ([]*rtp.Packet, error) {
	aus, err := rawAccessUnits(au)
	if err != nil {
		return nil, err
	}

	ts := p.timestamp(pts)
	p.units.Add(int64(len(aus)))

	var pkts []*rtp.Packet
	var batch [][]byte
	batchSize := aacHeadersLengthSize
	batchTS := ts

	flush := func() {
		if len(batch) == 0 {
			return
		}
		pkts = append(pkts, p.packet(batchTS, true, buildAACPayload(batch)))
		batchTS += uint32(len(batch) * aacSamplesPerFrame)
		batch = batch[:0]
		batchSize = aacHeadersLengthSize
	}

	for _, a := range aus {
		need := aacAUHeaderSize + len(a)
		if batchSize+need <= p.mtu {
			batch = append(batch, a)
			batchSize += need
			continue
		}
		flush()
		if aacHeadersLengthSize+need <= p.mtu {
			batch = append(batch, a)
			batchSize += need
			continue
		}

		// Fragment: each packet carries one AU-header with the full size.
		maxFrag := p.mtu - aacHeadersLengthSize - aacAUHeaderSize
		for off := 0; off < len(a); off += maxFrag {
			end := min(off+maxFrag, len(a))
			payload := make([]byte, 0, aacHeadersLengthSize+aacAUHeaderSize+end-off)
			payload = append(payload, 0x00, 0x10, byte(len(a)>>5), byte(len(a)<<3))
			payload = append(payload, a[off:end]...)
			pkts = append(pkts, p.packet(batchTS, end == len(a), payload))
		}
		batchTS += aacSamplesPerFrame
	}
	flush()
	return pkts, nil
}

func rawAccessUnits(au []byte) ([][]byte, error) {
	if len(au) == 0 {
		return nil, fmt.Errorf("%w: empty AAC unit", ErrMalformed)
	}
	if codec.IsADTS(au) {
		frames, err := codec.ParseADTS(au)
		if err != nil || len(frames) == 0 {
			return nil, fmt.Errorf("%w: bad ADTS stream", ErrMalformed)
		}
		out := make([][]byte, 0, len(frames))
		for _, f := range frames {
			out = append(out, f.Payload)
		}
		return out, nil
	}
	if len(au) > aacMaxAUSize {
		return nil, fmt.Errorf("%w: AAC unit of %d bytes", ErrMalformed, len(au))
	}
	return [][]byte{au}, nil
}

func buildAACPayload(aus [][]byte) []byte {
	size := aacHeadersLengthSize + len(aus)*aacAUHeaderSize
	for _, a := range aus {
		size += len(a)
	}
	bits := len(aus) * aacAUHeaderSize * 8
	payload := make([]byte, 0, size)
	payload = append(payload, byte(bits>>8), byte(bits))
	for _, a := range aus {
		payload = append(payload, byte(len(a)>>5), byte(len(a)<<3))
	}
	for _, a := range aus {
		payload = append(payload, a...)
	}
	return payload
}

type aacDepacketizer struct {
	seq      sequencer
	frag     []byte
	fragSize int
	broken   bool
}

// Depacketize returns the raw access units of a packet, or the reassembled
// unit once its final fragment arrives.
func (d *aacDepacketizer) Depacketize(pkt *rtp.Packet) ([][]byte, error) {
	if d.seq.gap(pkt.SequenceNumber) && d.fragSize > 0 {
		d.broken = true
	}

	payload := pkt.Payload
	if len(payload) < aacHeadersLengthSize {
		return d.fail()
	}
	bits := int(payload[0])<<8 | int(payload[1])
	if bits == 0 || bits%16 != 0 {
		return d.fail()
	}
	n := bits / 16
	dataStart := aacHeadersLengthSize + n*aacAUHeaderSize
	if dataStart > len(payload) {
		return d.fail()
	}

	sizes := make([]int, n)
	for i := range sizes {
		h := payload[aacHeadersLengthSize+2*i:]
		sizes[i] = int(h[0])<<5 | int(h[1])>>3
	}
	data := payload[dataStart:]

	if n == 1 && sizes[0] > len(data) || d.fragSize > 0 {
		return d.fragment(pkt, sizes, data)
	}

	var out [][]byte
	for _, sz := range sizes {
		if sz > len(data) {
			return out, fmt.Errorf("%w: AU of %d bytes overruns packet", ErrMalformed, sz)
		}
		out = append(out, append([]byte(nil), data[:sz]...))
		data = data[sz:]
	}
	return out, nil
}

func (d *aacDepacketizer) fragment(pkt *rtp.Packet, sizes []int, data []byte) ([][]byte, error) {
	if len(sizes) != 1 {
		return d.fail()
	}
	if d.fragSize == 0 {
		d.fragSize = sizes[0]
		d.frag = d.frag[:0]
	} else if sizes[0] != d.fragSize {
		d.broken = true
	}
	d.frag = append(d.frag, data...)

	if !pkt.Marker {
		return nil, nil
	}
	defer d.resetFragment()
	if d.broken || len(d.frag) != d.fragSize {
		return nil, nil
	}
	return [][]byte{append([]byte(nil), d.frag...)}, nil
}

func (d *aacDepacketizer) resetFragment() {
	d.frag = d.frag[:0]
	d.fragSize = 0
	d.broken = false
}

func (d *aacDepacketizer) fail() ([][]byte, error) {
	d.resetFragment()
	return nil, fmt.Errorf("%w: bad AAC AU header section", ErrMalformed)
}
