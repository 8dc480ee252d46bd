package packetizer

import (
	"fmt"

	"github.com/pion/rtp"

	"github.com/zsiec/castkit/internal/codec"
)

const (
	hevcNALHeaderSize = 2
	hevcFUHeaderSize  = 3
)

type h265Packetizer struct {
	stamper
}

// Packetize sends each NAL as a single NAL unit packet when it fits the
// MTU and as FU fragments (type 49) otherwise. DONL is never used.
func (p *h265Packetizer) Packetize(au []byte, pts int64) ([]*rtp.Packet, error) {
	nalus := codec.SplitAnnexBHEVC(au)
	if len(nalus) == 0 {
		return nil, fmt.Errorf("%w: no H.265 start code in %d-byte unit", ErrMalformed, len(au))
	}

	ts := p.timestamp(pts)
	p.units.Add(1)

	var pkts []*rtp.Packet
	for i, nal := range nalus {
		last := i == len(nalus)-1
		if len(nal.Data) <= p.mtu {
			pkts = append(pkts, p.packet(ts, last, nal.Data))
			continue
		}

		// PayloadHdr keeps F, LayerId and TID from the NAL header with
		// the type replaced by 49.
		hdr0 := nal.Data[0]&0x81 | codec.HEVCNALFU<<1
		hdr1 := nal.Data[1]
		body := nal.Data[hevcNALHeaderSize:]
		maxFrag := p.mtu - hevcFUHeaderSize
		for off := 0; off < len(body); off += maxFrag {
			end := min(off+maxFrag, len(body))
			fu := nal.Type
			if off == 0 {
				fu |= 0x80
			}
			if end == len(body) {
				fu |= 0x40
			}
			payload := make([]byte, 0, hevcFUHeaderSize+end-off)
			payload = append(payload, hdr0, hdr1, fu)
			payload = append(payload, body[off:end]...)
			pkts = append(pkts, p.packet(ts, last && end == len(body), payload))
		}
	}
	return pkts, nil
}

type h265Depacketizer struct {
	unitAssembler
}

// Depacketize accepts single NAL unit, AP (48) and FU (49) payloads.
func (d *h265Depacketizer) Depacketize(pkt *rtp.Packet) ([][]byte, error) {
	d.begin(pkt)

	payload := pkt.Payload
	if len(payload) < hevcNALHeaderSize {
		return d.fail(fmt.Errorf("%w: H.265 payload of %d bytes", ErrMalformed, len(payload)))
	}

	switch t := codec.HEVCNALType(payload[0]); {
	case t < codec.HEVCNALAP:
		if d.inFU {
			return d.fail(fmt.Errorf("%w: NAL inside unfinished FU", ErrMalformed))
		}
		d.appendNAL(payload)

	case t == codec.HEVCNALAP:
		for off := hevcNALHeaderSize; off < len(payload); {
			if off+2 > len(payload) {
				return d.fail(fmt.Errorf("%w: truncated AP size", ErrMalformed))
			}
			size := int(payload[off])<<8 | int(payload[off+1])
			off += 2
			if size < hevcNALHeaderSize || off+size > len(payload) {
				return d.fail(fmt.Errorf("%w: AP NAL of %d bytes overruns packet", ErrMalformed, size))
			}
			d.appendNAL(payload[off : off+size])
			off += size
		}

	case t == codec.HEVCNALFU:
		if len(payload) < hevcFUHeaderSize+1 {
			return d.fail(fmt.Errorf("%w: truncated FU", ErrMalformed))
		}
		fu := payload[2]
		if fu&0x80 != 0 {
			d.fu = append(d.fu[:0], payload[0]&0x81|(fu&0x3F)<<1, payload[1])
			d.inFU = true
		} else if !d.inFU {
			d.broken = true
			return d.finish(pkt.Marker), nil
		}
		d.fu = append(d.fu, payload[hevcFUHeaderSize:]...)
		if fu&0x40 != 0 {
			d.appendNAL(d.fu)
			d.inFU = false
			d.fu = d.fu[:0]
		}

	default:
		return d.fail(fmt.Errorf("%w: unsupported H.265 packet type %d", ErrMalformed, t))
	}

	return d.finish(pkt.Marker), nil
}
