package packetizer

import (
	"fmt"

	"github.com/pion/rtp"

	"github.com/zsiec/castkit/internal/codec"
)

const fuAHeaderSize = 2

type h264Packetizer struct {
	stamper
}

// Packetize sends each NAL as a Single NAL Unit packet when it fits the
// MTU and as FU-A fragments otherwise.
func (p *h264Packetizer) Packetize(au []byte, pts int64) ([]*rtp.Packet, error) {
	nalus := codec.SplitAnnexB(au)
	if len(nalus) == 0 {
		return nil, fmt.Errorf("%w: no H.264 start code in %d-byte unit", ErrMalformed, len(au))
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

		// FU indicator keeps F and NRI; FU header carries the original type.
		indicator := nal.Data[0]&0xE0 | codec.NALTypeFUA
		nalType := nal.Data[0] & 0x1F
		body := nal.Data[1:]
		maxFrag := p.mtu - fuAHeaderSize
		for off := 0; off < len(body); off += maxFrag {
			end := min(off+maxFrag, len(body))
			header := nalType
			if off == 0 {
				header |= 0x80
			}
			if end == len(body) {
				header |= 0x40
			}
			payload := make([]byte, 0, fuAHeaderSize+end-off)
			payload = append(payload, indicator, header)
			payload = append(payload, body[off:end]...)
			pkts = append(pkts, p.packet(ts, last && end == len(body), payload))
		}
	}
	return pkts, nil
}

type h264Depacketizer struct {
	unitAssembler
}

// Depacketize accepts Single NAL Unit, STAP-A and FU-A payloads.
func (d *h264Depacketizer) Depacketize(pkt *rtp.Packet) ([][]byte, error) {
	d.begin(pkt)

	payload := pkt.Payload
	if len(payload) == 0 {
		return d.fail(fmt.Errorf("%w: empty H.264 payload", ErrMalformed))
	}

	switch t := payload[0] & 0x1F; {
	case t >= 1 && t <= 23:
		if d.inFU {
			return d.fail(fmt.Errorf("%w: NAL inside unfinished FU-A", ErrMalformed))
		}
		d.appendNAL(payload)

	case t == codec.NALTypeSTAPA:
		for off := 1; off < len(payload); {
			if off+2 > len(payload) {
				return d.fail(fmt.Errorf("%w: truncated STAP-A size", ErrMalformed))
			}
			size := int(payload[off])<<8 | int(payload[off+1])
			off += 2
			if size == 0 || off+size > len(payload) {
				return d.fail(fmt.Errorf("%w: STAP-A NAL of %d bytes overruns packet", ErrMalformed, size))
			}
			d.appendNAL(payload[off : off+size])
			off += size
		}

	case t == codec.NALTypeFUA:
		if len(payload) < fuAHeaderSize+1 {
			return d.fail(fmt.Errorf("%w: truncated FU-A", ErrMalformed))
		}
		start := payload[1]&0x80 != 0
		end := payload[1]&0x40 != 0
		if start {
			d.fu = append(d.fu[:0], payload[0]&0xE0|payload[1]&0x1F)
			d.inFU = true
		} else if !d.inFU {
			// fragment of a NAL whose start was lost
			d.broken = true
			return d.finish(pkt.Marker), nil
		}
		d.fu = append(d.fu, payload[2:]...)
		if end {
			d.appendNAL(d.fu)
			d.inFU = false
			d.fu = d.fu[:0]
		}

	default:
		return d.fail(fmt.Errorf("%w: unsupported H.264 packet type %d", ErrMalformed, t))
	}

	return d.finish(pkt.Marker), nil
}
