package packetizer

import (
	"fmt"

	"github.com/pion/rtp"
)

type opusPacketizer struct {
	stamper
}

// Packetize sends one Opus packet per RTP packet. Opus packets are never
// fragmented; the marker bit stays clear.
func (p *opusPacketizer) Packetize(au []byte, pts int64) ([]*rtp.Packet, error) {
	if len(au) == 0 {
		return nil, fmt.Errorf("%w: empty Opus packet", ErrMalformed)
	}
	if len(au) > p.mtu {
		return nil, fmt.Errorf("%w: Opus packet of %d bytes exceeds MTU %d", ErrMalformed, len(au), p.mtu)
	}
	p.units.Add(1)
	return []*rtp.Packet{p.packet(p.timestamp(pts), false, au)}, nil
}

type opusDepacketizer struct{}

func (opusDepacketizer) Depacketize(pkt *rtp.Packet) ([][]byte, error) {
	if len(pkt.Payload) == 0 {
		return nil, fmt.Errorf("%w: empty Opus payload", ErrMalformed)
	}
	return [][]byte{append([]byte(nil), pkt.Payload...)}, nil
}
