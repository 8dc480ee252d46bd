package mpegts

import "fmt"

const (
	// PacketSize is the size of one transport stream packet.
	PacketSize = 188
	syncByte   = 0x47
)

// parsePacket parses one 188-byte packet. The returned payload aliases buf.
func parsePacket(buf []byte) (*Packet, error) {
	if len(buf) != PacketSize {
		return nil, fmt.Errorf("mpegts: packet size %d, expected %d", len(buf), PacketSize)
	}
	if buf[0] != syncByte {
		return nil, fmt.Errorf("mpegts: invalid sync byte 0x%02X", buf[0])
	}

	p := &Packet{}
	p.Header.TransportErrorIndicator = buf[1]&0x80 != 0
	p.Header.PayloadUnitStartIndicator = buf[1]&0x40 != 0
	p.Header.PID = uint16(buf[1]&0x1F)<<8 | uint16(buf[2])
	p.Header.HasAdaptationField = buf[3]&0x20 != 0
	p.Header.HasPayload = buf[3]&0x10 != 0
	p.Header.ContinuityCounter = buf[3] & 0x0F

	offset := 4
	if p.Header.HasAdaptationField {
		afLen := int(buf[offset])
		if afLen > 0 {
			p.Header.DiscontinuityIndicator = buf[offset+1]&0x80 != 0
			p.Header.RandomAccessIndicator = buf[offset+1]&0x40 != 0
		}
		offset += 1 + afLen
		if offset > PacketSize {
			offset = PacketSize
		}
	}

	if p.Header.HasPayload && offset < PacketSize {
		p.Payload = buf[offset:]
	}
	return p, nil
}

// adaptation describes the optional adaptation field of a packet being
// written. pcr < 0 means no PCR.
type adaptation struct {
	randomAccess bool
	pcr          int64
}

// appendPacket appends one 188-byte packet carrying as much of payload as
// fits and returns the number of payload bytes consumed. A short final
// payload is padded with adaptation-field stuffing.
func appendPacket(dst []byte, pid uint16, pusi bool, cc uint8, af adaptation, payload []byte) ([]byte, int) {
	var afBody []byte
	if af.randomAccess || af.pcr >= 0 {
		var flags byte
		if af.randomAccess {
			flags |= 0x40
		}
		if af.pcr >= 0 {
			flags |= 0x10
		}
		afBody = append(afBody, flags)
		if af.pcr >= 0 {
			base := af.pcr & maxTimestamp
			afBody = append(afBody,
				byte(base>>25), byte(base>>17), byte(base>>9), byte(base>>1),
				byte(base&1)<<7|0x7E, 0x00)
		}
	}
	hasAF := afBody != nil

	room := PacketSize - 4
	if hasAF {
		room -= 1 + len(afBody)
	}
	n := min(len(payload), room)
	if stuff := room - n; stuff > 0 {
		if !hasAF {
			hasAF = true
			stuff-- // adaptation_field_length byte
			if stuff > 0 {
				afBody = append(afBody, 0x00)
				stuff--
			}
		}
		for ; stuff > 0; stuff-- {
			afBody = append(afBody, 0xFF)
		}
	}

	b1 := byte(pid>>8) & 0x1F
	if pusi {
		b1 |= 0x40
	}
	b3 := 0x10 | cc&0x0F
	if hasAF {
		b3 |= 0x20
	}
	dst = append(dst, syncByte, b1, byte(pid), b3)
	if hasAF {
		dst = append(dst, byte(len(afBody)))
		dst = append(dst, afBody...)
	}
	return append(dst, payload[:n]...), n
}
