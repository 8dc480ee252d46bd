package mpegts

import "fmt"

// isPESPayload checks for the PES start code prefix (0x000001).
func isPESPayload(data []byte) bool {
	return len(data) >= 3 && data[0] == 0x00 && data[1] == 0x00 && data[2] == 0x01
}

// hasOptionalPESHeader reports whether a stream id carries the optional PES
// header. Padding, private_stream_2, ECM, EMM, DSMCC, H.222.1 type E and
// the program stream directory do not.
func hasOptionalPESHeader(streamID byte) bool {
	switch streamID {
	case 0xBE, 0xBF, 0xF0, 0xF1, 0xF2, 0xF8, 0xFF:
		return false
	}
	return true
}

func parsePES(payload []byte) (*PESData, error) {
	if len(payload) < 6 {
		return nil, fmt.Errorf("mpegts: PES packet too short (%d bytes)", len(payload))
	}
	if !isPESPayload(payload) {
		return nil, fmt.Errorf("mpegts: invalid PES start code")
	}

	streamID := payload[3]
	packetLength := int(payload[4])<<8 | int(payload[5])
	end := len(payload)
	if packetLength > 0 && 6+packetLength <= len(payload) {
		end = 6 + packetLength
	}

	pes := &PESData{Header: &PESHeader{StreamID: streamID}}

	if !hasOptionalPESHeader(streamID) {
		pes.Data = payload[6:end]
		return pes, nil
	}

	if len(payload) < 9 {
		return nil, fmt.Errorf("mpegts: PES optional header too short")
	}

	// payload[7] bits 7-6: PTS_DTS_flags; payload[8]: PES_header_data_length
	ptsDTS := (payload[7] >> 6) & 0x03
	dataStart := min(9+int(payload[8]), end)

	opt := &PESOptionalHeader{}
	switch ptsDTS {
	case 2:
		if len(payload) >= 14 {
			opt.PTS = parseTimestamp(payload[9:14])
		}
	case 3:
		if len(payload) >= 19 {
			opt.PTS = parseTimestamp(payload[9:14])
			opt.DTS = parseTimestamp(payload[14:19])
		}
	}
	pes.Header.OptionalHeader = opt
	pes.Data = payload[dataStart:end]
	return pes, nil
}

// parseTimestamp extracts a 33-bit PTS or DTS from its 5-byte encoding.
func parseTimestamp(bs []byte) *ClockReference {
	if len(bs) < 5 {
		return nil
	}
	base := int64(bs[0]>>1&0x07)<<30 |
		int64(bs[1])<<22 |
		int64(bs[2]>>1&0x7F)<<15 |
		int64(bs[3])<<7 |
		int64(bs[4]>>1&0x7F)
	return &ClockReference{Base: base}
}

// appendTimestamp appends the 5-byte PTS/DTS encoding with the given
// 4-bit prefix ('0010' for PTS only).
func appendTimestamp(dst []byte, prefix byte, ts int64) []byte {
	ts &= maxTimestamp
	return append(dst,
		prefix<<4|byte(ts>>29)&0x0E|0x01,
		byte(ts>>22),
		byte(ts>>14)|0x01,
		byte(ts>>7),
		byte(ts<<1)|0x01,
	)
}

// appendPESHeader appends a PES header with a PTS for a payload of
// dataLen bytes. Video packets too large for the 16-bit length field use
// the unbounded length 0.
func appendPESHeader(dst []byte, streamID byte, pts int64, dataLen int) []byte {
	const optLen = 3 + 5
	length := optLen + dataLen
	if length > 0xFFFF {
		length = 0
	}
	dst = append(dst, 0x00, 0x00, 0x01, streamID, byte(length>>8), byte(length),
		0x80, // '10' marker, no scrambling
		0x80, // PTS only
		5,
	)
	return appendTimestamp(dst, 0x02, pts)
}
