package codec

// NALUnit is one H.264 or H.265 NAL unit located in an Annex B stream.
type NALUnit struct {
	Type byte   // 5-bit type for H.264, 6-bit type for H.265
	Data []byte // NAL header byte(s) and payload, without start code
}

// startCode is the 4-byte Annex B prefix castkit writes.
var startCode = []byte{0x00, 0x00, 0x00, 0x01}

// splitAnnexB scans data for 3- and 4-byte start codes and returns the NAL
// units between them. NALs shorter than minNALBytes are skipped. The
// returned Data slices alias data.
func splitAnnexB(data []byte, minNALBytes int, nalType func([]byte) byte) []NALUnit {
	n := len(data)
	if n < 4 {
		return nil
	}

	type scPos struct {
		scStart   int
		dataStart int
	}

	var positions []scPos
	i := 0
	for i < n-2 {
		if data[i] == 0 && data[i+1] == 0 {
			if i < n-3 && data[i+2] == 0 && data[i+3] == 1 {
				positions = append(positions, scPos{scStart: i, dataStart: i + 4})
				i += 4
				continue
			}
			if data[i+2] == 1 {
				positions = append(positions, scPos{scStart: i, dataStart: i + 3})
				i += 3
				continue
			}
		}
		i++
	}

	var units []NALUnit
	for idx, pos := range positions {
		if pos.dataStart >= n {
			continue
		}
		end := n
		if idx+1 < len(positions) {
			end = positions[idx+1].scStart
		}
		if pos.dataStart >= end {
			continue
		}

		nal := data[pos.dataStart:end]
		if len(nal) < minNALBytes {
			continue
		}
		units = append(units, NALUnit{Type: nalType(nal), Data: nal})
	}
	return units
}

// SplitAnnexB splits an H.264 Annex B access unit into NAL units.
func SplitAnnexB(data []byte) []NALUnit {
	return splitAnnexB(data, 1, func(d []byte) byte { return d[0] & 0x1F })
}

// SplitAnnexBHEVC splits an H.265 Annex B access unit into NAL units using
// the 2-byte HEVC NAL header for the type.
func SplitAnnexBHEVC(data []byte) []NALUnit {
	return splitAnnexB(data, 2, func(d []byte) byte { return HEVCNALType(d[0]) })
}

// Split splits an access unit of the given video codec into NAL units.
func Split(c Codec, data []byte) []NALUnit {
	if c == H265 {
		return SplitAnnexBHEVC(data)
	}
	return SplitAnnexB(data)
}

// AppendAnnexB appends each NAL to dst prefixed with a 4-byte start code.
func AppendAnnexB(dst []byte, nalus ...[]byte) []byte {
	for _, nal := range nalus {
		if len(nal) == 0 {
			continue
		}
		dst = append(dst, startCode...)
		dst = append(dst, nal...)
	}
	return dst
}
