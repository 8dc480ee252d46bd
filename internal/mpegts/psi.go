package mpegts

import "fmt"

const (
	tableIDPAT = 0x00
	tableIDPMT = 0x02
)

func parsePSI(payload []byte, pid uint16) ([]*DemuxerData, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("mpegts: PSI payload too short")
	}

	offset := 1 + int(payload[0])
	if offset >= len(payload) {
		return nil, fmt.Errorf("mpegts: PSI pointer field out of range")
	}

	var results []*DemuxerData
	for offset+3 <= len(payload) {
		tableID := payload[offset]
		if tableID == 0xFF || payload[offset+1]&0x80 == 0 {
			break // stuffing or padding
		}

		sectionLength := int(payload[offset+1]&0x0F)<<8 | int(payload[offset+2])
		sectionEnd := offset + 3 + sectionLength
		if sectionEnd > len(payload) {
			break
		}
		section := payload[offset:sectionEnd]

		switch tableID {
		case tableIDPAT:
			pat, err := parsePATSection(section)
			if err != nil {
				return results, err
			}
			results = append(results, &DemuxerData{PID: pid, PAT: pat})
		case tableIDPMT:
			pmt, err := parsePMTSection(section)
			if err != nil {
				return results, err
			}
			results = append(results, &DemuxerData{PID: pid, PMT: pmt})
		}

		offset = sectionEnd
	}
	return results, nil
}

// parsePATSection parses a PAT section including its trailing CRC.
//
//	[0]      table_id
//	[1-2]    syntax(1) zero(1) reserved(2) section_length(12)
//	[3-4]    transport_stream_id
//	[5-7]    version, section_number, last_section_number
//	[8..N-4] program entries (4 bytes each)
func parsePATSection(data []byte) (*PATData, error) {
	if err := verifyCRC32(data); err != nil {
		return nil, fmt.Errorf("mpegts: PAT %w", err)
	}
	if len(data) < 12 {
		return nil, fmt.Errorf("mpegts: PAT too short")
	}

	entryEnd := len(data) - 4
	pat := &PATData{}
	for i := 8; i+4 <= entryEnd; i += 4 {
		programNumber := uint16(data[i])<<8 | uint16(data[i+1])
		if programNumber == 0 {
			continue // NIT
		}
		pat.Programs = append(pat.Programs, &PATProgram{
			ProgramNumber: programNumber,
			ProgramMapID:  uint16(data[i+2]&0x1F)<<8 | uint16(data[i+3]),
		})
	}
	return pat, nil
}

// parsePMTSection parses a PMT section including its trailing CRC.
//
//	[8-9]   reserved(3) PCR_PID(13)
//	[10-11] reserved(4) program_info_length(12)
//	then program descriptors, elementary stream entries, CRC32
func parsePMTSection(data []byte) (*PMTData, error) {
	if err := verifyCRC32(data); err != nil {
		return nil, fmt.Errorf("mpegts: PMT %w", err)
	}
	if len(data) < 16 {
		return nil, fmt.Errorf("mpegts: PMT too short")
	}

	pmt := &PMTData{PCRPID: uint16(data[8]&0x1F)<<8 | uint16(data[9])}
	programInfoLength := int(data[10]&0x0F)<<8 | int(data[11])
	offset := 12 + programInfoLength
	end := len(data) - 4

	for offset+5 <= end {
		esInfoLength := int(data[offset+3]&0x0F)<<8 | int(data[offset+4])
		pmt.ElementaryStreams = append(pmt.ElementaryStreams, &PMTElementaryStream{
			StreamType:    data[offset],
			ElementaryPID: uint16(data[offset+1]&0x1F)<<8 | uint16(data[offset+2]),
		})
		offset += 5 + esInfoLength
	}
	return pmt, nil
}

// buildPATSection renders a single-program PAT with its CRC.
func buildPATSection(tsID, programNumber, pmtPID uint16) []byte {
	const sectionLength = 5 + 4 + 4
	s := []byte{
		tableIDPAT,
		0xB0 | byte(sectionLength>>8), byte(sectionLength),
		byte(tsID >> 8), byte(tsID),
		0xC1, // version 0, current_next 1
		0x00, 0x00,
		byte(programNumber >> 8), byte(programNumber),
		0xE0 | byte(pmtPID>>8), byte(pmtPID),
	}
	return appendCRC32(s)
}

// buildPMTSection renders a PMT for the given elementary streams.
func buildPMTSection(programNumber, pcrPID uint16, streams []PMTElementaryStream) []byte {
	sectionLength := 9 + 5*len(streams) + 4
	s := []byte{
		tableIDPMT,
		0xB0 | byte(sectionLength>>8), byte(sectionLength),
		byte(programNumber >> 8), byte(programNumber),
		0xC1,
		0x00, 0x00,
		0xE0 | byte(pcrPID>>8), byte(pcrPID),
		0xF0, 0x00, // program_info_length 0
	}
	for _, es := range streams {
		s = append(s, es.StreamType,
			0xE0|byte(es.ElementaryPID>>8), byte(es.ElementaryPID),
			0xF0, 0x00)
	}
	return appendCRC32(s)
}
