package codec

// H.265/HEVC NAL unit types (ITU-T H.265 Table 7-1) and the RTP payload
// structure types from RFC 7798.
const (
	HEVCNALBlaWLP     = 16
	HEVCNALIDRWRadl   = 19
	HEVCNALIDRNlp     = 20
	HEVCNALCraNut     = 21
	HEVCNALVPS        = 32
	HEVCNALSPS        = 33
	HEVCNALPPS        = 34
	HEVCNALAUD        = 35
	HEVCNALFillerData = 38
	HEVCNALSEIPrefix  = 39
	HEVCNALSEISuffix  = 40
	HEVCNALAP         = 48
	HEVCNALFU         = 49
)

// HEVCNALType extracts the 6-bit NAL type from the first byte of the 2-byte
// HEVC NAL header: forbidden(1) | type(6) | layerID_high(1).
func HEVCNALType(firstByte byte) byte {
	return (firstByte >> 1) & 0x3F
}

// IsHEVCKeyframe reports whether the NAL type is an IRAP picture (BLA, IDR
// or CRA).
func IsHEVCKeyframe(nalType byte) bool {
	return nalType >= HEVCNALBlaWLP && nalType <= HEVCNALCraNut
}

// HEVCSPSInfo holds the resolution and profile/tier/level of an HEVC SPS.
type HEVCSPSInfo struct {
	Width      int
	Height     int
	ProfileIDC byte
	TierFlag   byte
	LevelIDC   byte
}

// ParseHEVCSPS parses an HEVC SPS NAL unit (2-byte header included) far
// enough to read profile/tier/level and the conformance-cropped size.
func ParseHEVCSPS(nalu []byte) (HEVCSPSInfo, error) {
	if len(nalu) < 4 {
		return HEVCSPSInfo{}, errSPSTooShort
	}

	br := newBitReader(removeEmulationPrevention(nalu[2:]))

	if _, err := br.readBits(4); err != nil { // sps_video_parameter_set_id
		return HEVCSPSInfo{}, err
	}
	maxSubLayersMinus1, err := br.readBits(3)
	if err != nil {
		return HEVCSPSInfo{}, err
	}
	if _, err := br.readBits(1); err != nil { // sps_temporal_id_nesting_flag
		return HEVCSPSInfo{}, err
	}

	var info HEVCSPSInfo
	if err := parseHEVCProfileTierLevel(br, &info, maxSubLayersMinus1); err != nil {
		return HEVCSPSInfo{}, err
	}

	if _, err := br.readUE(); err != nil { // sps_seq_parameter_set_id
		return HEVCSPSInfo{}, err
	}
	chromaFormatIdc, err := br.readUE()
	if err != nil {
		return HEVCSPSInfo{}, err
	}
	if chromaFormatIdc == 3 {
		if _, err := br.readBits(1); err != nil { // separate_colour_plane_flag
			return HEVCSPSInfo{}, err
		}
	}

	width, err := br.readUE()
	if err != nil {
		return HEVCSPSInfo{}, err
	}
	height, err := br.readUE()
	if err != nil {
		return HEVCSPSInfo{}, err
	}
	info.Width = int(width)
	info.Height = int(height)

	confWindow, err := br.readBits(1)
	if err != nil || confWindow == 0 {
		return info, nil
	}

	var left, right, top, bottom uint
	for _, dst := range []*uint{&left, &right, &top, &bottom} {
		if *dst, err = br.readUE(); err != nil {
			return info, nil
		}
	}

	subWidthC, subHeightC := uint(1), uint(1)
	switch chromaFormatIdc {
	case 1:
		subWidthC, subHeightC = 2, 2
	case 2:
		subWidthC, subHeightC = 2, 1
	}
	info.Width -= int((left + right) * subWidthC)
	info.Height -= int((top + bottom) * subHeightC)
	return info, nil
}

func parseHEVCProfileTierLevel(br *bitReader, info *HEVCSPSInfo, maxSubLayersMinus1 uint) error {
	if _, err := br.readBits(2); err != nil { // general_profile_space
		return err
	}
	tier, err := br.readBits(1)
	if err != nil {
		return err
	}
	info.TierFlag = byte(tier)

	profile, err := br.readBits(5)
	if err != nil {
		return err
	}
	info.ProfileIDC = byte(profile)

	// general_profile_compatibility_flags (32) + constraint flags (48)
	for _, n := range []int{32, 24, 24} {
		if _, err := br.readBits(n); err != nil {
			return err
		}
	}

	level, err := br.readBits(8)
	if err != nil {
		return err
	}
	info.LevelIDC = byte(level)

	if maxSubLayersMinus1 == 0 {
		return nil
	}

	var profilePresent, levelPresent [8]bool
	for i := uint(0); i < maxSubLayersMinus1; i++ {
		pp, err := br.readBits(1)
		if err != nil {
			return err
		}
		lp, err := br.readBits(1)
		if err != nil {
			return err
		}
		profilePresent[i] = pp == 1
		levelPresent[i] = lp == 1
	}
	for i := maxSubLayersMinus1; i < 8; i++ {
		if _, err := br.readBits(2); err != nil { // reserved_zero_2bits
			return err
		}
	}
	for i := uint(0); i < maxSubLayersMinus1; i++ {
		if profilePresent[i] {
			for _, n := range []int{32, 32, 24} {
				if _, err := br.readBits(n); err != nil {
					return err
				}
			}
		}
		if levelPresent[i] {
			if _, err := br.readBits(8); err != nil {
				return err
			}
		}
	}
	return nil
}
