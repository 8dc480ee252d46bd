package codec

import "bytes"

// ParameterSets holds the out-of-band configuration of a video stream. VPS
// is only present for H.265.
type ParameterSets struct {
	Codec Codec
	VPS   []byte
	SPS   []byte
	PPS   []byte
}

// Complete reports whether every parameter set the codec needs is present.
func (p ParameterSets) Complete() bool {
	if len(p.SPS) == 0 || len(p.PPS) == 0 {
		return false
	}
	return p.Codec != H265 || len(p.VPS) > 0
}

// Equal reports whether p and o carry the same parameter sets.
func (p ParameterSets) Equal(o ParameterSets) bool {
	return p.Codec == o.Codec &&
		bytes.Equal(p.VPS, o.VPS) &&
		bytes.Equal(p.SPS, o.SPS) &&
		bytes.Equal(p.PPS, o.PPS)
}

// ConfigUnit renders the parameter sets as one Annex B unit suitable for
// priming a decoder.
func (p ParameterSets) ConfigUnit() []byte {
	return AppendAnnexB(nil, p.VPS, p.SPS, p.PPS)
}

// Update copies any parameter sets found in the Annex B access unit au into
// p and reports whether anything changed.
func (p *ParameterSets) Update(au []byte) bool {
	changed := false
	set := func(dst *[]byte, nal []byte) {
		if !bytes.Equal(*dst, nal) {
			*dst = append([]byte(nil), nal...)
			changed = true
		}
	}
	for _, nal := range Split(p.Codec, au) {
		switch p.Codec {
		case H265:
			switch nal.Type {
			case HEVCNALVPS:
				set(&p.VPS, nal.Data)
			case HEVCNALSPS:
				set(&p.SPS, nal.Data)
			case HEVCNALPPS:
				set(&p.PPS, nal.Data)
			}
		default:
			switch nal.Type {
			case NALTypeSPS:
				set(&p.SPS, nal.Data)
			case NALTypePPS:
				set(&p.PPS, nal.Data)
			}
		}
	}
	return changed
}

// ExtractParameterSets scans an Annex B access unit for in-band parameter
// sets.
func ExtractParameterSets(c Codec, au []byte) ParameterSets {
	ps := ParameterSets{Codec: c}
	ps.Update(au)
	return ps
}

// VideoSize parses the SPS and returns the picture dimensions.
func (p ParameterSets) VideoSize() (width, height int, err error) {
	if p.Codec == H265 {
		info, err := ParseHEVCSPS(p.SPS)
		if err != nil {
			return 0, 0, err
		}
		return info.Width, info.Height, nil
	}
	info, err := ParseSPS(p.SPS)
	if err != nil {
		return 0, 0, err
	}
	return info.Width, info.Height, nil
}

// IsKeyframeUnit reports whether an Annex B access unit contains a random
// access picture.
func IsKeyframeUnit(c Codec, au []byte) bool {
	for _, nal := range Split(c, au) {
		if c == H265 && IsHEVCKeyframe(nal.Type) {
			return true
		}
		if c != H265 && IsKeyframe(nal.Type) {
			return true
		}
	}
	return false
}
