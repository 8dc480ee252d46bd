package codec

import (
	"errors"
	"fmt"
)

// ErrInvalidADTS is returned when the ADTS sync word or header is malformed.
var ErrInvalidADTS = errors.New("codec: invalid ADTS header")

// AAC sample rate index table (ISO 14496-3)
var aacSampleRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350,
}

// AACObjectTypeLC is the AAC Low Complexity audio object type.
const AACObjectTypeLC = 2

// AACFrame is one AAC access unit located in an ADTS stream.
type AACFrame struct {
	Data       []byte // complete ADTS frame (header + payload)
	Payload    []byte // raw access unit without the ADTS header
	SampleRate int
	Channels   int
	ObjectType int
}

// ParseADTS splits an ADTS byte stream into frames. Garbage before a sync
// word is skipped; a truncated trailing frame is ignored.
func ParseADTS(data []byte) ([]AACFrame, error) {
	var frames []AACFrame
	offset := 0

	for offset < len(data) {
		if len(data)-offset < 7 {
			break
		}

		if data[offset] != 0xFF || (data[offset+1]&0xF0) != 0xF0 {
			offset++
			continue
		}

		hasCRC := (data[offset+1] & 0x01) == 0
		headerSize := 7
		if hasCRC {
			headerSize = 9
		}

		sampleRateIdx := (data[offset+2] >> 2) & 0x0F
		if int(sampleRateIdx) >= len(aacSampleRates) {
			return frames, ErrInvalidADTS
		}

		objectType := int(data[offset+2]>>6) + 1
		channelCfg := ((data[offset+2] & 0x01) << 2) | ((data[offset+3] >> 6) & 0x03)

		frameLen := int(data[offset+3]&0x03)<<11 |
			int(data[offset+4])<<3 |
			int(data[offset+5]>>5)

		if frameLen < headerSize || offset+frameLen > len(data) {
			break
		}

		frames = append(frames, AACFrame{
			Data:       data[offset : offset+frameLen],
			Payload:    data[offset+headerSize : offset+frameLen],
			SampleRate: aacSampleRates[sampleRateIdx],
			Channels:   int(channelCfg),
			ObjectType: objectType,
		})

		offset += frameLen
	}

	return frames, nil
}

// IsADTS reports whether b starts with an ADTS sync word.
func IsADTS(b []byte) bool {
	return len(b) >= 7 && b[0] == 0xFF && b[1]&0xF0 == 0xF0
}

// SampleRateIndex returns the ISO 14496-3 index for a sample rate.
func SampleRateIndex(rate int) (int, error) {
	for i, r := range aacSampleRates {
		if r == rate {
			return i, nil
		}
	}
	return 0, fmt.Errorf("codec: unsupported AAC sample rate %d", rate)
}

// AudioConfig describes an AAC stream: object type, sample rate and channel
// configuration.
type AudioConfig struct {
	ObjectType int
	SampleRate int
	Channels   int
}

// AudioSpecificConfig returns the 2-byte MPEG-4 AudioSpecificConfig for c.
func (c AudioConfig) AudioSpecificConfig() ([]byte, error) {
	idx, err := SampleRateIndex(c.SampleRate)
	if err != nil {
		return nil, err
	}
	ot := c.ObjectType
	if ot == 0 {
		ot = AACObjectTypeLC
	}
	return []byte{
		byte(ot<<3) | byte(idx>>1),
		byte(idx&1)<<7 | byte(c.Channels&0x0F)<<3,
	}, nil
}

// ParseAudioSpecificConfig decodes the first two bytes of an
// AudioSpecificConfig.
func ParseAudioSpecificConfig(asc []byte) (AudioConfig, error) {
	if len(asc) < 2 {
		return AudioConfig{}, ErrInvalidADTS
	}
	idx := int(asc[0]&0x07)<<1 | int(asc[1]>>7)
	if idx >= len(aacSampleRates) {
		return AudioConfig{}, ErrInvalidADTS
	}
	return AudioConfig{
		ObjectType: int(asc[0] >> 3),
		SampleRate: aacSampleRates[idx],
		Channels:   int(asc[1]>>3) & 0x0F,
	}, nil
}

// AppendADTS appends a 7-byte ADTS header (no CRC) followed by the raw
// access unit to dst.
func AppendADTS(dst []byte, c AudioConfig, au []byte) ([]byte, error) {
	idx, err := SampleRateIndex(c.SampleRate)
	if err != nil {
		return dst, err
	}
	ot := c.ObjectType
	if ot == 0 {
		ot = AACObjectTypeLC
	}
	frameLen := len(au) + 7
	if frameLen > 0x1FFF {
		return dst, fmt.Errorf("codec: AAC frame of %d bytes exceeds ADTS limit", len(au))
	}
	dst = append(dst,
		0xFF,
		0xF1, // MPEG-4, layer 0, no CRC
		byte((ot-1)<<6)|byte(idx<<2)|byte((c.Channels>>2)&0x01),
		byte((c.Channels&0x03)<<6)|byte(frameLen>>11),
		byte(frameLen>>3),
		byte(frameLen<<5)|0x1F,
		0xFC,
	)
	return append(dst, au...), nil
}
