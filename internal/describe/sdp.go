package describe

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pion/sdp/v3"

	"github.com/zsiec/castkit/internal/codec"
	"github.com/zsiec/castkit/internal/media"
)

const sessionName = "castkit"

// Marshal renders medias as an SDP body. origin is the server address used
// in the o= line; the c= line is left unspecified for unicast setup.
func Marshal(origin string, medias []MediaDescription) ([]byte, error) {
	if len(medias) == 0 {
		return nil, ErrNoTracks
	}
	addrType := "IP4"
	if strings.Contains(origin, ":") {
		addrType = "IP6"
	}
	if origin == "" {
		origin = "0.0.0.0"
	}
	id := uint64(time.Now().UnixNano())

	sd := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      id,
			SessionVersion: id,
			NetworkType:    "IN",
			AddressType:    addrType,
			UnicastAddress: origin,
		},
		SessionName: sdp.SessionName(sessionName),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: "0.0.0.0"},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{}}},
		Attributes: []sdp.Attribute{
			{Key: "tool", Value: sessionName},
			{Key: "range", Value: "npt=0-"},
			{Key: "control", Value: "*"},
		},
	}

	for _, m := range medias {
		sd.MediaDescriptions = append(sd.MediaDescriptions, mediaSection(m))
	}
	return sd.Marshal()
}

func mediaSection(m MediaDescription) *sdp.MediaDescription {
	pt := strconv.Itoa(int(m.PayloadType))
	rtpmap := fmt.Sprintf("%s %s/%d", pt, m.Codec.EncodingName(), m.ClockRate)
	if m.Kind == media.KindAudio && m.Channels > 0 {
		rtpmap += "/" + strconv.Itoa(m.Channels)
	}

	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   m.Kind.String(),
			Port:    sdp.RangedPort{Value: m.Port},
			Protos:  []string{"RTP", "AVP"},
			Formats: []string{pt},
		},
		Attributes: []sdp.Attribute{{Key: "rtpmap", Value: rtpmap}},
	}
	if m.Fmtp != "" {
		md.Attributes = append(md.Attributes, sdp.Attribute{Key: "fmtp", Value: pt + " " + m.Fmtp})
	}
	md.Attributes = append(md.Attributes, sdp.Attribute{Key: "control", Value: m.Control})
	return md
}

// Parse decodes an SDP body into media descriptions. Sections with an
// unknown encoding are skipped.
func Parse(body []byte) ([]MediaDescription, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("describe: parse sdp: %w", err)
	}

	var out []MediaDescription
	for _, md := range sd.MediaDescriptions {
		rtpmap, ok := md.Attribute("rtpmap")
		if !ok {
			continue
		}
		ptStr, enc, _ := strings.Cut(rtpmap, " ")
		pt, err := strconv.ParseUint(ptStr, 10, 8)
		if err != nil {
			return nil, fmt.Errorf("describe: bad rtpmap %q: %w", rtpmap, err)
		}
		parts := strings.Split(enc, "/")
		c := codecByEncodingName(parts[0])
		if c == codec.Unknown {
			continue
		}
		m := MediaDescription{
			Kind:        c.Kind(),
			Codec:       c,
			Port:        md.MediaName.Port.Value,
			PayloadType: uint8(pt),
		}
		if len(parts) > 1 {
			rate, err := strconv.ParseUint(parts[1], 10, 32)
			if err != nil {
				return nil, fmt.Errorf("describe: bad clock rate in %q: %w", rtpmap, err)
			}
			m.ClockRate = uint32(rate)
		}
		if len(parts) > 2 {
			m.Channels, _ = strconv.Atoi(parts[2])
		}
		if fmtp, ok := md.Attribute("fmtp"); ok {
			_, m.Fmtp, _ = strings.Cut(fmtp, " ")
		}
		m.Control, _ = md.Attribute("control")
		out = append(out, m)
	}
	return out, nil
}

func codecByEncodingName(name string) codec.Codec {
	for _, c := range []codec.Codec{codec.H264, codec.H265, codec.AAC, codec.Opus} {
		if strings.EqualFold(c.EncodingName(), name) {
			return c
		}
	}
	return codec.Unknown
}
