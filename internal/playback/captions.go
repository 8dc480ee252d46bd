package playback

import (
	"sync/atomic"

	"github.com/zsiec/ccx"

	"github.com/zsiec/castkit/internal/codec"
)

// captionDecoder turns caption SEI payloads into caption updates. CEA-608
// pairs go to one decoder per channel; CEA-708 DTVCC bytes are collected
// into packets and routed to services 1-6, reported as channels 7-12.
type captionDecoder struct {
	sink  CaptionSink
	count *atomic.Int64

	cea608 map[int]*ccx.CEA608Decoder
	cea708 map[int]*ccx.CEA708Service
	dtvcc  []byte

	frames int64

	lastCtrl      [2][2]byte
	lastWasCtrl   [2]bool
	lastCtrlFrame [2]int64
}

func newCaptionDecoder(sink CaptionSink, count *atomic.Int64) *captionDecoder {
	d := &captionDecoder{
		sink:   sink,
		count:  count,
		cea608: make(map[int]*ccx.CEA608Decoder, 4),
		cea708: make(map[int]*ccx.CEA708Service, 6),
	}
	for ch := 1; ch <= 4; ch++ {
		d.cea608[ch] = ccx.NewCEA608Decoder()
	}
	for svc := 1; svc <= 6; svc++ {
		d.cea708[svc] = ccx.NewCEA708Service()
	}
	return d
}

// frameDone advances the video frame counter used to detect repeated
// control codes.
func (d *captionDecoder) frameDone() {
	d.frames++
}

// handleSEI decodes the A/53 caption data of one SEI NAL unit, header
// included.
func (d *captionDecoder) handleSEI(c codec.Codec, sei []byte, pts int64) {
	if d.sink == nil {
		return
	}
	var cd *ccx.CaptionData
	if c == codec.H265 {
		cd = ccx.ExtractCaptionsHEVC(sei)
	} else {
		cd = ccx.ExtractCaptions(sei)
	}
	if cd == nil {
		return
	}

	for _, pair := range cd.CC608Pairs {
		cc1, cc2 := pair.Data[0], pair.Data[1]

		// control codes are sent twice; the repeat within two frames is
		// dropped
		f := pair.Field
		if cc1 >= 0x10 && cc1 <= 0x1F {
			cp := [2]byte{cc1, cc2}
			if d.lastWasCtrl[f] && d.lastCtrl[f] == cp && d.frames-d.lastCtrlFrame[f] <= 2 {
				d.lastWasCtrl[f] = false
				continue
			}
			d.lastCtrl[f] = cp
			d.lastWasCtrl[f] = true
			d.lastCtrlFrame[f] = d.frames
		} else {
			d.lastWasCtrl[f] = false
		}

		dec := d.cea608[pair.Channel]
		if dec == nil {
			continue
		}
		if text := dec.Decode(cc1, cc2); text != "" {
			d.emit(&ccx.CaptionFrame{PTS: pts, Text: text, Channel: pair.Channel, Regions: dec.StyledRegions()})
		}
	}

	for _, t := range cd.DTVCC {
		if t.Start {
			d.drainDTVCC(pts)
			d.dtvcc = d.dtvcc[:0]
		}
		d.dtvcc = append(d.dtvcc, t.Data[0], t.Data[1])
	}
}

func (d *captionDecoder) drainDTVCC(pts int64) {
	if len(d.dtvcc) < 1 {
		return
	}
	size := ccx.DTVCCPacketSize(d.dtvcc[0])
	if len(d.dtvcc) < size {
		return
	}
	for _, block := range ccx.ParseDTVCCPacket(d.dtvcc[:size]) {
		svc := d.cea708[block.ServiceNum]
		if svc == nil || !svc.ProcessBlock(block.Data) {
			continue
		}
		if text := svc.DisplayText(); text != "" {
			d.emit(&ccx.CaptionFrame{PTS: pts, Text: text, Channel: block.ServiceNum + 6, Regions: svc.StyledRegions()})
		}
	}
	d.dtvcc = d.dtvcc[size:]
}

func (d *captionDecoder) emit(f *ccx.CaptionFrame) {
	d.count.Add(1)
	d.sink.Caption(f)
}
