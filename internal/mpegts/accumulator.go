package mpegts

const pidPAT = 0x0000

// pidAssembler collects the payload bytes of one PID until a unit is
// complete: the next payload-unit-start, a complete PSI section, or a PES
// packet whose declared length has been reached.
type pidAssembler struct {
	pid     uint16
	psi     bool
	payload []byte
	started bool
	lastCC  int

	ccErrors int64
}

func newPIDAssembler(pid uint16, psi bool) *pidAssembler {
	return &pidAssembler{pid: pid, psi: psi, lastCC: -1}
}

// add consumes one packet and returns a completed unit, if any. The
// returned slice is owned by the caller.
func (a *pidAssembler) add(p *Packet) []byte {
	if p.Header.TransportErrorIndicator {
		a.reset()
		return nil
	}
	if !p.Header.HasPayload {
		return nil
	}

	cc := int(p.Header.ContinuityCounter)
	if a.lastCC >= 0 && !p.Header.DiscontinuityIndicator {
		if cc == a.lastCC {
			return nil // duplicate
		}
		if cc != (a.lastCC+1)&0x0F {
			a.ccErrors++
			a.reset()
		}
	}
	a.lastCC = cc

	var done []byte
	if p.Header.PayloadUnitStartIndicator {
		if a.started && len(a.payload) > 0 {
			done = a.payload
		}
		a.payload = append([]byte(nil), p.Payload...)
		a.started = true
	} else {
		if !a.started {
			return nil // mid-unit join; wait for the next start
		}
		a.payload = append(a.payload, p.Payload...)
	}

	if done != nil {
		return done
	}
	if a.psi && isPSIComplete(a.payload) || !a.psi && isPESComplete(a.payload) {
		return a.take()
	}
	return nil
}

func (a *pidAssembler) take() []byte {
	if !a.started || len(a.payload) == 0 {
		return nil
	}
	out := a.payload
	a.payload = nil
	a.started = false
	return out
}

func (a *pidAssembler) reset() {
	a.payload = nil
	a.started = false
}

// isPSIComplete checks whether payload holds every section it announces.
func isPSIComplete(payload []byte) bool {
	if len(payload) < 1 {
		return false
	}

	offset := 1 + int(payload[0])
	if offset >= len(payload) {
		return false
	}

	for offset < len(payload) {
		if payload[offset] == 0xFF {
			return true // stuffing
		}
		if offset+3 > len(payload) {
			return false
		}
		// section_syntax_indicator is set on PAT/PMT; zero padding has it clear.
		if payload[offset+1]&0x80 == 0 {
			return true
		}
		sectionLength := int(payload[offset+1]&0x0F)<<8 | int(payload[offset+2])
		needed := 3 + sectionLength
		if offset+needed > len(payload) {
			return false
		}
		offset += needed
	}
	return true
}

// isPESComplete reports whether a bounded PES packet has all its bytes.
// Unbounded (length 0) packets complete only on the next unit start.
func isPESComplete(payload []byte) bool {
	if len(payload) < 6 || !isPESPayload(payload) {
		return false
	}
	n := int(payload[4])<<8 | int(payload[5])
	return n > 0 && len(payload) >= 6+n
}
