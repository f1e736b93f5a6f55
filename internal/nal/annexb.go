// Package nal provides Annex-B level helpers for H.264 and HEVC: start-code
// scanning, NAL-type classification, and independent header parsers used to
// cross-check synthesised parameter sets.
package nal

// StartCode is the three-byte Annex-B NAL delimiter.
var StartCode = []byte{0x00, 0x00, 0x01}

// nextStartCode returns the index of the next 3- or 4-byte start code at or
// after from, and the index of the first payload byte following it. Returns
// (-1, -1) when no start code remains.
func nextStartCode(data []byte, from int) (int, int) {
	for i := from; i+2 < len(data); i++ {
		if data[i] != 0 || data[i+1] != 0 {
			continue
		}
		if data[i+2] == 1 {
			return i, i + 3
		}
		if data[i+2] == 0 && i+3 < len(data) && data[i+3] == 1 {
			return i, i + 4
		}
	}
	return -1, -1
}

// Split walks an Annex-B buffer and returns the NAL unit payloads in order,
// without their start codes. Bytes before the first start code are ignored.
func Split(data []byte) [][]byte {
	var units [][]byte
	_, payload := nextStartCode(data, 0)
	for payload >= 0 {
		next, nextPayload := nextStartCode(data, payload)
		if next < 0 {
			if payload < len(data) {
				units = append(units, data[payload:])
			}
			return units
		}
		units = append(units, data[payload:next])
		payload = nextPayload
	}
	return units
}

// HEVCParameterSets holds in-band parameter set NAL units located by
// ScanHEVCParameterSets. A nil slice means the set was not found.
type HEVCParameterSets struct {
	VPS []byte
	SPS []byte
	PPS []byte
}

// Parameter sets larger than these are assumed to be misdetected payload
// and are skipped.
const (
	maxVPSSize = 64
	maxSPSSize = 256
	maxPPSSize = 128
)

// ScanHEVCParameterSets walks an Annex-B buffer and extracts the first
// in-band VPS, SPS, and PPS it finds. Returns the number of sets located.
func ScanHEVCParameterSets(data []byte) (HEVCParameterSets, int) {
	var ps HEVCParameterSets
	found := 0
	for _, unit := range Split(data) {
		if len(unit) == 0 {
			continue
		}
		switch HEVCNALType(unit[0]) {
		case HEVCNALVPS:
			if ps.VPS == nil && len(unit) <= maxVPSSize {
				ps.VPS = unit
				found++
			}
		case HEVCNALSPS:
			if ps.SPS == nil && len(unit) <= maxSPSSize {
				ps.SPS = unit
				found++
			}
		case HEVCNALPPS:
			if ps.PPS == nil && len(unit) <= maxPPSSize {
				ps.PPS = unit
				found++
			}
		}
	}
	return ps, found
}

// removeEmulationPrevention strips 00 00 03 escape sequences from RBSP data.
func removeEmulationPrevention(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if i+2 < len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 3 &&
			(i+3 >= len(data) || data[i+3] <= 3) {
			out = append(out, 0, 0)
			i += 2
		} else {
			out = append(out, data[i])
		}
	}
	return out
}
