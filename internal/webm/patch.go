// Package webm rewrites the segment duration of recorded WebM clips.
//
// Browser encoders write WebM with a live (unknown) duration, which leaves
// players unable to seek. PatchDuration overwrites the EBML Duration value in
// place so an assembled clip declares its real length. Patching is
// best-effort: when the field cannot be found the input is returned as is.
package webm

import (
	"encoding/binary"
	"math"
	"time"
)

// ScanLimit bounds how far into a blob the Duration and TimecodeScale
// elements are searched for. Both live in the segment Info block, which
// encoders write right after the EBML header.
const ScanLimit = 4096

// DefaultTimecodeScale is the Matroska default tick length in nanoseconds.
const DefaultTimecodeScale = 1_000_000

// EBML element IDs used by the patcher.
var (
	idDuration      = []byte{0x44, 0x89}
	idTimecodeScale = []byte{0x2A, 0xD7, 0xB1}
)

// Duration payload size descriptors (one-byte EBML vints).
const (
	sizeFloat64 = 0x88
	sizeFloat32 = 0x84
)

// Locate finds the Duration value within the first ScanLimit bytes. It
// returns the offset of the value bytes and their width (4 or 8).
func Locate(blob []byte) (offset, width int, ok bool) {
	limit := min(len(blob), ScanLimit)
	for i := 0; i+len(idDuration) < limit; i++ {
		if blob[i] != idDuration[0] || blob[i+1] != idDuration[1] {
			continue
		}
		switch blob[i+2] {
		case sizeFloat64:
			width = 8
		case sizeFloat32:
			width = 4
		default:
			continue
		}
		offset = i + 3
		if offset+width > len(blob) {
			return 0, 0, false
		}
		return offset, width, true
	}
	return 0, 0, false
}

// TimecodeScale returns the segment tick length in nanoseconds, or
// DefaultTimecodeScale when the element is absent or malformed.
func TimecodeScale(blob []byte) uint64 {
	limit := min(len(blob), ScanLimit)
	for i := 0; i+len(idTimecodeScale) < limit; i++ {
		if blob[i] != idTimecodeScale[0] || blob[i+1] != idTimecodeScale[1] || blob[i+2] != idTimecodeScale[2] {
			continue
		}
		size := blob[i+3]
		if size < 0x81 || size > 0x88 {
			continue
		}
		n := int(size & 0x0F)
		start := i + 4
		if start+n > len(blob) {
			return DefaultTimecodeScale
		}
		var v uint64
		for _, b := range blob[start : start+n] {
			v = v<<8 | uint64(b)
		}
		if v == 0 {
			return DefaultTimecodeScale
		}
		return v
	}
	return DefaultTimecodeScale
}

// PatchDuration returns a copy of blob whose Duration element declares d.
// The value is written in the element's existing width and in timecode
// scale units. If no Duration element is found, blob is returned unchanged.
func PatchDuration(blob []byte, d time.Duration) []byte {
	offset, width, ok := Locate(blob)
	if !ok {
		return blob
	}

	ticks := float64(d.Nanoseconds()) / float64(TimecodeScale(blob))

	out := make([]byte, len(blob))
	copy(out, blob)
	switch width {
	case 8:
		binary.BigEndian.PutUint64(out[offset:], math.Float64bits(ticks))
	case 4:
		binary.BigEndian.PutUint32(out[offset:], math.Float32bits(float32(ticks)))
	}
	return out
}

// ReadDuration decodes the Duration element of blob.
func ReadDuration(blob []byte) (time.Duration, bool) {
	offset, width, ok := Locate(blob)
	if !ok {
		return 0, false
	}

	var ticks float64
	switch width {
	case 8:
		ticks = math.Float64frombits(binary.BigEndian.Uint64(blob[offset:]))
	case 4:
		ticks = float64(math.Float32frombits(binary.BigEndian.Uint32(blob[offset:])))
	}
	if math.IsNaN(ticks) || math.IsInf(ticks, 0) || ticks < 0 {
		return 0, false
	}
	return time.Duration(ticks * float64(TimecodeScale(blob))), true
}
