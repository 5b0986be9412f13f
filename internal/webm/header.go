package webm

import (
	"encoding/binary"
	"math"
)

// Header returns a minimal WebM prefix: an EBML header followed by a
// live-sized Segment whose Info block carries TimecodeScale and a
// placeholder float64 Duration. Synthetic encoders emit it as the first
// bytes of an init segment.
func Header() []byte {
	ebml := element([]byte{0x1A, 0x45, 0xDF, 0xA3}, concat(
		element([]byte{0x42, 0x86}, []byte{0x01}),   // EBMLVersion
		element([]byte{0x42, 0xF7}, []byte{0x01}),   // EBMLReadVersion
		element([]byte{0x42, 0xF2}, []byte{0x04}),   // EBMLMaxIDLength
		element([]byte{0x42, 0xF3}, []byte{0x08}),   // EBMLMaxSizeLength
		element([]byte{0x42, 0x82}, []byte("webm")), // DocType
		element([]byte{0x42, 0x87}, []byte{0x04}),   // DocTypeVersion
		element([]byte{0x42, 0x85}, []byte{0x02}),   // DocTypeReadVersion
	))

	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], DefaultTimecodeScale)
	scale := buf[1:]

	duration := make([]byte, 8)
	binary.BigEndian.PutUint64(duration, math.Float64bits(0))

	info := element([]byte{0x15, 0x49, 0xA9, 0x66}, concat(
		element(idTimecodeScale, scale),
		element([]byte{0x4D, 0x80}, []byte("proctor")), // MuxingApp
		element(idDuration, duration),
	))

	// Segment with unknown size, as written by live encoders.
	segment := concat([]byte{0x18, 0x53, 0x80, 0x67}, []byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, info)

	return concat(ebml, segment)
}

// element encodes id, a one-byte size vint and payload. Payloads must be
// shorter than 127 bytes.
func element(id, payload []byte) []byte {
	out := make([]byte, 0, len(id)+1+len(payload))
	out = append(out, id...)
	out = append(out, 0x80|byte(len(payload)))
	return append(out, payload...)
}

func concat(parts ...[]byte) []byte {
	var n int
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
