// Package codec implements the variable-byte encoding used for postings
// lists inside segment files. Each integer is written as little-endian groups
// of 7 bits; the last byte of a number carries the 0x80 terminator bit.
package codec

const (
	payloadMask    = 0x7F
	terminatorMask = 0x80
)

// Encode writes every value as a variable-length byte sequence. Zero encodes
// to the single byte 0x80.
func Encode(values []uint32) []byte {
	out := make([]byte, 0, len(values)*2)
	for _, v := range values {
		out = AppendUint32(out, v)
	}
	return out
}

// AppendUint32 appends the encoding of v to dst and returns the extended
// slice.
func AppendUint32(dst []byte, v uint32) []byte {
	for {
		b := byte(v & payloadMask)
		v >>= 7
		if v == 0 {
			return append(dst, b|terminatorMask)
		}
		dst = append(dst, b)
	}
}

// Decode reverses Encode. Bytes after the last terminator form an incomplete
// number and are dropped.
func Decode(data []byte) []uint32 {
	out := make([]uint32, 0, len(data))
	var n uint32
	var shift uint
	for _, b := range data {
		if b&terminatorMask != 0 {
			n |= uint32(b&payloadMask) << shift
			out = append(out, n)
			n, shift = 0, 0
			continue
		}
		n |= uint32(b) << shift
		shift += 7
	}
	return out
}

// EncodeInt32 is a convenience wrapper for postings stored as int32 doc ids.
// Values are reinterpreted as unsigned before encoding.
func EncodeInt32(values []int32) []byte {
	out := make([]byte, 0, len(values)*2)
	for _, v := range values {
		out = AppendUint32(out, uint32(v))
	}
	return out
}

// DecodeInt32 is the inverse of EncodeInt32.
func DecodeInt32(data []byte) []int32 {
	raw := Decode(data)
	out := make([]int32, len(raw))
	for i, v := range raw {
		out[i] = int32(v)
	}
	return out
}
