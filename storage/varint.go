package storage

import "github.com/corvusdb/corvus/corvuserr"

// PutUvarint encodes v as unsigned LEB128, appending to buf.
func PutUvarint(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

// Uvarint decodes an unsigned LEB128 varint from buf, returning the
// value and the number of bytes consumed. Fails with CORRUPTION on an
// unterminated or over-long (>=10 byte) continuation.
func Uvarint(buf []byte) (uint64, int, error) {
	var v uint64
	var shift uint
	for i := 0; i < len(buf); i++ {
		if i >= 10 {
			return 0, 0, corvuserr.New(corvuserr.CORRUPTION, "varint: continuation too long")
		}
		b := buf[i]
		v |= uint64(b&0x7f) << shift
		if b < 0x80 {
			return v, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, corvuserr.New(corvuserr.CORRUPTION, "varint: unterminated")
}

// ZigZagEncode maps a signed integer onto an unsigned one so small
// magnitude negatives encode compactly under Uvarint.
func ZigZagEncode(v int64) uint64 {
	return uint64((v << 1) ^ (v >> 63))
}

// ZigZagDecode reverses ZigZagEncode.
func ZigZagDecode(v uint64) int64 {
	return int64(v>>1) ^ -int64(v&1)
}

// PutVarint encodes a signed integer via ZigZag + Uvarint.
func PutVarint(buf []byte, v int64) []byte {
	return PutUvarint(buf, ZigZagEncode(v))
}

// Varint decodes a signed integer via Uvarint + ZigZag.
func Varint(buf []byte) (int64, int, error) {
	u, n, err := Uvarint(buf)
	if err != nil {
		return 0, 0, err
	}
	return ZigZagDecode(u), n, nil
}
