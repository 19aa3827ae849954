package storage

import (
	"encoding/binary"
	"math"

	"github.com/corvusdb/corvus/corvuserr"
	"github.com/klauspost/compress/snappy"
)

// ValueKind tags a Value's on-disk representation.
type ValueKind byte

const (
	KindNull ValueKind = iota
	KindBool
	KindInt64
	KindFloat64
	KindText
	KindBlob
	KindTextOverflow
	KindBlobOverflow
	KindTextCompressed
	KindTextCompressedOverflow
	KindBlobCompressed
	KindBlobCompressedOverflow
)

// Value is the tagged union stored in a record slot.
type Value struct {
	Kind ValueKind

	Bool    bool
	Int64   int64
	Float64 float64

	// Bytes holds the payload for Text/Blob/TextCompressed/BlobCompressed.
	Bytes []byte

	// OverflowPage/OverflowLen apply to the four *Overflow kinds: the
	// head of the overflow chain and the length of what was actually
	// written there (the compressed length for the two *Compressed
	// variants, since snappy self-describes its decompressed size).
	OverflowPage PageID
	OverflowLen  uint32
}

// NullValue, BoolValue, Int64Value, Float64Value, TextValue and
// BlobValue build unnormalized Values (normalization into
// compressed/overflow form happens separately, see Normalize).
func NullValue() Value                { return Value{Kind: KindNull} }
func BoolValue(b bool) Value          { return Value{Kind: KindBool, Bool: b} }
func Int64Value(v int64) Value        { return Value{Kind: KindInt64, Int64: v} }
func Float64Value(v float64) Value    { return Value{Kind: KindFloat64, Float64: v} }
func TextValue(s []byte) Value        { return Value{Kind: KindText, Bytes: s} }
func BlobValue(b []byte) Value        { return Value{Kind: KindBlob, Bytes: b} }

func isOverflowKind(k ValueKind) bool {
	switch k {
	case KindTextOverflow, KindBlobOverflow, KindTextCompressedOverflow, KindBlobCompressedOverflow:
		return true
	}
	return false
}

func isCompressedKind(k ValueKind) bool {
	switch k {
	case KindTextCompressed, KindTextCompressedOverflow, KindBlobCompressed, KindBlobCompressedOverflow:
		return true
	}
	return false
}

func isTextKind(k ValueKind) bool {
	switch k {
	case KindText, KindTextOverflow, KindTextCompressed, KindTextCompressedOverflow:
		return true
	}
	return false
}

// EncodeValues encodes a row's values as varint(count) || encodedValue*.
func EncodeValues(values []Value) []byte {
	buf := PutUvarint(nil, uint64(len(values)))
	for _, v := range values {
		buf = encodeValue(buf, v)
	}
	return buf
}

func encodeValue(buf []byte, v Value) []byte {
	buf = append(buf, byte(v.Kind))
	switch v.Kind {
	case KindNull:
		buf = PutUvarint(buf, 0)
	case KindBool:
		buf = PutUvarint(buf, 1)
		if v.Bool {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case KindInt64:
		buf = PutUvarint(buf, 8)
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], ZigZagEncode(v.Int64))
		buf = append(buf, tmp[:]...)
	case KindFloat64:
		buf = PutUvarint(buf, 8)
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(v.Float64))
		buf = append(buf, tmp[:]...)
	case KindText, KindBlob, KindTextCompressed, KindBlobCompressed:
		buf = PutUvarint(buf, uint64(len(v.Bytes)))
		buf = append(buf, v.Bytes...)
	case KindTextOverflow, KindBlobOverflow, KindTextCompressedOverflow, KindBlobCompressedOverflow:
		buf = PutUvarint(buf, 8)
		var tmp [8]byte
		binary.LittleEndian.PutUint32(tmp[0:4], uint32(v.OverflowPage))
		binary.LittleEndian.PutUint32(tmp[4:8], v.OverflowLen)
		buf = append(buf, tmp[:]...)
	default:
		panic("storage: encodeValue: unknown kind")
	}
	return buf
}

// DecodeValues reverses EncodeValues. Overflow variants are returned
// as-is (page+len); reconstructing the logical Text/Blob is the
// caller's job via Materialize.
func DecodeValues(buf []byte) ([]Value, error) {
	count, n, err := Uvarint(buf)
	if err != nil {
		return nil, err
	}
	buf = buf[n:]
	values := make([]Value, 0, count)
	for i := uint64(0); i < count; i++ {
		v, consumed, err := decodeValue(buf)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
		buf = buf[consumed:]
	}
	return values, nil
}

func decodeValue(buf []byte) (Value, int, error) {
	if len(buf) < 1 {
		return Value{}, 0, corvuserr.New(corvuserr.CORRUPTION, "record: truncated tag")
	}
	kind := ValueKind(buf[0])
	rest := buf[1:]
	length, n, err := Uvarint(rest)
	if err != nil {
		return Value{}, 0, err
	}
	rest = rest[n:]
	if uint64(len(rest)) < length {
		return Value{}, 0, corvuserr.New(corvuserr.CORRUPTION, "record: truncated payload")
	}
	payload := rest[:length]
	total := 1 + n + int(length)

	switch kind {
	case KindNull:
		if length != 0 {
			return Value{}, 0, corvuserr.New(corvuserr.CORRUPTION, "record: Null length must be 0")
		}
		return Value{Kind: KindNull}, total, nil
	case KindBool:
		if length != 1 {
			return Value{}, 0, corvuserr.New(corvuserr.CORRUPTION, "record: Bool length must be 1")
		}
		return Value{Kind: KindBool, Bool: payload[0] != 0}, total, nil
	case KindInt64:
		if length != 8 {
			return Value{}, 0, corvuserr.New(corvuserr.CORRUPTION, "record: Int64 length must be 8")
		}
		u := binary.LittleEndian.Uint64(payload)
		return Value{Kind: KindInt64, Int64: ZigZagDecode(u)}, total, nil
	case KindFloat64:
		if length != 8 {
			return Value{}, 0, corvuserr.New(corvuserr.CORRUPTION, "record: Float64 length must be 8")
		}
		u := binary.LittleEndian.Uint64(payload)
		return Value{Kind: KindFloat64, Float64: math.Float64frombits(u)}, total, nil
	case KindText, KindBlob, KindTextCompressed, KindBlobCompressed:
		cp := make([]byte, len(payload))
		copy(cp, payload)
		return Value{Kind: kind, Bytes: cp}, total, nil
	case KindTextOverflow, KindBlobOverflow, KindTextCompressedOverflow, KindBlobCompressedOverflow:
		if length != 8 {
			return Value{}, 0, corvuserr.New(corvuserr.CORRUPTION, "record: overflow descriptor must be 8 bytes")
		}
		page := PageID(binary.LittleEndian.Uint32(payload[0:4]))
		plen := binary.LittleEndian.Uint32(payload[4:8])
		return Value{Kind: kind, OverflowPage: page, OverflowLen: plen}, total, nil
	default:
		return Value{}, 0, corvuserr.New(corvuserr.CORRUPTION, "record: unknown value kind %d", kind)
	}
}

// NormalizeParams tunes the thresholds Normalize applies.
type NormalizeParams struct {
	// CompressMinSize is the smallest Text/Blob payload length that is
	// considered for compression at all.
	CompressMinSize int
	// CompressSavingsPct is the minimum percentage reduction snappy
	// must achieve for the compressed form to be kept.
	CompressSavingsPct int
	// InlineThreshold is the largest payload (post-compression attempt)
	// allowed to stay inline before it is pushed to an overflow chain.
	InlineThreshold int
}

// DefaultNormalizeParams is the default compress-on-write tuning.
var DefaultNormalizeParams = NormalizeParams{
	CompressMinSize:    64,
	CompressSavingsPct: 10,
	InlineThreshold:    256,
}

// Normalize rewrites a Text/Blob value into its on-disk form: inline,
// compressed-inline, or written to a fresh overflow chain via
// writeOverflow. Non-Text/Blob values pass through unchanged.
func Normalize(v Value, params NormalizeParams, writeOverflow func(data []byte) (PageID, error)) (Value, error) {
	if v.Kind != KindText && v.Kind != KindBlob {
		return v, nil
	}
	payload := v.Bytes
	compressedKind := KindTextCompressed
	overflowKind := KindTextOverflow
	compressedOverflowKind := KindTextCompressedOverflow
	if v.Kind == KindBlob {
		compressedKind = KindBlobCompressed
		overflowKind = KindBlobOverflow
		compressedOverflowKind = KindBlobCompressedOverflow
	}

	candidate := payload
	candidateKind := v.Kind
	if len(payload) >= params.CompressMinSize {
		compressed := snappy.Encode(nil, payload)
		savingsPct := (len(payload) - len(compressed)) * 100 / clampSavingsDenominator(len(payload))
		if savingsPct >= params.CompressSavingsPct {
			candidate = compressed
			candidateKind = compressedKind
		}
	}

	if len(candidate) <= params.InlineThreshold {
		return Value{Kind: candidateKind, Bytes: candidate}, nil
	}

	page, err := writeOverflow(candidate)
	if err != nil {
		return Value{}, err
	}
	finalKind := overflowKind
	if candidateKind == compressedKind {
		finalKind = compressedOverflowKind
	}
	// OverflowLen must match what's actually on the chain (candidate),
	// not the logical payload length, or readOverflowChain over-reads
	// into trailing page padding and snappy.Decode rejects the excess.
	return Value{Kind: finalKind, OverflowPage: page, OverflowLen: uint32(len(candidate))}, nil
}

func clampSavingsDenominator(n int) int {
	if n == 0 {
		return 1
	}
	return n
}

// Materialize reverses Normalize given a way to read an overflow
// chain's bytes back, returning a plain Text/Blob value.
func Materialize(v Value, readOverflow func(page PageID) ([]byte, error)) (Value, error) {
	switch v.Kind {
	case KindText, KindBlob:
		return v, nil
	case KindTextCompressed, KindBlobCompressed:
		plain, err := snappy.Decode(nil, v.Bytes)
		if err != nil {
			return Value{}, corvuserr.Wrap(corvuserr.CORRUPTION, err, "record: snappy decode failed")
		}
		kind := KindText
		if v.Kind == KindBlobCompressed {
			kind = KindBlob
		}
		return Value{Kind: kind, Bytes: plain}, nil
	case KindTextOverflow, KindBlobOverflow:
		raw, err := readOverflow(v.OverflowPage)
		if err != nil {
			return Value{}, err
		}
		kind := KindText
		if v.Kind == KindBlobOverflow {
			kind = KindBlob
		}
		return Value{Kind: kind, Bytes: raw}, nil
	case KindTextCompressedOverflow, KindBlobCompressedOverflow:
		raw, err := readOverflow(v.OverflowPage)
		if err != nil {
			return Value{}, err
		}
		plain, err := snappy.Decode(nil, raw)
		if err != nil {
			return Value{}, corvuserr.Wrap(corvuserr.CORRUPTION, err, "record: snappy decode failed")
		}
		kind := KindText
		if v.Kind == KindBlobCompressedOverflow {
			kind = KindBlob
		}
		return Value{Kind: kind, Bytes: plain}, nil
	default:
		return v, nil
	}
}
