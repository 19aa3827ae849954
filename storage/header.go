package storage

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/corvusdb/corvus/corvuserr"
)

// HeaderSize bounds how many bytes of page 1 the DB header occupies.
const HeaderSize = 64

var headerMagic = [4]byte{'C', 'R', 'V', '1'}

// FormatVersion is the on-disk format version this build writes and
// accepts.
const FormatVersion uint16 = 1

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// DBHeader is the fixed-layout metadata stored at offset 0 of page 1.
type DBHeader struct {
	FormatVersion     uint16
	PageSize          uint16
	SchemaCookie      uint64
	RootCatalog       PageID
	FreelistHead      PageID
	FreelistCount     uint32
	LastCheckpointLSN uint64
}

// Encode writes h into a HeaderSize-byte buffer, little-endian,
// trailed by a CRC32C checksum over everything before it.
func (h *DBHeader) Encode() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], headerMagic[:])
	binary.LittleEndian.PutUint16(buf[4:6], h.FormatVersion)
	binary.LittleEndian.PutUint16(buf[6:8], h.PageSize)
	binary.LittleEndian.PutUint64(buf[8:16], h.SchemaCookie)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(h.RootCatalog))
	binary.LittleEndian.PutUint32(buf[20:24], uint32(h.FreelistHead))
	binary.LittleEndian.PutUint32(buf[24:28], h.FreelistCount)
	binary.LittleEndian.PutUint64(buf[28:36], h.LastCheckpointLSN)

	crcOff := HeaderSize - 4
	crc := crc32.Checksum(buf[:crcOff], crc32cTable)
	binary.LittleEndian.PutUint32(buf[crcOff:], crc)
	return buf
}

// DecodeDBHeader validates magic, format version, page size, and
// checksum, failing with CORRUPTION on any mismatch.
func DecodeDBHeader(buf []byte) (*DBHeader, error) {
	if len(buf) < HeaderSize {
		return nil, corvuserr.New(corvuserr.CORRUPTION, "header: short buffer")
	}
	if string(buf[0:4]) != string(headerMagic[:]) {
		return nil, corvuserr.New(corvuserr.CORRUPTION, "header: bad magic")
	}
	crcOff := HeaderSize - 4
	stored := binary.LittleEndian.Uint32(buf[crcOff:])
	computed := crc32.Checksum(buf[:crcOff], crc32cTable)
	if stored != computed {
		return nil, corvuserr.New(corvuserr.CORRUPTION, "header: bad checksum")
	}

	h := &DBHeader{
		FormatVersion:     binary.LittleEndian.Uint16(buf[4:6]),
		PageSize:          binary.LittleEndian.Uint16(buf[6:8]),
		SchemaCookie:      binary.LittleEndian.Uint64(buf[8:16]),
		RootCatalog:       PageID(binary.LittleEndian.Uint32(buf[16:20])),
		FreelistHead:      PageID(binary.LittleEndian.Uint32(buf[20:24])),
		FreelistCount:     binary.LittleEndian.Uint32(buf[24:28]),
		LastCheckpointLSN: binary.LittleEndian.Uint64(buf[28:36]),
	}
	if h.FormatVersion != FormatVersion {
		return nil, corvuserr.New(corvuserr.CORRUPTION, "header: unsupported format version %d", h.FormatVersion)
	}
	if h.PageSize != PageSize {
		return nil, corvuserr.New(corvuserr.CORRUPTION, "header: unsupported page size %d", h.PageSize)
	}
	return h, nil
}

// CRC32C computes the Castagnoli CRC32 checksum used throughout the
// engine (header, WAL frames, hashed index keys).
func CRC32C(b []byte) uint32 {
	return crc32.Checksum(b, crc32cTable)
}
