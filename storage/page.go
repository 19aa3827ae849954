package storage

import "encoding/binary"

// PageSize is the fixed page size in bytes.
const PageSize = 4096

// PageID identifies a page within the file. Page 1 is the DB header;
// 0 is never a valid allocated page (used as a "no page" sentinel).
type PageID uint32

// PageType identifies the layout stored in a page.
type PageType byte

const (
	PageTypeData     PageType = iota // opaque catalog/misc payload
	PageTypeLeaf                     // B-tree leaf
	PageTypeInternal                 // B-tree internal
	PageTypeOverflow                 // overflow chain link
	PageTypeFreelist                 // freelist chain link
)

// PageHeaderSize is the common header every page (other than page 1,
// which instead holds the DB header) carries at offset 0.
//
//	[0]     PageType
//	[1-4]   PageID (uint32)
//	[5-8]   NextPageID (uint32) — chaining for overflow/freelist pages
//	[9-15]  reserved
const PageHeaderSize = 16

// Page is one fixed-size page buffer.
type Page struct {
	Data [PageSize]byte
}

// NewPage creates a zeroed page stamped with its type and id.
func NewPage(ptype PageType, id PageID) *Page {
	p := &Page{}
	p.Data[0] = byte(ptype)
	binary.LittleEndian.PutUint32(p.Data[1:5], uint32(id))
	return p
}

func (p *Page) Type() PageType  { return PageType(p.Data[0]) }
func (p *Page) ID() PageID      { return PageID(binary.LittleEndian.Uint32(p.Data[1:5])) }
func (p *Page) NextPageID() PageID {
	return PageID(binary.LittleEndian.Uint32(p.Data[5:9]))
}
func (p *Page) SetNextPageID(id PageID) {
	binary.LittleEndian.PutUint32(p.Data[5:9], uint32(id))
}
func (p *Page) SetType(t PageType) { p.Data[0] = byte(t) }

// FreelistCapacity is how many reclaimed PageIDs a single freelist
// page can hold: the page minus its common header and the 4-byte
// count, in 4-byte entries.
const FreelistCapacity = (PageSize - PageHeaderSize - 4) / 4

// FreelistCount reads the number of page ids stored on this freelist
// page (stored just after the common header).
func (p *Page) FreelistCount() int {
	return int(binary.LittleEndian.Uint32(p.Data[PageHeaderSize:]))
}

func (p *Page) SetFreelistCount(n int) {
	binary.LittleEndian.PutUint32(p.Data[PageHeaderSize:], uint32(n))
}

func (p *Page) FreelistEntry(i int) PageID {
	off := PageHeaderSize + 4 + i*4
	return PageID(binary.LittleEndian.Uint32(p.Data[off:]))
}

func (p *Page) SetFreelistEntry(i int, id PageID) {
	off := PageHeaderSize + 4 + i*4
	binary.LittleEndian.PutUint32(p.Data[off:], uint32(id))
}

// OverflowDataCapacity is the usable byte capacity of an overflow page.
const OverflowDataCapacity = PageSize - PageHeaderSize

func (p *Page) WriteOverflowData(data []byte) {
	copy(p.Data[PageHeaderSize:], data)
}

func (p *Page) ReadOverflowData(length int) []byte {
	if length > OverflowDataCapacity {
		length = OverflowDataCapacity
	}
	out := make([]byte, length)
	copy(out, p.Data[PageHeaderSize:])
	return out
}
