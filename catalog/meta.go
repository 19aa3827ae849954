// Package catalog implements the persistent table/index/view metadata
// store and the in-memory trigram delta buffer that sits on top of it.
package catalog

import (
	"hash/fnv"
	"strings"

	"github.com/corvusdb/corvus/corvuserr"
	"github.com/corvusdb/corvus/storage"
)

// ColumnKind is a column's declared value kind.
type ColumnKind byte

const (
	ColInt64 ColumnKind = iota
	ColBool
	ColFloat64
	ColText
	ColBlob
)

// ParseColumnKind maps a SQL type token to a ColumnKind: case-insensitive,
// length annotations ignored, unknown tokens rejected with SQL.
func ParseColumnKind(token string) (ColumnKind, error) {
	t := strings.ToUpper(strings.TrimSpace(token))
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}
	switch t {
	case "INT", "INT64", "BIGINT":
		return ColInt64, nil
	case "BOOL", "BOOLEAN":
		return ColBool, nil
	case "FLOAT", "FLOAT64":
		return ColFloat64, nil
	case "TEXT", "VARCHAR", "CHARACTER VARYING":
		return ColText, nil
	case "BLOB":
		return ColBlob, nil
	default:
		return 0, corvuserr.New(corvuserr.SQL, "unknown column type %q", token)
	}
}

// Column describes one table column.
type Column struct {
	Name       string
	Kind       ColumnKind
	NotNull    bool
	Unique     bool
	PrimaryKey bool
	RefTable   string
	RefColumn  string
}

// TableMeta is a table's persistent definition.
type TableMeta struct {
	Name      string
	RootPage  storage.PageID
	NextRowID uint64
	Columns   []Column
}

// IndexKind distinguishes an ordinary B-tree index from a trigram
// posting-list index.
type IndexKind byte

const (
	IndexBtree IndexKind = iota
	IndexTrigram
)

// IndexMeta is an index's persistent definition.
type IndexMeta struct {
	Name     string
	Table    string
	Columns  []string
	RootPage storage.PageID
	Kind     IndexKind
	Unique   bool
}

// ViewMeta is a view's persistent definition.
type ViewMeta struct {
	Name        string
	SQLText     string
	ColumnNames []string
}

// entryKind tags which of the three meta types a catalog row encodes.
type entryKind byte

const (
	entryTable entryKind = iota
	entryIndex
	entryView
)

// nameHash hashes a catalog entity name to its B-tree key. Collisions
// (two distinct names hashing equal, or two entities after a previous
// collision) are resolved by linear probing over adjacent key slots.
func nameHash(name string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return h.Sum64()
}

func encodeColumn(c Column) []byte {
	buf := storage.PutUvarint(nil, uint64(len(c.Name)))
	buf = append(buf, c.Name...)
	buf = append(buf, byte(c.Kind))
	buf = append(buf, boolByte(c.NotNull), boolByte(c.Unique), boolByte(c.PrimaryKey))
	buf = storage.PutUvarint(buf, uint64(len(c.RefTable)))
	buf = append(buf, c.RefTable...)
	buf = storage.PutUvarint(buf, uint64(len(c.RefColumn)))
	buf = append(buf, c.RefColumn...)
	return buf
}

func decodeColumn(buf []byte) (Column, int, error) {
	nameLen, n, err := storage.Uvarint(buf)
	if err != nil {
		return Column{}, 0, err
	}
	off := n
	name := string(buf[off : off+int(nameLen)])
	off += int(nameLen)
	kind := ColumnKind(buf[off])
	off++
	notNull := buf[off] != 0
	off++
	unique := buf[off] != 0
	off++
	pk := buf[off] != 0
	off++
	refTableLen, n, err := storage.Uvarint(buf[off:])
	if err != nil {
		return Column{}, 0, err
	}
	off += n
	refTable := string(buf[off : off+int(refTableLen)])
	off += int(refTableLen)
	refColLen, n, err := storage.Uvarint(buf[off:])
	if err != nil {
		return Column{}, 0, err
	}
	off += n
	refCol := string(buf[off : off+int(refColLen)])
	off += int(refColLen)
	return Column{Name: name, Kind: kind, NotNull: notNull, Unique: unique, PrimaryKey: pk, RefTable: refTable, RefColumn: refCol}, off, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func encodeString(buf []byte, s string) []byte {
	buf = storage.PutUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

func decodeString(buf []byte) (string, int, error) {
	length, n, err := storage.Uvarint(buf)
	if err != nil {
		return "", 0, err
	}
	off := n
	return string(buf[off : off+int(length)]), off + int(length), nil
}

func encodeTableMeta(t TableMeta) []byte {
	buf := []byte{byte(entryTable)}
	buf = encodeString(buf, t.Name)
	buf = storage.PutUvarint(buf, uint64(t.RootPage))
	buf = storage.PutUvarint(buf, t.NextRowID)
	buf = storage.PutUvarint(buf, uint64(len(t.Columns)))
	for _, c := range t.Columns {
		buf = append(buf, encodeColumn(c)...)
	}
	return buf
}

func decodeTableMeta(buf []byte) (TableMeta, error) {
	name, off, err := decodeString(buf)
	if err != nil {
		return TableMeta{}, err
	}
	rootPage, n, err := storage.Uvarint(buf[off:])
	if err != nil {
		return TableMeta{}, err
	}
	off += n
	nextRowID, n, err := storage.Uvarint(buf[off:])
	if err != nil {
		return TableMeta{}, err
	}
	off += n
	count, n, err := storage.Uvarint(buf[off:])
	if err != nil {
		return TableMeta{}, err
	}
	off += n
	cols := make([]Column, 0, count)
	for i := uint64(0); i < count; i++ {
		c, consumed, err := decodeColumn(buf[off:])
		if err != nil {
			return TableMeta{}, err
		}
		cols = append(cols, c)
		off += consumed
	}
	return TableMeta{Name: name, RootPage: storage.PageID(rootPage), NextRowID: nextRowID, Columns: cols}, nil
}

func encodeIndexMeta(idx IndexMeta) []byte {
	buf := []byte{byte(entryIndex)}
	buf = encodeString(buf, idx.Name)
	buf = encodeString(buf, idx.Table)
	buf = storage.PutUvarint(buf, uint64(len(idx.Columns)))
	for _, c := range idx.Columns {
		buf = encodeString(buf, c)
	}
	buf = storage.PutUvarint(buf, uint64(idx.RootPage))
	buf = append(buf, byte(idx.Kind), boolByte(idx.Unique))
	return buf
}

func decodeIndexMeta(buf []byte) (IndexMeta, error) {
	name, off, err := decodeString(buf)
	if err != nil {
		return IndexMeta{}, err
	}
	table, n, err := decodeString(buf[off:])
	if err != nil {
		return IndexMeta{}, err
	}
	off += n
	count, n, err := storage.Uvarint(buf[off:])
	if err != nil {
		return IndexMeta{}, err
	}
	off += n
	cols := make([]string, 0, count)
	for i := uint64(0); i < count; i++ {
		c, consumed, err := decodeString(buf[off:])
		if err != nil {
			return IndexMeta{}, err
		}
		cols = append(cols, c)
		off += consumed
	}
	rootPage, n, err := storage.Uvarint(buf[off:])
	if err != nil {
		return IndexMeta{}, err
	}
	off += n
	kind := IndexKind(buf[off])
	off++
	unique := buf[off] != 0
	return IndexMeta{Name: name, Table: table, Columns: cols, RootPage: storage.PageID(rootPage), Kind: kind, Unique: unique}, nil
}

func encodeViewMeta(v ViewMeta) []byte {
	buf := []byte{byte(entryView)}
	buf = encodeString(buf, v.Name)
	buf = encodeString(buf, v.SQLText)
	buf = storage.PutUvarint(buf, uint64(len(v.ColumnNames)))
	for _, c := range v.ColumnNames {
		buf = encodeString(buf, c)
	}
	return buf
}

func decodeViewMeta(buf []byte) (ViewMeta, error) {
	name, off, err := decodeString(buf)
	if err != nil {
		return ViewMeta{}, err
	}
	sqlText, n, err := decodeString(buf[off:])
	if err != nil {
		return ViewMeta{}, err
	}
	off += n
	count, n, err := storage.Uvarint(buf[off:])
	if err != nil {
		return ViewMeta{}, err
	}
	off += n
	names := make([]string, 0, count)
	for i := uint64(0); i < count; i++ {
		c, consumed, err := decodeString(buf[off:])
		if err != nil {
			return ViewMeta{}, err
		}
		names = append(names, c)
		off += consumed
	}
	return ViewMeta{Name: name, SQLText: sqlText, ColumnNames: names}, nil
}

// entryName extracts the entity name from an encoded catalog row
// without fully decoding it, used while linear-probing for a free key
// slot or a name match on hash collision.
func entryName(buf []byte) (string, error) {
	if len(buf) < 1 {
		return "", corvuserr.New(corvuserr.CORRUPTION, "catalog: empty entry")
	}
	name, _, err := decodeString(buf[1:])
	return name, err
}
