package catalog

import (
	"github.com/corvusdb/corvus/btree"
	"github.com/corvusdb/corvus/corvuserr"
	"github.com/corvusdb/corvus/storage"
)

// maxProbe bounds linear probing over the name-hash key space; in
// practice a handful of entries ever collide.
const maxProbe = 64

// Catalog is the persistent table/index/view metadata store, rooted
// at the database header's RootCatalog page, plus the in-memory
// trigram delta buffer layered on top of it.
type Catalog struct {
	bt     *btree.Btree
	deltas *trigramDeltas
}

// Open wraps the catalog B-tree rooted at root.
func Open(pager *storage.Pager, root storage.PageID) *Catalog {
	return &Catalog{bt: btree.Open(pager, root), deltas: newTrigramDeltas()}
}

// Create allocates a fresh, empty catalog B-tree.
func Create(pager *storage.Pager) (*Catalog, error) {
	bt, err := btree.Create(pager)
	if err != nil {
		return nil, err
	}
	return &Catalog{bt: bt, deltas: newTrigramDeltas()}, nil
}

// Root returns the catalog B-tree's current root page, to persist into
// the DB header after any mutating call.
func (c *Catalog) Root() storage.PageID { return c.bt.Root }

// findSlot linearly probes from name's hash looking for an existing
// entry with this exact name (found=true) or the first free slot to
// insert into (found=false).
func (c *Catalog) findSlot(name string) (key uint64, found bool, existing []byte, err error) {
	base := nameHash(name)
	for i := uint64(0); i < maxProbe; i++ {
		key = base + i
		cell, ok, ferr := c.bt.Find(key)
		if ferr != nil {
			return 0, false, nil, ferr
		}
		if !ok {
			return key, false, nil, nil
		}
		entryN, nerr := entryName(cell.Value)
		if nerr != nil {
			return 0, false, nil, nerr
		}
		if entryN == name {
			return key, true, cell.Value, nil
		}
	}
	return 0, false, nil, corvuserr.New(corvuserr.INTERNAL, "catalog: probe sequence exhausted for %q", name)
}

func (c *Catalog) put(name string, encoded []byte) error {
	key, _, _, err := c.findSlot(name)
	if err != nil {
		return err
	}
	return c.bt.Insert(key, encoded)
}

func (c *Catalog) remove(name string) error {
	key, found, _, err := c.findSlot(name)
	if err != nil {
		return err
	}
	if !found {
		return corvuserr.New(corvuserr.SQL, "no such catalog entry %q", name)
	}
	return c.bt.Delete(key)
}

// SaveTable persists t, inserting or overwriting its entry by name.
func (c *Catalog) SaveTable(t TableMeta) error {
	return c.put(t.Name, encodeTableMeta(t))
}

// GetTable looks up a table by name.
func (c *Catalog) GetTable(name string) (TableMeta, bool, error) {
	_, found, raw, err := c.findSlot(name)
	if err != nil || !found {
		return TableMeta{}, false, err
	}
	t, err := decodeTableMeta(raw[1:])
	if err != nil {
		return TableMeta{}, false, err
	}
	return t, true, nil
}

// DropTable removes a table's catalog entry. Callers are responsible
// for freeing its B-tree and any owned indexes first.
func (c *Catalog) DropTable(name string) error { return c.remove(name) }

// CreateIndexMeta allocates a fresh index B-tree and persists its
// metadata.
func (c *Catalog) CreateIndexMeta(pager *storage.Pager, name, table string, columns []string, kind IndexKind, unique bool) (IndexMeta, error) {
	bt, err := btree.Create(pager)
	if err != nil {
		return IndexMeta{}, err
	}
	meta := IndexMeta{Name: name, Table: table, Columns: columns, RootPage: bt.Root, Kind: kind, Unique: unique}
	if err := c.SaveIndexMeta(meta); err != nil {
		return IndexMeta{}, err
	}
	return meta, nil
}

// SaveIndexMeta persists idx, inserting or overwriting its entry.
func (c *Catalog) SaveIndexMeta(idx IndexMeta) error {
	return c.put(idx.Name, encodeIndexMeta(idx))
}

// GetIndexByName looks up an index by name.
func (c *Catalog) GetIndexByName(name string) (IndexMeta, bool, error) {
	_, found, raw, err := c.findSlot(name)
	if err != nil || !found {
		return IndexMeta{}, false, err
	}
	idx, err := decodeIndexMeta(raw[1:])
	if err != nil {
		return IndexMeta{}, false, err
	}
	return idx, true, nil
}

// DropIndex removes an index's catalog entry. Callers must free its
// B-tree pages first.
func (c *Catalog) DropIndex(name string) error { return c.remove(name) }

// CreateViewMeta persists a new view definition.
func (c *Catalog) CreateViewMeta(v ViewMeta) error {
	return c.put(v.Name, encodeViewMeta(v))
}

// GetViewByName looks up a view by name.
func (c *Catalog) GetViewByName(name string) (ViewMeta, bool, error) {
	_, found, raw, err := c.findSlot(name)
	if err != nil || !found {
		return ViewMeta{}, false, err
	}
	v, err := decodeViewMeta(raw[1:])
	if err != nil {
		return ViewMeta{}, false, err
	}
	return v, true, nil
}

// ForEachIndexOnTable walks every catalog entry, yielding the
// IndexMeta of each index registered against table. The catalog does
// not maintain a secondary (table -> indexes) structure, so this scans
// via a B-tree cursor; acceptable given catalogs are small relative to
// row data.
func (c *Catalog) ForEachIndexOnTable(table string, fn func(IndexMeta) error) error {
	cur, err := c.bt.OpenCursor()
	if err != nil {
		return err
	}
	for {
		cell, ok, err := cur.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if len(cell.Value) == 0 || entryKind(cell.Value[0]) != entryIndex {
			continue
		}
		idx, err := decodeIndexMeta(cell.Value[1:])
		if err != nil {
			return err
		}
		if idx.Table != table {
			continue
		}
		if err := fn(idx); err != nil {
			return err
		}
	}
}

// ForEachTable walks every catalog entry, yielding the TableMeta of
// each table. Used by FK-restrict checks (which table references this
// one?) and by vacuum (copy schema in dependency order).
func (c *Catalog) ForEachTable(fn func(TableMeta) error) error {
	cur, err := c.bt.OpenCursor()
	if err != nil {
		return err
	}
	for {
		cell, ok, err := cur.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if len(cell.Value) == 0 || entryKind(cell.Value[0]) != entryTable {
			continue
		}
		t, err := decodeTableMeta(cell.Value[1:])
		if err != nil {
			return err
		}
		if err := fn(t); err != nil {
			return err
		}
	}
}

// GetBtreeIndexForColumn finds the first non-trigram index covering
// column as its leading key.
func (c *Catalog) GetBtreeIndexForColumn(table, column string) (IndexMeta, bool, error) {
	var found IndexMeta
	var ok bool
	err := c.ForEachIndexOnTable(table, func(idx IndexMeta) error {
		if ok || idx.Kind != IndexBtree || len(idx.Columns) == 0 || idx.Columns[0] != column {
			return nil
		}
		found, ok = idx, true
		return nil
	})
	return found, ok, err
}

// GetTrigramIndexForColumn finds the trigram index over column, if
// any.
func (c *Catalog) GetTrigramIndexForColumn(table, column string) (IndexMeta, bool, error) {
	var found IndexMeta
	var ok bool
	err := c.ForEachIndexOnTable(table, func(idx IndexMeta) error {
		if ok || idx.Kind != IndexTrigram || len(idx.Columns) == 0 || idx.Columns[0] != column {
			return nil
		}
		found, ok = idx, true
		return nil
	})
	return found, ok, err
}

// Deltas exposes the in-memory trigram delta buffer.
func (c *Catalog) Deltas() *trigramDeltas { return c.deltas }
