// Package rowstore is the storage glue between the SQL executor and
// the lower-level btree/catalog/pager primitives: it owns row
// encoding, rowid assignment, index maintenance and constraint
// enforcement.
package rowstore

import (
	"math"

	"github.com/corvusdb/corvus/btree"
	"github.com/corvusdb/corvus/catalog"
	"github.com/corvusdb/corvus/concurrency"
	"github.com/corvusdb/corvus/corvuserr"
	"github.com/corvusdb/corvus/storage"
)

// RowStore wires a pager and catalog together with a lock manager to
// provide the insert/update/delete/seek operations the executor needs.
type RowStore struct {
	pager *storage.Pager
	cat   *catalog.Catalog
	locks *concurrency.LockManager
}

// Open wraps an already-open pager and catalog.
func Open(pager *storage.Pager, cat *catalog.Catalog, locks *concurrency.LockManager) *RowStore {
	return &RowStore{pager: pager, cat: cat, locks: locks}
}

func (rs *RowStore) tableBtree(t catalog.TableMeta) *btree.Btree {
	return btree.Open(rs.pager, t.RootPage)
}

// pkColumn returns the table's declared primary-key column, if any.
func pkColumn(t catalog.TableMeta) (catalog.Column, int, bool) {
	for i, c := range t.Columns {
		if c.PrimaryKey {
			return c, i, true
		}
	}
	return catalog.Column{}, -1, false
}

func (rs *RowStore) checkTypesAndNotNull(t catalog.TableMeta, values []storage.Value) error {
	if len(values) != len(t.Columns) {
		return corvuserr.New(corvuserr.SQL, "table %q expects %d columns, got %d", t.Name, len(t.Columns), len(values))
	}
	for i, c := range t.Columns {
		v := values[i]
		if v.Kind == storage.KindNull {
			if c.NotNull || c.PrimaryKey {
				return corvuserr.New(corvuserr.CONSTRAINT, "column %q.%q is NOT NULL", t.Name, c.Name)
			}
			continue
		}
		if !kindMatches(c.Kind, v.Kind) {
			return corvuserr.New(corvuserr.SQL, "column %q.%q expects %v, got incompatible value", t.Name, c.Name, c.Kind)
		}
	}
	return nil
}

func kindMatches(col catalog.ColumnKind, v storage.ValueKind) bool {
	switch col {
	case catalog.ColInt64:
		return v == storage.KindInt64
	case catalog.ColBool:
		return v == storage.KindBool
	case catalog.ColFloat64:
		return v == storage.KindFloat64
	case catalog.ColText:
		return v == storage.KindText
	case catalog.ColBlob:
		return v == storage.KindBlob
	default:
		return false
	}
}

// valuesEqual compares two raw (pre-normalization) Values for the
// byte-exact recomparison a hashed index key demands.
func valuesEqual(a, b storage.Value) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case storage.KindNull:
		return true
	case storage.KindBool:
		return a.Bool == b.Bool
	case storage.KindInt64:
		return a.Int64 == b.Int64
	case storage.KindFloat64:
		return a.Float64 == b.Float64
	case storage.KindText, storage.KindBlob:
		return string(a.Bytes) == string(b.Bytes)
	default:
		return false
	}
}

// indexKey derives a single-column index's B-tree key: Int64 and Bool
// keys are their bit pattern, Float64 is bitcast, and Text/Blob are
// CRC32C hashed (hence the mandatory byte recomparison everywhere an
// index lookup concludes a match).
func indexKey(v storage.Value) (uint64, error) {
	switch v.Kind {
	case storage.KindInt64:
		return uint64(v.Int64), nil
	case storage.KindBool:
		if v.Bool {
			return 1, nil
		}
		return 0, nil
	case storage.KindFloat64:
		return math.Float64bits(v.Float64), nil
	case storage.KindText, storage.KindBlob:
		return uint64(storage.CRC32C(v.Bytes)), nil
	default:
		return 0, corvuserr.New(corvuserr.SQL, "value of kind %d is not indexable", v.Kind)
	}
}

// columnsOf extracts the values of idx.Columns (in order) from a full
// row, by name lookup against t.Columns.
func columnsOf(t catalog.TableMeta, idx catalog.IndexMeta, values []storage.Value) ([]storage.Value, error) {
	out := make([]storage.Value, len(idx.Columns))
	for i, name := range idx.Columns {
		found := false
		for ci, c := range t.Columns {
			if c.Name == name {
				out[i] = values[ci]
				found = true
				break
			}
		}
		if !found {
			return nil, corvuserr.New(corvuserr.INTERNAL, "index %q references unknown column %q", idx.Name, name)
		}
	}
	return out, nil
}

// compositeIndexKey hashes a (possibly multi-column) index key down to
// a single u64 B-tree key. Single-column numeric keys keep their exact
// bit pattern for locality and a single Text/Blob column is CRC32C
// hashed over its raw bytes (both via indexKey); multi-column keys are
// CRC32C hashed over the canonical encoding.
func compositeIndexKey(values []storage.Value) (uint64, error) {
	if len(values) == 1 {
		return indexKey(values[0])
	}
	buf := storage.EncodeValues(values)
	return uint64(storage.CRC32C(buf)), nil
}

func (rs *RowStore) encodeRow(values []storage.Value) ([]byte, error) {
	normalized := make([]storage.Value, len(values))
	for i, v := range values {
		n, err := storage.Normalize(v, storage.DefaultNormalizeParams, rs.pager.WriteOverflowChain)
		if err != nil {
			return nil, err
		}
		normalized[i] = n
	}
	return storage.EncodeValues(normalized), nil
}

func (rs *RowStore) decodeRow(raw []byte) ([]storage.Value, error) {
	values, err := storage.DecodeValues(raw)
	if err != nil {
		return nil, err
	}
	out := make([]storage.Value, len(values))
	for i, v := range values {
		m, err := storage.Materialize(v, func(page storage.PageID) ([]byte, error) {
			return rs.pager.ReadOverflowChain(page, v.OverflowLen)
		})
		if err != nil {
			return nil, err
		}
		out[i] = m
	}
	return out, nil
}

func (rs *RowStore) freeRowOverflow(raw []byte) error {
	values, err := storage.DecodeValues(raw)
	if err != nil {
		return err
	}
	for _, v := range values {
		if v.OverflowPage == 0 {
			continue
		}
		switch v.Kind {
		case storage.KindTextOverflow, storage.KindBlobOverflow, storage.KindTextCompressedOverflow, storage.KindBlobCompressedOverflow:
			ids, err := rs.pager.FreeOverflowChain(v.OverflowPage)
			if err != nil {
				return err
			}
			for _, id := range ids {
				if err := rs.pager.FreePage(id); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// indexPosting is one entry of an index's posting value: the owning
// rowid plus the original (pre-normalization) column values, kept
// around so a hash match can be confirmed byte-for-byte.
type indexPosting struct {
	RowID  uint64
	Values []storage.Value
}

func encodePostings(entries []indexPosting) []byte {
	buf := storage.PutUvarint(nil, uint64(len(entries)))
	for _, e := range entries {
		buf = storage.PutUvarint(buf, e.RowID)
		enc := storage.EncodeValues(e.Values)
		buf = storage.PutUvarint(buf, uint64(len(enc)))
		buf = append(buf, enc...)
	}
	return buf
}

func decodePostings(buf []byte) ([]indexPosting, error) {
	count, n, err := storage.Uvarint(buf)
	if err != nil {
		return nil, err
	}
	buf = buf[n:]
	out := make([]indexPosting, 0, count)
	for i := uint64(0); i < count; i++ {
		rowid, n, err := storage.Uvarint(buf)
		if err != nil {
			return nil, err
		}
		buf = buf[n:]
		length, n, err := storage.Uvarint(buf)
		if err != nil {
			return nil, err
		}
		buf = buf[n:]
		values, err := storage.DecodeValues(buf[:length])
		if err != nil {
			return nil, err
		}
		buf = buf[length:]
		out = append(out, indexPosting{RowID: rowid, Values: values})
	}
	return out, nil
}

func (rs *RowStore) readPostings(idxBt *btree.Btree, key uint64) ([]indexPosting, error) {
	cell, found, err := idxBt.Find(key)
	if err != nil || !found {
		return nil, err
	}
	raw := cell.Value
	if cell.IsOverflow {
		raw, err = rs.pager.ReadOverflowChain(cell.OverflowPage, cell.OverflowLen)
		if err != nil {
			return nil, err
		}
	}
	return decodePostings(raw)
}

// insertIndexEntry adds rowid/values to idx, enforcing UNIQUE by
// recomparing the stored original bytes against every existing
// posting sharing this hashed key.
func (rs *RowStore) insertIndexEntry(idx catalog.IndexMeta, key uint64, rowid uint64, values []storage.Value) error {
	idxBt := btree.Open(rs.pager, idx.RootPage)
	existing, err := rs.readPostings(idxBt, key)
	if err != nil {
		return err
	}
	if idx.Unique {
		for _, e := range existing {
			if valuesMatch(e.Values, values) {
				return corvuserr.New(corvuserr.CONSTRAINT, "UNIQUE constraint violated on index %q", idx.Name)
			}
		}
	}
	existing = append(existing, indexPosting{RowID: rowid, Values: values})
	if err := idxBt.Insert(key, encodePostings(existing)); err != nil {
		return err
	}
	return rs.refreshIndexRoot(idx, idxBt)
}

func (rs *RowStore) removeIndexEntry(idx catalog.IndexMeta, key uint64, rowid uint64) error {
	idxBt := btree.Open(rs.pager, idx.RootPage)
	existing, err := rs.readPostings(idxBt, key)
	if err != nil {
		return err
	}
	out := existing[:0]
	for _, e := range existing {
		if e.RowID != rowid {
			out = append(out, e)
		}
	}
	if len(out) == 0 {
		if err := idxBt.Delete(key); err != nil {
			return err
		}
	} else if err := idxBt.Insert(key, encodePostings(out)); err != nil {
		return err
	}
	return rs.refreshIndexRoot(idx, idxBt)
}

// refreshIndexRoot persists idx's B-tree root back to the catalog if a
// structural mutation (split/merge/root growth) moved it.
func (rs *RowStore) refreshIndexRoot(idx catalog.IndexMeta, idxBt *btree.Btree) error {
	if idxBt.Root == idx.RootPage {
		return nil
	}
	idx.RootPage = idxBt.Root
	return rs.cat.SaveIndexMeta(idx)
}

func valuesMatch(a, b []storage.Value) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !valuesEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

// maintainIndexesOnInsert adds one entry per index registered on t to
// cover row (rowid, values), failing the whole insert on the first
// UNIQUE violation.
func (rs *RowStore) maintainIndexesOnInsert(t catalog.TableMeta, rowid uint64, values []storage.Value) error {
	rs.locks.IndexMu.Lock()
	defer rs.locks.IndexMu.Unlock()

	return rs.cat.ForEachIndexOnTable(t.Name, func(idx catalog.IndexMeta) error {
		cols, err := columnsOf(t, idx, values)
		if err != nil {
			return err
		}
		if idx.Kind == catalog.IndexTrigram {
			if len(cols) != 1 || cols[0].Kind != storage.KindText {
				return nil
			}
			for _, tg := range catalog.Trigrams(string(cols[0].Bytes)) {
				rs.cat.Deltas().Add(idx.Name, tg, rowid)
			}
			return nil
		}
		for _, c := range cols {
			if c.Kind == storage.KindNull {
				return nil // NULLs are not indexed, matching common SQL unique-index semantics.
			}
		}
		key, err := compositeIndexKey(cols)
		if err != nil {
			return err
		}
		return rs.insertIndexEntry(idx, key, rowid, cols)
	})
}

func (rs *RowStore) maintainIndexesOnDelete(t catalog.TableMeta, rowid uint64, values []storage.Value) error {
	rs.locks.IndexMu.Lock()
	defer rs.locks.IndexMu.Unlock()

	return rs.cat.ForEachIndexOnTable(t.Name, func(idx catalog.IndexMeta) error {
		cols, err := columnsOf(t, idx, values)
		if err != nil {
			return err
		}
		if idx.Kind == catalog.IndexTrigram {
			if len(cols) != 1 || cols[0].Kind != storage.KindText {
				return nil
			}
			for _, tg := range catalog.Trigrams(string(cols[0].Bytes)) {
				rs.cat.Deltas().Remove(idx.Name, tg, rowid)
			}
			return nil
		}
		for _, c := range cols {
			if c.Kind == storage.KindNull {
				return nil
			}
		}
		key, err := compositeIndexKey(cols)
		if err != nil {
			return err
		}
		return rs.removeIndexEntry(idx, key, rowid)
	})
}

// checkForeignKeys verifies, for every column of t that references
// another table, that a matching parent row exists. NULL FK values are
// allowed through (an optional, unset reference).
func (rs *RowStore) checkForeignKeys(t catalog.TableMeta, values []storage.Value) error {
	for i, c := range t.Columns {
		if c.RefTable == "" {
			continue
		}
		v := values[i]
		if v.Kind == storage.KindNull {
			continue
		}
		parent, ok, err := rs.cat.GetTable(c.RefTable)
		if err != nil {
			return err
		}
		if !ok {
			return corvuserr.New(corvuserr.CONSTRAINT, "foreign key %q.%q references unknown table %q", t.Name, c.Name, c.RefTable)
		}
		found, err := rs.parentRowExists(parent, c.RefColumn, v)
		if err != nil {
			return err
		}
		if !found {
			return corvuserr.New(corvuserr.CONSTRAINT, "foreign key %q.%q has no matching row in %q.%q", t.Name, c.Name, c.RefTable, c.RefColumn)
		}
	}
	return nil
}

func (rs *RowStore) parentRowExists(parent catalog.TableMeta, refColumn string, v storage.Value) (bool, error) {
	if pk, _, ok := pkColumn(parent); ok && pk.Name == refColumn && pk.Kind == catalog.ColInt64 {
		if v.Kind != storage.KindInt64 {
			return false, nil
		}
		_, found, err := rs.tableBtree(parent).Find(uint64(v.Int64))
		return found, err
	}
	idx, ok, err := rs.cat.GetBtreeIndexForColumn(parent.Name, refColumn)
	if err != nil || !ok {
		return false, err
	}
	rowids, err := rs.IndexSeek(idx.Name, v)
	if err != nil {
		return false, err
	}
	return len(rowids) > 0, nil
}

// checkFKRestrict forbids updating/deleting a row of t whose pkValue
// is still referenced by a child row in another table.
func (rs *RowStore) checkFKRestrict(t catalog.TableMeta, pkColumnName string, pkValue storage.Value) error {
	return rs.cat.ForEachTable(func(child catalog.TableMeta) error {
		for _, c := range child.Columns {
			if c.RefTable != t.Name || c.RefColumn != pkColumnName {
				continue
			}
			referenced, err := rs.childReferences(child, c.Name, pkValue)
			if err != nil {
				return err
			}
			if referenced {
				return corvuserr.New(corvuserr.CONSTRAINT, "row referenced by %q.%q (FK restrict)", child.Name, c.Name)
			}
		}
		return nil
	})
}

func (rs *RowStore) childReferences(child catalog.TableMeta, column string, v storage.Value) (bool, error) {
	if idx, ok, err := rs.cat.GetBtreeIndexForColumn(child.Name, column); err == nil && ok {
		rowids, err := rs.IndexSeek(idx.Name, v)
		return len(rowids) > 0, err
	} else if err != nil {
		return false, err
	}
	// No index on the FK column: fall back to a full scan.
	found := false
	err := rs.ScanTable(child.Name, func(rowid uint64, values []storage.Value) error {
		if found {
			return nil
		}
		for i, c := range child.Columns {
			if c.Name == column && valuesEqual(values[i], v) {
				found = true
			}
		}
		return nil
	})
	return found, err
}

// InsertRow type-checks values against table's schema, normalizes and
// encodes them, assigns a rowid, and maintains every index registered
// on the table. Returns the assigned rowid.
func (rs *RowStore) InsertRow(table string, values []storage.Value) (uint64, error) {
	t, ok, err := rs.cat.GetTable(table)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, corvuserr.New(corvuserr.SQL, "no such table %q", table)
	}
	if err := rs.checkTypesAndNotNull(t, values); err != nil {
		return 0, err
	}
	if err := rs.checkForeignKeys(t, values); err != nil {
		return 0, err
	}

	if err := rs.locks.AcquireRecord(table, 0); err != nil {
		return 0, err
	}
	defer rs.locks.ReleaseRecord(table, 0)

	return rs.insertLocked(t, values)
}

// insertLocked performs the actual rowid assignment, row write, and
// index maintenance; callers must already hold the appropriate lock(s)
// and have run constraint checks.
func (rs *RowStore) insertLocked(t catalog.TableMeta, values []storage.Value) (uint64, error) {
	var rowid uint64
	pk, pkIdx, hasPK := pkColumn(t)
	bt := rs.tableBtree(t)
	if hasPK && pk.Kind == catalog.ColInt64 {
		rowid = uint64(values[pkIdx].Int64)
		if _, found, err := bt.Find(rowid); err != nil {
			return 0, err
		} else if found {
			return 0, corvuserr.New(corvuserr.CONSTRAINT, "duplicate primary key %d in %q", rowid, t.Name)
		}
	} else {
		rowid = t.NextRowID
		t.NextRowID++
	}

	encoded, err := rs.encodeRow(values)
	if err != nil {
		return 0, err
	}
	if err := bt.Insert(rowid, encoded); err != nil {
		return 0, err
	}
	t.RootPage = bt.Root
	if err := rs.cat.SaveTable(t); err != nil {
		return 0, err
	}
	if err := rs.maintainIndexesOnInsert(t, rowid, values); err != nil {
		return 0, err
	}
	return rowid, nil
}

// readRowLocked fetches and decodes the row at rowid; callers must
// already hold the row's lock.
func (rs *RowStore) readRowLocked(t catalog.TableMeta, rowid uint64) ([]storage.Value, []byte, bool, error) {
	cell, found, err := rs.tableBtree(t).Find(rowid)
	if err != nil || !found {
		return nil, nil, found, err
	}
	raw := cell.Value
	if cell.IsOverflow {
		raw, err = rs.pager.ReadOverflowChain(cell.OverflowPage, cell.OverflowLen)
		if err != nil {
			return nil, nil, false, err
		}
	}
	values, err := rs.decodeRow(raw)
	return values, raw, true, err
}

// deleteLocked removes rowid's row, overflow chains, and index
// entries; callers must already hold the row's lock and have checked
// FK-restrict.
func (rs *RowStore) deleteLocked(t catalog.TableMeta, rowid uint64, values []storage.Value, raw []byte) error {
	if err := rs.maintainIndexesOnDelete(t, rowid, values); err != nil {
		return err
	}
	if err := rs.freeRowOverflow(raw); err != nil {
		return err
	}
	bt := rs.tableBtree(t)
	if err := bt.Delete(rowid); err != nil {
		return err
	}
	t.RootPage = bt.Root
	return rs.cat.SaveTable(t)
}

// UpdateRow replaces the row at rowid with newValues, checking
// constraints against the new values (self-collisions on the row's own
// current index entries are permitted) and maintaining indexes
// symmetrically. If the table uses the INT64-PK rowid optimization and
// newValues changes the PK column, the row moves to a new rowid (a
// delete of the old rowid followed by an insert at the new one).
func (rs *RowStore) UpdateRow(table string, rowid uint64, newValues []storage.Value) error {
	t, ok, err := rs.cat.GetTable(table)
	if err != nil {
		return err
	}
	if !ok {
		return corvuserr.New(corvuserr.SQL, "no such table %q", table)
	}
	if err := rs.checkTypesAndNotNull(t, newValues); err != nil {
		return err
	}

	if err := rs.locks.AcquireRecord(table, rowid); err != nil {
		return err
	}
	defer rs.locks.ReleaseRecord(table, rowid)

	oldValues, raw, found, err := rs.readRowLocked(t, rowid)
	if err != nil {
		return err
	}
	if !found {
		return corvuserr.New(corvuserr.SQL, "no such row %d in %q", rowid, table)
	}

	pk, pkIdx, hasPK := pkColumn(t)
	pkChanged := hasPK && !valuesEqual(oldValues[pkIdx], newValues[pkIdx])
	if pkChanged {
		if err := rs.checkFKRestrict(t, pk.Name, oldValues[pkIdx]); err != nil {
			return err
		}
	}
	if err := rs.checkForeignKeys(t, newValues); err != nil {
		return err
	}

	if pkChanged && pk.Kind == catalog.ColInt64 {
		newRowid := uint64(newValues[pkIdx].Int64)
		if err := rs.locks.AcquireRecord(table, newRowid); err != nil {
			return err
		}
		defer rs.locks.ReleaseRecord(table, newRowid)
		if err := rs.deleteLocked(t, rowid, oldValues, raw); err != nil {
			return err
		}
		t, _, err = rs.cat.GetTable(table)
		if err != nil {
			return err
		}
		_, err = rs.insertLocked(t, newValues)
		return err
	}

	if err := rs.maintainIndexesOnDelete(t, rowid, oldValues); err != nil {
		return err
	}
	if err := rs.freeRowOverflow(raw); err != nil {
		return err
	}

	encoded, err := rs.encodeRow(newValues)
	if err != nil {
		return err
	}
	bt := rs.tableBtree(t)
	if err := bt.Insert(rowid, encoded); err != nil {
		return err
	}
	t.RootPage = bt.Root
	if err := rs.cat.SaveTable(t); err != nil {
		return err
	}
	return rs.maintainIndexesOnInsert(t, rowid, newValues)
}

// DeleteRow removes rowid from table, enforcing FK-restrict, freeing
// its overflow chains, and removing its index entries.
func (rs *RowStore) DeleteRow(table string, rowid uint64) error {
	t, ok, err := rs.cat.GetTable(table)
	if err != nil {
		return err
	}
	if !ok {
		return corvuserr.New(corvuserr.SQL, "no such table %q", table)
	}

	if err := rs.locks.AcquireRecord(table, rowid); err != nil {
		return err
	}
	defer rs.locks.ReleaseRecord(table, rowid)

	values, raw, found, err := rs.readRowLocked(t, rowid)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	if pk, _, hasPK := pkColumn(t); hasPK {
		if err := rs.checkFKRestrict(t, pk.Name, values[indexOfColumn(t, pk.Name)]); err != nil {
			return err
		}
	}

	return rs.deleteLocked(t, rowid, values, raw)
}

func indexOfColumn(t catalog.TableMeta, name string) int {
	for i, c := range t.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// IndexSeek resolves indexName and returns every rowid whose indexed
// column(s) equal value, reading the index's on-disk posting list.
// Trigram indexes are rejected; TrigramSearch serves those.
func (rs *RowStore) IndexSeek(indexName string, value storage.Value) ([]uint64, error) {
	idx, ok, err := rs.cat.GetIndexByName(indexName)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, corvuserr.New(corvuserr.SQL, "no such index %q", indexName)
	}
	if idx.Kind == catalog.IndexTrigram {
		return nil, corvuserr.New(corvuserr.SQL, "index %q is a trigram index; use TrigramSearch", indexName)
	}
	key, err := indexKey(value)
	if err != nil {
		return nil, err
	}
	idxBt := btree.Open(rs.pager, idx.RootPage)
	postings, err := rs.readPostings(idxBt, key)
	if err != nil {
		return nil, err
	}
	var out []uint64
	for _, p := range postings {
		if len(p.Values) == 1 && valuesEqual(p.Values[0], value) {
			out = append(out, p.RowID)
		}
	}
	return out, nil
}

// TrigramSearch returns every rowid whose indexed text column contains
// substring pattern, by intersecting the postings of every trigram in
// pattern (patterns under 3 bytes fall back to a full table scan,
// since they have no trigrams to index on).
func (rs *RowStore) TrigramSearch(indexName, pattern string) ([]uint64, error) {
	idx, ok, err := rs.cat.GetIndexByName(indexName)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, corvuserr.New(corvuserr.SQL, "no such index %q", indexName)
	}
	trigrams := catalog.Trigrams(pattern)
	if len(trigrams) == 0 {
		return rs.fullScanContains(idx, pattern)
	}

	idxBt := btree.Open(rs.pager, idx.RootPage)
	var candidate map[uint64]struct{}
	for _, tg := range trigrams {
		onDisk, err := rs.trigramPostings(idxBt, tg)
		if err != nil {
			return nil, err
		}
		merged := rs.cat.Deltas().Pending(idx.Name, tg, onDisk)
		set := make(map[uint64]struct{}, len(merged))
		for _, r := range merged {
			set[r] = struct{}{}
		}
		if candidate == nil {
			candidate = set
			continue
		}
		for r := range candidate {
			if _, ok := set[r]; !ok {
				delete(candidate, r)
			}
		}
	}

	out := make([]uint64, 0, len(candidate))
	for r := range candidate {
		out = append(out, r)
	}
	return rs.filterActualMatches(idx, out, pattern)
}

func (rs *RowStore) trigramPostings(idxBt *btree.Btree, trigram string) ([]uint64, error) {
	key := uint64(storage.CRC32C([]byte(trigram)))
	cell, found, err := idxBt.Find(key)
	if err != nil || !found {
		return nil, err
	}
	raw := cell.Value
	if cell.IsOverflow {
		raw, err = rs.pager.ReadOverflowChain(cell.OverflowPage, cell.OverflowLen)
		if err != nil {
			return nil, err
		}
	}
	count, n, err := storage.Uvarint(raw)
	if err != nil {
		return nil, err
	}
	raw = raw[n:]
	out := make([]uint64, 0, count)
	for i := uint64(0); i < count; i++ {
		v, n, err := storage.Uvarint(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
		raw = raw[n:]
	}
	return out, nil
}

// filterActualMatches re-reads each candidate row and keeps only the
// ones whose text column genuinely contains pattern, since a trigram
// intersection is a necessary but not sufficient condition for a
// substring match.
func (rs *RowStore) filterActualMatches(idx catalog.IndexMeta, candidates []uint64, pattern string) ([]uint64, error) {
	t, ok, err := rs.cat.GetTable(idx.Table)
	if err != nil || !ok {
		return nil, err
	}
	col := indexOfColumn(t, idx.Columns[0])
	bt := rs.tableBtree(t)
	var out []uint64
	for _, rowid := range candidates {
		cell, found, err := bt.Find(rowid)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		raw := cell.Value
		if cell.IsOverflow {
			raw, err = rs.pager.ReadOverflowChain(cell.OverflowPage, cell.OverflowLen)
			if err != nil {
				return nil, err
			}
		}
		values, err := rs.decodeRow(raw)
		if err != nil {
			return nil, err
		}
		if containsSubstring(string(values[col].Bytes), pattern) {
			out = append(out, rowid)
		}
	}
	return out, nil
}

func (rs *RowStore) fullScanContains(idx catalog.IndexMeta, pattern string) ([]uint64, error) {
	t, ok, err := rs.cat.GetTable(idx.Table)
	if err != nil || !ok {
		return nil, err
	}
	col := indexOfColumn(t, idx.Columns[0])
	var out []uint64
	err = rs.ScanTable(idx.Table, func(rowid uint64, values []storage.Value) error {
		if containsSubstring(string(values[col].Bytes), pattern) {
			out = append(out, rowid)
		}
		return nil
	})
	return out, err
}

func containsSubstring(s, sub string) bool {
	if len(sub) == 0 {
		return true
	}
	if len(sub) > len(s) {
		return false
	}
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

// ScanTable walks every live row of table in rowid order.
func (rs *RowStore) ScanTable(table string, fn func(rowid uint64, values []storage.Value) error) error {
	t, ok, err := rs.cat.GetTable(table)
	if err != nil {
		return err
	}
	if !ok {
		return corvuserr.New(corvuserr.SQL, "no such table %q", table)
	}
	bt := rs.tableBtree(t)
	cur, err := bt.OpenCursor()
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
		raw := cell.Value
		if cell.IsOverflow {
			raw, err = rs.pager.ReadOverflowChain(cell.OverflowPage, cell.OverflowLen)
			if err != nil {
				return err
			}
		}
		values, err := rs.decodeRow(raw)
		if err != nil {
			return err
		}
		if err := fn(cell.Key, values); err != nil {
			return err
		}
	}
}

// ReadRowAt fetches a single row by rowid.
func (rs *RowStore) ReadRowAt(table string, rowid uint64) ([]storage.Value, bool, error) {
	t, ok, err := rs.cat.GetTable(table)
	if err != nil || !ok {
		return nil, false, err
	}
	cell, found, err := rs.tableBtree(t).Find(rowid)
	if err != nil || !found {
		return nil, false, err
	}
	raw := cell.Value
	if cell.IsOverflow {
		raw, err = rs.pager.ReadOverflowChain(cell.OverflowPage, cell.OverflowLen)
		if err != nil {
			return nil, false, err
		}
	}
	values, err := rs.decodeRow(raw)
	return values, true, err
}
