package rowstore

import (
	"sort"

	"github.com/corvusdb/corvus/btree"
	"github.com/corvusdb/corvus/catalog"
	"github.com/corvusdb/corvus/corvuserr"
	"github.com/corvusdb/corvus/storage"
)

// BulkLoadOptions tunes BulkLoad's behavior.
type BulkLoadOptions struct {
	// DisableIndexes skips per-row index maintenance; indexes are
	// rebuilt from scratch once all rows have landed.
	DisableIndexes bool
	// Durability is "full" (fsync after every BatchSize rows) or
	// "none" (rely on the normal checkpoint cadence).
	Durability string
	BatchSize  int
	// SyncInterval additionally forces a pager flush every N rows,
	// independent of BatchSize's commit-boundary semantics.
	SyncInterval int
	// CheckpointOnComplete runs a checkpoint once loading finishes.
	CheckpointOnComplete bool
}

// BulkLoad streams rows into table, checking uniqueness and NOT NULL
// per row but deferring FK validation to the end. Any row rejected by
// a constraint aborts the whole load with CONSTRAINT.
func (rs *RowStore) BulkLoad(table string, rows [][]storage.Value, opts BulkLoadOptions) (int, error) {
	t, ok, err := rs.cat.GetTable(table)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, corvuserr.New(corvuserr.SQL, "no such table %q", table)
	}

	if err := rs.locks.AcquireRecord(table, 0); err != nil {
		return 0, err
	}
	defer rs.locks.ReleaseRecord(table, 0)

	loaded := 0
	for i, values := range rows {
		if err := rs.checkTypesAndNotNull(t, values); err != nil {
			return loaded, err
		}

		var rowid uint64
		pk, pkIdx, hasPK := pkColumn(t)
		bt := rs.tableBtree(t)
		if hasPK && pk.Kind == catalog.ColInt64 {
			rowid = uint64(values[pkIdx].Int64)
			if _, found, err := bt.Find(rowid); err != nil {
				return loaded, err
			} else if found {
				return loaded, corvuserr.New(corvuserr.CONSTRAINT, "duplicate primary key %d in %q", rowid, table)
			}
		} else {
			rowid = t.NextRowID
			t.NextRowID++
		}

		encoded, err := rs.encodeRow(values)
		if err != nil {
			return loaded, err
		}
		if err := bt.Insert(rowid, encoded); err != nil {
			return loaded, err
		}
		t.RootPage = bt.Root

		if !opts.DisableIndexes {
			if err := rs.maintainIndexesOnInsert(t, rowid, values); err != nil {
				return loaded, err
			}
		}
		loaded++

		if opts.BatchSize > 0 && loaded%opts.BatchSize == 0 {
			if err := rs.cat.SaveTable(t); err != nil {
				return loaded, err
			}
			if opts.Durability == "full" {
				if err := rs.pager.FlushAll(); err != nil {
					return loaded, err
				}
			}
		}
		if opts.SyncInterval > 0 && (i+1)%opts.SyncInterval == 0 {
			if err := rs.pager.FlushAll(); err != nil {
				return loaded, err
			}
		}
	}

	if err := rs.cat.SaveTable(t); err != nil {
		return loaded, err
	}

	if err := rs.checkBulkForeignKeys(t, rows); err != nil {
		return loaded, err
	}

	if opts.DisableIndexes {
		if err := rs.rebuildAllIndexes(t.Name); err != nil {
			return loaded, err
		}
	}

	if opts.CheckpointOnComplete {
		if err := rs.pager.Checkpoint(); err != nil {
			return loaded, err
		}
	}
	return loaded, nil
}

func (rs *RowStore) checkBulkForeignKeys(t catalog.TableMeta, rows [][]storage.Value) error {
	for _, values := range rows {
		if err := rs.checkForeignKeys(t, values); err != nil {
			return err
		}
	}
	return nil
}

func (rs *RowStore) rebuildAllIndexes(table string) error {
	var names []string
	if err := rs.cat.ForEachIndexOnTable(table, func(idx catalog.IndexMeta) error {
		names = append(names, idx.Name)
		return nil
	}); err != nil {
		return err
	}
	for _, name := range names {
		if err := rs.RebuildIndex(name); err != nil {
			return err
		}
	}
	return nil
}

// RebuildIndex reads every row of the index's owning table, recomputes
// its key(s) in sorted order, and bulk-builds a fresh root, swapping it
// into the catalog and freeing the old pages. The old tree's page
// count is never allowed to exceed pre + O(1): pages are freed as soon
// as the new root is in place.
func (rs *RowStore) RebuildIndex(indexName string) error {
	idx, ok, err := rs.cat.GetIndexByName(indexName)
	if err != nil {
		return err
	}
	if !ok {
		return corvuserr.New(corvuserr.SQL, "no such index %q", indexName)
	}
	t, ok, err := rs.cat.GetTable(idx.Table)
	if err != nil {
		return err
	}
	if !ok {
		return corvuserr.New(corvuserr.INTERNAL, "index %q references unknown table %q", indexName, idx.Table)
	}

	rs.locks.IndexMu.Lock()
	defer rs.locks.IndexMu.Unlock()

	if idx.Kind == catalog.IndexTrigram {
		return rs.rebuildTrigramIndex(idx, t)
	}
	return rs.rebuildBtreeIndex(idx, t)
}

func (rs *RowStore) rebuildBtreeIndex(idx catalog.IndexMeta, t catalog.TableMeta) error {
	type kv struct {
		key      uint64
		postings []indexPosting
	}
	byKey := make(map[uint64][]indexPosting)

	err := rs.ScanTable(t.Name, func(rowid uint64, values []storage.Value) error {
		cols, err := columnsOf(t, idx, values)
		if err != nil {
			return err
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
		byKey[key] = append(byKey[key], indexPosting{RowID: rowid, Values: cols})
		return nil
	})
	if err != nil {
		return err
	}

	entries := make([]kv, 0, len(byKey))
	for k, v := range byKey {
		entries = append(entries, kv{key: k, postings: v})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })

	cells := make([]btree.Cell, 0, len(entries))
	for _, e := range entries {
		cells = append(cells, btree.Cell{Key: e.key, Value: encodePostings(e.postings)})
	}

	oldRoot := idx.RootPage
	newRoot, err := btree.BulkBuildFromSorted(rs.pager, cells)
	if err != nil {
		return err
	}
	idx.RootPage = newRoot
	if err := rs.cat.SaveIndexMeta(idx); err != nil {
		return err
	}
	return rs.freeBtreePages(oldRoot)
}

func (rs *RowStore) rebuildTrigramIndex(idx catalog.IndexMeta, t catalog.TableMeta) error {
	postings := make(map[string]map[uint64]struct{})
	col := indexOfColumn(t, idx.Columns[0])
	if col < 0 {
		return corvuserr.New(corvuserr.INTERNAL, "trigram index %q references unknown column", idx.Name)
	}

	err := rs.ScanTable(t.Name, func(rowid uint64, values []storage.Value) error {
		v := values[col]
		if v.Kind != storage.KindText {
			return nil
		}
		for _, tg := range catalog.Trigrams(string(v.Bytes)) {
			set, ok := postings[tg]
			if !ok {
				set = make(map[uint64]struct{})
				postings[tg] = set
			}
			set[rowid] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return err
	}

	trigrams := make([]string, 0, len(postings))
	for tg := range postings {
		trigrams = append(trigrams, tg)
	}
	sort.Strings(trigrams)

	cells := make([]btree.Cell, 0, len(trigrams))
	for _, tg := range trigrams {
		rowids := make([]uint64, 0, len(postings[tg]))
		for r := range postings[tg] {
			rowids = append(rowids, r)
		}
		sort.Slice(rowids, func(i, j int) bool { return rowids[i] < rowids[j] })
		key := uint64(storage.CRC32C([]byte(tg)))
		cells = append(cells, btree.Cell{Key: key, Value: encodeTrigramPostings(rowids)})
	}
	sort.Slice(cells, func(i, j int) bool { return cells[i].Key < cells[j].Key })

	oldRoot := idx.RootPage
	newRoot, err := btree.BulkBuildFromSorted(rs.pager, cells)
	if err != nil {
		return err
	}
	idx.RootPage = newRoot
	if err := rs.cat.SaveIndexMeta(idx); err != nil {
		return err
	}
	return rs.freeBtreePages(oldRoot)
}

func encodeTrigramPostings(rowids []uint64) []byte {
	buf := storage.PutUvarint(nil, uint64(len(rowids)))
	for _, r := range rowids {
		buf = storage.PutUvarint(buf, r)
	}
	return buf
}

// freeBtreePages walks every page reachable from root by tree
// structure alone (never following a leaf's nextLeaf sibling pointer,
// which would revisit pages already reached through their parent) and
// returns them, and any overflow chains their cells point at, to the
// pager's freelist.
func (rs *RowStore) freeBtreePages(root storage.PageID) error {
	var walk func(id storage.PageID) error
	walk = func(id storage.PageID) error {
		page, err := rs.pager.ReadPage(id)
		if err != nil {
			return err
		}
		if page.Type() == storage.PageTypeLeaf {
			cells, err := btree.LeafCellsOf(page)
			if err != nil {
				return err
			}
			for _, cell := range cells {
				if !cell.IsOverflow {
					continue
				}
				ids, err := rs.pager.FreeOverflowChain(cell.OverflowPage)
				if err != nil {
					return err
				}
				for _, oid := range ids {
					if err := rs.pager.FreePage(oid); err != nil {
						return err
					}
				}
			}
			return rs.pager.FreePage(id)
		}
		children, err := btree.ChildrenOf(page)
		if err != nil {
			return err
		}
		for _, c := range children {
			if err := walk(c); err != nil {
				return err
			}
		}
		return rs.pager.FreePage(id)
	}
	return walk(root)
}
