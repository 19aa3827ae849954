package rowstore

import (
	"sort"

	"github.com/corvusdb/corvus/btree"
	"github.com/corvusdb/corvus/catalog"
	"github.com/corvusdb/corvus/storage"
)

// VacuumInto copies rs's schema and rows into dst (opened empty by the
// caller), skipping indexes that are semantically redundant with a
// broader one already scheduled for recreation. Tables are created and
// loaded in FK dependency order so a child's foreign-key check against
// an already-fully-loaded parent always succeeds.
func (rs *RowStore) VacuumInto(dst *RowStore) error {
	tables, err := rs.tablesInDependencyOrder()
	if err != nil {
		return err
	}

	for _, t := range tables {
		bt, err := btree.Create(dst.pager)
		if err != nil {
			return err
		}
		if err := dst.cat.SaveTable(catalog.TableMeta{
			Name:      t.Name,
			RootPage:  bt.Root,
			NextRowID: 0,
			Columns:   t.Columns,
		}); err != nil {
			return err
		}
	}

	for _, t := range tables {
		var rows [][]storage.Value
		if err := rs.ScanTable(t.Name, func(_ uint64, values []storage.Value) error {
			rows = append(rows, values)
			return nil
		}); err != nil {
			return err
		}
		if _, err := dst.BulkLoad(t.Name, rows, BulkLoadOptions{DisableIndexes: true}); err != nil {
			return err
		}
	}

	for _, t := range tables {
		keep, err := rs.nonRedundantIndexes(t.Name)
		if err != nil {
			return err
		}
		for _, idx := range keep {
			if _, err := dst.cat.CreateIndexMeta(dst.pager, idx.Name, idx.Table, idx.Columns, idx.Kind, idx.Unique); err != nil {
				return err
			}
			if err := dst.RebuildIndex(idx.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

// tablesInDependencyOrder topologically sorts rs's tables so every
// table referenced by another table's foreign key comes first.
func (rs *RowStore) tablesInDependencyOrder() ([]catalog.TableMeta, error) {
	var all []catalog.TableMeta
	byName := make(map[string]catalog.TableMeta)
	if err := rs.cat.ForEachTable(func(t catalog.TableMeta) error {
		all = append(all, t)
		byName[t.Name] = t
		return nil
	}); err != nil {
		return nil, err
	}

	visited := make(map[string]bool)
	var order []catalog.TableMeta
	var visit func(name string) error
	visit = func(name string) error {
		if visited[name] {
			return nil
		}
		visited[name] = true
		t, ok := byName[name]
		if !ok {
			return nil
		}
		for _, c := range t.Columns {
			if c.RefTable != "" && c.RefTable != name {
				if err := visit(c.RefTable); err != nil {
					return err
				}
			}
		}
		order = append(order, t)
		return nil
	}

	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	for _, t := range all {
		if err := visit(t.Name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// nonRedundantIndexes returns table's indexes with the semantically
// redundant ones dropped: an index is redundant if another kept index
// of the same kind has the index's columns as a prefix of its own (so
// it is equal or broader) and an equal-or-stronger uniqueness. Broader (more columns) indexes are
// considered first so they absorb any narrower prefix index.
func (rs *RowStore) nonRedundantIndexes(table string) ([]catalog.IndexMeta, error) {
	var all []catalog.IndexMeta
	if err := rs.cat.ForEachIndexOnTable(table, func(idx catalog.IndexMeta) error {
		all = append(all, idx)
		return nil
	}); err != nil {
		return nil, err
	}

	sort.SliceStable(all, func(i, j int) bool { return len(all[i].Columns) > len(all[j].Columns) })

	var keep []catalog.IndexMeta
	for _, idx := range all {
		redundant := false
		for _, k := range keep {
			if k.Kind != idx.Kind {
				continue
			}
			if isColumnPrefix(idx.Columns, k.Columns) && (k.Unique || !idx.Unique) {
				redundant = true
				break
			}
		}
		if !redundant {
			keep = append(keep, idx)
		}
	}
	return keep, nil
}

// isColumnPrefix reports whether short is a prefix of long.
func isColumnPrefix(short, long []string) bool {
	if len(short) > len(long) {
		return false
	}
	for i, c := range short {
		if long[i] != c {
			return false
		}
	}
	return true
}
