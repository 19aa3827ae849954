package sql

import (
	"fmt"
	"sort"
	"strings"

	"github.com/corvusdb/corvus/btree"
	"github.com/corvusdb/corvus/catalog"
	"github.com/corvusdb/corvus/corvuserr"
	"github.com/corvusdb/corvus/rowstore"
	"github.com/corvusdb/corvus/storage"
)

// Executor binds parsed statements to catalog/rowstore calls and
// formats result rows as "col|col|..." per the embedded API surface.
type Executor struct {
	pager *storage.Pager
	cat   *catalog.Catalog
	rows  *rowstore.RowStore
}

// NewExecutor creates an Executor over an already-open catalog and
// row store sharing the same pager.
func NewExecutor(pager *storage.Pager, cat *catalog.Catalog, rows *rowstore.RowStore) *Executor {
	return &Executor{pager: pager, cat: cat, rows: rows}
}

// Exec runs one DDL/DML statement (not BEGIN/COMMIT/ROLLBACK/VACUUM,
// which the owning DB handles directly since they touch transaction
// and VFS concerns this package doesn't own) and returns its result
// rows.
func (e *Executor) Exec(stmt Statement, params []storage.Value) ([]string, error) {
	switch s := stmt.(type) {
	case *CreateTableStmt:
		return nil, e.execCreateTable(s)
	case *CreateIndexStmt:
		return nil, e.execCreateIndex(s)
	case *CreateViewStmt:
		return nil, e.execCreateView(s)
	case *InsertStmt:
		return nil, e.execInsert(s, params)
	case *SelectStmt:
		return e.execSelect(s, params)
	case *UpdateStmt:
		return nil, e.execUpdate(s, params)
	case *DeleteStmt:
		return nil, e.execDelete(s, params)
	default:
		return nil, corvuserr.New(corvuserr.SQL, "statement type %T is not handled by Executor.Exec", stmt)
	}
}

func (e *Executor) execCreateTable(s *CreateTableStmt) error {
	cols := make([]catalog.Column, len(s.Columns))
	for i, c := range s.Columns {
		kind, err := catalog.ParseColumnKind(c.TypeName)
		if err != nil {
			return err
		}
		cols[i] = catalog.Column{
			Name:       c.Name,
			Kind:       kind,
			NotNull:    c.NotNull,
			Unique:     c.Unique,
			PrimaryKey: c.PrimaryKey,
			RefTable:   c.RefTable,
			RefColumn:  c.RefColumn,
		}
	}

	bt, err := btree.Create(e.pager)
	if err != nil {
		return err
	}
	if err := e.cat.SaveTable(catalog.TableMeta{
		Name:      s.Table,
		RootPage:  bt.Root,
		NextRowID: 0,
		Columns:   cols,
	}); err != nil {
		return err
	}

	// An INT64 PRIMARY KEY uses the rowid itself as the key, so it
	// needs no secondary unique index. Every other PK, and every
	// UNIQUE column, gets one.
	for _, c := range cols {
		if c.PrimaryKey && c.Kind == catalog.ColInt64 {
			continue
		}
		if c.PrimaryKey || c.Unique {
			name := fmt.Sprintf("%s_%s_idx", s.Table, c.Name)
			if _, err := e.cat.CreateIndexMeta(e.pager, name, s.Table, []string{c.Name}, catalog.IndexBtree, true); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Executor) execCreateIndex(s *CreateIndexStmt) error {
	kind := catalog.IndexBtree
	if s.Trigram {
		kind = catalog.IndexTrigram
	}
	_, err := e.cat.CreateIndexMeta(e.pager, s.Name, s.Table, s.Columns, kind, s.Unique)
	if err != nil {
		return err
	}
	return e.rows.RebuildIndex(s.Name)
}

func (e *Executor) execCreateView(s *CreateViewStmt) error {
	sel, err := Parse(s.SQLText)
	if err != nil {
		return fmt.Errorf("create view %q: %w", s.Name, err)
	}
	selStmt, ok := sel.(*SelectStmt)
	if !ok {
		return corvuserr.New(corvuserr.SQL, "CREATE VIEW %q: body must be a SELECT", s.Name)
	}
	colNames := selStmt.Columns
	if len(colNames) == 0 {
		t, ok, err := e.cat.GetTable(selStmt.Table)
		if err != nil {
			return err
		}
		if !ok {
			return corvuserr.New(corvuserr.SQL, "no such table %q", selStmt.Table)
		}
		for _, c := range t.Columns {
			colNames = append(colNames, c.Name)
		}
	}
	return e.cat.CreateViewMeta(catalog.ViewMeta{Name: s.Name, SQLText: s.SQLText, ColumnNames: colNames})
}

func resolveValue(v ValueExpr, params []storage.Value) (storage.Value, error) {
	if !v.IsParam {
		return v.Value, nil
	}
	if v.ParamIndex >= len(params) {
		return storage.Value{}, corvuserr.New(corvuserr.SQL, "missing parameter %d", v.ParamIndex)
	}
	return params[v.ParamIndex], nil
}

func (e *Executor) execInsert(s *InsertStmt, params []storage.Value) error {
	t, ok, err := e.cat.GetTable(s.Table)
	if err != nil {
		return err
	}
	if !ok {
		return corvuserr.New(corvuserr.SQL, "no such table %q", s.Table)
	}

	colOrder := s.Columns
	if len(colOrder) == 0 {
		for _, c := range t.Columns {
			colOrder = append(colOrder, c.Name)
		}
	}

	for _, row := range s.Rows {
		if len(row) != len(colOrder) {
			return corvuserr.New(corvuserr.SQL, "insert into %q: column/value count mismatch", s.Table)
		}
		values := make([]storage.Value, len(t.Columns))
		for i := range values {
			values[i] = storage.NullValue()
		}
		for i, name := range colOrder {
			idx := columnIndex(t, name)
			if idx < 0 {
				return corvuserr.New(corvuserr.SQL, "table %q has no column %q", s.Table, name)
			}
			v, err := resolveValue(row[i], params)
			if err != nil {
				return err
			}
			values[idx] = v
		}
		if _, err := e.rows.InsertRow(s.Table, values); err != nil {
			return err
		}
	}
	return nil
}

// rowidPKColumn returns the name of t's INT64 PRIMARY KEY column, if
// it has one, letting WHERE pk = v resolve straight to the row by
// rowid instead of a secondary index or a full scan.
func rowidPKColumn(t catalog.TableMeta) (string, int, bool) {
	for i, c := range t.Columns {
		if c.PrimaryKey && c.Kind == catalog.ColInt64 {
			return c.Name, i, true
		}
	}
	return "", 0, false
}

func columnIndex(t catalog.TableMeta, name string) int {
	for i, c := range t.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

func matchCondition(t catalog.TableMeta, values []storage.Value, c Condition, params []storage.Value) (bool, error) {
	idx := columnIndex(t, c.Column)
	if idx < 0 {
		return false, corvuserr.New(corvuserr.SQL, "table %q has no column %q", t.Name, c.Column)
	}
	want, err := resolveValue(c.Value, params)
	if err != nil {
		return false, err
	}
	got := values[idx]

	if c.Op == TokenLike {
		if got.Kind != storage.KindText || want.Kind != storage.KindText {
			return false, nil
		}
		return likeMatch(string(got.Bytes), string(want.Bytes)), nil
	}

	cmp, ok := compareValues(got, want)
	if !ok {
		return false, nil
	}
	switch c.Op {
	case TokenEQ:
		return cmp == 0, nil
	case TokenNEQ:
		return cmp != 0, nil
	case TokenLT:
		return cmp < 0, nil
	case TokenGT:
		return cmp > 0, nil
	case TokenLTE:
		return cmp <= 0, nil
	case TokenGTE:
		return cmp >= 0, nil
	default:
		return false, corvuserr.New(corvuserr.SQL, "unsupported operator in WHERE clause")
	}
}

// compareValues returns (-1,0,1, true) for two same-kind comparable
// values, or (_, false) if they can't be ordered against each other.
func compareValues(a, b storage.Value) (int, bool) {
	if a.Kind == storage.KindNull || b.Kind == storage.KindNull {
		return 0, false
	}
	if a.Kind != b.Kind {
		return 0, false
	}
	switch a.Kind {
	case storage.KindInt64:
		switch {
		case a.Int64 < b.Int64:
			return -1, true
		case a.Int64 > b.Int64:
			return 1, true
		default:
			return 0, true
		}
	case storage.KindFloat64:
		switch {
		case a.Float64 < b.Float64:
			return -1, true
		case a.Float64 > b.Float64:
			return 1, true
		default:
			return 0, true
		}
	case storage.KindBool:
		if a.Bool == b.Bool {
			return 0, true
		}
		if !a.Bool && b.Bool {
			return -1, true
		}
		return 1, true
	case storage.KindText, storage.KindBlob:
		return strings.Compare(string(a.Bytes), string(b.Bytes)), true
	default:
		return 0, false
	}
}

// likeMatch implements SQL LIKE with "%" (any run) and "_" (one char)
// wildcards by translating to a small greedy matcher; the trigram
// index, where present, is consulted first by execSelect.
func likeMatch(s, pattern string) bool {
	return likeMatchRunes([]rune(s), []rune(pattern))
}

func likeMatchRunes(s, pattern []rune) bool {
	if len(pattern) == 0 {
		return len(s) == 0
	}
	switch pattern[0] {
	case '%':
		for i := 0; i <= len(s); i++ {
			if likeMatchRunes(s[i:], pattern[1:]) {
				return true
			}
		}
		return false
	case '_':
		if len(s) == 0 {
			return false
		}
		return likeMatchRunes(s[1:], pattern[1:])
	default:
		if len(s) == 0 || s[0] != pattern[0] {
			return false
		}
		return likeMatchRunes(s[1:], pattern[1:])
	}
}

// likePatternTrigram extracts the trigram search term from a LIKE
// pattern of the shape "%text%", or "" if the pattern doesn't have
// that shape (falls back to a full scan).
func likePatternTrigram(pattern string) (string, bool) {
	if len(pattern) >= 2 && strings.HasPrefix(pattern, "%") && strings.HasSuffix(pattern, "%") {
		inner := pattern[1 : len(pattern)-1]
		if !strings.ContainsAny(inner, "%_") && len(inner) >= 3 {
			return inner, true
		}
	}
	return "", false
}

func (e *Executor) execSelect(s *SelectStmt, params []storage.Value) ([]string, error) {
	t, ok, err := e.cat.GetTable(s.Table)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, corvuserr.New(corvuserr.SQL, "no such table %q", s.Table)
	}

	colOrder := s.Columns
	if len(colOrder) == 0 {
		for _, c := range t.Columns {
			colOrder = append(colOrder, c.Name)
		}
	}

	type scanned struct {
		rowid  uint64
		values []storage.Value
	}
	var matched []scanned

	candidateRowids, usedCandidates, err := e.candidateRowids(t, s.Where, params)
	if err != nil {
		return nil, err
	}

	visit := func(rowid uint64, values []storage.Value) error {
		ok := true
		for _, c := range s.Where {
			m, err := matchCondition(t, values, c, params)
			if err != nil {
				return err
			}
			if !m {
				ok = false
				break
			}
		}
		if ok {
			matched = append(matched, scanned{rowid: rowid, values: values})
		}
		return nil
	}

	if usedCandidates {
		for _, rowid := range candidateRowids {
			values, found, err := e.rows.ReadRowAt(s.Table, rowid)
			if err != nil {
				return nil, err
			}
			if !found {
				continue
			}
			if err := visit(rowid, values); err != nil {
				return nil, err
			}
		}
	} else {
		if err := e.rows.ScanTable(s.Table, visit); err != nil {
			return nil, err
		}
	}

	if len(s.OrderBy) > 0 {
		sort.SliceStable(matched, func(i, j int) bool {
			for _, term := range s.OrderBy {
				idx := columnIndex(t, term.Column)
				cmp, _ := compareValues(matched[i].values[idx], matched[j].values[idx])
				if cmp == 0 {
					continue
				}
				if term.Desc {
					return cmp > 0
				}
				return cmp < 0
			}
			return false
		})
	}

	if s.HasLimit && s.Limit < len(matched) {
		matched = matched[:s.Limit]
	}

	out := make([]string, 0, len(matched))
	for _, m := range matched {
		parts := make([]string, len(colOrder))
		for i, name := range colOrder {
			idx := columnIndex(t, name)
			if idx < 0 {
				return nil, corvuserr.New(corvuserr.SQL, "table %q has no column %q", s.Table, name)
			}
			parts[i] = formatValue(m.values[idx])
		}
		out = append(out, strings.Join(parts, "|"))
	}
	return out, nil
}

// candidateRowids narrows a scan to an index seek or a trigram search
// when the WHERE clause makes one available, avoiding a full table
// scan for the common point-lookup and substring-search cases.
func (e *Executor) candidateRowids(t catalog.TableMeta, where []Condition, params []storage.Value) ([]uint64, bool, error) {
	for _, c := range where {
		if c.Op == TokenEQ {
			if pk, _, has := rowidPKColumn(t); has && pk == c.Column {
				v, err := resolveValue(c.Value, params)
				if err != nil {
					return nil, false, err
				}
				if v.Kind == storage.KindInt64 {
					return []uint64{uint64(v.Int64)}, true, nil
				}
			}
			idx, ok, err := e.cat.GetBtreeIndexForColumn(t.Name, c.Column)
			if err != nil {
				return nil, false, err
			}
			if ok {
				v, err := resolveValue(c.Value, params)
				if err != nil {
					return nil, false, err
				}
				ids, err := e.rows.IndexSeek(idx.Name, v)
				if err != nil {
					return nil, false, err
				}
				return ids, true, nil
			}
		}
		if c.Op == TokenLike {
			want, err := resolveValue(c.Value, params)
			if err != nil {
				return nil, false, err
			}
			if want.Kind != storage.KindText {
				continue
			}
			term, ok := likePatternTrigram(string(want.Bytes))
			if !ok {
				continue
			}
			idx, ok, err := e.cat.GetTrigramIndexForColumn(t.Name, c.Column)
			if err != nil {
				return nil, false, err
			}
			if ok {
				ids, err := e.rows.TrigramSearch(idx.Name, term)
				if err != nil {
					return nil, false, err
				}
				return ids, true, nil
			}
		}
	}
	return nil, false, nil
}

func (e *Executor) execUpdate(s *UpdateStmt, params []storage.Value) error {
	t, ok, err := e.cat.GetTable(s.Table)
	if err != nil {
		return err
	}
	if !ok {
		return corvuserr.New(corvuserr.SQL, "no such table %q", s.Table)
	}

	var rowids []uint64
	if err := e.rows.ScanTable(s.Table, func(rowid uint64, values []storage.Value) error {
		for _, c := range s.Where {
			m, err := matchCondition(t, values, c, params)
			if err != nil {
				return err
			}
			if !m {
				return nil
			}
		}
		rowids = append(rowids, rowid)
		return nil
	}); err != nil {
		return err
	}

	for _, rowid := range rowids {
		values, found, err := e.rows.ReadRowAt(s.Table, rowid)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		newValues := append([]storage.Value(nil), values...)
		for _, a := range s.Set {
			idx := columnIndex(t, a.Column)
			if idx < 0 {
				return corvuserr.New(corvuserr.SQL, "table %q has no column %q", s.Table, a.Column)
			}
			v, err := resolveValue(a.Value, params)
			if err != nil {
				return err
			}
			newValues[idx] = v
		}
		if err := e.rows.UpdateRow(s.Table, rowid, newValues); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) execDelete(s *DeleteStmt, params []storage.Value) error {
	t, ok, err := e.cat.GetTable(s.Table)
	if err != nil {
		return err
	}
	if !ok {
		return corvuserr.New(corvuserr.SQL, "no such table %q", s.Table)
	}

	var rowids []uint64
	if err := e.rows.ScanTable(s.Table, func(rowid uint64, values []storage.Value) error {
		for _, c := range s.Where {
			m, err := matchCondition(t, values, c, params)
			if err != nil {
				return err
			}
			if !m {
				return nil
			}
		}
		rowids = append(rowids, rowid)
		return nil
	}); err != nil {
		return err
	}

	for _, rowid := range rowids {
		if err := e.rows.DeleteRow(s.Table, rowid); err != nil {
			return err
		}
	}
	return nil
}

// formatValue renders one column value per the embedded API's
// "col|col|..." row format.
func formatValue(v storage.Value) string {
	switch v.Kind {
	case storage.KindNull:
		return ""
	case storage.KindBool:
		if v.Bool {
			return "true"
		}
		return "false"
	case storage.KindInt64:
		return fmt.Sprintf("%d", v.Int64)
	case storage.KindFloat64:
		return fmt.Sprintf("%g", v.Float64)
	case storage.KindText, storage.KindBlob:
		return string(v.Bytes)
	default:
		return ""
	}
}
