package rowstore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/corvusdb/corvus/btree"
	"github.com/corvusdb/corvus/catalog"
	"github.com/corvusdb/corvus/concurrency"
	"github.com/corvusdb/corvus/storage"
)

type testEnv struct {
	pager *storage.Pager
	cat   *catalog.Catalog
	rows  *RowStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	vfs := storage.NewMemVFS()
	pager, err := storage.OpenPager(vfs, "test.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = pager.ClosePager() })

	var cat *catalog.Catalog
	withWrite(t, pager, func() error {
		var err error
		cat, err = catalog.Create(pager)
		return err
	})

	locks := concurrency.NewLockManager(concurrency.LockPolicyWait)
	return &testEnv{pager: pager, cat: cat, rows: Open(pager, cat, locks)}
}

func withWrite(t *testing.T, p *storage.Pager, fn func() error) {
	t.Helper()
	require.NoError(t, p.BeginWrite())
	require.NoError(t, fn())
	_, err := p.CommitWrite()
	require.NoError(t, err)
}

func (e *testEnv) createTable(t *testing.T, name string, cols []catalog.Column) {
	t.Helper()
	withWrite(t, e.pager, func() error {
		bt, err := btree.Create(e.pager)
		if err != nil {
			return err
		}
		return e.cat.SaveTable(catalog.TableMeta{Name: name, RootPage: bt.Root, Columns: cols})
	})
}

func TestInsertReadUpdateDeleteRow(t *testing.T) {
	env := newTestEnv(t)
	env.createTable(t, "users", []catalog.Column{
		{Name: "id", Kind: catalog.ColInt64, PrimaryKey: true, NotNull: true},
		{Name: "name", Kind: catalog.ColText},
	})

	var rowid uint64
	withWrite(t, env.pager, func() error {
		var err error
		rowid, err = env.rows.InsertRow("users", []storage.Value{storage.Int64Value(1), storage.TextValue([]byte("ada"))})
		return err
	})
	require.Equal(t, uint64(1), rowid)

	values, ok, err := env.rows.ReadRowAt("users", rowid)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "ada", string(values[1].Bytes))

	withWrite(t, env.pager, func() error {
		return env.rows.UpdateRow("users", rowid, []storage.Value{storage.Int64Value(1), storage.TextValue([]byte("lovelace"))})
	})
	values, _, err = env.rows.ReadRowAt("users", rowid)
	require.NoError(t, err)
	require.Equal(t, "lovelace", string(values[1].Bytes))

	withWrite(t, env.pager, func() error { return env.rows.DeleteRow("users", rowid) })
	_, ok, err = env.rows.ReadRowAt("users", rowid)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDuplicatePrimaryKeyRejected(t *testing.T) {
	env := newTestEnv(t)
	env.createTable(t, "users", []catalog.Column{
		{Name: "id", Kind: catalog.ColInt64, PrimaryKey: true, NotNull: true},
	})

	withWrite(t, env.pager, func() error {
		_, err := env.rows.InsertRow("users", []storage.Value{storage.Int64Value(1)})
		return err
	})

	err := env.pager.BeginWrite()
	require.NoError(t, err)
	_, err = env.rows.InsertRow("users", []storage.Value{storage.Int64Value(1)})
	require.Error(t, err)
	require.NoError(t, env.pager.RollbackWrite())
}

func TestNotNullConstraintEnforced(t *testing.T) {
	env := newTestEnv(t)
	env.createTable(t, "users", []catalog.Column{
		{Name: "id", Kind: catalog.ColInt64, PrimaryKey: true, NotNull: true},
		{Name: "name", Kind: catalog.ColText, NotNull: true},
	})

	require.NoError(t, env.pager.BeginWrite())
	_, err := env.rows.InsertRow("users", []storage.Value{storage.Int64Value(1), storage.NullValue()})
	require.Error(t, err)
	require.NoError(t, env.pager.RollbackWrite())
}

func TestForeignKeyRestrictBlocksDelete(t *testing.T) {
	env := newTestEnv(t)
	env.createTable(t, "authors", []catalog.Column{
		{Name: "id", Kind: catalog.ColInt64, PrimaryKey: true, NotNull: true},
	})
	env.createTable(t, "books", []catalog.Column{
		{Name: "id", Kind: catalog.ColInt64, PrimaryKey: true, NotNull: true},
		{Name: "author_id", Kind: catalog.ColInt64, RefTable: "authors", RefColumn: "id"},
	})

	withWrite(t, env.pager, func() error {
		_, err := env.rows.InsertRow("authors", []storage.Value{storage.Int64Value(1)})
		return err
	})
	withWrite(t, env.pager, func() error {
		_, err := env.rows.InsertRow("books", []storage.Value{storage.Int64Value(1), storage.Int64Value(1)})
		return err
	})

	require.NoError(t, env.pager.BeginWrite())
	err := env.rows.DeleteRow("authors", 1)
	require.Error(t, err)
	require.NoError(t, env.pager.RollbackWrite())
}

func TestForeignKeyRejectsMissingParent(t *testing.T) {
	env := newTestEnv(t)
	env.createTable(t, "authors", []catalog.Column{
		{Name: "id", Kind: catalog.ColInt64, PrimaryKey: true, NotNull: true},
	})
	env.createTable(t, "books", []catalog.Column{
		{Name: "id", Kind: catalog.ColInt64, PrimaryKey: true, NotNull: true},
		{Name: "author_id", Kind: catalog.ColInt64, RefTable: "authors", RefColumn: "id"},
	})

	require.NoError(t, env.pager.BeginWrite())
	_, err := env.rows.InsertRow("books", []storage.Value{storage.Int64Value(1), storage.Int64Value(99)})
	require.Error(t, err)
	require.NoError(t, env.pager.RollbackWrite())
}

func TestIndexSeekAndTrigramSearch(t *testing.T) {
	env := newTestEnv(t)
	env.createTable(t, "books", []catalog.Column{
		{Name: "id", Kind: catalog.ColInt64, PrimaryKey: true, NotNull: true},
		{Name: "title", Kind: catalog.ColText},
	})

	var btreeIdx, trigramIdx catalog.IndexMeta
	withWrite(t, env.pager, func() error {
		var err error
		btreeIdx, err = env.cat.CreateIndexMeta(env.pager, "title_idx", "books", []string{"title"}, catalog.IndexBtree, true)
		return err
	})
	withWrite(t, env.pager, func() error {
		var err error
		trigramIdx, err = env.cat.CreateIndexMeta(env.pager, "title_trgm", "books", []string{"title"}, catalog.IndexTrigram, false)
		return err
	})

	withWrite(t, env.pager, func() error {
		_, err := env.rows.InsertRow("books", []storage.Value{storage.Int64Value(1), storage.TextValue([]byte("black magic"))})
		return err
	})
	withWrite(t, env.pager, func() error {
		_, err := env.rows.InsertRow("books", []storage.Value{storage.Int64Value(2), storage.TextValue([]byte("plain arithmetic"))})
		return err
	})

	ids, err := env.rows.IndexSeek(btreeIdx.Name, storage.TextValue([]byte("black magic")))
	require.NoError(t, err)
	require.Equal(t, []uint64{1}, ids)

	ids, err = env.rows.TrigramSearch(trigramIdx.Name, "mag")
	require.NoError(t, err)
	require.Equal(t, []uint64{1}, ids)
}

func TestScanTableVisitsEveryLiveRow(t *testing.T) {
	env := newTestEnv(t)
	env.createTable(t, "items", []catalog.Column{
		{Name: "id", Kind: catalog.ColInt64, PrimaryKey: true, NotNull: true},
	})

	withWrite(t, env.pager, func() error {
		for i := int64(1); i <= 3; i++ {
			if _, err := env.rows.InsertRow("items", []storage.Value{storage.Int64Value(i)}); err != nil {
				return err
			}
		}
		return nil
	})
	withWrite(t, env.pager, func() error { return env.rows.DeleteRow("items", 2) })

	var seen []uint64
	require.NoError(t, env.rows.ScanTable("items", func(rowid uint64, values []storage.Value) error {
		seen = append(seen, rowid)
		return nil
	}))
	require.Equal(t, []uint64{1, 3}, seen)
}
