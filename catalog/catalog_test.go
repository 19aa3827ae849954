package catalog

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/corvusdb/corvus/storage"
)

func newTestPager(t *testing.T) *storage.Pager {
	t.Helper()
	vfs := storage.NewMemVFS()
	p, err := storage.OpenPager(vfs, "test.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.ClosePager() })
	return p
}

func withWrite(t *testing.T, p *storage.Pager, fn func() error) {
	t.Helper()
	require.NoError(t, p.BeginWrite())
	require.NoError(t, fn())
	_, err := p.CommitWrite()
	require.NoError(t, err)
}

func TestSaveAndGetTable(t *testing.T) {
	p := newTestPager(t)
	var cat *Catalog
	withWrite(t, p, func() error {
		var err error
		cat, err = Create(p)
		return err
	})

	tbl := TableMeta{
		Name:     "users",
		RootPage: 10,
		Columns: []Column{
			{Name: "id", Kind: ColInt64, PrimaryKey: true, NotNull: true},
			{Name: "name", Kind: ColText},
		},
	}
	withWrite(t, p, func() error { return cat.SaveTable(tbl) })

	got, ok, err := cat.GetTable("users")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, tbl.Name, got.Name)
	require.Equal(t, tbl.RootPage, got.RootPage)
	require.Len(t, got.Columns, 2)
	require.True(t, got.Columns[0].PrimaryKey)

	_, ok, err = cat.GetTable("missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCreateIndexMetaAndLookup(t *testing.T) {
	p := newTestPager(t)
	var cat *Catalog
	withWrite(t, p, func() error {
		var err error
		cat, err = Create(p)
		return err
	})

	withWrite(t, p, func() error {
		_, err := cat.CreateIndexMeta(p, "idx_email", "users", []string{"email"}, IndexBtree, true)
		return err
	})
	withWrite(t, p, func() error {
		_, err := cat.CreateIndexMeta(p, "idx_title_trgm", "books", []string{"title"}, IndexTrigram, false)
		return err
	})

	idx, ok, err := cat.GetBtreeIndexForColumn("users", "email")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, idx.Unique)

	_, ok, err = cat.GetBtreeIndexForColumn("users", "name")
	require.NoError(t, err)
	require.False(t, ok)

	trg, ok, err := cat.GetTrigramIndexForColumn("books", "title")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, IndexTrigram, trg.Kind)
}

func TestCreateViewMetaAndLookup(t *testing.T) {
	p := newTestPager(t)
	var cat *Catalog
	withWrite(t, p, func() error {
		var err error
		cat, err = Create(p)
		return err
	})

	withWrite(t, p, func() error {
		return cat.CreateViewMeta(ViewMeta{Name: "v", SQLText: "SELECT * FROM t", ColumnNames: []string{"a", "b"}})
	})

	v, ok, err := cat.GetViewByName("v")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"a", "b"}, v.ColumnNames)
}

func TestForEachTableAndIndex(t *testing.T) {
	p := newTestPager(t)
	var cat *Catalog
	withWrite(t, p, func() error {
		var err error
		cat, err = Create(p)
		return err
	})

	withWrite(t, p, func() error { return cat.SaveTable(TableMeta{Name: "a", RootPage: 1}) })
	withWrite(t, p, func() error { return cat.SaveTable(TableMeta{Name: "b", RootPage: 2}) })
	withWrite(t, p, func() error {
		_, err := cat.CreateIndexMeta(p, "idx_a_x", "a", []string{"x"}, IndexBtree, false)
		return err
	})

	var names []string
	require.NoError(t, cat.ForEachTable(func(tm TableMeta) error {
		names = append(names, tm.Name)
		return nil
	}))
	require.ElementsMatch(t, []string{"a", "b"}, names)

	var onA []string
	require.NoError(t, cat.ForEachIndexOnTable("a", func(im IndexMeta) error {
		onA = append(onA, im.Name)
		return nil
	}))
	require.Equal(t, []string{"idx_a_x"}, onA)
}

func TestParseColumnKind(t *testing.T) {
	cases := map[string]ColumnKind{
		"INT":     ColInt64,
		"bigint":  ColInt64,
		"BOOL":    ColBool,
		"float64": ColFloat64,
		"VARCHAR(255)": ColText,
		"blob":    ColBlob,
	}
	for token, want := range cases {
		got, err := ParseColumnKind(token)
		require.NoError(t, err, token)
		require.Equal(t, want, got, token)
	}

	_, err := ParseColumnKind("NOT_A_TYPE")
	require.Error(t, err)
}
