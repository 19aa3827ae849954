package btree

import (
	"fmt"
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

func TestInsertAndFind(t *testing.T) {
	p := newTestPager(t)
	var bt *Btree
	withWrite(t, p, func() error {
		var err error
		bt, err = Create(p)
		return err
	})

	withWrite(t, p, func() error { return bt.Insert(1, []byte("one")) })
	withWrite(t, p, func() error { return bt.Insert(2, []byte("two")) })

	cell, ok, err := bt.Find(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("one"), cell.Value)

	_, ok, err = bt.Find(99)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestInsertOverwritesExistingKey(t *testing.T) {
	p := newTestPager(t)
	var bt *Btree
	withWrite(t, p, func() error {
		var err error
		bt, err = Create(p)
		return err
	})
	withWrite(t, p, func() error { return bt.Insert(1, []byte("first")) })
	withWrite(t, p, func() error { return bt.Insert(1, []byte("second")) })

	cell, ok, err := bt.Find(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("second"), cell.Value)
}

func TestDeleteRemovesKey(t *testing.T) {
	p := newTestPager(t)
	var bt *Btree
	withWrite(t, p, func() error {
		var err error
		bt, err = Create(p)
		return err
	})
	withWrite(t, p, func() error { return bt.Insert(1, []byte("x")) })
	withWrite(t, p, func() error { return bt.Delete(1) })

	_, ok, err := bt.Find(1)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSplitAndRebalanceAcrossManyKeys(t *testing.T) {
	p := newTestPager(t)
	var bt *Btree
	withWrite(t, p, func() error {
		var err error
		bt, err = Create(p)
		return err
	})

	const n = 500
	withWrite(t, p, func() error {
		for i := 0; i < n; i++ {
			if err := bt.Insert(uint64(i), []byte(fmt.Sprintf("value-%d", i))); err != nil {
				return err
			}
		}
		return nil
	})
	for i := 0; i < n; i++ {
		cell, ok, err := bt.Find(uint64(i))
		require.NoError(t, err)
		require.True(t, ok, "key %d should be present", i)
		require.Equal(t, fmt.Sprintf("value-%d", i), string(cell.Value))
	}

	// delete half, forcing underflow merges, and confirm the rest survive
	withWrite(t, p, func() error {
		for i := 0; i < n; i += 2 {
			if err := bt.Delete(uint64(i)); err != nil {
				return err
			}
		}
		return nil
	})
	for i := 1; i < n; i += 2 {
		_, ok, err := bt.Find(uint64(i))
		require.NoError(t, err)
		require.True(t, ok, "odd key %d should survive", i)
	}
	for i := 0; i < n; i += 2 {
		_, ok, err := bt.Find(uint64(i))
		require.NoError(t, err)
		require.False(t, ok, "even key %d should be gone", i)
	}
}

func TestCursorForwardIteration(t *testing.T) {
	p := newTestPager(t)
	var bt *Btree
	withWrite(t, p, func() error {
		var err error
		bt, err = Create(p)
		return err
	})
	withWrite(t, p, func() error {
		for _, k := range []uint64{5, 1, 3, 4, 2} {
			if err := bt.Insert(k, []byte{byte(k)}); err != nil {
				return err
			}
		}
		return nil
	})

	cur, err := bt.OpenCursor()
	require.NoError(t, err)
	var got []uint64
	for {
		cell, ok, err := cur.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, cell.Key)
	}
	require.Equal(t, []uint64{1, 2, 3, 4, 5}, got)
}

func TestBulkBuildFromSorted(t *testing.T) {
	p := newTestPager(t)
	var entries []Cell
	for i := 0; i < 200; i++ {
		entries = append(entries, Cell{Key: uint64(i), Value: []byte(fmt.Sprintf("v%d", i))})
	}

	var root storage.PageID
	withWrite(t, p, func() error {
		var err error
		root, err = BulkBuildFromSorted(p, entries)
		return err
	})

	bt := Open(p, root)
	cell, ok, err := bt.Find(150)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v150", string(cell.Value))
}
