package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestPager(t *testing.T) *Pager {
	t.Helper()
	vfs := NewMemVFS()
	p, err := OpenPager(vfs, "test.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.ClosePager() })
	return p
}

func writePage(t *testing.T, p *Pager, id PageID, marker byte) {
	t.Helper()
	require.NoError(t, p.BeginWrite())
	page := NewPage(PageTypeData, id)
	page.Data[PageHeaderSize] = marker
	require.NoError(t, p.WritePage(id, page))
	_, err := p.CommitWrite()
	require.NoError(t, err)
}

// fillPast writes n distinct pages starting at base, each in its own
// transaction, guaranteeing at least one CLOCK eviction (and thus a
// WAL-logged frame) once n exceeds the cache's slot capacity.
func fillPast(t *testing.T, p *Pager, base PageID, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		writePage(t, p, base+PageID(i), byte(i))
	}
}

func TestOpenPagerCreatesHeaderAndCatalogRoot(t *testing.T) {
	p := openTestPager(t)
	h := p.Header()
	require.Equal(t, PageID(2), h.RootCatalog)
	require.Equal(t, FormatVersion, h.FormatVersion)
}

func TestAllocateAndFreePageRoundTrip(t *testing.T) {
	p := openTestPager(t)
	id, err := p.AllocatePage()
	require.NoError(t, err)
	require.Greater(t, id, PageID(0))

	require.NoError(t, p.FreePage(id))

	reused, err := p.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, id, reused, "freed page should be reclaimed before extending the file")
}

func TestWritePageVisibleImmediatelyAndFlushClearsDirty(t *testing.T) {
	p := openTestPager(t)
	writePage(t, p, 3, 0xAB)

	got, err := p.ReadPage(3)
	require.NoError(t, err)
	require.Equal(t, byte(0xAB), got.Data[PageHeaderSize])
	require.True(t, p.IsDirty(3), "a committed write stays dirty until flushed or evicted")

	require.NoError(t, p.FlushAll())
	require.False(t, p.IsDirty(3))

	got, err = p.ReadPage(3)
	require.NoError(t, err)
	require.Equal(t, byte(0xAB), got.Data[PageHeaderSize])
}

func TestRollbackWriteDiscardsUncommittedPage(t *testing.T) {
	p := openTestPager(t)
	writePage(t, p, 3, 0x01)
	require.NoError(t, p.FlushAll()) // page 3 is clean holding 0x01 before the rolled-back transaction dirties it

	require.NoError(t, p.BeginWrite())
	page := NewPage(PageTypeData, 3)
	page.Data[PageHeaderSize] = 0x02
	require.NoError(t, p.WritePage(3, page))
	require.NoError(t, p.RollbackWrite())

	got, err := p.ReadPage(3)
	require.NoError(t, err)
	require.Equal(t, byte(0x01), got.Data[PageHeaderSize])
}

func TestPinnedPageSurvivesEviction(t *testing.T) {
	p := openTestPager(t)
	require.NoError(t, p.PinPage(3))
	defer p.UnpinPage(3)

	fillPast(t, p, 100, maxCacheSlots+16)

	_, err := p.ReadPage(3)
	require.NoError(t, err, "pinned page must not have been evicted")
}

func TestEvictionThenCheckpointPreservesEveryPage(t *testing.T) {
	p := openTestPager(t)
	const n = maxCacheSlots + 64
	fillPast(t, p, 1000, n)

	require.NoError(t, p.Checkpoint())

	for i := 0; i < n; i++ {
		got, err := p.ReadPage(PageID(1000 + i))
		require.NoError(t, err)
		require.Equal(t, byte(i), got.Data[PageHeaderSize], "page %d should survive CLOCK eviction once checkpointed", i)
	}
}

func TestCheckpointAdvancesLastCheckpointLSN(t *testing.T) {
	p := openTestPager(t)
	fillPast(t, p, 2000, maxCacheSlots+8)
	require.Greater(t, p.WAL().BytesSinceCheckpoint(), int64(0), "evictions under an open write should have logged WAL frames")

	require.NoError(t, p.Checkpoint())
	require.Equal(t, int64(0), p.WAL().BytesSinceCheckpoint())
	require.Equal(t, p.WAL().CommittedLSN(), p.Header().LastCheckpointLSN)
}

func TestMaybeCheckpointFiresOnByteThreshold(t *testing.T) {
	p := openTestPager(t)
	fillPast(t, p, 3000, maxCacheSlots+8)
	before := p.WAL().BytesSinceCheckpoint()
	require.Greater(t, before, int64(0))

	require.NoError(t, p.MaybeCheckpoint(1, 0))
	require.Equal(t, int64(0), p.WAL().BytesSinceCheckpoint())
}

func TestMaybeCheckpointNoOpBelowThresholds(t *testing.T) {
	p := openTestPager(t)
	fillPast(t, p, 4000, maxCacheSlots+8)
	before := p.WAL().BytesSinceCheckpoint()
	require.Greater(t, before, int64(0))

	require.NoError(t, p.MaybeCheckpoint(before+1<<20, 0))
	require.Equal(t, before, p.WAL().BytesSinceCheckpoint())
}
