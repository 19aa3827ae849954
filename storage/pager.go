package storage

import (
	"sync"
	"time"

	"github.com/corvusdb/corvus/corvuserr"
	"github.com/corvusdb/corvus/corvuslog"
)

const maxCacheSlots = 2048

type cacheSlot struct {
	pageID   PageID
	page     *Page
	dirty    bool
	pinCount int
	clockBit bool
	valid    bool
}

// Pager is the buffer pool mediating all page I/O for one database
// file. It holds a pageId->slot map (a Go map; it is not open-addressed
// and not splitmix64 hashed) over a fixed slot array, and CLOCK-evicts
// when full.
type Pager struct {
	mu sync.Mutex

	vfs  VFS
	path string
	db   Handle
	wal  *WAL

	header   DBHeader
	pageSize int
	pageCnt  PageID

	slots   []cacheSlot
	hashMap map[PageID]int // pageId -> slot index
	clock   int            // CLOCK hand

	rollbackMu sync.RWMutex // rollbackLock: blocks readers during rollback

	txOpen bool
	txUndo map[PageID]pageBefore // before-images of pages first dirtied in the open write tx

	log *corvuslog.Logger
}

// pageBefore captures a cache slot's content and dirty state the first
// time the current write transaction touches it, so RollbackWrite can
// restore exactly what this transaction changed and nothing else.
type pageBefore struct {
	page  *Page
	dirty bool
}

// SetLogger attaches l as the pager's structured logger. Eviction,
// checkpoint, recovery, and aborted-reader reads are the only events
// logged; ordinary per-page reads and writes never touch l.
func (p *Pager) SetLogger(l *corvuslog.Logger) {
	p.log = l
}

func (p *Pager) logger() *corvuslog.Logger {
	if p.log == nil {
		return corvuslog.GetGlobalLogger()
	}
	return p.log
}

// splitmix64 is a 64-bit mixing function. Nothing in the pager calls
// it: cache lookups go through hashMap.
func splitmix64(x uint64) uint64 {
	x += 0x9E3779B97F4A7C15
	x = (x ^ (x >> 30)) * 0xBF58476D1CE4E5B9
	x = (x ^ (x >> 27)) * 0x94D049BB133111EB
	return x ^ (x >> 31)
}

// OpenPager opens (creating if needed) the database file at path and
// its companion WAL, validating or writing the DB header.
func OpenPager(vfs VFS, path string) (*Pager, error) {
	db, err := vfs.Open(path, true)
	if err != nil {
		return nil, err
	}
	size, err := db.Size()
	if err != nil {
		return nil, err
	}

	p := &Pager{
		vfs:      vfs,
		path:     path,
		db:       db,
		pageSize: PageSize,
		hashMap:  make(map[PageID]int),
		slots:    make([]cacheSlot, 0, maxCacheSlots),
	}

	if size == 0 {
		p.header = DBHeader{FormatVersion: FormatVersion, PageSize: PageSize, RootCatalog: 2, FreelistHead: 0, FreelistCount: 0}
		if err := p.writeHeaderPage(); err != nil {
			return nil, err
		}
		p.pageCnt = 1
		// Page 1 holds the header only; the catalog root is page 2.
		catalogRoot := NewPage(PageTypeLeaf, 2)
		if err := p.rawWritePage(2, catalogRoot); err != nil {
			return nil, err
		}
		p.pageCnt = 2
	} else {
		if size < int64(PageSize) {
			return nil, corvuserr.New(corvuserr.CORRUPTION, "pager: file shorter than one page")
		}
		buf := make([]byte, HeaderSize)
		if _, err := db.ReadAt(buf, 0); err != nil {
			return nil, err
		}
		h, err := DecodeDBHeader(buf)
		if err != nil {
			return nil, err
		}
		p.header = *h
		p.pageCnt = PageID(size / int64(PageSize))
	}

	start := time.Now()
	wal, err := OpenWAL(vfs, path+"-wal")
	if err != nil {
		return nil, err
	}
	p.wal = wal
	p.header.LastCheckpointLSN = wal.CommittedLSN()
	if n := wal.FramesReplayed(); n > 0 {
		p.logger().LogWALRecovery(n, time.Since(start))
	}
	return p, nil
}

func (p *Pager) writeHeaderPage() error {
	buf := p.header.Encode()
	page := make([]byte, PageSize)
	copy(page, buf)
	_, err := p.db.WriteAt(page, 0)
	if err != nil {
		return err
	}
	return p.db.Fsync()
}

func (p *Pager) rawWritePage(id PageID, page *Page) error {
	_, err := p.db.WriteAt(page.Data[:], int64(id-1)*int64(PageSize))
	return err
}

func (p *Pager) rawReadPage(id PageID) (*Page, error) {
	page := &Page{}
	n, err := p.db.ReadAt(page.Data[:], int64(id-1)*int64(PageSize))
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Past end of file: treat as a freshly allocated, zeroed page.
		return page, nil
	}
	return page, nil
}

// Header returns a copy of the current DB header.
func (p *Pager) Header() DBHeader {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.header
}

// SetRootCatalog persists a new catalog root page into the header.
func (p *Pager) SetRootCatalog(id PageID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.header.RootCatalog = id
	return p.writeHeaderPage()
}

// BeginWrite starts a writer transaction against the WAL.
func (p *Pager) BeginWrite() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.wal.BeginWrite(); err != nil {
		return err
	}
	p.txOpen = true
	p.txUndo = make(map[PageID]pageBefore)
	return nil
}

// CommitWrite commits the WAL transaction. It never checkpoints; the
// caller decides when to run MaybeCheckpoint or Checkpoint.
func (p *Pager) CommitWrite() (uint64, error) {
	p.mu.Lock()
	lsn, err := p.wal.Commit()
	p.txOpen = false
	p.txUndo = nil
	p.mu.Unlock()
	return lsn, err
}

// RollbackWrite discards the in-progress writer transaction, restoring
// every page it dirtied to its pre-transaction content and dirty state
// via the undo log, under the rollback lock so no reader observes a
// half-rolled-back cache. Pages left dirty by earlier, already-
// committed transactions are untouched.
func (p *Pager) RollbackWrite() error {
	p.rollbackMu.Lock()
	defer p.rollbackMu.Unlock()
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.wal.Rollback(); err != nil {
		return err
	}
	p.txOpen = false
	for pageID, before := range p.txUndo {
		if idx, ok := p.hashMap[pageID]; ok {
			p.slots[idx].page = before.page
			p.slots[idx].dirty = before.dirty
		}
	}
	p.txUndo = nil
	return nil
}

// recordUndo captures idx's current content the first time the open
// write transaction dirties it, so rollback can restore precisely this
// transaction's before-image.
func (p *Pager) recordUndo(pageID PageID, idx int) {
	if !p.txOpen {
		return
	}
	if _, seen := p.txUndo[pageID]; seen {
		return
	}
	snapshot := *p.slots[idx].page
	p.txUndo[pageID] = pageBefore{page: &snapshot, dirty: p.slots[idx].dirty}
}

// allocatePage pops a page off the freelist, or extends the file.
func (p *Pager) allocatePage() (PageID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.header.FreelistCount > 0 {
		head := p.header.FreelistHead
		page, err := p.readPageLocked(head, 0, false)
		if err != nil {
			return 0, err
		}
		count := page.FreelistCount()
		if count > 0 {
			reclaimed := page.FreelistEntry(count - 1)
			page.SetFreelistCount(count - 1)
			if err := p.writePageLocked(head, page); err != nil {
				return 0, err
			}
			p.header.FreelistCount--
			if err := p.writeHeaderPage(); err != nil {
				return 0, err
			}
			return reclaimed, nil
		}
		// This freelist page is now empty: the page itself becomes the
		// allocated page, and the chain head advances.
		next := page.NextPageID()
		p.header.FreelistHead = next
		p.header.FreelistCount--
		if err := p.writeHeaderPage(); err != nil {
			return 0, err
		}
		return head, nil
	}

	p.pageCnt++
	id := p.pageCnt
	blank := NewPage(PageTypeData, id)
	if err := p.rawWritePage(id, blank); err != nil {
		return 0, err
	}
	return id, nil
}

// freePage pushes id onto the freelist.
func (p *Pager) freePage(id PageID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.header.FreelistCount == 0 || p.freelistHeadFull() {
		page := NewPage(PageTypeFreelist, id)
		page.SetNextPageID(p.header.FreelistHead)
		page.SetFreelistCount(0)
		if err := p.writePageLocked(id, page); err != nil {
			return err
		}
		p.header.FreelistHead = id
		p.header.FreelistCount++
		return p.writeHeaderPage()
	}

	head, err := p.readPageLocked(p.header.FreelistHead, 0, false)
	if err != nil {
		return err
	}
	count := head.FreelistCount()
	head.SetFreelistEntry(count, id)
	head.SetFreelistCount(count + 1)
	if err := p.writePageLocked(p.header.FreelistHead, head); err != nil {
		return err
	}
	p.header.FreelistCount++
	return p.writeHeaderPage()
}

func (p *Pager) freelistHeadFull() bool {
	if p.header.FreelistHead == 0 {
		return true
	}
	head, err := p.readPageLocked(p.header.FreelistHead, 0, false)
	if err != nil {
		return true
	}
	return head.FreelistCount() >= FreelistCapacity
}

// findSlot returns the cache slot index for pageID, loading it from
// disk/WAL if absent, evicting via CLOCK if the cache is full.
func (p *Pager) findSlot(pageID PageID, snapshotLsn uint64, readerID uint64, useSnapshot bool) (int, error) {
	if idx, ok := p.hashMap[pageID]; ok {
		return idx, nil
	}

	var raw []byte
	if useSnapshot {
		if p.wal.IsReaderAborted(readerID) {
			p.logger().LogReaderAborted(snapshotLsn)
			return 0, corvuserr.New(corvuserr.TRANSACTION, "reader aborted")
		}
		frame, found, err := p.wal.FrameAtOrBefore(pageID, snapshotLsn)
		if err != nil {
			return 0, err
		}
		if found {
			raw = frame
		}
	}
	page := &Page{}
	if raw != nil {
		copy(page.Data[:], raw)
	} else {
		fromDisk, err := p.rawReadPage(pageID)
		if err != nil {
			return 0, err
		}
		page = fromDisk
	}

	if len(p.slots) < cap(p.slots) {
		p.slots = append(p.slots, cacheSlot{pageID: pageID, page: page, clockBit: true, valid: true})
		idx := len(p.slots) - 1
		p.hashMap[pageID] = idx
		return idx, nil
	}

	idx, err := p.evictOne()
	if err != nil {
		return 0, err
	}
	delete(p.hashMap, p.slots[idx].pageID)
	p.slots[idx] = cacheSlot{pageID: pageID, page: page, clockBit: true, valid: true}
	p.hashMap[pageID] = idx
	return idx, nil
}

// evictOne runs the mark-and-compact CLOCK sweep: clear clockBit while
// scanning, evict the first pinCount=0, clockBit=0 slot found.
func (p *Pager) evictOne() (int, error) {
	n := len(p.slots)
	for pass := 0; pass < 2*n+1; pass++ {
		idx := p.clock % n
		p.clock++
		s := &p.slots[idx]
		if !s.valid {
			return idx, nil
		}
		if s.pinCount > 0 {
			continue
		}
		if s.clockBit {
			s.clockBit = false
			continue
		}
		dirty := s.dirty
		if s.dirty {
			if err := p.flushSlot(s); err != nil {
				return 0, err
			}
		}
		p.logger().LogPageEvicted(uint64(s.pageID), dirty)
		return idx, nil
	}
	return 0, corvuserr.New(corvuserr.INTERNAL, "No evictable page")
}

func (p *Pager) flushSlot(s *cacheSlot) error {
	if p.txOpen {
		if err := p.wal.WritePage(s.pageID, s.page.Data[:]); err != nil {
			return err
		}
	} else {
		if err := p.rawWritePage(s.pageID, s.page); err != nil {
			return err
		}
	}
	s.dirty = false
	return nil
}

// ReadPage reads pageID for writing (pinned, mutable through
// WritePage). Use ReadPageRo for read-only/snapshot access.
func (p *Pager) ReadPage(pageID PageID) (*Page, error) {
	p.rollbackMu.RLock()
	defer p.rollbackMu.RUnlock()
	p.mu.Lock()
	defer p.mu.Unlock()
	idx, err := p.findSlot(pageID, 0, 0, false)
	if err != nil {
		return nil, err
	}
	p.slots[idx].clockBit = true
	return p.slots[idx].page, nil
}

// ReadPageRo reads pageID honoring an MVCC snapshot: the WAL's
// in-memory index is consulted before falling back to the file.
func (p *Pager) ReadPageRo(pageID PageID, readerID, snapshotLsn uint64) (*Page, error) {
	p.rollbackMu.RLock()
	defer p.rollbackMu.RUnlock()
	p.mu.Lock()
	defer p.mu.Unlock()
	idx, err := p.findSlot(pageID, snapshotLsn, readerID, true)
	if err != nil {
		return nil, err
	}
	p.slots[idx].clockBit = true
	return p.slots[idx].page, nil
}

// WritePage marks pageID dirty in the cache; durability happens at
// commit via the WAL.
func (p *Pager) WritePage(pageID PageID, page *Page) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx, err := p.findSlot(pageID, 0, 0, false)
	if err != nil {
		return err
	}
	p.recordUndo(pageID, idx)
	p.slots[idx].page = page
	p.slots[idx].dirty = true
	p.slots[idx].clockBit = true
	return nil
}

// PinPage/UnpinPage protect a slot from CLOCK eviction while held.
func (p *Pager) PinPage(pageID PageID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx, err := p.findSlot(pageID, 0, 0, false)
	if err != nil {
		return err
	}
	p.slots[idx].pinCount++
	return nil
}

func (p *Pager) UnpinPage(pageID PageID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx, ok := p.hashMap[pageID]; ok && p.slots[idx].pinCount > 0 {
		p.slots[idx].pinCount--
	}
}

// IsDirty reports whether pageID's cache slot has unflushed writes.
func (p *Pager) IsDirty(pageID PageID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx, ok := p.hashMap[pageID]; ok {
		return p.slots[idx].dirty
	}
	return false
}

// FlushAll writes every dirty slot directly to the file (bypassing the
// WAL) and fsyncs; used by ClosePager and by bulk load.
func (p *Pager) FlushAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.slots {
		if p.slots[i].valid && p.slots[i].dirty {
			if err := p.rawWritePage(p.slots[i].pageID, p.slots[i].page); err != nil {
				return err
			}
			p.slots[i].dirty = false
		}
	}
	return p.db.Fsync()
}

// ClosePager flushes and releases the file handle and WAL.
func (p *Pager) ClosePager() error {
	if err := p.FlushAll(); err != nil {
		return err
	}
	if err := p.wal.Close(); err != nil {
		return err
	}
	return p.db.Close()
}

// readPageLocked/writePageLocked are helpers used internally by
// allocatePage/freePage, which already hold p.mu; they bypass the
// public locking wrappers to avoid recursive locks.
func (p *Pager) readPageLocked(pageID PageID, _ uint64, _ bool) (*Page, error) {
	idx, err := p.findSlot(pageID, 0, 0, false)
	if err != nil {
		return nil, err
	}
	return p.slots[idx].page, nil
}

func (p *Pager) writePageLocked(pageID PageID, page *Page) error {
	idx, err := p.findSlot(pageID, 0, 0, false)
	if err != nil {
		return err
	}
	p.recordUndo(pageID, idx)
	p.slots[idx].page = page
	p.slots[idx].dirty = true
	return nil
}

// writeOverflowPage and readOverflowPage implement
// overflowChainWriter/overflowChainReader against this pager's cache.
func (p *Pager) writeOverflowPage(id PageID, page *Page) error {
	return p.WritePage(id, page)
}

func (p *Pager) readOverflowPage(id PageID) (*Page, error) {
	return p.ReadPage(id)
}

// AllocatePage exposes allocatePage to storage-glue callers.
func (p *Pager) AllocatePage() (PageID, error) { return p.allocatePage() }

// FreePage exposes freePage to storage-glue callers.
func (p *Pager) FreePage(id PageID) error { return p.freePage(id) }

// WriteOverflowChain writes data to a fresh overflow chain.
func (p *Pager) WriteOverflowChain(data []byte) (PageID, error) {
	return writeOverflowChain(p, data)
}

// ReadOverflowChain reads totalLen bytes back from an overflow chain
// rooted at head.
func (p *Pager) ReadOverflowChain(head PageID, totalLen uint32) ([]byte, error) {
	return readOverflowChain(p, head, totalLen)
}

// FreeOverflowChain returns every page in the chain rooted at head.
func (p *Pager) FreeOverflowChain(head PageID) ([]PageID, error) {
	return freeOverflowChain(p, head)
}

// BeginRead/EndRead expose the WAL's reader lifecycle.
func (p *Pager) BeginRead() (readerID, snapshot uint64) { return p.wal.BeginRead() }
func (p *Pager) EndRead(readerID uint64)                { p.wal.EndRead(readerID) }

// Checkpoint runs the WAL checkpoint algorithm, writing safe frames
// into this pager's file and updating the header's lastCheckpointLsn.
func (p *Pager) Checkpoint() error {
	start := time.Now()
	framesWritten := 0
	committed, err := p.wal.Checkpoint(
		func(pageID PageID, data []byte) error {
			page := &Page{}
			copy(page.Data[:], data)
			framesWritten++
			return p.rawWritePage(pageID, page)
		},
		func() error { return p.db.Fsync() },
	)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.header.LastCheckpointLSN = committed
	if err := p.writeHeaderPage(); err != nil {
		return err
	}
	p.logger().LogWALCheckpoint(framesWritten, time.Since(start))
	return nil
}

// MaybeCheckpoint fires a checkpoint if any configured trigger has
// been crossed.
func (p *Pager) MaybeCheckpoint(everyBytes, memoryThreshold int64) error {
	if everyBytes > 0 && p.wal.BytesSinceCheckpoint() >= everyBytes {
		return p.Checkpoint()
	}
	if memoryThreshold > 0 && p.wal.EstimatedIndexMemory() >= memoryThreshold {
		return p.Checkpoint()
	}
	return nil
}

// WAL exposes the underlying WAL for components (failpoints, the
// cron-driven checkpointer) that need direct access.
func (p *Pager) WAL() *WAL { return p.wal }
