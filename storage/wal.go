package storage

import (
	"encoding/binary"
	"sort"
	"sync"

	"github.com/corvusdb/corvus/corvuserr"
)

// FrameType tags a WAL frame.
type FrameType byte

const (
	FramePageWrite FrameType = 1
	FrameCommit    FrameType = 2
)

// frame header layout: type(1) || pageId(4) || len(4) || payload[len] || lsn(8) || checksum(4)
const frameHeaderSize = 1 + 4 + 4
const frameTrailerSize = 8 + 4

// frameEntry locates one frame's payload within the WAL file.
type frameEntry struct {
	lsn    uint64
	offset int64
	length uint32
}

// FailAction names what a matched Failpoint does to the call it
// intercepts.
type FailAction int

const (
	FailActionError FailAction = iota
	FailActionDropFsync
	FailActionPartialWrite
)

// Failpoint is a named, one-shot-or-repeating hook used for
// crash-safety testing (e.g. "wal_fsync").
type Failpoint struct {
	Name           string
	RemainingCount int
	Action         FailAction
}

// WAL is the append-only write-ahead log backing one database file. A
// single writer transaction may be open at a time; many readers may
// run concurrently against published snapshots.
type WAL struct {
	mu sync.Mutex

	handle Handle
	path   string

	nextLSN      uint64
	committedLSN uint64

	// pageIndex maps a pageId to its frames in ascending lsn order.
	pageIndex map[PageID][]frameEntry
	fileSize  int64

	writerHeld bool
	writeStart int64 // file offset the in-progress write began at

	readers       map[uint64]uint64 // readerID -> snapshot lsn
	abortedReader map[uint64]bool
	nextReaderID  uint64

	bytesSinceCheckpoint int64
	failpoints           map[string]*Failpoint

	framesReplayed int
}

// OpenWAL opens or creates the WAL file at path via vfs, recovering
// any frames already present.
func OpenWAL(vfs VFS, path string) (*WAL, error) {
	h, err := vfs.Open(path, true)
	if err != nil {
		return nil, err
	}
	size, err := h.Size()
	if err != nil {
		return nil, err
	}
	w := &WAL{
		handle:        h,
		path:          path,
		nextLSN:       1,
		pageIndex:     make(map[PageID][]frameEntry),
		readers:       make(map[uint64]uint64),
		abortedReader: make(map[uint64]bool),
		failpoints:    make(map[string]*Failpoint),
		fileSize:      size,
	}
	if size > 0 {
		if err := w.recover(); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// SetFailpoint installs or replaces a named failpoint.
func (w *WAL) SetFailpoint(name string, remainingCount int, action FailAction) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failpoints[name] = &Failpoint{Name: name, RemainingCount: remainingCount, Action: action}
}

// ClearFailpoints removes every installed failpoint.
func (w *WAL) ClearFailpoints() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failpoints = make(map[string]*Failpoint)
}

func (w *WAL) consumeFailpoint(name string) *Failpoint {
	fp, ok := w.failpoints[name]
	if !ok || fp.RemainingCount == 0 {
		return nil
	}
	if fp.RemainingCount > 0 {
		fp.RemainingCount--
	}
	return fp
}

// Close closes the underlying file handle.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.handle.Close()
}

// recover scans the WAL from the start, rebuilding pageIndex. It stops
// at the first bad checksum, truncated frame, or non-monotonic LSN,
// discarding any frames observed after the last commit.
func (w *WAL) recover() error {
	buf := make([]byte, w.fileSize)
	n, err := w.handle.ReadAt(buf, 0)
	if err != nil {
		return err
	}
	buf = buf[:n]

	type pending struct {
		pageID PageID
		entry  frameEntry
	}
	var staged []pending
	lastCommitOffset := int64(0)
	lastLSN := uint64(0)
	offset := int64(0)

	for offset < int64(len(buf)) {
		frame, consumed, ok := parseFrame(buf[offset:])
		if !ok {
			break
		}
		if frame.lsn != 0 && frame.lsn <= lastLSN {
			break
		}
		switch frame.ftype {
		case FramePageWrite:
			staged = append(staged, pending{pageID: frame.pageID, entry: frameEntry{
				lsn: frame.lsn, offset: offset + int64(frameHeaderSize), length: uint32(len(frame.payload)),
			}})
			lastLSN = frame.lsn
		case FrameCommit:
			for _, p := range staged {
				w.pageIndex[p.pageID] = append(w.pageIndex[p.pageID], p.entry)
				w.framesReplayed++
			}
			staged = nil
			w.committedLSN = frame.lsn
			lastLSN = frame.lsn
			lastCommitOffset = offset + int64(consumed)
		default:
			return corvuserr.New(corvuserr.CORRUPTION, "wal: unknown frame type %d", frame.ftype)
		}
		offset += int64(consumed)
	}

	for pid, entries := range w.pageIndex {
		sort.Slice(entries, func(i, j int) bool { return entries[i].lsn < entries[j].lsn })
		w.pageIndex[pid] = entries
	}
	w.nextLSN = lastLSN + 1
	if w.nextLSN < 1 {
		w.nextLSN = 1
	}
	w.fileSize = lastCommitOffset
	if err := w.handle.Truncate(lastCommitOffset); err != nil {
		return err
	}
	return nil
}

type parsedFrame struct {
	ftype   FrameType
	pageID  PageID
	payload []byte
	lsn     uint64
}

// parseFrame decodes one frame at the start of buf, verifying its
// checksum. ok is false if buf doesn't hold a complete, valid frame.
func parseFrame(buf []byte) (parsedFrame, int, bool) {
	if len(buf) < frameHeaderSize {
		return parsedFrame{}, 0, false
	}
	ftype := FrameType(buf[0])
	pageID := PageID(binary.LittleEndian.Uint32(buf[1:5]))
	length := binary.LittleEndian.Uint32(buf[5:9])
	total := frameHeaderSize + int(length) + frameTrailerSize
	if len(buf) < total {
		return parsedFrame{}, 0, false
	}
	payload := buf[frameHeaderSize : frameHeaderSize+int(length)]
	lsn := binary.LittleEndian.Uint64(buf[frameHeaderSize+int(length) : frameHeaderSize+int(length)+8])
	checksum := binary.LittleEndian.Uint32(buf[frameHeaderSize+int(length)+8 : total])
	if CRC32C(buf[:frameHeaderSize+int(length)+8]) != checksum {
		return parsedFrame{}, 0, false
	}
	return parsedFrame{ftype: ftype, pageID: pageID, payload: payload, lsn: lsn}, total, true
}

func encodeFrame(ftype FrameType, pageID PageID, payload []byte, lsn uint64) []byte {
	buf := make([]byte, 0, frameHeaderSize+len(payload)+frameTrailerSize)
	buf = append(buf, byte(ftype))
	var tmp4 [4]byte
	binary.LittleEndian.PutUint32(tmp4[:], uint32(pageID))
	buf = append(buf, tmp4[:]...)
	binary.LittleEndian.PutUint32(tmp4[:], uint32(len(payload)))
	buf = append(buf, tmp4[:]...)
	buf = append(buf, payload...)
	var tmp8 [8]byte
	binary.LittleEndian.PutUint64(tmp8[:], lsn)
	buf = append(buf, tmp8[:]...)
	crc := CRC32C(buf)
	binary.LittleEndian.PutUint32(tmp4[:], crc)
	buf = append(buf, tmp4[:]...)
	return buf
}

// BeginWrite acquires the exclusive writer slot.
func (w *WAL) BeginWrite() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.writerHeld {
		return corvuserr.New(corvuserr.TRANSACTION, "wal: writer already active")
	}
	w.writerHeld = true
	w.writeStart = w.fileSize
	return nil
}

// WritePage appends a page-write frame under the active writer
// transaction and speculatively updates the in-memory index.
func (w *WAL) WritePage(pageID PageID, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.writerHeld {
		return corvuserr.New(corvuserr.TRANSACTION, "wal: no active writer")
	}
	lsn := w.nextLSN
	frame := encodeFrame(FramePageWrite, pageID, data, lsn)
	n, err := w.handle.WriteAt(frame, w.fileSize)
	if err != nil {
		return err
	}
	entry := frameEntry{lsn: lsn, offset: w.fileSize + int64(frameHeaderSize), length: uint32(len(data))}
	w.pageIndex[pageID] = append(w.pageIndex[pageID], entry)
	w.fileSize += int64(n)
	w.bytesSinceCheckpoint += int64(n)
	w.nextLSN++
	return nil
}

// Commit writes a commit frame, fsyncs, and publishes the new
// committed LSN.
func (w *WAL) Commit() (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.writerHeld {
		return 0, corvuserr.New(corvuserr.TRANSACTION, "wal: no active writer")
	}
	lsn := w.nextLSN
	w.nextLSN++
	frame := encodeFrame(FrameCommit, 0, nil, lsn)
	n, err := w.handle.WriteAt(frame, w.fileSize)
	if err != nil {
		w.writerHeld = false
		return 0, err
	}
	w.fileSize += int64(n)

	fp := w.consumeFailpoint("wal_fsync")
	if fp != nil && fp.Action == FailActionError {
		w.writerHeld = false
		return 0, corvuserr.New(corvuserr.IO, "wal: injected fsync failure")
	}
	if fp == nil || fp.Action != FailActionDropFsync {
		if err := w.handle.Fsync(); err != nil {
			w.writerHeld = false
			return 0, err
		}
	}

	w.committedLSN = lsn
	w.writerHeld = false
	return lsn, nil
}

// Rollback discards speculative index entries added since BeginWrite
// and truncates the WAL back to the pre-transaction offset.
func (w *WAL) Rollback() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.writerHeld {
		return corvuserr.New(corvuserr.TRANSACTION, "wal: no active writer")
	}
	for pid, entries := range w.pageIndex {
		kept := entries[:0]
		for _, e := range entries {
			if e.offset < w.writeStart {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(w.pageIndex, pid)
		} else {
			w.pageIndex[pid] = kept
		}
	}
	w.fileSize = w.writeStart
	w.writerHeld = false
	return w.handle.Truncate(w.writeStart)
}

// BeginRead captures the current committed LSN as a snapshot and
// returns a fresh reader id.
func (w *WAL) BeginRead() (readerID uint64, snapshot uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextReaderID++
	id := w.nextReaderID
	snap := w.committedLSN
	w.readers[id] = snap
	return id, snap
}

// EndRead releases a reader slot.
func (w *WAL) EndRead(readerID uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.readers, readerID)
	delete(w.abortedReader, readerID)
}

// IsReaderAborted reports whether AbortReader has marked readerID
// aborted. Checkpoint itself never marks readers.
func (w *WAL) IsReaderAborted(readerID uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.abortedReader[readerID]
}

// FrameAtOrBefore returns the payload of the newest frame for pageID
// with lsn <= snapshot, if any.
func (w *WAL) FrameAtOrBefore(pageID PageID, snapshot uint64) ([]byte, bool, error) {
	w.mu.Lock()
	entries := w.pageIndex[pageID]
	w.mu.Unlock()
	if len(entries) == 0 {
		return nil, false, nil
	}
	idx := sort.Search(len(entries), func(i int) bool { return entries[i].lsn > snapshot }) - 1
	if idx < 0 {
		return nil, false, nil
	}
	e := entries[idx]
	buf := make([]byte, e.length)
	if _, err := w.handle.ReadAt(buf, e.offset); err != nil {
		return nil, false, err
	}
	return buf, true, nil
}

// Checkpoint copies the newest safe frame per page into the database
// file via writeToDB, then truncates the WAL if no active reader still
// needs an older version.
func (w *WAL) Checkpoint(writeToDB func(pageID PageID, data []byte) error, fsyncDB func() error) (uint64, error) {
	w.mu.Lock()
	if w.writerHeld {
		w.mu.Unlock()
		return 0, corvuserr.New(corvuserr.TRANSACTION, "wal: checkpoint during active write")
	}
	w.writerHeld = true
	committed := w.committedLSN
	minReader := committed + 1 // sentinel meaning "infinity" below
	hasReader := false
	for _, snap := range w.readers {
		hasReader = true
		if snap < minReader {
			minReader = snap
		}
	}
	pageIndexSnapshot := make(map[PageID][]frameEntry, len(w.pageIndex))
	for pid, entries := range w.pageIndex {
		cp := make([]frameEntry, len(entries))
		copy(cp, entries)
		pageIndexSnapshot[pid] = cp
	}
	w.mu.Unlock()

	for pageID, entries := range pageIndexSnapshot {
		var newest *frameEntry
		for i := range entries {
			e := entries[i]
			if e.lsn > committed {
				continue
			}
			if newest == nil || e.lsn > newest.lsn {
				ec := e
				newest = &ec
			}
		}
		if newest == nil {
			continue
		}
		if hasReader && newest.lsn > minReader {
			continue // an active reader still needs an older version of this page
		}
		buf := make([]byte, newest.length)
		if _, err := w.handle.ReadAt(buf, newest.offset); err != nil {
			w.mu.Lock()
			w.writerHeld = false
			w.mu.Unlock()
			return 0, err
		}
		if err := writeToDB(pageID, buf); err != nil {
			w.mu.Lock()
			w.writerHeld = false
			w.mu.Unlock()
			return 0, err
		}
	}
	if err := fsyncDB(); err != nil {
		w.mu.Lock()
		w.writerHeld = false
		w.mu.Unlock()
		return 0, err
	}

	w.mu.Lock()
	defer func() { w.writerHeld = false; w.mu.Unlock() }()

	truncated := !hasReader || minReader >= committed
	if truncated {
		for pid, entries := range w.pageIndex {
			kept := entries[:0]
			for _, e := range entries {
				if e.lsn > committed {
					kept = append(kept, e)
				}
			}
			if len(kept) == 0 {
				delete(w.pageIndex, pid)
			} else {
				w.pageIndex[pid] = kept
			}
		}
		if err := w.handle.Truncate(0); err != nil {
			return 0, err
		}
		w.fileSize = 0
		w.bytesSinceCheckpoint = 0
	}
	return committed, nil
}

// FramesReplayed returns how many frames OpenWAL restored from the log
// on startup (0 for a freshly created or cleanly checkpointed WAL).
func (w *WAL) FramesReplayed() int {
	return w.framesReplayed
}

// CommittedLSN returns the last committed LSN.
func (w *WAL) CommittedLSN() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.committedLSN
}

// BytesSinceCheckpoint reports WAL growth since the last truncation,
// for the "everyBytes" checkpoint trigger.
func (w *WAL) BytesSinceCheckpoint() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bytesSinceCheckpoint
}

// EstimatedIndexMemory approximates the in-memory index's footprint,
// for the "memoryThreshold" checkpoint trigger.
func (w *WAL) EstimatedIndexMemory() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	var n int64
	for _, entries := range w.pageIndex {
		n += int64(len(entries)) * 24
	}
	return n
}

// AbortReader marks a stuck reader aborted, e.g. one a checkpoint
// found still pinning a snapshot long past its usefulness.
func (w *WAL) AbortReader(readerID uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.readers[readerID]; ok {
		w.abortedReader[readerID] = true
	}
}
