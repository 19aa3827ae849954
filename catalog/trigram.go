package catalog

import (
	"sort"
	"sync"

	"github.com/corvusdb/corvus/btree"
	"github.com/corvusdb/corvus/storage"
)

// Trigrams returns every overlapping 3-byte substring of s. Patterns
// shorter than 3 bytes have no trigrams; callers fall back to a full
// table scan for those (see DESIGN.md Open Question decisions).
func Trigrams(s string) []string {
	if len(s) < 3 {
		return nil
	}
	out := make([]string, 0, len(s)-2)
	for i := 0; i+3 <= len(s); i++ {
		out = append(out, s[i:i+3])
	}
	return out
}

type deltaKey struct {
	index   string
	trigram string
}

type deltaSet struct {
	adds    map[uint64]struct{}
	removes map[uint64]struct{}
}

// trigramDeltas accumulates pending postings-list changes per
// (indexName, trigram), drained into the on-disk posting B-tree on
// checkpoint.
type trigramDeltas struct {
	mu sync.Mutex
	m  map[deltaKey]*deltaSet
}

func newTrigramDeltas() *trigramDeltas {
	return &trigramDeltas{m: make(map[deltaKey]*deltaSet)}
}

func (d *trigramDeltas) entry(index, trigram string) *deltaSet {
	k := deltaKey{index, trigram}
	s, ok := d.m[k]
	if !ok {
		s = &deltaSet{adds: make(map[uint64]struct{}), removes: make(map[uint64]struct{})}
		d.m[k] = s
	}
	return s
}

// Add records rowid as newly present for trigram under indexName.
func (d *trigramDeltas) Add(indexName, trigram string, rowid uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e := d.entry(indexName, trigram)
	delete(e.removes, rowid)
	e.adds[rowid] = struct{}{}
}

// Remove records rowid as no longer present for trigram under
// indexName.
func (d *trigramDeltas) Remove(indexName, trigram string, rowid uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e := d.entry(indexName, trigram)
	delete(e.adds, rowid)
	e.removes[rowid] = struct{}{}
}

// Pending returns the union of a trigram's on-disk postings (read by
// the caller from the index B-tree and passed in as onDisk) with its
// pending delta, for read-time lookups that
// haven't yet been drained by a checkpoint.
func (d *trigramDeltas) Pending(indexName, trigram string, onDisk []uint64) []uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.m[deltaKey{indexName, trigram}]
	if !ok {
		return onDisk
	}
	set := make(map[uint64]struct{}, len(onDisk))
	for _, r := range onDisk {
		if _, removed := e.removes[r]; !removed {
			set[r] = struct{}{}
		}
	}
	for r := range e.adds {
		set[r] = struct{}{}
	}
	out := make([]uint64, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Drain reads the affected postings from each trigram index's B-tree,
// applies the accumulated adds/removes, and rewrites the posting
// value, clearing the buffer as it goes. Called at checkpoint time.
func (d *trigramDeltas) Drain(pager *storage.Pager, indexRoot func(indexName string) (storage.PageID, error)) error {
	d.mu.Lock()
	entries := d.m
	d.m = make(map[deltaKey]*deltaSet)
	d.mu.Unlock()

	roots := make(map[string]*btree.Btree)
	for k, set := range entries {
		bt, ok := roots[k.index]
		if !ok {
			root, err := indexRoot(k.index)
			if err != nil {
				return err
			}
			bt = btree.Open(pager, root)
			roots[k.index] = bt
		}

		key := postingKey(k.trigram)
		cell, found, err := bt.Find(key)
		if err != nil {
			return err
		}
		var postings []uint64
		if found && !cell.IsOverflow {
			postings = decodePostingList(cell.Value)
		} else if found {
			raw, err := pager.ReadOverflowChain(cell.OverflowPage, cell.OverflowLen)
			if err != nil {
				return err
			}
			postings = decodePostingList(raw)
		}

		merged := applyDelta(postings, set)
		if len(merged) == 0 {
			if err := bt.Delete(key); err != nil {
				return err
			}
			continue
		}
		if err := bt.Insert(key, encodePostingList(merged)); err != nil {
			return err
		}
	}
	return nil
}

func applyDelta(postings []uint64, set *deltaSet) []uint64 {
	present := make(map[uint64]struct{}, len(postings))
	for _, r := range postings {
		if _, removed := set.removes[r]; !removed {
			present[r] = struct{}{}
		}
	}
	for r := range set.adds {
		present[r] = struct{}{}
	}
	out := make([]uint64, 0, len(present))
	for r := range present {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// postingKey derives a trigram posting's B-tree key via CRC32C; this
// is a hashed key like any Text index key, so byte re-comparison isn't
// needed here since the key space IS the trigram, not user data
// subject to collision-driven false positives at the row level.
func postingKey(trigram string) uint64 {
	return uint64(storage.CRC32C([]byte(trigram)))
}

func encodePostingList(rowids []uint64) []byte {
	buf := storage.PutUvarint(nil, uint64(len(rowids)))
	for _, r := range rowids {
		buf = storage.PutUvarint(buf, r)
	}
	return buf
}

func decodePostingList(buf []byte) []uint64 {
	count, n, err := storage.Uvarint(buf)
	if err != nil {
		return nil
	}
	buf = buf[n:]
	out := make([]uint64, 0, count)
	for i := uint64(0); i < count; i++ {
		v, n, err := storage.Uvarint(buf)
		if err != nil {
			return out
		}
		out = append(out, v)
		buf = buf[n:]
	}
	return out
}
