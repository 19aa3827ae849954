// Package btree implements the on-disk B-tree used for tables,
// indexes, and trigram postings. Keys are u64; values are opaque byte
// strings normalized by callers before insertion.
package btree

import (
	"encoding/binary"

	"github.com/corvusdb/corvus/corvuserr"
	"github.com/corvusdb/corvus/storage"
)

// btreeHeaderSize is the fixed prefix every B-tree page carries beyond
// the common storage.PageHeaderSize: a uint16 cell count.
const btreeHeaderSize = storage.PageHeaderSize + 2

const maxPayloadBytes = storage.PageSize - btreeHeaderSize

// minFillBytes is the underflow threshold: below this many used bytes
// a leaf/internal page borrows from or merges with a sibling.
const minFillBytes = maxPayloadBytes / 4

// overflowValueThreshold is the "leaf fraction" past which a value is
// written to an overflow chain instead of inline, keeping every cell
// small and splits always satisfiable.
const overflowValueThreshold = maxPayloadBytes / 4

const internalCellSize = 8 + 4 // key + child

// Cell is one leaf entry: a key, and either an inline value or an
// overflow descriptor. A Cell with IsOverflow=false and an empty Value
// is a tombstone retained for cursor simplicity.
type Cell struct {
	Key          uint64
	Value        []byte
	IsOverflow   bool
	OverflowPage storage.PageID
	OverflowLen  uint32
}

func (c Cell) isTombstone() bool { return !c.IsOverflow && len(c.Value) == 0 }

func (c Cell) encodedSize() int {
	if c.IsOverflow {
		return 8 + 1 + 4 + 8
	}
	return 8 + 1 + 4 + len(c.Value)
}

type internalCell struct {
	Key   uint64
	Child storage.PageID
}

// Btree is one B-tree instance rooted at Root. Structural mutations
// (split/merge/root growth/shrinkage) update Root in place; callers
// owning a persistent pointer to the root (a TableMeta, an IndexMeta,
// the DB header's catalog root) must re-read Root() after any mutating
// call and persist it.
type Btree struct {
	Root  storage.PageID
	pager *storage.Pager
}

// Create allocates a fresh, empty leaf root page.
func Create(pager *storage.Pager) (*Btree, error) {
	id, err := pager.AllocatePage()
	if err != nil {
		return nil, err
	}
	page := encodeLeafPage(id, 0, nil)
	if err := pager.WritePage(id, page); err != nil {
		return nil, err
	}
	return &Btree{Root: id, pager: pager}, nil
}

// Open wraps an existing B-tree rooted at root.
func Open(pager *storage.Pager, root storage.PageID) *Btree {
	return &Btree{Root: root, pager: pager}
}

func decodeLeafCells(page *storage.Page) ([]Cell, error) {
	count := int(binary.LittleEndian.Uint16(page.Data[storage.PageHeaderSize:]))
	off := btreeHeaderSize
	cells := make([]Cell, 0, count)
	for i := 0; i < count; i++ {
		if off+8+1+4 > storage.PageSize {
			return nil, corvuserr.New(corvuserr.CORRUPTION, "btree: truncated leaf cell header")
		}
		key := binary.LittleEndian.Uint64(page.Data[off:])
		off += 8
		flags := page.Data[off]
		off++
		length := int(binary.LittleEndian.Uint32(page.Data[off:]))
		off += 4
		if off+length > storage.PageSize {
			return nil, corvuserr.New(corvuserr.CORRUPTION, "btree: truncated leaf cell payload")
		}
		payload := page.Data[off : off+length]
		off += length

		c := Cell{Key: key}
		if flags&1 != 0 {
			if length != 8 {
				return nil, corvuserr.New(corvuserr.CORRUPTION, "btree: bad overflow descriptor length")
			}
			c.IsOverflow = true
			c.OverflowPage = storage.PageID(binary.LittleEndian.Uint32(payload[0:4]))
			c.OverflowLen = binary.LittleEndian.Uint32(payload[4:8])
		} else {
			v := make([]byte, length)
			copy(v, payload)
			c.Value = v
		}
		cells = append(cells, c)
	}
	return cells, nil
}

func leafCellsSize(cells []Cell) int {
	n := 0
	for _, c := range cells {
		n += c.encodedSize()
	}
	return n
}

// encodeLeafPage lays out cells sequentially after the cell count;
// callers must have already verified leafCellsSize(cells) <=
// maxPayloadBytes.
func encodeLeafPage(id, nextLeaf storage.PageID, cells []Cell) *storage.Page {
	page := storage.NewPage(pageTypeLeaf(), id)
	page.SetNextPageID(nextLeaf)
	binary.LittleEndian.PutUint16(page.Data[storage.PageHeaderSize:], uint16(len(cells)))
	off := btreeHeaderSize
	for _, c := range cells {
		binary.LittleEndian.PutUint64(page.Data[off:], c.Key)
		off += 8
		var payload []byte
		if c.IsOverflow {
			page.Data[off] = 1
			payload = make([]byte, 8)
			binary.LittleEndian.PutUint32(payload[0:4], uint32(c.OverflowPage))
			binary.LittleEndian.PutUint32(payload[4:8], c.OverflowLen)
		} else {
			page.Data[off] = 0
			payload = c.Value
		}
		off++
		binary.LittleEndian.PutUint32(page.Data[off:], uint32(len(payload)))
		off += 4
		copy(page.Data[off:], payload)
		off += len(payload)
	}
	return page
}

func pageTypeLeaf() storage.PageType     { return storage.PageTypeLeaf }
func pageTypeInternal() storage.PageType { return storage.PageTypeInternal }

func decodeInternalCells(page *storage.Page) []internalCell {
	count := int(binary.LittleEndian.Uint16(page.Data[storage.PageHeaderSize:]))
	off := btreeHeaderSize
	cells := make([]internalCell, 0, count)
	for i := 0; i < count; i++ {
		key := binary.LittleEndian.Uint64(page.Data[off:])
		off += 8
		child := storage.PageID(binary.LittleEndian.Uint32(page.Data[off:]))
		off += 4
		cells = append(cells, internalCell{Key: key, Child: child})
	}
	return cells
}

func encodeInternalPage(id storage.PageID, rightChild storage.PageID, cells []internalCell) *storage.Page {
	page := storage.NewPage(pageTypeInternal(), id)
	page.SetNextPageID(rightChild)
	binary.LittleEndian.PutUint16(page.Data[storage.PageHeaderSize:], uint16(len(cells)))
	off := btreeHeaderSize
	for _, c := range cells {
		binary.LittleEndian.PutUint64(page.Data[off:], c.Key)
		off += 8
		binary.LittleEndian.PutUint32(page.Data[off:], uint32(c.Child))
		off += 4
	}
	return page
}

// splitPoint finds the smallest index j (1 <= j < len(sizes)) such
// that both prefix[0:j] and prefix[j:] fit within maxPayloadBytes. It
// returns -1 if no such split exists.
func splitPoint(sizes []int) int {
	total := 0
	for _, s := range sizes {
		total += s
	}
	prefix := 0
	for j := 1; j < len(sizes); j++ {
		prefix += sizes[j-1]
		if prefix <= maxPayloadBytes && total-prefix <= maxPayloadBytes {
			return j
		}
	}
	return -1
}

// splitResult bubbles a structural split up to the caller's parent:
// the newly allocated left sibling's page id, keyed by the largest key
// it now holds.
type splitResult struct {
	promotedKey uint64
	leftPageID  storage.PageID
}

// maybeNormalizeValue pushes oversized inline values into an overflow
// chain so every leaf cell stays small.
func (t *Btree) maybeNormalizeValue(c Cell) (Cell, error) {
	if c.IsOverflow || len(c.Value) <= overflowValueThreshold {
		return c, nil
	}
	page, err := t.pager.WriteOverflowChain(c.Value)
	if err != nil {
		return Cell{}, err
	}
	return Cell{Key: c.Key, IsOverflow: true, OverflowPage: page, OverflowLen: uint32(len(c.Value))}, nil
}

// Find descends to the leaf that would hold key and returns its cell,
// if present and not a tombstone.
func (t *Btree) Find(key uint64) (Cell, bool, error) {
	leafID, err := t.findLeaf(key)
	if err != nil {
		return Cell{}, false, err
	}
	page, err := t.pager.ReadPage(leafID)
	if err != nil {
		return Cell{}, false, err
	}
	cells, err := decodeLeafCells(page)
	if err != nil {
		return Cell{}, false, err
	}
	for _, c := range cells {
		if c.Key == key {
			if c.isTombstone() {
				return Cell{}, false, nil
			}
			return c, true, nil
		}
	}
	return Cell{}, false, nil
}

func (t *Btree) findLeaf(key uint64) (storage.PageID, error) {
	id := t.Root
	for {
		page, err := t.pager.ReadPage(id)
		if err != nil {
			return 0, err
		}
		if page.Type() == storage.PageTypeLeaf {
			return id, nil
		}
		cells := decodeInternalCells(page)
		next := page.NextPageID() // rightChild
		for _, c := range cells {
			if key <= c.Key {
				next = c.Child
				break
			}
		}
		id = next
	}
}

// Insert adds key/value, splitting leaves/internal pages by cumulative
// byte size as needed. If the tree already has a cell for key, it is
// overwritten (see DESIGN.md: duplicate keys replace).
func (t *Btree) Insert(key uint64, value []byte) error {
	cell, err := t.maybeNormalizeValue(Cell{Key: key, Value: value})
	if err != nil {
		return err
	}
	path, err := t.descendPath(key)
	if err != nil {
		return err
	}
	split, err := t.insertIntoLeaf(path[len(path)-1], cell)
	if err != nil {
		return err
	}
	return t.propagateSplit(path[:len(path)-1], split)
}

// descendPath returns the chain of page ids from root to the leaf that
// would hold key, root first.
func (t *Btree) descendPath(key uint64) ([]storage.PageID, error) {
	var path []storage.PageID
	id := t.Root
	for {
		path = append(path, id)
		page, err := t.pager.ReadPage(id)
		if err != nil {
			return nil, err
		}
		if page.Type() == storage.PageTypeLeaf {
			return path, nil
		}
		cells := decodeInternalCells(page)
		next := page.NextPageID()
		for _, c := range cells {
			if key <= c.Key {
				next = c.Child
				break
			}
		}
		id = next
	}
}

// insertIntoLeaf inserts/overwrites cell in leafID, splitting if
// necessary. Returns a non-nil *splitResult if the page split.
func (t *Btree) insertIntoLeaf(leafID storage.PageID, cell Cell) (*splitResult, error) {
	page, err := t.pager.ReadPage(leafID)
	if err != nil {
		return nil, err
	}
	cells, err := decodeLeafCells(page)
	if err != nil {
		return nil, err
	}
	cells = upsertCell(cells, cell)

	if leafCellsSize(cells) <= maxPayloadBytes {
		newPage := encodeLeafPage(leafID, page.NextPageID(), cells)
		return nil, t.pager.WritePage(leafID, newPage)
	}

	sizes := make([]int, len(cells))
	for i, c := range cells {
		sizes[i] = c.encodedSize()
	}
	j := splitPoint(sizes)
	if j < 0 {
		return nil, corvuserr.New(corvuserr.IO, "Leaf overflow")
	}
	left := cells[:j]
	right := cells[j:]

	newLeftID, err := t.pager.AllocatePage()
	if err != nil {
		return nil, err
	}
	leftPage := encodeLeafPage(newLeftID, leafID, left)
	if err := t.pager.WritePage(newLeftID, leftPage); err != nil {
		return nil, err
	}
	rightPage := encodeLeafPage(leafID, page.NextPageID(), right)
	if err := t.pager.WritePage(leafID, rightPage); err != nil {
		return nil, err
	}
	return &splitResult{promotedKey: left[len(left)-1].Key, leftPageID: newLeftID}, nil
}

func upsertCell(cells []Cell, cell Cell) []Cell {
	for i, c := range cells {
		if c.Key == cell.Key {
			cells[i] = cell
			return cells
		}
	}
	out := make([]Cell, 0, len(cells)+1)
	inserted := false
	for _, c := range cells {
		if !inserted && cell.Key < c.Key {
			out = append(out, cell)
			inserted = true
		}
		out = append(out, c)
	}
	if !inserted {
		out = append(out, cell)
	}
	return out
}

// propagateSplit applies a child split up the path, possibly splitting
// internal pages in turn and growing the root by one level.
func (t *Btree) propagateSplit(path []storage.PageID, split *splitResult) error {
	if split == nil {
		return nil
	}
	if len(path) == 0 {
		// root split: grow by one level.
		newRootID, err := t.pager.AllocatePage()
		if err != nil {
			return err
		}
		newRoot := encodeInternalPage(newRootID, t.Root, []internalCell{{Key: split.promotedKey, Child: split.leftPageID}})
		if err := t.pager.WritePage(newRootID, newRoot); err != nil {
			return err
		}
		t.Root = newRootID
		return nil
	}

	parentID := path[len(path)-1]
	page, err := t.pager.ReadPage(parentID)
	if err != nil {
		return err
	}
	cells := decodeInternalCells(page)
	newCell := internalCell{Key: split.promotedKey, Child: split.leftPageID}
	cells = upsertInternalCell(cells, newCell)

	if len(cells)*internalCellSize <= maxPayloadBytes {
		newPage := encodeInternalPage(parentID, page.NextPageID(), cells)
		return t.pager.WritePage(parentID, newPage)
	}

	j := len(cells) / 2
	left := cells[:j]
	right := cells[j:]
	newLeftID, err := t.pager.AllocatePage()
	if err != nil {
		return err
	}
	// left half's rightChild is its last cell's child (which now
	// becomes implicit); pop it off as the new page's rightChild.
	leftRightChild := left[len(left)-1].Child
	leftCells := left[:len(left)-1]
	leftPage := encodeInternalPage(newLeftID, leftRightChild, leftCells)
	if err := t.pager.WritePage(newLeftID, leftPage); err != nil {
		return err
	}
	rightPage := encodeInternalPage(parentID, page.NextPageID(), right)
	if err := t.pager.WritePage(parentID, rightPage); err != nil {
		return err
	}
	promoted := left[len(left)-1].Key
	return t.propagateSplit(path[:len(path)-1], &splitResult{promotedKey: promoted, leftPageID: newLeftID})
}

func upsertInternalCell(cells []internalCell, cell internalCell) []internalCell {
	out := make([]internalCell, 0, len(cells)+1)
	inserted := false
	for _, c := range cells {
		if !inserted && cell.Key < c.Key {
			out = append(out, cell)
			inserted = true
		}
		out = append(out, c)
	}
	if !inserted {
		out = append(out, cell)
	}
	return out
}

// Update rewrites key's value; see DESIGN.md — because pages are
// always fully re-encoded, "rewrite in place" and "delete+insert"
// collapse to the same code path here.
func (t *Btree) Update(key uint64, value []byte) error {
	return t.Insert(key, value)
}

// Delete tombstones key's cell, freeing any overflow chain it owned,
// then rebalances on underflow.
func (t *Btree) Delete(key uint64) error {
	return t.deleteWhere(key, nil)
}

// DeleteKeyValue tombstones key's cell only if its current value
// matches expect (byte-for-byte for inline cells; by key alone for
// overflow cells, since materializing here would require the record
// codec).
func (t *Btree) DeleteKeyValue(key uint64, expect []byte) error {
	return t.deleteWhere(key, expect)
}

func (t *Btree) deleteWhere(key uint64, expect []byte) error {
	path, err := t.descendPath(key)
	if err != nil {
		return err
	}
	leafID := path[len(path)-1]
	page, err := t.pager.ReadPage(leafID)
	if err != nil {
		return err
	}
	cells, err := decodeLeafCells(page)
	if err != nil {
		return err
	}
	found := false
	for i, c := range cells {
		if c.Key != key || c.isTombstone() {
			continue
		}
		if expect != nil && !c.IsOverflow && string(c.Value) != string(expect) {
			return nil
		}
		if c.IsOverflow {
			ids, err := t.pager.FreeOverflowChain(c.OverflowPage)
			if err != nil {
				return err
			}
			for _, id := range ids {
				if err := t.pager.FreePage(id); err != nil {
					return err
				}
			}
		}
		cells[i] = Cell{Key: key}
		found = true
		break
	}
	if !found {
		return nil
	}
	newPage := encodeLeafPage(leafID, page.NextPageID(), cells)
	if err := t.pager.WritePage(leafID, newPage); err != nil {
		return err
	}
	if leafCellsSize(cells) >= minFillBytes || len(path) == 1 {
		return nil
	}
	return t.rebalanceLeaf(path)
}

// siblingChildren returns the full ordered child-id list of an
// internal page (cells' children followed by rightChild).
func siblingChildren(cells []internalCell, rightChild storage.PageID) []storage.PageID {
	out := make([]storage.PageID, 0, len(cells)+1)
	for _, c := range cells {
		out = append(out, c.Child)
	}
	return append(out, rightChild)
}

// rebalanceLeaf fixes underflow at path's final (leaf) entry: borrow a
// cell from a sibling, or merge with one and remove the parent
// separator, recursing into the parent on further underflow.
func (t *Btree) rebalanceLeaf(path []storage.PageID) error {
	leafID := path[len(path)-1]
	parentID := path[len(path)-2]
	parentPage, err := t.pager.ReadPage(parentID)
	if err != nil {
		return err
	}
	parentCells := decodeInternalCells(parentPage)
	children := siblingChildren(parentCells, parentPage.NextPageID())
	idx := indexOf(children, leafID)
	if idx < 0 {
		return corvuserr.New(corvuserr.INTERNAL, "btree: leaf not found under its own parent")
	}

	leaf, err := t.pager.ReadPage(leafID)
	if err != nil {
		return err
	}
	leafCells, err := decodeLeafCells(leaf)
	if err != nil {
		return err
	}

	if idx > 0 {
		leftID := children[idx-1]
		leftPage, err := t.pager.ReadPage(leftID)
		if err != nil {
			return err
		}
		leftCells, err := decodeLeafCells(leftPage)
		if err != nil {
			return err
		}
		if len(leftCells) > 0 {
			borrow := leftCells[len(leftCells)-1]
			remaining := leftCells[:len(leftCells)-1]
			// Merge rather than borrow when the left sibling can't
			// spare a cell without becoming deficient itself, and the
			// merged result still fits one page.
			canSpare := leafCellsSize(remaining) >= minFillBytes
			merged := append(append([]Cell{}, leftCells...), leafCells...)
			if !canSpare && leafCellsSize(merged) <= maxPayloadBytes {
				return t.mergeLeaves(path, parentID, parentCells, parentPage.NextPageID(), leftID, leftCells, leafID, leafCells, idx-1)
			}
			newLeft := encodeLeafPage(leftID, leftPage.NextPageID(), remaining)
			if err := t.pager.WritePage(leftID, newLeft); err != nil {
				return err
			}
			newLeafCells := append([]Cell{borrow}, leafCells...)
			newLeaf := encodeLeafPage(leafID, leaf.NextPageID(), newLeafCells)
			if err := t.pager.WritePage(leafID, newLeaf); err != nil {
				return err
			}
			return t.updateParentSeparator(parentID, idx-1, remaining[len(remaining)-1].Key)
		}
	}

	if idx < len(children)-1 {
		rightID := children[idx+1]
		rightPage, err := t.pager.ReadPage(rightID)
		if err != nil {
			return err
		}
		rightCells, err := decodeLeafCells(rightPage)
		if err != nil {
			return err
		}
		canSpare := len(rightCells) > 0 && leafCellsSize(rightCells[1:]) >= minFillBytes
		merged := append(append([]Cell{}, leafCells...), rightCells...)
		if !canSpare && leafCellsSize(merged) <= maxPayloadBytes {
			return t.mergeLeaves(path, parentID, parentCells, parentPage.NextPageID(), leafID, leafCells, rightID, rightCells, idx)
		}
		if len(rightCells) > 0 {
			borrow := rightCells[0]
			remaining := rightCells[1:]
			newRight := encodeLeafPage(rightID, rightPage.NextPageID(), remaining)
			if err := t.pager.WritePage(rightID, newRight); err != nil {
				return err
			}
			newLeafCells := append(append([]Cell{}, leafCells...), borrow)
			newLeaf := encodeLeafPage(leafID, leaf.NextPageID(), newLeafCells)
			if err := t.pager.WritePage(leafID, newLeaf); err != nil {
				return err
			}
			return t.updateParentSeparator(parentID, idx, borrow.Key)
		}
	}
	return nil
}

// mergeLeaves combines the leaf at keepID with the leaf at dropID
// (keepID retains the lower keys), rewrites keepID with the union,
// frees dropID, and removes the parent's separator for sepIdx.
func (t *Btree) mergeLeaves(path []storage.PageID, parentID storage.PageID, parentCells []internalCell, rightChild storage.PageID, keepID storage.PageID, keepCells []Cell, dropID storage.PageID, dropCells []Cell, sepIdx int) error {
	dropPage, err := t.pager.ReadPage(dropID)
	if err != nil {
		return err
	}
	merged := append(append([]Cell{}, keepCells...), dropCells...)
	newKeep := encodeLeafPage(keepID, dropPage.NextPageID(), merged)
	if err := t.pager.WritePage(keepID, newKeep); err != nil {
		return err
	}
	if err := t.pager.FreePage(dropID); err != nil {
		return err
	}
	return t.removeParentSeparator(path[:len(path)-1], parentID, parentCells, rightChild, sepIdx, keepID)
}

// removeParentSeparator deletes the separator at sepIdx (whose left
// and right children have just been merged into survivor) from the
// internal page parentID, patching whichever pointer used to name the
// now-gone child so it names survivor instead. Recurses into
// rebalanceInternal on underflow, or shrinks the root if parentID was
// the root and is left empty.
func (t *Btree) removeParentSeparator(ancestorPath []storage.PageID, parentID storage.PageID, cells []internalCell, rightChild storage.PageID, sepIdx int, survivor storage.PageID) error {
	newCells := make([]internalCell, 0, len(cells)-1)
	newCells = append(newCells, cells[:sepIdx]...)
	newCells = append(newCells, cells[sepIdx+1:]...)

	if sepIdx < len(newCells) {
		newCells[sepIdx].Child = survivor
	} else {
		rightChild = survivor
	}

	if len(newCells) == 0 && len(ancestorPath) == 1 {
		// parentID is the root; it now has a single child and no
		// separators, so the tree shrinks by one level.
		t.Root = rightChild
		return t.pager.FreePage(parentID)
	}
	newPage := encodeInternalPage(parentID, rightChild, newCells)
	if err := t.pager.WritePage(parentID, newPage); err != nil {
		return err
	}
	used := btreeHeaderSize + len(newCells)*internalCellSize
	if used >= minFillBytes || len(ancestorPath) <= 1 {
		return nil
	}
	return t.rebalanceInternal(ancestorPath)
}

// rebalanceInternal fixes underflow at path's final (internal) entry by
// merging it with its right sibling, or failing that its left one,
// pulling the parent separator down between them, when the merged page
// fits. Unlike rebalanceLeaf it never borrows a single cell; a node
// whose merge would not fit is left underfull.
func (t *Btree) rebalanceInternal(path []storage.PageID) error {
	nodeID := path[len(path)-1]
	parentID := path[len(path)-2]
	parentPage, err := t.pager.ReadPage(parentID)
	if err != nil {
		return err
	}
	parentCells := decodeInternalCells(parentPage)
	children := siblingChildren(parentCells, parentPage.NextPageID())
	idx := indexOf(children, nodeID)
	if idx < 0 {
		return corvuserr.New(corvuserr.INTERNAL, "btree: internal node not found under its own parent")
	}

	node, err := t.pager.ReadPage(nodeID)
	if err != nil {
		return err
	}
	nodeCells := decodeInternalCells(node)
	nodeRight := node.NextPageID()

	if idx < len(children)-1 {
		siblingID := children[idx+1]
		siblingPage, err := t.pager.ReadPage(siblingID)
		if err != nil {
			return err
		}
		siblingCells := decodeInternalCells(siblingPage)
		// Pull down parent's separator at idx as the joining key, and
		// push the sibling's own separator back up in its place.
		sep := parentCells[idx].Key
		merged := append(append(append([]internalCell{}, nodeCells...), internalCell{Key: sep, Child: nodeRight}), siblingCells...)
		if (len(merged)+1)*internalCellSize <= maxPayloadBytes {
			newNode := encodeInternalPage(nodeID, siblingPage.NextPageID(), merged)
			if err := t.pager.WritePage(nodeID, newNode); err != nil {
				return err
			}
			if err := t.pager.FreePage(siblingID); err != nil {
				return err
			}
			return t.removeParentSeparator(path[:len(path)-1], parentID, parentCells, parentPage.NextPageID(), idx, nodeID)
		}
	}
	if idx > 0 {
		siblingID := children[idx-1]
		siblingPage, err := t.pager.ReadPage(siblingID)
		if err != nil {
			return err
		}
		siblingCells := decodeInternalCells(siblingPage)
		sep := parentCells[idx-1].Key
		merged := append(append(append([]internalCell{}, siblingCells...), internalCell{Key: sep, Child: siblingPage.NextPageID()}), nodeCells...)
		if (len(merged)+1)*internalCellSize <= maxPayloadBytes {
			newNode := encodeInternalPage(siblingID, nodeRight, merged)
			if err := t.pager.WritePage(siblingID, newNode); err != nil {
				return err
			}
			if err := t.pager.FreePage(nodeID); err != nil {
				return err
			}
			return t.removeParentSeparator(path[:len(path)-1], parentID, parentCells, parentPage.NextPageID(), idx-1, siblingID)
		}
	}
	return nil
}

func (t *Btree) updateParentSeparator(parentID storage.PageID, idx int, newKey uint64) error {
	page, err := t.pager.ReadPage(parentID)
	if err != nil {
		return err
	}
	cells := decodeInternalCells(page)
	cells[idx].Key = newKey
	newPage := encodeInternalPage(parentID, page.NextPageID(), cells)
	return t.pager.WritePage(parentID, newPage)
}

func indexOf(ids []storage.PageID, target storage.PageID) int {
	for i, id := range ids {
		if id == target {
			return i
		}
	}
	return -1
}

// ChildrenOf returns an internal page's child ids (cells' children
// followed by rightChild), or nil for a leaf page. Used by callers
// that need to walk a tree's structure directly (freeing pages after a
// rebuild) without going through a Btree's root-relative API.
func ChildrenOf(page *storage.Page) ([]storage.PageID, error) {
	if page.Type() != storage.PageTypeInternal {
		return nil, nil
	}
	return siblingChildren(decodeInternalCells(page), page.NextPageID()), nil
}

// LeafCellsOf decodes a leaf page's cells directly, without following
// its nextLeaf chain pointer. Used alongside ChildrenOf to walk a
// tree's structure (as opposed to Cursor, which follows nextLeaf for
// in-order iteration).
func LeafCellsOf(page *storage.Page) ([]Cell, error) {
	if page.Type() != storage.PageTypeLeaf {
		return nil, nil
	}
	return decodeLeafCells(page)
}

// CalculatePageUtilization returns usedBytes/pageSize for pageID, a
// diagnostic used by tests.
func (t *Btree) CalculatePageUtilization(pageID storage.PageID) (float64, error) {
	page, err := t.pager.ReadPage(pageID)
	if err != nil {
		return 0, err
	}
	var used int
	if page.Type() == storage.PageTypeLeaf {
		cells, err := decodeLeafCells(page)
		if err != nil {
			return 0, err
		}
		used = btreeHeaderSize + leafCellsSize(cells)
	} else {
		cells := decodeInternalCells(page)
		used = btreeHeaderSize + len(cells)*internalCellSize
	}
	return float64(used) / float64(storage.PageSize), nil
}
