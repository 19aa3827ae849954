package btree

import "github.com/corvusdb/corvus/storage"

// Cursor provides forward iteration over a Btree's leaf chain, in
// strict global key order, skipping tombstones transparently.
type Cursor struct {
	t       *Btree
	leafID  storage.PageID
	cells   []Cell
	pos     int
	started bool
}

// OpenCursor positions a cursor at the smallest key in the tree.
func (t *Btree) OpenCursor() (*Cursor, error) {
	id := t.Root
	for {
		page, err := t.pager.ReadPage(id)
		if err != nil {
			return nil, err
		}
		if page.Type() == storage.PageTypeLeaf {
			cells, err := decodeLeafCells(page)
			if err != nil {
				return nil, err
			}
			return &Cursor{t: t, leafID: id, cells: cells, pos: -1}, nil
		}
		ic := decodeInternalCells(page)
		if len(ic) == 0 {
			id = page.NextPageID()
			continue
		}
		id = ic[0].Child
	}
}

// OpenCursorAt positions a cursor so the next Next() call yields the
// first cell with key >= startKey.
func (t *Btree) OpenCursorAt(startKey uint64) (*Cursor, error) {
	leafID, err := t.findLeaf(startKey)
	if err != nil {
		return nil, err
	}
	page, err := t.pager.ReadPage(leafID)
	if err != nil {
		return nil, err
	}
	cells, err := decodeLeafCells(page)
	if err != nil {
		return nil, err
	}
	pos := -1
	for i, c := range cells {
		if c.Key >= startKey {
			pos = i - 1
			break
		}
		pos = i
	}
	return &Cursor{t: t, leafID: leafID, cells: cells, pos: pos}, nil
}

// Next advances the cursor and returns the next non-tombstone cell.
// ok is false once iteration is exhausted.
func (c *Cursor) Next() (Cell, bool, error) {
	for {
		c.pos++
		for c.pos >= len(c.cells) {
			page, err := c.t.pager.ReadPage(c.leafID)
			if err != nil {
				return Cell{}, false, err
			}
			next := page.NextPageID()
			if next == 0 {
				return Cell{}, false, nil
			}
			nextPage, err := c.t.pager.ReadPage(next)
			if err != nil {
				return Cell{}, false, err
			}
			cells, err := decodeLeafCells(nextPage)
			if err != nil {
				return Cell{}, false, err
			}
			c.leafID = next
			c.cells = cells
			c.pos = 0
			if len(c.cells) == 0 {
				continue
			}
		}
		cell := c.cells[c.pos]
		if cell.isTombstone() {
			continue
		}
		return cell, true, nil
	}
}
