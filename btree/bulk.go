package btree

import "github.com/corvusdb/corvus/storage"

// BulkBuildFromSorted constructs a perfectly packed tree from entries,
// which must already be sorted ascending by Key. Leaves are filled in
// order up to maxPayloadBytes, then interior levels are built
// recursively. Empty input produces an empty leaf root.
func BulkBuildFromSorted(pager *storage.Pager, entries []Cell) (storage.PageID, error) {
	normalized := make([]Cell, len(entries))
	for i, c := range entries {
		if !c.IsOverflow && len(c.Value) > overflowValueThreshold {
			page, err := pager.WriteOverflowChain(c.Value)
			if err != nil {
				return 0, err
			}
			c = Cell{Key: c.Key, IsOverflow: true, OverflowPage: page, OverflowLen: uint32(len(c.Value))}
		}
		normalized[i] = c
	}

	if len(normalized) == 0 {
		id, err := pager.AllocatePage()
		if err != nil {
			return 0, err
		}
		page := encodeLeafPage(id, 0, nil)
		if err := pager.WritePage(id, page); err != nil {
			return 0, err
		}
		return id, nil
	}

	leafIDs, maxKeys, err := bulkPackLeaves(pager, normalized)
	if err != nil {
		return 0, err
	}
	if len(leafIDs) == 1 {
		return leafIDs[0], nil
	}
	return bulkBuildInterior(pager, leafIDs, maxKeys)
}

// bulkPackLeaves fills leaves greedily in key order, each as full as
// maxPayloadBytes allows, linking nextLeaf pointers, and returns each
// leaf's id alongside the maximum key it holds.
func bulkPackLeaves(pager *storage.Pager, entries []Cell) ([]storage.PageID, []uint64, error) {
	var leafIDs []storage.PageID
	var maxKeys []uint64

	i := 0
	for i < len(entries) {
		var batch []Cell
		size := 0
		for i < len(entries) {
			cs := entries[i].encodedSize()
			if size+cs > maxPayloadBytes && len(batch) > 0 {
				break
			}
			batch = append(batch, entries[i])
			size += cs
			i++
		}
		id, err := pager.AllocatePage()
		if err != nil {
			return nil, nil, err
		}
		leafIDs = append(leafIDs, id)
		maxKeys = append(maxKeys, batch[len(batch)-1].Key)
	}

	// Second pass: now that every leaf id is known, write pages with
	// correct nextLeaf pointers.
	i = 0
	leafIdx := 0
	for i < len(entries) {
		var batch []Cell
		size := 0
		for i < len(entries) {
			cs := entries[i].encodedSize()
			if size+cs > maxPayloadBytes && len(batch) > 0 {
				break
			}
			batch = append(batch, entries[i])
			size += cs
			i++
		}
		var next storage.PageID
		if leafIdx+1 < len(leafIDs) {
			next = leafIDs[leafIdx+1]
		}
		page := encodeLeafPage(leafIDs[leafIdx], next, batch)
		if err := pager.WritePage(leafIDs[leafIdx], page); err != nil {
			return nil, nil, err
		}
		leafIdx++
	}
	return leafIDs, maxKeys, nil
}

// bulkBuildInterior recursively packs internal levels above a row of
// child page ids keyed by their maximum key, until a single root
// remains.
func bulkBuildInterior(pager *storage.Pager, childIDs []storage.PageID, childMaxKeys []uint64) (storage.PageID, error) {
	if len(childIDs) == 1 {
		return childIDs[0], nil
	}

	var levelIDs []storage.PageID
	var levelMaxKeys []uint64

	i := 0
	for i < len(childIDs) {
		var cells []internalCell
		size := 0
		for i < len(childIDs)-1 { // always keep at least one child for rightChild
			cs := internalCellSize
			if size+cs > maxPayloadBytes && len(cells) > 0 {
				break
			}
			cells = append(cells, internalCell{Key: childMaxKeys[i], Child: childIDs[i]})
			size += cs
			i++
			if len(cells)*internalCellSize >= maxPayloadBytes {
				break
			}
		}
		rightChild := childIDs[i]
		rightMaxKey := childMaxKeys[i]
		i++

		id, err := pager.AllocatePage()
		if err != nil {
			return 0, err
		}
		page := encodeInternalPage(id, rightChild, cells)
		if err := pager.WritePage(id, page); err != nil {
			return 0, err
		}
		levelIDs = append(levelIDs, id)
		levelMaxKeys = append(levelMaxKeys, rightMaxKey)
	}

	return bulkBuildInterior(pager, levelIDs, levelMaxKeys)
}
