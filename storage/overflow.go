package storage

// overflowChainWriter and overflowChainReader are satisfied by *Pager;
// kept as narrow interfaces here so the record codec doesn't need to
// import the pager.
type overflowChainWriter interface {
	allocatePage() (PageID, error)
	writeOverflowPage(id PageID, page *Page) error
}

type overflowChainReader interface {
	readOverflowPage(id PageID) (*Page, error)
}

// writeOverflowChain splits data across as many PageTypeOverflow pages
// as needed, each carrying next:u32 || data, and returns the head page.
func writeOverflowChain(w overflowChainWriter, data []byte) (PageID, error) {
	if len(data) == 0 {
		id, err := w.allocatePage()
		if err != nil {
			return 0, err
		}
		page := NewPage(PageTypeOverflow, id)
		page.SetNextPageID(0)
		if err := w.writeOverflowPage(id, page); err != nil {
			return 0, err
		}
		return id, nil
	}

	// Allocate every page id first, then write pages back-to-front so
	// each page's next pointer is known before it is written.
	chunks := chunkOverflow(data)
	nextID := PageID(0)
	var headID PageID
	ids := make([]PageID, len(chunks))
	for i := range chunks {
		id, err := w.allocatePage()
		if err != nil {
			return 0, err
		}
		ids[i] = id
	}
	for i := len(chunks) - 1; i >= 0; i-- {
		page := NewPage(PageTypeOverflow, ids[i])
		page.SetNextPageID(nextID)
		page.WriteOverflowData(chunks[i])
		if err := w.writeOverflowPage(ids[i], page); err != nil {
			return 0, err
		}
		nextID = ids[i]
	}
	headID = ids[0]
	return headID, nil
}

func chunkOverflow(data []byte) [][]byte {
	var chunks [][]byte
	for len(data) > 0 {
		n := OverflowDataCapacity
		if n > len(data) {
			n = len(data)
		}
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return chunks
}

// readOverflowChain walks the chain from head, reconstructing the
// logical byte slice. The per-page length is implicit except on the
// final page: intermediate pages are always full.
func readOverflowChain(r overflowChainReader, head PageID, totalLen uint32) ([]byte, error) {
	out := make([]byte, 0, totalLen)
	id := head
	remaining := int(totalLen)
	for id != 0 && remaining > 0 {
		page, err := r.readOverflowPage(id)
		if err != nil {
			return nil, err
		}
		n := OverflowDataCapacity
		if n > remaining {
			n = remaining
		}
		out = append(out, page.ReadOverflowData(n)...)
		remaining -= n
		id = page.NextPageID()
	}
	return out, nil
}

// freeOverflowChain walks the chain collecting every PageId so the
// caller can return them to the freelist.
func freeOverflowChain(r overflowChainReader, head PageID) ([]PageID, error) {
	var ids []PageID
	id := head
	for id != 0 {
		page, err := r.readOverflowPage(id)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
		id = page.NextPageID()
	}
	return ids, nil
}
