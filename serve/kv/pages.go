// Package kv provides the paged KV-cache accounting used by the reference
// model backend and the prefix cache that retains finished sequences.
package kv

import (
	"fmt"
	"sync"
)

// Page is a fixed-size unit of KV storage.
type Page struct {
	ID       int
	RefCount int   // number of sequences referencing this page
	PrevFree *Page // free list: previous free page
	NextFree *Page // free list: next free page
}

// PagePool tracks which pages each sequence holds. Sequences grow and shrink
// token by token; a page is taken when a sequence's length crosses a page
// boundary and returned when the sequence shrinks below it.
//
// Thread-safety: safe for concurrent use. Device-side forward calls and
// host-side prefix cache bookkeeping may touch the pool at the same time.
type PagePool struct {
	mu        sync.Mutex
	pageSize  int
	pages     []*Page
	seqPages  map[int64][]int // sequence -> page sequence
	seqTokens map[int64]int   // sequence -> token count
	freeHead  *Page
	freeTail  *Page
	usedCnt   int
}

// NewPagePool places all pages in the free list in order.
func NewPagePool(totalPages, pageSize int) *PagePool {
	if totalPages <= 0 {
		panic(fmt.Sprintf("PagePool: totalPages must be > 0, got %d", totalPages))
	}
	if pageSize <= 0 {
		panic(fmt.Sprintf("PagePool: pageSize must be > 0, got %d", pageSize))
	}
	p := &PagePool{
		pageSize:  pageSize,
		pages:     make([]*Page, totalPages),
		seqPages:  make(map[int64][]int),
		seqTokens: make(map[int64]int),
	}
	for i := 0; i < totalPages; i++ {
		pg := &Page{ID: i}
		p.pages[i] = pg
		p.appendToFreeList(pg)
	}
	return p
}

// appendToFreeList inserts a page at the tail of the free list.
func (p *PagePool) appendToFreeList(pg *Page) {
	pg.NextFree = nil
	// either both head and tail are nil, or neither is
	if p.freeTail != nil {
		p.freeTail.NextFree = pg
		pg.PrevFree = p.freeTail
		p.freeTail = pg
	} else {
		p.freeHead = pg
		p.freeTail = pg
		pg.PrevFree = nil
	}
}

// popFreePage detaches the head of the free list, or returns nil.
func (p *PagePool) popFreePage() *Page {
	head := p.freeHead
	if head == nil {
		return nil
	}
	p.freeHead = head.NextFree
	if p.freeHead != nil {
		p.freeHead.PrevFree = nil
	} else {
		p.freeTail = nil
	}
	head.NextFree = nil
	head.PrevFree = nil
	return head
}

func (p *PagePool) pagesFor(tokens int) int {
	return (tokens + p.pageSize - 1) / p.pageSize
}

// AddSequence registers an empty sequence.
func (p *PagePool) AddSequence(seqID int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.seqTokens[seqID]; ok {
		return fmt.Errorf("sequence %d already exists", seqID)
	}
	p.seqTokens[seqID] = 0
	p.seqPages[seqID] = nil
	return nil
}

// HasSequence reports whether seqID is registered.
func (p *PagePool) HasSequence(seqID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.seqTokens[seqID]
	return ok
}

// Reserve grows seqID by numTokens, taking pages as needed.
// Returns false and changes nothing if there are not enough free pages.
func (p *PagePool) Reserve(seqID int64, numTokens int) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur, ok := p.seqTokens[seqID]
	if !ok {
		return false, fmt.Errorf("sequence %d does not exist", seqID)
	}
	need := p.pagesFor(cur+numTokens) - len(p.seqPages[seqID])
	if need > len(p.pages)-p.usedCnt {
		return false, nil
	}
	for i := 0; i < need; i++ {
		pg := p.popFreePage()
		pg.RefCount = 1
		p.usedCnt++
		p.seqPages[seqID] = append(p.seqPages[seqID], pg.ID)
	}
	p.seqTokens[seqID] = cur + numTokens
	return true, nil
}

// Pop shrinks seqID by n tokens, returning pages that are no longer needed.
func (p *PagePool) Pop(seqID int64, n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur, ok := p.seqTokens[seqID]
	if !ok {
		return fmt.Errorf("sequence %d does not exist", seqID)
	}
	if n > cur {
		return fmt.Errorf("cannot pop %d tokens from sequence %d of length %d", n, seqID, cur)
	}
	keep := p.pagesFor(cur - n)
	ids := p.seqPages[seqID]
	p.releasePages(ids[keep:])
	p.seqPages[seqID] = ids[:keep]
	p.seqTokens[seqID] = cur - n
	return nil
}

// Release drops seqID and returns all its pages. Unknown sequences are ignored.
func (p *PagePool) Release(seqID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids, ok := p.seqPages[seqID]
	if !ok {
		return
	}
	delete(p.seqPages, seqID)
	delete(p.seqTokens, seqID)
	p.releasePages(ids)
}

// releasePages frees ids last page first.
func (p *PagePool) releasePages(ids []int) {
	for i := len(ids) - 1; i >= 0; i-- {
		pg := p.pages[ids[i]]
		pg.RefCount--
		if pg.RefCount == 0 {
			p.usedCnt--
			p.appendToFreeList(pg)
		}
	}
}

// NumAvailablePages returns the number of free pages.
func (p *PagePool) NumAvailablePages() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pages) - p.usedCnt
}

// UsedPages returns the number of pages held by sequences.
func (p *PagePool) UsedPages() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.usedCnt
}

// NumTokens returns the length of seqID, 0 if unknown.
func (p *PagePool) NumTokens(seqID int64) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seqTokens[seqID]
}

// PageSize returns the number of tokens per page.
func (p *PagePool) PageSize() int {
	return p.pageSize
}

// PageIDs returns a copy of the pages held by seqID, in sequence order.
func (p *PagePool) PageIDs(seqID int64) []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.seqPages[seqID]...)
}
