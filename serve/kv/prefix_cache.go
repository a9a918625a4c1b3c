package kv

import (
	"container/list"
	"encoding/binary"
	"slices"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"

	"github.com/inference-sim/specdraft/serve"
)

// cachedSequence is a sequence known to the prefix cache.
type cachedSequence struct {
	id       int64
	tokens   []int
	hashes   []uint64      // chained hash of every full page
	retained *list.Element // non-nil once recycled lazily
}

type extension struct {
	seqID  int64
	tokens []int
}

// PrefixCache indexes full pages of live and retained sequences by a chained
// xxhash of their prefix. Lazily recycled sequences keep their KV memory until
// TryFreeMemory evicts them, least recently recycled first.
//
// Thread-safety: NOT thread-safe. Owned by the engine's host goroutine.
type PrefixCache struct {
	pageSize int
	remove   serve.SequenceRemover
	seqs     map[int64]*cachedSequence
	index    map[uint64][]int64 // chained page hash -> sequences holding it, oldest first
	pending  []extension
	retained *list.List // front = least recently recycled
}

// NewPrefixCache creates a prefix cache that releases evicted sequences through remove.
func NewPrefixCache(remove serve.SequenceRemover, pageSize int) *PrefixCache {
	if remove == nil {
		panic("PrefixCache: remove callback must not be nil")
	}
	return &PrefixCache{
		pageSize: pageSize,
		remove:   remove,
		seqs:     make(map[int64]*cachedSequence),
		index:    make(map[uint64][]int64),
		retained: list.New(),
	}
}

// ComputeHash chains the hash of one page of tokens onto prefixHash.
func ComputeHash(tokens []int, prefixHash uint64) uint64 {
	h := xxhash.New()
	buf := make([]byte, 8)
	if prefixHash != 0 {
		binary.LittleEndian.PutUint64(buf, prefixHash)
		h.Write(buf)
	}
	for _, tok := range tokens {
		binary.LittleEndian.PutUint32(buf[:4], uint32(tok))
		h.Write(buf[:4])
	}
	return h.Sum64()
}

// ExtendSequence records tokens appended to seqID. The sequence is tracked
// from this call on; its tokens are indexed on the next CommitSequenceExtension.
func (pc *PrefixCache) ExtendSequence(seqID int64, tokens []int) {
	if _, ok := pc.seqs[seqID]; !ok {
		pc.seqs[seqID] = &cachedSequence{id: seqID}
	}
	pc.pending = append(pc.pending, extension{seqID: seqID, tokens: append([]int(nil), tokens...)})
}

// CommitSequenceExtension applies the recorded extensions and indexes newly full pages.
func (pc *PrefixCache) CommitSequenceExtension() {
	for _, ext := range pc.pending {
		seq := pc.seqs[ext.seqID]
		seq.tokens = append(seq.tokens, ext.tokens...)
		pc.indexFullPages(seq)
	}
	pc.pending = pc.pending[:0]
}

func (pc *PrefixCache) indexFullPages(seq *cachedSequence) {
	for len(seq.hashes) < len(seq.tokens)/pc.pageSize {
		i := len(seq.hashes)
		var prev uint64
		if i > 0 {
			prev = seq.hashes[i-1]
		}
		h := ComputeHash(seq.tokens[i*pc.pageSize:(i+1)*pc.pageSize], prev)
		seq.hashes = append(seq.hashes, h)
		pc.index[h] = append(pc.index[h], seq.id)
	}
}

// HasSequence reports whether seqID is tracked, live or retained.
func (pc *PrefixCache) HasSequence(seqID int64) bool {
	_, ok := pc.seqs[seqID]
	return ok
}

// RecycleSequence ends the live use of seqID. A lazy recycle retains its
// memory for prefix reuse; otherwise the sequence is released now.
func (pc *PrefixCache) RecycleSequence(seqID int64, lazy bool) {
	seq, ok := pc.seqs[seqID]
	if !ok {
		return
	}
	if lazy {
		if seq.retained == nil {
			seq.retained = pc.retained.PushBack(seq)
		}
		return
	}
	pc.evict(seq)
}

// TryFreeMemory releases the least recently recycled retained sequence.
func (pc *PrefixCache) TryFreeMemory() bool {
	front := pc.retained.Front()
	if front == nil {
		return false
	}
	seq := front.Value.(*cachedSequence)
	logrus.Debugf("prefix cache: freeing retained sequence %d (%d tokens)", seq.id, len(seq.tokens))
	pc.evict(seq)
	return true
}

func (pc *PrefixCache) evict(seq *cachedSequence) {
	if seq.retained != nil {
		pc.retained.Remove(seq.retained)
		seq.retained = nil
	}
	for _, h := range seq.hashes {
		owners := slices.DeleteFunc(pc.index[h], func(id int64) bool { return id == seq.id })
		if len(owners) == 0 {
			delete(pc.index, h)
		} else {
			pc.index[h] = owners
		}
	}
	kept := pc.pending[:0]
	for _, ext := range pc.pending {
		if ext.seqID != seq.id {
			kept = append(kept, ext)
		}
	}
	pc.pending = kept
	delete(pc.seqs, seq.id)
	pc.remove(seq.id)
}

// MatchPrefix returns the sequence sharing the longest page-aligned prefix
// with tokens and the number of matched tokens. seqID is -1 when nothing matches.
// A matched retained sequence becomes the most recently recycled one.
func (pc *PrefixCache) MatchPrefix(tokens []int) (seqID int64, matched int) {
	seqID = -1
	var h uint64
	for i := 0; (i+1)*pc.pageSize <= len(tokens); i++ {
		h = ComputeHash(tokens[i*pc.pageSize:(i+1)*pc.pageSize], h)
		owners, ok := pc.index[h]
		if !ok {
			break
		}
		seqID = owners[0]
		matched = (i + 1) * pc.pageSize
	}
	if seqID >= 0 {
		if seq := pc.seqs[seqID]; seq.retained != nil {
			pc.retained.MoveToBack(seq.retained)
		}
	}
	return seqID, matched
}

// NumRetained returns the number of lazily recycled sequences still holding memory.
func (pc *PrefixCache) NumRetained() int {
	return pc.retained.Len()
}

// Mode returns serve.PrefixCacheRadix.
func (pc *PrefixCache) Mode() serve.PrefixCacheMode {
	return serve.PrefixCacheRadix
}
