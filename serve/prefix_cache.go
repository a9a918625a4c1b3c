package serve

import "fmt"

// SequenceRemover releases a sequence from every model backend.
type SequenceRemover func(seqID int64)

// RemoveFromModels returns a SequenceRemover that drops seqID from all models.
func RemoveFromModels(models []Model) SequenceRemover {
	return func(seqID int64) {
		for _, m := range models {
			m.RemoveSequence(seqID)
		}
	}
}

// PrefixCache shares KV state between sequences with common prefixes and
// retains finished sequences until their memory is needed.
type PrefixCache interface {
	// TryFreeMemory evicts one retained sequence. Returns false when nothing can be freed.
	TryFreeMemory() bool
	// CommitSequenceExtension folds the pending extensions recorded since the last commit.
	CommitSequenceExtension()
	// ExtendSequence records tokens appended to seqID; applied on the next commit.
	ExtendSequence(seqID int64, tokens []int)
	// HasSequence reports whether seqID is tracked.
	HasSequence(seqID int64) bool
	// RecycleSequence stops tracking seqID as live. Lazy recycling retains its
	// memory for reuse; otherwise it is released immediately.
	RecycleSequence(seqID int64, lazy bool)
	Mode() PrefixCacheMode
}

// NewPrefixCacheFunc constructs the radix prefix cache. Set by serve/kv's init().
var NewPrefixCacheFunc func(remove SequenceRemover, pageSize int) PrefixCache

// NewPrefixCache returns the prefix cache for mode.
func NewPrefixCache(mode PrefixCacheMode, remove SequenceRemover, pageSize int) PrefixCache {
	switch mode {
	case PrefixCacheDisable:
		return NoPrefixCache{}
	case "", PrefixCacheRadix:
		if NewPrefixCacheFunc == nil {
			panic("NewPrefixCacheFunc not set: import serve/kv to register the prefix cache")
		}
		return NewPrefixCacheFunc(remove, pageSize)
	default:
		panic(fmt.Sprintf("unknown prefix cache mode %q", mode))
	}
}

// NoPrefixCache tracks nothing and never frees memory.
type NoPrefixCache struct{}

func (NoPrefixCache) TryFreeMemory() bool         { return false }
func (NoPrefixCache) CommitSequenceExtension()    {}
func (NoPrefixCache) ExtendSequence(int64, []int) {}
func (NoPrefixCache) HasSequence(int64) bool      { return false }
func (NoPrefixCache) RecycleSequence(int64, bool) {}
func (NoPrefixCache) Mode() PrefixCacheMode       { return PrefixCacheDisable }
