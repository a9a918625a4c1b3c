package kv

import "github.com/inference-sim/specdraft/serve"

func init() {
	serve.NewPrefixCacheFunc = func(remove serve.SequenceRemover, pageSize int) serve.PrefixCache {
		return NewPrefixCache(remove, pageSize)
	}
}
