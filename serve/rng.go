package serve

import (
	"hash/fnv"
	"math/rand"
)

// EngineKey is the master seed of an engine instance. Two engines with the
// same key and workload produce identical draft proposals.
type EngineKey int64

// NewEngineKey creates an EngineKey from a seed value.
func NewEngineKey(seed int64) EngineKey {
	return EngineKey(seed)
}

// RequestSeed derives the seed of a request's generator:
//   - the request's explicit GenerationConfig.Seed when set
//   - otherwise masterSeed XOR fnv1a64(requestID)
//
// Seeds depend only on the request, never on batch composition or order.
func (k EngineKey) RequestSeed(req *Request) int64 {
	if req.GenerationCfg.Seed != nil {
		return *req.GenerationCfg.Seed
	}
	return int64(k) ^ fnv1a64(req.ID)
}

// ForRequest returns a fresh generator for req.
func (k EngineKey) ForRequest(req *Request) *RandomGenerator {
	return NewRandomGenerator(k.RequestSeed(req))
}

// RandomGenerator is the per-entry random source used for sampling.
//
// Thread-safety: NOT thread-safe. Each entry owns its generator.
type RandomGenerator struct {
	seed int64
	rng  *rand.Rand
}

// NewRandomGenerator creates a generator seeded with seed.
func NewRandomGenerator(seed int64) *RandomGenerator {
	return &RandomGenerator{
		seed: seed,
		rng:  rand.New(rand.NewSource(seed)),
	}
}

// Float64 returns a uniform sample in [0, 1).
func (g *RandomGenerator) Float64() float64 {
	return g.rng.Float64()
}

// Seed returns the seed the generator was created with.
func (g *RandomGenerator) Seed() int64 {
	return g.seed
}

// fnv1a64 computes a 64-bit FNV-1a hash of the input string.
func fnv1a64(s string) int64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return int64(h.Sum64())
}
