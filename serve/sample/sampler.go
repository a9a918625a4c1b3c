package sample

import (
	"fmt"
	"slices"

	"github.com/inference-sim/specdraft/serve"
)

// Sampler draws tokens from probability rows using each entry's generator.
type Sampler struct{}

var _ serve.Sampler = (*Sampler)(nil)

// NewSampler creates a sampler.
func NewSampler() *Sampler {
	return &Sampler{}
}

// BatchRenormalizeProbsByTopP returns a copy of probs in which row
// sampleIndices[i] keeps only the smallest set of tokens whose cumulative
// probability reaches cfgs[i].TopP, renormalised to sum to 1.
func (s *Sampler) BatchRenormalizeProbsByTopP(probs *serve.Tensor, sampleIndices []int, requestIDs []string,
	cfgs []serve.GenerationConfig) *serve.Tensor {
	if len(cfgs) != len(sampleIndices) {
		panic(fmt.Sprintf("BatchRenormalizeProbsByTopP: %d configs for %d sample indices", len(cfgs), len(sampleIndices)))
	}
	out := &serve.Tensor{Shape: append([]int(nil), probs.Shape...), Data: append([]float32(nil), probs.Data...)}
	var order []int
	for i, row := range sampleIndices {
		topP := cfgs[i].TopP
		if topP <= 0 || topP >= 1 {
			continue
		}
		p := out.Row(row)
		order = order[:0]
		for tok := range p {
			order = append(order, tok)
		}
		slices.SortStableFunc(order, func(a, b int) int {
			switch {
			case p[a] > p[b]:
				return -1
			case p[a] < p[b]:
				return 1
			}
			return 0
		})
		var cum float64
		cut := len(order)
		for k, tok := range order {
			cum += float64(p[tok])
			if cum >= topP {
				cut = k + 1
				break
			}
		}
		for _, tok := range order[cut:] {
			p[tok] = 0
		}
		if cum > 0 {
			for _, tok := range order[:cut] {
				p[tok] = float32(float64(p[tok]) / cum)
			}
		}
	}
	return out
}

// BatchSampleTokensWithProbAfterTopP draws one token from each row
// sampleIndices[i] with rngs[i]. Greedy requests take the argmax and do not
// consume randomness.
func (s *Sampler) BatchSampleTokensWithProbAfterTopP(probs *serve.Tensor, sampleIndices []int, requestIDs []string,
	cfgs []serve.GenerationConfig, rngs []*serve.RandomGenerator) []serve.SampleResult {
	if len(rngs) != len(sampleIndices) || len(cfgs) != len(sampleIndices) {
		panic(fmt.Sprintf("BatchSampleTokensWithProbAfterTopP: %d configs and %d generators for %d sample indices",
			len(cfgs), len(rngs), len(sampleIndices)))
	}
	results := make([]serve.SampleResult, len(sampleIndices))
	for i, row := range sampleIndices {
		p := probs.Row(row)
		var tok int
		if cfgs[i].Temperature <= 0 {
			tok = argmax(p)
		} else {
			tok = categorical(p, rngs[i].Float64())
		}
		results[i] = serve.SampleResult{TokenID: tok, Prob: p[tok]}
	}
	return results
}

// categorical returns the first token whose cumulative probability exceeds r.
// Rounding leftovers fall on the last token with non-zero probability.
func categorical(p []float32, r float64) int {
	var cum float64
	last := 0
	for tok, v := range p {
		if v <= 0 {
			continue
		}
		last = tok
		cum += float64(v)
		if r < cum {
			return tok
		}
	}
	return last
}
