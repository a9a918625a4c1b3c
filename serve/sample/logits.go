// Package sample turns draft model logits into probabilities and sampled
// tokens: penalties, temperature softmax, top-p truncation and seeded
// categorical sampling.
package sample

import (
	"fmt"
	"math"

	"github.com/inference-sim/specdraft/serve"
)

// LogitProcessor applies per-request penalties and temperature.
type LogitProcessor struct{}

var _ serve.LogitProcessor = (*LogitProcessor)(nil)

// NewLogitProcessor creates a logit processor.
func NewLogitProcessor() *LogitProcessor {
	return &LogitProcessor{}
}

// InplaceUpdateLogits applies frequency, presence and repetition penalties
// over each row's token history: the committed tokens followed by the draft
// chain ending at draftTokenIndices[i].
func (lp *LogitProcessor) InplaceUpdateLogits(logits *serve.Tensor, cfgs []serve.GenerationConfig,
	mstates []*serve.RequestModelState, requestIDs []string, draftTokenIndices []int) {
	checkRows(logits, len(cfgs), "InplaceUpdateLogits")
	for i, cfg := range cfgs {
		if !hasPenalty(cfg) {
			continue
		}
		row := logits.Row(i)
		counts := make(map[int]int)
		for _, tok := range mstates[i].TokenHistory(draftTokenIndices[i]) {
			counts[tok]++
		}
		for tok, c := range counts {
			if tok < 0 || tok >= len(row) {
				continue
			}
			v := float64(row[tok])
			if cfg.RepetitionPenalty > 0 && cfg.RepetitionPenalty != 1 {
				if v > 0 {
					v /= cfg.RepetitionPenalty
				} else {
					v *= cfg.RepetitionPenalty
				}
			}
			v -= float64(c)*cfg.FrequencyPenalty + cfg.PresencePenalty
			row[tok] = float32(v)
		}
	}
}

func hasPenalty(cfg serve.GenerationConfig) bool {
	return cfg.FrequencyPenalty != 0 || cfg.PresencePenalty != 0 ||
		(cfg.RepetitionPenalty > 0 && cfg.RepetitionPenalty != 1)
}

// ComputeProbsFromLogits returns the softmax of logits / temperature per row.
// A non-positive temperature yields a one-hot distribution on the argmax.
func (lp *LogitProcessor) ComputeProbsFromLogits(logits *serve.Tensor, cfgs []serve.GenerationConfig,
	requestIDs []string) *serve.Tensor {
	checkRows(logits, len(cfgs), "ComputeProbsFromLogits")
	n, vocab := logits.Shape[0], logits.Shape[1]
	probs := serve.NewTensor(n, vocab)
	for i, cfg := range cfgs {
		in, out := logits.Row(i), probs.Row(i)
		if cfg.Temperature <= 0 {
			out[argmax(in)] = 1
			continue
		}
		softmax(in, out, cfg.Temperature)
	}
	return probs
}

func softmax(in, out []float32, temperature float64) {
	invTemp := 1 / temperature
	maxv := math.Inf(-1)
	for _, v := range in {
		maxv = math.Max(maxv, float64(v)*invTemp)
	}
	var sum float64
	exps := make([]float64, len(in))
	for i, v := range in {
		exps[i] = math.Exp(float64(v)*invTemp - maxv)
		sum += exps[i]
	}
	for i, e := range exps {
		out[i] = float32(e / sum)
	}
}

func argmax(xs []float32) int {
	best := 0
	for i := 1; i < len(xs); i++ {
		if xs[i] > xs[best] {
			best = i
		}
	}
	return best
}

func checkRows(t *serve.Tensor, n int, op string) {
	if t.NDim() != 2 || t.Shape[0] != n {
		panic(fmt.Sprintf("%s: expected %d rows of a 2-D tensor, got shape %v", op, n, t.Shape))
	}
}
