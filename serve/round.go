package serve

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// draftBatch is the per-pass view of the running entries shared by every round.
type draftBatch struct {
	entries       []*RequestStateEntry
	requestIDs    []string
	internalIDs   []int64
	cfgs          []GenerationConfig
	rngs          []*RandomGenerator
	sampleIndices []int
}

func newDraftBatch(entries []*RequestStateEntry) *draftBatch {
	n := len(entries)
	b := &draftBatch{
		entries:       entries,
		requestIDs:    make([]string, 0, n),
		internalIDs:   make([]int64, 0, n),
		cfgs:          make([]GenerationConfig, 0, n),
		rngs:          make([]*RandomGenerator, 0, n),
		sampleIndices: make([]int, n),
	}
	for i, rs := range entries {
		b.requestIDs = append(b.requestIDs, rs.Request.ID)
		b.internalIDs = append(b.internalIDs, rs.MStates[0].InternalID)
		b.cfgs = append(b.cfgs, rs.Request.GenerationCfg)
		b.rngs = append(b.rngs, rs.RNG)
		b.sampleIndices[i] = i
	}
	return b
}

// modelStates returns every entry's state for modelID, in batch order.
func (b *draftBatch) modelStates(modelID int) []*RequestModelState {
	mstates := make([]*RequestModelState, len(b.entries))
	for i, rs := range b.entries {
		mstates[i] = rs.MStates[modelID]
	}
	return mstates
}

// runDraftRound runs one proposal round of draft model modelID and appends
// one draft token to every state in mstates. tstart is taken before the
// round's inputs were aligned.
func (a *BatchDraftAction) runDraftRound(ctx context.Context, estate *EngineState, modelID int,
	batch *draftBatch, mstates []*RequestModelState, in *roundInputs, tstart time.Time) error {
	model := a.models[modelID]
	n := len(batch.entries)
	if len(in.lengths) != n {
		panic(fmt.Sprintf("draft round: %d input lengths for %d requests", len(in.lengths), n))
	}
	decode := in.isDecode()
	tokens, lengths := in.tokens, in.lengths

	pending := launchDevice(ctx, func(ctx context.Context) (*Tensor, error) {
		recordEvent(a.recorder, batch.requestIDs, "start proposal embedding")
		embeddings, err := model.TokenEmbed(tokens)
		if err != nil {
			return nil, fmt.Errorf("token embed: %w", err)
		}
		recordEvent(a.recorder, batch.requestIDs, "finish proposal embedding")

		recordEvent(a.recorder, batch.requestIDs, "start proposal decode")
		var logits *Tensor
		if decode {
			logits, err = model.BatchDecode(ctx, embeddings, batch.internalIDs)
		} else {
			// Some request is catching up on committed tokens the draft model has not seen.
			logits, err = model.BatchPrefill(ctx, embeddings, batch.internalIDs, lengths)
		}
		if err != nil {
			return nil, fmt.Errorf("batch forward: %w", err)
		}
		recordEvent(a.recorder, batch.requestIDs, "finish proposal decode")
		return logits, nil
	})

	// Commit the prefix cache changes of the previous action while the device runs.
	estate.PrefixCache.CommitSequenceExtension()

	logits, err := pending.Wait()
	if err != nil {
		return err
	}
	checkLogitsShape(logits, n, decode)
	logits = logits.View(n, logits.Shape[2])

	a.logitProcessor.InplaceUpdateLogits(logits, batch.cfgs, mstates, batch.requestIDs, in.parents)
	probs := a.logitProcessor.ComputeProbsFromLogits(logits, batch.cfgs, batch.requestIDs)

	renormalized := a.sampler.BatchRenormalizeProbsByTopP(probs, batch.sampleIndices, batch.requestIDs, batch.cfgs)
	samples := a.sampler.BatchSampleTokensWithProbAfterTopP(renormalized, batch.sampleIndices,
		batch.requestIDs, batch.cfgs, batch.rngs)
	if len(samples) != n {
		panic(fmt.Sprintf("draft round: sampler returned %d tokens for %d requests", len(samples), n))
	}

	a.draftTokenSlots = a.workspace.AllocSlots(n, a.draftTokenSlots[:0])
	if err := model.ScatterDraftProbs(probs, a.draftTokenSlots, a.modelWorkspaces[0].DraftProbsStorage); err != nil {
		a.workspace.FreeSlots(a.draftTokenSlots)
		return fmt.Errorf("scatter draft probabilities: %w", err)
	}
	for i, mstate := range mstates {
		mstate.AddDraftToken(samples[i], a.draftTokenSlots[i], in.parents[i])
	}

	if decode {
		estate.Metrics.NumDecodeRounds++
	} else {
		estate.Metrics.NumPrefillRounds++
	}
	estate.Metrics.NumDraftTokens += int64(n)
	estate.Metrics.NumCatchUpTokens += int64(in.numCatchUpTokens())
	estate.Metrics.UpdateDraftTimeByBatchSize(n, a.now().Sub(tstart).Seconds())
	logrus.Debugf("[tick %07d] draft model %d: %d requests, %d input tokens, decode=%v",
		estate.Tick, modelID, n, len(tokens), decode)
	return nil
}

// checkLogitsShape panics unless logits is [n, 1, vocab] for decode or [1, n, vocab] for prefill.
func checkLogitsShape(logits *Tensor, n int, decode bool) {
	if logits == nil || logits.NDim() != 3 {
		var shape []int
		if logits != nil {
			shape = logits.Shape
		}
		panic(fmt.Sprintf("draft logits: expected a 3-D tensor, got shape %v", shape))
	}
	if decode && (logits.Shape[0] != n || logits.Shape[1] != 1) {
		panic(fmt.Sprintf("draft decode logits: expected shape [%d 1 vocab], got %v", n, logits.Shape))
	}
	if !decode && (logits.Shape[0] != 1 || logits.Shape[1] != n) {
		panic(fmt.Sprintf("draft prefill logits: expected shape [1 %d vocab], got %v", n, logits.Shape))
	}
}
