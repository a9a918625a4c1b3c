package serve

import (
	"context"
	"fmt"
)

// Model is the backend contract shared by the verifier and every draft model.
// Sequences are keyed by RequestModelState.InternalID and must be isolated
// from each other in the KV cache.
type Model interface {
	// TokenEmbed embeds a flattened token batch.
	TokenEmbed(tokens []int) (*Embeddings, error)
	// BatchDecode feeds one token per sequence and returns logits of shape [n, 1, vocab].
	BatchDecode(ctx context.Context, embeddings *Embeddings, seqIDs []int64) (*Tensor, error)
	// BatchPrefill feeds lengths[i] tokens to sequence i and returns the logits
	// of each sequence's last position, shape [1, n, vocab].
	BatchPrefill(ctx context.Context, embeddings *Embeddings, seqIDs []int64, lengths []int) (*Tensor, error)
	// ScatterDraftProbs copies row i of probs into slot slots[i] of storage.
	ScatterDraftProbs(probs *Tensor, slots []int, storage *DraftProbsStorage) error
	// GetNumAvailablePages returns the number of free KV-cache pages.
	GetNumAvailablePages() int
	// RemoveSequence drops a sequence and releases its pages.
	RemoveSequence(seqID int64)
}

// LogitProcessor adjusts logits and turns them into probabilities.
type LogitProcessor interface {
	// InplaceUpdateLogits applies penalties and masks to logits [n, vocab].
	// draftTokenIndices[i] is the draft token of mstates[i] the row extends (-1 for none).
	InplaceUpdateLogits(logits *Tensor, cfgs []GenerationConfig, mstates []*RequestModelState,
		requestIDs []string, draftTokenIndices []int)
	// ComputeProbsFromLogits returns probability rows [n, vocab].
	ComputeProbsFromLogits(logits *Tensor, cfgs []GenerationConfig, requestIDs []string) *Tensor
}

// Sampler draws tokens from probability distributions.
type Sampler interface {
	// BatchRenormalizeProbsByTopP returns a copy of probs with the rows named in
	// sampleIndices truncated to their request's top-p nucleus and renormalised.
	BatchRenormalizeProbsByTopP(probs *Tensor, sampleIndices []int, requestIDs []string,
		cfgs []GenerationConfig) *Tensor
	// BatchSampleTokensWithProbAfterTopP samples one token per entry of
	// sampleIndices using the matching random generator.
	BatchSampleTokensWithProbAfterTopP(probs *Tensor, sampleIndices []int, requestIDs []string,
		cfgs []GenerationConfig, rngs []*RandomGenerator) []SampleResult
}

// DraftTokenWorkspaceManager hands out draft probability slots.
type DraftTokenWorkspaceManager interface {
	// AllocSlots appends n fresh slots to dst and returns it.
	AllocSlots(n int, dst []int) []int
	// FreeSlots returns slots to the workspace.
	FreeSlots(slots []int)
}

// EventTraceRecorder records named events against request ids.
// A nil recorder disables tracing.
type EventTraceRecorder interface {
	AddEvent(requestIDs []string, event string)
}

func recordEvent(recorder EventTraceRecorder, requestIDs []string, event string) {
	if recorder != nil {
		recorder.AddEvent(requestIDs, event)
	}
}

// DraftProbsStorage holds one probability distribution per draft slot.
type DraftProbsStorage struct {
	VocabSize int
	rows      [][]float32
}

// NewDraftProbsStorage allocates storage for capacity slots.
func NewDraftProbsStorage(capacity, vocabSize int) *DraftProbsStorage {
	rows := make([][]float32, capacity)
	for i := range rows {
		rows[i] = make([]float32, vocabSize)
	}
	return &DraftProbsStorage{VocabSize: vocabSize, rows: rows}
}

// Store copies probs into slot.
func (s *DraftProbsStorage) Store(slot int, probs []float32) {
	if slot < 0 || slot >= len(s.rows) {
		panic(fmt.Sprintf("DraftProbsStorage: slot %d out of range [0, %d)", slot, len(s.rows)))
	}
	if len(probs) != s.VocabSize {
		panic(fmt.Sprintf("DraftProbsStorage: expected %d probabilities, got %d", s.VocabSize, len(probs)))
	}
	copy(s.rows[slot], probs)
}

// Probs returns the distribution stored in slot.
func (s *DraftProbsStorage) Probs(slot int) []float32 {
	return s.rows[slot]
}

// Capacity returns the number of slots.
func (s *DraftProbsStorage) Capacity() int {
	return len(s.rows)
}

// ModelWorkspace is the per-model scratch space shared by engine actions.
type ModelWorkspace struct {
	DraftProbsStorage *DraftProbsStorage
}
