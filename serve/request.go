// Defines the per-request state threaded through the draft proposal action:
// requests, their state entries, and the per-model states holding committed
// and speculative tokens.

package serve

import (
	"fmt"
)

// RequestStateStatus is the lifecycle status of a request state entry.
type RequestStateStatus string

const (
	StatusPending  RequestStateStatus = "pending"
	StatusAlive    RequestStateStatus = "alive"
	StatusFinished RequestStateStatus = "finished"
)

// GenerationConfig is the immutable per-request sampling configuration.
type GenerationConfig struct {
	Temperature       float64 `yaml:"temperature" json:"temperature"`
	TopP              float64 `yaml:"top_p" json:"top_p"`
	FrequencyPenalty  float64 `yaml:"frequency_penalty" json:"frequency_penalty"`
	PresencePenalty   float64 `yaml:"presence_penalty" json:"presence_penalty"`
	RepetitionPenalty float64 `yaml:"repetition_penalty" json:"repetition_penalty"`
	MaxTokens         int     `yaml:"max_tokens" json:"max_tokens"`
	Seed              *int64  `yaml:"seed" json:"seed,omitempty"` // nil = derive from the engine seed
}

// DefaultGenerationConfig returns plain sampling: temperature 1, no top-p cut, no penalties.
func DefaultGenerationConfig() GenerationConfig {
	return GenerationConfig{
		Temperature:       1.0,
		TopP:              1.0,
		RepetitionPenalty: 1.0,
	}
}

// Request is a generation request as seen by the engine.
type Request struct {
	ID            string
	InputTokens   []int
	GenerationCfg GenerationConfig
}

func (req Request) String() string {
	return fmt.Sprintf("Request: (ID: %s, InputTokens: %d)", req.ID, len(req.InputTokens))
}

// SampleResult is one sampled token and the probability it was sampled with.
type SampleResult struct {
	TokenID int
	Prob    float32
}

// DraftToken is a speculative token proposed by a draft model.
// Parent is the index of the preceding draft token in DraftOutputTokens,
// or -1 when the token directly follows the committed tokens.
type DraftToken struct {
	SampleResult
	Slot   int // draft probability slot holding the distribution it was sampled from
	Parent int
}

// RequestModelState is the state of one request entry in one model.
// Index 0 in RequestStateEntry.MStates is the verifier; 1..k are draft models.
type RequestModelState struct {
	ModelID    int
	InternalID int64 // sequence id in the model backends' KV caches

	CommittedTokens   []SampleResult
	DraftOutputTokens []DraftToken

	// Tokens committed but not yet fed to this model.
	NumTokensForNextDecode int
}

// NewRequestModelState creates an empty model state.
func NewRequestModelState(modelID int, internalID int64) *RequestModelState {
	return &RequestModelState{
		ModelID:    modelID,
		InternalID: internalID,
	}
}

// CommitToken appends a token to the committed history.
// The token still has to be fed to the model, so NumTokensForNextDecode grows.
func (ms *RequestModelState) CommitToken(token SampleResult) {
	ms.CommittedTokens = append(ms.CommittedTokens, token)
	ms.NumTokensForNextDecode++
}

// AddDraftToken appends a draft token whose predecessor is at index parent.
func (ms *RequestModelState) AddDraftToken(token SampleResult, slot int, parent int) {
	if parent < -1 || parent >= len(ms.DraftOutputTokens) {
		panic(fmt.Sprintf("AddDraftToken: parent index %d out of range [-1, %d)", parent, len(ms.DraftOutputTokens)))
	}
	ms.DraftOutputTokens = append(ms.DraftOutputTokens, DraftToken{
		SampleResult: token,
		Slot:         slot,
		Parent:       parent,
	})
}

// RemoveAllDraftTokens clears the draft tokens and appends their slots to dst.
func (ms *RequestModelState) RemoveAllDraftTokens(dst []int) []int {
	for _, tok := range ms.DraftOutputTokens {
		dst = append(dst, tok.Slot)
	}
	ms.DraftOutputTokens = ms.DraftOutputTokens[:0]
	return dst
}

// LastCommittedToken returns the id of the most recently committed token.
func (ms *RequestModelState) LastCommittedToken() int {
	if len(ms.CommittedTokens) == 0 {
		panic(fmt.Sprintf("LastCommittedToken: model %d sequence %d has no committed token", ms.ModelID, ms.InternalID))
	}
	return ms.CommittedTokens[len(ms.CommittedTokens)-1].TokenID
}

// DraftChain returns the token ids on the draft path ending at index idx,
// root first. idx == -1 yields an empty chain.
func (ms *RequestModelState) DraftChain(idx int) []int {
	var chain []int
	for idx >= 0 {
		chain = append(chain, ms.DraftOutputTokens[idx].TokenID)
		idx = ms.DraftOutputTokens[idx].Parent
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// TokenHistory returns the committed token ids followed by the draft chain ending at draftIdx.
func (ms *RequestModelState) TokenHistory(draftIdx int) []int {
	history := make([]int, 0, len(ms.CommittedTokens)+len(ms.DraftOutputTokens))
	for _, tok := range ms.CommittedTokens {
		history = append(history, tok.TokenID)
	}
	return append(history, ms.DraftChain(draftIdx)...)
}

// RequestStateEntry is one generation sequence of a request, with one model
// state per configured model and its own random generator.
type RequestStateEntry struct {
	Request *Request
	Status  RequestStateStatus
	MStates []*RequestModelState
	RNG     *RandomGenerator
}

// NewRequestStateEntry creates an alive entry with numModels empty model
// states sharing internalID.
func NewRequestStateEntry(req *Request, internalID int64, numModels int, rng *RandomGenerator) *RequestStateEntry {
	if numModels <= 0 {
		panic(fmt.Sprintf("NewRequestStateEntry: numModels must be > 0, got %d", numModels))
	}
	mstates := make([]*RequestModelState, numModels)
	for i := range mstates {
		mstates[i] = NewRequestModelState(i, internalID)
	}
	return &RequestStateEntry{
		Request: req,
		Status:  StatusAlive,
		MStates: mstates,
		RNG:     rng,
	}
}

func (rs *RequestStateEntry) String() string {
	return fmt.Sprintf("RequestStateEntry: (ID: %s, Status: %s, Committed: %d)",
		rs.Request.ID, rs.Status, len(rs.MStates[0].CommittedTokens))
}
