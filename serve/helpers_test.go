package serve

import (
	"context"
	"fmt"
	"sync"
)

// fakeModel is a goroutine-safe Model whose logits put all mass on
// (last input token + 1) % vocab for every sequence.
type fakeModel struct {
	mu    sync.Mutex
	vocab int
	pages int

	// overrides
	badShape []int
	err      error

	decodeCalls  int
	prefillCalls int
	lastTokens   []int
	lastLengths  []int
	lastSeqIDs   []int64
	removed      []int64
	scattered    []int
}

func newFakeModel(vocab, pages int) *fakeModel {
	return &fakeModel{vocab: vocab, pages: pages}
}

func (m *fakeModel) TokenEmbed(tokens []int) (*Embeddings, error) {
	return &Embeddings{Tokens: append([]int(nil), tokens...), Dim: 1, Values: make([]float32, len(tokens))}, nil
}

func (m *fakeModel) BatchDecode(_ context.Context, emb *Embeddings, seqIDs []int64) (*Tensor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decodeCalls++
	m.record(emb.Tokens, nil, seqIDs)
	if m.err != nil {
		return nil, m.err
	}
	if m.badShape != nil {
		return NewTensor(m.badShape...), nil
	}
	out := NewTensor(len(seqIDs), 1, m.vocab)
	for i, tok := range emb.Tokens {
		out.Data[i*m.vocab+(tok+1)%m.vocab] = 10
	}
	return out, nil
}

func (m *fakeModel) BatchPrefill(_ context.Context, emb *Embeddings, seqIDs []int64, lengths []int) (*Tensor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prefillCalls++
	m.record(emb.Tokens, lengths, seqIDs)
	if m.err != nil {
		return nil, m.err
	}
	if m.badShape != nil {
		return NewTensor(m.badShape...), nil
	}
	out := NewTensor(1, len(seqIDs), m.vocab)
	offset := 0
	for i, l := range lengths {
		offset += l
		out.Data[i*m.vocab+(emb.Tokens[offset-1]+1)%m.vocab] = 10
	}
	return out, nil
}

func (m *fakeModel) record(tokens, lengths []int, seqIDs []int64) {
	m.lastTokens = append([]int(nil), tokens...)
	m.lastLengths = append([]int(nil), lengths...)
	m.lastSeqIDs = append([]int64(nil), seqIDs...)
}

func (m *fakeModel) ScatterDraftProbs(probs *Tensor, slots []int, storage *DraftProbsStorage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, slot := range slots {
		storage.Store(slot, probs.Row(i))
	}
	m.scattered = append(m.scattered, slots...)
	return nil
}

func (m *fakeModel) GetNumAvailablePages() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pages
}

func (m *fakeModel) RemoveSequence(seqID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, seqID)
}

func (m *fakeModel) setPages(pages int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages = pages
}

// greedyProcessor records the parents it is given and produces one-hot argmax distributions.
type greedyProcessor struct {
	parents [][]int
}

func (p *greedyProcessor) InplaceUpdateLogits(_ *Tensor, _ []GenerationConfig, _ []*RequestModelState,
	_ []string, draftTokenIndices []int) {
	p.parents = append(p.parents, append([]int(nil), draftTokenIndices...))
}

func (p *greedyProcessor) ComputeProbsFromLogits(logits *Tensor, _ []GenerationConfig, _ []string) *Tensor {
	probs := NewTensor(logits.Shape...)
	for i := 0; i < logits.Shape[0]; i++ {
		row := logits.Row(i)
		best := 0
		for v := range row {
			if row[v] > row[best] {
				best = v
			}
		}
		probs.Row(i)[best] = 1
	}
	return probs
}

// argmaxSampler picks the most likely token of each row.
type argmaxSampler struct{}

func (argmaxSampler) BatchRenormalizeProbsByTopP(probs *Tensor, _ []int, _ []string, _ []GenerationConfig) *Tensor {
	return probs
}

func (argmaxSampler) BatchSampleTokensWithProbAfterTopP(probs *Tensor, sampleIndices []int, _ []string,
	_ []GenerationConfig, _ []*RandomGenerator) []SampleResult {
	out := make([]SampleResult, len(sampleIndices))
	for i, row := range sampleIndices {
		p := probs.Row(row)
		best := 0
		for v := range p {
			if p[v] > p[best] {
				best = v
			}
		}
		out[i] = SampleResult{TokenID: best, Prob: p[best]}
	}
	return out
}

// fakePrefixCache tracks sequences in a set and frees memory a fixed number of times.
type fakePrefixCache struct {
	seqs      map[int64]bool
	freeable  int
	onFree    func()
	commits   int
	freeCalls int
	recycled  []int64
}

func newFakePrefixCache() *fakePrefixCache {
	return &fakePrefixCache{seqs: make(map[int64]bool)}
}

func (c *fakePrefixCache) TryFreeMemory() bool {
	c.freeCalls++
	if c.freeable == 0 {
		return false
	}
	c.freeable--
	if c.onFree != nil {
		c.onFree()
	}
	return true
}

func (c *fakePrefixCache) CommitSequenceExtension()            { c.commits++ }
func (c *fakePrefixCache) ExtendSequence(seqID int64, _ []int) { c.seqs[seqID] = true }
func (c *fakePrefixCache) HasSequence(seqID int64) bool        { return c.seqs[seqID] }
func (c *fakePrefixCache) Mode() PrefixCacheMode               { return PrefixCacheRadix }

func (c *fakePrefixCache) RecycleSequence(seqID int64, _ bool) {
	delete(c.seqs, seqID)
	c.recycled = append(c.recycled, seqID)
}

// eventLog is a goroutine-safe EventTraceRecorder.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) AddEvent(requestIDs []string, event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range requestIDs {
		l.events = append(l.events, id+":"+event)
	}
}

// testEngine bundles an action with its collaborators.
type testEngine struct {
	models    []*fakeModel
	proc      *greedyProcessor
	workspace *DraftTokenWorkspace
	storage   *DraftProbsStorage
	cache     *fakePrefixCache
	estate    *EngineState
	recorder  *eventLog
	action    *BatchDraftAction
}

const testVocab = 32

// newTestEngine creates numModels fake models with pages free pages each.
func newTestEngine(numModels, pages, draftLength, maxNumSequence int) *testEngine {
	te := &testEngine{
		proc:      &greedyProcessor{},
		workspace: NewDraftTokenWorkspace(256),
		storage:   NewDraftProbsStorage(256, testVocab),
		cache:     newFakePrefixCache(),
		recorder:  &eventLog{},
	}
	models := make([]Model, numModels)
	for i := range models {
		te.models = append(te.models, newFakeModel(testVocab, pages))
		models[i] = te.models[i]
	}
	te.estate = NewEngineState(te.cache)
	cfg := DefaultEngineConfig()
	cfg.MaxNumSequence = maxNumSequence
	workspaces := make([]ModelWorkspace, numModels)
	workspaces[0].DraftProbsStorage = te.storage
	te.action = NewBatchDraftAction(models, te.proc, argmaxSampler{}, workspaces, te.workspace, cfg, te.recorder, draftLength)
	return te
}

// addRunning enqueues an alive entry whose verifier and draft states all hold
// committed, with the last committed token pending in every draft model.
func (te *testEngine) addRunning(id string, internalID int64, committed ...int) *RequestStateEntry {
	req := &Request{ID: id, InputTokens: []int{1, 2, 3}, GenerationCfg: DefaultGenerationConfig()}
	rs := NewRequestStateEntry(req, internalID, len(te.models), NewRandomGenerator(internalID))
	for _, ms := range rs.MStates {
		for _, tok := range committed {
			ms.CommitToken(SampleResult{TokenID: tok, Prob: 1})
		}
		ms.NumTokensForNextDecode = 1
	}
	te.estate.RunningQueue.Enqueue(rs)
	return rs
}

func tokenIDs(tokens []DraftToken) []int {
	ids := make([]int, len(tokens))
	for i, tok := range tokens {
		ids[i] = tok.TokenID
	}
	return ids
}

func parentsOf(tokens []DraftToken) []int {
	parents := make([]int, len(tokens))
	for i, tok := range tokens {
		parents[i] = tok.Parent
	}
	return parents
}

func requestID(i int) string {
	return fmt.Sprintf("req_%d", i)
}
