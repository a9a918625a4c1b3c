// Package model provides a deterministic in-process model backend. Logits
// are a pure function of the model seed and the trailing tokens of a
// sequence's history, so decode and prefill agree and runs are reproducible.
package model

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/inference-sim/specdraft/serve"
	"github.com/inference-sim/specdraft/serve/kv"
)

// ErrOutOfPages is returned when a forward call cannot reserve KV pages.
var ErrOutOfPages = errors.New("out of KV pages")

const (
	defaultEmbedDim      = 8
	defaultContextTokens = 4
	logitScale           = 8.0
)

// Config describes one backend instance.
type Config struct {
	Name      string
	VocabSize int
	NumPages  int
	PageSize  int
	Seed      int64
	EmbedDim  int // 0 = 8
	// ContextTokens is how many trailing history tokens condition the logits. 0 = 4.
	ContextTokens int
}

// FromModelConfig builds a backend config from an engine model entry.
func FromModelConfig(mc serve.ModelConfig, pageSize int) Config {
	return Config{
		Name:      mc.Name,
		VocabSize: mc.VocabSize,
		NumPages:  mc.NumPages,
		PageSize:  pageSize,
		Seed:      mc.Seed,
	}
}

// Backend implements serve.Model over a kv.PagePool.
//
// Thread-safety: safe for concurrent use.
type Backend struct {
	cfg   Config
	pages *kv.PagePool

	mu      sync.Mutex
	history map[int64][]int
}

var _ serve.Model = (*Backend)(nil)

// New creates a backend. Panics on a non-positive vocabulary, page count or page size.
func New(cfg Config) *Backend {
	if cfg.VocabSize <= 0 {
		panic(fmt.Sprintf("model %s: VocabSize must be > 0, got %d", cfg.Name, cfg.VocabSize))
	}
	if cfg.EmbedDim <= 0 {
		cfg.EmbedDim = defaultEmbedDim
	}
	if cfg.ContextTokens <= 0 {
		cfg.ContextTokens = defaultContextTokens
	}
	return &Backend{
		cfg:     cfg,
		pages:   kv.NewPagePool(cfg.NumPages, cfg.PageSize),
		history: make(map[int64][]int),
	}
}

// NewModels creates one backend per configured model, verifier first.
func NewModels(cfg serve.EngineConfig) []*Backend {
	backends := make([]*Backend, len(cfg.Models))
	for i, mc := range cfg.Models {
		backends[i] = New(FromModelConfig(mc, cfg.PageSize))
	}
	return backends
}

// Name returns the configured model name.
func (b *Backend) Name() string {
	return b.cfg.Name
}

// VocabSize returns the vocabulary size.
func (b *Backend) VocabSize() int {
	return b.cfg.VocabSize
}

// AddNewSequence registers an empty sequence.
func (b *Backend) AddNewSequence(seqID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.pages.AddSequence(seqID); err != nil {
		return fmt.Errorf("model %s: %w", b.cfg.Name, err)
	}
	b.history[seqID] = nil
	return nil
}

// TokenEmbed returns a fixed pseudo-random embedding per token id.
func (b *Backend) TokenEmbed(tokens []int) (*serve.Embeddings, error) {
	dim := b.cfg.EmbedDim
	values := make([]float32, len(tokens)*dim)
	for i, tok := range tokens {
		if tok < 0 || tok >= b.cfg.VocabSize {
			return nil, fmt.Errorf("model %s: token %d out of vocabulary [0, %d)", b.cfg.Name, tok, b.cfg.VocabSize)
		}
		for j := 0; j < dim; j++ {
			values[i*dim+j] = unitFloat(splitmix64(uint64(b.cfg.Seed)^uint64(tok*dim+j)))*2 - 1
		}
	}
	return &serve.Embeddings{Tokens: append([]int(nil), tokens...), Dim: dim, Values: values}, nil
}

// BatchDecode appends one token to each sequence and returns logits [n, 1, vocab].
func (b *Backend) BatchDecode(ctx context.Context, embeddings *serve.Embeddings, seqIDs []int64) (*serve.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(embeddings.Tokens) != len(seqIDs) {
		return nil, fmt.Errorf("model %s: batch decode of %d tokens for %d sequences", b.cfg.Name, len(embeddings.Tokens), len(seqIDs))
	}
	out := serve.NewTensor(len(seqIDs), 1, b.cfg.VocabSize)
	for i, seqID := range seqIDs {
		hist, err := b.extend(seqID, embeddings.Tokens[i:i+1])
		if err != nil {
			return nil, err
		}
		b.fillLogits(out.Data[i*b.cfg.VocabSize:(i+1)*b.cfg.VocabSize], hist)
	}
	return out, nil
}

// BatchPrefill appends lengths[i] tokens to sequence i and returns the logits
// of each sequence's last position, shape [1, n, vocab].
func (b *Backend) BatchPrefill(ctx context.Context, embeddings *serve.Embeddings, seqIDs []int64, lengths []int) (*serve.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(lengths) != len(seqIDs) {
		return nil, fmt.Errorf("model %s: %d lengths for %d sequences", b.cfg.Name, len(lengths), len(seqIDs))
	}
	total := 0
	for _, l := range lengths {
		if l <= 0 {
			return nil, fmt.Errorf("model %s: prefill length must be > 0, got %d", b.cfg.Name, l)
		}
		total += l
	}
	if total != len(embeddings.Tokens) {
		return nil, fmt.Errorf("model %s: lengths sum to %d but %d tokens were embedded", b.cfg.Name, total, len(embeddings.Tokens))
	}
	out := serve.NewTensor(1, len(seqIDs), b.cfg.VocabSize)
	offset := 0
	for i, seqID := range seqIDs {
		hist, err := b.extend(seqID, embeddings.Tokens[offset:offset+lengths[i]])
		if err != nil {
			return nil, err
		}
		offset += lengths[i]
		b.fillLogits(out.Data[i*b.cfg.VocabSize:(i+1)*b.cfg.VocabSize], hist)
	}
	return out, nil
}

// extend reserves pages for tokens and appends them to the history of seqID.
// Returns the trailing context window after the append.
func (b *Backend) extend(seqID int64, tokens []int) ([]int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	hist, ok := b.history[seqID]
	if !ok {
		return nil, fmt.Errorf("model %s: sequence %d does not exist", b.cfg.Name, seqID)
	}
	reserved, err := b.pages.Reserve(seqID, len(tokens))
	if err != nil {
		return nil, fmt.Errorf("model %s: %w", b.cfg.Name, err)
	}
	if !reserved {
		return nil, fmt.Errorf("model %s: sequence %d needs room for %d tokens: %w", b.cfg.Name, seqID, len(tokens), ErrOutOfPages)
	}
	hist = append(hist, tokens...)
	b.history[seqID] = hist
	window := hist[max(0, len(hist)-b.cfg.ContextTokens):]
	return append([]int(nil), window...), nil
}

func (b *Backend) fillLogits(row []float32, window []int) {
	d := xxhash.New()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(b.cfg.Seed))
	d.Write(buf[:])
	for _, tok := range window {
		binary.LittleEndian.PutUint32(buf[:4], uint32(tok))
		d.Write(buf[:4])
	}
	h := d.Sum64()
	for v := range row {
		row[v] = (unitFloat(splitmix64(h+uint64(v))) - 0.5) * logitScale
	}
}

// ScatterDraftProbs copies row i of probs [n, vocab] into slots[i] of storage.
func (b *Backend) ScatterDraftProbs(probs *serve.Tensor, slots []int, storage *serve.DraftProbsStorage) error {
	if probs.NDim() != 2 {
		return fmt.Errorf("model %s: draft probabilities must be 2-D, got shape %v", b.cfg.Name, probs.Shape)
	}
	if probs.Shape[0] != len(slots) {
		return fmt.Errorf("model %s: %d probability rows for %d slots", b.cfg.Name, probs.Shape[0], len(slots))
	}
	if probs.Shape[1] != storage.VocabSize {
		return fmt.Errorf("model %s: probability width %d does not match storage vocab %d", b.cfg.Name, probs.Shape[1], storage.VocabSize)
	}
	for i, slot := range slots {
		if slot < 0 || slot >= storage.Capacity() {
			return fmt.Errorf("model %s: slot %d out of range [0, %d)", b.cfg.Name, slot, storage.Capacity())
		}
		storage.Store(slot, probs.Row(i))
	}
	return nil
}

// GetNumAvailablePages returns the number of free KV pages.
func (b *Backend) GetNumAvailablePages() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pages.NumAvailablePages()
}

// RemoveSequence drops seqID and frees its pages. Unknown ids are ignored.
func (b *Backend) RemoveSequence(seqID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pages.Release(seqID)
	delete(b.history, seqID)
}

// PopTokens removes the last n tokens of seqID, e.g. rejected draft tokens.
func (b *Backend) PopTokens(seqID int64, n int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	hist, ok := b.history[seqID]
	if !ok {
		return fmt.Errorf("model %s: sequence %d does not exist", b.cfg.Name, seqID)
	}
	if err := b.pages.Pop(seqID, n); err != nil {
		return fmt.Errorf("model %s: %w", b.cfg.Name, err)
	}
	b.history[seqID] = hist[:len(hist)-n]
	return nil
}

// History returns a copy of the tokens fed to seqID.
func (b *Backend) History(seqID int64) []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int(nil), b.history[seqID]...)
}

// NumTokens returns the number of tokens fed to seqID, 0 if unknown.
func (b *Backend) NumTokens(seqID int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pages.NumTokens(seqID)
}

// PagesFor returns the number of pages numTokens tokens occupy.
func (b *Backend) PagesFor(numTokens int) int {
	return (numTokens + b.cfg.PageSize - 1) / b.cfg.PageSize
}

// HasSequence reports whether seqID is registered.
func (b *Backend) HasSequence(seqID int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.history[seqID]
	return ok
}

// AsModels returns backends as serve.Model values.
func AsModels(backends []*Backend) []serve.Model {
	models := make([]serve.Model, len(backends))
	for i, b := range backends {
		models[i] = b
	}
	return models
}

func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

// unitFloat maps x to [0, 1).
func unitFloat(x uint64) float32 {
	return float32(x>>40) / float32(1<<24)
}
