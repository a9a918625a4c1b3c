package serve

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PrefixCacheMode selects the prefix cache implementation.
type PrefixCacheMode string

const (
	PrefixCacheRadix   PrefixCacheMode = "radix"
	PrefixCacheDisable PrefixCacheMode = "disable"
)

// ValidPrefixCacheModes is the set of recognized prefix cache modes.
var ValidPrefixCacheModes = map[PrefixCacheMode]bool{"": true, PrefixCacheRadix: true, PrefixCacheDisable: true}

// ModelConfig describes one model of the engine. Index 0 is the verifier.
type ModelConfig struct {
	Name      string `yaml:"name"`
	VocabSize int    `yaml:"vocab_size"`
	NumPages  int    `yaml:"num_pages"`
	Seed      int64  `yaml:"seed"`
}

// EngineConfig holds the engine parameters, loadable from a YAML file.
type EngineConfig struct {
	Models                      []ModelConfig   `yaml:"models"`
	MaxNumSequence              int             `yaml:"max_num_sequence"`
	SpecDraftLength             int             `yaml:"spec_draft_length"`
	Seed                        int64           `yaml:"seed"`
	DraftTokenWorkspaceCapacity int             `yaml:"draft_token_workspace_capacity"` // 0 = max_num_sequence * spec_draft_length * (models-1)
	PrefixCache                 PrefixCacheMode `yaml:"prefix_cache"`
	PageSize                    int             `yaml:"page_size"` // tokens per KV page
}

// DefaultEngineConfig returns a one-verifier, one-draft configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Models: []ModelConfig{
			{Name: "verifier", VocabSize: 256, NumPages: 1024, Seed: 1},
			{Name: "draft", VocabSize: 256, NumPages: 1024, Seed: 2},
		},
		MaxNumSequence:  32,
		SpecDraftLength: 4,
		Seed:            42,
		PrefixCache:     PrefixCacheRadix,
		PageSize:        16,
	}
}

// ParseEngineConfig decodes YAML over the defaults. Unknown fields are errors.
func ParseEngineConfig(data []byte) (*EngineConfig, error) {
	cfg := DefaultEngineConfig()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing engine config: %w", err)
	}
	return &cfg, nil
}

// LoadEngineConfig reads and parses a YAML engine configuration file.
func LoadEngineConfig(path string) (*EngineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading engine config: %w", err)
	}
	return ParseEngineConfig(data)
}

// WorkspaceCapacity returns the number of draft probability slots to allocate.
func (c *EngineConfig) WorkspaceCapacity() int {
	if c.DraftTokenWorkspaceCapacity > 0 {
		return c.DraftTokenWorkspaceCapacity
	}
	return c.MaxNumSequence * c.SpecDraftLength * max(len(c.Models)-1, 1)
}

// Validate checks the model list and parameter ranges.
func (c *EngineConfig) Validate() error {
	if c.SpecDraftLength <= 0 {
		return fmt.Errorf("spec_draft_length must be > 0, got %d", c.SpecDraftLength)
	}
	if len(c.Models) < 2 {
		return fmt.Errorf("speculative decoding needs a verifier and at least one draft model, got %d model(s)", len(c.Models))
	}
	if c.MaxNumSequence <= 0 {
		return fmt.Errorf("max_num_sequence must be > 0, got %d", c.MaxNumSequence)
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("page_size must be > 0, got %d", c.PageSize)
	}
	if !ValidPrefixCacheModes[c.PrefixCache] {
		return fmt.Errorf("unknown prefix_cache mode %q", c.PrefixCache)
	}
	vocab := c.Models[0].VocabSize
	for i, m := range c.Models {
		if m.VocabSize <= 0 {
			return fmt.Errorf("models[%d] (%s): vocab_size must be > 0, got %d", i, m.Name, m.VocabSize)
		}
		if m.VocabSize != vocab {
			return fmt.Errorf("models[%d] (%s): vocab_size %d differs from verifier vocab_size %d", i, m.Name, m.VocabSize, vocab)
		}
		if m.NumPages <= 0 {
			return fmt.Errorf("models[%d] (%s): num_pages must be > 0, got %d", i, m.Name, m.NumPages)
		}
	}
	minSlots := c.MaxNumSequence * c.SpecDraftLength * (len(c.Models) - 1)
	if c.DraftTokenWorkspaceCapacity > 0 && c.DraftTokenWorkspaceCapacity < minSlots {
		return fmt.Errorf("draft_token_workspace_capacity %d is below max_num_sequence * spec_draft_length * draft models = %d",
			c.DraftTokenWorkspaceCapacity, minSlots)
	}
	return nil
}
