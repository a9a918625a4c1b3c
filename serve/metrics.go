// Tracks cumulative engine counters for the draft proposal action.

package serve

import (
	"fmt"
	"sort"

	"github.com/goccy/go-json"
)

// TimeCost accumulates wall-clock seconds over a number of samples.
type TimeCost struct {
	Sum   float64 `json:"sum"`
	Count int64   `json:"count"`
}

// Mean returns the average seconds per sample, 0 when empty.
func (tc TimeCost) Mean() float64 {
	if tc.Count == 0 {
		return 0
	}
	return tc.Sum / float64(tc.Count)
}

// EngineMetrics aggregates engine statistics across ticks.
type EngineMetrics struct {
	EngineDecodeTimeSum  float64           `json:"engine_decode_time_sum"`   // seconds spent in draft passes
	DraftTimeByBatchSize map[int]*TimeCost `json:"draft_time_by_batch_size"` // per-round seconds keyed by batch size

	NumPreemptions      int64 `json:"num_preemptions"`
	NumPrefixCacheFrees int64 `json:"num_prefix_cache_frees"`
	NumDraftTokens      int64 `json:"num_draft_tokens"`
	NumCatchUpTokens    int64 `json:"num_catch_up_tokens"` // backlog tokens fed during round 0
	NumDecodeRounds     int64 `json:"num_decode_rounds"`
	NumPrefillRounds    int64 `json:"num_prefill_rounds"`
}

// NewEngineMetrics returns zeroed metrics.
func NewEngineMetrics() *EngineMetrics {
	return &EngineMetrics{
		DraftTimeByBatchSize: make(map[int]*TimeCost),
	}
}

// UpdateDraftTimeByBatchSize records the duration of one draft round.
func (m *EngineMetrics) UpdateDraftTimeByBatchSize(batchSize int, seconds float64) {
	tc, ok := m.DraftTimeByBatchSize[batchSize]
	if !ok {
		tc = &TimeCost{}
		m.DraftTimeByBatchSize[batchSize] = tc
	}
	tc.Sum += seconds
	tc.Count++
}

// AsJSON renders the metrics as indented JSON.
func (m *EngineMetrics) AsJSON() ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding engine metrics: %w", err)
	}
	return data, nil
}

// Print displays the aggregated metrics.
func (m *EngineMetrics) Print() {
	fmt.Println("=== Draft Proposal Metrics ===")
	fmt.Printf("Draft Tokens         : %d\n", m.NumDraftTokens)
	fmt.Printf("Catch-up Tokens      : %d\n", m.NumCatchUpTokens)
	fmt.Printf("Decode Rounds        : %d\n", m.NumDecodeRounds)
	fmt.Printf("Prefill Rounds       : %d\n", m.NumPrefillRounds)
	fmt.Printf("Preemptions          : %d\n", m.NumPreemptions)
	fmt.Printf("Prefix Cache Frees   : %d\n", m.NumPrefixCacheFrees)
	fmt.Printf("Draft Time           : %.6f s\n", m.EngineDecodeTimeSum)

	sizes := make([]int, 0, len(m.DraftTimeByBatchSize))
	for size := range m.DraftTimeByBatchSize {
		sizes = append(sizes, size)
	}
	sort.Ints(sizes)
	for _, size := range sizes {
		tc := m.DraftTimeByBatchSize[size]
		fmt.Printf("  batch %4d         : %d rounds, mean %.6f s\n", size, tc.Count, tc.Mean())
	}
}
