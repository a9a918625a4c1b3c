// Package testutil provides assertion helpers shared by the serve/ test
// packages. It has no dependencies on serve/ so in-package tests can use it.
package testutil

import (
	"math"
	"testing"
)

// AssertFloat64Equal compares two float64 values with relative tolerance.
func AssertFloat64Equal(t *testing.T, name string, want, got, relTol float64) {
	t.Helper()
	if want == 0 && got == 0 {
		return
	}
	diff := math.Abs(want - got)
	maxVal := math.Max(math.Abs(want), math.Abs(got))
	if diff/maxVal > relTol {
		t.Errorf("%s: got %v, want %v (diff=%v, relDiff=%v)", name, got, want, diff, diff/maxVal)
	}
}

// AssertDistribution checks that row is non-negative and sums to 1 within absTol.
func AssertDistribution(t *testing.T, name string, row []float32, absTol float64) {
	t.Helper()
	var sum float64
	for i, p := range row {
		if p < 0 {
			t.Errorf("%s: probability[%d] = %v is negative", name, i, p)
		}
		sum += float64(p)
	}
	if math.Abs(sum-1) > absTol {
		t.Errorf("%s: probabilities sum to %v, want 1", name, sum)
	}
}

// Tokens returns n consecutive token ids starting at first.
func Tokens(first, n int) []int {
	tokens := make([]int, n)
	for i := range tokens {
		tokens[i] = first + i
	}
	return tokens
}
