package serve

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTensor_ViewSharesData(t *testing.T) {
	logits := NewTensor(3, 1, 4)
	logits.Data[5] = 2

	view := logits.View(3, 4)

	assert.Equal(t, 2, view.NDim())
	assert.Equal(t, float32(2), view.Row(1)[1])
	view.Row(2)[0] = 7
	assert.Equal(t, float32(7), logits.Data[8])
}

func TestTensor_Panics(t *testing.T) {
	logits := NewTensor(2, 3)
	assert.PanicsWithValue(t, "Tensor.View: cannot view [2 3] as [4 2]", func() { logits.View(4, 2) })
	assert.PanicsWithValue(t, "Tensor.Row: expected 2-D tensor, got shape [2 1 3]", func() {
		logits.View(2, 1, 3).Row(0)
	})
}

func TestDraftProbsStorage_StoreCopies(t *testing.T) {
	s := NewDraftProbsStorage(2, 3)
	probs := []float32{0.2, 0.3, 0.5}

	s.Store(1, probs)
	probs[0] = 9

	assert.Equal(t, []float32{0.2, 0.3, 0.5}, s.Probs(1))
	assert.Equal(t, 2, s.Capacity())
	assert.PanicsWithValue(t, "DraftProbsStorage: slot 2 out of range [0, 2)", func() { s.Store(2, probs) })
	assert.PanicsWithValue(t, "DraftProbsStorage: expected 3 probabilities, got 1", func() { s.Store(0, []float32{1}) })
}
