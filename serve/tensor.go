package serve

import "fmt"

// Tensor is a dense float32 array with a row-major shape. It stands in for
// device-resident NDArrays at the interface boundary.
type Tensor struct {
	Shape []int
	Data  []float32
}

// NewTensor allocates a zeroed tensor of the given shape.
func NewTensor(shape ...int) *Tensor {
	return &Tensor{
		Shape: append([]int(nil), shape...),
		Data:  make([]float32, numElements(shape)),
	}
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// NDim returns the tensor rank.
func (t *Tensor) NDim() int {
	return len(t.Shape)
}

// View reinterprets the tensor with a new shape over the same data.
// Panics if the element count differs.
func (t *Tensor) View(shape ...int) *Tensor {
	if numElements(shape) != len(t.Data) {
		panic(fmt.Sprintf("Tensor.View: cannot view %v as %v", t.Shape, shape))
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: t.Data}
}

// Row returns row i of a 2-D tensor, aliasing the tensor data.
func (t *Tensor) Row(i int) []float32 {
	if t.NDim() != 2 {
		panic(fmt.Sprintf("Tensor.Row: expected 2-D tensor, got shape %v", t.Shape))
	}
	width := t.Shape[1]
	return t.Data[i*width : (i+1)*width]
}

// Embeddings is the output of Model.TokenEmbed for a flattened token batch.
type Embeddings struct {
	Tokens []int
	Dim    int
	Values []float32 // len(Tokens) x Dim
}
