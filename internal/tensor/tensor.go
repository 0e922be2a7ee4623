// Package tensor holds the dense float32 buffers exchanged between the
// rasterization stages and the host graph.
package tensor

import "fmt"

// Tensor is a dense row-major float32 array. The last dimension is the
// fastest varying one, so a [B,H,W,C] image stores channel c of pixel (x, y)
// in image b at ((b*H+y)*W+x)*C+c.
type Tensor struct {
	Shape []int
	Data  []float32
}

// New allocates a zeroed tensor of the given shape.
func New(shape ...int) *Tensor {
	return &Tensor{
		Shape: append([]int(nil), shape...),
		Data:  make([]float32, Numel(shape...)),
	}
}

// FromSlice wraps data without copying. The length must match the shape.
func FromSlice(data []float32, shape ...int) (*Tensor, error) {
	if n := Numel(shape...); n != len(data) {
		return nil, fmt.Errorf("tensor: %d values do not fill shape %v (%d): %w", len(data), shape, n, ErrShape)
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

// Numel returns the number of elements of a shape.
func Numel(shape ...int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Rank returns the number of dimensions. A nil tensor has rank 0.
func (t *Tensor) Rank() int {
	if t == nil {
		return 0
	}
	return len(t.Shape)
}

// Dim returns dimension i, counting from the end when i is negative.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.Shape)
	}
	return t.Shape[i]
}

// Len returns the number of elements.
func (t *Tensor) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Data)
}

// Bytes returns the storage size of a tensor with the given shape.
func Bytes(shape ...int) int64 {
	return int64(Numel(shape...)) * 4
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	if t == nil {
		return nil
	}
	return &Tensor{
		Shape: append([]int(nil), t.Shape...),
		Data:  append([]float32(nil), t.Data...),
	}
}

// Zero clears all elements in place.
func (t *Tensor) Zero() {
	clear(t.Data)
}

// Sum returns the sum of all elements in float64.
func (t *Tensor) Sum() float64 {
	var s float64
	for _, v := range t.Data {
		s += float64(v)
	}
	return s
}

func (t *Tensor) String() string {
	if t == nil {
		return "tensor(nil)"
	}
	return fmt.Sprintf("tensor%v", t.Shape)
}
