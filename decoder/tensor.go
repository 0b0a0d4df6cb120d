package decoder

import "fmt"

// Tensor is a dense float32 array stored as a flat contiguous buffer with
// explicit dimensions, row-major with the last dimension fastest. It is the
// in-memory currency of the decoder's forward pass; conversion to gomlx
// tensors happens only at the package boundary (see state.go).
type Tensor struct {
	Data []float32
	Dims []int
}

// NewTensor allocates a zero-filled tensor.
func NewTensor(dims ...int) *Tensor {
	size := 1
	for _, d := range dims {
		size *= d
	}
	return &Tensor{Data: make([]float32, size), Dims: dims}
}

// FromFlat wraps an existing flat buffer. The buffer length must match the
// dimensions.
func FromFlat(data []float32, dims ...int) (*Tensor, error) {
	size := 1
	for _, d := range dims {
		if d <= 0 {
			return nil, fmt.Errorf("tensor dims must be positive, got %v", dims)
		}
		size *= d
	}
	if len(data) != size {
		return nil, fmt.Errorf("buffer length %d does not match dims %v", len(data), dims)
	}
	return &Tensor{Data: data, Dims: dims}, nil
}

// Size returns the number of elements.
func (t *Tensor) Size() int {
	size := 1
	for _, d := range t.Dims {
		size *= d
	}
	return size
}

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int { return len(t.Dims) }

// Reshape returns a view over the same buffer with new dimensions. The
// element count must be preserved; a mismatch is an error, never a silent
// truncation.
func (t *Tensor) Reshape(dims ...int) (*Tensor, error) {
	size := 1
	for _, d := range dims {
		size *= d
	}
	if size != t.Size() {
		return nil, fmt.Errorf("cannot reshape %v into %v", t.Dims, dims)
	}
	return &Tensor{Data: t.Data, Dims: dims}, nil
}

// Transpose returns a copy with axes reordered so that output axis i is
// input axis perm[i].
func (t *Tensor) Transpose(perm ...int) (*Tensor, error) {
	rank := t.Rank()
	if len(perm) != rank {
		return nil, fmt.Errorf("permutation %v does not match rank %d", perm, rank)
	}
	seen := make([]bool, rank)
	outDims := make([]int, rank)
	for i, p := range perm {
		if p < 0 || p >= rank || seen[p] {
			return nil, fmt.Errorf("invalid permutation %v", perm)
		}
		seen[p] = true
		outDims[i] = t.Dims[p]
	}

	inStrides := strides(t.Dims)
	out := NewTensor(outDims...)
	idx := make([]int, rank)
	for flat := range out.Data {
		src := 0
		for i := range idx {
			src += idx[i] * inStrides[perm[i]]
		}
		out.Data[flat] = t.Data[src]
		for i := rank - 1; i >= 0; i-- {
			idx[i]++
			if idx[i] < outDims[i] {
				break
			}
			idx[i] = 0
		}
	}
	return out, nil
}

func strides(dims []int) []int {
	s := make([]int, len(dims))
	acc := 1
	for i := len(dims) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= dims[i]
	}
	return s
}
