package datasets

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// WindowBatchFlat stores a batch of windows and labels in flat contiguous
// buffers, ready for conversion into gomlx tensors or any other tensor type.
type WindowBatchFlat struct {
	// Inputs is the concatenation of the per-sample windows:
	// [batch * channel * time * frequency * 1].
	Inputs []float32

	// Labels holds one flat [batch * dim] buffer per target, in target
	// order.
	Labels [][]float32

	BatchSize int
	Dims      [4]int // per-sample window shape [channel, time, frequency, 1]
	Targets   []Target
}

// MakeWindowBatchFlat flattens a batch of samples into contiguous buffers.
// Every input must match dims and every label tuple must match the target
// layout.
func MakeWindowBatchFlat(inputs [][]float32, labels [][][]float32, dims [4]int, targets []Target) (*WindowBatchFlat, error) {
	if len(inputs) != len(labels) {
		return nil, fmt.Errorf("inputs and labels batch sizes don't match: %d != %d", len(inputs), len(labels))
	}
	batchSize := len(inputs)
	windowSize := dims[0] * dims[1] * dims[2] * dims[3]

	b := &WindowBatchFlat{
		Inputs:    make([]float32, batchSize*windowSize),
		Labels:    make([][]float32, len(targets)),
		BatchSize: batchSize,
		Dims:      dims,
		Targets:   targets,
	}
	for ti, tg := range targets {
		b.Labels[ti] = make([]float32, batchSize*tg.Dim)
	}

	for i := 0; i < batchSize; i++ {
		if len(inputs[i]) != windowSize {
			return nil, fmt.Errorf("inconsistent window size at example %d: expected %d, got %d", i, windowSize, len(inputs[i]))
		}
		copy(b.Inputs[i*windowSize:], inputs[i])

		if len(labels[i]) != len(targets) {
			return nil, fmt.Errorf("example %d has %d labels, expected %d", i, len(labels[i]), len(targets))
		}
		for ti, tg := range targets {
			if len(labels[i][ti]) != tg.Dim {
				return nil, fmt.Errorf("example %d target %q has dim %d, expected %d", i, tg.Name, len(labels[i][ti]), tg.Dim)
			}
			copy(b.Labels[ti][i*tg.Dim:], labels[i][ti])
		}
	}
	return b, nil
}

// ToGomlxTensors converts the batch into gomlx tensors: one input tensor
// shaped [batch, channel, time, frequency, 1] and one label tensor per
// target shaped [batch, dim].
func (b *WindowBatchFlat) ToGomlxTensors() (*tensors.Tensor, []*tensors.Tensor, error) {
	if b.BatchSize == 0 {
		return nil, nil, fmt.Errorf("empty batch")
	}
	in := tensors.FromFlatDataAndDimensions(b.Inputs, b.BatchSize, b.Dims[0], b.Dims[1], b.Dims[2], b.Dims[3])
	labels := make([]*tensors.Tensor, len(b.Targets))
	for ti, tg := range b.Targets {
		labels[ti] = tensors.FromFlatDataAndDimensions(b.Labels[ti], b.BatchSize, tg.Dim)
	}
	return in, labels, nil
}
