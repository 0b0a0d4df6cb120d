package datasets

import "github.com/gomlx/gomlx/pkg/core/tensors"

// This package turns a continuous multichannel time-frequency recording into
// aligned (input window, label tuple) training examples.
//
// A Recording is a dense [time, frequency, channel] array of wavelet power
// values. For every configured target (position, head direction, speed) there
// is a TargetChannel aligned 1:1 with the recording's time axis. The
// WaveletDataset cuts fixed-length windows out of the recording, normalizes
// them with robust statistics estimated from the training rows only, and
// derives one label per target from the behavioral channels.
//
// Train/test views are built by Split: the valid window-start range is cut
// into NumCVs contiguous blocks, all but the last forming the training index
// set. Both views share the same normalization statistics so no information
// from the test rows leaks into the input scaling.
//
// Notes on gomlx tensors:
//   - Batches are assembled into flat contiguous float32 buffers along with
//     shape metadata (see WindowBatchFlat) and converted into gomlx tensors
//     as a final, well-defined step. Training code that prefers another
//     tensor type can consume the flat buffers directly.
//
// The datasets implement this interface in order to interact with GoMLX
// training loops and batching utilities. All views are safe for concurrent
// Sample calls from multiple batch-loading workers.
type Dataset interface {
	Len() int
	// Sample returns the normalized input window and one label per
	// configured target for the i-th index-set entry.
	Sample(i int) (input []float32, labels [][]float32, err error)
	// Batch returns inputs and labels for the provided index-set positions.
	Batch(indices []int) (inputs [][]float32, labels [][][]float32, err error)
	// InputDims reports the shape of every input window:
	// [channel, time, frequency, 1].
	InputDims() [4]int
	Targets() []Target

	// To implement gomlx's train.Dataset interface
	Yield() (any, []*tensors.Tensor, []*tensors.Tensor, error)
}

// Target names one behavioral variable to decode and the dimensionality of
// its label (2 for position, 1 for the scalar targets). Targets are carried
// as an ordered slice, never a map: the order defines the order of the label
// tuple and of the decoder's output heads.
type Target struct {
	Name string
	Dim  int
}

// Recognized target names. Direction, head direction and speed labels are
// all derived from the position channel (see WaveletDataset), not from their
// own channels.
const (
	TargetPosition      = "position"
	TargetDirection     = "direction"
	TargetHeadDirection = "head_direction"
	TargetSpeed         = "speed"
)
